package orchestrator

import (
	"fmt"
	"strings"
)

// ParseFailureMode decides what happens once a seat exhausts its re-prompts.
type ParseFailureMode int

const (
	Fallback ParseFailureMode = iota // play the first card / decline to challenge
	Raise                            // abort the game with the parse error
)

func (m ParseFailureMode) String() string {
	if m == Raise {
		return "raise"
	}
	return "fallback"
}

func ParseParseFailureMode(s string) (ParseFailureMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "fallback":
		return Fallback, nil
	case "raise", "strict":
		return Raise, nil
	}
	return Fallback, fmt.Errorf("unknown strictness %q (want fallback or raise)", s)
}

type StrictnessPolicy struct {
	OnParseFailure ParseFailureMode
}

type ChallengeOrder string

const (
	OrderSeat     ChallengeOrder = "seat"
	OrderShuffled ChallengeOrder = "shuffled"
)

type Config struct {
	MaxTurns           int
	MaxAttempts        int // model calls per decision, re-prompts included
	PlayMaxTokens      int
	ChallengeMaxTokens int
	Strictness         StrictnessPolicy
	ChallengeOrder     ChallengeOrder
}

func DefaultConfig() Config {
	return Config{
		MaxTurns:           200,
		MaxAttempts:        3,
		PlayMaxTokens:      1024,
		ChallengeMaxTokens: 768,
		Strictness:         StrictnessPolicy{OnParseFailure: Raise},
		ChallengeOrder:     OrderSeat,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxTurns <= 0 {
		c.MaxTurns = d.MaxTurns
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.PlayMaxTokens <= 0 {
		c.PlayMaxTokens = d.PlayMaxTokens
	}
	if c.ChallengeMaxTokens <= 0 {
		c.ChallengeMaxTokens = d.ChallengeMaxTokens
	}
	if c.ChallengeOrder == "" {
		c.ChallengeOrder = d.ChallengeOrder
	}
	return c
}
