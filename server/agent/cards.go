package agent

import (
	"strings"

	"bullshit-bench/server/engine"
)

var cardWords = map[string]string{
	"ACE": "A", "TWO": "2", "THREE": "3", "FOUR": "4", "FIVE": "5", "SIX": "6", "SEVEN": "7",
	"EIGHT": "8", "NINE": "9", "TEN": "10", "JACK": "J", "QUEEN": "Q", "KING": "K",
	"SPADES": "S", "SPADE": "S", "HEARTS": "H", "HEART": "H",
	"DIAMONDS": "D", "DIAMOND": "D", "CLUBS": "C", "CLUB": "C",
	"OF": "",
}

// Symbols become separate words so "Ace♠" splits into ACE and S.
var suitSymbols = strings.NewReplacer(
	"♠", " S ", "♤", " S ",
	"♥", " H ", "♡", " H ",
	"♦", " D ", "♢", " D ",
	"♣", " C ", "♧", " C ",
)

// NormalizeCard maps the spellings models actually produce ("ace of spades",
// "SA", "A♠", "TH") onto a canonical card.
func NormalizeCard(tok string) (engine.Card, bool) {
	s := strings.ToUpper(strings.TrimSpace(suitSymbols.Replace(tok)))
	s = strings.Map(func(r rune) rune {
		if r == '-' || r == '_' || r == ',' {
			return ' '
		}
		return r
	}, s)

	var b strings.Builder
	for _, w := range strings.Fields(s) {
		if abbr, ok := cardWords[w]; ok {
			b.WriteString(abbr)
			continue
		}
		b.WriteString(w)
	}
	s = strings.Map(func(r rune) rune {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			return r
		}
		return -1
	}, b.String())

	if len(s) == 2 {
		switch {
		case s[0] == 'T':
			s = "10" + s[1:]
		case s[1] == 'T':
			s = s[:1] + "10"
		}
	}
	if c, err := engine.ParseCard(s); err == nil {
		return c, true
	}
	// reversed order, suit first
	if len(s) >= 2 {
		if c, err := engine.ParseCard(s[1:] + s[:1]); err == nil {
			return c, true
		}
	}
	return engine.Card{}, false
}

// ClampToHand keeps the cards the hand can actually supply, with multiset
// semantics, and returns the rest as dropped.
func ClampToHand(hand, cards []engine.Card) (kept, dropped []engine.Card) {
	avail := make(map[engine.Card]int, len(hand))
	for _, c := range hand {
		avail[c]++
	}
	for _, c := range cards {
		if avail[c] > 0 {
			avail[c]--
			kept = append(kept, c)
			continue
		}
		dropped = append(dropped, c)
	}
	return kept, dropped
}

// FallbackPlay plays the first card in hand, claimed as one card.
func FallbackPlay(hand []engine.Card) PlayDecision {
	if len(hand) == 0 {
		return PlayDecision{}
	}
	return PlayDecision{
		Reasoning:  "fallback: no valid decision, playing first card",
		Cards:      []engine.Card{hand[0]},
		ClaimCount: 1,
	}
}

func FallbackChallenge() ChallengeDecision {
	return ChallengeDecision{Reasoning: "fallback: no valid decision, declining to challenge"}
}
