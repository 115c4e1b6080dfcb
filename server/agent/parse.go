package agent

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"bullshit-bench/server/engine"
)

// ErrParse means no usable decision could be recovered from a model reply.
var ErrParse = errors.New("could not parse decision")

const noReasoning = "No reasoning provided"

type PlayDecision struct {
	Reasoning  string        `json:"reasoning"`
	Cards      []engine.Card `json:"cards_to_play"`
	ClaimCount int           `json:"claim_count"`
	Dropped    []string      `json:"-"` // tokens that did not normalize to a card
}

type ChallengeDecision struct {
	Reasoning string `json:"reasoning"`
	Challenge bool   `json:"challenge"`
}

var (
	thinkBlock   = regexp.MustCompile(`(?is)<(?:think|thinking)>(.*?)</(?:think|thinking)>`)
	thinkOpen    = regexp.MustCompile(`(?i)<(?:think|thinking)>`)
	thinkClose   = regexp.MustCompile(`(?i)</(?:think|thinking)>`)
	codeFence    = regexp.MustCompile("(?s)```(?:json|JSON)?\\s*(.*?)```")
	salvageCards = regexp.MustCompile(`(?s)"cards_to_play"\s*:\s*\[([^\]]*)`)
	salvageClaim = regexp.MustCompile(`"claim_count"\s*:\s*"?(\d+)`)
	salvageChall = regexp.MustCompile(`(?i)"challenge"\s*:\s*"?(true|false)`)
	salvageWhy   = regexp.MustCompile(`(?s)"reasoning"\s*:\s*"((?:[^"\\]|\\.)*)`)
	quoted       = regexp.MustCompile(`"([^"]*)"`)
)

// ParsePlay recovers a play decision from free-form model output.
func ParsePlay(text string) (PlayDecision, error) {
	visible, thinking := splitThinking(text)
	for _, src := range sources(text, visible) {
		for _, obj := range candidates(src) {
			if d, ok := coercePlay(obj); ok {
				d.Reasoning = combineReasoning(thinking, d.Reasoning)
				return d, nil
			}
		}
	}
	if d, ok := salvagePlay(text); ok {
		d.Reasoning = combineReasoning(thinking, d.Reasoning)
		return d, nil
	}
	return PlayDecision{}, fmt.Errorf("%w: no play in %q", ErrParse, excerpt(text))
}

// ParseChallenge recovers a challenge decision from free-form model output.
func ParseChallenge(text string) (ChallengeDecision, error) {
	visible, thinking := splitThinking(text)
	for _, src := range sources(text, visible) {
		for _, obj := range candidates(src) {
			if d, ok := coerceChallenge(obj); ok {
				d.Reasoning = combineReasoning(thinking, d.Reasoning)
				return d, nil
			}
		}
	}
	if d, ok := salvageChallenge(text); ok {
		d.Reasoning = combineReasoning(thinking, d.Reasoning)
		return d, nil
	}
	return ChallengeDecision{}, fmt.Errorf("%w: no challenge in %q", ErrParse, excerpt(text))
}

// splitThinking removes reasoning blocks and returns them separately. A close tag
// without an opener means the reply began mid-thought; an opener without a close
// swallows the rest of the text.
func splitThinking(text string) (visible, thinking string) {
	var parts []string
	for _, m := range thinkBlock.FindAllStringSubmatch(text, -1) {
		if t := strings.TrimSpace(m[1]); t != "" {
			parts = append(parts, t)
		}
	}
	visible = thinkBlock.ReplaceAllString(text, "")

	if loc := thinkClose.FindAllStringIndex(visible, -1); len(loc) > 0 {
		last := loc[len(loc)-1]
		if t := strings.TrimSpace(thinkOpen.ReplaceAllString(visible[:last[0]], "")); t != "" {
			parts = append(parts, t)
		}
		visible = visible[last[1]:]
	}
	if loc := thinkOpen.FindStringIndex(visible); loc != nil {
		if t := strings.TrimSpace(visible[loc[1]:]); t != "" {
			parts = append(parts, t)
		}
		visible = visible[:loc[0]]
	}
	return strings.TrimSpace(visible), strings.Join(parts, "\n")
}

// sources lists the texts to search: the cleaned text first, then the raw reply
// when cleaning removed something.
func sources(raw, visible string) []string {
	if strings.TrimSpace(raw) == visible {
		return []string{visible}
	}
	return []string{visible, raw}
}

// candidates returns decoded objects in the order they should be tried: fenced
// blocks, then every balanced top-level object.
func candidates(s string) []map[string]any {
	var out []map[string]any
	try := func(chunk string) {
		var m map[string]any
		if err := json.Unmarshal([]byte(strings.TrimSpace(chunk)), &m); err == nil && m != nil {
			out = append(out, m)
		}
	}
	for _, m := range codeFence.FindAllStringSubmatch(s, -1) {
		try(m[1])
		for _, obj := range topLevelObjects(m[1]) {
			try(obj)
		}
	}
	for _, obj := range topLevelObjects(s) {
		try(obj)
	}
	return out
}

// topLevelObjects scans for balanced {...} spans, ignoring braces inside strings.
func topLevelObjects(s string) []string {
	var out []string
	depth, start := 0, -1
	inStr, esc := false, false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if inStr {
			switch {
			case esc:
				esc = false
			case c == '\\':
				esc = true
			case c == '"':
				inStr = false
			}
			continue
		}
		switch c {
		case '"':
			if depth > 0 {
				inStr = true
			}
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			if depth == 0 {
				continue
			}
			depth--
			if depth == 0 && start >= 0 {
				out = append(out, s[start:i+1])
				start = -1
			}
		}
	}
	return out
}

func coercePlay(m map[string]any) (PlayDecision, bool) {
	raw, ok := m["cards_to_play"].([]any)
	if !ok {
		return PlayDecision{}, false
	}
	var d PlayDecision
	for _, v := range raw {
		tok := fmt.Sprint(v)
		if c, ok := NormalizeCard(tok); ok {
			d.Cards = append(d.Cards, c)
		} else {
			d.Dropped = append(d.Dropped, tok)
		}
	}
	if len(d.Cards) == 0 {
		return PlayDecision{}, false
	}
	d.ClaimCount = len(d.Cards)
	switch t := m["claim_count"].(type) {
	case float64:
		if n := int(t); n >= 1 && float64(n) == t {
			d.ClaimCount = n
		}
	case string:
		if n, err := strconv.Atoi(strings.TrimSpace(t)); err == nil && n >= 1 {
			d.ClaimCount = n
		}
	}
	d.Reasoning = reasoningOf(m)
	return d, true
}

func coerceChallenge(m map[string]any) (ChallengeDecision, bool) {
	var d ChallengeDecision
	switch t := m["challenge"].(type) {
	case bool:
		d.Challenge = t
	case string:
		switch strings.ToLower(strings.TrimSpace(t)) {
		case "true":
			d.Challenge = true
		case "false":
			d.Challenge = false
		default:
			return ChallengeDecision{}, false
		}
	default:
		return ChallengeDecision{}, false
	}
	d.Reasoning = reasoningOf(m)
	return d, true
}

func reasoningOf(m map[string]any) string {
	if s, ok := m["reasoning"].(string); ok && strings.TrimSpace(s) != "" {
		return strings.TrimSpace(s)
	}
	return noReasoning
}

// salvagePlay handles replies cut off mid-object, as long as the card list closed.
func salvagePlay(text string) (PlayDecision, bool) {
	m := salvageCards.FindStringSubmatch(text)
	if m == nil {
		return PlayDecision{}, false
	}
	var d PlayDecision
	for _, q := range quoted.FindAllStringSubmatch(m[1], -1) {
		if c, ok := NormalizeCard(q[1]); ok {
			d.Cards = append(d.Cards, c)
		} else {
			d.Dropped = append(d.Dropped, q[1])
		}
	}
	if len(d.Cards) == 0 {
		return PlayDecision{}, false
	}
	d.ClaimCount = len(d.Cards)
	if cm := salvageClaim.FindStringSubmatch(text); cm != nil {
		if n, err := strconv.Atoi(cm[1]); err == nil && n >= 1 {
			d.ClaimCount = n
		}
	}
	d.Reasoning = salvageReasoning(text)
	return d, true
}

func salvageChallenge(text string) (ChallengeDecision, bool) {
	m := salvageChall.FindStringSubmatch(text)
	if m == nil {
		return ChallengeDecision{}, false
	}
	return ChallengeDecision{
		Challenge: strings.EqualFold(m[1], "true"),
		Reasoning: salvageReasoning(text),
	}, true
}

func salvageReasoning(text string) string {
	m := salvageWhy.FindStringSubmatch(text)
	if m == nil {
		return noReasoning
	}
	var s string
	if err := json.Unmarshal([]byte(`"`+m[1]+`"`), &s); err != nil {
		s = m[1]
	}
	if strings.TrimSpace(s) == "" {
		return noReasoning
	}
	return strings.TrimSpace(s)
}

func combineReasoning(thinking, reasoning string) string {
	if thinking == "" {
		return reasoning
	}
	return "[THINKING] " + thinking + "\n[RESPONSE] " + reasoning
}

func excerpt(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > 120 {
		return s[:117] + "..."
	}
	return s
}
