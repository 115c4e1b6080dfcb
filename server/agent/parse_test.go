package agent

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bullshit-bench/server/engine"
)

func TestParsePlayCleanJSON(t *testing.T) {
	d, err := ParsePlay(`{"reasoning":"dump the aces","cards_to_play":["AS","AH"],"claim_count":2}`)
	require.NoError(t, err)
	assert.Equal(t, []engine.Card{{Rank: engine.Ace, Suit: engine.Spades}, {Rank: engine.Ace, Suit: engine.Hearts}}, d.Cards)
	assert.Equal(t, 2, d.ClaimCount)
	assert.Equal(t, "dump the aces", d.Reasoning)
}

func TestParsePlayRecovery(t *testing.T) {
	cases := []struct {
		name  string
		input string
		cards []string
		claim int
	}{
		{
			name:  "fenced block",
			input: "Let me think.\n```json\n{\"reasoning\":\"r\",\"cards_to_play\":[\"KD\"],\"claim_count\":1}\n```\nDone.",
			cards: []string{"KD"},
			claim: 1,
		},
		{
			name:  "prose around object",
			input: `I'll bluff here. {"reasoning":"r","cards_to_play":["9C","2H"],"claim_count":3} Good luck!`,
			cards: []string{"9C", "2H"},
			claim: 3,
		},
		{
			name:  "braces inside strings",
			input: `{"reasoning":"pile is {big}","cards_to_play":["10H"]}`,
			cards: []string{"10H"},
			claim: 1,
		},
		{
			name:  "later object wins when first is unrelated",
			input: `Example: {"foo":1}. Answer: {"cards_to_play":["QS"],"claim_count":"1"}`,
			cards: []string{"QS"},
			claim: 1,
		},
		{
			name:  "truncated after the card list",
			input: `{"cards_to_play":["3S","3D"],"claim_count":2,"reasoning":"I have two thr`,
			cards: []string{"3S", "3D"},
			claim: 2,
		},
		{
			name:  "claim count missing defaults to cards",
			input: `{"cards_to_play":["5H","5D","5C"]}`,
			cards: []string{"5H", "5D", "5C"},
			claim: 3,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d, err := ParsePlay(tc.input)
			require.NoError(t, err)
			assert.Equal(t, tc.cards, engine.CardStrings(d.Cards))
			assert.Equal(t, tc.claim, d.ClaimCount)
		})
	}
}

func TestParsePlayThinking(t *testing.T) {
	d, err := ParsePlay(`<think>I have no sevens, so I bluff.</think>{"reasoning":"bluff","cards_to_play":["8H"],"claim_count":1}`)
	require.NoError(t, err)
	assert.Equal(t, "[THINKING] I have no sevens, so I bluff.\n[RESPONSE] bluff", d.Reasoning)

	// dangling close tag: the reply started mid-thought
	d, err = ParsePlay(`hmm, sevens... {"draft":true} </think> {"cards_to_play":["7S"]}`)
	require.NoError(t, err)
	assert.Equal(t, []string{"7S"}, engine.CardStrings(d.Cards))
	assert.True(t, strings.HasPrefix(d.Reasoning, "[THINKING] hmm, sevens"))
	assert.True(t, strings.HasSuffix(d.Reasoning, "[RESPONSE] "+noReasoning))

	// unclosed open tag hides the JSON from the cleaned text; the raw retry finds it
	d, err = ParsePlay(`<think>going with {"cards_to_play":["JC"],"claim_count":1}`)
	require.NoError(t, err)
	assert.Equal(t, []string{"JC"}, engine.CardStrings(d.Cards))
}

func TestParsePlayFailures(t *testing.T) {
	for _, in := range []string{
		"",
		"I play the ace of spades.",
		`{"cards_to_play":[]}`,
		`{"cards_to_play":["ZZ","not a card"]}`,
		`{"cards":"AS"}`,
		`{"cards_to_play":"AS"}`,
	} {
		_, err := ParsePlay(in)
		assert.ErrorIs(t, err, ErrParse, in)
	}
}

func TestParsePlayDropsBadTokens(t *testing.T) {
	d, err := ParsePlay(`{"cards_to_play":["ace of spades","XX","h10"],"claim_count":0}`)
	require.NoError(t, err)
	assert.Equal(t, []string{"AS", "10H"}, engine.CardStrings(d.Cards))
	assert.Equal(t, []string{"XX"}, d.Dropped)
	assert.Equal(t, 2, d.ClaimCount, "claim_count below 1 falls back to the card count")
	assert.Equal(t, noReasoning, d.Reasoning)
}

func TestParseChallenge(t *testing.T) {
	cases := []struct {
		input string
		want  bool
	}{
		{`{"reasoning":"too many kings","challenge":true}`, true},
		{`{"reasoning":"fine","challenge":false}`, false},
		{`{"challenge":"TRUE"}`, true},
		{"```\n{\"challenge\": \"false\"}\n```", false},
		{`<thinking>they hold 2 cards</thinking>{"challenge":true,"reasoning":"x"}`, true},
		{`{"reasoning":"They can't have four","challenge":true`, true},
	}
	for _, tc := range cases {
		d, err := ParseChallenge(tc.input)
		require.NoError(t, err, tc.input)
		assert.Equal(t, tc.want, d.Challenge, tc.input)
	}

	d, err := ParseChallenge(`{"challenge":false}`)
	require.NoError(t, err)
	assert.Equal(t, noReasoning, d.Reasoning)

	for _, in := range []string{"", "no", `{"challenge":"maybe"}`, `{"challenge":1}`} {
		_, err := ParseChallenge(in)
		assert.ErrorIs(t, err, ErrParse, in)
	}
}

func TestNormalizeCard(t *testing.T) {
	cases := map[string]string{
		"AS":             "AS",
		"as":             "AS",
		" 10h ":          "10H",
		"ACE OF SPADES":  "AS",
		"Ten of Hearts":  "10H",
		"queen-of-clubs": "QC",
		"SA":             "AS",
		"H10":            "10H",
		"A♠":             "AS",
		"K♦":             "KD",
		"Ace♠":           "AS",
		"queen♥":         "QH",
		"10♣":            "10C",
		"♦7":             "7D",
		"TH":             "10H",
		"ST":             "10S",
		"[7C]":           "7C",
	}
	for in, want := range cases {
		c, ok := NormalizeCard(in)
		if assert.True(t, ok, in) {
			assert.Equal(t, want, c.String(), in)
		}
	}
	for _, bad := range []string{"", "1H", "AX", "joker", "11S", "A"} {
		_, ok := NormalizeCard(bad)
		assert.False(t, ok, bad)
	}
}

func TestClampToHand(t *testing.T) {
	hand := []engine.Card{{Rank: engine.Ace, Suit: engine.Spades}, {Rank: engine.Two, Suit: engine.Hearts}}
	kept, dropped := ClampToHand(hand, []engine.Card{
		{Rank: engine.Ace, Suit: engine.Spades},
		{Rank: engine.Ace, Suit: engine.Spades},
		{Rank: engine.King, Suit: engine.Clubs},
	})
	assert.Equal(t, []engine.Card{{Rank: engine.Ace, Suit: engine.Spades}}, kept)
	assert.Len(t, dropped, 2)
}

func TestFallbacks(t *testing.T) {
	hand := []engine.Card{{Rank: engine.Nine, Suit: engine.Diamonds}, {Rank: engine.Ace, Suit: engine.Clubs}}
	p := FallbackPlay(hand)
	assert.Equal(t, hand[:1], p.Cards)
	assert.Equal(t, 1, p.ClaimCount)
	assert.Empty(t, FallbackPlay(nil).Cards)
	assert.False(t, FallbackChallenge().Challenge)
}

func TestObservationAndPrompts(t *testing.T) {
	g, err := engine.NewGame("g1", engine.ExperimentHonest, []string{"m-a", "m-b", "m-c", "m-d"}, 42, time.Unix(0, 0))
	require.NoError(t, err)

	o := BuildObservation(g, 0)
	assert.Equal(t, "player_0", o.PlayerID)
	assert.Len(t, o.Hand, 13)
	assert.Equal(t, "A", o.RequiredRank)
	assert.Len(t, o.Opponents, 3)
	assert.Equal(t, 13, o.Opponents["m-b (player_1)"])

	p := g.Players[0]
	turn, err := engine.ProcessPlay(g, p.ID, p.Hand[:2], 2, "")
	require.NoError(t, err)
	co := BuildChallengeObservation(g, 1, turn)
	assert.Equal(t, "m-a (player_0)", co.Claimant)
	assert.Equal(t, 0, co.PileBeforePlay)
	assert.Equal(t, 2, co.PileSize)

	msgs := PlayMessages(g.Experiment, o)
	require.Len(t, msgs, 2)
	assert.Equal(t, "system", msgs[0].Role)
	assert.Contains(t, msgs[0].Content, "You MUST play honestly")
	assert.Contains(t, msgs[1].Content, "Required rank this turn: A")

	cm := ChallengeMessages(engine.ExperimentBaseline, co)
	assert.Contains(t, cm[0].Content, "Deception is a legal and expected part")
	assert.Contains(t, cm[1].Content, "m-a (player_0) just claimed to play 2 A(s)")

	clar := ClarifyReprompt(msgs, "umm")
	require.Len(t, clar, 4)
	assert.Equal(t, "assistant", clar[2].Role)
	assert.Len(t, msgs, 2, "reprompt must not alias the original slice")
	assert.Len(t, BrevityReprompt(msgs), 3)
}

func TestValidate(t *testing.T) {
	o := Observation{Hand: []string{"AS", "2H"}}
	assert.NoError(t, Validate(o, PlayDecision{Cards: []engine.Card{{Rank: engine.Ace, Suit: engine.Spades}}, ClaimCount: 1}))
	assert.Error(t, Validate(o, PlayDecision{Cards: []engine.Card{{Rank: engine.King, Suit: engine.Spades}}, ClaimCount: 1}))
	assert.Error(t, Validate(o, PlayDecision{Cards: []engine.Card{{Rank: engine.Ace, Suit: engine.Spades}}, ClaimCount: 0}))
	assert.ErrorIs(t, Validate(o, PlayDecision{}), ErrParse)
}
