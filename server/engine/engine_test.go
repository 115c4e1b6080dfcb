package engine

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fourModels = []string{"m-a", "m-b", "m-c", "m-d"}

func newTestGame(t *testing.T, seed int64) *GameState {
	t.Helper()
	g, err := NewGame("test-game", ExperimentBaseline, fourModels, seed, time.Unix(0, 0))
	require.NoError(t, err)
	return g
}

func TestNewDeck(t *testing.T) {
	deck := NewDeck()
	require.Len(t, deck, DeckSize)

	perRank := map[Rank]int{}
	uniq := map[Card]bool{}
	for _, c := range deck {
		perRank[c.Rank]++
		uniq[c] = true
	}
	assert.Len(t, uniq, DeckSize)
	assert.Len(t, perRank, 13)
	for r, n := range perRank {
		assert.Equal(t, 4, n, "rank %s", r)
	}
}

func TestShuffleDeterministic(t *testing.T) {
	a := Shuffle(NewDeck(), 7)
	b := Shuffle(NewDeck(), 7)
	c := Shuffle(NewDeck(), 8)
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.ElementsMatch(t, a, c)
	// the input deck is left alone
	assert.Equal(t, Card{Rank: Ace, Suit: Hearts}, NewDeck()[0])
}

func TestDealEven(t *testing.T) {
	deck := Shuffle(NewDeck(), 42)
	hands, rest := Deal(deck, 4)
	require.Len(t, hands, 4)
	assert.Empty(t, rest)

	var all []Card
	for _, h := range hands {
		assert.Len(t, h, 13)
		all = append(all, h...)
	}
	assert.ElementsMatch(t, deck, all)
}

func TestDealRemainder(t *testing.T) {
	hands, rest := Deal(NewDeck(), 3)
	for _, h := range hands {
		assert.Len(t, h, 17)
	}
	assert.Len(t, rest, 1)
}

func TestNextRankCycle(t *testing.T) {
	assert.Equal(t, Ace, NextRank(King))
	assert.Equal(t, Two, NextRank(Ace))
	assert.Equal(t, Jack, NextRank(Ten))

	r := Ace
	for i := 0; i < len(Ranks); i++ {
		r = NextRank(r)
	}
	assert.Equal(t, Ace, r)
}

func TestParseCard(t *testing.T) {
	c, err := ParseCard("10H")
	require.NoError(t, err)
	assert.Equal(t, Card{Rank: Ten, Suit: Hearts}, c)
	assert.Equal(t, "10H", c.String())

	for _, bad := range []string{"1H", "AX", "as", "11S", "", "A"} {
		_, err := ParseCard(bad)
		assert.Error(t, err, bad)
	}
}

func TestSeedFromGameID(t *testing.T) {
	assert.Equal(t, SeedFromGameID("exp1-m000-g000"), SeedFromGameID("exp1-m000-g000"))
	assert.NotEqual(t, SeedFromGameID("exp1-m000-g000"), SeedFromGameID("exp1-m000-g001"))
	assert.GreaterOrEqual(t, SeedFromGameID("anything"), int64(0))
}

func TestNewGame(t *testing.T) {
	g := newTestGame(t, 42)
	assert.Equal(t, Ace, g.CurrentRank)
	assert.Equal(t, 0, g.CurrentPlayer)
	assert.Empty(t, g.Pile)
	for i, p := range g.Players {
		assert.Len(t, p.Hand, 13)
		assert.Equal(t, fourModels[i], p.ModelID)
	}
	require.NoError(t, CheckConservation(g))

	_, err := NewGame("x", Experiment(9), fourModels, 1, time.Now())
	assert.Error(t, err)
	_, err = NewGame("x", ExperimentBaseline, fourModels[:1], 1, time.Now())
	assert.Error(t, err)
}

func TestProcessPlayRejectsMissingCard(t *testing.T) {
	g := newTestGame(t, 42)
	p := g.Players[0]
	before := append([]Card(nil), p.Hand...)

	missing := g.Players[1].Hand[0]
	_, err := ProcessPlay(g, p.ID, []Card{p.Hand[0], missing}, 2, "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidPlay))
	assert.Equal(t, before, p.Hand)
	assert.Empty(t, g.Pile)

	// same card twice is a multiset violation
	_, err = ProcessPlay(g, p.ID, []Card{p.Hand[0], p.Hand[0]}, 2, "")
	assert.ErrorIs(t, err, ErrInvalidPlay)
	assert.Equal(t, before, p.Hand)

	_, err = ProcessPlay(g, p.ID, nil, 1, "")
	assert.ErrorIs(t, err, ErrInvalidPlay)
	_, err = ProcessPlay(g, "player_9", []Card{p.Hand[0]}, 1, "")
	assert.ErrorIs(t, err, ErrInvalidPlay)
}

func TestProcessPlayWasLie(t *testing.T) {
	g := &GameState{
		CurrentRank: Five,
		Players: []*Player{
			{ID: "player_0", Hand: []Card{{Five, Hearts}, {Five, Spades}, {Nine, Clubs}}},
			{ID: "player_1"},
		},
	}

	honest, err := ProcessPlay(g, "player_0", []Card{{Five, Hearts}}, 1, "truth")
	require.NoError(t, err)
	assert.False(t, honest.WasLie)
	assert.Equal(t, Five, honest.ClaimedRank)
	assert.Equal(t, 1, honest.PileAfterTurn)

	g.Players[0].Hand = []Card{{Five, Hearts}, {Five, Spades}, {Nine, Clubs}}
	g.Pile = nil
	countLie, err := ProcessPlay(g, "player_0", []Card{{Five, Hearts}}, 2, "")
	require.NoError(t, err)
	assert.True(t, countLie.WasLie)

	g.Players[0].Hand = []Card{{Five, Hearts}, {Five, Spades}, {Nine, Clubs}}
	g.Pile = nil
	rankLie, err := ProcessPlay(g, "player_0", []Card{{Five, Spades}, {Nine, Clubs}}, 2, "")
	require.NoError(t, err)
	assert.True(t, rankLie.WasLie)
	assert.Equal(t, []Card{{Five, Spades}, {Nine, Clubs}}, g.Pile)
}

func TestProcessChallengeTransfersPile(t *testing.T) {
	cases := []struct {
		name    string
		play    []Card
		liar    bool
		loserID string
	}{
		{"lie caught", []Card{{Nine, Clubs}}, true, "player_0"},
		{"false accusation", []Card{{Ace, Hearts}}, false, "player_1"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			g := &GameState{
				CurrentRank: Ace,
				Pile:        []Card{{King, Spades}, {Queen, Spades}},
				Players: []*Player{
					{ID: "player_0", Hand: []Card{{Ace, Hearts}, {Nine, Clubs}}},
					{ID: "player_1", Hand: []Card{{Two, Hearts}}},
				},
			}
			turn, err := ProcessPlay(g, "player_0", tc.play, 1, "")
			require.NoError(t, err)
			require.Equal(t, tc.liar, turn.WasLie)
			pileBefore := len(g.Pile)
			loser, _ := g.Player(tc.loserID)
			handBefore := len(loser.Hand)

			require.NoError(t, ProcessChallenge(g, turn, "player_1", "doubt"))
			assert.Empty(t, g.Pile)
			assert.Len(t, loser.Hand, handBefore+pileBefore)
			assert.True(t, turn.Challenged)
			require.NotNil(t, turn.ChallengeCorrect)
			assert.Equal(t, tc.liar, *turn.ChallengeCorrect)
			assert.Equal(t, pileBefore, turn.Meta.PileTransferred)
			assert.Equal(t, len(loser.Hand), turn.HandSizesAfterTurn[tc.loserID])

			assert.ErrorIs(t, ProcessChallenge(g, turn, "player_1", ""), ErrInvalidPlay)
		})
	}
}

func TestChallengeOwnPlayRejected(t *testing.T) {
	g := newTestGame(t, 1)
	p := g.Players[0]
	turn, err := ProcessPlay(g, p.ID, p.Hand[:1], 1, "")
	require.NoError(t, err)
	assert.ErrorIs(t, ProcessChallenge(g, turn, p.ID, ""), ErrInvalidPlay)
	assert.False(t, turn.Challenged)
}

func TestAdvanceTurnSkipsEliminated(t *testing.T) {
	g := newTestGame(t, 3)
	g.Players[1].Eliminated = true
	p := g.Players[0]
	turn, err := ProcessPlay(g, p.ID, p.Hand[:1], 1, "")
	require.NoError(t, err)

	AdvanceTurn(g, turn)
	assert.Equal(t, 2, g.CurrentPlayer)
	assert.Equal(t, Two, g.CurrentRank)
	require.Len(t, g.Turns, 1)
	assert.Equal(t, 1, g.Turns[0].TurnNumber)

	opp := g.Opponents(0)
	require.Len(t, opp, 2)
	assert.Equal(t, "player_2", opp[0].ID)
	assert.Equal(t, "player_3", opp[1].ID)
}

func TestCheckWinnerAndTieBreak(t *testing.T) {
	g := newTestGame(t, 5)
	_, ok := CheckWinner(g)
	assert.False(t, ok)

	g.Players[2].Hand = g.Players[2].Hand[:3]
	g.Players[3].Hand = g.Players[3].Hand[:3]
	assert.Equal(t, "player_2", LeastCardsWinner(g))

	g.Players[3].Hand = nil
	id, ok := CheckWinner(g)
	assert.True(t, ok)
	assert.Equal(t, "player_3", id)

	g.Players[3].Eliminated = true
	_, ok = CheckWinner(g)
	assert.False(t, ok)
}

func TestCloneIsDeep(t *testing.T) {
	g := newTestGame(t, 9)
	p := g.Players[0]
	turn, err := ProcessPlay(g, p.ID, p.Hand[:2], 2, "")
	require.NoError(t, err)
	AdvanceTurn(g, turn)

	cp := g.Clone()
	cp.Players[0].Hand = nil
	cp.Turns[0].HandSizesAfterTurn["player_0"] = 99
	cp.Pile[0] = Card{Rank: King, Suit: Clubs}

	assert.Len(t, g.Players[0].Hand, 11)
	assert.Equal(t, 11, g.Turns[0].HandSizesAfterTurn["player_0"])
	assert.NotEqual(t, cp.Pile[0], g.Pile[0])
}

// Starting rank A, seed 42: player 0 bluffs one card as an ace and player 1 calls it.
func TestScenarioBluffCalled(t *testing.T) {
	g := newTestGame(t, 42)
	p0 := g.Players[0]

	var bluff Card
	found := false
	for _, c := range p0.Hand {
		if c.Rank != Ace {
			bluff, found = c, true
			break
		}
	}
	require.True(t, found)

	turn, err := ProcessPlay(g, p0.ID, []Card{bluff}, 1, "bluffing")
	require.NoError(t, err)
	assert.True(t, turn.WasLie)
	sizeBefore := len(p0.Hand)
	pileBefore := len(g.Pile)

	require.NoError(t, ProcessChallenge(g, turn, "player_1", "no way"))
	AdvanceTurn(g, turn)

	assert.Equal(t, sizeBefore+pileBefore, len(p0.Hand))
	assert.Empty(t, g.Pile)
	assert.Equal(t, Two, g.CurrentRank)
	assert.Equal(t, 1, g.CurrentPlayer)
	require.NoError(t, CheckConservation(g))
}
