package engine

import (
	"fmt"
	"time"
)

// NewGame deals a fresh game. Seat i gets models[i] with id "player_i".
// Cards that don't divide evenly between seats start face down on the pile.
func NewGame(id string, exp Experiment, models []string, seed int64, start time.Time) (*GameState, error) {
	if len(models) < 2 {
		return nil, fmt.Errorf("need at least 2 players, got %d", len(models))
	}
	if !exp.Valid() {
		return nil, fmt.Errorf("unknown experiment %d", exp)
	}
	hands, rest := Deal(Shuffle(NewDeck(), seed), len(models))
	g := &GameState{
		GameID:      id,
		Experiment:  exp,
		Seed:        seed,
		CurrentRank: Ace,
		Pile:        rest,
		StartTime:   start,
	}
	for i, m := range models {
		g.Players = append(g.Players, &Player{ID: fmt.Sprintf("player_%d", i), ModelID: m, Hand: hands[i]})
	}
	return g, nil
}

func (g *GameState) Player(id string) (*Player, int) {
	for i, p := range g.Players {
		if p.ID == id {
			return p, i
		}
	}
	return nil, -1
}

func (g *GameState) Current() *Player { return g.Players[g.CurrentPlayer] }

func (g *GameState) Finished() bool { return g.EndReason != "" }

func (g *GameState) HandSizes() map[string]int {
	out := make(map[string]int, len(g.Players))
	for _, p := range g.Players {
		out[p.ID] = len(p.Hand)
	}
	return out
}

// ProcessPlay moves actual from the player's hand onto the pile and records the claim.
// It does not advance the turn or the rank. On error the hand is untouched.
func ProcessPlay(g *GameState, playerID string, actual []Card, claimedCount int, reasoning string) (*Turn, error) {
	p, _ := g.Player(playerID)
	if p == nil {
		return nil, fmt.Errorf("%w: unknown player %q", ErrInvalidPlay, playerID)
	}
	if p.Eliminated {
		return nil, fmt.Errorf("%w: %s is eliminated", ErrInvalidPlay, playerID)
	}
	if len(actual) == 0 {
		return nil, fmt.Errorf("%w: %s played no cards", ErrInvalidPlay, playerID)
	}
	if claimedCount < 1 {
		return nil, fmt.Errorf("%w: claimed count %d", ErrInvalidPlay, claimedCount)
	}
	rest, ok := removeCards(p.Hand, actual)
	if !ok {
		return nil, fmt.Errorf("%w: %s does not hold %v", ErrInvalidPlay, playerID, CardStrings(actual))
	}
	p.Hand = rest
	played := append([]Card(nil), actual...)
	g.Pile = append(g.Pile, played...)

	lie := claimedCount != len(played)
	for _, c := range played {
		if c.Rank != g.CurrentRank {
			lie = true
			break
		}
	}
	return &Turn{
		TurnNumber:         len(g.Turns) + 1,
		PlayerID:           playerID,
		ClaimedRank:        g.CurrentRank,
		ClaimedCount:       claimedCount,
		ActualCards:        played,
		WasLie:             lie,
		Reasoning:          reasoning,
		PileAfterTurn:      len(g.Pile),
		HandSizesAfterTurn: g.HandSizes(),
	}, nil
}

// ProcessChallenge resolves a challenge against t. The liar takes the pile when
// the play was a lie, otherwise the challenger does.
func ProcessChallenge(g *GameState, t *Turn, challengerID, reasoning string) error {
	if t.Challenged {
		return fmt.Errorf("%w: turn %d already challenged", ErrInvalidPlay, t.TurnNumber)
	}
	if challengerID == t.PlayerID {
		return fmt.Errorf("%w: %s cannot challenge their own play", ErrInvalidPlay, challengerID)
	}
	challenger, _ := g.Player(challengerID)
	if challenger == nil || challenger.Eliminated {
		return fmt.Errorf("%w: challenger %q not active", ErrInvalidPlay, challengerID)
	}
	player, _ := g.Player(t.PlayerID)
	if player == nil {
		return fmt.Errorf("%w: unknown player %q", ErrInvalidPlay, t.PlayerID)
	}

	loser := challenger
	if t.WasLie {
		loser = player
	}
	n := len(g.Pile)
	loser.Hand = append(loser.Hand, g.Pile...)
	g.Pile = nil

	correct := t.WasLie
	t.Challenged = true
	t.ChallengerID = challengerID
	t.ChallengeCorrect = &correct
	t.ChallengeReasoning = reasoning
	t.PileAfterTurn = 0
	t.HandSizesAfterTurn = g.HandSizes()
	t.Meta.PileTransferred = n
	return nil
}

// AdvanceTurn finalizes t and moves play on. The rank advances whatever the
// challenge outcome was.
func AdvanceTurn(g *GameState, t *Turn) {
	g.Turns = append(g.Turns, *t)
	g.CurrentRank = NextRank(g.CurrentRank)
	g.CurrentPlayer = g.nextActive(g.CurrentPlayer)
}

func (g *GameState) nextActive(from int) int {
	n := len(g.Players)
	for step := 1; step <= n; step++ {
		i := (from + step) % n
		if !g.Players[i].Eliminated {
			return i
		}
	}
	return from
}

// Opponents lists the other active players in seat order starting after seat.
func (g *GameState) Opponents(seat int) []*Player {
	var out []*Player
	n := len(g.Players)
	for step := 1; step < n; step++ {
		p := g.Players[(seat+step)%n]
		if !p.Eliminated {
			out = append(out, p)
		}
	}
	return out
}

func CheckWinner(g *GameState) (string, bool) {
	for _, p := range g.Players {
		if !p.Eliminated && len(p.Hand) == 0 {
			return p.ID, true
		}
	}
	return "", false
}

// LeastCardsWinner breaks a turn-capped game: fewest cards left, then seat order.
func LeastCardsWinner(g *GameState) string {
	best := ""
	bestN := 0
	for _, p := range g.Players {
		if p.Eliminated {
			continue
		}
		if best == "" || len(p.Hand) < bestN {
			best, bestN = p.ID, len(p.Hand)
		}
	}
	return best
}

func Finish(g *GameState, winner string, reason EndReason, at time.Time) {
	g.Winner = winner
	g.EndReason = reason
	g.EndTime = at
}

// CheckConservation verifies no card was lost or duplicated.
func CheckConservation(g *GameState) error {
	seen := make(map[Card]int, DeckSize)
	total := len(g.Pile)
	for _, c := range g.Pile {
		seen[c]++
	}
	for _, p := range g.Players {
		total += len(p.Hand)
		for _, c := range p.Hand {
			seen[c]++
		}
	}
	if total != DeckSize {
		return fmt.Errorf("card count %d, want %d", total, DeckSize)
	}
	for c, n := range seen {
		if n != 1 {
			return fmt.Errorf("card %s seen %d times", c, n)
		}
	}
	return nil
}

// Clone deep-copies the state for readers outside the owning orchestrator.
func (g *GameState) Clone() *GameState {
	cp := *g
	cp.Pile = append([]Card(nil), g.Pile...)
	cp.Players = make([]*Player, len(g.Players))
	for i, p := range g.Players {
		pp := *p
		pp.Hand = append([]Card(nil), p.Hand...)
		cp.Players[i] = &pp
	}
	cp.Turns = make([]Turn, len(g.Turns))
	for i, t := range g.Turns {
		tt := t
		tt.ActualCards = append([]Card(nil), t.ActualCards...)
		tt.HandSizesAfterTurn = make(map[string]int, len(t.HandSizesAfterTurn))
		for k, v := range t.HandSizesAfterTurn {
			tt.HandSizesAfterTurn[k] = v
		}
		tt.Meta.Polled = append([]string(nil), t.Meta.Polled...)
		tt.Meta.DroppedCards = append([]string(nil), t.Meta.DroppedCards...)
		if t.Meta.ChallengeCosts != nil {
			tt.Meta.ChallengeCosts = make(map[string]ChallengeCost, len(t.Meta.ChallengeCosts))
			for k, v := range t.Meta.ChallengeCosts {
				tt.Meta.ChallengeCosts[k] = v
			}
		}
		cp.Turns[i] = tt
	}
	return &cp
}

// removeCards takes want out of hand with multiset semantics. The input slice is not modified.
func removeCards(hand, want []Card) ([]Card, bool) {
	rest := append([]Card(nil), hand...)
	for _, w := range want {
		idx := -1
		for i, c := range rest {
			if c == w {
				idx = i
				break
			}
		}
		if idx < 0 {
			return nil, false
		}
		rest = append(rest[:idx], rest[idx+1:]...)
	}
	return rest, true
}
