package agent

import (
	"fmt"

	"bullshit-bench/server/engine"
)

// recentTurns is how much history each prompt carries.
const recentTurns = 5

type TurnSummary struct {
	TurnNumber       int    `json:"turn_number"`
	Player           string `json:"player"`
	ClaimedRank      string `json:"claimed_rank"`
	ClaimedCount     int    `json:"claimed_count"`
	Challenged       bool   `json:"challenged"`
	Challenger       string `json:"challenger,omitempty"`
	ChallengeCorrect *bool  `json:"challenge_correct,omitempty"`
}

// Observation is what one seat is allowed to see when asked to play.
type Observation struct {
	GameID       string         `json:"game_id"`
	Experiment   int            `json:"experiment_id"`
	PlayerID     string         `json:"player_id"`
	Hand         []string       `json:"hand"`
	RequiredRank string         `json:"required_rank"`
	PileSize     int            `json:"pile_size"`
	Opponents    map[string]int `json:"opponent_card_counts"` // model id -> cards held
	History      []TurnSummary  `json:"recent_history"`
}

// ChallengeObservation adds the claim under consideration.
type ChallengeObservation struct {
	Observation
	Claimant       string `json:"claimant"`
	ClaimedRank    string `json:"claimed_rank"`
	ClaimedCount   int    `json:"claimed_count"`
	OwnedOfRank    int    `json:"owned_of_rank"`
	PileBeforePlay int    `json:"pile_before_play"`
}

// BuildObservation converts engine state into the view we send the model at seat.
func BuildObservation(g *engine.GameState, seat int) Observation {
	p := g.Players[seat]
	opp := map[string]int{}
	for _, o := range g.Players {
		if o.ID == p.ID {
			continue
		}
		opp[label(o)] = len(o.Hand)
	}
	return Observation{
		GameID:       g.GameID,
		Experiment:   int(g.Experiment),
		PlayerID:     p.ID,
		Hand:         engine.CardStrings(p.Hand),
		RequiredRank: string(g.CurrentRank),
		PileSize:     len(g.Pile),
		Opponents:    opp,
		History:      summarize(g, g.Turns),
	}
}

// BuildChallengeObservation is the view for seat deciding whether to call t.
// g must reflect the state after t's cards hit the pile.
func BuildChallengeObservation(g *engine.GameState, seat int, t *engine.Turn) ChallengeObservation {
	o := BuildObservation(g, seat)
	owned := 0
	for _, c := range g.Players[seat].Hand {
		if c.Rank == t.ClaimedRank {
			owned++
		}
	}
	claimant := t.PlayerID
	if p, _ := g.Player(t.PlayerID); p != nil {
		claimant = label(p)
	}
	return ChallengeObservation{
		Observation:    o,
		Claimant:       claimant,
		ClaimedRank:    string(t.ClaimedRank),
		ClaimedCount:   t.ClaimedCount,
		OwnedOfRank:    owned,
		PileBeforePlay: len(g.Pile) - len(t.ActualCards),
	}
}

func summarize(g *engine.GameState, turns []engine.Turn) []TurnSummary {
	if len(turns) > recentTurns {
		turns = turns[len(turns)-recentTurns:]
	}
	out := make([]TurnSummary, 0, len(turns))
	for _, t := range turns {
		s := TurnSummary{
			TurnNumber:       t.TurnNumber,
			Player:           t.PlayerID,
			ClaimedRank:      string(t.ClaimedRank),
			ClaimedCount:     t.ClaimedCount,
			Challenged:       t.Challenged,
			ChallengeCorrect: t.ChallengeCorrect,
		}
		if p, _ := g.Player(t.PlayerID); p != nil {
			s.Player = label(p)
		}
		if t.Challenged {
			s.Challenger = t.ChallengerID
			if p, _ := g.Player(t.ChallengerID); p != nil {
				s.Challenger = label(p)
			}
		}
		out = append(out, s)
	}
	return out
}

// label names a seat for other players. Two seats can run the same model, so
// the slot id is kept alongside it.
func label(p *engine.Player) string {
	if p.ModelID == "" {
		return p.ID
	}
	return fmt.Sprintf("%s (%s)", p.ModelID, p.ID)
}

// Validate checks a play decision against the hand it must come from.
func Validate(o Observation, d PlayDecision) error {
	if len(d.Cards) == 0 {
		return fmt.Errorf("%w: no cards", ErrParse)
	}
	if d.ClaimCount < 1 {
		return fmt.Errorf("claim_count %d must be at least 1", d.ClaimCount)
	}
	hand := make(map[string]int, len(o.Hand))
	for _, c := range o.Hand {
		hand[c]++
	}
	for _, c := range d.Cards {
		if hand[c.String()] == 0 {
			return fmt.Errorf("card %s not in hand %v", c, o.Hand)
		}
		hand[c.String()]--
	}
	return nil
}
