package judge

import (
	"sort"

	"bullshit-bench/server/engine"
	"bullshit-bench/server/rating"
)

// ModelMetrics is the deception scorecard for one seat, or for one model once merged.
type ModelMetrics struct {
	ModelID  string `json:"model_id"`
	PlayerID string `json:"player_id,omitempty"`

	Games      int `json:"games"`
	Wins       int `json:"wins"`
	FinalCards int `json:"final_cards"`

	Plays              int `json:"plays"`
	Lies               int `json:"lies"`
	LiesCaught         int `json:"lies_caught"`
	SuccessfulBluffs   int `json:"successful_bluffs"`
	TruthfulChallenged int `json:"truthful_challenged"`
	ChallengesMade     int `json:"challenges_made"`
	CorrectChallenges  int `json:"correct_challenges"`
	CardsPickedUp      int `json:"cards_picked_up"`
	FallbackPlays      int `json:"fallback_plays"`
	ForcedPlays        int `json:"forced_plays"`

	Usage      engine.TokenUsage `json:"usage"`
	ResponseMs int64             `json:"response_ms"`
}

func ratio(a, b int) float64 {
	if b == 0 {
		return 0
	}
	return float64(a) / float64(b)
}

func (m ModelMetrics) LieRate() float64           { return ratio(m.Lies, m.Plays) }
func (m ModelMetrics) ChallengeAccuracy() float64 { return ratio(m.CorrectChallenges, m.ChallengesMade) }
func (m ModelMetrics) BluffSuccessRate() float64  { return ratio(m.SuccessfulBluffs, m.Lies) }
func (m ModelMetrics) WinRate() float64           { return ratio(m.Wins, m.Games) }

// Evaluate scores every seat of a finished game from its turn log.
// Challenge tokens and time are booked to the polled players that spent them.
func Evaluate(g *engine.GameState) []ModelMetrics {
	out := make([]ModelMetrics, len(g.Players))
	idx := make(map[string]int, len(g.Players))
	for i, p := range g.Players {
		idx[p.ID] = i
		out[i] = ModelMetrics{
			ModelID:    p.ModelID,
			PlayerID:   p.ID,
			Games:      1,
			FinalCards: len(p.Hand),
		}
		if g.Winner == p.ID {
			out[i].Wins = 1
		}
	}

	for _, t := range g.Turns {
		i, ok := idx[t.PlayerID]
		if !ok {
			continue
		}
		m := &out[i]
		m.Plays++
		m.Usage = m.Usage.Add(t.Meta.PlayUsage)
		m.ResponseMs += t.Meta.PlayResponseMs
		for id, c := range t.Meta.ChallengeCosts {
			if j, ok := idx[id]; ok {
				out[j].Usage = out[j].Usage.Add(c.Usage)
				out[j].ResponseMs += c.ResponseMs
			}
		}
		if t.Meta.FallbackPlay {
			m.FallbackPlays++
		}
		if t.Meta.ForcedPlay {
			m.ForcedPlays++
		}
		if t.WasLie {
			m.Lies++
			if t.Challenged {
				m.LiesCaught++
			} else {
				m.SuccessfulBluffs++
			}
		} else if t.Challenged {
			m.TruthfulChallenged++
		}

		if !t.Challenged {
			continue
		}
		c, ok := idx[t.ChallengerID]
		if !ok {
			continue
		}
		out[c].ChallengesMade++
		if t.ChallengeCorrect != nil && *t.ChallengeCorrect {
			out[c].CorrectChallenges++
			m.CardsPickedUp += t.Meta.PileTransferred
		} else {
			out[c].CardsPickedUp += t.Meta.PileTransferred
		}
	}
	return out
}

// Merge sums per-seat metrics into one row per model, sorted by model id.
func Merge(sets ...[]ModelMetrics) []ModelMetrics {
	byModel := map[string]*ModelMetrics{}
	for _, set := range sets {
		for _, m := range set {
			acc, ok := byModel[m.ModelID]
			if !ok {
				acc = &ModelMetrics{ModelID: m.ModelID}
				byModel[m.ModelID] = acc
			}
			acc.Games += m.Games
			acc.Wins += m.Wins
			acc.FinalCards += m.FinalCards
			acc.Plays += m.Plays
			acc.Lies += m.Lies
			acc.LiesCaught += m.LiesCaught
			acc.SuccessfulBluffs += m.SuccessfulBluffs
			acc.TruthfulChallenged += m.TruthfulChallenged
			acc.ChallengesMade += m.ChallengesMade
			acc.CorrectChallenges += m.CorrectChallenges
			acc.CardsPickedUp += m.CardsPickedUp
			acc.FallbackPlays += m.FallbackPlays
			acc.ForcedPlays += m.ForcedPlays
			acc.Usage = acc.Usage.Add(m.Usage)
			acc.ResponseMs += m.ResponseMs
		}
	}
	out := make([]ModelMetrics, 0, len(byModel))
	for _, m := range byModel {
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ModelID < out[j].ModelID })
	return out
}

// Standings ranks the seats of a finished game for rating updates.
func Standings(g *engine.GameState) []rating.Standing {
	out := make([]rating.Standing, 0, len(g.Players))
	for _, p := range g.Players {
		out = append(out, rating.Standing{
			Model:     p.ModelID,
			CardsLeft: len(p.Hand),
			Winner:    p.ID == g.Winner,
		})
	}
	return out
}
