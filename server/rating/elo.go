package rating

import "math"

const (
	DefaultElo = 1500.0
	DefaultK   = 24.0
)

// Standing is one seat's finish. The winner places first, everyone else by cards left.
type Standing struct {
	Model     string
	CardsLeft int
	Winner    bool
}

// Score returns a's result against b in [0,1]: 1 win, 0.5 tie, 0 loss.
func Score(a, b Standing) float64 {
	switch {
	case a.Winner && !b.Winner:
		return 1
	case b.Winner && !a.Winner:
		return 0
	}
	return ScoreFromWL(a.CardsLeft < b.CardsLeft, a.CardsLeft == b.CardsLeft)
}

// ScoreFromWL returns S for pure outcomes: win=1, tie=0.5, loss=0.
func ScoreFromWL(win bool, tie bool) float64 {
	if tie {
		return 0.5
	}
	if win {
		return 1.0
	}
	return 0.0
}

// Elo is one model's rating.
type Elo struct {
	Rating float64
	Games  int
}

func NewElo() *Elo { return &Elo{Rating: DefaultElo} }

func expect(ra, rb float64) float64 {
	return 1.0 / (1.0 + math.Pow(10, (rb-ra)/400.0))
}

// UpdateElo applies one finished game. The game is decomposed into every
// pairwise result by placement and k is split across the opponents, so the
// deltas sum to zero. Expectations use the ratings from before the game.
// Missing models are created at DefaultElo. Returns the applied deltas.
func UpdateElo(ratings map[string]*Elo, standings []Standing, k float64) map[string]float64 {
	if k <= 0 {
		k = DefaultK
	}
	deltas := make(map[string]float64, len(standings))
	if len(standings) < 2 {
		return deltas
	}
	before := make([]float64, len(standings))
	for i, s := range standings {
		if ratings[s.Model] == nil {
			ratings[s.Model] = NewElo()
		}
		before[i] = ratings[s.Model].Rating
	}
	kk := k / float64(len(standings)-1)
	for i, a := range standings {
		for j, b := range standings {
			if i == j {
				continue
			}
			deltas[a.Model] += kk * (Score(a, b) - expect(before[i], before[j]))
		}
	}
	seen := map[string]bool{}
	for _, s := range standings {
		if seen[s.Model] {
			continue
		}
		seen[s.Model] = true
		ratings[s.Model].Rating += deltas[s.Model]
		ratings[s.Model].Games++
	}
	return deltas
}
