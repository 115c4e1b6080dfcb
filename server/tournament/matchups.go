package tournament

import (
	"fmt"
	"math/rand"

	"bullshit-bench/server/engine"
)

// PlayersPerGame is the table size every matchup is drawn at.
const PlayersPerGame = 4

// Matchups returns every k-model combination in lexicographic index order.
func Matchups(models []string, k int) [][]string {
	var out [][]string
	if k <= 0 || k > len(models) {
		return out
	}
	idx := make([]int, k)
	for i := range idx {
		idx[i] = i
	}
	n := len(models)
	for {
		m := make([]string, k)
		for i, j := range idx {
			m[i] = models[j]
		}
		out = append(out, m)

		i := k - 1
		for i >= 0 && idx[i] == n-k+i {
			i--
		}
		if i < 0 {
			return out
		}
		idx[i]++
		for j := i + 1; j < k; j++ {
			idx[j] = idx[j-1] + 1
		}
	}
}

func GameID(exp engine.Experiment, matchup, game int) string {
	return fmt.Sprintf("exp%d-m%03d-g%03d", exp, matchup, game)
}

// SeatOrder shuffles a matchup into seats, deterministically for seed.
func SeatOrder(models []string, seed int64) []string {
	out := append([]string(nil), models...)
	r := rand.New(rand.NewSource(seed))
	r.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	return out
}
