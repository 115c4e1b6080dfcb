package engine

import (
	"fmt"
	"hash/fnv"
	"math/rand"
	"regexp"
)

const DeckSize = 52

var cardToken = regexp.MustCompile(`^(10|[A2-9JQK])([HDCS])$`)

// NewDeck returns the 52 cards in a fixed order, suit-major.
func NewDeck() []Card {
	deck := make([]Card, 0, DeckSize)
	for _, s := range Suits {
		for _, r := range Ranks {
			deck = append(deck, Card{Rank: r, Suit: s})
		}
	}
	return deck
}

// Shuffle returns a shuffled copy of deck. Same seed, same order.
func Shuffle(deck []Card, seed int64) []Card {
	out := append([]Card(nil), deck...)
	r := rand.New(rand.NewSource(seed))
	for i := len(out) - 1; i > 0; i-- {
		j := r.Intn(i + 1)
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// Deal hands out cards round-robin. Cards that don't divide evenly are returned as remainder.
func Deal(deck []Card, players int) (hands [][]Card, remainder []Card) {
	if players <= 0 {
		return nil, append([]Card(nil), deck...)
	}
	per := len(deck) / players
	hands = make([][]Card, players)
	for i := range hands {
		hands[i] = make([]Card, 0, per)
	}
	for i := 0; i < per*players; i++ {
		hands[i%players] = append(hands[i%players], deck[i])
	}
	remainder = append([]Card(nil), deck[per*players:]...)
	return hands, remainder
}

func NextRank(r Rank) Rank {
	for i, x := range Ranks {
		if x == r {
			return Ranks[(i+1)%len(Ranks)]
		}
	}
	return Ace
}

func (r Rank) Valid() bool {
	for _, x := range Ranks {
		if x == r {
			return true
		}
	}
	return false
}

func (c Card) String() string { return string(c.Rank) + string(c.Suit) }

// ParseCard accepts only canonical tokens like "AS" or "10H".
func ParseCard(tok string) (Card, error) {
	m := cardToken.FindStringSubmatch(tok)
	if m == nil {
		return Card{}, fmt.Errorf("bad card token %q", tok)
	}
	return Card{Rank: Rank(m[1]), Suit: Suit(m[2])}, nil
}

func CardStrings(cs []Card) []string {
	out := make([]string, len(cs))
	for i, c := range cs {
		out[i] = c.String()
	}
	return out
}

// SeedFromGameID hashes a game id into a deal seed so any game can be replayed from its id.
func SeedFromGameID(id string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(id))
	return int64(h.Sum64() & 0x7fffffffffffffff)
}
