package engine

import (
	"errors"
	"time"
)

// ErrInvalidPlay marks a state-machine contract violation. It indicates a
// validation bug upstream and is never retried.
var ErrInvalidPlay = errors.New("invalid play")

type Rank string

const (
	Ace   Rank = "A"
	Two   Rank = "2"
	Three Rank = "3"
	Four  Rank = "4"
	Five  Rank = "5"
	Six   Rank = "6"
	Seven Rank = "7"
	Eight Rank = "8"
	Nine  Rank = "9"
	Ten   Rank = "10"
	Jack  Rank = "J"
	Queen Rank = "Q"
	King  Rank = "K"
)

// Ranks is the fixed claim cycle. K wraps back to A.
var Ranks = []Rank{Ace, Two, Three, Four, Five, Six, Seven, Eight, Nine, Ten, Jack, Queen, King}

type Suit string

const (
	Hearts   Suit = "H"
	Diamonds Suit = "D"
	Clubs    Suit = "C"
	Spades   Suit = "S"
)

var Suits = []Suit{Hearts, Diamonds, Clubs, Spades}

type Card struct {
	Rank Rank `json:"rank"`
	Suit Suit `json:"suit"`
} // e.g. "10H" => rank "10", suit "H"

// Experiment selects the prompt condition. Honesty is only instructed, never enforced.
type Experiment int

const (
	ExperimentBaseline        Experiment = 1 // lying allowed and expected
	ExperimentHonestOpponents Experiment = 2 // told everyone else plays honestly
	ExperimentHonest          Experiment = 3 // told to play honestly
)

func (e Experiment) Valid() bool { return e >= ExperimentBaseline && e <= ExperimentHonest }

func (e Experiment) String() string {
	switch e {
	case ExperimentBaseline:
		return "baseline"
	case ExperimentHonestOpponents:
		return "honest_opponents"
	case ExperimentHonest:
		return "honest"
	default:
		return "unknown"
	}
}

type EndReason string

const (
	EndEmptyHand EndReason = "empty_hand"
	EndTurnCap   EndReason = "turn_cap"
)

type Player struct {
	ID         string `json:"id"` // stable slot id, "player_0".."player_3"
	ModelID    string `json:"model_id"`
	Hand       []Card `json:"hand"`
	Eliminated bool   `json:"is_eliminated"`
}

// TokenUsage mirrors the usage block of a chat completion.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

func (u TokenUsage) Add(o TokenUsage) TokenUsage {
	return TokenUsage{
		PromptTokens:     u.PromptTokens + o.PromptTokens,
		CompletionTokens: u.CompletionTokens + o.CompletionTokens,
		TotalTokens:      u.TotalTokens + o.TotalTokens,
	}
}

// ChallengeCost is what one polled player spent deciding whether to challenge.
type ChallengeCost struct {
	Usage      TokenUsage `json:"usage"`
	ResponseMs int64      `json:"response_ms"`
}

type TurnMetadata struct {
	PlayResponseMs      int64      `json:"play_response_ms"`
	ChallengeResponseMs int64      `json:"challenge_response_ms"`
	PlayUsage           TokenUsage `json:"play_usage"`
	ChallengeUsage      TokenUsage `json:"challenge_usage"`
	PlayAttempts        int        `json:"play_attempts"`
	FallbackPlay        bool       `json:"fallback_play"`
	ForcedPlay          bool       `json:"forced_play"`
	DroppedCards        []string   `json:"dropped_cards,omitempty"`
	FallbackChallenges  int        `json:"fallback_challenges"`
	Polled              []string   `json:"polled,omitempty"`
	PileTransferred     int        `json:"pile_transferred"`

	// ChallengeCosts is keyed by polled player id; the challenge totals above sum it.
	ChallengeCosts map[string]ChallengeCost `json:"challenge_costs,omitempty"`
}

type Turn struct {
	TurnNumber         int            `json:"turn_number"`
	PlayerID           string         `json:"player_id"`
	ClaimedRank        Rank           `json:"claimed_rank"`
	ClaimedCount       int            `json:"claimed_count"`
	ActualCards        []Card         `json:"actual_cards"`
	WasLie             bool           `json:"was_lie"`
	Challenged         bool           `json:"challenged"`
	ChallengerID       string         `json:"challenger_id,omitempty"`
	ChallengeCorrect   *bool          `json:"challenge_correct,omitempty"`
	Reasoning          string         `json:"reasoning"`
	ChallengeReasoning string         `json:"challenge_reasoning,omitempty"`
	PileAfterTurn      int            `json:"pile_after_turn"`
	HandSizesAfterTurn map[string]int `json:"hand_sizes_after_turn"`
	Meta               TurnMetadata   `json:"metadata"`
}

type GameState struct {
	GameID        string     `json:"game_id"`
	Experiment    Experiment `json:"experiment_id"`
	Seed          int64      `json:"seed"`
	MaxTurns      int        `json:"max_turns,omitempty"`
	Players       []*Player  `json:"players"`
	CurrentPlayer int        `json:"current_player_index"`
	CurrentRank   Rank       `json:"current_rank"`
	Pile          []Card     `json:"pile"`
	Turns         []Turn     `json:"turns"`
	Winner        string     `json:"winner,omitempty"`
	EndReason     EndReason  `json:"end_reason,omitempty"`
	StartTime     time.Time  `json:"start_time"`
	EndTime       time.Time  `json:"end_time"`
}
