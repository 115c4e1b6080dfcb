package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/coder/quartz"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bullshit-bench/server/agent"
	"bullshit-bench/server/engine"
	"bullshit-bench/server/llm"
)

var (
	handLine = regexp.MustCompile(`Your hand: (.*)`)
	rankLine = regexp.MustCompile(`Required rank this turn: (\S+)`)
	models   = []string{"m0", "m1", "m2", "m3"}
)

// bot plays every card of the required rank it holds, else bluffs its first card.
// Challenges come from the challengers map, keyed by model id.
type bot struct {
	mu         sync.Mutex
	challenges map[string]bool
	asked      []string
	play       func(hand []string, rank string) string // optional override
}

func (b *bot) Complete(ctx context.Context, req llm.Request) (llm.Result, error) {
	if err := ctx.Err(); err != nil {
		return llm.Result{}, err
	}
	prompt := req.Messages[1].Content
	if strings.Contains(prompt, "CHALLENGE DECISION") {
		b.mu.Lock()
		b.asked = append(b.asked, req.Model)
		call := b.challenges[req.Model]
		b.mu.Unlock()
		return llm.Result{
			Content:      fmt.Sprintf(`{"reasoning":"gut feel","challenge":%t}`, call),
			FinishReason: "stop",
			ResponseTime: 3 * time.Millisecond,
			Usage:        llm.Usage{PromptTokens: 10, CompletionTokens: 2, TotalTokens: 12},
		}, nil
	}
	hand := strings.Fields(handLine.FindStringSubmatch(prompt)[1])
	rank := rankLine.FindStringSubmatch(prompt)[1]
	if b.play != nil {
		return llm.Result{Content: b.play(hand, rank), FinishReason: "stop"}, nil
	}
	var cards []string
	for _, c := range hand {
		if strings.TrimSuffix(c, c[len(c)-1:]) == rank {
			cards = append(cards, fmt.Sprintf("%q", c))
		}
	}
	if len(cards) == 0 {
		cards = []string{fmt.Sprintf("%q", hand[0])}
	}
	return llm.Result{
		Content:      fmt.Sprintf(`{"reasoning":"play","cards_to_play":[%s],"claim_count":%d}`, strings.Join(cards, ","), len(cards)),
		FinishReason: "stop",
		ResponseTime: 5 * time.Millisecond,
		Usage:        llm.Usage{PromptTokens: 20, CompletionTokens: 5, TotalTokens: 25},
	}, nil
}

func (b *bot) askedModels() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.asked...)
}

func newGame(t *testing.T) *engine.GameState {
	t.Helper()
	g, err := engine.NewGame("orch-test", engine.ExperimentBaseline, models, 42, time.Unix(0, 0))
	require.NoError(t, err)
	return g
}

func quiet() *log.Logger { return log.New(io.Discard) }

func TestRunToCompletion(t *testing.T) {
	mClock := quartz.NewMock(t)
	var finalized []engine.Turn
	o := New(newGame(t), &bot{}, quiet(), DefaultConfig(),
		WithClock(mClock),
		WithOnTurn(func(tr engine.Turn) { finalized = append(finalized, tr) }),
	)

	g, err := o.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, PhaseFinished, o.Phase())
	assert.Equal(t, engine.EndEmptyHand, g.EndReason)
	require.NotEmpty(t, g.Winner)
	winner, _ := g.Player(g.Winner)
	assert.Empty(t, winner.Hand)
	assert.Equal(t, mClock.Now(), g.EndTime)
	require.NoError(t, engine.CheckConservation(g))

	require.Len(t, finalized, len(g.Turns))
	for i, tr := range g.Turns {
		assert.Equal(t, i+1, tr.TurnNumber)
		assert.Equal(t, engine.Ranks[i%len(engine.Ranks)], tr.ClaimedRank)
		assert.False(t, tr.Challenged)
		assert.Len(t, tr.Meta.Polled, 3)
		assert.Equal(t, 25, tr.Meta.PlayUsage.TotalTokens)
		assert.Equal(t, 36, tr.Meta.ChallengeUsage.TotalTokens)
		require.Len(t, tr.Meta.ChallengeCosts, 3)
		for _, id := range tr.Meta.Polled {
			assert.Equal(t, 12, tr.Meta.ChallengeCosts[id].Usage.TotalTokens, id)
			assert.Equal(t, int64(3), tr.Meta.ChallengeCosts[id].ResponseMs, id)
		}
		assert.NotContains(t, tr.Meta.ChallengeCosts, tr.PlayerID)
	}

	_, err = o.Step(context.Background())
	assert.ErrorIs(t, err, ErrGameFinished)
}

func TestStepPhasesAndEarlyExitChallenge(t *testing.T) {
	b := &bot{challenges: map[string]bool{"m2": true, "m3": true}}
	g := newGame(t)
	o := New(g, b, quiet(), DefaultConfig())

	res, err := o.Step(context.Background())
	require.NoError(t, err)
	assert.Equal(t, PhaseChallenging, res.Phase)
	assert.False(t, res.Finalized)
	require.NotNil(t, res.Decision)
	assert.Empty(t, o.Snapshot().Turns, "turn is not appended until the challenge round resolves")

	res, err = o.Step(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Finalized)
	assert.Equal(t, PhaseWaiting, res.Phase)
	assert.True(t, res.Turn.Challenged)
	assert.Equal(t, "player_2", res.Turn.ChallengerID)
	assert.Equal(t, []string{"player_1", "player_2"}, res.Turn.Meta.Polled)
	assert.Equal(t, []string{"m1", "m2"}, b.askedModels(), "player_3 never gets to challenge")

	snap := o.Snapshot()
	assert.Empty(t, snap.Pile)
	assert.Equal(t, engine.Two, snap.CurrentRank)
	assert.Equal(t, 1, snap.CurrentPlayer)
	require.NoError(t, engine.CheckConservation(snap))
}

func TestShuffledChallengeOrderIsDeterministic(t *testing.T) {
	order := func() []string {
		b := &bot{}
		cfg := DefaultConfig()
		cfg.ChallengeOrder = OrderShuffled
		o := New(newGame(t), b, quiet(), cfg)
		for i := 0; i < 8; i++ {
			_, err := o.Step(context.Background())
			require.NoError(t, err)
		}
		return b.askedModels()
	}
	first := order()
	assert.Len(t, first, 12)
	assert.Equal(t, first, order())
}

// scripted replies in order, then repeats the last one.
type scripted struct {
	mu      sync.Mutex
	replies []llm.Result
	reqs    []llm.Request
}

func (s *scripted) Complete(ctx context.Context, req llm.Request) (llm.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reqs = append(s.reqs, req)
	i := len(s.reqs) - 1
	if i >= len(s.replies) {
		i = len(s.replies) - 1
	}
	return s.replies[i], nil
}

func TestPlayRepromptAfterGarbageAndTruncation(t *testing.T) {
	g := newGame(t)
	first := g.Players[0].Hand[0].String()
	s := &scripted{replies: []llm.Result{
		{Content: "I think I'll play something.", FinishReason: "stop"},
		{Content: `{"reasoning":"long long long`, FinishReason: "length"},
		{Content: fmt.Sprintf(`{"cards_to_play":[%q],"claim_count":1}`, first), FinishReason: "stop"},
		{Content: `{"challenge":false}`, FinishReason: "stop"},
	}}
	o := New(g, s, quiet(), DefaultConfig())

	res, err := o.Step(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, res.Turn.Meta.PlayAttempts)
	assert.False(t, res.Turn.Meta.FallbackPlay)
	assert.Equal(t, []string{first}, engine.CardStrings(res.Turn.ActualCards))

	require.Len(t, s.reqs, 3)
	assert.Len(t, s.reqs[0].Messages, 2)
	require.Len(t, s.reqs[1].Messages, 4, "clarify re-prompt carries the bad reply")
	assert.Equal(t, "assistant", s.reqs[1].Messages[2].Role)
	require.Len(t, s.reqs[2].Messages, 3, "truncation gets a brevity re-prompt, not the cut-off reply")
	assert.Contains(t, s.reqs[2].Messages[2].Content, "too long")
	assert.Equal(t, DefaultConfig().PlayMaxTokens, s.reqs[0].MaxTokens)
}

func TestStrictModeRaisesAndLeavesStateAlone(t *testing.T) {
	g := newGame(t)
	s := &scripted{replies: []llm.Result{{Content: "no idea", FinishReason: "stop"}}}
	o := New(g, s, quiet(), DefaultConfig())

	_, err := o.Step(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, agent.ErrParse)
	assert.Len(t, s.reqs, DefaultConfig().MaxAttempts)

	snap := o.Snapshot()
	assert.Equal(t, PhaseWaiting, o.Phase())
	assert.Len(t, snap.Players[0].Hand, 13)
	assert.Empty(t, snap.Pile)
}

func TestFallbackModeKeepsGameMoving(t *testing.T) {
	g := newGame(t)
	first := g.Players[0].Hand[0]
	cfg := DefaultConfig()
	cfg.Strictness.OnParseFailure = Fallback
	o := New(g, &llm.Mock{}, quiet(), cfg)

	_, err := o.Step(context.Background())
	require.NoError(t, err)
	res, err := o.Step(context.Background())
	require.NoError(t, err)

	assert.True(t, res.Turn.Meta.FallbackPlay)
	assert.Equal(t, []engine.Card{first}, res.Turn.ActualCards)
	assert.Equal(t, 1, res.Turn.ClaimedCount)
	assert.Equal(t, 3, res.Turn.Meta.FallbackChallenges)
	assert.False(t, res.Turn.Challenged)
}

func TestCardsNotInHandAreDroppedAndForced(t *testing.T) {
	g := newGame(t)
	notMine := g.Players[1].Hand[0].String()
	b := &bot{play: func(hand []string, rank string) string {
		return fmt.Sprintf(`{"cards_to_play":[%q,"ZZ"],"claim_count":2}`, notMine)
	}}
	o := New(g, b, quiet(), DefaultConfig())

	res, err := o.Step(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Turn.Meta.ForcedPlay)
	assert.ElementsMatch(t, []string{"ZZ", notMine}, res.Turn.Meta.DroppedCards)
	require.Len(t, res.Turn.ActualCards, 1)
	assert.Equal(t, 2, res.Turn.ClaimedCount)
	assert.True(t, res.Turn.WasLie)
}

func TestTurnCap(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxTurns = 3
	b := &bot{play: func(hand []string, rank string) string {
		return fmt.Sprintf(`{"cards_to_play":[%q]}`, hand[0])
	}}
	g, err := New(newGame(t), b, quiet(), cfg).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, engine.EndTurnCap, g.EndReason)
	assert.Len(t, g.Turns, 3)
	assert.Equal(t, "player_0", g.Winner, "equal counts fall back to seat order")
}

type blocking struct {
	entered chan struct{}
	release chan struct{}
}

func (b *blocking) Complete(ctx context.Context, req llm.Request) (llm.Result, error) {
	select {
	case b.entered <- struct{}{}:
	default:
	}
	select {
	case <-ctx.Done():
		return llm.Result{}, ctx.Err()
	case <-b.release:
		return llm.Result{Content: "nothing useful", FinishReason: "stop"}, nil
	}
}

func TestConcurrentStepRejected(t *testing.T) {
	b := &blocking{entered: make(chan struct{}, 1), release: make(chan struct{})}
	cfg := DefaultConfig()
	cfg.Strictness.OnParseFailure = Fallback
	cfg.MaxAttempts = 1
	o := New(newGame(t), b, quiet(), cfg)

	done := make(chan error, 1)
	go func() {
		_, err := o.Step(context.Background())
		done <- err
	}()
	<-b.entered

	_, err := o.Step(context.Background())
	assert.ErrorIs(t, err, ErrStepInProgress)

	close(b.release)
	require.NoError(t, <-done)
	assert.Equal(t, PhaseChallenging, o.Phase())
}

func TestCancelledStepLeavesGameUntouched(t *testing.T) {
	b := &blocking{entered: make(chan struct{}, 1), release: make(chan struct{})}
	o := New(newGame(t), b, quiet(), DefaultConfig())
	before := o.Snapshot()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := o.Step(ctx)
		done <- err
	}()
	<-b.entered
	cancel()

	assert.ErrorIs(t, <-done, context.Canceled)
	assert.Equal(t, PhaseWaiting, o.Phase())
	assert.Equal(t, before, o.Snapshot())
}

type flaky struct {
	resets int
}

func (f *flaky) Complete(ctx context.Context, req llm.Request) (llm.Result, error) {
	return llm.Result{}, fmt.Errorf("%w: boom", llm.ErrConnectionUnstable)
}

func (f *flaky) Reset() { f.resets++ }

func TestUnstableConnectionResetsClient(t *testing.T) {
	f := &flaky{}
	o := New(newGame(t), f, quiet(), DefaultConfig())
	_, err := o.Step(context.Background())
	assert.True(t, errors.Is(err, llm.ErrConnectionUnstable))
	assert.Equal(t, 1, f.resets)
}

type streamer struct{ bot }

func (s *streamer) CompleteStreaming(ctx context.Context, req llm.Request, onEvent func(llm.Event)) (llm.Result, error) {
	res, err := s.Complete(ctx, req)
	if err == nil {
		half := len(res.Content) / 2
		onEvent(llm.Event{Text: res.Content[:half]})
		onEvent(llm.Event{Text: res.Content[half:]})
	}
	return res, err
}

func TestTokensStreamPerPlayer(t *testing.T) {
	var mu sync.Mutex
	got := map[string]string{}
	o := New(newGame(t), &streamer{}, quiet(), DefaultConfig(),
		WithOnToken(func(playerID string, ev llm.Event) {
			mu.Lock()
			got[playerID] += ev.Text
			mu.Unlock()
		}),
	)
	res, err := o.Step(context.Background())
	require.NoError(t, err)
	d, err := agent.ParsePlay(got["player_0"])
	require.NoError(t, err)
	assert.Equal(t, res.Decision.Cards, d.Cards)
}

func TestParseFailureModeFromString(t *testing.T) {
	m, err := ParseParseFailureMode("RAISE")
	require.NoError(t, err)
	assert.Equal(t, Raise, m)
	m, err = ParseParseFailureMode("fallback")
	require.NoError(t, err)
	assert.Equal(t, Fallback, m)
	_, err = ParseParseFailureMode("lenient")
	assert.Error(t, err)
}
