package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/coder/quartz"

	"bullshit-bench/server/agent"
	"bullshit-bench/server/engine"
	"bullshit-bench/server/llm"
)

var (
	ErrStepInProgress = errors.New("step already in progress")
	ErrGameFinished   = errors.New("game finished")
)

type Phase string

const (
	PhaseWaiting     Phase = "waiting"
	PhaseChallenging Phase = "challenging"
	PhaseFinished    Phase = "finished"
)

// Completer is the slice of the model client the orchestrator needs.
type Completer interface {
	Complete(ctx context.Context, req llm.Request) (llm.Result, error)
}

// StreamingCompleter is used instead of Complete when a token callback is set.
type StreamingCompleter interface {
	CompleteStreaming(ctx context.Context, req llm.Request, onEvent func(llm.Event)) (llm.Result, error)
}

// Resetter is implemented by clients that can recover from ErrConnectionUnstable.
type Resetter interface {
	Reset()
}

// StepResult describes what a single Step did.
type StepResult struct {
	Phase     Phase               `json:"phase"`              // phase after the step
	Turn      engine.Turn         `json:"turn"`               // pending turn after a play, finalized turn after a challenge round
	Finalized bool                `json:"finalized"`          // Turn has been appended to the game log
	Decision  *agent.PlayDecision `json:"decision,omitempty"` // parsed play, set by a play step
}

type Option func(*Orchestrator)

func WithClock(c quartz.Clock) Option { return func(o *Orchestrator) { o.clock = c } }

// WithOnTurn registers a callback for every finalized turn.
func WithOnTurn(fn func(engine.Turn)) Option { return func(o *Orchestrator) { o.onTurn = fn } }

// WithOnToken streams model output per player. Only used when the completer streams.
func WithOnToken(fn func(playerID string, ev llm.Event)) Option {
	return func(o *Orchestrator) { o.onToken = fn }
}

// Orchestrator drives one game. It owns the GameState; readers go through Snapshot.
type Orchestrator struct {
	cfg     Config
	client  Completer
	logger  *log.Logger
	clock   quartz.Clock
	onTurn  func(engine.Turn)
	onToken func(string, llm.Event)

	stepMu sync.Mutex // held for the whole of a Step

	mu      sync.RWMutex
	game    *engine.GameState
	phase   Phase
	pending *engine.Turn
}

func New(g *engine.GameState, client Completer, logger *log.Logger, cfg Config, opts ...Option) *Orchestrator {
	cfg = cfg.withDefaults()
	o := &Orchestrator{
		cfg:    cfg,
		client: client,
		logger: logger.WithPrefix("orchestrator").With("game", g.GameID),
		clock:  quartz.NewReal(),
		game:   g,
		phase:  PhaseWaiting,
	}
	for _, opt := range opts {
		opt(o)
	}
	if g.MaxTurns == 0 {
		g.MaxTurns = cfg.MaxTurns
	}
	if g.Finished() {
		o.phase = PhaseFinished
	}
	return o
}

func (o *Orchestrator) Phase() Phase {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.phase
}

// Snapshot returns a deep copy of the game for spectators.
func (o *Orchestrator) Snapshot() *engine.GameState {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.game.Clone()
}

// Run steps until the game finishes or a step fails.
func (o *Orchestrator) Run(ctx context.Context) (*engine.GameState, error) {
	for {
		res, err := o.Step(ctx)
		if errors.Is(err, ErrGameFinished) || (err == nil && res.Phase == PhaseFinished) {
			return o.Snapshot(), nil
		}
		if err != nil {
			return o.Snapshot(), err
		}
	}
}

// Step advances the game by exactly one phase. A second caller while a step is
// in flight gets ErrStepInProgress. Game state is only touched after every model
// call for the phase has returned, so a cancelled step changes nothing.
func (o *Orchestrator) Step(ctx context.Context) (StepResult, error) {
	if !o.stepMu.TryLock() {
		return StepResult{}, ErrStepInProgress
	}
	defer o.stepMu.Unlock()

	switch o.Phase() {
	case PhaseFinished:
		return StepResult{Phase: PhaseFinished}, ErrGameFinished
	case PhaseChallenging:
		return o.stepChallenge(ctx)
	default:
		return o.stepPlay(ctx)
	}
}

func (o *Orchestrator) stepPlay(ctx context.Context) (StepResult, error) {
	o.mu.RLock()
	view := o.game.Clone()
	o.mu.RUnlock()

	seat := view.CurrentPlayer
	player := view.Players[seat]
	d, meta, err := o.decidePlay(ctx, view, seat)
	if err != nil {
		return StepResult{Phase: PhaseWaiting}, fmt.Errorf("%s play: %w", player.ID, err)
	}

	cards, dropped := agent.ClampToHand(player.Hand, d.Cards)
	meta.DroppedCards = append(meta.DroppedCards, d.Dropped...)
	meta.DroppedCards = append(meta.DroppedCards, engine.CardStrings(dropped)...)
	if len(cards) == 0 {
		cards = []engine.Card{player.Hand[0]}
		meta.ForcedPlay = true
	}

	o.mu.Lock()
	turn, err := engine.ProcessPlay(o.game, player.ID, cards, d.ClaimCount, d.Reasoning)
	if err != nil {
		o.mu.Unlock()
		return StepResult{Phase: PhaseWaiting}, err
	}
	turn.Meta = meta
	o.pending = turn
	o.phase = PhaseChallenging
	pending := *turn
	o.mu.Unlock()

	o.logger.Debug("play", "turn", pending.TurnNumber, "player", player.ID, "claim", fmt.Sprintf("%dx%s", pending.ClaimedCount, pending.ClaimedRank), "lie", pending.WasLie)
	return StepResult{Phase: PhaseChallenging, Turn: pending, Decision: &d}, nil
}

func (o *Orchestrator) stepChallenge(ctx context.Context) (StepResult, error) {
	o.mu.RLock()
	view := o.game.Clone()
	t := *o.pending
	o.mu.RUnlock()

	_, seat := view.Player(t.PlayerID)
	var (
		challenger string
		why        string
		meta       challengeMeta
	)
	for _, p := range o.challengeQueue(view, seat, t.TurnNumber) {
		_, pSeat := view.Player(p.ID)
		d, err := o.decideChallenge(ctx, view, pSeat, &t, &meta)
		if err != nil {
			return StepResult{Phase: PhaseChallenging, Turn: t}, fmt.Errorf("%s challenge: %w", p.ID, err)
		}
		meta.polled = append(meta.polled, p.ID)
		if d.Challenge {
			challenger, why = p.ID, d.Reasoning
			break
		}
	}

	o.mu.Lock()
	turn := o.pending
	turn.Meta.Polled = meta.polled
	turn.Meta.ChallengeResponseMs = meta.ms
	turn.Meta.ChallengeUsage = meta.usage
	turn.Meta.FallbackChallenges = meta.fallbacks
	turn.Meta.ChallengeCosts = meta.costs
	if challenger != "" {
		if err := engine.ProcessChallenge(o.game, turn, challenger, why); err != nil {
			o.mu.Unlock()
			return StepResult{Phase: PhaseChallenging, Turn: t}, err
		}
	}
	engine.AdvanceTurn(o.game, turn)
	o.pending = nil
	o.phase = PhaseWaiting
	if id, ok := engine.CheckWinner(o.game); ok {
		engine.Finish(o.game, id, engine.EndEmptyHand, o.clock.Now())
		o.phase = PhaseFinished
	} else if len(o.game.Turns) >= o.game.MaxTurns {
		engine.Finish(o.game, engine.LeastCardsWinner(o.game), engine.EndTurnCap, o.clock.Now())
		o.phase = PhaseFinished
	}
	final := o.game.Turns[len(o.game.Turns)-1]
	phase := o.phase
	winner, reason := o.game.Winner, o.game.EndReason
	o.mu.Unlock()

	o.logger.Info("turn",
		"n", final.TurnNumber,
		"player", final.PlayerID,
		"claim", fmt.Sprintf("%dx%s", final.ClaimedCount, final.ClaimedRank),
		"lie", final.WasLie,
		"challenger", final.ChallengerID,
		"pile", final.PileAfterTurn,
	)
	if phase == PhaseFinished {
		o.logger.Info("game over", "winner", winner, "reason", reason, "turns", final.TurnNumber)
	}
	if o.onTurn != nil {
		o.onTurn(final)
	}
	return StepResult{Phase: phase, Turn: final, Finalized: true}, nil
}

// challengeQueue lists who may challenge, in seat order after the player or in a
// shuffle seeded by the game and turn so a retried step polls the same order.
func (o *Orchestrator) challengeQueue(g *engine.GameState, seat, turnNumber int) []*engine.Player {
	q := g.Opponents(seat)
	if o.cfg.ChallengeOrder == OrderShuffled {
		r := rand.New(rand.NewSource(g.Seed*1_000_003 + int64(turnNumber)))
		r.Shuffle(len(q), func(i, j int) { q[i], q[j] = q[j], q[i] })
	}
	return q
}

type challengeMeta struct {
	polled    []string
	ms        int64
	usage     engine.TokenUsage
	costs     map[string]engine.ChallengeCost
	fallbacks int
}

// charge books one model call to the polled player that made it.
func (m *challengeMeta) charge(playerID string, res llm.Result) {
	ms, u := res.ResponseTime.Milliseconds(), usage(res.Usage)
	m.ms += ms
	m.usage = m.usage.Add(u)
	if m.costs == nil {
		m.costs = map[string]engine.ChallengeCost{}
	}
	c := m.costs[playerID]
	c.ResponseMs += ms
	c.Usage = c.Usage.Add(u)
	m.costs[playerID] = c
}

func (o *Orchestrator) decidePlay(ctx context.Context, g *engine.GameState, seat int) (agent.PlayDecision, engine.TurnMetadata, error) {
	var meta engine.TurnMetadata
	p := g.Players[seat]
	obs := agent.BuildObservation(g, seat)
	base := agent.PlayMessages(g.Experiment, obs)
	msgs := base
	var lastErr error
	for attempt := 1; attempt <= o.cfg.MaxAttempts; attempt++ {
		meta.PlayAttempts = attempt
		res, err := o.complete(ctx, p, msgs, o.cfg.PlayMaxTokens)
		if err != nil {
			return agent.PlayDecision{}, meta, err
		}
		meta.PlayResponseMs += res.ResponseTime.Milliseconds()
		meta.PlayUsage = meta.PlayUsage.Add(usage(res.Usage))

		d, perr := agent.ParsePlay(res.Content)
		if perr == nil {
			if verr := agent.Validate(obs, d); verr != nil {
				o.logger.Debug("play outside hand", "player", p.ID, "err", verr)
			}
			return d, meta, nil
		}
		lastErr = perr
		o.logger.Debug("unparseable play", "player", p.ID, "attempt", attempt, "finish", res.FinishReason, "raw", res.Content)
		if res.FinishReason == "length" {
			msgs = agent.BrevityReprompt(base)
		} else {
			msgs = agent.ClarifyReprompt(base, res.Content)
		}
	}
	if o.cfg.Strictness.OnParseFailure == Raise {
		return agent.PlayDecision{}, meta, lastErr
	}
	o.logger.Warn("play fallback", "player", p.ID, "model", p.ModelID, "attempts", meta.PlayAttempts)
	meta.FallbackPlay = true
	return agent.FallbackPlay(p.Hand), meta, nil
}

func (o *Orchestrator) decideChallenge(ctx context.Context, g *engine.GameState, seat int, t *engine.Turn, meta *challengeMeta) (agent.ChallengeDecision, error) {
	p := g.Players[seat]
	base := agent.ChallengeMessages(g.Experiment, agent.BuildChallengeObservation(g, seat, t))
	msgs := base
	var lastErr error
	for attempt := 1; attempt <= o.cfg.MaxAttempts; attempt++ {
		res, err := o.complete(ctx, p, msgs, o.cfg.ChallengeMaxTokens)
		if err != nil {
			return agent.ChallengeDecision{}, err
		}
		meta.charge(p.ID, res)

		d, perr := agent.ParseChallenge(res.Content)
		if perr == nil {
			return d, nil
		}
		lastErr = perr
		o.logger.Debug("unparseable challenge", "player", p.ID, "attempt", attempt, "finish", res.FinishReason, "raw", res.Content)
		if res.FinishReason == "length" {
			msgs = agent.BrevityReprompt(base)
		} else {
			msgs = agent.ClarifyReprompt(base, res.Content)
		}
	}
	if o.cfg.Strictness.OnParseFailure == Raise {
		return agent.ChallengeDecision{}, lastErr
	}
	o.logger.Warn("challenge fallback", "player", p.ID, "model", p.ModelID)
	meta.fallbacks++
	return agent.FallbackChallenge(), nil
}

func (o *Orchestrator) complete(ctx context.Context, p *engine.Player, msgs []llm.Message, maxTokens int) (llm.Result, error) {
	req := llm.Request{Model: p.ModelID, Messages: msgs, MaxTokens: maxTokens}
	var (
		res llm.Result
		err error
	)
	if sc, ok := o.client.(StreamingCompleter); ok && o.onToken != nil {
		res, err = sc.CompleteStreaming(ctx, req, func(ev llm.Event) { o.onToken(p.ID, ev) })
	} else {
		res, err = o.client.Complete(ctx, req)
	}
	if errors.Is(err, llm.ErrConnectionUnstable) {
		if r, ok := o.client.(Resetter); ok {
			o.logger.Warn("resetting unstable model connection", "model", p.ModelID)
			r.Reset()
		}
	}
	return res, err
}

func usage(u llm.Usage) engine.TokenUsage {
	return engine.TokenUsage{
		PromptTokens:     u.PromptTokens,
		CompletionTokens: u.CompletionTokens,
		TotalTokens:      u.TotalTokens,
	}
}
