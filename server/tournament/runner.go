package tournament

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/coder/quartz"
	"golang.org/x/sync/errgroup"

	"bullshit-bench/server/engine"
	"bullshit-bench/server/judge"
	"bullshit-bench/server/orchestrator"
	"bullshit-bench/server/rating"
)

type Config struct {
	Experiment      engine.Experiment
	Models          []string
	GamesPerMatchup int
	Workers         int
	CheckpointDir   string
	Game            orchestrator.Config
}

// GameSink receives every game that ran to completion. An error is logged and
// the game is counted as failed.
type GameSink func(ctx context.Context, g *engine.GameState) error

// ClientFactory builds the model client owned by one worker.
type ClientFactory func(worker int) orchestrator.Completer

type Progress struct {
	CompletedGames  int     `json:"completedGames"`
	TotalGames      int     `json:"totalGames"`
	PercentComplete float64 `json:"percentComplete"`
}

type ModelSummary struct {
	judge.ModelMetrics
	WinRateLow  float64 `json:"win_rate_low"`
	WinRateHigh float64 `json:"win_rate_high"`
	// bootstrap interval of the mean per-game lie rate
	LieRateLow  float64 `json:"lie_rate_low"`
	LieRateHigh float64 `json:"lie_rate_high"`
}

const bootstrapResamples = 1000

// lieRateCIs bootstraps each model's mean lie rate over the games it played in.
// The resampling source is seeded by the experiment so summaries are reproducible.
func lieRateCIs(exp engine.Experiment, sets [][]judge.ModelMetrics) map[string][2]float64 {
	perGame := map[string][]float64{}
	for _, set := range sets {
		for _, m := range set {
			if m.Plays > 0 {
				perGame[m.ModelID] = append(perGame[m.ModelID], m.LieRate())
			}
		}
	}
	models := make([]string, 0, len(perGame))
	for m := range perGame {
		models = append(models, m)
	}
	sort.Strings(models)
	rng := rand.New(rand.NewSource(int64(exp)))
	out := make(map[string][2]float64, len(models))
	for _, m := range models {
		lo, hi := rating.BootstrapCI95(rng, perGame[m], bootstrapResamples)
		out[m] = [2]float64{lo, hi}
	}
	return out
}

// Summary covers the games played by this Run. Games skipped on resume are not
// re-scored.
type Summary struct {
	Experiment   engine.Experiment `json:"experiment"`
	Matchups     int               `json:"matchups"`
	GamesPlayed  int               `json:"games_played"`
	GamesFailed  int               `json:"games_failed"`
	GamesSkipped int               `json:"games_skipped"`
	Models       []ModelSummary    `json:"models"`
}

type Option func(*Runner)

func WithClock(c quartz.Clock) Option { return func(r *Runner) { r.clock = c } }

// WithSink adds a completion callback. Sinks run in registration order.
func WithSink(s GameSink) Option { return func(r *Runner) { r.sinks = append(r.sinks, s) } }

func WithOnProgress(fn func(Progress)) Option { return func(r *Runner) { r.onProgress = fn } }

type job struct {
	pos     int
	matchup int
	game    int
	models  []string
}

type Runner struct {
	cfg        Config
	clients    ClientFactory
	logger     *log.Logger
	clock      quartz.Clock
	sinks      []GameSink
	onProgress func(Progress)

	recordMu  sync.Mutex // orders checkpoint writes and progress callbacks
	mu        sync.Mutex // guards everything below
	ckpt      *Checkpoint
	watermark int
	attempted map[int]bool
	progress  Progress
	metrics   [][]judge.ModelMetrics
	played    int
	failed    int
}

func New(cfg Config, clients ClientFactory, logger *log.Logger, opts ...Option) *Runner {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	r := &Runner{
		cfg:     cfg,
		clients: clients,
		logger:  logger.WithPrefix("tournament").With("experiment", int(cfg.Experiment)),
		clock:   quartz.NewReal(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Runner) checkpointPath() string { return CheckpointPath(r.cfg.CheckpointDir, r.cfg.Experiment) }

// Progress is safe to call while Run is in flight.
func (r *Runner) Progress() Progress {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.progress
}

// Run plays every matchup, resuming from the experiment's checkpoint. Failed
// games are logged and skipped; only cancellation or a checkpoint write
// failure stops the run early.
func (r *Runner) Run(ctx context.Context) (*Summary, error) {
	if !r.cfg.Experiment.Valid() {
		return nil, fmt.Errorf("unknown experiment %d", r.cfg.Experiment)
	}
	if r.cfg.GamesPerMatchup < 1 {
		return nil, errors.New("games per matchup must be at least 1")
	}
	matchups := Matchups(r.cfg.Models, PlayersPerGame)
	if len(matchups) == 0 {
		return nil, fmt.Errorf("need at least %d models, got %d", PlayersPerGame, len(r.cfg.Models))
	}

	ckpt, err := LoadCheckpoint(r.checkpointPath())
	if err != nil {
		return nil, err
	}
	if ckpt == nil {
		ckpt = &Checkpoint{ExperimentID: r.cfg.Experiment, CompletedGames: []string{}}
		ckpt.setPosition(-1, r.cfg.GamesPerMatchup)
	}
	if err := ckpt.checkLayout(r.cfg); err != nil {
		return nil, fmt.Errorf("checkpoint %s %w", r.checkpointPath(), err)
	}
	done := make(map[string]bool, len(ckpt.CompletedGames))
	for _, id := range ckpt.CompletedGames {
		done[id] = true
	}

	total := len(matchups) * r.cfg.GamesPerMatchup
	watermark := ckpt.position(r.cfg.GamesPerMatchup)
	var jobs []job
	for m, models := range matchups {
		for g := 0; g < r.cfg.GamesPerMatchup; g++ {
			pos := m*r.cfg.GamesPerMatchup + g
			if pos <= watermark || done[GameID(r.cfg.Experiment, m, g)] {
				continue
			}
			jobs = append(jobs, job{pos: pos, matchup: m, game: g, models: models})
		}
	}

	r.mu.Lock()
	r.ckpt = ckpt
	r.watermark = watermark
	r.attempted = map[int]bool{}
	for m := range matchups {
		for g := 0; g < r.cfg.GamesPerMatchup; g++ {
			if done[GameID(r.cfg.Experiment, m, g)] {
				r.attempted[m*r.cfg.GamesPerMatchup+g] = true
			}
		}
	}
	r.progress = Progress{CompletedGames: total - len(jobs), TotalGames: total}
	r.progress.PercentComplete = percent(r.progress.CompletedGames, total)
	r.metrics, r.played, r.failed = nil, 0, 0
	r.mu.Unlock()

	r.logger.Info("starting",
		"models", len(r.cfg.Models),
		"matchups", len(matchups),
		"games", total,
		"remaining", len(jobs),
		"workers", r.cfg.Workers,
	)

	pool := make(chan orchestrator.Completer, r.cfg.Workers)
	for i := 0; i < r.cfg.Workers; i++ {
		pool <- r.clients(i)
	}
	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(r.cfg.Workers)
	for _, j := range jobs {
		if egCtx.Err() != nil {
			break
		}
		eg.Go(func() error {
			client := <-pool
			defer func() { pool <- client }()
			return r.play(egCtx, client, j)
		})
	}
	runErr := eg.Wait()
	if runErr == nil {
		runErr = ctx.Err()
	}

	r.mu.Lock()
	sum := &Summary{
		Experiment:   r.cfg.Experiment,
		Matchups:     len(matchups),
		GamesPlayed:  r.played,
		GamesFailed:  r.failed,
		GamesSkipped: total - len(jobs),
	}
	lies := lieRateCIs(r.cfg.Experiment, r.metrics)
	for _, m := range judge.Merge(r.metrics...) {
		lo, hi := rating.WilsonCI95(m.Wins, 0, m.Games)
		sum.Models = append(sum.Models, ModelSummary{
			ModelMetrics: m,
			WinRateLow:   lo,
			WinRateHigh:  hi,
			LieRateLow:   lies[m.ModelID][0],
			LieRateHigh:  lies[m.ModelID][1],
		})
	}
	r.mu.Unlock()

	if runErr != nil {
		r.logger.Warn("stopped early", "played", sum.GamesPlayed, "failed", sum.GamesFailed, "err", runErr)
		return sum, runErr
	}
	r.logger.Info("complete", "played", sum.GamesPlayed, "failed", sum.GamesFailed, "skipped", sum.GamesSkipped)
	return sum, nil
}

// play runs one game. Only cancellation and checkpoint failures are returned;
// anything else is logged and the game is recorded as attempted.
func (r *Runner) play(ctx context.Context, client orchestrator.Completer, j job) error {
	id := GameID(r.cfg.Experiment, j.matchup, j.game)
	seed := engine.SeedFromGameID(id)
	logger := r.logger.With("game", id)

	g, err := engine.NewGame(id, r.cfg.Experiment, SeatOrder(j.models, seed), seed, r.clock.Now())
	if err != nil {
		logger.Error("game setup failed", "err", err)
		return r.record(j, nil)
	}
	final, err := orchestrator.New(g, client, r.logger, r.cfg.Game, orchestrator.WithClock(r.clock)).Run(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		logger.Error("game failed", "err", err, "turns", len(final.Turns))
		return r.record(j, nil)
	}
	for _, sink := range r.sinks {
		if err := sink(ctx, final); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logger.Error("persisting game failed", "err", err)
			return r.record(j, nil)
		}
	}
	logger.Info("game complete", "winner", final.Winner, "reason", final.EndReason, "turns", len(final.Turns))
	return r.record(j, final)
}

// record marks j attempted, advances the contiguous watermark and rewrites the
// checkpoint. final is nil for a failed game.
func (r *Runner) record(j job, final *engine.GameState) error {
	r.recordMu.Lock()
	defer r.recordMu.Unlock()

	r.mu.Lock()
	r.attempted[j.pos] = true
	for r.attempted[r.watermark+1] {
		r.watermark++
		delete(r.attempted, r.watermark)
	}
	if final != nil {
		r.played++
		r.metrics = append(r.metrics, judge.Evaluate(final))
		r.ckpt.CompletedGames = append(r.ckpt.CompletedGames, final.GameID)
	} else {
		r.failed++
	}
	r.ckpt.setPosition(r.watermark, r.cfg.GamesPerMatchup)
	r.ckpt.Timestamp = r.clock.Now()
	err := SaveCheckpoint(r.checkpointPath(), r.ckpt)
	r.progress.CompletedGames++
	r.progress.PercentComplete = percent(r.progress.CompletedGames, r.progress.TotalGames)
	p := r.progress
	r.mu.Unlock()

	if err != nil {
		return err
	}
	if r.onProgress != nil {
		r.onProgress(p)
	}
	return nil
}

func percent(done, total int) float64 {
	if total == 0 {
		return 100
	}
	return float64(done) / float64(total) * 100
}
