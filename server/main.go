package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"bullshit-bench/server/engine"
	"bullshit-bench/server/judge"
	"bullshit-bench/server/llm"
	"bullshit-bench/server/orchestrator"
	"bullshit-bench/server/store"
	"bullshit-bench/server/tournament"
)

// version is set by ldflags during build
var version = "dev"

// Globals are shared by every command.
type Globals struct {
	Debug       bool   `help:"Enable debug logging" env:"DEBUG"`
	Mock        bool   `help:"Play offline with the mock model client (forces fallback strictness)"`
	DatabaseURL string `help:"Postgres DSN; games and ratings are recorded when set" env:"DATABASE_URL"`
	AutoMigrate bool   `help:"Apply the schema on startup" env:"AUTO_MIGRATE"`

	logger *log.Logger `kong:"-"`
}

type CLI struct {
	Globals

	Version    kong.VersionFlag `short:"v" help:"Show version"`
	Game       GameCmd          `cmd:"" help:"Play a single game"`
	Tournament TournamentCmd    `cmd:"" help:"Run a tournament experiment"`
	Serve      ServeCmd         `cmd:"" help:"Serve the HTTP API and interactive sessions"`
	Migrate    MigrateCmd       `cmd:"" help:"Apply the database schema"`
}

func main() {
	_ = godotenv.Load()
	loadAPIKeyFromSecret()

	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("bullshit-bench"),
		kong.Description("Four language models play Bullshit against each other"),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{Compact: true}),
		kong.Vars{"version": version},
	)
	cli.logger = newLogger(cli.Debug)
	err := ctx.Run(&cli.Globals)
	ctx.FatalIfErrorf(err)
}

func newLogger(debug bool) *log.Logger {
	logger := log.NewWithOptions(os.Stderr, log.Options{
		ReportTimestamp: true,
		TimeFormat:      "15:04:05",
		Prefix:          "bullshit",
	})
	if debug {
		logger.SetLevel(log.DebugLevel)
	}
	return logger
}

// signalContext is cancelled on interrupt so in-flight model calls stop and
// the checkpoint stays at the last finished game.
func signalContext(logger *log.Logger) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigChan:
			logger.Info("received signal, shutting down", "signal", sig.String())
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigChan)
	}()
	return ctx, cancel
}

// Tries: OPENAI_API_KEY_FILE, ./secrets/openai_api_key.txt, ./server/openai_api_key.txt,
// ./openai_api_key.txt and /run/secrets/openai_api_key.
func loadAPIKeyFromSecret() {
	if os.Getenv("OPENAI_API_KEY") != "" || os.Getenv("OPENROUTER_API_KEY") != "" {
		return
	}
	var candidates []string
	if p := os.Getenv("OPENAI_API_KEY_FILE"); strings.TrimSpace(p) != "" {
		candidates = append(candidates, p)
	}
	candidates = append(candidates,
		"./secrets/openai_api_key.txt",
		"./server/openai_api_key.txt",
		"./openai_api_key.txt",
		"/run/secrets/openai_api_key",
	)
	for _, path := range candidates {
		if b, err := os.ReadFile(path); err == nil {
			key := strings.TrimSpace(string(b))
			if key != "" {
				os.Setenv("OPENAI_API_KEY", key)
				return
			}
		}
	}
}

// clientFactory returns one completer per caller. Live clients get distinct
// jitter seeds so parallel workers don't retry in lockstep.
func (g *Globals) clientFactory() (func(worker int) orchestrator.Completer, error) {
	if g.Mock {
		return func(int) orchestrator.Completer { return &llm.Mock{} }, nil
	}
	cfg, err := llm.ConfigFromEnv()
	if err != nil {
		return nil, err
	}
	policy := llm.PolicyFromEnv()
	return func(worker int) orchestrator.Completer {
		return llm.NewClient(cfg, g.logger,
			llm.WithPolicy(policy),
			llm.WithJitterSeed(int64(policy.Seed)+int64(worker)),
		)
	}, nil
}

// openDB returns nil when no DSN is configured.
func (g *Globals) openDB(ctx context.Context) (*store.DB, error) {
	if g.DatabaseURL == "" {
		return nil, nil
	}
	db, err := store.Open(ctx, g.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if g.AutoMigrate {
		if err := store.Migrate(ctx, db); err != nil {
			db.Close(ctx)
			return nil, fmt.Errorf("failed to migrate: %w", err)
		}
		g.logger.Info("migrated")
	}
	return db, nil
}

func (g *Globals) strictness(configured string) (orchestrator.ParseFailureMode, error) {
	if g.Mock {
		return orchestrator.Fallback, nil
	}
	return orchestrator.ParseParseFailureMode(configured)
}

type GameCmd struct {
	Experiment     int      `short:"e" required:"" help:"Experiment: 1 baseline, 2 honest opponents, 3 honest"`
	Models         []string `short:"m" help:"Exactly four model ids in seat order (defaults to the first four of the roster)"`
	Seed           *int64   `help:"Deck seed (defaults to a hash of the game id)"`
	MaxTurns       int      `default:"200" help:"Turn cap; the fewest cards wins when it is hit"`
	MaxAttempts    int      `default:"3" help:"Model calls per decision, re-prompts included"`
	Strictness     string   `default:"raise" enum:"raise,fallback" help:"What to do when a reply never parses"`
	ChallengeOrder string   `default:"seat" enum:"seat,shuffled" help:"Order challengers are polled in"`
	Stream         bool     `help:"Print model output as it streams"`
	LogDir         string   `default:"logs/games" help:"Directory for the finished game log"`
}

func (c *GameCmd) Run(g *Globals) error {
	exp := engine.Experiment(c.Experiment)
	if !exp.Valid() {
		return fmt.Errorf("experiment must be 1, 2 or 3, got %d", c.Experiment)
	}
	models := c.Models
	if len(models) == 0 {
		models = tournament.DefaultModels[:tournament.PlayersPerGame]
	}
	if len(models) != tournament.PlayersPerGame {
		return fmt.Errorf("need exactly %d models, got %d", tournament.PlayersPerGame, len(models))
	}
	mode, err := g.strictness(c.Strictness)
	if err != nil {
		return err
	}
	clients, err := g.clientFactory()
	if err != nil {
		return err
	}

	ctx, cancel := signalContext(g.logger)
	defer cancel()
	db, err := g.openDB(ctx)
	if err != nil {
		return err
	}
	if db != nil {
		defer db.Close(context.Background())
	}

	id := "game-" + uuid.NewString()
	seed := engine.SeedFromGameID(id)
	if c.Seed != nil {
		seed = *c.Seed
	}
	state, err := engine.NewGame(id, exp, models, seed, time.Now())
	if err != nil {
		return err
	}

	cfg := orchestrator.DefaultConfig()
	cfg.MaxTurns = c.MaxTurns
	cfg.MaxAttempts = c.MaxAttempts
	cfg.Strictness = orchestrator.StrictnessPolicy{OnParseFailure: mode}
	cfg.ChallengeOrder = orchestrator.ChallengeOrder(c.ChallengeOrder)

	opts := []orchestrator.Option{}
	if c.Stream {
		opts = append(opts, orchestrator.WithOnToken(func(player string, ev llm.Event) {
			if ev.Restart {
				fmt.Fprintf(os.Stdout, "\n[%s] (connection dropped, restarting reply)\n", player)
				return
			}
			fmt.Fprint(os.Stdout, ev.Text)
		}))
	}

	g.logger.Info("starting game", "id", id, "experiment", exp, "seed", seed, "models", models, "strictness", mode)
	final, err := orchestrator.New(state, clients(0), g.logger, cfg, opts...).Run(ctx)
	if err != nil {
		return fmt.Errorf("game %s failed after %d turns: %w", id, len(final.Turns), err)
	}

	if err := tournament.FileSink(c.LogDir)(ctx, final); err != nil {
		return err
	}
	if db != nil {
		if err := db.RecordGame(ctx, final, nil); err != nil {
			return err
		}
	}
	printMetrics(g.logger, judge.Evaluate(final))
	g.logger.Info("game over", "winner", final.Winner, "reason", final.EndReason, "turns", len(final.Turns))
	return nil
}

func printMetrics(logger *log.Logger, ms []judge.ModelMetrics) {
	for _, m := range ms {
		logger.Info("metrics",
			"model", m.ModelID,
			"player", m.PlayerID,
			"wins", m.Wins,
			"plays", m.Plays,
			"lie_rate", fmt.Sprintf("%.2f", m.LieRate()),
			"bluff_success", fmt.Sprintf("%.2f", m.BluffSuccessRate()),
			"challenge_acc", fmt.Sprintf("%.2f", m.ChallengeAccuracy()),
			"tokens", m.Usage.TotalTokens,
		)
	}
}

type TournamentCmd struct {
	Config     string `short:"c" default:"tournament.hcl" help:"HCL config file; defaults apply when it is missing"`
	Experiment int    `short:"e" help:"Override the configured experiment"`
	Games      int    `short:"g" help:"Override games per matchup"`
	Workers    int    `help:"Override the number of parallel games"`
}

func (c *TournamentCmd) Run(g *Globals) error {
	ctx, cancel := signalContext(g.logger)
	defer cancel()
	db, err := g.openDB(ctx)
	if err != nil {
		return err
	}
	if db != nil {
		defer db.Close(context.Background())
	}
	runner, err := c.build(g, db)
	if err != nil {
		return err
	}
	sum, err := runner.Run(ctx)
	if sum != nil {
		for _, m := range sum.Models {
			g.logger.Info("summary",
				"model", m.ModelID,
				"games", m.Games,
				"wins", m.Wins,
				"win_ci", fmt.Sprintf("[%.2f, %.2f]", m.WinRateLow, m.WinRateHigh),
				"lie_rate", fmt.Sprintf("%.2f", m.LieRate()),
				"lie_ci", fmt.Sprintf("[%.2f, %.2f]", m.LieRateLow, m.LieRateHigh),
				"challenge_acc", fmt.Sprintf("%.2f", m.ChallengeAccuracy()),
			)
		}
	}
	return err
}

// build loads the config and wires the runner's clients and sinks. db may be nil.
func (c *TournamentCmd) build(g *Globals, db *store.DB) (*tournament.Runner, error) {
	fc, err := tournament.LoadConfig(c.Config)
	if err != nil {
		return nil, err
	}
	if c.Experiment != 0 {
		fc.Experiment = c.Experiment
	}
	if c.Games != 0 {
		fc.GamesPerMatchup = c.Games
	}
	if c.Workers != 0 {
		fc.Workers = c.Workers
	}
	if g.Mock {
		fc.Strictness = orchestrator.Fallback.String()
	}
	cfg, err := fc.RunnerConfig()
	if err != nil {
		return nil, err
	}
	clients, err := g.clientFactory()
	if err != nil {
		return nil, err
	}

	opts := []tournament.Option{
		tournament.WithSink(tournament.FileSink(fc.GameLogDir)),
		tournament.WithOnProgress(func(p tournament.Progress) {
			g.logger.Info("progress", "games", fmt.Sprintf("%d/%d", p.CompletedGames, p.TotalGames), "pct", fmt.Sprintf("%.1f", p.PercentComplete))
		}),
	}
	if db != nil {
		opts = append(opts, tournament.WithSink(db.Sink()))
	}
	return tournament.New(cfg, clients, g.logger, opts...), nil
}

type ServeCmd struct {
	Addr       string `default:":8080" env:"ADDR" help:"Listen address"`
	Tournament string `help:"Also run the tournament described by this HCL file and report its progress"`
}

func (c *ServeCmd) Run(g *Globals) error {
	ctx, cancel := signalContext(g.logger)
	defer cancel()

	clients, err := g.clientFactory()
	if err != nil {
		return err
	}
	db, err := g.openDB(ctx)
	if err != nil {
		return err
	}
	if db != nil {
		defer db.Close(context.Background())
	}

	cfg := orchestrator.DefaultConfig()
	cfg.Strictness = orchestrator.StrictnessPolicy{OnParseFailure: orchestrator.Fallback}
	var sinks []tournament.GameSink
	if db != nil {
		sinks = append(sinks, db.Sink())
	}
	a := &api{
		db:       db,
		sessions: newSessionManager(func() orchestrator.Completer { return clients(0) }, cfg, g.logger, sinks...),
		logger:   g.logger.WithPrefix("http"),
	}

	if c.Tournament != "" {
		runner, err := (&TournamentCmd{Config: c.Tournament}).build(g, db)
		if err != nil {
			return err
		}
		a.progress = runner.Progress
		go func() {
			if _, err := runner.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				g.logger.Error("tournament stopped", "err", err)
			}
		}()
	}

	srv := &http.Server{Addr: c.Addr, Handler: Router(a), ReadTimeout: 15 * time.Second}
	serverErr := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()
	g.logger.Info("listening", "addr", c.Addr)

	select {
	case <-ctx.Done():
		g.logger.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-serverErr:
		return err
	}
}

type MigrateCmd struct{}

func (c *MigrateCmd) Run(g *Globals) error {
	if g.DatabaseURL == "" {
		return errors.New("DATABASE_URL is required")
	}
	ctx := context.Background()
	db, err := store.Open(ctx, g.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close(ctx)
	if err := store.Migrate(ctx, db); err != nil {
		return err
	}
	g.logger.Info("migrated")
	return nil
}
