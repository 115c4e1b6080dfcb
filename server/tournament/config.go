package tournament

import (
	"errors"
	"fmt"
	"os"

	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"

	"bullshit-bench/server/engine"
	"bullshit-bench/server/orchestrator"
)

// FileConfig is the tournament.hcl layout.
type FileConfig struct {
	Experiment      int      `hcl:"experiment,optional"`
	GamesPerMatchup int      `hcl:"games_per_matchup,optional"`
	MaxTurns        int      `hcl:"max_turns,optional"`
	Workers         int      `hcl:"workers,optional"`
	CheckpointDir   string   `hcl:"checkpoint_dir,optional"`
	GameLogDir      string   `hcl:"game_log_dir,optional"`
	Strictness      string   `hcl:"strictness,optional"`
	ChallengeOrder  string   `hcl:"challenge_order,optional"`
	MaxAttempts     int      `hcl:"max_attempts,optional"`
	Models          []string `hcl:"models,optional"`
}

// DefaultModels is the roster used when the config names none.
var DefaultModels = []string{
	"openai/gpt-oss-120b",
	"google/gemma-3-27b-it",
	"moonshotai/Kimi-K2-Instruct",
	"Qwen/Qwen3-Coder-480B-A35B-Instruct",
	"Qwen/Qwen2.5-72B-Instruct",
}

func DefaultFileConfig() *FileConfig {
	c := &FileConfig{}
	c.applyDefaults()
	return c
}

func (c *FileConfig) applyDefaults() {
	d := orchestrator.DefaultConfig()
	if c.Experiment == 0 {
		c.Experiment = int(engine.ExperimentBaseline)
	}
	if c.GamesPerMatchup == 0 {
		c.GamesPerMatchup = 10
	}
	if c.MaxTurns == 0 {
		c.MaxTurns = d.MaxTurns
	}
	if c.Workers == 0 {
		c.Workers = 1
	}
	if c.CheckpointDir == "" {
		c.CheckpointDir = "logs"
	}
	if c.GameLogDir == "" {
		c.GameLogDir = "logs/games"
	}
	if c.Strictness == "" {
		c.Strictness = d.Strictness.OnParseFailure.String()
	}
	if c.ChallengeOrder == "" {
		c.ChallengeOrder = string(d.ChallengeOrder)
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if len(c.Models) == 0 {
		c.Models = append([]string(nil), DefaultModels...)
	}
}

// LoadConfig reads an HCL file. A missing file yields the defaults.
func LoadConfig(filename string) (*FileConfig, error) {
	if _, err := os.Stat(filename); os.IsNotExist(err) {
		return DefaultFileConfig(), nil
	}

	parser := hclparse.NewParser()
	file, diags := parser.ParseHCLFile(filename)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to parse HCL file: %s", diags.Error())
	}

	var config FileConfig
	diags = gohcl.DecodeBody(file.Body, nil, &config)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to decode HCL: %s", diags.Error())
	}
	config.applyDefaults()
	return &config, nil
}

func (c *FileConfig) Validate() error {
	if !engine.Experiment(c.Experiment).Valid() {
		return fmt.Errorf("experiment must be 1, 2 or 3, got %d", c.Experiment)
	}
	if c.GamesPerMatchup < 1 {
		return errors.New("games_per_matchup must be at least 1")
	}
	if c.MaxTurns < 1 {
		return errors.New("max_turns must be at least 1")
	}
	if c.Workers < 1 {
		return errors.New("workers must be at least 1")
	}
	if c.MaxAttempts < 1 {
		return errors.New("max_attempts must be at least 1")
	}
	if len(c.Models) < PlayersPerGame {
		return fmt.Errorf("need at least %d models, got %d", PlayersPerGame, len(c.Models))
	}
	seen := map[string]bool{}
	for _, m := range c.Models {
		if seen[m] {
			return fmt.Errorf("duplicate model %q", m)
		}
		seen[m] = true
	}
	if _, err := orchestrator.ParseParseFailureMode(c.Strictness); err != nil {
		return err
	}
	switch orchestrator.ChallengeOrder(c.ChallengeOrder) {
	case orchestrator.OrderSeat, orchestrator.OrderShuffled:
	default:
		return fmt.Errorf("unknown challenge_order %q (want seat or shuffled)", c.ChallengeOrder)
	}
	return nil
}

// RunnerConfig validates c and converts it for New.
func (c *FileConfig) RunnerConfig() (Config, error) {
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	mode, _ := orchestrator.ParseParseFailureMode(c.Strictness)
	game := orchestrator.DefaultConfig()
	game.MaxTurns = c.MaxTurns
	game.MaxAttempts = c.MaxAttempts
	game.Strictness = orchestrator.StrictnessPolicy{OnParseFailure: mode}
	game.ChallengeOrder = orchestrator.ChallengeOrder(c.ChallengeOrder)
	return Config{
		Experiment:      engine.Experiment(c.Experiment),
		Models:          append([]string(nil), c.Models...),
		GamesPerMatchup: c.GamesPerMatchup,
		Workers:         c.Workers,
		CheckpointDir:   c.CheckpointDir,
		Game:            game,
	}, nil
}
