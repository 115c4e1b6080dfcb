package tournament

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	"bullshit-bench/server/engine"
)

// Checkpoint records how far an experiment got. MatchupIndex/GameIndex is the
// last position such that every game at or before it has been attempted.
// GamesPerMatchup and Models pin the layout the position was computed against.
type Checkpoint struct {
	ExperimentID    engine.Experiment `json:"experimentId"`
	MatchupIndex    int               `json:"matchupIndex"`
	GameIndex       int               `json:"gameIndex"`
	CompletedGames  []string          `json:"completedGames"`
	Timestamp       time.Time         `json:"timestamp"`
	GamesPerMatchup int               `json:"gamesPerMatchup,omitempty"`
	Models          []string          `json:"models,omitempty"`
}

func CheckpointPath(dir string, exp engine.Experiment) string {
	return filepath.Join(dir, fmt.Sprintf("checkpoint_exp%d.json", exp))
}

// checkLayout rejects a checkpoint written for a different schedule. Files
// that predate the layout fields are adopted as they are.
func (c *Checkpoint) checkLayout(cfg Config) error {
	if c.ExperimentID != cfg.Experiment {
		return fmt.Errorf("belongs to experiment %d", c.ExperimentID)
	}
	if c.GamesPerMatchup != 0 && c.GamesPerMatchup != cfg.GamesPerMatchup {
		return fmt.Errorf("was written for %d games per matchup, config has %d", c.GamesPerMatchup, cfg.GamesPerMatchup)
	}
	if len(c.Models) > 0 && !slices.Equal(c.Models, cfg.Models) {
		return fmt.Errorf("was written for models %v, config has %v", c.Models, cfg.Models)
	}
	c.GamesPerMatchup = cfg.GamesPerMatchup
	c.Models = slices.Clone(cfg.Models)
	return nil
}

// position linearizes the checkpoint; -1 means nothing is covered yet.
func (c *Checkpoint) position(gamesPerMatchup int) int {
	if c == nil {
		return -1
	}
	return c.MatchupIndex*gamesPerMatchup + c.GameIndex
}

func (c *Checkpoint) setPosition(pos, gamesPerMatchup int) {
	c.MatchupIndex = pos / gamesPerMatchup
	c.GameIndex = pos % gamesPerMatchup
}

// SaveCheckpoint writes through a temp file and rename so a crash never leaves a torn file.
func SaveCheckpoint(path string, c *Checkpoint) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create checkpoint directory: %w", err)
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}
	return writeAtomic(path, data)
}

// LoadCheckpoint returns nil, nil when no checkpoint exists yet.
func LoadCheckpoint(path string) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint: %w", err)
	}
	var c Checkpoint
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("failed to unmarshal checkpoint: %w", err)
	}
	return &c, nil
}

func writeAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to rename %s: %w", tmp, err)
	}
	return nil
}
