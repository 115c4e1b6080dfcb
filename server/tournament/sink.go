package tournament

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"bullshit-bench/server/engine"
)

// FileSink persists every finished game as dir/<game id>.json.
func FileSink(dir string) GameSink {
	return func(_ context.Context, g *engine.GameState) error {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create game log directory: %w", err)
		}
		data, err := json.MarshalIndent(g, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal game %s: %w", g.GameID, err)
		}
		return writeAtomic(filepath.Join(dir, g.GameID+".json"), data)
	}
}
