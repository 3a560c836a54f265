package sysdns

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"go.uber.org/zap"
)

// dnsState is persisted to disk so we can recover from crashes.
type dnsState struct {
	Clear []string `json:"clear"`
	Link  string   `json:"link,omitempty"`
}

// saveState writes the clear command to disk for crash recovery.
func saveState(path string, commands Commands) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(dnsState{Clear: commands.Clear, Link: commands.Link}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write state file: %w", err)
	}
	return nil
}

// removeState deletes the state file after a clean release.
func removeState(path string) {
	os.Remove(path)
}

// CleanupIfNeeded checks for a stale state file left by a crashed run and
// replays its clear command. It reports whether anything was cleaned up.
// Should be called on application startup.
func CleanupIfNeeded(ctx context.Context, runner Runner, path string, logger *zap.Logger) (bool, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read state file: %w", err)
	}

	var state dnsState
	if err := json.Unmarshal(data, &state); err != nil || len(state.Clear) == 0 {
		logger.Warn("discarding unreadable dns state file", zap.String("path", path))
		removeState(path)
		return false, nil
	}

	if state.Link != "" {
		exists, err := linkExists(state.Link)
		if err != nil {
			logger.Warn("failed to look up dns override link", zap.String("link", state.Link), zap.Error(err))
		} else if !exists {
			// The override went away with the link.
			logger.Info("dropping dns state for a link that no longer exists", zap.String("link", state.Link))
			removeState(path)
			return true, nil
		}
	}

	logger.Warn("restoring system dns left over from a previous run", zap.Strings("command", state.Clear))
	if err := execute(ctx, runner, state.Clear); err != nil {
		return false, err
	}

	removeState(path)
	return true, nil
}
