// Package storage persists strategy state as a JSON snapshot on disk.
//
// The snapshot file is the sole shared resource between the live process and
// any external reader, so every save writes a temp file and renames it over
// the previous snapshot. A missing file is the normal first-run condition; a
// corrupt file is logged and replaced by a fresh state rather than halting
// the process.
package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"

	"github.com/meetsang/spx-bot/internal/models"
)

// JSONStorage implements Interface over a single JSON snapshot file.
type JSONStorage struct {
	mu     sync.Mutex
	path   string
	logger *log.Logger
}

// NewJSONStorage creates a JSON-backed store at path, creating the parent
// directory if needed. A nil logger discards diagnostics.
func NewJSONStorage(path string, logger *log.Logger) (*JSONStorage, error) {
	if path == "" {
		return nil, errors.New("storage: empty snapshot path")
	}
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("storage: creating snapshot dir: %w", err)
		}
	}
	return &JSONStorage{path: path, logger: logger}, nil
}

// Path returns the snapshot file location.
func (j *JSONStorage) Path() string {
	return j.path
}

// Load reads and reconstructs the last snapshot. First run (no file) and a
// corrupt snapshot both produce a fresh default state; only an I/O failure on
// an existing file is an error.
func (j *JSONStorage) Load() (*models.StrategyState, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	data, err := os.ReadFile(j.path)
	if errors.Is(err, os.ErrNotExist) {
		j.logger.Printf("storage: no snapshot at %s, starting fresh", j.path)
		return models.NewStrategyState(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("storage: reading snapshot: %w", err)
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		j.logger.Printf("storage: snapshot %s is corrupt, starting fresh: %v", j.path, err)
		return models.NewStrategyState(), nil
	}
	state, err := snap.restore(j.logger)
	if err != nil {
		j.logger.Printf("storage: snapshot %s failed to restore, starting fresh: %v", j.path, err)
		return models.NewStrategyState(), nil
	}
	return state, nil
}

// Save writes the state atomically: marshal, write a sibling temp file, then
// rename over the snapshot. On any failure the previous snapshot is left in
// place and the in-memory state is untouched.
func (j *JSONStorage) Save(state *models.StrategyState) error {
	if state == nil {
		return errors.New("storage: nil state")
	}
	j.mu.Lock()
	defer j.mu.Unlock()

	data, err := json.MarshalIndent(newSnapshot(state), "", "  ")
	if err != nil {
		return fmt.Errorf("storage: encoding snapshot: %w", err)
	}

	tmp := j.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("storage: writing temp snapshot: %w", err)
	}
	if err := os.Rename(tmp, j.path); err != nil {
		// Best effort; the stale temp file is harmless and overwritten next save.
		_ = os.Remove(tmp)
		return fmt.Errorf("storage: replacing snapshot: %w", err)
	}
	return nil
}
