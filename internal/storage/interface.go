package storage

import (
	"log"

	"github.com/meetsang/spx-bot/internal/models"
)

// Interface defines the contract for strategy state persistence.
//
// Implementations must be safe for concurrent use - callers can assume all
// methods are goroutine-safe and can safely call these methods from multiple
// goroutines (the trading cycle saves while the dashboard reads).
//
// The provided JSONStorage implementation uses sync.Mutex to serialize access
// and writes snapshots with a temp-file + rename so an external reader never
// observes a partially written file.
type Interface interface {
	// Load reconstructs the last persisted StrategyState. A missing snapshot
	// file is the expected first-run condition and yields a fresh default
	// state, not an error. A corrupt snapshot is logged and likewise yields a
	// fresh default state.
	Load() (*models.StrategyState, error)

	// Save persists the state atomically. On failure the in-memory state is
	// untouched and the caller may retry on the next cycle.
	Save(state *models.StrategyState) error

	// Path returns the snapshot file location.
	Path() string
}

// NewStorage creates a new storage implementation (currently JSON-based).
// In the future, this can be extended to support different storage backends.
func NewStorage(filepath string, logger *log.Logger) (Interface, error) {
	return NewJSONStorage(filepath, logger)
}

// Ensure JSONStorage implements Interface
var _ Interface = (*JSONStorage)(nil)
