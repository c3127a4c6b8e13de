package storage

import (
	"sync"

	"github.com/meetsang/spx-bot/internal/models"
)

// MockStorage is an in-memory Interface implementation for tests. Errors can
// be injected per method to exercise failure handling.
type MockStorage struct {
	mu        sync.Mutex
	state     *models.StrategyState
	LoadErr   error
	SaveErr   error
	SaveCalls int
}

// NewMockStorage returns an empty in-memory store.
func NewMockStorage() *MockStorage {
	return &MockStorage{}
}

var _ Interface = (*MockStorage)(nil)

// Load returns the last saved state, or a fresh default when nothing has been
// saved, matching JSONStorage's first-run behavior.
func (m *MockStorage) Load() (*models.StrategyState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.LoadErr != nil {
		return nil, m.LoadErr
	}
	if m.state == nil {
		return models.NewStrategyState(), nil
	}
	return m.state, nil
}

// Save retains the state in memory and counts the call.
func (m *MockStorage) Save(state *models.StrategyState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.SaveCalls++
	if m.SaveErr != nil {
		return m.SaveErr
	}
	m.state = state
	return nil
}

// Path identifies the mock in log output.
func (m *MockStorage) Path() string {
	return "mock://state.json"
}
