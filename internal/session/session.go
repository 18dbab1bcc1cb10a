package session

import (
	"context"
	"sync"
	"time"

	"github.com/hray3182/loopmatic/internal/models"
)

// Step is where a user is in the add-item dialogue.
type Step string

const (
	StepText Step = "text"
	StepTime Step = "time"
	StepRule Step = "rule"
)

// State is the pending input of one user. It is only handed to the service
// once complete and validated.
type State struct {
	Step    Step         `json:"step"`
	IsHabit bool         `json:"is_habit"`
	Text    string       `json:"text,omitempty"`
	Clock   models.Clock `json:"clock"`
}

type Store interface {
	Get(ctx context.Context, userID int64) (*State, bool, error)
	Set(ctx context.Context, userID int64, st State) error
	Clear(ctx context.Context, userID int64) error
}

type entry struct {
	state   State
	expires time.Time
}

// MemoryStore keeps sessions in process, each expiring after ttl.
type MemoryStore struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	entries map[int64]entry
}

func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return &MemoryStore{
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[int64]entry),
	}
}

func (m *MemoryStore) Get(_ context.Context, userID int64) (*State, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[userID]
	if !ok {
		return nil, false, nil
	}
	if m.ttl > 0 && m.now().After(e.expires) {
		delete(m.entries, userID)
		return nil, false, nil
	}
	st := e.state
	return &st, true, nil
}

// Set also drops every expired entry, so abandoned dialogues do not pile up.
func (m *MemoryStore) Set(_ context.Context, userID int64, st State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if m.ttl > 0 {
		for id, e := range m.entries {
			if now.After(e.expires) {
				delete(m.entries, id)
			}
		}
	}
	m.entries[userID] = entry{state: st, expires: now.Add(m.ttl)}
	return nil
}

func (m *MemoryStore) Clear(_ context.Context, userID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, userID)
	return nil
}
