package saga

import (
	"context"
	"fmt"
	"sync"

	"github.com/meridianpay/meridian/internal/messaging"
	apperrors "github.com/meridianpay/meridian/internal/platform/errors"
)

var (
	// ErrNotFound indicates no saga exists for the correlation id.
	ErrNotFound = apperrors.New(apperrors.CodeSagaNotFound, "saga not found")
	// ErrVersionConflict indicates the conditional write lost a race; the
	// caller must reload and re-handle.
	ErrVersionConflict = apperrors.New(apperrors.CodeVersionConflict, "saga version conflict")
)

// Store persists saga state with compare-and-swap semantics. Save commits the
// state change, the handled event id, and the follow-up commands in one
// transaction so a crash never splits a transition from its commands.
type Store interface {
	// Get returns the saga for the correlation id, or ErrNotFound.
	Get(ctx context.Context, sagaID string) (State, error)
	// Save writes state conditioned on expectedVersion (0 creates). It
	// records handledEventID for dedupe and enqueues commands for dispatch.
	// Returns ErrVersionConflict when expectedVersion is stale.
	Save(ctx context.Context, state State, expectedVersion uint64, handledEventID string, commands []messaging.Message) error
	// Handled reports whether the event id was already applied to the saga.
	Handled(ctx context.Context, sagaID, eventID string) (bool, error)
}

// Enqueuer accepts the follow-up commands a saga transition produces.
type Enqueuer func(ctx context.Context, commands []messaging.Message) error

// Memory is an in-process saga store for tests and the demo entrypoint.
type Memory struct {
	mu      sync.Mutex
	states  map[string]State
	handled map[string]map[string]bool
	enqueue Enqueuer
}

// NewMemory returns a saga store delivering follow-up commands to enqueue.
func NewMemory(enqueue Enqueuer) *Memory {
	return &Memory{
		states:  make(map[string]State),
		handled: make(map[string]map[string]bool),
		enqueue: enqueue,
	}
}

// Get returns the saga for the correlation id.
func (m *Memory) Get(_ context.Context, sagaID string) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.states[sagaID]
	if !ok {
		return State{}, fmt.Errorf("saga %s: %w", sagaID, ErrNotFound)
	}
	return state, nil
}

// Save writes the saga conditioned on the expected version.
func (m *Memory) Save(ctx context.Context, state State, expectedVersion uint64, handledEventID string, commands []messaging.Message) error {
	m.mu.Lock()
	current, exists := m.states[state.ID]
	if exists && current.Version != expectedVersion {
		m.mu.Unlock()
		return fmt.Errorf("saga %s at version %d, expected %d: %w", state.ID, current.Version, expectedVersion, ErrVersionConflict)
	}
	if !exists && expectedVersion != 0 {
		m.mu.Unlock()
		return fmt.Errorf("saga %s does not exist at version %d: %w", state.ID, expectedVersion, ErrVersionConflict)
	}
	state.Version = expectedVersion + 1
	m.states[state.ID] = state
	if handledEventID != "" {
		if m.handled[state.ID] == nil {
			m.handled[state.ID] = make(map[string]bool)
		}
		m.handled[state.ID][handledEventID] = true
	}
	m.mu.Unlock()

	if len(commands) == 0 || m.enqueue == nil {
		return nil
	}
	return m.enqueue(ctx, commands)
}

// Handled reports whether the event id was already applied.
func (m *Memory) Handled(_ context.Context, sagaID, eventID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.handled[sagaID][eventID], nil
}
