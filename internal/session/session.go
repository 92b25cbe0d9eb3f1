// Package session holds the single active workspace scope for the process and
// broadcasts activation changes to subscribers.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/AlexMercedCoder/mylocalnotes/internal/vault"
	"go.uber.org/zap"
)

const defaultBufferSize = 16

var (
	// ErrUnauthenticated indicates that no workspace is active.
	ErrUnauthenticated = errors.New("session: not authenticated")
	// ErrSessionChanged indicates that the scope captured by an operation is no longer active.
	ErrSessionChanged = errors.New("session: active workspace changed")
	// ErrInvalidScope indicates an activation with a malformed workspace id or an empty key.
	ErrInvalidScope = errors.New("session: invalid scope")
)

// EventType enumerates session transitions.
type EventType string

const (
	// EventActivated is emitted after a workspace becomes active.
	EventActivated EventType = "activated"
	// EventDeactivated is emitted after the active workspace is cleared.
	EventDeactivated EventType = "deactivated"
)

// Scope is the value captured by every repository operation.
type Scope struct {
	WorkspaceID string
	Key         vault.Key
	Generation  uint64
}

// Event is a snapshot of session state after a transition. It never carries the key.
type Event struct {
	Type        EventType
	WorkspaceID string
	Generation  uint64
	Timestamp   time.Time
}

// ManagerConfig describes optional dependencies for a Manager.
type ManagerConfig struct {
	Clock      func() time.Time
	BufferSize int
	Logger     *zap.Logger
}

// Manager owns the active scope slot.
type Manager struct {
	mu          sync.RWMutex
	active      *Scope
	generation  uint64
	subscribers map[int64]chan Event
	nextID      int64
	bufferSize  int
	clock       func() time.Time
	logger      *zap.Logger
}

// NewManager constructs an inactive Manager.
func NewManager(cfg ManagerConfig) *Manager {
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	bufferSize := cfg.BufferSize
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		subscribers: make(map[int64]chan Event),
		bufferSize:  bufferSize,
		clock:       clock,
		logger:      logger,
	}
}

// Activate replaces the active scope and returns the new one.
func (m *Manager) Activate(workspaceID string, key vault.Key) (Scope, error) {
	if !vault.IsWorkspaceID(workspaceID) {
		return Scope{}, fmt.Errorf("%w: malformed workspace id", ErrInvalidScope)
	}
	if key.IsZero() {
		return Scope{}, fmt.Errorf("%w: %v", ErrInvalidScope, vault.ErrNoActiveKey)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.generation++
	scope := Scope{WorkspaceID: workspaceID, Key: key, Generation: m.generation}
	m.active = &scope
	m.publishLocked(Event{
		Type:        EventActivated,
		WorkspaceID: workspaceID,
		Generation:  scope.Generation,
		Timestamp:   m.clock().UTC(),
	})
	m.logger.Info("workspace activated",
		zap.String("workspace_id", workspaceID),
		zap.Uint64("generation", scope.Generation))
	return scope, nil
}

// Deactivate clears the active scope. It is a no-op when nothing is active.
func (m *Manager) Deactivate() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active == nil {
		return
	}
	workspaceID := m.active.WorkspaceID
	m.active = nil
	m.generation++
	m.publishLocked(Event{
		Type:        EventDeactivated,
		WorkspaceID: workspaceID,
		Generation:  m.generation,
		Timestamp:   m.clock().UTC(),
	})
	m.logger.Info("workspace deactivated", zap.String("workspace_id", workspaceID))
}

// Current returns a copy of the active scope.
func (m *Manager) Current() (Scope, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.active == nil {
		return Scope{}, ErrUnauthenticated
	}
	return *m.active, nil
}

// Validate reports whether a previously captured scope is still the active one.
func (m *Manager) Validate(scope Scope) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.active == nil {
		return ErrUnauthenticated
	}
	if m.active.Generation != scope.Generation || m.active.WorkspaceID != scope.WorkspaceID {
		return ErrSessionChanged
	}
	return nil
}

// Subscribe streams session events until ctx ends or the returned cleanup runs.
// Slow subscribers miss events rather than block transitions.
func (m *Manager) Subscribe(ctx context.Context) (<-chan Event, func()) {
	m.mu.Lock()
	m.nextID++
	id := m.nextID
	stream := make(chan Event, m.bufferSize)
	m.subscribers[id] = stream
	m.mu.Unlock()

	var once sync.Once
	release := func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subscribers, id)
			m.mu.Unlock()
			close(stream)
		})
	}
	stop := context.AfterFunc(ctx, release)
	return stream, func() {
		stop()
		release()
	}
}

func (m *Manager) publishLocked(event Event) {
	for _, stream := range m.subscribers {
		select {
		case stream <- event:
		default:
		}
	}
}
