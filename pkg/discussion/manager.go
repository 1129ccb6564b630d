package discussion

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Manager errors.
var (
	ErrAlreadyActive = errors.New("discussion: room already has an active session")
	ErrNotActive     = errors.New("discussion: room has no active session")
)

// Manager owns the set of live controllers, at most one per room. Rooms are
// fully isolated: one room stopping, failing, or lagging never affects
// another.
type Manager struct {
	logger *zap.Logger

	mu    sync.RWMutex
	rooms map[string]*Controller
}

// NewManager creates an empty Manager.
func NewManager(logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		logger: logger,
		rooms:  map[string]*Controller{},
	}
}

// Start creates and starts a controller for the room. It fails with
// ErrAlreadyActive when a live session exists; a stopped controller is
// swapped out transparently.
func (m *Manager) Start(opts ControllerOptions, initialInput string) (*Controller, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.rooms[opts.RoomID]; ok {
		select {
		case <-existing.Done():
			delete(m.rooms, opts.RoomID)
		default:
			return nil, ErrAlreadyActive
		}
	}

	if opts.Logger == nil {
		opts.Logger = m.logger
	}
	c := NewController(opts)
	if err := c.Start(initialInput); err != nil {
		return nil, fmt.Errorf("start room %s: %w", opts.RoomID, err)
	}
	m.rooms[opts.RoomID] = c

	m.logger.Info("session started",
		zap.String("room_id", opts.RoomID),
		zap.String("session_id", c.SessionID()))
	return c, nil
}

// Get returns the room's controller whether or not it is still live.
func (m *Manager) Get(roomID string) (*Controller, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.rooms[roomID]
	return c, ok
}

// Active returns the room's controller only if its session has not ended.
func (m *Manager) Active(roomID string) (*Controller, error) {
	c, ok := m.Get(roomID)
	if !ok {
		return nil, ErrNotActive
	}
	select {
	case <-c.Done():
		return nil, ErrNotActive
	default:
		return c, nil
	}
}

// Status reports the room's session status.
func (m *Manager) Status(roomID string) (Status, error) {
	c, ok := m.Get(roomID)
	if !ok {
		return Status{}, ErrNotActive
	}
	return c.Status(), nil
}

// AllStatus reports every registered session, live or ended.
func (m *Manager) AllStatus() []Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Status, 0, len(m.rooms))
	for _, c := range m.rooms {
		out = append(out, c.Status())
	}
	return out
}

// Stop ends the room's session and removes it from the registry.
func (m *Manager) Stop(ctx context.Context, roomID string) error {
	c, ok := m.Get(roomID)
	if !ok {
		return ErrNotActive
	}
	err := c.Stop(ctx)

	m.mu.Lock()
	if m.rooms[roomID] == c {
		delete(m.rooms, roomID)
	}
	m.mu.Unlock()
	return err
}

// Shutdown stops every live session concurrently and waits for all of them
// within the context deadline.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	controllers := make([]*Controller, 0, len(m.rooms))
	for _, c := range m.rooms {
		controllers = append(controllers, c)
	}
	m.rooms = map[string]*Controller{}
	m.mu.Unlock()

	var g errgroup.Group
	for _, c := range controllers {
		g.Go(func() error {
			if err := c.Stop(ctx); err != nil {
				return err
			}
			select {
			case <-c.Done():
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
	}
	return g.Wait()
}
