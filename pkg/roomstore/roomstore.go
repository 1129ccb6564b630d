// Package roomstore persists rooms on disk. Each room is one directory:
//
//	<root>/<room_id>/manifest.json   room metadata and agent roster
//	<root>/<room_id>/turns.log       append-only JSONL turn log
//
// The manifest is rewritten atomically on every change; the turn log is only
// ever appended to. A turn is durable once its line hits the log, so a crash
// loses at most the writes still queued in the engine's persister.
package roomstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/colloquy-dev/colloquy/pkg/discussion"
)

var (
	ErrNotFound = errors.New("roomstore: room not found")
	ErrExists   = errors.New("roomstore: room already exists")
)

// Manifest is a room's stored metadata.
type Manifest struct {
	ID        string                 `json:"room_id"`
	Title     string                 `json:"title"`
	Topic     string                 `json:"topic,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
	UpdatedAt time.Time              `json:"updated_at"`
	Agents    []discussion.AgentSpec `json:"agents"`

	// Engine holds per-room overrides of the engine defaults.
	Engine *discussion.Config `json:"engine,omitempty"`
}

// Store is a directory of rooms. Safe for concurrent use; per-room append
// handles are cached so the hot path is one buffered write plus a flush.
type Store struct {
	root string

	mu   sync.Mutex
	logs map[string]*turnLog
}

// Open creates the root directory if needed and returns a Store.
func Open(root string) (*Store, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("roomstore: mkdir %s: %w", root, err)
	}
	return &Store{root: root, logs: map[string]*turnLog{}}, nil
}

// Root returns the store's root directory.
func (s *Store) Root() string { return s.root }

// Create writes a new room. A missing ID is generated; CreatedAt/UpdatedAt
// are stamped here.
func (s *Store) Create(m Manifest) (Manifest, error) {
	if m.ID == "" {
		m.ID = uuid.New().String()[:8]
	}
	if err := validateID(m.ID); err != nil {
		return Manifest{}, err
	}
	dir := s.roomDir(m.ID)
	if _, err := os.Stat(dir); err == nil {
		return Manifest{}, fmt.Errorf("%w: %s", ErrExists, m.ID)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Manifest{}, fmt.Errorf("roomstore: mkdir %s: %w", dir, err)
	}

	now := time.Now().UTC()
	m.CreatedAt = now
	m.UpdatedAt = now
	if err := s.writeManifest(m); err != nil {
		os.RemoveAll(dir)
		return Manifest{}, err
	}
	return m, nil
}

// Get loads a room's manifest.
func (s *Store) Get(roomID string) (Manifest, error) {
	if err := validateID(roomID); err != nil {
		return Manifest{}, err
	}
	data, err := os.ReadFile(s.manifestPath(roomID))
	if err != nil {
		if os.IsNotExist(err) {
			return Manifest{}, fmt.Errorf("%w: %s", ErrNotFound, roomID)
		}
		return Manifest{}, fmt.Errorf("roomstore: read manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("roomstore: parse manifest %s: %w", roomID, err)
	}
	return m, nil
}

// Update rewrites a room's manifest, refreshing UpdatedAt. The room must
// exist.
func (s *Store) Update(m Manifest) (Manifest, error) {
	existing, err := s.Get(m.ID)
	if err != nil {
		return Manifest{}, err
	}
	m.CreatedAt = existing.CreatedAt
	m.UpdatedAt = time.Now().UTC()
	if err := s.writeManifest(m); err != nil {
		return Manifest{}, err
	}
	return m, nil
}

// List returns every room's manifest, newest first.
func (s *Store) List() ([]Manifest, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("roomstore: read root: %w", err)
	}
	var out []Manifest
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		m, err := s.Get(e.Name())
		if err != nil {
			// A directory without a readable manifest is skipped, not fatal.
			continue
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// Delete removes the room and its turn log.
func (s *Store) Delete(roomID string) error {
	if err := validateID(roomID); err != nil {
		return err
	}
	if _, err := os.Stat(s.roomDir(roomID)); os.IsNotExist(err) {
		return fmt.Errorf("%w: %s", ErrNotFound, roomID)
	}

	s.mu.Lock()
	if l, ok := s.logs[roomID]; ok {
		l.close()
		delete(s.logs, roomID)
	}
	s.mu.Unlock()

	if err := os.RemoveAll(s.roomDir(roomID)); err != nil {
		return fmt.Errorf("roomstore: delete %s: %w", roomID, err)
	}
	return nil
}

// Close flushes and closes every cached append handle.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var first error
	for id, l := range s.logs {
		if err := l.close(); err != nil && first == nil {
			first = err
		}
		delete(s.logs, id)
	}
	return first
}

// ---------------------------------------------------------------------------
// Internals
// ---------------------------------------------------------------------------

func (s *Store) roomDir(roomID string) string {
	return filepath.Join(s.root, roomID)
}

func (s *Store) manifestPath(roomID string) string {
	return filepath.Join(s.roomDir(roomID), "manifest.json")
}

func (s *Store) turnsPath(roomID string) string {
	return filepath.Join(s.roomDir(roomID), "turns.log")
}

// writeManifest writes via a temp file plus rename so readers never observe
// a torn manifest.
func (s *Store) writeManifest(m Manifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("roomstore: marshal manifest: %w", err)
	}
	path := s.manifestPath(m.ID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("roomstore: write manifest: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("roomstore: rename manifest: %w", err)
	}
	return nil
}

// validateID rejects anything that could escape the store root.
func validateID(id string) error {
	if id == "" {
		return errors.New("roomstore: empty room id")
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '-' || r == '_':
		default:
			return fmt.Errorf("roomstore: invalid room id %q", id)
		}
	}
	return nil
}
