package roomstore

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/colloquy-dev/colloquy/pkg/discussion"
)

// turnLog is a cached append handle for one room's turns.log. Each append is
// one JSON line followed by a flush, so a line is durable once AppendTurn
// returns.
type turnLog struct {
	mu sync.Mutex
	f  *os.File
	w  *bufio.Writer
}

func (l *turnLog) append(t discussion.Turn) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("roomstore: marshal turn %d: %w", t.ID, err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.w.Write(data); err != nil {
		return fmt.Errorf("roomstore: write turn: %w", err)
	}
	if err := l.w.WriteByte('\n'); err != nil {
		return fmt.Errorf("roomstore: write turn: %w", err)
	}
	if err := l.w.Flush(); err != nil {
		return fmt.Errorf("roomstore: flush turn: %w", err)
	}
	return nil
}

func (l *turnLog) close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.w.Flush()
	return l.f.Close()
}

// AppendTurn appends one turn to the room's log. Implements
// discussion.TurnWriter.
func (s *Store) AppendTurn(roomID string, t discussion.Turn) error {
	l, err := s.log(roomID)
	if err != nil {
		return err
	}
	return l.append(t)
}

func (s *Store) log(roomID string) (*turnLog, error) {
	if err := validateID(roomID); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.logs[roomID]; ok {
		return l, nil
	}
	if _, err := os.Stat(s.roomDir(roomID)); os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, roomID)
	}
	f, err := os.OpenFile(s.turnsPath(roomID), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("roomstore: open turn log: %w", err)
	}
	l := &turnLog{f: f, w: bufio.NewWriter(f)}
	s.logs[roomID] = l
	return l, nil
}

// Turns loads the room's full turn history in log order. A trailing partial
// line (the footprint of a crash mid-write) is ignored; a corrupt line in
// the middle of the log is an error (see Repair).
func (s *Store) Turns(roomID string) ([]discussion.Turn, error) {
	if err := validateID(roomID); err != nil {
		return nil, err
	}
	if _, err := os.Stat(s.roomDir(roomID)); os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, roomID)
	}
	data, err := os.ReadFile(s.turnsPath(roomID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("roomstore: read turn log: %w", err)
	}

	lines := bytes.Split(data, []byte("\n"))
	var out []discussion.Turn
	for i, line := range lines {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		var t discussion.Turn
		if err := json.Unmarshal(line, &t); err != nil {
			if i >= len(lines)-2 {
				// Partial final line from an interrupted write.
				break
			}
			return nil, fmt.Errorf("roomstore: corrupt turn log %s line %d: %w", roomID, i+1, err)
		}
		out = append(out, t)
	}
	return out, nil
}

// NextTurnID returns the ID the next appended turn should get, continuing
// after whatever the log already holds. Used when resuming a room after a
// restart.
func (s *Store) NextTurnID(roomID string) (int64, error) {
	turns, err := s.Turns(roomID)
	if err != nil {
		return 0, err
	}
	if len(turns) == 0 {
		return 1, nil
	}
	return turns[len(turns)-1].ID + 1, nil
}

// Repair rewrites the room's turn log keeping only parseable lines with
// strictly increasing IDs. It returns how many lines were dropped.
func (s *Store) Repair(roomID string) (int, error) {
	if err := validateID(roomID); err != nil {
		return 0, err
	}
	if _, err := os.Stat(s.roomDir(roomID)); os.IsNotExist(err) {
		return 0, fmt.Errorf("%w: %s", ErrNotFound, roomID)
	}

	// Drop the cached handle so the rewrite is not racing buffered appends.
	s.mu.Lock()
	if l, ok := s.logs[roomID]; ok {
		l.close()
		delete(s.logs, roomID)
	}
	s.mu.Unlock()

	data, err := os.ReadFile(s.turnsPath(roomID))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("roomstore: read turn log: %w", err)
	}

	var buf bytes.Buffer
	dropped := 0
	var lastID int64
	for _, line := range bytes.Split(data, []byte("\n")) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		var t discussion.Turn
		if err := json.Unmarshal(line, &t); err != nil || t.ID <= lastID {
			dropped++
			continue
		}
		lastID = t.ID
		buf.Write(line)
		buf.WriteByte('\n')
	}
	if dropped == 0 {
		return 0, nil
	}

	tmp := s.turnsPath(roomID) + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0o644); err != nil {
		return 0, fmt.Errorf("roomstore: write repaired log: %w", err)
	}
	if err := os.Rename(tmp, s.turnsPath(roomID)); err != nil {
		return 0, fmt.Errorf("roomstore: rename repaired log: %w", err)
	}
	return dropped, nil
}
