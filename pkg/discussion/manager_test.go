package discussion

import (
	"context"
	"testing"
	"time"

	"github.com/colloquy-dev/colloquy/pkg/backend"
	"github.com/colloquy-dev/colloquy/pkg/backend/script"
)

func managerOptions(roomID string) ControllerOptions {
	cfg := testConfig()
	cfg.MaxTurns = 50
	return ControllerOptions{
		RoomID: roomID,
		Participants: []AgentSpec{
			{ID: "alice", Name: "Alice"},
			{ID: "bob", Name: "Bob"},
		},
		Backends: map[string]backend.Backend{
			"alice": script.New("alice", script.Step{Text: "alice weighs in on the question"}),
			"bob":   script.New("bob", script.Step{Text: "bob offers an alternative view"}),
		},
		Config: cfg,
	}
}

func TestManagerRejectsSecondSession(t *testing.T) {
	m := NewManager(nil)
	ctrl, err := m.Start(managerOptions("r1"), "begin")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	go drainEvents(ctrl)

	if _, err := m.Start(managerOptions("r1"), "again"); err != ErrAlreadyActive {
		t.Fatalf("second start err = %v, want ErrAlreadyActive", err)
	}

	if err := m.Stop(context.Background(), "r1"); err != nil {
		t.Fatalf("stop: %v", err)
	}
	<-ctrl.Done()

	// After the session ended the room can host a new one.
	ctrl2, err := m.Start(managerOptions("r1"), "fresh session")
	if err != nil {
		t.Fatalf("restart: %v", err)
	}
	go drainEvents(ctrl2)
	if err := m.Stop(context.Background(), "r1"); err != nil {
		t.Fatalf("stop second: %v", err)
	}
	<-ctrl2.Done()
}

func TestManagerRoomsAreIsolated(t *testing.T) {
	m := NewManager(nil)
	c1, err := m.Start(managerOptions("r1"), "room one topic")
	if err != nil {
		t.Fatalf("start r1: %v", err)
	}
	go drainEvents(c1)
	c2, err := m.Start(managerOptions("r2"), "room two topic")
	if err != nil {
		t.Fatalf("start r2: %v", err)
	}
	go drainEvents(c2)

	if err := m.Stop(context.Background(), "r1"); err != nil {
		t.Fatalf("stop r1: %v", err)
	}
	<-c1.Done()

	if _, err := m.Active("r2"); err != nil {
		t.Errorf("r2 should still be live: %v", err)
	}
	if _, err := m.Active("r1"); err != ErrNotActive {
		t.Errorf("r1 active err = %v, want ErrNotActive", err)
	}

	if err := m.Stop(context.Background(), "r2"); err != nil {
		t.Fatalf("stop r2: %v", err)
	}
	<-c2.Done()
}

func TestManagerShutdownStopsEverything(t *testing.T) {
	m := NewManager(nil)
	var ctrls []*Controller
	for _, id := range []string{"r1", "r2", "r3"} {
		c, err := m.Start(managerOptions(id), "topic for "+id)
		if err != nil {
			t.Fatalf("start %s: %v", id, err)
		}
		go drainEvents(c)
		ctrls = append(ctrls, c)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	for _, c := range ctrls {
		select {
		case <-c.Done():
		default:
			t.Errorf("room %s still running after shutdown", c.Status().RoomID)
		}
	}
	if got := len(m.AllStatus()); got != 0 {
		t.Errorf("registry still holds %d sessions", got)
	}
}
