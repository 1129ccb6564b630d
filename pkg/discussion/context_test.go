package discussion

import (
	"testing"
)

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func twoAgents() []AgentSpec {
	return []AgentSpec{
		{ID: "alice", Name: "Alice", Role: "economist"},
		{ID: "bob", Name: "Bob", Role: "engineer"},
	}
}

func mustAppend(t *testing.T, c *Context, speakerID, content string) Turn {
	t.Helper()
	turn, err := c.Append(Turn{SpeakerID: speakerID, SpeakerName: speakerID, Content: content})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	return turn
}

// ---------------------------------------------------------------------------
// Append and ordering
// ---------------------------------------------------------------------------

func TestAppendAssignsMonotonicIDs(t *testing.T) {
	c := NewContext("r1", twoAgents(), nil)

	t1 := mustAppend(t, c, UserSpeakerID, "kick off")
	t2 := mustAppend(t, c, "alice", "first point")
	t3 := mustAppend(t, c, "bob", "second point")

	if t1.ID != 1 || t2.ID != 2 || t3.ID != 3 {
		t.Fatalf("ids = %d,%d,%d, want 1,2,3", t1.ID, t2.ID, t3.ID)
	}
	if t2.Timestamp.Before(t1.Timestamp) || t3.Timestamp.Before(t2.Timestamp) {
		t.Errorf("timestamps must be non-decreasing")
	}
	if t1.RoomID != "r1" {
		t.Errorf("room id not stamped: %q", t1.RoomID)
	}
}

func TestRoundResetsOnUserTurn(t *testing.T) {
	c := NewContext("r1", twoAgents(), nil)

	mustAppend(t, c, UserSpeakerID, "topic")
	mustAppend(t, c, "alice", "a")
	mustAppend(t, c, "bob", "b")
	if got := c.Snapshot().Round; got != 2 {
		t.Fatalf("round = %d, want 2", got)
	}

	mustAppend(t, c, UserSpeakerID, "new direction")
	if got := c.Snapshot().Round; got != 0 {
		t.Fatalf("round after user turn = %d, want 0", got)
	}
}

func TestPreloadContinuesIDs(t *testing.T) {
	preload := []Turn{
		{ID: 1, SpeakerID: UserSpeakerID, Content: "old"},
		{ID: 2, SpeakerID: "alice", Content: "older point"},
	}
	c := NewContext("r1", twoAgents(), preload)

	turn := mustAppend(t, c, "bob", "fresh")
	if turn.ID != 3 {
		t.Fatalf("id after preload = %d, want 3", turn.ID)
	}
	if got := c.Snapshot().TotalTurns; got != 3 {
		t.Fatalf("total turns = %d, want 3", got)
	}
}

// ---------------------------------------------------------------------------
// Phase machine
// ---------------------------------------------------------------------------

func TestPhaseTransitions(t *testing.T) {
	c := NewContext("r1", twoAgents(), nil)

	steps := []Phase{PhaseRunning, PhasePaused, PhaseRunning, PhaseStopping, PhaseStopped}
	for _, p := range steps {
		if err := c.setPhase(p); err != nil {
			t.Fatalf("transition to %s: %v", p, err)
		}
	}
	if c.Phase() != PhaseStopped {
		t.Fatalf("phase = %s, want stopped", c.Phase())
	}
}

func TestIllegalPhaseTransitions(t *testing.T) {
	cases := []struct {
		from, to Phase
	}{
		{PhaseIdle, PhasePaused},
		{PhaseIdle, PhaseStopped},
		{PhaseRunning, PhaseStopped},
		{PhaseStopping, PhaseRunning},
		{PhaseStopped, PhaseRunning},
	}
	for _, tc := range cases {
		c := NewContext("r1", nil, nil)
		c.phase = tc.from
		if err := c.setPhase(tc.to); err == nil {
			t.Errorf("%s → %s should be rejected", tc.from, tc.to)
		}
	}
}

// ---------------------------------------------------------------------------
// Derived statistics
// ---------------------------------------------------------------------------

func TestParticipationStats(t *testing.T) {
	c := NewContext("r1", twoAgents(), nil)
	mustAppend(t, c, UserSpeakerID, "go")
	mustAppend(t, c, "alice", "one")
	mustAppend(t, c, "alice", "two")
	mustAppend(t, c, "bob", "three")

	stats := c.Snapshot().ParticipationStats(4)
	if got := stats["alice"]; got != 0.5 {
		t.Errorf("alice participation = %v, want 0.5", got)
	}
	if got := stats["bob"]; got != 0.25 {
		t.Errorf("bob participation = %v, want 0.25", got)
	}
}

func TestAgentTurnCountExcludesUser(t *testing.T) {
	c := NewContext("r1", twoAgents(), nil)
	mustAppend(t, c, UserSpeakerID, "go")
	mustAppend(t, c, "alice", "one")
	mustAppend(t, c, UserSpeakerID, "more")
	mustAppend(t, c, "bob", "two")

	if got := c.Snapshot().AgentTurnCount(); got != 2 {
		t.Fatalf("agent turns = %d, want 2", got)
	}
}

func TestSpeakerEntropy(t *testing.T) {
	c := NewContext("r1", twoAgents(), nil)
	mustAppend(t, c, "alice", "only voice here")
	mustAppend(t, c, "alice", "still only voice")
	if got := c.Snapshot().SpeakerEntropy(10); got != 0 {
		t.Errorf("single speaker entropy = %v, want 0", got)
	}

	mustAppend(t, c, "bob", "now two voices")
	mustAppend(t, c, "bob", "evenly split")
	if got := c.Snapshot().SpeakerEntropy(10); got < 0.9 {
		t.Errorf("even split entropy = %v, want near 1", got)
	}
}
