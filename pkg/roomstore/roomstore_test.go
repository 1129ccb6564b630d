package roomstore

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/colloquy-dev/colloquy/pkg/discussion"
)

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testManifest(id string) Manifest {
	return Manifest{
		ID:    id,
		Title: "Energy debate",
		Topic: "grid decarbonization",
		Agents: []discussion.AgentSpec{
			{ID: "alice", Name: "Alice", Role: "economist", Platform: "openai"},
			{ID: "bob", Name: "Bob", Role: "engineer", Platform: "anthropic"},
		},
	}
}

func testTurn(id int64, speaker, content string) discussion.Turn {
	return discussion.Turn{
		ID:          id,
		RoomID:      "r1",
		SpeakerID:   speaker,
		SpeakerName: speaker,
		Content:     content,
		Timestamp:   time.Now().UTC(),
	}
}

// ---------------------------------------------------------------------------
// Manifest lifecycle
// ---------------------------------------------------------------------------

func TestCreateGetDelete(t *testing.T) {
	s := testStore(t)

	m, err := s.Create(testManifest("r1"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if m.CreatedAt.IsZero() || m.UpdatedAt.IsZero() {
		t.Errorf("timestamps not stamped: %+v", m)
	}

	got, err := s.Get("r1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Title != m.Title || len(got.Agents) != 2 {
		t.Errorf("loaded manifest = %+v", got)
	}

	if _, err := s.Create(testManifest("r1")); err == nil {
		t.Errorf("duplicate create should fail")
	}

	if err := s.Delete("r1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.Get("r1"); err == nil {
		t.Errorf("get after delete should fail")
	}
}

func TestCreateGeneratesID(t *testing.T) {
	s := testStore(t)
	m := testManifest("")
	created, err := s.Create(m)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.ID == "" {
		t.Fatal("no id generated")
	}
}

func TestInvalidRoomIDRejected(t *testing.T) {
	s := testStore(t)
	for _, id := range []string{"../escape", "a/b", "room id", "."} {
		if _, err := s.Create(testManifest(id)); err == nil {
			t.Errorf("id %q should be rejected", id)
		}
	}
}

func TestListNewestFirst(t *testing.T) {
	s := testStore(t)
	for _, id := range []string{"old", "newer"} {
		if _, err := s.Create(testManifest(id)); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
		time.Sleep(5 * time.Millisecond)
	}
	list, err := s.List()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 || list[0].ID != "newer" {
		t.Fatalf("list order = %+v", list)
	}
}

// ---------------------------------------------------------------------------
// Turn log
// ---------------------------------------------------------------------------

func TestAppendAndLoadTurns(t *testing.T) {
	s := testStore(t)
	if _, err := s.Create(testManifest("r1")); err != nil {
		t.Fatalf("create: %v", err)
	}

	turns := []discussion.Turn{
		testTurn(1, "user", "what is the plan"),
		testTurn(2, "alice", "first we measure the baseline"),
		testTurn(3, "bob", "then we pick the cheapest lever"),
	}
	for _, turn := range turns {
		if err := s.AppendTurn("r1", turn); err != nil {
			t.Fatalf("append %d: %v", turn.ID, err)
		}
	}

	got, err := s.Turns("r1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("loaded %d turns, want 3", len(got))
	}
	for i, turn := range got {
		if turn.ID != turns[i].ID || turn.Content != turns[i].Content {
			t.Errorf("turn %d = %+v, want %+v", i, turn, turns[i])
		}
	}

	next, err := s.NextTurnID("r1")
	if err != nil {
		t.Fatalf("next id: %v", err)
	}
	if next != 4 {
		t.Errorf("next id = %d, want 4", next)
	}
}

func TestPartialTrailingLineIgnored(t *testing.T) {
	s := testStore(t)
	if _, err := s.Create(testManifest("r1")); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.AppendTurn("r1", testTurn(1, "user", "hello")); err != nil {
		t.Fatalf("append: %v", err)
	}
	s.Close()

	// Simulate a crash mid-write: a truncated JSON line at the tail.
	path := filepath.Join(s.Root(), "r1", "turns.log")
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	f.WriteString(`{"turn_id":2,"speaker_id":"ali`)
	f.Close()

	s2, err := Open(s.Root())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()

	turns, err := s2.Turns("r1")
	if err != nil {
		t.Fatalf("load with partial tail: %v", err)
	}
	if len(turns) != 1 || turns[0].ID != 1 {
		t.Fatalf("turns = %+v, want just turn 1", turns)
	}
	next, err := s2.NextTurnID("r1")
	if err != nil || next != 2 {
		t.Fatalf("next id = %d (%v), want 2", next, err)
	}
}

func TestRepairDropsCorruptLines(t *testing.T) {
	s := testStore(t)
	if _, err := s.Create(testManifest("r1")); err != nil {
		t.Fatalf("create: %v", err)
	}
	for i := int64(1); i <= 3; i++ {
		if err := s.AppendTurn("r1", testTurn(i, "alice", "turn")); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	s.Close()

	// Corrupt the middle of the file.
	path := filepath.Join(s.Root(), "r1", "turns.log")
	data, _ := os.ReadFile(path)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	lines[1] = "not json at all"
	os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644)

	s2, err := Open(s.Root())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()

	if _, err := s2.Turns("r1"); err == nil {
		t.Fatal("corrupt middle line should fail the load")
	}

	dropped, err := s2.Repair("r1")
	if err != nil {
		t.Fatalf("repair: %v", err)
	}
	if dropped != 1 {
		t.Errorf("dropped = %d, want 1", dropped)
	}
	turns, err := s2.Turns("r1")
	if err != nil {
		t.Fatalf("load after repair: %v", err)
	}
	if len(turns) != 2 || turns[0].ID != 1 || turns[1].ID != 3 {
		t.Fatalf("turns after repair = %+v", turns)
	}
}

// ---------------------------------------------------------------------------
// Export
// ---------------------------------------------------------------------------

func TestExportMarkdown(t *testing.T) {
	s := testStore(t)
	if _, err := s.Create(testManifest("r1")); err != nil {
		t.Fatalf("create: %v", err)
	}
	s.AppendTurn("r1", testTurn(1, "user", "opening question"))
	s.AppendTurn("r1", testTurn(2, "alice", "a first answer"))

	data, err := s.Export("r1", ExportMarkdown)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	out := string(data)
	for _, want := range []string{"# Energy debate", "Alice", "opening question", "a first answer"} {
		if !strings.Contains(out, want) {
			t.Errorf("markdown missing %q", want)
		}
	}
}

func TestExportJSON(t *testing.T) {
	s := testStore(t)
	if _, err := s.Create(testManifest("r1")); err != nil {
		t.Fatalf("create: %v", err)
	}
	s.AppendTurn("r1", testTurn(1, "user", "only turn"))

	data, err := s.Export("r1", ExportJSON)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if !strings.Contains(string(data), `"only turn"`) {
		t.Errorf("json export missing turn content")
	}

	if _, err := s.Export("r1", ExportFormat("xml")); err == nil {
		t.Errorf("unknown format should fail")
	}
}
