package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/colloquy-dev/colloquy/pkg/config"
	"github.com/colloquy-dev/colloquy/pkg/discussion"
	"github.com/colloquy-dev/colloquy/pkg/hub"
	"github.com/colloquy-dev/colloquy/pkg/roomstore"
)

func testTurnRec(id int64, speaker, content string) discussion.Turn {
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
// Harness
// ---------------------------------------------------------------------------

func testService(t *testing.T) (*Service, *httptest.Server) {
	t.Helper()
	dir := t.TempDir()
	store, err := roomstore.Open(dir + "/rooms")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	cfg := config.Default()
	cfg.Platforms["main"] = config.PlatformConfig{
		Provider: "openai",
		BaseURL:  "http://127.0.0.1:1", // never dialed by these tests
		APIKey:   "sk-test",
		Model:    "gpt-test",
	}
	svc := New(dir+"/colloquy.yaml", cfg, store, nil)
	srv := httptest.NewServer(svc.Handler())
	t.Cleanup(srv.Close)
	return svc, srv
}

func doJSON(t *testing.T, method, url string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}
	req, err := http.NewRequest(method, url, &buf)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode(t *testing.T, resp *http.Response, dst any) {
	t.Helper()
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		t.Fatalf("decode: %v", err)
	}
}

func createRoom(t *testing.T, srv *httptest.Server, id string) roomstore.Manifest {
	t.Helper()
	resp := doJSON(t, http.MethodPost, srv.URL+"/api/rooms", map[string]any{
		"room_id": id,
		"title":   "Test room",
		"agents": []map[string]string{
			{"agent_id": "alice", "display_name": "Alice", "platform": "main"},
			{"agent_id": "bob", "display_name": "Bob", "platform": "main"},
		},
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d", resp.StatusCode)
	}
	var m roomstore.Manifest
	decode(t, resp, &m)
	return m
}

// ---------------------------------------------------------------------------
// Rooms API
// ---------------------------------------------------------------------------

func TestRoomLifecycle(t *testing.T) {
	_, srv := testService(t)

	m := createRoom(t, srv, "r1")
	if m.ID != "r1" || len(m.Agents) != 2 {
		t.Fatalf("created = %+v", m)
	}

	resp := doJSON(t, http.MethodGet, srv.URL+"/api/rooms", nil)
	var list struct {
		Rooms []struct {
			RoomID string `json:"room_id"`
			Phase  string `json:"phase"`
		} `json:"rooms"`
	}
	decode(t, resp, &list)
	if len(list.Rooms) != 1 || list.Rooms[0].RoomID != "r1" || list.Rooms[0].Phase != "idle" {
		t.Fatalf("list = %+v", list)
	}

	resp = doJSON(t, http.MethodGet, srv.URL+"/api/rooms/r1/agents", nil)
	var agents struct {
		Agents []struct {
			AgentID string `json:"agent_id"`
		} `json:"agents"`
	}
	decode(t, resp, &agents)
	if len(agents.Agents) != 2 {
		t.Fatalf("agents = %+v", agents)
	}

	resp = doJSON(t, http.MethodDelete, srv.URL+"/api/rooms/r1", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delete status = %d", resp.StatusCode)
	}
	resp = doJSON(t, http.MethodGet, srv.URL+"/api/rooms/r1/agents", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status after delete = %d, want 404", resp.StatusCode)
	}
}

func TestCreateRoomValidation(t *testing.T) {
	_, srv := testService(t)

	cases := []map[string]any{
		{"room_id": "no-agents", "title": "empty"},
		{"room_id": "dup-ids", "agents": []map[string]string{
			{"agent_id": "a"}, {"agent_id": "a"},
		}},
		{"room_id": "user-id", "agents": []map[string]string{
			{"agent_id": "user"},
		}},
	}
	for _, body := range cases {
		resp := doJSON(t, http.MethodPost, srv.URL+"/api/rooms", body)
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("body %v: status = %d, want 400", body, resp.StatusCode)
		}
	}
}

func TestCreateRoomOverSocket(t *testing.T) {
	svc, srv := testService(t)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { ws.Close() })

	readEnv := func() hub.Envelope {
		t.Helper()
		ws.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, data, err := ws.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		var env hub.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			t.Fatalf("bad frame %q: %v", data, err)
		}
		return env
	}

	if env := readEnv(); env.Type != hub.MsgConnection {
		t.Fatalf("first frame = %s, want connection", env.Type)
	}

	frame := `{"type":"create_room","room_id":"ws-room","room_name":"Made over the wire","agents":[{"agent_id":"alice","platform":"main"}]}`
	if err := ws.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
		t.Fatalf("write: %v", err)
	}

	env := readEnv()
	if env.Type != hub.MsgRoomCreated || env.RoomID != "ws-room" {
		t.Fatalf("frame = %+v, want room_created for ws-room", env)
	}
	var m roomstore.Manifest
	if err := json.Unmarshal(env.Payload, &m); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if m.Title != "Made over the wire" || len(m.Agents) != 1 || m.Agents[0].Name != "alice" {
		t.Fatalf("manifest = %+v", m)
	}
	if _, err := svc.store.Get("ws-room"); err != nil {
		t.Fatalf("room not persisted: %v", err)
	}

	// A bad roster over the socket yields an error frame, not a room.
	if err := ws.WriteMessage(websocket.TextMessage,
		[]byte(`{"type":"create_room","room_id":"ws-bad","room_name":"x","agents":[{"agent_id":"user"}]}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	env = readEnv()
	if env.Type != hub.MsgError {
		t.Fatalf("frame = %s, want error", env.Type)
	}
	var p hub.ErrorPayload
	json.Unmarshal(env.Payload, &p)
	if p.Code != hub.ErrCodeRoomInvalid {
		t.Errorf("code = %q, want ROOM_INVALID", p.Code)
	}
}

func TestConcurrentUserInputsShareOneSession(t *testing.T) {
	svc, srv := testService(t)
	createRoom(t, srv, "r1")

	var wg sync.WaitGroup
	errs := make(chan error, 6)
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			errs <- svc.userInput(context.Background(), "r1", fmt.Sprintf("point number %d", n))
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Errorf("user input: %v", err)
		}
	}

	ctrl, err := svc.manager.Active("r1")
	if err != nil {
		t.Fatalf("no live session: %v", err)
	}
	users := 0
	for _, turn := range ctrl.History() {
		if turn.IsUser() {
			users++
		}
	}
	if users != 6 {
		t.Errorf("user turns = %d, want 6", users)
	}
	if err := svc.manager.Stop(context.Background(), "r1"); err != nil {
		t.Fatalf("stop: %v", err)
	}
}

func TestHistoryAndExport(t *testing.T) {
	svc, srv := testService(t)
	createRoom(t, srv, "r1")

	// Seed a couple of persisted turns directly.
	svc.store.AppendTurn("r1", testTurnRec(1, "user", "what are our options"))
	svc.store.AppendTurn("r1", testTurnRec(2, "alice", "three come to mind"))

	resp := doJSON(t, http.MethodGet, srv.URL+"/api/rooms/r1/history", nil)
	var hist struct {
		Messages []hub.NewMessagePayload `json:"messages"`
	}
	decode(t, resp, &hist)
	if len(hist.Messages) != 2 {
		t.Fatalf("history = %+v", hist)
	}
	if hist.Messages[0].Message.MessageType != "user" || hist.Messages[1].AgentName != "alice" {
		t.Errorf("messages = %+v", hist.Messages)
	}

	resp = doJSON(t, http.MethodGet, srv.URL+"/api/rooms/r1/export?format=markdown", nil)
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/markdown") {
		t.Errorf("content type = %q", ct)
	}
}

func TestDiscussionStartRejectsUnknownPlatform(t *testing.T) {
	_, srv := testService(t)

	resp := doJSON(t, http.MethodPost, srv.URL+"/api/rooms", map[string]any{
		"room_id": "bad-platform",
		"agents": []map[string]string{
			{"agent_id": "alice", "platform": "nonexistent"},
		},
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d", resp.StatusCode)
	}

	resp = doJSON(t, http.MethodPost, srv.URL+"/api/discussion/start", map[string]string{
		"room_id": "bad-platform",
		"message": "go",
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("start status = %d, want 400", resp.StatusCode)
	}
	var p hub.ErrorPayload
	decode(t, resp, &p)
	if p.Code != hub.ErrCodeRoomInvalid {
		t.Errorf("code = %q, want ROOM_INVALID", p.Code)
	}
}

func TestStatusAndControlWithoutSession(t *testing.T) {
	_, srv := testService(t)
	createRoom(t, srv, "r1")

	resp := doJSON(t, http.MethodGet, srv.URL+"/api/discussion/status/r1", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}

	resp = doJSON(t, http.MethodPost, srv.URL+"/api/discussion/control/r1", map[string]string{"action": "pause"})
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("control = %d, want 404", resp.StatusCode)
	}
}

// ---------------------------------------------------------------------------
// Settings API
// ---------------------------------------------------------------------------

func TestSettingsRedactsKeys(t *testing.T) {
	_, srv := testService(t)

	resp := doJSON(t, http.MethodGet, srv.URL+"/api/settings", nil)
	var cfg config.FileConfig
	decode(t, resp, &cfg)
	if got := cfg.Platforms["main"].APIKey; got != "********" {
		t.Fatalf("api key leaked: %q", got)
	}
}

func TestSettingsUpdatePersists(t *testing.T) {
	svc, srv := testService(t)

	body := config.Default()
	body.Server.Port = 9001
	body.Platforms["ollama"] = config.PlatformConfig{
		Provider: "openai",
		BaseURL:  "http://localhost:11434/v1",
		Model:    "llama3",
	}
	resp := doJSON(t, http.MethodPost, srv.URL+"/api/settings", body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("post settings = %d", resp.StatusCode)
	}

	if got := svc.Config().Server.Port; got != 9001 {
		t.Errorf("live config port = %d, want 9001", got)
	}
	loaded, err := config.Load(svc.cfgPath)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if loaded.Server.Port != 9001 {
		t.Errorf("persisted port = %d, want 9001", loaded.Server.Port)
	}
}

func TestHealth(t *testing.T) {
	_, srv := testService(t)
	resp := doJSON(t, http.MethodGet, srv.URL+"/api/health", nil)
	var body map[string]string
	decode(t, resp, &body)
	if body["status"] != "ok" || body["restart_id"] == "" {
		t.Fatalf("health = %+v", body)
	}
}
