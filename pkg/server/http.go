package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/colloquy-dev/colloquy/pkg/config"
	"github.com/colloquy-dev/colloquy/pkg/discussion"
	"github.com/colloquy-dev/colloquy/pkg/hub"
	"github.com/colloquy-dev/colloquy/pkg/roomstore"
)

// Handler mounts the REST API and the websocket endpoint.
func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.Handle("/ws", s.hub)

	mux.HandleFunc("GET /api/rooms", s.handleListRooms)
	mux.HandleFunc("POST /api/rooms", s.handleCreateRoom)
	mux.HandleFunc("DELETE /api/rooms/{id}", s.handleDeleteRoom)
	mux.HandleFunc("GET /api/rooms/{id}/history", s.handleRoomHistory)
	mux.HandleFunc("GET /api/rooms/{id}/export", s.handleRoomExport)
	mux.HandleFunc("GET /api/rooms/{id}/agents", s.handleRoomAgents)
	mux.HandleFunc("POST /api/rooms/{id}/repair", s.handleRoomRepair)

	mux.HandleFunc("GET /api/settings", s.handleGetSettings)
	mux.HandleFunc("POST /api/settings", s.handlePostSettings)
	mux.HandleFunc("POST /api/test-connection", s.handleTestConnection)

	mux.HandleFunc("POST /api/discussion/start", s.handleDiscussionStart)
	mux.HandleFunc("GET /api/discussion/status", s.handleAllStatus)
	mux.HandleFunc("GET /api/discussion/status/{id}", s.handleStatus)
	mux.HandleFunc("POST /api/discussion/control/{id}", s.handleControl)

	mux.HandleFunc("GET /api/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"status":     "ok",
			"restart_id": s.hub.RestartID(),
		})
	})

	return s.logRequests(mux)
}

// logRequests is the access-log middleware.
func (s *Service) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(lw, r)
		s.logger.Info("http",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", lw.status),
			zap.Duration("elapsed", time.Since(start)))
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// ---------------------------------------------------------------------------
// Rooms
// ---------------------------------------------------------------------------

func (s *Service) handleListRooms(w http.ResponseWriter, r *http.Request) {
	rooms, err := s.listRooms()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rooms": rooms})
}

func (s *Service) handleCreateRoom(w http.ResponseWriter, r *http.Request) {
	var req roomstore.Manifest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "bad body: "+err.Error())
		return
	}
	m, err := s.createRoom(req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

func (s *Service) handleDeleteRoom(w http.ResponseWriter, r *http.Request) {
	m, err := s.deleteRoom(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"room_id": m.ID, "room_name": m.Title})
}

func (s *Service) handleRoomHistory(w http.ResponseWriter, r *http.Request) {
	roomID := r.PathValue("id")
	turns, err := s.roomHistory(roomID)
	if err != nil {
		writeError(w, err)
		return
	}
	messages := make([]hub.NewMessagePayload, len(turns))
	for i, t := range turns {
		messages[i] = hub.TurnMessage(t)
	}
	writeJSON(w, http.StatusOK, map[string]any{"room_id": roomID, "messages": messages})
}

func (s *Service) handleRoomExport(w http.ResponseWriter, r *http.Request) {
	roomID := r.PathValue("id")
	format := roomstore.ExportFormat(r.URL.Query().Get("format"))
	data, err := s.store.Export(roomID, format)
	if err != nil {
		writeError(w, err)
		return
	}
	if format == roomstore.ExportJSON {
		w.Header().Set("Content-Type", "application/json")
	} else {
		w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
	}
	w.Write(data)
}

func (s *Service) handleRoomAgents(w http.ResponseWriter, r *http.Request) {
	m, err := s.store.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"room_id": m.ID, "agents": m.Agents})
}

func (s *Service) handleRoomRepair(w http.ResponseWriter, r *http.Request) {
	roomID := r.PathValue("id")
	if _, err := s.manager.Active(roomID); err == nil {
		writeBadRequest(w, "cannot repair a room with a live session")
		return
	}
	dropped, err := s.store.Repair(roomID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"room_id": roomID, "dropped_lines": dropped})
}

// ---------------------------------------------------------------------------
// Settings
// ---------------------------------------------------------------------------

func (s *Service) handleGetSettings(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, redactSettings(s.Config()))
}

func (s *Service) handlePostSettings(w http.ResponseWriter, r *http.Request) {
	cfg := config.Default()
	if err := json.NewDecoder(r.Body).Decode(cfg); err != nil {
		writeBadRequest(w, "bad body: "+err.Error())
		return
	}
	if err := s.updateSettings(cfg); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, redactSettings(cfg))
}

// redactSettings masks every API key before the config leaves the process.
func redactSettings(cfg *config.FileConfig) *config.FileConfig {
	out := *cfg
	out.Platforms = make(map[string]config.PlatformConfig, len(cfg.Platforms))
	for name, p := range cfg.Platforms {
		if p.APIKey != "" {
			p.APIKey = "********"
		}
		out.Platforms[name] = p
	}
	return &out
}

func (s *Service) handleTestConnection(w http.ResponseWriter, r *http.Request) {
	var p config.PlatformConfig
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeBadRequest(w, "bad body: "+err.Error())
		return
	}
	start := time.Now()
	if err := s.testConnection(r.Context(), p); err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"ok": false, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":         true,
		"latency_ms": time.Since(start).Milliseconds(),
	})
}

// ---------------------------------------------------------------------------
// Discussion control
// ---------------------------------------------------------------------------

func (s *Service) handleDiscussionStart(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RoomID  string `json:"room_id"`
		Message string `json:"message"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.RoomID == "" || req.Message == "" {
		writeBadRequest(w, "room_id and message are required")
		return
	}
	ctrl, err := s.startSession(req.RoomID, req.Message)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ctrl.Status())
}

func (s *Service) handleAllStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"sessions": s.manager.AllStatus()})
}

func (s *Service) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.manager.Status(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Service) handleControl(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Action string `json:"action"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "bad body: "+err.Error())
		return
	}
	roomID := r.PathValue("id")
	if err := s.control(r.Context(), roomID, req.Action); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"room_id": roomID, "action": req.Action})
}

// ---------------------------------------------------------------------------
// Response helpers
// ---------------------------------------------------------------------------

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeBadRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, hub.ErrorPayload{
		Code:    hub.ErrCodeBadRequest,
		Message: msg,
	})
}

// writeError maps service errors onto the wire error codes with a matching
// HTTP status.
func writeError(w http.ResponseWriter, err error) {
	code := wireCode(err)
	status := http.StatusBadRequest
	switch {
	case errors.Is(err, roomstore.ErrNotFound), errors.Is(err, discussion.ErrNotActive):
		status = http.StatusNotFound
	case errors.Is(err, discussion.ErrAlreadyActive), errors.Is(err, roomstore.ErrExists):
		status = http.StatusConflict
	}
	writeJSON(w, status, hub.ErrorPayload{Code: code, Message: err.Error()})
}
