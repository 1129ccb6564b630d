// Package server wires the room store, the discussion engine, and the
// websocket hub into one HTTP service.
package server

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/colloquy-dev/colloquy/pkg/backend"
	"github.com/colloquy-dev/colloquy/pkg/backend/anthropic"
	"github.com/colloquy-dev/colloquy/pkg/backend/openai"
	"github.com/colloquy-dev/colloquy/pkg/config"
	"github.com/colloquy-dev/colloquy/pkg/discussion"
	"github.com/colloquy-dev/colloquy/pkg/hub"
	"github.com/colloquy-dev/colloquy/pkg/roomstore"
)

// Service owns the process-wide state: the config, the room store, the
// controller registry, and the hub. It implements hub.CommandHandler for
// the websocket side and exposes the REST handlers in http.go.
type Service struct {
	logger  *zap.Logger
	cfgPath string

	cfgMu sync.RWMutex
	cfg   *config.FileConfig

	store   *roomstore.Store
	manager *discussion.Manager
	hub     *hub.Hub
	bridge  *hub.Bridge
}

// New builds a Service. The hub is created here so the command handler and
// the fan-out share one subscriber table.
func New(cfgPath string, cfg *config.FileConfig, store *roomstore.Store, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{
		logger:  logger,
		cfgPath: cfgPath,
		cfg:     cfg,
		store:   store,
		manager: discussion.NewManager(logger),
	}
	s.hub = hub.New(logger, s, hub.Options{})
	s.bridge = hub.NewBridge(s.hub, logger)
	return s
}

// Hub exposes the websocket hub for mounting.
func (s *Service) Hub() *hub.Hub { return s.hub }

// Config returns the live configuration.
func (s *Service) Config() *config.FileConfig {
	s.cfgMu.RLock()
	defer s.cfgMu.RUnlock()
	return s.cfg
}

// Shutdown stops every live discussion within the configured grace period
// and closes the store.
func (s *Service) Shutdown(ctx context.Context) error {
	grace := s.Config().Engine.ShutdownGrace
	if grace <= 0 {
		grace = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()

	err := s.manager.Shutdown(ctx)
	if cerr := s.store.Close(); err == nil {
		err = cerr
	}
	return err
}

// ---------------------------------------------------------------------------
// Session lifecycle
// ---------------------------------------------------------------------------

// startSession builds backends for the room's agents, recovers history from
// the store, and launches a controller plus its hub bridge.
func (s *Service) startSession(roomID, initialInput string) (*discussion.Controller, error) {
	m, err := s.store.Get(roomID)
	if err != nil {
		return nil, err
	}
	if len(m.Agents) == 0 {
		return nil, fmt.Errorf("%w: room %s has no agents", errRoomInvalid, roomID)
	}

	backends := make(map[string]backend.Backend, len(m.Agents))
	for _, a := range m.Agents {
		b, err := s.buildBackend(a)
		if err != nil {
			return nil, err
		}
		backends[a.ID] = b
	}

	preload, err := s.store.Turns(roomID)
	if err != nil {
		return nil, err
	}

	cfg := s.Config().Engine
	if m.Engine != nil {
		cfg = *m.Engine
	}

	ctrl, err := s.manager.Start(discussion.ControllerOptions{
		RoomID:       roomID,
		Participants: m.Agents,
		Backends:     backends,
		Store:        s.store,
		Preload:      preload,
		Config:       cfg,
		Logger:       s.logger,
	}, initialInput)
	if err != nil {
		return nil, err
	}

	go s.bridge.Run(roomID, ctrl.Events())
	return ctrl, nil
}

// errRoomInvalid marks a room that cannot host a discussion.
var errRoomInvalid = errors.New("room invalid")

// createRoom validates the agent roster, persists the room, and announces it
// to every connected client. Both the REST handler and the websocket
// create_room command land here.
func (s *Service) createRoom(m roomstore.Manifest) (roomstore.Manifest, error) {
	if len(m.Agents) == 0 {
		return roomstore.Manifest{}, fmt.Errorf("%w: a room needs at least one agent", errRoomInvalid)
	}
	seen := map[string]bool{}
	for i, a := range m.Agents {
		if a.ID == "" || a.ID == discussion.UserSpeakerID || seen[a.ID] {
			return roomstore.Manifest{}, fmt.Errorf("%w: agents need unique non-user ids", errRoomInvalid)
		}
		seen[a.ID] = true
		if a.Name == "" {
			m.Agents[i].Name = a.ID
		}
	}
	created, err := s.store.Create(m)
	if err != nil {
		return roomstore.Manifest{}, err
	}
	s.hub.Broadcast(hub.NewEnvelope(hub.MsgRoomCreated, created.ID, 0, created))
	return created, nil
}

// buildBackend resolves the agent's platform to a concrete adapter, wrapped
// with the retry layer.
func (s *Service) buildBackend(a discussion.AgentSpec) (backend.Backend, error) {
	cfg := s.Config()
	p, ok := cfg.Platforms[a.Platform]
	if !ok {
		return nil, fmt.Errorf("%w: agent %s references unknown platform %q",
			errRoomInvalid, a.ID, a.Platform)
	}
	model := a.Model
	if model == "" {
		model = p.Model
	}

	var b backend.Backend
	switch strings.ToLower(p.Provider) {
	case "anthropic":
		b = anthropic.New(p.BaseURL, p.APIKey, model)
	case "openai", "":
		b = openai.New(a.Platform, p.BaseURL, p.APIKey, model)
	default:
		// Any other provider is assumed to speak the openai-compatible
		// chat-completions dialect behind its BaseURL.
		b = openai.New(p.Provider, p.BaseURL, p.APIKey, model)
	}
	return backend.WithRetry(b, s.logger), nil
}

// userInput posts a user turn, starting a session if none is live. Two
// callers can race past the Active miss into startSession; the loser lands
// its turn on the winner's controller instead of surfacing ALREADY_ACTIVE.
func (s *Service) userInput(ctx context.Context, roomID, content string) error {
	if ctrl, err := s.manager.Active(roomID); err == nil {
		return ctrl.SendUserInput(ctx, content)
	}
	_, err := s.startSession(roomID, content)
	if errors.Is(err, discussion.ErrAlreadyActive) {
		if ctrl, aerr := s.manager.Active(roomID); aerr == nil {
			return ctrl.SendUserInput(ctx, content)
		}
	}
	return err
}

// control applies a pause/resume/stop action to the room's live session.
func (s *Service) control(ctx context.Context, roomID, action string) error {
	ctrl, err := s.manager.Active(roomID)
	if err != nil {
		return err
	}
	switch action {
	case "pause":
		return ctrl.Pause(ctx)
	case "resume":
		return ctrl.Resume(ctx)
	case "stop":
		return s.manager.Stop(ctx, roomID)
	default:
		return fmt.Errorf("unknown action %q", action)
	}
}

// deleteRoom tears down any live session, removes the room from disk, and
// notifies clients.
func (s *Service) deleteRoom(ctx context.Context, roomID string) (roomstore.Manifest, error) {
	m, err := s.store.Get(roomID)
	if err != nil {
		return roomstore.Manifest{}, err
	}
	if _, aerr := s.manager.Active(roomID); aerr == nil {
		if serr := s.manager.Stop(ctx, roomID); serr != nil {
			s.logger.Warn("stop before delete failed",
				zap.String("room_id", roomID), zap.Error(serr))
		}
	}
	if err := s.store.Delete(roomID); err != nil {
		return roomstore.Manifest{}, err
	}
	s.hub.DropRoom(roomID)
	s.hub.Broadcast(hub.NewEnvelope(hub.MsgRoomDeleted, roomID, 0, map[string]string{
		"room_id":   m.ID,
		"room_name": m.Title,
	}))
	return m, nil
}

// roomSummary is a manifest plus live-session state, as listed to clients.
type roomSummary struct {
	roomstore.Manifest
	Phase      string `json:"phase"`
	TotalTurns int    `json:"total_turns"`
}

func (s *Service) listRooms() ([]roomSummary, error) {
	manifests, err := s.store.List()
	if err != nil {
		return nil, err
	}
	out := make([]roomSummary, 0, len(manifests))
	for _, m := range manifests {
		sum := roomSummary{Manifest: m, Phase: string(discussion.PhaseIdle)}
		if st, err := s.manager.Status(m.ID); err == nil {
			sum.Phase = string(st.Phase)
			sum.TotalTurns = st.TotalTurns
		} else if turns, terr := s.store.Turns(m.ID); terr == nil {
			sum.TotalTurns = len(turns)
		}
		out = append(out, sum)
	}
	return out, nil
}

// testConnection issues a one-shot Think against arbitrary credentials so
// the settings UI can validate them before saving.
func (s *Service) testConnection(ctx context.Context, p config.PlatformConfig) error {
	var b backend.Backend
	switch strings.ToLower(p.Provider) {
	case "anthropic":
		b = anthropic.New(p.BaseURL, p.APIKey, p.Model)
	default:
		b = openai.New(p.Provider, p.BaseURL, p.APIKey, p.Model)
	}
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	_, err := b.Think(ctx, backend.Request{
		SystemPrompt: "You are a connectivity probe.",
		History: []backend.Message{
			{Role: backend.RoleUser, Content: "Reply with the single word: ok"},
		},
		Params: backend.Params{MaxTokens: 8},
	})
	return err
}

// updateSettings persists the new config atomically and swaps it in.
func (s *Service) updateSettings(cfg *config.FileConfig) error {
	if err := config.Save(s.cfgPath, cfg); err != nil {
		return err
	}
	s.cfgMu.Lock()
	s.cfg = cfg
	s.cfgMu.Unlock()
	s.logger.Info("settings updated", zap.String("path", s.cfgPath))
	return nil
}
