package hub

import (
	"strconv"

	"go.uber.org/zap"

	"github.com/colloquy-dev/colloquy/pkg/backend"
	"github.com/colloquy-dev/colloquy/pkg/discussion"
)

// Bridge consumes one controller's event stream and publishes wire frames.
// Ownership is one-way: the controller emits into its queue, the bridge
// drains it, and no controller ever holds subscriber state.
type Bridge struct {
	hub    *Hub
	logger *zap.Logger
}

// NewBridge creates a Bridge over the hub.
func NewBridge(h *Hub, logger *zap.Logger) *Bridge {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bridge{hub: h, logger: logger}
}

// Payloads for engine-driven frames.
type (
	AgentTypingPayload struct {
		RoomID    string `json:"room_id"`
		AgentName string `json:"agent_name"`
	}

	SVRComputedPayload struct {
		RoomID string             `json:"room_id"`
		Scores []discussion.Tuple `json:"scores"`
	}

	DecisionMadePayload struct {
		RoomID          string `json:"room_id"`
		Action          string `json:"action"`
		SelectedAgentID string `json:"selected_agent_id,omitempty"`
		Reason          string `json:"reason"`
	}

	PhaseChangedPayload struct {
		RoomID string `json:"room_id"`
		Phase  string `json:"phase"`
		Reason string `json:"reason,omitempty"`
	}
)

// Run drains the event stream until the controller closes it. Blocking;
// callers run it in its own goroutine, one per live session.
//
// Sequence numbers are non-decreasing per room: turn frames carry their
// turn ID and every other frame reuses the last turn's ID, so a client can
// order and deduplicate on (room_id, sequence, message_id).
func (b *Bridge) Run(roomID string, events <-chan discussion.Event) {
	var seq int64
	for e := range events {
		switch e.Type {
		case discussion.EventTurnCompleted:
			seq = e.Turn.ID
			b.hub.Publish(roomID, NewEnvelope(MsgNewMessage, roomID, seq, TurnMessage(*e.Turn)))

		case discussion.EventTurnStarted:
			b.hub.Publish(roomID, NewEnvelope(MsgAgentTyping, roomID, seq, AgentTypingPayload{
				RoomID:    roomID,
				AgentName: e.AgentName,
			}))

		case discussion.EventSVRComputed:
			b.hub.Publish(roomID, NewEnvelope(MsgSVRComputed, roomID, seq, SVRComputedPayload{
				RoomID: roomID,
				Scores: e.Scores,
			}))

		case discussion.EventDecisionMade:
			b.hub.Publish(roomID, NewEnvelope(MsgDecisionMade, roomID, seq, DecisionMadePayload{
				RoomID:          roomID,
				Action:          string(e.Decision.Action),
				SelectedAgentID: e.Decision.SelectedAgentID,
				Reason:          e.Decision.Reason,
			}))

		case discussion.EventPhaseChanged:
			b.hub.Publish(roomID, NewEnvelope(MsgPhaseChanged, roomID, seq, PhaseChangedPayload{
				RoomID: roomID,
				Phase:  string(e.Phase),
				Reason: e.Reason,
			}))

		case discussion.EventTurnFailed:
			if code, ok := failureCode(e.Reason); ok {
				b.hub.Publish(roomID, NewEnvelope(MsgError, roomID, seq, ErrorPayload{
					Code:    code,
					Message: e.AgentName + " failed to reply",
					RoomID:  roomID,
				}))
			}

		case discussion.EventPersistenceDegraded:
			b.logger.Warn("room persistence degraded",
				zap.String("room_id", roomID),
				zap.Int("lag", e.Lag))
		}
	}
	b.logger.Info("event stream ended", zap.String("room_id", roomID))
}

// TurnMessage renders a turn as a new_message frame body. Also used by the
// history endpoints so live and replayed turns share one shape.
func TurnMessage(t discussion.Turn) NewMessagePayload {
	msgType := "agent"
	agentName := t.SpeakerName
	if t.IsUser() {
		msgType = "user"
		agentName = ""
	}
	return NewMessagePayload{
		RoomID:    t.RoomID,
		MessageID: strconv.FormatInt(t.ID, 10),
		AgentName: agentName,
		Message: MessageBody{
			Sender:      t.SpeakerName,
			Content:     t.Content,
			Timestamp:   t.Timestamp,
			MessageType: msgType,
		},
	}
}

// failureCode maps a turn failure's error kind to a wire code. Cancellation
// is shutdown noise, not a client-visible fault.
func failureCode(kind string) (string, bool) {
	switch backend.Kind(kind) {
	case backend.KindCanceled:
		return "", false
	case backend.KindTimeout, backend.KindTransient:
		return ErrCodeAgentTimeout, true
	default:
		return ErrCodeAgentPermanent, true
	}
}
