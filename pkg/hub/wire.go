// Package hub is the websocket delivery fabric: it fans engine events out to
// subscribed clients, preserving per-room order, and parses inbound client
// commands into a closed set of types at the boundary.
package hub

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/colloquy-dev/colloquy/pkg/discussion"
)

// Envelope is the stable wire frame for every outbound message. Sequence is
// monotonic non-decreasing per room: turn messages carry their turn ID, and
// non-turn messages reuse the last turn's ID.
type Envelope struct {
	Type     string          `json:"type"`
	RoomID   string          `json:"room_id,omitempty"`
	Sequence int64           `json:"sequence,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope marshals payload into an Envelope. Marshal failures are
// programming errors and yield an INTERNAL error frame instead.
func NewEnvelope(typ, roomID string, sequence int64, payload any) Envelope {
	data, err := json.Marshal(payload)
	if err != nil {
		data, _ = json.Marshal(ErrorPayload{
			Code:    ErrCodeBadRequest,
			Message: fmt.Sprintf("marshal %s payload: %v", typ, err),
		})
		typ = MsgError
	}
	return Envelope{Type: typ, RoomID: roomID, Sequence: sequence, Payload: data}
}

func (e Envelope) marshal() ([]byte, error) { return json.Marshal(e) }

// Outbound message types.
const (
	MsgConnection   = "connection"
	MsgRoomsList    = "rooms_list"
	MsgRoomCreated  = "room_created"
	MsgRoomDeleted  = "room_deleted"
	MsgRoomJoined   = "room_joined"
	MsgRoomHistory  = "room_history"
	MsgNewMessage   = "new_message"
	MsgAgentTyping  = "agent_typing"
	MsgSVRComputed  = "svr_computed"
	MsgDecisionMade = "decision_made"
	MsgPhaseChanged = "phase_changed"
	MsgError        = "error"
)

// Stable error codes.
const (
	ErrCodeRoomNotFound    = "ROOM_NOT_FOUND"
	ErrCodeRoomInvalid     = "ROOM_INVALID"
	ErrCodeAlreadyActive   = "ALREADY_ACTIVE"
	ErrCodeAgentTimeout    = "AGENT_TIMEOUT"
	ErrCodeAgentPermanent  = "AGENT_PERMANENT"
	ErrCodeAllAgentsFailed = "ALL_AGENTS_FAILED"
	ErrCodeBudgetExceeded  = "BUDGET_EXCEEDED"
	ErrCodeBadRequest      = "BAD_REQUEST"
)

// ---------------------------------------------------------------------------
// Outbound payloads
// ---------------------------------------------------------------------------

// ConnectionPayload greets a new connection. A changed ServerRestartID tells
// clients to discard client-side room state.
type ConnectionPayload struct {
	ConnectionID    string `json:"connection_id"`
	ServerRestartID string `json:"server_restart_id"`
}

// MessageBody is the rendered turn inside a new_message frame.
type MessageBody struct {
	Sender      string    `json:"sender"`
	Content     string    `json:"content"`
	Timestamp   time.Time `json:"timestamp"`
	MessageType string    `json:"message_type"` // "user" or "agent"
}

// NewMessagePayload carries one turn.
type NewMessagePayload struct {
	RoomID    string      `json:"room_id"`
	MessageID string      `json:"message_id"`
	AgentName string      `json:"agent_name,omitempty"`
	Message   MessageBody `json:"message"`
}

// ErrorPayload is the body of an error frame.
type ErrorPayload struct {
	Code    string `json:"error_code"`
	Message string `json:"message"`
	RoomID  string `json:"room_id,omitempty"`
	Action  string `json:"action,omitempty"`
}

// ---------------------------------------------------------------------------
// Inbound commands
// ---------------------------------------------------------------------------

// Command is the closed set of inbound client commands. Internal code never
// branches on raw wire strings; everything is parsed here once.
type Command interface{ isCommand() }

type JoinRoom struct {
	RoomID string `json:"room_id"`
}

type CreateRoom struct {
	RoomID string                 `json:"room_id,omitempty"`
	Name   string                 `json:"room_name"`
	Topic  string                 `json:"topic,omitempty"`
	Agents []discussion.AgentSpec `json:"agents"`
}

type SendMessage struct {
	RoomID    string `json:"room_id"`
	Content   string `json:"content"`
	MessageID string `json:"message_id,omitempty"`
}

type GetRoomHistory struct {
	RoomID string `json:"room_id"`
}

type GetRooms struct{}

type DeleteRoom struct {
	RoomID string `json:"room_id"`
}

type DiscussionControl struct {
	RoomID string `json:"room_id"`
	Action string `json:"action"` // pause | resume | stop
}

func (JoinRoom) isCommand()          {}
func (CreateRoom) isCommand()        {}
func (SendMessage) isCommand()       {}
func (GetRoomHistory) isCommand()    {}
func (GetRooms) isCommand()          {}
func (DeleteRoom) isCommand()        {}
func (DiscussionControl) isCommand() {}

// WireError is a protocol-level rejection of an inbound frame.
type WireError struct {
	Code    string
	Message string
}

func (e *WireError) Error() string { return e.Code + ": " + e.Message }

func badRequest(format string, args ...any) *WireError {
	return &WireError{Code: ErrCodeBadRequest, Message: fmt.Sprintf(format, args...)}
}

// ParseCommand decodes one inbound frame. Command fields sit flat on the
// frame next to "type"; clients that nest them under a "payload" object are
// accepted too. Unknown types and malformed fields yield a *WireError
// suitable for an error reply.
func ParseCommand(data []byte) (Command, *WireError) {
	var frame struct {
		Type    string          `json:"type"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(data, &frame); err != nil {
		return nil, badRequest("malformed frame: %v", err)
	}
	if frame.Type == "" {
		return nil, badRequest("missing frame type")
	}

	body := data
	if len(frame.Payload) > 0 && frame.Payload[0] == '{' {
		body = frame.Payload
	}
	decode := func(dst any) *WireError {
		if err := json.Unmarshal(body, dst); err != nil {
			return badRequest("%s: bad fields: %v", frame.Type, err)
		}
		return nil
	}

	switch frame.Type {
	case "join_room":
		var c JoinRoom
		if err := decode(&c); err != nil {
			return nil, err
		}
		if c.RoomID == "" {
			return nil, badRequest("join_room: missing room_id")
		}
		return c, nil

	case "create_room":
		var c CreateRoom
		if err := decode(&c); err != nil {
			return nil, err
		}
		if len(c.Agents) == 0 {
			return nil, badRequest("create_room: at least one agent is required")
		}
		return c, nil

	case "send_message":
		var c SendMessage
		if err := decode(&c); err != nil {
			return nil, err
		}
		if c.RoomID == "" || c.Content == "" {
			return nil, badRequest("send_message: room_id and content are required")
		}
		return c, nil

	case "get_room_history":
		var c GetRoomHistory
		if err := decode(&c); err != nil {
			return nil, err
		}
		if c.RoomID == "" {
			return nil, badRequest("get_room_history: missing room_id")
		}
		return c, nil

	case "get_rooms":
		return GetRooms{}, nil

	case "delete_room":
		var c DeleteRoom
		if err := decode(&c); err != nil {
			return nil, err
		}
		if c.RoomID == "" {
			return nil, badRequest("delete_room: missing room_id")
		}
		return c, nil

	case "discussion_control":
		var c DiscussionControl
		if err := decode(&c); err != nil {
			return nil, err
		}
		switch c.Action {
		case "pause", "resume", "stop":
		default:
			return nil, badRequest("discussion_control: unknown action %q", c.Action)
		}
		if c.RoomID == "" {
			return nil, badRequest("discussion_control: missing room_id")
		}
		return c, nil

	default:
		return nil, badRequest("unknown command type %q", frame.Type)
	}
}
