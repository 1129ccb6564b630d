package server

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/colloquy-dev/colloquy/pkg/discussion"
	"github.com/colloquy-dev/colloquy/pkg/hub"
	"github.com/colloquy-dev/colloquy/pkg/roomstore"
)

// ServeCommand dispatches one parsed websocket command. Implements
// hub.CommandHandler; the hub has already rejected malformed frames.
func (s *Service) ServeCommand(ctx context.Context, c *hub.Conn, cmd hub.Command) {
	switch cmd := cmd.(type) {
	case hub.JoinRoom:
		if _, err := s.store.Get(cmd.RoomID); err != nil {
			s.sendWireError(c, cmd.RoomID, err)
			return
		}
		s.hub.Subscribe(c, cmd.RoomID)
		c.Send(hub.NewEnvelope(hub.MsgRoomJoined, cmd.RoomID, 0, map[string]string{
			"room_id": cmd.RoomID,
		}))

	case hub.CreateRoom:
		m, err := s.createRoom(roomstore.Manifest{
			ID:     cmd.RoomID,
			Title:  cmd.Name,
			Topic:  cmd.Topic,
			Agents: cmd.Agents,
		})
		if err != nil {
			s.sendWireError(c, cmd.RoomID, err)
			return
		}
		// The room_created broadcast reaches the creator too; joining here
		// saves clients a follow-up frame.
		s.hub.Subscribe(c, m.ID)

	case hub.SendMessage:
		if err := s.userInput(ctx, cmd.RoomID, cmd.Content); err != nil {
			s.sendWireError(c, cmd.RoomID, err)
		}

	case hub.GetRoomHistory:
		turns, err := s.roomHistory(cmd.RoomID)
		if err != nil {
			s.sendWireError(c, cmd.RoomID, err)
			return
		}
		messages := make([]hub.NewMessagePayload, len(turns))
		for i, t := range turns {
			messages[i] = hub.TurnMessage(t)
		}
		c.Send(hub.NewEnvelope(hub.MsgRoomHistory, cmd.RoomID, 0, map[string]any{
			"room_id":  cmd.RoomID,
			"messages": messages,
		}))

	case hub.GetRooms:
		rooms, err := s.listRooms()
		if err != nil {
			s.sendWireError(c, "", err)
			return
		}
		c.Send(hub.NewEnvelope(hub.MsgRoomsList, "", 0, map[string]any{
			"rooms": rooms,
		}))

	case hub.DeleteRoom:
		if _, err := s.deleteRoom(ctx, cmd.RoomID); err != nil {
			s.sendWireError(c, cmd.RoomID, err)
		}

	case hub.DiscussionControl:
		if err := s.control(ctx, cmd.RoomID, cmd.Action); err != nil {
			s.sendWireError(c, cmd.RoomID, err)
		}

	default:
		s.logger.Error("unhandled command type", zap.Any("command", cmd))
	}
}

// roomHistory prefers the live controller's log, which may be ahead of the
// durable store by the persister's backlog.
func (s *Service) roomHistory(roomID string) ([]discussion.Turn, error) {
	if ctrl, err := s.manager.Active(roomID); err == nil {
		return ctrl.History(), nil
	}
	if _, err := s.store.Get(roomID); err != nil {
		return nil, err
	}
	return s.store.Turns(roomID)
}

func (s *Service) sendWireError(c *hub.Conn, roomID string, err error) {
	code := wireCode(err)
	c.SendError(code, err.Error(), roomID)
}

// wireCode maps service errors to the stable wire codes.
func wireCode(err error) string {
	switch {
	case errors.Is(err, roomstore.ErrNotFound):
		return hub.ErrCodeRoomNotFound
	case errors.Is(err, errRoomInvalid), errors.Is(err, roomstore.ErrExists):
		return hub.ErrCodeRoomInvalid
	case errors.Is(err, discussion.ErrAlreadyActive):
		return hub.ErrCodeAlreadyActive
	default:
		return hub.ErrCodeBadRequest
	}
}
