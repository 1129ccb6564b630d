package hub

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// CommandHandler receives parsed inbound commands. The hub replies to
// protocol errors itself; everything well-formed goes here.
type CommandHandler interface {
	ServeCommand(ctx context.Context, conn *Conn, cmd Command)
}

// Options tune the hub's delivery behavior.
type Options struct {
	// PublishTimeout bounds how long Publish waits on one slow subscriber
	// before dropping it. Default 100ms.
	PublishTimeout time.Duration

	// SendBuffer is the per-connection outbound queue depth. Default 64.
	SendBuffer int
}

const (
	defaultPublishTimeout = 100 * time.Millisecond
	defaultSendBuffer     = 64

	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	maxInboundBytes = 64 * 1024
)

// Hub is the shared subscriber table. Publish never blocks longer than the
// publish timeout per subscriber; a connection that cannot keep up is closed
// and must reconnect and re-subscribe.
type Hub struct {
	logger    *zap.Logger
	opts      Options
	restartID string
	handler   CommandHandler
	upgrader  websocket.Upgrader

	mu    sync.RWMutex
	conns map[string]*Conn
	rooms map[string]map[*Conn]struct{}
}

// New creates a Hub. The restart ID is minted once per process so clients
// can detect that server-side room state was lost.
func New(logger *zap.Logger, handler CommandHandler, opts Options) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.PublishTimeout == 0 {
		opts.PublishTimeout = defaultPublishTimeout
	}
	if opts.SendBuffer == 0 {
		opts.SendBuffer = defaultSendBuffer
	}
	return &Hub{
		logger:    logger,
		opts:      opts,
		restartID: uuid.New().String()[:8],
		handler:   handler,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Browser clients connect from the UI origin; the API carries no
			// ambient credentials, so cross-origin upgrades are accepted.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		conns: map[string]*Conn{},
		rooms: map[string]map[*Conn]struct{}{},
	}
}

// RestartID identifies this server process instance.
func (h *Hub) RestartID() string { return h.restartID }

// ServeHTTP upgrades the request and runs the connection's pumps. The
// connection greeting is the first frame every client receives.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	c := &Conn{
		id:   uuid.New().String()[:8],
		hub:  h,
		ws:   ws,
		send: make(chan []byte, h.opts.SendBuffer),
		done: make(chan struct{}),
	}

	h.mu.Lock()
	h.conns[c.id] = c
	h.mu.Unlock()
	h.logger.Info("client connected", zap.String("connection_id", c.id))

	c.Send(NewEnvelope(MsgConnection, "", 0, ConnectionPayload{
		ConnectionID:    c.id,
		ServerRestartID: h.restartID,
	}))

	go c.writePump()
	c.readPump(r.Context())
}

// Subscribe adds the connection to a room's fan-out set.
func (h *Hub) Subscribe(c *Conn, roomID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.rooms[roomID]
	if !ok {
		set = map[*Conn]struct{}{}
		h.rooms[roomID] = set
	}
	set[c] = struct{}{}
}

// Unsubscribe removes the connection from one room.
func (h *Hub) Unsubscribe(c *Conn, roomID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if set, ok := h.rooms[roomID]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(h.rooms, roomID)
		}
	}
}

// DropRoom removes every subscription to a room, e.g. after deletion.
func (h *Hub) DropRoom(roomID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.rooms, roomID)
}

// Publish fans an envelope out to the room's subscribers. Best-effort: a
// subscriber whose queue stays full past the publish timeout is dropped.
func (h *Hub) Publish(roomID string, env Envelope) {
	data, err := env.marshal()
	if err != nil {
		h.logger.Error("envelope marshal failed", zap.Error(err))
		return
	}

	h.mu.RLock()
	subs := make([]*Conn, 0, len(h.rooms[roomID]))
	for c := range h.rooms[roomID] {
		subs = append(subs, c)
	}
	h.mu.RUnlock()

	for _, c := range subs {
		if !c.trySend(data, h.opts.PublishTimeout) {
			h.logger.Warn("dropping slow subscriber",
				zap.String("connection_id", c.id),
				zap.String("room_id", roomID))
			c.close()
		}
	}
}

// Broadcast sends an envelope to every connection, subscribed or not. Used
// for roster-level updates such as rooms_list and room_deleted.
func (h *Hub) Broadcast(env Envelope) {
	data, err := env.marshal()
	if err != nil {
		h.logger.Error("envelope marshal failed", zap.Error(err))
		return
	}
	h.mu.RLock()
	conns := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	for _, c := range conns {
		if !c.trySend(data, h.opts.PublishTimeout) {
			c.close()
		}
	}
}

func (h *Hub) remove(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.conns, c.id)
	for roomID, set := range h.rooms {
		delete(set, c)
		if len(set) == 0 {
			delete(h.rooms, roomID)
		}
	}
}

// ---------------------------------------------------------------------------
// Connection
// ---------------------------------------------------------------------------

// Conn is one websocket client. All writes go through the send queue and a
// single writePump goroutine, as gorilla requires. The send channel is never
// closed; teardown is signaled through done so concurrent senders cannot
// race a close.
type Conn struct {
	id   string
	hub  *Hub
	ws   *websocket.Conn
	send chan []byte
	done chan struct{}

	closeOnce sync.Once
}

// ID returns the connection's ID, as sent in the greeting.
func (c *Conn) ID() string { return c.id }

// Send queues an envelope for this connection. Drops the connection if its
// queue stays full past the publish timeout.
func (c *Conn) Send(env Envelope) {
	data, err := env.marshal()
	if err != nil {
		c.hub.logger.Error("envelope marshal failed", zap.Error(err))
		return
	}
	if !c.trySend(data, c.hub.opts.PublishTimeout) {
		c.close()
	}
}

// SendError queues an error frame.
func (c *Conn) SendError(code, message, roomID string) {
	c.Send(NewEnvelope(MsgError, roomID, 0, ErrorPayload{
		Code:    code,
		Message: message,
		RoomID:  roomID,
	}))
}

func (c *Conn) trySend(data []byte, timeout time.Duration) bool {
	select {
	case c.send <- data:
		return true
	case <-c.done:
		return true // connection already torn down; nothing to deliver
	default:
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case c.send <- data:
		return true
	case <-c.done:
		return true
	case <-t.C:
		return false
	}
}

func (c *Conn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

func (c *Conn) readPump(ctx context.Context) {
	defer func() {
		c.hub.remove(c)
		c.close()
		c.ws.Close()
		c.hub.logger.Info("client disconnected", zap.String("connection_id", c.id))
	}()

	c.ws.SetReadLimit(maxInboundBytes)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("websocket read error",
					zap.String("connection_id", c.id), zap.Error(err))
			}
			return
		}

		cmd, werr := ParseCommand(data)
		if werr != nil {
			c.SendError(werr.Code, werr.Message, "")
			continue
		}
		if c.hub.handler != nil {
			c.hub.handler.ServeCommand(ctx, c, cmd)
		}
	}
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case data := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-c.done:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			c.ws.WriteMessage(websocket.CloseMessage, nil)
			return
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
