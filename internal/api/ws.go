package api

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tetherhq/tether/internal/broker"
	"github.com/tetherhq/tether/internal/schema"
	"github.com/tetherhq/tether/internal/watcher"
	"github.com/tetherhq/tether/pkg/protocol"
)

const (
	authDeadline = 10 * time.Second
	writeTimeout = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The daemon binds to loopback by default; cross-origin browser clients
	// are expected to carry a valid token anyway.
	CheckOrigin: func(*http.Request) bool { return true },
}

// wsConn wraps one client connection. gorilla/websocket allows a single
// concurrent writer, so all sends go through writeMu.
type wsConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex

	mu      sync.Mutex
	subs    map[string]func() // conversationId -> unsubscribe
	watches map[string]func() // path -> unwatch
}

func (c *wsConn) writeFrame(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteJSON(v)
}

func (c *wsConn) teardown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, unsub := range c.subs {
		unsub()
	}
	for _, unwatch := range c.watches {
		unwatch()
	}
	c.subs = nil
	c.watches = nil
}

// handleWS upgrades the connection and serves the frame loop. The first
// frame must be an auth frame; everything before a successful handshake is
// rejected with AuthRequired.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	c := &wsConn{
		conn:    conn,
		subs:    make(map[string]func()),
		watches: make(map[string]func()),
	}
	defer func() {
		c.teardown()
		conn.Close()
	}()

	if !s.wsHandshake(c) {
		return
	}

	for {
		var frame protocol.ClientFrame
		if err := conn.ReadJSON(&frame); err != nil {
			return
		}
		s.handleClientFrame(r, c, frame)
	}
}

// wsHandshake reads the auth frame within the deadline and validates its
// token.
func (s *Server) wsHandshake(c *wsConn) bool {
	c.conn.SetReadDeadline(time.Now().Add(authDeadline))
	defer c.conn.SetReadDeadline(time.Time{})

	var frame protocol.ClientFrame
	if err := c.conn.ReadJSON(&frame); err != nil {
		return false
	}
	if frame.Type != protocol.TypeAuth {
		c.writeFrame(protocol.NewError("", protocol.CodeAuthRequired, "auth frame required"))
		return false
	}
	if err := s.validator.Validate(frame.Token); err != nil {
		c.writeFrame(protocol.NewError("", protocol.CodeAuthRequired, "invalid token"))
		return false
	}
	return true
}

func (s *Server) handleClientFrame(r *http.Request, c *wsConn, frame protocol.ClientFrame) {
	switch frame.Type {
	case protocol.TypeSubscribe:
		s.handleSubscribe(r, c, frame)
	case protocol.TypeUnsubscribe:
		c.mu.Lock()
		unsub, ok := c.subs[frame.ConversationID]
		delete(c.subs, frame.ConversationID)
		c.mu.Unlock()
		if ok {
			unsub()
		}
	case protocol.TypeWatch:
		s.handleWatch(c, frame)
	case protocol.TypeUnwatch:
		c.mu.Lock()
		unwatch, ok := c.watches[frame.Path]
		delete(c.watches, frame.Path)
		c.mu.Unlock()
		if ok {
			unwatch()
		}
	default:
		c.writeFrame(protocol.NewError("", protocol.CodeBadRequest, "unknown frame type"))
	}
}

func (s *Server) handleSubscribe(r *http.Request, c *wsConn, frame protocol.ClientFrame) {
	id := frame.ConversationID
	if id == "" {
		c.writeFrame(protocol.NewError("", protocol.CodeBadRequest, "conversationId is required"))
		return
	}

	c.mu.Lock()
	_, dup := c.subs[id]
	c.mu.Unlock()
	if dup {
		c.writeFrame(protocol.NewError(id, protocol.CodeInvalidState, "already subscribed"))
		return
	}

	// Validate before acknowledging, so a failed subscribe is a single error
	// frame with no ack in front of it.
	conv, err := s.broker.GetConversation(r.Context(), id)
	if err != nil {
		c.writeFrame(protocol.NewError(id, brokerErrorCode(err), "subscribe failed"))
		return
	}
	switch conv.Status {
	case schema.StatusRunning, schema.StatusSuspended:
	default:
		c.writeFrame(protocol.NewError(id, protocol.CodeInvalidState, "subscribe failed"))
		return
	}

	// Acknowledge before the snapshot so the client can delimit it.
	if err := c.writeFrame(protocol.NewSubscribed(id, frame.Cursor)); err != nil {
		return
	}

	deliver := func(m schema.Message) {
		if err := c.writeFrame(protocol.NewMessage(m)); err != nil {
			// The read loop notices the broken connection and tears down.
			c.conn.Close()
		}
	}
	onDrop := func(err error) {
		c.writeFrame(protocol.NewError(id, protocol.CodeBackpressureDropped, err.Error()))
		c.mu.Lock()
		delete(c.subs, id)
		c.mu.Unlock()
	}

	unsub, err := s.broker.Attach(r.Context(), id, frame.Cursor, deliver, onDrop)
	if err != nil {
		c.writeFrame(protocol.NewError(id, brokerErrorCode(err), "subscribe failed"))
		return
	}
	c.mu.Lock()
	if c.subs == nil { // connection torn down while attaching
		c.mu.Unlock()
		unsub()
		return
	}
	c.subs[id] = unsub
	c.mu.Unlock()
}

func (s *Server) handleWatch(c *wsConn, frame protocol.ClientFrame) {
	if frame.Path == "" {
		c.writeFrame(protocol.NewError("", protocol.CodeBadRequest, "path is required"))
		return
	}
	if s.watcher == nil {
		c.writeFrame(protocol.NewError("", protocol.CodeInvalidState, "fs watching is disabled"))
		return
	}

	c.mu.Lock()
	_, dup := c.watches[frame.Path]
	c.mu.Unlock()
	if dup {
		c.writeFrame(protocol.NewError("", protocol.CodeInvalidState, "already watching"))
		return
	}

	unwatch, err := s.watcher.Watch(frame.Path, func(ev watcher.Event) {
		c.writeFrame(protocol.FSFrame{
			Type: protocol.TypeFS,
			Root: ev.Root,
			Op:   ev.Op,
			Path: ev.Path,
		})
	})
	if err != nil {
		c.writeFrame(protocol.NewError("", protocol.CodeBadRequest, "watch failed"))
		return
	}
	c.mu.Lock()
	if c.watches == nil {
		c.mu.Unlock()
		unwatch()
		return
	}
	c.watches[frame.Path] = unwatch
	c.mu.Unlock()
}

func brokerErrorCode(err error) string {
	switch {
	case errors.Is(err, broker.ErrNotFound):
		return protocol.CodeNotFound
	case errors.Is(err, broker.ErrInvalidState):
		return protocol.CodeInvalidState
	case errors.Is(err, broker.ErrAdapterUnavailable):
		return protocol.CodeAdapterUnavailable
	default:
		return protocol.CodeInternal
	}
}
