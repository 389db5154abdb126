package relay

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ErrConnClosed indicates a send against a connection already torn down.
var ErrConnClosed = errors.New("connection closed")

// ErrSendQueueFull indicates the peer is not draining its outbound queue.
var ErrSendQueueFull = errors.New("send queue full")

// client is one physical websocket connection. It binds to at most one
// (code, role) pair at a time; registering under a new code implicitly
// unbinds the previous pair.
type client struct {
	id   string
	conn *websocket.Conn

	sendMu sync.Mutex
	sendCh chan []byte
	closed bool

	mu   sync.Mutex
	code string
	role Role
}

func (c *client) ID() string { return c.id }

// Send marshals v and queues it for the write pump. It never blocks on the
// network; a full queue drops the event with an error rather than stalling
// the routing path.
func (c *client) Send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.closed {
		return ErrConnClosed
	}
	select {
	case c.sendCh <- data:
		return nil
	default:
		logrus.WithField("conn", c.id).Warn("Send queue full, dropping event")
		return ErrSendQueueFull
	}
}

func (c *client) closeSend() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.sendCh)
	}
}

// writePump serializes all outbound writes for the connection so forwarded
// events reach the peer in the order they were routed.
func (c *client) writePump(timeout time.Duration) {
	for data := range c.sendCh {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		err := c.conn.Write(ctx, websocket.MessageText, data)
		cancel()
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"conn":  c.id,
				"error": err.Error(),
			}).Debug("Write failed, stopping pump")
			return
		}
	}
}

// binding returns the client's current (code, role) pair.
func (c *client) binding() (string, Role) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.code, c.role
}

// clearBinding resets the client's pair if it still matches code.
func (c *client) clearBinding(code string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.code == code {
		c.code = ""
		c.role = ""
	}
}

// ServeWS returns the websocket endpoint handler. Each accepted connection
// gets a transport identity and a read loop; on read error the connection
// is swept out of every room it was bound to.
func (h *Hub) ServeWS() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			OriginPatterns: h.opts.OriginPatterns,
		})
		if err != nil {
			logrus.WithField("error", err.Error()).Warn("Websocket accept failed")
			return
		}
		conn.SetReadLimit(h.opts.ReadLimit)

		c := &client{
			id:     uuid.NewString(),
			conn:   conn,
			sendCh: make(chan []byte, h.opts.SendQueueSize),
		}
		defer conn.Close(websocket.StatusNormalClosure, "connection closed")

		go c.writePump(h.opts.WriteTimeout)
		logrus.WithField("conn", c.id).Info("Connection accepted")

		defer func() {
			c.closeSend()
			h.DropConnection(c.id)
			logrus.WithField("conn", c.id).Info("Connection closed")
		}()

		for {
			_, data, err := conn.Read(r.Context())
			if err != nil {
				return
			}
			h.dispatch(c, data)
		}
	}
}

// dispatch decodes one inbound frame and hands it to the lifecycle layer or
// the router. Malformed frames are dropped.
func (h *Hub) dispatch(c *client, data []byte) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		logrus.WithFields(logrus.Fields{
			"conn":  c.id,
			"error": err.Error(),
		}).Debug("Dropping malformed frame")
		return
	}

	switch env.Type {
	case EventRegisterController:
		h.register(c, env.Code, RoleController)
		return
	case EventRegisterDevice:
		h.register(c, env.Code, RoleDevice)
		return
	}

	_, role := c.binding()
	if err := h.router.Route(c, role, env.Type, env.Code, data); err != nil {
		logrus.WithFields(logrus.Fields{
			"conn":  c.id,
			"event": env.Type,
			"code":  env.Code,
			"error": err.Error(),
		}).Debug("Event not routed")
	}

	if env.Type == EventDisconnectWeb || env.Type == EventDisconnectMobile {
		c.clearBinding(env.Code)
	}
}

// register binds the connection to (code, role). A connection holds one
// binding at a time, so any previous pair is unbound first.
func (h *Hub) register(c *client, code string, role Role) {
	if code == "" {
		logrus.WithField("conn", c.id).Debug("Ignoring register event without code")
		return
	}

	c.mu.Lock()
	prevCode, prevRole := c.code, c.role
	c.code = code
	c.role = role
	c.mu.Unlock()

	if prevCode != "" && (prevCode != code || prevRole != role) {
		h.Unbind(prevCode, prevRole, c.id)
	}
	h.Bind(code, role, c)
}
