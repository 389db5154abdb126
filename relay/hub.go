package relay

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Options tunes hub and connection behavior. Zero values fall back to the
// defaults below.
type Options struct {
	// OriginPatterns is passed to the websocket accept handshake.
	OriginPatterns []string
	// ReadLimit caps a single inbound frame in bytes.
	ReadLimit int64
	// WriteTimeout bounds one outbound websocket write.
	WriteTimeout time.Duration
	// SendQueueSize is the per-connection outbound queue length.
	SendQueueSize int
	// UnclaimedRoomTTL is how long an issued code may sit with no leg
	// bound before the sweeper reclaims it. Bound rooms never expire.
	UnclaimedRoomTTL time.Duration
}

const (
	defaultReadLimit     = 10 << 20 // matches the 10MB frame cap the clients assume
	defaultWriteTimeout  = 10 * time.Second
	defaultSendQueueSize = 64
	defaultRoomTTL       = 10 * time.Minute
	sweepInterval        = 30 * time.Second
)

func (o Options) withDefaults() Options {
	if len(o.OriginPatterns) == 0 {
		o.OriginPatterns = []string{"*"}
	}
	if o.ReadLimit == 0 {
		o.ReadLimit = defaultReadLimit
	}
	if o.WriteTimeout == 0 {
		o.WriteTimeout = defaultWriteTimeout
	}
	if o.SendQueueSize == 0 {
		o.SendQueueSize = defaultSendQueueSize
	}
	if o.UnclaimedRoomTTL == 0 {
		o.UnclaimedRoomTTL = defaultRoomTTL
	}
	return o
}

// Hub is the room registry: the process-wide map from pairing code to room,
// and the lifecycle manager binding connections to roles.
type Hub struct {
	mu    sync.Mutex
	rooms map[string]*Room

	opts   Options
	router *Router
}

// NewHub creates a hub and starts the unclaimed-room sweeper.
func NewHub(opts Options) *Hub {
	h := &Hub{
		rooms: make(map[string]*Room),
		opts:  opts.withDefaults(),
	}
	h.router = NewRouter(h)
	go h.sweepUnclaimedRooms()
	return h
}

// Reserve pre-creates an empty room for a freshly issued code. It reports
// false when the code already names an open room, which the code generator
// uses as its uniqueness check.
func (h *Hub) Reserve(code string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.rooms[code]; exists {
		return false
	}
	h.rooms[code] = newRoom(code)
	logrus.WithField("code", code).Info("Room reserved for new code")
	return true
}

// room returns the room for code, or nil.
func (h *Hub) room(code string) *Room {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.rooms[code]
}

// roomOrCreate returns the room for code, creating it if absent. Room
// creation is lazy: a client may bind to a code the registry has already
// reclaimed and get a fresh waiting room.
func (h *Hub) roomOrCreate(code string) *Room {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.rooms[code] == nil {
		h.rooms[code] = newRoom(code)
		logrus.WithField("code", code).Info("Room created on bind")
	}
	return h.rooms[code]
}

// Bind attaches s to the named role of code's room, creating the room if
// needed. A later bind for the same role silently supersedes the previous
// holder (last bind wins); rebinding the same identity is a no-op. When the
// bind completes the pair, the device leg is asked to re-send its file
// listing so the controller sees current state immediately.
func (h *Hub) Bind(code string, role Role, s Sender) {
	rm := h.roomOrCreate(code)

	rm.mu.Lock()
	prev := rm.leg(role)
	rm.setLeg(role, s)
	paired := rm.controller != nil && rm.device != nil
	device := rm.device
	rm.mu.Unlock()

	log := logrus.WithFields(logrus.Fields{
		"code": code,
		"role": role,
		"conn": s.ID(),
	})
	if prev != nil && prev.ID() != s.ID() {
		log.WithField("superseded", prev.ID()).Warn("Role rebound, previous binding superseded")
	} else {
		log.Info("Role bound")
	}

	if paired {
		_ = device.Send(map[string]any{"type": EventRequestFileList, "code": code})
	}
}

// Unbind clears the role binding of code's room, but only if connID still
// holds it: a stale unbind racing a newer bind must never evict the newer
// holder. The remaining counterpart is notified, in-flight transfers are
// abandoned, and an empty room is removed.
func (h *Hub) Unbind(code string, role Role, connID string) {
	rm := h.room(code)
	if rm == nil {
		return
	}

	rm.mu.Lock()
	current := rm.leg(role)
	if current == nil || current.ID() != connID {
		rm.mu.Unlock()
		return
	}
	rm.setLeg(role, nil)
	rm.dropBuffers()
	peer := rm.leg(counterpart(role))
	empty := rm.empty()
	rm.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"code": code,
		"role": role,
		"conn": connID,
	}).Info("Role unbound")

	if peer != nil {
		notice := EventWebDisconnected
		if role == RoleDevice {
			notice = EventMobileDisconnected
		}
		_ = peer.Send(map[string]any{"type": notice, "code": code})
	}

	if empty {
		h.teardownIfEmpty(code)
	}
}

// teardownIfEmpty removes the room only if it is still empty, re-checked
// under both locks in case a new bind arrived in the meantime.
func (h *Hub) teardownIfEmpty(code string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	rm := h.rooms[code]
	if rm == nil {
		return
	}
	rm.mu.Lock()
	empty := rm.empty()
	rm.mu.Unlock()
	if empty {
		delete(h.rooms, code)
		logrus.WithField("code", code).Info("Empty room removed")
	}
}

// Teardown removes the room and any transfer buffers with it. The code
// becomes reusable afterward.
func (h *Hub) Teardown(code string) {
	h.mu.Lock()
	rm := h.rooms[code]
	delete(h.rooms, code)
	h.mu.Unlock()

	if rm != nil {
		rm.mu.Lock()
		rm.dropBuffers()
		rm.mu.Unlock()
		logrus.WithField("code", code).Info("Room torn down")
	}
}

// Lookup returns a snapshot of the room's bindings, or false if the code
// names no open room.
func (h *Hub) Lookup(code string) (Snapshot, bool) {
	rm := h.room(code)
	if rm == nil {
		return Snapshot{}, false
	}
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return Snapshot{Controller: rm.controller, Device: rm.device}, true
}

// DropConnection unbinds every role connID holds across all rooms. This is
// the one O(active rooms) path; it runs only on transport-level disconnect.
func (h *Hub) DropConnection(connID string) {
	type binding struct {
		code string
		role Role
	}
	var bindings []binding

	h.mu.Lock()
	for code, rm := range h.rooms {
		rm.mu.Lock()
		if rm.controller != nil && rm.controller.ID() == connID {
			bindings = append(bindings, binding{code, RoleController})
		}
		if rm.device != nil && rm.device.ID() == connID {
			bindings = append(bindings, binding{code, RoleDevice})
		}
		rm.mu.Unlock()
	}
	h.mu.Unlock()

	for _, b := range bindings {
		h.Unbind(b.code, b.role, connID)
	}
}

// sweepUnclaimedRooms periodically reclaims rooms whose code was issued but
// never bound by either side. Bound rooms live until their last leg leaves.
func (h *Hub) sweepUnclaimedRooms() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for range ticker.C {
		cutoff := time.Now().Add(-h.opts.UnclaimedRoomTTL)

		h.mu.Lock()
		for code, rm := range h.rooms {
			rm.mu.Lock()
			stale := rm.empty() && rm.createdAt.Before(cutoff)
			rm.mu.Unlock()
			if stale {
				delete(h.rooms, code)
				logrus.WithField("code", code).Info("Reclaimed unclaimed room")
			}
		}
		h.mu.Unlock()
	}
}
