package relay

import (
	"sync"
	"time"
)

// Sender is one bound leg of a room: a handle the relay can push events to.
// Send must not block on the network; implementations enqueue and return.
type Sender interface {
	// ID is the transport-level connection identity. Rooms reference
	// legs by identity only and never own the connection's lifetime.
	ID() string
	// Send marshals v as JSON and queues it for delivery.
	Send(v any) error
}

// Room holds the per-code state: the two role bindings and at most one
// in-flight transfer buffer per direction. The room mutex is the single
// serialization domain for everything inside it.
type Room struct {
	mu sync.Mutex

	code       string
	controller Sender
	device     Sender

	// download buffers device -> controller chunks, upload buffers
	// controller -> device chunks. Nil when no transfer is in flight.
	download *TransferBuffer
	upload   *TransferBuffer

	createdAt time.Time
}

func newRoom(code string) *Room {
	return &Room{code: code, createdAt: time.Now()}
}

// leg returns the sender bound to role. Caller holds the room lock.
func (rm *Room) leg(role Role) Sender {
	if role == RoleController {
		return rm.controller
	}
	return rm.device
}

// setLeg binds a sender to role, replacing any previous binding.
// Caller holds the room lock.
func (rm *Room) setLeg(role Role, s Sender) {
	if role == RoleController {
		rm.controller = s
		return
	}
	rm.device = s
}

// counterpart returns the opposite role.
func counterpart(role Role) Role {
	if role == RoleController {
		return RoleDevice
	}
	return RoleController
}

// dropBuffers abandons both in-flight transfers. Caller holds the room
// lock. Abandoned buffers must never produce a delivery afterward, which
// holds because delivery only happens at finalization of a buffer still
// referenced by the room.
func (rm *Room) dropBuffers() {
	rm.download = nil
	rm.upload = nil
}

// empty reports whether neither role is bound. Caller holds the room lock.
func (rm *Room) empty() bool {
	return rm.controller == nil && rm.device == nil
}

// Snapshot is a read-only view of a room's bindings, taken under the room
// lock for the router's pre-forward checks.
type Snapshot struct {
	Controller Sender
	Device     Sender
}
