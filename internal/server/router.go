package server

import (
	"encoding/json"
	"fmt"

	"github.com/Tyrowin/roomchat/internal/protocol"
)

// Membership answers who is in a room.
type Membership interface {
	MembersOf(room string) []ConnID
}

// Deliverer queues a frame for one connection without blocking. It reports
// false when the frame could not be queued.
type Deliverer interface {
	Deliver(conn ConnID, frame []byte) bool
}

// Router fans a message out to every member of its room, sender included.
// Delivery is fire-and-forget.
type Router struct {
	members Membership
	out     Deliverer
}

// NewRouter creates a Router over the given membership source and deliverer.
func NewRouter(members Membership, out Deliverer) *Router {
	return &Router{members: members, out: out}
}

// Route wraps payload in a receive_msg envelope and queues it for every
// member of room. It returns the members whose queue rejected the frame.
func (r *Router) Route(room string, payload json.RawMessage) ([]ConnID, error) {
	members := r.members.MembersOf(room)
	if len(members) == 0 {
		return nil, nil
	}

	frame, err := protocol.WrapRaw(protocol.EventReceiveMsg, payload)
	if err != nil {
		return nil, fmt.Errorf("wrap message for room %s: %w", room, err)
	}

	var failed []ConnID
	for _, conn := range members {
		if !r.out.Deliver(conn, frame) {
			failed = append(failed, conn)
		}
	}
	return failed, nil
}
