package broker

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/axmq/ax/bus"
	"github.com/axmq/ax/types/message"
)

// ErrClientNotAttached is returned by Registry.Deliver when no live
// connection is currently registered for a client ID, signalling
// router.Router to fall back to the offline queue.
var ErrClientNotAttached = errors.New("broker: client not attached")

// attachedConn is the subset of *connection the registry needs to evict a
// superseded owner on same-node session takeover (spec §4.2).
type attachedConn interface {
	Close() error
	MarkSuperseded()
}

// Registry tracks which client IDs have a live local connection and
// satisfies router.LocalDeliverer by publishing onto the shared event bus
// address a connection subscribed to (bus.ClientMsg). The bus decouples
// the router, which only knows client IDs, from connection objects, which
// own the actual socket.
type Registry struct {
	bus *bus.Bus

	mu      sync.RWMutex
	present map[string]attachedConn
}

// NewRegistry creates a Registry backed by the given bus.
func NewRegistry(b *bus.Bus) *Registry {
	return &Registry{bus: b, present: make(map[string]attachedConn)}
}

// Attach marks clientID as locally connected to conn. Call once a CONNACK
// has been sent and the connection is ready to receive bus.ClientMsg
// events. If another connection already owned clientID, it is returned so
// the caller can evict it (spec §4.2 session takeover) instead of leaving
// two live sockets subscribed to the same client address.
func (r *Registry) Attach(clientID string, conn attachedConn) (evicted attachedConn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	evicted = r.present[clientID]
	r.present[clientID] = conn
	return evicted
}

// Evict forcibly disconnects clientID's local connection, if any, without
// publishing its will (spec §4.8: a cross-node takeover supersedes the old
// owner the same way a same-node reattach does). The registry entry itself
// is left for the evicted connection's own cleanup to remove, matching the
// same-node path where the evicted side never deletes the new owner's
// entry.
func (r *Registry) Evict(clientID string) {
	r.mu.RLock()
	conn, ok := r.present[clientID]
	r.mu.RUnlock()
	if !ok {
		return
	}
	conn.MarkSuperseded()
	_ = conn.Close()
}

// Detach marks clientID as no longer locally connected.
func (r *Registry) Detach(clientID string) {
	r.mu.Lock()
	delete(r.present, clientID)
	r.mu.Unlock()
}

// DetachIfCurrent removes clientID's entry only if it still points at conn.
// A superseded connection (same-node reattach or cross-node Evict) must
// call this instead of Detach: on a same-node takeover, Attach already
// overwrote the map entry with the new owner before the old connection's
// cleanup runs, and deleting unconditionally would drop the new owner along
// with the old one. On a cross-node Evict, no local Attach ever replaces the
// entry, so this is what actually clears it.
func (r *Registry) DetachIfCurrent(clientID string, conn attachedConn) {
	r.mu.Lock()
	if r.present[clientID] == conn {
		delete(r.present, clientID)
	}
	r.mu.Unlock()
}

// IsAttached reports whether clientID currently has a live local connection.
func (r *Registry) IsAttached(clientID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.present[clientID]
	return ok
}

// Deliver publishes msg to clientID's bus address if it is locally
// attached; otherwise it reports ErrClientNotAttached so the caller (the
// router) enqueues the message for offline delivery instead.
func (r *Registry) Deliver(ctx context.Context, clientID string, msg *message.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !r.IsAttached(clientID) {
		return ErrClientNotAttached
	}
	r.bus.Publish(bus.ClientMsg(clientID), msg)
	return nil
}

// Count returns the number of currently attached clients.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.present)
}
