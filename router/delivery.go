package router

import (
	"context"

	"github.com/axmq/ax/cluster"
	"github.com/axmq/ax/types/message"
)

// LocalDeliverer hands a message to a locally-attached client's connection
// context, respecting that connection's receive-maximum in-flight window
// (spec §4.2/§4.4): if the window is full, the implementation is expected to
// append the message to its own per-session pending structure (the
// connection-owned QoS handler) rather than return an error — Deliver only
// returns an error when the session is not actually attached anymore (a
// race between the router's session lookup and the connection closing), in
// which case the router falls back to the offline queue.
type LocalDeliverer interface {
	Deliver(ctx context.Context, clientID string, msg *message.Message) error

	// IsAttached reports whether clientID currently has a live local
	// connection, used to skip disconnected members when picking a shared
	// subscription's recipient (spec §4.3: "non-connected members are
	// skipped").
	IsAttached(clientID string) bool
}

// ArchiveStore is the optional audit/history sink from spec §6
// ("Optional ArchiveStore: append(envelope) for audit/history").
type ArchiveStore interface {
	Append(ctx context.Context, envelope cluster.Envelope) error
}
