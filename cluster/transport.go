package cluster

import (
	"context"

	"github.com/axmq/ax/cluster/wire"
)

// Transport is the inter-node unicast/broadcast delivery abstraction spec
// §6 requires: "any reliable, ordered unicast delivery with message
// framing". Implementations only need to move Frames; the Coordinator owns
// all cluster semantics.
type Transport interface {
	// Send delivers a frame to exactly one destination node.
	Send(ctx context.Context, nodeID string, f wire.Frame) error
	// Broadcast delivers a frame to every other node (used for the
	// replicated-map add/delete/attach/detach/takeover events).
	Broadcast(ctx context.Context, f wire.Frame) error
	// Subscribe registers a handler invoked for every frame received from
	// any peer (including frames this node Broadcasts, which a real
	// transport would not loop back — LoopbackTransport is the exception,
	// used only in single-node mode).
	Subscribe(handler func(fromNodeID string, f wire.Frame)) error
	// Close releases transport resources.
	Close() error
}
