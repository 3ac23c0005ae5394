package cluster

import (
	"context"
	"sync"

	"github.com/axmq/ax/cluster/wire"
)

// LoopbackTransport is an in-process Transport for single-node deployments
// and tests: Send/Broadcast call the local handler directly. There is
// nowhere else to route to, so every frame is delivered to this node's own
// handler; a receiving node never re-broadcasts a RemotePublish (spec
// §4.8), so this does not create loops in practice.
type LoopbackTransport struct {
	mu      sync.RWMutex
	nodeID  string
	handler func(fromNodeID string, f wire.Frame)
	closed  bool
}

// NewLoopbackTransport creates a transport that only ever talks to itself.
func NewLoopbackTransport(nodeID string) *LoopbackTransport {
	return &LoopbackTransport{nodeID: nodeID}
}

func (l *LoopbackTransport) Send(_ context.Context, _ string, f wire.Frame) error {
	l.deliver(f)
	return nil
}

func (l *LoopbackTransport) Broadcast(_ context.Context, f wire.Frame) error {
	l.deliver(f)
	return nil
}

func (l *LoopbackTransport) deliver(f wire.Frame) {
	l.mu.RLock()
	handler := l.handler
	closed := l.closed
	nodeID := l.nodeID
	l.mu.RUnlock()

	if closed || handler == nil {
		return
	}
	handler(nodeID, f)
}

func (l *LoopbackTransport) Subscribe(handler func(fromNodeID string, f wire.Frame)) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handler = handler
	return nil
}

func (l *LoopbackTransport) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	l.handler = nil
	return nil
}
