package cluster

import (
	"context"
	"log/slog"
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/axmq/ax/cluster/wire"
)

// RemoteDeliveryFunc hands a RemotePublish received from another node to
// this node's local publish router. senderNodeID is preserved on the
// envelope per spec §4.8 ("The receiving node hands the envelope to its
// local publish router with senderNodeId preserved").
type RemoteDeliveryFunc func(ctx context.Context, rp RemotePublish)

// TakeoverFunc is invoked when this node learns (via a SessionTakeover
// broadcast from another node) that a client it was hosting has moved.
// The callback is responsible for disconnecting any still-local
// connection for clientID without publishing its will (spec §4.2/§4.8).
type TakeoverFunc func(clientID string, newNodeID string)

// Coordinator is the cluster coordination plane (spec §4.8): it owns the
// two replicated maps and forwards publishes to remote subscribers with
// at-most-once duplication per node.
type Coordinator struct {
	nodeID    string
	transport Transport
	logger    *slog.Logger

	clientNodes *ClientNodeMap
	topicNodes  *TopicNodeSet

	mu         sync.RWMutex
	onRemote   RemoteDeliveryFunc
	onTakeover TakeoverFunc
}

// NewCoordinator creates a coordinator bound to nodeID and the given
// transport. Call Start to begin receiving frames.
func NewCoordinator(nodeID string, transport Transport, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		nodeID:      nodeID,
		transport:   transport,
		logger:      logger,
		clientNodes: NewClientNodeMap(),
		topicNodes:  NewTopicNodeSet(),
	}
}

// NodeID returns this coordinator's node identifier.
func (c *Coordinator) NodeID() string { return c.nodeID }

// ClientNodes exposes the replicated client->node map for read access
// (e.g. by the session manager deciding whether a reconnecting client is
// a local or cross-node takeover).
func (c *Coordinator) ClientNodes() *ClientNodeMap { return c.clientNodes }

// TopicNodes exposes the replicated topicFilter->nodeSet map.
func (c *Coordinator) TopicNodes() *TopicNodeSet { return c.topicNodes }

// Start registers the frame handler with the transport. onRemote is called
// for inbound RemotePublish frames; onTakeover for inbound SessionTakeover
// frames targeting a client this node might still be hosting.
func (c *Coordinator) Start(onRemote RemoteDeliveryFunc, onTakeover TakeoverFunc) error {
	c.mu.Lock()
	c.onRemote = onRemote
	c.onTakeover = onTakeover
	c.mu.Unlock()

	return c.transport.Subscribe(c.handleFrame)
}

func (c *Coordinator) handleFrame(fromNodeID string, f wire.Frame) {
	switch f.Type {
	case wire.FrameSubscriptionAdd:
		var msg ClusterSubscriptionAdd
		if err := wire.Decode(f, &msg); err != nil {
			c.logger.Warn("cluster: decode subscription-add failed", "err", err)
			return
		}
		c.topicNodes.Add(msg.Filter, msg.NodeID)

	case wire.FrameSubscriptionDelete:
		var msg ClusterSubscriptionDelete
		if err := wire.Decode(f, &msg); err != nil {
			c.logger.Warn("cluster: decode subscription-delete failed", "err", err)
			return
		}
		c.topicNodes.Remove(msg.Filter, msg.NodeID)

	case wire.FrameClientAttached:
		var msg ClientAttached
		if err := wire.Decode(f, &msg); err != nil {
			c.logger.Warn("cluster: decode client-attached failed", "err", err)
			return
		}
		c.clientNodes.Attach(msg.ClientID, msg.NodeID, msg.LogicalT)

	case wire.FrameClientDetached:
		var msg ClientDetached
		if err := wire.Decode(f, &msg); err != nil {
			c.logger.Warn("cluster: decode client-detached failed", "err", err)
			return
		}
		c.clientNodes.Detach(msg.ClientID, msg.NodeID, msg.LogicalT)

	case wire.FrameSessionTakeover:
		var msg SessionTakeover
		if err := wire.Decode(f, &msg); err != nil {
			c.logger.Warn("cluster: decode session-takeover failed", "err", err)
			return
		}
		c.clientNodes.Attach(msg.ClientID, msg.NewNodeID, msg.LogicalT)
		c.mu.RLock()
		onTakeover := c.onTakeover
		c.mu.RUnlock()
		if onTakeover != nil {
			onTakeover(msg.ClientID, msg.NewNodeID)
		}

	case wire.FrameRemotePublish:
		var rp RemotePublish
		if err := wire.Decode(f, &rp); err != nil {
			c.logger.Warn("cluster: decode remote-publish failed", "err", err)
			return
		}
		c.mu.RLock()
		onRemote := c.onRemote
		c.mu.RUnlock()
		if onRemote != nil {
			onRemote(context.Background(), rp)
		}

	case wire.FrameHeartbeat:
		// link liveness only; nothing to do.

	default:
		c.logger.Warn("cluster: unknown frame type", "type", f.Type, "from", fromNodeID)
	}
}

// AnnounceSubscriptionAdd broadcasts that this node now hosts filter, and
// updates the local view of the map immediately (so Targets reflects it
// without waiting for the broadcast round-trip).
func (c *Coordinator) AnnounceSubscriptionAdd(ctx context.Context, filter string) error {
	c.topicNodes.Add(filter, c.nodeID)
	f, err := wire.Encode(wire.FrameSubscriptionAdd, ClusterSubscriptionAdd{NodeID: c.nodeID, Filter: filter})
	if err != nil {
		return errors.Wrap(err, "cluster: encode subscription-add")
	}
	return c.transport.Broadcast(ctx, f)
}

// AnnounceSubscriptionDelete broadcasts that this node dropped its last
// local subscriber for filter.
func (c *Coordinator) AnnounceSubscriptionDelete(ctx context.Context, filter string) error {
	c.topicNodes.Remove(filter, c.nodeID)
	f, err := wire.Encode(wire.FrameSubscriptionDelete, ClusterSubscriptionDelete{NodeID: c.nodeID, Filter: filter})
	if err != nil {
		return errors.Wrap(err, "cluster: encode subscription-delete")
	}
	return c.transport.Broadcast(ctx, f)
}

// AnnounceClientAttached broadcasts that clientID is now owned by this
// node, returning the LogicalTime used so callers can persist it if
// needed.
func (c *Coordinator) AnnounceClientAttached(ctx context.Context, clientID string) (LogicalTime, error) {
	lt := c.clientNodes.NextLogicalTime(c.nodeID)
	c.clientNodes.Attach(clientID, c.nodeID, lt)
	f, err := wire.Encode(wire.FrameClientAttached, ClientAttached{ClientID: clientID, NodeID: c.nodeID, LogicalT: lt})
	if err != nil {
		return lt, errors.Wrap(err, "cluster: encode client-attached")
	}
	return lt, c.transport.Broadcast(ctx, f)
}

// AnnounceClientDetached broadcasts that this node no longer owns clientID.
func (c *Coordinator) AnnounceClientDetached(ctx context.Context, clientID string) error {
	lt := c.clientNodes.NextLogicalTime(c.nodeID)
	c.clientNodes.Detach(clientID, c.nodeID, lt)
	f, err := wire.Encode(wire.FrameClientDetached, ClientDetached{ClientID: clientID, NodeID: c.nodeID, LogicalT: lt})
	if err != nil {
		return errors.Wrap(err, "cluster: encode client-detached")
	}
	return c.transport.Broadcast(ctx, f)
}

// AnnounceTakeover broadcasts a SessionTakeover for clientID reconnecting
// to this node, per spec §4.8: "node B first broadcasts a takeover event".
func (c *Coordinator) AnnounceTakeover(ctx context.Context, clientID string) (LogicalTime, error) {
	lt := c.clientNodes.NextLogicalTime(c.nodeID)
	c.clientNodes.Attach(clientID, c.nodeID, lt)
	f, err := wire.Encode(wire.FrameSessionTakeover, SessionTakeover{ClientID: clientID, NewNodeID: c.nodeID, LogicalT: lt})
	if err != nil {
		return lt, errors.Wrap(err, "cluster: encode session-takeover")
	}
	return lt, c.transport.Broadcast(ctx, f)
}

// Targets resolves a set of matched local topic filters into destination
// nodeIds, excluding this node, per spec §4.4 step 3: "the set of
// destination nodeIds" computed by "intersecting topicFilter->nodeSet with
// the matched filters".
func (c *Coordinator) Targets(matchedFilters []string) []string {
	seen := make(map[string]struct{})
	var out []string

	for _, filter := range matchedFilters {
		for _, nodeID := range c.topicNodes.NodesForFilter(filter) {
			if nodeID == c.nodeID {
				continue
			}
			if _, ok := seen[nodeID]; ok {
				continue
			}
			seen[nodeID] = struct{}{}
			out = append(out, nodeID)
		}
	}
	return out
}

// PublishRemote sends a RemotePublish to each destination node exactly
// once (spec §4.8).
func (c *Coordinator) PublishRemote(ctx context.Context, envelope Envelope, destinations []string, targetClientIDs []string) error {
	if len(destinations) == 0 {
		return nil
	}

	f, err := wire.Encode(wire.FrameRemotePublish, RemotePublish{Envelope: envelope, TargetClientIDs: targetClientIDs})
	if err != nil {
		return errors.Wrap(err, "cluster: encode remote-publish")
	}

	var firstErr error
	for _, nodeID := range destinations {
		if err := c.transport.Send(ctx, nodeID, f); err != nil {
			c.logger.Warn("cluster: remote publish send failed", "node", nodeID, "err", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// Close releases the underlying transport.
func (c *Coordinator) Close() error {
	return c.transport.Close()
}
