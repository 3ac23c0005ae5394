// Package cluster implements the replicated client->node and
// topicFilter->nodeSet maps and the remote-publish forwarding path described
// in spec §4.8: the coordinator that lets a publish on one node reach
// subscribers attached to another.
package cluster

import (
	"time"

	"github.com/axmq/ax/encoding"
)

// LogicalTime is a (nodeId, counter) pair used as a last-writer-wins clock
// for the replicated client->node map, per spec §4.8.
type LogicalTime struct {
	NodeID  string
	Counter uint64
}

// After reports whether t happened after other under last-writer-wins:
// higher counter wins; ties broken by nodeId to stay deterministic.
func (t LogicalTime) After(other LogicalTime) bool {
	if t.Counter != other.Counter {
		return t.Counter > other.Counter
	}
	return t.NodeID > other.NodeID
}

// ClusterSubscriptionAdd announces that nodeId now hosts at least one local
// subscriber for filter.
type ClusterSubscriptionAdd struct {
	NodeID string
	Filter string
}

// ClusterSubscriptionDelete announces that nodeId dropped its last local
// subscriber for filter.
type ClusterSubscriptionDelete struct {
	NodeID string
	Filter string
}

// ClientAttached announces that clientId's session is now owned by nodeId.
type ClientAttached struct {
	ClientID string
	NodeID   string
	LogicalT LogicalTime
}

// ClientDetached announces that nodeId no longer owns clientId's session.
type ClientDetached struct {
	ClientID string
	NodeID   string
	LogicalT LogicalTime
}

// SessionTakeover is broadcast by the node a client reconnects to, so the
// previous owning node can disconnect its local copy and forward in-flight
// state.
type SessionTakeover struct {
	ClientID  string
	NewNodeID string
	LogicalT  LogicalTime
}

// Envelope is the wire-transparent form of the published message described
// in spec §3 ("Published message (envelope)"). Properties are carried as a
// flat map to stay codec-agnostic across the cluster link.
type Envelope struct {
	Topic                 string
	Payload               []byte
	QoS                    encoding.QoS
	Retain                bool
	DUP                    bool
	Properties             map[string]any
	MessageExpiryInterval  uint32
	MessageExpirySet       bool
	ArrivalTime            time.Time
	SenderNodeID           string
	SenderClientID         string
	ContentType            string
	ResponseTopic          string
	CorrelationData        []byte
	PayloadFormatIndicator byte
}

// Expired reports whether the envelope's message-expiry deadline has
// passed as of now (spec §4.4 step 1).
func (e *Envelope) Expired(now time.Time) bool {
	if !e.MessageExpirySet || e.MessageExpiryInterval == 0 {
		return false
	}
	deadline := e.ArrivalTime.Add(time.Duration(e.MessageExpiryInterval) * time.Second)
	return now.After(deadline)
}

// RemainingExpiry returns the seconds left before the envelope expires, for
// re-stamping MessageExpiryInterval when forwarding (spec §3: "decremented
// when forwarded; drop if it reaches 0").
func (e *Envelope) RemainingExpiry(now time.Time) (uint32, bool) {
	if !e.MessageExpirySet {
		return 0, false
	}
	deadline := e.ArrivalTime.Add(time.Duration(e.MessageExpiryInterval) * time.Second)
	remaining := deadline.Sub(now)
	if remaining <= 0 {
		return 0, true
	}
	return uint32(remaining.Seconds()), false
}

// RemotePublish is sent to exactly one destination node per publish (spec
// §4.8): "the coordinator sends a RemotePublish message to each destination
// node exactly once per publish".
type RemotePublish struct {
	Envelope        Envelope
	TargetClientIDs []string // optional: narrows delivery to specific clients (shared-sub pick)
}
