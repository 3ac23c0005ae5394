// Package router implements the publish fan-out described in spec §4.4:
// given an accepted envelope, deliver it to every matching local
// subscriber (respecting noLocal, effective QoS, and RETAIN rules),
// forward it to the cluster for remote subscribers, and optionally archive
// it.
package router

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/axmq/ax/cluster"
	"github.com/axmq/ax/encoding"
	"github.com/axmq/ax/queue"
	"github.com/axmq/ax/session"
	"github.com/axmq/ax/topic"
	"github.com/axmq/ax/types/message"
)

// Config wires the router to its collaborators. TopicRouter and Sessions
// are required; everything else is optional (a standalone, single-node
// broker runs with Coordinator == nil and skips remote fan-out).
type Config struct {
	TopicRouter *topic.Router
	Sessions    *session.Manager
	Queue       queue.Queue
	Deliverer   LocalDeliverer
	Coordinator *cluster.Coordinator
	Archive     ArchiveStore

	// MaxQoS12Quota bounds per-client queued QoS 1/2 depth (spec §4.6
	// backpressure rule). Zero means unlimited.
	MaxQoS12Quota int
}

// Router is the publish fan-out engine.
type Router struct {
	cfg     Config
	matcher *topic.TopicMatcher

	// senderLocks serializes all processing for a given sender so that
	// per-(sender,subscriber) FIFO order (spec §4.4/§5) holds: two
	// envelopes from the same sender are never fanned out concurrently,
	// so the first is always fully enqueued to every subscriber before
	// the second begins.
	senderLocks sync.Map // senderClientID -> *sync.Mutex
}

// New creates a Router. TopicRouter and Sessions must be non-nil.
func New(cfg Config) *Router {
	return &Router{cfg: cfg, matcher: topic.NewTopicMatcher()}
}

// Outcome summarizes what happened to one Publish call, used by the
// session/QoS layer to decide what to ack or NACK back to the publisher.
type Outcome struct {
	LocalDelivered int
	LocalQueued    int
	LocalDropped   int
	RemoteTargets  []string
	QuotaExceeded  bool
}

func (r *Router) senderLock(senderClientID string) *sync.Mutex {
	v, _ := r.senderLocks.LoadOrStore(senderClientID, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// Publish runs the full fan-out algorithm for a single accepted envelope.
func (r *Router) Publish(ctx context.Context, env cluster.Envelope) (Outcome, error) {
	lock := r.senderLock(env.SenderClientID)
	lock.Lock()
	defer lock.Unlock()

	var out Outcome

	if env.Expired(time.Now()) {
		return out, nil
	}

	var isConnected func(string) bool
	if r.cfg.Deliverer != nil {
		isConnected = r.cfg.Deliverer.IsAttached
	}
	matched := r.cfg.TopicRouter.MatchWithPublisherConnected(env.Topic, env.SenderClientID, isConnected)

	for _, sub := range matched {
		delivered, queued, dropped, quotaHit, err := r.deliverToSubscriber(ctx, env, sub)
		if err != nil {
			return out, err
		}
		if delivered {
			out.LocalDelivered++
		}
		if queued {
			out.LocalQueued++
		}
		if dropped {
			out.LocalDropped++
		}
		if quotaHit {
			out.QuotaExceeded = true
		}
	}

	// Only forward envelopes that originated on this node. An envelope
	// handed back in by the cluster coordinator (spec §4.8: "the receiving
	// node hands the envelope to its local publish router with
	// senderNodeId preserved") still carries the sending node's ID, so this
	// guard stops it from being forwarded a second time.
	if r.cfg.Coordinator != nil && env.SenderNodeID == r.cfg.Coordinator.NodeID() {
		targets := r.remoteTargets(env.Topic)
		if len(targets) > 0 {
			if err := r.cfg.Coordinator.PublishRemote(ctx, env, targets, nil); err != nil {
				return out, errors.Wrap(err, "router: remote publish")
			}
			out.RemoteTargets = targets
		}
	}

	if r.cfg.Archive != nil {
		if err := r.cfg.Archive.Append(ctx, env); err != nil {
			return out, errors.Wrap(err, "router: archive append")
		}
	}

	return out, nil
}

// remoteTargets resolves env.Topic against every filter the cluster's
// replicated topicFilter->nodeSet map currently knows about, per spec
// §4.4 step 3: the router consults the replicated map, never remote
// subscription state directly.
func (r *Router) remoteTargets(topicName string) []string {
	var matchedFilters []string
	for _, filter := range r.cfg.Coordinator.TopicNodes().Filters() {
		if r.matcher.Match(filter, topicName) {
			matchedFilters = append(matchedFilters, filter)
		}
	}
	return r.cfg.Coordinator.Targets(matchedFilters)
}

func effectiveQoS(publishQoS encoding.QoS, subQoS byte) encoding.QoS {
	if byte(publishQoS) < subQoS {
		return publishQoS
	}
	return encoding.QoS(subQoS)
}

func (r *Router) buildOutgoing(env cluster.Envelope, sub topic.SubscriberInfo) *message.Message {
	qos := effectiveQoS(env.QoS, sub.QoS)
	retain := sub.RetainAsPublished && env.Retain

	props := make(map[string]interface{}, len(env.Properties)+1)
	for k, v := range env.Properties {
		props[k] = v
	}
	if sub.SubscriptionIdentifier != 0 {
		props["SubscriptionIdentifier"] = sub.SubscriptionIdentifier
	}

	msg := message.NewMessage(0, env.Topic, env.Payload, qos, retain, props)
	msg.DUP = env.DUP
	return msg
}

// deliverToSubscriber handles one matched subscriber per spec §4.4 step 2.
func (r *Router) deliverToSubscriber(ctx context.Context, env cluster.Envelope, sub topic.SubscriberInfo) (delivered, queued, dropped, quotaHit bool, err error) {
	msg := r.buildOutgoing(env, sub)

	sess, lookupErr := r.cfg.Sessions.GetSession(ctx, sub.ClientID)
	attached := lookupErr == nil && sess != nil && sess.GetState() == session.StateActive

	if attached {
		if r.cfg.Deliverer == nil {
			return false, false, false, false, ErrNoDeliverer
		}
		if derr := r.cfg.Deliverer.Deliver(ctx, sub.ClientID, msg); derr == nil {
			return true, false, false, false, nil
		}
		// Deliverer reports the session is no longer actually attached;
		// fall through to the offline path below.
	}

	if msg.QoS == encoding.QoS0 {
		return false, false, true, false, nil
	}

	if r.cfg.Queue == nil {
		return false, false, true, false, nil
	}

	if r.cfg.MaxQoS12Quota > 0 {
		qos0, qos12, derr := r.cfg.Queue.Depth(ctx, sub.ClientID)
		if derr != nil {
			return false, false, false, false, errors.Wrap(derr, "router: queue depth")
		}
		if qos0 > 0 {
			_, _ = r.cfg.Queue.DropOldestQoS0(ctx, sub.ClientID)
		}
		if qos12 >= r.cfg.MaxQoS12Quota {
			return false, false, false, true, nil
		}
	}

	if _, derr := r.cfg.Queue.Enqueue(ctx, sub.ClientID, msg); derr != nil {
		return false, false, false, false, errors.Wrap(derr, "router: enqueue")
	}
	return false, true, false, false, nil
}
