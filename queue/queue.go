// Package queue implements the per-client, at-least-once offline delivery
// queue: a durable FIFO of messages a disconnected client will receive on
// reattach, re-sent with DUP=1 and acked cumulatively as PUBACK/PUBCOMP
// arrive.
package queue

import (
	"context"
	"time"

	"github.com/axmq/ax/encoding"
	"github.com/axmq/ax/types/message"
)

// Entry pairs a queued message with the monotonically increasing sequence
// number it was assigned at enqueue time. Sequence numbers are per-client
// and never reused, so ack(seq) unambiguously identifies everything at or
// before it.
type Entry struct {
	Seq      uint64
	Message  *message.Message
	QueuedAt time.Time
}

// Queue is the per-client FIFO described above. With PebbleQueue a message
// survives process restart once Enqueue returns nil; MemoryQueue keeps
// entries in process memory only.
type Queue interface {
	// Enqueue durably appends msg to clientID's queue and returns the
	// sequence number it was assigned.
	Enqueue(ctx context.Context, clientID string, msg *message.Message) (uint64, error)

	// PeekRange returns up to n entries with Seq > cursor, in ascending
	// Seq order, without removing them.
	PeekRange(ctx context.Context, clientID string, cursor uint64, n int) ([]Entry, error)

	// Ack removes every entry with Seq <= seq for clientID (cumulative).
	Ack(ctx context.Context, clientID string, seq uint64) error

	// Purge removes every entry for clientID, used on session expiry or
	// a clean-start reconnect.
	Purge(ctx context.Context, clientID string) error

	// Depth reports the number of queued entries for clientID, split by
	// whether they are QoS 0 or QoS 1/2, for backpressure decisions.
	Depth(ctx context.Context, clientID string) (qos0, qos12 int, err error)

	// DropOldestQoS0 removes the single oldest QoS 0 entry for clientID,
	// if one exists, per the backpressure rule in spec §4.6 ("drop the
	// oldest QoS 0 first"). Returns whether an entry was dropped.
	DropOldestQoS0(ctx context.Context, clientID string) (bool, error)

	// Close releases underlying resources.
	Close() error
}

// isQoS0 is a small helper shared by backends so the "which messages count
// toward the QoS0-vs-QoS12 split" rule lives in one place.
func isQoS0(msg *message.Message) bool {
	return msg.QoS == encoding.QoS0
}
