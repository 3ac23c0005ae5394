package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/axmq/ax/types/message"
)

type clientFIFO struct {
	nextSeq uint64
	entries []Entry // kept sorted ascending by Seq; Ack/DropOldestQoS0 slice from the front
}

// MemoryQueue is an in-process Queue implementation. It does not survive a
// process restart; it exists for single-node/test deployments. PebbleQueue
// does not use it.
type MemoryQueue struct {
	mu      sync.Mutex
	clients map[string]*clientFIFO
	closed  bool
}

// NewMemoryQueue creates an empty in-memory queue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{clients: make(map[string]*clientFIFO)}
}

func (q *MemoryQueue) clientFor(clientID string) *clientFIFO {
	c, ok := q.clients[clientID]
	if !ok {
		c = &clientFIFO{nextSeq: 1}
		q.clients[clientID] = c
	}
	return c
}

func (q *MemoryQueue) Enqueue(ctx context.Context, clientID string, msg *message.Message) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return 0, ErrQueueClosed
	}

	c := q.clientFor(clientID)
	seq := c.nextSeq
	c.nextSeq++
	c.entries = append(c.entries, Entry{Seq: seq, Message: msg, QueuedAt: time.Now()})
	return seq, nil
}

func (q *MemoryQueue) PeekRange(ctx context.Context, clientID string, cursor uint64, n int) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil, ErrQueueClosed
	}

	c, ok := q.clients[clientID]
	if !ok {
		return nil, nil
	}

	start := sort.Search(len(c.entries), func(i int) bool { return c.entries[i].Seq > cursor })
	end := start + n
	if end > len(c.entries) || n <= 0 {
		end = len(c.entries)
	}
	if start >= end {
		return nil, nil
	}

	out := make([]Entry, end-start)
	copy(out, c.entries[start:end])
	return out, nil
}

func (q *MemoryQueue) Ack(ctx context.Context, clientID string, seq uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrQueueClosed
	}

	c, ok := q.clients[clientID]
	if !ok {
		return nil
	}

	cut := sort.Search(len(c.entries), func(i int) bool { return c.entries[i].Seq > seq })
	c.entries = c.entries[cut:]
	return nil
}

func (q *MemoryQueue) Purge(ctx context.Context, clientID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrQueueClosed
	}

	delete(q.clients, clientID)
	return nil
}

func (q *MemoryQueue) Depth(ctx context.Context, clientID string) (int, int, error) {
	if err := ctx.Err(); err != nil {
		return 0, 0, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return 0, 0, ErrQueueClosed
	}

	c, ok := q.clients[clientID]
	if !ok {
		return 0, 0, nil
	}

	var qos0, qos12 int
	for _, e := range c.entries {
		if isQoS0(e.Message) {
			qos0++
		} else {
			qos12++
		}
	}
	return qos0, qos12, nil
}

func (q *MemoryQueue) DropOldestQoS0(ctx context.Context, clientID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false, ErrQueueClosed
	}

	c, ok := q.clients[clientID]
	if !ok {
		return false, nil
	}

	for i, e := range c.entries {
		if isQoS0(e.Message) {
			c.entries = append(c.entries[:i], c.entries[i+1:]...)
			return true, nil
		}
	}
	return false, nil
}

func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrQueueClosed
	}
	q.closed = true
	q.clients = nil
	return nil
}
