package queue

import (
	"context"
	"encoding/binary"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/fxamacker/cbor/v2"

	"github.com/axmq/ax/types/message"
)

// PebbleQueue is a Pebble-backed durable Queue. Keys are laid out as
// <prefix><clientID>\x00<seq big-endian>, so a range scan bounded by the
// client's prefix naturally yields entries in ascending Seq order. A
// separate <prefix>\x01<clientID> counter key tracks the next sequence
// number per client so restarts resume numbering correctly.
type PebbleQueue struct {
	db     *pebble.DB
	prefix []byte

	mu     sync.Mutex
	closed bool
}

// PebbleQueueConfig configures a PebbleQueue, mirroring store.PebbleStoreConfig.
type PebbleQueueConfig struct {
	Path   string
	Prefix string
	Opts   *pebble.Options
}

// NewPebbleQueue opens (or creates) a Pebble-backed queue at the given path.
func NewPebbleQueue(config PebbleQueueConfig) (*PebbleQueue, error) {
	opts := config.Opts
	if opts == nil {
		opts = &pebble.Options{ErrorIfExists: false}
	}

	db, err := pebble.Open(config.Path, opts)
	if err != nil {
		return nil, err
	}

	prefix := []byte(config.Prefix)
	if len(prefix) == 0 {
		prefix = []byte("queue:")
	}

	return &PebbleQueue{db: db, prefix: prefix}, nil
}

func (p *PebbleQueue) entryKey(clientID string, seq uint64) []byte {
	key := make([]byte, 0, len(p.prefix)+len(clientID)+1+8)
	key = append(key, p.prefix...)
	key = append(key, clientID...)
	key = append(key, 0x00)
	var seqBuf [8]byte
	binary.BigEndian.PutUint64(seqBuf[:], seq)
	key = append(key, seqBuf[:]...)
	return key
}

func (p *PebbleQueue) clientLowerBound(clientID string) []byte {
	key := make([]byte, 0, len(p.prefix)+len(clientID)+1)
	key = append(key, p.prefix...)
	key = append(key, clientID...)
	key = append(key, 0x00)
	return key
}

func (p *PebbleQueue) clientUpperBound(clientID string) []byte {
	key := make([]byte, 0, len(p.prefix)+len(clientID)+1)
	key = append(key, p.prefix...)
	key = append(key, clientID...)
	key = append(key, 0x01)
	return key
}

func (p *PebbleQueue) counterKey(clientID string) []byte {
	key := make([]byte, 0, len(p.prefix)+1+len(clientID))
	key = append(key, p.prefix...)
	key = append(key, 0x01) // separate namespace from entry keys, which start with clientID bytes directly
	key = append(key, clientID...)
	return key
}

func (p *PebbleQueue) nextSeq(clientID string) (uint64, error) {
	ckey := p.counterKey(clientID)
	data, closer, err := p.db.Get(ckey)
	var current uint64
	if err == nil {
		current = binary.BigEndian.Uint64(data)
		closer.Close()
	} else if err != pebble.ErrNotFound {
		return 0, err
	}

	next := current + 1
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], next)
	if err := p.db.Set(ckey, buf[:], pebble.Sync); err != nil {
		return 0, err
	}
	return next, nil
}

func (p *PebbleQueue) Enqueue(ctx context.Context, clientID string, msg *message.Message) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return 0, ErrQueueClosed
	}

	seq, err := p.nextSeq(clientID)
	if err != nil {
		return 0, err
	}

	data, err := cbor.Marshal(msg)
	if err != nil {
		return 0, err
	}

	if err := p.db.Set(p.entryKey(clientID, seq), data, pebble.Sync); err != nil {
		return 0, err
	}
	return seq, nil
}

func (p *PebbleQueue) PeekRange(ctx context.Context, clientID string, cursor uint64, n int) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, ErrQueueClosed
	}

	iter, err := p.db.NewIter(&pebble.IterOptions{
		LowerBound: p.entryKey(clientID, cursor+1),
		UpperBound: p.clientUpperBound(clientID),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []Entry
	for iter.First(); iter.Valid(); iter.Next() {
		if n > 0 && len(out) >= n {
			break
		}
		key := iter.Key()
		seq := binary.BigEndian.Uint64(key[len(key)-8:])

		var msg message.Message
		if err := cbor.Unmarshal(iter.Value(), &msg); err != nil {
			return nil, err
		}
		out = append(out, Entry{Seq: seq, Message: &msg})
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}
	return out, nil
}

func (p *PebbleQueue) Ack(ctx context.Context, clientID string, seq uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrQueueClosed
	}

	lower := p.clientLowerBound(clientID)
	upper := p.entryKey(clientID, seq+1) // exclusive upper bound, so Seq<=seq is removed
	return p.db.DeleteRange(lower, upper, pebble.Sync)
}

func (p *PebbleQueue) Purge(ctx context.Context, clientID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrQueueClosed
	}

	if err := p.db.DeleteRange(p.clientLowerBound(clientID), p.clientUpperBound(clientID), pebble.Sync); err != nil {
		return err
	}
	return p.db.Delete(p.counterKey(clientID), pebble.Sync)
}

func (p *PebbleQueue) Depth(ctx context.Context, clientID string) (int, int, error) {
	if err := ctx.Err(); err != nil {
		return 0, 0, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return 0, 0, ErrQueueClosed
	}

	iter, err := p.db.NewIter(&pebble.IterOptions{
		LowerBound: p.clientLowerBound(clientID),
		UpperBound: p.clientUpperBound(clientID),
	})
	if err != nil {
		return 0, 0, err
	}
	defer iter.Close()

	var qos0, qos12 int
	for iter.First(); iter.Valid(); iter.Next() {
		var msg message.Message
		if err := cbor.Unmarshal(iter.Value(), &msg); err != nil {
			return 0, 0, err
		}
		if isQoS0(&msg) {
			qos0++
		} else {
			qos12++
		}
	}
	if err := iter.Error(); err != nil {
		return 0, 0, err
	}
	return qos0, qos12, nil
}

func (p *PebbleQueue) DropOldestQoS0(ctx context.Context, clientID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return false, ErrQueueClosed
	}

	iter, err := p.db.NewIter(&pebble.IterOptions{
		LowerBound: p.clientLowerBound(clientID),
		UpperBound: p.clientUpperBound(clientID),
	})
	if err != nil {
		return false, err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		var msg message.Message
		if err := cbor.Unmarshal(iter.Value(), &msg); err != nil {
			return false, err
		}
		if isQoS0(&msg) {
			key := append([]byte(nil), iter.Key()...)
			return true, p.db.Delete(key, pebble.Sync)
		}
	}
	if err := iter.Error(); err != nil {
		return false, err
	}
	return false, nil
}

func (p *PebbleQueue) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrQueueClosed
	}
	p.closed = true
	return p.db.Close()
}
