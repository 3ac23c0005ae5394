package cluster

import (
	"context"
	"encoding/base64"
	"fmt"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"

	"github.com/axmq/ax/cluster/wire"
)

// RedisTransportConfig configures a RedisTransport, following the same
// shape as store.RedisStoreConfig.
type RedisTransportConfig struct {
	Addr     string
	Password string
	DB       int
	Channel  string // pub/sub channel shared by the whole cluster; default "ax:cluster"
	Options  *redis.Options
}

// RedisTransport implements Transport over a single shared Redis pub/sub
// channel: every node subscribes to it, every Send/Broadcast publishes to
// it, and each frame envelope carries its destination (empty for
// broadcast) so peers can ignore frames not addressed to them. Redis
// pub/sub is at-most-once and fire-and-forget, matching the "tolerate
// duplicate or brief under-delivery" contract of spec §3/§4.8.
type RedisTransport struct {
	client  *redis.Client
	nodeID  string
	channel string

	mu     sync.Mutex
	cancel context.CancelFunc
	closed bool
}

type redisEnvelope struct {
	From  string
	To    string // empty means broadcast
	Type  byte
	Body  string // base64, since pub/sub payloads are text-safe strings
}

// NewRedisTransport connects to Redis and joins the cluster channel.
func NewRedisTransport(ctx context.Context, nodeID string, cfg RedisTransportConfig) (*RedisTransport, error) {
	var client *redis.Client
	if cfg.Options != nil {
		client = redis.NewClient(cfg.Options)
	} else {
		client = redis.NewClient(&redis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		})
	}

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, errors.Wrap(err, "cluster: connect to redis transport")
	}

	channel := cfg.Channel
	if channel == "" {
		channel = "ax:cluster"
	}

	return &RedisTransport{client: client, nodeID: nodeID, channel: channel}, nil
}

func (r *RedisTransport) publish(ctx context.Context, to string, f wire.Frame) error {
	env := redisEnvelope{
		From: r.nodeID,
		To:   to,
		Type: byte(f.Type),
		Body: base64.StdEncoding.EncodeToString(f.Body),
	}
	payload := fmt.Sprintf("%s|%s|%d|%s", env.From, env.To, env.Type, env.Body)
	return r.client.Publish(ctx, r.channel, payload).Err()
}

func (r *RedisTransport) Send(ctx context.Context, nodeID string, f wire.Frame) error {
	return r.publish(ctx, nodeID, f)
}

func (r *RedisTransport) Broadcast(ctx context.Context, f wire.Frame) error {
	return r.publish(ctx, "", f)
}

func (r *RedisTransport) Subscribe(handler func(fromNodeID string, f wire.Frame)) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return errors.New("cluster: transport closed")
	}
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.mu.Unlock()

	sub := r.client.Subscribe(ctx, r.channel)

	go func() {
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				_ = sub.Close()
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				env, ok := parseRedisEnvelope(msg.Payload)
				if !ok || env.From == r.nodeID {
					continue
				}
				if env.To != "" && env.To != r.nodeID {
					continue
				}
				body, err := base64.StdEncoding.DecodeString(env.Body)
				if err != nil {
					continue
				}
				handler(env.From, wire.Frame{Type: wire.FrameType(env.Type), Body: body})
			}
		}
	}()

	return nil
}

func parseRedisEnvelope(payload string) (redisEnvelope, bool) {
	parts := splitPipe(payload, 4)
	if len(parts) != 4 {
		return redisEnvelope{}, false
	}
	from, to, typStr, body := parts[0], parts[1], parts[2], parts[3]

	var t int
	if _, err := fmt.Sscanf(typStr, "%d", &t); err != nil {
		return redisEnvelope{}, false
	}

	return redisEnvelope{From: from, To: to, Type: byte(t), Body: body}, true
}

func splitPipe(s string, n int) []string {
	out := make([]string, 0, n)
	start := 0
	count := 0
	for i := 0; i < len(s) && count < n-1; i++ {
		if s[i] == '|' {
			out = append(out, s[start:i])
			start = i + 1
			count++
		}
	}
	out = append(out, s[start:])
	return out
}

func (r *RedisTransport) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	if r.cancel != nil {
		r.cancel()
	}
	return r.client.Close()
}
