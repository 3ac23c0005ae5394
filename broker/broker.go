package broker

import (
	"context"
	"crypto/tls"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/getsentry/sentry-go"
	"golang.org/x/sync/semaphore"

	"github.com/axmq/ax/bus"
	"github.com/axmq/ax/cluster"
	"github.com/axmq/ax/encoding"
	"github.com/axmq/ax/hook"
	"github.com/axmq/ax/network"
	"github.com/axmq/ax/queue"
	"github.com/axmq/ax/router"
	"github.com/axmq/ax/session"
	"github.com/axmq/ax/store"
	"github.com/axmq/ax/topic"
	"github.com/axmq/ax/types/message"
)

// maxConcurrentReplays bounds how many clients' offline queues can be
// replayed at once across the node.
const maxConcurrentReplays = 64

// listenerHandle is satisfied by both *network.Listener (plain TCP/TLS) and
// *wsListener (MQTT over WebSocket), so Broker can start and close either
// kind of listener uniformly.
type listenerHandle interface {
	Start() error
	Close() error
}

// Broker owns every collaborator a running node needs: session/queue/
// retained storage, the topic router, cluster coordination, the hook
// pipeline and the network listeners that feed it all.
type Broker struct {
	cfg    *Config
	logger *slog.Logger

	bus         *bus.Bus
	hooks       *hook.Manager
	sessions    *session.Manager
	topicRouter *topic.Router
	topicMatcher *topic.TopicMatcher
	retained    *topic.RetainedManager
	queue       queue.Queue
	coordinator *cluster.Coordinator
	router      *router.Router
	registry    *Registry
	metrics     *Metrics
	sysTicker   *SysInfoTicker
	scram       *hook.ScramAuthHook
	replaySem   *semaphore.Weighted

	listeners []listenerHandle

	mu       sync.Mutex
	started  time.Time
	shutdown chan struct{}
	wg       sync.WaitGroup
}

// New builds a Broker from cfg without starting any network listeners.
// Use Start to bind listeners and begin accepting connections.
func New(cfg *Config, logger *slog.Logger) (*Broker, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Cluster.NodeID == "" {
		cfg.Cluster.NodeID = cfg.NodeID
	}

	b := &Broker{
		cfg:      cfg,
		logger:   logger,
		bus:      bus.New(),
		hooks:    hook.NewManager(),
		metrics:   NewMetrics(),
		shutdown:  make(chan struct{}),
		replaySem: semaphore.NewWeighted(maxConcurrentReplays),
	}

	sessStore, err := buildSessionStore(cfg.Store)
	if err != nil {
		return nil, errors.Wrap(err, "broker: build session store")
	}
	b.sessions = session.NewManager(session.ManagerConfig{
		Store:         sessStore,
		WillPublisher: b,
	})

	b.queue, err = buildQueue(cfg.Store)
	if err != nil {
		return nil, errors.Wrap(err, "broker: build queue")
	}

	b.retained = topic.NewRetainedManager(topic.DefaultRetainedConfig())
	b.topicMatcher = topic.NewTopicMatcher()
	b.topicRouter = topic.NewRouter()
	b.registry = NewRegistry(b.bus)

	transport, err := buildClusterTransport(cfg.Cluster)
	if err != nil {
		return nil, errors.Wrap(err, "broker: build cluster transport")
	}
	b.coordinator = cluster.NewCoordinator(cfg.Cluster.NodeID, transport, logger)

	var archive router.ArchiveStore
	if cfg.Archive.Enabled {
		fa, err := store.NewFileArchiveStore(store.FileArchiveConfig{Path: cfg.Archive.Path, Level: cfg.Archive.Level})
		if err != nil {
			return nil, errors.Wrap(err, "broker: build archive store")
		}
		archive = fa
	}

	b.router = router.New(router.Config{
		TopicRouter:   b.topicRouter,
		Sessions:      b.sessions,
		Queue:         b.queue,
		Deliverer:     b.registry,
		Coordinator:   b.coordinator,
		Archive:       archive,
		MaxQoS12Quota: 1000,
	})

	if err := b.registerHooks(); err != nil {
		return nil, errors.Wrap(err, "broker: register hooks")
	}

	if cfg.Sentry.DSN != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:         cfg.Sentry.DSN,
			Environment: cfg.Sentry.Environment,
			SampleRate:  cfg.Sentry.SampleRate,
			ServerName:  cfg.NodeID,
		}); err != nil {
			return nil, errors.Wrap(err, "broker: init sentry")
		}
	}

	b.sysTicker = NewSysInfoTicker(b.hooks, b.publishSys, cfg.SysInfo.Interval, b.snapshotSysInfo)

	return b, nil
}

func buildSessionStore(cfg StoreConfig) (session.Store, error) {
	switch cfg.Backend {
	case "pebble":
		return session.NewPebbleStore(session.PebbleStoreConfig{Path: cfg.Path})
	case "redis":
		return session.NewRedisStore(session.RedisStoreConfig{
			Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB, TTL: cfg.Redis.TTL,
		})
	default:
		return session.NewMemoryStore(), nil
	}
}

func buildQueue(cfg StoreConfig) (queue.Queue, error) {
	if cfg.Backend == "pebble" {
		return queue.NewPebbleQueue(queue.PebbleQueueConfig{Path: cfg.Path, Prefix: "queue"})
	}
	return queue.NewMemoryQueue(), nil
}

func buildClusterTransport(cfg ClusterConfig) (cluster.Transport, error) {
	if !cfg.Enabled || cfg.Transport != "redis" {
		return cluster.NewLoopbackTransport(cfg.NodeID), nil
	}
	return cluster.NewRedisTransport(context.Background(), cfg.NodeID, cluster.RedisTransportConfig{
		Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB,
	})
}

func (b *Broker) registerHooks() error {
	b.scram = hook.NewScramAuthHook()
	for _, u := range b.cfg.SCRAMUsers {
		if err := b.scram.SetCredential(u.Username, u.Password); err != nil {
			return err
		}
	}
	if err := b.hooks.Add(b.scram); err != nil {
		return err
	}

	if b.cfg.RateLimit.Enabled {
		rate := b.cfg.RateLimit.PerClientRate
		if rate <= 0 {
			rate = 100
		}
		if err := b.hooks.Add(hook.NewRateLimitHook(int(rate), time.Minute)); err != nil {
			return err
		}
	}

	return b.hooks.SetOptions(&hook.Options{Capabilities: &b.cfg.Capabilities})
}

// PublishWill implements session.WillPublisher by routing a disconnected
// client's last-will message through the ordinary publish path.
func (b *Broker) PublishWill(ctx context.Context, will *session.WillMessage, clientID string) error {
	env := cluster.Envelope{
		Topic: will.Topic, Payload: will.Payload, QoS: encodingQoS(will.QoS),
		Retain: will.Retain, ArrivalTime: time.Now(), SenderClientID: clientID,
	}
	if b.coordinator != nil {
		env.SenderNodeID = b.coordinator.NodeID()
	}
	_, err := b.router.Publish(ctx, env)
	return err
}

// Start binds every configured listener and begins accepting connections.
func (b *Broker) Start(ctx context.Context) error {
	b.started = time.Now()

	onRemote := func(ctx context.Context, rp cluster.RemotePublish) {
		// Direct targets, when the coordinator ever supplies them, are
		// delivered straight to the local bus address. The normal path
		// (spec §4.4 step 3 / §4.8) is for the coordinator to send no
		// targets at all and let the receiving node's own router re-match
		// the envelope against its local subscription index.
		for _, clientID := range rp.TargetClientIDs {
			msg := message.NewMessage(0, rp.Envelope.Topic, rp.Envelope.Payload, rp.Envelope.QoS, rp.Envelope.Retain, rp.Envelope.Properties)
			_ = b.registry.Deliver(ctx, clientID, msg)
		}
		if len(rp.TargetClientIDs) == 0 {
			if _, err := b.router.Publish(ctx, rp.Envelope); err != nil {
				b.logger.Error("remote publish re-route failed", "topic", rp.Envelope.Topic, "error", err)
			}
		}
	}
	onTakeover := func(clientID, newNodeID string) {
		b.logger.Info("session takeover", "client_id", clientID, "new_node", newNodeID)
		b.registry.Evict(clientID)
	}
	if err := b.coordinator.Start(onRemote, onTakeover); err != nil {
		return errors.Wrap(err, "broker: start cluster coordinator")
	}

	for _, lc := range b.cfg.Listeners {
		l, err := b.buildListener(lc)
		if err != nil {
			return errors.Wrapf(err, "broker: build listener %q", lc.Name)
		}
		if err := l.Start(); err != nil {
			return errors.Wrapf(err, "broker: start listener %q", lc.Name)
		}
		b.listeners = append(b.listeners, l)
		b.logger.Info("listener started", "name", lc.Name, "address", lc.Address, "protocol", lc.Protocol)
	}

	if b.cfg.Metrics.Enabled {
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			if err := Serve(ctx, b.cfg.Metrics.Address, b.metrics); err != nil {
				b.logger.Error("metrics server stopped", "error", err)
			}
		}()
	}

	if b.cfg.SysInfo.Enabled {
		b.sysTicker.Start()
	}

	b.hooks.OnStarted()
	return nil
}

func (b *Broker) buildListener(lc ListenerConfig) (listenerHandle, error) {
	handler := func(conn *network.Connection) (err error) {
		defer func() {
			if r := recover(); r != nil {
				if b.cfg.Sentry.DSN != "" {
					sentry.CurrentHub().Recover(r)
				}
				b.logger.Error("connection handler panic recovered", "panic", r, "conn", conn.ID())
				err = errors.Errorf("broker: connection handler panic: %v", r)
			}
		}()
		return newConnection(b, conn).serve()
	}

	if lc.Protocol == "ws" || lc.Protocol == "wss" {
		var tlsCfg *tls.Config
		if lc.Protocol == "wss" {
			cfg, err := (&network.TLSConfig{CertFile: lc.CertFile, KeyFile: lc.KeyFile, CAFile: lc.CAFile}).Build()
			if err != nil {
				return nil, err
			}
			tlsCfg = cfg
		}
		wl := newWSListener(lc.Address, lc.WSPath, tlsCfg)
		wl.OnConnection(handler)
		return wl, nil
	}

	nc := network.DefaultListenerConfig(lc.Address)
	if lc.Protocol == "tls" {
		tlsCfg, err := (&network.TLSConfig{CertFile: lc.CertFile, KeyFile: lc.KeyFile, CAFile: lc.CAFile}).Build()
		if err != nil {
			return nil, err
		}
		nc.TLSConfig = tlsCfg
	}

	l, err := network.NewListener(nc, nil)
	if err != nil {
		return nil, err
	}
	l.OnConnection(handler)
	return l, nil
}

// Shutdown drains listeners, stops background loops and closes storage.
func (b *Broker) Shutdown(ctx context.Context) error {
	close(b.shutdown)

	for _, l := range b.listeners {
		_ = l.Close()
	}
	if b.cfg.SysInfo.Enabled {
		b.sysTicker.Stop()
	}
	_ = b.coordinator.Close()
	_ = b.sessions.Close()
	_ = b.queue.Close()
	_ = b.retained.Close()

	done := make(chan struct{})
	go func() { b.wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-ctx.Done():
	}

	b.hooks.OnStopped(nil)
	if b.cfg.Sentry.DSN != "" {
		sentry.Flush(2 * time.Second)
	}
	return nil
}

func (b *Broker) publishSys(ctx context.Context, topicName string, payload []byte) error {
	env := cluster.Envelope{Topic: topicName, Payload: payload, Retain: true, ArrivalTime: time.Now()}
	_, err := b.router.Publish(ctx, env)
	return err
}

func (b *Broker) snapshotSysInfo() hook.SysInfo {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	retainedCount, _ := b.retained.Count(context.Background())

	return hook.SysInfo{
		Version:          "axmq-ax",
		ClientsConnected: b.registry.Count(),
		Subscriptions:    0,
		Retained:         int(retainedCount),
		MemoryAlloc:      int64(mem.Alloc),
		Threads:          runtime.NumGoroutine(),
	}
}

func encodingQoS(b byte) encoding.QoS {
	return encoding.QoS(b)
}
