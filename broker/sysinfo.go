package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/axmq/ax/hook"
)

// SysPublishFunc delivers one $SYS payload through the broker's own publish
// path, so $SYS subscribers get ordinary retained PUBLISHes.
type SysPublishFunc func(ctx context.Context, topic string, payload []byte) error

// SysInfoTicker periodically snapshots broker statistics, feeds them through
// hook.Manager.OnSysInfoTick, and republishes the standard $SYS topic tree
// (spec's ambient broker-introspection surface; mirrors the Mosquitto/MQTT
// broker convention of $SYS/broker/<stat>).
type SysInfoTicker struct {
	hooks    *hook.Manager
	publish  SysPublishFunc
	interval time.Duration
	started  time.Time

	snapshot func() hook.SysInfo

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSysInfoTicker creates a ticker. snapshot is called on every tick to
// build the current hook.SysInfo to publish and hand to hooks.
func NewSysInfoTicker(hooks *hook.Manager, publish SysPublishFunc, interval time.Duration, snapshot func() hook.SysInfo) *SysInfoTicker {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &SysInfoTicker{
		hooks:    hooks,
		publish:  publish,
		interval: interval,
		started:  time.Now(),
		snapshot: snapshot,
	}
}

// Start begins the periodic tick in a background goroutine.
func (t *SysInfoTicker) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	t.mu.Lock()
	t.cancel = cancel
	t.mu.Unlock()

	t.wg.Add(1)
	go t.loop(ctx)
}

func (t *SysInfoTicker) loop(ctx context.Context) {
	defer t.wg.Done()

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.tick(ctx)
		}
	}
}

func (t *SysInfoTicker) tick(ctx context.Context) {
	info := t.snapshot()
	info.Uptime = int64(time.Since(t.started).Seconds())
	info.Time = time.Now()
	info.Started = t.started

	t.hooks.OnSysInfoTick(&info)

	for topic, payload := range sysTopics(info) {
		_ = t.publish(ctx, topic, payload)
	}
}

// Stop cancels the ticker and waits for its goroutine to exit.
func (t *SysInfoTicker) Stop() {
	t.mu.Lock()
	cancel := t.cancel
	t.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	t.wg.Wait()
}

// sysTopics builds the $SYS/broker/* retained payload set for one snapshot.
func sysTopics(info hook.SysInfo) map[string][]byte {
	return map[string][]byte{
		"$SYS/broker/uptime":                 []byte(fmt.Sprintf("%d seconds", info.Uptime)),
		"$SYS/broker/version":                []byte(info.Version),
		"$SYS/broker/clients/connected":      []byte(fmt.Sprintf("%d", info.ClientsConnected)),
		"$SYS/broker/clients/total":          []byte(fmt.Sprintf("%d", info.ClientsTotal)),
		"$SYS/broker/clients/disconnected":   []byte(fmt.Sprintf("%d", info.ClientsDisconnected)),
		"$SYS/broker/subscriptions/count":    []byte(fmt.Sprintf("%d", info.Subscriptions)),
		"$SYS/broker/retained messages/count": []byte(fmt.Sprintf("%d", info.Retained)),
		"$SYS/broker/messages/received":      []byte(fmt.Sprintf("%d", info.MessagesReceived)),
		"$SYS/broker/messages/sent":          []byte(fmt.Sprintf("%d", info.MessagesSent)),
		"$SYS/broker/messages/dropped":       []byte(fmt.Sprintf("%d", info.MessagesDropped)),
		"$SYS/broker/load/inflight":          []byte(fmt.Sprintf("%d", info.Inflight)),
		"$SYS/broker/heap/size":              []byte(fmt.Sprintf("%d", info.MemoryAlloc)),
	}
}
