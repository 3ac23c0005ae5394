package bus

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBusPublishSubscribeExactMatch(t *testing.T) {
	b := New()

	var got Event
	_, err := b.Subscribe(ClientMsg("client1"), func(e Event) { got = e })
	require.NoError(t, err)

	b.Publish(ClientMsg("client1"), "payload1")

	assert.Equal(t, ClientMsg("client1"), got.Address)
	assert.Equal(t, "payload1", got.Payload)
}

func TestBusWildcardSingleLevel(t *testing.T) {
	b := New()

	var addresses []string
	_, err := b.Subscribe("mq.core.client.msg.+", func(e Event) {
		addresses = append(addresses, e.Address)
	})
	require.NoError(t, err)

	b.Publish(ClientMsg("client1"), nil)
	b.Publish(ClientMsg("client2"), nil)
	b.Publish("mq.core.client.cmd.client1", nil) // different category, must not match

	assert.ElementsMatch(t, []string{ClientMsg("client1"), ClientMsg("client2")}, addresses)
}

func TestBusWildcardMultiLevel(t *testing.T) {
	b := New()

	var count int
	_, err := b.Subscribe("mq.core.cluster.replication.#", func(Event) { count++ })
	require.NoError(t, err)

	b.Publish(ClusterReplication("map-sync"), nil)
	b.Publish(ClusterReplication("snapshot.full"), nil)
	b.Publish(ClusterSubscriptionAdd, nil)

	assert.Equal(t, 2, count)
}

func TestBusUnsubscribeStopsDelivery(t *testing.T) {
	b := New()

	var count int
	id, err := b.Subscribe(SystemHealth, func(Event) { count++ })
	require.NoError(t, err)

	b.Publish(SystemHealth, nil)
	require.NoError(t, b.Unsubscribe(id))
	b.Publish(SystemHealth, nil)

	assert.Equal(t, 1, count)
}

func TestBusUnsubscribeUnknownID(t *testing.T) {
	b := New()
	err := b.Unsubscribe(999)
	assert.ErrorIs(t, err, ErrSubscriptionGone)
}

func TestBusSubscribeValidation(t *testing.T) {
	b := New()

	_, err := b.Subscribe("", func(Event) {})
	assert.ErrorIs(t, err, ErrEmptyAddress)

	_, err = b.Subscribe(SystemHealth, nil)
	assert.ErrorIs(t, err, ErrNilHandler)
}

func TestBusMultipleSubscribersAllReceive(t *testing.T) {
	b := New()

	var mu sync.Mutex
	hits := 0
	for i := 0; i < 3; i++ {
		_, err := b.Subscribe(SystemShutdown, func(Event) {
			mu.Lock()
			hits++
			mu.Unlock()
		})
		require.NoError(t, err)
	}

	b.Publish(SystemShutdown, nil)
	assert.Equal(t, 3, hits)
}

func TestMatchAddressDollarNamespaceNotSpecialCased(t *testing.T) {
	// Unlike MQTT topics, bus addresses have no "$SYS"-style exclusion —
	// every address is in namespace "mq", so "#" at the namespace position
	// matches everything.
	assert.True(t, matchAddress("mq.#", NodeMsg("node-a")))
	assert.False(t, matchAddress("mq.core.client.msg.+", "mq.core.client.msg.a.b"))
}
