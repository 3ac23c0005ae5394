package broker

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/axmq/ax/bus"
	"github.com/axmq/ax/cluster"
	"github.com/axmq/ax/encoding"
	"github.com/axmq/ax/hook"
	"github.com/axmq/ax/network"
	"github.com/axmq/ax/session"
	"github.com/axmq/ax/topic"
	"github.com/axmq/ax/types/message"
)

// connection drives the MQTT packet state machine for one TCP/TLS/WS
// socket, dispatching between the 3.1.1 and 5.0 codecs once the CONNECT
// packet has revealed the protocol version.
type connection struct {
	nc      *network.Connection
	b       *Broker
	logger  *slog.Logger
	version encoding.ProtocolVersion

	clientID string
	sess     *session.Session

	keepAlive   time.Duration
	superseded atomic.Bool

	writeMu sync.Mutex
	busSub  uint64
	subbed  bool
}

func newConnection(b *Broker, nc *network.Connection) *connection {
	return &connection{nc: nc, b: b, logger: b.logger}
}

// Close satisfies the registry's takeover eviction hook: forcibly drop the
// underlying socket of a connection a newer one is superseding.
func (c *connection) Close() error {
	return c.nc.Close()
}

// MarkSuperseded records that this connection lost ownership of its
// session to a takeover (same-node or cross-node), so cleanup must not
// publish the will message (spec §4.2/§4.8: "its will is NOT published").
func (c *connection) MarkSuperseded() {
	c.superseded.Store(true)
}

// serve is the per-connection read loop. It returns when the socket closes
// or a fatal protocol error occurs; the caller (network.Listener) treats a
// non-nil return as "close the connection".
func (c *connection) serve() error {
	defer c.cleanup()

	fh, err := encoding.ParseFixedHeaderWithVersion(c.nc, encoding.ProtocolVersion50)
	if err != nil {
		return err
	}
	if fh.Type != encoding.CONNECT {
		return encoding.ErrMalformedPacket
	}

	body, err := readBody(c.nc, fh)
	if err != nil {
		return err
	}
	if err := c.handleConnect(fh, body); err != nil {
		return err
	}
	// 1.5x keepAlive idle timeout (spec §4.1): every Read() below renews the
	// connection's read deadline to now+c.keepAlive, so any gap between
	// packets (including PINGREQ) longer than that closes the socket.
	if c.keepAlive > 0 {
		c.nc.SetReadDeadline(c.keepAlive)
	}

	for {
		fh, err := encoding.ParseFixedHeaderWithVersion(c.nc, c.version)
		if err != nil {
			return err
		}
		body, err := readBody(c.nc, fh)
		if err != nil {
			return err
		}
		if err := c.dispatch(fh, body); err != nil {
			return err
		}
	}
}

func readBody(r io.Reader, fh *encoding.FixedHeader) ([]byte, error) {
	if fh.RemainingLength == 0 {
		return nil, nil
	}
	buf := make([]byte, fh.RemainingLength)
	if _, err := io.ReadFull(r, buf); err != nil {
		if err == io.EOF {
			return nil, encoding.ErrUnexpectedEOF
		}
		return nil, err
	}
	return buf, nil
}

func (c *connection) dispatch(fh *encoding.FixedHeader, body []byte) error {
	var err error
	switch fh.Type {
	case encoding.PUBLISH:
		err = c.handlePublish(fh, body)
	case encoding.PUBACK:
		err = c.handlePuback(fh, body)
	case encoding.PUBREC:
		err = c.handlePubrec(fh, body)
	case encoding.PUBREL:
		err = c.handlePubrel(fh, body)
	case encoding.PUBCOMP:
		err = c.handlePubcomp(fh, body)
	case encoding.SUBSCRIBE:
		err = c.handleSubscribe(fh, body)
	case encoding.UNSUBSCRIBE:
		err = c.handleUnsubscribe(fh, body)
	case encoding.PINGREQ:
		err = c.handlePingreq()
	case encoding.DISCONNECT:
		return c.handleDisconnect(fh, body)
	case encoding.AUTH:
		err = c.handleAuth(fh, body)
	default:
		err = encoding.ErrMalformedPacket
	}
	if err != nil {
		c.b.hooks.OnPacketProcessed(c.hookClient(), fh.Type, err)
	}
	return err
}

// --- CONNECT -----------------------------------------------------------

func (c *connection) handleConnect(fh *encoding.FixedHeader, body []byte) error {
	if len(body) < 2 {
		return encoding.ErrMalformedPacket
	}
	nameLen := int(body[0])<<8 | int(body[1])
	if len(body) < 2+nameLen+1 {
		return encoding.ErrMalformedPacket
	}
	version := encoding.ProtocolVersion(body[2+nameLen])
	c.version = version

	ctx := context.Background()

	switch version {
	case encoding.ProtocolVersion50:
		return c.handleConnect5(ctx, fh, body)
	case encoding.ProtocolVersion311, encoding.ProtocolVersion30:
		return c.handleConnect311(ctx, fh, body)
	default:
		return encoding.ErrInvalidProtocolVersion
	}
}

func (c *connection) handleConnect5(ctx context.Context, fh *encoding.FixedHeader, body []byte) error {
	pkt, err := encoding.ParseConnectPacket(bytes.NewReader(body), fh)
	if err != nil {
		return err
	}

	clientID := pkt.ClientID
	assigned := false
	if clientID == "" {
		clientID, err = c.b.sessions.GenerateClientID(ctx)
		if err != nil {
			return err
		}
		assigned = true
	}

	hc := &hook.Client{
		ID:              clientID,
		RemoteAddr:      c.nc.RemoteAddr(),
		LocalAddr:       c.nc.LocalAddr(),
		Username:        pkt.Username,
		CleanStart:      pkt.CleanStart,
		ProtocolVersion: byte(version5),
		KeepAlive:       pkt.KeepAlive,
		ConnectedAt:     time.Now(),
		State:           hook.ClientStateConnecting,
	}
	hconnect := &hook.ConnectPacket{
		ProtocolName:    pkt.ProtocolName,
		ProtocolVersion: byte(version5),
		CleanStart:      pkt.CleanStart,
		KeepAlive:       pkt.KeepAlive,
		ClientID:        clientID,
		Username:        pkt.Username,
		Password:        pkt.Password,
	}

	if !c.b.hooks.OnConnectAuthenticate(hc, hconnect) {
		ack := &encoding.ConnackPacket{FixedHeader: encoding.FixedHeader{Type: encoding.CONNACK}, ReasonCode: encoding.ReasonNotAuthorized}
		c.writePacket(ack)
		return errors.New("broker: connect authentication rejected")
	}

	expiry := propU32(&pkt.Properties, encoding.PropSessionExpiryInterval)
	sess, present, err := c.b.sessions.CreateSession(ctx, clientID, pkt.CleanStart, expiry, byte(version5))
	if err != nil {
		ack := &encoding.ConnackPacket{FixedHeader: encoding.FixedHeader{Type: encoding.CONNACK}, ReasonCode: encoding.ReasonUnspecifiedError}
		c.writePacket(ack)
		return err
	}
	sess.SetTopicAliasLimits(c.b.cfg.Capabilities.MaximumTopicAlias, c.b.cfg.Capabilities.MaximumTopicAlias)

	if pkt.WillFlag {
		delay := propU32(&pkt.WillProperties, encoding.PropWillDelayInterval)
		will := &session.WillMessage{
			Topic:   pkt.WillTopic,
			Payload: pkt.WillPayload,
			QoS:     byte(pkt.WillQoS),
			Retain:  pkt.WillRetain,
		}
		sess.SetWillMessage(will, delay)
	}

	c.clientID = clientID
	c.sess = sess
	c.keepAlive = keepAliveIdleTimeout(pkt.KeepAlive)
	c.attach(ctx)

	ack := &encoding.ConnackPacket{
		FixedHeader:    encoding.FixedHeader{Type: encoding.CONNACK},
		SessionPresent: present,
		ReasonCode:     encoding.ReasonSuccess,
	}
	if assigned {
		_ = ack.Properties.AddProperty(encoding.PropAssignedClientIdentifier, clientID)
	}
	_ = ack.Properties.AddProperty(encoding.PropReceiveMaximum, c.b.cfg.Capabilities.ReceiveMaximum)
	_ = ack.Properties.AddProperty(encoding.PropMaximumQoS, c.b.cfg.Capabilities.MaximumQoS)
	_ = ack.Properties.AddProperty(encoding.PropRetainAvailable, boolByte(c.b.cfg.Capabilities.RetainAvailable))
	c.writePacket(ack)

	c.b.metrics.ConnectionsTotal.Inc()
	c.b.metrics.ConnectionsActive.Inc()

	hc.State = hook.ClientStateConnected
	hc.SessionPresent = present
	c.b.hooks.OnConnect(hc, hconnect)
	c.b.hooks.OnSessionEstablished(hc, hconnect)

	c.replayOffline(ctx)
	return nil
}

const version5 = encoding.ProtocolVersion50

func (c *connection) handleConnect311(ctx context.Context, fh *encoding.FixedHeader, body []byte) error {
	pkt, err := encoding.ParseConnectPacket311(bytes.NewReader(body), fh)
	if err != nil {
		return err
	}

	clientID := pkt.ClientID
	if clientID == "" {
		clientID, err = c.b.sessions.GenerateClientID(ctx)
		if err != nil {
			return err
		}
	}

	hc := &hook.Client{
		ID:              clientID,
		RemoteAddr:      c.nc.RemoteAddr(),
		LocalAddr:       c.nc.LocalAddr(),
		Username:        pkt.Username,
		CleanStart:      pkt.CleanSession,
		ProtocolVersion: byte(pkt.ProtocolVersion),
		KeepAlive:       pkt.KeepAlive,
		ConnectedAt:     time.Now(),
		State:           hook.ClientStateConnecting,
	}
	hconnect := &hook.ConnectPacket{
		ProtocolName:    pkt.ProtocolName,
		ProtocolVersion: byte(pkt.ProtocolVersion),
		CleanStart:      pkt.CleanSession,
		KeepAlive:       pkt.KeepAlive,
		ClientID:        clientID,
		Username:        pkt.Username,
		Password:        pkt.Password,
	}

	if !c.b.hooks.OnConnectAuthenticate(hc, hconnect) {
		ack := &encoding.ConnackPacket311{ReturnCode: 0x05}
		c.writePacket(ack)
		return errors.New("broker: connect authentication rejected")
	}

	sess, present, err := c.b.sessions.CreateSession(ctx, clientID, pkt.CleanSession, 0, byte(pkt.ProtocolVersion))
	if err != nil {
		ack := &encoding.ConnackPacket311{ReturnCode: 0x03}
		c.writePacket(ack)
		return err
	}

	if pkt.WillFlag {
		will := &session.WillMessage{
			Topic:   pkt.WillTopic,
			Payload: pkt.WillPayload,
			QoS:     byte(pkt.WillQoS),
			Retain:  pkt.WillRetain,
		}
		sess.SetWillMessage(will, 0)
	}

	c.clientID = clientID
	c.sess = sess
	c.keepAlive = keepAliveIdleTimeout(pkt.KeepAlive)
	c.attach(ctx)

	ack := &encoding.ConnackPacket311{SessionPresent: present, ReturnCode: 0x00}
	c.writePacket(ack)

	c.b.metrics.ConnectionsTotal.Inc()
	c.b.metrics.ConnectionsActive.Inc()

	hc.State = hook.ClientStateConnected
	hc.SessionPresent = present
	c.b.hooks.OnConnect(hc, hconnect)
	c.b.hooks.OnSessionEstablished(hc, hconnect)

	c.replayOffline(ctx)
	return nil
}

// keepAliveIdleTimeout converts a CONNECT packet's KeepAlive (seconds) into
// the 1.5x idle window spec §4.1 requires, or 0 (no timeout) when the
// client asked for keep-alive to be disabled.
func keepAliveIdleTimeout(seconds uint16) time.Duration {
	if seconds == 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second * 3 / 2
}

// attach registers this connection as clientID's live owner, forcibly
// disconnecting whichever connection owned it before (spec §4.2: "If
// another connection currently owns that session, it is forcibly
// disconnected... its will is NOT published") and, if this node learns via
// the cluster map that another node was the most recent owner, announcing
// a cross-node takeover so that node can do the same (spec §4.8).
func (c *connection) attach(ctx context.Context) {
	if prev := c.b.registry.Attach(c.clientID, c); prev != nil {
		prev.MarkSuperseded()
		_ = prev.Close()
	}

	id, err := c.b.bus.Subscribe(bus.ClientMsg(c.clientID), func(evt bus.Event) {
		msg, ok := evt.Payload.(*message.Message)
		if !ok {
			return
		}
		c.deliverMessage(msg)
	})
	if err == nil {
		c.busSub = id
		c.subbed = true
	}

	if c.b.coordinator != nil {
		if owner, ok := c.b.coordinator.ClientNodes().Owner(c.clientID); ok && owner != c.b.coordinator.NodeID() {
			_, _ = c.b.coordinator.AnnounceTakeover(ctx, c.clientID)
		} else {
			_, _ = c.b.coordinator.AnnounceClientAttached(ctx, c.clientID)
		}
	}
}

// replayOffline flushes any queued messages accumulated while this client
// was disconnected, per the at-least-once offline queue contract. Replay
// concurrency across the node is bounded by b.replaySem so a reconnect storm
// (many clients with deep offline queues reconnecting after a network blip)
// can't pin every worker goroutine on queue reads at once.
func (c *connection) replayOffline(ctx context.Context) {
	if c.b.queue == nil {
		return
	}
	if err := c.b.replaySem.Acquire(ctx, 1); err != nil {
		return
	}
	defer c.b.replaySem.Release(1)

	entries, err := c.b.queue.PeekRange(ctx, c.clientID, 0, 256)
	if err != nil {
		return
	}
	for _, e := range entries {
		e.Message.DUP = true
		c.deliverMessage(e.Message)
		_ = c.b.queue.Ack(ctx, c.clientID, e.Seq)
	}
}

// --- PUBLISH -------------------------------------------------------------

func (c *connection) handlePublish(fh *encoding.FixedHeader, body []byte) error {
	if c.version == version5 {
		pkt, err := encoding.ParsePublishPacket(bytes.NewReader(body), fh)
		if err != nil {
			return err
		}
		topicName, err := c.resolveTopicAlias(pkt.TopicName, &pkt.Properties)
		if err != nil {
			c.writePacket(&encoding.DisconnectPacket{ReasonCode: encoding.ReasonTopicAliasInvalid})
			return err
		}
		if err := encoding.ValidateTopicName(topicName); err != nil {
			_ = c.ackPublishRejected(fh, pkt.PacketID, encoding.ReasonTopicNameInvalid)
			if fh.QoS == encoding.QoS0 {
				c.writePacket(&encoding.DisconnectPacket{ReasonCode: encoding.ReasonTopicNameInvalid})
				return err
			}
			return nil
		}
		return c.processPublish(fh, topicName, pkt.PacketID, pkt.Payload, propsToMap(&pkt.Properties))
	}
	pkt, err := encoding.ParsePublishPacket311(bytes.NewReader(body), fh)
	if err != nil {
		return err
	}
	if err := encoding.ValidateTopicName(pkt.TopicName); err != nil {
		return err
	}
	return c.processPublish(fh, pkt.TopicName, pkt.PacketID, pkt.Payload, nil)
}

// resolveTopicAlias implements spec §4.2 PUBLISH step 2: a topic alias
// maps an empty wire topic name to whatever topic the client last assigned
// that alias to, so a v5 client can omit the topic name on every PUBLISH
// after the first. An alias the client never set is a protocol error.
func (c *connection) resolveTopicAlias(topicName string, props *encoding.Properties) (string, error) {
	alias, ok := propU16(props, encoding.PropTopicAlias)
	if !ok {
		return topicName, nil
	}
	return c.sess.ResolveIncomingAlias(alias, topicName)
}

func (c *connection) processPublish(fh *encoding.FixedHeader, topicName string, packetID uint16, payload []byte, props map[string]interface{}) error {
	ctx := context.Background()

	// A DUP QoS 2 PUBLISH for a packet ID we've already started the
	// PUBREC/PUBREL/PUBCOMP handshake for is a wire-level retransmit, not a
	// new message: re-routing it would violate exactly-once delivery. Just
	// re-send the PUBREC and let the client's existing handshake continue.
	if fh.QoS == encoding.QoS2 && c.sess.HasPendingPubcomp(packetID) {
		return c.ackPublish(fh, packetID, encoding.ReasonSuccess, encoding.PUBREC)
	}

	hpub := &hook.PublishPacket{
		PacketID: packetID, Topic: topicName, Payload: payload,
		QoS: byte(fh.QoS), Retain: fh.Retain, Duplicate: fh.DUP, Created: time.Now(),
	}
	if !c.b.hooks.OnACLCheck(c.hookClient(), topicName, hook.AccessTypeWrite) {
		return c.ackPublishRejected(fh, packetID, encoding.ReasonNotAuthorized)
	}
	if err := c.b.hooks.OnPublish(c.hookClient(), hpub); err != nil {
		return c.ackPublishRejected(fh, packetID, encoding.ReasonUnspecifiedError)
	}

	if fh.Retain {
		if fh.Retain && len(payload) == 0 {
			_ = c.b.retained.Delete(ctx, topicName)
		} else {
			_ = c.b.retained.Set(ctx, topicName, message.NewMessage(0, topicName, payload, encoding.QoS(fh.QoS), true, props))
		}
	}

	env := cluster.Envelope{
		Topic: topicName, Payload: payload, QoS: encoding.QoS(fh.QoS), Retain: fh.Retain,
		DUP: fh.DUP, Properties: props, ArrivalTime: time.Now(),
		SenderClientID: c.clientID,
	}
	if c.b.coordinator != nil {
		env.SenderNodeID = c.b.coordinator.NodeID()
	}

	outcome, err := c.b.router.Publish(ctx, env)
	if err != nil {
		return c.ackPublishRejected(fh, packetID, encoding.ReasonUnspecifiedError)
	}
	c.b.metrics.PublishesRouted.Inc()
	if outcome.LocalDropped > 0 {
		c.b.metrics.PublishesDropped.WithLabelValues("local").Inc()
	}
	if outcome.QuotaExceeded {
		c.b.metrics.PublishesDropped.WithLabelValues("quota").Inc()
	}
	c.b.hooks.OnPublished(c.hookClient(), hpub)

	switch fh.QoS {
	case encoding.QoS1:
		return c.ackPublish(fh, packetID, encoding.ReasonSuccess, encoding.PUBACK)
	case encoding.QoS2:
		c.sess.AddPendingPubcomp(packetID)
		return c.ackPublish(fh, packetID, encoding.ReasonSuccess, encoding.PUBREC)
	default:
		return nil
	}
}

func (c *connection) ackPublishRejected(fh *encoding.FixedHeader, packetID uint16, reason encoding.ReasonCode) error {
	if fh.QoS == encoding.QoS0 {
		return nil
	}
	pt := encoding.PUBACK
	if fh.QoS == encoding.QoS2 {
		pt = encoding.PUBREC
	}
	return c.ackPublish(fh, packetID, reason, pt)
}

func (c *connection) ackPublish(fh *encoding.FixedHeader, packetID uint16, reason encoding.ReasonCode, packetType encoding.PacketType) error {
	if c.version == version5 {
		switch packetType {
		case encoding.PUBACK:
			c.writePacket(&encoding.PubackPacket{PacketID: packetID, ReasonCode: reason})
		case encoding.PUBREC:
			c.writePacket(&encoding.PubrecPacket{PacketID: packetID, ReasonCode: reason})
		}
		return nil
	}
	switch packetType {
	case encoding.PUBACK:
		c.writePacket(&encoding.PubackPacket311{PacketID: packetID})
	case encoding.PUBREC:
		c.writePacket(&encoding.PubrecPacket311{PacketID: packetID})
	}
	return nil
}

// deliverMessage sends a routed message to this connection, allocating a
// packet ID and recording pending state for QoS 1/2 per session semantics.
func (c *connection) deliverMessage(msg *message.Message) {
	var packetID uint16
	if msg.QoS > encoding.QoS0 {
		if err := c.sess.ReserveInFlight(); err != nil {
			return
		}
		packetID = c.sess.NextPacketID()
		c.sess.AddPendingPublish(&session.PendingMessage{
			PacketID: packetID, Topic: msg.Topic, Payload: msg.Payload,
			QoS: byte(msg.QoS), Retain: msg.Retain, Properties: msg.Properties, Timestamp: time.Now(),
		})
	}

	if c.version == version5 {
		pkt := &encoding.PublishPacket{
			FixedHeader: encoding.FixedHeader{Type: encoding.PUBLISH, QoS: msg.QoS, Retain: msg.Retain, DUP: msg.DUP},
			TopicName:   msg.Topic, PacketID: packetID, Payload: msg.Payload,
		}
		if alias, includeTopicName := c.sess.AssignOutgoingAlias(msg.Topic); alias != 0 {
			_ = pkt.Properties.AddProperty(encoding.PropTopicAlias, alias)
			if !includeTopicName {
				pkt.TopicName = ""
			}
		}
		c.writePacket(pkt)
		return
	}
	pkt := &encoding.PublishPacket311{
		FixedHeader: encoding.FixedHeader{Type: encoding.PUBLISH, QoS: msg.QoS, Retain: msg.Retain, DUP: msg.DUP},
		TopicName:   msg.Topic, PacketID: packetID, Payload: msg.Payload,
	}
	c.writePacket(pkt)
}

func (c *connection) handlePuback(fh *encoding.FixedHeader, body []byte) error {
	var id uint16
	var err error
	if c.version == version5 {
		var pkt *encoding.PubackPacket
		pkt, err = encoding.ParsePubackPacket(bytes.NewReader(body), fh)
		if pkt != nil {
			id = pkt.PacketID
		}
	} else {
		id, err = encoding.ParsePacketIDOnly311(bytes.NewReader(body))
	}
	if err != nil {
		return err
	}
	c.sess.RemovePendingPublish(id)
	c.sess.ReleaseInFlight()
	c.b.hooks.OnQosComplete(c.hookClient(), id, encoding.PUBACK)
	return nil
}

func (c *connection) handlePubrec(fh *encoding.FixedHeader, body []byte) error {
	var id uint16
	var err error
	if c.version == version5 {
		var pkt *encoding.PubrecPacket
		pkt, err = encoding.ParsePubrecPacket(bytes.NewReader(body), fh)
		if pkt != nil {
			id = pkt.PacketID
		}
	} else {
		id, err = encoding.ParsePacketIDOnly311(bytes.NewReader(body))
	}
	if err != nil {
		return err
	}
	c.sess.RemovePendingPublish(id)
	c.sess.AddPendingPubrel(id)

	if c.version == version5 {
		c.writePacket(&encoding.PubrelPacket{PacketID: id, ReasonCode: encoding.ReasonSuccess})
	} else {
		c.writePacket(&encoding.PubrelPacket311{PacketID: id})
	}
	return nil
}

func (c *connection) handlePubrel(fh *encoding.FixedHeader, body []byte) error {
	var id uint16
	var err error
	if c.version == version5 {
		var pkt *encoding.PubrelPacket
		pkt, err = encoding.ParsePubrelPacket(bytes.NewReader(body), fh)
		if pkt != nil {
			id = pkt.PacketID
		}
	} else {
		id, err = encoding.ParsePacketIDOnly311(bytes.NewReader(body))
	}
	if err != nil {
		return err
	}
	c.sess.RemovePendingPubcomp(id)

	if c.version == version5 {
		c.writePacket(&encoding.PubcompPacket{PacketID: id, ReasonCode: encoding.ReasonSuccess})
	} else {
		c.writePacket(&encoding.PubcompPacket311{PacketID: id})
	}
	return nil
}

func (c *connection) handlePubcomp(fh *encoding.FixedHeader, body []byte) error {
	var id uint16
	var err error
	if c.version == version5 {
		var pkt *encoding.PubcompPacket
		pkt, err = encoding.ParsePubcompPacket(bytes.NewReader(body), fh)
		if pkt != nil {
			id = pkt.PacketID
		}
	} else {
		id, err = encoding.ParsePacketIDOnly311(bytes.NewReader(body))
	}
	if err != nil {
		return err
	}
	c.sess.RemovePendingPublish(id)
	c.sess.ReleaseInFlight()
	c.b.hooks.OnQosComplete(c.hookClient(), id, encoding.PUBCOMP)
	return nil
}

// --- SUBSCRIBE / UNSUBSCRIBE ---------------------------------------------

func (c *connection) handleSubscribe(fh *encoding.FixedHeader, body []byte) error {
	ctx := context.Background()

	if c.version == version5 {
		pkt, err := encoding.ParseSubscribePacket(bytes.NewReader(body), fh)
		if err != nil {
			return err
		}
		reasonCodes := make([]encoding.ReasonCode, len(pkt.Subscriptions))
		for i, s := range pkt.Subscriptions {
			reasonCodes[i] = c.subscribeOne(ctx, topic.Subscription{
				ClientID: c.clientID, TopicFilter: s.TopicFilter, QoS: byte(s.QoS),
				NoLocal: s.NoLocal, RetainAsPublished: s.RetainAsPublished, RetainHandling: s.RetainHandling,
			})
		}
		c.writePacket(&encoding.SubackPacket{PacketID: pkt.PacketID, ReasonCodes: reasonCodes})
		return nil
	}

	pkt, err := encoding.ParseSubscribePacket311(bytes.NewReader(body), fh)
	if err != nil {
		return err
	}
	returnCodes := make([]byte, len(pkt.Subscriptions))
	for i, s := range pkt.Subscriptions {
		rc := c.subscribeOne(ctx, topic.Subscription{ClientID: c.clientID, TopicFilter: s.TopicFilter, QoS: byte(s.QoS)})
		returnCodes[i] = byte(rc)
	}
	c.writePacket(&encoding.SubackPacket311{PacketID: pkt.PacketID, ReturnCodes: returnCodes})
	return nil
}

func (c *connection) subscribeOne(ctx context.Context, sub topic.Subscription) encoding.ReasonCode {
	if err := topic.ValidateTopicFilter(sub.TopicFilter); err != nil {
		return encoding.ReasonTopicFilterInvalid
	}
	if !c.b.hooks.OnACLCheck(c.hookClient(), sub.TopicFilter, hook.AccessTypeRead) {
		return encoding.ReasonNotAuthorized
	}

	hsub := &hook.Subscription{
		ClientID: sub.ClientID, TopicFilter: sub.TopicFilter, QoS: sub.QoS, NoLocal: sub.NoLocal,
		RetainAsPublished: sub.RetainAsPublished, RetainHandling: sub.RetainHandling,
		SubscriptionIdentifier: sub.SubscriptionIdentifier, SubscribedAt: time.Now(),
	}
	if err := c.b.hooks.OnSubscribe(c.hookClient(), hsub); err != nil {
		return encoding.ReasonUnspecifiedError
	}

	if err := c.b.topicRouter.Subscribe(&sub); err != nil {
		return encoding.ReasonUnspecifiedError
	}
	c.sess.AddSubscription(&session.Subscription{
		TopicFilter: sub.TopicFilter, QoS: sub.QoS, NoLocal: sub.NoLocal,
		RetainAsPublished: sub.RetainAsPublished, RetainHandling: sub.RetainHandling,
		SubscribedAt: time.Now(),
	})
	c.b.hooks.OnSubscribed(c.hookClient(), hsub)
	if c.b.coordinator != nil {
		_ = c.b.coordinator.AnnounceSubscriptionAdd(ctx, sub.TopicFilter)
	}

	if sub.RetainHandling != 2 {
		matched, err := c.b.retained.Match(ctx, sub.TopicFilter, c.b.topicMatcher)
		if err == nil {
			for _, m := range matched {
				out := m.Clone()
				out.Retain = true
				c.deliverMessage(out)
			}
		}
	}

	switch encoding.QoS(sub.QoS) {
	case encoding.QoS1:
		return encoding.ReasonGrantedQoS1
	case encoding.QoS2:
		return encoding.ReasonGrantedQoS2
	default:
		return encoding.ReasonGrantedQoS0
	}
}

func (c *connection) handleUnsubscribe(fh *encoding.FixedHeader, body []byte) error {
	ctx := context.Background()

	if c.version == version5 {
		pkt, err := encoding.ParseUnsubscribePacket(bytes.NewReader(body), fh)
		if err != nil {
			return err
		}
		codes := make([]encoding.ReasonCode, len(pkt.TopicFilters))
		for i, f := range pkt.TopicFilters {
			codes[i] = c.unsubscribeOne(ctx, f)
		}
		c.writePacket(&encoding.UnsubackPacket{PacketID: pkt.PacketID, ReasonCodes: codes})
		return nil
	}

	pkt, err := encoding.ParseUnsubscribePacket311(bytes.NewReader(body), fh)
	if err != nil {
		return err
	}
	for _, f := range pkt.TopicFilters {
		c.unsubscribeOne(ctx, f)
	}
	c.writePacket(&encoding.UnsubackPacket311{PacketID: pkt.PacketID})
	return nil
}

func (c *connection) unsubscribeOne(ctx context.Context, filter string) encoding.ReasonCode {
	_ = c.b.hooks.OnUnsubscribe(c.hookClient(), filter)
	c.b.topicRouter.Unsubscribe(c.clientID, filter)
	c.sess.RemoveSubscription(filter)
	c.b.hooks.OnUnsubscribed(c.hookClient(), filter)
	if c.b.coordinator != nil {
		_ = c.b.coordinator.AnnounceSubscriptionDelete(ctx, filter)
	}
	return encoding.ReasonSuccess
}

// --- PING / DISCONNECT / AUTH --------------------------------------------

func (c *connection) handlePingreq() error {
	if c.version == version5 {
		c.writePacket(&encoding.PingrespPacket{})
		return nil
	}
	c.writePacket(&encoding.PingrespPacket{})
	return nil
}

func (c *connection) handleDisconnect(fh *encoding.FixedHeader, body []byte) error {
	if c.version == version5 && len(body) > 0 {
		pkt, err := encoding.ParseDisconnectPacket(bytes.NewReader(body), fh)
		if err == nil {
			if exp := propU32(&pkt.Properties, encoding.PropSessionExpiryInterval); exp > 0 && c.sess != nil {
				c.sess.UpdateExpiryInterval(exp)
			}
		}
	}
	if c.sess != nil {
		c.sess.ClearWillMessage()
	}
	return io.EOF
}

func (c *connection) handleAuth(fh *encoding.FixedHeader, body []byte) error {
	if c.version != version5 {
		return encoding.ErrInvalidType
	}
	pkt, err := encoding.ParseAuthPacket(bytes.NewReader(body), fh)
	if err != nil {
		return err
	}
	method, _ := propStr(&pkt.Properties, encoding.PropAuthenticationMethod)
	data, _ := propBytes(&pkt.Properties, encoding.PropAuthenticationData)

	if method != hook.ScramMethod || c.b.scram == nil {
		c.writePacket(&encoding.AuthPacket{ReasonCode: encoding.ReasonNotAuthorized})
		return errors.New("broker: unsupported auth method")
	}

	switch pkt.ReasonCode {
	case encoding.ReasonContinueAuthentication:
		challenge, err := c.b.scram.Begin(c.clientID, data)
		if err != nil {
			c.writePacket(&encoding.AuthPacket{ReasonCode: encoding.ReasonNotAuthorized})
			return err
		}
		resp := &encoding.AuthPacket{ReasonCode: encoding.ReasonContinueAuthentication}
		_ = resp.Properties.AddProperty(encoding.PropAuthenticationMethod, hook.ScramMethod)
		_ = resp.Properties.AddProperty(encoding.PropAuthenticationData, challenge)
		c.writePacket(resp)
		return nil
	default:
		final, err := c.b.scram.Continue(c.clientID, data)
		if err != nil {
			c.writePacket(&encoding.AuthPacket{ReasonCode: encoding.ReasonNotAuthorized})
			return err
		}
		resp := &encoding.AuthPacket{ReasonCode: encoding.ReasonSuccess}
		_ = resp.Properties.AddProperty(encoding.PropAuthenticationMethod, hook.ScramMethod)
		_ = resp.Properties.AddProperty(encoding.PropAuthenticationData, final)
		c.writePacket(resp)
		return nil
	}
}

// --- plumbing -------------------------------------------------------------

type encoder interface {
	Encode(w io.Writer) error
}

func (c *connection) writePacket(pkt encoder) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = pkt.Encode(c.nc)
}

func (c *connection) hookClient() *hook.Client {
	return &hook.Client{ID: c.clientID, RemoteAddr: c.nc.RemoteAddr(), State: hook.ClientStateConnected}
}

func (c *connection) cleanup() {
	ctx := context.Background()
	if c.clientID == "" {
		return
	}
	if c.subbed {
		_ = c.b.bus.Unsubscribe(c.busSub)
	}
	// A connection that lost a takeover race must not publish a will on
	// behalf of a session it no longer owns, and must only remove its own
	// registry entry (DetachIfCurrent is a no-op if a same-node reattach
	// already overwrote it with the new owner).
	if c.superseded.Load() {
		c.b.registry.DetachIfCurrent(c.clientID, c)
		c.b.metrics.ConnectionsActive.Dec()
		c.b.hooks.OnDisconnect(c.hookClient(), nil, false)
		return
	}
	c.b.registry.Detach(c.clientID)
	c.b.metrics.ConnectionsActive.Dec()

	sendWill := true
	if c.sess != nil {
		sendWill = c.sess.ShouldPublishWill()
	}
	_ = c.b.sessions.DisconnectSession(ctx, c.clientID, sendWill)
	c.b.hooks.OnDisconnect(c.hookClient(), nil, false)

	if c.b.coordinator != nil {
		_ = c.b.coordinator.AnnounceClientDetached(ctx, c.clientID)
	}
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}

func propU32(p *encoding.Properties, id encoding.PropertyID) uint32 {
	prop := p.GetProperty(id)
	if prop == nil {
		return 0
	}
	if v, ok := prop.Value.(uint32); ok {
		return v
	}
	return 0
}

func propU16(p *encoding.Properties, id encoding.PropertyID) (uint16, bool) {
	prop := p.GetProperty(id)
	if prop == nil {
		return 0, false
	}
	v, ok := prop.Value.(uint16)
	return v, ok
}

func propStr(p *encoding.Properties, id encoding.PropertyID) (string, bool) {
	prop := p.GetProperty(id)
	if prop == nil {
		return "", false
	}
	v, ok := prop.Value.(string)
	return v, ok
}

func propBytes(p *encoding.Properties, id encoding.PropertyID) ([]byte, bool) {
	prop := p.GetProperty(id)
	if prop == nil {
		return nil, false
	}
	v, ok := prop.Value.([]byte)
	return v, ok
}

func propsToMap(p *encoding.Properties) map[string]interface{} {
	if len(p.Properties) == 0 {
		return nil
	}
	out := make(map[string]interface{}, len(p.Properties))
	for _, prop := range p.Properties {
		out[prop.ID.String()] = prop.Value
	}
	return out
}
