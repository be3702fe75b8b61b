// Package conn drives one accepted TCP connection through the MQTT 5.0
// session state machine: AWAITING_CONNECT -> CONNECTED -> DISCONNECTING. A
// Task owns exactly one socket, one frame.Reader, and (once CONNECT
// succeeds) one session.Session; it never reaches into the broker hub's
// internals beyond the Hub methods and never hands its socket to anything
// else.
package conn

import (
	"bytes"
	"context"
	"io"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/axmq/ax/broker"
	"github.com/axmq/ax/encoding"
	"github.com/axmq/ax/frame"
	"github.com/axmq/ax/hook"
	"github.com/axmq/ax/network"
	"github.com/axmq/ax/pkg/logger"
	"github.com/axmq/ax/session"
	"github.com/axmq/ax/topic"
)

// state mirrors the session state machine named in the protocol: a
// connection starts awaiting a CONNECT, moves to connected traffic once
// admitted, and moves to disconnecting once either side ends the session.
type state byte

const (
	stateAwaitingConnect state = iota
	stateConnected
	stateDisconnecting
)

// Config bounds the behavior of every Task spawned from it.
type Config struct {
	ReceiveMaximum uint16
	MaximumQoS     byte
	ReadBufferSize int
	ConnectTimeout time.Duration
}

// DefaultConfig returns reasonable per-connection defaults.
func DefaultConfig() Config {
	return Config{
		ReceiveMaximum: 65535,
		MaximumQoS:     2,
		ReadBufferSize: 4096,
		ConnectTimeout: 20 * time.Second,
	}
}

// Task is the per-connection driver. One goroutine runs Run's read loop,
// a second drains the session's outbound queue; both are stopped by
// closing the underlying network.Connection.
type Task struct {
	cfg  Config
	conn *network.Connection
	hub  *broker.Hub
	log  *logger.SlogLogger

	reader *frame.Reader

	mu    sync.Mutex // guards state and session below
	st    state
	sess  *session.Session
	clean bool // true once a client-initiated DISCONNECT has been processed

	writeMu sync.Mutex // serialises every write to conn, including out-of-band disconnects
}

// New creates a connection task bound to an accepted socket.
func New(c *network.Connection, hub *broker.Hub, log *logger.SlogLogger, cfg Config) *Task {
	return &Task{
		cfg:    cfg,
		conn:   c,
		hub:    hub,
		log:    log,
		reader: frame.NewReader(),
		st:     stateAwaitingConnect,
	}
}

// Run drives the connection until the peer disconnects, a protocol error
// forces a close, or ctx is cancelled. It always returns after the
// connection is fully torn down (session unregistered, socket closed).
func (t *Task) Run(ctx context.Context) error {
	defer t.teardown(ctx)

	buf := make([]byte, t.cfg.ReadBufferSize)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		n, err := t.conn.Read(buf)
		if n > 0 {
			t.reader.Feed(buf[:n])
			if derr := t.drainFrames(ctx); derr != nil {
				return derr
			}
		}

		if err != nil {
			if errors.Is(err, network.ErrConnectionClosed) {
				return nil
			}
			if closeErr := t.reader.OnPeerClose(err); closeErr != nil && !errors.Is(closeErr, io.EOF) {
				t.log.Warn("conn: peer closed with partial frame", "error", closeErr)
			}
			return nil
		}
	}
}

// drainFrames parses and dispatches every complete frame currently
// buffered, stopping at the first incomplete frame or dispatch error.
func (t *Task) drainFrames(ctx context.Context) error {
	for {
		f, err := t.reader.TryParse()
		if err != nil {
			if errors.Is(err, frame.ErrIncomplete) {
				return nil
			}

			t.mu.Lock()
			awaitingConnect := t.st == stateAwaitingConnect
			t.mu.Unlock()

			if awaitingConnect && (errors.Is(err, encoding.ErrInvalidProtocolVersion) || errors.Is(err, encoding.ErrInvalidProtocolName)) {
				t.log.Warn("conn: rejecting CONNECT", "error", err)
				t.writeConnack(false, encoding.ReasonUnsupportedProtocolVersion, nil)
				return err
			}

			t.log.Warn("conn: malformed frame, closing", "error", err)
			t.sendReject(encoding.ReasonMalformedPacket)
			return err
		}

		if err := t.dispatch(ctx, f); err != nil {
			return err
		}
	}
}

// dispatch routes one decoded frame according to the current state.
func (t *Task) dispatch(ctx context.Context, f *frame.Frame) error {
	t.mu.Lock()
	st := t.st
	t.mu.Unlock()

	if st == stateAwaitingConnect {
		pkt, ok := f.Packet.(*encoding.ConnectPacket)
		if !ok {
			t.sendReject(encoding.ReasonProtocolError)
			return errors.New("conn: first packet was not CONNECT")
		}
		return t.handleConnect(ctx, pkt)
	}

	if t.sess != nil {
		t.sess.Touch()
	}

	switch pkt := f.Packet.(type) {
	case *encoding.PublishPacket:
		return t.handlePublish(ctx, f.Header, pkt)
	case *encoding.PubackPacket:
		t.sess.RemovePendingPublish(pkt.PacketID)
		return nil
	case *encoding.PubrecPacket:
		return t.handlePubrec(pkt)
	case *encoding.PubrelPacket:
		return t.handlePubrel(pkt)
	case *encoding.PubcompPacket:
		t.sess.RemovePendingPubcomp(pkt.PacketID)
		return nil
	case *encoding.SubscribePacket:
		return t.handleSubscribe(pkt)
	case *encoding.UnsubscribePacket:
		return t.handleUnsubscribe(pkt)
	case *encoding.PingreqPacket:
		return t.handlePingreq()
	case *encoding.DisconnectPacket:
		return t.handleDisconnect(ctx, pkt)
	case *encoding.AuthPacket:
		t.log.Warn("conn: AUTH received but enhanced authentication is not configured")
		return nil
	case *encoding.ConnectPacket:
		t.sendReject(encoding.ReasonProtocolError)
		return errors.New("conn: second CONNECT on an established session")
	default:
		return nil
	}
}

// handleConnect runs the CONNECT handshake: protocol validation, client_id
// assignment, session creation/resumption, and CONNACK assembly.
func (t *Task) handleConnect(ctx context.Context, pkt *encoding.ConnectPacket) error {
	// Protocol name/version are already validated by ParseConnectPacket;
	// a mismatch never reaches here (see drainFrames' pre-CONNECT decode
	// error handling instead).
	clientID := pkt.ClientID
	assigned := false
	if clientID == "" {
		if !pkt.CleanStart {
			t.writeConnack(false, encoding.ReasonClientIdentifierNotValid, nil)
			return errors.New("conn: empty client id with clean_start=false")
		}
		id, err := t.hub.Sessions().GenerateClientID(ctx)
		if err != nil {
			t.writeConnack(false, encoding.ReasonServerUnavailable, nil)
			return errors.Wrap(err, "conn: generate client id")
		}
		clientID = id
		assigned = true
	}

	hc := &hook.Client{
		ID:              clientID,
		RemoteAddr:      t.conn.RemoteAddr(),
		LocalAddr:       t.conn.LocalAddr(),
		Username:        pkt.Username,
		CleanStart:      pkt.CleanStart,
		ProtocolVersion: byte(pkt.ProtocolVersion),
		KeepAlive:       pkt.KeepAlive,
		ConnectedAt:     time.Now(),
		State:           hook.ClientStateConnecting,
	}
	hookPkt := &hook.ConnectPacket{
		ProtocolName:    "MQTT",
		ProtocolVersion: byte(pkt.ProtocolVersion),
		CleanStart:      pkt.CleanStart,
		KeepAlive:       pkt.KeepAlive,
		ClientID:        clientID,
		Username:        pkt.Username,
		Password:        pkt.Password,
	}

	if !t.hub.Hooks().OnConnectAuthenticate(hc, hookPkt) {
		t.writeConnack(false, encoding.ReasonNotAuthorized, nil)
		return errors.New("conn: rejected by OnConnectAuthenticate hook")
	}

	sessionExpiry := sessionExpiryOf(&pkt.Properties)

	sess, present, err := t.hub.Sessions().CreateSession(ctx, clientID, pkt.CleanStart, sessionExpiry, byte(pkt.ProtocolVersion))
	if err != nil {
		t.writeConnack(false, encoding.ReasonServerUnavailable, nil)
		return errors.Wrap(err, "conn: create session")
	}

	sess.SetKeepAlive(pkt.KeepAlive)
	if pkt.WillFlag {
		sess.SetWillMessage(&session.WillMessage{
			Topic:   pkt.WillTopic,
			Payload: pkt.WillPayload,
			QoS:     byte(pkt.WillQoS),
			Retain:  pkt.WillRetain,
		}, willDelayOf(&pkt.WillProperties))
	}

	if err := t.hub.Hooks().OnConnect(hc, hookPkt); err != nil {
		t.writeConnack(false, encoding.ReasonUnspecifiedError, nil)
		return errors.Wrap(err, "conn: rejected by OnConnect hook")
	}

	t.mu.Lock()
	t.sess = sess
	t.st = stateConnected
	t.mu.Unlock()

	t.hub.Register(&broker.Registrant{
		Session:            sess,
		Disconnect:         t.disconnectWithReason,
		GracefulDisconnect: t.GracefulDisconnect,
	})

	hc.State = hook.ClientStateConnected
	hc.SessionPresent = present
	_ = t.hub.Hooks().OnSessionEstablished(hc, hookPkt)

	go t.writeLoop(ctx, sess)
	if pkt.KeepAlive > 0 {
		go t.keepAliveLoop(sess, pkt.KeepAlive)
	}

	var clientIDForAck string
	if assigned {
		clientIDForAck = clientID
	}
	t.writeConnack(present, encoding.ReasonSuccess, &clientIDForAckProps{
		assignedClientID: clientIDForAck,
		receiveMaximum:   t.cfg.ReceiveMaximum,
		maximumQoS:       t.cfg.MaximumQoS,
		serverKeepAlive:  pkt.KeepAlive,
	})

	return nil
}

// hookClient builds a lightweight hook.Client snapshot of the current
// session for lifecycle events fired after the CONNECT handshake.
func (t *Task) hookClient() *hook.Client {
	return &hook.Client{
		ID:         t.sess.ClientID,
		RemoteAddr: t.conn.RemoteAddr(),
		LocalAddr:  t.conn.LocalAddr(),
		State:      hook.ClientStateConnected,
	}
}

type clientIDForAckProps struct {
	assignedClientID string
	receiveMaximum   uint16
	maximumQoS       byte
	serverKeepAlive  uint16
}

// writeConnack builds and sends a CONNACK. Before a session exists (a
// handshake rejection) it writes straight to the socket since no writer
// goroutine is running yet; afterward it goes through the session's
// outbound queue like every other frame.
func (t *Task) writeConnack(sessionPresent bool, reason encoding.ReasonCode, props *clientIDForAckProps) {
	pkt := &encoding.ConnackPacket{
		FixedHeader:    encoding.FixedHeader{Type: encoding.CONNACK},
		SessionPresent: sessionPresent,
		ReasonCode:     reason,
	}

	if props != nil {
		if props.assignedClientID != "" {
			_ = pkt.Properties.AddProperty(encoding.PropAssignedClientIdentifier, props.assignedClientID)
		}
		_ = pkt.Properties.AddProperty(encoding.PropReceiveMaximum, props.receiveMaximum)
		_ = pkt.Properties.AddProperty(encoding.PropMaximumQoS, props.maximumQoS)
	}

	var buf bytes.Buffer
	if err := pkt.Encode(&buf); err != nil {
		t.log.Error("conn: encode connack failed", "error", err)
		return
	}

	if t.sess == nil {
		t.writeRaw(buf.Bytes())
		return
	}
	t.enqueue(session.OutboundFrame{Payload: buf.Bytes(), QoS: 0})
}

// sendReject writes a best-effort DISCONNECT (or, pre-CONNECT, nothing
// beyond closing) when a malformed or out-of-sequence frame is seen.
func (t *Task) sendReject(reason encoding.ReasonCode) {
	t.mu.Lock()
	awaitingConnect := t.st == stateAwaitingConnect
	t.mu.Unlock()
	if awaitingConnect {
		return
	}

	pkt := &encoding.DisconnectPacket{
		FixedHeader: encoding.FixedHeader{Type: encoding.DISCONNECT},
		ReasonCode:  reason,
	}
	var buf bytes.Buffer
	if err := pkt.Encode(&buf); err != nil {
		return
	}
	t.writeRaw(buf.Bytes())
}

// handlePublish fans a client's PUBLISH out to matching subscribers and
// replies per its QoS. QoS 2 duplicate PUBLISH before the matching PUBREL
// is answered with the same PUBREC again without a second fan-out.
func (t *Task) handlePublish(ctx context.Context, fh encoding.FixedHeader, pkt *encoding.PublishPacket) error {
	qos := fh.QoS

	if qos == encoding.QoS2 && t.sess.HasPendingPubrel(pkt.PacketID) {
		t.sendPubrec(pkt.PacketID, encoding.ReasonSuccess)
		return nil
	}

	hookPub := &hook.PublishPacket{
		PacketID:   pkt.PacketID,
		Topic:      pkt.TopicName,
		Payload:    pkt.Payload,
		QoS:        byte(qos),
		Retain:     fh.Retain,
		Duplicate:  fh.DUP,
		Created:    time.Now(),
		Origin:     t.sess.ClientID,
	}
	if err := t.hub.Hooks().OnPublish(t.hookClient(), hookPub); err != nil {
		t.log.Debug("conn: publish dropped by OnPublish hook", "client_id", t.sess.ClientID, "topic", pkt.TopicName, "error", err)
		return nil
	}

	t.hub.Publish(ctx, pkt.TopicName, pkt.Payload, byte(qos), fh.Retain, t.sess.ClientID, func(subQoS byte, packetID uint16, dup bool) ([]byte, error) {
		return encodePublish(pkt.TopicName, pkt.Payload, subQoS, packetID, dup, fh.Retain)
	})
	t.hub.Hooks().OnPublished(t.hookClient(), hookPub)

	switch qos {
	case encoding.QoS1:
		t.sendPuback(pkt.PacketID, encoding.ReasonSuccess)
	case encoding.QoS2:
		t.sess.AddPendingPubrel(pkt.PacketID)
		t.sendPubrec(pkt.PacketID, encoding.ReasonSuccess)
	}

	return nil
}

// handlePubrec continues a broker-initiated QoS 2 delivery: the
// subscriber acknowledged receipt, so the broker replies PUBREL and waits
// for PUBCOMP.
func (t *Task) handlePubrec(pkt *encoding.PubrecPacket) error {
	t.sess.RemovePendingPublish(pkt.PacketID)
	t.sess.AddPendingPubcomp(pkt.PacketID)

	rel := &encoding.PubrelPacket{
		PacketID:   pkt.PacketID,
		ReasonCode: encoding.ReasonSuccess,
	}
	var buf bytes.Buffer
	if err := rel.Encode(&buf); err != nil {
		return errors.Wrap(err, "conn: encode pubrel")
	}
	t.enqueue(session.OutboundFrame{Payload: buf.Bytes(), QoS: 2})
	return nil
}

// handlePubrel completes the inbound QoS 2 flow: the publisher's PUBREL
// releases our dedup marker and we answer with PUBCOMP.
func (t *Task) handlePubrel(pkt *encoding.PubrelPacket) error {
	t.sess.RemovePendingPubrel(pkt.PacketID)

	comp := &encoding.PubcompPacket{
		FixedHeader: encoding.FixedHeader{Type: encoding.PUBCOMP},
		PacketID:    pkt.PacketID,
		ReasonCode:  encoding.ReasonSuccess,
	}
	var buf bytes.Buffer
	if err := comp.Encode(&buf); err != nil {
		return errors.Wrap(err, "conn: encode pubcomp")
	}
	t.enqueue(session.OutboundFrame{Payload: buf.Bytes(), QoS: 2})
	return nil
}

func (t *Task) sendPuback(packetID uint16, reason encoding.ReasonCode) {
	pkt := &encoding.PubackPacket{FixedHeader: encoding.FixedHeader{Type: encoding.PUBACK}, PacketID: packetID, ReasonCode: reason}
	var buf bytes.Buffer
	if err := pkt.Encode(&buf); err == nil {
		t.enqueue(session.OutboundFrame{Payload: buf.Bytes(), QoS: 1})
	}
}

func (t *Task) sendPubrec(packetID uint16, reason encoding.ReasonCode) {
	pkt := &encoding.PubrecPacket{FixedHeader: encoding.FixedHeader{Type: encoding.PUBREC}, PacketID: packetID, ReasonCode: reason}
	var buf bytes.Buffer
	if err := pkt.Encode(&buf); err == nil {
		t.enqueue(session.OutboundFrame{Payload: buf.Bytes(), QoS: 2})
	}
}

// handleSubscribe grants each requested filter at min(requested,
// broker maximum QoS) and installs it in both the router and the trie via
// the hub.
func (t *Task) handleSubscribe(pkt *encoding.SubscribePacket) error {
	reasonCodes := make([]encoding.ReasonCode, len(pkt.Subscriptions))

	for i, sub := range pkt.Subscriptions {
		if err := encoding.ValidateTopicFilter(sub.TopicFilter); err != nil {
			reasonCodes[i] = encoding.ReasonTopicFilterInvalid
			continue
		}

		granted := byte(sub.QoS)
		if granted > t.cfg.MaximumQoS {
			granted = t.cfg.MaximumQoS
		}

		hookSub := &hook.Subscription{
			ClientID:               t.sess.ClientID,
			TopicFilter:            sub.TopicFilter,
			QoS:                    granted,
			NoLocal:                sub.NoLocal,
			RetainAsPublished:      sub.RetainAsPublished,
			RetainHandling:         sub.RetainHandling,
			SubscriptionIdentifier: sub.SubscriptionIdentifier,
			SubscribedAt:           time.Now(),
		}
		if err := t.hub.Hooks().OnSubscribe(t.hookClient(), hookSub); err != nil {
			reasonCodes[i] = encoding.ReasonUnspecifiedError
			continue
		}

		err := t.hub.Subscribe(t.sess, sub.TopicFilter, topic.Subscription{
			QoS:                    granted,
			NoLocal:                sub.NoLocal,
			RetainAsPublished:      sub.RetainAsPublished,
			RetainHandling:         sub.RetainHandling,
			SubscriptionIdentifier: sub.SubscriptionIdentifier,
		})
		if err != nil {
			reasonCodes[i] = encoding.ReasonUnspecifiedError
			continue
		}

		t.hub.Hooks().OnSubscribed(t.hookClient(), hookSub)
		reasonCodes[i] = encoding.ReasonCode(granted)
	}

	ack := &encoding.SubackPacket{
		FixedHeader: encoding.FixedHeader{Type: encoding.SUBACK},
		PacketID:    pkt.PacketID,
		ReasonCodes: reasonCodes,
	}
	var buf bytes.Buffer
	if err := ack.Encode(&buf); err != nil {
		return errors.Wrap(err, "conn: encode suback")
	}
	t.enqueue(session.OutboundFrame{Payload: buf.Bytes(), QoS: 0})
	return nil
}

func (t *Task) handleUnsubscribe(pkt *encoding.UnsubscribePacket) error {
	reasonCodes := make([]encoding.ReasonCode, len(pkt.TopicFilters))

	for i, filter := range pkt.TopicFilters {
		if err := t.hub.Hooks().OnUnsubscribe(t.hookClient(), filter); err != nil {
			reasonCodes[i] = encoding.ReasonUnspecifiedError
			continue
		}
		if t.hub.Unsubscribe(t.sess, filter) {
			t.hub.Hooks().OnUnsubscribed(t.hookClient(), filter)
			reasonCodes[i] = encoding.ReasonSuccess
		} else {
			reasonCodes[i] = encoding.ReasonNoSubscriptionExisted
		}
	}

	ack := &encoding.UnsubackPacket{
		FixedHeader: encoding.FixedHeader{Type: encoding.UNSUBACK},
		PacketID:    pkt.PacketID,
		ReasonCodes: reasonCodes,
	}
	var buf bytes.Buffer
	if err := ack.Encode(&buf); err != nil {
		return errors.Wrap(err, "conn: encode unsuback")
	}
	t.enqueue(session.OutboundFrame{Payload: buf.Bytes(), QoS: 0})
	return nil
}

func (t *Task) handlePingreq() error {
	pkt := &encoding.PingrespPacket{FixedHeader: encoding.FixedHeader{Type: encoding.PINGRESP}}
	var buf bytes.Buffer
	if err := pkt.Encode(&buf); err != nil {
		return errors.Wrap(err, "conn: encode pingresp")
	}
	t.enqueue(session.OutboundFrame{Payload: buf.Bytes(), QoS: 0})
	return nil
}

// handleDisconnect processes a client-initiated DISCONNECT. A reason
// other than NormalDisconnection (or a will present with
// DisconnectWithWillMessage) means the will, if any, must fire; a clean
// DISCONNECT clears it. Either way the connection ends without the broker
// sending its own DISCONNECT back.
func (t *Task) handleDisconnect(ctx context.Context, pkt *encoding.DisconnectPacket) error {
	t.mu.Lock()
	t.st = stateDisconnecting
	t.clean = pkt.ReasonCode == encoding.ReasonNormalDisconnection
	t.mu.Unlock()

	if pkt.ReasonCode == encoding.ReasonDisconnectWithWillMessage {
		t.publishWill(ctx)
	}

	return io.EOF
}

// publishWill fans a session's will message out through the hub exactly
// as an ordinary PUBLISH from that client would be.
func (t *Task) publishWill(ctx context.Context) {
	will := t.sess.GetWillMessage()
	if will == nil {
		return
	}

	hookWill := &hook.WillMessage{
		Topic:   will.Topic,
		Payload: will.Payload,
		QoS:     will.QoS,
		Retain:  will.Retain,
	}
	if modified := t.hub.Hooks().OnWill(t.hookClient(), hookWill); modified != nil {
		hookWill = modified
	}

	t.hub.Publish(ctx, hookWill.Topic, hookWill.Payload, hookWill.QoS, hookWill.Retain, t.sess.ClientID, func(subQoS byte, packetID uint16, dup bool) ([]byte, error) {
		return encodePublish(hookWill.Topic, hookWill.Payload, subQoS, packetID, dup, hookWill.Retain)
	})
	t.hub.Hooks().OnWillSent(t.hookClient(), hookWill)
}

// disconnectWithReason is the Hub's eviction/backpressure callback: it is
// called from another goroutine (a takeover's CONNECT handler, or this
// hub's own Publish fan-out on quota exceeded), never from this Task's
// own read loop.
func (t *Task) disconnectWithReason(reason encoding.ReasonCode) {
	t.disconnect(reason, 0)
}

// GracefulDisconnect is wired into broker-wide shutdown: it waits up to
// drain for the session's outbound queue to empty before sending
// DISCONNECT(ServerShuttingDown) and closing the socket.
func (t *Task) GracefulDisconnect(reason encoding.ReasonCode, drain time.Duration) {
	t.disconnect(reason, drain)
}

func (t *Task) disconnect(reason encoding.ReasonCode, drain time.Duration) {
	t.mu.Lock()
	sess := t.sess
	t.mu.Unlock()

	if drain > 0 && sess != nil {
		deadline := time.Now().Add(drain)
		ticker := time.NewTicker(10 * time.Millisecond)
		defer ticker.Stop()
		for sess.OutboundLen() > 0 && time.Now().Before(deadline) {
			<-ticker.C
		}
	}

	pkt := &encoding.DisconnectPacket{FixedHeader: encoding.FixedHeader{Type: encoding.DISCONNECT}, ReasonCode: reason}
	var buf bytes.Buffer
	if err := pkt.Encode(&buf); err == nil {
		t.writeRaw(buf.Bytes())
	}
	_ = t.conn.Close()
}

// keepAliveLoop enforces the 1.5x keep-alive grace period named by the
// protocol: the timer resets on any received frame (network.Connection
// tracks this as activity on every successful Read, not just PINGREQ), so
// this loop only needs to poll the connection's idle duration.
func (t *Task) keepAliveLoop(sess *session.Session, keepAliveSecs uint16) {
	limit := time.Duration(float64(keepAliveSecs) * 1.5 * float64(time.Second))

	pollInterval := time.Duration(keepAliveSecs) * time.Second / 2
	if pollInterval < 500*time.Millisecond {
		pollInterval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.conn.CloseChan():
			return
		case <-ticker.C:
			if t.conn.IdleDuration() > limit {
				t.log.Warn("conn: keep-alive timeout", "client_id", sess.ClientID)
				t.mu.Lock()
				t.clean = false
				t.mu.Unlock()
				t.publishWill(context.Background())
				t.disconnect(encoding.ReasonKeepAliveTimeout, 0)
				return
			}
		}
	}
}

// writeLoop is the connection's sole socket writer once a session exists:
// it drains the session's outbound queue and writes each frame in order.
func (t *Task) writeLoop(ctx context.Context, sess *session.Session) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.conn.CloseChan():
			return
		case frm, ok := <-sess.Outbound():
			if !ok {
				return
			}
			t.writeRaw(frm.Payload)
		}
	}
}

func (t *Task) enqueue(frm session.OutboundFrame) {
	if t.sess == nil {
		t.writeRaw(frm.Payload)
		return
	}
	if err := t.sess.EnqueueOutbound(frm); err != nil {
		t.log.Warn("conn: outbound queue rejected frame", "client_id", t.sess.ClientID, "error", err)
		if frm.QoS > 0 {
			t.disconnect(encoding.ReasonQuotaExceeded, 0)
		}
	}
}

func (t *Task) writeRaw(b []byte) {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if _, err := t.conn.Write(b); err != nil {
		t.log.Debug("conn: write failed", "error", err)
	}
}

// teardown runs once, however Run exits: it unregisters the session from
// the hub (publishing the will unless a clean DISCONNECT was seen),
// releases the session manager's bookkeeping, and closes the socket.
func (t *Task) teardown(ctx context.Context) {
	t.mu.Lock()
	t.st = stateDisconnecting
	sess := t.sess
	clean := t.clean
	t.mu.Unlock()

	if sess != nil {
		t.hub.Unregister(sess.ClientID, sess)
		if err := t.hub.Sessions().DisconnectSession(ctx, sess.ClientID, !clean); err != nil {
			t.log.Warn("conn: session disconnect bookkeeping failed", "client_id", sess.ClientID, "error", err)
		}
		hc := &hook.Client{ID: sess.ClientID, RemoteAddr: t.conn.RemoteAddr(), LocalAddr: t.conn.LocalAddr(), State: hook.ClientStateDisconnected}
		t.hub.Hooks().OnDisconnect(hc, nil, !clean)
	}

	_ = t.conn.Close()
}

// encodePublish builds one PUBLISH frame's wire bytes for a given
// recipient QoS and packet identifier.
func encodePublish(topicName string, payload []byte, qos byte, packetID uint16, dup bool, retain bool) ([]byte, error) {
	pkt := &encoding.PublishPacket{
		FixedHeader: encoding.FixedHeader{
			Type:   encoding.PUBLISH,
			QoS:    encoding.QoS(qos),
			DUP:    dup,
			Retain: retain,
		},
		TopicName: topicName,
		PacketID:  packetID,
		Payload:   payload,
	}
	var buf bytes.Buffer
	if err := pkt.Encode(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func sessionExpiryOf(props *encoding.Properties) uint32 {
	if p := props.GetProperty(encoding.PropSessionExpiryInterval); p != nil {
		if v, ok := p.Value.(uint32); ok {
			return v
		}
	}
	return 0
}

func willDelayOf(props *encoding.Properties) uint32 {
	if p := props.GetProperty(encoding.PropWillDelayInterval); p != nil {
		if v, ok := p.Value.(uint32); ok {
			return v
		}
	}
	return 0
}
