package conn

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/axmq/ax/broker"
	"github.com/axmq/ax/encoding"
	"github.com/axmq/ax/frame"
	"github.com/axmq/ax/network"
	"github.com/axmq/ax/pkg/logger"
	"github.com/axmq/ax/session"
	"github.com/axmq/ax/topic"
)

func testLogger() *logger.SlogLogger {
	return logger.NewSlogLogger(slog.LevelError, io.Discard)
}

// pipeConn returns a network.Connection backed by one end of a net.Pipe,
// plus the raw peer end the test reads from / writes to.
func pipeConn(t *testing.T) (*network.Connection, net.Conn) {
	t.Helper()
	server, client := net.Pipe()
	nc := network.NewConnection(server, "test-conn", &network.ConnectionConfig{})
	t.Cleanup(func() {
		_ = nc.Close()
		_ = client.Close()
	})
	return nc, client
}

func newTestHub(t *testing.T) *broker.Hub {
	t.Helper()
	sessions := session.NewManager(session.ManagerConfig{Store: session.NewMemoryStore()})
	t.Cleanup(func() { _ = sessions.Close() })
	return broker.New(sessions, nil, testLogger(), nil)
}

// readFrame reads from r until one complete frame has been decoded,
// mirroring the way Task.Run itself drains the incremental reader.
func readFrame(t *testing.T, r io.Reader) *frame.Frame {
	t.Helper()
	fr := frame.NewReader()
	buf := make([]byte, 512)
	for {
		if f, err := fr.TryParse(); err == nil {
			return f
		} else if err != frame.ErrIncomplete {
			require.NoError(t, err)
		}
		n, err := r.Read(buf)
		require.NoError(t, err)
		fr.Feed(buf[:n])
	}
}

func TestHandleConnectRejectsEmptyClientIDWithoutCleanStart(t *testing.T) {
	nc, client := pipeConn(t)
	task := New(nc, nil, testLogger(), DefaultConfig())

	done := make(chan error, 1)
	go func() {
		pkt := &encoding.ConnectPacket{
			ProtocolName:    "MQTT",
			ProtocolVersion: encoding.ProtocolVersion50,
			CleanStart:      false,
			ClientID:        "",
			KeepAlive:       30,
		}
		done <- task.handleConnect(context.Background(), pkt)
	}()

	f := readFrame(t, client)
	ack, ok := f.Packet.(*encoding.ConnackPacket)
	require.True(t, ok)
	assert.Equal(t, encoding.ReasonClientIdentifierNotValid, ack.ReasonCode)

	err := <-done
	assert.Error(t, err)
}

func TestHandleConnectAssignsClientIDOnCleanStart(t *testing.T) {
	nc, client := pipeConn(t)
	hub := newTestHub(t)
	task := New(nc, hub, testLogger(), DefaultConfig())

	done := make(chan error, 1)
	go func() {
		pkt := &encoding.ConnectPacket{
			ProtocolName:    "MQTT",
			ProtocolVersion: encoding.ProtocolVersion50,
			CleanStart:      true,
			ClientID:        "",
			KeepAlive:       0,
		}
		done <- task.handleConnect(context.Background(), pkt)
	}()

	f := readFrame(t, client)
	ack, ok := f.Packet.(*encoding.ConnackPacket)
	require.True(t, ok)
	assert.Equal(t, encoding.ReasonSuccess, ack.ReasonCode)
	assert.False(t, ack.SessionPresent)

	assigned := ack.Properties.GetProperty(encoding.PropAssignedClientIdentifier)
	require.NotNil(t, assigned)
	clientID, ok := assigned.Value.(string)
	require.True(t, ok)
	assert.NotEmpty(t, clientID)

	require.NoError(t, <-done)

	task.mu.Lock()
	sess := task.sess
	st := task.st
	task.mu.Unlock()
	require.NotNil(t, sess)
	assert.Equal(t, clientID, sess.ClientID)
	assert.Equal(t, stateConnected, st)
}

func TestHandlePublishQoS1FansOutAndAcks(t *testing.T) {
	hub := newTestHub(t)

	subSess := session.NewWithQueueDepth("subscriber", true, 0, 5, 16, session.DropOldestQoS0)
	hub.Register(&broker.Registrant{Session: subSess, Disconnect: func(encoding.ReasonCode) {}})
	require.NoError(t, hub.Subscribe(subSess, "home/temp", topic.Subscription{QoS: 1}))

	nc, _ := pipeConn(t)
	task := New(nc, hub, testLogger(), DefaultConfig())
	pubSess := session.NewWithQueueDepth("publisher", true, 0, 5, 16, session.DropOldestQoS0)
	task.sess = pubSess
	task.st = stateConnected

	fh := encoding.FixedHeader{Type: encoding.PUBLISH, QoS: encoding.QoS1}
	pkt := &encoding.PublishPacket{TopicName: "home/temp", PacketID: 7, Payload: []byte("21C")}

	require.NoError(t, task.handlePublish(context.Background(), fh, pkt))

	assert.Equal(t, 1, subSess.OutboundLen())
	assert.Equal(t, 1, pubSess.OutboundLen(), "QoS1 publish should enqueue a PUBACK back to the publisher")
}

func TestHandleSubscribeGrantsCappedQoS(t *testing.T) {
	hub := newTestHub(t)
	nc, client := pipeConn(t)
	task := New(nc, hub, testLogger(), DefaultConfig())
	task.cfg.MaximumQoS = 1
	sess := session.NewWithQueueDepth("client1", true, 0, 5, 16, session.DropOldestQoS0)
	task.sess = sess
	task.st = stateConnected
	go task.writeLoop(context.Background(), sess)

	pkt := &encoding.SubscribePacket{
		PacketID: 1,
		Subscriptions: []encoding.Subscription{
			{TopicFilter: "home/+", QoS: encoding.QoS2},
		},
	}

	require.NoError(t, task.handleSubscribe(pkt))

	f := readFrame(t, client)
	ack, ok := f.Packet.(*encoding.SubackPacket)
	require.True(t, ok)
	require.Len(t, ack.ReasonCodes, 1)
	assert.Equal(t, encoding.ReasonCode(1), ack.ReasonCodes[0])
}

func TestHandlePingreqRepliesPingresp(t *testing.T) {
	hub := newTestHub(t)
	nc, client := pipeConn(t)
	task := New(nc, hub, testLogger(), DefaultConfig())
	sess := session.NewWithQueueDepth("client1", true, 0, 5, 16, session.DropOldestQoS0)
	task.sess = sess
	task.st = stateConnected
	go task.writeLoop(context.Background(), sess)

	require.NoError(t, task.handlePingreq())

	f := readFrame(t, client)
	assert.Equal(t, encoding.PINGRESP, f.Header.Type)
}

func TestHandleDisconnectWithWillFiresWill(t *testing.T) {
	hub := newTestHub(t)

	subSess := session.NewWithQueueDepth("subscriber", true, 0, 5, 16, session.DropOldestQoS0)
	hub.Register(&broker.Registrant{Session: subSess, Disconnect: func(encoding.ReasonCode) {}})
	require.NoError(t, hub.Subscribe(subSess, "clients/lwt", topic.Subscription{QoS: 0}))

	nc, _ := pipeConn(t)
	task := New(nc, hub, testLogger(), DefaultConfig())
	pubSess := session.NewWithQueueDepth("publisher", true, 0, 5, 16, session.DropOldestQoS0)
	pubSess.SetWillMessage(&session.WillMessage{Topic: "clients/lwt", Payload: []byte("offline"), QoS: 0}, 0)
	task.sess = pubSess
	task.st = stateConnected

	pkt := &encoding.DisconnectPacket{ReasonCode: encoding.ReasonDisconnectWithWillMessage}
	err := task.handleDisconnect(context.Background(), pkt)
	assert.ErrorIs(t, err, io.EOF)

	task.mu.Lock()
	clean := task.clean
	task.mu.Unlock()
	assert.False(t, clean)
	assert.Equal(t, 1, subSess.OutboundLen())
}

func TestHandleDisconnectNormalDoesNotFireWill(t *testing.T) {
	hub := newTestHub(t)

	subSess := session.NewWithQueueDepth("subscriber", true, 0, 5, 16, session.DropOldestQoS0)
	hub.Register(&broker.Registrant{Session: subSess, Disconnect: func(encoding.ReasonCode) {}})
	require.NoError(t, hub.Subscribe(subSess, "clients/lwt", topic.Subscription{QoS: 0}))

	nc, _ := pipeConn(t)
	task := New(nc, hub, testLogger(), DefaultConfig())
	pubSess := session.NewWithQueueDepth("publisher", true, 0, 5, 16, session.DropOldestQoS0)
	pubSess.SetWillMessage(&session.WillMessage{Topic: "clients/lwt", Payload: []byte("offline"), QoS: 0}, 0)
	task.sess = pubSess
	task.st = stateConnected

	pkt := &encoding.DisconnectPacket{ReasonCode: encoding.ReasonNormalDisconnection}
	err := task.handleDisconnect(context.Background(), pkt)
	assert.ErrorIs(t, err, io.EOF)

	task.mu.Lock()
	clean := task.clean
	task.mu.Unlock()
	assert.True(t, clean)
	assert.Equal(t, 0, subSess.OutboundLen())
}

func TestGracefulDisconnectSendsDisconnectAfterDrain(t *testing.T) {
	hub := newTestHub(t)
	nc, client := pipeConn(t)
	task := New(nc, hub, testLogger(), DefaultConfig())
	sess := session.NewWithQueueDepth("client1", true, 0, 5, 16, session.DropOldestQoS0)
	task.sess = sess
	task.st = stateConnected

	done := make(chan struct{})
	go func() {
		task.GracefulDisconnect(encoding.ReasonServerShuttingDown, 200*time.Millisecond)
		close(done)
	}()

	f := readFrame(t, client)
	assert.Equal(t, encoding.DISCONNECT, f.Header.Type)
	disc, ok := f.Packet.(*encoding.DisconnectPacket)
	require.True(t, ok)
	assert.Equal(t, encoding.ReasonServerShuttingDown, disc.ReasonCode)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("GracefulDisconnect did not return")
	}
}

func TestEncodePublishRoundTrips(t *testing.T) {
	b, err := encodePublish("a/b", []byte("payload"), byte(encoding.QoS1), 42, false, true)
	require.NoError(t, err)

	fh, hlen, err := encoding.ParseFixedHeaderFromBytes(b)
	require.NoError(t, err)
	pkt, err := encoding.ParsePublishPacket(bytes.NewReader(b[hlen:]), fh)
	require.NoError(t, err)
	assert.Equal(t, "a/b", pkt.TopicName)
	assert.Equal(t, []byte("payload"), pkt.Payload)
	assert.Equal(t, uint16(42), pkt.PacketID)
	assert.True(t, fh.Retain)
}
