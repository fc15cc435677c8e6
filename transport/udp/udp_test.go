package udp

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/ella/transport"
	"github.com/drblury/ella/transport/transporttest"
)

func newLoopback(t *testing.T, cfg Config) *Transport {
	t.Helper()
	cfg.BindAddress = "127.0.0.1"
	if cfg.MulticastAddress == "" {
		cfg.MulticastAddress = "127.0.0.1"
	}
	tr, err := New(cfg, watermill.NopLogger{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = tr.Close() })
	return tr
}

func receive(t *testing.T, messages <-chan *message.Message) *message.Message {
	t.Helper()
	select {
	case msg := <-messages:
		require.NotNil(t, msg)
		msg.Ack()
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("no datagram received")
		return nil
	}
}

func TestRegister(t *testing.T) {
	transport.DefaultRegistry = transport.NewRegistry()
	Register()

	caps := transport.GetCapabilities(TransportName)
	assert.Equal(t, "udp", caps.Name)
	assert.True(t, caps.Datagram)
	assert.True(t, caps.ReportsSourceHost)
}

func TestCapabilities(t *testing.T) {
	assert.Equal(t, transport.UDPCapabilities, Capabilities())
}

func TestConfig_withDefaults(t *testing.T) {
	cfg := Config{Port: 40000}.withDefaults()

	assert.Equal(t, "0.0.0.0", cfg.BindAddress)
	assert.Equal(t, DefaultMulticastAddress, cfg.MulticastAddress)
	assert.Equal(t, DefaultMTU, cfg.MTU)
	assert.Equal(t, DefaultBuffer, cfg.Buffer)
	assert.Equal(t, 40000, cfg.PortRangeStart)
	assert.Equal(t, 40000, cfg.PortRangeEnd)
}

func TestConfig_broadcastAddrs(t *testing.T) {
	cfg := Config{MulticastAddress: "228.4.0.1", PortRangeStart: 33333, PortRangeEnd: 33335}

	addrs, err := cfg.broadcastAddrs()
	require.NoError(t, err)
	require.Len(t, addrs, 3)
	for i, addr := range addrs {
		assert.Equal(t, "228.4.0.1", addr.IP.String())
		assert.Equal(t, 33333+i, addr.Port)
	}

	_, err = Config{MulticastAddress: "nope"}.broadcastAddrs()
	assert.Error(t, err)
}

func TestDatagramRoundTrip(t *testing.T) {
	msg := message.NewMessage("01J0", []byte{0, 1, 2})
	msg.Metadata.Set(transport.MetadataEndpoint, "10.0.0.2:33333")

	topic, out, err := unmarshalDatagram(marshalDatagram(transport.NodeTopic(2), msg))
	require.NoError(t, err)
	assert.Equal(t, "ella-node-2", topic)
	assert.Equal(t, "01J0", out.UUID)
	assert.Equal(t, []byte{0, 1, 2}, []byte(out.Payload))
	assert.Equal(t, "10.0.0.2:33333", out.Metadata.Get(transport.MetadataEndpoint))

	_, _, err = unmarshalDatagram([]byte{0xff})
	assert.ErrorIs(t, err, ErrMalformedDatagram)

	_, _, err = unmarshalDatagram(nil)
	assert.ErrorIs(t, err, ErrMalformedDatagram)
}

func TestUnicast(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	receiver := newLoopback(t, Config{})
	sender := newLoopback(t, Config{})

	messages, err := receiver.Subscribe(ctx, transport.NodeTopic(2))
	require.NoError(t, err)

	msg := message.NewMessage("m1", []byte("hello"))
	msg.Metadata.Set(transport.MetadataEndpoint, receiver.Addr().String())
	require.NoError(t, sender.Publish(transport.NodeTopic(2), msg))

	got := receive(t, messages)
	assert.Equal(t, "m1", got.UUID)
	assert.Equal(t, "hello", string(got.Payload))
	assert.Equal(t, "127.0.0.1", got.Metadata.Get(transport.MetadataSourceHost))
}

func TestBroadcastReachesDiscoveryRange(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	receiver := newLoopback(t, Config{})
	port := receiver.Addr().Port
	sender := newLoopback(t, Config{PortRangeStart: port, PortRangeEnd: port})

	messages, err := receiver.Subscribe(ctx, transport.BroadcastTopic)
	require.NoError(t, err)
	other, err := receiver.Subscribe(ctx, transport.NodeTopic(9))
	require.NoError(t, err)

	require.NoError(t, sender.Publish(transport.BroadcastTopic, message.NewMessage("b1", []byte("hi"))))

	got := receive(t, messages)
	assert.Equal(t, "b1", got.UUID)

	select {
	case msg := <-other:
		t.Fatalf("unexpected message on other topic: %v", msg)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPublishRejectsOversizedDatagram(t *testing.T) {
	tr := newLoopback(t, Config{MTU: 64})

	msg := message.NewMessage("big", make([]byte, 128))
	msg.Metadata.Set(transport.MetadataEndpoint, tr.Addr().String())

	err := tr.Publish(transport.NodeTopic(1), msg)
	assert.ErrorIs(t, err, ErrDatagramTooLarge)
}

func TestPublishRejectsBadEndpoint(t *testing.T) {
	tr := newLoopback(t, Config{})

	msg := message.NewMessage("x", nil)
	msg.Metadata.Set(transport.MetadataEndpoint, "not an endpoint")
	assert.Error(t, tr.Publish(transport.NodeTopic(1), msg))
}

func TestCloseEndsSubscriptions(t *testing.T) {
	tr, err := New(Config{BindAddress: "127.0.0.1", MulticastAddress: "127.0.0.1"}, nil)
	require.NoError(t, err)

	messages, err := tr.Subscribe(context.Background(), transport.BroadcastTopic)
	require.NoError(t, err)

	require.NoError(t, tr.Close())
	_, ok := <-messages
	assert.False(t, ok)

	require.NoError(t, tr.Close())
	assert.Error(t, tr.Publish(transport.BroadcastTopic, message.NewMessage("x", nil)))
	_, err = tr.Subscribe(context.Background(), transport.BroadcastTopic)
	assert.Error(t, err)
}

func TestBuildUsesNodeConfig(t *testing.T) {
	port := freePort(t)
	cfg := &transporttest.Config{
		PubSubSystem:     TransportName,
		BindAddress:      "127.0.0.1",
		NetworkPort:      port,
		MulticastAddress: "127.0.0.1",
		MTU:              500,
		DiscoveryStart:   port,
		DiscoveryEnd:     port + 1,
	}

	tr, err := Build(context.Background(), cfg, watermill.NopLogger{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = tr.Publisher.Close() })

	udp := tr.Publisher.(*Transport)
	assert.Equal(t, port, udp.Addr().Port)
	assert.Equal(t, 500, udp.config.MTU)
	require.Len(t, udp.broadcast, 2)
	assert.Equal(t, port+1, udp.broadcast[1].Port)
}

func freePort(t *testing.T) int {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	port := conn.LocalAddr().(*net.UDPAddr).Port
	require.NoError(t, conn.Close())
	return port
}
