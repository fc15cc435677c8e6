package channel

import (
	"context"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/ella/transport"
	"github.com/drblury/ella/transport/transporttest"
)

func TestRegister(t *testing.T) {
	transport.DefaultRegistry = transport.NewRegistry()
	Register()

	caps := transport.GetCapabilities(TransportName)
	assert.Equal(t, "channel", caps.Name)
	assert.True(t, caps.SupportsOrdering)
	assert.True(t, caps.SupportsAck)
	assert.True(t, caps.SupportsNack)
}

func TestCapabilities(t *testing.T) {
	caps := Capabilities()
	assert.Equal(t, transport.ChannelCapabilities, caps)
	assert.Equal(t, "channel", caps.Name)
}

func TestBuild(t *testing.T) {
	t.Run("creates transport with default factory", func(t *testing.T) {
		tr, err := Build(context.Background(), &transporttest.Config{}, watermill.NopLogger{})

		require.NoError(t, err)
		assert.NotNil(t, tr.Publisher)
		assert.NotNil(t, tr.Subscriber)
		require.NoError(t, tr.Publisher.Close())
	})

	t.Run("uses custom factory", func(t *testing.T) {
		originalFactory := Factory
		t.Cleanup(func() { Factory = originalFactory })

		mockPub := &transporttest.Publisher{}
		mockSub := &transporttest.Subscriber{}
		Factory = func(cfg gochannel.Config, logger watermill.LoggerAdapter) (message.Publisher, message.Subscriber) {
			assert.Equal(t, int64(DefaultOutputBuffer), cfg.OutputChannelBuffer)
			return mockPub, mockSub
		}

		tr, err := Build(context.Background(), &transporttest.Config{}, watermill.NopLogger{})

		require.NoError(t, err)
		assert.Equal(t, mockPub, tr.Publisher)
		assert.Equal(t, mockSub, tr.Subscriber)
	})
}

func TestSharedBusAcrossBuilds(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := Build(ctx, &transporttest.Config{NodeID: 1}, watermill.NopLogger{})
	require.NoError(t, err)
	b, err := Build(ctx, &transporttest.Config{NodeID: 2}, watermill.NopLogger{})
	require.NoError(t, err)

	messages, err := b.Subscriber.Subscribe(ctx, transport.NodeTopic(2))
	require.NoError(t, err)

	// closing one handle twice must not tear down the bus for the other node
	require.NoError(t, a.Subscriber.Close())
	require.NoError(t, a.Publisher.Close())

	c, err := Build(ctx, &transporttest.Config{NodeID: 3}, watermill.NopLogger{})
	require.NoError(t, err)
	require.NoError(t, c.Publisher.Publish(transport.NodeTopic(2), message.NewMessage("1", []byte("hello"))))

	select {
	case msg := <-messages:
		assert.Equal(t, "hello", string(msg.Payload))
		msg.Ack()
	case <-time.After(time.Second):
		t.Fatal("message not delivered over shared bus")
	}

	require.NoError(t, b.Publisher.Close())
	require.NoError(t, c.Publisher.Close())
}

func TestTransportName(t *testing.T) {
	assert.Equal(t, "channel", TransportName)
}
