package runtime

import (
	"errors"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/ella/internal/runtime/wire"
	"github.com/drblury/ella/transport"
)

func newTestOutbound(pub *recordingPublisher, capacity, maxSize int) *outbound {
	return newOutbound(pub, newTestLogger(), newNodeMetrics(1), capacity, maxSize)
}

func TestOutboundPublishesInOrderPerDestination(t *testing.T) {
	pub := &recordingPublisher{}
	out := newTestOutbound(pub, 10, 0)
	defer out.close()

	for id := int32(1); id <= 5; id++ {
		out.enqueue(destination{node: 2}, "10.0.0.2:4000", wire.Message{Type: wire.Publish, ID: id, Sender: 1})
	}
	out.enqueue(destination{broadcast: true}, "", wire.Message{Type: wire.Discover, ID: 6, Sender: 1})

	require.Eventually(t, func() bool { return len(pub.sent()) == 6 }, waitFor, tick)

	var ids []int32
	for _, r := range pub.sent() {
		if r.topic == transport.NodeTopic(2) {
			ids = append(ids, r.msg.ID)
			assert.Equal(t, "10.0.0.2:4000", r.endpoint)
		}
	}
	assert.Equal(t, []int32{1, 2, 3, 4, 5}, ids)
	assert.Len(t, pub.ofType(transport.BroadcastTopic, wire.Discover), 1)
	assert.Equal(t, 5.0, testutil.ToFloat64(out.metrics.sent.WithLabelValues(wire.Publish.String())))
}

func TestOutboundDropsOldestWhenFull(t *testing.T) {
	pub := &recordingPublisher{block: make(chan struct{})}
	out := newTestOutbound(pub, 2, 0)

	// the first message is taken by the drain goroutine and blocks there
	out.enqueue(destination{node: 2}, "", wire.Message{Type: wire.Publish, ID: 1})
	require.Eventually(t, func() bool { return out.pending(destination{node: 2}) == 0 }, waitFor, tick)

	for id := int32(2); id <= 5; id++ {
		out.enqueue(destination{node: 2}, "", wire.Message{Type: wire.Publish, ID: id})
	}
	assert.Equal(t, 2, out.pending(destination{node: 2}))
	assert.Equal(t, 2.0, testutil.ToFloat64(out.metrics.dropped.WithLabelValues("overflow")))

	close(pub.block)
	require.Eventually(t, func() bool { return len(pub.sent()) == 3 }, waitFor, tick)

	var ids []int32
	for _, r := range pub.sent() {
		ids = append(ids, r.msg.ID)
	}
	assert.Equal(t, []int32{1, 4, 5}, ids)
	out.close()
}

func TestOutboundRejectsOversizedMessages(t *testing.T) {
	pub := &recordingPublisher{}
	out := newTestOutbound(pub, 10, 64)
	defer out.close()

	out.enqueue(destination{node: 2}, "", wire.Message{Type: wire.Publish, Data: []byte(strings.Repeat("x", 100))})
	assert.Equal(t, 1.0, testutil.ToFloat64(out.metrics.dropped.WithLabelValues("too_large")))
	assert.Zero(t, out.pending(destination{node: 2}))

	err := out.publishNow(destination{broadcast: true}, wire.Message{Type: wire.NodeShutdown, Data: []byte(strings.Repeat("x", 100))})
	assert.Error(t, err)
	assert.Empty(t, pub.sent())
}

func TestOutboundCountsPublishErrors(t *testing.T) {
	pub := &recordingPublisher{err: errors.New("link down")}
	out := newTestOutbound(pub, 10, 0)
	defer out.close()

	out.enqueue(destination{node: 2}, "", wire.Message{Type: wire.Publish})
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(out.metrics.dropped.WithLabelValues("publish_error")) == 1
	}, waitFor, tick)
}

func TestOutboundPublishNow(t *testing.T) {
	pub := &recordingPublisher{}
	out := newTestOutbound(pub, 10, 0)
	defer out.close()

	require.NoError(t, out.publishNow(destination{broadcast: true}, wire.Message{Type: wire.NodeShutdown, Sender: 1}))
	assert.Len(t, pub.ofType(transport.BroadcastTopic, wire.NodeShutdown), 1)
}

func TestOutboundDropAndClose(t *testing.T) {
	pub := &recordingPublisher{block: make(chan struct{})}
	out := newTestOutbound(pub, 10, 0)

	out.enqueue(destination{node: 2}, "", wire.Message{Type: wire.Publish, ID: 1})
	require.Eventually(t, func() bool { return out.pending(destination{node: 2}) == 0 }, waitFor, tick)
	out.enqueue(destination{node: 2}, "", wire.Message{Type: wire.Publish, ID: 2})

	out.drop(2)
	assert.Zero(t, out.pending(destination{node: 2}))

	close(pub.block)
	out.close()
	out.close()

	out.enqueue(destination{node: 3}, "", wire.Message{Type: wire.Publish, ID: 3})
	assert.Zero(t, out.pending(destination{node: 3}), "closed outbound accepts nothing")

	for _, r := range pub.sent() {
		assert.NotEqual(t, int32(2), r.msg.ID, "dropped lanes discard queued messages")
	}
}
