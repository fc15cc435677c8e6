package runtime

import (
	"context"
	"errors"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	configpkg "github.com/drblury/ella/internal/runtime/config"
	errspkg "github.com/drblury/ella/internal/runtime/errors"
	"github.com/drblury/ella/internal/runtime/handles"
	"github.com/drblury/ella/internal/runtime/wire"
	"github.com/drblury/ella/transport"
)

func TestNewNodeRequiresConfigAndLogger(t *testing.T) {
	_, err := NewNode(nil, newTestLogger(), context.Background(), NodeDependencies{})
	assert.ErrorIs(t, err, errspkg.ErrConfigRequired)

	_, err = NewNode(testConfig(1), nil, context.Background(), NodeDependencies{})
	assert.ErrorIs(t, err, errspkg.ErrLoggerRequired)
}

func TestNewNodeRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(1)
	cfg.MulticastAddress = "10.0.0.1"

	_, err := NewNode(cfg, newTestLogger(), context.Background(), NodeDependencies{
		TransportFactory: &recordingFactory{publisher: &recordingPublisher{}},
	})
	var validation errspkg.ConfigValidationError
	assert.ErrorAs(t, err, &validation)
}

func TestNewNodeWrapsTransportError(t *testing.T) {
	boom := errors.New("boom")
	registry := transport.NewRegistry()
	registry.Register("channel", func(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
		return transport.Transport{}, boom
	})

	_, err := NewNode(testConfig(1), newTestLogger(), context.Background(), NodeDependencies{
		TransportFactory: registry,
		Registerer:       prometheus.NewRegistry(),
	})
	assert.ErrorIs(t, err, boom)
}

func TestNewNodeAppliesDefaults(t *testing.T) {
	cfg := &configpkg.Config{NodeID: 3, PubSubSystem: "channel"}
	n, err := NewNode(cfg, newTestLogger(), context.Background(), NodeDependencies{
		TransportFactory: &recordingFactory{publisher: &recordingPublisher{}},
		Registerer:       prometheus.NewRegistry(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = n.Close() })

	assert.Equal(t, handles.NodeID(3), n.ID())
	assert.Equal(t, configpkg.DefaultMaxQueueSize, n.Conf.MaxQueueSize)
	assert.Equal(t, configpkg.DefaultNetworkPort, n.ListenPort())
	assert.Equal(t, "channel", n.Capabilities().Name)
	assert.Empty(t, cfg.MulticastAddress, "caller config must not be mutated")
}

func TestSubscribeValidatesSubscriber(t *testing.T) {
	n, _ := newRecordingNode(t, 1)

	err := Subscribe(n, "not a pointer", func(reading, handles.SubscriptionHandle) {})
	assert.ErrorIs(t, err, errspkg.ErrInvalidSubscriber)

	var nilDisplay *display
	err = Subscribe(n, nilDisplay, func(reading, handles.SubscriptionHandle) {})
	assert.ErrorIs(t, err, errspkg.ErrInvalidSubscriber)

	err = Subscribe[reading](n, &display{}, nil)
	assert.ErrorIs(t, err, errspkg.ErrCallbackRequired)

	err = Subscribe(n, &badAssociator{}, func(reading, handles.SubscriptionHandle) {})
	assert.ErrorIs(t, err, errspkg.ErrInvalidAssociate)
}

func TestSubscribeIsIdempotent(t *testing.T) {
	n, _ := newRecordingNode(t, 1)
	pub := newSensor()
	require.NoError(t, n.StartPublisher(pub))

	d := &display{}
	require.NoError(t, Subscribe(n, d, d.onReading, LocalOnly()))
	require.NoError(t, Subscribe(n, d, d.onReading, LocalOnly()))

	subs := n.model.find(func(s *subscription) bool { return s.subscriber == d })
	assert.Len(t, subs, 1)

	assert.True(t, n.Publish(pub, 1, reading{Sensor: "a", Value: 1}))
	values, seen := d.received()
	require.Len(t, values, 1)
	assert.Equal(t, handles.NodeID(1), seen[0].PublisherNodeID)
	assert.Equal(t, handles.NodeID(1), seen[0].SubscriberNodeID)
	assert.False(t, seen[0].IsRemote())
}

func TestSubscriberBeforePublisherIsMatchedOnStart(t *testing.T) {
	n, _ := newRecordingNode(t, 1)
	d := &display{}
	require.NoError(t, Subscribe(n, d, d.onReading, LocalOnly()))

	pub := newSensor()
	assert.False(t, n.Publish(pub, 1, reading{}), "publisher is not started yet")

	require.NoError(t, n.StartPublisher(pub))
	assert.True(t, n.Publish(pub, 1, reading{Value: 42}))

	values, _ := d.received()
	require.Len(t, values, 1)
	assert.Equal(t, 42.0, values[0].Value)
}

func TestPublishFansOutDespitePanickingCallback(t *testing.T) {
	n, _ := newRecordingNode(t, 1)
	pub := newSensor()
	require.NoError(t, n.StartPublisher(pub))

	first, last := &display{}, &display{}
	require.NoError(t, Subscribe(n, first, first.onReading, LocalOnly()))
	require.NoError(t, Subscribe(n, &display{}, func(reading, handles.SubscriptionHandle) {
		panic("subscriber failure")
	}, LocalOnly()))
	require.NoError(t, Subscribe(n, last, last.onReading, LocalOnly()))

	assert.True(t, n.Publish(pub, 1, reading{Value: 7}))

	firstValues, _ := first.received()
	lastValues, _ := last.received()
	assert.Len(t, firstValues, 1)
	assert.Len(t, lastValues, 1)
	assert.Equal(t, 1.0, testutil.ToFloat64(n.metrics.panics))
	assert.Equal(t, 3.0, testutil.ToFloat64(n.metrics.deliveries))
}

func TestPublishRejectsUnknownEventAndWrongType(t *testing.T) {
	n, _ := newRecordingNode(t, 1)
	pub := newSensor()
	require.NoError(t, n.StartPublisher(pub))
	d := &display{}
	require.NoError(t, Subscribe(n, d, d.onReading, LocalOnly()))

	assert.False(t, n.Publish(pub, 9, reading{}))
	assert.False(t, n.Publish(pub, 1, "not a reading"))
	assert.False(t, n.Publish(pub, 1, &reading{}))

	values, _ := d.received()
	assert.Empty(t, values)
}

func TestPublishWithoutSubscribersReturnsFalse(t *testing.T) {
	n, _ := newRecordingNode(t, 1)
	pub := newSensor()
	require.NoError(t, n.StartPublisher(pub))

	assert.False(t, n.Publish(pub, 1, reading{}))
}

func TestCopyPolicies(t *testing.T) {
	cases := []struct {
		name       string
		policy     handles.CopyPolicy
		sameAsSent bool
		shared     bool
	}{
		{name: "none", policy: handles.CopyNone, sameAsSent: true, shared: true},
		{name: "no modify", policy: handles.CopyNoModify, sameAsSent: false, shared: true},
		{name: "modify", policy: handles.CopyModify, sameAsSent: false, shared: false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			n, _ := newRecordingNode(t, 1)
			pub := newSensor(handles.EventDescriptor{EventID: 1, DataType: tagReading, CopyPolicy: tc.policy})
			require.NoError(t, n.StartPublisher(pub))

			var got [][]string
			for range 2 {
				require.NoError(t, Subscribe(n, &display{}, func(r reading, _ handles.SubscriptionHandle) {
					got = append(got, r.Tags)
				}, LocalOnly()))
			}

			sent := reading{Tags: []string{"x"}}
			require.True(t, n.Publish(pub, 1, sent))
			require.Len(t, got, 2)

			assert.Equal(t, tc.sameAsSent, &got[0][0] == &sent.Tags[0])
			assert.Equal(t, tc.shared, &got[0][0] == &got[1][0])
			assert.Equal(t, []string{"x"}, got[1])
		})
	}
}

func TestPredicateUsesPublisherTemplate(t *testing.T) {
	n, _ := newRecordingNode(t, 1)

	kitchen := newSensor()
	kitchen.template = &reading{Sensor: "kitchen"}
	garage := newSensor()
	garage.template = &reading{Sensor: "garage"}
	noTemplate := newSensor()
	require.NoError(t, n.StartPublisher(kitchen))
	require.NoError(t, n.StartPublisher(garage))
	require.NoError(t, n.StartPublisher(noTemplate))

	d := &display{}
	require.NoError(t, Subscribe(n, d, d.onReading,
		LocalOnly(),
		WithPredicate(func(r reading) bool { return r.Sensor == "kitchen" }),
	))

	assert.True(t, n.Publish(kitchen, 1, reading{Sensor: "kitchen"}))
	assert.False(t, n.Publish(garage, 1, reading{Sensor: "garage"}))
	assert.True(t, n.Publish(noTemplate, 1, reading{Sensor: "attic"}))

	values, _ := d.received()
	require.Len(t, values, 2)
	assert.Equal(t, []string{"kitchen", "attic"}, []string{values[0].Sensor, values[1].Sensor})
}

func TestPredicateSubscribesPublishersWithoutTemplate(t *testing.T) {
	n, _ := newRecordingNode(t, 1)
	pub := &plainPublisher{}
	require.NoError(t, n.StartPublisher(pub))

	d := &display{}
	require.NoError(t, Subscribe(n, d, d.onReading,
		LocalOnly(),
		WithPredicate(func(reading) bool { return false }),
	))
	assert.Equal(t, 1, n.Status().Subscriptions)
	assert.True(t, n.Publish(pub, 1, reading{Sensor: "porch"}))
}

func TestPredicateWithWrongTemplateTypeSkipsEvent(t *testing.T) {
	n, _ := newRecordingNode(t, 1)
	pub := newSensor()
	pub.template = &reading{Sensor: "kitchen"}
	require.NoError(t, n.StartPublisher(pub))

	d := &display{}
	require.NoError(t, Subscribe(n, d, d.onReading,
		LocalOnly(),
		WithPredicate(func(s string) bool { return true }),
	))
	assert.False(t, n.Publish(pub, 1, reading{}))
}

func TestUnsubscribeTypeRemovesSubscriptionsAndInterest(t *testing.T) {
	n, _ := newRecordingNode(t, 1)
	pub := newSensor()
	require.NoError(t, n.StartPublisher(pub))

	d := &display{}
	require.NoError(t, Subscribe(n, d, d.onReading, LocalOnly()))
	UnsubscribeType[reading](n, d)

	assert.False(t, n.Publish(pub, 1, reading{}))
	assert.Empty(t, n.model.interestsIn(tagReading))

	late := newSensor()
	require.NoError(t, n.StartPublisher(late))
	assert.False(t, n.Publish(late, 1, reading{}), "removed interest must not match new publishers")
}

func TestUnsubscribeRemovesExactlyOneSubscription(t *testing.T) {
	n, _ := newRecordingNode(t, 1)
	pub := newSensor(
		handles.EventDescriptor{EventID: 1, DataType: tagReading},
		handles.EventDescriptor{EventID: 2, DataType: tagReading},
	)
	require.NoError(t, n.StartPublisher(pub))

	d := &display{}
	require.NoError(t, Subscribe(n, d, d.onReading, LocalOnly()))
	subs := n.model.find(func(s *subscription) bool { return s.subscriber == d })
	require.Len(t, subs, 2)

	assert.True(t, n.Unsubscribe(d, subs[0].handle))
	assert.False(t, n.Unsubscribe(d, subs[0].handle))
	assert.False(t, n.Unsubscribe(&display{}, subs[1].handle))

	assert.False(t, n.Publish(pub, subs[0].handle.EventID, reading{}))
	assert.True(t, n.Publish(pub, subs[1].handle.EventID, reading{}))
}

func TestStartPublisherValidatesAndRejectsDuplicates(t *testing.T) {
	n, _ := newRecordingNode(t, 1)

	assert.ErrorIs(t, n.StartPublisher(&sensor{}), errspkg.ErrNoEvents)
	assert.ErrorIs(t, n.StartPublisher(newSensor(handles.EventDescriptor{EventID: 1})), errspkg.ErrMissingDataType)
	assert.ErrorIs(t, n.StartPublisher(newSensor(
		handles.EventDescriptor{EventID: 1, DataType: tagReading},
		handles.EventDescriptor{EventID: 1, DataType: tagReading},
	)), errspkg.ErrDuplicateEventID)

	pub := newSensor()
	require.NoError(t, n.StartPublisher(pub))
	assert.ErrorIs(t, n.StartPublisher(pub), errspkg.ErrPublisherRunning)

	require.Eventually(t, func() bool {
		pub.mu.Lock()
		defer pub.mu.Unlock()
		return pub.started
	}, waitFor, tick)
}

func TestStopPublisherRemovesEventsAndSubscriptions(t *testing.T) {
	n, _ := newRecordingNode(t, 1)
	pub := newSensor()
	require.NoError(t, n.StartPublisher(pub))
	d := &display{}
	require.NoError(t, Subscribe(n, d, d.onReading, LocalOnly()))

	require.NoError(t, n.StopPublisher(pub))
	assert.True(t, pub.stopped)
	assert.Empty(t, n.model.eventsOfType(tagReading))
	assert.Zero(t, n.model.count())
	assert.False(t, n.Publish(pub, 1, reading{}))

	assert.ErrorIs(t, n.StopPublisher(pub), errspkg.ErrPublisherNotRunning)
}

func TestStartPublisherAnnouncesEachType(t *testing.T) {
	n, rec := newRecordingNode(t, 1)
	pub := newSensor(
		handles.EventDescriptor{EventID: 1, DataType: tagReading},
		handles.EventDescriptor{EventID: 2, DataType: tagReading},
		handles.EventDescriptor{EventID: 3, DataType: "string"},
	)
	require.NoError(t, n.StartPublisher(pub))

	require.Eventually(t, func() bool {
		return len(rec.ofType(transport.BroadcastTopic, wire.NewPublisher)) == 2
	}, waitFor, tick)

	var tags []string
	for _, m := range rec.ofType(transport.BroadcastTopic, wire.NewPublisher) {
		tag, err := wire.DecodeTypeTag(m.Data)
		require.NoError(t, err)
		tags = append(tags, tag)
	}
	assert.ElementsMatch(t, []string{tagReading, "string"}, tags)
}

func TestAssociateCalledExactlyTwicePerCorrelation(t *testing.T) {
	n, _ := newRecordingNode(t, 1)
	pub := newSensor(
		handles.EventDescriptor{EventID: 1, DataType: tagReading},
		handles.EventDescriptor{EventID: 2, DataType: tagReading},
	)
	require.NoError(t, n.StartPublisher(pub))

	d := &display{}
	require.NoError(t, Subscribe(n, d, d.onReading, LocalOnly()))
	subs := n.model.find(func(s *subscription) bool { return s.subscriber == d })
	require.Len(t, subs, 2)
	a, b := subs[0].handle, subs[1].handle

	n.AddEventCorrelation(a.EventHandle, b.EventHandle)
	n.AddEventCorrelation(b.EventHandle, a.EventHandle)
	n.AddEventCorrelation(a.EventHandle, b.EventHandle)

	got := d.associated()
	require.Len(t, got, 2)
	assert.ElementsMatch(t, [][2]handles.SubscriptionHandle{{a, b}, {b, a}}, got)
}

func TestSubscriptionCompletingStoredCorrelationNotifies(t *testing.T) {
	n, _ := newRecordingNode(t, 1)
	first := newSensor()
	second := newSensor()
	require.NoError(t, n.StartPublisher(first))
	require.NoError(t, n.StartPublisher(second))

	firstEvent, ok := n.model.event(first, 1)
	require.True(t, ok)
	secondEvent, ok := n.model.event(second, 1)
	require.True(t, ok)
	n.AddEventCorrelation(firstEvent.handle, secondEvent.handle)

	d := &display{}
	require.NoError(t, Subscribe(n, d, d.onReading, LocalOnly()))

	got := d.associated()
	require.Len(t, got, 2)
	assert.Equal(t, got[0][0], got[1][1])
	assert.Equal(t, got[0][1], got[1][0])
}

func TestLocalSendAndReply(t *testing.T) {
	n, _ := newRecordingNode(t, 1)
	pub := newSensor()
	pub.node = n
	require.NoError(t, n.StartPublisher(pub))

	d := &display{}
	require.NoError(t, Subscribe(n, d, d.onReading, LocalOnly()))
	subs := n.model.find(func(s *subscription) bool { return s.subscriber == d })
	require.Len(t, subs, 1)

	ok := n.Send(handles.ApplicationMessage{Type: 4, Data: []byte("ping")}, subs[0].handle, d)
	require.True(t, ok)

	msgs := pub.received()
	require.Len(t, msgs, 1)
	assert.Equal(t, []byte("ping"), msgs[0].Data)
	assert.Equal(t, subs[0].handle.SubscriberID, msgs[0].Sender)
	assert.Equal(t, subs[0].handle.PublisherID, msgs[0].Recipient)
	assert.NotZero(t, msgs[0].ID)

	replies := d.repliesReceived()
	require.Len(t, replies, 1)
	assert.Equal(t, int16(5), replies[0].Type)
	assert.Equal(t, []byte("ack"), replies[0].Data)
	assert.Equal(t, msgs[0].Sender, replies[0].Recipient)
}

func TestSendWithoutReceiverFails(t *testing.T) {
	n, _ := newRecordingNode(t, 1)
	pub := &plainPublisher{}
	require.NoError(t, n.StartPublisher(pub))

	d := &display{}
	require.NoError(t, Subscribe(n, d, d.onReading, LocalOnly()))
	subs := n.model.find(func(s *subscription) bool { return s.subscriber == d })
	require.Len(t, subs, 1)

	assert.False(t, n.Send(handles.ApplicationMessage{}, subs[0].handle, d))

	unknownNode := subs[0].handle
	unknownNode.PublisherNodeID = 9
	assert.False(t, n.Send(handles.ApplicationMessage{}, unknownNode, d))
}

func TestSendWithStaleHandleFails(t *testing.T) {
	n, _ := newRecordingNode(t, 1)
	pub := newSensor()
	require.NoError(t, n.StartPublisher(pub))

	d := &display{}
	require.NoError(t, Subscribe(n, d, d.onReading, LocalOnly()))
	subs := n.model.find(func(s *subscription) bool { return s.subscriber == d })
	require.Len(t, subs, 1)
	stale := subs[0].handle

	require.True(t, n.Send(handles.ApplicationMessage{Data: []byte("first")}, stale, d))
	original := pub.received()[0]

	UnsubscribeType[reading](n, d)
	assert.False(t, n.Send(handles.ApplicationMessage{}, stale, d))
	assert.False(t, n.Reply(handles.ApplicationMessage{}, original, pub))
	assert.Len(t, pub.received(), 1)

	require.NoError(t, Subscribe(n, d, d.onReading, LocalOnly()))
	require.True(t, n.Send(handles.ApplicationMessage{}, stale, d))
	require.NoError(t, n.StopPublisher(pub))
	assert.False(t, n.Send(handles.ApplicationMessage{}, stale, d))
	assert.Len(t, pub.received(), 2)
}

func TestSendRejectsInvalidSender(t *testing.T) {
	n, _ := newRecordingNode(t, 1)
	pub := newSensor()
	require.NoError(t, n.StartPublisher(pub))
	d := &display{}
	require.NoError(t, Subscribe(n, d, d.onReading, LocalOnly()))
	subs := n.model.find(func(s *subscription) bool { return s.subscriber == d })
	require.Len(t, subs, 1)

	type withSlice struct{ tags []string }
	var nilDisplay *display
	for _, sender := range []any{nil, nilDisplay, reading{Sensor: "by value"}, withSlice{tags: []string{"x"}}} {
		assert.NotPanics(t, func() {
			assert.False(t, n.Send(handles.ApplicationMessage{}, subs[0].handle, sender))
			assert.False(t, n.Reply(handles.ApplicationMessage{}, handles.ApplicationMessage{Handle: subs[0].handle}, sender))
		})
	}
	assert.Empty(t, pub.received())
}

func TestCloseIsIdempotentAndStopsPublishers(t *testing.T) {
	n, _ := newRecordingNode(t, 1)
	pub := newSensor()
	require.NoError(t, n.StartPublisher(pub))

	require.NoError(t, n.Close())
	require.NoError(t, n.Close())
	assert.True(t, pub.stopped)

	assert.ErrorIs(t, n.StartPublisher(newSensor()), errspkg.ErrNodeClosed)
	assert.ErrorIs(t, Subscribe(n, &display{}, (&display{}).onReading), errspkg.ErrNodeClosed)
	assert.ErrorIs(t, n.Start(context.Background()), errspkg.ErrNodeClosed)
}

type badAssociator struct{}

func (b *badAssociator) Associate(first handles.SubscriptionHandle) {}

// plainPublisher has no ReceiveMessage.
type plainPublisher struct{}

func (p *plainPublisher) Events() []handles.EventDescriptor {
	return []handles.EventDescriptor{{EventID: 1, DataType: tagReading}}
}
func (p *plainPublisher) Start(ctx context.Context) error { <-ctx.Done(); return nil }
func (p *plainPublisher) Stop()                           {}
