package runtime

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/drblury/ella/internal/runtime/codec"
	configpkg "github.com/drblury/ella/internal/runtime/config"
	"github.com/drblury/ella/internal/runtime/handles"
	loggingpkg "github.com/drblury/ella/internal/runtime/logging"
	"github.com/drblury/ella/internal/runtime/wire"
	"github.com/drblury/ella/transport"
)

const (
	waitFor = 5 * time.Second
	tick    = 10 * time.Millisecond
)

func newTestSlogLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func newTestLogger() loggingpkg.ServiceLogger {
	return loggingpkg.NewSlogServiceLogger(newTestSlogLogger())
}

// recordingPublisher captures every published message.
type recordingPublisher struct {
	mu       sync.Mutex
	messages []recordedMessage
	err      error
	block    chan struct{}
}

type recordedMessage struct {
	topic    string
	msg      wire.Message
	endpoint string
}

func (p *recordingPublisher) Publish(topic string, messages ...*message.Message) error {
	if p.block != nil {
		<-p.block
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	for _, msg := range messages {
		m, err := wire.Unmarshal(msg.Payload)
		if err != nil {
			return err
		}
		p.messages = append(p.messages, recordedMessage{
			topic:    topic,
			msg:      m,
			endpoint: msg.Metadata.Get(transport.MetadataEndpoint),
		})
	}
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) sent() []recordedMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]recordedMessage, len(p.messages))
	copy(out, p.messages)
	return out
}

// ofType returns the recorded messages of type t sent to topic.
func (p *recordingPublisher) ofType(topic string, t wire.Type) []wire.Message {
	var out []wire.Message
	for _, r := range p.sent() {
		if r.topic == topic && r.msg.Type == t {
			out = append(out, r.msg)
		}
	}
	return out
}

type testSubscriber struct{}

func (s *testSubscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	ch := make(chan *message.Message)
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch, nil
}

func (s *testSubscriber) Close() error { return nil }

// recordingFactory builds a transport whose outbound side is recorded and
// whose inbound side never delivers anything.
type recordingFactory struct {
	publisher *recordingPublisher
}

func (f *recordingFactory) Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	return transport.Transport{Publisher: f.publisher, Subscriber: &testSubscriber{}}, nil
}

// busHandle shares one GoChannel between the nodes of a test. Closing a
// handle leaves the bus open for the other nodes.
type busHandle struct {
	*gochannel.GoChannel
}

func (h busHandle) Close() error { return nil }

type testBus struct {
	pubSub *gochannel.GoChannel
}

func newTestBus(t *testing.T) *testBus {
	t.Helper()
	pubSub := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 256}, watermill.NopLogger{})
	t.Cleanup(func() { _ = pubSub.Close() })
	return &testBus{pubSub: pubSub}
}

func (b *testBus) Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	h := busHandle{GoChannel: b.pubSub}
	return transport.Transport{Publisher: h, Subscriber: h}, nil
}

func testConfig(id uint8) *configpkg.Config {
	cfg := configpkg.Default()
	cfg.NodeID = id
	cfg.PubSubSystem = "channel"
	return cfg
}

// newRecordingNode creates an unstarted node whose outbound messages are
// recorded. Protocol handlers are driven by calling process directly.
func newRecordingNode(t *testing.T, id uint8) (*Node, *recordingPublisher) {
	t.Helper()
	pub := &recordingPublisher{}
	n, err := NewNode(testConfig(id), newTestLogger(), context.Background(), NodeDependencies{
		TransportFactory: &recordingFactory{publisher: pub},
		Registerer:       prometheus.NewRegistry(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = n.Close() })
	return n, pub
}

// startBusNode creates and starts a node on bus.
func startBusNode(t *testing.T, bus *testBus, id uint8, modules *ModuleRegistry) *Node {
	t.Helper()
	n, err := NewNode(testConfig(id), newTestLogger(), context.Background(), NodeDependencies{
		TransportFactory: bus,
		Registerer:       prometheus.NewRegistry(),
		Modules:          modules,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = n.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, n.Start(ctx))
	return n
}

func inboundFrom(sender handles.NodeID, t wire.Type, id int32, data []byte) inbound {
	return inbound{msg: wire.Message{Type: t, ID: id, Sender: sender, Data: data}}
}

// reading is the payload type most tests publish.
type reading struct {
	Sensor string
	Value  float64
	Tags   []string
}

// sensor is a publisher module declaring one or more events of type reading.
type sensor struct {
	events   []handles.EventDescriptor
	template *reading

	mu       sync.Mutex
	started  bool
	stopped  bool
	messages []handles.ApplicationMessage
	node     *Node
}

func newSensor(events ...handles.EventDescriptor) *sensor {
	if len(events) == 0 {
		events = []handles.EventDescriptor{{EventID: 1, DataType: tagReading}}
	}
	return &sensor{events: events}
}

var tagReading = codec.TagFor[reading]()

func (s *sensor) Events() []handles.EventDescriptor { return s.events }

func (s *sensor) Start(ctx context.Context) error {
	s.mu.Lock()
	s.started = true
	s.mu.Unlock()
	<-ctx.Done()
	return ctx.Err()
}

func (s *sensor) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
}

func (s *sensor) Template(eventID uint16) any {
	if s.template == nil {
		return nil
	}
	return *s.template
}

func (s *sensor) ReceiveMessage(msg handles.ApplicationMessage, isReply bool) {
	s.mu.Lock()
	s.messages = append(s.messages, msg)
	node := s.node
	s.mu.Unlock()
	if node != nil && !isReply {
		node.Reply(handles.ApplicationMessage{Type: msg.Type + 1, Data: []byte("ack")}, msg, s)
	}
}

func (s *sensor) received() []handles.ApplicationMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]handles.ApplicationMessage(nil), s.messages...)
}

// display is a subscriber module recording what it receives.
type display struct {
	mu           sync.Mutex
	values       []reading
	seen         []handles.SubscriptionHandle
	associations [][2]handles.SubscriptionHandle
	replies      []handles.ApplicationMessage
}

func (d *display) onReading(r reading, h handles.SubscriptionHandle) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.values = append(d.values, r)
	d.seen = append(d.seen, h)
}

func (d *display) Associate(first, second handles.SubscriptionHandle) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.associations = append(d.associations, [2]handles.SubscriptionHandle{first, second})
}

func (d *display) ReceiveMessage(msg handles.ApplicationMessage, isReply bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.replies = append(d.replies, msg)
}

func (d *display) received() ([]reading, []handles.SubscriptionHandle) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]reading(nil), d.values...), append([]handles.SubscriptionHandle(nil), d.seen...)
}

func (d *display) associated() [][2]handles.SubscriptionHandle {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([][2]handles.SubscriptionHandle(nil), d.associations...)
}

func (d *display) repliesReceived() []handles.ApplicationMessage {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]handles.ApplicationMessage(nil), d.replies...)
}
