package runtime

import (
	"fmt"
	"sync"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/eapache/queue"

	errspkg "github.com/drblury/ella/internal/runtime/errors"
	"github.com/drblury/ella/internal/runtime/handles"
	idspkg "github.com/drblury/ella/internal/runtime/ids"
	loggingpkg "github.com/drblury/ella/internal/runtime/logging"
	"github.com/drblury/ella/internal/runtime/wire"
	"github.com/drblury/ella/transport"
)

// destination identifies one outbound lane: a node, or the broadcast topic.
type destination struct {
	node      handles.NodeID
	broadcast bool
}

func (d destination) topic() string {
	if d.broadcast {
		return transport.BroadcastTopic
	}
	return transport.NodeTopic(uint8(d.node))
}

type outboundItem struct {
	kind wire.Type
	msg  *message.Message
}

// lane is a bounded FIFO drained by one goroutine. When full, the oldest item
// is dropped so producers never block.
type lane struct {
	mu    sync.Mutex
	items *queue.Queue
	wake  chan struct{}
	done  chan struct{}
}

// outbound queues wire messages per destination and publishes them
// asynchronously.
type outbound struct {
	publisher message.Publisher
	logger    loggingpkg.ServiceLogger
	metrics   *nodeMetrics
	capacity  int
	maxSize   int

	mu     sync.Mutex
	lanes  map[destination]*lane
	closed bool
	wg     sync.WaitGroup
}

func newOutbound(publisher message.Publisher, logger loggingpkg.ServiceLogger, metrics *nodeMetrics, capacity, maxSize int) *outbound {
	return &outbound{
		publisher: publisher,
		logger:    loggingpkg.ForComponent(logger, "outbound"),
		metrics:   metrics,
		capacity:  capacity,
		maxSize:   maxSize,
		lanes:     make(map[destination]*lane),
	}
}

func newWatermillMessage(m wire.Message, endpoint string) *message.Message {
	msg := message.NewMessage(idspkg.CreateULID(), m.Marshal())
	if endpoint != "" {
		msg.Metadata.Set(transport.MetadataEndpoint, endpoint)
	}
	return msg
}

func (o *outbound) check(m wire.Message, payload []byte) error {
	if o.maxSize > 0 && len(payload) > o.maxSize {
		return fmt.Errorf("%w: %s message of %d bytes, limit %d", errspkg.ErrMessageTooLarge, m.Type, len(payload), o.maxSize)
	}
	return nil
}

// enqueue schedules m for dest. endpoint is set on unicast messages for
// transports that address peers by host and port.
func (o *outbound) enqueue(dest destination, endpoint string, m wire.Message) {
	msg := newWatermillMessage(m, endpoint)
	if err := o.check(m, msg.Payload); err != nil {
		o.metrics.dropped.WithLabelValues("too_large").Inc()
		o.logger.Error("Dropping outbound message", err, loggingpkg.LogFields{"topic": dest.topic()})
		return
	}

	l := o.lane(dest)
	if l == nil {
		return
	}

	l.mu.Lock()
	l.items.Add(outboundItem{kind: m.Type, msg: msg})
	for o.capacity > 0 && l.items.Length() > o.capacity {
		dropped := l.items.Remove().(outboundItem)
		o.metrics.dropped.WithLabelValues("overflow").Inc()
		o.logger.Debug("Outbound queue full, dropping oldest message", loggingpkg.LogFields{
			"topic":        dest.topic(),
			"type":         dropped.kind.String(),
			"message_uuid": dropped.msg.UUID,
		})
	}
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// publishNow bypasses the queues. It is used for the shutdown notice, which
// has to leave before the transport closes.
func (o *outbound) publishNow(dest destination, m wire.Message) error {
	msg := newWatermillMessage(m, "")
	if err := o.check(m, msg.Payload); err != nil {
		return err
	}
	if err := o.publisher.Publish(dest.topic(), msg); err != nil {
		return err
	}
	o.metrics.sent.WithLabelValues(m.Type.String()).Inc()
	return nil
}

func (o *outbound) lane(dest destination) *lane {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return nil
	}
	if l, ok := o.lanes[dest]; ok {
		return l
	}
	l := &lane{
		items: queue.New(),
		wake:  make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
	o.lanes[dest] = l
	o.wg.Add(1)
	go o.drain(dest, l)
	return l
}

func (o *outbound) drain(dest destination, l *lane) {
	defer o.wg.Done()
	topic := dest.topic()
	for {
		select {
		case <-l.done:
			return
		case <-l.wake:
		}

		for {
			l.mu.Lock()
			if l.items.Length() == 0 {
				l.mu.Unlock()
				break
			}
			item := l.items.Remove().(outboundItem)
			l.mu.Unlock()

			if err := o.publisher.Publish(topic, item.msg); err != nil {
				o.metrics.dropped.WithLabelValues("publish_error").Inc()
				o.logger.Error("Failed to publish wire message", err, loggingpkg.LogFields{
					"topic": topic,
					"type":  item.kind.String(),
				})
				continue
			}
			o.metrics.sent.WithLabelValues(item.kind.String()).Inc()

			select {
			case <-l.done:
				return
			default:
			}
		}
	}
}

// pending returns the number of queued messages for dest.
func (o *outbound) pending(dest destination) int {
	o.mu.Lock()
	l, ok := o.lanes[dest]
	o.mu.Unlock()
	if !ok {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.items.Length()
}

// drop stops the lane of a departed node and discards what it still held.
func (o *outbound) drop(node handles.NodeID) {
	o.mu.Lock()
	dest := destination{node: node}
	l, ok := o.lanes[dest]
	delete(o.lanes, dest)
	o.mu.Unlock()
	if ok {
		close(l.done)
	}
}

func (o *outbound) close() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	for _, l := range o.lanes {
		close(l.done)
	}
	o.lanes = make(map[destination]*lane)
	o.mu.Unlock()
	o.wg.Wait()
}
