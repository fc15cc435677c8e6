package runtime

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/drblury/ella/internal/runtime/codec"
	errspkg "github.com/drblury/ella/internal/runtime/errors"
	"github.com/drblury/ella/internal/runtime/handles"
	loggingpkg "github.com/drblury/ella/internal/runtime/logging"
	"github.com/drblury/ella/internal/runtime/wire"
)

// publisherStopTimeout bounds how long StopPublisher waits for Start to
// return.
var publisherStopTimeout = 5 * time.Second

// StartPublisher declares the events of p, matches them against local
// subscribers, announces their types to other nodes and runs p.Start in its
// own goroutine.
func (n *Node) StartPublisher(p Publisher) error {
	if n.closed.Load() {
		return errspkg.ErrNodeClosed
	}
	if err := checkPublisher(p); err != nil {
		return err
	}

	n.publishersMu.Lock()
	if _, ok := n.publishers[p]; ok {
		n.publishersMu.Unlock()
		return fmt.Errorf("%T: %w", p, errspkg.ErrPublisherRunning)
	}
	ctx, cancel := context.WithCancel(n.ctx)
	rp := &runningPublisher{cancel: cancel, done: make(chan struct{})}
	n.publishers[p] = rp
	n.publishersMu.Unlock()

	publisherID := n.ids.ID(p)
	descriptors := p.Events()
	events := make([]*activeEvent, 0, len(descriptors))
	var tags []string
	seen := make(map[string]struct{})
	for _, d := range descriptors {
		events = append(events, &activeEvent{
			publisher:  p,
			descriptor: d,
			handle: handles.EventHandle{
				PublisherNodeID: n.id,
				PublisherID:     publisherID,
				EventID:         d.EventID,
			},
		})
		if _, ok := seen[d.DataType]; !ok {
			seen[d.DataType] = struct{}{}
			tags = append(tags, d.DataType)
		}
	}
	n.model.addEvents(events)

	for _, ev := range events {
		for _, in := range n.model.interestsIn(ev.descriptor.DataType) {
			n.matchLocal(in, ev)
		}
	}
	for _, tag := range tags {
		n.broadcast(wire.Message{Type: wire.NewPublisher, Data: wire.EncodeTypeTag(tag)})
	}

	n.Logger.Info("Publisher started", loggingpkg.LogFields{
		"publisher":    fmt.Sprintf("%T", p),
		"publisher_id": publisherID,
		"events":       len(events),
	})

	go func() {
		defer close(rp.done)
		if err := p.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			n.Logger.Error("Publisher stopped with error", err, loggingpkg.LogFields{
				"publisher":    fmt.Sprintf("%T", p),
				"publisher_id": publisherID,
			})
		}
	}()
	return nil
}

// StopPublisher stops p and removes its events together with every
// subscription to them, proxies included.
func (n *Node) StopPublisher(p Publisher) error {
	n.publishersMu.Lock()
	rp, ok := n.publishers[p]
	delete(n.publishers, p)
	n.publishersMu.Unlock()
	if !ok {
		return fmt.Errorf("%T: %w", p, errspkg.ErrPublisherNotRunning)
	}

	p.Stop()
	rp.cancel()
	select {
	case <-rp.done:
	case <-time.After(publisherStopTimeout):
		n.Logger.Error("Publisher did not stop in time", context.DeadlineExceeded, loggingpkg.LogFields{
			"publisher": fmt.Sprintf("%T", p),
		})
	}

	n.release(n.model.removeEventsOf(p))
	return nil
}

func (n *Node) stopPublishers() {
	n.publishersMu.Lock()
	running := make([]Publisher, 0, len(n.publishers))
	for p := range n.publishers {
		running = append(running, p)
	}
	n.publishersMu.Unlock()

	for _, p := range running {
		if err := n.StopPublisher(p); err != nil {
			n.Logger.Error("Failed to stop publisher", err, nil)
		}
	}
}

// Publish delivers payload to every subscriber of the event eventID of p. It
// returns false when the event is unknown, the payload has the wrong type or
// nobody is subscribed.
func (n *Node) Publish(p Publisher, eventID uint16, payload any) bool {
	ev, ok := n.model.event(p, eventID)
	if !ok {
		n.Logger.Error("Cannot publish", errspkg.ErrUnknownEvent, loggingpkg.LogFields{
			"publisher": fmt.Sprintf("%T", p),
			"event_id":  eventID,
		})
		return false
	}
	if tag := codec.TagOf(payload); tag != ev.descriptor.DataType {
		n.Logger.Error("Cannot publish", errspkg.ErrPayloadType, loggingpkg.LogFields{
			"event":    ev.handle.String(),
			"expected": ev.descriptor.DataType,
			"actual":   tag,
		})
		return false
	}
	return n.deliver(ev, payload)
}

// deliver hands value to the subscriptions of ev in registration order,
// applying the event's copy policy. Proxies always get the original.
func (n *Node) deliver(ev *activeEvent, value any) bool {
	subs := n.model.subscriptionsTo(ev)
	if len(subs) == 0 {
		return false
	}

	var (
		shared    any
		sharedErr error
		copied    bool
	)
	for _, s := range subs {
		v := value
		if s.proxy == nil {
			var err error
			switch ev.descriptor.CopyPolicy {
			case handles.CopyNoModify:
				if !copied {
					shared, sharedErr = codec.Clone(value)
					copied = true
				}
				v, err = shared, sharedErr
			case handles.CopyModify:
				v, err = codec.Clone(value)
			}
			if err != nil {
				n.Logger.Error("Failed to copy event", err, loggingpkg.LogFields{
					"handle": s.handle.String(),
				})
				continue
			}
		}
		n.invoke(s, v)
	}
	return true
}

// invoke runs one callback. A panic is logged and counted; delivery to the
// other subscribers goes on.
func (n *Node) invoke(s *subscription, value any) {
	defer func() {
		if r := recover(); r != nil {
			n.metrics.panics.Inc()
			n.Logger.Error("Subscriber callback panicked", fmt.Errorf("panic: %v", r), loggingpkg.LogFields{
				"handle":     s.handle.String(),
				"subscriber": fmt.Sprintf("%T", s.subscriber),
			})
		}
	}()
	n.metrics.deliveries.Inc()
	s.callback(value, s.handle)
}

// processPublish hands a remote payload to every local stub of the
// publishing event.
func (n *Node) processPublish(m wire.Message) error {
	publisherID, eventID, payload, err := wire.DecodePublish(m.Data)
	if err != nil {
		return fmt.Errorf("publish from node %d: %w", m.Sender, err)
	}
	target := handles.SubscriptionHandle{
		EventHandle: handles.EventHandle{
			PublisherNodeID: m.Sender,
			PublisherID:     publisherID,
			EventID:         eventID,
		},
		SubscriberNodeID: n.id,
	}

	stubs := n.model.find(func(s *subscription) bool {
		return s.stub != nil && s.handle.Equal(target)
	})
	if len(stubs) == 0 {
		n.Logger.Debug("No subscriber for remote event", loggingpkg.LogFields{
			"event": target.EventHandle.String(),
		})
		return nil
	}
	for _, s := range stubs {
		n.receive(s.stub, payload)
	}
	return nil
}
