package runtime

import (
	"github.com/drblury/ella/internal/runtime/codec"
	errspkg "github.com/drblury/ella/internal/runtime/errors"
	"github.com/drblury/ella/internal/runtime/handles"
	loggingpkg "github.com/drblury/ella/internal/runtime/logging"
	"github.com/drblury/ella/internal/runtime/wire"
)

type subscribeOptions struct {
	predicate func(any) bool
	localOnly bool
}

// SubscribeOption customises a Subscribe call.
type SubscribeOption func(*subscribeOptions)

// WithPredicate skips local events whose template fails pred or is not a T.
// Events of publishers that offer no template are always subscribed. Remote
// events are not filtered.
func WithPredicate[T any](pred func(T) bool) SubscribeOption {
	return func(o *subscribeOptions) {
		o.predicate = func(v any) bool {
			t, ok := v.(T)
			return ok && pred(t)
		}
	}
}

// LocalOnly skips the remote handshake.
func LocalOnly() SubscribeOption {
	return func(o *subscribeOptions) {
		o.localOnly = true
	}
}

// Subscribe binds callback to every event of type T, local and remote,
// including events of publishers that start later. Repeated calls with the
// same subscriber and type do not add duplicate subscriptions.
func Subscribe[T any](n *Node, subscriber any, callback func(T, handles.SubscriptionHandle), opts ...SubscribeOption) error {
	if err := checkSubscriber(subscriber); err != nil {
		return err
	}
	if callback == nil {
		return errspkg.ErrCallbackRequired
	}
	if n.closed.Load() {
		return errspkg.ErrNodeClosed
	}

	var o subscribeOptions
	for _, opt := range opts {
		opt(&o)
	}

	tag := codec.TagFor[T]()
	cb := func(value any, h handles.SubscriptionHandle) {
		v, ok := value.(T)
		if !ok {
			n.Logger.Error("Dropping event of unexpected type", errspkg.ErrPayloadType, loggingpkg.LogFields{
				"expected": tag,
				"actual":   codec.TagOf(value),
				"handle":   h.String(),
			})
			return
		}
		callback(v, h)
	}
	decode := func(data []byte) (any, error) {
		v, err := codec.Decode[T](data)
		if err != nil {
			return nil, err
		}
		return v, nil
	}

	n.subscribe(subscriber, tag, cb, decode, o)
	return nil
}

// UnsubscribeType removes every subscription of subscriber to events of type
// T, remote ones included.
func UnsubscribeType[T any](n *Node, subscriber any) {
	n.unsubscribeType(subscriber, codec.TagFor[T]())
}

func (n *Node) subscribe(subscriber any, tag string, cb callbackFunc, decode decodeFunc, o subscribeOptions) {
	in := &interest{
		subscriber: subscriber,
		tag:        tag,
		callback:   cb,
		predicate:  o.predicate,
	}
	n.model.addInterest(in)

	for _, ev := range n.model.eventsOfType(tag) {
		n.matchLocal(in, ev)
	}

	if !o.localOnly {
		n.subscribeRemote(subscriber, tag, cb, decode)
	}
}

// matchLocal subscribes in to the local event ev unless its predicate
// rejects the event's template.
func (n *Node) matchLocal(in *interest, ev *activeEvent) {
	if in.predicate != nil {
		if template := eventTemplate(ev); template != nil && !in.predicate(template) {
			return
		}
	}

	s := &subscription{
		subscriber: in.subscriber,
		event:      ev,
		callback:   in.callback,
		handle: handles.SubscriptionHandle{
			EventHandle:      ev.handle,
			SubscriberID:     n.ids.ID(in.subscriber),
			SubscriberNodeID: n.id,
		},
	}
	n.addSubscription(s)
}

func eventTemplate(ev *activeEvent) any {
	provider, ok := ev.publisher.(TemplateProvider)
	if !ok {
		return nil
	}
	return provider.Template(ev.descriptor.EventID)
}

func (n *Node) addSubscription(s *subscription) bool {
	added, notes := n.model.addSubscription(s)
	if !added {
		return false
	}
	n.updateSubscriptionGauge()
	n.Logger.Debug("Subscription added", loggingpkg.LogFields{
		"handle":    s.handle.String(),
		"data_type": s.event.descriptor.DataType,
	})
	n.associate(notes)
	return true
}

// subscribeRemote joins the pending request for tag, sending Subscribe to
// every known node when the request is new.
func (n *Node) subscribeRemote(subscriber any, tag string, cb callbackFunc, decode decodeFunc) {
	c := continuation{
		subscriber: subscriber,
		complete: func(h handles.SubscriptionHandle) {
			n.addSubscription(newStubSubscription(subscriber, tag, cb, decode, h))
		},
	}
	ref, created, known := n.pending.join(tag, c, n.nextMessageID)
	for _, h := range known {
		c.complete(h)
	}
	if !created {
		return
	}
	for _, node := range n.nodes.ids() {
		n.send(node, wire.Message{
			Type: wire.Subscribe,
			ID:   ref,
			Data: wire.EncodeTypeTag(tag),
		})
	}
}

func (n *Node) unsubscribeType(subscriber any, tag string) {
	n.model.removeInterest(subscriber, tag)
	removed := n.model.remove(func(s *subscription) bool {
		return s.subscriber == subscriber && s.event.descriptor.DataType == tag
	})
	n.release(removed)

	ref, nodes, dropped := n.pending.leave(tag, subscriber)
	if !dropped {
		return
	}
	for _, node := range nodes {
		n.send(node, wire.Message{Type: wire.Unsubscribe, ID: ref})
	}
}

// Unsubscribe removes the subscription of subscriber matching h. When the
// last local stub of a remote reference goes away, the publishing node is
// told to drop its proxies.
func (n *Node) Unsubscribe(subscriber any, h handles.SubscriptionHandle) bool {
	removed := n.model.remove(func(s *subscription) bool {
		return s.subscriber == subscriber && s.proxy == nil && s.handle.Equal(h)
	})
	if len(removed) == 0 {
		return false
	}
	n.release(removed)

	for _, s := range removed {
		if s.stub == nil {
			continue
		}
		ref := s.handle.SubscriptionReference
		publisherNode := s.handle.PublisherNodeID
		n.pending.mute(ref, subscriber, s.handle.EventHandle)

		remaining := n.model.find(func(o *subscription) bool {
			return o.stub != nil &&
				o.handle.SubscriptionReference == ref &&
				o.handle.PublisherNodeID == publisherNode
		})
		if len(remaining) == 0 {
			n.send(publisherNode, wire.Message{Type: wire.Unsubscribe, ID: ref})
		}
	}
	return true
}
