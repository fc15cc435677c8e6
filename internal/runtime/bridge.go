package runtime

import (
	"fmt"

	"github.com/drblury/ella/internal/runtime/codec"
	"github.com/drblury/ella/internal/runtime/handles"
	loggingpkg "github.com/drblury/ella/internal/runtime/logging"
	"github.com/drblury/ella/internal/runtime/wire"
)

// proxy stands in for a remote subscriber. It is subscribed to one local
// active event and forwards every publish to its node.
type proxy struct {
	node  handles.NodeID
	event *activeEvent
}

// stub stands in for a remote publisher. Payloads arriving for its handle are
// decoded and republished locally under stubEventID.
type stub struct {
	handle handles.SubscriptionHandle
	event  *activeEvent
	decode decodeFunc
}

func (p *proxy) String() string {
	return fmt.Sprintf("proxy(%s->%d)", p.event.handle, p.node)
}

// newProxySubscription bridges ev to subscriber node for the request ref.
func (n *Node) newProxySubscription(node handles.NodeID, ref int32, ev *activeEvent) *subscription {
	p := &proxy{node: node, event: ev}
	s := &subscription{
		subscriber: p,
		event:      ev,
		proxy:      p,
		handle: handles.SubscriptionHandle{
			EventHandle:           ev.handle,
			SubscriberID:          n.ids.ID(p),
			SubscriberNodeID:      node,
			SubscriptionReference: ref,
		},
	}
	s.callback = func(value any, h handles.SubscriptionHandle) {
		n.forwardPublish(p, value)
	}
	return s
}

func (n *Node) forwardPublish(p *proxy, value any) {
	payload, err := codec.Marshal(value)
	if err != nil {
		n.Logger.Error("Failed to encode event for remote subscriber", err, loggingpkg.LogFields{
			"event": p.event.handle.String(),
			"node":  p.node,
		})
		return
	}
	n.send(p.node, wire.Message{
		Type: wire.Publish,
		Data: wire.EncodePublish(p.event.handle.PublisherID, p.event.handle.EventID, payload),
	})
}

// newStubSubscription bridges the remote publisher behind h to subscriber.
func newStubSubscription(subscriber any, tag string, callback callbackFunc, decode decodeFunc, h handles.SubscriptionHandle) *subscription {
	st := &stub{handle: h, decode: decode}
	st.event = &activeEvent{
		publisher: st,
		descriptor: handles.EventDescriptor{
			EventID:    stubEventID,
			DataType:   tag,
			CopyPolicy: handles.CopyNone,
		},
		handle: h.EventHandle,
	}
	return &subscription{
		subscriber: subscriber,
		event:      st.event,
		callback:   callback,
		handle:     h,
		stub:       st,
	}
}

// receive republishes a remote payload to the stub's local subscribers.
func (n *Node) receive(st *stub, payload []byte) {
	value, err := st.decode(payload)
	if err != nil {
		n.Logger.Error("Dropping undecodable remote event", err, loggingpkg.LogFields{
			"handle": st.handle.String(),
		})
		return
	}
	n.deliver(st.event, value)
}

// release frees what removed subscriptions held.
func (n *Node) release(removed []*subscription) {
	for _, s := range removed {
		if s.proxy != nil {
			n.ids.Release(s.proxy)
		}
	}
	n.updateSubscriptionGauge()
}

func (n *Node) updateSubscriptionGauge() {
	n.metrics.subscriptions.Set(float64(n.model.count()))
}
