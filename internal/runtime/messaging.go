package runtime

import (
	"fmt"

	errspkg "github.com/drblury/ella/internal/runtime/errors"
	"github.com/drblury/ella/internal/runtime/handles"
	loggingpkg "github.com/drblury/ella/internal/runtime/logging"
	"github.com/drblury/ella/internal/runtime/wire"
)

// Send delivers msg from sender to the publisher behind target, on whichever
// node it lives. A zero msg.ID is replaced with a fresh id. sender must be a
// non-nil pointer.
func (n *Node) Send(msg handles.ApplicationMessage, target handles.SubscriptionHandle, sender any) bool {
	if !n.validSender(sender, msg.ID) {
		return false
	}
	msg.Sender = n.ids.ID(sender)
	msg.Handle = target
	msg.Recipient = target.PublisherID
	if msg.ID == 0 {
		msg.ID = n.nextMessageID()
	}
	return n.route(msg, target.PublisherNodeID, false)
}

// Reply answers original on behalf of sender. The reply goes to the module
// that sent original.
func (n *Node) Reply(reply, original handles.ApplicationMessage, sender any) bool {
	if !n.validSender(sender, reply.ID) {
		return false
	}
	reply.Sender = n.ids.ID(sender)
	reply.Handle = original.Handle
	reply.Recipient = original.Sender
	if reply.ID == 0 {
		reply.ID = n.nextMessageID()
	}
	return n.route(reply, original.Handle.SubscriberNodeID, true)
}

func (n *Node) validSender(sender any, id int32) bool {
	if isInstance(sender) {
		return true
	}
	n.Logger.Error("Cannot send application message", errspkg.ErrInvalidSender, loggingpkg.LogFields{
		"sender":     fmt.Sprintf("%T", sender),
		"message_id": id,
	})
	return false
}

func (n *Node) route(msg handles.ApplicationMessage, node handles.NodeID, isReply bool) bool {
	if node == n.id {
		return n.deliverMessage(msg, isReply)
	}
	if _, ok := n.nodes.endpoint(node); !ok {
		n.Logger.Error("Cannot route application message", errspkg.ErrUnknownNode, loggingpkg.LogFields{
			"node":       node,
			"message_id": msg.ID,
		})
		return false
	}
	kind := wire.ApplicationMessage
	if isReply {
		kind = wire.ApplicationMessageResponse
	}
	n.send(node, wire.Message{Type: kind, Data: wire.EncodeApplicationMessage(msg)})
	return true
}

// messageTarget finds the local module owning the subscription msg.Handle
// names. Messages go to its publisher. Replies go to the subscriber with id
// msg.Recipient.
func (n *Node) messageTarget(msg handles.ApplicationMessage, isReply bool) (any, bool) {
	subs := n.model.find(func(s *subscription) bool {
		if !s.handle.Equal(msg.Handle) {
			return false
		}
		if isReply {
			return s.proxy == nil
		}
		return s.stub == nil
	})
	for _, s := range subs {
		if !isReply {
			return s.event.publisher, true
		}
		if id, ok := n.ids.Lookup(s.subscriber); ok && id == msg.Recipient {
			return s.subscriber, true
		}
	}
	return nil, false
}

// deliverMessage hands msg to the local module behind its subscription.
func (n *Node) deliverMessage(msg handles.ApplicationMessage, isReply bool) bool {
	instance, ok := n.messageTarget(msg, isReply)
	if !ok {
		n.Logger.Error("Cannot deliver application message", errspkg.ErrNoReceiver, loggingpkg.LogFields{
			"handle":     msg.Handle.String(),
			"recipient":  msg.Recipient,
			"message_id": msg.ID,
			"reply":      isReply,
		})
		return false
	}
	receiver, ok := instance.(MessageReceiver)
	if !ok {
		n.Logger.Error("Cannot deliver application message", errspkg.ErrNoReceiver, loggingpkg.LogFields{
			"recipient":  msg.Recipient,
			"module":     fmt.Sprintf("%T", instance),
			"message_id": msg.ID,
		})
		return false
	}

	defer func() {
		if r := recover(); r != nil {
			n.metrics.panics.Inc()
			n.Logger.Error("ReceiveMessage panicked", fmt.Errorf("panic: %v", r), loggingpkg.LogFields{
				"module":     fmt.Sprintf("%T", instance),
				"message_id": msg.ID,
			})
		}
	}()
	receiver.ReceiveMessage(msg, isReply)
	return true
}

func (n *Node) processApplicationMessage(m wire.Message, isReply bool) error {
	msg, err := wire.DecodeApplicationMessage(m.Data)
	if err != nil {
		return fmt.Errorf("application message from node %d: %w", m.Sender, err)
	}
	n.deliverMessage(msg, isReply)
	return nil
}
