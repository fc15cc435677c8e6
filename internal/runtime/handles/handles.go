// Package handles holds the identifiers that travel between nodes: node ids,
// event handles, subscription handles and event descriptors.
package handles

import "fmt"

// NodeID identifies one middleware process on the network.
type NodeID uint8

// CopyPolicy controls what a subscriber callback receives on publish.
type CopyPolicy uint8

const (
	// CopyNone hands every subscriber the published value itself.
	CopyNone CopyPolicy = iota
	// CopyNoModify hands all subscribers one shared copy, taken once per publish.
	CopyNoModify
	// CopyModify hands each subscriber its own copy.
	CopyModify
)

func (p CopyPolicy) String() string {
	switch p {
	case CopyNone:
		return "none"
	case CopyNoModify:
		return "no_modify"
	case CopyModify:
		return "modify"
	default:
		return fmt.Sprintf("copy_policy(%d)", uint8(p))
	}
}

// EventDescriptor declares one event stream of a publisher.
type EventDescriptor struct {
	EventID    uint16
	DataType   string
	CopyPolicy CopyPolicy
}

// EventHandle names one event stream network-wide.
type EventHandle struct {
	PublisherNodeID NodeID
	PublisherID     uint16
	EventID         uint16
}

func (h EventHandle) String() string {
	return fmt.Sprintf("%d/%d/%d", h.PublisherNodeID, h.PublisherID, h.EventID)
}

// SubscriptionHandle identifies one subscriber-to-event binding. For bindings
// that cross nodes SubscriberNodeID differs from PublisherNodeID and
// SubscriptionReference carries the correlation id of the subscribe request
// that created it.
type SubscriptionHandle struct {
	EventHandle
	SubscriberID          uint16
	SubscriberNodeID      NodeID
	SubscriptionReference int32
}

// IsRemote reports whether publisher and subscriber live on different nodes.
func (h SubscriptionHandle) IsRemote() bool {
	return h.PublisherNodeID != h.SubscriberNodeID
}

// Equal compares handles component-wise. Remote handles are equal when event,
// publisher and both node ids match, whatever their subscriber id and
// reference. Local handles must match on every id.
func (h SubscriptionHandle) Equal(o SubscriptionHandle) bool {
	if h.IsRemote() || o.IsRemote() {
		return h.EventHandle == o.EventHandle && h.SubscriberNodeID == o.SubscriberNodeID
	}
	return h.EventHandle == o.EventHandle &&
		h.SubscriberID == o.SubscriberID &&
		h.SubscriberNodeID == o.SubscriberNodeID
}

func (h SubscriptionHandle) String() string {
	if h.IsRemote() {
		return fmt.Sprintf("%s->%d (ref %d)", h.EventHandle, h.SubscriberNodeID, h.SubscriptionReference)
	}
	return fmt.Sprintf("%s->%d/%d", h.EventHandle, h.SubscriberNodeID, h.SubscriberID)
}

// ApplicationMessage is a point-to-point message exchanged between a subscriber
// and the publisher behind one of its subscriptions.
type ApplicationMessage struct {
	Data []byte
	Type int16
	ID   int32
	// Sender is the module id of the sending instance on its own node.
	Sender uint16
	// Recipient is the module id of the receiving instance on its node.
	Recipient uint16
	Handle    SubscriptionHandle
}
