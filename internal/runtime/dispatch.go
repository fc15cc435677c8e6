package runtime

import (
	"context"
	"fmt"

	"github.com/ThreeDotsLabs/watermill/message"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	loggingpkg "github.com/drblury/ella/internal/runtime/logging"
	"github.com/drblury/ella/internal/runtime/wire"
	"github.com/drblury/ella/transport"
)

// parksUntilKnown reports whether messages of type t need their sender in
// the node table before they can be processed.
func parksUntilKnown(t wire.Type) bool {
	switch t {
	case wire.Subscribe, wire.SubscribeResponse, wire.NewPublisher:
		return true
	default:
		return false
	}
}

// inbound is one received wire message with its transport context.
type inbound struct {
	msg    wire.Message
	source string
	topic  string
	uuid   string
}

// handle is the router handler for both node topics. Decoding happens here;
// processing is handed to the worker pool so a slow message does not hold up
// the subscription.
func (n *Node) handle(msg *message.Message) error {
	if n.closed.Load() {
		return nil
	}

	m, err := wire.Unmarshal(msg.Payload)
	if err != nil {
		n.metrics.dropped.WithLabelValues("malformed").Inc()
		n.Logger.Error("Dropping malformed wire message", err, loggingpkg.LogFields{
			"message_uuid": msg.UUID,
		})
		return nil
	}
	if m.Sender == n.id {
		return nil
	}
	n.metrics.received.WithLabelValues(m.Type.String()).Inc()

	in := inbound{
		msg:    m,
		source: msg.Metadata.Get(transport.MetadataSourceHost),
		topic:  message.SubscribeTopicFromCtx(msg.Context()),
		uuid:   msg.UUID,
	}

	if parksUntilKnown(m.Type) && n.nodes.parkIfUnknown(m, in.source) {
		n.Logger.Debug("Parked message from undiscovered node", loggingpkg.LogFields{
			"type":   m.Type.String(),
			"sender": m.Sender,
		})
		return nil
	}

	ctx := msg.Context()
	n.pool.Go(func() error {
		n.dispatch(ctx, in)
		return nil
	})
	return nil
}

// dispatch processes one inbound message. Errors are logged and the message
// is dropped.
func (n *Node) dispatch(ctx context.Context, in inbound) {
	ctx, span := n.tracer.Start(ctx, "ella."+in.msg.Type.String(), trace.WithAttributes(
		attribute.Int("ella.sender", int(in.msg.Sender)),
		attribute.Int("ella.message_id", int(in.msg.ID)),
	))
	defer span.End()

	dc := DispatchContext{
		Type:        in.msg.Type,
		MessageID:   in.msg.ID,
		Sender:      in.msg.Sender,
		Topic:       in.topic,
		MessageUUID: in.uuid,
		Context:     ctx,
	}
	err := n.hooks.run(dc, func() error {
		return n.process(ctx, in)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		n.Logger.Error("Failed to process wire message", err, loggingpkg.LogFields{
			"type":       in.msg.Type.String(),
			"sender":     in.msg.Sender,
			"message_id": in.msg.ID,
		})
	}
}

func (n *Node) process(ctx context.Context, in inbound) error {
	m := in.msg
	switch m.Type {
	case wire.Discover:
		return n.processDiscover(ctx, m, in.source)
	case wire.DiscoverResponse:
		return n.processDiscoverResponse(ctx, m, in.source)
	case wire.Publish:
		return n.processPublish(m)
	case wire.Subscribe:
		return n.processSubscribe(m)
	case wire.SubscribeResponse:
		return n.processSubscribeResponse(m)
	case wire.Unsubscribe:
		return n.processUnsubscribe(m)
	case wire.ApplicationMessage:
		return n.processApplicationMessage(m, false)
	case wire.ApplicationMessageResponse:
		return n.processApplicationMessage(m, true)
	case wire.EventCorrelation:
		return n.processEventCorrelation(m)
	case wire.NodeShutdown:
		return n.processNodeShutdown(m)
	case wire.NewPublisher:
		return n.processNewPublisher(m)
	default:
		return fmt.Errorf("unhandled wire message type %s", m.Type)
	}
}
