package runtime

import (
	"context"
	"time"

	"github.com/drblury/ella/internal/runtime/handles"
	loggingpkg "github.com/drblury/ella/internal/runtime/logging"
	"github.com/drblury/ella/internal/runtime/wire"
)

// DispatchContext describes one inbound wire message handed to hooks.
type DispatchContext struct {
	// Type is the wire message type.
	Type wire.Type
	// MessageID is the wire message id; for Subscribe, SubscribeResponse and
	// Unsubscribe it is the subscription reference.
	MessageID int32
	// Sender is the node the message came from.
	Sender handles.NodeID
	// Topic is the transport topic the message was received on.
	Topic string
	// MessageUUID is the transport message id.
	MessageUUID string
	// Context is the context of the dispatch span.
	Context context.Context
	// StartedAt is when processing began.
	StartedAt time.Time
	// Duration is how long processing took (only set in OnDone and OnError).
	Duration time.Duration
}

// DispatchHooks defines callbacks around inbound message processing.
// All hooks are optional - nil hooks are simply not called.
type DispatchHooks struct {
	// OnStart is called before the message is processed.
	OnStart func(ctx DispatchContext)

	// OnDone is called when the message was processed without error.
	OnDone func(ctx DispatchContext)

	// OnError is called when processing failed. The message is dropped
	// afterwards; wire messages are never redelivered.
	OnError func(ctx DispatchContext, err error)
}

// Merge combines two DispatchHooks, creating a new DispatchHooks that calls both.
// The hooks from 'other' are called after the hooks from 'h'.
func (h DispatchHooks) Merge(other DispatchHooks) DispatchHooks {
	return DispatchHooks{
		OnStart: chainHooks(h.OnStart, other.OnStart),
		OnDone:  chainHooks(h.OnDone, other.OnDone),
		OnError: chainErrorHooks(h.OnError, other.OnError),
	}
}

func chainHooks(a, b func(DispatchContext)) func(DispatchContext) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx DispatchContext) {
		a(ctx)
		b(ctx)
	}
}

func chainErrorHooks(a, b func(DispatchContext, error)) func(DispatchContext, error) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx DispatchContext, err error) {
		a(ctx, err)
		b(ctx, err)
	}
}

// run calls the hooks around process and returns its error.
func (h DispatchHooks) run(dc DispatchContext, process func() error) error {
	dc.StartedAt = time.Now()
	if h.OnStart != nil {
		h.OnStart(dc)
	}

	err := process()

	dc.Duration = time.Since(dc.StartedAt)
	if err != nil {
		if h.OnError != nil {
			h.OnError(dc, err)
		}
	} else if h.OnDone != nil {
		h.OnDone(dc)
	}
	return err
}

// LoggingHooks returns pre-built hooks that log dispatch lifecycle events at
// debug level, and failures at error level.
func LoggingHooks(logger loggingpkg.ServiceLogger) DispatchHooks {
	fields := func(ctx DispatchContext) loggingpkg.LogFields {
		return loggingpkg.LogFields{
			"type":         ctx.Type.String(),
			"message_id":   ctx.MessageID,
			"sender":       ctx.Sender,
			"topic":        ctx.Topic,
			"message_uuid": ctx.MessageUUID,
		}
	}
	return DispatchHooks{
		OnStart: func(ctx DispatchContext) {
			logger.Debug("Dispatch started", fields(ctx))
		},
		OnDone: func(ctx DispatchContext) {
			f := fields(ctx)
			f["duration_ms"] = ctx.Duration.Milliseconds()
			logger.Debug("Dispatch completed", f)
		},
		OnError: func(ctx DispatchContext, err error) {
			f := fields(ctx)
			f["duration_ms"] = ctx.Duration.Milliseconds()
			logger.Error("Dispatch failed", err, f)
		},
	}
}

// CountingHooks returns pre-built hooks that report each processed message
// by type.
func CountingHooks(onDone, onError func(t wire.Type, sender handles.NodeID)) DispatchHooks {
	return DispatchHooks{
		OnDone: func(ctx DispatchContext) {
			if onDone != nil {
				onDone(ctx.Type, ctx.Sender)
			}
		},
		OnError: func(ctx DispatchContext, err error) {
			if onError != nil {
				onError(ctx.Type, ctx.Sender)
			}
		},
	}
}
