package runtime

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/ThreeDotsLabs/watermill/components/metrics"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"

	loggingpkg "github.com/drblury/ella/internal/runtime/logging"
)

// MiddlewareBuilder constructs a handler middleware using the provided node.
type MiddlewareBuilder func(*Node) (message.HandlerMiddleware, error)

// MiddlewareRegistration captures how a middleware should be registered on a
// node's inbound router.
type MiddlewareRegistration struct {
	Name       string
	Middleware message.HandlerMiddleware
	Builder    MiddlewareBuilder
}

// DefaultMiddlewares returns the standard middleware chain used by NewNode.
// Wire messages are never retried or dead-lettered: a message that fails is
// logged and dropped.
func DefaultMiddlewares() []MiddlewareRegistration {
	return []MiddlewareRegistration{
		LogMessagesMiddleware(nil),
		TracerMiddleware(),
		MetricsMiddleware(),
		RecovererMiddleware(),
	}
}

// MetricsMiddleware adds Prometheus router metrics and exposes /metrics on
// MetricsPort.
func MetricsMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "metrics",
		Builder: func(n *Node) (message.HandlerMiddleware, error) {
			if !n.Conf.MetricsEnabled {
				return nil, nil
			}

			metricsBuilder := metrics.NewPrometheusMetricsBuilder(
				prometheus.WrapRegistererWith(nodeLabels(n.id), n.registerer),
				"ella",
				n.Conf.PubSubSystem,
			)

			metricsBuilder.AddPrometheusRouterMetrics(n.router)

			if n.Conf.MetricsPort > 0 {
				handler := promhttp.Handler()
				if g, ok := n.registerer.(prometheus.Gatherer); ok && n.registerer != prometheus.DefaultRegisterer {
					handler = promhttp.HandlerFor(g, promhttp.HandlerOpts{})
				}
				n.RegisterHTTPHandler(n.Conf.MetricsPort, "/metrics", handler)
			}

			return metricsBuilder.NewRouterMiddleware().Middleware, nil
		},
	}
}

// LogMessagesMiddleware logs the envelope of every received message at trace
// level.
func LogMessagesMiddleware(logger loggingpkg.ServiceLogger) MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "log_messages",
		Builder: func(n *Node) (message.HandlerMiddleware, error) {
			l := logger
			if l == nil {
				l = n.Logger
			}
			if l == nil {
				return nil, errors.New("log messages middleware requires a logger")
			}
			return logMessagesMiddleware(l), nil
		},
	}
}

// TracerMiddleware wraps inbound message handling in an OpenTelemetry span.
func TracerMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "tracer",
		Builder: func(n *Node) (message.HandlerMiddleware, error) {
			return n.tracerMiddleware(), nil
		},
	}
}

// RecovererMiddleware converts panics in the inbound handler into errors.
func RecovererMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name:       "recoverer",
		Middleware: middleware.Recoverer,
	}
}

// RegisterMiddleware attaches the supplied middleware to the router.
func (n *Node) RegisterMiddleware(cfg MiddlewareRegistration) error {
	if n.router == nil {
		return errors.New("router is not initialised")
	}

	var mw message.HandlerMiddleware
	switch {
	case cfg.Middleware != nil:
		mw = cfg.Middleware
	case cfg.Builder != nil:
		var err error
		mw, err = cfg.Builder(n)
		if err != nil {
			return err
		}
	default:
		return errors.New("middleware registration requires Middleware or Builder")
	}

	if mw == nil {
		return nil
	}

	n.router.AddMiddleware(mw)
	return nil
}

func logMessagesMiddleware(logger loggingpkg.ServiceLogger) message.HandlerMiddleware {
	return func(h message.HandlerFunc) message.HandlerFunc {
		return func(msg *message.Message) ([]*message.Message, error) {
			logger.Trace("Received wire message", loggingpkg.LogFields{
				"message_uuid": msg.UUID,
				"size":         len(msg.Payload),
				"metadata":     msg.Metadata,
			})
			return h(msg)
		}
	}
}

func (n *Node) tracerMiddleware() message.HandlerMiddleware {
	return func(h message.HandlerFunc) message.HandlerFunc {
		return func(msg *message.Message) ([]*message.Message, error) {
			ctx, span := n.tracer.Start(
				msg.Context(),
				"ReceiveWireMessage",
			)
			defer span.End()
			msg.SetContext(ctx)

			span.SetAttributes(
				attribute.String("message.uuid", msg.UUID),
				attribute.String("ella.node", strconv.Itoa(int(n.id))),
				attribute.String("message.metadata", fmt.Sprintf("%v", msg.Metadata)),
			)
			return h(msg)
		}
	}
}
