// Package ella is a distributed publish/subscribe middleware. Modules on one
// or more nodes declare themselves publishers of typed events or subscribers
// to typed events; ella routes events, point-to-point application messages
// and event correlation notifications between them, whether they share a
// process or not.
//
// A Node reads its transport (UDP multicast, Go channels, NATS, NATS
// JetStream, Kafka, RabbitMQ or AWS SNS/SQS) from Config, discovers the other
// nodes on the same transport and keeps subscriptions in sync with them. A
// minimal setup fills Config, creates a Node, starts publishers and subscribes:
//
//	node, err := ella.NewNode(cfg, logger, ctx, ella.NodeDependencies{})
//	if err != nil {
//		return err
//	}
//	if err := node.Start(ctx); err != nil {
//		return err
//	}
//	defer node.Close()
//
//	_ = node.StartPublisher(sensor)
//	_ = ella.Subscribe(node, display, func(r Reading, h ella.SubscriptionHandle) {
//		display.Show(r)
//	})
//
// Import github.com/drblury/ella/transport/transports to register every
// built-in transport, or a single transport package to keep the binary small.
//
// # Events
//
// A publisher declares EventDescriptors: an event id unique within the
// publisher, the type tag of its payload and a copy policy. Subscribers are
// matched by type tag. Payloads cross the network as JSON; register a
// stable name with RegisterTypeName when two binaries name a type
// differently.
//
// # Middleware and hooks
//
// The inbound router runs the default middleware chain (message logging,
// OpenTelemetry tracing, Prometheus metrics and panic recovery). Custom
// middleware can be added via NodeDependencies.Middlewares; DispatchHooks
// observe every processed wire message.
//
// # Failure model
//
// Delivery is best effort. Outbound queues drop their oldest message when
// full, and a node that disappears without sending NodeShutdown is never
// removed from its peers' node tables.
package ella
