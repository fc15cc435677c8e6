/*
Package runtime implements the ella node: the subscription registry, the
inter-node protocol and the router that ties them to a Watermill transport.

# Architecture Overview

A Node owns one transport (a Watermill publisher and subscriber pair), an
inbound message.Router subscribed to the broadcast topic and to the node's own
topic, and the routing state shared with other nodes. Modules talk to the node
through Publish, Subscribe, Send and Reply; other nodes talk to it through
wire messages.

# Package Structure

## Node (node.go)

NewNode validates the configuration, builds the transport from the registry,
registers the middleware chain and the HTTP handlers. Start runs the router
and announces the node; Close broadcasts NodeShutdown and tears everything
down.

## Subscription registry (model.go, subscribe.go, publish.go)

The model keeps the active events of started publishers, the subscriptions
to them and a cache of local Subscribe calls, so publishers started later are
matched against earlier subscribers. Publish delivers synchronously in
registration order and applies the event's copy policy.

## Remote subscriptions (pending.go, handshake.go, bridge.go)

Subscribe sends one request per type to every known node. Publisher nodes
answer with proxy handles; the subscribing node binds a stub per handle.
Proxies forward every publish as a Publish wire message, stubs republish the
decoded payload locally.

## Discovery (discovery.go, nodes.go)

Discover is broadcast on start. Nodes answer with DiscoverResponse and retry
pending subscriptions towards every node they learn about. Subscribe,
SubscribeResponse and NewPublisher from nodes that are not known yet are
parked and replayed on discovery.

## Dispatch (dispatch.go, hooks.go, middleware.go)

The router handler decodes the envelope and hands processing to a bounded
errgroup pool. Every message is traced and passes the dispatch hooks.

## Outbound (outbound.go)

One FIFO lane per destination, bounded by MaxQueueSize. The oldest message is
dropped when a lane is full.

## Correlations and application messages (correlation.go, messaging.go)

Declared or received event correlations notify subscribers holding both
events. Application messages travel between a subscriber and the publisher
behind one of its subscriptions.

# Sub-packages

  - codec/: payload serialization and type tags
  - config/: node configuration with defaults and validation
  - errors/: sentinel errors
  - handles/: node ids, event and subscription handles
  - ids/: module id allocator and ULID message ids
  - logging/: logger interface and Watermill adapters
  - wire/: wire message envelope and payload encodings

# Limitations

There is no failure detection. A node that crashes without sending
NodeShutdown stays in the node table of its peers until they restart.
*/
package runtime
