package runtime

import (
	"context"
	"fmt"
	"net"
	"strconv"

	errspkg "github.com/drblury/ella/internal/runtime/errors"
	"github.com/drblury/ella/internal/runtime/handles"
	loggingpkg "github.com/drblury/ella/internal/runtime/logging"
	"github.com/drblury/ella/internal/runtime/wire"
)

// announce broadcasts Discover so every running node learns about this one.
func (n *Node) announce() {
	n.broadcast(wire.Message{
		Type: wire.Discover,
		Data: wire.EncodeDiscover(n.id, n.ListenPort()),
	})
}

func endpointOf(source string, port int) string {
	return net.JoinHostPort(source, strconv.Itoa(port))
}

func (n *Node) processDiscover(ctx context.Context, m wire.Message, source string) error {
	port, err := wire.DecodeDiscover(m.Data)
	if err != nil {
		return fmt.Errorf("discover from node %d: %w", m.Sender, err)
	}
	endpoint := endpointOf(source, port)

	added, stored, parked := n.nodes.add(m.Sender, endpoint)
	if !added {
		n.checkEndpoint(m.Sender, stored, endpoint)
	}

	// Always answer, even a known node: it may have restarted and lost us.
	n.sendTo(m.Sender, endpoint, wire.Message{
		Type: wire.DiscoverResponse,
		Data: wire.EncodeDiscoverResponse(n.ListenPort()),
	})

	if added {
		n.nodeAdded(ctx, m.Sender, endpoint, parked)
	}
	return nil
}

func (n *Node) processDiscoverResponse(ctx context.Context, m wire.Message, source string) error {
	port, err := wire.DecodeDiscoverResponse(m.Data)
	if err != nil {
		return fmt.Errorf("discover response from node %d: %w", m.Sender, err)
	}
	endpoint := endpointOf(source, port)

	added, stored, parked := n.nodes.add(m.Sender, endpoint)
	if !added {
		n.checkEndpoint(m.Sender, stored, endpoint)
		return nil
	}
	n.nodeAdded(ctx, m.Sender, endpoint, parked)
	return nil
}

// checkEndpoint logs when a known node id shows up at another address. The
// stored endpoint wins.
func (n *Node) checkEndpoint(id handles.NodeID, stored, announced string) {
	if stored == announced {
		n.Logger.Debug("Node already known", loggingpkg.LogFields{
			"node":     id,
			"endpoint": stored,
		})
		return
	}
	n.Logger.Error("Node id announced from a second address", errspkg.ErrNodeAddressConflict, loggingpkg.LogFields{
		"node":      id,
		"endpoint":  stored,
		"announced": announced,
	})
}

// nodeAdded retries pending subscriptions towards a new node and replays the
// messages it sent before it was known.
func (n *Node) nodeAdded(ctx context.Context, id handles.NodeID, endpoint string, parked []parkedMessage) {
	n.metrics.knownNodes.Set(float64(n.nodes.len()))
	n.Logger.Info("Discovered node", loggingpkg.LogFields{
		"node":     id,
		"endpoint": endpoint,
	})

	n.retryPendingSubscriptions(id, "")

	for _, p := range parked {
		n.dispatch(ctx, inbound{msg: p.msg, source: p.source})
	}
}

// retryPendingSubscriptions resends the outstanding Subscribe requests to
// node, optionally only those for tag. References are kept, so a publisher
// that already answered reuses its proxies.
func (n *Node) retryPendingSubscriptions(node handles.NodeID, tag string) {
	for _, req := range n.pending.requests(tag) {
		n.send(node, wire.Message{
			Type: wire.Subscribe,
			ID:   req.ref,
			Data: wire.EncodeTypeTag(req.tag),
		})
	}
}
