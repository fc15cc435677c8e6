package runtime

import (
	loggingpkg "github.com/drblury/ella/internal/runtime/logging"
	"github.com/drblury/ella/internal/runtime/wire"
)

// processNodeShutdown forgets everything tied to the departing node. Its
// stubs are dropped without an Unsubscribe since nobody would receive it.
func (n *Node) processNodeShutdown(m wire.Message) error {
	removed := n.model.remove(func(s *subscription) bool {
		switch {
		case s.stub != nil:
			return s.handle.PublisherNodeID == m.Sender
		case s.proxy != nil:
			return s.proxy.node == m.Sender
		default:
			return false
		}
	})
	n.release(removed)
	n.pending.forgetNode(m.Sender)
	known := n.nodes.remove(m.Sender)
	n.outbound.drop(m.Sender)
	n.metrics.knownNodes.Set(float64(n.nodes.len()))

	n.Logger.Info("Node left", loggingpkg.LogFields{
		"node":                  m.Sender,
		"was_known":             known,
		"removed_subscriptions": len(removed),
	})
	return nil
}
