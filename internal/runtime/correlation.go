package runtime

import (
	"fmt"
	"slices"

	"github.com/drblury/ella/internal/runtime/handles"
	loggingpkg "github.com/drblury/ella/internal/runtime/logging"
	"github.com/drblury/ella/internal/runtime/wire"
)

// AddEventCorrelation declares that events a and b are related. Subscribers
// holding both get Associate in both directions, and nodes subscribed to
// either event learn about the pair.
func (n *Node) AddEventCorrelation(a, b handles.EventHandle) {
	added, notes := n.model.addCorrelation(a, b)
	if !added {
		return
	}
	n.associate(notes)

	for _, node := range n.proxyNodesOf(a, b) {
		n.send(node, wire.Message{
			Type: wire.EventCorrelation,
			Data: wire.EncodeCorrelation(a, b),
		})
	}
}

// proxyNodesOf lists the remote nodes subscribed to any of the given events.
func (n *Node) proxyNodesOf(events ...handles.EventHandle) []handles.NodeID {
	proxies := n.model.find(func(s *subscription) bool {
		return s.proxy != nil && slices.Contains(events, s.event.handle)
	})
	var nodes []handles.NodeID
	for _, s := range proxies {
		if !slices.Contains(nodes, s.proxy.node) {
			nodes = append(nodes, s.proxy.node)
		}
	}
	slices.Sort(nodes)
	return nodes
}

func (n *Node) processEventCorrelation(m wire.Message) error {
	first, second, err := wire.DecodeCorrelation(m.Data)
	if err != nil {
		return fmt.Errorf("event correlation from node %d: %w", m.Sender, err)
	}
	if added, notes := n.model.addCorrelation(first, second); added {
		n.associate(notes)
	}
	return nil
}

// associate delivers the Associate calls computed by the model, both
// directions per pair.
func (n *Node) associate(notes []association) {
	for _, a := range notes {
		n.callAssociate(a.target, a.first, a.second)
		n.callAssociate(a.target, a.second, a.first)
	}
}

func (n *Node) callAssociate(target Associator, first, second handles.SubscriptionHandle) {
	defer func() {
		if r := recover(); r != nil {
			n.metrics.panics.Inc()
			n.Logger.Error("Associate panicked", fmt.Errorf("panic: %v", r), loggingpkg.LogFields{
				"subscriber": fmt.Sprintf("%T", target),
				"first":      first.String(),
				"second":     second.String(),
			})
		}
	}()
	target.Associate(first, second)
}
