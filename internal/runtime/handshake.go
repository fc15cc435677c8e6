package runtime

import (
	"fmt"
	"slices"

	loggingpkg "github.com/drblury/ella/internal/runtime/logging"
	"github.com/drblury/ella/internal/runtime/wire"
)

// processSubscribe answers a remote Subscribe with one proxy handle per local
// event of the requested type.
func (n *Node) processSubscribe(m wire.Message) error {
	tag, err := wire.DecodeTypeTag(m.Data)
	if err != nil {
		return fmt.Errorf("subscribe from node %d: %w", m.Sender, err)
	}

	previous := n.model.proxyGroups(m.Sender, tag)
	hs, created := n.model.ensureProxies(m.Sender, m.ID, tag, func(ev *activeEvent) *subscription {
		return n.newProxySubscription(m.Sender, m.ID, ev)
	})
	if len(created) > 0 {
		n.updateSubscriptionGauge()
		n.Logger.Debug("Bridged local events to remote subscriber", loggingpkg.LogFields{
			"node":      m.Sender,
			"reference": m.ID,
			"data_type": tag,
			"proxies":   len(created),
		})
	}
	if len(hs) == 0 {
		return nil
	}

	n.send(m.Sender, wire.Message{
		Type: wire.SubscribeResponse,
		Data: wire.EncodeSubscribeResponse(m.ID, hs),
	})

	// Older references are reported again so the subscriber can drop the
	// ones it no longer tracks.
	refs := make([]int32, 0, len(previous))
	for ref := range previous {
		if ref != m.ID {
			refs = append(refs, ref)
		}
	}
	slices.Sort(refs)
	for _, ref := range refs {
		n.send(m.Sender, wire.Message{
			Type: wire.SubscribeResponse,
			Data: wire.EncodeSubscribeResponse(ref, previous[ref]),
		})
	}

	for _, h := range hs {
		for _, other := range n.model.correlationsOf(h.EventHandle) {
			n.send(m.Sender, wire.Message{
				Type: wire.EventCorrelation,
				Data: wire.EncodeCorrelation(h.EventHandle, other),
			})
		}
	}
	return nil
}

// processSubscribeResponse completes the pending request the response refers
// to. A response for an unknown reference is answered with Unsubscribe.
func (n *Node) processSubscribeResponse(m wire.Message) error {
	ref, hs, err := wire.DecodeSubscribeResponse(m.Data)
	if err != nil {
		return fmt.Errorf("subscribe response from node %d: %w", m.Sender, err)
	}
	for i := range hs {
		hs[i].PublisherNodeID = m.Sender
	}

	calls, ok := n.pending.resolve(ref, m.Sender, hs)
	if !ok {
		n.Logger.Debug("Stale subscribe response, unsubscribing", loggingpkg.LogFields{
			"node":      m.Sender,
			"reference": ref,
		})
		n.send(m.Sender, wire.Message{Type: wire.Unsubscribe, ID: ref})
		return nil
	}
	for _, call := range calls {
		call.complete(call.handle)
	}
	return nil
}

// processUnsubscribe drops the proxies the sender created with the reference
// carried in the message id.
func (n *Node) processUnsubscribe(m wire.Message) error {
	removed := n.model.remove(func(s *subscription) bool {
		return s.proxy != nil &&
			s.proxy.node == m.Sender &&
			s.handle.SubscriptionReference == m.ID
	})
	n.release(removed)
	if len(removed) > 0 {
		n.Logger.Debug("Removed remote subscriber", loggingpkg.LogFields{
			"node":      m.Sender,
			"reference": m.ID,
			"proxies":   len(removed),
		})
	}
	return nil
}

// processNewPublisher resends pending requests for the announced type to the
// sender. An undecodable announcement retries every pending request.
func (n *Node) processNewPublisher(m wire.Message) error {
	tag, err := wire.DecodeTypeTag(m.Data)
	if err != nil {
		n.Logger.Error("Undecodable publisher announcement, retrying all subscriptions", err, loggingpkg.LogFields{
			"node": m.Sender,
		})
		tag = ""
	}
	n.retryPendingSubscriptions(m.Sender, tag)
	return nil
}
