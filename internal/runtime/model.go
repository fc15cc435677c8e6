package runtime

import (
	"slices"
	"sync"

	"github.com/drblury/ella/internal/runtime/handles"
)

// stubEventID is the fixed event id a stub republishes remote data under.
const stubEventID uint16 = 1

type callbackFunc func(value any, handle handles.SubscriptionHandle)

type decodeFunc func(data []byte) (any, error)

// activeEvent is one declared event of a started publisher. Stubs own an
// activeEvent too, but it is never listed in model.events.
type activeEvent struct {
	publisher  any
	descriptor handles.EventDescriptor
	handle     handles.EventHandle
}

type subscription struct {
	subscriber any
	event      *activeEvent
	callback   callbackFunc
	handle     handles.SubscriptionHandle

	// at most one of proxy and stub is set
	proxy *proxy
	stub  *stub
}

// interest remembers a local Subscribe call so publishers started later are
// matched against it.
type interest struct {
	subscriber any
	tag        string
	callback   callbackFunc
	predicate  func(any) bool
}

type correlationKey struct {
	first, second handles.EventHandle
}

func newCorrelationKey(a, b handles.EventHandle) correlationKey {
	if lessEventHandle(b, a) {
		a, b = b, a
	}
	return correlationKey{first: a, second: b}
}

func lessEventHandle(a, b handles.EventHandle) bool {
	if a.PublisherNodeID != b.PublisherNodeID {
		return a.PublisherNodeID < b.PublisherNodeID
	}
	if a.PublisherID != b.PublisherID {
		return a.PublisherID < b.PublisherID
	}
	return a.EventID < b.EventID
}

// association is one pending Associate call computed under the model lock.
type association struct {
	target        Associator
	first, second handles.SubscriptionHandle
}

// model is the subscription registry: active events, subscriptions, the local
// interest cache and the set of known event correlations.
type model struct {
	mu           sync.RWMutex
	events       []*activeEvent
	subs         []*subscription
	interests    []*interest
	correlations map[correlationKey]struct{}
}

func newModel() *model {
	return &model{correlations: make(map[correlationKey]struct{})}
}

func (m *model) addEvents(events []*activeEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, events...)
}

// removeEventsOf drops every active event of publisher together with all
// subscriptions to them.
func (m *model) removeEventsOf(publisher any) []*subscription {
	m.mu.Lock()
	defer m.mu.Unlock()

	kept := m.events[:0]
	gone := make(map[*activeEvent]struct{})
	for _, ev := range m.events {
		if ev.publisher == publisher {
			gone[ev] = struct{}{}
			continue
		}
		kept = append(kept, ev)
	}
	clear(m.events[len(kept):])
	m.events = kept

	return m.removeLocked(func(s *subscription) bool {
		_, ok := gone[s.event]
		return ok
	})
}

func (m *model) event(publisher any, eventID uint16) (*activeEvent, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, ev := range m.events {
		if ev.publisher == publisher && ev.descriptor.EventID == eventID {
			return ev, true
		}
	}
	return nil, false
}

func (m *model) eventsOfType(tag string) []*activeEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*activeEvent
	for _, ev := range m.events {
		if ev.descriptor.DataType == tag {
			out = append(out, ev)
		}
	}
	return out
}

func (m *model) eventByHandle(h handles.EventHandle) (*activeEvent, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, ev := range m.events {
		if ev.handle == h {
			return ev, true
		}
	}
	return nil, false
}

// addSubscription stores s unless an equivalent subscription exists. It
// returns the Associate calls the new subscription completes.
func (m *model) addSubscription(s *subscription) (bool, []association) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.subs {
		if existing.subscriber != s.subscriber {
			continue
		}
		if existing.event == s.event {
			return false, nil
		}
		if s.stub != nil && existing.stub != nil && existing.stub.handle.Equal(s.stub.handle) {
			return false, nil
		}
	}

	notes := m.completedPairsLocked(s)
	m.subs = append(m.subs, s)
	return true, notes
}

// ensureProxies returns one proxy subscription per active event of tag for
// the remote node and reference, creating the missing ones with create.
func (m *model) ensureProxies(node handles.NodeID, ref int32, tag string, create func(*activeEvent) *subscription) ([]handles.SubscriptionHandle, []*subscription) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var (
		hs      []handles.SubscriptionHandle
		created []*subscription
	)
	for _, ev := range m.events {
		if ev.descriptor.DataType != tag {
			continue
		}
		var found *subscription
		for _, s := range m.subs {
			if s.proxy != nil && s.event == ev && s.proxy.node == node && s.handle.SubscriptionReference == ref {
				found = s
				break
			}
		}
		if found == nil {
			found = create(ev)
			m.subs = append(m.subs, found)
			created = append(created, found)
		}
		hs = append(hs, found.handle)
	}
	return hs, created
}

// proxyGroups returns the handles of existing proxies serving node on tag,
// grouped by subscription reference.
func (m *model) proxyGroups(node handles.NodeID, tag string) map[int32][]handles.SubscriptionHandle {
	m.mu.RLock()
	defer m.mu.RUnlock()
	groups := make(map[int32][]handles.SubscriptionHandle)
	for _, s := range m.subs {
		if s.proxy == nil || s.proxy.node != node || s.event.descriptor.DataType != tag {
			continue
		}
		ref := s.handle.SubscriptionReference
		groups[ref] = append(groups[ref], s.handle)
	}
	return groups
}

func (m *model) subscriptionsTo(ev *activeEvent) []*subscription {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*subscription
	for _, s := range m.subs {
		if s.event == ev {
			out = append(out, s)
		}
	}
	return out
}

func (m *model) find(match func(*subscription) bool) []*subscription {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*subscription
	for _, s := range m.subs {
		if match(s) {
			out = append(out, s)
		}
	}
	return out
}

func (m *model) remove(match func(*subscription) bool) []*subscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.removeLocked(match)
}

func (m *model) removeLocked(match func(*subscription) bool) []*subscription {
	var removed []*subscription
	kept := m.subs[:0]
	for _, s := range m.subs {
		if match(s) {
			removed = append(removed, s)
			continue
		}
		kept = append(kept, s)
	}
	clear(m.subs[len(kept):])
	m.subs = kept
	return removed
}

func (m *model) count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.subs)
}

func (m *model) addInterest(in *interest) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, existing := range m.interests {
		if existing.subscriber == in.subscriber && existing.tag == in.tag {
			m.interests[i] = in
			return
		}
	}
	m.interests = append(m.interests, in)
}

func (m *model) removeInterest(subscriber any, tag string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.interests = slices.DeleteFunc(m.interests, func(in *interest) bool {
		return in.subscriber == subscriber && in.tag == tag
	})
}

func (m *model) interestsIn(tag string) []*interest {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*interest
	for _, in := range m.interests {
		if in.tag == tag {
			out = append(out, in)
		}
	}
	return out
}

// addCorrelation stores the unordered pair. Only a pair that was not known
// yields Associate calls.
func (m *model) addCorrelation(a, b handles.EventHandle) (bool, []association) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := newCorrelationKey(a, b)
	if _, ok := m.correlations[key]; ok {
		return false, nil
	}
	m.correlations[key] = struct{}{}
	return true, m.pairsLocked(a, b)
}

func (m *model) correlationsOf(h handles.EventHandle) []handles.EventHandle {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []handles.EventHandle
	for key := range m.correlations {
		switch h {
		case key.first:
			out = append(out, key.second)
		case key.second:
			out = append(out, key.first)
		}
	}
	return out
}

// pairsLocked finds every subscriber holding subscriptions to both a and b.
func (m *model) pairsLocked(a, b handles.EventHandle) []association {
	firsts := make(map[any]handles.SubscriptionHandle)
	seconds := make(map[any]handles.SubscriptionHandle)
	var order []any
	for _, s := range m.subs {
		if s.proxy != nil {
			continue
		}
		switch s.handle.EventHandle {
		case a:
			if _, ok := firsts[s.subscriber]; !ok {
				firsts[s.subscriber] = s.handle
				order = append(order, s.subscriber)
			}
		case b:
			if _, ok := seconds[s.subscriber]; !ok {
				seconds[s.subscriber] = s.handle
			}
		}
	}

	var notes []association
	for _, sub := range order {
		second, ok := seconds[sub]
		if !ok {
			continue
		}
		target, ok := sub.(Associator)
		if !ok {
			continue
		}
		notes = append(notes, association{target: target, first: firsts[sub], second: second})
	}
	return notes
}

// completedPairsLocked returns the Associate calls triggered by adding s,
// i.e. stored correlations whose other end s's subscriber already holds.
func (m *model) completedPairsLocked(s *subscription) []association {
	if s.proxy != nil {
		return nil
	}
	target, ok := s.subscriber.(Associator)
	if !ok {
		return nil
	}
	own := make(map[handles.EventHandle]handles.SubscriptionHandle)
	for _, existing := range m.subs {
		if existing.subscriber == s.subscriber {
			if _, seen := own[existing.handle.EventHandle]; !seen {
				own[existing.handle.EventHandle] = existing.handle
			}
		}
	}
	added := s.handle.EventHandle
	if _, held := own[added]; held {
		return nil
	}

	var notes []association
	for key := range m.correlations {
		var other handles.EventHandle
		switch added {
		case key.first:
			other = key.second
		case key.second:
			other = key.first
		default:
			continue
		}
		h, ok := own[other]
		if !ok {
			continue
		}
		if added == key.first {
			notes = append(notes, association{target: target, first: s.handle, second: h})
		} else {
			notes = append(notes, association{target: target, first: h, second: s.handle})
		}
	}
	return notes
}
