package runtime

import (
	"cmp"
	"slices"
	"sync"

	"github.com/drblury/ella/internal/runtime/handles"
)

// continuation completes a remote subscription for one local subscriber once
// a publisher node answered with a handle.
type continuation struct {
	subscriber any
	complete   func(handles.SubscriptionHandle)
}

type pendingCall struct {
	continuation
	handle handles.SubscriptionHandle
}

type muteKey struct {
	subscriber any
	event      handles.EventHandle
}

// pendingRequest is one outstanding remote subscription: a correlation id and
// the type tag it asks for.
type pendingRequest struct {
	ref int32
	tag string
}

type pendingEntry struct {
	pendingRequest
	continuations []continuation
	// handles answered so far, per publisher node
	answered map[handles.NodeID][]handles.SubscriptionHandle
	muted    map[muteKey]struct{}
}

// pendingTable maps the correlation id of outgoing Subscribe messages to the
// continuations waiting on them. There is at most one entry per type tag;
// entries live until the last local subscriber of the type leaves.
type pendingTable struct {
	mu    sync.Mutex
	byRef map[int32]*pendingEntry
	byTag map[string]*pendingEntry
}

func newPendingTable() *pendingTable {
	return &pendingTable{
		byRef: make(map[int32]*pendingEntry),
		byTag: make(map[string]*pendingEntry),
	}
}

// join adds c to the entry for tag, creating the entry with a fresh reference
// from nextRef when none exists. Handles answered before c joined are
// returned so the caller can complete them right away.
func (t *pendingTable) join(tag string, c continuation, nextRef func() int32) (int32, bool, []handles.SubscriptionHandle) {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.byTag[tag]
	if !ok {
		entry = &pendingEntry{
			pendingRequest: pendingRequest{ref: nextRef(), tag: tag},
			answered:       make(map[handles.NodeID][]handles.SubscriptionHandle),
			muted:          make(map[muteKey]struct{}),
		}
		t.byTag[tag] = entry
		t.byRef[entry.ref] = entry
	}

	for i, existing := range entry.continuations {
		if existing.subscriber == c.subscriber {
			entry.continuations[i] = c
			return entry.ref, !ok, entry.knownLocked(c.subscriber)
		}
	}
	entry.continuations = append(entry.continuations, c)
	return entry.ref, !ok, entry.knownLocked(c.subscriber)
}

func (e *pendingEntry) knownLocked(subscriber any) []handles.SubscriptionHandle {
	var out []handles.SubscriptionHandle
	for _, hs := range e.answered {
		for _, h := range hs {
			if _, muted := e.muted[muteKey{subscriber, h.EventHandle}]; !muted {
				out = append(out, h)
			}
		}
	}
	return out
}

// resolve records the handles node answered for ref and returns the calls to
// make. ok is false when ref is not pending, i.e. the response is stale.
func (t *pendingTable) resolve(ref int32, node handles.NodeID, hs []handles.SubscriptionHandle) ([]pendingCall, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.byRef[ref]
	if !ok {
		return nil, false
	}
	known := entry.answered[node]
	for _, h := range hs {
		if !slices.ContainsFunc(known, h.Equal) {
			known = append(known, h)
		}
	}
	entry.answered[node] = known

	var calls []pendingCall
	for _, h := range hs {
		for _, c := range entry.continuations {
			if _, muted := entry.muted[muteKey{c.subscriber, h.EventHandle}]; muted {
				continue
			}
			calls = append(calls, pendingCall{continuation: c, handle: h})
		}
	}
	return calls, true
}

// leave removes the continuation of subscriber for tag. When it was the last
// one the entry is dropped and the nodes that answered it are returned so the
// caller can unsubscribe there.
func (t *pendingTable) leave(tag string, subscriber any) (int32, []handles.NodeID, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.byTag[tag]
	if !ok {
		return 0, nil, false
	}
	entry.continuations = slices.DeleteFunc(entry.continuations, func(c continuation) bool {
		return c.subscriber == subscriber
	})
	for key := range entry.muted {
		if key.subscriber == subscriber {
			delete(entry.muted, key)
		}
	}
	if len(entry.continuations) > 0 {
		return entry.ref, nil, false
	}

	delete(t.byTag, tag)
	delete(t.byRef, entry.ref)
	nodes := make([]handles.NodeID, 0, len(entry.answered))
	for node := range entry.answered {
		nodes = append(nodes, node)
	}
	slices.Sort(nodes)
	return entry.ref, nodes, true
}

// mute stops handles of event from completing for subscriber again, so an
// explicit unsubscribe survives later retries.
func (t *pendingTable) mute(ref int32, subscriber any, event handles.EventHandle) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if entry, ok := t.byRef[ref]; ok {
		entry.muted[muteKey{subscriber, event}] = struct{}{}
	}
}

// forgetNode drops every handle answered by node.
func (t *pendingTable) forgetNode(node handles.NodeID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, entry := range t.byRef {
		delete(entry.answered, node)
	}
}

// requests lists the pending requests, optionally only those for tag, in
// reference order.
func (t *pendingTable) requests(tag string) []pendingRequest {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []pendingRequest
	for _, entry := range t.byRef {
		if tag == "" || entry.tag == tag {
			out = append(out, entry.pendingRequest)
		}
	}
	slices.SortFunc(out, func(a, b pendingRequest) int { return cmp.Compare(a.ref, b.ref) })
	return out
}

func (t *pendingTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.byRef)
}
