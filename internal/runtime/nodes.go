package runtime

import (
	"slices"
	"sync"

	"github.com/drblury/ella/internal/runtime/handles"
	"github.com/drblury/ella/internal/runtime/wire"
)

// parkedMessage is an inbound message that needs a reply but arrived before
// its sender was discovered.
type parkedMessage struct {
	msg    wire.Message
	source string
}

// nodeTable maps node ids to endpoints. Entries are only removed on an
// explicit shutdown notice; there is no failure detection.
type nodeTable struct {
	mu        sync.RWMutex
	endpoints map[handles.NodeID]string
	parked    map[handles.NodeID][]parkedMessage
	// parkLimit bounds the parked messages per unknown node, oldest first out
	parkLimit int
}

func newNodeTable(parkLimit int) *nodeTable {
	return &nodeTable{
		endpoints: make(map[handles.NodeID]string),
		parked:    make(map[handles.NodeID][]parkedMessage),
		parkLimit: parkLimit,
	}
}

// add registers id at endpoint unless it is already known. It returns the
// stored endpoint and, for a new node, the messages parked for it.
func (t *nodeTable) add(id handles.NodeID, endpoint string) (bool, string, []parkedMessage) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if existing, ok := t.endpoints[id]; ok {
		return false, existing, nil
	}
	t.endpoints[id] = endpoint
	parked := t.parked[id]
	delete(t.parked, id)
	return true, endpoint, parked
}

// parkIfUnknown stores m for later when its sender is not known. It reports
// whether the message was parked.
func (t *nodeTable) parkIfUnknown(m wire.Message, source string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.endpoints[m.Sender]; ok {
		return false
	}
	queue := append(t.parked[m.Sender], parkedMessage{msg: m, source: source})
	if t.parkLimit > 0 && len(queue) > t.parkLimit {
		queue = slices.Delete(queue, 0, len(queue)-t.parkLimit)
	}
	t.parked[m.Sender] = queue
	return true
}

func (t *nodeTable) endpoint(id handles.NodeID) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	endpoint, ok := t.endpoints[id]
	return endpoint, ok
}

func (t *nodeTable) remove(id handles.NodeID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.parked, id)
	if _, ok := t.endpoints[id]; !ok {
		return false
	}
	delete(t.endpoints, id)
	return true
}

// ids returns the known node ids in ascending order.
func (t *nodeTable) ids() []handles.NodeID {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]handles.NodeID, 0, len(t.endpoints))
	for id := range t.endpoints {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

func (t *nodeTable) len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.endpoints)
}
