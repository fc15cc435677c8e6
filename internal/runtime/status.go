package runtime

import (
	"net/http"
	"strings"

	"github.com/bytedance/sonic"

	"github.com/drblury/ella/internal/runtime/handles"
)

// EventStatus describes one active event in the status document.
type EventStatus struct {
	Handle      string `json:"handle"`
	DataType    string `json:"data_type"`
	CopyPolicy  string `json:"copy_policy"`
	Subscribers int    `json:"subscribers"`
}

// NodeStatus is the document served on /ella/status.
type NodeStatus struct {
	NodeID          handles.NodeID `json:"node_id"`
	Transport       string         `json:"transport"`
	ListenPort      int            `json:"listen_port"`
	KnownNodes      []int          `json:"known_nodes"`
	Events          []EventStatus  `json:"events"`
	Subscriptions   int            `json:"subscriptions"`
	Proxies         int            `json:"proxies"`
	Stubs           int            `json:"stubs"`
	PendingRequests []string       `json:"pending_requests"`
	Correlations    int            `json:"correlations"`
}

// Status returns a snapshot of the node's routing state.
func (n *Node) Status() NodeStatus {
	st := NodeStatus{
		NodeID:     n.id,
		Transport:  n.Conf.PubSubSystem,
		ListenPort: n.ListenPort(),
	}
	for _, id := range n.nodes.ids() {
		st.KnownNodes = append(st.KnownNodes, int(id))
	}

	n.model.mu.RLock()
	counts := make(map[*activeEvent]int, len(n.model.events))
	for _, s := range n.model.subs {
		counts[s.event]++
		switch {
		case s.proxy != nil:
			st.Proxies++
		case s.stub != nil:
			st.Stubs++
		}
	}
	for _, ev := range n.model.events {
		st.Events = append(st.Events, EventStatus{
			Handle:      ev.handle.String(),
			DataType:    ev.descriptor.DataType,
			CopyPolicy:  ev.descriptor.CopyPolicy.String(),
			Subscribers: counts[ev],
		})
	}
	st.Subscriptions = len(n.model.subs)
	st.Correlations = len(n.model.correlations)
	n.model.mu.RUnlock()

	for _, req := range n.pending.requests("") {
		st.PendingRequests = append(st.PendingRequests, req.tag)
	}
	return st
}

func (n *Node) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	// Set CORS headers based on configuration
	if len(n.Conf.StatusCORSAllowedOrigins) > 0 {
		origin := r.Header.Get("Origin")
		allowedOrigin := n.allowedCORSOrigin(origin)
		if allowedOrigin != "" {
			w.Header().Set("Access-Control-Allow-Origin", allowedOrigin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		}
	}

	// Handle preflight requests
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	body, err := sonic.Marshal(n.Status())
	if err != nil {
		n.Logger.Error("Failed to encode node status", err, nil)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	_, _ = w.Write(body)
}

// allowedCORSOrigin checks if the request origin is allowed and returns the
// appropriate Access-Control-Allow-Origin value.
func (n *Node) allowedCORSOrigin(requestOrigin string) string {
	for _, allowed := range n.Conf.StatusCORSAllowedOrigins {
		if allowed == "*" {
			return "*"
		}
		if strings.EqualFold(allowed, requestOrigin) {
			return requestOrigin
		}
	}
	return ""
}
