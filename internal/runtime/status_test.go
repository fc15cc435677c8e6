package runtime

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/bytedance/sonic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/ella/internal/runtime/handles"
	"github.com/drblury/ella/internal/runtime/wire"
)

func TestStatusDescribesRoutingState(t *testing.T) {
	n, _ := newRecordingNode(t, 1)
	require.NoError(t, n.StartPublisher(newSensor(handles.EventDescriptor{
		EventID: 1, DataType: tagReading, CopyPolicy: handles.CopyModify,
	})))
	discoverNode(t, n, 2, "10.0.0.2", 4000)
	processed(t, n, inboundFrom(2, wire.Subscribe, 77, wire.EncodeTypeTag(tagReading)))

	d := &display{}
	require.NoError(t, Subscribe(n, d, d.onReading))
	require.NoError(t, Subscribe(n, d, func(string, handles.SubscriptionHandle) {}))

	st := n.Status()
	assert.Equal(t, handles.NodeID(1), st.NodeID)
	assert.Equal(t, "channel", st.Transport)
	assert.Equal(t, []int{2}, st.KnownNodes)
	require.Len(t, st.Events, 1)
	assert.Equal(t, tagReading, st.Events[0].DataType)
	assert.Equal(t, "modify", st.Events[0].CopyPolicy)
	assert.Equal(t, 2, st.Events[0].Subscribers)
	assert.Equal(t, 2, st.Subscriptions)
	assert.Equal(t, 1, st.Proxies)
	assert.Zero(t, st.Stubs)
	assert.Equal(t, []string{tagReading, "string"}, st.PendingRequests)
}

func TestStatusEndpoint(t *testing.T) {
	n, _ := newRecordingNode(t, 1)
	n.Conf.StatusCORSAllowedOrigins = []string{"https://ops.example.com"}

	req := httptest.NewRequest(http.MethodGet, "/ella/status", nil)
	req.Header.Set("Origin", "https://ops.example.com")
	rec := httptest.NewRecorder()
	n.handleStatus(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Equal(t, "https://ops.example.com", rec.Header().Get("Access-Control-Allow-Origin"))

	var st NodeStatus
	require.NoError(t, sonic.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, handles.NodeID(1), st.NodeID)
}

func TestStatusEndpointCORS(t *testing.T) {
	n, _ := newRecordingNode(t, 1)

	t.Run("no origins configured", func(t *testing.T) {
		n.Conf.StatusCORSAllowedOrigins = nil
		req := httptest.NewRequest(http.MethodGet, "/ella/status", nil)
		req.Header.Set("Origin", "https://ops.example.com")
		rec := httptest.NewRecorder()
		n.handleStatus(rec, req)
		assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
	})

	t.Run("wildcard", func(t *testing.T) {
		n.Conf.StatusCORSAllowedOrigins = []string{"*"}
		req := httptest.NewRequest(http.MethodGet, "/ella/status", nil)
		req.Header.Set("Origin", "https://anywhere.example.com")
		rec := httptest.NewRecorder()
		n.handleStatus(rec, req)
		assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	})

	t.Run("origin not allowed", func(t *testing.T) {
		n.Conf.StatusCORSAllowedOrigins = []string{"https://ops.example.com"}
		req := httptest.NewRequest(http.MethodGet, "/ella/status", nil)
		req.Header.Set("Origin", "https://evil.example.com")
		rec := httptest.NewRecorder()
		n.handleStatus(rec, req)
		assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
	})

	t.Run("preflight", func(t *testing.T) {
		n.Conf.StatusCORSAllowedOrigins = []string{"https://ops.example.com"}
		req := httptest.NewRequest(http.MethodOptions, "/ella/status", nil)
		req.Header.Set("Origin", "https://OPS.example.com")
		rec := httptest.NewRecorder()
		n.handleStatus(rec, req)
		assert.Equal(t, http.StatusNoContent, rec.Code)
		assert.Equal(t, "https://OPS.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
		assert.Empty(t, rec.Body.Bytes())
	})
}
