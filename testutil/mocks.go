package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

// MockBridgeServer creates a test server that mocks the bridge process:
// control endpoints plus the NDJSON /events stream.
type MockBridgeServer struct {
	*httptest.Server
	Handlers map[string]http.HandlerFunc

	mu          sync.Mutex
	connects    []string
	disconnects []string
}

// NewMockBridgeServer creates a new mock bridge server. Connect and
// disconnect calls are recorded; everything else falls through to Handlers.
func NewMockBridgeServer(t *testing.T) *MockBridgeServer {
	t.Helper()
	m := &MockBridgeServer{
		Handlers: make(map[string]http.HandlerFunc),
	}
	m.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/connect":
			m.record(&m.connects, r)
			w.WriteHeader(http.StatusOK)
			return
		case "/disconnect":
			m.record(&m.disconnects, r)
			w.WriteHeader(http.StatusOK)
			return
		}
		if handler, ok := m.Handlers[r.URL.Path]; ok {
			handler(w, r)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(m.Close)
	return m
}

func (m *MockBridgeServer) record(dst *[]string, r *http.Request) {
	var body struct {
		BroadcastID string `json:"broadcast_id"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	m.mu.Lock()
	*dst = append(*dst, body.BroadcastID)
	m.mu.Unlock()
}

// Connects returns the broadcast ids passed to /connect so far.
func (m *MockBridgeServer) Connects() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.connects...)
}

// Disconnects returns the broadcast ids passed to /disconnect so far.
func (m *MockBridgeServer) Disconnects() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.disconnects...)
}

// MockStatusResponse adds a handler for the /status endpoint.
func (m *MockBridgeServer) MockStatusResponse(broadcastID, roomID string, live, connected bool) {
	m.Handlers["/status"] = func(w http.ResponseWriter, r *http.Request) {
		response := map[string]interface{}{
			"broadcast_id": broadcastID,
			"room_id":      roomID,
			"live":         live,
			"connected":    connected,
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(response) //nolint:errcheck // test mock response
	}
}

// MockEventStream adds a handler for /events serving the given NDJSON lines
// and then closing the stream.
func (m *MockBridgeServer) MockEventStream(lines ...string) {
	m.Handlers["/events"] = func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-ndjson")
		flusher, _ := w.(http.Flusher)
		for _, line := range lines {
			_, _ = w.Write([]byte(line + "\n"))
			if flusher != nil {
				flusher.Flush()
			}
		}
	}
}
