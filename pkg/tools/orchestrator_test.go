package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/nestor/pkg/config"
	"github.com/kadirpekel/nestor/pkg/protocol"
)

// fakeToolServer implements the tool server lifecycle contract over HTTP.
func fakeToolServer(t *testing.T, call http.HandlerFunc) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok", "version": "1.0"})
	})
	mux.HandleFunc("/capabilities", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode([]map[string]any{
			{
				"action":      "echo",
				"description": "Echo the input back",
				"parameters": []map[string]any{
					{"name": "text", "type": "string", "required": true},
				},
			},
		})
	})
	if call == nil {
		call = func(w http.ResponseWriter, r *http.Request) {
			_ = json.NewEncoder(w).Encode(map[string]any{"result": "ok"})
		}
	}
	mux.HandleFunc("/call", call)

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func testOrchestrator(t *testing.T) *Orchestrator {
	t.Helper()
	cfg := config.ToolsConfig{PortRangeLo: 43600, PortRangeHi: 43700}
	cfg.SetDefaults()
	cfg.SnapshotPath = filepath.Join(t.TempDir(), "snapshot.json")

	o, err := NewOrchestrator(cfg)
	require.NoError(t, err)
	t.Cleanup(o.Shutdown)
	return o
}

func waitReady(t *testing.T, o *Orchestrator, serverID string) {
	t.Helper()
	require.Eventually(t, func() bool {
		for _, s := range o.Catalog() {
			if s.ServerID == serverID {
				return true
			}
		}
		return false
	}, 10*time.Second, 50*time.Millisecond, "server %s never became ready", serverID)
}

func TestOrchestrator_RegisterAndInvokeHTTP(t *testing.T) {
	srv := fakeToolServer(t, func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Action    string         `json:"action"`
			Arguments map[string]any `json:"arguments"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "echo", req.Action)
		_ = json.NewEncoder(w).Encode(map[string]any{"result": req.Arguments["text"]})
	})

	o := testOrchestrator(t)
	require.NoError(t, o.registerExternal(context.Background(), "echoer", srv.URL, ""))
	waitReady(t, o, "echoer")

	res := o.Invoke(context.Background(), "echoer", "echo", map[string]any{"text": "hello"})
	assert.Equal(t, protocol.InvocationOK, res.Status)
	assert.Equal(t, "hello", res.Body)
}

func TestOrchestrator_DuplicateRegistrationRejected(t *testing.T) {
	srv := fakeToolServer(t, nil)
	o := testOrchestrator(t)

	require.NoError(t, o.registerExternal(context.Background(), "echoer", srv.URL, ""))
	err := o.registerExternal(context.Background(), "echoer", srv.URL, "")
	require.Error(t, err)
}

func TestOrchestrator_UnknownServerUnreachable(t *testing.T) {
	o := testOrchestrator(t)
	res := o.Invoke(context.Background(), "ghost", "echo", nil)
	assert.Equal(t, protocol.InvocationUnreachable, res.Status)
}

func TestOrchestrator_UnknownActionInvalidParams(t *testing.T) {
	srv := fakeToolServer(t, nil)
	o := testOrchestrator(t)
	require.NoError(t, o.registerExternal(context.Background(), "echoer", srv.URL, ""))
	waitReady(t, o, "echoer")

	res := o.Invoke(context.Background(), "echoer", "explode", nil)
	assert.Equal(t, protocol.InvocationInvalidParams, res.Status)
	assert.Contains(t, res.Body, "echo", "error must list available actions")
}

func TestOrchestrator_ValidationFailsWithoutContactingServer(t *testing.T) {
	var called bool
	srv := fakeToolServer(t, func(w http.ResponseWriter, r *http.Request) {
		called = true
	})
	o := testOrchestrator(t)
	require.NoError(t, o.registerExternal(context.Background(), "echoer", srv.URL, ""))
	waitReady(t, o, "echoer")

	res := o.Invoke(context.Background(), "echoer", "echo", map[string]any{})
	assert.Equal(t, protocol.InvocationInvalidParams, res.Status)
	assert.False(t, called)
}

func TestOrchestrator_CallTimeout(t *testing.T) {
	srv := fakeToolServer(t, func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(2 * time.Second)
	})
	o := testOrchestrator(t)
	require.NoError(t, o.registerExternal(context.Background(), "slow", srv.URL, ""))
	waitReady(t, o, "slow")

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()

	res := o.Invoke(ctx, "slow", "echo", map[string]any{"text": "x"})
	assert.Equal(t, protocol.InvocationTimeout, res.Status)
}

func TestOrchestrator_ToolErrorSurfaces(t *testing.T) {
	srv := fakeToolServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_ = json.NewEncoder(w).Encode(map[string]any{"error": "disk on fire"})
	})
	o := testOrchestrator(t)
	require.NoError(t, o.registerExternal(context.Background(), "flaky", srv.URL, ""))
	waitReady(t, o, "flaky")

	res := o.Invoke(context.Background(), "flaky", "echo", map[string]any{"text": "x"})
	assert.Equal(t, protocol.InvocationToolError, res.Status)
	assert.Contains(t, res.Body, "disk on fire")
}

func TestOrchestrator_WebSocketTransport(t *testing.T) {
	upgrader := websocket.Upgrader{}
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	})
	mux.HandleFunc("/capabilities", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode([]map[string]any{
			{"action": "echo", "description": "echo", "parameters": []map[string]any{
				{"name": "text", "type": "string", "required": true},
			}},
		})
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			var req wsRequest
			if err := conn.ReadJSON(&req); err != nil {
				return
			}
			// Unsolicited event first: the client must ignore it.
			_ = conn.WriteJSON(map[string]any{"method": "event", "params": map[string]any{"kind": "progress"}})
			_ = conn.WriteJSON(map[string]any{"id": req.ID, "result": req.Params.Arguments["text"]})
		}
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	wsURL := "ws" + srv.URL[len("http"):]

	o := testOrchestrator(t)
	require.NoError(t, o.registerExternal(context.Background(), "wsecho", wsURL, ""))
	waitReady(t, o, "wsecho")

	res := o.Invoke(context.Background(), "wsecho", "echo", map[string]any{"text": "over ws"})
	assert.Equal(t, protocol.InvocationOK, res.Status)
	assert.Equal(t, "over ws", res.Body)
}

func TestOrchestrator_SnapshotRoundTrip(t *testing.T) {
	srv := fakeToolServer(t, nil)

	snapshotPath := filepath.Join(t.TempDir(), "snapshot.json")
	cfg := config.ToolsConfig{PortRangeLo: 43600, PortRangeHi: 43700}
	cfg.SetDefaults()
	cfg.SnapshotPath = snapshotPath

	first, err := NewOrchestrator(cfg)
	require.NoError(t, err)
	require.NoError(t, first.registerExternal(context.Background(), "echoer", srv.URL, ""))
	waitReady(t, first, "echoer")
	first.Shutdown()

	second, err := NewOrchestrator(cfg)
	require.NoError(t, err)
	t.Cleanup(second.Shutdown)
	require.NoError(t, second.Start(context.Background()))
	waitReady(t, second, "echoer")

	servers := second.Catalog()
	require.Len(t, servers, 1)
	assert.Equal(t, "echoer", servers[0].ServerID)
	require.Len(t, servers[0].Capabilities, 1)
	assert.Equal(t, "echo", servers[0].Capabilities[0].Action)
}

func TestOrchestrator_CallTimeoutDefault(t *testing.T) {
	o := testOrchestrator(t)

	// Unregistered server falls back to the configured default.
	d := o.CallTimeout("ghost", "x")
	assert.Equal(t, time.Duration(o.cfg.DefaultCallTimeoutSeconds)*time.Second, d)
}

func TestOrchestrator_RemoveDrainsAndDeletes(t *testing.T) {
	srv := fakeToolServer(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"result": "ok"})
	})
	o := testOrchestrator(t)
	require.NoError(t, o.registerExternal(context.Background(), "echoer", srv.URL, ""))
	waitReady(t, o, "echoer")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, o.Remove(ctx, "echoer"))

	res := o.Invoke(context.Background(), "echoer", "echo", map[string]any{"text": "x"})
	assert.Equal(t, protocol.InvocationUnreachable, res.Status)
	assert.Empty(t, o.Catalog())
}

func TestHTTPBase(t *testing.T) {
	for in, want := range map[string]string{
		"ws://127.0.0.1:9000":   "http://127.0.0.1:9000",
		"wss://example.com":     "https://example.com",
		"http://127.0.0.1:9000": "http://127.0.0.1:9000",
	} {
		assert.Equal(t, want, httpBase(in), fmt.Sprintf("input %s", in))
	}
}
