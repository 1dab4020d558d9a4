package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kadirpekel/nestor/pkg/protocol"
)

// callResult is the transport-level outcome of one RPC.
type callResult struct {
	Status protocol.InvocationStatus
	Body   string
}

// transport performs the wire call for one server. Implementations map
// network failures onto invocation statuses; they never return Go
// errors for conditions the engine is expected to surface to the model.
type transport interface {
	Call(ctx context.Context, action string, arguments map[string]any) callResult
	Close()
}

// newTransport picks WS or HTTP from the endpoint scheme.
func newTransport(endpoint string) (transport, error) {
	switch {
	case strings.HasPrefix(endpoint, "ws://"), strings.HasPrefix(endpoint, "wss://"):
		return newWSTransport(endpoint), nil
	case strings.HasPrefix(endpoint, "http://"), strings.HasPrefix(endpoint, "https://"):
		return newHTTPTransport(endpoint), nil
	}
	return nil, fmt.Errorf("unsupported endpoint scheme: %s", endpoint)
}

// ----------------------------------------------------------------------------
// HTTP transport: POST /call {action, arguments}
// ----------------------------------------------------------------------------

type httpTransport struct {
	endpoint string
	client   *http.Client
}

func newHTTPTransport(endpoint string) *httpTransport {
	return &httpTransport{
		endpoint: strings.TrimSuffix(endpoint, "/"),
		// Per-call deadlines come from the request context.
		client: &http.Client{},
	}
}

type httpCallRequest struct {
	Action    string         `json:"action"`
	Arguments map[string]any `json:"arguments"`
}

type httpCallResponse struct {
	Result json.RawMessage `json:"result"`
	Error  json.RawMessage `json:"error"`
}

func (t *httpTransport) Call(ctx context.Context, action string, arguments map[string]any) callResult {
	payload, err := json.Marshal(httpCallRequest{Action: action, Arguments: arguments})
	if err != nil {
		return callResult{Status: protocol.InvocationToolError, Body: err.Error()}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint+"/call", bytes.NewReader(payload))
	if err != nil {
		return callResult{Status: protocol.InvocationUnreachable, Body: err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return statusFromContext(ctx)
		}
		return callResult{Status: protocol.InvocationUnreachable, Body: err.Error()}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		if ctx.Err() != nil {
			return statusFromContext(ctx)
		}
		return callResult{Status: protocol.InvocationUnreachable, Body: err.Error()}
	}

	if resp.StatusCode >= 400 {
		return callResult{Status: protocol.InvocationToolError, Body: string(body)}
	}

	var parsed httpCallResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		// A non-enveloped body is accepted as the result itself.
		return callResult{Status: protocol.InvocationOK, Body: string(body)}
	}
	if len(parsed.Error) > 0 && string(parsed.Error) != "null" {
		return callResult{Status: protocol.InvocationToolError, Body: rawToString(parsed.Error)}
	}
	return callResult{Status: protocol.InvocationOK, Body: rawToString(parsed.Result)}
}

func (t *httpTransport) Close() {}

// ----------------------------------------------------------------------------
// WebSocket transport: persistent connection, JSON-RPC-style envelope
// ----------------------------------------------------------------------------

type wsTransport struct {
	endpoint string

	mu      sync.Mutex
	conn    *websocket.Conn
	pending map[string]chan wsResponse
	nextID  int
	writeMu sync.Mutex
}

type wsRequest struct {
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params wsRequestParams `json:"params"`
}

type wsRequestParams struct {
	Action    string         `json:"action"`
	Arguments map[string]any `json:"arguments"`
}

type wsResponse struct {
	ID     string          `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *wsError        `json:"error"`

	// Method is set on unsolicited event messages, which are ignored.
	Method string `json:"method"`
}

type wsError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func newWSTransport(endpoint string) *wsTransport {
	return &wsTransport{
		endpoint: endpoint,
		pending:  make(map[string]chan wsResponse),
	}
}

// ensureConn dials on first use and after failures. The reader
// goroutine fans responses out to waiting callers by id.
func (t *wsTransport) ensureConn(ctx context.Context) (*websocket.Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn != nil {
		return t.conn, nil
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, t.endpoint, nil)
	if err != nil {
		return nil, err
	}
	t.conn = conn

	go t.readLoop(conn)
	return conn, nil
}

func (t *wsTransport) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.dropConn(conn, err)
			return
		}

		var resp wsResponse
		if err := json.Unmarshal(data, &resp); err != nil {
			continue
		}
		if resp.ID == "" || resp.Method != "" {
			// Unsolicited event message.
			continue
		}

		t.mu.Lock()
		ch, ok := t.pending[resp.ID]
		if ok {
			delete(t.pending, resp.ID)
		}
		t.mu.Unlock()
		if ok {
			ch <- resp
		}
	}
}

// dropConn closes the connection and fails every pending call.
func (t *wsTransport) dropConn(conn *websocket.Conn, cause error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn != conn {
		return
	}
	_ = conn.Close()
	t.conn = nil

	msg := "connection closed"
	if cause != nil {
		msg = cause.Error()
	}
	for id, ch := range t.pending {
		delete(t.pending, id)
		ch <- wsResponse{Error: &wsError{Message: msg}}
	}
}

func (t *wsTransport) Call(ctx context.Context, action string, arguments map[string]any) callResult {
	conn, err := t.ensureConn(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return statusFromContext(ctx)
		}
		return callResult{Status: protocol.InvocationUnreachable, Body: err.Error()}
	}

	t.mu.Lock()
	t.nextID++
	id := fmt.Sprintf("%d", t.nextID)
	ch := make(chan wsResponse, 1)
	t.pending[id] = ch
	t.mu.Unlock()

	req := wsRequest{
		ID:     id,
		Method: "call",
		Params: wsRequestParams{Action: action, Arguments: arguments},
	}

	t.writeMu.Lock()
	err = conn.WriteJSON(req)
	t.writeMu.Unlock()
	if err != nil {
		t.dropConn(conn, err)
		t.mu.Lock()
		delete(t.pending, id)
		t.mu.Unlock()
		return callResult{Status: protocol.InvocationUnreachable, Body: err.Error()}
	}

	select {
	case <-ctx.Done():
		t.mu.Lock()
		delete(t.pending, id)
		t.mu.Unlock()
		return statusFromContext(ctx)
	case resp := <-ch:
		if resp.Error != nil {
			body := resp.Error.Message
			if resp.Error.Code != 0 || len(resp.Error.Data) > 0 {
				enc, _ := json.Marshal(resp.Error)
				body = string(enc)
			}
			// A transport-level drop surfaces as unreachable, a
			// structured server error as tool_error.
			if resp.Error.Code == 0 && len(resp.Error.Data) == 0 && resp.ID == "" {
				return callResult{Status: protocol.InvocationUnreachable, Body: body}
			}
			return callResult{Status: protocol.InvocationToolError, Body: body}
		}
		return callResult{Status: protocol.InvocationOK, Body: rawToString(resp.Result)}
	}
}

func (t *wsTransport) Close() {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn != nil {
		t.dropConn(conn, nil)
	}
}

// statusFromContext maps context termination onto an invocation status.
func statusFromContext(ctx context.Context) callResult {
	if ctx.Err() == context.DeadlineExceeded {
		return callResult{Status: protocol.InvocationTimeout, Body: "deadline exceeded"}
	}
	return callResult{Status: protocol.InvocationCancelled, Body: "cancelled"}
}

// rawToString renders a result payload: JSON strings unquote, anything
// else keeps its JSON encoding.
func rawToString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}
