package streaminghttp_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/mcp-engine-go/internal/jsonrpc"
	"github.com/ggoodman/mcp-engine-go/mcp"
	"github.com/ggoodman/mcp-engine-go/mcpservice"
	"github.com/ggoodman/mcp-engine-go/sessions"
	"github.com/ggoodman/mcp-engine-go/sessions/memoryhost"
	"github.com/ggoodman/mcp-engine-go/streaminghttp"
	"github.com/tmaxmax/go-sse"
)

type echoIn struct {
	Text string `json:"text"`
}

type echoOut struct {
	Text string `json:"text"`
}

func echoTool(name string) mcpservice.ToolDefinition {
	return mcpservice.NewTool(name, func(ctx context.Context, _ *sessions.Session, in echoIn) (echoOut, error) {
		return echoOut(in), nil
	})
}

func newTestServer() (*mcpservice.Server, *mcpservice.Tools) {
	tools := mcpservice.NewTools([]mcpservice.ToolDefinition{echoTool("echo")})
	srv := mcpservice.NewServer(
		mcpservice.WithServerInfo(mcp.ImplementationInfo{Name: "test-server", Version: "1.0.0"}),
		mcpservice.WithTools(tools),
		mcpservice.WithResources(mcpservice.NewResources([]mcpservice.ResourceDefinition{
			mcpservice.TextResource("mem://hello", "hello", "text/plain", "hi"),
		})),
	)
	return srv, tools
}

func initializeRequest() *jsonrpc.Request {
	return &jsonrpc.Request{
		JSONRPCVersion: jsonrpc.ProtocolVersion,
		Method:         string(mcp.InitializeMethod),
		Params: mustJSON(mcp.InitializeRequest{
			ProtocolVersion: "2025-06-18",
			ClientInfo:      mcp.ImplementationInfo{Name: "test-client", Version: "1.0.0"},
		}),
		ID: jsonrpc.NewRequestID("1"),
	}
}

// mustSession initializes a session, acknowledges it and returns its id.
func mustSession(t *testing.T, srv *httptest.Server) string {
	t.Helper()
	resp, _ := mustPostMCP(t, srv, "", initializeRequest())
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("initialize status: want %d got %d", http.StatusOK, resp.StatusCode)
	}
	sessID := resp.Header.Get("mcp-session-id")
	if sessID == "" {
		t.Fatalf("missing mcp-session-id header")
	}
	note := &jsonrpc.Request{JSONRPCVersion: jsonrpc.ProtocolVersion, Method: string(mcp.InitializedNotificationMethod)}
	respInit, _ := mustPostMCP(t, srv, sessID, note)
	respInit.Body.Close()
	if respInit.StatusCode != http.StatusAccepted {
		t.Fatalf("initialized note status: want %d got %d", http.StatusAccepted, respInit.StatusCode)
	}
	return sessID
}

func TestSingleInstance(t *testing.T) {
	t.Run("Initialize returns session and capabilities", func(t *testing.T) {
		server, _ := newTestServer()
		srv := mustServer(t, server)

		resp, evt := mustPostMCP(t, srv, "", initializeRequest())
		defer resp.Body.Close()

		if want, got := http.StatusOK, resp.StatusCode; want != got {
			t.Fatalf("unexpected status: want %d got %d", want, got)
		}
		if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
			t.Fatalf("unexpected content type %q", ct)
		}
		if resp.Header.Get("mcp-session-id") == "" {
			t.Fatalf("missing mcp-session-id header")
		}
		if got := resp.Header.Get("mcp-protocol-version"); got != "2025-06-18" {
			t.Fatalf("unexpected protocol version header %q", got)
		}

		var res jsonrpc.Response
		mustUnmarshalJSON(t, evt.data, &res)
		if res.Error != nil {
			t.Fatalf("initialize error: %+v", res.Error)
		}
		var initRes mcp.InitializeResult
		mustUnmarshalJSON(t, res.Result, &initRes)
		if initRes.Capabilities.Tools == nil || !initRes.Capabilities.Tools.ListChanged {
			t.Fatalf("expected tools listChanged capability, got %#v", initRes.Capabilities.Tools)
		}
		if initRes.Capabilities.Prompts != nil {
			t.Fatalf("prompts advertised without a registry: %#v", initRes.Capabilities.Prompts)
		}
		if initRes.ServerInfo.Name != "test-server" {
			t.Fatalf("unexpected server info %+v", initRes.ServerInfo)
		}
	})

	t.Run("Tool call over POST", func(t *testing.T) {
		server, _ := newTestServer()
		srv := mustServer(t, server)
		sessID := mustSession(t, srv)

		req := &jsonrpc.Request{
			JSONRPCVersion: jsonrpc.ProtocolVersion,
			Method:         string(mcp.ToolsCallMethod),
			Params:         mustJSON(map[string]any{"name": "echo", "arguments": map[string]any{"text": "hi"}}),
			ID:             jsonrpc.NewRequestID(2),
		}
		resp, evt := mustPostMCP(t, srv, sessID, req)
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("unexpected status %d", resp.StatusCode)
		}
		var res jsonrpc.Response
		mustUnmarshalJSON(t, evt.data, &res)
		var call mcp.CallToolResult
		mustUnmarshalJSON(t, res.Result, &call)
		if call.IsError || len(call.Content) != 1 || call.Content[0].Text != `{"text":"hi"}` {
			t.Fatalf("unexpected call result: %+v", call)
		}
	})

	t.Run("JSON framing when the client only accepts JSON", func(t *testing.T) {
		server, _ := newTestServer()
		srv := mustServer(t, server)

		body, _ := json.Marshal(initializeRequest())
		req, _ := http.NewRequest(http.MethodPost, srv.URL+"/", bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("post: %v", err)
		}
		defer resp.Body.Close()
		if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
			t.Fatalf("unexpected content type %q", ct)
		}
		var res jsonrpc.Response
		if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if res.Error != nil || len(res.Result) == 0 {
			t.Fatalf("unexpected response %+v", res)
		}
	})

	t.Run("Session errors map to HTTP status", func(t *testing.T) {
		server, _ := newTestServer()
		srv := mustServer(t, server)
		list := &jsonrpc.Request{JSONRPCVersion: jsonrpc.ProtocolVersion, Method: string(mcp.ToolsListMethod), ID: jsonrpc.NewRequestID(3)}

		cases := []struct {
			name    string
			session string
			status  int
			message string
		}{
			{"missing", "", http.StatusBadRequest, "missing session id"},
			{"unknown", "nope", http.StatusNotFound, "session not found"},
		}
		for _, tc := range cases {
			t.Run(tc.name, func(t *testing.T) {
				resp, err := doPostMCP(t, srv, tc.session, list)
				if err != nil {
					t.Fatalf("post: %v", err)
				}
				defer resp.Body.Close()
				if resp.StatusCode != tc.status {
					t.Fatalf("status: want %d got %d", tc.status, resp.StatusCode)
				}
				var res jsonrpc.Response
				if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
					t.Fatalf("decode: %v", err)
				}
				if res.Error == nil || res.Error.Code != jsonrpc.ErrorCodeInvalidRequest || res.Error.Message != tc.message {
					t.Fatalf("unexpected error body %+v", res.Error)
				}
			})
		}
	})

	t.Run("Rejects non-JSON content type", func(t *testing.T) {
		server, _ := newTestServer()
		srv := mustServer(t, server)
		req, _ := http.NewRequest(http.MethodPost, srv.URL+"/", strings.NewReader("hello"))
		req.Header.Set("Content-Type", "text/plain")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("post: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusUnsupportedMediaType {
			t.Fatalf("status: want %d got %d", http.StatusUnsupportedMediaType, resp.StatusCode)
		}
	})

	t.Run("Rejects oversized bodies", func(t *testing.T) {
		server, _ := newTestServer()
		srv := mustServer(t, server, withHandlerOption(streaminghttp.WithMaxBodyBytes(64)))
		resp, err := doPostMCP(t, srv, "", &jsonrpc.Request{
			JSONRPCVersion: jsonrpc.ProtocolVersion,
			Method:         string(mcp.PingMethod),
			Params:         mustJSON(map[string]string{"pad": strings.Repeat("x", 256)}),
			ID:             jsonrpc.NewRequestID(9),
		})
		if err != nil {
			t.Fatalf("post: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusRequestEntityTooLarge {
			t.Fatalf("status: want %d got %d", http.StatusRequestEntityTooLarge, resp.StatusCode)
		}
	})

	t.Run("Batch arrays are invalid requests", func(t *testing.T) {
		server, _ := newTestServer()
		srv := mustServer(t, server)
		req, _ := http.NewRequest(http.MethodPost, srv.URL+"/", strings.NewReader(`[{"jsonrpc":"2.0","id":1,"method":"ping"}]`))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("post: %v", err)
		}
		defer resp.Body.Close()
		var res jsonrpc.Response
		if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if res.Error == nil || res.Error.Code != jsonrpc.ErrorCodeInvalidRequest {
			t.Fatalf("unexpected response %+v", res)
		}
	})

	t.Run("Protocol version mismatch", func(t *testing.T) {
		server, _ := newTestServer()
		srv := mustServer(t, server)
		sessID := mustSession(t, srv)

		body, _ := json.Marshal(&jsonrpc.Request{JSONRPCVersion: jsonrpc.ProtocolVersion, Method: string(mcp.ToolsListMethod), ID: jsonrpc.NewRequestID(4)})
		req, _ := http.NewRequest(http.MethodPost, srv.URL+"/", bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("mcp-session-id", sessID)
		req.Header.Set("mcp-protocol-version", "2024-11-05")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("post: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("status: want %d got %d", http.StatusBadRequest, resp.StatusCode)
		}
	})

	t.Run("GET stream delivers list_changed", func(t *testing.T) {
		server, tools := newTestServer()
		srv := mustServer(t, server)
		sessID := mustSession(t, srv)

		ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
		defer cancel()
		resp, ch := startGetStream(t, ctx, srv, sessID, "")
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("GET status: want %d got %d", http.StatusOK, resp.StatusCode)
		}

		var n int
		evt := waitForListChanged(t, ctx, ch, func() {
			n++
			tools.Register(echoTool(fmt.Sprintf("echo-%d", n)))
		})
		if evt.id == "" {
			t.Fatalf("notification event carries no id")
		}
	})

	t.Run("GET stream resumes after Last-Event-ID", func(t *testing.T) {
		server, tools := newTestServer()
		srv := mustServer(t, server)
		sessID := mustSession(t, srv)

		ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
		defer cancel()

		firstCtx, stopFirst := context.WithCancel(ctx)
		resp, ch := startGetStream(t, firstCtx, srv, sessID, "")
		var n int
		trigger := func() {
			n++
			tools.Register(echoTool(fmt.Sprintf("echo-%d", n)))
		}
		first := waitForListChanged(t, ctx, ch, trigger)
		stopFirst()
		resp.Body.Close()

		// Published while no stream is attached.
		trigger()

		resp2, ch2 := startGetStream(t, ctx, srv, sessID, first.id)
		defer resp2.Body.Close()
		select {
		case evt, ok := <-ch2:
			if !ok {
				t.Fatalf("resumed stream closed before any event")
			}
			if evt.id == "" || evt.id == first.id {
				t.Fatalf("resumed stream replayed %q after %q", evt.id, first.id)
			}
		case <-ctx.Done():
			t.Fatalf("timeout waiting for replayed event")
		}
	})

	t.Run("GET requires a known session", func(t *testing.T) {
		server, _ := newTestServer()
		srv := mustServer(t, server)
		for sessID, want := range map[string]int{"": http.StatusBadRequest, "nope": http.StatusNotFound} {
			req, _ := http.NewRequest(http.MethodGet, srv.URL+"/", nil)
			req.Header.Set("Accept", "text/event-stream")
			if sessID != "" {
				req.Header.Set("mcp-session-id", sessID)
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			resp.Body.Close()
			if resp.StatusCode != want {
				t.Fatalf("session %q: want %d got %d", sessID, want, resp.StatusCode)
			}
		}
	})

	t.Run("DELETE closes the session", func(t *testing.T) {
		server, _ := newTestServer()
		srv := mustServer(t, server)
		sessID := mustSession(t, srv)

		ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
		defer cancel()
		streamResp, ch := startGetStream(t, ctx, srv, sessID, "")
		defer streamResp.Body.Close()

		if got := doDelete(t, srv, sessID); got != http.StatusNoContent {
			t.Fatalf("delete status: want %d got %d", http.StatusNoContent, got)
		}
		if got := doDelete(t, srv, sessID); got != http.StatusNotFound {
			t.Fatalf("second delete status: want %d got %d", http.StatusNotFound, got)
		}

		// The open stream ends once its session is gone.
		select {
		case _, ok := <-ch:
			if ok {
				t.Fatalf("unexpected event on closed session")
			}
		case <-ctx.Done():
			t.Fatalf("stream did not end after delete")
		}

		list := &jsonrpc.Request{JSONRPCVersion: jsonrpc.ProtocolVersion, Method: string(mcp.ToolsListMethod), ID: jsonrpc.NewRequestID(5)}
		resp, err := doPostMCP(t, srv, sessID, list)
		if err != nil {
			t.Fatalf("post: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusNotFound {
			t.Fatalf("post after delete: want %d got %d", http.StatusNotFound, resp.StatusCode)
		}
	})
}

func TestNewValidatesEndpoint(t *testing.T) {
	server, _ := newTestServer()
	mgr := sessions.NewManager(memoryhost.New())
	for _, endpoint := range []string{"ftp://example.com/mcp", "://bad"} {
		if _, err := streaminghttp.New(t.Context(), endpoint, mgr, server); err == nil {
			t.Fatalf("endpoint %q: expected error", endpoint)
		}
	}
	if _, err := streaminghttp.New(t.Context(), "http://example.com/mcp", nil, server); err == nil {
		t.Fatalf("expected error for nil manager")
	}
}

// ============================================================================
// Logging Utility
// ============================================================================

// logBridge is an implementation of slog.Handler that works
// with the stdlib testing pkg.
type logBridge struct {
	slog.Handler
	t   testing.TB
	buf *bytes.Buffer
	mu  *sync.Mutex
}

// Handle implements slog.Handler.
func (b *logBridge) Handle(ctx context.Context, rec slog.Record) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	err := b.Handler.Handle(ctx, rec)
	if err != nil {
		return err
	}

	output, err := io.ReadAll(b.buf)
	if err != nil {
		return err
	}

	// The output comes back with a newline, which we need to
	// trim before feeding to t.Log.
	output = bytes.TrimSuffix(output, []byte("\n"))

	b.t.Helper()
	b.t.Log(string(output))

	return nil
}

// WithAttrs implements slog.Handler.
func (b *logBridge) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &logBridge{
		t:       b.t,
		buf:     b.buf,
		mu:      b.mu,
		Handler: b.Handler.WithAttrs(attrs),
	}
}

// WithGroup implements slog.Handler.
func (b *logBridge) WithGroup(name string) slog.Handler {
	return &logBridge{
		t:       b.t,
		buf:     b.buf,
		mu:      b.mu,
		Handler: b.Handler.WithGroup(name),
	}
}

func testLogHandler(t *testing.T) *logBridge {
	b := &logBridge{
		t:   t,
		buf: &bytes.Buffer{},
		mu:  &sync.Mutex{},
	}
	b.Handler = slog.NewTextHandler(b.buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	return b
}

// ============================================================================
// Test Server Utility
// ============================================================================

type serverOption func(*serverConfig)

type serverConfig struct {
	host    sessions.NotificationHost
	logger  *slog.Logger
	options []streaminghttp.Option
}

func withHandlerOption(opt streaminghttp.Option) serverOption {
	return func(c *serverConfig) { c.options = append(c.options, opt) }
}

func mustServer(t *testing.T, server *mcpservice.Server, options ...serverOption) *httptest.Server {
	t.Helper()
	cfg := &serverConfig{
		host:   memoryhost.New(),
		logger: slog.New(testLogHandler(t)),
	}
	for _, opt := range options {
		opt(cfg)
	}

	var handler http.Handler
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handler.ServeHTTP(w, r)
	}))
	t.Cleanup(srv.Close)

	mgr := sessions.NewManager(cfg.host, sessions.WithManagerLogger(cfg.logger))
	opts := append([]streaminghttp.Option{streaminghttp.WithLogger(cfg.logger)}, cfg.options...)
	h, err := streaminghttp.New(t.Context(), srv.URL+"/", mgr, server, opts...)
	if err != nil {
		t.Fatalf("new handler: %v", err)
	}
	handler = h
	return srv
}

type sseEvent struct {
	event string
	id    string
	data  json.RawMessage
}

// doPostMCP performs the HTTP POST with required headers and returns the raw response.
func doPostMCP(t *testing.T, srv *httptest.Server, sessionID string, req *jsonrpc.Request) (*http.Response, error) {
	t.Helper()
	body, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	httpReq, err := http.NewRequest(http.MethodPost, srv.URL+"/", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	httpReq.Header.Set("Accept", "application/json, text/event-stream")
	httpReq.Header.Set("Content-Type", "application/json")
	if sessionID != "" {
		httpReq.Header.Set("mcp-session-id", sessionID)
		httpReq.Header.Set("MCP-Protocol-Version", "2025-06-18")
	}
	return http.DefaultClient.Do(httpReq)
}

// mustPostMCP posts and parses a response. If the response is an SSE stream
// it reads exactly one event. Otherwise it reads the full body as a single
// JSON payload.
func mustPostMCP(t *testing.T, srv *httptest.Server, sessionID string, req *jsonrpc.Request) (*http.Response, sseEvent) {
	t.Helper()
	resp, err := doPostMCP(t, srv, sessionID, req)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		return resp, sseEvent{}
	}
	if ct := resp.Header.Get("Content-Type"); strings.HasPrefix(ct, "text/event-stream") {
		evt, err := readOneSSE(resp.Body)
		if err != nil {
			t.Fatalf("read sse: %v", err)
		}
		return resp, evt
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, sseEvent{data: body}
}

func doDelete(t *testing.T, srv *httptest.Server, sessionID string) int {
	t.Helper()
	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/", nil)
	req.Header.Set("mcp-session-id", sessionID)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	resp.Body.Close()
	return resp.StatusCode
}

func readOneSSE(r io.Reader) (sseEvent, error) {
	for ev, err := range sse.Read(r, nil) {
		if err != nil {
			return sseEvent{}, err
		}
		return sseEvent{event: ev.Type, id: ev.LastEventID, data: json.RawMessage(ev.Data)}, nil
	}
	return sseEvent{}, io.ErrUnexpectedEOF
}

// startGetStream opens a GET stream and forwards its events to the returned
// channel, which is closed when the stream ends.
func startGetStream(t *testing.T, ctx context.Context, srv *httptest.Server, sessionID, lastEventID string) (*http.Response, <-chan sseEvent) {
	t.Helper()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/", nil)
	if err != nil {
		t.Fatalf("new get req: %v", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("mcp-session-id", sessionID)
	if lastEventID != "" {
		req.Header.Set("Last-Event-ID", lastEventID)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do get: %v", err)
	}
	ch := make(chan sseEvent, 16)
	go func() {
		defer close(ch)
		for ev, err := range sse.Read(resp.Body, nil) {
			if err != nil {
				if !errors.Is(err, context.Canceled) && !errors.Is(err, io.EOF) {
					t.Logf("sse read: %v", err)
				}
				return
			}
			ch <- sseEvent{event: ev.Type, id: ev.LastEventID, data: json.RawMessage(ev.Data)}
		}
	}()
	return resp, ch
}

func mustUnmarshalJSON[T any](t *testing.T, data []byte, v *T) {
	t.Helper()
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("unmarshal json: %v\ninput: %s", err, string(data))
	}
}

func mustJSON(v any) json.RawMessage {
	b, _ := json.Marshal(v)
	return b
}

// waitForListChanged retriggers a registry change until a list_changed
// notification arrives on ch, and returns that event.
func waitForListChanged(t *testing.T, ctx context.Context, ch <-chan sseEvent, trigger func()) sseEvent {
	t.Helper()

	// Retry so the stream has time to attach before the first change lands.
	ticker := time.NewTicker(25 * time.Millisecond)
	defer ticker.Stop()

	expected := map[string]struct{}{
		string(mcp.ResourcesListChangedNotificationMethod): {},
		string(mcp.ToolsListChangedNotificationMethod):     {},
		string(mcp.PromptsListChangedNotificationMethod):   {},
	}

	for {
		select {
		case <-ctx.Done():
			t.Fatalf("timeout waiting for list_changed notification: %v", ctx.Err())
		case evt, ok := <-ch:
			if !ok {
				t.Fatalf("event channel closed before notification")
			}
			var msg jsonrpc.Request
			if err := json.Unmarshal(evt.data, &msg); err != nil {
				t.Fatalf("decode event: %v data=%s", err, string(evt.data))
			}
			if _, ok := expected[msg.Method]; ok {
				return evt
			}
		case <-ticker.C:
			trigger()
		}
	}
}
