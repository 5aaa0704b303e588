package streaminghttp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/ggoodman/mcp-engine-go/internal/engine"
	"github.com/ggoodman/mcp-engine-go/internal/jsonrpc"
	"github.com/ggoodman/mcp-engine-go/internal/logctx"
	"github.com/ggoodman/mcp-engine-go/mcpservice"
	"github.com/ggoodman/mcp-engine-go/sessions"
	"github.com/google/uuid"
	"github.com/tmaxmax/go-sse"
)

var (
	_ http.Handler = (*StreamingHTTPHandler)(nil)
)

var (
	jsonMediaType         = contenttype.NewMediaType("application/json")
	eventStreamMediaType  = contenttype.NewMediaType("text/event-stream")
	eventStreamMediaTypes = []contenttype.MediaType{eventStreamMediaType}
	// Response framings for POST, in order of preference.
	postResponseMediaTypes = []contenttype.MediaType{eventStreamMediaType, jsonMediaType}
)

const (
	lastEventIDHeader        = "Last-Event-ID"
	mcpSessionIDHeader       = "Mcp-Session-Id"
	mcpProtocolVersionHeader = "Mcp-Protocol-Version"

	defaultMaxBodyBytes int64 = 4 << 20
)

// writeJSONError emits a minimal JSON body for HTTP-layer rejections made
// before a JSON-RPC exchange is possible. Shape:
// {"error":{"code":<httpStatus>,"message":"<reason>"}}
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"code": status, "message": msg}})
}

// Option configures the StreamingHTTPHandler.
type Option func(*newConfig)

type newConfig struct {
	logger         *slog.Logger
	handlerTimeout time.Duration
	maxBodyBytes   int64
}

// WithLogger sets the logger used by the handler and its engine.
func WithLogger(l *slog.Logger) Option {
	return func(c *newConfig) { c.logger = l }
}

// WithHandlerTimeout bounds every method handler invocation.
func WithHandlerTimeout(d time.Duration) Option {
	return func(c *newConfig) { c.handlerTimeout = d }
}

// WithMaxBodyBytes caps the size of POST bodies. Larger bodies are rejected
// with 413.
func WithMaxBodyBytes(n int64) Option {
	return func(c *newConfig) {
		if n > 0 {
			c.maxBodyBytes = n
		}
	}
}

// StreamingHTTPHandler implements the streamable HTTP transport of the Model
// Context Protocol on top of the protocol engine.
type StreamingHTTPHandler struct {
	mux          *http.ServeMux
	log          *slog.Logger
	eng          *engine.Engine
	maxBodyBytes int64
}

// New constructs a StreamingHTTPHandler serving server at publicEndpoint,
// the externally visible URL of the MCP endpoint (only its path is used for
// routing). Sessions are tracked by mgr. Background work (session expiry and
// list_changed broadcasts) runs until ctx ends.
func New(ctx context.Context, publicEndpoint string, mgr *sessions.Manager, server *mcpservice.Server, opts ...Option) (*StreamingHTTPHandler, error) {
	if server == nil {
		return nil, fmt.Errorf("server is required")
	}
	if mgr == nil {
		return nil, fmt.Errorf("session manager is required")
	}

	mcpURL, err := url.Parse(publicEndpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid server URL %q: %w", publicEndpoint, err)
	}
	if mcpURL.Scheme != "https" && mcpURL.Scheme != "http" {
		return nil, fmt.Errorf("server URL must use HTTP or HTTPS scheme, got %q", mcpURL.Scheme)
	}

	cfg := &newConfig{logger: slog.Default(), maxBodyBytes: defaultMaxBodyBytes}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.logger == nil {
		cfg.logger = slog.Default()
	}

	h := &StreamingHTTPHandler{
		log:          logctx.NewLogger(cfg.logger.Handler()),
		maxBodyBytes: cfg.maxBodyBytes,
	}
	h.eng = engine.NewEngine(mgr, server, engine.WithLogger(h.log), engine.WithHandlerTimeout(cfg.handlerTimeout))
	go func() {
		if err := h.eng.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			h.log.Error("engine.run.fail", slog.String("err", err.Error()))
		}
	}()

	path := pathOnly(mcpURL)
	mux := http.NewServeMux()
	mux.HandleFunc(fmt.Sprintf("POST %s", path), h.handlePostMCP)
	mux.HandleFunc(fmt.Sprintf("GET %s", path), h.handleGetMCP)
	mux.HandleFunc(fmt.Sprintf("DELETE %s", path), h.handleDeleteMCP)
	h.mux = mux
	return h, nil
}

// pathOnly returns just the URL path or "/" if empty.
func pathOnly(u *url.URL) string {
	if u == nil || u.Path == "" {
		return "/"
	}
	return u.Path
}

func (h *StreamingHTTPHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r.WithContext(logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  uuid.NewString(),
		Method:     r.Method,
		UserAgent:  r.UserAgent(),
		RemoteAddr: r.RemoteAddr,
		Path:       r.URL.Path,
	})))
}

// checkProtocolVersion rejects requests whose mcp-protocol-version header
// disagrees with the version negotiated for the session. It reports whether
// the request may proceed.
func (h *StreamingHTTPHandler) checkProtocolVersion(ctx context.Context, w http.ResponseWriter, r *http.Request, sess *sessions.Session) bool {
	pv := r.Header.Get(mcpProtocolVersionHeader)
	if pv == "" || sess.ProtocolVersion() == "" || pv == sess.ProtocolVersion() {
		return true
	}
	writeJSONError(w, http.StatusBadRequest, "protocol version mismatch")
	h.log.WarnContext(ctx, "protocol.version.mismatch", slog.String("client_version", pv))
	return false
}

// handlePostMCP carries one JSON-RPC message from the client. initialize
// creates a session whose id is returned in the mcp-session-id header.
func (h *StreamingHTTPHandler) handlePostMCP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	h.log.InfoContext(ctx, "http.post.start")

	ctype, err := contenttype.GetMediaType(r)
	if err != nil || !ctype.Matches(jsonMediaType) {
		writeJSONError(w, http.StatusUnsupportedMediaType, "content-type must be application/json")
		h.log.WarnContext(ctx, "content_type.unsupported")
		return
	}

	// An absent Accept header means either framing is fine.
	framing := eventStreamMediaType
	if r.Header.Get("Accept") != "" {
		framing, _, err = contenttype.GetAcceptableMediaType(r, postResponseMediaTypes)
		if err != nil {
			writeJSONError(w, http.StatusNotAcceptable, "accept must allow application/json or text/event-stream")
			h.log.WarnContext(ctx, "accept.unsupported", slog.String("accept", r.Header.Get("Accept")))
			return
		}
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSONError(w, http.StatusRequestEntityTooLarge, "request body too large")
		} else {
			writeJSONError(w, http.StatusBadRequest, "failed to read request body")
		}
		h.log.WarnContext(ctx, "http.body.read.fail", slog.String("err", err.Error()))
		return
	}

	sessID := r.Header.Get(mcpSessionIDHeader)
	if sessID != "" {
		if sess, err := h.eng.LookupSession(ctx, sessID); err == nil {
			ctx = logctx.WithSessionData(ctx, logctx.SessionDataFrom(sess))
			if !h.checkProtocolVersion(ctx, w, r, sess) {
				return
			}
		}
	}

	out := h.eng.Dispatch(ctx, sessID, body)

	if out.SessionID != "" {
		w.Header().Set(mcpSessionIDHeader, out.SessionID)
	}
	if out.ProtocolVersion != "" {
		w.Header().Set(mcpProtocolVersionHeader, out.ProtocolVersion)
	}

	switch out.Kind {
	case engine.OutcomeAccepted:
		w.WriteHeader(http.StatusAccepted)
		h.log.InfoContext(ctx, "http.post.accepted", slog.Int64("dur_ms", time.Since(start).Milliseconds()))
		return
	case engine.OutcomeSessionError:
		status := http.StatusNotFound
		if out.MissingSession {
			status = http.StatusBadRequest
		}
		h.writeJSONResponse(ctx, w, status, out.Response)
		h.log.InfoContext(ctx, "http.post.session_error", slog.Int("status", status))
		return
	}

	if framing.Matches(eventStreamMediaType) {
		if err := h.writeSSEResponse(w, r, out.Response); err != nil {
			h.log.ErrorContext(ctx, "sse.write.fail", slog.String("err", err.Error()))
			return
		}
	} else {
		h.writeJSONResponse(ctx, w, http.StatusOK, out.Response)
	}
	h.log.InfoContext(ctx, "http.post.ok", slog.Int64("dur_ms", time.Since(start).Milliseconds()))
}

func (h *StreamingHTTPHandler) writeJSONResponse(ctx context.Context, w http.ResponseWriter, status int, res *jsonrpc.Response) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(res); err != nil {
		h.log.ErrorContext(ctx, "http.response.write.fail", slog.String("err", err.Error()))
	}
}

// writeSSEResponse frames res as a single SSE message event. The event has no
// id because it is not part of the session's replayable notification stream.
func (h *StreamingHTTPHandler) writeSSEResponse(w http.ResponseWriter, r *http.Request, res *jsonrpc.Response) error {
	b, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("marshal response: %w", err)
	}
	w.Header().Set("X-Accel-Buffering", "no")
	sess, err := sse.Upgrade(w, r)
	if err != nil {
		return fmt.Errorf("upgrade: %w", err)
	}
	msg := &sse.Message{Type: sse.Type("message")}
	msg.AppendData(string(b))
	if err := sess.Send(msg); err != nil {
		return err
	}
	return sess.Flush()
}

// handleGetMCP streams the session's notifications as SSE, resuming after
// Last-Event-ID when the client supplies one.
func (h *StreamingHTTPHandler) handleGetMCP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	if _, _, err := contenttype.GetAcceptableMediaType(r, eventStreamMediaTypes); err != nil {
		writeJSONError(w, http.StatusNotAcceptable, "accept must allow text/event-stream")
		h.log.WarnContext(ctx, "http.get.unsupported_media_type")
		return
	}

	sessID := r.Header.Get(mcpSessionIDHeader)
	if sessID == "" {
		writeJSONError(w, http.StatusBadRequest, "missing session id")
		h.log.WarnContext(ctx, "session.id.missing")
		return
	}
	sess, err := h.eng.LookupSession(ctx, sessID)
	if err != nil {
		writeJSONError(w, http.StatusNotFound, "session not found")
		h.log.InfoContext(ctx, "session.load.miss")
		return
	}
	ctx = logctx.WithSessionData(ctx, logctx.SessionDataFrom(sess))
	if !h.checkProtocolVersion(ctx, w, r, sess) {
		return
	}

	if spv := sess.ProtocolVersion(); spv != "" {
		w.Header().Set(mcpProtocolVersionHeader, spv)
	}
	w.Header().Set("X-Accel-Buffering", "no")
	stream, err := sse.Upgrade(w, r)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "streaming unsupported")
		h.log.ErrorContext(ctx, "sse.upgrade.fail", slog.String("err", err.Error()))
		return
	}
	if err := stream.Flush(); err != nil {
		h.log.ErrorContext(ctx, "sse.flush.fail", slog.String("err", err.Error()))
		return
	}
	h.log.InfoContext(ctx, "sse.stream.start")

	deliver := func(cbCtx context.Context, msgID string, payload []byte) error {
		msg := &sse.Message{ID: sse.ID(msgID), Type: sse.Type("message")}
		msg.AppendData(string(payload))
		if err := stream.Send(msg); err != nil {
			return err
		}
		if err := stream.Flush(); err != nil {
			return err
		}
		h.log.DebugContext(cbCtx, "sse.message.deliver", slog.String("event_id", msgID))
		return nil
	}

	lastEventID := r.Header.Get(lastEventIDHeader)
	err = h.eng.StreamSession(ctx, sessID, lastEventID, deliver)
	if errors.Is(err, sessions.ErrUnknownEventID) {
		// The id is unknown or was trimmed; continue with new events only.
		h.log.WarnContext(ctx, "sse.stream.resume.reset", slog.String("last_event_id", lastEventID))
		err = h.eng.StreamSession(ctx, sessID, "", deliver)
	}
	switch {
	case err == nil:
		h.log.InfoContext(ctx, "sse.stream.end", slog.Int64("dur_ms", time.Since(start).Milliseconds()))
	case errors.Is(err, context.Canceled), errors.Is(err, sessions.ErrSessionNotFound):
		h.log.InfoContext(ctx, "sse.stream.done", slog.Int64("dur_ms", time.Since(start).Milliseconds()))
	default:
		h.log.ErrorContext(ctx, "sse.stream.fail", slog.String("err", err.Error()))
	}
}

// handleDeleteMCP terminates a session.
func (h *StreamingHTTPHandler) handleDeleteMCP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	h.log.InfoContext(ctx, "http.delete.start")

	sessID := r.Header.Get(mcpSessionIDHeader)
	if sessID == "" {
		writeJSONError(w, http.StatusBadRequest, "missing session id")
		h.log.WarnContext(ctx, "delete.missing_session_id")
		return
	}
	sess, err := h.eng.LookupSession(ctx, sessID)
	if err != nil {
		writeJSONError(w, http.StatusNotFound, "session not found")
		h.log.InfoContext(ctx, "session.delete.miss")
		return
	}
	ctx = logctx.WithSessionData(ctx, logctx.SessionDataFrom(sess))
	if !h.checkProtocolVersion(ctx, w, r, sess) {
		return
	}

	if err := h.eng.DeleteSession(ctx, sessID); err != nil {
		if errors.Is(err, sessions.ErrSessionNotFound) {
			writeJSONError(w, http.StatusNotFound, "session not found")
			h.log.InfoContext(ctx, "session.delete.miss")
			return
		}
		writeJSONError(w, http.StatusInternalServerError, "failed to delete session")
		h.log.ErrorContext(ctx, "session.delete.fail", slog.String("err", err.Error()))
		return
	}

	if spv := sess.ProtocolVersion(); spv != "" {
		w.Header().Set(mcpProtocolVersionHeader, spv)
	}
	w.WriteHeader(http.StatusNoContent)
	h.log.InfoContext(ctx, "http.delete.ok", slog.Int64("dur_ms", time.Since(start).Milliseconds()))
}
