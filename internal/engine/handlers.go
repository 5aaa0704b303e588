package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/ggoodman/mcp-engine-go/internal/jsonrpc"
	"github.com/ggoodman/mcp-engine-go/internal/logctx"
	"github.com/ggoodman/mcp-engine-go/mcp"
	"github.com/ggoodman/mcp-engine-go/mcpservice"
	"github.com/ggoodman/mcp-engine-go/registry"
	"github.com/ggoodman/mcp-engine-go/schema"
	"github.com/ggoodman/mcp-engine-go/sessions"
)

type handlerFunc func(ctx context.Context, sess *sessions.Session, req *jsonrpc.Request) (*jsonrpc.Response, error)

func (e *Engine) route(method string) (handlerFunc, bool) {
	switch mcp.Method(method) {
	case mcp.ToolsListMethod:
		if e.srv.Tools() != nil {
			return e.handleToolsList, true
		}
	case mcp.ToolsCallMethod:
		if e.srv.Tools() != nil {
			return e.handleToolCall, true
		}
	case mcp.PromptsListMethod:
		if e.srv.Prompts() != nil {
			return e.handlePromptsList, true
		}
	case mcp.PromptsGetMethod:
		if e.srv.Prompts() != nil {
			return e.handlePromptsGet, true
		}
	case mcp.ResourcesListMethod:
		if e.srv.Resources() != nil {
			return e.handleResourcesList, true
		}
	case mcp.ResourcesReadMethod:
		if e.srv.Resources() != nil {
			return e.handleResourcesRead, true
		}
	case mcp.ResourcesSubscribeMethod:
		if e.srv.Resources() != nil {
			return e.handleResourcesSubscribe, true
		}
	}
	return nil, false
}

// handleRequest runs the routed handler with cancellation tracking, the
// optional handler timeout and panic recovery.
func (e *Engine) handleRequest(ctx context.Context, sess *sessions.Session, req *jsonrpc.Request, start time.Time) (res *jsonrpc.Response) {
	log := e.log.With(slog.String("method", req.Method))

	fn, ok := e.route(req.Method)
	if !ok {
		log.InfoContext(ctx, "engine.handle_request.unsupported", slog.Int64("dur_ms", time.Since(start).Milliseconds()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeMethodNotFound, "method not found", req.Method)
	}

	hctx, cancel := context.WithCancelCause(ctx)
	defer cancel(context.Canceled)
	if e.handlerTimeout > 0 {
		var cancelTimeout context.CancelFunc
		hctx, cancelTimeout = context.WithTimeout(hctx, e.handlerTimeout)
		defer cancelTimeout()
	}
	key := inflightKey{sessionID: sess.ID(), requestID: req.ID.String()}
	token := e.trackRequest(key, cancel)
	defer e.untrackRequest(key, token)

	defer func() {
		if p := recover(); p != nil {
			log.ErrorContext(ctx, "engine.handle_request.panic",
				slog.String("err", fmt.Sprint(p)),
				slog.String("stack", string(debug.Stack())),
				slog.Int64("dur_ms", time.Since(start).Milliseconds()))
			res = jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "internal error", nil)
		}
	}()

	res, err := fn(hctx, sess, req)
	if err != nil {
		res = e.errorResponse(ctx, log, req, err, start)
		return res
	}
	log.InfoContext(ctx, "engine.handle_request.ok", slog.Int64("dur_ms", time.Since(start).Milliseconds()))
	return res
}

// errorResponse maps a handler error onto the JSON-RPC error taxonomy.
func (e *Engine) errorResponse(ctx context.Context, log *slog.Logger, req *jsonrpc.Request, err error, start time.Time) *jsonrpc.Response {
	dur := slog.Int64("dur_ms", time.Since(start).Milliseconds())

	var verr *mcpservice.ValidationError
	var herr *mcpservice.HandlerError
	var rpcErr *jsonrpc.Error
	switch {
	case errors.As(err, &rpcErr):
		log.InfoContext(ctx, "engine.handle_request.invalid", slog.String("err", rpcErr.Message), dur)
		return &jsonrpc.Response{JSONRPCVersion: jsonrpc.ProtocolVersion, Error: rpcErr, ID: req.ID}
	case errors.As(err, &verr):
		log.InfoContext(ctx, "engine.handle_request.invalid", slog.String("err", verr.Error()), dur)
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, verr.Error(), map[string]string{"field": verr.Field})
	case errors.Is(err, registry.ErrInvalidCursor):
		log.InfoContext(ctx, "engine.handle_request.invalid", slog.String("err", err.Error()), dur)
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid cursor", nil)
	case errors.Is(err, mcpservice.ErrToolNotFound), errors.Is(err, mcpservice.ErrPromptNotFound):
		log.InfoContext(ctx, "engine.handle_request.invalid", slog.String("err", err.Error()), dur)
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, err.Error(), nil)
	case errors.Is(err, mcpservice.ErrResourceNotFound):
		log.InfoContext(ctx, "engine.handle_request.not_found", slog.String("err", err.Error()), dur)
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeResourceNotFound, "resource not found", nil)
	case errors.As(err, &herr):
		log.WarnContext(ctx, "engine.handle_request.handler_error", slog.String("err", herr.Msg), dur)
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, herr.Msg, herr.Msg)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		log.InfoContext(ctx, "engine.handle_request.cancelled", slog.String("err", err.Error()), dur)
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "request cancelled", err.Error())
	default:
		log.ErrorContext(ctx, "engine.handle_request.fail", slog.String("err", err.Error()), dur)
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "internal error", nil)
	}
}

func (e *Engine) handleInitialize(ctx context.Context, req *jsonrpc.Request, start time.Time) *Outcome {
	log := e.log.With(slog.String("method", req.Method))
	if req.IsNotification() {
		log.InfoContext(ctx, "engine.handle_request.invalid", slog.String("err", "initialize without id"))
		return &Outcome{Kind: OutcomeResponse, Response: jsonrpc.NewErrorResponse(nil, jsonrpc.ErrorCodeInvalidRequest, "initialize must be a request", nil)}
	}

	var params mcp.InitializeRequest
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			log.InfoContext(ctx, "engine.handle_request.invalid", slog.String("err", err.Error()), slog.Int64("dur_ms", time.Since(start).Milliseconds()))
			return &Outcome{Kind: OutcomeResponse, Response: jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid params", nil)}
		}
	}

	version := mcp.NegotiateProtocolVersion(params.ProtocolVersion)
	sess, err := e.sessions.Create(ctx, sessions.CreateParams{
		ProtocolVersion: version,
		Client:          sessions.ClientInfo{Name: params.ClientInfo.Name, Version: params.ClientInfo.Version},
	})
	if err != nil {
		log.ErrorContext(ctx, "engine.handle_request.fail", slog.String("err", err.Error()))
		return &Outcome{Kind: OutcomeResponse, Response: jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "internal error", nil)}
	}
	ctx = logctx.WithSessionData(ctx, logctx.SessionDataFrom(sess))

	res, err := jsonrpc.NewResultResponse(req.ID, &mcp.InitializeResult{
		ProtocolVersion: version,
		Capabilities:    e.srv.Capabilities(),
		ServerInfo:      e.srv.Info(),
		Instructions:    e.srv.Instructions(),
	})
	if err != nil {
		_ = e.sessions.Close(ctx, sess.ID())
		log.ErrorContext(ctx, "engine.handle_request.fail", slog.String("err", err.Error()))
		return &Outcome{Kind: OutcomeResponse, Response: jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "internal error", nil)}
	}

	log.InfoContext(ctx, "engine.handle_request.ok",
		slog.String("requested_version", params.ProtocolVersion),
		slog.Int64("dur_ms", time.Since(start).Milliseconds()))
	return &Outcome{Kind: OutcomeResponse, Response: res, SessionID: sess.ID(), ProtocolVersion: version}
}

func (e *Engine) handlePing(ctx context.Context, sessionID string, req *jsonrpc.Request) *Outcome {
	out := &Outcome{Kind: OutcomeResponse}
	if sessionID != "" {
		if sess, err := e.sessions.Lookup(ctx, sessionID); err == nil {
			_ = e.sessions.Touch(ctx, sessionID)
			out.SessionID = sess.ID()
			out.ProtocolVersion = sess.ProtocolVersion()
		}
	}
	if req.IsNotification() {
		out.Kind = OutcomeAccepted
		return out
	}
	res, err := jsonrpc.NewResultResponse(req.ID, &mcp.EmptyResult{})
	if err != nil {
		res = jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "internal error", nil)
	}
	out.Response = res
	return out
}

// handleNotification processes client notifications. Unknown notifications
// are ignored.
func (e *Engine) handleNotification(ctx context.Context, sess *sessions.Session, note *jsonrpc.Request) {
	switch mcp.Method(note.Method) {
	case mcp.InitializedNotificationMethod:
		sess.MarkInitialized()
		e.log.InfoContext(ctx, "engine.session.initialized")
	case mcp.CancelledNotificationMethod:
		var params struct {
			RequestID *jsonrpc.RequestID `json:"requestId"`
			Reason    string             `json:"reason,omitempty"`
		}
		if err := json.Unmarshal(note.Params, &params); err != nil || params.RequestID.IsNil() {
			e.log.InfoContext(ctx, "engine.handle_notification.invalid", slog.String("method", note.Method))
			return
		}
		found := e.cancelRequest(inflightKey{sessionID: sess.ID(), requestID: params.RequestID.String()}, params.Reason)
		e.log.InfoContext(ctx, "engine.handle_notification.cancelled", slog.String("request_id", params.RequestID.String()), slog.Bool("found", found))
	default:
		e.log.DebugContext(ctx, "engine.handle_notification.ignored", slog.String("method", note.Method))
	}
}

// decodeListParams reads the optional cursor of a list request. Absent or
// malformed params are treated as no cursor.
func decodeListParams(raw json.RawMessage) *string {
	var params mcp.PaginatedRequest
	if len(raw) == 0 || json.Unmarshal(raw, &params) != nil || params.Cursor == "" {
		return nil
	}
	return &params.Cursor
}

func decodeParams(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return jsonrpc.NewError(jsonrpc.ErrorCodeInvalidParams, "invalid params", "params required")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return jsonrpc.NewError(jsonrpc.ErrorCodeInvalidParams, "invalid params", err.Error())
	}
	return nil
}

func (e *Engine) logWarnings(ctx context.Context, kind string, warnings []schema.Warning) {
	for _, w := range warnings {
		e.log.WarnContext(ctx, "engine.schema.enum.degraded",
			slog.String("kind", kind),
			slog.Int("view", w.View),
			slog.String("field", w.Field),
			slog.String("enum", w.Ref),
			slog.String("err", w.Err.Error()))
	}
}

func (e *Engine) handleToolsList(ctx context.Context, sess *sessions.Session, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	res, warnings, err := e.srv.Tools().ListTools(ctx, e.srv.Renderer(), decodeListParams(req.Params))
	if err != nil {
		return nil, err
	}
	e.logWarnings(ctx, "tool", warnings)
	return jsonrpc.NewResultResponse(req.ID, res)
}

func (e *Engine) handleToolCall(ctx context.Context, sess *sessions.Session, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	var params mcp.CallToolRequestReceived
	if err := decodeParams(req.Params, &params); err != nil {
		return nil, err
	}
	ctx = logctx.WithToolCallData(ctx, &logctx.ToolCallData{ToolName: params.Name})

	res, err := e.srv.Tools().CallTool(ctx, sess, &params)
	if err != nil {
		return nil, err
	}
	if res.IsError {
		e.log.InfoContext(ctx, "engine.tool_call.error_result")
	}
	return jsonrpc.NewResultResponse(req.ID, res)
}

func (e *Engine) handlePromptsList(ctx context.Context, sess *sessions.Session, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	res, warnings, err := e.srv.Prompts().ListPrompts(ctx, e.srv.Renderer(), decodeListParams(req.Params))
	if err != nil {
		return nil, err
	}
	e.logWarnings(ctx, "prompt", warnings)
	return jsonrpc.NewResultResponse(req.ID, res)
}

func (e *Engine) handlePromptsGet(ctx context.Context, sess *sessions.Session, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	var params mcp.GetPromptRequestReceived
	if err := decodeParams(req.Params, &params); err != nil {
		return nil, err
	}
	ctx = logctx.WithPromptData(ctx, &logctx.PromptData{Name: params.Name})
	res, err := e.srv.Prompts().GetPrompt(ctx, sess, &params)
	if err != nil {
		return nil, err
	}
	return jsonrpc.NewResultResponse(req.ID, res)
}

func (e *Engine) handleResourcesList(ctx context.Context, sess *sessions.Session, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	res, err := e.srv.Resources().ListResources(ctx, decodeListParams(req.Params))
	if err != nil {
		return nil, err
	}
	return jsonrpc.NewResultResponse(req.ID, res)
}

func (e *Engine) handleResourcesRead(ctx context.Context, sess *sessions.Session, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	var params mcp.ReadResourceRequest
	if err := decodeParams(req.Params, &params); err != nil {
		return nil, err
	}
	if params.URI == "" {
		return nil, &mcpservice.ValidationError{Field: "uri", Reason: "uri is required"}
	}
	ctx = logctx.WithResourceData(ctx, &logctx.ResourceData{URI: params.URI})
	res, err := e.srv.Resources().ReadResource(ctx, sess, params.URI)
	if err != nil {
		return nil, resourceError(params.URI, err)
	}
	return jsonrpc.NewResultResponse(req.ID, res)
}

func (e *Engine) handleResourcesSubscribe(ctx context.Context, sess *sessions.Session, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	var params mcp.SubscribeRequest
	if err := decodeParams(req.Params, &params); err != nil {
		return nil, err
	}
	if params.URI == "" {
		return nil, &mcpservice.ValidationError{Field: "uri", Reason: "uri is required"}
	}
	ctx = logctx.WithResourceData(ctx, &logctx.ResourceData{URI: params.URI})
	res, err := e.srv.Resources().Subscribe(ctx, sess, params.URI)
	if err != nil {
		return nil, resourceError(params.URI, err)
	}
	return jsonrpc.NewResultResponse(req.ID, res)
}

// resourceError attaches the uri to not-found errors.
func resourceError(uri string, err error) error {
	if errors.Is(err, mcpservice.ErrResourceNotFound) {
		return jsonrpc.NewError(jsonrpc.ErrorCodeResourceNotFound, "resource not found", map[string]string{"uri": uri})
	}
	return err
}
