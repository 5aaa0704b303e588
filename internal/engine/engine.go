package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ggoodman/mcp-engine-go/internal/jsonrpc"
	"github.com/ggoodman/mcp-engine-go/internal/logctx"
	"github.com/ggoodman/mcp-engine-go/mcp"
	"github.com/ggoodman/mcp-engine-go/mcpservice"
	"github.com/ggoodman/mcp-engine-go/sessions"
	"golang.org/x/sync/errgroup"
)

// Messages carried by session errors.
const (
	msgMissingSession = "missing session id"
	msgUnknownSession = "session not found"
)

// OutcomeKind tells the transport how to frame a Dispatch result.
type OutcomeKind int

const (
	// OutcomeResponse carries a JSON-RPC response (success or error).
	OutcomeResponse OutcomeKind = iota
	// OutcomeAccepted means the message was a notification; there is no body.
	OutcomeAccepted
	// OutcomeSessionError means the session id was missing or unknown. The
	// Response holds the matching JSON-RPC error and no handler ran.
	OutcomeSessionError
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeResponse:
		return "response"
	case OutcomeAccepted:
		return "accepted"
	case OutcomeSessionError:
		return "session_error"
	default:
		return fmt.Sprintf("OutcomeKind(%d)", int(k))
	}
}

// Outcome is the result of dispatching one inbound message.
type Outcome struct {
	Kind     OutcomeKind
	Response *jsonrpc.Response
	// SessionID is the session the message ran under. After initialize it is
	// the newly created session, which the transport echoes to the client.
	SessionID string
	// ProtocolVersion is the session's negotiated version, when known.
	ProtocolVersion string
	// MissingSession distinguishes an absent id from an unknown one for
	// OutcomeSessionError.
	MissingSession bool
}

// Engine routes JSON-RPC messages to the capability containers of a
// mcpservice.Server under per-session isolation. It is transport agnostic.
type Engine struct {
	srv      *mcpservice.Server
	sessions *sessions.Manager
	log      *slog.Logger

	handlerTimeout time.Duration

	// in-flight request tracking for notifications/cancelled. A client may
	// reuse an id while an earlier request still runs, so every dispatch gets
	// its own token under the key.
	inflightMu   sync.Mutex
	inflight     map[inflightKey]map[uint64]context.CancelCauseFunc
	nextInflight uint64
}

type inflightKey struct {
	sessionID string
	requestID string
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithLogger sets a custom logger for the Engine.
func WithLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

// WithHandlerTimeout bounds the run time of every method handler. Zero (the
// default) leaves handlers bounded only by the request context.
func WithHandlerTimeout(d time.Duration) EngineOption {
	return func(e *Engine) { e.handlerTimeout = d }
}

// NewEngine builds an Engine serving srv with sessions from mgr.
func NewEngine(mgr *sessions.Manager, srv *mcpservice.Server, opts ...EngineOption) *Engine {
	e := &Engine{
		srv:      srv,
		sessions: mgr,
		log:      slog.Default(),
		inflight: make(map[inflightKey]map[uint64]context.CancelCauseFunc),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Sessions returns the session manager.
func (e *Engine) Sessions() *sessions.Manager { return e.sessions }

// Run drives background work until ctx ends: the session janitor and the
// list_changed broadcasters for every configured container.
func (e *Engine) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return e.sessions.Run(gctx) })
	if t := e.srv.Tools(); t != nil {
		g.Go(func() error { return e.watchChanges(gctx, t, mcp.ToolsListChangedNotificationMethod) })
	}
	if p := e.srv.Prompts(); p != nil {
		g.Go(func() error { return e.watchChanges(gctx, p, mcp.PromptsListChangedNotificationMethod) })
	}
	if r := e.srv.Resources(); r != nil {
		g.Go(func() error { return e.watchChanges(gctx, r, mcp.ResourcesListChangedNotificationMethod) })
	}
	err := g.Wait()
	if err == nil || errors.Is(err, context.Canceled) {
		return ctx.Err()
	}
	return err
}

// Dispatch handles one inbound JSON-RPC message. sessionID is the value of
// the transport's session header, or "" when absent. Dispatch never returns
// nil.
func (e *Engine) Dispatch(ctx context.Context, sessionID string, body []byte) *Outcome {
	start := time.Now()

	req, id, perr := jsonrpc.ParseRequest(body)
	if perr != nil {
		e.log.InfoContext(ctx, "engine.dispatch.invalid", slog.Int("code", int(perr.Code)), slog.String("err", perr.Message))
		return &Outcome{Kind: OutcomeResponse, Response: &jsonrpc.Response{JSONRPCVersion: jsonrpc.ProtocolVersion, Error: perr, ID: id}}
	}

	ctx = logctx.WithRPCMessage(ctx, &logctx.RPCMessage{Method: req.Method, ID: req.ID.String(), Type: req.Type()})

	switch mcp.Method(req.Method) {
	case mcp.InitializeMethod:
		return e.handleInitialize(ctx, req, start)
	case mcp.PingMethod:
		return e.handlePing(ctx, sessionID, req)
	}

	if sessionID == "" {
		e.log.InfoContext(ctx, "engine.dispatch.session.missing")
		return sessionError(req, true)
	}
	sess, err := e.sessions.Lookup(ctx, sessionID)
	if err == nil {
		err = e.sessions.Touch(ctx, sessionID)
	}
	if err != nil {
		e.log.InfoContext(ctx, "engine.dispatch.session.unknown", slog.String("session_id", sessionID))
		return sessionError(req, false)
	}
	ctx = logctx.WithSessionData(ctx, logctx.SessionDataFrom(sess))

	out := &Outcome{Kind: OutcomeResponse, SessionID: sess.ID(), ProtocolVersion: sess.ProtocolVersion()}
	if req.IsNotification() {
		e.handleNotification(ctx, sess, req)
		out.Kind = OutcomeAccepted
		return out
	}
	out.Response = e.handleRequest(ctx, sess, req, start)
	return out
}

func sessionError(req *jsonrpc.Request, missing bool) *Outcome {
	msg := msgUnknownSession
	if missing {
		msg = msgMissingSession
	}
	return &Outcome{
		Kind:           OutcomeSessionError,
		Response:       jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidRequest, msg, nil),
		MissingSession: missing,
	}
}

// StreamSession delivers the session's queued notifications to handler in
// order, resuming after lastEventID, until ctx ends or the session closes.
func (e *Engine) StreamSession(ctx context.Context, sessionID, lastEventID string, handler sessions.MessageHandlerFunction) error {
	sess, err := e.sessions.Lookup(ctx, sessionID)
	if err != nil {
		return err
	}
	if err := e.sessions.Touch(ctx, sessionID); err != nil {
		return err
	}
	return sess.Channel().Stream(ctx, lastEventID, handler)
}

// DeleteSession closes the session and cancels its in-flight requests.
func (e *Engine) DeleteSession(ctx context.Context, sessionID string) error {
	if err := e.sessions.Close(ctx, sessionID); err != nil {
		if !errors.Is(err, sessions.ErrSessionNotFound) {
			e.log.ErrorContext(ctx, "engine.delete_session.fail", slog.String("err", err.Error()))
		}
		return err
	}
	e.cancelSessionRequests(sessionID)
	e.log.InfoContext(ctx, "engine.delete_session.ok", slog.String("session_id", sessionID))
	return nil
}

// LookupSession returns the active session with the given id.
func (e *Engine) LookupSession(ctx context.Context, sessionID string) (*sessions.Session, error) {
	return e.sessions.Lookup(ctx, sessionID)
}
