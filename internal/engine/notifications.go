package engine

import (
	"context"
	"errors"
	"log/slog"

	"github.com/ggoodman/mcp-engine-go/mcp"
	"github.com/ggoodman/mcp-engine-go/mcpservice"
	"github.com/ggoodman/mcp-engine-go/sessions"
)

// errRequestCancelled is the cause attached to handlers cancelled by the client.
var errRequestCancelled = errors.New("request cancelled by client")

// watchChanges fans list_changed signals from sub out to every initialized
// session until ctx ends.
func (e *Engine) watchChanges(ctx context.Context, sub mcpservice.ChangeSubscriber, method mcp.Method) error {
	ch := sub.Subscriber()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
			e.broadcast(ctx, string(method))
		}
	}
}

func (e *Engine) broadcast(ctx context.Context, method string) {
	var sent int
	for _, sess := range e.sessions.Active() {
		if !sess.Initialized() {
			continue
		}
		if _, err := sess.Channel().Notify(ctx, method, nil); err != nil {
			if !errors.Is(err, sessions.ErrChannelClosed) {
				e.log.WarnContext(ctx, "engine.broadcast.fail",
					slog.String("method", method),
					slog.String("session_id", sess.ID()),
					slog.String("err", err.Error()))
			}
			continue
		}
		sent++
	}
	e.log.InfoContext(ctx, "engine.broadcast.ok", slog.String("method", method), slog.Int("sessions", sent))
}

// trackRequest registers cancel under key and returns the token that
// untrackRequest needs.
func (e *Engine) trackRequest(key inflightKey, cancel context.CancelCauseFunc) uint64 {
	e.inflightMu.Lock()
	defer e.inflightMu.Unlock()
	e.nextInflight++
	token := e.nextInflight
	if e.inflight[key] == nil {
		e.inflight[key] = make(map[uint64]context.CancelCauseFunc)
	}
	e.inflight[key][token] = cancel
	return token
}

func (e *Engine) untrackRequest(key inflightKey, token uint64) {
	e.inflightMu.Lock()
	defer e.inflightMu.Unlock()
	delete(e.inflight[key], token)
	if len(e.inflight[key]) == 0 {
		delete(e.inflight, key)
	}
}

// cancelRequest cancels every in-flight request with the given key. It
// reports whether any was still running.
func (e *Engine) cancelRequest(key inflightKey, reason string) bool {
	e.inflightMu.Lock()
	cancels := e.inflight[key]
	delete(e.inflight, key)
	e.inflightMu.Unlock()
	if len(cancels) == 0 {
		return false
	}
	cause := errRequestCancelled
	if reason != "" {
		cause = errors.Join(errRequestCancelled, errors.New(reason))
	}
	for _, cancel := range cancels {
		cancel(cause)
	}
	return true
}

func (e *Engine) cancelSessionRequests(sessionID string) {
	e.inflightMu.Lock()
	var cancels []context.CancelCauseFunc
	for key, byToken := range e.inflight {
		if key.sessionID != sessionID {
			continue
		}
		for _, cancel := range byToken {
			cancels = append(cancels, cancel)
		}
		delete(e.inflight, key)
	}
	e.inflightMu.Unlock()
	for _, cancel := range cancels {
		cancel(sessions.ErrSessionNotFound)
	}
}
