package stdio

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/ggoodman/mcp-engine-go/internal/engine"
	"github.com/ggoodman/mcp-engine-go/mcp"
	"github.com/ggoodman/mcp-engine-go/mcpservice"
	"github.com/ggoodman/mcp-engine-go/sessions"
)

// Handler is a single-connection stdio transport that reads JSON-RPC messages
// from an io.Reader and writes responses and notifications to an io.Writer.
// By default, it uses os.Stdin and os.Stdout.
type Handler struct {
	r   io.Reader
	w   io.Writer
	log *slog.Logger

	handlerTimeout time.Duration

	mgr *sessions.Manager
	srv *mcpservice.Server

	wmu sync.Mutex

	sessMu       sync.Mutex
	sessionID    string
	streamCancel context.CancelFunc
	streamDone   chan struct{}
}

// NewHandler constructs a stdio Handler with defaults and applies options.
func NewHandler(mgr *sessions.Manager, srv *mcpservice.Server, opts ...Option) *Handler {
	h := &Handler{
		r:   os.Stdin,
		w:   os.Stdout,
		log: slog.Default(),
		mgr: mgr,
		srv: srv,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Serve runs the stdio event loop until EOF on the reader or the context is
// canceled. It is safe to call at most once per Handler. EOF closes the
// active session and returns nil.
func (h *Handler) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	eng := engine.NewEngine(h.mgr, h.srv,
		engine.WithLogger(h.log),
		engine.WithHandlerTimeout(h.handlerTimeout),
	)

	runDone := make(chan error, 1)
	go func() { runDone <- eng.Run(ctx) }()

	lines := make(chan []byte)
	readErr := make(chan error, 1)
	go h.readLines(ctx.Done(), lines, readErr)

	h.log.InfoContext(ctx, "stdio.serve.start")

	var wg sync.WaitGroup
	var serveErr error
loop:
	for {
		select {
		case <-ctx.Done():
			serveErr = ctx.Err()
			break loop
		case err := <-runDone:
			serveErr = ctx.Err()
			if serveErr == nil {
				serveErr = fmt.Errorf("engine stopped: %w", err)
			}
			break loop
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-readErr:
					if err != nil {
						serveErr = fmt.Errorf("read stdin: %w", err)
					}
				default:
					serveErr = ctx.Err()
				}
				break loop
			}
			h.handleLine(ctx, eng, line, &wg)
		}
	}

	wg.Wait()
	h.closeSession(context.WithoutCancel(ctx), eng)
	cancel()

	if serveErr != nil {
		h.log.InfoContext(ctx, "stdio.serve.stop", slog.String("err", serveErr.Error()))
	} else {
		h.log.InfoContext(ctx, "stdio.serve.stop")
	}
	return serveErr
}

func (h *Handler) readLines(stop <-chan struct{}, out chan<- []byte, errc chan<- error) {
	defer close(out)
	br := bufio.NewReader(h.r)
	for {
		line, err := br.ReadBytes('\n')
		if len(bytes.TrimSpace(line)) > 0 {
			select {
			case out <- line:
			case <-stop:
				return
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) {
				err = nil
			}
			errc <- err
			return
		}
	}
}

// handleLine dispatches one message. initialize runs inline because it
// determines the session of every later message; everything else runs
// concurrently.
func (h *Handler) handleLine(ctx context.Context, eng *engine.Engine, line []byte, wg *sync.WaitGroup) {
	var peek struct {
		Method string `json:"method"`
	}
	_ = json.Unmarshal(line, &peek)

	if peek.Method == string(mcp.InitializeMethod) {
		out := eng.Dispatch(ctx, h.currentSession(), line)
		if out.Kind == engine.OutcomeResponse && out.Response.Error == nil && out.SessionID != "" {
			h.switchSession(ctx, eng, out.SessionID)
		}
		h.writeOutcome(ctx, out)
		return
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		h.writeOutcome(ctx, eng.Dispatch(ctx, h.currentSession(), line))
	}()
}

func (h *Handler) writeOutcome(ctx context.Context, out *engine.Outcome) {
	if out.Kind == engine.OutcomeAccepted || out.Response == nil {
		return
	}
	b, err := json.Marshal(out.Response)
	if err != nil {
		h.log.ErrorContext(ctx, "stdio.write.marshal.fail", slog.String("err", err.Error()))
		return
	}
	if err := h.writeLine(b); err != nil {
		h.log.ErrorContext(ctx, "stdio.write.fail", slog.String("err", err.Error()))
	}
}

func (h *Handler) writeLine(b []byte) error {
	h.wmu.Lock()
	defer h.wmu.Unlock()
	if _, err := h.w.Write(b); err != nil {
		return err
	}
	_, err := h.w.Write([]byte{'\n'})
	return err
}

func (h *Handler) currentSession() string {
	h.sessMu.Lock()
	defer h.sessMu.Unlock()
	return h.sessionID
}

// switchSession makes sessionID the connection's session, closing any
// previous one, and starts forwarding its notifications to the writer.
func (h *Handler) switchSession(ctx context.Context, eng *engine.Engine, sessionID string) {
	h.closeSession(ctx, eng)

	streamCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	h.sessMu.Lock()
	h.sessionID = sessionID
	h.streamCancel = cancel
	h.streamDone = done
	h.sessMu.Unlock()

	go func() {
		defer close(done)
		err := eng.StreamSession(streamCtx, sessionID, "", func(ctx context.Context, _ string, msg []byte) error {
			return h.writeLine(msg)
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			h.log.WarnContext(ctx, "stdio.stream.fail", slog.String("session_id", sessionID), slog.String("err", err.Error()))
		}
	}()
}

func (h *Handler) closeSession(ctx context.Context, eng *engine.Engine) {
	h.sessMu.Lock()
	sessionID, cancel, done := h.sessionID, h.streamCancel, h.streamDone
	h.sessionID, h.streamCancel, h.streamDone = "", nil, nil
	h.sessMu.Unlock()

	if sessionID == "" {
		return
	}
	if err := eng.DeleteSession(ctx, sessionID); err != nil && !errors.Is(err, sessions.ErrSessionNotFound) {
		h.log.WarnContext(ctx, "stdio.session.close.fail", slog.String("err", err.Error()))
	}
	cancel()
	<-done
}
