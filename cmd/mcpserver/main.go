// Command mcpserver serves the demo MCP server over streamable HTTP or, with
// MCP_TRANSPORT=stdio, over stdin/stdout.
//
// Configuration is read from the environment; see package config.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ggoodman/mcp-engine-go/config"
	"github.com/ggoodman/mcp-engine-go/examples/demo"
	"github.com/ggoodman/mcp-engine-go/internal/logctx"
	"github.com/ggoodman/mcp-engine-go/mcp"
	"github.com/ggoodman/mcp-engine-go/mcpservice"
	"github.com/ggoodman/mcp-engine-go/sessions"
	"github.com/ggoodman/mcp-engine-go/sessions/memoryhost"
	"github.com/ggoodman/mcp-engine-go/sessions/redishost"
	"github.com/ggoodman/mcp-engine-go/stdio"
	"github.com/ggoodman/mcp-engine-go/streaminghttp"
	"golang.org/x/sync/errgroup"
)

const shutdownGrace = 10 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "mcpserver: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	level, err := cfg.Level()
	if err != nil {
		return err
	}
	// stdout carries protocol traffic in stdio mode.
	logOut := os.Stdout
	if cfg.Transport == config.TransportStdio {
		logOut = os.Stderr
	}
	log := logctx.NewLogger(slog.NewJSONHandler(logOut, &slog.HandlerOptions{Level: level}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	host, closeHost, err := newHost(cfg)
	if err != nil {
		return err
	}
	defer closeHost()

	mgr := sessions.NewManager(host,
		sessions.WithManagerLogger(log),
		sessions.WithIdleTTL(cfg.SessionIdleTTL),
	)

	opts := []demo.Option{
		demo.WithInfo(mcp.ImplementationInfo{Name: cfg.ServerName, Version: cfg.ServerVersion}),
		demo.WithPageSize(cfg.PageSize),
		demo.WithEnumConcurrency(cfg.EnumConcurrency),
	}
	if cfg.Instructions != "" {
		opts = append(opts, demo.WithInstructions(cfg.Instructions))
	}
	d := demo.New(opts...)

	g, gctx := errgroup.WithContext(ctx)

	if cfg.ResourcesDir != "" {
		dir, err := mcpservice.NewDirResources(gctx, cfg.ResourcesDir, d.Resources, mcpservice.WithDirLogger(log))
		if err != nil {
			return err
		}
		g.Go(func() error { return dir.Run(gctx) })
	}

	if cfg.Transport == config.TransportStdio {
		h := stdio.NewHandler(mgr, d.Server,
			stdio.WithLogger(log),
			stdio.WithHandlerTimeout(cfg.HandlerTimeout),
		)
		g.Go(func() error {
			err := h.Serve(gctx)
			// EOF ends the process.
			stop()
			return err
		})
		if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	}

	h, err := streaminghttp.New(gctx, cfg.Endpoint, mgr, d.Server,
		streaminghttp.WithLogger(log),
		streaminghttp.WithHandlerTimeout(cfg.HandlerTimeout),
	)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return gctx },
	}

	g.Go(func() error {
		log.InfoContext(gctx, "server.listen", slog.String("addr", cfg.Addr), slog.String("endpoint", cfg.Endpoint), slog.String("backend", cfg.NotifyBackend))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		log.InfoContext(shutdownCtx, "server.shutdown")
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func newHost(cfg *config.Config) (sessions.NotificationHost, func(), error) {
	switch cfg.NotifyBackend {
	case config.BackendRedis:
		host, err := redishost.New(cfg.Redis)
		if err != nil {
			return nil, nil, fmt.Errorf("redis host: %w", err)
		}
		return host, func() { _ = host.Close() }, nil
	default:
		return memoryhost.New(), func() {}, nil
	}
}
