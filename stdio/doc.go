// Package stdio implements a single-connection MCP transport over
// stdin/stdout. It is intended for embedding servers as subprocesses and for
// local development, where spawning a child process and piping JSON is
// simpler than running an HTTP server.
//
// Characteristics
//
//	Connection model : 1 process <-> 1 client
//	Sessions         : one at a time, created by initialize, closed on EOF
//	Framing          : newline-delimited JSON-RPC in both directions
//
// Responses and server notifications (list_changed) share stdout. Requests
// are handled concurrently, so responses may arrive out of order and
// notifications/cancelled can stop a running request.
//
// Example:
//
//	srv := mcpservice.NewServer(
//	    mcpservice.WithServerInfo(mcp.ImplementationInfo{Name: "my-stdio-server", Version: "0.1.0"}),
//	    mcpservice.WithTools(tools),
//	)
//	mgr := sessions.NewManager(memoryhost.New())
//	h := stdio.NewHandler(mgr, srv)
//	if err := h.Serve(context.Background()); err != nil { log.Fatal(err) }
package stdio
