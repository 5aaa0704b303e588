// Package streaminghttp implements the MCP streamable HTTP transport. It
// mounts as a standard net/http handler in front of the protocol engine.
//
//   - POST carries one JSON-RPC message. Requests are answered with a single
//     SSE "message" event, or with application/json when the client accepts
//     only JSON. Notifications are answered with 202 and no body.
//   - GET opens the session's notification stream as Server-Sent Events and
//     honors Last-Event-ID for replay.
//   - DELETE closes the session.
//
// initialize creates the session and returns its id in the Mcp-Session-Id
// header; every later request must carry it. Responses echo the negotiated
// version in Mcp-Protocol-Version, and a request header disagreeing with it
// is rejected with 400.
//
// # Status codes
//
// Session errors still carry a JSON-RPC error body: a missing session id is
// answered with 400, an unknown or closed one with 404. Other JSON-RPC errors
// travel with 200.
//
// Construction
//
//	mgr := sessions.NewManager(memoryhost.New(), sessions.WithIdleTTL(30*time.Minute))
//	h, err := streaminghttp.New(ctx, "https://api.example/mcp", mgr, server,
//	    streaminghttp.WithLogger(log),
//	)
//
// # Scaling
//
// Notification ordering and replay are provided by the session's
// NotificationHost. Session state itself lives in the process that created
// it, so a deployment with several instances needs sticky routing by
// Mcp-Session-Id.
package streaminghttp
