// Package engine is the transport-agnostic MCP protocol core. It parses
// inbound JSON-RPC messages, resolves their session, routes them to the
// tools, prompts and resources of a mcpservice.Server and maps failures onto
// JSON-RPC error codes. Transports such as streaminghttp frame the Outcome.
package engine
