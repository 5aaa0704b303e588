// Package mcp contains the protocol data types and method constants for the
// subset of the Model Context Protocol served by the engine: initialization,
// ping, tools, prompts and resources.
//
// The package is free of transport logic. Transports and the engine marshal
// these types; capability packages such as mcpservice construct them.
//
// # Method Names
//
// JSON-RPC method and notification names are enumerated as Method constants
// (e.g. ToolsListMethod).
//
// # Pagination
//
// List operations use cursor-based pagination. PaginatedRequest and
// PaginatedResult are embedded in request / result envelopes. Cursors are
// opaque to clients.
package mcp
