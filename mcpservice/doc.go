// Package mcpservice holds the capability containers an engine serves: tools,
// prompts and resources, each a concurrency-safe registry of definitions with
// handlers, plus the Server that bundles them with server metadata and the
// dynamic enum generators referenced by their schemas.
//
// Quick start:
//
//	type EchoArgs struct {
//	    Text string `json:"text" jsonschema:"description=Text to echo"`
//	}
//	type EchoOut struct {
//	    Text string `json:"text"`
//	}
//
//	tools := mcpservice.NewTools([]mcpservice.ToolDefinition{
//	    mcpservice.NewTool("echo", func(ctx context.Context, _ *sessions.Session, in EchoArgs) (EchoOut, error) {
//	        return EchoOut{Text: in.Text}, nil
//	    }, mcpservice.WithToolDescription("Echo text back")),
//	})
//
//	srv := mcpservice.NewServer(
//	    mcpservice.WithServerInfo(mcp.ImplementationInfo{Name: "example", Version: "1.0.0"}),
//	    mcpservice.WithTools(tools),
//	)
//
// Registering a definition under an existing key replaces it in place. Every
// change signals the container's ChangeNotifier, which the engine turns into
// list_changed notifications for connected sessions.
//
// DirResources mirrors a directory into a Resources container and keeps it
// current with fsnotify.
package mcpservice
