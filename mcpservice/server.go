package mcpservice

import (
	"github.com/ggoodman/mcp-engine-go/mcp"
	"github.com/ggoodman/mcp-engine-go/schema"
)

// ServerOption configures a Server.
type ServerOption func(*Server)

// Server bundles the capability containers and metadata advertised at
// initialize. A nil container means the capability is not offered.
type Server struct {
	info         mcp.ImplementationInfo
	instructions string

	tools     *Tools
	prompts   *Prompts
	resources *Resources

	enums           *schema.Enums
	enumConcurrency int
	renderer        *schema.Renderer
}

// NewServer builds a Server using functional options.
func NewServer(opts ...ServerOption) *Server {
	s := &Server{info: mcp.ImplementationInfo{Name: "mcp-engine", Version: "0.0.0"}}
	for _, opt := range opts {
		opt(s)
	}
	if s.enums == nil {
		s.enums = schema.NewEnums()
	}
	s.renderer = schema.NewRenderer(s.enums, schema.WithConcurrency(s.enumConcurrency))
	return s
}

// WithServerInfo sets the server info returned during initialize.
func WithServerInfo(info mcp.ImplementationInfo) ServerOption {
	return func(s *Server) { s.info = info }
}

// WithInstructions sets human-readable instructions returned during initialize.
func WithInstructions(instr string) ServerOption {
	return func(s *Server) { s.instructions = instr }
}

// WithTools offers the tools capability.
func WithTools(t *Tools) ServerOption {
	return func(s *Server) { s.tools = t }
}

// WithPrompts offers the prompts capability.
func WithPrompts(p *Prompts) ServerOption {
	return func(s *Server) { s.prompts = p }
}

// WithResources offers the resources capability.
func WithResources(r *Resources) ServerOption {
	return func(s *Server) { s.resources = r }
}

// WithEnums sets the registry of dynamic enum generators referenced by tool
// and prompt schemas.
func WithEnums(e *schema.Enums) ServerOption {
	return func(s *Server) { s.enums = e }
}

// WithEnumConcurrency bounds concurrent enum generator evaluation.
func WithEnumConcurrency(n int) ServerOption {
	return func(s *Server) { s.enumConcurrency = n }
}

func (s *Server) Info() mcp.ImplementationInfo { return s.info }
func (s *Server) Instructions() string         { return s.instructions }
func (s *Server) Tools() *Tools                { return s.tools }
func (s *Server) Prompts() *Prompts            { return s.prompts }
func (s *Server) Resources() *Resources        { return s.resources }
func (s *Server) Enums() *schema.Enums         { return s.enums }
func (s *Server) Renderer() *schema.Renderer   { return s.renderer }

// Capabilities reports the capabilities to advertise, one entry per
// configured container.
func (s *Server) Capabilities() mcp.ServerCapabilities {
	var caps mcp.ServerCapabilities
	if s.tools != nil {
		caps.Tools = &mcp.ListChangedCapability{ListChanged: true}
	}
	if s.prompts != nil {
		caps.Prompts = &mcp.ListChangedCapability{ListChanged: true}
	}
	if s.resources != nil {
		caps.Resources = &mcp.ResourcesCapability{ListChanged: true, Subscribe: true}
	}
	return caps
}
