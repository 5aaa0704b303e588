package mcpservice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ggoodman/mcp-engine-go/mcp"
	"github.com/ggoodman/mcp-engine-go/registry"
	"github.com/ggoodman/mcp-engine-go/schema"
	"github.com/ggoodman/mcp-engine-go/sessions"
)

// ToolFunc executes a tool. args has already been validated against the
// tool's input view. A returned error becomes an isError result rather than a
// protocol fault, unless it is the cancellation of ctx.
type ToolFunc func(ctx context.Context, session *sessions.Session, args map[string]any) (any, error)

// ToolDefinition is a registered tool.
type ToolDefinition struct {
	Name        string
	Description string
	Input       schema.View
	// Output optionally declares the shape of structuredContent.
	Output  *schema.View
	Handler ToolFunc
}

// Tools is a concurrency-safe tool registry keyed by name.
type Tools struct {
	reg      *registry.Registry[ToolDefinition]
	notifier ChangeNotifier
	pageSize int
}

// ToolsOption configures a Tools container.
type ToolsOption func(*Tools)

// WithToolsPageSize sets the tools/list page size.
func WithToolsPageSize(n int) ToolsOption {
	return func(t *Tools) { t.pageSize = n }
}

// NewTools builds a Tools container pre-populated with defs.
func NewTools(defs []ToolDefinition, opts ...ToolsOption) *Tools {
	t := &Tools{pageSize: registry.DefaultPageSize}
	t.reg = registry.New(registry.WithOnChange[ToolDefinition](t.notifier.Notify))
	for _, opt := range opts {
		opt(t)
	}
	for _, d := range defs {
		t.Register(d)
	}
	return t
}

// Register adds def, replacing any tool with the same name.
func (t *Tools) Register(def ToolDefinition) (replaced bool) {
	return t.reg.Register(def.Name, def)
}

// Remove unregisters the named tool.
func (t *Tools) Remove(name string) bool { return t.reg.Remove(name) }

// Lookup returns the named tool.
func (t *Tools) Lookup(name string) (ToolDefinition, error) {
	def, err := t.reg.Get(name)
	if err != nil {
		return ToolDefinition{}, fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}
	return def, nil
}

// Len returns the number of registered tools.
func (t *Tools) Len() int { return t.reg.Len() }

// Subscriber signals after every registration change.
func (t *Tools) Subscriber() <-chan struct{} { return t.notifier.Subscriber() }

// NotifyChanged signals a listing change without touching the registry, for
// example after the data behind a dynamic enum changed.
func (t *Tools) NotifyChanged() { t.notifier.Notify() }

// ListTools renders one page of tools. Dynamic enums are evaluated freshly
// for every call; generator failures are returned as warnings.
func (t *Tools) ListTools(ctx context.Context, r *schema.Renderer, cursor *string) (*mcp.ListToolsResult, []schema.Warning, error) {
	page, err := t.reg.Page(cursor, t.pageSize)
	if err != nil {
		return nil, nil, err
	}
	views := make([]schema.View, len(page.Items))
	for i, d := range page.Items {
		views[i] = d.Input
	}
	inputs, warnings := r.Render(ctx, views...)

	res := &mcp.ListToolsResult{Tools: make([]mcp.Tool, len(page.Items))}
	for i, d := range page.Items {
		tool := mcp.Tool{Name: d.Name, Description: d.Description, InputSchema: inputs[i]}
		if d.Output != nil {
			tool.OutputSchema = d.Output.OutputSchema()
		}
		res.Tools[i] = tool
	}
	if page.NextCursor != nil {
		res.NextCursor = *page.NextCursor
	}
	return res, warnings, nil
}

// CallTool validates the arguments and invokes the tool. Lookup and
// validation failures are returned as errors (ErrToolNotFound,
// *ValidationError); handler failures produce an isError result.
func (t *Tools) CallTool(ctx context.Context, session *sessions.Session, req *mcp.CallToolRequestReceived) (*mcp.CallToolResult, error) {
	if req == nil || req.Name == "" {
		return nil, &ValidationError{Field: "name", Reason: "tool name is required"}
	}
	def, err := t.Lookup(req.Name)
	if err != nil {
		return nil, err
	}
	if err := schema.Validate(def.Input, req.Arguments); err != nil {
		return nil, err
	}

	args := map[string]any{}
	if len(req.Arguments) > 0 && string(req.Arguments) != "null" {
		if err := json.Unmarshal(req.Arguments, &args); err != nil {
			return nil, &ValidationError{Reason: err.Error()}
		}
	}

	out, err := def.Handler(ctx, session, args)
	if err != nil {
		if cerr := ctx.Err(); cerr != nil && errors.Is(err, cerr) {
			return nil, err
		}
		return ErrorResult(err), nil
	}
	return StructuredResult(out)
}

// ErrorResult builds an isError result whose single text block is err.
func ErrorResult(err error) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.ContentBlock{mcp.TextContent(err.Error())},
		IsError: true,
	}
}

// StructuredResult builds a successful result carrying out as
// structuredContent plus a text block with its JSON encoding.
func StructuredResult(out any) (*mcp.CallToolResult, error) {
	b, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("marshal tool output: %w", err)
	}
	var structured any
	if err := json.Unmarshal(b, &structured); err != nil {
		return nil, fmt.Errorf("normalize tool output: %w", err)
	}
	return &mcp.CallToolResult{
		Content:           []mcp.ContentBlock{mcp.TextContent(string(b))},
		StructuredContent: structured,
	}, nil
}
