package mcpservice

import (
	"context"
	"fmt"

	"github.com/ggoodman/mcp-engine-go/mcp"
	"github.com/ggoodman/mcp-engine-go/registry"
	"github.com/ggoodman/mcp-engine-go/schema"
	"github.com/ggoodman/mcp-engine-go/sessions"
)

// PromptArgument declares one prompt argument. EnumRef optionally names a
// dynamic enum generator whose values are advertised in prompts/list.
type PromptArgument struct {
	Name        string
	Description string
	Required    bool
	EnumRef     string
}

// PromptResult is what a prompt handler produces: a description and the text
// of a single user message.
type PromptResult struct {
	Description string
	Message     string
}

// PromptFunc renders a prompt from its string arguments.
type PromptFunc func(ctx context.Context, session *sessions.Session, args map[string]string) (PromptResult, error)

// PromptDefinition is a registered prompt.
type PromptDefinition struct {
	Name        string
	Description string
	Arguments   []PromptArgument
	Handler     PromptFunc
}

func (d PromptDefinition) view() schema.View {
	fields := make([]schema.Field, len(d.Arguments))
	for i, a := range d.Arguments {
		fields[i] = schema.Field{
			Name:        a.Name,
			Type:        schema.TypeString,
			Description: a.Description,
			Required:    a.Required,
			EnumRef:     a.EnumRef,
		}
	}
	return schema.NewView(fields...)
}

// Prompts is a concurrency-safe prompt registry keyed by name.
type Prompts struct {
	reg      *registry.Registry[PromptDefinition]
	notifier ChangeNotifier
	pageSize int
}

// PromptsOption configures a Prompts container.
type PromptsOption func(*Prompts)

// WithPromptsPageSize sets the prompts/list page size.
func WithPromptsPageSize(n int) PromptsOption {
	return func(p *Prompts) { p.pageSize = n }
}

// NewPrompts builds a Prompts container pre-populated with defs.
func NewPrompts(defs []PromptDefinition, opts ...PromptsOption) *Prompts {
	p := &Prompts{pageSize: registry.DefaultPageSize}
	p.reg = registry.New(registry.WithOnChange[PromptDefinition](p.notifier.Notify))
	for _, opt := range opts {
		opt(p)
	}
	for _, d := range defs {
		p.Register(d)
	}
	return p
}

// Register adds def, replacing any prompt with the same name.
func (p *Prompts) Register(def PromptDefinition) (replaced bool) {
	return p.reg.Register(def.Name, def)
}

// Remove unregisters the named prompt.
func (p *Prompts) Remove(name string) bool { return p.reg.Remove(name) }

// Lookup returns the named prompt.
func (p *Prompts) Lookup(name string) (PromptDefinition, error) {
	def, err := p.reg.Get(name)
	if err != nil {
		return PromptDefinition{}, fmt.Errorf("%w: %s", ErrPromptNotFound, name)
	}
	return def, nil
}

// Len returns the number of registered prompts.
func (p *Prompts) Len() int { return p.reg.Len() }

// Subscriber signals after every registration change.
func (p *Prompts) Subscriber() <-chan struct{} { return p.notifier.Subscriber() }

// ListPrompts renders one page of prompts, resolving argument enums.
func (p *Prompts) ListPrompts(ctx context.Context, r *schema.Renderer, cursor *string) (*mcp.ListPromptsResult, []schema.Warning, error) {
	page, err := p.reg.Page(cursor, p.pageSize)
	if err != nil {
		return nil, nil, err
	}
	views := make([]schema.View, len(page.Items))
	for i, d := range page.Items {
		views[i] = d.view()
	}
	rendered, warnings := r.Render(ctx, views...)

	res := &mcp.ListPromptsResult{Prompts: make([]mcp.Prompt, len(page.Items))}
	for i, d := range page.Items {
		prompt := mcp.Prompt{Name: d.Name, Description: d.Description}
		for _, a := range d.Arguments {
			arg := mcp.PromptArgument{Name: a.Name, Description: a.Description, Required: a.Required}
			if prop, ok := rendered[i].Properties[a.Name]; ok {
				for _, v := range prop.Enum {
					if s, ok := v.(string); ok {
						arg.Enum = append(arg.Enum, s)
					}
				}
			}
			prompt.Arguments = append(prompt.Arguments, arg)
		}
		res.Prompts[i] = prompt
	}
	if page.NextCursor != nil {
		res.NextCursor = *page.NextCursor
	}
	return res, warnings, nil
}

// GetPrompt checks required arguments and renders the prompt. Lookup and
// missing-argument failures return ErrPromptNotFound or *ValidationError
// without invoking the handler; handler failures return *HandlerError.
func (p *Prompts) GetPrompt(ctx context.Context, session *sessions.Session, req *mcp.GetPromptRequestReceived) (*mcp.GetPromptResult, error) {
	if req == nil || req.Name == "" {
		return nil, &ValidationError{Field: "name", Reason: "prompt name is required"}
	}
	def, err := p.Lookup(req.Name)
	if err != nil {
		return nil, err
	}
	args := req.Arguments
	if args == nil {
		args = map[string]string{}
	}
	for _, a := range def.Arguments {
		if _, ok := args[a.Name]; a.Required && !ok {
			return nil, &ValidationError{Field: a.Name, Reason: "missing required argument"}
		}
	}

	out, err := def.Handler(ctx, session, args)
	if err != nil {
		return nil, handlerError(err)
	}
	return &mcp.GetPromptResult{
		Description: out.Description,
		Messages: []mcp.PromptMessage{{
			Role:    mcp.RoleUser,
			Content: mcp.TextContent(out.Message),
		}},
	}, nil
}
