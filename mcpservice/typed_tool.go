package mcpservice

import (
	"context"
	"fmt"

	"github.com/ggoodman/mcp-engine-go/schema"
	"github.com/ggoodman/mcp-engine-go/sessions"
	"github.com/mitchellh/mapstructure"
)

// ToolOption configures NewTool behavior.
type ToolOption func(*toolConfig)

type toolConfig struct {
	description               string
	allowAdditionalProperties bool // default false (strict)
	enumRefs                  map[string]string
	noOutput                  bool
}

// WithToolDescription sets the tool description used in listings.
func WithToolDescription(desc string) ToolOption {
	return func(c *toolConfig) { c.description = desc }
}

// WithToolAllowAdditionalProperties controls whether unknown argument fields
// are tolerated. When false (default) the input schema declares
// additionalProperties:false and calls with unknown fields fail validation.
func WithToolAllowAdditionalProperties(allow bool) ToolOption {
	return func(c *toolConfig) { c.allowAdditionalProperties = allow }
}

// WithToolEnum binds field to the named enum generator, in addition to any
// `mcpenum` struct tags.
func WithToolEnum(field, ref string) ToolOption {
	return func(c *toolConfig) {
		if c.enumRefs == nil {
			c.enumRefs = make(map[string]string)
		}
		c.enumRefs[field] = ref
	}
}

// WithoutToolOutputSchema suppresses the reflected output schema.
func WithoutToolOutputSchema() ToolOption {
	return func(c *toolConfig) { c.noOutput = true }
}

// NewTool builds a ToolDefinition from typed input and output structs. The
// input view is reflected from In (honoring `mcpenum` tags), the output view
// from Out, and arguments are decoded into In with mapstructure using the
// `json` tag names.
func NewTool[In, Out any](name string, fn func(ctx context.Context, session *sessions.Session, in In) (Out, error), opts ...ToolOption) ToolDefinition {
	cfg := toolConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}

	input := schema.Reflect[In]()
	for field, ref := range cfg.enumRefs {
		input = input.WithEnumRef(field, ref)
	}
	if !cfg.allowAdditionalProperties {
		input = input.WithAdditionalProperties(false)
	}
	def := ToolDefinition{
		Name:        name,
		Description: cfg.description,
		Input:       input,
	}
	if !cfg.noOutput {
		if out := schema.Reflect[Out](); out.Len() > 0 {
			def.Output = &out
		}
	}

	def.Handler = func(ctx context.Context, session *sessions.Session, args map[string]any) (any, error) {
		var in In
		dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
			TagName:     "json",
			Result:      &in,
			ErrorUnused: !cfg.allowAdditionalProperties,
		})
		if err != nil {
			return nil, fmt.Errorf("build decoder: %w", err)
		}
		if err := dec.Decode(args); err != nil {
			return nil, fmt.Errorf("invalid arguments: %w", err)
		}
		return fn(ctx, session, in)
	}
	return def
}
