package mcpservice

import (
	"context"
	"errors"
	"testing"

	"github.com/ggoodman/mcp-engine-go/mcp"
	"github.com/ggoodman/mcp-engine-go/schema"
	"github.com/ggoodman/mcp-engine-go/sessions"
	"github.com/google/go-cmp/cmp"
)

func greetPrompt(calls *int) PromptDefinition {
	return PromptDefinition{
		Name:        "greet",
		Description: "Greets someone",
		Arguments: []PromptArgument{
			{Name: "variable_name", Description: "who to greet", Required: true},
			{Name: "tone", EnumRef: "tones"},
		},
		Handler: func(ctx context.Context, _ *sessions.Session, args map[string]string) (PromptResult, error) {
			*calls++
			return PromptResult{Description: "greeting", Message: "Hello, " + args["variable_name"] + "!"}, nil
		},
	}
}

func TestGetPromptMissingRequiredArgument(t *testing.T) {
	var calls int
	prompts := NewPrompts([]PromptDefinition{greetPrompt(&calls)})

	_, err := prompts.GetPrompt(context.Background(), nil, &mcp.GetPromptRequestReceived{Name: "greet"})
	var verr *ValidationError
	if !errors.As(err, &verr) || verr.Field != "variable_name" {
		t.Fatalf("expected validation error naming variable_name, got %v", err)
	}
	if calls != 0 {
		t.Fatalf("handler invoked on invalid input")
	}
}

func TestGetPromptRendersMessage(t *testing.T) {
	var calls int
	prompts := NewPrompts([]PromptDefinition{greetPrompt(&calls)})

	res, err := prompts.GetPrompt(context.Background(), nil, &mcp.GetPromptRequestReceived{
		Name:      "greet",
		Arguments: map[string]string{"variable_name": "Ada"},
	})
	if err != nil {
		t.Fatalf("GetPrompt: %v", err)
	}
	want := &mcp.GetPromptResult{
		Description: "greeting",
		Messages:    []mcp.PromptMessage{{Role: mcp.RoleUser, Content: mcp.TextContent("Hello, Ada!")}},
	}
	if diff := cmp.Diff(want, res); diff != "" {
		t.Fatalf("result mismatch (-want +got):\n%s", diff)
	}
}

func TestGetPromptErrors(t *testing.T) {
	prompts := NewPrompts([]PromptDefinition{{
		Name: "broken",
		Handler: func(context.Context, *sessions.Session, map[string]string) (PromptResult, error) {
			return PromptResult{}, errors.New("template exploded")
		},
	}})

	t.Run("unknown", func(t *testing.T) {
		_, err := prompts.GetPrompt(context.Background(), nil, &mcp.GetPromptRequestReceived{Name: "nope"})
		if !errors.Is(err, ErrPromptNotFound) {
			t.Fatalf("expected ErrPromptNotFound, got %v", err)
		}
	})
	t.Run("handler", func(t *testing.T) {
		_, err := prompts.GetPrompt(context.Background(), nil, &mcp.GetPromptRequestReceived{Name: "broken"})
		var herr *HandlerError
		if !errors.As(err, &herr) || herr.Msg != "template exploded" {
			t.Fatalf("expected HandlerError, got %v", err)
		}
	})
}

func TestListPromptsResolvesArgumentEnums(t *testing.T) {
	var calls int
	enums := schema.NewEnums()
	enums.Register("tones", schema.StaticEnum("warm", "formal"))
	prompts := NewPrompts([]PromptDefinition{greetPrompt(&calls)})

	res, warnings, err := prompts.ListPrompts(context.Background(), schema.NewRenderer(enums), nil)
	if err != nil || len(warnings) != 0 {
		t.Fatalf("ListPrompts: %v %v", err, warnings)
	}
	want := []mcp.Prompt{{
		Name:        "greet",
		Description: "Greets someone",
		Arguments: []mcp.PromptArgument{
			{Name: "variable_name", Description: "who to greet", Required: true},
			{Name: "tone", Enum: []string{"warm", "formal"}},
		},
	}}
	if diff := cmp.Diff(want, res.Prompts); diff != "" {
		t.Fatalf("prompts mismatch (-want +got):\n%s", diff)
	}
}
