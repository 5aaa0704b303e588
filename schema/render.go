package schema

import (
	"context"
	"errors"
	"fmt"

	"github.com/ggoodman/mcp-engine-go/mcp"
	"golang.org/x/sync/errgroup"
)

const defaultEnumConcurrency = 16

// ErrUnknownEnum is reported when a field references a generator name that is
// not registered.
var ErrUnknownEnum = errors.New("unknown enum generator")

// Warning reports a field whose enum generator failed. The field was rendered
// without an enum constraint.
type Warning struct {
	View  int
	Field string
	Ref   string
	Err   error
}

func (w Warning) Error() string {
	return fmt.Sprintf("enum %q for field %q (view %d): %v", w.Ref, w.Field, w.View, w.Err)
}

func (w Warning) Unwrap() error { return w.Err }

// Renderer computes final JSON Schema objects for views, evaluating dynamic
// enum generators concurrently.
type Renderer struct {
	enums *Enums
	limit int
}

// RendererOption configures a Renderer.
type RendererOption func(*Renderer)

// WithConcurrency bounds the number of generators evaluated at once. Values
// below 1 leave the default in place.
func WithConcurrency(n int) RendererOption {
	return func(r *Renderer) {
		if n > 0 {
			r.limit = n
		}
	}
}

// NewRenderer builds a Renderer that resolves generator names in enums.
func NewRenderer(enums *Enums, opts ...RendererOption) *Renderer {
	r := &Renderer{enums: enums, limit: defaultEnumConcurrency}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

type enumJob struct {
	view  int
	field string
	ref   string

	values []string
	ok     bool
	err    error
}

// Render returns one schema per view, in order. Every enum reference across
// all views is evaluated in parallel. A failing generator never fails the
// render: the affected field simply has no enum, and a Warning is returned.
func (r *Renderer) Render(ctx context.Context, views ...View) ([]mcp.ToolInputSchema, []Warning) {
	var jobs []*enumJob
	for i, v := range views {
		for _, f := range v.fields {
			if f.EnumRef != "" {
				jobs = append(jobs, &enumJob{view: i, field: f.Name, ref: f.EnumRef})
			}
		}
	}

	if len(jobs) > 0 {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(r.limit)
		for _, job := range jobs {
			g.Go(func() error {
				job.values, job.ok, job.err = r.evaluate(gctx, job.ref)
				// Failures are recorded on the job so siblings keep running.
				return nil
			})
		}
		_ = g.Wait()
	}

	resolved := make([]map[string][]string, len(views))
	var warnings []Warning
	for _, job := range jobs {
		if job.err != nil {
			warnings = append(warnings, Warning{View: job.view, Field: job.field, Ref: job.ref, Err: job.err})
			continue
		}
		if !job.ok {
			continue
		}
		if resolved[job.view] == nil {
			resolved[job.view] = make(map[string][]string)
		}
		resolved[job.view][job.field] = job.values
	}

	out := make([]mcp.ToolInputSchema, len(views))
	for i, v := range views {
		out[i] = v.render(resolved[i])
	}
	return out, warnings
}

func (r *Renderer) evaluate(ctx context.Context, ref string) (values []string, ok bool, err error) {
	gen, found := r.enums.Lookup(ref)
	if !found {
		return nil, false, fmt.Errorf("%w: %s", ErrUnknownEnum, ref)
	}
	defer func() {
		if p := recover(); p != nil {
			values, ok, err = nil, false, fmt.Errorf("enum generator panicked: %v", p)
		}
	}()
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	return gen(ctx)
}
