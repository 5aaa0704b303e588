package mcpservice

import (
	"context"
	"fmt"

	"github.com/ggoodman/mcp-engine-go/mcp"
	"github.com/ggoodman/mcp-engine-go/registry"
	"github.com/ggoodman/mcp-engine-go/sessions"
)

// ResourceReadFunc produces the contents of the resource at uri.
type ResourceReadFunc func(ctx context.Context, session *sessions.Session, uri string) ([]mcp.ResourceContents, error)

// ResourceDefinition is a registered resource.
type ResourceDefinition struct {
	URI         string
	Name        string
	Title       string
	Description string
	MimeType    string
	Size        *int64
	Icons       []mcp.ResourceIcon
	Read        ResourceReadFunc
}

// Descriptor returns the listing form of d.
func (d ResourceDefinition) Descriptor() mcp.Resource {
	return mcp.Resource{
		URI:         d.URI,
		Name:        d.Name,
		Title:       d.Title,
		Description: d.Description,
		MimeType:    d.MimeType,
		Size:        d.Size,
		Icons:       d.Icons,
	}
}

// TextResource builds a definition whose contents are the fixed text.
func TextResource(uri, name, mimeType, text string) ResourceDefinition {
	size := int64(len(text))
	return ResourceDefinition{
		URI:      uri,
		Name:     name,
		MimeType: mimeType,
		Size:     &size,
		Read: func(ctx context.Context, _ *sessions.Session, uri string) ([]mcp.ResourceContents, error) {
			return []mcp.ResourceContents{mcp.TextContents(uri, mimeType, text)}, nil
		},
	}
}

// Resources is a concurrency-safe resource registry keyed by uri.
type Resources struct {
	reg      *registry.Registry[ResourceDefinition]
	notifier ChangeNotifier
	pageSize int
}

// ResourcesOption configures a Resources container.
type ResourcesOption func(*Resources)

// WithResourcesPageSize sets the resources/list page size.
func WithResourcesPageSize(n int) ResourcesOption {
	return func(r *Resources) { r.pageSize = n }
}

// NewResources builds a Resources container pre-populated with defs.
func NewResources(defs []ResourceDefinition, opts ...ResourcesOption) *Resources {
	r := &Resources{pageSize: registry.DefaultPageSize}
	r.reg = registry.New(registry.WithOnChange[ResourceDefinition](r.notifier.Notify))
	for _, opt := range opts {
		opt(r)
	}
	for _, d := range defs {
		r.Register(d)
	}
	return r
}

// Register adds def, replacing any resource with the same uri.
func (r *Resources) Register(def ResourceDefinition) (replaced bool) {
	return r.reg.Register(def.URI, def)
}

// Remove unregisters the resource at uri.
func (r *Resources) Remove(uri string) bool { return r.reg.Remove(uri) }

// Lookup returns the resource registered at uri.
func (r *Resources) Lookup(uri string) (ResourceDefinition, error) {
	def, err := r.reg.Get(uri)
	if err != nil {
		return ResourceDefinition{}, fmt.Errorf("%w: %s", ErrResourceNotFound, uri)
	}
	return def, nil
}

// Len returns the number of registered resources.
func (r *Resources) Len() int { return r.reg.Len() }

// URIs returns the registered uris in registration order.
func (r *Resources) URIs() []string {
	defs := r.reg.List()
	out := make([]string, len(defs))
	for i, d := range defs {
		out[i] = d.URI
	}
	return out
}

// Subscriber signals after every registration change.
func (r *Resources) Subscriber() <-chan struct{} { return r.notifier.Subscriber() }

// ListResources returns one page of resource descriptors.
func (r *Resources) ListResources(ctx context.Context, cursor *string) (*mcp.ListResourcesResult, error) {
	page, err := r.reg.Page(cursor, r.pageSize)
	if err != nil {
		return nil, err
	}
	descs := registry.MapPage(page, ResourceDefinition.Descriptor)
	res := &mcp.ListResourcesResult{Resources: descs.Items}
	if descs.NextCursor != nil {
		res.NextCursor = *descs.NextCursor
	}
	return res, nil
}

// ReadResource invokes the resource's read handler. An unknown uri yields
// ErrResourceNotFound, a handler failure *HandlerError, and a malformed
// content block ErrInvalidResourceContents.
func (r *Resources) ReadResource(ctx context.Context, session *sessions.Session, uri string) (*mcp.ReadResourceResult, error) {
	def, err := r.Lookup(uri)
	if err != nil {
		return nil, err
	}
	contents, err := def.Read(ctx, session, uri)
	if err != nil {
		return nil, handlerError(err)
	}
	for i, c := range contents {
		if !c.Valid() {
			return nil, fmt.Errorf("%w (block %d of %s)", ErrInvalidResourceContents, i, uri)
		}
	}
	if contents == nil {
		contents = []mcp.ResourceContents{}
	}
	return &mcp.ReadResourceResult{Contents: contents}, nil
}

// Subscribe returns the current contents of uri. Later changes are not
// pushed.
func (r *Resources) Subscribe(ctx context.Context, session *sessions.Session, uri string) (*mcp.ReadResourceResult, error) {
	return r.ReadResource(ctx, session, uri)
}
