package mcpservice

import (
	"context"
	"encoding/base64"
	"fmt"
	"io/fs"
	"log/slog"
	"mime"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/fsnotify/fsnotify"
	"github.com/ggoodman/mcp-engine-go/mcp"
	"github.com/ggoodman/mcp-engine-go/sessions"
)

// DirResources mirrors the regular files under an OS directory into a
// Resources container, one resource per file. Run keeps the container in
// sync with the directory using fsnotify.
//
// Reads are confined to the resolved root: symlinks are skipped while
// scanning and any read whose target resolves outside the root fails.
type DirResources struct {
	root     string // absolute, symlink-evaluated
	baseURI  string
	target   *Resources
	log      *slog.Logger
	debounce time.Duration

	mu    sync.Mutex
	known map[string]fileMeta // uri -> last seen metadata
}

// DirOption configures DirResources.
type DirOption func(*DirResources)

// WithBaseURI sets the URI prefix used in Resource.URI, e.g. "file://docs".
// Defaults to "file://".
func WithBaseURI(base string) DirOption {
	return func(d *DirResources) { d.baseURI = strings.TrimRight(base, "/") }
}

// WithDirLogger sets the logger used for watcher diagnostics.
func WithDirLogger(l *slog.Logger) DirOption {
	return func(d *DirResources) {
		if l != nil {
			d.log = l
		}
	}
}

// WithDebounce coalesces bursts of filesystem events. Defaults to 100ms.
func WithDebounce(dur time.Duration) DirOption {
	return func(d *DirResources) { d.debounce = dur }
}

// NewDirResources resolves root, performs an initial scan into target and
// returns the mirror. root must be an existing directory.
func NewDirResources(ctx context.Context, root string, target *Resources, opts ...DirOption) (*DirResources, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve resources dir: %w", err)
	}
	real, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("resolve resources dir: %w", err)
	}
	fi, err := os.Stat(real)
	if err != nil {
		return nil, fmt.Errorf("stat resources dir: %w", err)
	}
	if !fi.IsDir() {
		return nil, fmt.Errorf("resources dir %s is not a directory", real)
	}

	d := &DirResources{
		root:     real,
		baseURI:  "file://",
		target:   target,
		log:      slog.Default(),
		debounce: 100 * time.Millisecond,
		known:    make(map[string]fileMeta),
	}
	for _, opt := range opts {
		opt(d)
	}
	if err := d.Sync(ctx); err != nil {
		return nil, err
	}
	return d, nil
}

// Sync rescans the directory. New and modified files are (re)registered and
// vanished files are removed, so unchanged files cause no list_changed
// signal.
func (d *DirResources) Sync(ctx context.Context) error {
	snap, err := d.snapshot(ctx)
	if err != nil {
		return fmt.Errorf("scan resources dir: %w", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	uris := make([]string, 0, len(snap))
	for uri := range snap {
		uris = append(uris, uri)
	}
	sort.Strings(uris)
	for _, uri := range uris {
		cur := snap[uri]
		if prev, ok := d.known[uri]; ok && prev.eq(cur) {
			continue
		}
		d.target.Register(d.definition(uri, cur))
	}
	for uri := range d.known {
		if _, ok := snap[uri]; !ok {
			d.target.Remove(uri)
		}
	}
	d.known = snap
	return nil
}

// Run watches the directory tree and resyncs after changes until ctx ends.
func (d *DirResources) Run(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("fsnotify: %w", err)
	}
	defer func() {
		_ = w.Close()
	}()

	err = filepath.WalkDir(d.root, func(p string, de fs.DirEntry, err error) error {
		if err != nil || !de.IsDir() {
			return nil
		}
		return w.Add(p)
	})
	if err != nil {
		return fmt.Errorf("watch resources dir: %w", err)
	}

	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return ctx.Err()
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if ev.Op&fsnotify.Create != 0 {
				if fi, err := os.Stat(ev.Name); err == nil && fi.IsDir() {
					_ = w.Add(ev.Name)
				}
			}
			if timer == nil {
				timer = time.NewTimer(d.debounce)
			} else {
				timer.Reset(d.debounce)
			}
			fire = timer.C
		case <-fire:
			fire = nil
			if err := d.Sync(ctx); err != nil {
				d.log.WarnContext(ctx, "resources.dir.sync.fail", slog.String("err", err.Error()))
				continue
			}
			d.log.DebugContext(ctx, "resources.dir.sync.ok", slog.String("root", d.root))
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			d.log.WarnContext(ctx, "resources.dir.watch.fail", slog.String("err", err.Error()))
		}
	}
}

func (d *DirResources) definition(uri string, meta fileMeta) ResourceDefinition {
	size := meta.size
	return ResourceDefinition{
		URI:      uri,
		Name:     path.Base(meta.rel),
		Title:    meta.rel,
		MimeType: mimeTypeOf(meta.rel),
		Size:     &size,
		Read:     d.read,
	}
}

func (d *DirResources) read(ctx context.Context, _ *sessions.Session, uri string) ([]mcp.ResourceContents, error) {
	rel, ok := d.uriToRel(uri)
	if !ok || !validFSPath(rel) {
		return nil, fmt.Errorf("invalid resource uri: %s", uri)
	}
	real, err := filepath.EvalSymlinks(filepath.Join(d.root, filepath.FromSlash(rel)))
	if err != nil {
		return nil, fmt.Errorf("read failed: %w", err)
	}
	if !within(real, d.root) {
		return nil, fmt.Errorf("resource escapes root: %s", uri)
	}
	data, err := os.ReadFile(real)
	if err != nil {
		return nil, fmt.Errorf("read failed: %w", err)
	}
	return []mcp.ResourceContents{contentsFor(uri, mimeTypeOf(rel), data)}, nil
}

func contentsFor(uri, mimeType string, data []byte) mcp.ResourceContents {
	if utf8.Valid(data) {
		return mcp.TextContents(uri, mimeType, string(data))
	}
	return mcp.BlobContents(uri, mimeType, base64.StdEncoding.EncodeToString(data))
}

func mimeTypeOf(rel string) string {
	if mt := mime.TypeByExtension(strings.ToLower(path.Ext(rel))); mt != "" {
		return mt
	}
	return "application/octet-stream"
}

type fileMeta struct {
	rel  string
	size int64
	mod  time.Time
}

func (a fileMeta) eq(b fileMeta) bool { return a.size == b.size && a.mod.Equal(b.mod) }

// snapshot returns uri -> metadata for all visible regular files.
func (d *DirResources) snapshot(ctx context.Context) (map[string]fileMeta, error) {
	rows := make(map[string]fileMeta)
	err := fs.WalkDir(os.DirFS(d.root), ".", func(p string, de fs.DirEntry, err error) error {
		if err != nil {
			return nil // skip unreadable nodes
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if de.IsDir() || isSymlink(de) || !validFSPath(p) {
			return nil
		}
		info, err := de.Info()
		if err != nil || !info.Mode().IsRegular() {
			return nil
		}
		rows[d.relToURI(p)] = fileMeta{rel: p, size: info.Size(), mod: info.ModTime()}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func isSymlink(d fs.DirEntry) bool {
	if d == nil {
		return false
	}
	if d.Type()&fs.ModeSymlink != 0 {
		return true
	}
	// Some FS don't set Type; fall back to Info
	if info, err := d.Info(); err == nil {
		return info.Mode()&fs.ModeSymlink != 0
	}
	return false
}

func validFSPath(p string) bool {
	// fs.ValidPath requires clean, no leading slash, and no ".." segments.
	if !fs.ValidPath(p) {
		return false
	}
	return !strings.Contains(p, ":")
}

func (d *DirResources) relToURI(rel string) string {
	segs := strings.Split(rel, "/")
	for i, s := range segs {
		segs[i] = url.PathEscape(s)
	}
	return d.baseURI + "/" + strings.Join(segs, "/")
}

func (d *DirResources) uriToRel(uri string) (string, bool) {
	base := d.baseURI + "/"
	if !strings.HasPrefix(uri, base) {
		return "", false
	}
	segs := strings.Split(strings.TrimPrefix(uri, base), "/")
	for i, s := range segs {
		dec, err := url.PathUnescape(s)
		if err != nil {
			return "", false
		}
		segs[i] = dec
	}
	rel := path.Clean(strings.Join(segs, "/"))
	if rel == "." || rel == ".." || strings.HasPrefix(rel, "../") {
		return "", false
	}
	return rel, true
}

// within returns true if target is the same as root or a descendant of root.
func within(target, root string) bool {
	rel, err := filepath.Rel(root, target)
	if err != nil {
		return false
	}
	if rel == "." {
		return true
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(os.PathSeparator))
}
