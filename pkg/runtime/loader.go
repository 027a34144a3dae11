package runtime

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"text/template"
	"time"

	"github.com/siteloom/backend/pkg/bundle"
	"github.com/siteloom/backend/pkg/manifest"
	"github.com/siteloom/backend/pkg/storage"
)

var (
	// ErrUnknownTemplate reports a render request for a key the bundle does
	// not export.
	ErrUnknownTemplate = errors.New("unknown template")
	// ErrRenderTimeout reports that a render exceeded the wall-clock bound.
	ErrRenderTimeout = errors.New("render timed out")
)

// Module is a loaded, verified artifact ready to render.
type Module struct {
	VersionID string
	// Layout is the name of the default full-page template.
	Layout   string
	Manifest *manifest.Manifest
	// Templates maps logical keys (route template paths, section and block
	// names) to canonical module paths, as recorded at build time.
	Templates map[string]string

	tmpl    *template.Template
	timeout time.Duration
}

// Render executes one exported template with a bounded wall clock. An empty
// key renders the full layout.
func (m *Module) Render(ctx context.Context, key string, data any) (string, error) {
	target := bundle.LayoutName
	if key != "" {
		if _, ok := m.Templates[key]; !ok {
			return "", fmt.Errorf("%w: %q", ErrUnknownTemplate, key)
		}
		target = bundle.TemplateName(key)
	}

	var buf bytes.Buffer
	done := make(chan error, 1)
	go func() { done <- m.tmpl.ExecuteTemplate(&buf, target, data) }()

	timer := time.NewTimer(m.timeout)
	defer timer.Stop()
	select {
	case err := <-done:
		if err != nil {
			return "", fmt.Errorf("render %q: %w", target, err)
		}
		return buf.String(), nil
	case <-timer.C:
		// The executing goroutine keeps ownership of buf; we never touch it
		// again.
		return "", ErrRenderTimeout
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

type cacheEntry struct {
	modTime time.Time
	module  *Module
}

// Loader fetches artifacts from storage and instantiates them. Loaded
// modules are cached per version and invalidated when the artifact object's
// modification time changes, so a rebuild is picked up without a restart.
type Loader struct {
	store    storage.Store
	resolver *bundle.Resolver
	prefix   string
	timeout  time.Duration
	logger   Logger

	mu    sync.Mutex
	cache map[string]cacheEntry
}

func NewLoader(store storage.Store, resolver *bundle.Resolver, prefix string, timeout time.Duration, logger Logger) *Loader {
	if prefix == "" {
		prefix = "builds"
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Loader{
		store:    store,
		resolver: resolver,
		prefix:   prefix,
		timeout:  timeout,
		logger:   logger,
		cache:    make(map[string]cacheEntry),
	}
}

// Load returns the executable module for a version, or nil when no usable
// artifact exists. Every failure mode degrades to nil so callers serve their
// fallback instead of surfacing a broken bundle.
func (l *Loader) Load(ctx context.Context, versionID string) *Module {
	key := bundle.ArtifactKey(l.prefix, versionID)
	info, err := l.store.Stat(ctx, key)
	if err != nil {
		l.logger.Error("artifact unavailable", "versionID", versionID, "key", key, "error", err)
		return nil
	}

	l.mu.Lock()
	if e, ok := l.cache[versionID]; ok && e.modTime.Equal(info.ModTime) {
		l.mu.Unlock()
		return e.module
	}
	l.mu.Unlock()

	data, err := l.store.ReadBytes(ctx, key)
	if err != nil {
		l.logger.Error("artifact read failed", "versionID", versionID, "key", key, "error", err)
		return nil
	}
	art, err := bundle.DecodeArtifact(data)
	if err != nil {
		l.logger.Error("artifact decode failed", "versionID", versionID, "error", err)
		return nil
	}
	mod, err := l.instantiate(ctx, versionID, art)
	if err != nil {
		l.logger.Error("artifact rejected", "versionID", versionID, "error", err)
		return nil
	}

	l.mu.Lock()
	l.cache[versionID] = cacheEntry{modTime: info.ModTime, module: mod}
	l.mu.Unlock()
	l.logger.Info("bundle loaded", "versionID", versionID, "modules", len(art.Modules))
	return mod
}

// instantiate builds a fresh namespace holding only the SDK and the
// artifact's own modules, re-verifies every module against the allow-list,
// and evaluates the layout once so artifacts that throw are rejected at load
// time rather than per request.
func (l *Loader) instantiate(ctx context.Context, versionID string, art *bundle.Artifact) (*Module, error) {
	root := template.New("bundle/" + versionID).Funcs(FuncMap())
	for name, src := range HostPartials() {
		if _, err := root.New(name).Parse(src); err != nil {
			return nil, fmt.Errorf("host partial %q: %w", name, err)
		}
	}
	for name, src := range art.Modules {
		trees, err := bundle.VerifyModule(l.resolver, name, src)
		if err != nil {
			return nil, err
		}
		for tname, tree := range trees {
			if _, err := root.AddParseTree(tname, tree); err != nil {
				return nil, fmt.Errorf("install %q: %w", tname, err)
			}
		}
	}
	if root.Lookup(bundle.LayoutName) == nil {
		return nil, fmt.Errorf("artifact exports no layout")
	}

	mf, err := manifest.Parse(art.Manifest)
	if err != nil {
		return nil, fmt.Errorf("manifest echo: %w", err)
	}

	mod := &Module{
		VersionID: versionID,
		Layout:    bundle.LayoutName,
		Manifest:  mf,
		Templates: art.Templates,
		tmpl:      root,
		timeout:   l.timeout,
	}
	if _, err := mod.Render(ctx, "", map[string]any{}); err != nil {
		return nil, fmt.Errorf("layout evaluation: %w", err)
	}
	return mod, nil
}

// Invalidate drops the cached module for a version.
func (l *Loader) Invalidate(versionID string) {
	l.mu.Lock()
	delete(l.cache, versionID)
	l.mu.Unlock()
}
