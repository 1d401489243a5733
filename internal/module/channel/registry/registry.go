// Package registry holds the live name to adapter index of payment channel
// plugins and keeps it in sync with the plugin directory.
//
// Each plugin lives in its own directory under the registry root and is
// described by a plugin.yaml manifest naming an adapter from the compiled-in
// catalog. Readers resolve against an immutable snapshot; writers build a new
// snapshot and publish it atomically, so a resolve never observes a
// half-loaded adapter and in-flight calls finish on the instance they hold.
package registry

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/paybridge/gateway/internal/module/channel/plugin"
	"github.com/paybridge/gateway/internal/utils/metrics"
)

var (
	// ErrNotFound is returned by Resolve for unknown or unloaded channels.
	ErrNotFound = errors.New("plugin not found")
	// ErrUnknownAdapter means a manifest names an adapter missing from the catalog.
	ErrUnknownAdapter = errors.New("unknown adapter")
	// ErrInvalidManifest means plugin.yaml could not be parsed or validated.
	ErrInvalidManifest = errors.New("invalid plugin manifest")
)

// Entry is one loaded plugin. Entries are immutable once published.
type Entry struct {
	ID         uint64
	Name       string
	Adapter    string
	Plugin     plugin.Plugin
	Descriptor plugin.Descriptor
	Dir        string // empty for programmatically installed plugins
	Hash       string
	ModTime    time.Time
	LoadedAt   time.Time
}

type index struct {
	version uint64
	entries map[string]*Entry
}

// Registry is safe for concurrent use.
type Registry struct {
	root    string
	catalog plugin.Catalog
	deps    plugin.Deps

	logger   *zap.Logger
	metrics  *metrics.Metrics
	debounce time.Duration
	settle   time.Duration
	onUnload func(name string)

	mu     sync.Mutex // serializes writers
	nextID uint64
	cur    atomic.Pointer[index]
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithMetrics records registry events.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Registry) { r.metrics = m }
}

// WithDebounce sets the quiet period after a file change before reloading.
func WithDebounce(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.debounce = d
		}
	}
}

// WithSettle sets the quiet period after a new plugin directory appears.
func WithSettle(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.settle = d
		}
	}
}

// OnUnload registers a hook called after a plugin leaves the index. Guard
// keys of a plugin are scoped under its name, see plugin.Scoped.
func OnUnload(fn func(name string)) Option {
	return func(r *Registry) { r.onUnload = fn }
}

// New creates an empty registry rooted at dir.
func New(dir string, catalog plugin.Catalog, deps plugin.Deps, opts ...Option) *Registry {
	r := &Registry{
		root:     dir,
		catalog:  catalog,
		deps:     deps.WithDefaults(),
		logger:   zap.NewNop(),
		debounce: 100 * time.Millisecond,
		settle:   500 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.Named("registry")
	r.cur.Store(&index{entries: map[string]*Entry{}})
	return r
}

// Root returns the plugin directory.
func (r *Registry) Root() string {
	return r.root
}

// Version increases by one with every published change.
func (r *Registry) Version() uint64 {
	return r.cur.Load().version
}

// Resolve returns the live adapter for name.
func (r *Registry) Resolve(name string) (plugin.Plugin, error) {
	e, ok := r.Lookup(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return e.Plugin, nil
}

// Lookup returns the live entry for name.
func (r *Registry) Lookup(name string) (*Entry, bool) {
	e, ok := r.cur.Load().entries[name]
	return e, ok
}

// List returns the public descriptors of all live plugins, sorted by name.
func (r *Registry) List() []plugin.Descriptor {
	entries := r.cur.Load().entries
	out := make([]plugin.Descriptor, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Descriptor.Public())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Len returns the number of live plugins.
func (r *Registry) Len() int {
	return len(r.cur.Load().entries)
}

// LoadAll scans the root once. Every directory with a manifest is loaded
// unless its content is unchanged since the last load; a failure, including
// a manifest missing from a loaded plugin's directory, keeps the previous
// entry of that name. File-backed entries whose directory is gone are
// unloaded. Errors of individual plugins are combined.
func (r *Registry) LoadAll(ctx context.Context) error {
	dirs, err := os.ReadDir(r.root)
	if err != nil {
		return fmt.Errorf("read plugin dir: %w", err)
	}

	seen := make(map[string]struct{}, len(dirs))
	var errs error
	for _, d := range dirs {
		if !d.IsDir() || ignored(d.Name()) {
			continue
		}
		name := d.Name()
		seen[name] = struct{}{}
		if _, err := os.Stat(filepath.Join(r.root, name, ManifestFile)); err != nil {
			if _, live := r.cur.Load().entries[name]; !live {
				r.logger.Debug("skipping directory without manifest", zap.String("dir", name))
				continue
			}
			// A loaded plugin lost its manifest: report it, keep the entry.
		}
		if err := r.load(ctx, name, false); err != nil {
			errs = multierr.Append(errs, err)
		}
	}

	for name, e := range r.cur.Load().entries {
		if _, ok := seen[name]; !ok && e.Dir != "" {
			r.Unload(name)
		}
	}
	return errs
}

// Reload re-reads and re-instantiates one plugin even if its files are
// unchanged. The new instance is published only after it is fully built.
func (r *Registry) Reload(ctx context.Context, name string) error {
	return r.load(ctx, name, true)
}

// Refresh is Reload that skips plugins whose directory content is unchanged.
func (r *Registry) Refresh(ctx context.Context, name string) error {
	return r.load(ctx, name, false)
}

// Install publishes a programmatically built plugin under name.
func (r *Registry) Install(name string, p plugin.Plugin) error {
	if p == nil {
		return fmt.Errorf("install %s: nil plugin", name)
	}
	desc := p.Descriptor().Public()
	adapter := desc.Name
	desc.Name = name
	if err := desc.Validate(); err != nil {
		r.metrics.RecordRegistryEvent("install", err)
		return fmt.Errorf("install %s: %w", name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.publishLocked(&Entry{
		Name:       name,
		Adapter:    adapter,
		Plugin:     p,
		Descriptor: desc,
		LoadedAt:   time.Now(),
	})
	r.metrics.RecordRegistryEvent("install", nil)
	return nil
}

// Unload removes name from the index and reports whether it was present.
// In-flight calls holding the old adapter are unaffected.
func (r *Registry) Unload(name string) bool {
	r.mu.Lock()
	ok := r.removeLocked(name)
	r.mu.Unlock()
	if ok {
		r.unloaded(name)
	}
	return ok
}

func (r *Registry) removeLocked(name string) bool {
	old := r.cur.Load()
	if _, ok := old.entries[name]; !ok {
		return false
	}
	next := &index{version: old.version + 1, entries: make(map[string]*Entry, len(old.entries))}
	for k, v := range old.entries {
		if k != name {
			next.entries[k] = v
		}
	}
	r.cur.Store(next)
	r.metrics.SetPluginsLoaded(len(next.entries))
	return true
}

func (r *Registry) unloaded(name string) {
	r.metrics.RecordRegistryEvent("unload", nil)
	r.logger.Info("plugin unloaded", zap.String("channel", name))
	if r.onUnload != nil {
		r.onUnload(name)
	}
}

func (r *Registry) load(ctx context.Context, name string, force bool) error {
	op := "load"
	if force {
		op = "reload"
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if name == "" || name != filepath.Base(name) || ignored(name) {
		return fmt.Errorf("load %q: invalid plugin name", name)
	}

	r.mu.Lock()
	removed, err := r.loadLocked(name, force)
	r.mu.Unlock()

	if removed {
		r.unloaded(name)
	}
	r.metrics.RecordRegistryEvent(op, err)
	if err != nil {
		r.logger.Warn("plugin load failed, keeping previous entry",
			zap.String("channel", name), zap.Error(err))
	}
	return err
}

// loadLocked builds and publishes one plugin. It reports whether a disabled
// manifest removed an existing entry. r.mu must be held.
func (r *Registry) loadLocked(name string, force bool) (bool, error) {
	dir := filepath.Join(r.root, name)

	hash, modTime, err := hashDir(dir)
	if err != nil {
		return false, fmt.Errorf("load %s: %w", name, err)
	}
	if prev, ok := r.cur.Load().entries[name]; ok && !force && prev.Hash == hash {
		return false, nil
	}

	m, err := readManifest(dir)
	if err != nil {
		return false, fmt.Errorf("load %s: %w", name, err)
	}
	if !m.IsEnabled() {
		return r.removeLocked(name), nil
	}

	p, err := r.instantiate(m)
	if err != nil {
		return false, fmt.Errorf("load %s: %w", name, err)
	}
	desc := m.apply(p.Descriptor(), name)
	if err := desc.Validate(); err != nil {
		return false, fmt.Errorf("load %s: %w", name, err)
	}

	r.publishLocked(&Entry{
		Name:       name,
		Adapter:    m.Adapter,
		Plugin:     p,
		Descriptor: desc,
		Dir:        dir,
		Hash:       hash,
		ModTime:    modTime,
		LoadedAt:   time.Now(),
	})
	r.logger.Info("plugin loaded",
		zap.String("channel", name),
		zap.String("adapter", m.Adapter),
		zap.String("hash", hash[:12]),
	)
	return false, nil
}

// instantiate runs the adapter factory, converting a panic into an error.
func (r *Registry) instantiate(m Manifest) (p plugin.Plugin, err error) {
	factory, ok := r.catalog[m.Adapter]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAdapter, m.Adapter)
	}
	defer func() {
		if rec := recover(); rec != nil {
			p, err = nil, fmt.Errorf("adapter %s panicked: %v", m.Adapter, rec)
		}
	}()
	deps := r.deps
	deps.Logger = r.deps.Logger.With(zap.String("channel", m.Name))
	deps.Guard = plugin.Scoped(r.deps.Guard, m.Name)
	p, err = factory(deps, m.Options)
	if err != nil {
		return nil, fmt.Errorf("adapter %s: %w", m.Adapter, err)
	}
	if p == nil {
		return nil, fmt.Errorf("adapter %s: factory returned nil", m.Adapter)
	}
	return p, nil
}

// publishLocked swaps in a copy of the index with e added. r.mu must be held.
func (r *Registry) publishLocked(e *Entry) {
	old := r.cur.Load()
	r.nextID++
	e.ID = r.nextID
	next := &index{version: old.version + 1, entries: make(map[string]*Entry, len(old.entries)+1)}
	for k, v := range old.entries {
		next.entries[k] = v
	}
	next.entries[e.Name] = e
	r.cur.Store(next)
	r.metrics.SetPluginsLoaded(len(next.entries))
}
