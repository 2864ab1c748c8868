package tool

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/hupe1980/biomesh/logging"
)

// Options configures a Registry.
type Options struct {
	// NewRetriever builds the retrieval index for each snapshot.
	NewRetriever func(descs []*Descriptor) Retriever
	Logger       logging.Logger
}

// Registry owns the current tool snapshot. Readers take the snapshot once
// and keep using it; Register and Sync install a new one atomically.
type Registry struct {
	root string
	opts Options

	mu   sync.RWMutex
	snap *Snapshot
}

// NewRegistry creates a registry rooted at root and loads it. An empty root
// yields an empty registry populated via Register.
func NewRegistry(root string, optFns ...func(o *Options)) (*Registry, error) {
	opts := Options{
		NewRetriever: func(descs []*Descriptor) Retriever { return NewLexicalIndex(descs) },
		Logger:       logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	r := &Registry{root: root, opts: opts}
	r.snap = r.build(nil)
	if root == "" {
		return r, nil
	}
	if _, err := r.Sync(); err != nil {
		return nil, err
	}
	return r, nil
}

// Root returns the descriptor tree the registry syncs from.
func (r *Registry) Root() string { return r.root }

// Snapshot returns the current immutable snapshot.
func (r *Registry) Snapshot() *Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snap
}

// Register adds a descriptor. Names must be unique.
func (r *Registry) Register(d *Descriptor) error {
	if d == nil {
		return errors.New("descriptor is required")
	}
	if err := d.Validate(); err != nil {
		return fmt.Errorf("register %s: %w", d.Name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.snap.byName[d.Name]; exists {
		return fmt.Errorf("tool %q already registered", d.Name)
	}
	descs := append(r.snap.List(), d.clone())
	r.snap = r.build(descs)
	return nil
}

// Lookup returns a copy of the named descriptor from the current snapshot.
func (r *Registry) Lookup(name string) (*Descriptor, bool) {
	return r.Snapshot().Lookup(name)
}

// List returns copies of all descriptors in name order.
func (r *Registry) List() []*Descriptor {
	return r.Snapshot().List()
}

// Sync rescans the registry root and installs the result. The root is fixed
// at construction. On error the previous snapshot stays in place.
func (r *Registry) Sync() (*Snapshot, error) {
	if r.root == "" {
		return nil, errors.New("registry has no root directory")
	}
	descs, err := LoadDir(r.root)
	if err != nil {
		return nil, err
	}
	snap := r.build(descs)

	r.mu.Lock()
	r.snap = snap
	r.mu.Unlock()

	r.opts.Logger.Info("tool registry synced", "root", r.root, "tools", snap.Len(), "digest", snap.Digest())
	return snap, nil
}

func (r *Registry) build(descs []*Descriptor) *Snapshot {
	sort.Slice(descs, func(i, j int) bool { return descs[i].Name < descs[j].Name })
	s := &Snapshot{
		byName: make(map[string]*Descriptor, len(descs)),
		order:  descs,
	}
	for _, d := range descs {
		s.byName[d.Name] = d
	}
	s.index = r.opts.NewRetriever(descs)
	s.digest = digest(descs)
	return s
}

// LoadDir reads <root>/<tool>/<function>.json descriptors.
func LoadDir(root string) ([]*Descriptor, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("read tool root: %w", err)
	}

	var out []*Descriptor
	seen := map[string]string{}
	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		toolDir := filepath.Join(root, entry.Name())
		files, err := os.ReadDir(toolDir)
		if err != nil {
			return nil, fmt.Errorf("read tool dir %q: %w", toolDir, err)
		}
		for _, f := range files {
			if f.IsDir() || !strings.EqualFold(filepath.Ext(f.Name()), ".json") {
				continue
			}
			path := filepath.Join(toolDir, f.Name())
			d, err := loadFile(path, entry.Name())
			if err != nil {
				return nil, err
			}
			if prev, dup := seen[d.Name]; dup {
				return nil, fmt.Errorf("duplicate tool %q in %s and %s", d.Name, prev, path)
			}
			seen[d.Name] = path
			out = append(out, d)
		}
	}
	return out, nil
}

func loadFile(path, toolName string) (*Descriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read descriptor %q: %w", path, err)
	}
	d, err := ParseDescriptor(data)
	if err != nil {
		return nil, fmt.Errorf("parse descriptor %q: %w", path, err)
	}
	if d.Name == "" {
		d.Name = toolName + "." + strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	d.Dir = filepath.Dir(path)
	if err := d.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return d, nil
}

func digest(descs []*Descriptor) string {
	h := sha256.New()
	enc := json.NewEncoder(h)
	for _, d := range descs {
		_ = enc.Encode(d)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Snapshot is an immutable view of the registry.
type Snapshot struct {
	byName map[string]*Descriptor
	order  []*Descriptor
	index  Retriever
	digest string
}

// Lookup returns a copy of the named descriptor.
func (s *Snapshot) Lookup(name string) (*Descriptor, bool) {
	if s == nil {
		return nil, false
	}
	d, ok := s.byName[name]
	if !ok {
		return nil, false
	}
	return d.clone(), true
}

// Has reports whether name is present without copying.
func (s *Snapshot) Has(name string) bool {
	if s == nil {
		return false
	}
	_, ok := s.byName[name]
	return ok
}

// List returns copies of all descriptors in name order.
func (s *Snapshot) List() []*Descriptor {
	out := make([]*Descriptor, len(s.order))
	for i, d := range s.order {
		out[i] = d.clone()
	}
	return out
}

// Names returns tool names in order.
func (s *Snapshot) Names() []string {
	out := make([]string, len(s.order))
	for i, d := range s.order {
		out[i] = d.Name
	}
	return out
}

// Len returns the number of tools.
func (s *Snapshot) Len() int { return len(s.order) }

// Digest identifies the snapshot content. Syncing an unchanged tree yields
// the same digest.
func (s *Snapshot) Digest() string { return s.digest }

// Retrieve returns up to k tool names most relevant to query.
func (s *Snapshot) Retrieve(query string, k int) []string {
	return s.index.Retrieve(query, k)
}
