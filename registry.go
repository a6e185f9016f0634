package layerfs

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Registry maps system names to live filesystems so that persisted
// references can be resolved again.
type Registry struct {
	mu      sync.RWMutex
	systems map[string]FileSystem
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{systems: make(map[string]FileSystem)}
}

// Register adds fsys under its system name.
func (r *Registry) Register(fsys FileSystem) error {
	name := fsys.SystemName()
	if name == "" || strings.ContainsRune(name, ':') {
		return fmt.Errorf("invalid system name %q", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.systems[name]; ok {
		return fmt.Errorf("system %q: %w", name, ErrAlreadyExists)
	}
	r.systems[name] = fsys
	return nil
}

// Unregister removes the filesystem registered under name.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	delete(r.systems, name)
	r.mu.Unlock()
}

// Lookup returns the filesystem registered under name.
func (r *Registry) Lookup(name string) (FileSystem, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fsys, ok := r.systems[name]
	return fsys, ok
}

// Systems lists the registered names in sorted order.
func (r *Registry) Systems() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.systems))
	for name := range r.systems {
		names = append(names, name)
	}
	r.mu.RUnlock()
	sort.Strings(names)
	return names
}

// Resolve finds the node ref points to.
func (r *Registry) Resolve(ref Ref) (*Node, error) {
	fsys, ok := r.Lookup(ref.System)
	if !ok {
		return nil, fmt.Errorf("system %q: %w", ref.System, ErrNotFound)
	}
	n := fsys.Find(ref.Path)
	if n == nil || !n.IsValid() {
		return nil, pathError("resolve", cleanPath(ref.Path), ErrNotFound)
	}
	return n, nil
}

// Ref is a persistable reference to a node: "system:path".
type Ref struct {
	System string
	Path   string
}

// RefOf returns the reference of n.
func RefOf(n *Node) Ref {
	return Ref{System: n.FileSystem().SystemName(), Path: n.Path()}
}

// ParseRef parses the String form of a Ref.
func ParseRef(s string) (Ref, error) {
	system, p, ok := strings.Cut(s, ":")
	if !ok || system == "" {
		return Ref{}, fmt.Errorf("invalid reference %q", s)
	}
	return Ref{System: system, Path: cleanPath(p)}, nil
}

func (r Ref) String() string {
	return r.System + ":/" + cleanPath(r.Path)
}
