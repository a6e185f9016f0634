package layerfs

import (
	"context"
	"io"
	"path"
	"strings"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultLeafTolerance is how far a data node's modification time may move
// between refreshes, with unchanged size, before a Changed event is fired.
const DefaultLeafTolerance = 500 * time.Millisecond

// FileSystem is a hierarchical namespace of Nodes. It is implemented by
// *BackendFS and *MultiFS.
type FileSystem interface {
	// SystemName identifies the filesystem in a Registry.
	SystemName() string
	// Root returns the current root node.
	Root() *Node
	// Find resolves a slash separated path, populating caches as needed.
	Find(p string) *Node
	// FindCached resolves a path through already materialized nodes only.
	FindCached(p string) *Node
	// IsReadOnly reports whether no mutation can succeed.
	IsReadOnly() bool
	// RefreshRoot replaces the root; every node handed out before becomes invalid.
	RefreshRoot()
	// AddListener registers a listener for every event in the filesystem.
	AddListener(l Listener, priority bool) (remove func())
	// CacheStats reports node cache counters.
	CacheStats() CacheStats

	core() *fsCore
}

// epoch identifies one generation of a filesystem root.
type epoch struct {
	gen uint64
}

// nodeOps is the per-kind behaviour behind a Node.
type nodeOps interface {
	newNode(parent *Node, name string) *Node
	list(n *Node) ([]string, error)
	folder(n *Node) bool
	lastModified(n *Node) time.Time
	size(n *Node) int64
	readOnly(n *Node) bool
	openRead(n *Node) (io.ReadCloser, error)
	openWrite(ctx context.Context, n *Node, l *Lock) (io.WriteCloser, error)
	create(ctx context.Context, parent *Node, name string, folder bool) error
	remove(ctx context.Context, n *Node, l *Lock) error
	rename(ctx context.Context, n *Node, l *Lock, newName string) error
	lock(n *Node) (*Lock, error)
	attribute(n *Node, name string) Value
	setAttribute(ctx context.Context, n *Node, name string, v Value) error
	attributeNames(n *Node) []string
	refresh(ctx context.Context, n *Node, o refreshOpts)
	// cheapHints reports whether single-name refresh hints may replace a re-list.
	cheapHints() bool
	fsReadOnly() bool
}

// fsCore is the state shared by every filesystem kind: the root epoch, the
// filesystem-wide listeners and the node cache configuration.
type fsCore struct {
	name string
	self FileSystem
	ops  nodeOps

	epoch atomic.Pointer[epoch]
	root  atomic.Pointer[Node]

	listeners  listenerList
	stats      cacheStats
	log        logrus.FieldLogger
	tolerance  time.Duration
	copyBuffer int
}

func (c *fsCore) init(name string, self FileSystem, ops nodeOps, o *options) {
	c.name = name
	c.self = self
	c.ops = ops
	c.log = o.log.WithField("fs", name)
	c.tolerance = o.tolerance
	c.copyBuffer = o.copyBuffer
}

func (c *fsCore) core() *fsCore { return c }

// SystemName returns the name the filesystem was created with.
func (c *fsCore) SystemName() string { return c.name }

// Root returns the current root node.
func (c *fsCore) Root() *Node { return c.root.Load() }

// RefreshRoot bumps the root epoch and builds a fresh root. Nodes obtained
// before the call report IsValid() == false without any tree walk.
func (c *fsCore) RefreshRoot() {
	var gen uint64
	if e := c.epoch.Load(); e != nil {
		gen = e.gen + 1
	}
	c.epoch.Store(&epoch{gen: gen})
	c.root.Store(c.ops.newNode(nil, ""))
	c.log.WithField("epoch", gen).Debug("root replaced")
}

// AddListener registers l for every event in the filesystem.
func (c *fsCore) AddListener(l Listener, priority bool) func() {
	return c.listeners.add(l, priority)
}

// IsReadOnly reports whether the filesystem rejects every mutation.
func (c *fsCore) IsReadOnly() bool { return c.ops.fsReadOnly() }

// Find resolves p from the root, listing folders on the way as needed.
func (c *fsCore) Find(p string) *Node {
	n := c.Root()
	for _, part := range splitPath(p) {
		if n == nil {
			return nil
		}
		n = n.Child(part)
	}
	return n
}

// FindCached resolves p through materialized nodes only.
func (c *fsCore) FindCached(p string) *Node {
	n := c.Root()
	for _, part := range splitPath(p) {
		if n == nil {
			return nil
		}
		n = n.cachedChild(part)
	}
	return n
}

// CacheStats reports node cache counters.
func (c *fsCore) CacheStats() CacheStats {
	return c.stats.snapshot(c.epoch.Load())
}

// cleanPath normalizes p into the engine's form: no leading or trailing
// slash, the root is the empty string.
func cleanPath(p string) string {
	p = path.Clean("/" + strings.ReplaceAll(p, "\\", "/"))
	return strings.TrimPrefix(p, "/")
}

func splitPath(p string) []string {
	p = cleanPath(p)
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}

func joinPath(dir, name string) string {
	if dir == "" {
		return name
	}
	return dir + "/" + name
}

func parentPath(p string) string {
	if i := strings.LastIndexByte(p, '/'); i >= 0 {
		return p[:i]
	}
	return ""
}

func baseName(p string) string {
	if i := strings.LastIndexByte(p, '/'); i >= 0 {
		return p[i+1:]
	}
	return p
}

// splitExt splits a node name into base name and extension.
func splitExt(name string) (string, string) {
	i := strings.LastIndexByte(name, '.')
	if i <= 0 {
		return name, ""
	}
	return name[:i], name[i+1:]
}
