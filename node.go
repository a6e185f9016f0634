package layerfs

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"
)

// Node is one path in a filesystem. Nodes are cached per parent and rebuilt
// transparently when their cache slot has been emptied; two lookups of the
// same path behave identically even if they return different objects.
type Node struct {
	fs     *fsCore
	parent *Node
	epoch  *epoch

	name  atomic.Pointer[string]
	valid atomic.Bool

	// opMu serializes structural operations on the node.
	opMu sync.Mutex

	mu          sync.Mutex
	initialized bool
	children    map[string]childSlot
	order       []string
	lastMod     time.Time
	lastSize    int64
	lock        *Lock

	listeners listenerList

	// multi is set for nodes of a MultiFS.
	multi *multiState
}

func newNode(c *fsCore, parent *Node, name string) *Node {
	n := &Node{fs: c, parent: parent, epoch: c.epoch.Load()}
	n.name.Store(&name)
	n.valid.Store(true)
	return n
}

// Name returns the full name including the extension.
func (n *Node) Name() string { return *n.name.Load() }

func (n *Node) setName(name string) { n.name.Store(&name) }

// Base returns the name without its extension.
func (n *Node) Base() string {
	b, _ := splitExt(n.Name())
	return b
}

// Ext returns the extension without the dot.
func (n *Node) Ext() string {
	_, e := splitExt(n.Name())
	return e
}

// Path returns the slash separated path from the root; the root is "".
func (n *Node) Path() string {
	if n.parent == nil {
		return ""
	}
	return joinPath(n.parent.Path(), n.Name())
}

// Parent returns the parent folder, nil for the root.
func (n *Node) Parent() *Node { return n.parent }

// FileSystem returns the owning filesystem.
func (n *Node) FileSystem() FileSystem { return n.fs.self }

func (n *Node) IsRoot() bool { return n.parent == nil }

// IsValid reports whether the node still denotes a live entry. A node is
// invalid once it has been deleted, or once its filesystem root was replaced.
func (n *Node) IsValid() bool {
	return n.valid.Load() && n.epoch == n.fs.epoch.Load()
}

func (n *Node) invalidate() { n.valid.Store(false) }

// invalidateTree marks n and every materialized descendant invalid.
func (n *Node) invalidateTree() {
	n.invalidate()
	for _, c := range n.CachedChildren() {
		c.invalidateTree()
	}
}

func (n *Node) IsFolder() bool {
	return n.fs.ops.folder(n)
}

// IsData reports whether the node is a valid file with content.
func (n *Node) IsData() bool {
	return n.IsValid() && !n.IsFolder() && n.exists()
}

func (n *Node) exists() bool {
	if n.multi != nil {
		return n.multi.currentLeader() != nil
	}
	return true
}

// IsMask reports whether the node is a mask marker.
func (n *Node) IsMask() bool { return isMask(n.Name()) }

// IsReadOnly reports whether the node's content cannot be changed.
func (n *Node) IsReadOnly() bool { return n.fs.ops.readOnly(n) }

// Size returns the content length, 0 for folders and missing entries.
func (n *Node) Size() int64 {
	if !n.IsValid() {
		return 0
	}
	return n.fs.ops.size(n)
}

// LastModified returns the modification time, zero when unknown.
func (n *Node) LastModified() time.Time {
	if !n.IsValid() {
		return time.Time{}
	}
	return n.fs.ops.lastModified(n)
}

// Children returns the child nodes in backend order, listing the folder
// on first use.
func (n *Node) Children() []*Node {
	if !n.IsFolder() {
		return nil
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.ensureInitialized()
	out := make([]*Node, 0, len(n.order))
	for _, name := range n.order {
		if c := n.slotNode(name); c != nil {
			out = append(out, c)
		}
	}
	return out
}

// ChildNames returns the cached child names, listing the folder on first use.
func (n *Node) ChildNames() []string {
	if !n.IsFolder() {
		return nil
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.ensureInitialized()
	return append([]string(nil), n.order...)
}

// Child returns the named child or nil.
func (n *Node) Child(name string) *Node {
	if !n.IsFolder() {
		return nil
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.ensureInitialized()
	return n.slotNode(name)
}

// Find resolves a path relative to n.
func (n *Node) Find(rel string) *Node {
	cur := n
	for _, part := range splitPath(rel) {
		if cur == nil {
			return nil
		}
		cur = cur.Child(part)
	}
	return cur
}

// CachedChildren returns the children that are currently materialized,
// without listing or rebuilding anything.
func (n *Node) CachedChildren() []*Node {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]*Node, 0, len(n.order))
	for _, name := range n.order {
		if c := n.children[name].ref.Value(); c != nil {
			out = append(out, c)
		}
	}
	return out
}

func (n *Node) cachedChild(name string) *Node {
	n.mu.Lock()
	defer n.mu.Unlock()
	if s, ok := n.children[name]; ok {
		return s.ref.Value()
	}
	return nil
}

// ensureInitialized populates the children cache without firing events.
// The caller holds n.mu.
func (n *Node) ensureInitialized() {
	if n.initialized {
		return
	}
	names, err := n.fs.ops.list(n)
	if err != nil {
		n.fs.log.WithError(err).WithField("path", n.Path()).Warn("listing failed")
	}
	n.setChildrenLocked(names)
}

func (n *Node) setChildrenLocked(names []string) {
	n.children = make(map[string]childSlot, len(names))
	n.order = n.order[:0]
	for _, name := range names {
		if name == "" {
			continue
		}
		if _, dup := n.children[name]; dup {
			continue
		}
		n.children[name] = childSlot{}
		n.order = append(n.order, name)
	}
	n.initialized = true
}

// AddListener registers l for events on n and on everything below it.
// Priority listeners observe events as soon as the internal operation that
// caused them completes, even inside an enclosing atomic action.
func (n *Node) AddListener(l Listener, priority bool) (remove func()) {
	return n.listeners.add(l, priority)
}

// Refresh re-reads the node from its backing store and fires events for
// every difference found.
func (n *Node) Refresh(ctx context.Context) {
	ctx, act := beginAction(ctx, n.fs.self, true)
	defer act.Finish()
	n.opMu.Lock()
	defer n.opMu.Unlock()
	n.fs.ops.refresh(ctx, n, refreshOpts{fire: true})
}

// OpenRead opens the content for reading.
func (n *Node) OpenRead() (io.ReadCloser, error) {
	if !n.IsValid() {
		return nil, pathError("open", n.Path(), ErrInvalidState)
	}
	r, err := n.fs.ops.openRead(n)
	if err != nil {
		return nil, pathError("open", n.Path(), err)
	}
	return r, nil
}

// OpenWrite opens the content for writing, truncating it. l must be the
// node's live lock. Closing the writer fires Changed.
func (n *Node) OpenWrite(ctx context.Context, l *Lock) (io.WriteCloser, error) {
	if !n.IsValid() {
		return nil, pathError("write", n.Path(), ErrInvalidState)
	}
	if err := n.checkLock(l); err != nil {
		return nil, pathError("write", n.Path(), err)
	}
	if n.IsFolder() {
		return nil, pathError("write", n.Path(), ErrNotFound)
	}
	w, err := n.fs.ops.openWrite(ctx, n, l)
	if err != nil {
		return nil, pathError("write", n.Path(), err)
	}
	return w, nil
}

// CreateFolder creates a child folder.
func (n *Node) CreateFolder(ctx context.Context, name string) (*Node, error) {
	return n.create(ctx, name, true)
}

// CreateData creates an empty child file.
func (n *Node) CreateData(ctx context.Context, name string) (*Node, error) {
	return n.create(ctx, name, false)
}

func (n *Node) create(ctx context.Context, name string, folder bool) (*Node, error) {
	op := "create"
	if folder {
		op = "mkdir"
	}
	childPath := joinPath(n.Path(), name)
	if name == "" || name != baseName(cleanPath(name)) {
		return nil, pathError(op, childPath, ErrInvalidState)
	}
	ctx, act := beginAction(ctx, n.fs.self, true)
	defer act.Finish()

	n.opMu.Lock()
	defer n.opMu.Unlock()

	if !n.IsValid() {
		return nil, pathError(op, childPath, ErrInvalidState)
	}
	if n.fs.ops.fsReadOnly() {
		return nil, pathError(op, childPath, ErrReadOnlyFileSystem)
	}
	if !n.IsFolder() {
		return nil, pathError(op, childPath, ErrNotAFolder)
	}
	existed := n.Child(name) != nil
	if err := n.fs.ops.create(ctx, n, name, folder); err != nil {
		return nil, pathError(op, childPath, err)
	}

	n.fs.ops.refresh(ctx, n, refreshOpts{added: name})
	child := n.Child(name)
	if child == nil {
		return nil, pathError(op, childPath, ErrInvalidState)
	}
	if !existed {
		child.fireFrom(ctx, n, Event{Kind: Created, Folder: folder, Expected: true})
	}
	return child, nil
}

// Delete removes the node. l must be the node's live lock; it is released
// on success.
func (n *Node) Delete(ctx context.Context, l *Lock) error {
	p := n.Path()
	if n.IsRoot() {
		return pathError("delete", p, ErrCannotRenameOrDeleteRoot)
	}
	ctx, act := beginAction(ctx, n.fs.self, true)
	defer act.Finish()

	n.opMu.Lock()
	defer n.opMu.Unlock()
	n.parent.opMu.Lock()
	defer n.parent.opMu.Unlock()

	if !n.IsValid() {
		return pathError("delete", p, ErrInvalidState)
	}
	if err := n.checkLock(l); err != nil {
		return pathError("delete", p, err)
	}
	if err := n.fs.ops.remove(ctx, n, l); err != nil {
		return pathError("delete", p, err)
	}
	l.Release()

	n.invalidateTree()
	n.fs.ops.refresh(ctx, n.parent, refreshOpts{removed: n.Name()})
	n.fire(ctx, Event{Kind: Deleted, Expected: true})
	return nil
}

// Rename gives the node a new name in the same folder. The node object keeps
// its identity and its lock.
func (n *Node) Rename(ctx context.Context, l *Lock, newName string) error {
	p := n.Path()
	if n.IsRoot() {
		return pathError("rename", p, ErrCannotRenameOrDeleteRoot)
	}
	ctx, act := beginAction(ctx, n.fs.self, true)
	defer act.Finish()

	n.opMu.Lock()
	defer n.opMu.Unlock()
	n.parent.opMu.Lock()
	defer n.parent.opMu.Unlock()

	if !n.IsValid() {
		return pathError("rename", p, ErrInvalidState)
	}
	if err := n.checkLock(l); err != nil {
		return pathError("rename", p, err)
	}
	oldName := n.Name()
	if newName == oldName {
		return nil
	}
	if newName == "" || newName != baseName(cleanPath(newName)) {
		return pathError("rename", p, ErrInvalidState)
	}
	if n.fs.ops.fsReadOnly() {
		return pathError("rename", p, ErrReadOnlyFileSystem)
	}
	if n.parent.Child(newName) != nil {
		return pathError("rename", joinPath(n.parent.Path(), newName), ErrAlreadyExists)
	}
	if err := n.fs.ops.rename(ctx, n, l, newName); err != nil {
		return pathError("rename", p, err)
	}

	n.fs.ops.refresh(ctx, n.parent, refreshOpts{added: newName, removed: oldName})
	n.setName(newName)
	n.fs.ops.refresh(ctx, n, refreshOpts{deep: true})

	oldBase, oldExt := splitExt(oldName)
	n.fire(ctx, Event{Kind: Renamed, OldName: oldBase, OldExt: oldExt, Expected: true})
	return nil
}

// Attribute returns the named attribute, Null when absent.
func (n *Node) Attribute(name string) Value {
	if !n.IsValid() {
		return Null
	}
	return n.fs.ops.attribute(n, name)
}

// SetAttribute stores an attribute; Null clears it.
func (n *Node) SetAttribute(ctx context.Context, name string, v Value) error {
	ctx, act := beginAction(ctx, n.fs.self, true)
	defer act.Finish()
	if !n.IsValid() {
		return pathError("setattr", n.Path(), ErrInvalidState)
	}
	if err := n.fs.ops.setAttribute(ctx, n, name, v); err != nil {
		return pathError("setattr", n.Path(), err)
	}
	return nil
}

// AttributeNames lists the attributes set on the node.
func (n *Node) AttributeNames() []string {
	if !n.IsValid() {
		return nil
	}
	return n.fs.ops.attributeNames(n)
}

func (n *Node) String() string {
	return n.fs.name + ":/" + n.Path()
}
