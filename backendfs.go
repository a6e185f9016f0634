package layerfs

import (
	"context"
	"io"
	"sync"
	"time"
)

// BackendFS is a FileSystem over a single Backend.
type BackendFS struct {
	fsCore

	mu      sync.RWMutex
	backend Backend
}

var _ FileSystem = (*BackendFS)(nil)

// NewBackendFS creates a filesystem over b. Only WithLogger,
// WithLeafTolerance and WithCopyBufferSize apply.
func NewBackendFS(b Backend, opts ...Option) *BackendFS {
	o := newOptions(opts)
	f := &BackendFS{backend: b}
	f.init(b.SystemName(), f, f, o)
	f.RefreshRoot()
	return f
}

// Backend returns the current backing store.
func (f *BackendFS) Backend() Backend {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.backend
}

// Redirect points the filesystem at another backing store. Every node handed
// out before the call becomes invalid.
func (f *BackendFS) Redirect(b Backend) {
	f.mu.Lock()
	f.backend = b
	f.mu.Unlock()
	f.RefreshRoot()
}

func (f *BackendFS) newNode(parent *Node, name string) *Node {
	n := newNode(&f.fsCore, parent, name)
	if parent != nil {
		p := n.Path()
		b := f.Backend()
		if !b.IsFolder(p) {
			n.lastMod, n.lastSize = b.LastModified(p), b.Size(p)
		}
	}
	return n
}

func (f *BackendFS) list(n *Node) ([]string, error) {
	return f.Backend().Children(n.Path())
}

func (f *BackendFS) folder(n *Node) bool {
	return n.IsRoot() || f.Backend().IsFolder(n.Path())
}

func (f *BackendFS) lastModified(n *Node) time.Time {
	return f.Backend().LastModified(n.Path())
}

func (f *BackendFS) size(n *Node) int64 {
	return f.Backend().Size(n.Path())
}

func (f *BackendFS) readOnly(n *Node) bool {
	b := f.Backend()
	return b.ReadOnly() || b.IsReadOnly(n.Path())
}

func (f *BackendFS) fsReadOnly() bool { return f.Backend().ReadOnly() }

func (f *BackendFS) cheapHints() bool { return true }

func (f *BackendFS) exists(p string) bool {
	b := f.Backend()
	return b.IsFolder(p) || !b.LastModified(p).IsZero()
}

func (f *BackendFS) openRead(n *Node) (io.ReadCloser, error) {
	if f.folder(n) {
		return nil, ErrNotFound
	}
	return f.Backend().OpenRead(n.Path())
}

func (f *BackendFS) openWrite(ctx context.Context, n *Node, _ *Lock) (io.WriteCloser, error) {
	if f.readOnly(n) {
		return nil, ErrReadOnlyFile
	}
	w, err := f.Backend().OpenWrite(n.Path())
	if err != nil {
		return nil, err
	}
	return &nodeWriter{WriteCloser: w, ctx: ctx, node: n, tag: f}, nil
}

func (f *BackendFS) create(_ context.Context, parent *Node, name string, folder bool) error {
	b := f.Backend()
	if b.ReadOnly() {
		return ErrReadOnlyFileSystem
	}
	p := joinPath(parent.Path(), name)
	if f.exists(p) {
		return ErrAlreadyExists
	}
	if folder {
		return b.CreateFolder(p)
	}
	return b.CreateData(p)
}

func (f *BackendFS) remove(_ context.Context, n *Node, _ *Lock) error {
	b := f.Backend()
	if b.ReadOnly() {
		return ErrReadOnlyFileSystem
	}
	p := n.Path()
	if err := b.Delete(p); err != nil {
		return err
	}
	if err := b.DeleteAttrs(p); err != nil {
		f.log.WithError(err).WithField("path", p).Warn("failed to drop attributes")
	}
	return nil
}

func (f *BackendFS) rename(_ context.Context, n *Node, _ *Lock, newName string) error {
	b := f.Backend()
	if b.ReadOnly() {
		return ErrReadOnlyFileSystem
	}
	oldPath := n.Path()
	newPath := joinPath(parentPath(oldPath), newName)
	if f.exists(newPath) {
		return ErrAlreadyExists
	}
	if err := b.Rename(oldPath, newPath); err != nil {
		return err
	}
	if err := b.RenameAttrs(oldPath, newPath); err != nil {
		f.log.WithError(err).WithField("path", oldPath).Warn("failed to move attributes")
	}
	return nil
}

func (f *BackendFS) lock(n *Node) (*Lock, error) {
	b := f.Backend()
	if err := b.Lock(n.Path()); err != nil {
		return nil, err
	}
	return newLock(n, func(l *Lock) {
		b.Unlock(l.node.Path())
	}), nil
}

func (f *BackendFS) attribute(n *Node, name string) Value {
	v, err := f.Backend().Attr(n.Path(), name)
	if err != nil {
		f.log.WithError(err).WithField("path", n.Path()).Warn("failed to read attribute")
		return Null
	}
	return v
}

func (f *BackendFS) setAttribute(ctx context.Context, n *Node, name string, v Value) error {
	b := f.Backend()
	if b.ReadOnly() {
		return ErrReadOnlyFileSystem
	}
	old := f.attribute(n, name)
	if err := b.SetAttr(n.Path(), name, v); err != nil {
		return err
	}
	if !old.Equal(v) {
		n.fire(ctx, Event{Kind: AttributeChanged, Attribute: name, OldValue: old, NewValue: v, Expected: true})
	}
	return nil
}

func (f *BackendFS) attributeNames(n *Node) []string {
	names, err := f.Backend().AttrNames(n.Path())
	if err != nil {
		f.log.WithError(err).WithField("path", n.Path()).Warn("failed to list attributes")
		return nil
	}
	return names
}

func (f *BackendFS) refresh(ctx context.Context, n *Node, o refreshOpts) {
	if !f.folder(n) {
		n.refreshLeaf(ctx, o)
		return
	}
	kept := n.refreshFolder(ctx, o)
	if !o.deep {
		return
	}
	for _, c := range kept {
		f.refresh(ctx, c, refreshOpts{fire: o.fire, expected: o.expected, deep: true})
	}
}

// nodeWriter fires Changed on its node once the content is written.
type nodeWriter struct {
	io.WriteCloser
	ctx  context.Context
	node *Node
	tag  any

	once sync.Once
	err  error
}

func (w *nodeWriter) Close() error {
	w.once.Do(func() {
		w.err = w.WriteCloser.Close()
		if w.err != nil {
			return
		}
		ctx, act := beginAction(w.ctx, w.tag, true)
		defer act.Finish()
		w.node.snapshotLeaf()
		w.node.fire(ctx, Event{Kind: Changed, Expected: true})
	})
	return w.err
}
