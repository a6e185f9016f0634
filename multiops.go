package layerfs

import (
	"context"
	"io"
	"sync"
)

func (m *MultiFS) create(ctx context.Context, parent *Node, name string, folder bool) error {
	p := joinPath(parent.Path(), name)
	wfs, err := m.writableFS(p)
	if err != nil {
		return err
	}
	if c := parent.Child(name); c != nil {
		if l := c.Leader(); l != nil && l.FileSystem() == wfs {
			return ErrAlreadyExists
		}
	}
	ctx, act := beginAction(ctx, m, true)
	defer act.Finish()

	target, err := ensureFolder(ctx, wfs, parent.Path())
	if err != nil {
		return err
	}
	wasMasked := m.maskedAbove(wfs, p)
	if folder {
		_, err = target.CreateFolder(ctx, name)
	} else {
		_, err = target.CreateData(ctx, name)
	}
	if err != nil {
		return err
	}
	if err := m.unmaskOnAllHigherLayers(ctx, wfs, p); err != nil {
		return err
	}
	if wasMasked && folder {
		// the new folder starts empty: keep what lower delegates still hold hidden
		return m.maskLower(ctx, wfs, p)
	}
	return nil
}

// maskedAbove reports whether a delegate up to and including wfs masks p.
func (m *MultiFS) maskedAbove(wfs FileSystem, p string) bool {
	for _, d := range m.Delegates() {
		if d == nil {
			continue
		}
		if hasMask(d.Find(parentPath(p)), baseName(p)) {
			return true
		}
		if d == wfs {
			break
		}
	}
	return false
}

// maskLower masks, on wfs, every child of folder p held by a delegate below wfs.
func (m *MultiFS) maskLower(ctx context.Context, wfs FileSystem, p string) error {
	below := false
	for _, d := range m.Delegates() {
		if d == wfs {
			below = true
			continue
		}
		if !below || d == nil {
			continue
		}
		folder := d.Find(p)
		if folder == nil || !folder.IsFolder() {
			continue
		}
		for _, c := range folder.ChildNames() {
			if isMask(c) {
				continue
			}
			if err := m.mask(ctx, wfs, joinPath(p, c)); err != nil {
				return err
			}
		}
	}
	return nil
}

func (m *MultiFS) remove(ctx context.Context, n *Node, l *Lock) error {
	p := n.Path()
	_, nodes, _ := n.multi.snapshot()

	var direct []*Node
	needMask := false
	for _, d := range nodes {
		if d == nil {
			continue
		}
		if l.partFor(d) != nil {
			direct = append(direct, d)
			continue
		}
		needMask = true
	}

	var wfs FileSystem
	if needMask {
		var err error
		if wfs, err = m.writableFS(p); err != nil {
			return err
		}
	}

	ctx, act := beginAction(ctx, m, true)
	defer act.Finish()

	for _, d := range direct {
		if err := d.Delete(ctx, l.partFor(d)); err != nil {
			return err
		}
	}
	if !needMask {
		return nil
	}
	// copies on wfs itself are removed rather than left behind the mask
	for _, d := range nodes {
		if d == nil || d.FileSystem() != wfs || !d.IsValid() {
			continue
		}
		if err := deleteNode(ctx, d); err != nil {
			return err
		}
	}
	return m.mask(ctx, wfs, p)
}

func (m *MultiFS) rename(ctx context.Context, n *Node, l *Lock, newName string) error {
	oldPath := n.Path()
	newPath := joinPath(parentPath(oldPath), newName)
	leader := n.multi.currentLeader()
	if leader == nil {
		return ErrNotFound
	}
	target, err := m.renameOn(m.Delegates(), oldPath, newPath)
	if err != nil {
		return err
	}

	ctx, act := beginAction(ctx, m, true)
	defer act.Finish()

	// a folder merged from several delegates is carried over as the merged
	// view; the leader's own subtree would drop the lower children
	merged := n.IsFolder() && copyCount(n) > 1
	onTarget := leader.FileSystem() == target

	var part *Lock
	if onTarget {
		if part = l.partFor(leader); part == nil {
			if part, err = leader.Lock(); err != nil {
				return err
			}
			defer part.Release()
		}
	}

	if onTarget && !merged {
		if err := leader.Rename(ctx, part, newName); err != nil {
			return err
		}
	} else {
		folder, err := ensureFolder(ctx, target, parentPath(oldPath))
		if err != nil {
			return err
		}
		src := leader
		if merged {
			src = n
		}
		if _, err := src.Copy(ctx, folder, newName); err != nil {
			return err
		}
		if onTarget {
			if err := leader.Delete(ctx, part); err != nil {
				return err
			}
		}
		m.log.WithField("path", oldPath).
			WithField("to", newPath).
			WithField("delegate", target.SystemName()).
			Debug("renamed by copy")
	}

	if err := m.unmaskOnAllHigherLayers(ctx, target, newPath); err != nil {
		return err
	}
	if rest, _ := m.scan(oldPath); firstNode(rest) != nil {
		return m.mask(ctx, target, oldPath)
	}
	return nil
}

// copyCount returns the number of live delegate copies of n.
func copyCount(n *Node) int {
	_, nodes, _ := n.multi.snapshot()
	count := 0
	for _, d := range nodes {
		if d != nil && d.IsValid() {
			count++
		}
	}
	return count
}

func (m *MultiFS) lock(n *Node) (*Lock, error) {
	l := newLock(n, nil)
	var parts []*Lock
	for _, d := range m.lockTargets(n) {
		part, err := d.Lock()
		if err != nil {
			for _, x := range parts {
				x.Release()
			}
			return nil, err
		}
		parts = append(parts, part)
	}
	l.setParts(parts)
	return l, nil
}

// lockTargets lists the delegate copies of n that the lock policy covers.
func (m *MultiFS) lockTargets(n *Node) []*Node {
	_, nodes, _ := n.multi.snapshot()
	lockable := m.locksOn(m.Delegates(), n.Path())
	var out []*Node
	for _, d := range nodes {
		if d == nil || !d.IsValid() {
			continue
		}
		for _, fs := range lockable {
			if d.FileSystem() == fs {
				out = append(out, d)
				break
			}
		}
	}
	return out
}

// syncLock moves the constituent locks of l to the delegate copies that
// currently resolve n.
func (m *MultiFS) syncLock(n *Node, l *Lock) {
	targets := m.lockTargets(n)
	var keep []*Lock
	for _, part := range l.partList() {
		covered := false
		for _, d := range targets {
			if sameNode(part.node, d) {
				covered = true
				break
			}
		}
		if covered && part.IsValid() {
			keep = append(keep, part)
			continue
		}
		part.Release()
	}
	for _, d := range targets {
		held := false
		for _, part := range keep {
			if sameNode(part.node, d) {
				held = true
				break
			}
		}
		if held {
			continue
		}
		part, err := d.Lock()
		if err != nil {
			m.log.WithError(err).WithField("path", d.Path()).Warn("failed to carry lock over")
			continue
		}
		keep = append(keep, part)
	}
	l.setParts(keep)
}

func (m *MultiFS) openWrite(ctx context.Context, n *Node, l *Lock) (io.WriteCloser, error) {
	ctx, act := beginAction(ctx, m, true)
	defer act.Finish()

	leader, err := m.writable(ctx, n)
	if err != nil {
		return nil, err
	}
	part := l.partFor(leader)
	var temp *Lock
	if part == nil {
		if temp, err = leader.Lock(); err != nil {
			return nil, err
		}
		part = temp
	}
	w, err := leader.OpenWrite(ctx, part)
	if err != nil {
		temp.Release()
		return nil, err
	}
	return &multiWriter{WriteCloser: w, ctx: ctx, m: m, node: n, temp: temp}, nil
}

// multiWriter fires Changed on the overlay node once the delegate copy is
// written.
type multiWriter struct {
	io.WriteCloser
	ctx  context.Context
	m    *MultiFS
	node *Node
	temp *Lock

	once sync.Once
	err  error
}

func (w *multiWriter) Close() error {
	w.once.Do(func() {
		ctx, act := beginAction(w.ctx, w.m, true)
		defer act.Finish()
		w.err = w.WriteCloser.Close()
		w.temp.Release()
		if w.err != nil {
			return
		}
		w.m.resolveLeader(ctx, w.node)
		w.node.snapshotLeaf()
		w.node.fire(ctx, Event{Kind: Changed, Expected: true})
	})
	return w.err
}

// Writable makes sure n has a copy on the delegate the writable policy picks
// for its path and returns that copy. Locked ancestors are promoted as well.
// Calling it again on a promoted node copies nothing.
func (m *MultiFS) Writable(ctx context.Context, n *Node) (*Node, error) {
	if n == nil || n.fs != &m.fsCore {
		return nil, ErrInvalidState
	}
	ctx, act := beginAction(ctx, m, true)
	defer act.Finish()
	return m.writable(ctx, n)
}

func (m *MultiFS) writable(ctx context.Context, n *Node) (*Node, error) {
	p := n.Path()
	wfs, err := m.writableFS(p)
	if err != nil {
		return nil, err
	}
	_, nodes, _ := n.multi.snapshot()
	for _, d := range nodes {
		if d != nil && d.IsValid() && d.FileSystem() == wfs {
			return d, nil
		}
	}
	leader := n.multi.currentLeader()
	if leader == nil {
		return nil, ErrNotFound
	}

	var locked []*Node
	for a := n.parent; a != nil && !a.IsRoot(); a = a.parent {
		if a.IsLocked() {
			locked = append(locked, a)
		}
	}
	for i := len(locked) - 1; i >= 0; i-- {
		if _, err := m.writable(ctx, locked[i]); err != nil {
			return nil, err
		}
	}

	var copied *Node
	if leader.IsFolder() {
		if copied, err = ensureFolder(ctx, wfs, p); err != nil {
			return nil, err
		}
		if err := copyAttributes(ctx, leader, copied); err != nil {
			return nil, err
		}
	} else {
		folder, err := ensureFolder(ctx, wfs, parentPath(p))
		if err != nil {
			return nil, err
		}
		if copied, err = leader.copyData(ctx, folder, n.Name()); err != nil {
			return nil, err
		}
	}
	if err := m.adoptPrefixed(ctx, wfs, p, copied); err != nil {
		return nil, err
	}
	m.log.WithField("path", p).
		WithField("from", leader.FileSystem().SystemName()).
		WithField("to", wfs.SystemName()).
		Debug("promoted")

	m.resolve(ctx, n, false)
	return copied, nil
}
