package layerfs

import (
	"context"
	"sync"
)

// MultiFS merges an ordered list of delegate filesystems into one tree.
// Earlier delegates take precedence; slot 0 is tested first for writes.
type MultiFS struct {
	fsCore

	mu             sync.RWMutex
	delegates      []FileSystem // ordered from highest precedence to lowest, slots may be nil
	unlisten       []func()
	propagateMasks bool
	writableOn     WritablePolicy
	renameOn       RenamePolicy
	locksOn        LockPolicy
	migrated       MigrationHook
}

var _ FileSystem = (*MultiFS)(nil)

// NewMultiFS creates an overlay named name with the specified options
func NewMultiFS(name string, opts ...Option) *MultiFS {
	o := newOptions(opts)
	m := &MultiFS{
		delegates:      o.delegates,
		propagateMasks: o.propagateMasks,
		writableOn:     o.writableOn,
		renameOn:       o.renameOn,
		locksOn:        o.locksOn,
		migrated:       o.migrated,
	}
	m.init(name, m, m, o)
	m.listen()
	m.RefreshRoot()
	return m
}

// Delegates returns a copy of the delegate list.
func (m *MultiFS) Delegates() []FileSystem {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]FileSystem(nil), m.delegates...)
}

// PropagateMasks reports whether mask markers are listed as children.
func (m *MultiFS) PropagateMasks() bool { return m.propagateMasks }

// SetDelegates replaces the delegate list and re-resolves every materialized
// node. Leader swaps fire Changed, names that vanish fire Deleted and names
// that appear fire Created.
func (m *MultiFS) SetDelegates(ctx context.Context, fss ...FileSystem) {
	ctx, act := beginAction(ctx, m, true)
	defer act.Finish()

	m.unlistenAll()
	m.mu.Lock()
	m.delegates = append([]FileSystem(nil), fss...)
	m.mu.Unlock()
	m.listen()

	m.log.WithField("delegates", len(fss)).Debug("delegates replaced")
	m.refresh(ctx, m.Root(), refreshOpts{fire: true, deep: true})
}

// Close detaches the overlay from its delegates. Changes made on the
// delegates directly are no longer tracked afterwards.
func (m *MultiFS) Close() error {
	m.unlistenAll()
	return nil
}

func (m *MultiFS) listen() {
	var removes []func()
	for _, d := range m.Delegates() {
		if d == nil {
			continue
		}
		removes = append(removes, d.AddListener(ListenerFunc(m.delegateChanged), true))
	}
	m.mu.Lock()
	m.unlisten = removes
	m.mu.Unlock()
}

func (m *MultiFS) unlistenAll() {
	m.mu.Lock()
	removes := m.unlisten
	m.unlisten = nil
	m.mu.Unlock()
	for _, r := range removes {
		r()
	}
}

// delegateChanged tracks changes made on a delegate behind the overlay's back.
func (m *MultiFS) delegateChanged(ctx context.Context, ev Event) {
	if ev.FiredFrom(m) || ev.File == nil {
		return
	}
	p := ev.File.Path()
	ctx, act := beginAction(ctx, m, true)
	defer act.Finish()

	switch ev.Kind {
	case Changed, AttributeChanged:
		n := m.FindCached(p)
		if n == nil || n.multi == nil {
			return
		}
		leader := n.multi.currentLeader()
		if leader == nil || !sameNode(leader, ev.File) {
			if ev.Kind == AttributeChanged {
				// a lower layer may still be visible through prefixed attributes
				n.multi.clearAttr()
			}
			return
		}
		if ev.Kind == Changed {
			n.snapshotLeaf()
			n.fire(ctx, Event{Kind: Changed, Expected: ev.Expected})
			return
		}
		n.multi.clearAttr()
		n.fire(ctx, Event{
			Kind:      AttributeChanged,
			Attribute: ev.Attribute,
			OldValue:  devoidify(ev.OldValue),
			NewValue:  m.attribute(n, ev.Attribute),
			Expected:  ev.Expected,
		})
	default:
		folder := m.FindCached(parentPath(p))
		if folder == nil {
			return
		}
		m.refresh(ctx, folder, refreshOpts{fire: true, expected: ev.Expected})
	}
}

// writableFS applies the writable policy to p.
func (m *MultiFS) writableFS(p string) (FileSystem, error) {
	return m.writableOn(m.Delegates(), p)
}

func (m *MultiFS) fsReadOnly() bool {
	_, err := m.writableFS("")
	return err != nil
}

func (m *MultiFS) cheapHints() bool { return false }

// scan resolves p on every delegate in order. The scan stops at the first
// delegate that masks p or one of its ancestors: that delegate and every
// delegate below it contribute nothing. levels is the number of delegates
// consulted.
func (m *MultiFS) scan(p string) (nodes []*Node, levels int) {
	parts := splitPath(p)
	fss := m.Delegates()
	nodes = make([]*Node, len(fss))
	for i, d := range fss {
		if d == nil {
			levels = i + 1
			continue
		}
		cur := d.Root()
		masked := false
		for _, part := range parts {
			if cur == nil || !cur.IsFolder() {
				cur = nil
				break
			}
			if cur.Child(maskName(part)) != nil {
				masked = true
				break
			}
			cur = cur.Child(part)
		}
		if masked {
			return nodes, i
		}
		levels = i + 1
		if cur != nil && cur.IsValid() {
			nodes[i] = cur
		}
	}
	return nodes, levels
}
