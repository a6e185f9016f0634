package layerfs

import (
	"context"
	"time"
	"weak"
)

type refreshOpts struct {
	// added and removed are single-name hints for the common one-mutation case.
	added   string
	removed string
	// fire controls event emission; expected is copied into fired events.
	fire     bool
	expected bool
	// list overrides the backend listing.
	list []string
	// deep refreshes materialized descendants too.
	deep bool
	// delegatesDone skips refreshing delegate nodes already covered by a deep
	// refresh of an ancestor.
	delegatesDone bool
}

// refreshFolder diffs the cached children of n against a fresh listing and
// returns the children that survived and are materialized.
func (n *Node) refreshFolder(ctx context.Context, o refreshOpts) []*Node {
	n.mu.Lock()
	if !n.initialized && o.list == nil {
		// nothing cached, nothing to diff: the first lookup lists
		n.mu.Unlock()
		return nil
	}

	var names []string
	switch {
	case o.list != nil:
		names = o.list
	case n.initialized && n.fs.ops.cheapHints() && (o.added != "" || o.removed != ""):
		names = make([]string, 0, len(n.order)+1)
		for _, name := range n.order {
			if name != o.removed {
				names = append(names, name)
			}
		}
		if o.added != "" {
			names = append(names, o.added)
		}
	default:
		var err error
		names, err = n.fs.ops.list(n)
		if err != nil {
			n.fs.log.WithError(err).WithField("path", n.Path()).Debug("listing failed during refresh")
			names = nil
		}
	}

	old := n.children
	oldOrder := n.order
	if !n.initialized {
		old = nil
		oldOrder = nil
	}

	next := make(map[string]childSlot, len(names))
	order := make([]string, 0, len(names))
	var added []string
	var kept []*Node
	for _, name := range names {
		if name == "" {
			continue
		}
		if _, dup := next[name]; dup {
			continue
		}
		order = append(order, name)
		if s, ok := old[name]; ok {
			next[name] = s
			if c := s.ref.Value(); c != nil {
				kept = append(kept, c)
			}
			continue
		}
		next[name] = childSlot{}
		added = append(added, name)
	}

	var gone []string
	for _, name := range oldOrder {
		if _, ok := next[name]; !ok {
			gone = append(gone, name)
		}
	}

	// Renamed in place: the backend reports the old name removed and the new
	// one added in the same step. The cached node moves to the new name so
	// references held by callers follow the rename.
	if o.added != "" && o.removed != "" && o.added != o.removed {
		if s, wasGone := old[o.removed]; wasGone && containsName(gone, o.removed) && containsName(added, o.added) {
			if c := s.ref.Value(); c != nil {
				c.setName(o.added)
				next[o.added] = childSlot{ref: weak.Make(c), made: true}
				kept = append(kept, c)
			}
			gone = removeName(gone, o.removed)
			added = removeName(added, o.added)
		}
	}

	n.children = next
	n.order = order
	n.initialized = true

	var goneNodes, bornNodes []*Node
	for _, name := range gone {
		c := old[name].ref.Value()
		if c == nil && o.fire {
			c = n.fs.ops.newNode(n, name)
		}
		if c != nil {
			goneNodes = append(goneNodes, c)
		}
	}
	if o.fire {
		for _, name := range added {
			if c := n.slotNode(name); c != nil {
				bornNodes = append(bornNodes, c)
			}
		}
	}
	n.mu.Unlock()

	for _, c := range goneNodes {
		c.invalidateTree()
	}
	if len(gone) > 0 || len(added) > 0 {
		n.fs.log.WithField("path", n.Path()).
			WithField("added", added).
			WithField("gone", gone).
			Debug("children changed")
	}
	if o.fire {
		for _, c := range goneNodes {
			c.fire(ctx, Event{Kind: Deleted, Expected: o.expected})
		}
		for _, c := range bornNodes {
			c.fireFrom(ctx, n, Event{Kind: Created, Folder: c.IsFolder(), Expected: o.expected})
		}
	}
	return kept
}

// refreshLeaf compares the cached timestamp and size of a data node with the
// backing store. A zero timestamp means the entry is gone.
func (n *Node) refreshLeaf(ctx context.Context, o refreshOpts) {
	if !n.IsValid() {
		return
	}
	mod := n.fs.ops.lastModified(n)
	size := n.fs.ops.size(n)

	n.mu.Lock()
	prevMod, prevSize := n.lastMod, n.lastSize
	changed := !mod.IsZero() && materiallyChanged(prevMod, mod, prevSize, size, n.fs.tolerance)
	if changed || prevMod.IsZero() {
		n.lastMod, n.lastSize = mod, size
	}
	n.mu.Unlock()

	switch {
	case mod.IsZero():
		n.invalidate()
		if o.fire {
			n.fire(ctx, Event{Kind: Deleted, Expected: o.expected})
		}
		if p := n.parent; p != nil {
			p.fs.ops.refresh(ctx, p, refreshOpts{removed: n.Name(), expected: o.expected})
		}
	case changed && o.fire:
		n.fire(ctx, Event{Kind: Changed, Expected: o.expected})
	}
}

// materiallyChanged tolerates timestamp jitter up to tolerance while the size
// is unchanged. The cached baseline only moves on a reported change, so slow
// drift past the tolerance is still reported.
func materiallyChanged(prevMod, mod time.Time, prevSize, size int64, tolerance time.Duration) bool {
	if prevMod.IsZero() {
		return false
	}
	if size != prevSize {
		return true
	}
	d := mod.Sub(prevMod)
	if d < 0 {
		d = -d
	}
	return d > tolerance
}

// snapshotLeaf records the current timestamp and size as the baseline.
func (n *Node) snapshotLeaf() {
	mod := n.fs.ops.lastModified(n)
	size := n.fs.ops.size(n)
	n.mu.Lock()
	n.lastMod, n.lastSize = mod, size
	n.mu.Unlock()
}

func containsName(names []string, name string) bool {
	for _, x := range names {
		if x == name {
			return true
		}
	}
	return false
}

func removeName(names []string, name string) []string {
	out := names[:0]
	for _, x := range names {
		if x != name {
			out = append(out, x)
		}
	}
	return out
}
