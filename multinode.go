package layerfs

import (
	"context"
	"io"
	"sync"
	"time"
)

// multiState is the overlay resolution of one MultiFS node.
type multiState struct {
	mu sync.RWMutex
	// leader is nil when no delegate resolves the path.
	leader    *Node
	delegates []*Node // per delegate slot, nil where the path does not resolve
	levels    int     // delegates consulted before a mask stopped the scan

	// last attribute lookup that hit on the first resolving delegate
	attrName  string
	attrLevel int
}

func (s *multiState) currentLeader() *Node {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.leader == nil || !s.leader.IsValid() {
		return nil
	}
	return s.leader
}

func (s *multiState) snapshot() (leader *Node, delegates []*Node, levels int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.leader, s.delegates, s.levels
}

func (s *multiState) clearAttr() {
	s.mu.Lock()
	s.attrName = ""
	s.mu.Unlock()
}

// Leader returns the delegate node currently providing the content of n,
// nil when n is not a MultiFS node or nothing resolves its path.
func (n *Node) Leader() *Node {
	if n.multi == nil {
		return nil
	}
	return n.multi.currentLeader()
}

func (m *MultiFS) newNode(parent *Node, name string) *Node {
	n := newNode(&m.fsCore, parent, name)
	n.multi = &multiState{}
	nodes, levels := m.scan(n.Path())
	leader := firstNode(nodes)
	n.multi.leader, n.multi.delegates, n.multi.levels = leader, nodes, levels
	if leader != nil && !leader.IsFolder() {
		n.lastMod, n.lastSize = leader.LastModified(), leader.Size()
	}
	return n
}

func firstNode(nodes []*Node) *Node {
	for _, d := range nodes {
		if d != nil {
			return d
		}
	}
	return nil
}

// resolveLeader rescans the delegates for n. A leader moving to another
// delegate while n is valid data fires Changed and calls the migration hook.
func (m *MultiFS) resolveLeader(ctx context.Context, n *Node) {
	m.resolve(ctx, n, true)
}

// resolve is resolveLeader; notify is false when the new leader is a fresh
// copy of the old one.
func (m *MultiFS) resolve(ctx context.Context, n *Node, notify bool) {
	nodes, levels := m.scan(n.Path())
	leader := firstNode(nodes)

	s := n.multi
	s.mu.Lock()
	prev := s.leader
	s.leader, s.delegates, s.levels = leader, nodes, levels
	s.attrName = ""
	s.mu.Unlock()

	if prev != nil && leader != nil && !sameNode(prev, leader) && n.IsValid() && !leader.IsFolder() {
		m.log.WithField("path", n.Path()).
			WithField("from", prev.FileSystem().SystemName()).
			WithField("to", leader.FileSystem().SystemName()).
			Debug("leader moved")
		n.snapshotLeaf()
		if m.migrated != nil {
			m.migrated(n, prev, leader)
		}
		// a leader found under another path is the renamed copy: same content
		if notify && prev.Path() == leader.Path() {
			n.fire(ctx, Event{Kind: Changed})
		}
	}
	if l := n.currentLock(); l != nil {
		m.syncLock(n, l)
	}
}

// list merges the children of every delegate folder. Names come in
// delegate order, each name once. A mask hides its name on the delegate that
// holds it and on every delegate below.
func (m *MultiFS) list(n *Node) ([]string, error) {
	_, nodes, levels := n.multi.snapshot()
	seen := make(map[string]bool)
	hidden := make(map[string]bool)
	var names []string
	for i := 0; i < levels && i < len(nodes); i++ {
		d := nodes[i]
		if d == nil || !d.IsFolder() {
			continue
		}
		children := d.ChildNames()
		for _, c := range children {
			target, ok := maskTarget(c)
			if !ok {
				continue
			}
			hidden[target] = true
			if m.propagateMasks && !seen[c] {
				seen[c] = true
				names = append(names, c)
			}
		}
		for _, c := range children {
			if isMask(c) || hidden[c] || seen[c] {
				continue
			}
			seen[c] = true
			names = append(names, c)
		}
	}
	return names, nil
}

func (m *MultiFS) folder(n *Node) bool {
	if n.IsRoot() {
		return true
	}
	l := n.multi.currentLeader()
	return l != nil && l.IsFolder()
}

func (m *MultiFS) lastModified(n *Node) time.Time {
	if l := n.multi.currentLeader(); l != nil {
		return l.LastModified()
	}
	return time.Time{}
}

func (m *MultiFS) size(n *Node) int64 {
	if l := n.multi.currentLeader(); l != nil {
		return l.Size()
	}
	return 0
}

func (m *MultiFS) readOnly(n *Node) bool {
	_, err := m.writableFS(n.Path())
	return err != nil
}

func (m *MultiFS) openRead(n *Node) (io.ReadCloser, error) {
	l := n.multi.currentLeader()
	if l == nil || l.IsFolder() {
		return nil, ErrNotFound
	}
	return l.OpenRead()
}

func (m *MultiFS) refresh(ctx context.Context, n *Node, o refreshOpts) {
	if n == nil || n.multi == nil {
		return
	}
	m.resolveLeader(ctx, n)

	if !n.IsRoot() && !n.exists() {
		if !n.IsValid() {
			return
		}
		n.invalidateTree()
		if o.fire {
			n.fire(ctx, Event{Kind: Deleted, Expected: o.expected})
		}
		if p := n.parent; p != nil {
			m.refresh(ctx, p, refreshOpts{removed: n.Name(), expected: o.expected})
		}
		return
	}

	if !m.folder(n) {
		if l := n.multi.currentLeader(); l != nil && !o.delegatesDone {
			l.fs.ops.refresh(ctx, l, refreshOpts{fire: true, expected: o.expected})
		}
		n.refreshLeaf(ctx, o)
		return
	}

	if !o.delegatesDone {
		_, nodes, _ := n.multi.snapshot()
		for _, d := range nodes {
			if d != nil && d.IsValid() {
				d.fs.ops.refresh(ctx, d, refreshOpts{fire: true, expected: o.expected, deep: o.deep})
			}
		}
		// delegate refreshes may have dropped a whole delegate folder
		m.resolveLeader(ctx, n)
	}

	kept := n.refreshFolder(ctx, o)
	for _, c := range kept {
		if o.deep {
			m.refresh(ctx, c, refreshOpts{fire: o.fire, expected: o.expected, deep: true, delegatesDone: true})
			continue
		}
		m.resolveLeader(ctx, c)
	}
}
