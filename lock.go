package layerfs

import "sync"

// Lock is an advisory lock on a node. A lock on a MultiFS node is a composite
// of locks on the delegate copies selected by the lock policy.
type Lock struct {
	node *Node

	mu       sync.Mutex
	released bool
	parts    []*Lock
	release  func(l *Lock)
}

func newLock(n *Node, release func(l *Lock)) *Lock {
	return &Lock{node: n, release: release}
}

// Node returns the locked node.
func (l *Lock) Node() *Node { return l.node }

// IsValid reports whether the lock is still held on a live node.
func (l *Lock) IsValid() bool {
	if l == nil {
		return false
	}
	l.mu.Lock()
	released := l.released
	l.mu.Unlock()
	return !released && l.node.IsValid()
}

// Release releases the lock and every constituent lock. It is safe to call
// more than once.
func (l *Lock) Release() {
	if l == nil {
		return
	}
	l.mu.Lock()
	if l.released {
		l.mu.Unlock()
		return
	}
	l.released = true
	parts := l.parts
	l.parts = nil
	l.mu.Unlock()

	for _, p := range parts {
		p.Release()
	}
	if l.release != nil {
		l.release(l)
	}
	n := l.node
	n.mu.Lock()
	if n.lock == l {
		n.lock = nil
	}
	n.mu.Unlock()
}

// partFor returns the constituent lock held on d, nil if none.
func (l *Lock) partFor(d *Node) *Lock {
	if l == nil || d == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, p := range l.parts {
		if sameNode(p.node, d) && p.IsValid() {
			return p
		}
	}
	return nil
}

func (l *Lock) partList() []*Lock {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*Lock(nil), l.parts...)
}

func (l *Lock) setParts(parts []*Lock) {
	l.mu.Lock()
	l.parts = parts
	l.mu.Unlock()
}

// Lock acquires the node's lock. It fails with ErrAlreadyLocked while
// another lock on the node is outstanding.
func (n *Node) Lock() (*Lock, error) {
	n.opMu.Lock()
	defer n.opMu.Unlock()

	if !n.IsValid() {
		return nil, pathError("lock", n.Path(), ErrInvalidState)
	}
	if cur := n.currentLock(); cur != nil {
		return nil, pathError("lock", n.Path(), ErrAlreadyLocked)
	}
	l, err := n.fs.ops.lock(n)
	if err != nil {
		return nil, pathError("lock", n.Path(), err)
	}
	n.mu.Lock()
	n.lock = l
	n.mu.Unlock()
	return l, nil
}

// IsLocked reports whether a lock on the node is outstanding.
func (n *Node) IsLocked() bool {
	return n.currentLock() != nil
}

func (n *Node) currentLock() *Lock {
	n.mu.Lock()
	l := n.lock
	n.mu.Unlock()
	if l == nil || !l.IsValid() {
		return nil
	}
	return l
}

// checkLock verifies that l is the live lock of n. Nodes rebuilt after a
// forced eviction are different objects for the same path, so the match is
// by filesystem and path.
func (n *Node) checkLock(l *Lock) error {
	if l == nil || !l.IsValid() {
		return ErrInvalidLock
	}
	if l.node != n && !sameNode(l.node, n) {
		return ErrInvalidLock
	}
	return nil
}

// sameNode reports whether a and b denote the same path of the same filesystem.
func sameNode(a, b *Node) bool {
	if a == b {
		return true
	}
	if a == nil || b == nil {
		return false
	}
	return a.fs == b.fs && a.Path() == b.Path()
}
