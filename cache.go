package layerfs

import (
	"sync/atomic"
	"weak"
)

// childSlot is a children cache entry. The node is held weakly: once no
// caller, child or lock references it the slot empties and the node is
// rebuilt from the backing store on the next lookup.
type childSlot struct {
	ref  weak.Pointer[Node]
	made bool
}

type cacheStats struct {
	materialized   atomic.Uint64
	rematerialized atomic.Uint64
	evicted        atomic.Uint64
}

func (c *cacheStats) snapshot(e *epoch) CacheStats {
	s := CacheStats{
		Materialized:   c.materialized.Load(),
		Rematerialized: c.rematerialized.Load(),
		Evicted:        c.evicted.Load(),
	}
	if e != nil {
		s.Epoch = e.gen
	}
	return s
}

// CacheStats contains node cache statistics
type CacheStats struct {
	// Materialized counts nodes built for the first time.
	Materialized uint64
	// Rematerialized counts nodes rebuilt after their slot was emptied.
	Rematerialized uint64
	// Evicted counts slots emptied by EvictChildren.
	Evicted uint64
	// Epoch is the current root generation.
	Epoch uint64
}

// slotNode returns the live node in a slot, building it if the slot is empty.
// The caller holds n.mu.
func (n *Node) slotNode(name string) *Node {
	s, ok := n.children[name]
	if !ok {
		return nil
	}
	if c := s.ref.Value(); c != nil {
		return c
	}
	c := n.fs.ops.newNode(n, name)
	if s.made {
		n.fs.stats.rematerialized.Add(1)
	} else {
		n.fs.stats.materialized.Add(1)
	}
	n.children[name] = childSlot{ref: weak.Make(c), made: true}
	return c
}

// EvictChildren empties every child slot of n, as if the collector had
// reclaimed the nodes. Later lookups rebuild them without firing events.
// Slots leading to a locked node stay, so a lock always sits on the node
// that lookups return. It returns the number of slots emptied.
func (n *Node) EvictChildren() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	count := 0
	for name, s := range n.children {
		c := s.ref.Value()
		if c == nil || holdsLock(c) {
			continue
		}
		n.children[name] = childSlot{made: s.made}
		count++
	}
	n.fs.stats.evicted.Add(uint64(count))
	return count
}

// holdsLock reports whether n or a materialized descendant is locked.
func holdsLock(n *Node) bool {
	if n.currentLock() != nil {
		return true
	}
	for _, c := range n.CachedChildren() {
		if holdsLock(c) {
			return true
		}
	}
	return false
}
