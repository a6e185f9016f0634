package layerfs

import (
	"context"
	"sync"
	"time"
)

// EventKind classifies a change notification.
type EventKind int

const (
	Created EventKind = iota + 1
	Changed
	Deleted
	Renamed
	AttributeChanged
)

func (k EventKind) String() string {
	switch k {
	case Created:
		return "created"
	case Changed:
		return "changed"
	case Deleted:
		return "deleted"
	case Renamed:
		return "renamed"
	case AttributeChanged:
		return "attribute-changed"
	}
	return "unknown"
}

// Event describes one change in a filesystem. Events bubble: listeners on
// every ancestor of File (and on the filesystem itself) see the same event
// with Source set to the node they are registered on.
type Event struct {
	Kind   EventKind
	Source *Node
	File   *Node

	// Folder is set for Created events on folders.
	Folder bool
	// OldName and OldExt describe the name before a rename.
	OldName string
	OldExt  string
	// Attribute, OldValue and NewValue describe an attribute change.
	Attribute string
	OldValue  Value
	NewValue  Value

	Time time.Time
	// Expected is true when the change was made through this engine rather
	// than detected on a backing store.
	Expected bool

	cause *actionLink
}

// FiredFrom reports whether the event was dispatched while the atomic action
// identified by tag was running.
func (e Event) FiredFrom(tag any) bool {
	for l := e.cause; l != nil; l = l.prev {
		if l.tag == tag {
			return true
		}
	}
	return false
}

// Listener receives change notifications.
type Listener interface {
	HandleEvent(ctx context.Context, ev Event)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(ctx context.Context, ev Event)

func (f ListenerFunc) HandleEvent(ctx context.Context, ev Event) { f(ctx, ev) }

type listenerEntry struct {
	l        Listener
	priority bool
}

// listenerList is copy-on-write so delivery never holds its lock.
type listenerList struct {
	mu      sync.Mutex
	entries []*listenerEntry
}

func (ll *listenerList) add(l Listener, priority bool) func() {
	e := &listenerEntry{l: l, priority: priority}
	ll.mu.Lock()
	next := make([]*listenerEntry, 0, len(ll.entries)+1)
	next = append(next, ll.entries...)
	ll.entries = append(next, e)
	ll.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			ll.mu.Lock()
			defer ll.mu.Unlock()
			next := make([]*listenerEntry, 0, len(ll.entries))
			for _, x := range ll.entries {
				if x != e {
					next = append(next, x)
				}
			}
			ll.entries = next
		})
	}
}

func (ll *listenerList) snapshot() []*listenerEntry {
	ll.mu.Lock()
	defer ll.mu.Unlock()
	return ll.entries
}

// dispatcher delivers one event along the ancestor chain of its start node.
// It runs at most once in priority mode and at most once in full mode.
type dispatcher struct {
	ev    Event
	start *Node
	ctx   context.Context

	mu           sync.Mutex
	priorityDone bool
	fullDone     bool
}

func (d *dispatcher) run(priority bool) {
	d.mu.Lock()
	skipPriority := d.priorityDone
	if priority {
		if d.priorityDone {
			d.mu.Unlock()
			return
		}
		d.priorityDone = true
	} else {
		if d.fullDone {
			d.mu.Unlock()
			return
		}
		d.fullDone = true
	}
	d.mu.Unlock()

	deliver := func(entries []*listenerEntry, ev Event) {
		for _, e := range entries {
			if priority && !e.priority {
				continue
			}
			if !priority && e.priority && skipPriority {
				continue
			}
			e.l.HandleEvent(d.ctx, ev)
		}
	}

	var last *Node
	for n := d.start; n != nil; n = n.parent {
		ev := d.ev
		ev.Source = n
		deliver(n.listeners.snapshot(), ev)
		last = n
	}
	if last != nil {
		ev := d.ev
		ev.Source = last
		deliver(last.fs.listeners.snapshot(), ev)
	}
}

// fire dispatches an event whose target is n, starting delivery at start.
func (n *Node) fireFrom(ctx context.Context, start *Node, ev Event) {
	ev.File = n
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	dispatch(ctx, &dispatcher{ev: ev, start: start, ctx: ctx})
}

func (n *Node) fire(ctx context.Context, ev Event) {
	n.fireFrom(ctx, n, ev)
}
