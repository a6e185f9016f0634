package layerfs

import (
	"context"
	"sync"
)

// actionLink is one cell of the chain of running atomic actions. The chain is
// immutable; nested actions prepend a new cell.
type actionLink struct {
	tag  any
	prev *actionLink
}

// actionState is shared by every action nested on one call chain.
type actionState struct {
	mu            sync.Mutex
	depth         int
	priorityDepth int
	queue         []*dispatcher
}

type actionScope struct {
	state *actionState
	link  *actionLink
}

type actionKey struct{}

func scopeFrom(ctx context.Context) *actionScope {
	if ctx == nil {
		return nil
	}
	sc, _ := ctx.Value(actionKey{}).(*actionScope)
	return sc
}

// AtomicAction is the guard returned by BeginAtomicAction. Events dispatched
// through the returned context are delivered when the outermost action on the
// chain finishes.
type AtomicAction struct {
	state    *actionState
	priority bool

	once sync.Once
}

// BeginAtomicAction opens an atomic action identified by tag, which must be
// comparable. The caller must call Finish on every exit path; deferring it
// right away is the intended use.
func BeginAtomicAction(ctx context.Context, tag any) (context.Context, *AtomicAction) {
	return beginAction(ctx, tag, false)
}

// RunAtomicAction runs fn inside an atomic action. An error from fn does not
// undo mutations already applied; only event delivery is batched.
func RunAtomicAction(ctx context.Context, tag any, fn func(ctx context.Context) error) error {
	ctx, act := BeginAtomicAction(ctx, tag)
	defer act.Finish()
	return fn(ctx)
}

// beginAction opens a priority action for internal mutations when priority is
// set. Priority actions flush to priority listeners as soon as the last of
// them finishes, even inside an enclosing user action.
func beginAction(ctx context.Context, tag any, priority bool) (context.Context, *AtomicAction) {
	if ctx == nil {
		ctx = context.Background()
	}
	var st *actionState
	var prev *actionLink
	if sc := scopeFrom(ctx); sc != nil {
		st, prev = sc.state, sc.link
	} else {
		st = &actionState{}
	}

	st.mu.Lock()
	if st.depth == 0 {
		st.queue = nil
	}
	st.depth++
	if priority {
		st.priorityDepth++
	}
	st.mu.Unlock()

	sc := &actionScope{state: st, link: &actionLink{tag: tag, prev: prev}}
	return context.WithValue(ctx, actionKey{}, sc), &AtomicAction{state: st, priority: priority}
}

// Finish closes the action. It is safe to call more than once.
func (a *AtomicAction) Finish() {
	a.once.Do(a.finish)
}

func (a *AtomicAction) finish() {
	st := a.state
	st.mu.Lock()
	st.depth--
	if a.priority {
		st.priorityDepth--
	}
	fireAll := st.depth == 0
	firePriority := !fireAll && a.priority && st.priorityDepth == 0
	var queue []*dispatcher
	if fireAll || firePriority {
		queue = st.queue
		st.queue = nil
	}
	st.mu.Unlock()

	switch {
	case fireAll:
		for _, d := range queue {
			d.run(false)
		}
	case firePriority:
		for _, d := range queue {
			d.run(true)
		}
		// full delivery still happens when the outermost action exits
		st.mu.Lock()
		st.queue = append(queue, st.queue...)
		st.mu.Unlock()
	}
}

// dispatch delivers d now in priority mode unless a priority action is open,
// and queues it for full delivery if any action is open.
func dispatch(ctx context.Context, d *dispatcher) {
	sc := scopeFrom(ctx)
	if sc == nil {
		d.run(true)
		d.run(false)
		return
	}
	d.ev.cause = sc.link

	st := sc.state
	st.mu.Lock()
	runPriority := st.priorityDepth == 0
	queued := st.depth > 0
	if queued {
		st.queue = append(st.queue, d)
	}
	st.mu.Unlock()

	if runPriority {
		d.run(true)
	}
	if !queued {
		d.run(false)
	}
}
