package layerfs

import (
	"context"
	"errors"
	"slices"
	"testing"
)

// newStack builds a MultiFS over the given backends, highest precedence first
func newStack(t *testing.T, bs []*fakeBackend, opts ...Option) (*MultiFS, []*BackendFS) {
	t.Helper()
	fss := make([]*BackendFS, len(bs))
	delegates := make([]FileSystem, len(bs))
	for i, b := range bs {
		fss[i] = NewBackendFS(b)
		delegates[i] = fss[i]
	}
	m := NewMultiFS("merged", append([]Option{WithDelegates(delegates...)}, opts...)...)
	t.Cleanup(func() { m.Close() })
	return m, fss
}

// newPair returns a writable top backend and a read-only base backend
func newPair() (top, base *fakeBackend) {
	top = newFakeBackend("top")
	base = newFakeBackend("base")
	base.readOnly = true
	return top, base
}

// TestLeaderPrecedence tests that the first delegate resolving a path leads
// and that reordering the delegates moves the leader
func TestLeaderPrecedence(t *testing.T) {
	ctx := context.Background()
	d0, d1, d2 := newFakeBackend("d0"), newFakeBackend("d1"), newFakeBackend("d2")
	d0.put("x", "zero")
	d1.put("x", "one")
	d2.put("x", "two")
	d2.put("y", "only two")

	var moves [][2]string
	m, fss := newStack(t, []*fakeBackend{d0, d1, d2}, WithMigrationHook(func(n, from, to *Node) {
		moves = append(moves, [2]string{from.FileSystem().SystemName(), to.FileSystem().SystemName()})
	}))

	x := m.Find("x")
	if got := x.Leader().FileSystem().SystemName(); got != "d0" {
		t.Errorf("expected leader d0, got %s", got)
	}
	if got := readNode(t, x); got != "zero" {
		t.Errorf("expected 'zero', got %q", got)
	}
	if got := readNode(t, m.Find("y")); got != "only two" {
		t.Errorf("expected 'only two', got %q", got)
	}

	rec := &recorder{}
	m.AddListener(rec, false)
	m.SetDelegates(ctx, fss[1], fss[0], fss[2])

	if got := x.Leader().FileSystem().SystemName(); got != "d1" {
		t.Errorf("expected leader d1 after reordering, got %s", got)
	}
	if got := readNode(t, x); got != "one" {
		t.Errorf("expected 'one', got %q", got)
	}
	expectEvents(t, rec, "changed x")
	if len(moves) != 1 || moves[0] != [2]string{"d0", "d1"} {
		t.Errorf("expected one migration d0 -> d1, got %v", moves)
	}
}

// TestSetDelegatesStructuralChanges tests Created and Deleted events when the
// delegate list changes
func TestSetDelegatesStructuralChanges(t *testing.T) {
	ctx := context.Background()
	a, b := newFakeBackend("a"), newFakeBackend("b")
	a.put("shared", "a")
	a.put("only-a", "a")
	b.put("shared", "b")
	b.put("only-b", "b")

	m, fss := newStack(t, []*fakeBackend{a})
	if got := m.Root().ChildNames(); !slices.Equal(got, []string{"only-a", "shared"}) {
		t.Fatalf("unexpected children %v", got)
	}
	onlyA := m.Find("only-a")

	bfs := NewBackendFS(b)
	rec := &recorder{}
	m.AddListener(rec, false)
	m.SetDelegates(ctx, bfs, fss[0])

	if got := m.Root().ChildNames(); !slices.Equal(got, []string{"only-b", "shared", "only-a"}) {
		t.Errorf("unexpected children %v", got)
	}
	if !onlyA.IsValid() {
		t.Error("expected only-a to stay valid")
	}

	rec.reset()
	m.SetDelegates(ctx, bfs)
	expectEvents(t, rec, "deleted only-a")
	if onlyA.IsValid() {
		t.Error("expected only-a to be invalid")
	}
}

// TestMaskShadowing tests that a mask hides its name on its own delegate and
// on every delegate below, and nowhere above
func TestMaskShadowing(t *testing.T) {
	top, base := newPair()
	top.put("docs/readme.txt_hidden", "")
	top.put("docs/other", "top")
	base.put("docs/readme.txt", "base")
	base.put("docs/more", "base")
	base.put("keep_hidden", "")
	top.put("keep", "top")

	m, _ := newStack(t, []*fakeBackend{top, base})
	if got := m.Find("docs").ChildNames(); !slices.Equal(got, []string{"other", "more"}) {
		t.Errorf("expected [other more], got %v", got)
	}
	if m.Find("docs/readme.txt") != nil {
		t.Error("expected the masked name not to resolve")
	}
	if m.Find("docs/readme.txt_hidden") != nil {
		t.Error("expected the mask itself to stay hidden")
	}
	if got := readNode(t, m.Find("keep")); got != "top" {
		t.Errorf("expected a lower mask to leave keep visible, got %q", got)
	}

	pm, _ := newStack(t, []*fakeBackend{top, base}, WithPropagateMasks(true))
	got := pm.Find("docs").ChildNames()
	if !slices.Equal(got, []string{"readme.txt_hidden", "other", "more"}) {
		t.Errorf("expected [readme.txt_hidden other more], got %v", got)
	}
	if mk := pm.Find("docs/readme.txt_hidden"); mk == nil || !mk.IsMask() {
		t.Error("expected the propagated mask to be flagged")
	}
	if pm.Find("docs/readme.txt") != nil {
		t.Error("expected the masked name to stay hidden with propagated masks")
	}
}

// TestNestedOverlayHonoursMasks tests that an overlay used as the delegate
// of another overlay passes its masks on
func TestNestedOverlayHonoursMasks(t *testing.T) {
	top, base := newPair()
	top.put("gone_hidden", "")
	base.put("gone", "base")
	base.put("kept", "base")
	inner, _ := newStack(t, []*fakeBackend{top, base}, WithPropagateMasks(true))

	lower := newFakeBackend("lower")
	lower.put("gone", "lower")
	outer := NewMultiFS("outer", WithDelegates(inner, NewBackendFS(lower)))
	defer outer.Close()

	if got := outer.Root().ChildNames(); !slices.Equal(got, []string{"kept"}) {
		t.Errorf("expected [kept], got %v", got)
	}
}

// TestCreateExistingOnWritable tests that create only collides with a copy
// on the writable delegate
func TestCreateExistingOnWritable(t *testing.T) {
	ctx := context.Background()
	top, base := newPair()
	top.put("mine", "top")
	base.put("theirs", "base")
	m, _ := newStack(t, []*fakeBackend{top, base})

	if _, err := m.Root().CreateData(ctx, "mine"); !errors.Is(err, ErrAlreadyExists) {
		t.Errorf("expected ErrAlreadyExists, got %v", err)
	}
	n, err := m.Root().CreateData(ctx, "theirs")
	if err != nil {
		t.Fatalf("expected create to shadow the base copy, got %v", err)
	}
	if got := n.Leader().FileSystem().SystemName(); got != "top" {
		t.Errorf("expected leader top, got %s", got)
	}
	if got := readNode(t, n); got != "" {
		t.Errorf("expected the new copy to be empty, got %q", got)
	}
	if base.content("theirs") != "base" {
		t.Error("expected the base copy to be untouched")
	}
}

// TestDeleteMasksReadOnlyCopies tests deletion of a node held by a
// read-only delegate, then recreation of the name
func TestDeleteMasksReadOnlyCopies(t *testing.T) {
	ctx := context.Background()
	top, base := newPair()
	base.put("docs/readme.txt", "base")
	m, _ := newStack(t, []*fakeBackend{top, base})

	n := m.Find("docs/readme.txt")
	rec := &recorder{}
	m.AddListener(rec, false)

	l, err := n.Lock()
	if err != nil {
		t.Fatal(err)
	}
	if err := n.Delete(ctx, l); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	expectEvents(t, rec, "deleted docs/readme.txt")
	if !top.has("docs/readme.txt_hidden") {
		t.Error("expected a mask on the writable delegate")
	}
	if !base.has("docs/readme.txt") {
		t.Error("expected the read-only copy to stay")
	}
	if got := m.Find("docs").ChildNames(); len(got) != 0 {
		t.Errorf("expected docs to look empty, got %v", got)
	}

	// recreating the name removes the mask and starts empty
	again, err := m.Find("docs").CreateData(ctx, "readme.txt")
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if top.has("docs/readme.txt_hidden") {
		t.Error("expected the mask to be removed")
	}
	if got := readNode(t, again); got != "" {
		t.Errorf("expected an empty file, got %q", got)
	}
}

// TestDeleteWritableCopies tests that copies on the writable delegate are
// deleted outright and masks appear only for what remains below
func TestDeleteWritableCopies(t *testing.T) {
	ctx := context.Background()
	top, base := newPair()
	top.put("own", "top")
	top.put("both", "top")
	base.put("both", "base")
	m, _ := newStack(t, []*fakeBackend{top, base})

	for _, name := range []string{"own", "both"} {
		n := m.Find(name)
		l, err := n.Lock()
		if err != nil {
			t.Fatal(err)
		}
		if err := n.Delete(ctx, l); err != nil {
			t.Fatalf("delete %s failed: %v", name, err)
		}
	}

	if top.has("own") || top.has("own_hidden") {
		t.Error("expected own to be deleted without a mask")
	}
	if top.has("both") || !top.has("both_hidden") {
		t.Error("expected both to be deleted and masked")
	}
	if got := m.Root().ChildNames(); len(got) != 0 {
		t.Errorf("expected an empty root, got %v", got)
	}
}

// TestRecreatedFolderStartsEmpty tests that a folder deleted and created
// again does not show the lower delegate's children
func TestRecreatedFolderStartsEmpty(t *testing.T) {
	ctx := context.Background()
	top, base := newPair()
	base.put("dir/a", "base")
	base.put("dir/b", "base")
	m, _ := newStack(t, []*fakeBackend{top, base})

	dir := m.Find("dir")
	l, _ := dir.Lock()
	if err := dir.Delete(ctx, l); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	again, err := m.Root().CreateFolder(ctx, "dir")
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if got := again.ChildNames(); len(got) != 0 {
		t.Errorf("expected an empty folder, got %v", got)
	}
}

// TestWritableIdempotent tests that promoting twice copies once
func TestWritableIdempotent(t *testing.T) {
	ctx := context.Background()
	top, base := newPair()
	base.put("dir/a.txt", "base")
	m, fss := newStack(t, []*fakeBackend{top, base})

	created := &recorder{}
	fss[0].AddListener(created, false)

	n := m.Find("dir/a.txt")
	first, err := m.Writable(ctx, n)
	if err != nil {
		t.Fatalf("writable failed: %v", err)
	}
	second, err := m.Writable(ctx, n)
	if err != nil {
		t.Fatalf("writable failed: %v", err)
	}
	if first != second || n.Leader() != first {
		t.Error("expected both calls to return the leader")
	}
	expectEvents(t, created, "created dir", "created dir/a.txt", "changed dir/a.txt")
	if top.content("dir/a.txt") != "base" {
		t.Errorf("expected the promoted copy to hold the base content")
	}
}

// TestWriteCopiesUp tests that writing a read-only copy goes to the
// writable delegate
func TestWriteCopiesUp(t *testing.T) {
	ctx := context.Background()
	top, base := newPair()
	base.put("a", "base")
	m, _ := newStack(t, []*fakeBackend{top, base})

	n := m.Find("a")
	rec := &recorder{}
	n.AddListener(rec, false)
	writeNode(t, ctx, n, "new")

	if top.content("a") != "new" || base.content("a") != "base" {
		t.Errorf("unexpected contents top=%q base=%q", top.content("a"), base.content("a"))
	}
	if got := readNode(t, n); got != "new" {
		t.Errorf("expected 'new', got %q", got)
	}
	expectEvents(t, rec, "changed a")
	if !rec.all()[0].Expected {
		t.Error("expected the write to be reported as expected")
	}
}

// TestRenameFromReadOnly tests renaming a node that only a read-only
// delegate holds
func TestRenameFromReadOnly(t *testing.T) {
	ctx := context.Background()
	top, base := newPair()
	base.put("a.txt", "content")
	m, _ := newStack(t, []*fakeBackend{top, base})

	n := m.Find("a.txt")
	rec := &recorder{}
	m.AddListener(rec, false)

	l, _ := n.Lock()
	defer l.Release()
	if err := n.Rename(ctx, l, "b.txt"); err != nil {
		t.Fatalf("rename failed: %v", err)
	}
	if top.content("b.txt") != "content" || !top.has("a.txt_hidden") {
		t.Error("expected a copy under the new name and a mask for the old one")
	}
	if got := m.Root().ChildNames(); !slices.Equal(got, []string{"b.txt"}) {
		t.Errorf("expected [b.txt], got %v", got)
	}
	if m.Find("b.txt") != n {
		t.Error("expected the node to keep its identity")
	}
	expectEvents(t, rec, "renamed b.txt")
}

// TestAttributeVoidRoundTrip tests that clearing an attribute hides a value
// defined by a lower delegate
func TestAttributeVoidRoundTrip(t *testing.T) {
	ctx := context.Background()
	top, base := newPair()
	base.put("f", "x")
	base.readOnly = false
	if err := base.SetAttr("f", "color", StringValue("blue")); err != nil {
		t.Fatal(err)
	}
	base.readOnly = true
	m, _ := newStack(t, []*fakeBackend{top, base})

	n := m.Find("f")
	if got := n.Attribute("color"); !got.Equal(StringValue("blue")) {
		t.Fatalf("expected blue, got %v", got)
	}

	rec := &recorder{}
	n.AddListener(rec, false)
	if err := n.SetAttribute(ctx, "color", StringValue("red")); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	if got := n.Attribute("color"); !got.Equal(StringValue("red")) {
		t.Errorf("expected red, got %v", got)
	}
	if err := n.SetAttribute(ctx, "color", Null); err != nil {
		t.Fatalf("clear failed: %v", err)
	}
	if got := n.Attribute("color"); !got.IsNull() {
		t.Errorf("expected null after clearing, got %v", got)
	}
	if names := n.AttributeNames(); len(names) != 0 {
		t.Errorf("expected no attribute names, got %v", names)
	}
	expectEvents(t, rec, "attribute-changed f", "attribute-changed f")
	if ev := rec.all()[1]; !ev.OldValue.Equal(StringValue("red")) || !ev.NewValue.IsNull() {
		t.Errorf("unexpected change %v -> %v", ev.OldValue, ev.NewValue)
	}

	// promotion keeps the tombstone in front of the copied value
	if _, err := m.Writable(ctx, n); err != nil {
		t.Fatal(err)
	}
	if got := n.Attribute("color"); !got.IsNull() {
		t.Errorf("expected null after promotion, got %v", got)
	}
}

// TestStoredNullSurvivesNesting tests that an explicit tombstone stored by an
// inner overlay is returned one level up as a tombstone, not as null
func TestStoredNullSurvivesNesting(t *testing.T) {
	top := newFakeBackend("top")
	top.put("f", "")
	if err := top.SetAttr("f", "k", VoidValue(1)); err != nil {
		t.Fatal(err)
	}
	m, _ := newStack(t, []*fakeBackend{top})
	if got := m.Find("f").Attribute("k"); !got.Equal(VoidValue(0)) {
		t.Errorf("expected void 0, got %v", got)
	}
}

// TestLowerTombstoneStopsSearch tests that a tombstone above level zero on a
// higher delegate hides the value of a lower one
func TestLowerTombstoneStopsSearch(t *testing.T) {
	top, base := newPair()
	top.put("f", "")
	if err := top.SetAttr("f", "color", VoidValue(1)); err != nil {
		t.Fatal(err)
	}
	base.put("f", "")
	base.readOnly = false
	if err := base.SetAttr("f", "color", StringValue("blue")); err != nil {
		t.Fatal(err)
	}
	base.readOnly = true
	m, _ := newStack(t, []*fakeBackend{top, base})

	if got := m.Find("f").Attribute("color"); !got.Equal(VoidValue(0)) {
		t.Errorf("expected void 0, got %v", got)
	}
}

// TestRenameMergedFolder tests that renaming a folder merged from several
// delegates keeps the children of every delegate
func TestRenameMergedFolder(t *testing.T) {
	ctx := context.Background()

	t.Run("readOnlyDelegates", func(t *testing.T) {
		top := newFakeBackend("top")
		b1 := newFakeBackend("b1")
		b1.put("dir/one.txt", "one")
		b1.readOnly = true
		b2 := newFakeBackend("b2")
		b2.put("dir/two.txt", "two")
		b2.readOnly = true
		m, _ := newStack(t, []*fakeBackend{top, b1, b2})

		n := m.Find("dir")
		if got := sortedNames(n); !slices.Equal(got, []string{"one.txt", "two.txt"}) {
			t.Fatalf("expected [one.txt two.txt], got %v", got)
		}
		rec := &recorder{}
		m.AddListener(rec, false)

		l, err := n.Lock()
		if err != nil {
			t.Fatal(err)
		}
		defer l.Release()
		if err := n.Rename(ctx, l, "moved"); err != nil {
			t.Fatalf("rename failed: %v", err)
		}

		if got := sortedNames(n); !slices.Equal(got, []string{"one.txt", "two.txt"}) {
			t.Errorf("expected [one.txt two.txt], got %v", got)
		}
		if m.Find("dir") != nil {
			t.Error("expected dir to be gone")
		}
		if m.Find("moved") != n {
			t.Error("expected the node to keep its identity")
		}
		if top.content("moved/one.txt") != "one" || top.content("moved/two.txt") != "two" {
			t.Error("expected both children copied to the writable delegate")
		}
		if !top.has("dir_hidden") {
			t.Error("expected a mask for the old name")
		}
		expectEvents(t, rec, "renamed moved")
	})

	t.Run("leaderOnWritable", func(t *testing.T) {
		top, base := newPair()
		top.put("dir/own.txt", "own")
		base.put("dir/lower.txt", "lower")
		m, _ := newStack(t, []*fakeBackend{top, base})

		n := m.Find("dir")
		n.ChildNames()
		l, err := n.Lock()
		if err != nil {
			t.Fatal(err)
		}
		defer l.Release()
		if err := n.Rename(ctx, l, "moved"); err != nil {
			t.Fatalf("rename failed: %v", err)
		}

		if got := sortedNames(n); !slices.Equal(got, []string{"lower.txt", "own.txt"}) {
			t.Errorf("expected [lower.txt own.txt], got %v", got)
		}
		if top.has("dir") {
			t.Error("expected the writable copy under the old name to be removed")
		}
		if !top.has("dir_hidden") {
			t.Error("expected a mask for the old name")
		}
		if m.Find("moved/lower.txt") == nil {
			t.Error("expected the lower child under the new name")
		}
	})
}

// sortedNames returns the child names of n in sorted order
func sortedNames(n *Node) []string {
	got := slices.Clone(n.ChildNames())
	slices.Sort(got)
	return got
}

// TestDelegateChangesTracked tests that changes made on a delegate behind
// the overlay's back reach overlay listeners
func TestDelegateChangesTracked(t *testing.T) {
	ctx := context.Background()
	top, base := newPair()
	base.put("x", "base")
	m, fss := newStack(t, []*fakeBackend{top, base})

	x := m.Find("x")
	rec := &recorder{}
	m.AddListener(rec, false)

	top.put("x", "top")
	top.put("y", "new")
	fss[0].Root().Refresh(ctx)

	expectEvents(t, rec, "created y", "changed x")
	if got := readNode(t, x); got != "top" {
		t.Errorf("expected 'top', got %q", got)
	}
	for _, ev := range rec.all() {
		if ev.Expected {
			t.Error("expected outside changes to be unexpected")
		}
	}
}

// TestNoWritableDelegate tests mutations without a writable delegate
func TestNoWritableDelegate(t *testing.T) {
	ctx := context.Background()
	_, base := newPair()
	base.put("a", "base")
	m, _ := newStack(t, []*fakeBackend{base})

	if !m.IsReadOnly() || !m.Find("a").IsReadOnly() {
		t.Error("expected a read-only overlay")
	}
	if _, err := m.Root().CreateData(ctx, "b"); !errors.Is(err, ErrReadOnlyFileSystem) {
		t.Errorf("expected ErrReadOnlyFileSystem, got %v", err)
	}
	n := m.Find("a")
	l, err := n.Lock()
	if err != nil {
		t.Fatal(err)
	}
	defer l.Release()
	if err := n.Delete(ctx, l); !errors.Is(err, ErrReadOnlyFileSystem) {
		t.Errorf("expected ErrReadOnlyFileSystem, got %v", err)
	}
	if !base.has("a") {
		t.Error("expected a to survive")
	}
}

// TestCompositeLock tests that an overlay lock holds the writable copy
func TestCompositeLock(t *testing.T) {
	top, base := newPair()
	top.put("a", "top")
	base.put("a", "base")
	m, fss := newStack(t, []*fakeBackend{top, base})

	l, err := m.Find("a").Lock()
	if err != nil {
		t.Fatal(err)
	}
	if !top.locks["a"] {
		t.Error("expected the writable copy to be locked")
	}
	if _, err := fss[0].Find("a").Lock(); !errors.Is(err, ErrAlreadyLocked) {
		t.Errorf("expected ErrAlreadyLocked on the delegate, got %v", err)
	}
	l.Release()
	if top.locks["a"] {
		t.Error("expected release to unlock the copy")
	}
}
