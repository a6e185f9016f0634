package layerfs

import (
	"bytes"
	"context"
	"io"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"
)

// fakeBackend is an in-memory Backend with a clock the tests move by hand.
type fakeBackend struct {
	name     string
	readOnly bool

	mu      sync.Mutex
	now     time.Time
	entries map[string]*fakeEntry
	locks   map[string]bool
}

type fakeEntry struct {
	folder bool
	data   []byte
	mod    time.Time
	attrs  map[string]Value
}

func newFakeBackend(name string) *fakeBackend {
	b := &fakeBackend{
		name:    name,
		now:     time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		entries: make(map[string]*fakeEntry),
		locks:   make(map[string]bool),
	}
	b.entries[""] = &fakeEntry{folder: true, mod: b.now}
	return b
}

// tick moves the clock forward
func (b *fakeBackend) tick(d time.Duration) {
	b.mu.Lock()
	b.now = b.now.Add(d)
	b.mu.Unlock()
}

// put writes a data entry, creating parent folders, as an outside writer would
func (b *fakeBackend) put(p, data string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.mkdirAllLocked(parentPath(p))
	b.entries[p] = &fakeEntry{data: []byte(data), mod: b.now}
}

// mkdir creates a folder and its parents
func (b *fakeBackend) mkdir(p string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.mkdirAllLocked(p)
}

func (b *fakeBackend) mkdirAllLocked(p string) {
	if p == "" {
		return
	}
	b.mkdirAllLocked(parentPath(p))
	if _, ok := b.entries[p]; !ok {
		b.entries[p] = &fakeEntry{folder: true, mod: b.now}
	}
}

// touch sets the modification time without touching content
func (b *fakeBackend) touch(p string, mod time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if e, ok := b.entries[p]; ok {
		e.mod = mod
	}
}

// drop removes an entry and everything below it, as an outside writer would
func (b *fakeBackend) drop(p string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dropLocked(p)
}

func (b *fakeBackend) dropLocked(p string) {
	for k := range b.entries {
		if k == p || strings.HasPrefix(k, p+"/") {
			delete(b.entries, k)
		}
	}
}

func (b *fakeBackend) has(p string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.entries[p]
	return ok
}

func (b *fakeBackend) content(p string) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if e, ok := b.entries[p]; ok {
		return string(e.data)
	}
	return ""
}

func (b *fakeBackend) SystemName() string { return b.name }

func (b *fakeBackend) ReadOnly() bool { return b.readOnly }

func (b *fakeBackend) Children(p string) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if e, ok := b.entries[p]; !ok || !e.folder {
		return nil, ErrNotFound
	}
	var names []string
	for k := range b.entries {
		if k != "" && parentPath(k) == p {
			names = append(names, baseName(k))
		}
	}
	sort.Strings(names)
	return names, nil
}

func (b *fakeBackend) IsFolder(p string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.entries[p]
	return ok && e.folder
}

func (b *fakeBackend) IsReadOnly(string) bool { return b.readOnly }

func (b *fakeBackend) LastModified(p string) time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	if e, ok := b.entries[p]; ok {
		return e.mod
	}
	return time.Time{}
}

func (b *fakeBackend) Size(p string) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if e, ok := b.entries[p]; ok && !e.folder {
		return int64(len(e.data))
	}
	return 0
}

func (b *fakeBackend) OpenRead(p string) (io.ReadCloser, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.entries[p]
	if !ok || e.folder {
		return nil, ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(bytes.Clone(e.data))), nil
}

type fakeWriter struct {
	b *fakeBackend
	p string
	bytes.Buffer
}

func (w *fakeWriter) Close() error {
	w.b.mu.Lock()
	defer w.b.mu.Unlock()
	e, ok := w.b.entries[w.p]
	if !ok {
		e = &fakeEntry{}
		w.b.entries[w.p] = e
	}
	e.data = bytes.Clone(w.Bytes())
	e.mod = w.b.now
	return nil
}

func (b *fakeBackend) OpenWrite(p string) (io.WriteCloser, error) {
	if b.readOnly {
		return nil, ErrReadOnlyFile
	}
	return &fakeWriter{b: b, p: p}, nil
}

func (b *fakeBackend) Lock(p string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.locks[p] {
		return ErrAlreadyLocked
	}
	b.locks[p] = true
	return nil
}

func (b *fakeBackend) Unlock(p string) {
	b.mu.Lock()
	delete(b.locks, p)
	b.mu.Unlock()
}

func (b *fakeBackend) create(p string, folder bool) error {
	if b.readOnly {
		return ErrReadOnlyFileSystem
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.entries[p]; ok {
		return ErrAlreadyExists
	}
	if e, ok := b.entries[parentPath(p)]; !ok || !e.folder {
		return ErrNotFound
	}
	b.entries[p] = &fakeEntry{folder: folder, mod: b.now}
	return nil
}

func (b *fakeBackend) CreateFolder(p string) error { return b.create(p, true) }

func (b *fakeBackend) CreateData(p string) error { return b.create(p, false) }

func (b *fakeBackend) Rename(oldPath, newPath string) error {
	if b.readOnly {
		return ErrReadOnlyFileSystem
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.entries[newPath]; ok {
		return ErrAlreadyExists
	}
	moved := make(map[string]*fakeEntry)
	for k, e := range b.entries {
		if k == oldPath || strings.HasPrefix(k, oldPath+"/") {
			moved[newPath+strings.TrimPrefix(k, oldPath)] = e
			delete(b.entries, k)
		}
	}
	if len(moved) == 0 {
		return ErrNotFound
	}
	for k, e := range moved {
		b.entries[k] = e
	}
	if b.locks[oldPath] {
		delete(b.locks, oldPath)
		b.locks[newPath] = true
	}
	return nil
}

func (b *fakeBackend) Delete(p string) error {
	if b.readOnly {
		return ErrReadOnlyFileSystem
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.entries[p]; !ok {
		return ErrNotFound
	}
	b.dropLocked(p)
	delete(b.locks, p)
	return nil
}

func (b *fakeBackend) Attr(p, name string) (Value, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if e, ok := b.entries[p]; ok {
		if v, ok := e.attrs[name]; ok {
			return v, nil
		}
	}
	return Null, nil
}

func (b *fakeBackend) SetAttr(p, name string, v Value) error {
	if b.readOnly {
		return ErrReadOnlyFileSystem
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.entries[p]
	if !ok {
		return ErrNotFound
	}
	if v.IsNull() {
		delete(e.attrs, name)
		return nil
	}
	if e.attrs == nil {
		e.attrs = make(map[string]Value)
	}
	e.attrs[name] = v
	return nil
}

func (b *fakeBackend) AttrNames(p string) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.entries[p]
	if !ok {
		return nil, nil
	}
	names := make([]string, 0, len(e.attrs))
	for name := range e.attrs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// Attributes travel with their entries in Rename and Delete.
func (b *fakeBackend) RenameAttrs(string, string) error { return nil }

func (b *fakeBackend) DeleteAttrs(string) error { return nil }

var _ Backend = (*fakeBackend)(nil)

// recorder collects events.
type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) HandleEvent(_ context.Context, ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) all() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func (r *recorder) reset() {
	r.mu.Lock()
	r.events = nil
	r.mu.Unlock()
}

// summary renders events as "Kind path" lines
func (r *recorder) summary() []string {
	var out []string
	for _, ev := range r.all() {
		out = append(out, ev.Kind.String()+" "+ev.File.Path())
	}
	return out
}

func expectEvents(t *testing.T, r *recorder, want ...string) {
	t.Helper()
	got := r.summary()
	if strings.Join(got, "\n") != strings.Join(want, "\n") {
		t.Fatalf("events:\n got %q\nwant %q", got, want)
	}
}

func names(nodes []*Node) []string {
	out := make([]string, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, n.Name())
	}
	return out
}

func readNode(t *testing.T, n *Node) string {
	t.Helper()
	r, err := n.OpenRead()
	if err != nil {
		t.Fatalf("failed to open %s: %v", n, err)
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("failed to read %s: %v", n, err)
	}
	return string(data)
}

func writeNode(t *testing.T, ctx context.Context, n *Node, data string) {
	t.Helper()
	l, err := n.Lock()
	if err != nil {
		t.Fatalf("failed to lock %s: %v", n, err)
	}
	defer l.Release()
	w, err := n.OpenWrite(ctx, l)
	if err != nil {
		t.Fatalf("failed to open %s for writing: %v", n, err)
	}
	if _, err := io.WriteString(w, data); err != nil {
		t.Fatalf("failed to write %s: %v", n, err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("failed to close %s: %v", n, err)
	}
}
