package refresh

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/absfs/layerfs"
	"github.com/absfs/layerfs/backend"
)

// recorder collects "kind path" lines for every event it receives.
type recorder struct {
	mu     sync.Mutex
	events []string
	tagged []bool
	tag    any
}

func (r *recorder) HandleEvent(_ context.Context, ev layerfs.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, fmt.Sprintf("%s %s", ev.Kind, ev.File.Path()))
	r.tagged = append(r.tagged, r.tag != nil && ev.FiredFrom(r.tag))
}

func (r *recorder) has(event string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Contains(r.events, event)
}

func (r *recorder) snapshot() ([]string, []bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.events), slices.Clone(r.tagged)
}

func newMemFS(t *testing.T) (afero.Fs, *layerfs.BackendFS) {
	mem := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(mem, "/a/b.txt", []byte("b"), 0o644))
	log, _ := logtest.NewNullLogger()
	return mem, layerfs.NewBackendFS(backend.NewAfero("mem", mem), layerfs.WithLogger(log))
}

func TestWalk(t *testing.T) {
	ctx := context.Background()
	mem, fsys := newMemFS(t)

	a := fsys.Find("a")
	require.NotNil(t, a)
	assert.Equal(t, []string{"b.txt"}, a.ChildNames())
	b := fsys.Find("a/b.txt")
	require.NotNil(t, b)

	var rec recorder
	fsys.AddListener(&rec, false)

	require.NoError(t, afero.WriteFile(mem, "/a/c.txt", []byte("c"), 0o644))
	require.NoError(t, afero.WriteFile(mem, "/a/b.txt", []byte("grown"), 0o644))

	visited := Walk(ctx, fsys.Root())
	assert.GreaterOrEqual(t, visited, 3)

	events, _ := rec.snapshot()
	assert.ElementsMatch(t, []string{"created a/c.txt", "changed a/b.txt"}, events)
	assert.Equal(t, []string{"b.txt", "c.txt"}, a.ChildNames())

	t.Run("canceled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(ctx)
		cancel()
		assert.Zero(t, Walk(ctx, fsys.Root()))
	})

	t.Run("nil", func(t *testing.T) {
		assert.Zero(t, Walk(ctx, nil))
	})
}

func TestRefreshAll_SingleAction(t *testing.T) {
	mem, fsys := newMemFS(t)
	a := fsys.Find("a")
	require.NotNil(t, a)
	a.ChildNames()

	r := New(fsys)
	rec := recorder{tag: r}
	fsys.AddListener(&rec, false)

	require.NoError(t, mem.Remove("/a/b.txt"))
	require.NoError(t, afero.WriteFile(mem, "/a/d.txt", nil, 0o644))

	assert.GreaterOrEqual(t, r.RefreshAll(context.Background()), 2)

	events, tagged := rec.snapshot()
	assert.ElementsMatch(t, []string{"deleted a/b.txt", "created a/d.txt"}, events)
	assert.Equal(t, []bool{true, true}, tagged)
}

func TestRefresher_StartStop(t *testing.T) {
	mem, fsys := newMemFS(t)
	a := fsys.Find("a")
	require.NotNil(t, a)
	a.ChildNames()

	var rec recorder
	fsys.AddListener(&rec, false)

	log, hook := logtest.NewNullLogger()
	log.SetLevel(logrus.DebugLevel)
	r := New(fsys, WithInterval(10*time.Millisecond), WithLogger(log))

	require.NoError(t, r.Start(context.Background()))
	assert.ErrorContains(t, r.Start(context.Background()), "already started")

	require.NoError(t, afero.WriteFile(mem, "/a/late.txt", []byte("late"), 0o644))
	assert.Eventually(t, func() bool {
		return rec.has("created a/late.txt")
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, r.Stop(5*time.Second))
	assert.NoError(t, r.Stop(time.Second), "stopping twice is a no-op")

	var messages []string
	for _, entry := range hook.AllEntries() {
		messages = append(messages, entry.Message)
	}
	assert.Contains(t, messages, "Refresher started")
	assert.Contains(t, messages, "Refresher stopped")
}

func TestWatchStore(t *testing.T) {
	mem, err := backend.NewMemory("memory")
	require.NoError(t, err)
	assert.Nil(t, WatchStore(layerfs.NewBackendFS(mem), nil))

	store, err := backend.NewDisk("disk", t.TempDir())
	require.NoError(t, err)
	assert.NotNil(t, WatchStore(layerfs.NewBackendFS(store), nil))
}

func TestWatcher(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sub", "file.txt"), []byte("one"), 0o644))

	store, err := backend.NewDisk("disk", dir)
	require.NoError(t, err)
	log, _ := logtest.NewNullLogger()
	fsys := layerfs.NewBackendFS(store, layerfs.WithLogger(log), layerfs.WithLeafTolerance(0))

	sub := fsys.Find("sub")
	require.NotNil(t, sub)
	assert.Equal(t, []string{"file.txt"}, sub.ChildNames())
	file := fsys.Find("sub/file.txt")
	require.NotNil(t, file)
	assert.Equal(t, []string{"sub"}, fsys.Root().ChildNames())

	var rec recorder
	fsys.AddListener(&rec, false)

	w := WatchStore(fsys, log)
	require.NotNil(t, w)
	r := New(fsys, WithWatcher(w), WithLogger(log))
	require.NoError(t, r.Start(context.Background()))
	t.Cleanup(func() { assert.NoError(t, r.Stop(5*time.Second)) })

	t.Run("create", func(t *testing.T) {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "top.txt"), nil, 0o644))
		assert.Eventually(t, func() bool {
			return rec.has("created top.txt")
		}, 5*time.Second, 10*time.Millisecond)
	})

	t.Run("write", func(t *testing.T) {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "sub", "file.txt"), []byte("a longer content"), 0o644))
		assert.Eventually(t, func() bool {
			return rec.has("changed sub/file.txt")
		}, 5*time.Second, 10*time.Millisecond)
	})

	t.Run("remove", func(t *testing.T) {
		require.NoError(t, os.Remove(filepath.Join(dir, "sub", "file.txt")))
		assert.Eventually(t, func() bool {
			return rec.has("deleted sub/file.txt")
		}, 5*time.Second, 10*time.Millisecond)
		assert.False(t, file.IsValid())
	})

	t.Run("attributesIgnored", func(t *testing.T) {
		require.NoError(t, store.SetAttr("top.txt", "a", layerfs.IntValue(1)))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "marker"), nil, 0o644))
		assert.Eventually(t, func() bool {
			return rec.has("created marker")
		}, 5*time.Second, 10*time.Millisecond)
		assert.False(t, rec.has("created "+backend.AttrFile))
	})
}
