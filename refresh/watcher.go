package refresh

import (
	"context"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"

	"github.com/absfs/layerfs"
	"github.com/absfs/layerfs/backend"
)

// Watcher refreshes the nodes of a filesystem backed by a disk directory
// whenever the operating system reports a change below that directory.
// Only nodes that are already materialized are refreshed.
type Watcher struct {
	fs  layerfs.FileSystem
	dir string
	log logrus.FieldLogger

	watcher *fsnotify.Watcher
}

// NewWatcher creates a Watcher for fsys whose content lives in dir.
func NewWatcher(fsys layerfs.FileSystem, dir string, log logrus.FieldLogger) *Watcher {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Watcher{
		fs:  fsys,
		dir: filepath.Clean(dir),
		log: log.WithFields(logrus.Fields{
			"component": "watcher",
			"system":    fsys.SystemName(),
			"path":      dir,
		}),
	}
}

// WatchStore creates a Watcher for a BackendFS over a disk store. It
// returns nil when the store has no directory.
func WatchStore(fsys *layerfs.BackendFS, log logrus.FieldLogger) *Watcher {
	st, ok := fsys.Backend().(*backend.Store)
	if !ok || st.Dir() == "" {
		return nil
	}
	return NewWatcher(fsys, st.Dir(), log)
}

func (w *Watcher) init() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		w.log.WithError(err).Error("failed to create watcher")
		return err
	}
	w.watcher = watcher

	// Add the root before the subfolders so that folders created during the
	// walk are reported.
	if err := watcher.Add(w.dir); err != nil {
		watcher.Close()
		return err
	}
	return filepath.WalkDir(w.dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			w.log.WithError(err).WithField("path", p).Warn("Failed to walk folder")
			return nil
		}
		if d.IsDir() && p != w.dir {
			w.add(p)
		}
		return nil
	})
}

func (w *Watcher) add(dir string) {
	if err := w.watcher.Add(dir); err != nil {
		w.log.WithError(err).WithField("folder", dir).Warn("Failed to watch folder")
	}
}

// Run watches until ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	if err := w.init(); err != nil {
		return err
	}
	return w.run(ctx)
}

func (w *Watcher) run(ctx context.Context) error {
	defer w.watcher.Close()
	for {
		select {
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return err
			}
			w.log.WithError(err).Warn("Error while watching folder")

		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			w.handle(ctx, event)

		case <-ctx.Done():
			w.log.WithField("reason", context.Cause(ctx)).Debug("Watcher done")
			return nil
		}
	}
}

func (w *Watcher) handle(ctx context.Context, event fsnotify.Event) {
	rel, ok := w.relative(event.Name)
	if !ok {
		return
	}
	log := w.log.WithFields(logrus.Fields{"op": event.Op.String(), "node": rel})

	if event.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			w.add(event.Name)
		}
	}

	name := path.Base(rel)
	if name == backend.AttrFile {
		// attribute sidecars are not nodes
		return
	}

	// The parent picks up creations, deletions and renames; the node itself
	// picks up content changes.
	if n := w.fs.FindCached(path.Dir(rel)); n != nil {
		n.Refresh(ctx)
	}
	if event.Has(fsnotify.Write) || event.Has(fsnotify.Chmod) {
		if n := w.fs.FindCached(rel); n != nil && n.IsValid() {
			n.Refresh(ctx)
		}
	}
	log.Debug("Change handled")
}

// relative maps an OS path below the watched directory to a node path.
func (w *Watcher) relative(name string) (string, bool) {
	rel, err := filepath.Rel(w.dir, name)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return "", false
	}
	return filepath.ToSlash(rel), true
}
