// Package refresh keeps a layerfs tree in step with changes made to its
// backing stores from outside the engine.
package refresh

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/absfs/layerfs"
)

// Refresher walks the materialized nodes of a filesystem periodically and
// refreshes each one. Watched disk delegates are refreshed as soon as the
// operating system reports a change.
type Refresher struct {
	fs       layerfs.FileSystem
	interval time.Duration
	log      logrus.FieldLogger
	watches  []*Watcher

	mu     sync.Mutex
	cancel context.CancelCauseFunc
	done   chan error
}

// Option is a functional option for configuring a Refresher
type Option func(*Refresher)

// WithInterval sets the period of the walk. Zero disables it.
func WithInterval(d time.Duration) Option {
	return func(r *Refresher) {
		r.interval = d
	}
}

// WithLogger sets the logger
func WithLogger(log logrus.FieldLogger) Option {
	return func(r *Refresher) {
		r.log = log
	}
}

// WithWatcher runs w alongside the periodic walk.
func WithWatcher(w *Watcher) Option {
	return func(r *Refresher) {
		r.watches = append(r.watches, w)
	}
}

// New creates a Refresher for fsys
func New(fsys layerfs.FileSystem, opts ...Option) *Refresher {
	r := &Refresher{fs: fsys, log: logrus.StandardLogger()}
	for _, opt := range opts {
		opt(r)
	}
	r.log = r.log.WithFields(logrus.Fields{
		"component": "refresher",
		"system":    fsys.SystemName(),
	})
	return r
}

var errStopped = errors.New("refresher stopped")

// Start launches the walk and the watchers in the background.
func (r *Refresher) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		return errors.New("refresher already started")
	}

	ctx, cancel := context.WithCancelCause(ctx)
	g, ctx := errgroup.WithContext(ctx)
	if r.interval > 0 {
		g.Go(func() error {
			r.loop(ctx)
			return nil
		})
	}
	for _, w := range r.watches {
		if err := w.init(); err != nil {
			cancel(err)
			_ = g.Wait()
			return err
		}
		g.Go(func() error {
			return w.run(ctx)
		})
	}

	done := make(chan error, 1)
	go func() {
		done <- g.Wait()
	}()
	r.cancel, r.done = cancel, done
	r.log.WithField("interval", r.interval).Info("Refresher started")
	return nil
}

// Stop stops the background goroutines and waits at most timeout for
// them to finish.
func (r *Refresher) Stop(timeout time.Duration) error {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.cancel, r.done = nil, nil
	r.mu.Unlock()
	if cancel == nil {
		return nil
	}

	cancel(errStopped)
	select {
	case err := <-done:
		r.log.Info("Refresher stopped")
		return err
	case <-time.After(timeout):
		return fmt.Errorf("refresher did not stop within %s", timeout)
	}
}

func (r *Refresher) loop(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			start := time.Now()
			n := r.RefreshAll(ctx)
			r.log.WithFields(logrus.Fields{
				"nodes":    n,
				"duration": time.Since(start),
			}).Debug("Refresh walk done")
		case <-ctx.Done():
			r.log.WithField("reason", context.Cause(ctx)).Debug("Refresh loop done")
			return
		}
	}
}

// RefreshAll refreshes every materialized node inside one atomic action
// and returns the number of nodes visited.
func (r *Refresher) RefreshAll(ctx context.Context) int {
	var visited int
	_ = layerfs.RunAtomicAction(ctx, r, func(ctx context.Context) error {
		visited = Walk(ctx, r.fs.Root())
		return nil
	})
	return visited
}

// Walk refreshes n and then every materialized node below it. It stops
// early when ctx is done.
func Walk(ctx context.Context, n *layerfs.Node) int {
	if n == nil || ctx.Err() != nil {
		return 0
	}
	n.Refresh(ctx)
	visited := 1
	if !n.IsValid() || !n.IsFolder() {
		return visited
	}
	for _, c := range n.CachedChildren() {
		visited += Walk(ctx, c)
	}
	return visited
}
