package layerfs

import (
	"time"

	"github.com/sirupsen/logrus"
)

// WritablePolicy picks the delegate that receives writes for path p.
type WritablePolicy func(delegates []FileSystem, p string) (FileSystem, error)

// RenamePolicy picks the delegate that receives a rename from oldPath to newPath.
type RenamePolicy func(delegates []FileSystem, oldPath, newPath string) (FileSystem, error)

// LockPolicy lists the delegates whose copies are locked when a merged node is locked.
type LockPolicy func(delegates []FileSystem, p string) []FileSystem

// MigrationHook is called when a merged node's leader moves to another delegate.
type MigrationHook func(n, from, to *Node)

type options struct {
	log        logrus.FieldLogger
	tolerance  time.Duration
	copyBuffer int

	delegates      []FileSystem
	propagateMasks bool
	writableOn     WritablePolicy
	renameOn       RenamePolicy
	locksOn        LockPolicy
	migrated       MigrationHook
}

// Option is a functional option for configuring BackendFS and MultiFS
type Option func(*options)

func newOptions(opts []Option) *options {
	o := &options{
		log:        logrus.StandardLogger(),
		tolerance:  DefaultLeafTolerance,
		copyBuffer: 32 * 1024, // default 32KB
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.writableOn == nil {
		o.writableOn = DefaultWritablePolicy
	}
	if o.renameOn == nil {
		wr := o.writableOn
		o.renameOn = func(ds []FileSystem, _, newPath string) (FileSystem, error) {
			return wr(ds, newPath)
		}
	}
	if o.locksOn == nil {
		wr := o.writableOn
		o.locksOn = func(ds []FileSystem, p string) []FileSystem {
			fs, err := wr(ds, p)
			if err != nil {
				return nil
			}
			return []FileSystem{fs}
		}
	}
	return o
}

// WithLogger sets the logger used by the filesystem
func WithLogger(log logrus.FieldLogger) Option {
	return func(o *options) {
		o.log = log
	}
}

// WithLeafTolerance sets how far a data node's modification time may drift,
// with unchanged size, before a refresh reports it as changed. Zero makes
// every timestamp difference count.
func WithLeafTolerance(d time.Duration) Option {
	return func(o *options) {
		o.tolerance = d
	}
}

// WithCopyBufferSize sets the buffer size for copy-on-write operations
func WithCopyBufferSize(size int) Option {
	return func(o *options) {
		o.copyBuffer = size
	}
}

// WithWritableDelegate puts fs in slot 0, the slot tested first for writes
func WithWritableDelegate(fs FileSystem) Option {
	return func(o *options) {
		o.delegates = append([]FileSystem{fs}, o.delegates...)
	}
}

// WithDelegate appends fs below the delegates added so far
func WithDelegate(fs FileSystem) Option {
	return func(o *options) {
		o.delegates = append(o.delegates, fs)
	}
}

// WithDelegates replaces the whole delegate list. Slots may be nil.
func WithDelegates(fss ...FileSystem) Option {
	return func(o *options) {
		o.delegates = append([]FileSystem(nil), fss...)
	}
}

// WithPropagateMasks lists mask markers as children so that an enclosing
// overlay using this one as a delegate can honour them.
func WithPropagateMasks(enabled bool) Option {
	return func(o *options) {
		o.propagateMasks = enabled
	}
}

// WithWritablePolicy overrides DefaultWritablePolicy
func WithWritablePolicy(p WritablePolicy) Option {
	return func(o *options) {
		o.writableOn = p
	}
}

// WithRenamePolicy overrides the delegate chosen for renames
func WithRenamePolicy(p RenamePolicy) Option {
	return func(o *options) {
		o.renameOn = p
	}
}

// WithLockPolicy overrides the delegates locked by Lock
func WithLockPolicy(p LockPolicy) Option {
	return func(o *options) {
		o.locksOn = p
	}
}

// WithMigrationHook registers a hook called whenever a leader moves
func WithMigrationHook(h MigrationHook) Option {
	return func(o *options) {
		o.migrated = h
	}
}

// DefaultWritablePolicy writes to slot 0 when it holds a writable filesystem.
func DefaultWritablePolicy(delegates []FileSystem, _ string) (FileSystem, error) {
	if len(delegates) == 0 || delegates[0] == nil || delegates[0].IsReadOnly() {
		return nil, ErrReadOnlyFileSystem
	}
	return delegates[0], nil
}
