package layerfs

import (
	"io"
	"time"
)

// Backend is the capability set of one concrete storage. Paths are slash
// separated and relative to the storage root; the root is "".
//
// Implementations live in the backend package.
type Backend interface {
	// SystemName identifies the storage.
	SystemName() string
	// ReadOnly reports whether the whole storage rejects mutations.
	ReadOnly() bool

	// Children lists base names; empty names are ignored.
	Children(p string) ([]string, error)
	IsFolder(p string) bool
	IsReadOnly(p string) bool
	// LastModified returns the zero time when p does not exist.
	LastModified(p string) time.Time
	// Size is 0 for folders and missing entries.
	Size(p string) int64

	// OpenRead fails with ErrNotFound for folders and missing entries.
	OpenRead(p string) (io.ReadCloser, error)
	// OpenWrite truncates p. The caller holds the lock on p.
	OpenWrite(p string) (io.WriteCloser, error)

	// Lock fails with ErrAlreadyLocked while p is locked.
	Lock(p string) error
	Unlock(p string)

	// CreateFolder and CreateData fail with ErrAlreadyExists when p exists.
	CreateFolder(p string) error
	CreateData(p string) error
	Rename(oldPath, newPath string) error
	// Delete removes p and, for folders, everything below it.
	Delete(p string) error

	// Attr returns Null when the attribute is not set.
	Attr(p, name string) (Value, error)
	// SetAttr stores v; Null removes the attribute.
	SetAttr(p, name string, v Value) error
	AttrNames(p string) ([]string, error)
	// RenameAttrs and DeleteAttrs keep attribute storage in step with
	// Rename and Delete.
	RenameAttrs(oldPath, newPath string) error
	DeleteAttrs(p string) error
}
