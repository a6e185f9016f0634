package layerfs

import (
	"errors"
	"fmt"
	"io/fs"
)

var (
	// ErrReadOnlyFileSystem is returned when a mutation targets a filesystem
	// (or a whole overlay) that has no writable delegate
	ErrReadOnlyFileSystem = errors.New("filesystem is read-only")
	// ErrReadOnlyFile is returned when a mutation targets a read-only file
	ErrReadOnlyFile = errors.New("file is read-only")
	// ErrNotAFolder is returned when a folder operation is applied to a data node
	ErrNotAFolder = errors.New("not a folder")
	// ErrAlreadyExists is returned when a create or rename collides with an existing name
	ErrAlreadyExists = fmt.Errorf("already exists: %w", fs.ErrExist)
	// ErrAlreadyLocked is returned by Lock while another lock is outstanding
	ErrAlreadyLocked = errors.New("already locked")
	// ErrInvalidLock is returned when a lock does not match the node's live lock
	ErrInvalidLock = errors.New("invalid lock")
	// ErrNotFound is returned when a path does not resolve to anything
	ErrNotFound = fmt.Errorf("not found: %w", fs.ErrNotExist)
	// ErrInvalidState is returned when operating on an invalidated node or when
	// an internal postcondition does not hold
	ErrInvalidState = errors.New("invalid state")
	// ErrCannotRenameOrDeleteRoot is returned by Rename and Delete on a root node
	ErrCannotRenameOrDeleteRoot = errors.New("cannot rename or delete root")
)

// pathError attaches the operation and slash-rooted path to err.
func pathError(op, p string, err error) error {
	var pe *fs.PathError
	if errors.As(err, &pe) {
		return err
	}
	return &fs.PathError{Op: op, Path: "/" + p, Err: err}
}
