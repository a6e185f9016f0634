package layerfs

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"time"

	"github.com/absfs/absfs"
)

// absFSAdapter exposes a FileSystem as an absfs.Filer
type absFSAdapter struct {
	fsys FileSystem
	ctx  context.Context
}

// Ensure absFSAdapter implements absfs.Filer interface at compile time
var _ absfs.Filer = (*absFSAdapter)(nil)

// AbsFS returns an absfs.FileSystem view of fsys.
// The returned FileSystem maintains its own working directory state
// and provides the full absfs.FileSystem interface including convenience
// methods like Open, Create, MkdirAll, RemoveAll, and Truncate.
//
// Events fired by mutations made through the view are delivered with ctx.
//
// Example:
//
//	m := layerfs.NewMultiFS("merged",
//	    layerfs.WithDelegates(overlay, base),
//	)
//
//	fsys := layerfs.AbsFS(context.Background(), m)
//	fsys.Chdir("/app")
//	file, err := fsys.Open("config.yml") // Uses current working directory
func AbsFS(ctx context.Context, fsys FileSystem) absfs.FileSystem {
	return absfs.ExtendFiler(&absFSAdapter{fsys: fsys, ctx: ctx})
}

func (a *absFSAdapter) find(name string) (*Node, error) {
	n := a.fsys.Find(cleanPath(name))
	if n == nil || !n.IsValid() || n.IsMask() {
		return nil, &os.PathError{Op: "stat", Path: name, Err: os.ErrNotExist}
	}
	if !n.IsRoot() && !n.IsFolder() && !n.IsData() {
		return nil, &os.PathError{Op: "stat", Path: name, Err: os.ErrNotExist}
	}
	return n, nil
}

// OpenFile implements absfs.Filer
func (a *absFSAdapter) OpenFile(name string, flag int, perm os.FileMode) (absfs.File, error) {
	p := cleanPath(name)
	isWrite := flag&(os.O_WRONLY|os.O_RDWR|os.O_APPEND|os.O_CREATE|os.O_TRUNC) != 0

	n, err := a.find(p)
	switch {
	case err == nil && flag&os.O_CREATE != 0 && flag&os.O_EXCL != 0:
		return nil, &os.PathError{Op: "open", Path: name, Err: os.ErrExist}
	case err != nil && flag&os.O_CREATE == 0:
		return nil, err
	case err != nil:
		parent, perr := a.find(parentPath(p))
		if perr != nil {
			return nil, &os.PathError{Op: "open", Path: name, Err: os.ErrNotExist}
		}
		if n, err = parent.CreateData(a.ctx, baseName(p)); err != nil {
			return nil, err
		}
	}

	if n.IsFolder() && isWrite {
		return nil, &os.PathError{Op: "open", Path: name, Err: errors.New("is a directory")}
	}
	return newNodeFile(a.ctx, n, name, flag)
}

// Mkdir implements absfs.Filer
func (a *absFSAdapter) Mkdir(name string, perm os.FileMode) error {
	p := cleanPath(name)
	if _, err := a.find(p); err == nil {
		return &os.PathError{Op: "mkdir", Path: name, Err: os.ErrExist}
	}
	parent, err := a.find(parentPath(p))
	if err != nil {
		return &os.PathError{Op: "mkdir", Path: name, Err: os.ErrNotExist}
	}
	_, err = parent.CreateFolder(a.ctx, baseName(p))
	return err
}

// Remove implements absfs.Filer
func (a *absFSAdapter) Remove(name string) error {
	n, err := a.find(name)
	if err != nil {
		return err
	}
	if n.IsFolder() && visibleChildren(n) > 0 {
		return &os.PathError{Op: "remove", Path: name, Err: errors.New("directory not empty")}
	}
	return deleteNode(a.ctx, n)
}

func visibleChildren(n *Node) int {
	count := 0
	for _, c := range n.ChildNames() {
		if !isMask(c) {
			count++
		}
	}
	return count
}

// Rename implements absfs.Filer
func (a *absFSAdapter) Rename(oldpath, newpath string) error {
	n, err := a.find(oldpath)
	if err != nil {
		return err
	}
	newp := cleanPath(newpath)
	if _, err := a.find(newp); err == nil {
		return &os.LinkError{Op: "rename", Old: oldpath, New: newpath, Err: os.ErrExist}
	}
	target, err := a.find(parentPath(newp))
	if err != nil {
		return &os.LinkError{Op: "rename", Old: oldpath, New: newpath, Err: os.ErrNotExist}
	}
	l, err := n.Lock()
	if err != nil {
		return err
	}
	defer l.Release()
	if sameNode(target, n.parent) {
		return n.Rename(a.ctx, l, baseName(newp))
	}
	_, err = n.Move(a.ctx, l, target, baseName(newp))
	return err
}

// Stat implements absfs.Filer
func (a *absFSAdapter) Stat(name string) (os.FileInfo, error) {
	n, err := a.find(name)
	if err != nil {
		return nil, err
	}
	return newFileInfo(n), nil
}

// Chmod implements absfs.Filer. Nodes carry no permission bits.
func (a *absFSAdapter) Chmod(name string, mode os.FileMode) error {
	if _, err := a.find(name); err != nil {
		return err
	}
	return &os.PathError{Op: "chmod", Path: name, Err: errors.ErrUnsupported}
}

// Chtimes implements absfs.Filer. Modification times come from the backing
// stores and cannot be set.
func (a *absFSAdapter) Chtimes(name string, atime time.Time, mtime time.Time) error {
	if _, err := a.find(name); err != nil {
		return err
	}
	return &os.PathError{Op: "chtimes", Path: name, Err: errors.ErrUnsupported}
}

// Chown implements absfs.Filer
func (a *absFSAdapter) Chown(name string, uid, gid int) error {
	if _, err := a.find(name); err != nil {
		return err
	}
	return &os.PathError{Op: "chown", Path: name, Err: errors.ErrUnsupported}
}

// Separator returns the path separator (always forward slash for virtual paths)
func (a *absFSAdapter) Separator() uint8 {
	return '/'
}

// ListSeparator returns the path list separator (always colon for virtual paths)
func (a *absFSAdapter) ListSeparator() uint8 {
	return ':'
}

// Truncate changes the size of the named file
func (a *absFSAdapter) Truncate(name string, size int64) error {
	f, err := a.OpenFile(name, os.O_RDWR, 0)
	if err != nil {
		return err
	}
	if err := f.Truncate(size); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// fileInfo describes a node for os.FileInfo consumers
type fileInfo struct {
	name    string
	size    int64
	mode    fs.FileMode
	modTime time.Time
}

func newFileInfo(n *Node) *fileInfo {
	fi := &fileInfo{name: n.Name(), modTime: n.LastModified()}
	if n.IsRoot() {
		fi.name = "/"
	}
	switch {
	case n.IsFolder():
		fi.mode = fs.ModeDir | 0o755
	case n.IsReadOnly():
		fi.mode = 0o444
		fi.size = n.Size()
	default:
		fi.mode = 0o644
		fi.size = n.Size()
	}
	return fi
}

func (fi *fileInfo) Name() string       { return fi.name }
func (fi *fileInfo) Size() int64        { return fi.size }
func (fi *fileInfo) Mode() fs.FileMode  { return fi.mode }
func (fi *fileInfo) ModTime() time.Time { return fi.modTime }
func (fi *fileInfo) IsDir() bool        { return fi.mode.IsDir() }
func (fi *fileInfo) Sys() any           { return nil }
