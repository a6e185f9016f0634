package layerfs

import (
	"bytes"
	"context"
	"io"
	"io/fs"
	"os"
	"sync"
)

// nodeFile implements absfs.File over a node. Data content is loaded on open
// and written back through Node.OpenWrite when the file is closed.
type nodeFile struct {
	ctx  context.Context
	node *Node
	name string
	flag int

	mu      sync.Mutex
	data    []byte
	offset  int64
	dirty   bool
	closed  bool
	entries []os.FileInfo
	dirPos  int
}

func newNodeFile(ctx context.Context, n *Node, name string, flag int) (*nodeFile, error) {
	f := &nodeFile{ctx: ctx, node: n, name: name, flag: flag}
	if n.IsFolder() {
		return f, nil
	}
	if flag&os.O_TRUNC != 0 && f.writable() {
		f.dirty = true
		return f, nil
	}
	r, err := n.OpenRead()
	if err != nil {
		return nil, err
	}
	defer r.Close()
	if f.data, err = io.ReadAll(r); err != nil {
		return nil, err
	}
	if flag&os.O_APPEND != 0 {
		f.offset = int64(len(f.data))
	}
	return f, nil
}

func (f *nodeFile) writable() bool {
	return f.flag&(os.O_WRONLY|os.O_RDWR|os.O_APPEND) != 0
}

// Close writes pending content back to the node
func (f *nodeFile) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return os.ErrClosed
	}
	f.closed = true
	if !f.dirty {
		return nil
	}
	l, err := f.node.Lock()
	if err != nil {
		return err
	}
	defer l.Release()
	w, err := f.node.OpenWrite(f.ctx, l)
	if err != nil {
		return err
	}
	if _, err := w.Write(f.data); err != nil {
		w.Close()
		return err
	}
	return w.Close()
}

// Read reads from the current offset
func (f *nodeFile) Read(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, err := f.readAt(p, f.offset)
	f.offset += int64(n)
	return n, err
}

// ReadAt reads from off without moving the offset
func (f *nodeFile) ReadAt(p []byte, off int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.readAt(p, off)
}

func (f *nodeFile) readAt(p []byte, off int64) (int, error) {
	if f.closed {
		return 0, os.ErrClosed
	}
	if f.node.IsFolder() || f.flag&os.O_WRONLY != 0 {
		return 0, os.ErrInvalid
	}
	if off >= int64(len(f.data)) {
		return 0, io.EOF
	}
	n := copy(p, f.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// Seek seeks to an offset in the content or directory listing
func (f *nodeFile) Seek(offset int64, whence int) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return 0, os.ErrClosed
	}
	if f.node.IsFolder() {
		if offset != 0 || whence != io.SeekStart {
			return 0, os.ErrInvalid
		}
		f.entries, f.dirPos = nil, 0
		return 0, nil
	}
	var base int64
	switch whence {
	case io.SeekStart:
	case io.SeekCurrent:
		base = f.offset
	case io.SeekEnd:
		base = int64(len(f.data))
	default:
		return 0, os.ErrInvalid
	}
	if base+offset < 0 {
		return 0, os.ErrInvalid
	}
	f.offset = base + offset
	return f.offset, nil
}

// Write writes at the current offset
func (f *nodeFile) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.flag&os.O_APPEND != 0 {
		f.offset = int64(len(f.data))
	}
	n, err := f.writeAt(p, f.offset)
	f.offset += int64(n)
	return n, err
}

// WriteAt writes at off without moving the offset
func (f *nodeFile) WriteAt(p []byte, off int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.writeAt(p, off)
}

func (f *nodeFile) writeAt(p []byte, off int64) (int, error) {
	if f.closed {
		return 0, os.ErrClosed
	}
	if f.node.IsFolder() || !f.writable() {
		return 0, os.ErrInvalid
	}
	if end := off + int64(len(p)); end > int64(len(f.data)) {
		f.data = append(f.data, make([]byte, end-int64(len(f.data)))...)
	}
	copy(f.data[off:], p)
	f.dirty = true
	return len(p), nil
}

// WriteString writes s at the current offset
func (f *nodeFile) WriteString(s string) (int, error) {
	return f.Write([]byte(s))
}

// Name returns the name the file was opened with
func (f *nodeFile) Name() string {
	return f.name
}

// Readdir reads directory entries, masks excluded
func (f *nodeFile) Readdir(count int) ([]os.FileInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, os.ErrClosed
	}
	if !f.node.IsFolder() {
		return nil, os.ErrInvalid
	}
	if f.entries == nil {
		f.entries = []os.FileInfo{}
		for _, c := range f.node.Children() {
			if c.IsMask() {
				continue
			}
			f.entries = append(f.entries, newFileInfo(c))
		}
	}

	if f.dirPos >= len(f.entries) {
		if count > 0 {
			return nil, io.EOF
		}
		return nil, nil
	}
	end := len(f.entries)
	if count > 0 && f.dirPos+count < end {
		end = f.dirPos + count
	}
	result := f.entries[f.dirPos:end]
	f.dirPos = end
	return result, nil
}

// Readdirnames reads directory entry names
func (f *nodeFile) Readdirnames(count int) ([]string, error) {
	infos, err := f.Readdir(count)
	if err != nil {
		return nil, err
	}
	names := make([]string, len(infos))
	for i, info := range infos {
		names[i] = info.Name()
	}
	return names, nil
}

// ReadDir reads directory entries as fs.DirEntry values
func (f *nodeFile) ReadDir(count int) ([]fs.DirEntry, error) {
	infos, err := f.Readdir(count)
	if err != nil {
		return nil, err
	}
	entries := make([]fs.DirEntry, len(infos))
	for i, info := range infos {
		entries[i] = fs.FileInfoToDirEntry(info)
	}
	return entries, nil
}

// Stat returns the FileInfo for the node
func (f *nodeFile) Stat() (os.FileInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, os.ErrClosed
	}
	fi := newFileInfo(f.node)
	if f.dirty {
		fi.size = int64(len(f.data))
	}
	return fi, nil
}

// Sync is a no-op: content is written back on Close
func (f *nodeFile) Sync() error {
	return nil
}

// Truncate changes the size of the pending content
func (f *nodeFile) Truncate(size int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return os.ErrClosed
	}
	if f.node.IsFolder() || !f.writable() || size < 0 {
		return os.ErrInvalid
	}
	if size <= int64(len(f.data)) {
		f.data = f.data[:size]
	} else {
		f.data = append(f.data, bytes.Repeat([]byte{0}, int(size)-len(f.data))...)
	}
	f.dirty = true
	return nil
}
