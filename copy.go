package layerfs

import (
	"context"
	"fmt"
	"io"
)

// Copy copies n into the folder target under name. Folders are copied
// recursively; data is copied with its attributes. target may belong to
// another filesystem.
func (n *Node) Copy(ctx context.Context, target *Node, name string) (*Node, error) {
	if !n.IsValid() {
		return nil, pathError("copy", n.Path(), ErrInvalidState)
	}
	ctx, act := beginAction(ctx, n.fs.self, true)
	defer act.Finish()

	if !n.IsFolder() {
		return n.copyData(ctx, target, name)
	}
	dir, err := target.CreateFolder(ctx, name)
	if err != nil {
		return nil, err
	}
	if err := copyAttributes(ctx, n, dir); err != nil {
		return nil, err
	}
	for _, c := range n.Children() {
		if _, err := c.Copy(ctx, dir, c.Name()); err != nil {
			return nil, err
		}
	}
	return dir, nil
}

// Move copies n into target under name and deletes the original. l must be
// the live lock of n. Like any cross-filesystem move it is not atomic: a
// failed delete leaves both copies in place.
func (n *Node) Move(ctx context.Context, l *Lock, target *Node, name string) (*Node, error) {
	if err := n.checkLock(l); err != nil {
		return nil, pathError("move", n.Path(), err)
	}
	ctx, act := beginAction(ctx, n.fs.self, true)
	defer act.Finish()

	if sameNode(target, n.parent) {
		if err := n.Rename(ctx, l, name); err != nil {
			return nil, err
		}
		return n, nil
	}
	dst, err := n.Copy(ctx, target, name)
	if err != nil {
		return nil, err
	}
	if err := n.Delete(ctx, l); err != nil {
		return dst, err
	}
	return dst, nil
}

// copyData copies the content and attributes of data node n to a new child
// name of folder target.
func (n *Node) copyData(ctx context.Context, target *Node, name string) (*Node, error) {
	dst, err := target.CreateData(ctx, name)
	if err != nil {
		return nil, err
	}
	l, err := dst.Lock()
	if err != nil {
		return nil, err
	}
	defer l.Release()

	src, err := n.OpenRead()
	if err != nil {
		return nil, err
	}
	defer src.Close()

	w, err := dst.OpenWrite(ctx, l)
	if err != nil {
		return nil, err
	}
	size := target.fs.copyBuffer
	if size <= 0 {
		size = 32 * 1024
	}
	buf := make([]byte, size)
	if _, err := io.CopyBuffer(w, src, buf); err != nil {
		w.Close()
		return nil, fmt.Errorf("failed to copy file contents: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("failed to copy file contents: %w", err)
	}
	if err := copyAttributes(ctx, n, dst); err != nil {
		return nil, err
	}
	return dst, nil
}

// copyAttributes copies every attribute of src onto dst.
func copyAttributes(ctx context.Context, src, dst *Node) error {
	for _, name := range src.AttributeNames() {
		v := src.Attribute(name)
		if v.IsNull() {
			continue
		}
		if err := dst.SetAttribute(ctx, name, v); err != nil {
			return fmt.Errorf("failed to copy attribute %s: %w", name, err)
		}
	}
	return nil
}

// ensureFolder returns the folder at p on fsys, creating it and every
// missing parent.
func ensureFolder(ctx context.Context, fsys FileSystem, p string) (*Node, error) {
	cur := fsys.Root()
	if cur == nil {
		return nil, pathError("mkdir", p, ErrInvalidState)
	}
	for _, part := range splitPath(p) {
		next := cur.Child(part)
		if next == nil {
			var err error
			if next, err = cur.CreateFolder(ctx, part); err != nil {
				return nil, err
			}
		} else if !next.IsFolder() {
			return nil, pathError("mkdir", next.Path(), ErrNotAFolder)
		}
		cur = next
	}
	return cur, nil
}

// deleteNode deletes n under a lock of its own.
func deleteNode(ctx context.Context, n *Node) error {
	l, err := n.Lock()
	if err != nil {
		return err
	}
	if err := n.Delete(ctx, l); err != nil {
		l.Release()
		return err
	}
	return nil
}
