package layerfs

import (
	"context"
	"strings"
)

// MaskSuffix marks a zero-length file as a mask: "<name>_hidden" hides <name>
// on the delegate holding it and on every delegate below.
const MaskSuffix = "_hidden"

func isMask(name string) bool {
	return len(name) > len(MaskSuffix) && strings.HasSuffix(name, MaskSuffix)
}

func maskName(name string) string { return name + MaskSuffix }

// maskTarget returns the name hidden by a mask entry.
func maskTarget(name string) (string, bool) {
	if !isMask(name) {
		return "", false
	}
	return strings.TrimSuffix(name, MaskSuffix), true
}

// hasMask reports whether folder holds a mask for name.
func hasMask(folder *Node, name string) bool {
	if folder == nil || !folder.IsFolder() {
		return false
	}
	return folder.Child(maskName(name)) != nil
}

// mask creates the mask for p on fsys, creating missing parent folders.
func (m *MultiFS) mask(ctx context.Context, fsys FileSystem, p string) error {
	folder, err := ensureFolder(ctx, fsys, parentPath(p))
	if err != nil {
		return err
	}
	if hasMask(folder, baseName(p)) {
		return nil
	}
	if _, err := folder.CreateData(ctx, maskName(baseName(p))); err != nil {
		return err
	}
	m.log.WithField("path", p).WithField("delegate", fsys.SystemName()).Debug("masked")
	return nil
}

// unmaskOnAllHigherLayers removes the masks for p from every delegate up to
// and including fsys. A fresh copy on fsys supersedes those deletion records.
func (m *MultiFS) unmaskOnAllHigherLayers(ctx context.Context, fsys FileSystem, p string) error {
	for _, d := range m.Delegates() {
		if d == nil {
			continue
		}
		if !d.IsReadOnly() {
			if err := m.unmask(ctx, d, p); err != nil {
				return err
			}
		}
		if d == fsys {
			break
		}
	}
	return nil
}

func (m *MultiFS) unmask(ctx context.Context, fsys FileSystem, p string) error {
	folder := fsys.Find(parentPath(p))
	if folder == nil || !folder.IsFolder() {
		return nil
	}
	mk := folder.Child(maskName(baseName(p)))
	if mk == nil {
		return nil
	}
	if err := deleteNode(ctx, mk); err != nil {
		return err
	}
	m.log.WithField("path", p).WithField("delegate", fsys.SystemName()).Debug("unmasked")
	return nil
}
