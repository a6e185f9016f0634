// Package backend provides layerfs.Backend implementations over absfs and
// afero filesystems.
package backend

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/absfs/absfs"
	"github.com/absfs/memfs"
	"github.com/spf13/afero"

	"github.com/absfs/layerfs"
)

// AttrFile is the per-folder attribute sidecar. It is never listed.
const AttrFile = ".layerattrs"

// Store is a layerfs.Backend over an absfs or afero filesystem
type Store struct {
	name     string
	st       store
	readOnly bool
	dir      string

	lockMu sync.Mutex
	locks  map[string]bool

	// attrMu serializes sidecar read-modify-write cycles
	attrMu sync.Mutex
}

var _ layerfs.Backend = (*Store)(nil)

// Option is a functional option for configuring a Store
type Option func(*Store)

// WithReadOnly makes the store reject every mutation
func WithReadOnly(readOnly bool) Option {
	return func(s *Store) {
		s.readOnly = readOnly
	}
}

func newStore(name string, st store, opts []Option) *Store {
	s := &Store{name: name, st: st, locks: make(map[string]bool)}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewAbsFS creates a store over an absfs.FileSystem
func NewAbsFS(name string, fsys absfs.FileSystem, opts ...Option) *Store {
	return newStore(name, absStore{fs: fsys}, opts)
}

// NewMemory creates a store over a fresh in-memory filesystem
func NewMemory(name string, opts ...Option) (*Store, error) {
	mfs, err := memfs.NewFS()
	if err != nil {
		return nil, fmt.Errorf("failed to create memory filesystem: %w", err)
	}
	return NewAbsFS(name, mfs, opts...), nil
}

// NewAfero creates a store over an afero.Fs
func NewAfero(name string, fsys afero.Fs, opts ...Option) *Store {
	s := newStore(name, nil, opts)
	if s.readOnly {
		fsys = afero.NewReadOnlyFs(fsys)
	}
	s.st = aferoStore{fs: fsys}
	return s
}

// NewDisk creates a store rooted at the directory dir
func NewDisk(name, dir string, opts ...Option) (*Store, error) {
	osfs := afero.NewOsFs()
	info, err := osfs.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to open disk store: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("failed to open disk store: %s is not a directory", dir)
	}
	s := NewAfero(name, afero.NewBasePathFs(osfs, dir), opts...)
	s.dir = dir
	return s, nil
}

// Dir returns the directory of a disk store, "" for other stores
func (s *Store) Dir() string { return s.dir }

func (s *Store) SystemName() string { return s.name }

func (s *Store) ReadOnly() bool { return s.readOnly }

func abs(p string) string { return "/" + strings.TrimPrefix(p, "/") }

func (s *Store) Children(p string) ([]string, error) {
	names, err := s.st.readDirNames(abs(p))
	if err != nil {
		return nil, err
	}
	out := names[:0]
	for _, name := range names {
		if name == "" || name == "." || name == ".." || name == AttrFile {
			continue
		}
		out = append(out, name)
	}
	sort.Strings(out)
	return out, nil
}

func (s *Store) IsFolder(p string) bool {
	info, err := s.st.stat(abs(p))
	return err == nil && info.IsDir()
}

func (s *Store) IsReadOnly(string) bool { return s.readOnly }

func (s *Store) LastModified(p string) time.Time {
	info, err := s.st.stat(abs(p))
	if err != nil {
		return time.Time{}
	}
	t := info.ModTime()
	if t.IsZero() {
		// the zero time means missing
		t = time.Unix(0, 1)
	}
	return t
}

func (s *Store) Size(p string) int64 {
	info, err := s.st.stat(abs(p))
	if err != nil || info.IsDir() {
		return 0
	}
	return info.Size()
}

func (s *Store) OpenRead(p string) (io.ReadCloser, error) {
	info, err := s.st.stat(abs(p))
	if err != nil || info.IsDir() {
		return nil, layerfs.ErrNotFound
	}
	return s.st.open(abs(p))
}

func (s *Store) OpenWrite(p string) (io.WriteCloser, error) {
	if s.readOnly {
		return nil, layerfs.ErrReadOnlyFile
	}
	if s.IsFolder(p) {
		return nil, layerfs.ErrNotFound
	}
	return s.st.create(abs(p))
}

func (s *Store) Lock(p string) error {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	if s.locks[p] {
		return layerfs.ErrAlreadyLocked
	}
	s.locks[p] = true
	return nil
}

func (s *Store) Unlock(p string) {
	s.lockMu.Lock()
	delete(s.locks, p)
	s.lockMu.Unlock()
}

// moveLocks re-keys the locks held at or below oldPath; a nil newPath drops them.
func (s *Store) moveLocks(oldPath string, newPath *string) {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	for p := range s.locks {
		rest, ok := strings.CutPrefix(p, oldPath)
		if !ok || (rest != "" && !strings.HasPrefix(rest, "/")) {
			continue
		}
		delete(s.locks, p)
		if newPath != nil {
			s.locks[*newPath+rest] = true
		}
	}
}

func (s *Store) exists(p string) bool {
	_, err := s.st.stat(abs(p))
	return err == nil
}

func (s *Store) CreateFolder(p string) error {
	if s.readOnly {
		return layerfs.ErrReadOnlyFileSystem
	}
	if s.exists(p) {
		return layerfs.ErrAlreadyExists
	}
	return s.st.mkdir(abs(p))
}

func (s *Store) CreateData(p string) error {
	if s.readOnly {
		return layerfs.ErrReadOnlyFileSystem
	}
	if s.exists(p) {
		return layerfs.ErrAlreadyExists
	}
	w, err := s.st.create(abs(p))
	if err != nil {
		return err
	}
	return w.Close()
}

func (s *Store) Rename(oldPath, newPath string) error {
	if s.readOnly {
		return layerfs.ErrReadOnlyFileSystem
	}
	if s.exists(newPath) {
		return layerfs.ErrAlreadyExists
	}
	if err := s.st.rename(abs(oldPath), abs(newPath)); err != nil {
		return err
	}
	s.moveLocks(oldPath, &newPath)
	return nil
}

func (s *Store) Delete(p string) error {
	if s.readOnly {
		return layerfs.ErrReadOnlyFileSystem
	}
	if !s.exists(p) {
		return layerfs.ErrNotFound
	}
	if err := s.st.removeAll(abs(p)); err != nil {
		return err
	}
	s.moveLocks(p, nil)
	return nil
}

// sidecarOf returns the sidecar folder and entry key of p.
func sidecarOf(p string) (folder, key string) {
	p = strings.Trim(p, "/")
	if p == "" {
		return "", "."
	}
	dir, base := path.Split(p)
	return strings.TrimSuffix(dir, "/"), base
}

func (s *Store) loadSidecar(folder string) (sidecar, error) {
	r, err := s.st.open(abs(path.Join(folder, AttrFile)))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) || os.IsNotExist(err) {
			return sidecar{}, nil
		}
		return nil, err
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	sc, err := unmarshalSidecar(data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", path.Join(folder, AttrFile), err)
	}
	return sc, nil
}

func (s *Store) saveSidecar(folder string, sc sidecar) error {
	p := abs(path.Join(folder, AttrFile))
	if len(sc) == 0 {
		if _, err := s.st.stat(p); err != nil {
			return nil
		}
		return s.st.removeAll(p)
	}
	data, err := marshalSidecar(sc)
	if err != nil {
		return err
	}
	w, err := s.st.create(p)
	if err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		w.Close()
		return err
	}
	return w.Close()
}

func (s *Store) Attr(p, name string) (layerfs.Value, error) {
	folder, key := sidecarOf(p)
	s.attrMu.Lock()
	defer s.attrMu.Unlock()
	sc, err := s.loadSidecar(folder)
	if err != nil {
		return layerfs.Null, err
	}
	w, ok := sc[key][name]
	if !ok {
		return layerfs.Null, nil
	}
	return decodeValue(w), nil
}

func (s *Store) SetAttr(p, name string, v layerfs.Value) error {
	if s.readOnly {
		return layerfs.ErrReadOnlyFileSystem
	}
	folder, key := sidecarOf(p)
	s.attrMu.Lock()
	defer s.attrMu.Unlock()
	sc, err := s.loadSidecar(folder)
	if err != nil {
		return err
	}
	if v.IsNull() {
		delete(sc[key], name)
		if len(sc[key]) == 0 {
			delete(sc, key)
		}
	} else {
		if sc[key] == nil {
			sc[key] = make(map[string]attrWire)
		}
		sc[key][name] = encodeValue(v)
	}
	return s.saveSidecar(folder, sc)
}

func (s *Store) AttrNames(p string) ([]string, error) {
	folder, key := sidecarOf(p)
	s.attrMu.Lock()
	defer s.attrMu.Unlock()
	sc, err := s.loadSidecar(folder)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(sc[key]))
	for name := range sc[key] {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (s *Store) RenameAttrs(oldPath, newPath string) error {
	if s.readOnly {
		return layerfs.ErrReadOnlyFileSystem
	}
	oldFolder, oldKey := sidecarOf(oldPath)
	newFolder, newKey := sidecarOf(newPath)
	s.attrMu.Lock()
	defer s.attrMu.Unlock()
	sc, err := s.loadSidecar(oldFolder)
	if err != nil {
		return err
	}
	attrs, ok := sc[oldKey]
	if !ok {
		return nil
	}
	delete(sc, oldKey)
	if oldFolder == newFolder {
		sc[newKey] = attrs
		return s.saveSidecar(oldFolder, sc)
	}
	if err := s.saveSidecar(oldFolder, sc); err != nil {
		return err
	}
	dst, err := s.loadSidecar(newFolder)
	if err != nil {
		return err
	}
	dst[newKey] = attrs
	return s.saveSidecar(newFolder, dst)
}

func (s *Store) DeleteAttrs(p string) error {
	if s.readOnly {
		return layerfs.ErrReadOnlyFileSystem
	}
	folder, key := sidecarOf(p)
	s.attrMu.Lock()
	defer s.attrMu.Unlock()
	sc, err := s.loadSidecar(folder)
	if err != nil {
		return err
	}
	if _, ok := sc[key]; !ok {
		return nil
	}
	delete(sc, key)
	return s.saveSidecar(folder, sc)
}
