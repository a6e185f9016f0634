package backend

import (
	"io"
	"os"

	"github.com/absfs/absfs"
	"github.com/spf13/afero"
)

// store is the small filesystem surface a Store needs. Paths are absolute
// and slash separated.
type store interface {
	stat(p string) (os.FileInfo, error)
	readDirNames(p string) ([]string, error)
	open(p string) (io.ReadCloser, error)
	create(p string) (io.WriteCloser, error)
	mkdir(p string) error
	rename(oldPath, newPath string) error
	removeAll(p string) error
}

// aferoStore adapts an afero.Fs
type aferoStore struct {
	fs afero.Fs
}

func (s aferoStore) stat(p string) (os.FileInfo, error) { return s.fs.Stat(p) }

func (s aferoStore) readDirNames(p string) ([]string, error) {
	f, err := s.fs.Open(p)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return f.Readdirnames(-1)
}

func (s aferoStore) open(p string) (io.ReadCloser, error) { return s.fs.Open(p) }

func (s aferoStore) create(p string) (io.WriteCloser, error) {
	return s.fs.OpenFile(p, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
}

func (s aferoStore) mkdir(p string) error { return s.fs.Mkdir(p, 0o755) }

func (s aferoStore) rename(oldPath, newPath string) error { return s.fs.Rename(oldPath, newPath) }

func (s aferoStore) removeAll(p string) error { return s.fs.RemoveAll(p) }

// absStore adapts an absfs.FileSystem
type absStore struct {
	fs absfs.FileSystem
}

func (s absStore) stat(p string) (os.FileInfo, error) { return s.fs.Stat(p) }

func (s absStore) readDirNames(p string) ([]string, error) {
	f, err := s.fs.Open(p)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return f.Readdirnames(-1)
}

func (s absStore) open(p string) (io.ReadCloser, error) { return s.fs.Open(p) }

func (s absStore) create(p string) (io.WriteCloser, error) {
	return s.fs.OpenFile(p, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
}

func (s absStore) mkdir(p string) error { return s.fs.Mkdir(p, 0o755) }

func (s absStore) rename(oldPath, newPath string) error { return s.fs.Rename(oldPath, newPath) }

func (s absStore) removeAll(p string) error { return s.fs.RemoveAll(p) }
