// Package blob copies raw files into a path-addressed directory tree.
//
// A Store is a root directory; Sub derives a store for a relative path (in
// practice a test node id). Nothing is created until the first Save. Saves to
// the same destination are last-write-wins and not atomic across processes.
package blob

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// ErrIO wraps every filesystem failure of a save.
var ErrIO = errors.New("blob io error")

const (
	dirPerm  = 0o755
	filePerm = 0o644
)

type Store struct {
	root string
}

func New(root string) *Store {
	return &Store{root: root}
}

func (s *Store) Root() string {
	return s.root
}

// Sub returns a store scoped under root/rel. The directory is not created.
func (s *Store) Sub(rel string) *Store {
	return &Store{root: filepath.Join(s.root, rel)}
}

// Save copies src to root/base(src) and returns the destination path.
//
// When the destination already exists as a directory, Save only ensures the
// directory exists and copies nothing. When src already is the destination
// file, Save fails with ErrIO and leaves it untouched. Otherwise parent
// directories are created and any existing file is overwritten.
func (s *Store) Save(src string) (string, error) {
	dest := filepath.Join(s.root, filepath.Base(src))

	destInfo, err := os.Stat(dest)
	if err == nil && destInfo.IsDir() {
		if err := os.MkdirAll(dest, dirPerm); err != nil {
			return "", fmt.Errorf("%w: create %s: %w", ErrIO, dest, err)
		}
		return dest, nil
	}
	// Truncating dest would empty src.
	if err == nil {
		if srcInfo, serr := os.Stat(src); serr == nil && os.SameFile(srcInfo, destInfo) {
			return "", fmt.Errorf("%w: %s and %s are the same file", ErrIO, src, dest)
		}
	}

	// MkdirAll treats an existing directory as success, which covers
	// concurrent workers racing on the same parent.
	if err := os.MkdirAll(filepath.Dir(dest), dirPerm); err != nil {
		return "", fmt.Errorf("%w: create %s: %w", ErrIO, filepath.Dir(dest), err)
	}
	if err := copyFile(src, dest); err != nil {
		return "", fmt.Errorf("%w: copy %s: %w", ErrIO, src, err)
	}
	return dest, nil
}

func copyFile(src, dest string) error {
	in, err := os.Open(src) // #nosec G304
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, filePerm) // #nosec G304
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
