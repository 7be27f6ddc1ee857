// Package filesys is the byte-level filesystem contract LocalFileStorage is
// built on. It is the one seam a browser OPFS or React-Native URI backend
// would replace; this module ships the local-disk implementation only.
package filesys

import (
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/filesyncd/filesync/internal/ferrors"
)

// FileSystem is byte-level read/write/stat/list/remove under a base
// directory. Paths passed to its methods are relative to that base.
type FileSystem interface {
	Write(relPath string, r io.Reader) error
	Read(relPath string) (io.ReadCloser, error)
	Exists(relPath string) bool
	Remove(relPath string) error
	Stat(relPath string) (fs.FileInfo, error)
	List(relDir string) ([]string, error)
	AbsPath(relPath string) string
}

// Local is a FileSystem rooted at a directory on the local disk.
type Local struct {
	root string
}

// NewLocal roots a Local filesystem at root, creating it if absent.
func NewLocal(root string) (*Local, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, &ferrors.StorageError{Cause: err}
	}
	return &Local{root: root}, nil
}

func (l *Local) AbsPath(relPath string) string {
	return filepath.Join(l.root, filepath.FromSlash(relPath))
}

// Write streams r to relPath, writing to a temp file in the same directory
// and renaming into place so concurrent readers never observe a partial
// write.
func (l *Local) Write(relPath string, r io.Reader) error {
	abs := l.AbsPath(relPath)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return &ferrors.StorageError{Cause: err}
	}

	tmp, err := os.CreateTemp(filepath.Dir(abs), ".tmp-*")
	if err != nil {
		return &ferrors.StorageError{Cause: err}
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		return &ferrors.StorageError{Cause: err}
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return &ferrors.StorageError{Cause: err}
	}
	if err := tmp.Close(); err != nil {
		return &ferrors.StorageError{Cause: err}
	}
	if err := os.Rename(tmpPath, abs); err != nil {
		return &ferrors.StorageError{Cause: err}
	}
	return nil
}

func (l *Local) Read(relPath string) (io.ReadCloser, error) {
	f, err := os.Open(l.AbsPath(relPath))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &ferrors.FileNotFoundError{Path: relPath}
		}
		return nil, &ferrors.StorageError{Cause: err}
	}
	return f, nil
}

func (l *Local) Exists(relPath string) bool {
	_, err := os.Stat(l.AbsPath(relPath))
	return err == nil
}

func (l *Local) Remove(relPath string) error {
	err := os.Remove(l.AbsPath(relPath))
	if err != nil && !os.IsNotExist(err) {
		return &ferrors.StorageError{Cause: err}
	}
	return nil
}

func (l *Local) Stat(relPath string) (fs.FileInfo, error) {
	info, err := os.Stat(l.AbsPath(relPath))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &ferrors.FileNotFoundError{Path: relPath}
		}
		return nil, &ferrors.StorageError{Cause: err}
	}
	return info, nil
}

// List enumerates file paths (relative to root) under relDir, skipping
// directories and the temp files Write creates while staging content.
func (l *Local) List(relDir string) ([]string, error) {
	base := l.AbsPath(relDir)
	var out []string
	err := filepath.WalkDir(base, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			if os.IsNotExist(walkErr) && path == base {
				return filepath.SkipDir
			}
			return walkErr
		}
		if d.IsDir() {
			return nil
		}
		if filepath.Base(path)[0] == '.' {
			return nil
		}
		rel, err := filepath.Rel(l.root, path)
		if err != nil {
			return err
		}
		out = append(out, filepath.ToSlash(rel))
		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		return nil, &ferrors.StorageError{Cause: err}
	}
	return out, nil
}
