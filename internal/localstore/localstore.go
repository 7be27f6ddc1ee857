// Package localstore implements the content-addressed byte pool described
// in the file-sync spec: identical bytes at identical storeId+hash share one
// path on disk, so writes are idempotent and deletes are reference-counted
// by the caller (FileStorage), not by this package.
package localstore

import (
	"io"
	"path/filepath"

	"github.com/filesyncd/filesync/internal/ferrors"
	"github.com/filesyncd/filesync/internal/filesys"
	"github.com/filesyncd/filesync/internal/hashsvc"
)

// Store is the content-addressed local file pool.
type Store struct {
	fs   filesys.FileSystem
	hash hashsvc.Service
}

// New builds a Store backed by fs, using hash to verify writes.
func New(fs filesys.FileSystem, hash hashsvc.Service) *Store {
	return &Store{fs: fs, hash: hash}
}

// Write stores r at path. If bytes already exist at path and hash to the
// same content, the write is skipped entirely — overwriting identical bytes
// is a documented no-op so it does not perturb mtimes that reconciliation
// would otherwise see as a local modification.
func (s *Store) Write(path string, r io.Reader, contentHash string) error {
	if s.fs.Exists(path) {
		existing, err := s.fs.Read(path)
		if err == nil {
			sum, hashErr := s.hash.HashReader(existing)
			existing.Close()
			if hashErr == nil && sum == contentHash {
				return nil
			}
		}
	}
	return s.fs.Write(path, r)
}

// Read opens the bytes at path.
func (s *Store) Read(path string) (io.ReadCloser, error) {
	return s.fs.Read(path)
}

// Exists reports whether bytes are present at path without failing.
func (s *Store) Exists(path string) bool {
	return s.fs.Exists(path)
}

// Delete removes path; deleting an absent path succeeds.
func (s *Store) Delete(path string) error {
	return s.fs.Remove(path)
}

// VerifyHash reports whether the bytes at path hash to want.
func (s *Store) VerifyHash(path, want string) (bool, error) {
	r, err := s.fs.Read(path)
	if err != nil {
		if _, ok := err.(*ferrors.FileNotFoundError); ok {
			return false, nil
		}
		return false, err
	}
	defer r.Close()
	got, err := s.hash.HashReader(r)
	if err != nil {
		return false, err
	}
	return got == want, nil
}

// FileURL returns the URL the read path serves this stored path under.
func (s *Store) FileURL(path string) string {
	return "/" + path
}

// AbsPath returns the absolute on-disk location of path, for callers (the
// executor's upload jobs) that need to hand a filekit.File backed by this
// store to an adapter without buffering it in memory first.
func (s *Store) AbsPath(path string) string {
	return s.fs.AbsPath(path)
}

// LocalFileURL returns a file:// URL for platforms with no read-path HTTP
// listener active (the Node-equivalent case in the source).
func (s *Store) LocalFileURL(path string) string {
	return "file://" + filepath.ToSlash(s.fs.AbsPath(path))
}

// ListUnderStoreRoot enumerates every stored path under storeId. GC and
// reconciliation do not call it; both work from the files table.
func (s *Store) ListUnderStoreRoot(storeID string) ([]string, error) {
	return s.fs.List(FilesRoot + "/" + SanitizeStoreID(storeID))
}
