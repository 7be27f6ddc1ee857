// Package hashsvc computes the content hash that drives content-addressed
// storage. It is a thin, swappable seam: a platform that exposes native
// streaming crypto (a worker thread, a hardware SHA engine) replaces
// Service without touching any caller.
package hashsvc

import (
	"crypto/sha256"
	"encoding/hex"
	"io"

	"github.com/filesyncd/filesync/internal/ferrors"
)

// Service hashes readers and byte slices.
type Service interface {
	HashReader(r io.Reader) (string, error)
	HashBytes(b []byte) string
}

// SHA256 is the default Service, streaming content through crypto/sha256
// so large files never need to be buffered in memory.
type SHA256 struct{}

// New returns the default SHA-256 hash service.
func New() *SHA256 { return &SHA256{} }

func (SHA256) HashReader(r io.Reader) (string, error) {
	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", &ferrors.HashError{Cause: err}
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func (SHA256) HashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
