// Package memstore is an in-process RemoteStorage test double: a mutex
// guarded map standing in for the object store, with injectable failures so
// tests can exercise syncexec's retry path deterministically.
package memstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/filesyncd/filesync/internal/ferrors"
	"github.com/filesyncd/filesync/internal/filekit"
	"github.com/filesyncd/filesync/internal/remotestore"
)

type object struct {
	data        []byte
	contentType string
}

// Store is an in-memory RemoteStorage.
type Store struct {
	mu      sync.Mutex
	objects map[string]object

	failUploads   int
	failStatus    int
	failDownloads int
}

// New returns an empty in-memory store.
func New() *Store {
	return &Store{objects: make(map[string]object)}
}

// FailNextUploads makes the next n Upload calls fail with status, then
// resume succeeding.
func (s *Store) FailNextUploads(n int, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failUploads = n
	s.failStatus = status
}

// FailNextDownloads makes the next n Download calls fail with FileNotFoundError.
func (s *Store) FailNextDownloads(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failDownloads = n
}

func (s *Store) Upload(ctx context.Context, key string, file filekit.File, opts remotestore.UploadOpts) (*remotestore.UploadResult, error) {
	s.mu.Lock()
	if s.failUploads > 0 {
		s.failUploads--
		status := s.failStatus
		s.mu.Unlock()
		return nil, &ferrors.UploadError{
			Cause:     fmt.Errorf("memstore: injected failure, status %d", status),
			Retryable: status >= 500 || status == 0,
		}
	}
	s.mu.Unlock()

	r, err := file.Open()
	if err != nil {
		return nil, &ferrors.UploadError{Cause: err, Retryable: false}
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, &ferrors.UploadError{Cause: err, Retryable: true}
	}

	total := int64(len(data))
	if opts.OnProgress != nil {
		opts.OnProgress(total, total)
	}

	s.mu.Lock()
	s.objects[key] = object{data: data, contentType: opts.ContentType}
	s.mu.Unlock()

	return &remotestore.UploadResult{Key: key, Size: total}, nil
}

func (s *Store) Download(ctx context.Context, key string, opts remotestore.DownloadOpts) (io.ReadCloser, error) {
	s.mu.Lock()
	if s.failDownloads > 0 {
		s.failDownloads--
		s.mu.Unlock()
		return nil, &ferrors.FileNotFoundError{Path: key}
	}
	obj, ok := s.objects[key]
	s.mu.Unlock()
	if !ok {
		return nil, &ferrors.FileNotFoundError{Path: key}
	}

	total := int64(len(obj.data))
	if opts.OnProgress != nil {
		opts.OnProgress(total, total)
	}
	return io.NopCloser(bytes.NewReader(obj.data)), nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, key)
	return nil
}

func (s *Store) Health(ctx context.Context) bool { return true }

var _ remotestore.RemoteStorage = (*Store)(nil)
