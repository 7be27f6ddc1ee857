// Package filestorage is the user-facing façade over the rest of the
// engine: SaveFile/UpdateFile/DeleteFile/GetFileURL. It writes metadata
// events, stores local bytes, and leaves scheduling of the resulting
// transfers to whatever is listening on the metadata store's change feed
// (filesync) — this package never talks to SyncExecutor directly.
package filestorage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/filesyncd/filesync/internal/ferrors"
	"github.com/filesyncd/filesync/internal/filekit"
	"github.com/filesyncd/filesync/internal/hashsvc"
	"github.com/filesyncd/filesync/internal/localstore"
	"github.com/filesyncd/filesync/internal/metadatastore"
	"github.com/filesyncd/filesync/internal/remotestore"
)

// SaveResult is returned by SaveFile.
type SaveResult struct {
	FileID      string
	Path        string
	ContentHash string
}

// UpdateResult is returned by UpdateFile.
type UpdateResult struct {
	Path        string
	ContentHash string
}

// Storage is the FileStorage façade.
type Storage struct {
	local *localstore.Store
	meta  metadatastore.MetadataStore
	hash  hashsvc.Service

	// ReadPathActive should be set true by callers that also run a read
	// path HTTP listener (cmd/filesyncd does). When true, GetFileURL
	// returns a read-path URL even for bytes not yet present locally,
	// since the listener resolves the remote fallback itself (§4.6).
	// When false (a library-only embedder with no HTTP surface),
	// GetFileURL falls back to Remote's presigned URL (if Remote
	// implements remotestore.URLSigner) or, failing that, a file:// URL
	// that only resolves for bytes already present locally.
	ReadPathActive bool

	// Remote, if set, is consulted by GetFileURL when bytes are absent
	// locally and no read path is active. Optional: callers that never
	// need remote-URL issuance (most tests) can leave it nil.
	Remote remotestore.RemoteStorage
}

// New builds a Storage over local bytes and the metadata store.
func New(local *localstore.Store, meta metadatastore.MetadataStore, hash hashsvc.Service) *Storage {
	return &Storage{local: local, meta: meta, hash: hash}
}

// SaveFile writes file's bytes under storeID and commits a fileCreated
// event. Saving identical bytes twice yields two distinct fileIds sharing
// one local path: dedup happens at the byte layer, not the identity layer.
func (s *Storage) SaveFile(ctx context.Context, file filekit.File, storeID string) (*SaveResult, error) {
	r, err := file.Open()
	if err != nil {
		return nil, &ferrors.StorageError{Cause: err}
	}
	defer r.Close()

	hash, err := s.hash.HashReader(r)
	if err != nil {
		return nil, err
	}

	path := localstore.StoredPath(storeID, hash)

	r2, err := file.Open()
	if err != nil {
		return nil, &ferrors.StorageError{Cause: err}
	}
	defer r2.Close()
	if err := s.local.Write(path, r2, hash); err != nil {
		return nil, &ferrors.StorageError{Cause: err}
	}

	fileID := uuid.NewString()
	now := time.Now()
	if err := s.meta.CommitFileCreated(ctx, metadatastore.FileCreated{
		ID:          fileID,
		Path:        path,
		ContentHash: hash,
		CreatedAt:   now,
		UpdatedAt:   now,
	}); err != nil {
		return nil, fmt.Errorf("filestorage: commit file created: %w", err)
	}

	return &SaveResult{FileID: fileID, Path: path, ContentHash: hash}, nil
}

// UpdateFile replaces fileID's content, clearing remoteKey so the executor
// re-uploads, then garbage-collects the previous path if unreferenced.
func (s *Storage) UpdateFile(ctx context.Context, fileID string, newFile filekit.File) (*UpdateResult, error) {
	existing, err := s.meta.GetFile(ctx, fileID)
	if err != nil {
		return nil, err
	}
	storeID := localstore.StoreIDFromPath(existing.Path)

	r, err := newFile.Open()
	if err != nil {
		return nil, &ferrors.StorageError{Cause: err}
	}
	defer r.Close()
	hash, err := s.hash.HashReader(r)
	if err != nil {
		return nil, err
	}

	newPath := localstore.StoredPath(storeID, hash)

	r2, err := newFile.Open()
	if err != nil {
		return nil, &ferrors.StorageError{Cause: err}
	}
	defer r2.Close()
	if err := s.local.Write(newPath, r2, hash); err != nil {
		return nil, &ferrors.StorageError{Cause: err}
	}

	if err := s.meta.CommitFileUpdated(ctx, metadatastore.FileUpdated{
		ID:          fileID,
		Path:        newPath,
		RemoteKey:   "",
		ContentHash: hash,
		UpdatedAt:   time.Now(),
	}); err != nil {
		return nil, fmt.Errorf("filestorage: commit file updated: %w", err)
	}

	if newPath != existing.Path {
		if err := s.gcIfUnreferenced(ctx, existing.Path); err != nil {
			return nil, err
		}
	}

	return &UpdateResult{Path: newPath, ContentHash: hash}, nil
}

// DeleteFile commits a fileDeleted event and GC's the local path if no
// other row references it. Remote delete is scheduled by filesync, which
// observes the resulting ChangeEvent.
func (s *Storage) DeleteFile(ctx context.Context, fileID string) error {
	existing, err := s.meta.GetFile(ctx, fileID)
	if err != nil {
		return err
	}

	if err := s.meta.CommitFileDeleted(ctx, metadatastore.FileDeleted{ID: fileID, DeletedAt: time.Now()}); err != nil {
		return fmt.Errorf("filestorage: commit file deleted: %w", err)
	}

	return s.gcIfUnreferenced(ctx, existing.Path)
}

// GetFileURL prefers a local URL when bytes are present. When absent, it
// returns a read-path URL if a read path listener is active (the listener
// resolves the remote fallback itself per §4.6); failing that, a presigned
// remote URL if Remote is set and implements remotestore.URLSigner and the
// file has a remote key; and only then a file:// URL, which resolves only
// once the bytes actually land locally.
func (s *Storage) GetFileURL(ctx context.Context, fileID string) (string, error) {
	f, err := s.meta.GetFile(ctx, fileID)
	if err != nil {
		return "", err
	}
	if s.local.Exists(f.Path) || s.ReadPathActive {
		return s.local.FileURL(f.Path), nil
	}
	if s.Remote != nil && f.RemoteKey != "" {
		if signer, ok := s.Remote.(remotestore.URLSigner); ok {
			url, _, err := signer.SignDownloadURL(ctx, f.RemoteKey)
			if err == nil {
				return url, nil
			}
			// fall through to the file:// URL rather than fail the whole
			// call over a remote outage the caller may not even observe.
		}
	}
	return s.local.LocalFileURL(f.Path), nil
}

func (s *Storage) gcIfUnreferenced(ctx context.Context, path string) error {
	files, err := s.meta.ListFiles(ctx)
	if err != nil {
		return err
	}
	for _, f := range files {
		if f.Path == path && !f.IsDeleted() {
			return nil
		}
	}
	if err := s.local.Delete(path); err != nil {
		return &ferrors.StorageError{Cause: err}
	}
	return nil
}
