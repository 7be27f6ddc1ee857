// Package metadatastore defines the contract the file-sync engine consumes
// for the event-sourced replicated files table. The replication mechanism
// itself (CRDT merge, log shipping, whatever a real LiveStore-equivalent
// does) is out of scope for this module: MetadataStore is the seam, and
// sqlitestore is a single-process reference implementation good enough to
// run the engine end-to-end and to test against.
package metadatastore

import (
	"context"
	"time"
)

// File is a row in the replicated files table.
type File struct {
	ID          string
	Path        string
	RemoteKey   string // empty until the first successful upload
	ContentHash string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	DeletedAt   *time.Time
}

// IsDeleted reports whether the row has been soft-deleted.
func (f *File) IsDeleted() bool { return f.DeletedAt != nil }

// FileCreated is committed after local bytes for a new file are durably
// written.
type FileCreated struct {
	ID          string
	Path        string
	ContentHash string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// FileUpdated replaces path/contentHash after a content change, and/or
// records the remoteKey once an upload succeeds.
type FileUpdated struct {
	ID          string
	Path        string
	RemoteKey   string
	ContentHash string
	UpdatedAt   time.Time
}

// FileDeleted soft-deletes a row.
type FileDeleted struct {
	ID        string
	DeletedAt time.Time
}

// ChangeKind identifies what happened in a ChangeEvent.
type ChangeKind string

const (
	ChangeCreated ChangeKind = "created"
	ChangeUpdated ChangeKind = "updated"
	ChangeDeleted ChangeKind = "deleted"
)

// ChangeEvent is delivered over the Subscribe channel whenever a row
// changes, regardless of whether the change originated locally or was
// replicated in from another client.
type ChangeEvent struct {
	Kind ChangeKind
	File *File
}

// MetadataStore is the contract the engine is built against. A real
// replicated implementation only needs to satisfy this interface; none of
// filestate, syncexec, filestorage, or filesync know or care how rows
// converge across clients.
type MetadataStore interface {
	CommitFileCreated(ctx context.Context, evt FileCreated) error
	CommitFileUpdated(ctx context.Context, evt FileUpdated) error
	CommitFileDeleted(ctx context.Context, evt FileDeleted) error

	GetFile(ctx context.Context, id string) (*File, error)
	ListFiles(ctx context.Context) ([]*File, error)

	// Subscribe returns a channel of change events. The channel is closed
	// when ctx is done.
	Subscribe(ctx context.Context) (<-chan ChangeEvent, error)

	// TryAcquireLock grants a leadership lease to (clientID, sessionID) for
	// ttl if no other session currently holds an unexpired lease for
	// clientID. RenewLock extends an already-held lease; it fails if the
	// lease expired or was superseded.
	TryAcquireLock(ctx context.Context, clientID, sessionID string, ttl time.Duration) (bool, error)
	RenewLock(ctx context.Context, clientID, sessionID string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, clientID, sessionID string) error
}
