// Package remotestore defines the contract the engine uses to move bytes to
// and from the object store, plus the concrete adapters that satisfy it:
// memstore (testing), signerclient (presigned URLs, the production path),
// and s3direct (direct aws-sdk-go-v2, for self-hosted deployments and the
// local devstack).
package remotestore

import (
	"context"
	"io"
	"time"

	"github.com/filesyncd/filesync/internal/filekit"
)

// ProgressFunc reports cumulative bytes transferred against the expected
// total (0 if unknown).
type ProgressFunc func(loaded, total int64)

// UploadOpts configures a single Upload call.
type UploadOpts struct {
	ContentType string
	OnProgress  ProgressFunc
}

// DownloadOpts configures a single Download call.
type DownloadOpts struct {
	OnProgress  ProgressFunc
	IfNoneMatch string
}

// UploadResult describes a completed upload.
type UploadResult struct {
	Key  string
	ETag string
	Size int64
}

// RemoteStorage is the contract the engine is built against. Every method is
// safe to call concurrently for distinct keys; at-most-one-in-flight per key
// is enforced by the caller (syncexec), not by the adapter.
type RemoteStorage interface {
	Upload(ctx context.Context, key string, file filekit.File, opts UploadOpts) (*UploadResult, error)
	Download(ctx context.Context, key string, opts DownloadOpts) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
	Health(ctx context.Context) bool
}

// URLSigner is an optional capability: adapters that can mint a presigned
// download URL without transferring bytes through this process implement
// it. filestorage.GetFileURL type-asserts for it so a client with no bytes
// present locally can hand back a direct remote link instead of a dead
// file:// URL. memstore does not implement it, since it has nothing to
// presign against.
type URLSigner interface {
	SignDownloadURL(ctx context.Context, key string) (url string, expiresAt time.Time, err error)
}
