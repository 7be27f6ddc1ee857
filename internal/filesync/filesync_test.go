package filesync

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/filesyncd/filesync/internal/filekit"
	"github.com/filesyncd/filesync/internal/filestate"
	"github.com/filesyncd/filesync/internal/filestorage"
	"github.com/filesyncd/filesync/internal/filesys"
	"github.com/filesyncd/filesync/internal/fswatch"
	"github.com/filesyncd/filesync/internal/hashsvc"
	"github.com/filesyncd/filesync/internal/localstore"
	"github.com/filesyncd/filesync/internal/metadatastore"
	"github.com/filesyncd/filesync/internal/metadatastore/sqlitestore"
	"github.com/filesyncd/filesync/internal/remotestore"
	"github.com/filesyncd/filesync/internal/remotestore/memstore"
	"github.com/filesyncd/filesync/internal/syncexec"
)

func TestSync_UploadsNewlySavedFileWhenLeader(t *testing.T) {
	fs, err := filesys.NewLocal(t.TempDir())
	require.NoError(t, err)
	local := localstore.New(fs, hashsvc.New())
	meta, err := sqlitestore.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { meta.Close() })

	state, err := filestate.Open(t.TempDir()+"/state.db", meta, "client-1", "session-1", 2*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { state.Close() })

	remote := memstore.New()
	exec := syncexec.New(syncexec.Options{MaxConcurrent: 2, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond})

	sync := New(Options{
		Meta:              meta,
		State:             state,
		Exec:              exec,
		Remote:            remote,
		Local:             local,
		Hash:              hashsvc.New(),
		ClientID:          "client-1",
		ReconcileInterval: time.Hour,
	})

	storage := filestorage.New(local, meta, hashsvc.New())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, sync.Start(ctx))
	defer sync.Stop()

	require.Eventually(t, func() bool {
		return state.Leadership().IsLeader()
	}, 2*time.Second, 10*time.Millisecond, "session never became leader")

	saved, err := storage.SaveFile(ctx, filekit.NewBytes("a.txt", []byte("hello")), "store1")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		f, err := meta.GetFile(ctx, saved.FileID)
		return err == nil && f.RemoteKey != ""
	}, 2*time.Second, 10*time.Millisecond, "file was never uploaded")

	got, err := meta.GetFile(ctx, saved.FileID)
	require.NoError(t, err)
	require.Equal(t, localstore.RemoteKey(saved.Path), got.RemoteKey)

	fsRow, err := state.Get(ctx, saved.FileID)
	require.NoError(t, err)
	require.Equal(t, filestate.StatusDone, fsRow.UploadStatus)
}

func TestSync_StartsAndStopsWithWatcherAttached(t *testing.T) {
	dataDir := t.TempDir()
	fs, err := filesys.NewLocal(dataDir)
	require.NoError(t, err)
	local := localstore.New(fs, hashsvc.New())
	meta, err := sqlitestore.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { meta.Close() })

	state, err := filestate.Open(t.TempDir()+"/state.db", meta, "client-3", "session-3", 2*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { state.Close() })

	require.NoError(t, os.MkdirAll(local.AbsPath(localstore.FilesRoot), 0o755))

	exec := syncexec.New(syncexec.Options{MaxConcurrent: 2, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond})
	watcher := fswatch.New(local.AbsPath(localstore.FilesRoot))

	sync := New(Options{
		Meta:              meta,
		State:             state,
		Exec:              exec,
		Remote:            memstore.New(),
		Local:             local,
		Hash:              hashsvc.New(),
		ClientID:          "client-3",
		ReconcileInterval: time.Hour,
		Watcher:           watcher,
		WatcherDebounce:   10 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, sync.Start(ctx))
	sync.Stop()
}

func TestSync_DownloadsFileWithRemoteKeyAbsentLocally(t *testing.T) {
	fs, err := filesys.NewLocal(t.TempDir())
	require.NoError(t, err)
	local := localstore.New(fs, hashsvc.New())
	meta, err := sqlitestore.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { meta.Close() })

	state, err := filestate.Open(t.TempDir()+"/state.db", meta, "client-2", "session-2", 2*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { state.Close() })

	remote := memstore.New()
	hash := hashsvc.New().HashBytes([]byte("hello"))
	path := localstore.StoredPath("store1", hash)
	remoteKey := localstore.RemoteKey(path)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err = remote.Upload(ctx, remoteKey, filekit.NewBytes("a.txt", []byte("hello")), remotestore.UploadOpts{})
	require.NoError(t, err)

	exec := syncexec.New(syncexec.Options{MaxConcurrent: 2, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond})
	sync := New(Options{
		Meta:              meta,
		State:             state,
		Exec:              exec,
		Remote:            remote,
		Local:             local,
		Hash:              hashsvc.New(),
		ClientID:          "client-2",
		ReconcileInterval: time.Hour,
	})

	now := time.Now()
	require.NoError(t, meta.CommitFileCreated(ctx, metadatastore.FileCreated{
		ID: "f1", Path: path, ContentHash: hash, CreatedAt: now, UpdatedAt: now,
	}))
	require.NoError(t, meta.CommitFileUpdated(ctx, metadatastore.FileUpdated{
		ID: "f1", Path: path, RemoteKey: remoteKey, ContentHash: hash, UpdatedAt: now,
	}))

	require.NoError(t, sync.Start(ctx))
	defer sync.Stop()

	require.Eventually(t, func() bool {
		return local.Exists(path)
	}, 2*time.Second, 10*time.Millisecond, "file was never downloaded")
}

// TestSync_UploadRetriesThenSucceeds exercises a transient (5xx) upload
// failure followed by a successful retry, and asserts the observable
// uploadStatus sequence never shows an error transition since the failure
// never exhausts retries.
func TestSync_UploadRetriesThenSucceeds(t *testing.T) {
	fs, err := filesys.NewLocal(t.TempDir())
	require.NoError(t, err)
	local := localstore.New(fs, hashsvc.New())
	meta, err := sqlitestore.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { meta.Close() })

	state, err := filestate.Open(t.TempDir()+"/state.db", meta, "client-4", "session-4", 2*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { state.Close() })

	remote := memstore.New()
	remote.FailNextUploads(2, 503)

	exec := syncexec.New(syncexec.Options{
		MaxConcurrent: 2,
		MaxRetries:    5,
		BaseDelay:     time.Millisecond,
		MaxDelay:      2 * time.Millisecond,
	})

	sync := New(Options{
		Meta:              meta,
		State:             state,
		Exec:              exec,
		Remote:            remote,
		Local:             local,
		Hash:              hashsvc.New(),
		ClientID:          "client-4",
		ReconcileInterval: time.Hour,
	})

	storage := filestorage.New(local, meta, hashsvc.New())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, sync.Start(ctx))
	defer sync.Stop()

	require.Eventually(t, func() bool {
		return state.Leadership().IsLeader()
	}, 2*time.Second, 10*time.Millisecond, "session never became leader")

	saved, err := storage.SaveFile(ctx, filekit.NewBytes("a.txt", []byte("hello")), "store1")
	require.NoError(t, err)

	var sawQueued bool
	require.Eventually(t, func() bool {
		fsRow, err := state.Get(ctx, saved.FileID)
		require.NoError(t, err)
		if fsRow.UploadStatus == filestate.StatusQueued {
			sawQueued = true
		}
		return fsRow.UploadStatus == filestate.StatusDone
	}, 2*time.Second, time.Millisecond, "upload never reached done after retries")
	require.True(t, sawQueued, "expected the upload to pass through queued before done")

	fsRow, err := state.Get(ctx, saved.FileID)
	require.NoError(t, err)
	require.Equal(t, filestate.StatusDone, fsRow.UploadStatus)
	require.Empty(t, fsRow.LastSyncError)
}

// TestSync_UploadNonRetryableFailureGoesStraightToError exercises a
// non-retryable (403) upload failure: the executor must give up after a
// single attempt, with a non-empty lastSyncError, rather than retrying.
func TestSync_UploadNonRetryableFailureGoesStraightToError(t *testing.T) {
	fs, err := filesys.NewLocal(t.TempDir())
	require.NoError(t, err)
	local := localstore.New(fs, hashsvc.New())
	meta, err := sqlitestore.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { meta.Close() })

	state, err := filestate.Open(t.TempDir()+"/state.db", meta, "client-5", "session-5", 2*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { state.Close() })

	remote := memstore.New()
	remote.FailNextUploads(1, 403)

	exec := syncexec.New(syncexec.Options{
		MaxConcurrent: 2,
		MaxRetries:    5,
		BaseDelay:     time.Millisecond,
		MaxDelay:      2 * time.Millisecond,
	})

	sync := New(Options{
		Meta:              meta,
		State:             state,
		Exec:              exec,
		Remote:            remote,
		Local:             local,
		Hash:              hashsvc.New(),
		ClientID:          "client-5",
		ReconcileInterval: time.Hour,
	})

	storage := filestorage.New(local, meta, hashsvc.New())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, sync.Start(ctx))
	defer sync.Stop()

	require.Eventually(t, func() bool {
		return state.Leadership().IsLeader()
	}, 2*time.Second, 10*time.Millisecond, "session never became leader")

	saved, err := storage.SaveFile(ctx, filekit.NewBytes("b.txt", []byte("world")), "store1")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		fsRow, err := state.Get(ctx, saved.FileID)
		require.NoError(t, err)
		return fsRow.UploadStatus == filestate.StatusError
	}, 2*time.Second, 10*time.Millisecond, "upload never reached error status")

	// Give any incorrect retry loop time to run; status must stay at error.
	time.Sleep(20 * time.Millisecond)

	fsRow, err := state.Get(ctx, saved.FileID)
	require.NoError(t, err)
	require.Equal(t, filestate.StatusError, fsRow.UploadStatus)
	require.NotEmpty(t, fsRow.LastSyncError)

	got, err := meta.GetFile(ctx, saved.FileID)
	require.NoError(t, err)
	require.Empty(t, got.RemoteKey, "non-retryable failure must not have uploaded")
}
