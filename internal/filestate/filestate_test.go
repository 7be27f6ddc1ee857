package filestate

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/filesyncd/filesync/internal/metadatastore"
	"github.com/filesyncd/filesync/internal/metadatastore/sqlitestore"
)

func newTestManager(t *testing.T) (*Manager, metadatastore.MetadataStore) {
	t.Helper()
	store, err := sqlitestore.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	m, err := Open(filepath.Join(t.TempDir(), "state.db"), store, "client-1", "session-1", 2*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return m, store
}

func TestManager_GetDefaultsToIdle(t *testing.T) {
	m, _ := newTestManager(t)
	fs, err := m.Get(context.Background(), "nope")
	require.NoError(t, err)
	require.Equal(t, StatusIdle, fs.UploadStatus)
	require.Equal(t, StatusIdle, fs.DownloadStatus)
}

func TestManager_TransitionPersists(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.SetLocalHash(ctx, "f1", "livestore-filesync-files/s/abc", "abc"))
	require.NoError(t, m.Transition(ctx, "f1", KindUpload, StatusPending, nil))

	fs, err := m.Get(ctx, "f1")
	require.NoError(t, err)
	require.Equal(t, StatusPending, fs.UploadStatus)
	require.Equal(t, "abc", fs.LocalHash)
}

func TestManager_TransitionErrorRecordsCause(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.Transition(ctx, "f1", KindDownload, StatusError, errTestFailure))
	fs, err := m.Get(ctx, "f1")
	require.NoError(t, err)
	require.Equal(t, StatusError, fs.DownloadStatus)
	require.Equal(t, errTestFailure.Error(), fs.LastSyncError)
}

func TestManager_ReconcileWantsUploadOnlyWhenLeader(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	file := &metadatastore.File{ID: "f1", Path: "livestore-filesync-files/s/abc", ContentHash: "abc"}

	result, err := m.Reconcile(ctx, file, "abc", true)
	require.NoError(t, err)
	require.False(t, result.WantUpload, "not leader yet")

	m.Leadership().held.Store(true)

	result, err = m.Reconcile(ctx, file, "abc", true)
	require.NoError(t, err)
	require.True(t, result.WantUpload)
	require.False(t, result.WantDownload)
}

func TestManager_ReconcileWantsDownloadWhenRemoteAheadOfLocal(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	file := &metadatastore.File{ID: "f1", Path: "livestore-filesync-files/s/abc", ContentHash: "abc", RemoteKey: "s/abc"}

	result, err := m.Reconcile(ctx, file, "", false)
	require.NoError(t, err)
	require.True(t, result.WantDownload)
	require.False(t, result.WantUpload)
}

func TestManager_ReconcileDeletedFileResetsStatus(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.Transition(ctx, "f1", KindUpload, StatusDone, nil))

	deletedAt := time.Now()
	file := &metadatastore.File{ID: "f1", DeletedAt: &deletedAt}

	result, err := m.Reconcile(ctx, file, "", false)
	require.NoError(t, err)
	require.True(t, result.WantDelete)
	require.Equal(t, StatusIdle, result.State.UploadStatus)
}

var errTestFailure = &testErr{"boom"}

type testErr struct{ msg string }

func (e *testErr) Error() string { return e.msg }
