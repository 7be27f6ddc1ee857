// Package filestate maintains the client-local transfer-status document:
// per fileId, what bytes are present locally and how far along the upload
// and download state machines are. Unlike metadatastore.File this is not
// cross-client replicated; it is per-session state persisted to a local
// SQLite file so a daemon restart does not force a full reconciliation.
package filestate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/filesyncd/filesync/internal/db"
	"github.com/filesyncd/filesync/internal/metadatastore"
)

// Status is a point in the upload/download state machine.
type Status string

const (
	StatusIdle       Status = "idle"
	StatusPending    Status = "pending"
	StatusQueued     Status = "queued"
	StatusInProgress Status = "inProgress"
	StatusDone       Status = "done"
	StatusError      Status = "error"
)

// Kind distinguishes the two independent state machines tracked per file.
type Kind string

const (
	KindUpload   Kind = "upload"
	KindDownload Kind = "download"
)

// FileState is the client-local record for one fileId.
type FileState struct {
	FileID         string
	Path           string
	LocalHash      string
	UploadStatus   Status
	DownloadStatus Status
	LastSyncError  string
	UpdatedAt      time.Time
}

const schema = `
CREATE TABLE IF NOT EXISTS file_state (
    file_id TEXT PRIMARY KEY,
    path TEXT NOT NULL,
    local_hash TEXT NOT NULL DEFAULT '',
    upload_status TEXT NOT NULL DEFAULT 'idle',
    download_status TEXT NOT NULL DEFAULT 'idle',
    last_sync_error TEXT NOT NULL DEFAULT '',
    updated_at TEXT NOT NULL
);
`

type row struct {
	FileID         string `db:"file_id"`
	Path           string `db:"path"`
	LocalHash      string `db:"local_hash"`
	UploadStatus   string `db:"upload_status"`
	DownloadStatus string `db:"download_status"`
	LastSyncError  string `db:"last_sync_error"`
	UpdatedAt      string `db:"updated_at"`
}

func (r *row) toState() (*FileState, error) {
	updated, err := time.Parse(time.RFC3339Nano, r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &FileState{
		FileID:         r.FileID,
		Path:           r.Path,
		LocalHash:      r.LocalHash,
		UploadStatus:   Status(r.UploadStatus),
		DownloadStatus: Status(r.DownloadStatus),
		LastSyncError:  r.LastSyncError,
		UpdatedAt:      updated,
	}, nil
}

// Manager owns the file_state table and the leadership lease used to gate
// uploads to a single session per client.
type Manager struct {
	db *sqlx.DB

	leadership *Leadership
}

// Open opens (creating if absent) the client-local state document at path.
// clientID/sessionID/ttl parameterize leadership; see Leadership.
func Open(path string, store metadatastore.MetadataStore, clientID, sessionID string, ttl time.Duration) (*Manager, error) {
	sqldb, err := db.NewSqliteDB(db.WithPath(path), db.WithMaxOpenConns(1))
	if err != nil {
		return nil, fmt.Errorf("open file state: %w", err)
	}
	if _, err := sqldb.Exec(schema); err != nil {
		sqldb.Close()
		return nil, fmt.Errorf("init file state schema: %w", err)
	}
	return &Manager{
		db:         sqldb,
		leadership: newLeadership(store, clientID, sessionID, ttl),
	}, nil
}

func (m *Manager) Close() error {
	m.leadership.Stop()
	return m.db.Close()
}

// Leadership exposes the leader-election handle so callers can Start/Stop it
// and check IsLeader before enqueuing uploads.
func (m *Manager) Leadership() *Leadership { return m.leadership }

func (m *Manager) Get(ctx context.Context, fileID string) (*FileState, error) {
	var r row
	err := m.db.GetContext(ctx, &r, `SELECT * FROM file_state WHERE file_id = ?`, fileID)
	if errors.Is(err, sql.ErrNoRows) {
		return &FileState{FileID: fileID, UploadStatus: StatusIdle, DownloadStatus: StatusIdle, UpdatedAt: time.Now()}, nil
	}
	if err != nil {
		return nil, err
	}
	return r.toState()
}

func (m *Manager) List(ctx context.Context) ([]*FileState, error) {
	var rows []row
	if err := m.db.SelectContext(ctx, &rows, `SELECT * FROM file_state`); err != nil {
		return nil, err
	}
	out := make([]*FileState, 0, len(rows))
	for _, r := range rows {
		fs, err := r.toState()
		if err != nil {
			return nil, err
		}
		out = append(out, fs)
	}
	return out, nil
}

func (m *Manager) upsert(ctx context.Context, fs *FileState) error {
	fs.UpdatedAt = time.Now()
	_, err := m.db.ExecContext(ctx, `
		INSERT INTO file_state (file_id, path, local_hash, upload_status, download_status, last_sync_error, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(file_id) DO UPDATE SET
			path = excluded.path,
			local_hash = excluded.local_hash,
			upload_status = excluded.upload_status,
			download_status = excluded.download_status,
			last_sync_error = excluded.last_sync_error,
			updated_at = excluded.updated_at`,
		fs.FileID, fs.Path, fs.LocalHash, string(fs.UploadStatus), string(fs.DownloadStatus),
		fs.LastSyncError, fs.UpdatedAt.Format(time.RFC3339Nano))
	return err
}

// SetLocalHash records the hash of the bytes actually present on disk for
// fileID, independent of any status transition.
func (m *Manager) SetLocalHash(ctx context.Context, fileID, path, hash string) error {
	fs, err := m.Get(ctx, fileID)
	if err != nil {
		return err
	}
	fs.Path = path
	fs.LocalHash = hash
	return m.upsert(ctx, fs)
}

// Transition moves fileID's upload or download status to to, recording
// lastSyncError when to is StatusError.
func (m *Manager) Transition(ctx context.Context, fileID string, kind Kind, to Status, syncErr error) error {
	fs, err := m.Get(ctx, fileID)
	if err != nil {
		return err
	}
	switch kind {
	case KindUpload:
		fs.UploadStatus = to
	case KindDownload:
		fs.DownloadStatus = to
	default:
		return fmt.Errorf("filestate: unknown kind %q", kind)
	}
	if to == StatusError && syncErr != nil {
		fs.LastSyncError = syncErr.Error()
	} else if to != StatusError {
		fs.LastSyncError = ""
	}
	return m.upsert(ctx, fs)
}

// ReconcileResult is the outcome of joining a File row against local
// presence: which transitions, if any, this manager wants performed.
type ReconcileResult struct {
	State        *FileState
	WantUpload   bool // idle -> pending for upload
	WantDownload bool // idle -> pending for download
	WantDelete   bool // File.IsDeleted(); caller should remove local bytes
}

// Reconcile re-derives the target status for fileID by joining on-disk
// presence, the File row, and current leadership, per the upload/download
// transition rules. It persists the reset of both statuses to idle implied
// by file.IsDeleted() but leaves transitions to pending to the caller
// (filesync), which writes the pending status and then submits to the
// SyncExecutor. An upload is wanted from idle, or from done once an update
// has cleared remoteKey.
func (m *Manager) Reconcile(ctx context.Context, file *metadatastore.File, localHash string, localPresent bool) (*ReconcileResult, error) {
	fs, err := m.Get(ctx, file.ID)
	if err != nil {
		return nil, err
	}
	fs.FileID = file.ID
	fs.Path = file.Path
	if localPresent {
		fs.LocalHash = localHash
	}

	if file.IsDeleted() {
		fs.UploadStatus = StatusIdle
		fs.DownloadStatus = StatusIdle
		if err := m.upsert(ctx, fs); err != nil {
			return nil, err
		}
		return &ReconcileResult{State: fs, WantDelete: true}, nil
	}

	result := &ReconcileResult{State: fs}

	if (fs.UploadStatus == StatusIdle || fs.UploadStatus == StatusDone) && localPresent && file.RemoteKey == "" && m.leadership.IsLeader() {
		result.WantUpload = true
	}

	needsDownload := file.RemoteKey != "" && (!localPresent || localHash != file.ContentHash)
	if fs.DownloadStatus == StatusIdle && needsDownload {
		result.WantDownload = true
	}

	if err := m.upsert(ctx, fs); err != nil {
		return nil, err
	}
	return result, nil
}
