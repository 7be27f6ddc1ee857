// Package sqlitestore is the reference MetadataStore: a single SQLite
// database standing in for the event-sourced replicated store. It is
// explicitly a single-process stand-in, not a distributed system — the
// point is to give the engine a real, runnable collaborator behind the
// metadatastore.MetadataStore interface.
package sqlitestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/filesyncd/filesync/internal/db"
	"github.com/filesyncd/filesync/internal/metadatastore"
)

const schema = `
CREATE TABLE IF NOT EXISTS files (
    id TEXT PRIMARY KEY,
    path TEXT NOT NULL,
    remote_key TEXT NOT NULL DEFAULT '',
    content_hash TEXT NOT NULL,
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL,
    deleted_at TEXT
);

CREATE INDEX IF NOT EXISTS idx_files_content_hash ON files(content_hash);
CREATE INDEX IF NOT EXISTS idx_files_deleted_at ON files(deleted_at);

CREATE TABLE IF NOT EXISTS client_locks (
    client_id TEXT PRIMARY KEY,
    session_id TEXT NOT NULL,
    acquired_at TEXT NOT NULL,
    expires_at TEXT NOT NULL
);
`

type fileRow struct {
	ID          string         `db:"id"`
	Path        string         `db:"path"`
	RemoteKey   string         `db:"remote_key"`
	ContentHash string         `db:"content_hash"`
	CreatedAt   string         `db:"created_at"`
	UpdatedAt   string         `db:"updated_at"`
	DeletedAt   sql.NullString `db:"deleted_at"`
}

func (r *fileRow) toFile() (*metadatastore.File, error) {
	created, err := time.Parse(time.RFC3339Nano, r.CreatedAt)
	if err != nil {
		return nil, err
	}
	updated, err := time.Parse(time.RFC3339Nano, r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	f := &metadatastore.File{
		ID:          r.ID,
		Path:        r.Path,
		RemoteKey:   r.RemoteKey,
		ContentHash: r.ContentHash,
		CreatedAt:   created,
		UpdatedAt:   updated,
	}
	if r.DeletedAt.Valid {
		deleted, err := time.Parse(time.RFC3339Nano, r.DeletedAt.String)
		if err != nil {
			return nil, err
		}
		f.DeletedAt = &deleted
	}
	return f, nil
}

// Store is the SQLite-backed MetadataStore.
type Store struct {
	db *sqlx.DB

	mu   sync.Mutex
	subs []chan metadatastore.ChangeEvent
}

// Open opens (creating if absent) a metadata store at path. Use ":memory:"
// for a throwaway store in tests.
func Open(path string) (*Store, error) {
	sqldb, err := db.NewSqliteDB(db.WithPath(path), db.WithMaxOpenConns(1))
	if err != nil {
		return nil, fmt.Errorf("open metadata store: %w", err)
	}
	if _, err := sqldb.Exec(schema); err != nil {
		sqldb.Close()
		return nil, fmt.Errorf("init metadata schema: %w", err)
	}
	return &Store{db: sqldb}, nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	for _, ch := range s.subs {
		close(ch)
	}
	s.subs = nil
	s.mu.Unlock()
	return s.db.Close()
}

func (s *Store) publish(evt metadatastore.ChangeEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- evt:
		default:
			// slow subscriber; drop rather than block the committing writer.
		}
	}
}

func (s *Store) Subscribe(ctx context.Context) (<-chan metadatastore.ChangeEvent, error) {
	ch := make(chan metadatastore.ChangeEvent, 64)
	s.mu.Lock()
	s.subs = append(s.subs, ch)
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, sub := range s.subs {
			if sub == ch {
				s.subs = append(s.subs[:i], s.subs[i+1:]...)
				close(ch)
				break
			}
		}
	}()

	return ch, nil
}

func (s *Store) CommitFileCreated(ctx context.Context, evt metadatastore.FileCreated) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO files (id, path, remote_key, content_hash, created_at, updated_at, deleted_at)
		VALUES (?, ?, '', ?, ?, ?, NULL)`,
		evt.ID, evt.Path, evt.ContentHash,
		evt.CreatedAt.Format(time.RFC3339Nano), evt.UpdatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("commit file created: %w", err)
	}

	f, err := s.GetFile(ctx, evt.ID)
	if err != nil {
		return err
	}
	s.publish(metadatastore.ChangeEvent{Kind: metadatastore.ChangeCreated, File: f})
	return nil
}

func (s *Store) CommitFileUpdated(ctx context.Context, evt metadatastore.FileUpdated) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE files SET path = ?, remote_key = ?, content_hash = ?, updated_at = ?
		WHERE id = ?`,
		evt.Path, evt.RemoteKey, evt.ContentHash, evt.UpdatedAt.Format(time.RFC3339Nano), evt.ID)
	if err != nil {
		return fmt.Errorf("commit file updated: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("commit file updated: no such file %s", evt.ID)
	}

	f, err := s.GetFile(ctx, evt.ID)
	if err != nil {
		return err
	}
	s.publish(metadatastore.ChangeEvent{Kind: metadatastore.ChangeUpdated, File: f})
	return nil
}

func (s *Store) CommitFileDeleted(ctx context.Context, evt metadatastore.FileDeleted) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE files SET deleted_at = ?, updated_at = ? WHERE id = ?`,
		evt.DeletedAt.Format(time.RFC3339Nano), evt.DeletedAt.Format(time.RFC3339Nano), evt.ID)
	if err != nil {
		return fmt.Errorf("commit file deleted: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("commit file deleted: no such file %s", evt.ID)
	}

	f, err := s.GetFile(ctx, evt.ID)
	if err != nil {
		return err
	}
	s.publish(metadatastore.ChangeEvent{Kind: metadatastore.ChangeDeleted, File: f})
	return nil
}

func (s *Store) GetFile(ctx context.Context, id string) (*metadatastore.File, error) {
	var row fileRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM files WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get file %s: not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get file %s: %w", id, err)
	}
	return row.toFile()
}

func (s *Store) ListFiles(ctx context.Context) ([]*metadatastore.File, error) {
	var rows []fileRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT * FROM files`); err != nil {
		return nil, fmt.Errorf("list files: %w", err)
	}
	out := make([]*metadatastore.File, 0, len(rows))
	for _, r := range rows {
		f, err := r.toFile()
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, nil
}

// TryAcquireLock grants a lease if none exists, or the existing one has
// expired, or it is already held by sessionID (idempotent re-acquire).
func (s *Store) TryAcquireLock(ctx context.Context, clientID, sessionID string, ttl time.Duration) (bool, error) {
	now := time.Now()
	expires := now.Add(ttl)

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	var existing struct {
		SessionID string `db:"session_id"`
		ExpiresAt string `db:"expires_at"`
	}
	err = tx.GetContext(ctx, &existing, `SELECT session_id, expires_at FROM client_locks WHERE client_id = ?`, clientID)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		// no lock held, fall through to acquire
	case err != nil:
		return false, err
	default:
		expiresAt, parseErr := time.Parse(time.RFC3339Nano, existing.ExpiresAt)
		if parseErr != nil {
			return false, parseErr
		}
		if existing.SessionID != sessionID && expiresAt.After(now) {
			return false, nil
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO client_locks (client_id, session_id, acquired_at, expires_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(client_id) DO UPDATE SET session_id = excluded.session_id, acquired_at = excluded.acquired_at, expires_at = excluded.expires_at`,
		clientID, sessionID, now.Format(time.RFC3339Nano), expires.Format(time.RFC3339Nano))
	if err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) RenewLock(ctx context.Context, clientID, sessionID string, ttl time.Duration) (bool, error) {
	now := time.Now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE client_locks SET expires_at = ?
		WHERE client_id = ? AND session_id = ? AND expires_at > ?`,
		now.Add(ttl).Format(time.RFC3339Nano), clientID, sessionID, now.Format(time.RFC3339Nano))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *Store) ReleaseLock(ctx context.Context, clientID, sessionID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM client_locks WHERE client_id = ? AND session_id = ?`, clientID, sessionID)
	return err
}
