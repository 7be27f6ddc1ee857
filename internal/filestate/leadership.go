package filestate

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/filesyncd/filesync/internal/metadatastore"
)

// Leadership tracks whether this session currently holds the upload lease
// for clientID. Only the leader enqueues uploads; non-leaders keep tracking
// status but never call SyncExecutor.Submit for uploads.
type Leadership struct {
	store     metadatastore.MetadataStore
	clientID  string
	sessionID string
	ttl       time.Duration

	held atomic.Bool

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newLeadership(store metadatastore.MetadataStore, clientID, sessionID string, ttl time.Duration) *Leadership {
	return &Leadership{store: store, clientID: clientID, sessionID: sessionID, ttl: ttl}
}

// IsLeader reports whether this session currently holds the lease.
func (l *Leadership) IsLeader() bool { return l.held.Load() }

// Start begins a background loop that acquires the lease and renews it at
// ttl/3 intervals until ctx is done.
func (l *Leadership) Start(ctx context.Context) {
	l.mu.Lock()
	if l.cancel != nil {
		l.mu.Unlock()
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.mu.Unlock()

	l.wg.Add(1)
	go l.run(loopCtx)
}

// Stop releases the lease, if held, and stops the renewal loop.
func (l *Leadership) Stop() {
	l.mu.Lock()
	cancel := l.cancel
	l.cancel = nil
	l.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	l.wg.Wait()

	if l.held.Load() {
		ctx, releaseCancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer releaseCancel()
		_ = l.store.ReleaseLock(ctx, l.clientID, l.sessionID)
		l.held.Store(false)
	}
}

func (l *Leadership) run(ctx context.Context) {
	defer l.wg.Done()

	l.tryAcquireOrRenew(ctx)

	interval := l.ttl / 3
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.tryAcquireOrRenew(ctx)
		}
	}
}

func (l *Leadership) tryAcquireOrRenew(ctx context.Context) {
	if l.held.Load() {
		ok, err := l.store.RenewLock(ctx, l.clientID, l.sessionID, l.ttl)
		if err != nil {
			slog.Warn("filestate: renew lease failed", "client", l.clientID, "error", err)
			return
		}
		if !ok {
			slog.Info("filestate: lost leadership lease", "client", l.clientID)
			l.held.Store(false)
		}
		return
	}

	ok, err := l.store.TryAcquireLock(ctx, l.clientID, l.sessionID, l.ttl)
	if err != nil {
		slog.Warn("filestate: acquire lease failed", "client", l.clientID, "error", err)
		return
	}
	if ok {
		slog.Info("filestate: acquired leadership lease", "client", l.clientID)
		l.held.Store(true)
	}
}
