// Package filesync is the lifecycle owner: it subscribes to the metadata
// store's change feed and to a local filesystem watcher, reconciles the
// LocalFileStateManager against both, and dispatches the resulting work to
// SyncExecutor. Nothing else in the engine drives the executor directly.
package filesync

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/filesyncd/filesync/internal/ferrors"
	"github.com/filesyncd/filesync/internal/filekit"
	"github.com/filesyncd/filesync/internal/filestate"
	"github.com/filesyncd/filesync/internal/fswatch"
	"github.com/filesyncd/filesync/internal/hashsvc"
	"github.com/filesyncd/filesync/internal/localstore"
	"github.com/filesyncd/filesync/internal/metadatastore"
	"github.com/filesyncd/filesync/internal/remotestore"
	"github.com/filesyncd/filesync/internal/syncexec"
)

// Options configures a Sync instance.
type Options struct {
	Meta     metadatastore.MetadataStore
	State    *filestate.Manager
	Exec     *syncexec.Executor
	Remote   remotestore.RemoteStorage
	Local    *localstore.Store
	Hash     hashsvc.Service
	ClientID string

	// ReconcileInterval is the period of the full-reconcile pass. Default 5s.
	ReconcileInterval time.Duration

	// Watcher, if set, notifies Sync of writes made to the local byte store
	// outside of FileStorage (manual edits, a restored backup, a crashed
	// write completed by another process). A burst of events within
	// WatcherDebounce of each other triggers a single reconcile pass.
	Watcher         *fswatch.Watcher
	WatcherDebounce time.Duration // default 200ms
}

// Sync wires the metadata store, local state, and executor into a running
// reconciliation loop.
type Sync struct {
	opts Options

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a Sync. Call Start to begin reconciling.
func New(opts Options) *Sync {
	if opts.ReconcileInterval <= 0 {
		opts.ReconcileInterval = 5 * time.Second
	}
	if opts.WatcherDebounce <= 0 {
		opts.WatcherDebounce = 200 * time.Millisecond
	}
	return &Sync{opts: opts}
}

// Start runs one synchronous full reconciliation pass, then launches the
// background change-feed consumer and periodic full-reconcile timer.
func (s *Sync) Start(ctx context.Context) error {
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.opts.Exec.SetOnTransition(s.handleTransition)
	s.opts.State.Leadership().Start(loopCtx)
	s.opts.Exec.Start(loopCtx)

	if err := s.reconcileAll(loopCtx); err != nil {
		slog.Warn("filesync: initial reconcile failed", "error", err)
	}

	changes, err := s.opts.Meta.Subscribe(loopCtx)
	if err != nil {
		cancel()
		return err
	}

	s.wg.Add(2)
	go s.consumeChanges(loopCtx, changes)
	go s.reconcileTimerLoop(loopCtx)

	if s.opts.Watcher != nil {
		if err := s.opts.Watcher.Start(); err != nil {
			slog.Warn("filesync: local filesystem watcher failed to start", "error", err)
		} else {
			s.wg.Add(1)
			go s.consumeWatcherEvents(loopCtx)
		}
	}

	return nil
}

// Stop cancels all in-flight transfers, flushes the queues, and releases
// the leadership lease. It never panics or returns an error; failures
// observed after Stop is called are logged at debug level and swallowed.
func (s *Sync) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.opts.Exec.Stop()
	s.opts.State.Leadership().Stop()
	if s.opts.Watcher != nil {
		s.opts.Watcher.Stop()
	}
	s.wg.Wait()
}

func (s *Sync) reconcileTimerLoop(ctx context.Context) {
	defer s.wg.Done()
	timer := time.NewTimer(s.opts.ReconcileInterval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			if err := s.reconcileAll(ctx); err != nil {
				slog.Debug("filesync: periodic reconcile failed", "error", err)
			}
			timer.Reset(s.opts.ReconcileInterval)
		}
	}
}

func (s *Sync) consumeChanges(ctx context.Context, changes <-chan metadatastore.ChangeEvent) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-changes:
			if !ok {
				return
			}
			if err := s.reconcileFile(ctx, evt.File); err != nil {
				slog.Debug("filesync: reconcile on change failed", "fileId", evt.File.ID, "error", err)
			}
		}
	}
}

// consumeWatcherEvents coalesces bursts of local write notifications into a
// single reconcile pass, the same debounce shape the teacher uses for its
// datasite directory watcher, simplified to one quiet-window timer instead
// of a per-path dedup map since a reconcile pass here is cheap and already
// scans every row.
func (s *Sync) consumeWatcherEvents(ctx context.Context) {
	defer s.wg.Done()

	var debounce *time.Timer
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-s.opts.Watcher.Events():
			if !ok {
				return
			}
			if debounce == nil {
				debounce = time.AfterFunc(s.opts.WatcherDebounce, func() {
					if err := s.reconcileAll(ctx); err != nil {
						slog.Debug("filesync: watcher-triggered reconcile failed", "error", err)
					}
				})
			} else {
				debounce.Reset(s.opts.WatcherDebounce)
			}
		}
	}
}

// handleTransition maps the executor's admission/retry/give-up events onto
// filestate's queued/error transitions. It is the only place that writes
// StatusQueued or StatusError for upload/download work: submitUpload and
// submitDownload's Run closures only ever set StatusInProgress (on attempt
// start) and StatusDone (on success), leaving the in-between and terminal
// failure states to whichever event the executor actually observed.
// KindDelete jobs are not part of the upload/download state machine and are
// ignored here.
func (s *Sync) handleTransition(fileID string, kind syncexec.Kind, event syncexec.TransitionEvent, err error) {
	var fkind filestate.Kind
	switch kind {
	case syncexec.KindUpload:
		fkind = filestate.KindUpload
	case syncexec.KindDownload:
		fkind = filestate.KindDownload
	default:
		return
	}

	ctx := context.Background()
	switch event {
	case syncexec.EventAdmitted, syncexec.EventRetrying:
		if terr := s.opts.State.Transition(ctx, fileID, fkind, filestate.StatusQueued, nil); terr != nil {
			slog.Debug("filesync: queued transition failed", "fileId", fileID, "kind", kind, "error", terr)
		}
	case syncexec.EventGivingUp:
		if terr := s.opts.State.Transition(ctx, fileID, fkind, filestate.StatusError, err); terr != nil {
			slog.Debug("filesync: error transition failed", "fileId", fileID, "kind", kind, "error", terr)
		}
	}
}

func (s *Sync) reconcileAll(ctx context.Context) error {
	files, err := s.opts.Meta.ListFiles(ctx)
	if err != nil {
		return err
	}
	for _, f := range files {
		if err := s.reconcileFile(ctx, f); err != nil {
			slog.Debug("filesync: reconcile failed", "fileId", f.ID, "error", err)
		}
	}
	return nil
}

func (s *Sync) reconcileFile(ctx context.Context, file *metadatastore.File) error {
	localPresent := s.opts.Local.Exists(file.Path)
	localHash := ""
	if localPresent {
		ok, err := s.opts.Local.VerifyHash(file.Path, file.ContentHash)
		if err == nil && ok {
			localHash = file.ContentHash
		}
	}

	result, err := s.opts.State.Reconcile(ctx, file, localHash, localPresent)
	if err != nil {
		return err
	}

	if result.WantDelete {
		s.opts.Exec.Cancel(syncexec.KindUpload, file.ID)
		s.opts.Exec.Cancel(syncexec.KindDownload, file.ID)
		if file.RemoteKey != "" {
			s.submitDelete(file)
		}
		return nil
	}

	if result.WantUpload {
		if err := s.opts.State.Transition(ctx, file.ID, filestate.KindUpload, filestate.StatusPending, nil); err != nil {
			return err
		}
		s.submitUpload(file)
	}
	if result.WantDownload {
		if err := s.opts.State.Transition(ctx, file.ID, filestate.KindDownload, filestate.StatusPending, nil); err != nil {
			return err
		}
		s.submitDownload(file)
	}
	return nil
}

func (s *Sync) submitUpload(file *metadatastore.File) {
	fileID := file.ID
	path := file.Path
	remoteKey := localstore.RemoteKey(path)

	s.opts.Exec.Submit(syncexec.Job{
		FileID: fileID,
		Kind:   syncexec.KindUpload,
		Path:   path,
		Run: func(ctx context.Context, report func(int64, int64)) error {
			_ = s.opts.State.Transition(ctx, fileID, filestate.KindUpload, filestate.StatusInProgress, nil)

			localFile, err := filekit.NewPath(s.opts.Local.AbsPath(path))
			if err != nil {
				return &ferrors.StorageError{Cause: err}
			}

			result, err := s.opts.Remote.Upload(ctx, remoteKey, localFile, remotestore.UploadOpts{
				OnProgress: report,
			})
			if err != nil {
				return err
			}

			if err := s.opts.Meta.CommitFileUpdated(ctx, metadatastore.FileUpdated{
				ID:          fileID,
				Path:        path,
				RemoteKey:   result.Key,
				ContentHash: file.ContentHash,
				UpdatedAt:   time.Now(),
			}); err != nil {
				return err
			}

			return s.opts.State.Transition(ctx, fileID, filestate.KindUpload, filestate.StatusDone, nil)
		},
	})
}

func (s *Sync) submitDownload(file *metadatastore.File) {
	fileID := file.ID
	path := file.Path
	remoteKey := file.RemoteKey
	contentHash := file.ContentHash

	s.opts.Exec.Submit(syncexec.Job{
		FileID: fileID,
		Kind:   syncexec.KindDownload,
		Path:   path,
		Run: func(ctx context.Context, report func(int64, int64)) error {
			_ = s.opts.State.Transition(ctx, fileID, filestate.KindDownload, filestate.StatusInProgress, nil)

			body, err := s.opts.Remote.Download(ctx, remoteKey, remotestore.DownloadOpts{OnProgress: report})
			if err != nil {
				return err
			}
			defer body.Close()

			if err := s.opts.Local.Write(path, body, contentHash); err != nil {
				return &ferrors.StorageError{Cause: err}
			}

			if err := s.opts.State.SetLocalHash(ctx, fileID, path, contentHash); err != nil {
				return err
			}
			return s.opts.State.Transition(ctx, fileID, filestate.KindDownload, filestate.StatusDone, nil)
		},
	})
}

func (s *Sync) submitDelete(file *metadatastore.File) {
	fileID := file.ID
	remoteKey := file.RemoteKey

	s.opts.Exec.Submit(syncexec.Job{
		FileID: fileID,
		Kind:   syncexec.KindDelete,
		Path:   file.Path,
		Run: func(ctx context.Context, report func(int64, int64)) error {
			return s.opts.Remote.Delete(ctx, remoteKey)
		},
	})
}
