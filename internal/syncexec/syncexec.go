// Package syncexec runs the single bounded, retrying queue that actually
// moves bytes for uploads, downloads and remote deletes. It is deliberately agnostic to what an upload or
// download "is" — filesync supplies a Job with a Run func, and the executor
// owns admission order, concurrency limits, retry/backoff, at-most-one-
// in-flight-per-key, and cancellation.
package syncexec

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"
)

// Kind distinguishes the kinds of work a job can carry; it is part of the
// at-most-one-in-flight key, and all kinds share one queue. KindDelete is tracked
// separately from KindUpload/KindDownload so a failed remote delete never
// perturbs the upload/download transfer-status machine for the same fileId.
type Kind string

const (
	KindUpload   Kind = "upload"
	KindDownload Kind = "download"
	KindDelete   Kind = "delete"
)

// TransitionEvent is a state-machine signal the executor reports to its
// observer (filesync) so transfer status can track admission and retries,
// not just terminal success/failure.
type TransitionEvent int

const (
	// EventAdmitted fires once, when Submit accepts a new (non-duplicate)
	// job into the queue: pending -> queued.
	EventAdmitted TransitionEvent = iota
	// EventRetrying fires when an attempt failed with a retryable error and
	// the job is going back to wait for its next attempt: inProgress ->
	// queued. Run is invoked again afterward, which re-enters inProgress.
	EventRetrying
	// EventGivingUp fires when a job fails terminally, either because the
	// error is non-retryable or retries are exhausted: inProgress -> error.
	EventGivingUp
)

// TransitionFunc observes a job's admission and retry lifecycle. err is
// non-nil for EventRetrying and EventGivingUp, nil for EventAdmitted.
type TransitionFunc func(fileID string, kind Kind, event TransitionEvent, err error)

// Progress is a coalesced transfer sample.
type Progress struct {
	FileID string
	Kind   Kind
	Loaded int64
	Total  int64
}

// ProgressSink receives Progress samples, coalesced to at most once per
// 100ms per fileId by the executor; the final sample (loaded == total) is
// always delivered.
type ProgressSink func(Progress)

// RunFunc performs one attempt at the job's work. A RunFunc that wants to
// signal a non-retryable failure should return an error whose IsRetryable
// method reports false (see the retryable interface).
type RunFunc func(ctx context.Context, report func(loaded, total int64)) error

// Job is one unit of work submitted to the executor.
type Job struct {
	FileID string
	Kind   Kind
	Path   string // used by PriorityMatcher
	Run    RunFunc
}

// key identifies in-flight work: at most one per (kind, fileId).
type key struct {
	kind   Kind
	fileID string
}

type queued struct {
	job         Job
	submittedAt time.Time
}

// PriorityMatcher fast-tracks jobs whose Path matches ahead of the ordinary
// FIFO-by-submission-time order. nil (the default) means pure FIFO.
type PriorityMatcher func(path string) bool

// Options configures an Executor.
type Options struct {
	MaxConcurrent int // default 2
	MaxRetries    int // default 5
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	Jitter        time.Duration
	OnProgress    ProgressSink
	PriorityMatch PriorityMatcher

	// OnTransition, if set, is called for every admission/retry/give-up
	// event. filesync installs this (via SetOnTransition) to drive
	// filestate's queued/error transitions without filesync.go guessing
	// whether a given failure is about to be retried.
	OnTransition TransitionFunc
}

func (o *Options) setDefaults() {
	if o.MaxConcurrent <= 0 {
		o.MaxConcurrent = 2
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = 5
	}
	if o.BaseDelay <= 0 {
		o.BaseDelay = 500 * time.Millisecond
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = 30 * time.Second
	}
	if o.Jitter <= 0 {
		o.Jitter = 200 * time.Millisecond
	}
	if o.OnProgress == nil {
		o.OnProgress = func(Progress) {}
	}
	if o.OnTransition == nil {
		o.OnTransition = func(string, Kind, TransitionEvent, error) {}
	}
}

// Executor runs a single bounded, prioritized, retrying queue shared by every
// Kind: MaxConcurrent limits uploads, downloads and deletes together, and
// there is no separate queue or concurrency limit per Kind.
type Executor struct {
	opts Options

	pq *jobQueue

	mu       sync.Mutex
	inFlight map[key]context.CancelFunc
	pending  map[key]struct{} // queued-but-not-yet-admitted, for dedup

	sem chan struct{}

	wg     sync.WaitGroup
	cancel context.CancelFunc

	lastReport   map[string]time.Time
	lastReportMu sync.Mutex
}

// New builds an Executor. Call Start to begin processing.
func New(opts Options) *Executor {
	opts.setDefaults()
	return &Executor{
		opts:       opts,
		pq:         newJobQueue(),
		inFlight:   make(map[key]context.CancelFunc),
		pending:    make(map[key]struct{}),
		sem:        make(chan struct{}, opts.MaxConcurrent),
		lastReport: make(map[string]time.Time),
	}
}

// SetOnTransition installs the transition observer. Call before Start; the
// dispatch loop reads opts.OnTransition without synchronization.
func (e *Executor) SetOnTransition(fn TransitionFunc) {
	if fn == nil {
		fn = func(string, Kind, TransitionEvent, error) {}
	}
	e.opts.OnTransition = fn
}

// Start launches the dispatch loop in the background and returns at once.
// The loop runs until ctx is done or Stop is called.
func (e *Executor) Start(ctx context.Context) {
	loopCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	e.wg.Add(1)
	go e.dispatchLoop(loopCtx)
}

// Stop cancels all in-flight jobs and waits for the dispatch loop to exit.
func (e *Executor) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
}

// Submit enqueues job. Submitting a duplicate (same kind, fileId) while one
// is already in-flight or queued is a no-op.
func (e *Executor) Submit(job Job) {
	k := key{kind: job.Kind, fileID: job.FileID}

	e.mu.Lock()
	if _, inflight := e.inFlight[k]; inflight {
		e.mu.Unlock()
		return
	}
	if _, queued := e.pending[k]; queued {
		e.mu.Unlock()
		return
	}
	e.pending[k] = struct{}{}
	e.mu.Unlock()

	e.opts.OnTransition(job.FileID, job.Kind, EventAdmitted, nil)

	var bucket int64 = 1 << 62 // low priority bucket by default (larger int = later)
	if e.opts.PriorityMatch != nil && e.opts.PriorityMatch(job.Path) {
		bucket = 0
	}

	now := time.Now()
	// Fold submission order into the priority key so ties within a bucket
	// are broken FIFO: the bucket offset (1<<62 ns, about 146 years) exceeds
	// present-day UnixNano values, so the bucket dominates and the full
	// UnixNano orders jobs within it.
	compositePriority := int(bucket + now.UnixNano())
	e.pq.enqueue(queued{job: job, submittedAt: now}, compositePriority)
}

// Cancel removes fileId's (kind) job from the queue if not yet admitted, or
// cancels it via its context if in-flight. Used e.g. on fileDeleted.
func (e *Executor) Cancel(kind Kind, fileID string) {
	k := key{kind: kind, fileID: fileID}
	e.mu.Lock()
	defer e.mu.Unlock()
	if cancel, ok := e.inFlight[k]; ok {
		cancel()
	}
	delete(e.pending, k)
}

func (e *Executor) dispatchLoop(ctx context.Context) {
	defer e.wg.Done()
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.admitReady(ctx)
		}
	}
}

func (e *Executor) admitReady(ctx context.Context) {
	for {
		select {
		case e.sem <- struct{}{}:
		default:
			return // at MaxConcurrent
		}

		q, ok := e.pq.dequeue()
		if !ok {
			<-e.sem
			return
		}

		e.wg.Add(1)
		go e.run(ctx, q)
	}
}

func (e *Executor) run(ctx context.Context, q queued) {
	defer e.wg.Done()
	defer func() { <-e.sem }()

	k := key{kind: q.job.Kind, fileID: q.job.FileID}

	e.mu.Lock()
	if _, ok := e.pending[k]; !ok {
		// Cancelled before admission: Cancel dropped it from pending.
		e.mu.Unlock()
		return
	}
	jobCtx, cancel := context.WithCancel(ctx)
	delete(e.pending, k)
	e.inFlight[k] = cancel
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.inFlight, k)
		e.mu.Unlock()
		cancel()
	}()

	report := func(loaded, total int64) {
		e.lastReportMu.Lock()
		last, ok := e.lastReport[q.job.FileID]
		due := !ok || time.Since(last) >= 100*time.Millisecond || loaded == total
		if due {
			e.lastReport[q.job.FileID] = time.Now()
		}
		e.lastReportMu.Unlock()
		if due {
			e.opts.OnProgress(Progress{FileID: q.job.FileID, Kind: q.job.Kind, Loaded: loaded, Total: total})
		}
	}

	var lastErr error
	for attempt := 0; attempt <= e.opts.MaxRetries; attempt++ {
		if jobCtx.Err() != nil {
			return
		}

		err := q.job.Run(jobCtx, report)
		if err == nil {
			return
		}
		lastErr = err

		if !isRetryable(err) {
			slog.Warn("syncexec: non-retryable failure", "fileId", q.job.FileID, "kind", q.job.Kind, "error", err)
			e.opts.OnTransition(q.job.FileID, q.job.Kind, EventGivingUp, err)
			return
		}
		if attempt == e.opts.MaxRetries {
			break
		}

		delay := backoff(e.opts.BaseDelay, e.opts.MaxDelay, e.opts.Jitter, attempt)
		slog.Info("syncexec: retrying", "fileId", q.job.FileID, "kind", q.job.Kind, "attempt", attempt, "delay", delay, "error", err)
		e.opts.OnTransition(q.job.FileID, q.job.Kind, EventRetrying, err)
		select {
		case <-jobCtx.Done():
			return
		case <-time.After(delay):
		}
	}

	slog.Error("syncexec: giving up after retries", "fileId", q.job.FileID, "kind", q.job.Kind, "error", lastErr)
	e.opts.OnTransition(q.job.FileID, q.job.Kind, EventGivingUp, lastErr)
}

func backoff(base, max, jitter time.Duration, attempt int) time.Duration {
	d := base * time.Duration(1<<uint(attempt))
	if d > max || d <= 0 {
		d = max
	}
	if jitter > 0 {
		d += time.Duration(rand.Int63n(int64(jitter) + 1))
	}
	return d
}

// retryable is the interface a job error can implement to control retry
// behavior explicitly; ferrors.UploadError/DownloadError/FileNotFoundError
// satisfy it. Errors that don't implement it are treated as retryable.
type retryable interface {
	IsRetryable() bool
}

func isRetryable(err error) bool {
	if r, ok := err.(retryable); ok {
		return r.IsRetryable()
	}
	return true
}
