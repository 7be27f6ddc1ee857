package syncexec

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/filesyncd/filesync/internal/ferrors"
)

func TestExecutor_RunsSubmittedJob(t *testing.T) {
	e := New(Options{MaxConcurrent: 2, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e.Start(ctx)
	defer e.Stop()

	done := make(chan struct{})
	e.Submit(Job{
		FileID: "f1",
		Kind:   KindUpload,
		Run: func(ctx context.Context, report func(int64, int64)) error {
			close(done)
			return nil
		},
	})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("job never ran")
	}
}

func TestExecutor_DuplicateSubmitWhileInFlightIsNoOp(t *testing.T) {
	e := New(Options{MaxConcurrent: 1})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e.Start(ctx)
	defer e.Stop()

	var runs int32
	release := make(chan struct{})
	started := make(chan struct{})

	job := func(ctx context.Context, report func(int64, int64)) error {
		atomic.AddInt32(&runs, 1)
		close(started)
		<-release
		return nil
	}

	e.Submit(Job{FileID: "f1", Kind: KindUpload, Run: job})
	<-started
	e.Submit(Job{FileID: "f1", Kind: KindUpload, Run: job})
	close(release)

	time.Sleep(50 * time.Millisecond)
	require.EqualValues(t, 1, atomic.LoadInt32(&runs))
}

func TestExecutor_RetriesRetryableFailures(t *testing.T) {
	e := New(Options{MaxConcurrent: 1, MaxRetries: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, Jitter: time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e.Start(ctx)
	defer e.Stop()

	var attempts int32
	done := make(chan struct{})
	e.Submit(Job{
		FileID: "f1",
		Kind:   KindUpload,
		Run: func(ctx context.Context, report func(int64, int64)) error {
			n := atomic.AddInt32(&attempts, 1)
			if n < 3 {
				return &ferrors.UploadError{FileID: "f1", Retryable: true}
			}
			close(done)
			return nil
		},
	})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("job never succeeded after retries")
	}
	require.EqualValues(t, 3, atomic.LoadInt32(&attempts))
}

func TestExecutor_NonRetryableFailsFast(t *testing.T) {
	e := New(Options{MaxConcurrent: 1, MaxRetries: 5, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e.Start(ctx)
	defer e.Stop()

	var attempts int32
	var wg sync.WaitGroup
	wg.Add(1)
	e.Submit(Job{
		FileID: "f1",
		Kind:   KindDownload,
		Run: func(ctx context.Context, report func(int64, int64)) error {
			atomic.AddInt32(&attempts, 1)
			wg.Done()
			return &ferrors.FileNotFoundError{Path: "x"}
		},
	})

	wg.Wait()
	time.Sleep(50 * time.Millisecond)
	require.EqualValues(t, 1, atomic.LoadInt32(&attempts))
}

func TestExecutor_TransitionEventsReflectRetryThenGiveUp(t *testing.T) {
	e := New(Options{MaxConcurrent: 1, MaxRetries: 2, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond})

	var mu sync.Mutex
	var events []TransitionEvent
	done := make(chan struct{})
	e.SetOnTransition(func(fileID string, kind Kind, event TransitionEvent, err error) {
		mu.Lock()
		events = append(events, event)
		mu.Unlock()
		if event == EventGivingUp {
			close(done)
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e.Start(ctx)
	defer e.Stop()

	e.Submit(Job{
		FileID: "f1",
		Kind:   KindUpload,
		Run: func(ctx context.Context, report func(int64, int64)) error {
			return &ferrors.UploadError{FileID: "f1", Retryable: true}
		},
	})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("job never gave up")
	}

	mu.Lock()
	defer mu.Unlock()
	// Admitted once, then one Retrying per attempt short of MaxRetries,
	// then a final GivingUp once retries are exhausted.
	require.Equal(t, []TransitionEvent{EventAdmitted, EventRetrying, EventRetrying, EventGivingUp}, events)
}

func TestExecutor_PriorityMatchJumpsQueue(t *testing.T) {
	e := New(Options{
		MaxConcurrent: 1,
		PriorityMatch: func(path string) bool { return path == "priority" },
	})

	var order []string
	var mu sync.Mutex
	allDone := make(chan struct{})

	// Both jobs are enqueued before the dispatch loop starts, so the first
	// admission tick must choose between them purely by priority.
	e.Submit(Job{FileID: "bulk", Kind: KindUpload, Path: "bulk", Run: func(ctx context.Context, report func(int64, int64)) error {
		mu.Lock()
		order = append(order, "bulk")
		if len(order) == 2 {
			close(allDone)
		}
		mu.Unlock()
		return nil
	}})
	e.Submit(Job{FileID: "urgent", Kind: KindUpload, Path: "priority", Run: func(ctx context.Context, report func(int64, int64)) error {
		mu.Lock()
		order = append(order, "urgent")
		if len(order) == 2 {
			close(allDone)
		}
		mu.Unlock()
		return nil
	}})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e.Start(ctx)
	defer e.Stop()

	select {
	case <-allDone:
	case <-time.After(2 * time.Second):
		t.Fatal("jobs never completed")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"urgent", "bulk"}, order)
}
