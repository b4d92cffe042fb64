package stage

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestNewWorkerPool(t *testing.T) {
	pool := NewWorkerPool("test", 4, 0, func(context.Context, *Job) error { return nil }, zerolog.Nop())
	defer pool.Shutdown()

	stats := pool.Stats()
	if stats.Workers != 4 {
		t.Errorf("Expected 4 workers, got %d", stats.Workers)
	}
	if stats.Name != "test" {
		t.Errorf("Expected name 'test', got %s", stats.Name)
	}
	if !pool.IsRunning() {
		t.Error("Pool should be running")
	}
}

func TestWorkerPoolDefaultsToOneWorker(t *testing.T) {
	pool := NewWorkerPool("test", 0, 0, func(context.Context, *Job) error { return nil }, zerolog.Nop())
	defer pool.Shutdown()

	if pool.Stats().Workers != 1 {
		t.Errorf("Expected 1 worker, got %d", pool.Stats().Workers)
	}
}

func TestWorkerPoolSubmit(t *testing.T) {
	var processed int64
	pool := NewWorkerPool("test", 2, 0, func(_ context.Context, job *Job) error {
		if string(job.Data) != "payload" {
			return errors.New("unexpected data")
		}
		atomic.AddInt64(&processed, 1)
		return nil
	}, zerolog.Nop())

	job, err := pool.Submit([]byte("payload"))
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if job.ID != 1 {
		t.Errorf("Expected job ID 1, got %d", job.ID)
	}

	pool.Shutdown()

	if atomic.LoadInt64(&processed) != 1 {
		t.Error("Job was not processed")
	}
	if pool.Stats().Completed != 1 {
		t.Errorf("Expected 1 completed, got %d", pool.Stats().Completed)
	}
}

func TestWorkerPoolCountsFailures(t *testing.T) {
	pool := NewWorkerPool("test", 2, 0, func(context.Context, *Job) error {
		return errors.New("job failed")
	}, zerolog.Nop())

	_, _ = pool.Submit(nil)
	_, _ = pool.Submit(nil)
	pool.Shutdown()

	stats := pool.Stats()
	if stats.Failed != 2 {
		t.Errorf("Expected 2 failed, got %d", stats.Failed)
	}
	if stats.SuccessRate != 0 {
		t.Errorf("Expected success rate 0, got %f", stats.SuccessRate)
	}
}

func TestWorkerPoolRecoversPanics(t *testing.T) {
	var calls int64
	pool := NewWorkerPool("test", 1, 0, func(_ context.Context, job *Job) error {
		atomic.AddInt64(&calls, 1)
		if job.ID == 1 {
			panic("boom")
		}
		return nil
	}, zerolog.Nop())

	_, _ = pool.Submit(nil)
	_, _ = pool.Submit(nil)
	pool.Shutdown()

	if atomic.LoadInt64(&calls) != 2 {
		t.Errorf("Expected 2 calls, got %d", calls)
	}
	stats := pool.Stats()
	if stats.Failed != 1 || stats.Completed != 1 {
		t.Errorf("Expected 1 failed and 1 completed, got %d and %d", stats.Failed, stats.Completed)
	}
}

func TestWorkerPoolSingleWorkerKeepsOrder(t *testing.T) {
	var (
		mu  sync.Mutex
		got []uint64
	)
	pool := NewWorkerPool("test", 1, 0, func(_ context.Context, job *Job) error {
		mu.Lock()
		got = append(got, job.ID)
		mu.Unlock()
		return nil
	}, zerolog.Nop())

	for i := 0; i < 50; i++ {
		if _, err := pool.Submit(nil); err != nil {
			t.Fatalf("Submit failed: %v", err)
		}
	}
	pool.Shutdown()

	if len(got) != 50 {
		t.Fatalf("Expected 50 jobs, got %d", len(got))
	}
	for i, id := range got {
		if id != uint64(i+1) {
			t.Fatalf("Expected job %d at position %d, got %d", i+1, i, id)
		}
	}
}

func TestWorkerPoolQueueFull(t *testing.T) {
	release := make(chan struct{})
	pool := NewWorkerPool("test", 1, 1, func(context.Context, *Job) error {
		<-release
		return nil
	}, zerolog.Nop())

	// One job occupies the worker, one fills the queue.
	_, _ = pool.Submit(nil)
	deadline := time.Now().Add(time.Second)
	for pool.Stats().Active == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if _, err := pool.Submit(nil); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	_, err := pool.Submit(nil)
	if !errors.Is(err, ErrQueueFull) {
		t.Errorf("Expected ErrQueueFull, got %v", err)
	}

	close(release)
	pool.Shutdown()
}

func TestWorkerPoolShutdown(t *testing.T) {
	pool := NewWorkerPool("test", 4, 0, func(context.Context, *Job) error {
		time.Sleep(10 * time.Millisecond)
		return nil
	}, zerolog.Nop())
	_, _ = pool.Submit(nil)

	pool.Shutdown()

	if pool.IsRunning() {
		t.Error("Pool should not be running after shutdown")
	}
	if pool.Stats().Completed != 1 {
		t.Errorf("Expected queued job to drain, got %d completed", pool.Stats().Completed)
	}

	_, err := pool.Submit(nil)
	if !errors.Is(err, ErrPoolShutdown) {
		t.Errorf("Expected ErrPoolShutdown, got %v", err)
	}

	// Second shutdown is a no-op.
	pool.Shutdown()
}

func TestWorkerPoolShutdownWithTimeout(t *testing.T) {
	started := make(chan struct{}, 1)
	pool := NewWorkerPool("test", 1, 10, func(ctx context.Context, _ *Job) error {
		select {
		case started <- struct{}{}:
		default:
		}
		<-ctx.Done()
		return ctx.Err()
	}, zerolog.Nop())

	_, _ = pool.Submit(nil)
	_, _ = pool.Submit(nil)
	<-started

	err := pool.ShutdownWithTimeout(20 * time.Millisecond)
	if !errors.Is(err, ErrShutdownTimeout) {
		t.Errorf("Expected ErrShutdownTimeout, got %v", err)
	}
	if pool.Stats().Failed != 2 {
		t.Errorf("Expected 2 failed, got %d", pool.Stats().Failed)
	}
}
