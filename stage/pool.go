package stage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Job is one serialized envelope waiting for a worker.
type Job struct {
	ID       uint64
	Data     []byte
	Received time.Time
}

// JobFunc processes a job.
type JobFunc func(ctx context.Context, job *Job) error

// PoolStats contains worker pool statistics.
type PoolStats struct {
	Name        string  `json:"name"`
	Workers     int     `json:"workers"`
	Active      int64   `json:"active"`
	Completed   int64   `json:"completed"`
	Failed      int64   `json:"failed"`
	Pending     int     `json:"pending"`
	SuccessRate float64 `json:"success_rate"`
}

// WorkerPool runs jobs on a fixed set of goroutines. With one worker jobs run
// strictly in submission order.
type WorkerPool struct {
	name    string
	workers int
	process JobFunc
	log     zerolog.Logger

	jobs chan *Job
	wg   sync.WaitGroup
	seq  uint64

	// Atomic counters for thread-safe statistics
	active    int64
	completed int64
	failed    int64

	ctx     context.Context
	cancel  context.CancelFunc
	running bool
	mu      sync.RWMutex
}

// NewWorkerPool starts workers goroutines feeding from a queue of queueSize.
func NewWorkerPool(name string, workers, queueSize int, process JobFunc, log zerolog.Logger) *WorkerPool {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = workers * 100
	}

	ctx, cancel := context.WithCancel(context.Background())

	pool := &WorkerPool{
		name:    name,
		workers: workers,
		process: process,
		log:     log,
		jobs:    make(chan *Job, queueSize),
		ctx:     ctx,
		cancel:  cancel,
		running: true,
	}

	for i := 0; i < workers; i++ {
		pool.wg.Add(1)
		go pool.worker(i)
	}

	return pool
}

func (p *WorkerPool) worker(id int) {
	defer p.wg.Done()

	for job := range p.jobs {
		p.run(id, job)
	}
}

func (p *WorkerPool) run(workerID int, job *Job) {
	atomic.AddInt64(&p.active, 1)
	defer atomic.AddInt64(&p.active, -1)

	// A panicking hook must not take the pool down.
	defer func() {
		if r := recover(); r != nil {
			atomic.AddInt64(&p.failed, 1)
			p.log.Error().
				Uint64("job", job.ID).
				Int("worker", workerID).
				Str("panic", panicToString(r)).
				Msg("job panicked")
		}
	}()

	if err := p.ctx.Err(); err != nil {
		atomic.AddInt64(&p.failed, 1)
		return
	}

	if err := p.process(p.ctx, job); err != nil {
		atomic.AddInt64(&p.failed, 1)
		return
	}
	atomic.AddInt64(&p.completed, 1)
}

func panicToString(r interface{}) string {
	switch v := r.(type) {
	case string:
		return v
	case error:
		return v.Error()
	default:
		return fmt.Sprintf("%v", v)
	}
}

// Submit queues data for processing without blocking.
func (p *WorkerPool) Submit(data []byte) (*Job, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if !p.running {
		return nil, ErrPoolShutdown
	}

	job := &Job{
		ID:       atomic.AddUint64(&p.seq, 1),
		Data:     data,
		Received: time.Now(),
	}
	select {
	case p.jobs <- job:
		return job, nil
	default:
		return nil, ErrQueueFull
	}
}

// Stats returns current worker pool statistics.
func (p *WorkerPool) Stats() PoolStats {
	completed := atomic.LoadInt64(&p.completed)
	failed := atomic.LoadInt64(&p.failed)
	total := completed + failed

	var successRate float64
	if total > 0 {
		successRate = float64(completed) / float64(total) * 100
	}

	return PoolStats{
		Name:        p.name,
		Workers:     p.workers,
		Active:      atomic.LoadInt64(&p.active),
		Completed:   completed,
		Failed:      failed,
		Pending:     len(p.jobs),
		SuccessRate: successRate,
	}
}

// Shutdown stops accepting jobs and waits for the queue to drain.
func (p *WorkerPool) Shutdown() {
	_ = p.ShutdownWithTimeout(0)
}

// ShutdownWithTimeout stops accepting jobs and waits up to timeout for the
// queue to drain. When the timeout passes, queued jobs are failed without
// running. A zero timeout waits indefinitely.
func (p *WorkerPool) ShutdownWithTimeout(timeout time.Duration) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	close(p.jobs)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	if timeout <= 0 {
		<-done
		p.cancel()
		return nil
	}

	select {
	case <-done:
		p.cancel()
		return nil
	case <-time.After(timeout):
		p.cancel()
		<-done
		return fmt.Errorf("%w after %s", ErrShutdownTimeout, timeout)
	}
}

// IsRunning returns true if the pool is still accepting jobs.
func (p *WorkerPool) IsRunning() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.running
}

// isShutdown reports whether err came from submitting to a stopped pool.
func isShutdown(err error) bool {
	return errors.Is(err, ErrPoolShutdown)
}
