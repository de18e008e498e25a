package workerpool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/andrej220/logfleet/pkg/lg"
)

const (
	TotalMaxWorkers  = 10
	DefaultQueueSize = 64
)

type JobFunc[T any] func(ctx context.Context, payload T) error

type Job[T any] struct {
	Payload     T
	Fn          JobFunc[T]
	Ctx         context.Context
	CleanupFunc func()
}

// Pool runs jobs on a fixed set of workers fed by a bounded queue.
// When the queue is full, or the pool is stopped, Submit runs the job on
// the calling goroutine instead of dropping it.
type Pool[T any] struct {
	name          string
	jobs          chan Job[T]
	activeWorkers int32
	callerRuns    atomic.Int64
	wg            sync.WaitGroup
	mu            sync.RWMutex
	stopped       bool
	maxWorkers    int
	logger        lg.Logger
}

func NewPool[T any](name string, maxWorkers, queueSize int, logger lg.Logger) *Pool[T] {
	if maxWorkers <= 0 {
		maxWorkers = TotalMaxWorkers
	}
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	if logger == nil {
		logger = lg.Discard
	}
	pool := &Pool[T]{
		name:       name,
		jobs:       make(chan Job[T], queueSize),
		maxWorkers: maxWorkers,
		logger:     logger.With(lg.String("pool", name)),
	}
	pool.wg.Add(maxWorkers)
	for i := 0; i < maxWorkers; i++ {
		go pool.worker()
	}
	return pool
}

func (p *Pool[T]) Name() string { return p.name }

// Stop closes the queue and waits for queued jobs to finish.
func (p *Pool[T]) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	close(p.jobs)
	p.mu.Unlock()
	p.wg.Wait()
}

func (p *Pool[T]) Submit(job Job[T]) {
	p.mu.RLock()
	if !p.stopped {
		select {
		case p.jobs <- job:
			p.mu.RUnlock()
			return
		default:
		}
	}
	p.mu.RUnlock()

	p.callerRuns.Add(1)
	p.logger.Debug("queue saturated, running job on caller", lg.Any("job", job.Payload))
	p.run(job)
}

func (p *Pool[T]) worker() {
	defer p.wg.Done()
	for job := range p.jobs {
		p.run(job)
	}
}

func (p *Pool[T]) run(job Job[T]) {
	atomic.AddInt32(&p.activeWorkers, 1)
	defer atomic.AddInt32(&p.activeWorkers, -1)
	defer func() {
		if job.CleanupFunc != nil {
			job.CleanupFunc()
		}
	}()

	ctx := job.Ctx
	if ctx == nil {
		ctx = context.Background()
	}
	logger := lg.FromContext(ctx).With(lg.String("pool", p.name))

	defer func() {
		if r := recover(); r != nil {
			logger.Error("job panicked", lg.Any("job", job.Payload), lg.Err(fmt.Errorf("panic: %v", r)))
		}
	}()

	if err := job.Fn(ctx, job.Payload); err != nil {
		logger.Warn("job failed", lg.Any("job", job.Payload), lg.Err(err))
	}
}

func (p *Pool[T]) ActiveWorkers() int32 {
	return atomic.LoadInt32(&p.activeWorkers)
}

// CallerRuns counts jobs that ran on the submitting goroutine.
func (p *Pool[T]) CallerRuns() int64 {
	return p.callerRuns.Load()
}

func (p *Pool[T]) QueueLen() int {
	return len(p.jobs)
}
