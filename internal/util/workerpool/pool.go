// Package workerpool runs entity deliveries (reminder ticks, stream events)
// on a bounded set of goroutines so a slow entity cannot stall the caller.
package workerpool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Job is one delivery to an entity.
type Job struct {
	ID     string
	Target string
	Run    func(context.Context) error
}

// Pool manages a bounded pool of delivery goroutines
type Pool struct {
	name       string
	workers    int
	queue      chan Job
	timeout    time.Duration
	logger     *zap.Logger
	onComplete func(job Job, err error)

	wg       sync.WaitGroup
	stopOnce sync.Once
	stopCh   chan struct{}
	ctx      context.Context
	cancel   context.CancelFunc

	active    int32
	submitted uint64
	delivered uint64
	failed    uint64
	rejected  uint64
}

// Config holds pool configuration
type Config struct {
	Name       string
	Workers    int
	QueueSize  int
	JobTimeout time.Duration
	// OnComplete, if set, is called after every job with its result.
	OnComplete func(job Job, err error)
}

// New creates and starts a pool
func New(cfg Config, logger *zap.Logger) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		name:       cfg.Name,
		workers:    cfg.Workers,
		queue:      make(chan Job, cfg.QueueSize),
		timeout:    cfg.JobTimeout,
		logger:     logger,
		onComplete: cfg.OnComplete,
		stopCh:     make(chan struct{}),
		ctx:        ctx,
		cancel:     cancel,
	}

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}

	p.logger.Debug("Delivery pool started",
		zap.String("name", p.name),
		zap.Int("workers", p.workers),
		zap.Int("queue_size", cfg.QueueSize))

	return p
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()

	for {
		select {
		case <-p.stopCh:
			return
		case job := <-p.queue:
			p.execute(id, job)
		}
	}
}

func (p *Pool) execute(workerID int, job Job) {
	atomic.AddInt32(&p.active, 1)
	defer atomic.AddInt32(&p.active, -1)

	start := time.Now()
	err := p.safeRun(job)
	duration := time.Since(start)

	if err != nil {
		atomic.AddUint64(&p.failed, 1)
		p.logger.Warn("Delivery failed",
			zap.String("pool", p.name),
			zap.Int("worker_id", workerID),
			zap.String("job_id", job.ID),
			zap.String("target", job.Target),
			zap.Duration("duration", duration),
			zap.Error(err))
	} else {
		atomic.AddUint64(&p.delivered, 1)
	}

	if p.onComplete != nil {
		p.onComplete(job, err)
	}
}

// safeRun runs a job with panic recovery and the per-job deadline
func (p *Pool) safeRun(job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("delivery panicked: %v", r)
		}
	}()

	ctx, cancel := context.WithTimeout(p.ctx, p.timeout)
	defer cancel()
	return job.Run(ctx)
}

// Submit queues a job without blocking.
// Returns error if the queue is full or the pool is stopped
func (p *Pool) Submit(job Job) error {
	select {
	case <-p.stopCh:
		atomic.AddUint64(&p.rejected, 1)
		return fmt.Errorf("delivery pool '%s' is stopped", p.name)
	default:
	}

	select {
	case p.queue <- job:
		atomic.AddUint64(&p.submitted, 1)
		return nil
	default:
		atomic.AddUint64(&p.rejected, 1)
		return fmt.Errorf("delivery pool '%s' queue is full", p.name)
	}
}

// SubmitWait queues a job, blocking until accepted or ctx is done
func (p *Pool) SubmitWait(ctx context.Context, job Job) error {
	select {
	case <-p.stopCh:
		atomic.AddUint64(&p.rejected, 1)
		return fmt.Errorf("delivery pool '%s' is stopped", p.name)
	case <-ctx.Done():
		atomic.AddUint64(&p.rejected, 1)
		return ctx.Err()
	case p.queue <- job:
		atomic.AddUint64(&p.submitted, 1)
		return nil
	}
}

// Stop stops accepting jobs and waits for running ones until ctx is done,
// then cancels whatever is still in flight. Queued jobs are dropped.
func (p *Pool) Stop(ctx context.Context) error {
	var err error
	p.stopOnce.Do(func() {
		close(p.stopCh)

		done := make(chan struct{})
		go func() {
			p.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
		case <-ctx.Done():
			err = fmt.Errorf("delivery pool '%s' stop: %w", p.name, ctx.Err())
		}
		p.cancel()
		p.logger.Debug("Delivery pool stopped", zap.String("name", p.name))
	})
	return err
}

// Stats returns current pool statistics
func (p *Pool) Stats() Stats {
	return Stats{
		Name:      p.name,
		Workers:   p.workers,
		Active:    int(atomic.LoadInt32(&p.active)),
		Queued:    len(p.queue),
		Submitted: atomic.LoadUint64(&p.submitted),
		Delivered: atomic.LoadUint64(&p.delivered),
		Failed:    atomic.LoadUint64(&p.failed),
		Rejected:  atomic.LoadUint64(&p.rejected),
	}
}

// Stats represents pool statistics
type Stats struct {
	Name      string `json:"name"`
	Workers   int    `json:"workers"`
	Active    int    `json:"active"`
	Queued    int    `json:"queued"`
	Submitted uint64 `json:"submitted"`
	Delivered uint64 `json:"delivered"`
	Failed    uint64 `json:"failed"`
	Rejected  uint64 `json:"rejected"`
}

// SuccessRate returns the share of finished jobs that succeeded, in percent
func (s Stats) SuccessRate() float64 {
	finished := s.Delivered + s.Failed
	if finished == 0 {
		return 100.0
	}
	return (float64(s.Delivered) / float64(finished)) * 100.0
}
