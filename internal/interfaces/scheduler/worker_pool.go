package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

var (
	jobTracer          = otel.Tracer("finsync/scheduler")
	jobMeter           = otel.Meter("finsync/scheduler")
	jobDuration, _     = jobMeter.Float64Histogram("scheduler.job.duration", metric.WithDescription("Job execution duration in seconds"), metric.WithUnit("s"))
	jobTotal, _        = jobMeter.Int64Counter("scheduler.job.total", metric.WithDescription("Total jobs executed by status"))
	jobQueueDropped, _ = jobMeter.Int64Counter("scheduler.job.queue_dropped", metric.WithDescription("Jobs dropped due to full queue"))
)

var (
	// ErrQueueFull is returned by Submit when the queue has no free slot.
	ErrQueueFull  = errors.New("job queue full")
	ErrPoolClosed = errors.New("worker pool is shut down")
)

// DefaultJobTimeout bounds a single job when PoolConfig.JobTimeout is unset.
const DefaultJobTimeout = 5 * time.Minute

// PoolConfig sizes a WorkerPool.
type PoolConfig struct {
	Workers    int
	QueueSize  int
	JobDelay   time.Duration // pause after each job, per worker
	JobTimeout time.Duration
}

// WorkerPool runs jobs on a fixed number of goroutines fed by a bounded
// queue. Jobs on different workers run concurrently.
type WorkerPool struct {
	workerCount int
	jobDelay    time.Duration
	jobTimeout  time.Duration
	jobs        chan Job
	wg          sync.WaitGroup
	ctx         context.Context
	cancel      context.CancelFunc
	log         logrus.FieldLogger

	mu     sync.RWMutex
	closed bool
}

func NewWorkerPool(cfg PoolConfig, log logrus.FieldLogger) *WorkerPool {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize < 0 {
		cfg.QueueSize = 0
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = DefaultJobTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())

	return &WorkerPool{
		workerCount: cfg.Workers,
		jobDelay:    cfg.JobDelay,
		jobTimeout:  cfg.JobTimeout,
		jobs:        make(chan Job, cfg.QueueSize),
		ctx:         ctx,
		cancel:      cancel,
		log:         log.WithField("component", "worker_pool"),
	}
}

// Start launches the workers.
func (wp *WorkerPool) Start() {
	wp.log.WithField("workers", wp.workerCount).Info("Starting worker pool")

	for i := 1; i <= wp.workerCount; i++ {
		wp.wg.Add(1)
		go wp.worker(i)
	}
}

func (wp *WorkerPool) worker(id int) {
	defer wp.wg.Done()
	log := wp.log.WithField("worker_id", id)
	log.Debug("Worker started")

	for {
		select {
		case <-wp.ctx.Done():
			log.Debug("Worker shutting down")
			return

		case job, ok := <-wp.jobs:
			if !ok {
				log.Debug("Job channel closed")
				return
			}

			wp.processJob(id, job)

			if wp.jobDelay > 0 {
				select {
				case <-time.After(wp.jobDelay):
				case <-wp.ctx.Done():
					return
				}
			}
		}
	}
}

// processJob runs one job under its own timeout and records its outcome.
func (wp *WorkerPool) processJob(workerID int, job Job) {
	log := wp.log.WithFields(logrus.Fields{
		"worker_id": workerID,
		"job":       job.Description(),
		"user_id":   job.UserID(),
	})
	log.Info("Processing job")

	ctx, cancel := context.WithTimeout(wp.ctx, wp.jobTimeout)
	defer cancel()

	ctx, span := jobTracer.Start(ctx, "job.execute",
		trace.WithAttributes(
			attribute.Int("worker.id", workerID),
			attribute.String("job.description", job.Description()),
			attribute.String("job.user_id", job.UserID()),
		),
	)
	defer span.End()

	start := time.Now()
	err := job.Execute(ctx)
	elapsed := time.Since(start)
	jobDuration.Record(ctx, elapsed.Seconds())

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		jobTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("status", "error")))
		log.WithError(err).WithField("elapsed", elapsed.String()).Error("Job failed")
		return
	}

	jobTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("status", "success")))
	log.WithField("elapsed", elapsed.String()).Info("Job completed")
}

// Submit enqueues job without blocking. A full queue drops the job and
// returns ErrQueueFull.
func (wp *WorkerPool) Submit(job Job) error {
	wp.mu.RLock()
	defer wp.mu.RUnlock()
	if wp.closed {
		return ErrPoolClosed
	}

	select {
	case wp.jobs <- job:
		return nil
	default:
		jobQueueDropped.Add(context.Background(), 1)
		wp.log.WithFields(logrus.Fields{
			"job":     job.Description(),
			"user_id": job.UserID(),
		}).Warn("Job queue full, dropping job")
		return fmt.Errorf("%w: dropping %s", ErrQueueFull, job.Description())
	}
}

// SubmitBatch enqueues jobs and returns how many were accepted.
func (wp *WorkerPool) SubmitBatch(jobs []Job) int {
	submitted := 0
	for _, job := range jobs {
		if err := wp.Submit(job); err != nil {
			continue
		}
		submitted++
	}
	wp.log.WithFields(logrus.Fields{
		"submitted": submitted,
		"total":     len(jobs),
	}).Info("Submitted jobs to worker pool")
	return submitted
}

// Shutdown stops accepting jobs and waits for queued ones to finish.
func (wp *WorkerPool) Shutdown() {
	wp.closeQueue()
	wp.wg.Wait()
	wp.cancel()
	wp.log.Info("Worker pool stopped")
}

// ShutdownWithTimeout is Shutdown bounded by timeout. Jobs still running
// when it expires have their contexts cancelled.
func (wp *WorkerPool) ShutdownWithTimeout(timeout time.Duration) {
	wp.closeQueue()

	done := make(chan struct{})
	go func() {
		wp.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		wp.log.Info("All workers finished")
	case <-time.After(timeout):
		wp.log.WithField("timeout", timeout.String()).Warn("Timeout reached, cancelling running jobs")
		wp.cancel()
		<-done
	}
	wp.cancel()
	wp.log.Info("Worker pool stopped")
}

func (wp *WorkerPool) closeQueue() {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	if !wp.closed {
		wp.closed = true
		close(wp.jobs)
	}
}
