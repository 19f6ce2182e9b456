// Package scheduler triggers periodic connection refreshes and runs them
// on a bounded worker pool.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ScheduleTime is a time of day at which the scheduler runs.
type ScheduleTime struct {
	Hour   int
	Minute int
}

// String returns the time in HH:MM format.
func (st ScheduleTime) String() string {
	return fmt.Sprintf("%02d:%02d", st.Hour, st.Minute)
}

// ParseScheduleTime parses a time string in HH:MM format.
func ParseScheduleTime(s string) (ScheduleTime, error) {
	var hour, minute int
	if _, err := fmt.Sscanf(s, "%d:%d", &hour, &minute); err != nil {
		return ScheduleTime{}, fmt.Errorf("invalid time format (expected HH:MM): %w", err)
	}
	if hour < 0 || hour > 23 {
		return ScheduleTime{}, fmt.Errorf("invalid hour: %d (must be 0-23)", hour)
	}
	if minute < 0 || minute > 59 {
		return ScheduleTime{}, fmt.Errorf("invalid minute: %d (must be 0-59)", minute)
	}
	return ScheduleTime{Hour: hour, Minute: minute}, nil
}

// Config holds configuration for the scheduler.
type Config struct {
	ScheduleTimes []string
	Pool          PoolConfig
	RunOnStartup  bool
	// ProviderTimeout bounds listing the jobs of one run.
	ProviderTimeout time.Duration
	JobProvider     JobProvider
}

// Scheduler submits the provider's jobs to the worker pool at each
// configured time of day, at most once per minute slot.
type Scheduler struct {
	workerPool      *WorkerPool
	scheduleTimes   []ScheduleTime
	runOnStartup    bool
	providerTimeout time.Duration
	jobProvider     JobProvider
	log             logrus.FieldLogger
	now             func() time.Time

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	lastRun string
}

func New(cfg Config, log logrus.FieldLogger) (*Scheduler, error) {
	if cfg.JobProvider == nil {
		return nil, errors.New("job provider is required")
	}

	times := make([]ScheduleTime, 0, len(cfg.ScheduleTimes))
	for _, s := range cfg.ScheduleTimes {
		st, err := ParseScheduleTime(s)
		if err != nil {
			return nil, fmt.Errorf("failed to parse schedule time %q: %w", s, err)
		}
		times = append(times, st)
	}
	if len(times) == 0 {
		return nil, errors.New("at least one schedule time is required")
	}
	if cfg.ProviderTimeout <= 0 {
		cfg.ProviderTimeout = 5 * time.Minute
	}

	log = log.WithField("component", "scheduler")
	ctx, cancel := context.WithCancel(context.Background())
	log.WithFields(logrus.Fields{
		"times":   cfg.ScheduleTimes,
		"workers": cfg.Pool.Workers,
	}).Info("Scheduler initialized")

	return &Scheduler{
		workerPool:      NewWorkerPool(cfg.Pool, log),
		scheduleTimes:   times,
		runOnStartup:    cfg.RunOnStartup,
		providerTimeout: cfg.ProviderTimeout,
		jobProvider:     cfg.JobProvider,
		log:             log,
		now:             time.Now,
		ctx:             ctx,
		cancel:          cancel,
	}, nil
}

// Start launches the worker pool and the schedule loop.
func (s *Scheduler) Start() {
	s.workerPool.Start()

	if s.runOnStartup {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.RunOnce()
		}()
	}

	s.wg.Add(1)
	go s.scheduleLoop()
	s.log.Info("Scheduler started")
}

func (s *Scheduler) scheduleLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if s.shouldRun(s.now()) {
				s.RunOnce()
			}
		}
	}
}

// shouldRun reports whether now falls on a schedule time that has not
// fired yet today.
func (s *Scheduler) shouldRun(now time.Time) bool {
	key := now.Format("2006-01-02 15:04")

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastRun == key {
		return false
	}
	for _, st := range s.scheduleTimes {
		if now.Hour() == st.Hour && now.Minute() == st.Minute {
			s.lastRun = key
			return true
		}
	}
	return false
}

// RunOnce lists jobs and submits them. It returns the number accepted.
func (s *Scheduler) RunOnce() int {
	ctx, cancel := context.WithTimeout(s.ctx, s.providerTimeout)
	defer cancel()

	jobs, err := s.jobProvider(ctx)
	if err != nil {
		s.log.WithError(err).Error("Failed to list jobs")
		return 0
	}
	if len(jobs) == 0 {
		s.log.Info("No jobs due")
		return 0
	}
	return s.workerPool.SubmitBatch(jobs)
}

// Shutdown stops the schedule loop, then drains the worker pool.
func (s *Scheduler) Shutdown(timeout time.Duration) {
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		s.log.Warn("Timeout waiting for schedule loop to stop")
	}

	s.workerPool.ShutdownWithTimeout(timeout)
	s.log.Info("Scheduler stopped")
}

// NextRun returns the next scheduled run after now.
func (s *Scheduler) NextRun(now time.Time) time.Time {
	var next time.Time
	for _, st := range s.scheduleTimes {
		t := time.Date(now.Year(), now.Month(), now.Day(), st.Hour, st.Minute, 0, 0, now.Location())
		if !t.After(now) {
			t = t.AddDate(0, 0, 1)
		}
		if next.IsZero() || t.Before(next) {
			next = t
		}
	}
	return next
}

// ScheduleTimes returns the configured schedule times.
func (s *Scheduler) ScheduleTimes() []ScheduleTime {
	return s.scheduleTimes
}
