// Package scheduler runs the engine's periodic maintenance jobs. Every job
// has its own ticker, never overlaps with itself and, when a lease is
// configured, runs on one instance at a time.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"ticket-settlement/monitoring"
)

var (
	ErrUnknownJob = errors.New("unknown job")
	ErrJobRunning = errors.New("job already running")
	ErrLeaseHeld  = errors.New("job lease held by another instance")
)

type Job struct {
	Name     string
	Interval time.Duration
	// Timeout bounds a single run. Zero means the interval.
	Timeout time.Duration
	Run     func(ctx context.Context) error
}

func (j Job) timeout() time.Duration {
	if j.Timeout > 0 {
		return j.Timeout
	}
	return j.Interval
}

type entry struct {
	job     Job
	running atomic.Bool
}

type Scheduler struct {
	lease   Lease
	monitor *monitoring.Monitor

	mu       sync.Mutex
	jobs     map[string]*entry
	started  bool
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// New returns a scheduler. lease may be nil for a single instance deployment.
func New(lease Lease, monitor *monitoring.Monitor) *Scheduler {
	return &Scheduler{
		lease:    lease,
		monitor:  monitor,
		jobs:     map[string]*entry{},
		stopChan: make(chan struct{}),
	}
}

func (s *Scheduler) Register(job Job) error {
	if job.Name == "" || job.Run == nil {
		return fmt.Errorf("job needs a name and a run func")
	}
	if job.Interval <= 0 {
		return fmt.Errorf("job %s: interval must be positive", job.Name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return fmt.Errorf("job %s: scheduler already started", job.Name)
	}
	if _, ok := s.jobs[job.Name]; ok {
		return fmt.Errorf("job %s already registered", job.Name)
	}
	s.jobs[job.Name] = &entry{job: job}
	return nil
}

func (s *Scheduler) Jobs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.jobs))
	for name := range s.jobs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Start launches one goroutine per job. Jobs stop on Stop or when ctx is done.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	for _, e := range s.jobs {
		s.wg.Add(1)
		go s.loop(ctx, e)
	}
	slog.Info("scheduler started", "jobs", len(s.jobs))
}

// Stop signals every loop and waits for in-flight runs to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	select {
	case <-s.stopChan:
	default:
		close(s.stopChan)
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context, e *entry) {
	defer s.wg.Done()

	ticker := time.NewTicker(e.job.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			err := s.run(ctx, e)
			switch {
			case errors.Is(err, ErrJobRunning), errors.Is(err, ErrLeaseHeld):
				slog.Debug("job tick skipped", "job", e.job.Name, "reason", err)
			case err != nil:
				slog.Error("job failed", "job", e.job.Name, "error", err)
			}
		case <-s.stopChan:
			slog.Info("job stopping", "job", e.job.Name)
			return
		case <-ctx.Done():
			return
		}
	}
}

// RunOnce runs a job immediately, subject to the same overlap and lease rules
// as a scheduled tick.
func (s *Scheduler) RunOnce(ctx context.Context, name string) error {
	s.mu.Lock()
	e, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	return s.run(ctx, e)
}

func (s *Scheduler) run(ctx context.Context, e *entry) (err error) {
	if !e.running.CompareAndSwap(false, true) {
		return ErrJobRunning
	}
	defer e.running.Store(false)

	job := e.job
	if s.lease != nil {
		token, ok, lerr := s.lease.Acquire(ctx, job.Name, job.timeout())
		switch {
		case lerr != nil:
			// jobs are idempotent, so a missing lease only costs duplicate work
			slog.Warn("job lease unavailable, running without it", "job", job.Name, "error", lerr)
		case !ok:
			return ErrLeaseHeld
		default:
			defer func() {
				if rerr := s.lease.Release(context.WithoutCancel(ctx), job.Name, token); rerr != nil {
					slog.Warn("job lease release failed", "job", job.Name, "error", rerr)
				}
			}()
		}
	}

	runCtx, cancel := context.WithTimeout(ctx, job.timeout())
	defer cancel()

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job %s panicked: %v", job.Name, r)
		}
		elapsed := time.Since(start)
		s.monitor.ObserveJob(job.Name, elapsed, err)
		if err == nil {
			slog.Info("job finished", "job", job.Name, "duration", elapsed)
		}
	}()

	return job.Run(runCtx)
}
