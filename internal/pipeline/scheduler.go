package pipeline

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
)

// JobInfo describes a registered maintenance job for external inspection.
type JobInfo struct {
	ID      string        // unique job ID (gocron UUID)
	Name    string        // human-readable name (e.g. "relay-sweep")
	Every   time.Duration // run interval
	LastRun time.Time     // zero if never run
	NextRun time.Time     // zero if not scheduled
}

// Scheduler runs the pipeline's periodic maintenance (relay retention
// sweeps, future housekeeping). All jobs register here rather than spinning
// their own tickers.
type Scheduler struct {
	mu        sync.Mutex
	scheduler gocron.Scheduler
	jobs      map[string]gocron.Job
	intervals map[string]time.Duration
	logger    *slog.Logger
}

func newScheduler(logger *slog.Logger) (*Scheduler, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("create scheduler: %w", err)
	}
	return &Scheduler{
		scheduler: s,
		jobs:      make(map[string]gocron.Job),
		intervals: make(map[string]time.Duration),
		logger:    logger,
	}, nil
}

// AddJob registers a named interval job. The name must be unique.
func (s *Scheduler) AddJob(name string, every time.Duration, taskFn any, args ...any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[name]; exists {
		return fmt.Errorf("maintenance job already exists: %s", name)
	}

	j, err := s.scheduler.NewJob(
		gocron.DurationJob(every),
		gocron.NewTask(taskFn, args...),
		gocron.WithName(name),
	)
	if err != nil {
		return fmt.Errorf("create maintenance job %s: %w", name, err)
	}

	s.jobs[name] = j
	s.intervals[name] = every
	s.logger.Info("maintenance job added", "name", name, "every", every)
	return nil
}

// ListJobs returns info about all registered jobs.
func (s *Scheduler) ListJobs() []JobInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	infos := make([]JobInfo, 0, len(s.jobs))
	for name, j := range s.jobs {
		info := JobInfo{
			ID:    j.ID().String(),
			Name:  name,
			Every: s.intervals[name],
		}
		if lr, err := j.LastRun(); err == nil {
			info.LastRun = lr
		}
		if nr, err := j.NextRun(); err == nil {
			info.NextRun = nr
		}
		infos = append(infos, info)
	}
	return infos
}

// Start begins executing all registered jobs.
func (s *Scheduler) Start() {
	s.scheduler.Start()
	s.logger.Info("scheduler started", "jobs", len(s.jobs))
}

// Stop shuts down the scheduler and waits for running jobs to finish.
func (s *Scheduler) Stop() error {
	return s.scheduler.Shutdown()
}
