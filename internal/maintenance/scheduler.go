// Package maintenance runs housekeeping jobs on cron schedules: evicting
// expired rate-limit counters and cache entries, and refreshing the signing
// keys ahead of their TTL.
package maintenance

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/polisai/polis-gateway/pkg/logging"
)

// Job is one housekeeping task. Run returns the number of items it affected.
type Job struct {
	Name     string
	Schedule string
	Timeout  time.Duration
	Run      func(ctx context.Context) (int, error)
}

// Sweeper evicts expired state.
type Sweeper interface {
	Sweep(ctx context.Context) (int, error)
}

// Refresher forces a refetch of remote state.
type Refresher interface {
	Refresh(ctx context.Context) error
}

// SweepJob evicts expired entries from every sweeper.
func SweepJob(schedule string, sweepers ...Sweeper) Job {
	return Job{
		Name:     "sweep",
		Schedule: schedule,
		Run: func(ctx context.Context) (int, error) {
			total := 0
			for _, s := range sweepers {
				n, err := s.Sweep(ctx)
				if err != nil {
					return total, err
				}
				total += n
			}
			return total, nil
		},
	}
}

// RefreshJob refreshes r on schedule.
func RefreshJob(name, schedule string, r Refresher) Job {
	return Job{
		Name:     name,
		Schedule: schedule,
		Run: func(ctx context.Context) (int, error) {
			if err := r.Refresh(ctx); err != nil {
				return 0, err
			}
			return 1, nil
		},
	}
}

// Scheduler runs jobs on their cron schedules.
type Scheduler struct {
	cron   *cron.Cron
	jobs   []Job
	logger zerolog.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
}

// NewScheduler validates the schedules and registers jobs. Jobs with an empty
// schedule are skipped.
func NewScheduler(logger *zerolog.Logger, jobs ...Job) (*Scheduler, error) {
	base := log.Logger
	if logger != nil {
		base = *logger
	}
	s := &Scheduler{
		cron:   cron.New(),
		logger: logging.Component(base, "maintenance"),
	}
	for _, job := range jobs {
		if job.Schedule == "" {
			continue
		}
		if _, err := cron.ParseStandard(job.Schedule); err != nil {
			return nil, fmt.Errorf("invalid cron schedule %q for %s: %w", job.Schedule, job.Name, err)
		}
		if job.Timeout <= 0 {
			job.Timeout = 30 * time.Second
		}
		s.jobs = append(s.jobs, job)
	}
	return s, nil
}

// Start schedules every job. Cancelling ctx stops the scheduler.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	for _, job := range s.jobs {
		if _, err := s.cron.AddFunc(job.Schedule, func() { s.run(runCtx, job) }); err != nil {
			cancel()
			return fmt.Errorf("schedule %s: %w", job.Name, err)
		}
	}
	s.cron.Start()
	s.running = true
	s.cancel = cancel
	s.logger.Info().Int("jobs", len(s.jobs)).Msg("maintenance scheduler started")

	go func() {
		<-runCtx.Done()
		s.Stop()
	}()
	return nil
}

// RunOnce runs every job immediately, in registration order.
func (s *Scheduler) RunOnce(ctx context.Context) {
	for _, job := range s.jobs {
		s.run(ctx, job)
	}
}

func (s *Scheduler) run(ctx context.Context, job Job) {
	jobCtx, cancel := context.WithTimeout(ctx, job.Timeout)
	defer cancel()

	started := time.Now()
	n, err := job.Run(jobCtx)
	if err != nil {
		s.logger.Error().Err(err).Str("job", job.Name).Msg("maintenance job failed")
		return
	}
	s.logger.Debug().Str("job", job.Name).Int("affected", n).Dur("duration", time.Since(started)).Msg("maintenance job completed")
}

// Stop halts scheduling and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	s.cancel()
	<-s.cron.Stop().Done()
	s.running = false
	s.logger.Info().Msg("maintenance scheduler stopped")
}

// IsRunning reports whether the scheduler has been started and not stopped.
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// NextRun returns the earliest upcoming job run, or the zero time if nothing is scheduled.
func (s *Scheduler) NextRun() time.Time {
	var next time.Time
	for _, e := range s.cron.Entries() {
		if next.IsZero() || (!e.Next.IsZero() && e.Next.Before(next)) {
			next = e.Next
		}
	}
	return next
}
