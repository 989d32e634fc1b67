package cron

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ErrJobNotFound is returned for unknown job names.
var ErrJobNotFound = errors.New("job not found")

type scheduledJob struct {
	job     Job
	entryID cron.EntryID
	running bool
	state   JobState
}

// Scheduler runs named maintenance jobs on cron schedules. A job never
// overlaps with itself; a tick that arrives while the previous run is still
// going is recorded as skipped.
type Scheduler struct {
	cron   *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	jobs    map[string]*scheduledJob
	started bool
	stopped bool
}

// NewScheduler creates a stopped scheduler.
func NewScheduler() *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron: cron.New(
			cron.WithLogger(zerologAdapter{logger: log.Logger}),
			cron.WithChain(cron.Recover(zerologAdapter{logger: log.Logger})),
		),
		ctx:    ctx,
		cancel: cancel,
		jobs:   make(map[string]*scheduledJob),
	}
}

// Add schedules job. Jobs with an empty schedule are ignored and Add
// returns false.
func (s *Scheduler) Add(job Job) (bool, error) {
	if strings.TrimSpace(job.Name) == "" {
		return false, fmt.Errorf("job name is required")
	}
	if job.Run == nil {
		return false, fmt.Errorf("job %s: run func is required", job.Name)
	}
	if strings.TrimSpace(job.Schedule) == "" {
		log.Debug().Str("job", job.Name).Msg("Job has no schedule, not scheduled")
		return false, nil
	}

	schedule, err := cron.ParseStandard(job.Schedule)
	if err != nil {
		return false, fmt.Errorf("job %s: invalid schedule %q: %w", job.Name, job.Schedule, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return false, fmt.Errorf("scheduler stopped")
	}
	if _, exists := s.jobs[job.Name]; exists {
		return false, fmt.Errorf("job %s already scheduled", job.Name)
	}

	sj := &scheduledJob{job: job}
	sj.entryID = s.cron.Schedule(schedule, cron.FuncJob(func() {
		s.execute(sj)
	}))
	s.jobs[job.Name] = sj

	log.Debug().Str("job", job.Name).Str("schedule", job.Schedule).Msg("Job scheduled")
	return true, nil
}

// Start begins running jobs on their schedules.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started || s.stopped {
		return
	}
	s.started = true
	s.cron.Start()

	log.Info().Int("jobs", len(s.jobs)).Msg("Scheduler started")
}

// Stop halts scheduling, cancels the job context and waits for running jobs
// until ctx is done.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	s.mu.Unlock()

	s.cancel()
	done := s.cron.Stop()

	select {
	case <-done.Done():
		log.Info().Msg("Scheduler stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for running jobs: %w", ctx.Err())
	}
}

// RunNow runs the named job synchronously, outside its schedule.
func (s *Scheduler) RunNow(name string) error {
	s.mu.Lock()
	sj, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, name)
	}

	if status := s.execute(sj); status == StatusSkipped {
		return fmt.Errorf("job %s is already running", name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if sj.state.LastStatus == StatusError {
		return errors.New(sj.state.LastError)
	}
	return nil
}

// Jobs returns a snapshot of every scheduled job sorted by name.
func (s *Scheduler) Jobs() []JobInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	infos := make([]JobInfo, 0, len(s.jobs))
	for _, sj := range s.jobs {
		infos = append(infos, JobInfo{
			Name:      sj.job.Name,
			Schedule:  sj.job.Schedule,
			NextRunAt: s.cron.Entry(sj.entryID).Next,
			State:     sj.state,
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

func (s *Scheduler) execute(sj *scheduledJob) string {
	s.mu.Lock()
	if sj.running {
		sj.state.LastStatus = StatusSkipped
		s.mu.Unlock()
		log.Debug().Str("job", sj.job.Name).Msg("Job already running, skipping execution")
		return StatusSkipped
	}
	sj.running = true
	s.mu.Unlock()

	start := time.Now()
	err := sj.job.Run(s.ctx)
	duration := time.Since(start)

	s.mu.Lock()
	defer s.mu.Unlock()

	sj.running = false
	sj.state.Runs++
	sj.state.LastRunAt = start
	sj.state.LastDuration = duration

	if err != nil {
		sj.state.LastStatus = StatusError
		sj.state.LastError = err.Error()
		sj.state.ConsecutiveErrors++

		log.Error().
			Str("job", sj.job.Name).
			Err(err).
			Int("consecutive_errors", sj.state.ConsecutiveErrors).
			Msg("Job execution failed")
		return StatusError
	}

	sj.state.LastStatus = StatusOK
	sj.state.LastError = ""
	sj.state.ConsecutiveErrors = 0

	log.Debug().
		Str("job", sj.job.Name).
		Dur("duration", duration).
		Msg("Job execution completed")
	return StatusOK
}

// zerologAdapter satisfies cron.Logger.
type zerologAdapter struct {
	logger zerolog.Logger
}

func (a zerologAdapter) Info(msg string, keysAndValues ...interface{}) {
	a.logger.Debug().Fields(keysAndValues).Msg("cron: " + msg)
}

func (a zerologAdapter) Error(err error, msg string, keysAndValues ...interface{}) {
	a.logger.Error().Err(err).Fields(keysAndValues).Msg("cron: " + msg)
}
