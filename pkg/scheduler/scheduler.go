package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/cuemby/clanmanager/pkg/lock"
	"github.com/cuemby/clanmanager/pkg/log"
	"github.com/cuemby/clanmanager/pkg/metrics"
)

// JobFunc is the body of a recurring job
type JobFunc func(ctx context.Context) error

// ErrStopped is returned when scheduling on a stopped scheduler
var ErrStopped = errors.New("scheduler stopped")

type job struct {
	id      string
	spec    string
	entry   cron.EntryID
	fn      JobFunc
	running atomic.Bool
}

// Scheduler runs recurring jobs keyed by ID on top of a cron runner
type Scheduler struct {
	cron   *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc
	logger zerolog.Logger

	mu      sync.Mutex
	jobs    map[string]*job
	stopped bool
	wg      sync.WaitGroup
}

// NewScheduler creates a scheduler. Jobs do not fire until Start.
func NewScheduler() *Scheduler {
	logger := log.WithComponent("scheduler")
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron:   cron.New(cron.WithChain(cron.Recover(cronLogger{logger}))),
		ctx:    ctx,
		cancel: cancel,
		logger: logger,
		jobs:   make(map[string]*job),
	}
}

// Start begins firing jobs
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop prevents further firings and cancels the context of running jobs,
// then waits for them to return
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()

	s.cancel()
	<-s.cron.Stop().Done()
	s.wg.Wait()
}

// ScheduleRecurring registers fn under jobID with a cron spec such as
// "@every 5m" or "0 3 * * *". An existing job with the same ID is replaced.
func (s *Scheduler) ScheduleRecurring(jobID, spec string, fn JobFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return ErrStopped
	}

	j := &job{id: jobID, spec: spec, fn: fn}
	entry, err := s.cron.AddFunc(spec, func() { s.fire(j) })
	if err != nil {
		return fmt.Errorf("job %s: invalid schedule %q: %w", jobID, spec, err)
	}
	j.entry = entry

	if old, ok := s.jobs[jobID]; ok {
		s.cron.Remove(old.entry)
	}
	s.jobs[jobID] = j
	metrics.ScheduledJobs.Set(float64(len(s.jobs)))

	s.logger.Debug().
		Str("job_id", jobID).
		Str("schedule", spec).
		Msg("Scheduled recurring job")
	return nil
}

// ScheduleEvery is ScheduleRecurring with a fixed interval
func (s *Scheduler) ScheduleEvery(jobID string, every time.Duration, fn JobFunc) error {
	if every <= 0 {
		return fmt.Errorf("job %s: interval must be positive", jobID)
	}
	return s.ScheduleRecurring(jobID, "@every "+every.String(), fn)
}

// Cancel removes a job. A run already in progress completes. It reports
// whether the job existed.
func (s *Scheduler) Cancel(jobID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[jobID]
	if !ok {
		return false
	}
	s.cron.Remove(j.entry)
	delete(s.jobs, jobID)
	metrics.ScheduledJobs.Set(float64(len(s.jobs)))
	return true
}

// Has reports whether a job is registered
func (s *Scheduler) Has(jobID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.jobs[jobID]
	return ok
}

// Jobs returns the registered job IDs in ascending order
func (s *Scheduler) Jobs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0, len(s.jobs))
	for id := range s.jobs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Next returns the next firing time of a job. The zero time is returned
// before Start.
func (s *Scheduler) Next(jobID string) (time.Time, bool) {
	s.mu.Lock()
	j, ok := s.jobs[jobID]
	s.mu.Unlock()
	if !ok {
		return time.Time{}, false
	}
	return s.cron.Entry(j.entry).Next, true
}

// fire runs one firing of a job. Overlapping firings are skipped, and a
// clan lock timeout skips the run without failing the job.
func (s *Scheduler) fire(j *job) {
	if !j.running.CompareAndSwap(false, true) {
		metrics.ScheduledSkipsTotal.WithLabelValues("still_running").Inc()
		s.logger.Warn().Str("job_id", j.id).Msg("Previous run still in progress, skipping")
		return
	}
	defer j.running.Store(false)

	s.wg.Add(1)
	defer s.wg.Done()

	err := j.fn(s.ctx)
	switch {
	case err == nil:
	case errors.Is(err, lock.ErrLockTimeout):
		metrics.ScheduledSkipsTotal.WithLabelValues("lock_timeout").Inc()
		s.logger.Warn().Str("job_id", j.id).Err(err).Msg("Clan busy, skipping scheduled run")
	case errors.Is(err, context.Canceled):
	default:
		s.logger.Error().Str("job_id", j.id).Err(err).Msg("Scheduled job failed")
	}
}

// cronLogger adapts zerolog to cron.Logger
type cronLogger struct {
	logger zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
