// Package scheduler runs the interval ingestion jobs and the one-off reconciliation passes.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	logging "ton-club-bot/internal/infra/log"
)

// Task is the unit of scheduled work. A returned error is logged and the job keeps its schedule.
type Task func(ctx context.Context) error

type Scheduler struct {
	s        gocron.Scheduler
	ctx      context.Context
	failures atomic.Int64

	mu     sync.Mutex
	queued map[string]*queueState
}

type queueState struct {
	running bool
	pending bool
}

// New builds a stopped scheduler. Tasks receive ctx and should return when it is done.
func New(ctx context.Context) (*Scheduler, error) {
	sch := &Scheduler{ctx: ctx, queued: make(map[string]*queueState)}
	s, err := gocron.NewScheduler(
		gocron.WithGlobalJobOptions(
			gocron.WithEventListeners(
				gocron.AfterJobRunsWithError(sch.onError),
			),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}
	sch.s = s
	return sch, nil
}

func (s *Scheduler) onError(jobID uuid.UUID, jobName string, err error) {
	s.failures.Add(1)
	logging.LogError("Scheduled job failed",
		zap.String("job", jobName),
		zap.String("job_id", jobID.String()),
		zap.Error(err))
}

// Failures counts task runs that returned an error
func (s *Scheduler) Failures() int64 {
	return s.failures.Load()
}

// Every runs fn each interval, the first time after firstRun
func (s *Scheduler) Every(name string, interval, firstRun time.Duration, fn Task) error {
	start := gocron.WithStartImmediately()
	if firstRun > 0 {
		start = gocron.WithStartDateTime(time.Now().Add(firstRun))
	}
	_, err := s.s.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(s.wrap(name, fn)),
		gocron.WithName(name),
		gocron.WithStartAt(start),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("schedule %s: %w", name, err)
	}
	logging.LogInfo("Job scheduled",
		zap.String("job", name),
		zap.Duration("interval", interval),
		zap.Duration("first_run", firstRun))
	return nil
}

// Once runs fn a single time after delay
func (s *Scheduler) Once(name string, delay time.Duration, fn Task) error {
	start := gocron.OneTimeJobStartImmediately()
	if delay > 0 {
		start = gocron.OneTimeJobStartDateTime(time.Now().Add(delay))
	}
	_, err := s.s.NewJob(
		gocron.OneTimeJob(start),
		gocron.NewTask(s.wrap(name, fn)),
		gocron.WithName(name),
	)
	if err != nil {
		return fmt.Errorf("schedule %s: %w", name, err)
	}
	return nil
}

// Queue runs fn now unless a run with the same name is in flight.
// Requests made during a run collapse into one more run after it finishes.
func (s *Scheduler) Queue(name string, fn Task) error {
	s.mu.Lock()
	st, ok := s.queued[name]
	if !ok {
		st = &queueState{}
		s.queued[name] = st
	}
	if st.running {
		st.pending = true
		s.mu.Unlock()
		logging.LogDebug("Job already running, rerun queued", zap.String("job", name))
		return nil
	}
	st.running = true
	s.mu.Unlock()

	err := s.Once(name, 0, func(ctx context.Context) error {
		var errs []error
		for {
			if err := fn(ctx); err != nil {
				errs = append(errs, err)
			}
			s.mu.Lock()
			if st.pending && ctx.Err() == nil {
				st.pending = false
				s.mu.Unlock()
				continue
			}
			st.running, st.pending = false, false
			s.mu.Unlock()
			return errors.Join(errs...)
		}
	})
	if err != nil {
		s.mu.Lock()
		st.running = false
		s.mu.Unlock()
	}
	return err
}

func (s *Scheduler) wrap(name string, fn Task) func() error {
	return func() error {
		if err := s.ctx.Err(); err != nil {
			return nil
		}
		started := time.Now()
		logging.LogDebug("Job started", zap.String("job", name))
		if err := fn(s.ctx); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		logging.LogInfo("Job finished",
			zap.String("job", name),
			zap.Duration("duration", time.Since(started)))
		return nil
	}
}

func (s *Scheduler) Start() {
	s.s.Start()
}

// Shutdown waits for running tasks
func (s *Scheduler) Shutdown() error {
	return s.s.Shutdown()
}
