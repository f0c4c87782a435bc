package projection

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/rs/zerolog"
)

// Scheduler runs CatchUp for each registered projection on a fixed interval.
// A tick that finds the previous run still going is rescheduled rather than
// stacked, and a failed run is simply retried on the next tick.
type Scheduler struct {
	runner   *Runner
	interval time.Duration
	log      zerolog.Logger

	mu        sync.Mutex
	ctx       context.Context
	scheduler gocron.Scheduler
	jobs      map[string]gocron.Job
	pending   []Projection
}

func NewScheduler(runner *Runner, interval time.Duration, log zerolog.Logger) *Scheduler {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &Scheduler{
		runner:   runner,
		interval: interval,
		log:      log.With().Str("component", "scheduler").Logger(),
		ctx:      context.Background(),
		jobs:     make(map[string]gocron.Job),
	}
}

// Add registers p. Projections added before Start are scheduled when it runs.
func (s *Scheduler) Add(p Projection) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.scheduler == nil {
		s.pending = append(s.pending, p)
		return nil
	}
	return s.addLocked(p)
}

func (s *Scheduler) addLocked(p Projection) error {
	if _, ok := s.jobs[p.Name()]; ok {
		return fmt.Errorf("projection %s already scheduled", p.Name())
	}
	job, err := s.scheduler.NewJob(
		gocron.DurationJob(s.interval),
		gocron.NewTask(s.tick, p),
		gocron.WithName(p.Name()),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithStartAt(gocron.WithStartImmediately()),
	)
	if err != nil {
		return fmt.Errorf("schedule %s: %w", p.Name(), err)
	}
	s.jobs[p.Name()] = job
	return nil
}

func (s *Scheduler) tick(p Projection) {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx.Err() != nil {
		return
	}

	res, err := s.runner.CatchUp(ctx, p)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		s.log.Error().Err(err).Str("projection", p.Name()).Msg("projection run failed, retrying next tick")
		return
	}
	if res.Applied > 0 || res.Skipped > 0 {
		s.log.Info().
			Str("projection", p.Name()).
			Int("applied", res.Applied).
			Int64("position", res.To).
			Int64("lag", res.Lag).
			Msg("projection caught up")
	}
}

// Start launches the scheduler. Runs stop when ctx is cancelled; call
// Shutdown to wait for them.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.scheduler != nil {
		return errors.New("scheduler already started")
	}
	sched, err := gocron.NewScheduler()
	if err != nil {
		return err
	}
	s.ctx = ctx
	s.scheduler = sched
	for _, p := range s.pending {
		if err := s.addLocked(p); err != nil {
			_ = sched.Shutdown()
			return err
		}
	}
	s.pending = nil
	sched.Start()
	return nil
}

// Nudge runs the named projection now instead of waiting for its next tick.
// It is a no-op for unknown names or before Start.
func (s *Scheduler) Nudge(name string) {
	s.mu.Lock()
	job, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return
	}
	if err := job.RunNow(); err != nil {
		s.log.Debug().Err(err).Str("projection", name).Msg("nudge ignored")
	}
}

func (s *Scheduler) Shutdown() error {
	s.mu.Lock()
	sched := s.scheduler
	s.mu.Unlock()
	if sched == nil {
		return nil
	}
	return sched.Shutdown()
}
