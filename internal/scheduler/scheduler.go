// Package scheduler runs a job once a day at a fixed local time.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Job is one scheduled unit of work. A failing job is logged and the
// schedule continues.
type Job func(ctx context.Context) error

// Config describes the daily slot.
type Config struct {
	// Hour and Minute give the local run time.
	Hour   int
	Minute int
	// Location is the timezone of the slot. Nil means UTC.
	Location *time.Location
	// RunOnStart runs the job once before waiting for the first slot.
	RunOnStart bool
}

// Scheduler triggers a Job at a daily slot.
type Scheduler struct {
	cfg      Config
	schedule cron.Schedule
	now      func() time.Time
	logger   zerolog.Logger
}

// New creates a Scheduler.
func New(cfg Config, logger zerolog.Logger) (*Scheduler, error) {
	if cfg.Hour < 0 || cfg.Hour > 23 || cfg.Minute < 0 || cfg.Minute > 59 {
		return nil, fmt.Errorf("invalid run time %02d:%02d", cfg.Hour, cfg.Minute)
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}

	schedule, err := dailySchedule(cfg.Hour, cfg.Minute, cfg.Location)
	if err != nil {
		return nil, err
	}

	return &Scheduler{
		cfg:      cfg,
		schedule: schedule,
		now:      time.Now,
		logger:   logger.With().Str("component", "scheduler").Logger(),
	}, nil
}

// dailySchedule parses the "M H * * *" cron spec pinned to loc.
func dailySchedule(hour, minute int, loc *time.Location) (*cron.SpecSchedule, error) {
	parsed, err := cron.ParseStandard(fmt.Sprintf("%d %d * * *", minute, hour))
	if err != nil {
		return nil, fmt.Errorf("parse daily schedule: %w", err)
	}
	spec, ok := parsed.(*cron.SpecSchedule)
	if !ok {
		return nil, fmt.Errorf("unexpected schedule type %T", parsed)
	}
	spec.Location = loc
	return spec, nil
}

// NextRun returns the first hour:minute slot in loc strictly after now.
func NextRun(now time.Time, hour, minute int, loc *time.Location) time.Time {
	spec, err := dailySchedule(hour, minute, loc)
	if err != nil {
		return time.Time{}
	}
	return spec.Next(now)
}

// Next returns the next slot after the current time.
func (s *Scheduler) Next() time.Time {
	return s.schedule.Next(s.now())
}

// Run executes job at every slot until ctx is cancelled. A run still in
// progress when the next slot arrives causes that slot to be skipped.
func (s *Scheduler) Run(ctx context.Context, job Job) error {
	c := cron.New(
		cron.WithLocation(s.cfg.Location),
		cron.WithLogger(cronLogger{logger: s.logger}),
		cron.WithChain(cron.SkipIfStillRunning(cronLogger{logger: s.logger})),
	)
	c.Schedule(s.schedule, cron.FuncJob(func() {
		if ctx.Err() != nil {
			return
		}
		s.execute(ctx, job)
		s.logger.Info().Time("next_run", s.Next()).Msg("waiting for next run")
	}))

	if s.cfg.RunOnStart {
		s.execute(ctx, job)
	}

	c.Start()
	s.logger.Info().Time("next_run", s.Next()).Msg("waiting for next run")

	<-ctx.Done()

	// Stop waits for a running job, which sees the cancelled context.
	<-c.Stop().Done()
	s.logger.Info().Msg("scheduler stopped")
	return nil
}

// RunOnce executes job immediately and returns its error.
func (s *Scheduler) RunOnce(ctx context.Context, job Job) error {
	return s.run(ctx, job)
}

func (s *Scheduler) execute(ctx context.Context, job Job) {
	if err := s.run(ctx, job); err != nil {
		s.logger.Error().Err(err).Msg("scheduled run failed")
	}
}

func (s *Scheduler) run(ctx context.Context, job Job) error {
	start := s.now()
	s.logger.Info().Msg("scheduled run started")

	if err := job(ctx); err != nil {
		return err
	}

	s.logger.Info().Dur("elapsed", s.now().Sub(start)).Msg("scheduled run completed")
	return nil
}

// cronLogger adapts zerolog to cron.Logger.
type cronLogger struct {
	logger zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug().Fields(keysAndValues).Msg("cron: " + msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error().Err(err).Fields(keysAndValues).Msg("cron: " + msg)
}
