// Package scheduler fires periodic jobs at most once per calendar period.
//
// Each job has a period (day, ISO week or month) and a moment inside it.
// On every poll a job whose moment has passed runs unless its persisted
// watermark already holds the current period key. The watermark is saved
// only after a successful pass, so a crash mid-pass is retried on the next
// poll.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jensholdgaard/starfall-bot/internal/clock"
	"github.com/jensholdgaard/starfall-bot/internal/config"
	"github.com/jensholdgaard/starfall-bot/internal/metrics"
	"github.com/jensholdgaard/starfall-bot/internal/store"
	"github.com/jensholdgaard/starfall-bot/internal/telemetry"
)

// Period is the calendar unit a job fires once in.
type Period int

const (
	Daily Period = iota
	Weekly
	Monthly
)

func (p Period) String() string {
	switch p {
	case Daily:
		return "daily"
	case Weekly:
		return "weekly"
	case Monthly:
		return "monthly"
	}
	return fmt.Sprintf("Period(%d)", int(p))
}

// Task is the work of a job.
type Task func(ctx context.Context) error

// Job is a named task with its firing window.
type Job struct {
	Name    string
	Period  Period
	Hour    int
	Weekday time.Weekday // Weekly only
	Day     int          // Monthly only, 1..28
	Task    Task
}

// Key returns the period key of t, which must be in the scheduler location.
func (j Job) Key(t time.Time) string {
	switch j.Period {
	case Weekly:
		return clock.WeekKey(t)
	case Monthly:
		return clock.MonthKey(t)
	}
	return clock.DayKey(t)
}

// Due returns the moment the job fires in the period containing t. The
// hour is wall-clock time in t's location, also on DST transition days.
func (j Job) Due(t time.Time) time.Time {
	day := clock.StartOfDay(t)
	switch j.Period {
	case Weekly:
		monday := day.AddDate(0, 0, -isoOffset(t.Weekday()))
		day = monday.AddDate(0, 0, isoOffset(j.Weekday))
	case Monthly:
		day = clock.StartOfMonth(t).AddDate(0, 0, max(j.Day, 1)-1)
	}
	y, m, d := day.Date()
	return time.Date(y, m, d, j.Hour, 0, 0, 0, t.Location())
}

// isoOffset is the number of days since monday.
func isoOffset(d time.Weekday) int { return (int(d) + 6) % 7 }

// Jobs builds the daily report, weekly contest and monthly referral bonus
// jobs from cfg.
func Jobs(cfg config.SchedulerConfig, daily, weekly, monthly Task) ([]Job, error) {
	wd, err := cfg.Weekday()
	if err != nil {
		return nil, err
	}
	return []Job{
		{Name: "daily_report", Period: Daily, Hour: cfg.DailyHour, Task: daily},
		{Name: "weekly_contest", Period: Weekly, Hour: cfg.WeeklyHour, Weekday: wd, Task: weekly},
		{Name: "monthly_referral_bonus", Period: Monthly, Hour: cfg.MonthlyHour, Day: cfg.MonthlyDay, Task: monthly},
	}, nil
}

// Runner polls the jobs.
type Runner struct {
	jobs       []Job
	watermarks store.WatermarkRepository
	clock      clock.Clock
	loc        *time.Location
	interval   time.Duration
	logger     *slog.Logger
	tracer     trace.Tracer
}

// NewRunner returns a Runner polling every interval in location loc.
func NewRunner(jobs []Job, watermarks store.WatermarkRepository, clk clock.Clock, loc *time.Location, interval time.Duration, logger *slog.Logger, tp trace.TracerProvider) *Runner {
	if loc == nil {
		loc = time.UTC
	}
	return &Runner{
		jobs:       jobs,
		watermarks: watermarks,
		clock:      clk,
		loc:        loc,
		interval:   interval,
		logger:     logger,
		tracer:     tp.Tracer("github.com/jensholdgaard/starfall-bot/internal/scheduler"),
	}
}

// Run polls until ctx is done.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.InfoContext(ctx, "scheduler started",
		slog.Int("jobs", len(r.jobs)),
		slog.Duration("interval", r.interval),
		slog.String("timezone", r.loc.String()),
	)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		r.Poll(ctx)
		select {
		case <-ctx.Done():
			r.logger.InfoContext(ctx, "scheduler stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// Poll runs every due job once. Job failures are logged and retried on the
// next poll.
func (r *Runner) Poll(ctx context.Context) {
	now := r.clock.Now().In(r.loc)
	for _, j := range r.jobs {
		if ctx.Err() != nil {
			return
		}
		if err := r.runIfDue(ctx, j, now); err != nil {
			r.logger.ErrorContext(ctx, "scheduled job failed",
				slog.String("task", j.Name),
				slog.Any("error", err),
			)
		}
	}
}

func (r *Runner) runIfDue(ctx context.Context, j Job, now time.Time) error {
	if now.Before(j.Due(now)) {
		return nil
	}
	key := j.Key(now)

	last, err := r.watermarks.LastFired(ctx, j.Name)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("reading watermark: %w", err)
	}
	if last == key {
		return nil
	}

	ctx, span := r.tracer.Start(ctx, "Runner.runJob", trace.WithAttributes(
		attribute.String("task", j.Name),
		attribute.String("period", key),
	))
	defer span.End()

	start := time.Now()
	err = j.Task(ctx)
	metrics.TaskDuration.WithLabelValues(j.Name).Observe(time.Since(start).Seconds())
	metrics.TaskRunsTotal.WithLabelValues(j.Name, metrics.Outcome(err)).Inc()
	logger := telemetry.LogWithTrace(ctx, r.logger)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.WarnContext(ctx, "scheduled job pass failed, retrying on next poll",
			slog.String("task", j.Name),
			slog.String("period", key),
		)
		return err
	}

	if err := r.watermarks.SaveFired(ctx, j.Name, key, r.clock.Now()); err != nil {
		return fmt.Errorf("saving watermark: %w", err)
	}
	logger.InfoContext(ctx, "scheduled job fired",
		slog.String("task", j.Name),
		slog.String("period", key),
	)
	return nil
}
