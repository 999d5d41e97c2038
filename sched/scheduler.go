// Package sched runs the control plane's periodic jobs on fixed UTC cadences.
package sched

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// JobFunc is one scheduled unit of work.
type JobFunc func(ctx context.Context) error

type job struct {
	name   string
	hourly bool
	hour   int
	minute int
	fn     JobFunc
}

// Scheduler executes registered jobs until its context is cancelled. All
// cadences are evaluated in UTC.
type Scheduler struct {
	jobs   []job
	logger *slog.Logger
	now    func() time.Time
}

// New constructs an empty scheduler.
func New(logger *slog.Logger, now func() time.Time) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if now == nil {
		now = time.Now
	}
	return &Scheduler{logger: logger.With("component", "sched"), now: now}
}

// Hourly registers a job that fires at the given minute past every hour.
func (s *Scheduler) Hourly(name string, minute int, fn JobFunc) {
	s.jobs = append(s.jobs, job{name: name, hourly: true, minute: clampMinute(minute), fn: fn})
}

// Daily registers a job that fires once a day at hour:minute UTC.
func (s *Scheduler) Daily(name string, hour, minute int, fn JobFunc) {
	s.jobs = append(s.jobs, job{name: name, hour: clampHour(hour), minute: clampMinute(minute), fn: fn})
}

// Run blocks until the context is cancelled, driving every registered job on
// its own timer loop.
func (s *Scheduler) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := range s.jobs {
		wg.Add(1)
		go func(j job) {
			defer wg.Done()
			s.runLoop(ctx, j)
		}(s.jobs[i])
	}
	wg.Wait()
}

func (s *Scheduler) runLoop(ctx context.Context, j job) {
	for {
		now := s.now().UTC()
		next := nextRun(now, j)
		timer := time.NewTimer(next.Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			started := s.now()
			if err := j.fn(ctx); err != nil {
				s.logger.Error("scheduled job failed", "job", j.name, "error", err)
			} else {
				s.logger.Info("scheduled job complete", "job", j.name, "duration", s.now().Sub(started))
			}
		}
	}
}

func nextRun(after time.Time, j job) time.Time {
	if j.hourly {
		target := time.Date(after.Year(), after.Month(), after.Day(), after.Hour(), j.minute, 0, 0, time.UTC)
		if !target.After(after) {
			target = target.Add(time.Hour)
		}
		return target
	}
	target := time.Date(after.Year(), after.Month(), after.Day(), j.hour, j.minute, 0, 0, time.UTC)
	if !target.After(after) {
		target = target.Add(24 * time.Hour)
	}
	return target
}

func clampHour(hour int) int {
	if hour < 0 {
		return 0
	}
	if hour > 23 {
		return 23
	}
	return hour
}

func clampMinute(minute int) int {
	if minute < 0 {
		return 0
	}
	if minute > 59 {
		return 59
	}
	return minute
}
