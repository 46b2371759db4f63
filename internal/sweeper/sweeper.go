// Package sweeper reconciles durable questions whose deadline passed while no
// in-memory waiter was left to time them out (for example after a restart).
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/robfig/cron/v3"

	"github.com/h1v3-io/coworker/internal/question"
	"github.com/h1v3-io/coworker/pkg/protocol"
)

// DefaultInterval is used when New is given a non-positive interval.
const DefaultInterval = time.Minute

// Store is the subset of question.Store the sweeper needs.
type Store interface {
	SelectExpiredPending(ctx context.Context, now time.Time) ([]*protocol.Question, error)
	UpdateStatus(ctx context.Context, id string, from, to protocol.QuestionStatus, reply *question.Reply) error
}

// Canceller releases in-memory waiters. *correlation.Table satisfies it.
type Canceller interface {
	Cancel(id string) bool
}

// Observer receives the outcome of every sweep.
type Observer interface {
	ObserveSweep(expired, failed int, err error)
}

// Report summarizes one sweep.
type Report struct {
	Scanned   int // expired pending rows returned by the query
	Expired   int // rows this sweep moved to timed_out
	Conflicts int // rows another writer settled between query and update
	Released  int // live waiters cancelled
	Failed    int // rows whose update failed
}

// Sweeper runs Sweep on a cron schedule.
type Sweeper struct {
	store    Store
	waiters  Canceller
	clock    clock.Clock
	interval time.Duration
	cron     *cron.Cron
	chain    cron.Chain
	logger   *slog.Logger

	// Observer, if set before Start, receives sweep results.
	Observer Observer
}

// New creates a sweeper. clk may be nil for the wall clock.
func New(store Store, waiters Canceller, clk clock.Clock, interval time.Duration, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	if clk == nil {
		clk = clock.New()
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	cl := cronLogger{logger: logger}
	return &Sweeper{
		store:    store,
		waiters:  waiters,
		clock:    clk,
		interval: interval,
		cron:     cron.New(cron.WithLogger(cl)),
		chain:    cron.NewChain(cron.SkipIfStillRunning(cl), cron.Recover(cl)),
		logger:   logger,
	}
}

// Start schedules the sweep and blocks until ctx is cancelled. One sweep runs
// immediately so rows left over from a previous process are settled on boot.
// The boot sweep and scheduled ticks share one chain: a tick is skipped while
// the previous one is still running, and a panic is recovered inside the skip
// guard so the guard is always released.
func (s *Sweeper) Start(ctx context.Context) error {
	job := s.chain.Then(cron.FuncJob(func() { s.tick(ctx) }))
	s.cron.Schedule(cron.Every(s.interval), job)

	job.Run()
	s.cron.Start()
	s.logger.Info("sweeper started", "interval", s.interval)

	<-ctx.Done()
	<-s.cron.Stop().Done()
	s.logger.Info("sweeper stopped")
	return ctx.Err()
}

// tick runs one sweep and never lets an error escape the schedule.
func (s *Sweeper) tick(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	report, err := s.Sweep(ctx)
	if s.Observer != nil {
		s.Observer.ObserveSweep(report.Expired, report.Failed, err)
	}
	if err != nil {
		s.logger.Error("sweep failed, retrying next tick", "error", err)
		return
	}
	if report.Scanned > 0 {
		s.logger.Info("sweep complete",
			"scanned", report.Scanned, "expired", report.Expired,
			"conflicts", report.Conflicts, "released", report.Released, "failed", report.Failed)
	}
}

// Sweep moves every expired pending question to timed_out and cancels any
// waiter still registered for it. A failing row is logged and skipped.
func (s *Sweeper) Sweep(ctx context.Context) (Report, error) {
	var report Report

	rows, err := s.store.SelectExpiredPending(ctx, s.clock.Now())
	if err != nil {
		return report, fmt.Errorf("sweeper: select expired: %w", err)
	}
	report.Scanned = len(rows)

	for _, q := range rows {
		err := s.store.UpdateStatus(ctx, q.ID, protocol.QuestionPending, protocol.QuestionTimedOut, nil)
		switch {
		case err == nil:
			report.Expired++
		case errors.Is(err, question.ErrStatusConflict), errors.Is(err, question.ErrNotFound):
			// A reply landed after the query. Its handler owns the waiter.
			report.Conflicts++
			s.logger.Debug("question settled concurrently", "question_id", q.ID)
			continue
		default:
			report.Failed++
			s.logger.Error("failed to expire question", "question_id", q.ID, "error", err)
			continue
		}

		if s.waiters.Cancel(q.ID) {
			report.Released++
		}
		s.logger.Info("question timed out", "question_id", q.ID, "target", q.TargetIdentity.Email)
	}
	return report, nil
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron: "+msg, append([]any{"error", err}, keysAndValues...)...)
}
