// Package scheduler runs one worker loop per character.
//
// Each loop waits out the character's cooldown, refreshes a stale
// snapshot, and hands the tick to the highest-priority routine that
// wants it. Routine errors never kill the loop: the character is marked
// stale for the dashboard and the next iteration starts from a fresh
// server snapshot.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mbd888/gridagent/internal/clock"
	"github.com/mbd888/gridagent/internal/metrics"
	"github.com/mbd888/gridagent/internal/routines"
	"github.com/mbd888/gridagent/internal/traces"
)

// IdleSleep is the pause between polls when no routine wants to run.
const IdleSleep = time.Second

// Flusher is the shutdown hook for the order board.
type Flusher interface {
	Flush(ctx context.Context) error
}

// Worker drives one character.
type Worker struct {
	deps     *routines.Deps
	routines []routines.Routine
	clock    clock.Clock
	logger   *slog.Logger
}

// NewWorker builds a worker over an already-sorted routine set.
func NewWorker(deps *routines.Deps, rs []routines.Routine, ck clock.Clock, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	routines.SortByPriority(rs)
	return &Worker{deps: deps, routines: rs, clock: ck, logger: logger.With("char", deps.Char.Name())}
}

// Run loops until the context is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := w.deps.Char.WaitForCooldown(ctx); err != nil {
			return err
		}
		if w.deps.Char.NeedsRefresh() {
			if err := w.deps.Char.Refresh(ctx); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				w.logger.Warn("refresh failed", "error", err)
				w.deps.Char.MarkStale(err.Error())
				if err := w.clock.Sleep(ctx, IdleSleep); err != nil {
					return err
				}
				continue
			}
		}
		if !w.tick(ctx) {
			if err := w.clock.Sleep(ctx, IdleSleep); err != nil {
				return err
			}
		}
	}
}

// tick offers the iteration to each routine in priority order and runs
// the first taker. Returns false when every routine declined.
func (w *Worker) tick(ctx context.Context) bool {
	for _, r := range w.routines {
		if !r.CanRun(ctx, w.deps) {
			continue
		}
		w.logger.Debug("running routine", "routine", r.Name())
		runCtx, span := traces.StartSpan(ctx, "routine",
			traces.Character(w.deps.Char.Name()), traces.Routine(r.Name()))
		err := r.Execute(runCtx, w.deps)
		span.End()
		if err != nil {
			metrics.RoutineRunsTotal.WithLabelValues(r.Name(), "error").Inc()
			if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
				w.logger.Error("routine failed", "routine", r.Name(), "error", err)
				w.deps.Char.MarkStale(err.Error())
			}
		} else {
			metrics.RoutineRunsTotal.WithLabelValues(r.Name(), "ok").Inc()
		}
		return true
	}
	return false
}

// Scheduler fans workers out and flushes the order board on shutdown.
type Scheduler struct {
	workers []*Worker
	board   Flusher
	logger  *slog.Logger
}

// New assembles a scheduler. board may be nil when persistence is
// handled elsewhere.
func New(workers []*Worker, board Flusher, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{workers: workers, board: board, logger: logger}
}

// Run blocks until ctx is cancelled, then flushes the board. A clean
// cancellation returns nil.
func (s *Scheduler) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, w := range s.workers {
		w := w
		g.Go(func() error { return w.Run(gctx) })
	}
	err := g.Wait()

	if s.board != nil {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if ferr := s.board.Flush(flushCtx); ferr != nil {
			s.logger.Error("order board flush on shutdown failed", "error", ferr)
		}
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
