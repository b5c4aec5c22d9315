// Package scheduler owns the polling loop: it decides when the next cycle
// starts, runs every registered pipeline in order, and keeps the process
// healthy across individual run failures and panics.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime/debug"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/lookout/internal/pipeline"
	"github.com/linnemanlabs/lookout/internal/schedule"
)

// ErrPanic marks a run that ended in a recovered panic.
var ErrPanic = errors.New("pipeline panicked")

// Runner is one schedulable pipeline.
type Runner interface {
	Name() string
	Run(ctx context.Context) (*pipeline.Outcome, error)
}

// FailureNotifier is told about failed runs. Implementations must not block
// for long; the scheduler calls it inline between pipelines.
type FailureNotifier interface {
	NotifyRunFailure(ctx context.Context, alertName string, err error)
}

// Options tunes scheduler behavior beyond the schedule itself.
type Options struct {
	// HealthFile, when set, receives a beacon line after every cycle so
	// external watchdogs can tell the loop is alive.
	HealthFile string
	// RecoveryWait pauses the loop after a cycle with a panic before the
	// next wait begins.
	RecoveryWait time.Duration
	// HistorySize bounds the in-memory run history. Zero means 50.
	HistorySize int
	// Notifier receives failed-run notifications. Nil disables them.
	Notifier FailureNotifier
}

// Scheduler runs registered pipelines on a schedule, one at a time. It is
// single-threaded: Register before Run, and call Run or RunOnce from one
// goroutine only.
type Scheduler struct {
	spec    *schedule.Spec
	runners []Runner
	logger  log.Logger
	opts    Options
	history *History
}

// New creates a scheduler for the given schedule.
func New(spec *schedule.Spec, logger log.Logger, opts Options) *Scheduler {
	if logger == nil {
		logger = log.Nop()
	}
	size := opts.HistorySize
	if size <= 0 {
		size = 50
	}
	return &Scheduler{
		spec:    spec,
		logger:  logger,
		opts:    opts,
		history: NewHistory(size),
	}
}

// Register adds a pipeline to the cycle. Order of registration is the order
// pipelines run in.
func (s *Scheduler) Register(r Runner) {
	s.runners = append(s.runners, r)
}

// History returns the scheduler's run history.
func (s *Scheduler) History() *History { return s.history }

// Runners returns the registered pipelines in run order.
func (s *Scheduler) Runners() []Runner { return s.runners }

// NextRun reports when the next cycle would start if the loop decided now.
func (s *Scheduler) NextRun() time.Time {
	return s.spec.Next(time.Now())
}

// RunOnce executes a single cycle across every pipeline and returns the
// joined failures, nil if all runs completed.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	errs, _ := s.runAll(ctx)
	s.beacon(ctx)
	return errors.Join(errs...)
}

// Run executes cycles until ctx is canceled. Cancellation is honored while
// waiting and between pipelines, never in the middle of a run; a clean stop
// returns nil.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info(ctx, "scheduler started",
		"mode", string(s.spec.Mode()),
		"schedule", s.spec.String(),
		"pipelines", len(s.runners),
	)

	for {
		if ctx.Err() != nil {
			s.logger.Info(ctx, "scheduler stopped")
			return nil
		}

		_, panicked := s.runAll(ctx)
		s.beacon(ctx)

		if panicked && s.opts.RecoveryWait > 0 {
			s.logger.Warn(ctx, "cycle had a panic, pausing before next wait",
				"recovery_wait", s.opts.RecoveryWait.String(),
			)
			if err := schedule.Wait(ctx, time.Now().Add(s.opts.RecoveryWait)); err != nil {
				s.logger.Info(ctx, "scheduler stopped")
				return nil
			}
		}

		now := time.Now()
		next := s.spec.Next(now)
		s.logger.Info(ctx, "next cycle scheduled",
			"at", next.Format(time.RFC3339),
			"in", next.Sub(now).Round(time.Second).String(),
		)
		if err := schedule.Wait(ctx, next); err != nil {
			s.logger.Info(ctx, "scheduler stopped during wait")
			return nil
		}
	}
}

// runAll runs every pipeline once, in order, checking for shutdown between
// them. One pipeline's failure never stops the others.
func (s *Scheduler) runAll(ctx context.Context) (errs []error, panicked bool) {
	for _, r := range s.runners {
		if ctx.Err() != nil {
			s.logger.Info(ctx, "shutdown requested, skipping remaining pipelines")
			return errs, panicked
		}
		err, didPanic := s.runOne(ctx, r)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", r.Name(), err))
		}
		panicked = panicked || didPanic
	}
	return errs, panicked
}

// runOne runs a single pipeline with panic containment. The run itself gets
// a context detached from cancellation so shutdown never cuts a run in half.
func (s *Scheduler) runOne(ctx context.Context, r Runner) (err error, panicked bool) {
	start := time.Now()
	runCtx := context.WithoutCancel(ctx)

	var out *pipeline.Outcome
	func() {
		defer func() {
			if rec := recover(); rec != nil {
				panicked = true
				err = fmt.Errorf("%w: %v", ErrPanic, rec)
				s.logger.Error(ctx, err, "pipeline panicked",
					"alert", r.Name(),
					"stack", string(debug.Stack()),
				)
			}
		}()
		out, err = r.Run(runCtx)
	}()

	rec := Record{
		Alert:     r.Name(),
		StartedAt: start,
		Duration:  time.Since(start).Seconds(),
		Outcome:   out,
	}
	if err != nil {
		rec.Failed = true
		rec.Error = err.Error()
		if !panicked {
			s.logger.Error(ctx, err, "pipeline run failed", "alert", r.Name())
		}
		if s.opts.Notifier != nil {
			s.opts.Notifier.NotifyRunFailure(ctx, r.Name(), err)
		}
	}
	s.history.Add(rec)
	return err, panicked
}

// beacon writes the liveness file. Failures are logged, never fatal.
func (s *Scheduler) beacon(ctx context.Context) {
	if s.opts.HealthFile == "" {
		return
	}
	line := fmt.Sprintf("OK %s\n", time.Now().Format(time.RFC3339))
	if err := os.WriteFile(s.opts.HealthFile, []byte(line), 0o644); err != nil {
		s.logger.Warn(ctx, "health beacon write failed",
			"path", s.opts.HealthFile,
			"error", err.Error(),
		)
	}
}
