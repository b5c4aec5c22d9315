package scheduler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/lookout/internal/pipeline"
	"github.com/linnemanlabs/lookout/internal/schedule"
)

type fakeRunner struct {
	name     string
	runs     int
	err      error
	panicMsg string
	outcome  *pipeline.Outcome
	onRun    func(ctx context.Context)
}

func (r *fakeRunner) Name() string { return r.name }

func (r *fakeRunner) Run(ctx context.Context) (*pipeline.Outcome, error) {
	r.runs++
	if r.onRun != nil {
		r.onRun(ctx)
	}
	if r.panicMsg != "" {
		panic(r.panicMsg)
	}
	return r.outcome, r.err
}

type fakeNotifier struct {
	alerts []string
}

func (n *fakeNotifier) NotifyRunFailure(ctx context.Context, alertName string, err error) {
	n.alerts = append(n.alerts, alertName)
}

func hourlySpec(t *testing.T) *schedule.Spec {
	t.Helper()
	spec, err := schedule.Parse(1.0, nil, "UTC")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	return spec
}

func TestRunOnce_RunsEveryPipeline(t *testing.T) {
	t.Parallel()

	s := New(hourlySpec(t), log.Nop(), Options{})
	a := &fakeRunner{name: "a", outcome: &pipeline.Outcome{JobsSent: 1}}
	b := &fakeRunner{name: "b"}
	s.Register(a)
	s.Register(b)

	if err := s.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if a.runs != 1 || b.runs != 1 {
		t.Errorf("runs = %d/%d, want 1/1", a.runs, b.runs)
	}
	if got := s.History().Len(); got != 2 {
		t.Errorf("history len = %d, want 2", got)
	}

	recent := s.History().Recent(0)
	if recent[0].Alert != "b" || recent[1].Alert != "a" {
		t.Errorf("history order = %s,%s, want newest first", recent[0].Alert, recent[1].Alert)
	}
	if recent[1].Outcome == nil || recent[1].Outcome.JobsSent != 1 {
		t.Errorf("history outcome = %+v, want jobs sent 1", recent[1].Outcome)
	}
}

func TestRunOnce_JoinsFailures(t *testing.T) {
	t.Parallel()

	bErr := errors.New("fetch: connection refused")
	s := New(hourlySpec(t), log.Nop(), Options{})
	s.Register(&fakeRunner{name: "a"})
	s.Register(&fakeRunner{name: "b", err: bErr})

	err := s.RunOnce(context.Background())
	if err == nil {
		t.Fatal("RunOnce: got nil error, want failure from b")
	}
	if !errors.Is(err, bErr) {
		t.Errorf("error = %v, want wrapped %v", err, bErr)
	}
	if !strings.Contains(err.Error(), "b:") {
		t.Errorf("error = %q, want pipeline name prefix", err)
	}

	recent := s.History().Recent(0)
	if !recent[0].Failed || recent[0].Error == "" {
		t.Errorf("history record = %+v, want failed with error", recent[0])
	}
	if recent[1].Failed {
		t.Errorf("history record for a = %+v, want not failed", recent[1])
	}
}

func TestRunOnce_PanicContained(t *testing.T) {
	t.Parallel()

	s := New(hourlySpec(t), log.Nop(), Options{})
	s.Register(&fakeRunner{name: "a", panicMsg: "nil map write"})
	after := &fakeRunner{name: "b"}
	s.Register(after)

	err := s.RunOnce(context.Background())
	if !errors.Is(err, ErrPanic) {
		t.Errorf("error = %v, want ErrPanic", err)
	}
	if after.runs != 1 {
		t.Errorf("pipeline after panic ran %d times, want 1", after.runs)
	}
}

func TestRunOnce_NotifiesFailures(t *testing.T) {
	t.Parallel()

	notifier := &fakeNotifier{}
	s := New(hourlySpec(t), log.Nop(), Options{Notifier: notifier})
	s.Register(&fakeRunner{name: "a"})
	s.Register(&fakeRunner{name: "b", err: errors.New("boom")})

	_ = s.RunOnce(context.Background())

	if len(notifier.alerts) != 1 || notifier.alerts[0] != "b" {
		t.Errorf("notified = %v, want [b]", notifier.alerts)
	}
}

func TestRunOnce_ShutdownSkipsRemaining(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	s := New(hourlySpec(t), log.Nop(), Options{})
	s.Register(&fakeRunner{name: "a", onRun: func(context.Context) { cancel() }})
	later := &fakeRunner{name: "b"}
	s.Register(later)

	_ = s.RunOnce(ctx)

	if later.runs != 0 {
		t.Errorf("pipeline after cancel ran %d times, want 0", later.runs)
	}
}

func TestRunOne_RunSurvivesCancellation(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	var runCtxErr error

	s := New(hourlySpec(t), log.Nop(), Options{})
	s.Register(&fakeRunner{name: "a", onRun: func(runCtx context.Context) {
		cancel()
		runCtxErr = runCtx.Err()
	}})

	_ = s.RunOnce(ctx)

	if runCtxErr != nil {
		t.Errorf("run context error = %v, want nil after parent cancel", runCtxErr)
	}
}

func TestRun_StopsOnCancelDuringWait(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	ran := make(chan struct{}, 4)

	s := New(hourlySpec(t), log.Nop(), Options{})
	s.Register(&fakeRunner{name: "a", onRun: func(context.Context) { ran <- struct{}{} }})

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	<-ran // first cycle finished, loop is now waiting ~1h
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run = %v, want nil on clean stop", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}

func TestRun_CanceledBeforeStart(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s := New(hourlySpec(t), log.Nop(), Options{})
	r := &fakeRunner{name: "a"}
	s.Register(r)

	if err := s.Run(ctx); err != nil {
		t.Errorf("Run = %v, want nil", err)
	}
	if r.runs != 0 {
		t.Errorf("runs = %d, want 0 with pre-canceled context", r.runs)
	}
}

func TestBeacon_WritesHealthFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "healthy.txt")
	s := New(hourlySpec(t), log.Nop(), Options{HealthFile: path})
	s.Register(&fakeRunner{name: "a"})

	if err := s.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	line := strings.TrimSpace(string(data))
	if !strings.HasPrefix(line, "OK ") {
		t.Fatalf("beacon = %q, want OK prefix", line)
	}
	if _, err := time.Parse(time.RFC3339, strings.TrimPrefix(line, "OK ")); err != nil {
		t.Errorf("beacon timestamp: %v", err)
	}
}

func TestNextRun_WithinInterval(t *testing.T) {
	t.Parallel()

	s := New(hourlySpec(t), log.Nop(), Options{})
	now := time.Now()
	next := s.NextRun()

	if !next.After(now) {
		t.Errorf("NextRun = %v, want after now", next)
	}
	if next.After(now.Add(time.Hour + time.Minute)) {
		t.Errorf("NextRun = %v, want within the hour", next)
	}
}

func TestHistory_Bounded(t *testing.T) {
	t.Parallel()

	h := NewHistory(3)
	for i := 0; i < 5; i++ {
		h.Add(Record{Alert: fmt.Sprintf("r%d", i)})
	}

	if h.Len() != 3 {
		t.Errorf("len = %d, want 3", h.Len())
	}
	recent := h.Recent(0)
	if recent[0].Alert != "r4" {
		t.Errorf("newest = %s, want r4", recent[0].Alert)
	}
	if recent[2].Alert != "r2" {
		t.Errorf("oldest kept = %s, want r2", recent[2].Alert)
	}
}

func TestHistory_RecentLimit(t *testing.T) {
	t.Parallel()

	h := NewHistory(10)
	for i := 0; i < 5; i++ {
		h.Add(Record{Alert: fmt.Sprintf("r%d", i)})
	}

	if got := len(h.Recent(2)); got != 2 {
		t.Errorf("Recent(2) len = %d, want 2", got)
	}
	if got := len(h.Recent(99)); got != 5 {
		t.Errorf("Recent(99) len = %d, want 5", got)
	}
}
