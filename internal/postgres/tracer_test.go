package postgres

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestShortenFuncName(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		want string
	}{
		{"full path", "github.com/linnemanlabs/lookout/internal/source/pgsource.(*Source).Query", "(*Source).Query"},
		{"already short", "(*Source).Query", "Query"},
		{"empty string", "", ""},
		{"no dots", "main", "main"},
		{"no slashes", "pgsource.(*Source).Query", "(*Source).Query"},
		{"single segment", "foo.Bar", "Bar"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := shortenFuncName(tt.in)
			if got != tt.want {
				t.Errorf("shortenFuncName(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestRunDBStats_AddQuery(t *testing.T) {
	t.Parallel()

	s := &RunDBStats{}

	s.AddQuery(10*time.Millisecond, nil)
	s.AddQuery(20*time.Millisecond, errors.New("timeout"))
	s.AddQuery(5*time.Millisecond, nil)

	queries, total, errCount := s.Snapshot()
	if queries != 3 {
		t.Errorf("QueryCount = %d, want 3", queries)
	}
	if total != 35*time.Millisecond {
		t.Errorf("TotalDuration = %v, want 35ms", total)
	}
	if errCount != 1 {
		t.Errorf("ErrorCount = %d, want 1", errCount)
	}
}

func TestRunDBStatsContext_RoundTrip(t *testing.T) {
	t.Parallel()

	ctx := NewRunDBStatsContext(context.Background())
	got, ok := RunDBStatsFromContext(ctx)
	if !ok {
		t.Fatal("expected ok=true")
	}
	if got == nil {
		t.Fatal("expected non-nil stats")
	}

	// Verify it's the same pointer
	got.AddQuery(time.Millisecond, nil)
	got2, _ := RunDBStatsFromContext(ctx)
	if got2.QueryCount != 1 {
		t.Errorf("QueryCount = %d, want 1 (same pointer)", got2.QueryCount)
	}
}

func TestRunDBStatsFromContext_Missing(t *testing.T) {
	t.Parallel()

	_, ok := RunDBStatsFromContext(context.Background())
	if ok {
		t.Error("expected ok=false for plain context")
	}
}

func TestSetQueryObserver(t *testing.T) {
	t.Parallel()

	defer SetQueryObserver(nil)

	called := false
	obs := QueryObserverFunc(func(_ context.Context, _ string, _ time.Duration) {
		called = true
	})

	SetQueryObserver(obs)
	got := getQueryObserver()
	if got == nil {
		t.Fatal("expected non-nil observer after Set")
	}
	got.ObserveQuery(context.Background(), "ok", time.Millisecond)
	if !called {
		t.Error("observer was not called")
	}

	SetQueryObserver(nil)
	got = getQueryObserver()
	if got != nil {
		t.Errorf("expected nil observer after Set(nil), got %v", got)
	}
}
