package scheduler

import (
	"sync"
	"time"

	"github.com/linnemanlabs/lookout/internal/pipeline"
)

// Record is one finished pipeline run as remembered by the scheduler.
type Record struct {
	Alert     string            `json:"alert"`
	StartedAt time.Time         `json:"startedAt"`
	Duration  float64           `json:"durationSeconds"`
	Outcome   *pipeline.Outcome `json:"outcome,omitempty"`
	Failed    bool              `json:"failed,omitempty"`
	Error     string            `json:"error,omitempty"`
}

// History is a bounded, newest-first record of recent runs. It is safe for
// concurrent use: the scheduler appends while the status API reads.
type History struct {
	mu   sync.Mutex
	max  int
	recs []Record
}

// NewHistory creates a history keeping at most max records.
func NewHistory(max int) *History {
	return &History{max: max}
}

// Add appends a record, evicting the oldest once full.
func (h *History) Add(rec Record) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.recs = append(h.recs, rec)
	if len(h.recs) > h.max {
		h.recs = h.recs[len(h.recs)-h.max:]
	}
}

// Recent returns up to n records, newest first. n <= 0 means all.
func (h *History) Recent(n int) []Record {
	h.mu.Lock()
	defer h.mu.Unlock()
	if n <= 0 || n > len(h.recs) {
		n = len(h.recs)
	}
	out := make([]Record, n)
	for i := 0; i < n; i++ {
		out[i] = h.recs[len(h.recs)-1-i]
	}
	return out
}

// Len returns the number of remembered runs.
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.recs)
}
