// Package perf records per-artifact load performance history for the
// quality selector. Records are keyed by remote path (not path+tier):
// quality selection runs before a tier is chosen, so history must aggregate
// across variants of the same artifact.
package perf

import (
	"sync"
	"time"
)

// DefaultWindow is the number of recent samples kept per path.
const DefaultWindow = 20

// Sample is one observed load attempt.
type Sample struct {
	LoadTime time.Duration
	Failed   bool
}

// Record is the performance history for one remote path.
type Record struct {
	Path          string
	TotalRequests int64
	TotalFailures int64
	LastUpdated   time.Time

	// recent is a ring of the most recent samples, oldest first.
	recent []Sample
}

// Stats is the rolling view the quality selector consumes, computed over the
// recent-sample window only.
type Stats struct {
	Samples     int
	FailureRate float64
	MeanLoad    time.Duration
}

// Stats computes the rolling failure rate and mean load time over the
// record's sample window. Mean load time covers successful samples only.
func (r *Record) Stats() Stats {
	if r == nil || len(r.recent) == 0 {
		return Stats{}
	}
	var failures int
	var total time.Duration
	var successes int
	for _, s := range r.recent {
		if s.Failed {
			failures++
			continue
		}
		successes++
		total += s.LoadTime
	}
	st := Stats{
		Samples:     len(r.recent),
		FailureRate: float64(failures) / float64(len(r.recent)),
	}
	if successes > 0 {
		st.MeanLoad = total / time.Duration(successes)
	}
	return st
}

// Tracker stores performance records. Safe for concurrent use.
type Tracker struct {
	mu      sync.Mutex
	window  int
	records map[string]*Record
	now     func() time.Time
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithWindow sets the per-path sample window size.
func WithWindow(n int) Option {
	return func(t *Tracker) {
		if n > 0 {
			t.window = n
		}
	}
}

// WithClock overrides the clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) {
		if now != nil {
			t.now = now
		}
	}
}

// NewTracker creates an empty tracker.
func NewTracker(opts ...Option) *Tracker {
	t := &Tracker{
		window:  DefaultWindow,
		records: make(map[string]*Record),
		now:     time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(t)
		}
	}
	return t
}

// Record appends a sample for path, evicting the oldest sample once the
// window is full. It never fails.
func (t *Tracker) Record(path string, sample Sample) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.records[path]
	if !ok {
		rec = &Record{Path: path}
		t.records[path] = rec
	}
	rec.recent = append(rec.recent, sample)
	if len(rec.recent) > t.window {
		rec.recent = rec.recent[len(rec.recent)-t.window:]
	}
	rec.TotalRequests++
	if sample.Failed {
		rec.TotalFailures++
	}
	rec.LastUpdated = t.now()
}

// Get returns a copy of the record for path, or nil if none exists.
func (t *Tracker) Get(path string) *Record {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.records[path]
	if !ok {
		return nil
	}
	cp := *rec
	cp.recent = append([]Sample(nil), rec.recent...)
	return &cp
}

// Stats returns the rolling stats for path; the zero Stats if no history.
func (t *Tracker) Stats(path string) Stats {
	return t.Get(path).Stats()
}
