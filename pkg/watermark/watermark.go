package watermark

import (
	"slices"
	"sync"
	"time"
)

// State is the persistable form of a Tracker.
type State struct {
	// Mark is the created_at of the last accepted run.
	Mark time.Time `json:"mark"`
	// Set is false until the first run is accepted.
	Set bool `json:"set"`
	// BoundaryRunIDs are accepted runs whose created_at equals Mark.
	BoundaryRunIDs []string `json:"boundary_run_ids,omitempty"`
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock overrides the time source used by ReferenceTime.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) {
		t.now = now
	}
}

// Tracker holds the high-water mark of processed runs. Reads are safe from
// any goroutine; writes come from the scrape cycle only.
type Tracker struct {
	mu       sync.RWMutex
	lookback time.Duration
	now      func() time.Time
	state    State
}

// New creates an unset Tracker.
func New(lookback time.Duration, opts ...Option) *Tracker {
	t := &Tracker{
		lookback: lookback,
		now:      time.Now,
	}

	for _, opt := range opts {
		opt(t)
	}

	return t
}

// ReferenceTime is the lower bound for the next query: the later of the
// mark and now minus the lookback window.
func (t *Tracker) ReferenceTime() time.Time {
	t.mu.RLock()
	defer t.mu.RUnlock()

	ref := t.now().UTC().Add(-t.lookback)

	if t.state.Set && t.state.Mark.After(ref) {
		return t.state.Mark
	}

	return ref
}

// IsNew reports whether a run created at ts is at or past the mark.
func (t *Tracker) IsNew(ts time.Time) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return !t.state.Set || !ts.Before(t.state.Mark)
}

// Seen reports whether runID was already accepted at the mark instant.
func (t *Tracker) Seen(ts time.Time, runID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return t.state.Set &&
		ts.Equal(t.state.Mark) &&
		slices.Contains(t.state.BoundaryRunIDs, runID)
}

// Advance moves the mark to ts. Callers only pass timestamps for which
// IsNew holds, so the mark never moves backwards.
func (t *Tracker) Advance(ts time.Time, runID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	ts = ts.UTC()

	if t.state.Set && ts.Equal(t.state.Mark) {
		if !slices.Contains(t.state.BoundaryRunIDs, runID) {
			t.state.BoundaryRunIDs = append(t.state.BoundaryRunIDs, runID)
		}

		return
	}

	t.state = State{
		Mark:           ts,
		Set:            true,
		BoundaryRunIDs: []string{runID},
	}
}

// Value returns the mark and whether it has been set.
func (t *Tracker) Value() (time.Time, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return t.state.Mark, t.state.Set
}

// Snapshot returns a copy of the current state.
func (t *Tracker) Snapshot() State {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return State{
		Mark:           t.state.Mark,
		Set:            t.state.Set,
		BoundaryRunIDs: slices.Clone(t.state.BoundaryRunIDs),
	}
}

// Restore replaces the current state with s.
func (t *Tracker) Restore(s State) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.state = State{
		Mark:           s.Mark.UTC(),
		Set:            s.Set,
		BoundaryRunIDs: slices.Clone(s.BoundaryRunIDs),
	}
}
