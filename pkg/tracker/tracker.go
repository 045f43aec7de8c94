package tracker

import (
	"context"
	"errors"
	"sort"
	"time"
)

// Done is returned by RunIterator.Next when the sequence is exhausted. It
// marks the normal end of pagination, not a failure.
var Done = errors.New("no more runs")

// ErrRunNotFound is returned by History for a run the service no longer has.
var ErrRunNotFound = errors.New("run not found")

// ErrInvalidHistory is returned by History when a logged step cannot be
// decoded. Retrying does not change the outcome.
var ErrInvalidHistory = errors.New("invalid run history")

// Run is one raw run record as returned by the tracking service.
type Run struct {
	ID          string
	Name        string
	DisplayName string
	State       string
	CreatedAt   string
	Description string
	// Config holds the run configuration with tracker wrappers removed.
	Config map[string]any
}

// History is the metric history of a run, one map per logged step.
type History struct {
	Rows []map[string]any
}

// Columns returns the sorted names of all metrics logged in any step.
func (h *History) Columns() []string {
	seen := make(map[string]struct{}, 16)

	for _, row := range h.Rows {
		for k := range row {
			seen[k] = struct{}{}
		}
	}

	cols := make([]string, 0, len(seen))
	for k := range seen {
		cols = append(cols, k)
	}

	sort.Strings(cols)

	return cols
}

// Column returns the values of name in step order, skipping steps where it
// was not logged.
func (h *History) Column(name string) []any {
	values := make([]any, 0, len(h.Rows))

	for _, row := range h.Rows {
		if v, ok := row[name]; ok && v != nil {
			values = append(values, v)
		}
	}

	return values
}

// RunsQuery selects runs created at or after CreatedAfter, oldest first.
type RunsQuery struct {
	CreatedAfter time.Time
	PageSize     int
}

// RunIterator is a lazy, single-pass sequence of runs.
type RunIterator interface {
	// Next returns the next run, or Done after the last one.
	Next(ctx context.Context) (*Run, error)
}

// Client is the capability the scraper needs from the tracking service.
type Client interface {
	// Runs starts a new query. No request is made until Next is called.
	Runs(ctx context.Context, q RunsQuery) RunIterator

	// History fetches the metric history of the named run.
	History(ctx context.Context, runName string) (*History, error)
}
