package record

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/ethpandaops/runsync/pkg/tracker"
)

const (
	// DistancesPrefix is the history column prefix of distance metrics.
	DistancesPrefix = "distance"

	// RewardsPrefix is the history column prefix of reward metrics.
	RewardsPrefix = "rewards"
)

// MalformedError reports a run that lacks or has invalid required fields.
type MalformedError struct {
	RunID  string
	Field  string
	Reason string
}

func (e *MalformedError) Error() string {
	return fmt.Sprintf("malformed run %q: %s: %s", e.RunID, e.Field, e.Reason)
}

// IsMalformed reports whether err is (or wraps) a MalformedError.
func IsMalformed(err error) bool {
	var me *MalformedError

	return errors.As(err, &me)
}

// ColumnMapping names the history columns feeding Distances and Rewards.
// An empty name selects the single column starting with the default prefix.
type ColumnMapping struct {
	Distances string
	Rewards   string
}

// HistoryFetcher loads the metric history of a run.
type HistoryFetcher interface {
	History(ctx context.Context, runName string) (*tracker.History, error)
}

// Extractor turns raw runs into RunRecords.
type Extractor struct {
	history HistoryFetcher
	mapping ColumnMapping
}

// NewExtractor creates an Extractor.
func NewExtractor(history HistoryFetcher, mapping ColumnMapping) *Extractor {
	return &Extractor{history: history, mapping: mapping}
}

// Extract validates run and builds its record. Fields that need no network
// access are checked first, so malformed runs never cost a history fetch.
// A failed history fetch is returned as-is and is not a MalformedError.
func (e *Extractor) Extract(ctx context.Context, run *tracker.Run) (*RunRecord, error) {
	malformed := func(field, reason string, args ...any) error {
		return &MalformedError{RunID: run.Name, Field: field, Reason: fmt.Sprintf(reason, args...)}
	}

	if run.Name == "" {
		return nil, malformed("name", "missing")
	}

	rec := &RunRecord{RunID: run.Name}

	createdAt, err := ParseTime(run.CreatedAt)
	if err != nil {
		return nil, malformed("createdAt", "%v", err)
	}

	rec.CreatedAt = createdAt

	nNodes, ok := run.Config["n_nodes"]
	if !ok {
		return nil, malformed("config.n_nodes", "missing")
	}

	if rec.NNodes, ok = toInt64(nNodes); !ok {
		return nil, malformed("config.n_nodes", "not an integer: %v", nNodes)
	}

	selected, ok := run.Config["selected_ids"]
	if !ok {
		return nil, malformed("config.selected_ids", "missing")
	}

	if rec.SelectedIDs, ok = selected.([]any); !ok {
		return nil, malformed("config.selected_ids", "not a list: %T", selected)
	}

	datasetRef, ok := run.Config["dataset_ref"]
	if !ok {
		return nil, malformed("config.dataset_ref", "missing")
	}

	switch v := datasetRef.(type) {
	case string:
		rec.DatasetRef = v
	case json.Number:
		rec.DatasetRef = v.String()
	default:
		return nil, malformed("config.dataset_ref", "not a string: %T", datasetRef)
	}

	elapsed, ok := run.Config["time_elapsed"]
	if !ok {
		return nil, malformed("config.time_elapsed", "missing")
	}

	if rec.TimeElapsed, ok = toFloat64(elapsed); !ok || math.IsNaN(rec.TimeElapsed) || math.IsInf(rec.TimeElapsed, 0) {
		return nil, malformed("config.time_elapsed", "not a number: %v", elapsed)
	}

	var desc map[string]any
	if err := json.Unmarshal([]byte(run.Description), &desc); err != nil {
		return nil, malformed("description", "invalid JSON: %v", err)
	}

	validator, ok := desc["validator"].(string)
	if !ok {
		return nil, malformed("description.validator", "missing or not a string")
	}

	rec.Validator = validator

	hist, err := e.history.History(ctx, run.Name)
	switch {
	case errors.Is(err, tracker.ErrRunNotFound):
		return nil, malformed("history", "run no longer exists")
	case errors.Is(err, tracker.ErrInvalidHistory):
		return nil, malformed("history", "%v", err)
	case err != nil:
		return nil, fmt.Errorf("fetching history of %q: %w", run.Name, err)
	}

	columns := hist.Columns()

	distCol, err := resolveColumn(columns, e.mapping.Distances, DistancesPrefix)
	if err != nil {
		return nil, malformed("history.distances", "%v", err)
	}

	rewardCol, err := resolveColumn(columns, e.mapping.Rewards, RewardsPrefix)
	if err != nil {
		return nil, malformed("history.rewards", "%v", err)
	}

	if rec.Distances, err = metricSeries(hist, distCol); err != nil {
		return nil, malformed("history."+distCol, "%v", err)
	}

	if rec.Rewards, err = metricSeries(hist, rewardCol); err != nil {
		return nil, malformed("history."+rewardCol, "%v", err)
	}

	// A row that cannot be rendered would fail the whole file append.
	if _, err := rec.Row(); err != nil {
		return nil, malformed("row", "%v", err)
	}

	return rec, nil
}

// resolveColumn picks the column named exact, or the only column starting
// with prefix. Several prefix matches are an error, never a silent choice.
func resolveColumn(columns []string, exact, prefix string) (string, error) {
	if exact != "" {
		for _, c := range columns {
			if c == exact {
				return c, nil
			}
		}

		return "", fmt.Errorf("column %q not found", exact)
	}

	var matches []string

	for _, c := range columns {
		if strings.HasPrefix(c, prefix) {
			matches = append(matches, c)
		}
	}

	switch len(matches) {
	case 0:
		return "", fmt.Errorf("no column starting with %q", prefix)
	case 1:
		return matches[0], nil
	default:
		return "", fmt.Errorf("ambiguous columns for prefix %q: %s", prefix, strings.Join(matches, ", "))
	}
}

func metricSeries(hist *tracker.History, column string) ([]float64, error) {
	raw := hist.Column(column)
	out := make([]float64, 0, len(raw))

	for i, v := range raw {
		f, ok := toFloat64(v)
		if !ok {
			return nil, fmt.Errorf("step %d: not a number: %v", i, v)
		}

		r := Round(f)
		if math.IsNaN(r) || math.IsInf(r, 0) {
			return nil, fmt.Errorf("step %d: value %v is out of range", i, v)
		}

		out = append(out, r)
	}

	return out, nil
}

func toFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case json.Number:
		f, err := n.Float64()

		return f, err == nil
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return i, true
		}

		f, err := n.Float64()
		if err != nil || f != math.Trunc(f) {
			return 0, false
		}

		return int64(f), true
	case float64:
		if n != math.Trunc(n) {
			return 0, false
		}

		return int64(n), true
	case int:
		return int64(n), true
	case int64:
		return n, true
	default:
		return 0, false
	}
}
