package record

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"
)

// Columns is the header of every TSV file, in file order. It never varies
// between files or calls.
var Columns = []string{
	"run_id",
	"validator",
	"n_nodes",
	"created_at",
	"selected_ids",
	"dataset_ref",
	"time_elapsed",
	"distances",
	"rewards",
}

// MetricPrecision is the number of decimal places kept for metric values.
const MetricPrecision = 5

// RunRecord is the normalized row extracted from one tracked run.
type RunRecord struct {
	RunID       string
	Validator   string
	NNodes      int64
	CreatedAt   time.Time
	SelectedIDs []any
	DatasetRef  string
	TimeElapsed float64
	Distances   []float64
	Rewards     []float64
}

// FormatTime renders t the way created_at is written to files.
func FormatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// ParseTime parses a run timestamp. Timestamps without a zone are UTC.
func ParseTime(s string) (time.Time, error) {
	layouts := []string{
		time.RFC3339Nano,
		"2006-01-02T15:04:05.999999999",
		"2006-01-02 15:04:05.999999999Z07:00",
		"2006-01-02 15:04:05.999999999",
	}

	for _, layout := range layouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}

	return time.Time{}, fmt.Errorf("invalid timestamp %q", s)
}

// Round rounds v to MetricPrecision decimal places.
func Round(v float64) float64 {
	const scale = 1e5

	return math.Round(v*scale) / scale
}

// Row renders the record as TSV fields in Columns order.
func (r *RunRecord) Row() ([]string, error) {
	selected, err := encodeList(r.SelectedIDs)
	if err != nil {
		return nil, fmt.Errorf("encoding selected_ids: %w", err)
	}

	distances, err := encodeList(r.Distances)
	if err != nil {
		return nil, fmt.Errorf("encoding distances: %w", err)
	}

	rewards, err := encodeList(r.Rewards)
	if err != nil {
		return nil, fmt.Errorf("encoding rewards: %w", err)
	}

	return []string{
		r.RunID,
		r.Validator,
		strconv.FormatInt(r.NNodes, 10),
		FormatTime(r.CreatedAt),
		selected,
		r.DatasetRef,
		strconv.FormatFloat(r.TimeElapsed, 'f', -1, 64),
		distances,
		rewards,
	}, nil
}

// FromRow parses TSV fields written by Row. header gives the column of
// each field, so files with a compatible header in any order can be read.
func FromRow(header, fields []string) (*RunRecord, error) {
	if len(header) != len(fields) {
		return nil, fmt.Errorf("row has %d fields, header has %d", len(fields), len(header))
	}

	values := make(map[string]string, len(header))
	for i, name := range header {
		values[name] = fields[i]
	}

	for _, name := range Columns {
		if _, ok := values[name]; !ok {
			return nil, fmt.Errorf("missing column %q", name)
		}
	}

	r := &RunRecord{
		RunID:      values["run_id"],
		Validator:  values["validator"],
		DatasetRef: values["dataset_ref"],
	}

	var err error

	if r.NNodes, err = strconv.ParseInt(values["n_nodes"], 10, 64); err != nil {
		return nil, fmt.Errorf("parsing n_nodes: %w", err)
	}

	if r.CreatedAt, err = ParseTime(values["created_at"]); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}

	if r.TimeElapsed, err = strconv.ParseFloat(values["time_elapsed"], 64); err != nil {
		return nil, fmt.Errorf("parsing time_elapsed: %w", err)
	}

	if err := decodeList(values["selected_ids"], &r.SelectedIDs); err != nil {
		return nil, fmt.Errorf("parsing selected_ids: %w", err)
	}

	if err := decodeList(values["distances"], &r.Distances); err != nil {
		return nil, fmt.Errorf("parsing distances: %w", err)
	}

	if err := decodeList(values["rewards"], &r.Rewards); err != nil {
		return nil, fmt.Errorf("parsing rewards: %w", err)
	}

	return r, nil
}

func encodeList[T any](values []T) (string, error) {
	if values == nil {
		values = []T{}
	}

	data, err := json.Marshal(values)
	if err != nil {
		return "", err
	}

	return string(data), nil
}

func decodeList[T any](s string, out *[]T) error {
	dec := json.NewDecoder(bytes.NewReader([]byte(s)))
	dec.UseNumber()

	return dec.Decode(out)
}
