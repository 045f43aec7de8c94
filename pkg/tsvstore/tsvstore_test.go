package tsvstore

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ethpandaops/runsync/pkg/record"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	return log
}

func rec(id string) *record.RunRecord {
	return &record.RunRecord{
		RunID:       id,
		Validator:   "5F",
		NNodes:      10,
		CreatedAt:   time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC),
		SelectedIDs: []any{json.Number("1"), "two"},
		DatasetRef:  "ref",
		TimeElapsed: 1.5,
		Distances:   []float64{1.1},
		Rewards:     []float64{},
	}
}

func TestAppend_CreatesWithHeader(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "past_data")
	s := New(quietLogger(), dir, nil)

	path, err := s.Append("P_2024_03_01.tsv", []*record.RunRecord{rec("a"), rec("b")})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "P_2024_03_01.tsv"), path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSuffix(string(data), "\n"), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, strings.Join(record.Columns, "\t"), lines[0])
	assert.True(t, strings.HasPrefix(lines[1], "a\t5F\t10\t2024-03-01T10:00:00Z\t"))
}

func TestAppend_NeverRewrites(t *testing.T) {
	s := New(quietLogger(), t.TempDir(), nil)

	path, err := s.Append("f.tsv", []*record.RunRecord{rec("a")})
	require.NoError(t, err)

	before, err := os.ReadFile(path)
	require.NoError(t, err)

	_, err = s.Append("f.tsv", []*record.RunRecord{rec("a")})
	require.NoError(t, err)

	after, err := os.ReadFile(path)
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(string(after), string(before)))
	assert.Equal(t, 1, strings.Count(string(after), "run_id\t"), "header written once")

	records, err := ReadFile(path)
	require.NoError(t, err)
	assert.Len(t, records, 2, "duplicate appends are kept")
}

func TestAppend_HeaderMismatch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f.tsv")

	require.NoError(t, os.WriteFile(path, []byte("run_id\tvalidator\n"), 0o600))

	s := New(quietLogger(), dir, nil)

	_, err := s.Append("f.tsv", []*record.RunRecord{rec("a")})
	require.ErrorIs(t, err, ErrHeaderMismatch)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "run_id\tvalidator\n", string(data), "file untouched")
}

func TestAppend_EmptyFileGetsHeader(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f.tsv")

	require.NoError(t, os.WriteFile(path, nil, 0o600))

	_, err := New(quietLogger(), dir, nil).Append("f.tsv", []*record.RunRecord{rec("a")})
	require.NoError(t, err)

	records, err := ReadFile(path)
	require.NoError(t, err)
	require.Len(t, records, 1)
}

func TestReadFile_RoundTrip(t *testing.T) {
	s := New(quietLogger(), t.TempDir(), nil)

	a := rec("a")
	b := rec("b")
	b.Validator = "tab\tand \"quote\""
	b.CreatedAt = time.Date(2024, 3, 1, 23, 59, 59, 123000000, time.UTC)

	path, err := s.Append("f.tsv", []*record.RunRecord{a, b})
	require.NoError(t, err)

	got, err := ReadFile(path)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, a, got[0])
	assert.Equal(t, b, got[1])
}

func TestReadFile_Missing(t *testing.T) {
	_, err := ReadFile(filepath.Join(t.TempDir(), "nope.tsv"))
	require.ErrorIs(t, err, os.ErrNotExist)
}
