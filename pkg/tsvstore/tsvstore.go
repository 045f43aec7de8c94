package tsvstore

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"

	"github.com/ethpandaops/runsync/pkg/fsutil"
	"github.com/ethpandaops/runsync/pkg/record"
	"github.com/sirupsen/logrus"
)

// ErrHeaderMismatch is returned when an existing file was written with a
// different column layout.
var ErrHeaderMismatch = errors.New("existing file header does not match columns")

// Store appends records to tab-separated files in one directory.
type Store struct {
	log   logrus.FieldLogger
	dir   string
	owner *fsutil.OwnerConfig
}

// New creates a Store rooted at dir. owner may be nil.
func New(log logrus.FieldLogger, dir string, owner *fsutil.OwnerConfig) *Store {
	return &Store{
		log:   log.WithField("component", "tsvstore"),
		dir:   dir,
		owner: owner,
	}
}

// Dir returns the directory files are written to.
func (s *Store) Dir() string {
	return s.dir
}

// Path returns the full path of fileName inside the store.
func (s *Store) Path(fileName string) string {
	return filepath.Join(s.dir, fileName)
}

// Append writes records to fileName, creating it with a header row if it
// does not exist yet. Existing content is never rewritten.
func (s *Store) Append(fileName string, records []*record.RunRecord) (string, error) {
	path := s.Path(fileName)

	if err := fsutil.MkdirAll(s.dir, 0755, s.owner); err != nil {
		return "", fmt.Errorf("creating output directory: %w", err)
	}

	if err := checkHeader(path); err != nil {
		return "", err
	}

	rows := make([][]string, 0, len(records)+1)

	for _, rec := range records {
		row, err := rec.Row()
		if err != nil {
			return "", fmt.Errorf("rendering %s: %w", rec.RunID, err)
		}

		rows = append(rows, row)
	}

	f, empty, err := fsutil.OpenAppend(path, s.owner)
	if err != nil {
		return "", fmt.Errorf("opening %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	w := newWriter(f)

	if empty {
		if err := w.Write(record.Columns); err != nil {
			return "", fmt.Errorf("writing header: %w", err)
		}
	}

	if err := w.WriteAll(rows); err != nil {
		return "", fmt.Errorf("writing rows to %s: %w", path, err)
	}

	if err := f.Close(); err != nil {
		return "", fmt.Errorf("closing %s: %w", path, err)
	}

	s.log.WithFields(logrus.Fields{
		"file":    fileName,
		"rows":    len(rows),
		"created": empty,
	}).Debug("Appended rows")

	return path, nil
}

// ReadFile parses a file written by Append.
func ReadFile(path string) ([]*record.RunRecord, error) {
	f, err := os.Open(path) //nolint:gosec // caller-controlled path
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	r := newReader(f)

	header, err := r.Read()
	if errors.Is(err, io.EOF) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("reading header: %w", err)
	}

	var records []*record.RunRecord

	for line := 2; ; line++ {
		fields, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}

		if err != nil {
			return nil, fmt.Errorf("reading line %d: %w", line, err)
		}

		rec, err := record.FromRow(header, fields)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}

		records = append(records, rec)
	}

	return records, nil
}

// checkHeader verifies the header of an existing, non-empty file.
func checkHeader(path string) error {
	f, err := os.Open(path) //nolint:gosec // path built from output dir
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}

	if err != nil {
		return fmt.Errorf("opening %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	header, err := newReader(f).Read()
	if errors.Is(err, io.EOF) {
		return nil
	}

	if err != nil {
		return fmt.Errorf("reading header of %s: %w", path, err)
	}

	if !slices.Equal(header, record.Columns) {
		return fmt.Errorf("%s: %w: got %v", path, ErrHeaderMismatch, header)
	}

	return nil
}

func newWriter(w io.Writer) *csv.Writer {
	cw := csv.NewWriter(w)
	cw.Comma = '\t'

	return cw
}

func newReader(r io.Reader) *csv.Reader {
	cr := csv.NewReader(r)
	cr.Comma = '\t'
	cr.FieldsPerRecord = -1

	return cr
}
