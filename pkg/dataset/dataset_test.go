package dataset

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethpandaops/runsync/pkg/retry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memStore struct {
	mu       sync.Mutex
	files    map[string]string
	order    []string
	failOpen map[string]int
}

func newMemStore(files ...string) *memStore {
	m := &memStore{files: map[string]string{}, failOpen: map[string]int{}}
	for _, f := range files {
		m.files[f] = "content of " + f
		m.order = append(m.order, f)
	}

	return m
}

func (m *memStore) Upload(_ context.Context, localPath, remoteName string) error {
	data, err := os.ReadFile(localPath)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.files[remoteName] = string(data)

	return nil
}

func (m *memStore) List(_ context.Context) ([]string, error) {
	return append([]string(nil), m.order...), nil
}

func (m *memStore) Open(_ context.Context, name string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failOpen[name] > 0 {
		m.failOpen[name]--

		return nil, errors.New("connection reset")
	}

	data, ok := m.files[name]
	if !ok {
		return nil, ErrNotFound
	}

	return io.NopCloser(strings.NewReader(data)), nil
}

func fastPolicy() retry.Policy {
	return retry.Policy{InitialInterval: time.Millisecond, MaxInterval: time.Millisecond, MaxRetries: 3}
}

func TestMatchAny(t *testing.T) {
	tests := []struct {
		name     string
		patterns []string
		file     string
		want     bool
	}{
		{"no patterns match all", nil, "anything.bin", true},
		{"exact", []string{"P_2024_03_01.tsv"}, "P_2024_03_01.tsv", true},
		{"exact miss", []string{"P_2024_03_01.tsv"}, "P_2024_03_02.tsv", false},
		{"wildcard", []string{"P_2024_03_*.tsv"}, "P_2024_03_09.tsv", true},
		{"wildcard does not cross dirs", []string{"*.tsv"}, "sub/P.tsv", false},
		{"doublestar crosses dirs", []string{"**/*.tsv"}, "sub/P.tsv", true},
		{"second pattern", []string{"x", "P_*"}, "P_1.tsv", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, MatchAny(tt.patterns, tt.file))
		})
	}
}

func TestValidatePatterns(t *testing.T) {
	require.NoError(t, ValidatePatterns([]string{"P_*.tsv", "**/x"}))
	require.Error(t, ValidatePatterns([]string{"P_[.tsv"}))
}

func TestDownload_FiltersByPattern(t *testing.T) {
	store := newMemStore("P_2024_03_01.tsv", "P_2024_03_02.tsv", "README.md")
	dir := filepath.Join(t.TempDir(), "past_data")

	paths, err := Download(context.Background(), quietLogger(), store,
		[]string{"P_2024_03_02.tsv", "P_2024_03_01.tsv"}, dir,
		DownloadOptions{Concurrency: 2, Policy: fastPolicy()})
	require.NoError(t, err)

	assert.Equal(t, []string{
		filepath.Join(dir, "P_2024_03_01.tsv"),
		filepath.Join(dir, "P_2024_03_02.tsv"),
	}, paths)

	data, err := os.ReadFile(filepath.Join(dir, "P_2024_03_02.tsv"))
	require.NoError(t, err)
	assert.Equal(t, "content of P_2024_03_02.tsv", string(data))

	_, err = os.Stat(filepath.Join(dir, "README.md"))
	assert.True(t, os.IsNotExist(err))
}

func TestDownload_AllOverwritesExisting(t *testing.T) {
	store := newMemStore("a.tsv", "b.tsv")
	dir := t.TempDir()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.tsv"), []byte("stale"), 0o600))

	paths, err := Download(context.Background(), quietLogger(), store, nil, dir,
		DownloadOptions{Concurrency: 4, Policy: fastPolicy()})
	require.NoError(t, err)
	assert.Len(t, paths, 2)

	data, err := os.ReadFile(filepath.Join(dir, "a.tsv"))
	require.NoError(t, err)
	assert.Equal(t, "content of a.tsv", string(data))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 2, "no temp files left behind")
}

func TestDownload_NestedPathsKeepLayout(t *testing.T) {
	store := newMemStore("2024/P.tsv", "2025/P.tsv", "P.tsv")
	dir := filepath.Join(t.TempDir(), "past_data")

	paths, err := Download(context.Background(), quietLogger(), store, nil, dir,
		DownloadOptions{Concurrency: 3, Policy: fastPolicy()})
	require.NoError(t, err)

	assert.Equal(t, []string{
		filepath.Join(dir, "2024", "P.tsv"),
		filepath.Join(dir, "2025", "P.tsv"),
		filepath.Join(dir, "P.tsv"),
	}, paths)

	for _, name := range []string{"2024/P.tsv", "2025/P.tsv", "P.tsv"} {
		data, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(name)))
		require.NoError(t, err)
		assert.Equal(t, "content of "+name, string(data))
	}
}

func TestDownload_RejectsNamesOutsideDir(t *testing.T) {
	tests := []struct {
		name   string
		remote string
	}{
		{name: "parent directory", remote: "../evil.tsv"},
		{name: "nested parent directory", remote: "a/../../evil.tsv"},
		{name: "absolute path", remote: "/tmp/evil.tsv"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			root := t.TempDir()
			dir := filepath.Join(root, "past_data")

			_, err := Download(context.Background(), quietLogger(),
				newMemStore("ok.tsv", tt.remote), nil, dir,
				DownloadOptions{Concurrency: 2, Policy: fastPolicy()})
			require.Error(t, err)
			assert.Contains(t, err.Error(), "escapes")

			_, err = os.Stat(filepath.Join(root, "evil.tsv"))
			assert.True(t, os.IsNotExist(err))

			_, err = os.Stat(filepath.Join(dir, "ok.tsv"))
			assert.True(t, os.IsNotExist(err), "nothing is fetched")
		})
	}
}

func TestDownload_RetriesTransientFailures(t *testing.T) {
	store := newMemStore("a.tsv")
	store.failOpen["a.tsv"] = 2

	paths, err := Download(context.Background(), quietLogger(), store, nil, t.TempDir(),
		DownloadOptions{Concurrency: 1, Policy: fastPolicy()})
	require.NoError(t, err)
	assert.Len(t, paths, 1)
}

func TestDownload_NoMatches(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "never")

	paths, err := Download(context.Background(), quietLogger(), newMemStore("a.tsv"),
		[]string{"b.tsv"}, dir, DownloadOptions{Policy: fastPolicy()})
	require.NoError(t, err)
	assert.Empty(t, paths)
}

func TestDownload_InvalidPattern(t *testing.T) {
	_, err := Download(context.Background(), quietLogger(), newMemStore(),
		[]string{"["}, t.TempDir(), DownloadOptions{Policy: fastPolicy()})
	require.Error(t, err)
}
