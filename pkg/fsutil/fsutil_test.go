package fsutil

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseOwner(t *testing.T) {
	tests := []struct {
		name    string
		owner   string
		want    *OwnerConfig
		wantErr bool
	}{
		{name: "empty", owner: "", want: nil},
		{name: "valid", owner: "1000:1001", want: &OwnerConfig{UID: 1000, GID: 1001}},
		{name: "missing gid", owner: "1000", wantErr: true},
		{name: "non numeric uid", owner: "root:0", wantErr: true},
		{name: "non numeric gid", owner: "0:wheel", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseOwner(tt.owner)
			if tt.wantErr {
				require.Error(t, err)

				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestOpenAppend(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.tsv")

	f, empty, err := OpenAppend(path, nil)
	require.NoError(t, err)
	assert.True(t, empty)

	_, err = f.WriteString("first\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	f, empty, err = OpenAppend(path, nil)
	require.NoError(t, err)
	assert.False(t, empty)

	_, err = f.WriteString("second\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "first\nsecond\n", string(data))
}

func TestWriteFileAtomic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "file.tsv")

	require.NoError(t, os.WriteFile(path, []byte("old"), 0o644))

	n, err := WriteFileAtomic(path, strings.NewReader("new content"), nil)
	require.NoError(t, err)
	assert.Equal(t, int64(len("new content")), n)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "new content", string(data))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temporary file must not be left behind")
}
