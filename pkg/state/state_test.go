package state_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/runsync/pkg/config"
	"github.com/ethpandaops/runsync/pkg/state"
	"github.com/ethpandaops/runsync/pkg/watermark"
)

const source = "graphite-ai/Graphite-Subnet-V2"

func quietLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	return log
}

func setupStores(t *testing.T) map[string]state.Store {
	t.Helper()

	sqliteStore := state.NewStore(quietLogger(), &config.StateConfig{
		Driver: config.DriverSQLite,
		SQLite: config.SQLiteDatabaseConfig{Path: ":memory:"},
	})
	require.NoError(t, sqliteStore.Start(context.Background()))

	t.Cleanup(func() { _ = sqliteStore.Stop() })

	return map[string]state.Store{
		"sqlite": sqliteStore,
		"memory": state.NewMemoryStore(),
	}
}

func TestStore_WatermarkRoundTrip(t *testing.T) {
	for name, s := range setupStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			got, err := s.LoadWatermark(ctx, source)
			require.NoError(t, err)
			assert.Nil(t, got, "nothing saved yet")

			mark := time.Date(2024, 3, 1, 10, 0, 0, 123456789, time.UTC)
			want := watermark.State{Mark: mark, Set: true, BoundaryRunIDs: []string{"a", "b"}}

			require.NoError(t, s.Commit(ctx, source, want, nil))

			got, err = s.LoadWatermark(ctx, source)
			require.NoError(t, err)
			require.NotNil(t, got)
			assert.True(t, got.Set)
			assert.True(t, mark.Equal(got.Mark))
			assert.Equal(t, []string{"a", "b"}, got.BoundaryRunIDs)

			other, err := s.LoadWatermark(ctx, "someone/else")
			require.NoError(t, err)
			assert.Nil(t, other)
		})
	}
}

func TestStore_CommitOverwrites(t *testing.T) {
	for name, s := range setupStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			mark := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

			require.NoError(t, s.Commit(ctx, source, watermark.State{
				Mark: mark, Set: true, BoundaryRunIDs: []string{"a"},
			}, nil))
			require.NoError(t, s.Commit(ctx, source, watermark.State{
				Mark: mark.Add(time.Hour), Set: true, BoundaryRunIDs: []string{"c"},
			}, nil))

			got, err := s.LoadWatermark(ctx, source)
			require.NoError(t, err)
			assert.True(t, mark.Add(time.Hour).Equal(got.Mark))
			assert.Equal(t, []string{"c"}, got.BoundaryRunIDs)

			// Resetting to unset must stick as well.
			require.NoError(t, s.Commit(ctx, source, watermark.State{}, nil))

			got, err = s.LoadWatermark(ctx, source)
			require.NoError(t, err)
			require.NotNil(t, got)
			assert.False(t, got.Set)
		})
	}
}

func TestStore_Pending(t *testing.T) {
	for name, s := range setupStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			wm := watermark.State{Mark: time.Now().UTC(), Set: true}

			require.NoError(t, s.Commit(ctx, source, wm, []string{"/d/a.tsv", "/d/b.tsv"}))
			require.NoError(t, s.Commit(ctx, source, wm, []string{"/d/b.tsv", "/d/c.tsv"}))

			pending, err := s.ListPending(ctx, source)
			require.NoError(t, err)
			assert.Equal(t, []string{"/d/a.tsv", "/d/b.tsv", "/d/c.tsv"}, pending)

			require.NoError(t, s.ClearPending(ctx, source, "/d/b.tsv"))
			require.NoError(t, s.ClearPending(ctx, source, "/d/missing.tsv"))

			pending, err = s.ListPending(ctx, source)
			require.NoError(t, err)
			assert.Equal(t, []string{"/d/a.tsv", "/d/c.tsv"}, pending)

			other, err := s.ListPending(ctx, "someone/else")
			require.NoError(t, err)
			assert.Empty(t, other)
		})
	}
}

func TestStore_SQLiteFilePersistsAcrossRestart(t *testing.T) {
	ctx := context.Background()
	cfg := &config.StateConfig{
		Driver: config.DriverSQLite,
		SQLite: config.SQLiteDatabaseConfig{Path: filepath.Join(t.TempDir(), "nested", "state.db")},
	}

	mark := time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC)

	first := state.NewStore(quietLogger(), cfg)
	require.NoError(t, first.Start(ctx))
	require.NoError(t, first.Commit(ctx, source, watermark.State{
		Mark: mark, Set: true, BoundaryRunIDs: []string{"x"},
	}, []string{"/d/x.tsv"}))
	require.NoError(t, first.Stop())

	second := state.NewStore(quietLogger(), cfg)
	require.NoError(t, second.Start(ctx))

	t.Cleanup(func() { _ = second.Stop() })

	got, err := second.LoadWatermark(ctx, source)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, mark.Equal(got.Mark))

	pending, err := second.ListPending(ctx, source)
	require.NoError(t, err)
	assert.Equal(t, []string{"/d/x.tsv"}, pending)
}

func TestNewStore_UnsupportedDriver(t *testing.T) {
	s := state.NewStore(quietLogger(), &config.StateConfig{Driver: "mongo"})
	require.Error(t, s.Start(context.Background()))
}
