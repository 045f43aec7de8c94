package syncer

import (
	"context"
	"fmt"
	"time"

	"github.com/ethpandaops/runsync/pkg/config"
	"github.com/ethpandaops/runsync/pkg/dataset"
	"github.com/ethpandaops/runsync/pkg/fsutil"
	"github.com/ethpandaops/runsync/pkg/partition"
	"github.com/ethpandaops/runsync/pkg/retry"
	"github.com/sirupsen/logrus"
)

// Patterns returns the remote file patterns for mode. ModeAll returns nil,
// which matches every file. ModeRecent returns one exact name per UTC day,
// today first, going back days days.
func Patterns(mode, prefix string, days int, now time.Time) ([]string, error) {
	switch mode {
	case config.SyncModeAll:
		return nil, nil
	case config.SyncModeRecent:
		if days < 1 {
			return nil, fmt.Errorf("lookback days must be positive, got %d", days)
		}

		today := now.UTC()
		patterns := make([]string, 0, days)

		for i := range days {
			patterns = append(patterns, partition.FileName(prefix, today.AddDate(0, 0, -i)))
		}

		return patterns, nil
	default:
		return nil, fmt.Errorf("unknown sync mode %q", mode)
	}
}

// Options configures Run.
type Options struct {
	Mode         string
	LookbackDays int
	Prefix       string
	OutputDir    string
	Concurrency  int
	Owner        *fsutil.OwnerConfig
	Policy       retry.Policy
	Now          func() time.Time
}

// Run downloads the files selected by opts.Mode into opts.OutputDir and
// returns the local paths written.
func Run(
	ctx context.Context,
	log logrus.FieldLogger,
	store dataset.Store,
	opts Options,
) ([]string, error) {
	log = log.WithField("component", "syncer")

	now := time.Now
	if opts.Now != nil {
		now = opts.Now
	}

	patterns, err := Patterns(opts.Mode, opts.Prefix, opts.LookbackDays, now())
	if err != nil {
		return nil, err
	}

	log.WithFields(logrus.Fields{
		"mode":     opts.Mode,
		"patterns": len(patterns),
		"dir":      opts.OutputDir,
	}).Info("Syncing remote files")

	paths, err := dataset.Download(ctx, log, store, patterns, opts.OutputDir, dataset.DownloadOptions{
		Concurrency: opts.Concurrency,
		Owner:       opts.Owner,
		Policy:      opts.Policy,
	})
	if err != nil {
		return nil, fmt.Errorf("downloading: %w", err)
	}

	return paths, nil
}
