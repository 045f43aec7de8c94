package dataset

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/ethpandaops/runsync/pkg/config"
	"github.com/ethpandaops/runsync/pkg/fsutil"
	"github.com/ethpandaops/runsync/pkg/retry"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// ErrNotFound is returned by Open for a file the repository does not have.
var ErrNotFound = errors.New("remote file not found")

// Store is a remote repository of published files, addressed by name.
type Store interface {
	// Upload replaces the remote file remoteName with the content of
	// localPath. Readers see either the old or the new content.
	Upload(ctx context.Context, localPath, remoteName string) error

	// List returns the names of all remote files.
	List(ctx context.Context) ([]string, error)

	// Open streams the content of a remote file.
	Open(ctx context.Context, remoteName string) (io.ReadCloser, error)
}

// New creates the Store selected by cfg.Backend.
func New(log logrus.FieldLogger, cfg *config.PublishConfig) (Store, error) {
	switch cfg.Backend {
	case config.BackendHuggingFace:
		return NewHuggingFaceStore(log, &cfg.HuggingFace), nil
	case config.BackendS3:
		return NewS3Store(log, &cfg.S3), nil
	default:
		return nil, fmt.Errorf("unsupported publish backend: %s", cfg.Backend)
	}
}

// MatchAny reports whether name matches one of the glob patterns. No
// patterns match everything.
func MatchAny(patterns []string, name string) bool {
	if len(patterns) == 0 {
		return true
	}

	for _, p := range patterns {
		if ok, err := doublestar.Match(p, name); err == nil && ok {
			return true
		}
	}

	return false
}

// ValidatePatterns rejects malformed glob patterns.
func ValidatePatterns(patterns []string) error {
	for _, p := range patterns {
		if !doublestar.ValidatePattern(p) {
			return fmt.Errorf("invalid pattern %q", p)
		}
	}

	return nil
}

// DownloadOptions tunes Download.
type DownloadOptions struct {
	Concurrency int
	Owner       *fsutil.OwnerConfig
	Policy      retry.Policy
}

// Download copies every remote file matching patterns into localDir and
// returns the local paths written, in remote listing order. Each file is
// written atomically; nested remote paths keep their relative layout under
// localDir. A name that would resolve outside localDir fails the download
// before any file is fetched.
func Download(
	ctx context.Context,
	log logrus.FieldLogger,
	store Store,
	patterns []string,
	localDir string,
	opts DownloadOptions,
) ([]string, error) {
	log = log.WithField("component", "download")

	if err := ValidatePatterns(patterns); err != nil {
		return nil, err
	}

	var names []string

	err := retry.Do(ctx, log, opts.Policy, "list remote files", func() error {
		var err error

		names, err = store.List(ctx)

		return err
	})
	if err != nil {
		return nil, err
	}

	matched := make([]string, 0, len(names))

	for _, name := range names {
		if MatchAny(patterns, name) {
			matched = append(matched, name)
		}
	}

	if len(matched) == 0 {
		log.WithField("patterns", patterns).Info("No remote files matched")

		return nil, nil
	}

	dests := make([]string, len(matched))

	for i, name := range matched {
		rel := filepath.FromSlash(name)
		if !filepath.IsLocal(rel) {
			return nil, fmt.Errorf("remote file %q escapes %s", name, localDir)
		}

		dests[i] = filepath.Join(localDir, rel)
	}

	if err := fsutil.MkdirAll(localDir, 0755, opts.Owner); err != nil {
		return nil, fmt.Errorf("creating %s: %w", localDir, err)
	}

	concurrency := opts.Concurrency
	if concurrency < 1 {
		concurrency = 1
	}

	paths := make([]string, len(matched))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)

	for i, name := range matched {
		g.Go(func() error {
			dest := dests[i]

			if dir := filepath.Dir(dest); dir != localDir {
				if err := fsutil.MkdirAll(dir, 0755, opts.Owner); err != nil {
					return fmt.Errorf("creating %s: %w", dir, err)
				}
			}

			err := retry.Do(gctx, log, opts.Policy, "download "+name, func() error {
				return fetch(gctx, store, name, dest, opts.Owner)
			})
			if err != nil {
				return err
			}

			log.WithField("file", name).Debug("Downloaded file")

			paths[i] = dest

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	log.WithFields(logrus.Fields{
		"files": len(paths),
		"dir":   localDir,
	}).Info("Download completed")

	return paths, nil
}

func fetch(ctx context.Context, store Store, name, dest string, owner *fsutil.OwnerConfig) error {
	rc, err := store.Open(ctx, name)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return retry.Permanent(err)
		}

		return err
	}
	defer func() { _ = rc.Close() }()

	if _, err := fsutil.WriteFileAtomic(dest, rc, owner); err != nil {
		return fmt.Errorf("writing %s: %w", dest, err)
	}

	return nil
}
