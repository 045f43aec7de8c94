package publish

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/docker/go-units"
	"github.com/ethpandaops/runsync/pkg/dataset"
	"github.com/ethpandaops/runsync/pkg/retry"
	"github.com/ethpandaops/runsync/pkg/state"
	"github.com/sirupsen/logrus"
)

// Result summarizes a PublishPending call.
type Result struct {
	Published []string
	Failed    []string
}

// Observer is notified about each upload attempt.
type Observer interface {
	FilePublished(name string)
	UploadFailed(name string)
}

// Publisher uploads local files to the dataset store and keeps the set of
// files that still need uploading in the state store.
type Publisher struct {
	log      logrus.FieldLogger
	store    dataset.Store
	state    state.Store
	source   string
	policy   retry.Policy
	observer Observer
}

// New creates a Publisher. observer may be nil.
func New(
	log logrus.FieldLogger,
	store dataset.Store,
	st state.Store,
	source string,
	policy retry.Policy,
	observer Observer,
) *Publisher {
	return &Publisher{
		log:      log.WithField("component", "publisher"),
		store:    store,
		state:    st,
		source:   source,
		policy:   policy,
		observer: observer,
	}
}

// Publish uploads the full content of path under its base name.
func (p *Publisher) Publish(ctx context.Context, path string) error {
	name := filepath.Base(path)

	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat %s: %w", path, err)
	}

	if err := retry.Do(ctx, p.log, p.policy, "upload "+name, func() error {
		return p.store.Upload(ctx, path, name)
	}); err != nil {
		return err
	}

	p.log.WithFields(logrus.Fields{
		"file": name,
		"size": units.HumanSize(float64(info.Size())),
	}).Info("Published file")

	return nil
}

// PublishPending uploads every pending file and clears the ones that made
// it. Failed uploads stay pending for the next call; their errors are
// logged and reported in the result, not returned.
func (p *Publisher) PublishPending(ctx context.Context) (*Result, error) {
	pending, err := p.state.ListPending(ctx, p.source)
	if err != nil {
		return nil, err
	}

	res := &Result{}

	for _, path := range pending {
		if ctx.Err() != nil {
			res.Failed = append(res.Failed, path)

			continue
		}

		name := filepath.Base(path)

		err := p.Publish(ctx, path)
		if errors.Is(err, os.ErrNotExist) {
			p.log.WithField("file", path).Warn("Pending file no longer exists, dropping it")

			if err := p.state.ClearPending(ctx, p.source, path); err != nil {
				return res, fmt.Errorf("clearing %s: %w", name, err)
			}

			continue
		}

		if err != nil {
			p.log.WithError(err).WithField("file", name).Warn("Upload failed, keeping file pending")

			res.Failed = append(res.Failed, path)

			if p.observer != nil {
				p.observer.UploadFailed(name)
			}

			continue
		}

		if err := p.state.ClearPending(ctx, p.source, path); err != nil {
			return res, fmt.Errorf("clearing %s: %w", name, err)
		}

		res.Published = append(res.Published, path)

		if p.observer != nil {
			p.observer.FilePublished(name)
		}
	}

	return res, nil
}

// Pending lists the files waiting to be uploaded.
func (p *Publisher) Pending(ctx context.Context) ([]string, error) {
	return p.state.ListPending(ctx, p.source)
}
