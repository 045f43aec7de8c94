package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethpandaops/runsync/pkg/api"
	"github.com/ethpandaops/runsync/pkg/config"
	"github.com/ethpandaops/runsync/pkg/dataset"
	"github.com/ethpandaops/runsync/pkg/fsutil"
	"github.com/ethpandaops/runsync/pkg/metrics"
	"github.com/ethpandaops/runsync/pkg/publish"
	"github.com/ethpandaops/runsync/pkg/record"
	"github.com/ethpandaops/runsync/pkg/retry"
	"github.com/ethpandaops/runsync/pkg/scheduler"
	"github.com/ethpandaops/runsync/pkg/scraper"
	"github.com/ethpandaops/runsync/pkg/state"
	"github.com/ethpandaops/runsync/pkg/tracker"
	"github.com/ethpandaops/runsync/pkg/tsvstore"
	"github.com/ethpandaops/runsync/pkg/watermark"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var scrapeOnce bool

var scrapeCmd = &cobra.Command{
	Use:   "scrape",
	Short: "Run the scrape service",
	Long: `Poll the tracking service for new runs every scrape.interval, append them
to date-partitioned TSV files and publish the touched files.`,
	RunE: runScrape,
}

func init() {
	rootCmd.AddCommand(scrapeCmd)
	scrapeCmd.Flags().BoolVar(&scrapeOnce, "once", false,
		"run a single cycle and exit")
}

func runScrape(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if err := cfg.ValidateScrape(); err != nil {
		return fmt.Errorf("validating config: %w", err)
	}

	owner, err := fsutil.ParseOwner(cfg.Scrape.OutputOwner)
	if err != nil {
		return fmt.Errorf("parsing output_owner: %w", err)
	}

	// Setup context with signal handling.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	st := state.NewStore(log, &cfg.State)
	if err := st.Start(ctx); err != nil {
		return fmt.Errorf("starting state store: %w", err)
	}

	defer func() {
		if err := st.Stop(); err != nil {
			log.WithError(err).Warn("Failed to stop state store")
		}
	}()

	s, reg, err := buildScraper(cfg, owner, st)
	if err != nil {
		return err
	}

	if err := s.LoadState(ctx); err != nil {
		return fmt.Errorf("loading state: %w", err)
	}

	if scrapeOnce {
		go func() {
			sig := <-sigCh
			log.WithField("signal", sig).Info("Received shutdown signal")
			cancel()
		}()

		_, err := s.RunCycle(ctx)

		return err
	}

	var srv api.Server
	if cfg.Server.Listen != "" {
		srv = api.NewServer(log, &cfg.Server, s, reg)
		if err := srv.Start(ctx); err != nil {
			return fmt.Errorf("starting status server: %w", err)
		}
	}

	sched := scheduler.New(log, cfg.Scrape.Interval, func(ctx context.Context) error {
		_, err := s.RunCycle(ctx)

		return err
	})

	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("starting scheduler: %w", err)
	}

	sig := <-sigCh
	log.WithField("signal", sig).Info("Shutting down scrape service")

	if err := sched.Stop(); err != nil {
		log.WithError(err).Warn("Scheduler stop error")
	}

	if srv != nil {
		if err := srv.Stop(); err != nil {
			log.WithError(err).Warn("Status server stop error")
		}
	}

	return nil
}

// buildScraper wires the scrape pipeline and returns it with the metrics
// registry it reports to.
func buildScraper(
	cfg *config.Config,
	owner *fsutil.OwnerConfig,
	st state.Store,
) (*scraper.Scraper, *prometheus.Registry, error) {
	policy := retry.PolicyFromConfig(&cfg.Retry)
	source := cfg.Tracker.Source()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := metrics.New(reg)

	store, err := dataset.New(log, &cfg.Publish)
	if err != nil {
		return nil, nil, fmt.Errorf("creating dataset store: %w", err)
	}

	client := tracker.NewWandbClient(log, &cfg.Tracker, policy)

	extractor := record.NewExtractor(client, record.ColumnMapping{
		Distances: cfg.Tracker.Columns.Distances,
		Rewards:   cfg.Tracker.Columns.Rewards,
	})

	s := scraper.New(
		log,
		scraper.Config{
			Source:         source,
			FilePrefix:     cfg.Scrape.FilePrefix,
			PageSize:       cfg.Tracker.PageSize,
			MaxCandidates:  cfg.Scrape.MaxCandidates,
			ProcessedDelay: cfg.Scrape.ProcessedDelay,
			SkippedDelay:   cfg.Scrape.SkippedDelay,
			MaxRunFailures: cfg.Scrape.MaxRunFailures,
		},
		client,
		extractor,
		watermark.New(cfg.Scrape.Lookback),
		st,
		tsvstore.New(log, cfg.Scrape.OutputDir, owner),
		publish.New(log, store, st, source, policy, m),
		scraper.WithMetrics(m),
	)

	log.WithFields(logrus.Fields{
		"source":   source,
		"backend":  cfg.Publish.Backend,
		"interval": cfg.Scrape.Interval.String(),
		"dir":      cfg.Scrape.OutputDir,
	}).Info("Scrape service configured")

	return s, reg, nil
}
