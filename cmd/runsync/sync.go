package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethpandaops/runsync/pkg/dataset"
	"github.com/ethpandaops/runsync/pkg/fsutil"
	"github.com/ethpandaops/runsync/pkg/retry"
	"github.com/ethpandaops/runsync/pkg/syncer"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	syncMode         string
	syncLookbackDays int
	syncOutputDir    string
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Download published files into the local output directory",
	Long: `Download the published TSV files from the dataset repository. Mode "all"
fetches every file; mode "recent" fetches the files of the last N days.`,
	RunE: runSync,
}

func init() {
	rootCmd.AddCommand(syncCmd)
	syncCmd.Flags().StringVar(&syncMode, "mode", "",
		"sync mode (all, recent), overrides sync.mode")
	syncCmd.Flags().IntVar(&syncLookbackDays, "lookback-days", 0,
		"days fetched in recent mode, overrides sync.lookback_days")
	syncCmd.Flags().StringVar(&syncOutputDir, "output-dir", "",
		"local directory, overrides scrape.output_dir")
}

func runSync(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if syncMode != "" {
		cfg.Sync.Mode = syncMode
	}

	if syncLookbackDays != 0 {
		cfg.Sync.LookbackDays = syncLookbackDays
	}

	if syncOutputDir != "" {
		cfg.Scrape.OutputDir = syncOutputDir
	}

	if err := cfg.ValidateSync(); err != nil {
		return fmt.Errorf("validating config: %w", err)
	}

	owner, err := fsutil.ParseOwner(cfg.Scrape.OutputOwner)
	if err != nil {
		return fmt.Errorf("parsing output_owner: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := dataset.New(log, &cfg.Publish)
	if err != nil {
		return fmt.Errorf("creating dataset store: %w", err)
	}

	paths, err := syncer.Run(ctx, log, store, syncer.Options{
		Mode:         cfg.Sync.Mode,
		LookbackDays: cfg.Sync.LookbackDays,
		Prefix:       cfg.Scrape.FilePrefix,
		OutputDir:    cfg.Scrape.OutputDir,
		Concurrency:  cfg.Sync.Concurrency,
		Owner:        owner,
		Policy:       retry.PolicyFromConfig(&cfg.Retry),
	})
	if err != nil {
		return fmt.Errorf("syncing: %w", err)
	}

	log.WithFields(logrus.Fields{
		"files": len(paths),
		"dir":   cfg.Scrape.OutputDir,
	}).Info("Sync completed")

	return nil
}
