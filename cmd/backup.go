package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/sstent/garminbackup/internal/backup"
	"github.com/sstent/garminbackup/internal/db"
	"github.com/sstent/garminbackup/internal/garmin"
)

var (
	backupFormats    []string
	backupWorkers    int
	backupMaxRetries int
)

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Incrementally back up activities to the backup directory",
	Long: `Downloads every activity export that is not already present in the
backup directory. Exports confirmed missing on the Garmin side are
recorded and not retried. Already backed up activities cost nothing.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		formats, err := garmin.ParseFormats(backupFormats)
		if err != nil {
			return err
		}
		if backupWorkers > 0 {
			cfg.Workers = backupWorkers
		}
		if backupMaxRetries > 0 {
			cfg.MaxRetries = backupMaxRetries
		}
		if err := os.MkdirAll(cfg.BackupDir, 0o755); err != nil {
			return fmt.Errorf("failed to create backup directory: %w", err)
		}

		client, err := connect(ctx, cfg)
		if err != nil {
			return err
		}

		var index backup.Recorder
		if cfg.IndexPath != "" {
			idx, err := db.Open(cfg.IndexPath)
			if err != nil {
				return err
			}
			defer idx.Close()
			index = idx
		}

		engine := backup.New(client, client, backup.Options{
			Dir:        cfg.BackupDir,
			Formats:    formats,
			Workers:    cfg.Workers,
			MaxRetries: uint64(cfg.MaxRetries),
			Index:      index,
			Logger:     logger,
		})

		start := time.Now()
		report, err := engine.Run(ctx)
		if report != nil {
			printReport(report, time.Since(start))
		}
		if err != nil {
			return fmt.Errorf("backup failed: %w", err)
		}
		return nil
	},
}

func printReport(report *backup.Report, elapsed time.Duration) {
	skipped, synced, partial, failed := report.Counts()
	fmt.Printf("\nBackup summary (%s):\n", elapsed.Round(time.Second))
	fmt.Printf("  already backed up: %d\n", skipped)
	fmt.Printf("  synced:            %d\n", synced)
	fmt.Printf("  partially synced:  %d (some formats unavailable)\n", partial)
	fmt.Printf("  failed:            %d\n", failed)
	for _, res := range report.Failed() {
		for _, ae := range res.Errors {
			fmt.Printf("  ❌ activity %d %s: %v\n", res.Activity.ID, ae.Format, ae.Err)
		}
	}
	if report.CatalogErr != nil {
		fmt.Printf("  ⚠️ activity listing ended early: %v\n", report.CatalogErr)
	}
}

func init() {
	backupCmd.Flags().StringSliceVar(&backupFormats, "format", nil,
		"Export formats to back up (gpx, tcx, fit, json_summary, json_details; default all)")
	backupCmd.Flags().IntVar(&backupWorkers, "workers", 0, "Concurrent activity downloads (default 4)")
	backupCmd.Flags().IntVar(&backupMaxRetries, "max-retries", 0, "Maximum retry attempts per artifact (default 7)")

	rootCmd.AddCommand(backupCmd)
}
