package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sstent/garminbackup/internal/backup"
	"github.com/sstent/garminbackup/internal/db"
	"github.com/sstent/garminbackup/internal/garmin"
)

var (
	listMissing  bool
	listBackedUp bool
	listFormats  []string
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List activities and their local backup status",
	Long: `Lists activities from Garmin Connect with their local backup
status. By default every activity is shown; --missing and --backed-up
narrow the listing.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		formats, err := garmin.ParseFormats(listFormats)
		if err != nil {
			return err
		}

		state, err := backup.ScanDir(cfg.BackupDir)
		if err != nil {
			return err
		}

		client, err := connect(ctx, cfg)
		if err != nil {
			return err
		}

		var index *db.Index
		if cfg.IndexPath != "" {
			if index, err = db.Open(cfg.IndexPath); err != nil {
				return err
			}
			defer index.Close()
		}

		total := 0
		for activity, err := range client.Activities(ctx) {
			if err != nil {
				return fmt.Errorf("failed to list activities: %w", err)
			}
			if index != nil {
				if ierr := index.RecordActivity(activity); ierr != nil {
					logger.Warn().Err(ierr).Int64("activity", activity.ID).Msg("failed to index activity")
				}
			}
			backedUp := true
			for _, f := range formats {
				if !state.Has(activity.ID, f) {
					backedUp = false
					break
				}
			}
			if (listMissing && backedUp) || (listBackedUp && !backedUp) {
				continue
			}
			status := "❌ Not backed up"
			if backedUp {
				status = "✅ Backed up"
			}
			fmt.Printf("ID: %d | %s | %-12s | %s\n",
				activity.ID,
				activity.StartTime.Format("2006-01-02 15:04:05"),
				activity.Type,
				status)
			total++
		}
		fmt.Printf("\nTotal: %d activities\n", total)
		return nil
	},
}

func init() {
	listCmd.Flags().BoolVar(&listMissing, "missing", false, "List only activities that are not fully backed up")
	listCmd.Flags().BoolVar(&listBackedUp, "backed-up", false, "List only activities that are fully backed up")
	listCmd.Flags().StringSliceVar(&listFormats, "format", nil, "Formats considered when judging backup status (default all)")
	listCmd.MarkFlagsMutuallyExclusive("missing", "backed-up")

	rootCmd.AddCommand(listCmd)
}
