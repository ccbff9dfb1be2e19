package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/sstent/garminbackup/internal/backup"
	"github.com/sstent/garminbackup/internal/garmin"
)

var getFormats []string

var getCmd = &cobra.Command{
	Use:   "get <activity-id>",
	Short: "Export a single activity to the backup directory",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid activity id %q", args[0])
		}
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		formats, err := garmin.ParseFormats(getFormats)
		if err != nil {
			return err
		}
		if err := os.MkdirAll(cfg.BackupDir, 0o755); err != nil {
			return fmt.Errorf("failed to create backup directory: %w", err)
		}

		client, err := connect(ctx, cfg)
		if err != nil {
			return err
		}
		activity, err := client.Activity(ctx, id)
		if err != nil {
			return fmt.Errorf("failed to look up activity %d: %w", id, err)
		}

		for _, format := range formats {
			data, available, err := client.Export(ctx, activity, format)
			if err != nil {
				return fmt.Errorf("failed to export %s: %w", format, err)
			}
			if !available {
				fmt.Printf("⚠️ no %s export exists for activity %d\n", format, id)
				continue
			}
			path := filepath.Join(cfg.BackupDir, activity.Filename(format))
			if err := backup.WriteAtomic(path, data); err != nil {
				return err
			}
			fmt.Printf("✅ wrote %s\n", path)
		}
		return nil
	},
}

func init() {
	getCmd.Flags().StringSliceVar(&getFormats, "format", nil,
		"Export formats to fetch (default all)")

	rootCmd.AddCommand(getCmd)
}
