// Package cmd wires the garminbackup command tree.
package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/sstent/garminbackup/internal/config"
	"github.com/sstent/garminbackup/internal/garmin"
)

var (
	flagBackupDir string
	flagIndexPath string
	flagDebug     bool

	logger zerolog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "garminbackup",
	Short: "garminbackup performs incremental backups of Garmin Connect activities",
	Long: `garminbackup is a CLI application that:
1. Authenticates with Garmin Connect
2. Lists activities and their local backup status
3. Incrementally downloads missing activity exports (gpx, tcx, fit, json)
4. Optionally tracks activity metadata in a SQLite index`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level := zerolog.InfoLevel
		if flagDebug {
			level = zerolog.DebugLevel
		}
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly}).
			Level(level).With().Timestamp().Logger()
	},
}

// Execute runs the command tree under the given context.
func Execute(ctx context.Context) {
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagBackupDir, "backup-dir", "", "Backup directory (default $GARMINBACKUP_BACKUP_DIR or ./activities)")
	rootCmd.PersistentFlags().StringVar(&flagIndexPath, "index", "", "SQLite index path (default $GARMINBACKUP_INDEX_PATH; empty disables the index)")
	rootCmd.PersistentFlags().BoolVar(&flagDebug, "debug", false, "Enable debug logging")
}

// loadConfig loads the environment config and applies flag overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if flagBackupDir != "" {
		cfg.BackupDir = flagBackupDir
	}
	if flagIndexPath != "" {
		cfg.IndexPath = flagIndexPath
	}
	cfg.Debug = flagDebug
	return cfg, nil
}

// connect authenticates against Garmin Connect and returns a client
// ready for catalog and export calls.
func connect(ctx context.Context, cfg *config.Config) (*garmin.Client, error) {
	if err := cfg.RequireCredentials(); err != nil {
		return nil, err
	}
	profile, err := garmin.ParseProfile(cfg.Profile)
	if err != nil {
		return nil, err
	}
	transport, err := garmin.NewBrowserTransport(garmin.TransportOptions{
		Profile:        profile,
		RequestSpacing: cfg.RequestSpacing,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create transport: %w", err)
	}
	auth, err := garmin.NewAuthenticator(transport, garmin.AuthOptions{Logger: logger})
	if err != nil {
		return nil, err
	}
	fmt.Println("Authenticating with Garmin Connect...")
	session, err := auth.Authenticate(ctx, garmin.Credentials{
		Email:    cfg.Email,
		Password: cfg.Password,
	})
	if err != nil {
		return nil, fmt.Errorf("authentication failed: %w", err)
	}
	return garmin.NewClient(session, garmin.ClientOptions{Logger: logger}), nil
}
