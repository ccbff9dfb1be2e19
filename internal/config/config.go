// Package config loads application configuration from the environment.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds application configuration. Credentials live only in
// memory for the lifetime of the process and are never written out.
type Config struct {
	Email          string
	Password       string
	BackupDir      string
	IndexPath      string
	Formats        []string
	Workers        int
	MaxRetries     int
	RequestSpacing time.Duration
	Profile        string
	Debug          bool
}

// Load reads configuration from GARMINBACKUP_* environment variables,
// falling back to defaults. Command flags override individual fields
// after loading.
func Load() (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("GARMINBACKUP")
	v.AutomaticEnv()

	v.SetDefault("backup_dir", "activities")
	v.SetDefault("index_path", "")
	v.SetDefault("workers", 4)
	v.SetDefault("max_retries", 7)
	v.SetDefault("request_spacing", "1s")
	v.SetDefault("profile", "chrome")

	cfg := &Config{
		Email:          v.GetString("email"),
		Password:       v.GetString("password"),
		BackupDir:      v.GetString("backup_dir"),
		IndexPath:      v.GetString("index_path"),
		Formats:        v.GetStringSlice("formats"),
		Workers:        v.GetInt("workers"),
		MaxRetries:     v.GetInt("max_retries"),
		RequestSpacing: v.GetDuration("request_spacing"),
		Profile:        v.GetString("profile"),
	}
	return cfg, nil
}

// RequireCredentials verifies that credentials are set, for the
// commands that talk to Garmin Connect.
func (c *Config) RequireCredentials() error {
	if c.Email == "" || c.Password == "" {
		return fmt.Errorf("GARMINBACKUP_EMAIL and GARMINBACKUP_PASSWORD environment variables are required")
	}
	return nil
}
