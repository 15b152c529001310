// Package config holds the daemon's persisted configuration, adapted from
// the teacher's internal/config: same JSON-file-in-OS-config-dir idiom,
// same Validate-with-CLI-hints shape, generalised to clapcore's fields
// (§3.1).
package config

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"time"
)

const configFile = "config.json"

// StorageDriver selects which storage.Backend(s) the daemon writes
// through. "all" fans out to every configured backend.
type StorageDriver string

const (
	StorageSQLite     StorageDriver = "sqlite"
	StorageFilesystem StorageDriver = "filesystem"
	StorageRemote     StorageDriver = "remote"
	StorageAll        StorageDriver = "all"
)

// Config holds the application configuration persisted to disk.
type Config struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
	ProjectID    string `json:"project_id,omitempty"`

	NotificationSubscription string `json:"notification_subscription"`
	PullURL                  string `json:"pull_url"`
	CloudAPIBaseURL          string `json:"cloud_api_base_url"`
	OAuthTokenURL            string `json:"oauth_token_url"`

	StorageRoot   string        `json:"storage_root"`
	StorageDriver StorageDriver `json:"storage_driver"`
	RemoteBaseURL string        `json:"remote_base_url,omitempty"`

	SleepMode         string `json:"sleep_mode"`
	NoSleepPrevention bool   `json:"no_sleep_prevention"`

	// WakeMonitorEnabled turns on each Live-View Client's background Wake
	// Monitor (§4.4): on an outage that looks like a system sleep, the
	// client restarts its connection rather than waiting for the session
	// timeout to expire it. Off by default since most deployments run on
	// hosts that don't sleep.
	WakeMonitorEnabled bool `json:"wake_monitor_enabled"`

	// Per-kind recording duration overrides; zero means "use the kind's
	// default" (ding=30s, motion=20s), per §3.
	DingDuration   time.Duration `json:"ding_duration,omitempty"`
	MotionDuration time.Duration `json:"motion_duration,omitempty"`
}

// Load reads the config from the config directory. Returns an empty config if
// the file doesn't exist.
func Load() (*Config, error) {
	dir, err := Dir()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(dir, configFile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &Config{}, nil
		}
		return nil, err
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Save writes the config to the config directory.
func (c *Config) Save() error {
	dir, err := EnsureDir()
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, configFile), data, 0600)
}

// Validate checks that required fields are present, each error saying how
// to supply the missing value: the auth subcommand for the OAuth client
// fields, the config file for the rest.
func (c *Config) Validate() error {
	if c.ClientID == "" {
		return errors.New("client_id not configured (run: clapcored auth)")
	}
	if c.ClientSecret == "" {
		return errors.New("client_secret not configured (run: clapcored auth)")
	}
	if c.NotificationSubscription == "" {
		return errors.New("notification_subscription not configured (set it in the config file)")
	}
	if c.StorageRoot == "" {
		return errors.New("storage_root not configured (set it in the config file)")
	}
	switch c.StorageDriver {
	case StorageSQLite, StorageFilesystem, StorageRemote, StorageAll:
	case "":
		return errors.New("storage_driver not configured (set it in the config file to one of sqlite, filesystem, remote, all)")
	default:
		return errors.New("storage_driver must be one of sqlite, filesystem, remote, all")
	}
	if (c.StorageDriver == StorageRemote || c.StorageDriver == StorageAll) && c.RemoteBaseURL == "" {
		return errors.New("remote_base_url required when storage_driver is remote or all")
	}
	return nil
}
