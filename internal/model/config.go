package model

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// AccountConfig holds the configuration for a single mail account.
type AccountConfig struct {
	// ID is the unique identifier for this account.
	ID string `mapstructure:"id" yaml:"id"`

	// Name is the user-defined label for this account.
	Name string `mapstructure:"name" yaml:"name"`

	// Host is the IMAP server hostname.
	Host string `mapstructure:"host" yaml:"host"`

	// Port is the IMAP server port (993 for implicit TLS, 143 for
	// STARTTLS).
	Port int `mapstructure:"port" yaml:"port"`

	// TLS selects implicit TLS; when false the connection starts in
	// plaintext and upgrades via STARTTLS.
	TLS bool `mapstructure:"tls" yaml:"tls"`

	// Username is the login name. The password is resolved from the
	// system keyring unless Password is set inline.
	Username string `mapstructure:"username" yaml:"username"`

	// Password optionally inlines the secret for development setups.
	Password string `mapstructure:"password" yaml:"password"`

	// SMTPHost is the submission server hostname; defaults to Host.
	SMTPHost string `mapstructure:"smtp_host" yaml:"smtp_host"`

	// SMTPPort is the submission port (465 implicit TLS, 587 STARTTLS).
	SMTPPort int `mapstructure:"smtp_port" yaml:"smtp_port"`

	// FromAddress is the envelope sender for outgoing mail; defaults
	// to Username.
	FromAddress string `mapstructure:"from_address" yaml:"from_address"`

	// Folders lists the folders synced on the periodic schedule.
	Folders []string `mapstructure:"folders" yaml:"folders"`

	// Enabled controls whether this account is synced at all.
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
}

// SchedulerConfig tunes the task manager's retry and priority policy.
type SchedulerConfig struct {
	// MaxAttempts bounds how often a transiently failing unit is
	// re-planned before the failure becomes permanent.
	MaxAttempts int `mapstructure:"max_attempts" yaml:"max_attempts"`

	// BackoffInitial is the first retry delay, as a duration string.
	BackoffInitial string `mapstructure:"backoff_initial" yaml:"backoff_initial"`

	// BackoffMax caps the retry delay.
	BackoffMax string `mapstructure:"backoff_max" yaml:"backoff_max"`

	// BackoffMultiplier grows the delay between attempts.
	BackoffMultiplier float64 `mapstructure:"backoff_multiplier" yaml:"backoff_multiplier"`

	// BackoffJitter randomizes each delay by the given factor.
	BackoffJitter float64 `mapstructure:"backoff_jitter" yaml:"backoff_jitter"`

	// EventBuffer sizes each lifecycle event subscription channel.
	EventBuffer int `mapstructure:"event_buffer" yaml:"event_buffer"`
}

// SyncConfig controls the periodic folder-sync schedule. Cron wins
// over Interval when both are set.
type SyncConfig struct {
	Interval string `mapstructure:"interval" yaml:"interval"`
	Cron     string `mapstructure:"cron" yaml:"cron"`
}

// LoggingConfig selects log verbosity and destination.
type LoggingConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
	Path   string `mapstructure:"path" yaml:"path"`
}

// DatabaseConfig locates the durable store.
type DatabaseConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
}

// Config is the top-level engine configuration.
type Config struct {
	Database  DatabaseConfig  `mapstructure:"database" yaml:"database"`
	Logging   LoggingConfig   `mapstructure:"logging" yaml:"logging"`
	Scheduler SchedulerConfig `mapstructure:"scheduler" yaml:"scheduler"`
	Sync      SyncConfig      `mapstructure:"sync" yaml:"sync"`
	Accounts  []AccountConfig `mapstructure:"accounts" yaml:"accounts"`
}

// DefaultConfigPath returns the default path for the configuration
// file, located at ~/.config/mailsync/config.yaml.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "config.yaml")
	}
	return filepath.Join(home, ".config", "mailsync", "config.yaml")
}

// defaultDatabasePath places the store under the user's data dir.
func defaultDatabasePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "mailsync.db")
	}
	return filepath.Join(home, ".local", "share", "mailsync", "mailsync.db")
}

// defaultConfig returns a sensible default configuration.
func defaultConfig() *Config {
	return &Config{
		Database: DatabaseConfig{Path: defaultDatabasePath()},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Scheduler: SchedulerConfig{
			MaxAttempts:       5,
			BackoffInitial:    "500ms",
			BackoffMax:        "30s",
			BackoffMultiplier: 2.0,
			BackoffJitter:     0.5,
			EventBuffer:       256,
		},
		Sync: SyncConfig{Interval: "5m"},
	}
}

// LoadConfig reads configuration from the given YAML file path using
// Viper. If the file does not exist, it returns a default
// configuration.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	// Set defaults so missing keys resolve to sensible values.
	v.SetDefault("database.path", defaultDatabasePath())
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("scheduler.max_attempts", 5)
	v.SetDefault("scheduler.backoff_initial", "500ms")
	v.SetDefault("scheduler.backoff_max", "30s")
	v.SetDefault("scheduler.backoff_multiplier", 2.0)
	v.SetDefault("scheduler.backoff_jitter", 0.5)
	v.SetDefault("scheduler.event_buffer", 256)
	v.SetDefault("sync.interval", "5m")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(*os.PathError); ok {
			return defaultConfig(), nil
		}
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return defaultConfig(), nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	cfg := defaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	// Apply defaults for each account entry.
	for i := range cfg.Accounts {
		acct := &cfg.Accounts[i]
		if acct.SMTPHost == "" {
			acct.SMTPHost = acct.Host
		}
		if acct.SMTPPort == 0 {
			acct.SMTPPort = 587
		}
		if acct.FromAddress == "" {
			acct.FromAddress = acct.Username
		}
		if len(acct.Folders) == 0 {
			acct.Folders = []string{"INBOX"}
		}
		if !acct.Enabled {
			// Viper unmarshals missing bools as false; treat unset as true.
			key := fmt.Sprintf("accounts.%d.enabled", i)
			if !v.IsSet(key) {
				acct.Enabled = true
			}
		}
	}

	return cfg, nil
}

// SaveConfig writes the given configuration to a YAML file at path,
// creating parent directories if needed.
func SaveConfig(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating config directory %s: %w", dir, err)
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.Set("database", cfg.Database)
	v.Set("logging", cfg.Logging)
	v.Set("scheduler", cfg.Scheduler)
	v.Set("sync", cfg.Sync)
	v.Set("accounts", cfg.Accounts)

	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}

	return nil
}

// WatchConfig watches the configuration file and invokes onChange on
// every write. It returns immediately; the watch runs until process
// exit.
func WatchConfig(path string, onChange func()) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.OnConfigChange(func(_ fsnotify.Event) { onChange() })
	v.WatchConfig()
}

// Account looks up an account by id.
func (c *Config) Account(id string) (AccountConfig, bool) {
	for _, a := range c.Accounts {
		if a.ID == id {
			return a, true
		}
	}
	return AccountConfig{}, false
}

// BackoffDurations parses the scheduler backoff strings, falling back
// to the defaults on malformed values.
func (s SchedulerConfig) BackoffDurations() (initial, max time.Duration) {
	initial, err := time.ParseDuration(s.BackoffInitial)
	if err != nil || initial <= 0 {
		initial = 500 * time.Millisecond
	}
	max, err = time.ParseDuration(s.BackoffMax)
	if err != nil || max <= 0 {
		max = 30 * time.Second
	}
	return initial, max
}
