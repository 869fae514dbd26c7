// Package platform holds the hub's configuration surface and the component
// lifecycle used by the server assembly.
package platform

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/txn2/update-hub/pkg/auth"
	"github.com/txn2/update-hub/pkg/hub"
	"github.com/txn2/update-hub/pkg/pack"
	"github.com/txn2/update-hub/pkg/ratelimit"
)

// Config holds the complete hub configuration.
type Config struct {
	Server     ServerConfig                                    `yaml:"server"`
	Logging    LoggingConfig                                   `yaml:"logging"`
	Database   DatabaseConfig                                  `yaml:"database"`
	Auth       auth.Config                                     `yaml:"auth"`
	RateLimits map[ratelimit.Category]ratelimit.CategoryConfig `yaml:"rate_limits"`
	Hub        hub.Config                                      `yaml:"hub"`
	Storage    StorageConfig                                   `yaml:"storage"`
	Packages   PackagesConfig                                  `yaml:"packages"`
	Download   DownloadConfig                                  `yaml:"download"`
	Analytics  AnalyticsConfig                                 `yaml:"analytics"`
	Sessions   SessionsConfig                                  `yaml:"sessions"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Address         string        `yaml:"address"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level"`

	// Format is "json" or "text".
	Format string `yaml:"format"`
}

// DatabaseConfig configures the PostgreSQL connection.
type DatabaseConfig struct {
	DSN          string `yaml:"dsn"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

// StorageConfig configures package content storage.
type StorageConfig struct {
	// Dir is the filesystem directory holding package content.
	Dir string `yaml:"dir"`
}

// PackagesConfig bounds uploaded packages.
type PackagesConfig struct {
	AllowedExtensions map[string]string `yaml:"allowed_extensions"`
	MaxPackageBytes   int64             `yaml:"max_package_bytes"`
	MaxEntries        int               `yaml:"max_entries"`
	ManifestName      string            `yaml:"manifest_name"`
	MaxManifestBytes  int64             `yaml:"max_manifest_bytes"`
}

// Validation converts the section to the validator's config.
func (c PackagesConfig) Validation() pack.Config {
	return pack.Config{
		AllowedExtensions: c.AllowedExtensions,
		MaxPackageBytes:   c.MaxPackageBytes,
		MaxEntries:        c.MaxEntries,
		ManifestName:      c.ManifestName,
		MaxManifestBytes:  c.MaxManifestBytes,
	}
}

// DownloadConfig configures transfer bookkeeping.
type DownloadConfig struct {
	// SweepInterval is how often stale sessions are reclassified.
	SweepInterval time.Duration `yaml:"sweep_interval"`

	// StaleAfter is how long a session may sit idle before the sweep marks
	// it failed.
	StaleAfter time.Duration `yaml:"stale_after"`
}

// AnalyticsConfig configures event recording.
type AnalyticsConfig struct {
	// Enabled selects database persistence; when false events go to the log
	// only.
	Enabled bool `yaml:"enabled"`

	RetentionDays   int           `yaml:"retention_days"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// SessionsConfig configures durable socket session records.
type SessionsConfig struct {
	// Persist selects database persistence for session records.
	Persist bool `yaml:"persist"`

	CleanupInterval time.Duration `yaml:"cleanup_interval"`

	// RetainFor is how long disconnected records are kept.
	RetainFor time.Duration `yaml:"retain_for"`
}

// LoadConfig reads, env-expands, parses, and defaults a config file.
func LoadConfig(path string) (*Config, error) {
	// #nosec G304 -- path is from CLI args, controlled by the operator
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	data = []byte(expandEnvVars(string(data)))

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	cfg.ApplyDefaults()
	return &cfg, nil
}

// expandEnvVars expands ${VAR} patterns in the string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)
	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := match[2 : len(match)-1]
		return os.Getenv(varName)
	})
}

// ApplyDefaults fills zero-valued fields.
func (c *Config) ApplyDefaults() {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 30 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		// Package transfers are long-lived; the write timeout covers
		// handler latency, not streaming.
		c.Server.WriteTimeout = 10 * time.Minute
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 15 * time.Second
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Database.MaxOpenConns == 0 {
		c.Database.MaxOpenConns = 25
	}
	if c.Database.MaxIdleConns == 0 {
		c.Database.MaxIdleConns = 5
	}
	if c.RateLimits == nil {
		c.RateLimits = ratelimit.DefaultConfigs()
	} else {
		for category, def := range ratelimit.DefaultConfigs() {
			if _, ok := c.RateLimits[category]; !ok {
				c.RateLimits[category] = def
			}
		}
	}
	if c.Storage.Dir == "" {
		c.Storage.Dir = "data/packages"
	}
	if c.Download.SweepInterval == 0 {
		c.Download.SweepInterval = time.Minute
	}
	if c.Download.StaleAfter == 0 {
		c.Download.StaleAfter = 30 * time.Minute
	}
	if c.Analytics.RetentionDays == 0 {
		c.Analytics.RetentionDays = 90
	}
	if c.Analytics.CleanupInterval == 0 {
		c.Analytics.CleanupInterval = time.Hour
	}
	if c.Sessions.CleanupInterval == 0 {
		c.Sessions.CleanupInterval = 10 * time.Minute
	}
	if c.Sessions.RetainFor == 0 {
		c.Sessions.RetainFor = 24 * time.Hour
	}
}

// Validate checks the configuration for operator mistakes.
func (c *Config) Validate() error {
	var errs []string

	if c.Database.DSN == "" {
		errs = append(errs, "database.dsn is required")
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Sprintf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level))
	}
	switch c.Logging.Format {
	case "json", "text":
	default:
		errs = append(errs, fmt.Sprintf("logging.format %q is not json or text", c.Logging.Format))
	}
	for category, rl := range c.RateLimits {
		if rl.Limit <= 0 {
			errs = append(errs, fmt.Sprintf("rate_limits.%s.limit must be positive", category))
		}
		if rl.Window <= 0 {
			errs = append(errs, fmt.Sprintf("rate_limits.%s.window must be positive", category))
		}
	}
	for i, key := range c.Auth.APIKeys {
		if key.Name == "" {
			errs = append(errs, fmt.Sprintf("auth.api_keys[%d].name is required", i))
		}
		if !strings.HasPrefix(key.Hash, "$2") {
			errs = append(errs, fmt.Sprintf("auth.api_keys[%d].hash is not a bcrypt hash", i))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(errs, "; "))
	}
	return nil
}
