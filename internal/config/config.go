// Package config manages lens selector configuration.
//
// Settings come from the process environment, optionally seeded from a .env
// file in the config directory (LENS_SELECTOR_CONFIG_DIR) and from a .env in
// the working directory. Variables already present in the environment win
// over values from either file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Gravitate-Health/lens-selector-git/internal/logging"
	"github.com/Gravitate-Health/lens-selector-git/internal/repository"
	"github.com/Gravitate-Health/lens-selector-git/internal/utils"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

const (
	DefaultConfigDir       = "/etc/lens-selector"
	DefaultBindHost        = "0.0.0.0"
	DefaultPort            = 3000
	DefaultMetricsPort     = 9091
	DefaultCacheTTL        = 5 * time.Minute
	DefaultRefreshInterval = 10 * time.Minute
	DefaultFetchRate       = 6
	DefaultRateLimit       = 300

	DefaultHistoryRetention = 7 * 24 * time.Hour
)

// Mu guards the fields ConfigWatcher updates at runtime.
var Mu sync.RWMutex

// Config holds all application configuration
type Config struct {
	// Repository settings
	RepoURL          string
	Branch           string
	LensPath         string
	WorkDir          string
	GitBinary        string
	FetchesPerMinute int
	IgnorePatterns   []string

	// Cache settings
	CacheTTL        time.Duration
	RefreshInterval time.Duration

	// Server settings
	BindHost       string
	Port           int
	MetricsPort    int
	AllowedOrigins string

	// Requests per minute per client, 0 disables limiting
	RateLimitPerMinute int

	// Refresh history database; "off" disables it
	HistoryDBPath    string
	HistoryRetention time.Duration

	// Logging settings
	LogLevel  string
	LogFormat string

	ConfigDir string

	// Track which settings are overridden by environment variables
	EnvOverrides map[string]bool `json:"-"`
}

var (
	statFn        = os.Stat
	loadDotenvFn  = godotenv.Load
	defaultTmpDir = os.TempDir
)

// Load builds the configuration from .env files and the environment.
func Load() (*Config, error) {
	configDir := DefaultConfigDir
	if dir := utils.GetenvTrim("LENS_SELECTOR_CONFIG_DIR"); dir != "" {
		configDir = dir
	}

	// Load .env file if it exists (for deployment overrides)
	envFile := filepath.Join(configDir, ".env")
	if _, err := statFn(envFile); err == nil {
		if err := loadDotenvFn(envFile); err != nil {
			log.Warn().Err(err).Str("file", envFile).Msg("Failed to load .env file")
		} else {
			log.Info().Str("file", envFile).Msg("Loaded .env file for deployment overrides")
		}
	}

	// Also try loading from current directory for development
	if err := loadDotenvFn(); err == nil {
		log.Info().Msg("Loaded configuration from .env in current directory")
	}

	cfg := &Config{
		Branch:             repository.DefaultBranch,
		WorkDir:            filepath.Join(defaultTmpDir(), "lens-selector"),
		GitBinary:          repository.DefaultGitBinary,
		FetchesPerMinute:   DefaultFetchRate,
		RateLimitPerMinute: DefaultRateLimit,
		CacheTTL:           DefaultCacheTTL,
		RefreshInterval:    DefaultRefreshInterval,
		HistoryRetention:   DefaultHistoryRetention,
		BindHost:           DefaultBindHost,
		Port:               DefaultPort,
		MetricsPort:        DefaultMetricsPort,
		LogLevel:           "info",
		LogFormat:          "auto",
		ConfigDir:          configDir,
		EnvOverrides:       make(map[string]bool),
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	setString := func(key, field string, dst *string) {
		if v := utils.GetenvTrim(key); v != "" {
			*dst = v
			c.EnvOverrides[field] = true
		}
	}
	setInt := func(key, field string, dst *int) error {
		v := utils.GetenvTrim(key)
		if v == "" {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", key, v, err)
		}
		*dst = n
		c.EnvOverrides[field] = true
		return nil
	}
	setDuration := func(key, field string, dst *time.Duration) error {
		v := utils.GetenvTrim(key)
		if v == "" {
			return nil
		}
		d, err := utils.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", key, err)
		}
		*dst = d
		c.EnvOverrides[field] = true
		return nil
	}

	setString("GIT_REPO_URL", "repoURL", &c.RepoURL)
	setString("GIT_BRANCH", "branch", &c.Branch)
	setString("LENS_PATH", "lensPath", &c.LensPath)
	setString("LENS_WORK_DIR", "workDir", &c.WorkDir)
	setString("GIT_BINARY", "gitBinary", &c.GitBinary)
	setString("BIND_HOST", "bindHost", &c.BindHost)
	setString("ALLOWED_ORIGINS", "allowedOrigins", &c.AllowedOrigins)
	setString("LOG_LEVEL", "logLevel", &c.LogLevel)
	setString("LOG_FORMAT", "logFormat", &c.LogFormat)
	setString("HISTORY_DB_PATH", "historyDBPath", &c.HistoryDBPath)

	if v := utils.GetenvTrim("LENS_IGNORE_PATTERNS"); v != "" {
		c.IgnorePatterns = utils.SplitList(v)
		c.EnvOverrides["ignorePatterns"] = true
	}

	if err := setInt("PORT", "port", &c.Port); err != nil {
		return err
	}
	if err := setInt("METRICS_PORT", "metricsPort", &c.MetricsPort); err != nil {
		return err
	}
	if err := setInt("FETCH_RATE_PER_MINUTE", "fetchesPerMinute", &c.FetchesPerMinute); err != nil {
		return err
	}
	if err := setInt("API_RATE_LIMIT", "rateLimitPerMinute", &c.RateLimitPerMinute); err != nil {
		return err
	}
	if err := setDuration("CACHE_TTL", "cacheTTL", &c.CacheTTL); err != nil {
		return err
	}
	if err := setDuration("REFRESH_INTERVAL", "refreshInterval", &c.RefreshInterval); err != nil {
		return err
	}
	if err := setDuration("HISTORY_RETENTION", "historyRetention", &c.HistoryRetention); err != nil {
		return err
	}

	if c.EnvOverrides["logLevel"] {
		log.Debug().Str("level", c.LogLevel).Msg("Log level overridden by LOG_LEVEL env var")
	}
	return nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if strings.TrimSpace(c.RepoURL) == "" {
		return fmt.Errorf("GIT_REPO_URL is required")
	}
	if err := c.Coordinates().Validate(); err != nil {
		return err
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	if c.MetricsPort < 0 || c.MetricsPort > 65535 {
		return fmt.Errorf("invalid metrics port: %d", c.MetricsPort)
	}
	if c.MetricsPort != 0 && c.MetricsPort == c.Port {
		return fmt.Errorf("metrics port must differ from port %d", c.Port)
	}
	if c.CacheTTL < 0 {
		return fmt.Errorf("cache TTL must not be negative")
	}
	if c.RefreshInterval < 0 {
		return fmt.Errorf("refresh interval must not be negative")
	}
	if c.RefreshInterval > 0 && c.RefreshInterval < time.Second {
		return fmt.Errorf("refresh interval must be at least 1 second")
	}
	if c.FetchesPerMinute < 0 {
		return fmt.Errorf("fetch rate must not be negative")
	}
	if c.RateLimitPerMinute < 0 {
		return fmt.Errorf("API rate limit must not be negative")
	}
	if c.HistoryRetention < 0 {
		return fmt.Errorf("history retention must not be negative")
	}
	if !logging.ValidLevel(c.LogLevel) {
		return fmt.Errorf("invalid log level %q", c.LogLevel)
	}
	return nil
}

// Coordinates returns the repository coordinates lenses are served from.
func (c *Config) Coordinates() repository.Coordinates {
	return repository.Coordinates{
		URL:    c.RepoURL,
		Branch: c.Branch,
		Path:   c.LensPath,
	}
}

// CurrentCoordinates reads Coordinates under Mu, for use while a watcher runs.
func (c *Config) CurrentCoordinates() repository.Coordinates {
	Mu.RLock()
	defer Mu.RUnlock()
	return c.Coordinates()
}

// ListenAddr is the API listen address.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.BindHost, c.Port)
}

// MetricsAddr is the metrics listen address, empty when disabled.
func (c *Config) MetricsAddr() string {
	if c.MetricsPort == 0 {
		return ""
	}
	return fmt.Sprintf("%s:%d", c.BindHost, c.MetricsPort)
}

// HistoryPath is the refresh history database file, empty when disabled.
func (c *Config) HistoryPath() string {
	switch strings.ToLower(c.HistoryDBPath) {
	case "off", "none", "disabled", "false":
		return ""
	case "":
		return filepath.Join(c.WorkDir, "history.db")
	}
	return c.HistoryDBPath
}

// EnvPath is the .env file watched for runtime changes.
func (c *Config) EnvPath() string {
	dir := c.ConfigDir
	if dir == "" {
		dir = DefaultConfigDir
	}
	return filepath.Join(dir, ".env")
}
