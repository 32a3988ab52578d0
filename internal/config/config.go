// Package config loads settings for both binaries from apptrack.yaml files
// and APPTRACK_* environment variables, with sane defaults for everything
// except the API base URL.
package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds application configuration for the agent and the collector.
type Config struct {
	Verbose bool `mapstructure:"verbose"`

	API       APIConfig       `mapstructure:"api"`
	Monitor   MonitorConfig   `mapstructure:"monitor"`
	Location  LocationConfig  `mapstructure:"location"`
	Logs      LogsConfig      `mapstructure:"logs"`
	DB        DBConfig        `mapstructure:"db"`
	Server    HTTPConfig      `mapstructure:"server"`
	Admin     AdminConfig     `mapstructure:"admin"`
	SMTP      SMTPConfig      `mapstructure:"smtp"`
	Overrides OverridesConfig `mapstructure:"overrides"`
}

// APIConfig points the agent at the collector.
type APIConfig struct {
	BaseURL string `mapstructure:"base_url"`
}

// MonitorConfig controls the process watch loop.
type MonitorConfig struct {
	ProcessNames []string `mapstructure:"process_names"`
	// ObserveProcesses are companion tool executables whose presence is
	// logged as session activity while a session is open.
	ObserveProcesses []string      `mapstructure:"observe_processes"`
	PollInterval     time.Duration `mapstructure:"poll_interval"`
	Debounce         int           `mapstructure:"debounce"`
	GraceDelay       time.Duration `mapstructure:"grace_delay"`
	CrashLookback    time.Duration `mapstructure:"crash_lookback"`
}

// LocationConfig controls geolocation. Disabled by default; resolving
// location means shipping the machine's public IP to third parties.
type LocationConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	CacheTTL  time.Duration `mapstructure:"cache_ttl"`
	CachePath string        `mapstructure:"cache_path"`
}

// LogsConfig points the agent at the tracked app's log directory.
type LogsConfig struct {
	Dir string `mapstructure:"dir"`
}

// DBConfig is the collector's Postgres connection.
type DBConfig struct {
	DSN string `mapstructure:"dsn"`
}

// HTTPConfig is the collector's listen settings.
type HTTPConfig struct {
	Addr        string   `mapstructure:"addr"`
	CORSOrigins []string `mapstructure:"cors_origins"`
}

// AdminConfig gates the admin endpoints.
type AdminConfig struct {
	Token string `mapstructure:"token"`
}

// SMTPConfig is the crash alert mail account.
type SMTPConfig struct {
	Host       string `mapstructure:"host"`
	Port       int    `mapstructure:"port"`
	User       string `mapstructure:"user"`
	Password   string `mapstructure:"password"`
	FromEmail  string `mapstructure:"from_email"`
	AdminEmail string `mapstructure:"admin_email"`
}

// OverridesConfig forces parts of the computed machine identity, mainly for
// shared machines and test rigs.
type OverridesConfig struct {
	Username string `mapstructure:"username"`
	UserID   string `mapstructure:"user_id"`
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Monitor: MonitorConfig{
			ProcessNames:  []string{"trackedapp"},
			PollInterval:  time.Second,
			Debounce:      1,
			GraceDelay:    3 * time.Second,
			CrashLookback: 10 * time.Minute,
		},
		Location: LocationConfig{
			Enabled: false,
			// Minutes, not days: a cached location must age out within a
			// work session.
			CacheTTL: 15 * time.Minute,
		},
		Server: HTTPConfig{
			Addr: ":8080",
		},
		SMTP: SMTPConfig{
			Port: 587,
		},
	}
}

// Load loads configuration from files and environment.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("apptrack")
	v.SetConfigType("yaml")

	// Config paths, lowest precedence first.
	v.AddConfigPath("/etc/apptrack/")
	if configDir, err := os.UserConfigDir(); err == nil {
		v.AddConfigPath(filepath.Join(configDir, "apptrack"))
	}
	if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(home)
	}
	v.AddConfigPath(".")

	// Environment variables
	v.SetEnvPrefix("APPTRACK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// Bind specific environment variables
	v.BindEnv("api.base_url", "APPTRACK_API_BASE_URL")
	v.BindEnv("location.enabled", "APPTRACK_LOCATION_ENABLED")
	v.BindEnv("logs.dir", "APPTRACK_LOGS_DIR")
	v.BindEnv("db.dsn", "APPTRACK_DB_DSN", "DATABASE_URL")
	v.BindEnv("server.addr", "APPTRACK_SERVER_ADDR")
	v.BindEnv("admin.token", "APPTRACK_ADMIN_TOKEN", "ADMIN_TOKEN")
	v.BindEnv("smtp.host", "APPTRACK_SMTP_HOST", "SMTP_HOST")
	v.BindEnv("smtp.port", "APPTRACK_SMTP_PORT", "SMTP_PORT")
	v.BindEnv("smtp.user", "APPTRACK_SMTP_USER", "SMTP_USER")
	v.BindEnv("smtp.password", "APPTRACK_SMTP_PASSWORD", "SMTP_PASS")
	v.BindEnv("smtp.admin_email", "APPTRACK_ADMIN_EMAIL", "ADMIN_EMAIL")
	v.BindEnv("overrides.username", "APPTRACK_SET_USERNAME")
	v.BindEnv("overrides.user_id", "APPTRACK_TEST_USER_ID")

	// Set defaults
	cfg := Default()
	v.SetDefault("monitor.process_names", cfg.Monitor.ProcessNames)
	v.SetDefault("monitor.poll_interval", cfg.Monitor.PollInterval)
	v.SetDefault("monitor.debounce", cfg.Monitor.Debounce)
	v.SetDefault("monitor.grace_delay", cfg.Monitor.GraceDelay)
	v.SetDefault("monitor.crash_lookback", cfg.Monitor.CrashLookback)
	v.SetDefault("location.enabled", cfg.Location.Enabled)
	v.SetDefault("location.cache_ttl", cfg.Location.CacheTTL)
	v.SetDefault("server.addr", cfg.Server.Addr)
	v.SetDefault("smtp.port", cfg.SMTP.Port)

	// Try to read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadFromFile loads configuration from a specific file.
func LoadFromFile(path string) (*Config, error) {
	v := viper.New()

	v.SetConfigFile(path)

	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	cfg := Default()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}
