package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the ad delivery service.
type Config struct {
	Server     ServerConfig
	Database   DatabaseConfig
	Redis      RedisConfig
	ClickHouse ClickHouseConfig
	Auth       AuthConfig
	RateLimit  RateLimitConfig
	Log        LogConfig
	Metrics    MetricsConfig
	Geo        GeoConfig
	Ads        AdsConfig
	Triggers   TriggerConfig
}

type ServerConfig struct {
	Addr            string
	Env             string
	ShutdownTimeout time.Duration
}

type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
	MaxConns int
	MinConns int
}

// DSN returns the PostgreSQL connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.DBName, d.SSLMode,
	)
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// ClickHouseConfig configures the analytics event store.
type ClickHouseConfig struct {
	Enabled  bool
	Addr     string
	Database string
	User     string
	Password string
	Table    string
}

type AuthConfig struct {
	Enabled   bool
	MasterKey string
	SkipPaths []string
}

type RateLimitConfig struct {
	Enabled       bool
	DecisionRPS   float64
	DecisionBurst int
	MgmtRPS       float64
	MgmtBurst     int
	PerIPRPS      float64 // zero falls back to DecisionRPS
	PerIPBurst    int
}

type LogConfig struct {
	Level  string
	Format string
}

// MetricsConfig configures Prometheus metrics.
type MetricsConfig struct {
	Enabled bool
	Path    string
}

// GeoConfig configures country resolution for country targeting.
type GeoConfig struct {
	Enabled      bool
	DatabasePath string
	CacheSize    int
	CacheTTL     time.Duration
}

// AdsConfig holds the global serving toggles the page layer consults.
type AdsConfig struct {
	MasterSwitch    bool
	HideForLoggedIn bool
	HideForAdmin    bool
	DefaultWeight   int
	IngestURL       string // optional external event-ingestion callout
	SessionTTL      time.Duration
}

// TriggerConfig carries per-placement trigger settings with declared
// defaults, replacing per-read fallback chains.
type TriggerConfig struct {
	Popup        PopupTriggerConfig
	Banner       BannerTriggerConfig
	Scroll       ScrollTriggerConfig
	ExitIntent   ExitIntentTriggerConfig
	Interstitial InterstitialTriggerConfig
}

type PopupTriggerConfig struct {
	Delay            time.Duration
	CloseButtonDelay time.Duration
	AutoClose        time.Duration // zero disables auto-close
	ClosingDuration  time.Duration // exit-animation length
}

type BannerTriggerConfig struct {
	AutoHide        time.Duration // zero keeps the banner until dismissed
	ClosingDuration time.Duration
}

type ScrollTriggerConfig struct {
	ThresholdPct    float64 // scroll fraction in [0,100] that reveals the ad
	AutoDismiss     time.Duration
	ClosingDuration time.Duration
}

type ExitIntentTriggerConfig struct {
	AutoClose       time.Duration
	ClosingDuration time.Duration
}

type InterstitialTriggerConfig struct {
	Delay           time.Duration
	MinVisible      time.Duration // close control disabled until this elapses
	ClosingDuration time.Duration
}

// Load reads configuration from environment variables with sensible defaults.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Addr:            getEnv("ADSERVE_HTTP_ADDR", ":8080"),
			Env:             getEnv("ADSERVE_ENV", "development"),
			ShutdownTimeout: getDurationEnv("ADSERVE_SHUTDOWN_TIMEOUT", 30*time.Second),
		},
		Database: DatabaseConfig{
			Host:     getEnv("ADSERVE_DB_HOST", "localhost"),
			Port:     getIntEnv("ADSERVE_DB_PORT", 5432),
			User:     getEnv("ADSERVE_DB_USER", "adserve"),
			Password: getEnv("ADSERVE_DB_PASSWORD", "adserve_secret"),
			DBName:   getEnv("ADSERVE_DB_NAME", "adserve"),
			SSLMode:  getEnv("ADSERVE_DB_SSLMODE", "disable"),
			MaxConns: getIntEnv("ADSERVE_DB_MAX_CONNS", 25),
			MinConns: getIntEnv("ADSERVE_DB_MIN_CONNS", 5),
		},
		Redis: RedisConfig{
			Addr:     getEnv("ADSERVE_REDIS_ADDR", "localhost:6379"),
			Password: getEnv("ADSERVE_REDIS_PASSWORD", ""),
			DB:       getIntEnv("ADSERVE_REDIS_DB", 0),
		},
		ClickHouse: ClickHouseConfig{
			Enabled:  getBoolEnv("ADSERVE_CLICKHOUSE_ENABLED", false),
			Addr:     getEnv("ADSERVE_CLICKHOUSE_ADDR", "localhost:9000"),
			Database: getEnv("ADSERVE_CLICKHOUSE_DB", "adserve"),
			User:     getEnv("ADSERVE_CLICKHOUSE_USER", "default"),
			Password: getEnv("ADSERVE_CLICKHOUSE_PASSWORD", ""),
			Table:    getEnv("ADSERVE_CLICKHOUSE_TABLE", "ad_events"),
		},
		Auth: AuthConfig{
			Enabled:   getBoolEnv("ADSERVE_AUTH_ENABLED", true),
			MasterKey: getEnv("ADSERVE_API_KEY_MASTER", ""),
			SkipPaths: getSliceEnv("ADSERVE_AUTH_SKIP_PATHS", []string{"/health", "/metrics", "/v1/decision", "/v1/events"}),
		},
		RateLimit: RateLimitConfig{
			Enabled:       getBoolEnv("ADSERVE_RATE_LIMIT_ENABLED", true),
			DecisionRPS:   getFloatEnv("ADSERVE_RATE_LIMIT_RPS", 1000),
			DecisionBurst: getIntEnv("ADSERVE_RATE_LIMIT_BURST", 100),
			MgmtRPS:       getFloatEnv("ADSERVE_RATE_LIMIT_MGMT_RPS", 100),
			MgmtBurst:     getIntEnv("ADSERVE_RATE_LIMIT_MGMT_BURST", 20),
			PerIPRPS:      getFloatEnv("ADSERVE_RATE_LIMIT_PER_IP_RPS", 50),
			PerIPBurst:    getIntEnv("ADSERVE_RATE_LIMIT_PER_IP_BURST", 10),
		},
		Log: LogConfig{
			Level:  getEnv("ADSERVE_LOG_LEVEL", "info"),
			Format: getEnv("ADSERVE_LOG_FORMAT", "json"),
		},
		Metrics: MetricsConfig{
			Enabled: getBoolEnv("ADSERVE_METRICS_ENABLED", true),
			Path:    getEnv("ADSERVE_METRICS_PATH", "/metrics"),
		},
		Geo: GeoConfig{
			Enabled:      getBoolEnv("ADSERVE_GEO_ENABLED", false),
			DatabasePath: getEnv("ADSERVE_GEO_DB_PATH", "/app/data/GeoLite2-Country.mmdb"),
			CacheSize:    getIntEnv("ADSERVE_GEO_CACHE_SIZE", 10000),
			CacheTTL:     getDurationEnv("ADSERVE_GEO_CACHE_TTL", 1*time.Hour),
		},
		Ads: AdsConfig{
			MasterSwitch:    getBoolEnv("ADSERVE_ADS_ENABLED", true),
			HideForLoggedIn: getBoolEnv("ADSERVE_ADS_HIDE_LOGGED_IN", false),
			HideForAdmin:    getBoolEnv("ADSERVE_ADS_HIDE_ADMIN", true),
			DefaultWeight:   getIntEnv("ADSERVE_ADS_DEFAULT_WEIGHT", 50),
			IngestURL:       getEnv("ADSERVE_ADS_INGEST_URL", ""),
			SessionTTL:      getDurationEnv("ADSERVE_ADS_SESSION_TTL", 30*time.Minute),
		},
		Triggers: TriggerConfig{
			Popup: PopupTriggerConfig{
				Delay:            getDurationEnv("ADSERVE_TRIGGER_POPUP_DELAY", 2*time.Second),
				CloseButtonDelay: getDurationEnv("ADSERVE_TRIGGER_POPUP_CLOSE_DELAY", 0),
				AutoClose:        getDurationEnv("ADSERVE_TRIGGER_POPUP_AUTOCLOSE", 10*time.Second),
				ClosingDuration:  getDurationEnv("ADSERVE_TRIGGER_POPUP_CLOSING", 300*time.Millisecond),
			},
			Banner: BannerTriggerConfig{
				AutoHide:        getDurationEnv("ADSERVE_TRIGGER_BANNER_AUTOHIDE", 0),
				ClosingDuration: getDurationEnv("ADSERVE_TRIGGER_BANNER_CLOSING", 300*time.Millisecond),
			},
			Scroll: ScrollTriggerConfig{
				ThresholdPct:    getFloatEnv("ADSERVE_TRIGGER_SCROLL_THRESHOLD", 50),
				AutoDismiss:     getDurationEnv("ADSERVE_TRIGGER_SCROLL_AUTODISMISS", 0),
				ClosingDuration: getDurationEnv("ADSERVE_TRIGGER_SCROLL_CLOSING", 300*time.Millisecond),
			},
			ExitIntent: ExitIntentTriggerConfig{
				AutoClose:       getDurationEnv("ADSERVE_TRIGGER_EXIT_AUTOCLOSE", 0),
				ClosingDuration: getDurationEnv("ADSERVE_TRIGGER_EXIT_CLOSING", 300*time.Millisecond),
			},
			Interstitial: InterstitialTriggerConfig{
				Delay:           getDurationEnv("ADSERVE_TRIGGER_INTERSTITIAL_DELAY", 1*time.Second),
				MinVisible:      getDurationEnv("ADSERVE_TRIGGER_INTERSTITIAL_MIN_VISIBLE", 5*time.Second),
				ClosingDuration: getDurationEnv("ADSERVE_TRIGGER_INTERSTITIAL_CLOSING", 300*time.Millisecond),
			},
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that required configuration is present and consistent.
func (c *Config) Validate() error {
	if c.Auth.Enabled && c.Auth.MasterKey == "" {
		return fmt.Errorf("ADSERVE_API_KEY_MASTER is required when auth is enabled")
	}
	if c.Ads.DefaultWeight < 0 || c.Ads.DefaultWeight > 100 {
		return fmt.Errorf("ADSERVE_ADS_DEFAULT_WEIGHT must be in [0,100]")
	}
	if c.Triggers.Scroll.ThresholdPct < 0 || c.Triggers.Scroll.ThresholdPct > 100 {
		return fmt.Errorf("ADSERVE_TRIGGER_SCROLL_THRESHOLD must be in [0,100]")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Server.Env == "development"
}

// IsProduction returns true if running in production mode.
func (c *Config) IsProduction() bool {
	return c.Server.Env == "production"
}

// Helper functions for reading environment variables

func getEnv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func getIntEnv(key string, def int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getFloatEnv(key string, def float64) float64 {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getBoolEnv(key string, def bool) bool {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getDurationEnv(key string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getSliceEnv(key string, def []string) []string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		parts := strings.Split(v, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				result = append(result, p)
			}
		}
		return result
	}
	return def
}
