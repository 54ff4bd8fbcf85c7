// Package config loads settings from the environment and an optional .env
// file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/maltedev/listing-scraper/internal/browser"
	"github.com/maltedev/listing-scraper/internal/database"
	"github.com/maltedev/listing-scraper/internal/interact"
	"github.com/maltedev/listing-scraper/internal/pagination"
	"github.com/maltedev/listing-scraper/internal/ratelimit"
	"github.com/maltedev/listing-scraper/internal/scraper"
	"github.com/maltedev/listing-scraper/internal/storage"
)

type Config struct {
	Server   ServerConfig
	Scraper  ScraperConfig
	Browser  BrowserConfig
	Output   OutputConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Logging  LoggingConfig
}

type ServerConfig struct {
	Port            string
	Host            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	AllowedOrigins  []string
}

type ScraperConfig struct {
	BaseURL         string
	Target          int
	MaxPages        int
	StallThreshold  int
	Deadline        time.Duration
	LoadTimeout     time.Duration
	ScrollSteps     int
	MaxAttempts     int
	AttemptTimeout  time.Duration
	StrategyTimeout time.Duration
	Cooldown        time.Duration
	RateLimiter     string
	RateLimitMin    time.Duration
	RateLimitMax    time.Duration
	RateLimitBurst  int
	ConcurrentLimit int
}

type BrowserConfig struct {
	Engine         string
	Headless       bool
	Timeout        time.Duration
	UserAgent      string
	ViewportWidth  int
	ViewportHeight int
	AcceptLanguage string
	TimezoneID     string
	Locale         string
	ProxyServer    string
	BrowserBin     string
}

type OutputConfig struct {
	Dir      string
	Formats  []string
	Manifest string
}

type DatabaseConfig struct {
	URL      string
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
	MaxConns int
}

type RedisConfig struct {
	Addr         string
	Password     string
	DB           int
	PollInterval time.Duration
	BatchSize    int
	Group        string
	Consumer     string
}

type LoggingConfig struct {
	Level  string
	Format string
}

// Load reads .env when present, then the environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to read .env: %w", err)
	}

	defaults := scraper.DefaultOptions()
	browserDefaults := browser.DefaultOptions()

	cfg := &Config{
		Server: ServerConfig{
			Port:            getEnvOrDefault("SERVER_PORT", "8080"),
			Host:            getEnvOrDefault("SERVER_HOST", "0.0.0.0"),
			ReadTimeout:     getDurationOrDefault("SERVER_READ_TIMEOUT", 30*time.Second),
			WriteTimeout:    getDurationOrDefault("SERVER_WRITE_TIMEOUT", 30*time.Second),
			ShutdownTimeout: getDurationOrDefault("SERVER_SHUTDOWN_TIMEOUT", 10*time.Second),
			AllowedOrigins:  getStringSliceOrDefault("SERVER_ALLOWED_ORIGINS", nil),
		},
		Scraper: ScraperConfig{
			BaseURL:         getEnvOrDefault("SCRAPER_BASE_URL", scraper.DefaultBaseURL),
			Target:          getIntOrDefault("SCRAPER_TARGET", 0),
			MaxPages:        getIntOrDefault("SCRAPER_MAX_PAGES", 1),
			StallThreshold:  getIntOrDefault("SCRAPER_STALL_THRESHOLD", defaults.StallThreshold),
			Deadline:        getDurationOrDefault("SCRAPER_DEADLINE", 0),
			LoadTimeout:     getDurationOrDefault("SCRAPER_LOAD_TIMEOUT", defaults.LoadTimeout),
			ScrollSteps:     getIntOrDefault("SCRAPER_SCROLL_STEPS", defaults.ScrollSteps),
			MaxAttempts:     getIntOrDefault("SCRAPER_MAX_RETRIES", defaults.Interaction.MaxAttempts),
			AttemptTimeout:  getDurationOrDefault("SCRAPER_ATTEMPT_TIMEOUT", defaults.Interaction.AttemptTimeout),
			StrategyTimeout: getDurationOrDefault("SCRAPER_STRATEGY_TIMEOUT", 0),
			Cooldown:        getDurationOrDefault("SCRAPER_RETRY_DELAY", defaults.Interaction.Cooldown),
			RateLimiter:     getEnvOrDefault("SCRAPER_RATE_LIMITER", "adaptive"),
			RateLimitMin:    getDurationOrDefault("SCRAPER_RATE_LIMIT_MIN", 2*time.Second),
			RateLimitMax:    getDurationOrDefault("SCRAPER_RATE_LIMIT_MAX", 5*time.Second),
			RateLimitBurst:  getIntOrDefault("SCRAPER_RATE_LIMIT_BURST", 3),
			ConcurrentLimit: getIntOrDefault("SCRAPER_CONCURRENT_LIMIT", 2),
		},
		Browser: BrowserConfig{
			Engine:         getEnvOrDefault("BROWSER_ENGINE", browser.EnginePlaywright),
			Headless:       getBoolOrDefault("BROWSER_HEADLESS", true),
			Timeout:        getDurationOrDefault("BROWSER_TIMEOUT", browserDefaults.Timeout),
			UserAgent:      getEnvOrDefault("BROWSER_USER_AGENT", browserDefaults.UserAgent),
			ViewportWidth:  getIntOrDefault("BROWSER_VIEWPORT_WIDTH", browserDefaults.ViewportWidth),
			ViewportHeight: getIntOrDefault("BROWSER_VIEWPORT_HEIGHT", browserDefaults.ViewportHeight),
			AcceptLanguage: getEnvOrDefault("BROWSER_ACCEPT_LANGUAGE", browserDefaults.AcceptLanguage),
			TimezoneID:     getEnvOrDefault("BROWSER_TIMEZONE", browserDefaults.TimezoneID),
			Locale:         getEnvOrDefault("BROWSER_LOCALE", browserDefaults.Locale),
			ProxyServer:    getEnvOrDefault("BROWSER_PROXY", ""),
			BrowserBin:     getEnvOrDefault("BROWSER_BIN", ""),
		},
		Output: OutputConfig{
			Dir:      getEnvOrDefault("OUTPUT_DIR", "output"),
			Formats:  getStringSliceOrDefault("OUTPUT_FORMATS", []string{storage.FormatCSV}),
			Manifest: getEnvOrDefault("OUTPUT_MANIFEST", ""),
		},
		Database: DatabaseConfig{
			URL:      getEnvOrDefault("DATABASE_URL", ""),
			Host:     getEnvOrDefault("DB_HOST", "localhost"),
			Port:     getIntOrDefault("DB_PORT", 5432),
			User:     getEnvOrDefault("DB_USER", "postgres"),
			Password: getEnvOrDefault("DB_PASSWORD", ""),
			DBName:   getEnvOrDefault("DB_NAME", "listing_scraper"),
			SSLMode:  getEnvOrDefault("DB_SSL_MODE", "disable"),
			MaxConns: getIntOrDefault("DB_MAX_CONNS", 10),
		},
		Redis: RedisConfig{
			Addr:         getEnvOrDefault("REDIS_ADDR", "localhost:6379"),
			Password:     getEnvOrDefault("REDIS_PASSWORD", ""),
			DB:           getIntOrDefault("REDIS_DB", 0),
			PollInterval: getDurationOrDefault("RELAY_POLL_INTERVAL", 5*time.Second),
			BatchSize:    getIntOrDefault("RELAY_BATCH_SIZE", 100),
			Group:        getEnvOrDefault("REDIS_CONSUMER_GROUP", "listing-consumer-group"),
			Consumer:     getEnvOrDefault("REDIS_CONSUMER_NAME", "consumer-1"),
		},
		Logging: LoggingConfig{
			Level:  getEnvOrDefault("LOG_LEVEL", "info"),
			Format: getEnvOrDefault("LOG_FORMAT", "text"),
		},
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Scraper.ConcurrentLimit < 1 {
		return fmt.Errorf("SCRAPER_CONCURRENT_LIMIT must be at least 1")
	}

	if c.Scraper.Target < 0 || c.Scraper.MaxPages < 0 {
		return fmt.Errorf("SCRAPER_TARGET and SCRAPER_MAX_PAGES cannot be negative")
	}

	if c.Scraper.StallThreshold < 1 {
		return fmt.Errorf("SCRAPER_STALL_THRESHOLD must be at least 1")
	}

	if c.Scraper.MaxAttempts < 1 {
		return fmt.Errorf("SCRAPER_MAX_RETRIES must be at least 1")
	}

	if c.Scraper.RateLimitMin > c.Scraper.RateLimitMax {
		return fmt.Errorf("SCRAPER_RATE_LIMIT_MIN cannot be greater than SCRAPER_RATE_LIMIT_MAX")
	}

	switch c.Browser.Engine {
	case browser.EnginePlaywright, browser.EngineRod, browser.EngineStatic:
	default:
		return fmt.Errorf("BROWSER_ENGINE must be one of playwright, rod, static: %q", c.Browser.Engine)
	}

	for _, f := range c.Output.Formats {
		switch strings.ToLower(strings.TrimSpace(f)) {
		case storage.FormatCSV, storage.FormatJSON:
		default:
			return fmt.Errorf("OUTPUT_FORMATS contains unknown format %q", f)
		}
	}

	return nil
}

// ScraperOptions maps the scraper section onto session options.
func (c *Config) ScraperOptions() scraper.Options {
	opts := scraper.DefaultOptions()
	opts.Target = c.Scraper.Target
	opts.MaxPages = c.Scraper.MaxPages
	opts.StallThreshold = c.Scraper.StallThreshold
	opts.Deadline = c.Scraper.Deadline
	opts.LoadTimeout = c.Scraper.LoadTimeout
	opts.ScrollSteps = c.Scraper.ScrollSteps

	ia := interact.DefaultOptions()
	ia.MaxAttempts = c.Scraper.MaxAttempts
	ia.AttemptTimeout = c.Scraper.AttemptTimeout
	ia.StrategyTimeout = c.Scraper.StrategyTimeout
	ia.Cooldown = c.Scraper.Cooldown
	opts.Interaction = ia
	return opts
}

func (c *Config) BrowserOptions() *browser.Options {
	opts := browser.DefaultOptions()
	opts.Engine = c.Browser.Engine
	opts.Headless = c.Browser.Headless
	opts.Timeout = c.Browser.Timeout
	opts.UserAgent = c.Browser.UserAgent
	opts.ViewportWidth = c.Browser.ViewportWidth
	opts.ViewportHeight = c.Browser.ViewportHeight
	opts.AcceptLanguage = c.Browser.AcceptLanguage
	opts.TimezoneID = c.Browser.TimezoneID
	opts.Locale = c.Browser.Locale
	opts.ProxyServer = c.Browser.ProxyServer
	opts.BrowserBin = c.Browser.BrowserBin
	return opts
}

func (c *Config) DatabaseConfig() database.Config {
	return database.Config{
		URL:      c.Database.URL,
		Host:     c.Database.Host,
		Port:     c.Database.Port,
		User:     c.Database.User,
		Password: c.Database.Password,
		Database: c.Database.DBName,
		SSLMode:  c.Database.SSLMode,
		MaxConns: int32(c.Database.MaxConns),
	}
}

// NewLimiter returns a fresh page limiter; each session gets its own.
func (c *Config) NewLimiter() pagination.Limiter {
	return ratelimit.New(c.Scraper.RateLimiter, c.Scraper.RateLimitMin, c.Scraper.RateLimitMax, c.Scraper.RateLimitBurst)
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getStringSliceOrDefault(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		var out []string
		for _, part := range strings.Split(value, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
		return out
	}
	return defaultValue
}
