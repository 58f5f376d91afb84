package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration loaded from environment variables.
type Config struct {
	// Instrument and session
	EpicRef      string
	EpicTimezone string
	OpenTime     string // "HH:MM", local to EpicTimezone
	CloseTime    string

	// Frame sets (comma-separated widths in seconds, e.g. "60,300,900")
	FrameWidths string
	MaxFrames   int

	// Crossover strategy
	SMAFastPeriods int
	SMASlowPeriods int
	TradeQuantity  float64
	StopDistance   float64
	LimitDistance  float64

	// Feed
	FeedURL string

	// Infrastructure
	RedisAddr     string
	RedisPassword string
	SQLitePath    string
	MetricsAddr   string
	ReportDir     string
	LogLevel      string

	// Broker credentials (live engine only; backtests run without them)
	BrokerURL        string
	BrokerAPIKey     string
	BrokerClientCode string
	BrokerPIN        string
	BrokerTOTPSecret string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	return &Config{
		EpicRef:      getEnv("EPIC_REF", "EURUSD"),
		EpicTimezone: getEnv("EPIC_TIMEZONE", "UTC"),
		OpenTime:     getEnv("EPIC_OPEN", "09:00"),
		CloseTime:    getEnv("EPIC_CLOSE", "17:30"),

		FrameWidths: getEnv("FRAME_WIDTHS", "60,300,900"),
		MaxFrames:   getEnvInt("MAX_FRAMES", 100),

		SMAFastPeriods: getEnvInt("SMA_FAST_PERIODS", 5),
		SMASlowPeriods: getEnvInt("SMA_SLOW_PERIODS", 20),
		TradeQuantity:  getEnvFloat("TRADE_QUANTITY", 1),
		StopDistance:   getEnvFloat("STOP_DISTANCE", 0),
		LimitDistance:  getEnvFloat("LIMIT_DISTANCE", 0),

		FeedURL: getEnv("FEED_URL", "ws://localhost:8081/ws"),

		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		SQLitePath:    getEnv("SQLITE_PATH", "data/engine.db"),
		MetricsAddr:   getEnv("METRICS_ADDR", ":9090"),
		ReportDir:     getEnv("REPORT_DIR", "reports"),
		LogLevel:      getEnv("LOG_LEVEL", "info"),

		BrokerURL:        getEnv("BROKER_URL", ""),
		BrokerAPIKey:     getEnv("BROKER_API_KEY", ""),
		BrokerClientCode: getEnv("BROKER_CLIENT_CODE", ""),
		BrokerPIN:        getEnv("BROKER_PIN", ""),
		BrokerTOTPSecret: getEnv("BROKER_TOTP_SECRET", ""),
	}
}

// MustBroker aborts unless the broker credentials are fully set. The
// live engine calls this; backtests never do.
func (c *Config) MustBroker() {
	for key, v := range map[string]string{
		"BROKER_URL":         c.BrokerURL,
		"BROKER_API_KEY":     c.BrokerAPIKey,
		"BROKER_CLIENT_CODE": c.BrokerClientCode,
		"BROKER_TOTP_SECRET": c.BrokerTOTPSecret,
	} {
		if v == "" {
			log.Fatalf("[config] required env var %s not set", key)
		}
	}
}

// ParseFrameWidths parses the FrameWidths string into durations,
// skipping malformed entries.
func (c *Config) ParseFrameWidths() []time.Duration {
	parts := strings.Split(c.FrameWidths, ",")
	widths := make([]time.Duration, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		n, err := strconv.Atoi(p)
		if err != nil || n <= 0 {
			log.Printf("[config] skipping invalid frame width: %q", p)
			continue
		}
		widths = append(widths, time.Duration(n)*time.Second)
	}
	return widths
}

// ParseClock parses an "HH:MM" value into an offset from midnight.
func ParseClock(v string) (time.Duration, bool) {
	t, err := time.Parse("15:04", v)
	if err != nil {
		return 0, false
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, true
}

func getEnv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Printf("[config] invalid %s=%q, using %d", key, v, fallback)
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		log.Printf("[config] invalid %s=%q, using %g", key, v, fallback)
		return fallback
	}
	return f
}
