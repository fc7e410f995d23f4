// Package app holds process-level configuration for the playback engine.
package app

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	HTTPAddr  string
	LogLevel  string
	LogFormat string

	CORSAllowedOrigins []string

	// MaxSessions caps concurrent playback sessions; 0 = unlimited.
	MaxSessions int

	// SegmentDuration is the nominal segment length assumed by the
	// passthrough transmux engine when a pushed segment carries no timing.
	SegmentDuration float64

	// Watcher thresholds; zero values fall back to the tuned defaults.
	WatcherTickInterval   time.Duration
	WatcherGapSkipTicks   int
	WatcherStuckTicks     int
	WatcherStalledAppends int
	AllowUnsafeLiveSeeks  bool
}

func LoadConfig() Config {
	return Config{
		HTTPAddr:  getEnv("HTTP_ADDR", ":8080"),
		LogLevel:  strings.ToLower(getEnv("LOG_LEVEL", "info")),
		LogFormat: strings.ToLower(getEnv("LOG_FORMAT", "text")),

		CORSAllowedOrigins: splitCSV(getEnv("CORS_ALLOWED_ORIGINS", "")),

		MaxSessions: int(getEnvInt64("PLAYBACK_MAX_SESSIONS", 0)),

		SegmentDuration: getEnvFloat("PLAYBACK_SEGMENT_DURATION", 4),

		WatcherTickInterval:   time.Duration(getEnvInt64("WATCHER_TICK_MS", 250)) * time.Millisecond,
		WatcherGapSkipTicks:   int(getEnvInt64("WATCHER_GAP_SKIP_TICKS", 6)),
		WatcherStuckTicks:     int(getEnvInt64("WATCHER_STUCK_TICKS", 5)),
		WatcherStalledAppends: int(getEnvInt64("WATCHER_STALLED_APPENDS", 10)),
		AllowUnsafeLiveSeeks:  getEnvBool("WATCHER_ALLOW_UNSAFE_LIVE_SEEKS", false),
	}
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt64(key string, fallback int64) int64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return fallback
	}
	if parsed < 0 {
		return fallback
	}
	return parsed
}

func getEnvFloat(key string, fallback float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}

func getEnvBool(key string, fallback bool) bool {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func splitCSV(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
