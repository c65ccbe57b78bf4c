// Package logger builds the structured JSON logger shared by every component.
package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	slogmulti "github.com/samber/slog-multi"
	slogsampling "github.com/samber/slog-sampling"
)

// LogLevel represents the logging level.
type LogLevel string

const (
	LevelDebug   LogLevel = "DEBUG"
	LevelInfo    LogLevel = "INFO"
	LevelWarning LogLevel = "WARNING"
	LevelError   LogLevel = "ERROR"
)

// SamplingMode selects how repeated log records are thinned out.
type SamplingMode string

const (
	// SamplingOff logs every record.
	SamplingOff SamplingMode = "off"
	// SamplingThreshold lets the first N identical records per tick through, then a fraction.
	SamplingThreshold SamplingMode = "threshold"
	// SamplingByLevel keeps errors and warnings, samples info and debug.
	SamplingByLevel SamplingMode = "level"
)

// Config holds the logger configuration.
type Config struct {
	Level    LogLevel
	Sampling SamplingMode
	Output   io.Writer

	ThresholdTick time.Duration
	ThresholdMax  uint64
	ThresholdRate float64
}

// DefaultConfig returns a default logger configuration.
func DefaultConfig() *Config {
	return &Config{
		Level:         LevelInfo,
		Sampling:      SamplingOff,
		Output:        os.Stdout,
		ThresholdTick: 5 * time.Second,
		ThresholdMax:  10,   // Allow first 10 identical messages.
		ThresholdRate: 0.05, // Then only 5% of subsequent messages.
	}
}

// NewLogger creates a new configured logger.
func NewLogger(config *Config) *slog.Logger {
	if config == nil {
		config = DefaultConfig()
	}
	out := config.Output
	if out == nil {
		out = os.Stdout
	}

	baseHandler := slog.NewJSONHandler(out, &slog.HandlerOptions{
		Level: ParseLevel(string(config.Level)),
	})

	switch config.Sampling {
	case SamplingThreshold:
		thresholdOption := slogsampling.ThresholdSamplingOption{
			Tick:      config.ThresholdTick,
			Threshold: config.ThresholdMax,
			Rate:      config.ThresholdRate,
			Matcher:   slogsampling.MatchByLevelAndMessage(),
		}
		return slog.New(slogmulti.Pipe(thresholdOption.NewMiddleware()).Handler(baseHandler))
	case SamplingByLevel:
		levelOption := slogsampling.CustomSamplingOption{
			Sampler: func(_ context.Context, record slog.Record) float64 {
				switch {
				case record.Level >= slog.LevelWarn:
					return 1.0
				case record.Level >= slog.LevelInfo:
					return 0.5
				default:
					return 0.05 // Per-tick position records are debug.
				}
			},
		}
		return slog.New(slogmulti.Pipe(levelOption.NewMiddleware()).Handler(baseHandler))
	default:
		return slog.New(baseHandler)
	}
}

// ParseLevel converts a level name to slog.Level. Unknown names map to INFO.
func ParseLevel(level string) slog.Level {
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARNING", "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ValidSampling reports whether mode names a known sampling mode.
func ValidSampling(mode string) bool {
	switch SamplingMode(mode) {
	case SamplingOff, SamplingThreshold, SamplingByLevel:
		return true
	}
	return false
}

// OrDefault returns l, or slog.Default() when l is nil.
func OrDefault(l *slog.Logger) *slog.Logger {
	if l == nil {
		return slog.Default()
	}
	return l
}

// WithComponent adds a component field to the logger for better categorization.
func WithComponent(logger *slog.Logger, component string) *slog.Logger {
	return OrDefault(logger).With("component", component)
}

// WithChannel adds a channel field to the logger for channel-specific logging.
func WithChannel(logger *slog.Logger, channel string) *slog.Logger {
	return OrDefault(logger).With("channel", channel)
}

// LogPlaybackEvent logs playback-related events with consistent fields. The logger must
// not already carry a channel attribute.
func LogPlaybackEvent(logger *slog.Logger, level slog.Level, msg string, channel string, track string, attrs ...slog.Attr) {
	allAttrs := []slog.Attr{
		slog.String("channel", channel),
		slog.String("track", track),
		slog.String("event_type", "playback"),
	}
	allAttrs = append(allAttrs, attrs...)

	OrDefault(logger).LogAttrs(context.Background(), level, msg, allAttrs...)
}

// LogNetworkEvent logs listener connection events with consistent fields.
func LogNetworkEvent(logger *slog.Logger, level slog.Level, msg string, listenerID string, remoteAddr string, attrs ...slog.Attr) {
	allAttrs := []slog.Attr{
		slog.String("listener_id", listenerID),
		slog.String("remote_addr", remoteAddr),
		slog.String("event_type", "network"),
	}
	allAttrs = append(allAttrs, attrs...)

	OrDefault(logger).LogAttrs(context.Background(), level, msg, allAttrs...)
}

// LogConfigEvent logs configuration-related events.
func LogConfigEvent(logger *slog.Logger, level slog.Level, msg string, attrs ...slog.Attr) {
	allAttrs := []slog.Attr{
		slog.String("event_type", "config"),
	}
	allAttrs = append(allAttrs, attrs...)

	OrDefault(logger).LogAttrs(context.Background(), level, msg, allAttrs...)
}
