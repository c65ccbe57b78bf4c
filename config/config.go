// Package config loads the server configuration from flags, an optional .env file and
// the environment. Environment variables take priority over flags, flags over defaults.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	flag "github.com/spf13/pflag"

	"github.com/aposazhennikov/jukebox/logger"
)

// Default configuration.
const (
	defaultPort            = 8000
	defaultAudioDir        = "./audio"
	defaultChannel         = "radio"
	defaultLogLevel        = "INFO"
	defaultLogSampling     = "off"
	defaultEnvironment     = "development"
	defaultShutdownTimeout = 10 * time.Second
	defaultEnvFile         = ".env"
)

// Config is the application configuration.
type Config struct {
	Port int
	// AudioDirs feed the library shared by every channel without a dedicated directory.
	AudioDirs []string
	// ChannelDirs maps a channel name to its own audio directory.
	ChannelDirs    map[string]string
	DefaultChannel string
	Shuffle        bool
	Watch          bool

	LogLevel    string
	LogSampling string

	SentryDSN   string
	Environment string

	// ListenerMaxPending caps the frames buffered per listener, 0 means unbounded.
	ListenerMaxPending int
	ShutdownTimeout    time.Duration
}

// Load parses args (without the program name) and applies .env and environment overrides.
func Load(args []string) (*Config, error) {
	cfg := &Config{}
	flags := flag.NewFlagSet("jukebox", flag.ContinueOnError)

	var (
		audioDirs   string
		channelDirs string
		envFile     string
	)
	flags.IntVarP(&cfg.Port, "port", "p", defaultPort, "HTTP server port")
	flags.StringVarP(&audioDirs, "audio-dir", "d", defaultAudioDir, "Comma separated audio directories")
	flags.StringVar(&channelDirs, "channel-dirs", "{}", "JSON object mapping channel names to audio directories")
	flags.StringVarP(&cfg.DefaultChannel, "default-channel", "c", defaultChannel, "Channel served on the short routes")
	flags.BoolVar(&cfg.Shuffle, "shuffle", true, "Pick tracks at random instead of in order")
	flags.BoolVar(&cfg.Watch, "watch", true, "Reload the library when files change")
	flags.StringVar(&cfg.LogLevel, "log-level", defaultLogLevel, "Log level: DEBUG, INFO, WARNING, ERROR")
	flags.StringVar(&cfg.LogSampling, "log-sampling", defaultLogSampling, "Log sampling: off, threshold, level")
	flags.StringVar(&cfg.SentryDSN, "sentry-dsn", "", "Sentry DSN, empty disables error reporting")
	flags.StringVar(&cfg.Environment, "env", defaultEnvironment, "Deployment environment reported to Sentry")
	flags.IntVar(&cfg.ListenerMaxPending, "listener-max-pending", 0, "Frames buffered per listener before the oldest is dropped, 0 for no limit")
	flags.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout", defaultShutdownTimeout, "Graceful shutdown timeout")
	flags.StringVar(&envFile, "env-file", defaultEnvFile, "Optional dotenv file")

	if err := flags.Parse(args); err != nil {
		return nil, err
	}

	// godotenv never overrides variables already present in the environment.
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load %s: %w", envFile, err)
	}

	if err := applyEnv(cfg, &audioDirs, &channelDirs); err != nil {
		return nil, err
	}

	cfg.AudioDirs = splitList(audioDirs)
	cfg.ChannelDirs = make(map[string]string)
	if err := json.Unmarshal([]byte(channelDirs), &cfg.ChannelDirs); err != nil {
		return nil, fmt.Errorf("parse channel directories: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.absPaths()
	return cfg, nil
}

func applyEnv(cfg *Config, audioDirs, channelDirs *string) error {
	if v, ok := os.LookupEnv("PORT"); ok {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parse PORT: %w", err)
		}
		cfg.Port = port
	}
	if v, ok := os.LookupEnv("AUDIO_DIR"); ok && v != "" {
		*audioDirs = v
	}
	if v, ok := os.LookupEnv("DIRECTORY_ROUTES"); ok && v != "" {
		*channelDirs = v
	}
	if v, ok := os.LookupEnv("DEFAULT_CHANNEL"); ok && v != "" {
		cfg.DefaultChannel = v
	}
	if v, ok := os.LookupEnv("SHUFFLE"); ok {
		shuffle, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("parse SHUFFLE: %w", err)
		}
		cfg.Shuffle = shuffle
	}
	if v, ok := os.LookupEnv("WATCH"); ok {
		watch, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("parse WATCH: %w", err)
		}
		cfg.Watch = watch
	}
	if v, ok := os.LookupEnv("LOG_LEVEL"); ok && v != "" {
		cfg.LogLevel = v
	}
	if v, ok := os.LookupEnv("LOG_SAMPLING"); ok && v != "" {
		cfg.LogSampling = strings.ToLower(v)
	}
	if v, ok := os.LookupEnv("SENTRY_DSN"); ok {
		cfg.SentryDSN = v
	}
	if v, ok := os.LookupEnv("ENV"); ok && v != "" {
		cfg.Environment = v
	}
	if v, ok := os.LookupEnv("LISTENER_MAX_PENDING"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parse LISTENER_MAX_PENDING: %w", err)
		}
		cfg.ListenerMaxPending = n
	}
	if v, ok := os.LookupEnv("SHUTDOWN_TIMEOUT"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("parse SHUTDOWN_TIMEOUT: %w", err)
		}
		cfg.ShutdownTimeout = d
	}
	return nil
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if len(c.AudioDirs) == 0 {
		return errors.New("no audio directory configured")
	}
	if c.DefaultChannel == "" {
		return errors.New("default channel must not be empty")
	}
	if c.ListenerMaxPending < 0 {
		return fmt.Errorf("invalid listener backlog %d", c.ListenerMaxPending)
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("invalid shutdown timeout %s", c.ShutdownTimeout)
	}
	if !logger.ValidSampling(c.LogSampling) {
		return fmt.Errorf("unknown log sampling mode %q", c.LogSampling)
	}
	for name, dir := range c.ChannelDirs {
		if name == "" || dir == "" {
			return fmt.Errorf("invalid channel directory mapping %q: %q", name, dir)
		}
	}
	return nil
}

// LoggerConfig converts the logging settings into a logger configuration.
func (c *Config) LoggerConfig() *logger.Config {
	lc := logger.DefaultConfig()
	lc.Level = logger.LogLevel(strings.ToUpper(c.LogLevel))
	lc.Sampling = logger.SamplingMode(c.LogSampling)
	return lc
}

func (c *Config) absPaths() {
	for i, dir := range c.AudioDirs {
		if abs, err := filepath.Abs(dir); err == nil {
			c.AudioDirs[i] = abs
		}
	}
	for name, dir := range c.ChannelDirs {
		if abs, err := filepath.Abs(dir); err == nil {
			c.ChannelDirs[name] = abs
		}
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
