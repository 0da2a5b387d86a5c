// Package config loads process settings from the environment.
package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Interpreter runtimes.
const (
	RuntimeExec   = "exec"
	RuntimeDocker = "docker"
)

const (
	defaultRedisAddr  = "localhost:6379"
	defaultStream     = "matl:jobs"
	defaultGroup      = "matl:workers"
	defaultEvents     = "matl:events"
	defaultCancels    = "matl:cancel"
	defaultExecutable = "octave-cli"
	defaultCLIOptions = "--norc --no-history --quiet"
	defaultRepo       = "lmendo/MATL"
)

// Config is shared by the gateway, the worker and the CLI.
type Config struct {
	RedisAddr     string
	Stream        string
	Group         string
	EventsChannel string
	CancelChannel string

	ListenAddr  string
	MetricsAddr string
	LogLevel    slog.Level

	OctaveExecutable string
	OctaveOptions    []string
	OctaveRC         string
	MATLFolder       string
	WrapDir          string
	Repo             string
	DefaultVersion   string
	ScratchDir       string

	SoftTimeLimit time.Duration
	HardTimeLimit time.Duration
	Concurrency   int

	Runtime          string
	Image            string
	MemoryLimitBytes int64

	SubmitRate     float64
	SubmitBurst    float64
	AllowedOrigins []string
}

// Load reads an optional .env file and then the environment.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("failed to load .env: %w", err)
	}
	cfg := FromEnv(os.Getenv)
	return cfg, cfg.Validate()
}

// FromEnv builds a Config from getenv, applying defaults for unset keys.
// Unparseable values also fall back to their defaults.
func FromEnv(getenv func(string) string) Config {
	env := func(key, fallback string) string {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			return v
		}
		return fallback
	}

	return Config{
		RedisAddr:     env("REDIS_ADDR", defaultRedisAddr),
		Stream:        env("MATL_STREAM", defaultStream),
		Group:         env("MATL_GROUP", defaultGroup),
		EventsChannel: env("MATL_EVENTS_CHANNEL", defaultEvents),
		CancelChannel: env("MATL_CANCEL_CHANNEL", defaultCancels),

		ListenAddr:  env("LISTEN_ADDR", ":8080"),
		MetricsAddr: env("METRICS_ADDR", ":9090"),
		LogLevel:    parseLevel(getenv("LOG_LEVEL")),

		OctaveExecutable: env("OCTAVE_EXECUTABLE", defaultExecutable),
		OctaveOptions:    strings.Fields(env("OCTAVE_CLI_OPTIONS", defaultCLIOptions)),
		OctaveRC:         getenv("OCTAVERC"),
		MATLFolder:       env("MATL_FOLDER", "matl"),
		WrapDir:          getenv("MATL_WRAP_DIR"),
		Repo:             env("MATL_REPO", defaultRepo),
		DefaultVersion:   getenv("MATL_DEFAULT_VERSION"),
		ScratchDir:       getenv("SCRATCH_DIR"),

		SoftTimeLimit: parseDuration(getenv("TASK_SOFT_TIME_LIMIT"), 30*time.Second),
		HardTimeLimit: parseDuration(getenv("TASK_TIME_LIMIT"), 60*time.Second),
		Concurrency:   parsePositiveInt(getenv("WORKER_CONCURRENCY"), 1),

		Runtime:          env("INTERPRETER_RUNTIME", RuntimeExec),
		Image:            getenv("INTERPRETER_IMAGE"),
		MemoryLimitBytes: parseBytes(getenv("INTERPRETER_MEMORY_LIMIT")),

		SubmitRate:     parseFloat(getenv("SUBMIT_RATE"), 0.5),
		SubmitBurst:    parseFloat(getenv("SUBMIT_BURST"), 5),
		AllowedOrigins: parseList(getenv("CORS_ALLOWED_ORIGINS"), ";"),
	}
}

// Validate reports settings that cannot work together.
func (c Config) Validate() error {
	var errs []error
	if c.OctaveExecutable == "" {
		errs = append(errs, errors.New("OCTAVE_EXECUTABLE must not be empty"))
	}
	if c.HardTimeLimit > 0 && c.SoftTimeLimit >= c.HardTimeLimit {
		errs = append(errs, fmt.Errorf("TASK_SOFT_TIME_LIMIT (%s) must be below TASK_TIME_LIMIT (%s)", c.SoftTimeLimit, c.HardTimeLimit))
	}
	switch c.Runtime {
	case RuntimeExec:
	case RuntimeDocker:
		if c.Image == "" {
			errs = append(errs, errors.New("INTERPRETER_IMAGE is required for the docker runtime"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown INTERPRETER_RUNTIME %q", c.Runtime))
	}
	return errors.Join(errs...)
}

// DefaultPaths are added to the interpreter search path on every launch.
func (c Config) DefaultPaths() []string {
	if c.WrapDir == "" {
		return nil
	}
	return []string{c.WrapDir}
}

// OctaveCommand is the interpreter command line.
func (c Config) OctaveCommand() []string {
	return append([]string{c.OctaveExecutable}, c.OctaveOptions...)
}

// SetupLogger installs a text logger at the configured level as the default.
func (c Config) SetupLogger(w io.Writer) *slog.Logger {
	level := new(slog.LevelVar)
	level.Set(c.LogLevel)
	logger := slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return logger
}

func parseLevel(raw string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(raw))); err != nil {
		return slog.LevelInfo
	}
	return level
}

func parseDuration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d < 0 {
		return fallback
	}
	return d
}

func parsePositiveInt(raw string, fallback int) int {
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value <= 0 {
		return fallback
	}
	return value
}

func parseFloat(raw string, fallback float64) float64 {
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil || value < 0 {
		return fallback
	}
	return value
}

func parseBytes(raw string) int64 {
	if raw == "" {
		return 0
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || value < 0 {
		return 0
	}
	return value
}

func parseList(raw, sep string) []string {
	var out []string
	for _, field := range strings.Split(raw, sep) {
		if trimmed := strings.TrimSpace(field); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
