// Package logging builds the process logger from configuration.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	charmLog "github.com/charmbracelet/log"
)

const (
	defaultFormat = "text"
	defaultLevel  = "info"

	envFormat = "MMATE_LOG_FORMAT"
	envLevel  = "MMATE_LOG_LEVEL"
)

// Config selects the log level and output format
type Config struct {
	Level     string `toml:"level"`
	Format    string `toml:"format"`
	AddSource bool   `toml:"add_source"`
}

// New builds a logger writing to stderr. MMATE_LOG_LEVEL and
// MMATE_LOG_FORMAT override the configured values.
func New(cfg Config) (*slog.Logger, error) {
	return NewWithWriter(cfg, os.Stderr)
}

// NewWithWriter builds a logger writing to w. Text output uses the charm
// log handler, json output one object per line.
func NewWithWriter(cfg Config, w io.Writer) (*slog.Logger, error) {
	format := strings.ToLower(strings.TrimSpace(cfg.Format))
	if v := strings.TrimSpace(os.Getenv(envFormat)); v != "" {
		format = strings.ToLower(v)
	}
	if format == "" {
		format = defaultFormat
	}

	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	switch format {
	case "text":
		h := charmLog.NewWithOptions(w, charmLog.Options{
			Level:           charmLevel(level),
			ReportTimestamp: true,
			ReportCaller:    cfg.AddSource,
			Formatter:       charmLog.TextFormatter,
		})
		return slog.New(h), nil
	case "json":
		h := slog.NewJSONHandler(w, &slog.HandlerOptions{
			Level:     level,
			AddSource: cfg.AddSource,
		})
		return slog.New(h), nil
	default:
		return nil, fmt.Errorf("unsupported log format %q", format)
	}
}

// ParseLevel parses debug, info, warn or error; empty means info
func ParseLevel(input string) (slog.Level, error) {
	text := strings.ToLower(strings.TrimSpace(input))
	if v := strings.TrimSpace(os.Getenv(envLevel)); v != "" {
		text = strings.ToLower(v)
	}
	if text == "" {
		text = defaultLevel
	}

	switch text {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unsupported log level %q", text)
	}
}

func charmLevel(level slog.Level) charmLog.Level {
	switch {
	case level <= slog.LevelDebug:
		return charmLog.DebugLevel
	case level <= slog.LevelInfo:
		return charmLog.InfoLevel
	case level <= slog.LevelWarn:
		return charmLog.WarnLevel
	default:
		return charmLog.ErrorLevel
	}
}
