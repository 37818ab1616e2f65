// Structured logging for the IR temperature host
//
// Builds *slog.Logger instances with either a colourised human-readable
// handler (tint) or a JSON handler. Components receive a logger and derive
// their own with logger.With("component", ...).
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package log

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/lmittmann/tint"
)

// OutputFormat specifies the output format for log records.
type OutputFormat int

const (
	// FormatText outputs human-readable text.
	FormatText OutputFormat = iota
	// FormatJSON outputs one JSON object per record.
	FormatJSON
)

// Options configures New.
type Options struct {
	Level      slog.Level
	Format     OutputFormat
	Caller     bool
	NoColor    bool
	TimeFormat string
	Writer     io.Writer
}

// DefaultOptions returns INFO level, colourised text on stderr.
func DefaultOptions() Options {
	return Options{
		Level:      slog.LevelInfo,
		Format:     FormatText,
		TimeFormat: "2006-01-02 15:04:05.000",
		Writer:     os.Stderr,
	}
}

// ParseLevel parses DEBUG/INFO/WARN/WARNING/ERROR, defaulting to INFO.
func ParseLevel(s string) slog.Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ParseFormat parses "json" or "text", defaulting to text.
func ParseFormat(s string) OutputFormat {
	if strings.EqualFold(strings.TrimSpace(s), "json") {
		return FormatJSON
	}
	return FormatText
}

// OptionsFromEnv applies environment overrides to opts:
//   - IRTEMP_LOG_LEVEL: DEBUG, INFO, WARN, ERROR
//   - IRTEMP_LOG_FORMAT: text, json
//   - IRTEMP_LOG_CALLER: any non-empty value enables source locations
//   - NO_COLOR: any non-empty value disables colours
func OptionsFromEnv(opts Options) Options {
	if v := os.Getenv("IRTEMP_LOG_LEVEL"); v != "" {
		opts.Level = ParseLevel(v)
	}
	if v := os.Getenv("IRTEMP_LOG_FORMAT"); v != "" {
		opts.Format = ParseFormat(v)
	}
	if os.Getenv("IRTEMP_LOG_CALLER") != "" {
		opts.Caller = true
	}
	if os.Getenv("NO_COLOR") != "" {
		opts.NoColor = true
	}
	return opts
}

// New creates a logger from opts.
func New(opts Options) *slog.Logger {
	w := opts.Writer
	if w == nil {
		w = os.Stderr
	}
	if opts.Format == FormatJSON {
		return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
			Level:     opts.Level,
			AddSource: opts.Caller,
		}))
	}
	timeFormat := opts.TimeFormat
	if timeFormat == "" {
		timeFormat = time.DateTime
	}
	return slog.New(tint.NewHandler(w, &tint.Options{
		Level:      opts.Level,
		AddSource:  opts.Caller,
		NoColor:    opts.NoColor,
		TimeFormat: timeFormat,
	}))
}

// Discard returns a logger that drops every record. Used by tests and as
// the fallback when a component is constructed without a logger.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}
