// Package observability provides the gateway's structured logging,
// metrics, and tracing. Records written through a Logger's own methods
// (Debug/Info/Warn/Error) pass their message and string or error values
// through the redaction layer before reaching a sink. Records written
// through the *slog.Logger returned by Slog() are not redacted.
package observability

import (
	"context"
	"io"
	"log/slog"
	"os"
	"regexp"
	"strings"
)

// Logger wraps slog with redaction of sensitive values.
type Logger struct {
	logger  *slog.Logger
	redacts []*regexp.Regexp
}

// LogConfig configures the logging behavior.
type LogConfig struct {
	// Level is one of "debug", "info", "warn", "error". Defaults to
	// "info"; overridable at runtime via the LOG_LEVEL env var.
	Level string

	// Format is "json" (production default) or "text" (development).
	Format string

	// Output defaults to os.Stdout.
	Output io.Writer

	AddSource bool

	// RedactPatterns are additional regexes layered on top of
	// DefaultRedactPatterns.
	RedactPatterns []string
}

// DefaultRedactPatterns covers the shared-secret shapes this gateway
// handles: the agent token, messenger bot/app tokens, dispatcher
// bearer tokens, and JWTs issued by the operator HTTP surface.
var DefaultRedactPatterns = []string{
	`(?i)(bearer|token)[\s:]+([a-zA-Z0-9_\-\.]{16,})`,
	`(?i)(secret|password|passwd|pwd)[\s:=]+["']?([^\s"']{8,})["']?`,
	`xox[baprs]-[a-zA-Z0-9-]{10,}`, // Slack bot/app/user tokens
	`eyJ[a-zA-Z0-9_-]*\.eyJ[a-zA-Z0-9_-]*\.[a-zA-Z0-9_-]*`, // JWTs
}

// NewLogger builds a redacting structured logger. Logging defaults to
// INFO; LOG_LEVEL, when set, overrides config.Level at runtime.
func NewLogger(config LogConfig) *Logger {
	if config.Output == nil {
		config.Output = os.Stdout
	}
	if envLevel := os.Getenv("LOG_LEVEL"); envLevel != "" {
		config.Level = envLevel
	}
	if config.Level == "" {
		config.Level = "info"
	}
	if config.Format == "" {
		config.Format = "json"
	}

	opts := &slog.HandlerOptions{Level: levelFromString(config.Level), AddSource: config.AddSource}
	var handler slog.Handler
	if config.Format == "text" {
		handler = slog.NewTextHandler(config.Output, opts)
	} else {
		handler = slog.NewJSONHandler(config.Output, opts)
	}

	patterns := append(append([]string{}, DefaultRedactPatterns...), config.RedactPatterns...)
	redacts := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		if re, err := regexp.Compile(p); err == nil {
			redacts = append(redacts, re)
		}
	}

	return &Logger{logger: slog.New(handler), redacts: redacts}
}

func levelFromString(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func (l *Logger) Debug(msg string, args ...any) { l.log(slog.LevelDebug, msg, args...) }
func (l *Logger) Info(msg string, args ...any)  { l.log(slog.LevelInfo, msg, args...) }
func (l *Logger) Warn(msg string, args ...any)  { l.log(slog.LevelWarn, msg, args...) }
func (l *Logger) Error(msg string, args ...any) { l.log(slog.LevelError, msg, args...) }

func (l *Logger) log(level slog.Level, msg string, args ...any) {
	redacted := make([]any, len(args))
	for i, a := range args {
		redacted[i] = l.redactValue(a)
	}
	l.logger.Log(context.Background(), level, l.redactString(msg), redacted...)
}

// Slog exposes the underlying *slog.Logger for callers (e.g. other
// packages' constructors) that accept a plain *slog.Logger parameter.
// Records logged through it bypass the redaction layer.
func (l *Logger) Slog() *slog.Logger { return l.logger }

func (l *Logger) redactValue(v any) any {
	switch val := v.(type) {
	case string:
		return l.redactString(val)
	case error:
		return l.redactString(val.Error())
	default:
		return v
	}
}

func (l *Logger) redactString(s string) string {
	for _, re := range l.redacts {
		s = re.ReplaceAllString(s, "[REDACTED]")
	}
	return s
}

// WithFields returns a derived logger carrying additional fields on
// every record (e.g. a component name).
func (l *Logger) WithFields(args ...any) *Logger {
	return &Logger{logger: l.logger.With(args...), redacts: l.redacts}
}
