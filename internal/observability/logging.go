package observability

import (
	"io"
	"log/slog"
	"os"
	"regexp"
	"strings"
)

// LogConfig configures the process logger.
type LogConfig struct {
	// Level is one of debug, info, warn, error. Defaults to info.
	Level string
	// Format is json or text. Defaults to json.
	Format    string
	Output    io.Writer
	AddSource bool
	// RedactPatterns extend DefaultRedactPatterns.
	RedactPatterns []string
}

// DefaultRedactPatterns match credentials that platform SDK errors tend to echo.
var DefaultRedactPatterns = []string{
	// Telegram bot tokens
	`\b\d{6,12}:[A-Za-z0-9_-]{30,}\b`,
	// Slack tokens
	`xox[abposr]-[A-Za-z0-9-]{10,}`,
	`xapp-[A-Za-z0-9-]{10,}`,
	// JWT
	`eyJ[a-zA-Z0-9_-]*\.eyJ[a-zA-Z0-9_-]*\.[a-zA-Z0-9_-]*`,
	`(?i)(bearer|token)[\s:=]+([a-zA-Z0-9_\-\.]{16,})`,
	`(?i)(secret|password|passwd)[\s:=]+["']?([^\s"']{8,})["']?`,
}

const redacted = "[REDACTED]"

// ParseLevel maps a level name to a slog level. Unknown names map to info.
func ParseLevel(name string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(name)) {
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

// NewLogger builds the process logger. The returned LevelVar may be updated
// at runtime to change verbosity.
func NewLogger(cfg LogConfig) (*slog.Logger, *slog.LevelVar) {
	if cfg.Output == nil {
		cfg.Output = os.Stderr
	}
	level := new(slog.LevelVar)
	level.Set(ParseLevel(cfg.Level))

	redactor := newRedactor(append(append([]string{}, DefaultRedactPatterns...), cfg.RedactPatterns...))
	opts := &slog.HandlerOptions{
		Level:       level,
		AddSource:   cfg.AddSource,
		ReplaceAttr: redactor.replaceAttr,
	}

	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "text") {
		handler = slog.NewTextHandler(cfg.Output, opts)
	} else {
		handler = slog.NewJSONHandler(cfg.Output, opts)
	}
	return slog.New(handler), level
}

type redactor struct {
	patterns []*regexp.Regexp
}

func newRedactor(patterns []string) *redactor {
	r := &redactor{}
	for _, p := range patterns {
		if re, err := regexp.Compile(p); err == nil {
			r.patterns = append(r.patterns, re)
		}
	}
	return r
}

func (r *redactor) replaceAttr(_ []string, a slog.Attr) slog.Attr {
	switch a.Value.Kind() {
	case slog.KindString:
		a.Value = slog.StringValue(r.redact(a.Value.String()))
	case slog.KindAny:
		if err, ok := a.Value.Any().(error); ok {
			a.Value = slog.StringValue(r.redact(err.Error()))
		}
	}
	return a
}

// Redact masks credentials in s.
func (r *redactor) redact(s string) string {
	for _, re := range r.patterns {
		s = re.ReplaceAllString(s, redacted)
	}
	return s
}
