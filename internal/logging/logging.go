// Package logging builds the [log/slog] loggers used by splitd and the SDK.
//
// The long-running sidecar logs JSON; one-shot commands log text. Every
// handler masks credentials so SDK keys and bearer tokens never reach the
// log stream in full.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Output formats accepted by [New].
const (
	FormatJSON = "json"
	FormatText = "text"
)

// Options configures [New]. Zero values select info-level JSON on stderr.
type Options struct {
	Level  string
	Format string
	Writer io.Writer
}

// New creates a logger from opts. An unknown format falls back to JSON;
// use [ValidFormat] to reject it earlier.
func New(opts Options) *slog.Logger {
	w := opts.Writer
	if w == nil {
		w = os.Stderr
	}
	handlerOpts := &slog.HandlerOptions{
		Level:       ParseLevel(opts.Level),
		ReplaceAttr: maskSecrets,
	}
	if strings.EqualFold(strings.TrimSpace(opts.Format), FormatText) {
		return slog.New(slog.NewTextHandler(w, handlerOpts))
	}
	return slog.New(slog.NewJSONHandler(w, handlerOpts))
}

// Component returns logger tagged with the component that owns it, plus any
// extra key/value pairs. A nil logger tags [slog.Default].
func Component(logger *slog.Logger, name string, args ...any) *slog.Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return logger.With(append([]any{"component", name}, args...)...)
}

// Discard returns a logger that drops every record.
func Discard() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// ParseLevel converts a level string to a [slog.Level].
// Returns [slog.LevelInfo] for unrecognised values.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
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

// ValidFormat reports whether f names a supported output format.
func ValidFormat(f string) bool {
	switch strings.ToLower(strings.TrimSpace(f)) {
	case FormatJSON, FormatText:
		return true
	}
	return false
}

var secretKeys = map[string]struct{}{
	"api_key":       {},
	"apikey":        {},
	"authorization": {},
	"token":         {},
}

// maskSecrets keeps the last four characters of credential attributes, which
// is enough to tell keys apart in a log without leaking them.
func maskSecrets(_ []string, a slog.Attr) slog.Attr {
	if _, ok := secretKeys[strings.ToLower(a.Key)]; !ok || a.Value.Kind() != slog.KindString {
		return a
	}
	return slog.String(a.Key, Mask(a.Value.String()))
}

// Mask hides all but the last four characters of a credential. Values of
// eight characters or fewer are hidden entirely.
func Mask(secret string) string {
	if len(secret) <= 8 {
		return "****"
	}
	return "****" + secret[len(secret)-4:]
}
