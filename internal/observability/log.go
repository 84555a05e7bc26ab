// Package observability wires structured logging for the bridge.
package observability

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger builds the process logger. LOG_FORMAT=console switches to a
// human-readable encoder for local development; the default is JSON, the
// same shape an operator's log shipper expects in production.
func NewLogger() (*zap.Logger, error) {
	format := strings.ToLower(os.Getenv("LOG_FORMAT"))
	level := zapcore.InfoLevel
	if lv := strings.ToLower(os.Getenv("LOG_LEVEL")); lv != "" {
		_ = level.UnmarshalText([]byte(lv))
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(level)
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	if format == "console" {
		cfg.Encoding = "console"
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	return cfg.Build()
}

const maskedSecretPrefix = "********"

// Redact scrubs bearer tokens and MQTT-style credentials out of a string
// before it reaches a log line. It is deliberately conservative: anything
// that looks like "token=...", "Bearer ...", or "pass=..." gets replaced.
func Redact(s string) string {
	lower := strings.ToLower(s)
	markers := []string{"bearer ", "token=", "token\":", "pass=", "password=", "authorization:"}
	for _, m := range markers {
		idx := strings.Index(lower, m)
		if idx == -1 {
			continue
		}
		end := idx + len(m)
		rest := s[end:]
		cut := strings.IndexAny(rest, " \t\n\"'&")
		if cut == -1 {
			cut = len(rest)
		}
		s = s[:end] + maskedSecretPrefix + rest[cut:]
		lower = strings.ToLower(s)
	}
	return s
}
