package log

import (
	"fmt"
	"log/slog"
	"strings"
)

// Output formats accepted by Config.Format.
const (
	FormatText = "text"
	FormatJSON = "json"
)

// Config selects the verbosity and encoding of the process logger.
type Config struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// DefaultConfig logs info and above as text.
func DefaultConfig() Config {
	return Config{Level: "info", Format: FormatText}
}

// Validate rejects unknown levels and formats.
func (c Config) Validate() error {
	switch strings.ToLower(strings.TrimSpace(c.Level)) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("log: unknown level %q", c.Level)
	}
	switch c.Format {
	case FormatText, FormatJSON:
	default:
		return fmt.Errorf("log: unknown format %q", c.Format)
	}
	return nil
}

// LevelFromString parses a log level from its string representation.
// The match is case-insensitive. Unrecognised strings return info.
func LevelFromString(s string) slog.Level {
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
