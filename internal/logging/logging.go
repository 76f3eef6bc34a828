package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/rs/zerolog"
)

// New creates a zerolog logger writing to the console and to the log file.
// An empty path selects the platform default. If the file cannot be opened
// the logger falls back to console only and returns the error alongside it.
func New(level, path string) (zerolog.Logger, error) {
	lvl, err := parseLevel(level)
	if err != nil {
		return zerolog.Nop(), err
	}
	if path == "" {
		path = LogPath()
	}

	console := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	var out io.Writer = console

	var fileErr error
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		fileErr = fmt.Errorf("failed to create log directory: %w", err)
	} else if logFile, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644); err != nil {
		fileErr = fmt.Errorf("failed to open log file: %w", err)
	} else {
		// Multi-writer: console + file
		out = zerolog.MultiLevelWriter(console, logFile)
	}

	logger := zerolog.New(out).Level(lvl).With().Timestamp().Caller().Logger()
	return logger, fileErr
}

func parseLevel(level string) (zerolog.Level, error) {
	if level == "" {
		return zerolog.InfoLevel, nil
	}
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return zerolog.NoLevel, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	return lvl, nil
}

// LogPath returns platform-specific log file path
func LogPath() string {
	var base string

	switch runtime.GOOS {
	case "darwin":
		base = os.Getenv("HOME") + "/Library/Logs"
	case "windows":
		base = os.Getenv("LOCALAPPDATA")
	default:
		if xdg := os.Getenv("XDG_STATE_HOME"); xdg != "" {
			base = xdg
		} else {
			base = os.Getenv("HOME") + "/.local/state"
		}
	}

	return filepath.Join(base, "scribe-tray", "scribe-tray.log")
}
