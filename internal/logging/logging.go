package logging

import (
	"bufio"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

// Config controls log sink setup.
//
// Target selects the sink: "stdout", "stderr", or a file path. When Sync is
// false, file targets are wrapped in a buffered writer that the caller should
// flush on shutdown via the returned Flush func.
type Config struct {
	Level  string
	Sync   bool
	Target string
}

// Configure builds the process logger and installs it as the slog default.
// It returns the logger and a flush func: a no-op for stdout and stderr; for
// a file target it flushes any buffered output and closes the file.
func Configure(cfg Config) (*slog.Logger, func()) {
	level := parseLevel(cfg.Level)

	out, flush := openTarget(cfg.Target, cfg.Sync)
	handler := slog.NewTextHandler(out, &slog.HandlerOptions{Level: level})

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger, flush
}

func openTarget(target string, syncWrite bool) (io.Writer, func()) {
	switch strings.ToLower(strings.TrimSpace(target)) {
	case "", "stdout":
		return os.Stdout, func() {}
	case "stderr":
		return os.Stderr, func() {}
	}

	f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		// Fall back to stderr rather than losing logs entirely.
		return os.Stderr, func() {}
	}
	if syncWrite {
		return f, func() { _ = f.Close() }
	}

	bw := bufio.NewWriter(f)
	var mu sync.Mutex
	return &lockedWriter{w: bw, mu: &mu}, func() {
		mu.Lock()
		_ = bw.Flush()
		mu.Unlock()
		_ = f.Close()
	}
}

// lockedWriter serializes writes to a buffered sink.
type lockedWriter struct {
	w  io.Writer
	mu *sync.Mutex
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}

func parseLevel(s string) slog.Level {
	s = strings.ToUpper(strings.TrimSpace(s))
	switch s {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
