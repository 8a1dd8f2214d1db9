// Package logging builds the process logger: text on the terminal, JSON to
// an optional file, and journald when running as a systemd service.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/KafClaw/clawcore/internal/config"
	slogmulti "github.com/samber/slog-multi"
	slogjournal "github.com/systemd/slog-journal"
)

// Level is shared by every handler so it can be changed at runtime.
var Level = new(slog.LevelVar)

// ParseLevel maps debug/info/warn/error to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
}

// Setup builds a logger from cfg. Terminal output goes to w unless the
// process runs as a systemd service. The returned close func releases the
// log file, if any.
func Setup(cfg config.LoggingConfig, w io.Writer) (*slog.Logger, func() error, error) {
	lvl, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, nil, err
	}
	Level.Set(lvl)

	closeFn := func() error { return nil }
	var handlers []slog.Handler

	service := IsSystemdService()
	var terminal slog.Handler
	if !service && w != nil {
		terminal = slog.NewTextHandler(w, &slog.HandlerOptions{Level: Level})
		handlers = append(handlers, terminal)
	}

	if cfg.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.File), 0o700); err != nil {
			return nil, nil, fmt.Errorf("create log dir: %w", err)
		}
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		handlers = append(handlers, slog.NewJSONHandler(f, &slog.HandlerOptions{Level: Level}))
		closeFn = f.Close
	}

	if cfg.Journal && service {
		journal, err := slogjournal.NewHandler(&slogjournal.Options{
			Level:        Level,
			ReplaceGroup: toJournalKey,
			ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
				a.Key = toJournalKey(a.Key)
				return a
			},
		})
		if err != nil {
			if terminal != nil {
				slog.New(terminal).Warn("journald unavailable", "error", err)
			}
		} else {
			handlers = append(handlers, journal)
		}
	}

	if len(handlers) == 0 {
		handlers = append(handlers, slog.NewTextHandler(io.Discard, nil))
	}
	return slog.New(slogmulti.Fanout(handlers...)), closeFn, nil
}

// journald field names are upper case letters, digits and underscores.
func toJournalKey(s string) string {
	return strings.Map(func(r rune) rune {
		if r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' {
			return r
		}
		return '_'
	}, strings.ToUpper(s))
}

// IsSystemdService reports whether the process runs inside a systemd service unit.
func IsSystemdService() bool {
	content, err := os.ReadFile("/proc/self/cgroup")
	if err != nil {
		return false
	}
	line := strings.TrimSpace(strings.SplitN(string(content), "\n", 2)[0])
	parts := strings.SplitN(line, ":", 3)
	if len(parts) < 3 {
		return false
	}
	return strings.HasSuffix(path.Dir(parts[2]), ".service") || strings.HasSuffix(parts[2], ".service")
}
