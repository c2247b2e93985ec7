package bootstrap

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/najoast/durable/config"
)

// newLogger builds the root logger from the log section. The level is read
// through level so it can change while running. A non-nil w replaces the
// configured output. The returned closer is nil unless a file was opened.
func newLogger(app config.AppConfig, cfg config.LogConfig, level *slog.LevelVar, w io.Writer) (*slog.Logger, io.Closer, error) {
	var closer io.Closer
	if w == nil {
		switch cfg.Output {
		case "", "stderr":
			w = os.Stderr
		case "stdout":
			w = os.Stdout
		default:
			f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
			if err != nil {
				return nil, nil, fmt.Errorf("failed to open log output: %w", err)
			}
			w, closer = f, f
		}
	}

	opts := &slog.HandlerOptions{Level: level, AddSource: app.Debug}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler).With("app", app.Name), closer, nil
}
