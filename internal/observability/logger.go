package observability

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/couchcryptid/hass-ingest-service/internal/config"
	sharedobs "github.com/couchcryptid/storm-data-shared/observability"
	"github.com/lmittmann/tint"
)

// NewLogger builds the process logger and sets it as the slog default: JSON
// in production, colorized text when LOG_FORMAT=text.
func NewLogger(cfg *config.Config) *slog.Logger {
	if !strings.EqualFold(cfg.LogFormat, "text") {
		return sharedobs.NewLogger(cfg.LogLevel, cfg.LogFormat)
	}
	// The shared logger resolves the level; tint only swaps the handler.
	level := leveler(sharedobs.NewLogger(cfg.LogLevel, "json"))
	logger := newTextLogger(os.Stdout, level)
	slog.SetDefault(logger)
	return logger
}

func newTextLogger(w io.Writer, level slog.Leveler) *slog.Logger {
	return slog.New(tint.NewHandler(w, &tint.Options{
		Level:      level,
		TimeFormat: time.Kitchen,
	}))
}

// leveler returns the lowest level logger has enabled.
func leveler(logger *slog.Logger) slog.Level {
	for _, lvl := range []slog.Level{slog.LevelDebug, slog.LevelInfo, slog.LevelWarn} {
		if logger.Enabled(context.Background(), lvl) {
			return lvl
		}
	}
	return slog.LevelError
}
