package logging

import (
	"context"
	"log/slog"
	"strings"
)

// #region attrs
func Detector(id string) slog.Attr { return slog.String("detector_id", id) }

func Window(id int64) slog.Attr { return slog.Int64("window_id", id) }

func Cycle(id int64) slog.Attr { return slog.Int64("cycle_id", id) }

func Component(name string) slog.Attr { return slog.String("component", name) }

// #endregion attrs

// #region degeneracies
// Degeneracies logs each substituted default at warn.
func Degeneracies(ctx context.Context, logger *slog.Logger, detectorID string, windowID int64, notes []string) {
	for _, n := range notes {
		field, reason, _ := strings.Cut(n, ": ")
		logger.LogAttrs(ctx, slog.LevelWarn, "degenerate input",
			Detector(detectorID), Window(windowID),
			slog.String("field", field), slog.String("reason", reason))
	}
}

// #endregion degeneracies
