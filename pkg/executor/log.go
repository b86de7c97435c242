package executor

import (
	"context"
	"encoding/hex"
	"log/slog"

	"github.com/strophon/actionserver/pkg/action"
)

// LevelTrace enables the most verbose action audit output.
const LevelTrace = slog.LevelDebug - 4

// LogAction writes the audit record for a finished action: its input, seed
// and result, plus the pre-mutation injection at debug and the final
// injection and events at trace.
func LogAction(ctx context.Context, logger *slog.Logger, a action.Action) {
	attrs := []slog.Attr{slog.Any("input", a.Input())}

	if a.NeedsRandomNumbers() && a.Seed() != nil {
		attrs = append(attrs, slog.String("seed", hex.EncodeToString(a.Seed())))
	}

	result := a.Err()
	if result == nil {
		result = a.Result()
	}
	attrs = append(attrs, slog.Any("result", result))

	if logger.Enabled(ctx, slog.LevelDebug) {
		attrs = append(attrs, slog.String("original_injection", a.OriginalInjection()))
	}
	if logger.Enabled(ctx, LevelTrace) {
		attrs = append(attrs,
			slog.String("injection", action.Snapshot(a.Injection())),
			slog.Any("events", a.Events()),
		)
	}

	logger.LogAttrs(ctx, slog.LevelInfo, "action performed", attrs...)
}
