package laketesting

import (
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
)

// NewLogger returns a debug logger for tests. Output is discarded unless
// FLEETLAKE_TEST_VERBOSE is set.
func NewLogger() *slog.Logger {
	var w io.Writer = io.Discard
	if os.Getenv("FLEETLAKE_TEST_VERBOSE") != "" {
		w = os.Stderr
	}
	return slog.New(tint.NewHandler(w, &tint.Options{
		Level:      slog.LevelDebug,
		TimeFormat: time.Kitchen,
	}))
}
