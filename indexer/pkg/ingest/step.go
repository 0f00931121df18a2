package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/getsentry/sentry-go"

	"github.com/malbeclabs/fleetlake/indexer/pkg/metrics"
)

// RunStep runs one named ingestion step. A failing or panicking step is logged, counted and
// reported to Sentry, and its error returned so the caller can continue with sibling steps.
func RunStep(ctx context.Context, log *slog.Logger, name string, fn func(ctx context.Context) error) (err error) {
	span := sentry.StartSpan(ctx, "ingest.step", sentry.WithDescription(name))
	defer span.Finish()

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("step %s panicked: %v", name, r)
		}
		duration := time.Since(start)
		if err != nil {
			span.Status = sentry.SpanStatusInternalError
			metrics.IngestStepTotal.WithLabelValues(name, "error").Inc()
			if !errors.Is(err, context.Canceled) {
				hub := sentry.GetHubFromContext(ctx)
				if hub == nil {
					hub = sentry.CurrentHub()
				}
				hub.CaptureException(fmt.Errorf("%s: %w", name, err))
			}
			log.Error("ingest: step failed", "step", name, "error", err, "duration", duration.String())
			return
		}
		span.Status = sentry.SpanStatusOK
		metrics.IngestStepTotal.WithLabelValues(name, "success").Inc()
		log.Info("ingest: step completed", "step", name, "duration", duration.String())
	}()

	return fn(span.Context())
}
