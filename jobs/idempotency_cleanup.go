package jobs

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/meridian-erp/meridian-erp/internal/jobs"
	"github.com/meridian-erp/meridian-erp/internal/shared"
)

const defaultIdempotencyRetentionHours = 72

// NewIdempotencyCleanupHandler prunes idempotency keys past retention.
func NewIdempotencyCleanupHandler(store *shared.IdempotencyStore, logger *slog.Logger, metrics *jobmetrics.Metrics) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		var payload IdempotencyCleanupPayload
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
		hours := payload.RetentionHours
		if hours <= 0 {
			hours = defaultIdempotencyRetentionHours
		}
		tracker := metrics.Track("idempotency_cleanup")
		removed, err := store.Cleanup(ctx, time.Duration(hours)*time.Hour)
		if err == nil && removed > 0 {
			logger.Info("idempotency keys pruned", slog.Int64("removed", removed))
		}
		return tracker.End(err)
	}
}
