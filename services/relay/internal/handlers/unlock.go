package handlers

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/universoinfantilbr/hotmart-webhook-base44/services/relay/internal/base44"
	"github.com/universoinfantilbr/hotmart-webhook-base44/services/relay/internal/metrics"
	"github.com/universoinfantilbr/hotmart-webhook-base44/services/relay/internal/publisher"
	"github.com/universoinfantilbr/hotmart-webhook-base44/services/relay/internal/scheduler"
)

// Unlocker grants access downstream.
type Unlocker interface {
	Unlock(ctx context.Context, email, purchaseID string) (base44.Result, error)
}

// NewUnlockJob returns the scheduler callback that performs the deferred
// unlock. Every outcome is terminal: it is logged, counted and published,
// never retried.
func NewUnlockJob(u Unlocker, pub *publisher.Publisher, m *metrics.Metrics, log *zap.Logger) scheduler.FireFunc {
	return func(ctx context.Context, t scheduler.Task) {
		log := log.With(
			zap.String("task_id", t.ID),
			zap.String("event_id", t.EventID),
			zap.String("purchase_id", t.PurchaseID),
		)
		log.Info("unlock firing", zap.String("email", t.Email))

		start := time.Now()
		res, err := u.Unlock(ctx, t.Email, t.PurchaseID)

		result := metrics.UnlockOK
		switch {
		case err != nil:
			result = metrics.UnlockFailed
			log.Error("base44 unlock failed", zap.Error(err))
		case res.Skipped:
			result = metrics.UnlockSkipped
			log.Warn("BASE44_API_URL not configured, skipping unlock")
		case !res.OK:
			result = metrics.UnlockHTTP
			log.Warn("base44 unlock rejected", zap.Int("status", res.StatusCode), zap.String("body", truncate(res.Body, 512)))
		default:
			log.Info("base44 unlock done", zap.Int("status", res.StatusCode), zap.String("body", truncate(res.Body, 512)))
		}

		if m != nil {
			m.Unlocks.WithLabelValues(result).Inc()
			if !res.Skipped {
				m.UnlockDuration.Observe(time.Since(start).Seconds())
			}
		}
		pub.Publish(ctx, publisher.SubjectUnlockCompleted, publisher.RelayEvent{
			EventID:    t.EventID,
			PurchaseID: t.PurchaseID,
			Email:      t.Email,
			TaskID:     t.ID,
			Outcome:    result,
			HTTPStatus: res.StatusCode,
		})
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
