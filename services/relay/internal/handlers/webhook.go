package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/universoinfantilbr/hotmart-webhook-base44/internal/platform/api"
	"github.com/universoinfantilbr/hotmart-webhook-base44/internal/platform/httpserver"
	"github.com/universoinfantilbr/hotmart-webhook-base44/services/relay/internal/hotmart"
	"github.com/universoinfantilbr/hotmart-webhook-base44/services/relay/internal/idempotency"
	"github.com/universoinfantilbr/hotmart-webhook-base44/services/relay/internal/metrics"
	"github.com/universoinfantilbr/hotmart-webhook-base44/services/relay/internal/notification"
	"github.com/universoinfantilbr/hotmart-webhook-base44/services/relay/internal/publisher"
	"github.com/universoinfantilbr/hotmart-webhook-base44/services/relay/internal/scheduler"
)

const maxBodyBytes = 65536

// Plain-text acknowledgements returned to Hotmart.
const (
	ackReceived         = "received"
	ackAlreadyProcessed = "already processed"
	ackNotApproved      = "not approved"
)

// Confirmer asks the payment platform for a purchase's current status.
type Confirmer interface {
	Confirm(ctx context.Context, purchaseID string) hotmart.Confirmation
}

// Scheduler defers the unlock call.
type Scheduler interface {
	Schedule(ctx context.Context, u scheduler.Unlock) (scheduler.Task, error)
}

type WebhookDeps struct {
	// Secret is the shared webhook token. Empty disables the check.
	Secret    string
	Log       *zap.Logger
	Processed idempotency.Store
	Confirmer Confirmer
	Scheduler Scheduler
	Publisher *publisher.Publisher
	Metrics   *metrics.Metrics
}

// WebhookHandler handles Hotmart purchase webhooks.
type WebhookHandler struct {
	secret    string
	log       *zap.Logger
	processed idempotency.Store
	confirmer Confirmer
	scheduler Scheduler
	pub       *publisher.Publisher
	metrics   *metrics.Metrics
}

func NewWebhookHandler(deps WebhookDeps) *WebhookHandler {
	return &WebhookHandler{
		secret:    deps.Secret,
		log:       deps.Log,
		processed: deps.Processed,
		confirmer: deps.Confirmer,
		scheduler: deps.Scheduler,
		pub:       deps.Publisher,
		metrics:   deps.Metrics,
	}
}

func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	rid := httpserver.RequestIDFromContext(ctx)

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.count(metrics.OutcomeTooLarge)
			api.PayloadTooLarge(w, "PAYLOAD_TOO_LARGE", "body exceeds 64 KiB", rid)
			return
		}
		h.count(metrics.OutcomeReadError)
		api.BadRequest(w, "READ_ERROR", "cannot read body", rid, nil)
		return
	}

	n, err := notification.Parse(body)
	switch {
	case errors.Is(err, notification.ErrInvalidJSON):
		h.count(metrics.OutcomeInvalidJSON)
		api.BadRequest(w, "INVALID_JSON", "body must be a JSON object", rid, nil)
		return
	case errors.Is(err, notification.ErrMissingFields):
		h.log.Warn("payload missing required fields",
			zap.String("purchase_id", n.PurchaseID),
			zap.String("email", n.Email),
			zap.String("request_id", rid),
		)
		h.count(metrics.OutcomeMissingFields)
		api.BadRequest(w, "MISSING_FIELDS", "missing fields", rid, nil)
		return
	case err != nil:
		h.fail(w, rid, "parse notification", err)
		return
	}

	identity := n.Identity()
	log := h.log.With(
		zap.String("event_id", identity),
		zap.String("purchase_id", n.PurchaseID),
		zap.String("request_id", rid),
	)

	if err := notification.VerifySignature(h.secret, notification.SignatureFromHeader(r.Header)); err != nil {
		log.Warn("invalid webhook signature")
		h.count(metrics.OutcomeInvalidSignature)
		api.Unauthorized(w, "INVALID_SIGNATURE", "invalid signature", rid)
		return
	}

	seen, err := h.processed.Seen(ctx, identity)
	if err != nil {
		h.fail(w, rid, "processed set lookup", err)
		return
	}
	if seen {
		log.Info("event already processed")
		h.count(metrics.OutcomeDuplicate)
		api.WriteText(w, http.StatusOK, ackAlreadyProcessed)
		return
	}

	status := h.resolveStatus(ctx, log, n)

	if !notification.IsApproved(status) {
		if _, err := h.processed.Mark(ctx, identity); err != nil {
			h.fail(w, rid, "processed set mark", err)
			return
		}
		log.Info("payment not approved", zap.String("status", status))
		h.count(metrics.OutcomeNotApproved)
		h.pub.Publish(ctx, publisher.SubjectPurchaseRejected, publisher.RelayEvent{
			EventID:    identity,
			PurchaseID: n.PurchaseID,
			Status:     status,
		})
		api.WriteText(w, http.StatusOK, ackNotApproved)
		return
	}

	// Mark before scheduling so a redelivery cannot schedule a second unlock.
	first, err := h.processed.Mark(ctx, identity)
	if err != nil {
		h.fail(w, rid, "processed set mark", err)
		return
	}
	if !first {
		log.Info("event claimed by a concurrent delivery")
		h.count(metrics.OutcomeDuplicate)
		api.WriteText(w, http.StatusOK, ackAlreadyProcessed)
		return
	}

	task, err := h.scheduler.Schedule(ctx, scheduler.Unlock{
		EventID:    identity,
		Email:      n.Email,
		PurchaseID: n.PurchaseID,
	})
	if err != nil {
		h.fail(w, rid, "schedule unlock", err)
		return
	}

	h.count(metrics.OutcomeScheduled)
	h.pub.Publish(ctx, publisher.SubjectUnlockScheduled, publisher.RelayEvent{
		EventID:    identity,
		PurchaseID: n.PurchaseID,
		Email:      n.Email,
		Status:     status,
		TaskID:     task.ID,
	})
	api.WriteText(w, http.StatusOK, ackReceived)
}

// resolveStatus prefers Hotmart's answer and falls back to the payload when
// confirmation is unavailable or fails.
func (h *WebhookHandler) resolveStatus(ctx context.Context, log *zap.Logger, n notification.Notification) string {
	if h.confirmer == nil {
		return notification.NormalizeStatus(n.Status)
	}
	c := h.confirmer.Confirm(ctx, n.PurchaseID)
	if h.metrics != nil {
		h.metrics.UpstreamConfirmation.WithLabelValues(c.Result.String()).Inc()
	}
	switch c.Result {
	case hotmart.Failed:
		log.Warn("hotmart confirmation failed, trusting payload status",
			zap.String("payload_status", n.Status),
			zap.Error(c.Err),
		)
	case hotmart.Confirmed:
		if notification.NormalizeStatus(c.Status) != notification.NormalizeStatus(n.Status) {
			log.Info("hotmart status overrides payload",
				zap.String("payload_status", n.Status),
				zap.String("hotmart_status", c.Status),
			)
		}
	}
	return notification.NormalizeStatus(c.StatusOr(n.Status))
}

func (h *WebhookHandler) fail(w http.ResponseWriter, rid, op string, err error) {
	h.log.Error("webhook failed", zap.String("op", op), zap.String("request_id", rid), zap.Error(err))
	h.count(metrics.OutcomeError)
	api.Internal(w, rid)
}

func (h *WebhookHandler) count(outcome string) {
	if h.metrics != nil {
		h.metrics.Webhooks.WithLabelValues(outcome).Inc()
	}
}
