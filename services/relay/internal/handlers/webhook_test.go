package handlers

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"

	"github.com/universoinfantilbr/hotmart-webhook-base44/internal/platform/httpserver"
	"github.com/universoinfantilbr/hotmart-webhook-base44/services/relay/internal/base44"
	"github.com/universoinfantilbr/hotmart-webhook-base44/services/relay/internal/hotmart"
	"github.com/universoinfantilbr/hotmart-webhook-base44/services/relay/internal/idempotency"
	"github.com/universoinfantilbr/hotmart-webhook-base44/services/relay/internal/metrics"
	"github.com/universoinfantilbr/hotmart-webhook-base44/services/relay/internal/publisher"
	"github.com/universoinfantilbr/hotmart-webhook-base44/services/relay/internal/scheduler"
)

const (
	testSecret      = "hottok_test_secret"
	approvedPayload = `{"purchase":{"id":"P1","status":"APPROVED"},"buyer":{"email":"a@x.com"}}`
)

type fakeScheduler struct {
	mu      sync.Mutex
	unlocks []scheduler.Unlock
	err     error
	panics  bool
}

func (s *fakeScheduler) Schedule(_ context.Context, u scheduler.Unlock) (scheduler.Task, error) {
	if s.panics {
		panic("scheduler exploded")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return scheduler.Task{}, s.err
	}
	s.unlocks = append(s.unlocks, u)
	return scheduler.Task{ID: "task-1", Unlock: u}, nil
}

func (s *fakeScheduler) calls() []scheduler.Unlock {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]scheduler.Unlock(nil), s.unlocks...)
}

type fakeConfirmer struct {
	c     hotmart.Confirmation
	calls int
}

func (f *fakeConfirmer) Confirm(context.Context, string) hotmart.Confirmation {
	f.calls++
	return f.c
}

type brokenStore struct{ err error }

func (s brokenStore) Seen(context.Context, string) (bool, error) { return false, s.err }
func (s brokenStore) Mark(context.Context, string) (bool, error) { return false, s.err }

// racingStore simulates a concurrent delivery that marks the identity
// between this request's Seen and Mark.
type racingStore struct{}

func (racingStore) Seen(context.Context, string) (bool, error) { return false, nil }
func (racingStore) Mark(context.Context, string) (bool, error) { return false, nil }

type testEnv struct {
	handler   *WebhookHandler
	store     idempotency.Store
	sched     *fakeScheduler
	confirmer *fakeConfirmer
	metrics   *metrics.Metrics
}

func newTestEnv(secret string) *testEnv {
	env := &testEnv{
		store:     idempotency.NewMemoryStore(),
		sched:     &fakeScheduler{},
		confirmer: &fakeConfirmer{c: hotmart.Confirmation{Result: hotmart.Unavailable}},
		metrics:   metrics.New(nil),
	}
	env.handler = env.build(secret, env.store)
	return env
}

func (e *testEnv) build(secret string, store idempotency.Store) *WebhookHandler {
	return NewWebhookHandler(WebhookDeps{
		Secret:    secret,
		Log:       zap.NewNop(),
		Processed: store,
		Confirmer: e.confirmer,
		Scheduler: e.sched,
		Publisher: publisher.NewStub(zap.NewNop()),
		Metrics:   e.metrics,
	})
}

func post(h http.Handler, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/hotmart/webhook", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func (e *testEnv) outcome(name string) float64 {
	return testutil.ToFloat64(e.metrics.Webhooks.WithLabelValues(name))
}

func TestWebhook_ApprovedIsScheduled(t *testing.T) {
	env := newTestEnv("")
	w := post(env.handler, approvedPayload, nil)

	if w.Code != http.StatusOK || w.Body.String() != "received" {
		t.Fatalf("expected 200 received, got %d %q", w.Code, w.Body.String())
	}
	calls := env.sched.calls()
	if len(calls) != 1 {
		t.Fatalf("expected exactly one scheduled unlock, got %d", len(calls))
	}
	if calls[0].Email != "a@x.com" || calls[0].PurchaseID != "P1" || calls[0].EventID != "P1" {
		t.Fatalf("unexpected unlock %+v", calls[0])
	}
	if env.outcome(metrics.OutcomeScheduled) != 1 {
		t.Fatal("expected scheduled outcome to be counted")
	}
}

func TestWebhook_ApprovedAnyCase(t *testing.T) {
	for _, status := range []string{"approved", "Paid", "active"} {
		env := newTestEnv("")
		body := `{"purchase":{"id":"P-` + status + `","status":"` + status + `"},"buyer":{"email":"a@x.com"}}`
		w := post(env.handler, body, nil)
		if w.Code != http.StatusOK || w.Body.String() != "received" {
			t.Fatalf("%s: expected 200 received, got %d %q", status, w.Code, w.Body.String())
		}
		if len(env.sched.calls()) != 1 {
			t.Fatalf("%s: expected one scheduled unlock", status)
		}
	}
}

func TestWebhook_MissingFieldsNeverSchedules(t *testing.T) {
	bodies := []string{
		`{}`,
		``,
		`{"purchase":{"id":"P1","status":"APPROVED"}}`,
		`{"buyer":{"email":"a@x.com"},"status":"APPROVED"}`,
		`{"purchase":{"id":""},"buyer":{"email":"a@x.com"}}`,
	}
	for _, body := range bodies {
		env := newTestEnv("")
		w := post(env.handler, body, nil)
		if w.Code != http.StatusBadRequest {
			t.Fatalf("%q: expected 400, got %d", body, w.Code)
		}
		if !strings.Contains(w.Body.String(), "MISSING_FIELDS") {
			t.Fatalf("%q: expected MISSING_FIELDS code, got %s", body, w.Body.String())
		}
		if len(env.sched.calls()) != 0 {
			t.Fatalf("%q: unlock must not be scheduled", body)
		}
	}
}

func TestWebhook_InvalidJSON(t *testing.T) {
	env := newTestEnv("")
	w := post(env.handler, `{"purchase":`, nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "INVALID_JSON") {
		t.Fatalf("expected INVALID_JSON code, got %s", w.Body.String())
	}
}

func TestWebhook_InvalidSignature(t *testing.T) {
	for _, header := range []string{"x-hotmart-signature", "x-auth-token", "x-hotmart-hottok"} {
		env := newTestEnv(testSecret)
		w := post(env.handler, approvedPayload, map[string]string{header: "wrong"})
		if w.Code != http.StatusUnauthorized {
			t.Fatalf("%s: expected 401, got %d", header, w.Code)
		}
		if len(env.sched.calls()) != 0 {
			t.Fatalf("%s: unlock must not be scheduled", header)
		}
		if seen, _ := env.store.Seen(context.Background(), "P1"); seen {
			t.Fatalf("%s: rejected delivery must not be marked processed", header)
		}
	}
}

func TestWebhook_ValidSignature(t *testing.T) {
	env := newTestEnv(testSecret)
	w := post(env.handler, approvedPayload, map[string]string{"x-hotmart-signature": testSecret})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestWebhook_MissingSignatureHeaderSkipsCheck(t *testing.T) {
	env := newTestEnv(testSecret)
	w := post(env.handler, approvedPayload, nil)
	if w.Code != http.StatusOK || w.Body.String() != "received" {
		t.Fatalf("expected 200 received without signature header, got %d %q", w.Code, w.Body.String())
	}
}

func TestWebhook_NoSecretIgnoresSignature(t *testing.T) {
	env := newTestEnv("")
	w := post(env.handler, approvedPayload, map[string]string{"x-auth-token": "anything"})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestWebhook_DuplicateIsIdempotent(t *testing.T) {
	env := newTestEnv("")

	w1 := post(env.handler, approvedPayload, nil)
	if w1.Code != http.StatusOK || w1.Body.String() != "received" {
		t.Fatalf("first call: expected 200 received, got %d %q", w1.Code, w1.Body.String())
	}
	w2 := post(env.handler, approvedPayload, nil)
	if w2.Code != http.StatusOK || w2.Body.String() != "already processed" {
		t.Fatalf("duplicate call: expected 200 already processed, got %d %q", w2.Code, w2.Body.String())
	}
	if len(env.sched.calls()) != 1 {
		t.Fatalf("expected a single scheduled unlock, got %d", len(env.sched.calls()))
	}
	if env.confirmer.calls != 1 {
		t.Fatalf("duplicate must not re-confirm, got %d confirmations", env.confirmer.calls)
	}
}

func TestWebhook_DeclinedIsMarkedButNotScheduled(t *testing.T) {
	env := newTestEnv("")
	body := `{"purchase":{"id":"P9","status":"DECLINED"},"buyer":{"email":"a@x.com"}}`

	w := post(env.handler, body, nil)
	if w.Code != http.StatusOK || w.Body.String() != "not approved" {
		t.Fatalf("expected 200 not approved, got %d %q", w.Code, w.Body.String())
	}
	if len(env.sched.calls()) != 0 {
		t.Fatal("declined purchase must not schedule an unlock")
	}
	if seen, _ := env.store.Seen(context.Background(), "P9"); !seen {
		t.Fatal("declined purchase must still be marked processed")
	}

	w2 := post(env.handler, body, nil)
	if w2.Body.String() != "already processed" {
		t.Fatalf("redelivery of declined event: expected already processed, got %q", w2.Body.String())
	}
}

func TestWebhook_V2BilletThenApprovalSchedulesUnlock(t *testing.T) {
	env := newTestEnv("")
	printed := `{"id":"evt-1","event":"PURCHASE_BILLET_PRINTED","data":{"purchase":{"transaction":"HP1","status":"BILLET_PRINTED"},"buyer":{"email":"a@x.com"}}}`
	approved := `{"id":"evt-2","event":"PURCHASE_APPROVED","data":{"purchase":{"transaction":"HP1","status":"APPROVED"},"buyer":{"email":"a@x.com"}}}`

	w := post(env.handler, printed, nil)
	if w.Code != http.StatusOK || w.Body.String() != "not approved" {
		t.Fatalf("billet printed: expected 200 not approved, got %d %q", w.Code, w.Body.String())
	}
	w = post(env.handler, approved, nil)
	if w.Code != http.StatusOK || w.Body.String() != "received" {
		t.Fatalf("approval: expected 200 received, got %d %q", w.Code, w.Body.String())
	}
	calls := env.sched.calls()
	if len(calls) != 1 || calls[0].PurchaseID != "HP1" || calls[0].EventID != "evt-2" {
		t.Fatalf("expected one unlock for HP1 keyed by evt-2, got %+v", calls)
	}

	w = post(env.handler, approved, nil)
	if w.Body.String() != "already processed" {
		t.Fatalf("redelivered approval: expected already processed, got %q", w.Body.String())
	}
}

func TestWebhook_PaddedStatusIsNotApproved(t *testing.T) {
	env := newTestEnv("")
	w := post(env.handler, `{"purchase":{"id":"P2","status":" APPROVED "},"buyer":{"email":"a@x.com"}}`, nil)
	if w.Code != http.StatusOK || w.Body.String() != "not approved" {
		t.Fatalf("expected 200 not approved, got %d %q", w.Code, w.Body.String())
	}
	if len(env.sched.calls()) != 0 {
		t.Fatal("padded status must not schedule an unlock")
	}
}

func TestWebhook_OversizedBodyIs413(t *testing.T) {
	env := newTestEnv("")
	pad := strings.Repeat("x", maxBodyBytes)
	body := `{"purchase":{"id":"P1","status":"APPROVED"},"buyer":{"email":"a@x.com"},"pad":"` + pad + `"}`

	w := post(env.handler, body, nil)
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "PAYLOAD_TOO_LARGE") {
		t.Fatalf("expected PAYLOAD_TOO_LARGE code, got %s", w.Body.String())
	}
	if env.outcome(metrics.OutcomeTooLarge) != 1 || env.outcome(metrics.OutcomeInvalidJSON) != 0 {
		t.Fatal("oversized body must be counted as too_large, not invalid_json")
	}
	if len(env.sched.calls()) != 0 {
		t.Fatal("oversized body must not schedule an unlock")
	}
}

func TestWebhook_UpstreamStatusOverridesPayload(t *testing.T) {
	env := newTestEnv("")
	env.confirmer.c = hotmart.Confirmation{Result: hotmart.Confirmed, Status: "REFUNDED"}

	w := post(env.handler, approvedPayload, nil)
	if w.Body.String() != "not approved" {
		t.Fatalf("expected hotmart status to win, got %q", w.Body.String())
	}
	if len(env.sched.calls()) != 0 {
		t.Fatal("unlock must not be scheduled for a refunded purchase")
	}
}

func TestWebhook_UpstreamApprovesPendingPayload(t *testing.T) {
	env := newTestEnv("")
	env.confirmer.c = hotmart.Confirmation{Result: hotmart.Confirmed, Status: "approved"}

	body := `{"purchase":{"id":"P2","status":"WAITING_PAYMENT"},"buyer":{"email":"b@x.com"}}`
	w := post(env.handler, body, nil)
	if w.Body.String() != "received" {
		t.Fatalf("expected received, got %q", w.Body.String())
	}
}

func TestWebhook_UpstreamFailureFallsBackToPayload(t *testing.T) {
	env := newTestEnv("")
	env.confirmer.c = hotmart.Confirmation{Result: hotmart.Failed, Err: errors.New("hotmart: status 503")}

	w := post(env.handler, approvedPayload, nil)
	if w.Code != http.StatusOK || w.Body.String() != "received" {
		t.Fatalf("expected soft failure to keep payload status, got %d %q", w.Code, w.Body.String())
	}
	if got := testutil.ToFloat64(env.metrics.UpstreamConfirmation.WithLabelValues("failed")); got != 1 {
		t.Fatalf("expected failed confirmation to be counted, got %v", got)
	}
}

func TestWebhook_StoreErrorIs500(t *testing.T) {
	env := newTestEnv("")
	h := env.build("", brokenStore{err: errors.New("redis: connection refused")})

	w := post(h, approvedPayload, nil)
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", w.Code)
	}
	if len(env.sched.calls()) != 0 {
		t.Fatal("unlock must not be scheduled when the store fails")
	}
}

func TestWebhook_ScheduleErrorIs500(t *testing.T) {
	env := newTestEnv("")
	env.sched.err = errors.New("journal unavailable")

	w := post(env.handler, approvedPayload, nil)
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", w.Code)
	}
	if env.outcome(metrics.OutcomeError) != 1 {
		t.Fatal("expected error outcome to be counted")
	}
}

func TestWebhook_ConcurrentClaimDoesNotSchedule(t *testing.T) {
	env := newTestEnv("")
	h := env.build("", racingStore{})

	w := post(h, approvedPayload, nil)
	if w.Code != http.StatusOK || w.Body.String() != "already processed" {
		t.Fatalf("expected 200 already processed, got %d %q", w.Code, w.Body.String())
	}
	if len(env.sched.calls()) != 0 {
		t.Fatal("losing the mark race must not schedule an unlock")
	}
}

func TestWebhook_PanicIs500(t *testing.T) {
	env := newTestEnv("")
	env.sched.panics = true

	r := chi.NewRouter()
	httpserver.SetupRouter(r)
	r.Post("/hotmart/webhook", env.handler.ServeHTTP)

	w := post(r, approvedPayload, nil)
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 on panic, got %d", w.Code)
	}
}

func TestLiveness(t *testing.T) {
	w := httptest.NewRecorder()
	Liveness(w, httptest.NewRequest(http.MethodGet, "/", nil))
	if w.Code != http.StatusOK || w.Body.String() != "Hotmart webhook receiver OK" {
		t.Fatalf("unexpected liveness response %d %q", w.Code, w.Body.String())
	}
}

// End to end: real scheduler and Base44 client against a stub downstream.
func TestWebhook_ScheduledUnlockReachesBase44(t *testing.T) {
	type call struct {
		body   []byte
		apiKey string
	}
	calls := make(chan call, 4)
	downstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		calls <- call{body: b, apiKey: r.Header.Get("x-api-key")}
		_, _ = w.Write([]byte(`{"granted":true}`))
	}))
	defer downstream.Close()

	log := zap.NewNop()
	m := metrics.New(nil)
	pub := publisher.NewStub(log)
	job := NewUnlockJob(base44.New(downstream.URL, "b44-key", time.Second), pub, m, log)
	sched := scheduler.New(scheduler.Options{Delay: 150 * time.Millisecond, Fire: job, Logger: log})
	defer sched.Shutdown(context.Background())

	h := NewWebhookHandler(WebhookDeps{
		Log:       log,
		Processed: idempotency.NewMemoryStore(),
		Confirmer: hotmart.New("", "", time.Second),
		Scheduler: sched,
		Publisher: pub,
		Metrics:   m,
	})

	start := time.Now()
	w := post(h, approvedPayload, nil)
	if w.Code != http.StatusOK || w.Body.String() != "received" {
		t.Fatalf("expected 200 received, got %d %q", w.Code, w.Body.String())
	}
	if sched.Len() != 1 {
		t.Fatalf("expected one pending unlock, got %d", sched.Len())
	}

	select {
	case c := <-calls:
		if time.Since(start) < 150*time.Millisecond {
			t.Fatal("unlock fired before the configured delay")
		}
		want := `{"action":"grant_access","email":"a@x.com","hotmart_purchase_id":"P1"}`
		if !bytes.Equal(c.body, []byte(want)) {
			t.Fatalf("unexpected downstream body %s", c.body)
		}
		if c.apiKey != "b44-key" {
			t.Fatalf("expected api key header, got %q", c.apiKey)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("downstream unlock was never called")
	}

	// A redelivery after the unlock must not trigger a second call.
	if w := post(h, approvedPayload, nil); w.Body.String() != "already processed" {
		t.Fatalf("expected already processed, got %q", w.Body.String())
	}
	select {
	case <-calls:
		t.Fatal("unlock called twice")
	case <-time.After(100 * time.Millisecond):
	}
}
