package base44

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestUnlock_NoURLIsSkipped(t *testing.T) {
	res, err := New("", "key", time.Second).Unlock(context.Background(), "a@x.com", "P1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Skipped || res.OK {
		t.Fatalf("expected skipped result, got %+v", res)
	}
}

func TestUnlock_SendsGrantAccess(t *testing.T) {
	var gotBody []byte
	var gotKey, gotCT string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		gotKey = r.Header.Get("x-api-key")
		gotCT = r.Header.Get("Content-Type")
		gotBody, _ = io.ReadAll(r.Body)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	res, err := New(srv.URL, "b44-key", time.Second).Unlock(context.Background(), "a@x.com", "P1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.OK || res.StatusCode != http.StatusOK || res.Body != `{"ok":true}` {
		t.Fatalf("unexpected result %+v", res)
	}
	if gotKey != "b44-key" {
		t.Fatalf("expected api key header, got %q", gotKey)
	}
	if gotCT != "application/json" {
		t.Fatalf("expected json content type, got %q", gotCT)
	}
	if string(gotBody) != `{"action":"grant_access","email":"a@x.com","hotmart_purchase_id":"P1"}` {
		t.Fatalf("unexpected body %s", gotBody)
	}
}

func TestUnlock_OmitsAPIKeyWhenUnset(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := r.Header["X-Api-Key"]; ok {
			t.Error("x-api-key should not be sent without a key")
		}
		var req UnlockRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.Action != ActionGrantAccess {
			t.Errorf("unexpected action %q", req.Action)
		}
	}))
	defer srv.Close()

	if _, err := New(srv.URL, "", time.Second).Unlock(context.Background(), "a@x.com", "P1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestUnlock_NonSuccessIsNotAnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte("unknown user"))
	}))
	defer srv.Close()

	res, err := New(srv.URL, "", time.Second).Unlock(context.Background(), "a@x.com", "P1")
	if err != nil {
		t.Fatalf("non-2xx should not be an error, got %v", err)
	}
	if res.OK || res.StatusCode != http.StatusUnprocessableEntity || res.Body != "unknown user" {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestUnlock_TransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	srv.Close()

	if _, err := New(srv.URL, "", time.Second).Unlock(context.Background(), "a@x.com", "P1"); err == nil {
		t.Fatal("expected transport error")
	}
}
