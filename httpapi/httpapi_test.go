package httpapi

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nadahlberg/codeclaw/logger"
)

const testSecret = "webhook-secret"

func sign(body string) string {
	mac := hmac.New(sha256.New, []byte(testSecret))
	mac.Write([]byte(body))
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func postWebhook(t *testing.T, h *Handler, body, signature, event, delivery string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhooks", strings.NewReader(body))
	if signature != "" {
		req.Header.Set("X-Hub-Signature-256", signature)
	}
	if event != "" {
		req.Header.Set("X-GitHub-Event", event)
	}
	if delivery != "" {
		req.Header.Set("X-GitHub-Delivery", delivery)
	}
	rec := httptest.NewRecorder()
	h.Router().ServeHTTP(rec, req)
	return rec
}

func TestHealthAlwaysAvailable(t *testing.T) {
	h := New(logger.Nop())
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	h.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("health = %d", rec.Code)
	}
}

func TestWebhook503BeforeReady(t *testing.T) {
	h := New(logger.Nop())
	rec := postWebhook(t, h, `{}`, sign(`{}`), "push", "d-1")
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("pre-ready status = %d", rec.Code)
	}
}

func TestWebhookDelivery(t *testing.T) {
	h := New(logger.Nop())

	var mu sync.Mutex
	var gotEvent, gotDelivery, gotPayload string
	done := make(chan struct{})
	h.MarkReady(testSecret, func(eventName, deliveryID string, payload []byte) {
		mu.Lock()
		gotEvent, gotDelivery, gotPayload = eventName, deliveryID, string(payload)
		mu.Unlock()
		close(done)
	})

	body := `{"action":"opened"}`
	rec := postWebhook(t, h, body, sign(body), "issues", "d-42")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), `"received":true`) {
		t.Errorf("body = %s", rec.Body.String())
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("event callback never fired")
	}
	mu.Lock()
	defer mu.Unlock()
	if gotEvent != "issues" || gotDelivery != "d-42" || gotPayload != body {
		t.Errorf("got %q %q %q", gotEvent, gotDelivery, gotPayload)
	}
}

func TestWebhookBadSignature(t *testing.T) {
	h := New(logger.Nop())
	h.MarkReady(testSecret, func(string, string, []byte) {
		t.Error("event dispatched despite bad signature")
	})

	rec := postWebhook(t, h, `{}`, "sha256=deadbeef", "issues", "d-1")
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d", rec.Code)
	}

	// A signature computed with another secret also fails.
	mac := hmac.New(sha256.New, []byte("wrong-secret"))
	mac.Write([]byte(`{}`))
	rec = postWebhook(t, h, `{}`, "sha256="+hex.EncodeToString(mac.Sum(nil)), "issues", "d-1")
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestWebhookMissingHeaders(t *testing.T) {
	h := New(logger.Nop())
	h.MarkReady(testSecret, func(string, string, []byte) {})

	if rec := postWebhook(t, h, `{}`, "", "issues", "d-1"); rec.Code != http.StatusBadRequest {
		t.Errorf("missing signature = %d", rec.Code)
	}
	if rec := postWebhook(t, h, `{}`, sign(`{}`), "", "d-1"); rec.Code != http.StatusBadRequest {
		t.Errorf("missing event = %d", rec.Code)
	}
	if rec := postWebhook(t, h, `{}`, sign(`{}`), "issues", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("missing delivery = %d", rec.Code)
	}
}

func TestWebhookInvalidJSON(t *testing.T) {
	h := New(logger.Nop())
	h.MarkReady(testSecret, func(string, string, []byte) {
		t.Error("event dispatched for invalid json")
	})

	body := `{broken`
	rec := postWebhook(t, h, body, sign(body), "issues", "d-1")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d", rec.Code)
	}
}
