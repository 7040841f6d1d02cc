// Package httpapi provides the webhook ingress for CodeClaw. The router is
// built immediately so the port can bind and answer health checks while the
// rest of the system initializes; webhook processing stays disabled until
// MarkReady.
package httpapi

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/nadahlberg/codeclaw/logger"
)

// EventFunc receives a verified webhook delivery. It must not block; the
// handler responds 200 as soon as the payload is handed off.
type EventFunc func(eventName, deliveryID string, payload []byte)

// Handler is the HTTP ingress.
type Handler struct {
	router chi.Router
	log    *logger.Logger

	mu      sync.RWMutex
	ready   bool
	secret  []byte
	onEvent EventFunc
}

// New creates the handler with webhook processing disabled.
func New(log *logger.Logger) *Handler {
	h := &Handler{log: log.Named("http")}
	h.router = h.buildRouter()
	return h
}

// Router returns the HTTP router.
func (h *Handler) Router() chi.Router { return h.router }

// MarkReady enables webhook processing once initialization is complete.
func (h *Handler) MarkReady(secret string, onEvent EventFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.secret = []byte(secret)
	h.onEvent = onEvent
	h.ready = true
}

func (h *Handler) buildRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Post("/webhooks", h.handleWebhook)

	return r
}

func (h *Handler) handleWebhook(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	ready, secret, onEvent := h.ready, h.secret, h.onEvent
	h.mu.RUnlock()

	if !ready {
		http.Error(w, "server initializing", http.StatusServiceUnavailable)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 10<<20))
	if err != nil {
		http.Error(w, "body too large", http.StatusBadRequest)
		return
	}

	signature := r.Header.Get("X-Hub-Signature-256")
	eventName := r.Header.Get("X-GitHub-Event")
	deliveryID := r.Header.Get("X-GitHub-Delivery")
	if signature == "" || eventName == "" || deliveryID == "" {
		http.Error(w, "missing required headers", http.StatusBadRequest)
		return
	}

	if !verifySignature(body, signature, secret) {
		h.log.Warn("invalid webhook signature", zap.String("delivery", deliveryID))
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	if !json.Valid(body) {
		h.log.Error("webhook payload is not valid json", zap.String("delivery", deliveryID))
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	// Respond immediately, process asynchronously.
	go onEvent(eventName, deliveryID, body)
	writeJSON(w, http.StatusOK, map[string]bool{"received": true})
}

// verifySignature checks the hex HMAC-SHA256 digest in constant time.
func verifySignature(body []byte, signature string, secret []byte) bool {
	hexDigest, ok := strings.CutPrefix(signature, "sha256=")
	if !ok {
		return false
	}
	got, err := hex.DecodeString(hexDigest)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
