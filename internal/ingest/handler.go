package ingest

import (
	"errors"
	"io"
	"net/http"

	"deliveryd/pkg/logx"
)

const maxBody = 1 << 20

// Handler serves the provider webhook: GET answers the subscription
// challenge, POST verifies the signature and enqueues status events.
type Handler struct {
	AppSecret   string
	VerifyToken string
	Queue       *Queue
	Log         logx.Logger
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.challenge(w, r)
	case http.MethodPost:
		h.receive(w, r)
	default:
		w.Header().Set("Allow", "GET, POST")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *Handler) challenge(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("hub.mode") != "subscribe" || h.VerifyToken == "" || q.Get("hub.verify_token") != h.VerifyToken {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	_, _ = io.WriteString(w, q.Get("hub.challenge"))
}

func (h *Handler) receive(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBody))
	if err != nil {
		http.Error(w, "body too large", http.StatusRequestEntityTooLarge)
		return
	}
	if err := VerifySignature(h.AppSecret, body, r.Header.Get(SignatureHeader)); err != nil {
		h.Log.Warn("webhook signature rejected", logx.String("remote", r.RemoteAddr), logx.Int("bytes", len(body)))
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}
	evs, err := ParsePayload(body)
	if err != nil {
		h.Log.Warn("webhook payload rejected", logx.Err(err))
		http.Error(w, "bad payload", http.StatusBadRequest)
		return
	}
	if err := h.Queue.Enqueue(evs...); err != nil {
		if errors.Is(err, ErrQueueFull) {
			h.Log.Warn("webhook backpressure", logx.Int("events", len(evs)))
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}
