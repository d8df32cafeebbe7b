// Package api is the HTTP surface of deliveryd: SLA and pool views, admin
// operations on identities, templates, cycles and subscribers, and the
// provider webhook.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"deliveryd/internal/delivery"
	"deliveryd/internal/engine"
	"deliveryd/internal/sla"
	"deliveryd/pkg/logx"
)

type SLA interface {
	Snapshot() sla.Snapshot
	SnapshotOf(cycleID string) (sla.Snapshot, bool)
	Snapshots() []sla.Snapshot
}

type Identities interface {
	All() []delivery.Identity
	Disable(ctx context.Context, id, reason, actor string) (bool, error)
	Enable(ctx context.Context, id, actor string) (bool, error)
}

type Templates interface {
	All() []delivery.Template
	Rotate(ctx context.Context, id, reason, actor string) (bool, error)
}

// Engine is the cycle orchestrator.
type Engine interface {
	RunCycle(ctx context.Context, content delivery.Content) (engine.CycleEvent, error)
	OptOut(ctx context.Context, subscriberID, actor string) (engine.CancelReport, error)
}

type Deps struct {
	SLA        SLA
	Identities Identities
	Templates  Templates
	Engine     Engine
	// Webhook serves GET and POST on /webhooks/provider.
	Webhook http.Handler
	// Status returns extra health details (pools, queues, supervisors). Optional.
	Status func() map[string]any
}

const maxJSONBody = 1 << 20

// Router builds the chi router. adminToken guards the /v1 routes when set.
func Router(d Deps, adminToken string, log logx.Logger) http.Handler {
	if log.IsZero() {
		log = logx.Nop()
	}
	h := &handlers{d: d, log: log}
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLog(log))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", h.health)
	if d.Webhook != nil {
		r.Method(http.MethodGet, "/webhooks/provider", d.Webhook)
		r.Method(http.MethodPost, "/webhooks/provider", d.Webhook)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Use(bearer(adminToken))
		r.Get("/sla", h.sla)
		r.Get("/sla/cycles", h.slaCycles)
		r.Get("/identities", h.identities)
		r.Post("/identities/{id}/disable", h.disableIdentity)
		r.Post("/identities/{id}/enable", h.enableIdentity)
		r.Get("/templates", h.templates)
		r.Post("/templates/{id}/rotate", h.rotateTemplate)
		r.Post("/cycles", h.runCycle)
		r.Post("/subscribers/{id}/opt-out", h.optOut)
	})
	return r
}

type handlers struct {
	d   Deps
	log logx.Logger
}

func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	out := map[string]any{"status": "ok", "time": time.Now().UTC()}
	if h.d.Status != nil {
		for k, v := range h.d.Status() {
			out[k] = v
		}
	}
	writeJSON(w, http.StatusOK, out)
}

// sla serves the current cycle, or the one named by ?cycle=.
func (h *handlers) sla(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.URL.Query().Get("cycle"))
	if id == "" {
		writeJSON(w, http.StatusOK, h.d.SLA.Snapshot())
		return
	}
	s, ok := h.d.SLA.SnapshotOf(id)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown cycle")
		return
	}
	writeJSON(w, http.StatusOK, s)
}

func (h *handlers) slaCycles(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"cycles": h.d.SLA.Snapshots()})
}

func (h *handlers) identities(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"identities": h.d.Identities.All()})
}

type reasonBody struct {
	Reason string `json:"reason"`
}

func (h *handlers) disableIdentity(w http.ResponseWriter, r *http.Request) {
	var body reasonBody
	if !decodeOptional(w, r, &body) {
		return
	}
	reason := strings.TrimSpace(body.Reason)
	if reason == "" {
		reason = "manual"
	}
	id := chi.URLParam(r, "id")
	changed, err := h.d.Identities.Disable(r.Context(), id, reason, actor(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "enabled": false, "changed": changed})
}

func (h *handlers) enableIdentity(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	changed, err := h.d.Identities.Enable(r.Context(), id, actor(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "enabled": true, "changed": changed})
}

func (h *handlers) templates(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"templates": h.d.Templates.All()})
}

func (h *handlers) rotateTemplate(w http.ResponseWriter, r *http.Request) {
	var body reasonBody
	if !decodeOptional(w, r, &body) {
		return
	}
	reason := strings.TrimSpace(body.Reason)
	if reason == "" {
		reason = "manual"
	}
	id := chi.URLParam(r, "id")
	changed, err := h.d.Templates.Rotate(r.Context(), id, reason, actor(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "rotated": true, "changed": changed})
}

func (h *handlers) runCycle(w http.ResponseWriter, r *http.Request) {
	var c delivery.Content
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBody)).Decode(&c); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if strings.TrimSpace(c.ID) == "" || strings.TrimSpace(c.Category) == "" {
		writeError(w, http.StatusBadRequest, "content id and category are required")
		return
	}
	// Job creation must not stop halfway because the caller hung up.
	rep, err := h.d.Engine.RunCycle(context.WithoutCancel(r.Context()), c)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, rep)
}

func (h *handlers) optOut(w http.ResponseWriter, r *http.Request) {
	rep, err := h.d.Engine.OptOut(r.Context(), chi.URLParam(r, "id"), actor(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (h *handlers) fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, delivery.ErrNotFound), errors.Is(err, delivery.ErrUnknownIdentity):
		writeError(w, http.StatusNotFound, err.Error())
	default:
		h.log.Error("api request failed", logx.String("path", r.URL.Path), logx.String("request_id", middleware.GetReqID(r.Context())), logx.Err(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// decodeOptional decodes a JSON body when there is one.
func decodeOptional(w http.ResponseWriter, r *http.Request, v any) bool {
	err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBody)).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return true
	}
	writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
	return false
}

func actor(r *http.Request) string {
	if a := strings.TrimSpace(r.Header.Get("X-Actor")); a != "" {
		return a
	}
	return "api"
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
