package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"deliveryd/internal/delivery"
	"deliveryd/internal/engine"
	"deliveryd/internal/sla"
	"deliveryd/pkg/logx"
)

type fakeSLA struct{}

func (fakeSLA) Snapshot() sla.Snapshot {
	return sla.Snapshot{CycleID: "2026-10-16/c1", Scheduled: 10, Delivered: 9, Rate: 0.9, Status: sla.StatusAtRisk}
}

func (f fakeSLA) SnapshotOf(id string) (sla.Snapshot, bool) {
	if id != "2026-10-16/c1" {
		return sla.Snapshot{}, false
	}
	return f.Snapshot(), true
}

func (f fakeSLA) Snapshots() []sla.Snapshot { return []sla.Snapshot{f.Snapshot()} }

type fakeIDs struct {
	mu       sync.Mutex
	disabled map[string]string
}

func (f *fakeIDs) All() []delivery.Identity {
	return []delivery.Identity{{ID: "primary_1", Enabled: true}}
}

func (f *fakeIDs) Disable(_ context.Context, id, reason, actor string) (bool, error) {
	if id != "primary_1" {
		return false, delivery.ErrUnknownIdentity
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.disabled == nil {
		f.disabled = map[string]string{}
	}
	_, was := f.disabled[id]
	f.disabled[id] = reason + "/" + actor
	return !was, nil
}

func (f *fakeIDs) Enable(_ context.Context, id, _ string) (bool, error) {
	if id != "primary_1" {
		return false, delivery.ErrUnknownIdentity
	}
	return true, nil
}

type fakeTemplates struct{}

func (fakeTemplates) All() []delivery.Template { return nil }

func (fakeTemplates) Rotate(_ context.Context, id, _, _ string) (bool, error) {
	if id != "t1" {
		return false, delivery.ErrNotFound
	}
	return true, nil
}

type fakeEngine struct {
	mu      sync.Mutex
	content delivery.Content
}

func (f *fakeEngine) RunCycle(_ context.Context, c delivery.Content) (engine.CycleEvent, error) {
	f.mu.Lock()
	f.content = c
	f.mu.Unlock()
	return engine.CycleEvent{CycleID: "2026-10-16/" + c.ID, Created: 3, Planned: 3}, nil
}

func (f *fakeEngine) OptOut(_ context.Context, id, _ string) (engine.CancelReport, error) {
	if id == "missing" {
		return engine.CancelReport{}, delivery.ErrNotFound
	}
	return engine.CancelReport{SubscriberID: id, Cancelled: []string{"j1"}}, nil
}

func newTestRouter(token string) (http.Handler, *fakeIDs, *fakeEngine) {
	ids := &fakeIDs{}
	eng := &fakeEngine{}
	hook := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusTeapot) })
	return Router(Deps{
		SLA:        fakeSLA{},
		Identities: ids,
		Templates:  fakeTemplates{},
		Engine:     eng,
		Webhook:    hook,
		Status:     func() map[string]any { return map[string]any{"pools": 3} },
	}, token, logx.Nop()), ids, eng
}

func do(h http.Handler, method, path, token, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestRoutes(t *testing.T) {
	t.Parallel()
	h, _, _ := newTestRouter("secret")
	tests := []struct {
		name   string
		method string
		path   string
		token  string
		body   string
		want   int
	}{
		{"health is public", http.MethodGet, "/healthz", "", "", http.StatusOK},
		{"webhook is public", http.MethodPost, "/webhooks/provider", "", "{}", http.StatusTeapot},
		{"webhook challenge", http.MethodGet, "/webhooks/provider", "", "", http.StatusTeapot},
		{"sla needs token", http.MethodGet, "/v1/sla", "", "", http.StatusUnauthorized},
		{"sla wrong token", http.MethodGet, "/v1/sla", "nope", "", http.StatusUnauthorized},
		{"sla", http.MethodGet, "/v1/sla", "secret", "", http.StatusOK},
		{"sla of cycle", http.MethodGet, "/v1/sla?cycle=2026-10-16/c1", "secret", "", http.StatusOK},
		{"sla of unknown cycle", http.MethodGet, "/v1/sla?cycle=2026-10-15/c1", "secret", "", http.StatusNotFound},
		{"sla cycles", http.MethodGet, "/v1/sla/cycles", "secret", "", http.StatusOK},
		{"identities", http.MethodGet, "/v1/identities", "secret", "", http.StatusOK},
		{"disable", http.MethodPost, "/v1/identities/primary_1/disable", "secret", `{"reason":"quality"}`, http.StatusOK},
		{"disable without body", http.MethodPost, "/v1/identities/primary_1/disable", "secret", "", http.StatusOK},
		{"disable unknown", http.MethodPost, "/v1/identities/nope/disable", "secret", "", http.StatusNotFound},
		{"disable bad body", http.MethodPost, "/v1/identities/primary_1/disable", "secret", "{", http.StatusBadRequest},
		{"enable", http.MethodPost, "/v1/identities/primary_1/enable", "secret", "", http.StatusOK},
		{"rotate", http.MethodPost, "/v1/templates/t1/rotate", "secret", `{"reason":"blocks"}`, http.StatusOK},
		{"rotate unknown", http.MethodPost, "/v1/templates/t9/rotate", "secret", "", http.StatusNotFound},
		{"cycle", http.MethodPost, "/v1/cycles", "secret", `{"id":"c1","category":"UTILITY"}`, http.StatusAccepted},
		{"cycle without id", http.MethodPost, "/v1/cycles", "secret", `{"category":"UTILITY"}`, http.StatusBadRequest},
		{"opt out", http.MethodPost, "/v1/subscribers/s1/opt-out", "secret", "", http.StatusOK},
		{"opt out unknown", http.MethodPost, "/v1/subscribers/missing/opt-out", "secret", "", http.StatusNotFound},
		{"wrong method", http.MethodGet, "/v1/cycles", "secret", "", http.StatusMethodNotAllowed},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if w := do(h, tt.method, tt.path, tt.token, tt.body); w.Code != tt.want {
				t.Fatalf("%s %s = %d, want %d (%s)", tt.method, tt.path, w.Code, tt.want, w.Body.String())
			}
		})
	}
}

func TestSLASnapshotBody(t *testing.T) {
	t.Parallel()
	h, _, _ := newTestRouter("")
	w := do(h, http.MethodGet, "/v1/sla", "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var got sla.Snapshot
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Status != sla.StatusAtRisk || got.Delivered != 9 || got.Scheduled != 10 {
		t.Fatalf("snapshot = %+v", got)
	}
}

func TestDisablePassesReasonAndActor(t *testing.T) {
	t.Parallel()
	h, ids, _ := newTestRouter("")
	req := httptest.NewRequest(http.MethodPost, "/v1/identities/primary_1/disable", strings.NewReader(`{"reason":"block rate"}`))
	req.Header.Set("X-Actor", "oncall")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	ids.mu.Lock()
	got := ids.disabled["primary_1"]
	ids.mu.Unlock()
	if got != "block rate/oncall" {
		t.Fatalf("disable recorded %q", got)
	}
	var body map[string]any
	_ = json.Unmarshal(w.Body.Bytes(), &body)
	if body["changed"] != true {
		t.Fatalf("body = %v", body)
	}
}

func TestRunCycleForwardsContent(t *testing.T) {
	t.Parallel()
	h, _, eng := newTestRouter("")
	w := do(h, http.MethodPost, "/v1/cycles", "", `{"id":"c7","category":"UTILITY","language":"hi","params":["a","b"]}`)
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d (%s)", w.Code, w.Body.String())
	}
	eng.mu.Lock()
	c := eng.content
	eng.mu.Unlock()
	if c.ID != "c7" || c.Language != "hi" || len(c.Params) != 2 {
		t.Fatalf("content = %+v", c)
	}
	var rep engine.CycleEvent
	if err := json.Unmarshal(w.Body.Bytes(), &rep); err != nil || rep.CycleID != "2026-10-16/c7" {
		t.Fatalf("report = %+v err=%v", rep, err)
	}
}

func TestServerServesAndStops(t *testing.T) {
	t.Parallel()
	s := NewServer(Config{Addr: "127.0.0.1:0"}, Deps{SLA: fakeSLA{}}, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)

	var addr string
	for i := 0; i < 200 && addr == ""; i++ {
		addr = s.Addr()
		if addr == "" {
			waitABit()
		}
	}
	if addr == "" {
		t.Fatal("server never bound")
	}
	resp, err := http.Get("http://" + addr + "/healthz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	s.Stop(context.Background())
	if _, err := http.Get("http://" + addr + "/healthz"); err == nil {
		t.Fatal("server still serving after stop")
	}
}

func waitABit() { time.Sleep(10 * time.Millisecond) }
