package retry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"deliveryd/internal/delivery"
	"deliveryd/internal/dispatch"
	"deliveryd/internal/eventbus"
	"deliveryd/pkg/logx"
)

func TestPolicyDelay(t *testing.T) {
	t.Parallel()
	p := Policy{Base: 100 * time.Millisecond, Multiplier: 2, MaxDelay: time.Second}
	cases := []struct {
		k    int
		hint time.Duration
		want time.Duration
	}{
		{1, 0, 100 * time.Millisecond},
		{2, 0, 200 * time.Millisecond},
		{3, 0, 400 * time.Millisecond},
		{5, 0, time.Second},
		{1, 3 * time.Second, 3 * time.Second},
		{0, 0, 100 * time.Millisecond},
	}
	for _, tc := range cases {
		if got := p.Delay(tc.k, tc.hint, nil); got != tc.want {
			t.Fatalf("Delay(%d,%s) = %s, want %s", tc.k, tc.hint, got, tc.want)
		}
	}
}

func TestPolicyJitterIsNonNegative(t *testing.T) {
	t.Parallel()
	p := Policy{Base: 50 * time.Millisecond, Multiplier: 3, Jitter: 20 * time.Millisecond}
	c := New(Config{Policy: p}, nil, nil, nil, logx.Nop(), nil)
	for i := 0; i < 200; i++ {
		d := p.Delay(2, 0, c.rng)
		if d < 150*time.Millisecond || d >= 170*time.Millisecond {
			t.Fatalf("delay %s out of [150ms,170ms)", d)
		}
	}
}

func TestMaxRetriesForTier(t *testing.T) {
	t.Parallel()
	p := Policy{MaxRetries: 3, TierMaxRetries: map[delivery.Tier]int{delivery.TierPremium: 5, delivery.TierBasic: 2}}
	if p.MaxRetriesFor("premium") != 5 || p.MaxRetriesFor(delivery.TierPro) != 3 || p.MaxRetriesFor(delivery.TierBasic) != 2 {
		t.Fatal("tier overrides not applied")
	}
}

type fakeIDs struct {
	ids      map[string]delivery.Identity
	eligible map[string]bool
}

func (f fakeIDs) Get(id string) (delivery.Identity, bool) {
	v, ok := f.ids[id]
	return v, ok
}

func (f fakeIDs) Eligible(id string) bool { return f.eligible[id] }

func (f fakeIDs) ListEligible(delivery.Role) []delivery.Identity {
	var out []delivery.Identity
	for _, id := range []string{"p1", "p2", "b1"} {
		if f.eligible[id] {
			out = append(out, f.ids[id])
		}
	}
	return out
}

type inlinePool struct{}

func (inlinePool) Submit(ctx context.Context, t dispatch.Task) error { return t.Run(ctx) }

type recorder struct {
	mu        sync.Mutex
	resent    []string
	at        []time.Time
	abandoned []string
}

func (r *recorder) Resend(_ context.Context, jobID, identityID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resent = append(r.resent, jobID+"@"+identityID)
	r.at = append(r.at, time.Now())
	return nil
}

func (r *recorder) Abandon(_ context.Context, jobID, _ string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.abandoned = append(r.abandoned, jobID)
	return nil
}

func healthy() fakeIDs {
	return fakeIDs{
		ids: map[string]delivery.Identity{
			"p1": {ID: "p1", Quality: 1, Enabled: true},
			"p2": {ID: "p2", Quality: 1, Enabled: true},
			"b1": {ID: "b1", Quality: 1, Enabled: true},
		},
		eligible: map[string]bool{"p1": true, "p2": true, "b1": true},
	}
}

func TestScheduleResendsAfterDelay(t *testing.T) {
	t.Parallel()
	rec := &recorder{}
	c := New(Config{Policy: Policy{MaxRetries: 3, Base: 30 * time.Millisecond, Multiplier: 2}}, healthy(), inlinePool{}, rec, logx.Nop(), nil)
	c.Start(context.Background())
	defer c.Stop()

	job := &delivery.Job{ID: "j1", IdentityID: "p1", Attempts: 2, MaxRetries: 3, QualityAtAttempt: 1}
	start := time.Now()
	delay, err := c.Schedule(context.Background(), job, delivery.ErrProviderRateLimited)
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if delay != 60*time.Millisecond {
		t.Fatalf("delay = %s", delay)
	}
	if c.Pending() != 1 {
		t.Fatalf("pending = %d", c.Pending())
	}

	deadline := time.Now().Add(time.Second)
	for {
		rec.mu.Lock()
		n := len(rec.resent)
		rec.mu.Unlock()
		if n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("retry never fired")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if rec.resent[0] != "j1@p1" {
		t.Fatalf("resent = %v", rec.resent)
	}
	if el := rec.at[0].Sub(start); el < 60*time.Millisecond {
		t.Fatalf("resent after %s, want >= 60ms", el)
	}
}

func TestScheduleAbandonsWhenExhausted(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(4, eventbus.SLARisk)
	defer unsub()
	rec := &recorder{}
	c := New(Config{Policy: Policy{MaxRetries: 3}}, healthy(), inlinePool{}, rec, logx.Nop(), bus)

	job := &delivery.Job{ID: "j2", CycleID: "c", IdentityID: "p1", Attempts: 4, MaxRetries: 3}
	if _, err := c.Schedule(context.Background(), job, delivery.ErrTransientNetwork); !errors.Is(err, ErrExhausted) {
		t.Fatalf("err = %v", err)
	}
	if len(rec.abandoned) != 1 || rec.abandoned[0] != "j2" {
		t.Fatalf("abandoned = %v", rec.abandoned)
	}
	select {
	case ev := <-ch:
		if ev.Data.(Risk).JobID != "j2" {
			t.Fatalf("event = %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("no sla.risk event")
	}
}

func TestRouteAwayFromDegradedIdentity(t *testing.T) {
	t.Parallel()
	ids := healthy()
	c := New(Config{DegradedTolerance: 0.05}, ids, inlinePool{}, &recorder{}, logx.Nop(), nil)

	job := &delivery.Job{ID: "j", IdentityID: "p1", QualityAtAttempt: 1}
	if got := c.Route(job); got != "p1" {
		t.Fatalf("healthy route = %s", got)
	}

	p1 := ids.ids["p1"]
	p1.Quality = 0.97
	ids.ids["p1"] = p1
	if got := c.Route(job); got != "p1" {
		t.Fatalf("within tolerance route = %s", got)
	}

	p1.Quality = 0.8
	ids.ids["p1"] = p1
	if got := c.Route(job); got != "p2" {
		t.Fatalf("degraded route = %s", got)
	}

	ids.eligible["p2"] = false
	ids.eligible["p1"] = false
	if got := c.Route(job); got != "b1" {
		t.Fatalf("disabled route = %s", got)
	}
}

func TestCancelDropsPendingRetry(t *testing.T) {
	t.Parallel()
	rec := &recorder{}
	c := New(Config{Policy: Policy{MaxRetries: 1, Base: 50 * time.Millisecond}}, healthy(), inlinePool{}, rec, logx.Nop(), nil)
	job := &delivery.Job{ID: "j3", IdentityID: "p1", Attempts: 1, MaxRetries: 1}
	if _, err := c.Schedule(context.Background(), job, delivery.ErrTransientNetwork); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if !c.Cancel("j3") {
		t.Fatal("cancel should report a pending retry")
	}
	time.Sleep(100 * time.Millisecond)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.resent) != 0 {
		t.Fatalf("resent = %v", rec.resent)
	}
}
