package identity

import (
	"context"
	"errors"
	"math/rand"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"deliveryd/internal/delivery"
	"deliveryd/internal/eventbus"
	"deliveryd/internal/storage"
	"deliveryd/pkg/logx"
)

func pool() []delivery.Identity {
	return []delivery.Identity{
		{ID: "primary_2", Role: delivery.RolePrimary, Priority: 2, DailyCap: 1000, PerSecond: 50, Enabled: true},
		{ID: "primary_1", Role: delivery.RolePrimary, Priority: 1, DailyCap: 1000, PerSecond: 50, Enabled: true},
		{ID: "backup_1", Role: delivery.RoleBackup, Priority: 3, DailyCap: 500, PerSecond: 20, Enabled: true},
	}
}

func ids(in []delivery.Identity) []string {
	out := make([]string, len(in))
	for i, id := range in {
		out[i] = id.ID
	}
	return out
}

func TestListEligibleOrdering(t *testing.T) {
	t.Parallel()
	r := New(Config{Identities: pool(), GlobalPerSecond: 200}, logx.Nop())

	got := ids(r.ListEligible(""))
	want := []string{"primary_1", "primary_2", "backup_1"}
	if len(got) != len(want) {
		t.Fatalf("eligible = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("eligible = %v, want %v", got, want)
		}
	}

	// Load balancing: primary_1 now carries more load than primary_2.
	if err := r.ReserveCapacity("primary_1", 10); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	got = ids(r.ListEligible(delivery.RolePrimary))
	if len(got) != 2 || got[0] != "primary_2" || got[1] != "primary_1" {
		t.Fatalf("primary order after load = %v", got)
	}

	if err := r.ReserveCapacity("backup_1", 500); err != nil {
		t.Fatalf("reserve all: %v", err)
	}
	if got := ids(r.ListEligible(delivery.RoleBackup)); len(got) != 0 {
		t.Fatalf("exhausted backup listed: %v", got)
	}
}

func TestReserveCapacityConcurrent(t *testing.T) {
	t.Parallel()
	r := New(Config{Identities: []delivery.Identity{{ID: "a", DailyCap: 50, PerSecond: 10, Enabled: true, Role: delivery.RolePrimary}}}, logx.Nop())

	var ok, exhausted atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := r.ReserveCapacity("a", 1)
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, delivery.ErrCapacityExhausted):
				exhausted.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	if ok.Load() != 50 || exhausted.Load() != 150 {
		t.Fatalf("ok=%d exhausted=%d", ok.Load(), exhausted.Load())
	}
	id, _ := r.Get("a")
	if id.Remaining != 0 || id.SentToday != 50 {
		t.Fatalf("identity after reserve = %+v", id)
	}

	r.ReleaseCapacity("a", 5)
	id, _ = r.Get("a")
	if id.Remaining != 5 || id.SentToday != 45 {
		t.Fatalf("identity after release = %+v", id)
	}
	r.ResetDay()
	id, _ = r.Get("a")
	if id.Remaining != 50 || id.SentToday != 0 {
		t.Fatalf("identity after reset = %+v", id)
	}
}

func TestReserveCapacityUnknownIdentity(t *testing.T) {
	t.Parallel()
	r := New(Config{}, logx.Nop())
	if err := r.ReserveCapacity("nope", 1); !errors.Is(err, delivery.ErrUnknownIdentity) {
		t.Fatalf("err = %v", err)
	}
	if _, err := r.AcquireSlot(context.Background(), "nope"); !errors.Is(err, delivery.ErrUnknownIdentity) {
		t.Fatalf("acquire err = %v", err)
	}
}

// Any half-open window of length w holds at most limit admissions iff every
// admission is at least w after the admission limit positions earlier.
func assertWindow(t *testing.T, name string, stamps []time.Time, limit int, w time.Duration) {
	t.Helper()
	sort.Slice(stamps, func(i, j int) bool { return stamps[i].Before(stamps[j]) })
	for i := limit; i < len(stamps); i++ {
		if d := stamps[i].Sub(stamps[i-limit]); d < w {
			t.Fatalf("%s: %d sends within %s (gap %s at #%d)", name, limit+1, w, d, i)
		}
	}
}

func TestAcquireSlotRespectsWindowsUnderRandomLoad(t *testing.T) {
	t.Parallel()
	const window = 100 * time.Millisecond
	caps := map[string]int{"a": 5, "b": 5, "c": 2}
	const global = 8
	r := New(Config{
		Identities: []delivery.Identity{
			{ID: "a", DailyCap: 1e6, PerSecond: caps["a"], Enabled: true, Role: delivery.RolePrimary},
			{ID: "b", DailyCap: 1e6, PerSecond: caps["b"], Enabled: true, Role: delivery.RolePrimary},
			{ID: "c", DailyCap: 1e6, PerSecond: caps["c"], Enabled: true, Role: delivery.RoleBackup},
		},
		GlobalPerSecond: global,
		Window:          window,
	}, logx.Nop())

	var mu sync.Mutex
	admitted := map[string][]time.Time{}
	var all []time.Time

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	for g := 0; g < 24; g++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed))
			names := []string{"a", "b", "c"}
			for i := 0; i < 4; i++ {
				id := names[rng.Intn(len(names))]
				time.Sleep(time.Duration(rng.Intn(15)) * time.Millisecond)
				at, err := r.AcquireSlot(ctx, id)
				if err != nil {
					t.Errorf("acquire %s: %v", id, err)
					return
				}
				mu.Lock()
				admitted[id] = append(admitted[id], at)
				all = append(all, at)
				mu.Unlock()
			}
		}(int64(g) + 1)
	}
	wg.Wait()

	if len(all) != 24*4 {
		t.Fatalf("admitted %d sends", len(all))
	}
	for id, stamps := range admitted {
		assertWindow(t, id, stamps, caps[id], window)
	}
	assertWindow(t, "global", all, global, window)
}

func TestAcquireSlotHonoursContext(t *testing.T) {
	t.Parallel()
	r := New(Config{
		Identities: []delivery.Identity{{ID: "a", DailyCap: 10, PerSecond: 1, Enabled: true}},
		Window:     time.Hour,
	}, logx.Nop())
	if _, err := r.AcquireSlot(context.Background(), "a"); err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := r.AcquireSlot(ctx, "a"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
}

func TestDisableEnableIdempotentAndAudited(t *testing.T) {
	t.Parallel()
	st := storage.NewMemory()
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(8, eventbus.IdentityDisabled, eventbus.IdentityEnabled)
	defer unsub()

	r := New(Config{Identities: pool()}, logx.Nop(), WithBus(bus), WithStore(st))
	ctx := context.Background()

	changed, err := r.Disable(ctx, "primary_1", "manual", "admin")
	if err != nil || !changed {
		t.Fatalf("disable: changed=%v err=%v", changed, err)
	}
	changed, err = r.Disable(ctx, "primary_1", "manual", "admin")
	if err != nil || changed {
		t.Fatalf("second disable: changed=%v err=%v", changed, err)
	}
	for _, id := range ids(r.ListEligible("")) {
		if id == "primary_1" {
			t.Fatal("disabled identity listed as eligible")
		}
	}
	if changed, _ := r.Enable(ctx, "primary_1", "admin"); !changed {
		t.Fatal("enable should change state")
	}
	if changed, _ := r.Enable(ctx, "primary_1", "admin"); changed {
		t.Fatal("second enable should be a no-op")
	}

	rows, err := st.ListIdentities(ctx)
	if err != nil || len(rows) != 1 || !rows[0].Enabled {
		t.Fatalf("persisted identities = %+v err=%v", rows, err)
	}
	audit, err := st.ListAudit(ctx, "")
	if err != nil {
		t.Fatalf("audit: %v", err)
	}
	if len(audit) != 2 {
		t.Fatalf("audit entries = %d, want 2", len(audit))
	}

	var types []string
	for len(types) < 2 {
		select {
		case ev := <-ch:
			types = append(types, ev.Type)
		case <-time.After(time.Second):
			t.Fatalf("events = %v", types)
		}
	}
	if types[0] != eventbus.IdentityDisabled || types[1] != eventbus.IdentityEnabled {
		t.Fatalf("events = %v", types)
	}
}

func TestDemoteAndQuality(t *testing.T) {
	t.Parallel()
	r := New(Config{Identities: pool()}, logx.Nop())
	ctx := context.Background()

	if changed, err := r.Demote(ctx, "primary_1", "block rate", "governor"); err != nil || !changed {
		t.Fatalf("demote: %v %v", changed, err)
	}
	if changed, _ := r.Demote(ctx, "primary_1", "block rate", "governor"); changed {
		t.Fatal("second demote should be a no-op")
	}
	got := ids(r.ListEligible(delivery.RolePrimary))
	if len(got) != 1 || got[0] != "primary_2" {
		t.Fatalf("primaries after demote = %v", got)
	}

	if prev := r.SetQuality("primary_2", 0.7); prev != 1 {
		t.Fatalf("previous quality = %v", prev)
	}
	id, _ := r.Get("primary_2")
	if id.Quality != 0.7 || id.Rating != delivery.RatingLow {
		t.Fatalf("identity = %+v", id)
	}
}

func TestCircuitOpensAfterConsecutiveTransientFailures(t *testing.T) {
	t.Parallel()
	r := New(Config{
		Identities:      pool(),
		CircuitFailures: 3,
		CircuitCooldown: time.Hour,
	}, logx.Nop())

	r.RecordTransport("primary_1", true)
	r.RecordTransport("primary_1", true)
	r.RecordTransport("primary_1", false)
	r.RecordTransport("primary_1", true)
	r.RecordTransport("primary_1", true)
	if !r.Eligible("primary_1") {
		t.Fatal("success should reset the failure streak")
	}
	r.RecordTransport("primary_1", true)
	if r.Eligible("primary_1") {
		t.Fatal("circuit should be open after 3 consecutive failures")
	}
}

type sinkFunc func(delivery.QualitySignal)

func (f sinkFunc) Record(s delivery.QualitySignal) { f(s) }

func TestRecordQualitySignalForwards(t *testing.T) {
	t.Parallel()
	r := New(Config{Identities: pool()}, logx.Nop())
	var got delivery.QualitySignal
	r.SetQualitySink(sinkFunc(func(s delivery.QualitySignal) { got = s }))
	r.RecordQualitySignal("backup_1", delivery.QualitySignal{Kind: delivery.SignalBlocked, Code: 131050})
	if got.IdentityID != "backup_1" || got.Kind != delivery.SignalBlocked || got.At.IsZero() {
		t.Fatalf("signal = %+v", got)
	}
}

func TestWindowAdmitsAgainstLowerLimit(t *testing.T) {
	t.Parallel()
	w := newSlidingWindow(4, time.Second)
	t0 := time.Unix(1_700_000_000, 0)
	for i := 0; i < 3; i++ {
		w.admitLocked(t0.Add(time.Duration(i) * 10 * time.Millisecond))
	}
	now := t0.Add(30 * time.Millisecond)
	cases := []struct {
		name  string
		limit int
		want  time.Duration
	}{
		{"full capacity", 0, 0},
		{"capacity", 4, 0},
		{"above capacity", 9, 0},
		{"half", 2, 980 * time.Millisecond},
		{"one", 1, 990 * time.Millisecond},
		{"three", 3, 970 * time.Millisecond},
	}
	for _, tc := range cases {
		if got := w.waitLocked(now, tc.limit); got != tc.want {
			t.Fatalf("%s: wait = %s, want %s", tc.name, got, tc.want)
		}
	}
}

func TestAcquireSlotThrottlesByRating(t *testing.T) {
	t.Parallel()
	const window = 100 * time.Millisecond
	r := New(Config{
		Identities: []delivery.Identity{{ID: "a", DailyCap: 1e6, PerSecond: 8, Enabled: true, Role: delivery.RolePrimary}},
		Window:     window,
	}, logx.Nop())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	acquire := func(n int) []time.Time {
		var out []time.Time
		for i := 0; i < n; i++ {
			at, err := r.AcquireSlot(ctx, "a")
			if err != nil {
				t.Fatalf("acquire: %v", err)
			}
			out = append(out, at)
		}
		return out
	}

	high := acquire(8)
	if d := high[7].Sub(high[0]); d >= window {
		t.Fatalf("HIGH identity waited %s for its full limit", d)
	}
	if id, _ := r.Get("a"); id.RatePerSecond != 8 {
		t.Fatalf("HIGH rate = %d", id.RatePerSecond)
	}

	r.SetQuality("a", 0.6)
	if id, _ := r.Get("a"); id.Rating != delivery.RatingLow || id.RatePerSecond != 2 {
		t.Fatalf("LOW identity = %+v", id)
	}
	low := acquire(6)
	assertWindow(t, "a at LOW", low, 2, window)
	if d := low[5].Sub(low[0]); d < 2*window {
		t.Fatalf("6 LOW sends took %s, want at least %s", d, 2*window)
	}

	r.SetQuality("a", 0.8)
	if id, _ := r.Get("a"); id.Rating != delivery.RatingMedium || id.RatePerSecond != 5 {
		t.Fatalf("MEDIUM identity = %+v", id)
	}
}

func TestFlaggedIdentityIsPaused(t *testing.T) {
	t.Parallel()
	r := New(Config{Identities: pool()}, logx.Nop())
	r.SetQuality("primary_1", 0.3)

	if r.Eligible("primary_1") {
		t.Fatal("FLAGGED identity should not be eligible")
	}
	if got := ids(r.ListEligible("")); len(got) != 2 || got[0] != "primary_2" {
		t.Fatalf("eligible = %v", got)
	}
	if _, err := r.AcquireSlot(context.Background(), "primary_1"); !errors.Is(err, delivery.ErrIdentityPaused) {
		t.Fatalf("acquire err = %v, want paused", err)
	}

	r.SetQuality("primary_1", 0.95)
	if !r.Eligible("primary_1") {
		t.Fatal("recovered identity should be eligible again")
	}
	if _, err := r.AcquireSlot(context.Background(), "primary_1"); err != nil {
		t.Fatalf("acquire after recovery: %v", err)
	}
}

func TestRatingScaleOverride(t *testing.T) {
	t.Parallel()
	r := New(Config{
		Identities:  pool(),
		RatingScale: map[delivery.Rating]float64{delivery.RatingFlagged: 0.1},
	}, logx.Nop())
	r.SetQuality("primary_1", 0.3)
	id, _ := r.Get("primary_1")
	if !r.Eligible("primary_1") || id.RatePerSecond != 5 {
		t.Fatalf("overridden FLAGGED identity = %+v eligible=%v", id, r.Eligible("primary_1"))
	}
	r.SetQuality("primary_1", 0.8)
	if id, _ := r.Get("primary_1"); id.RatePerSecond != 32 {
		t.Fatalf("MEDIUM keeps the default scale, rate = %d", id.RatePerSecond)
	}
}
