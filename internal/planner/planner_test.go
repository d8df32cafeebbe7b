package planner

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"deliveryd/internal/delivery"
	"deliveryd/pkg/logx"
)

type fakeIDs struct {
	mu   sync.Mutex
	list []delivery.Identity
}

func (f *fakeIDs) ListEligible(role delivery.Role) []delivery.Identity {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []delivery.Identity
	for _, id := range f.list {
		if id.Remaining > 0 && (role == "" || id.Role == role) {
			out = append(out, id)
		}
	}
	return out
}

func (f *fakeIDs) ReserveCapacity(id string, n int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.list {
		if f.list[i].ID != id {
			continue
		}
		if f.list[i].Remaining < n {
			return delivery.ErrCapacityExhausted
		}
		f.list[i].Remaining -= n
		return nil
	}
	return delivery.ErrUnknownIdentity
}

func jobs(n int, tierOf func(i int) delivery.Tier) []*delivery.Job {
	out := make([]*delivery.Job, n)
	for i := range out {
		out[i] = &delivery.Job{
			ID:           fmt.Sprintf("job-%05d", i),
			SubscriberID: fmt.Sprintf("sub-%05d", i),
			Tier:         tierOf(i),
			State:        delivery.StateQueued,
		}
	}
	return out
}

func basic(int) delivery.Tier { return delivery.TierBasic }

func TestSortByTier(t *testing.T) {
	t.Parallel()
	js := []*delivery.Job{
		{SubscriberID: "b", Tier: delivery.TierBasic},
		{SubscriberID: "c", Tier: delivery.TierPremium},
		{SubscriberID: "a", Tier: delivery.TierPro},
		{SubscriberID: "a", Tier: delivery.TierPremium},
		{SubscriberID: "a", Tier: delivery.TierBasic},
	}
	SortByTier(js)
	want := []string{"PREMIUM/a", "PREMIUM/c", "PRO/a", "BASIC/a", "BASIC/b"}
	for i, j := range js {
		if got := string(j.Tier) + "/" + j.SubscriberID; got != want[i] {
			t.Fatalf("position %d = %s, want %s", i, got, want[i])
		}
	}
}

func TestPlanProportionalLargestRemainder(t *testing.T) {
	t.Parallel()
	ids := &fakeIDs{list: []delivery.Identity{
		{ID: "p1", Role: delivery.RolePrimary, PerSecond: 50, Remaining: 100000},
		{ID: "p2", Role: delivery.RolePrimary, PerSecond: 50, Remaining: 100000},
		{ID: "p3", Role: delivery.RolePrimary, PerSecond: 20, Remaining: 100000},
	}}
	p := New(Config{BatchSize: 50, Window: time.Minute}, ids, logx.Nop())

	res, err := p.Plan("c1", jobs(1000, basic))
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	// 1000 x 50/120 = 416.67, 1000 x 20/120 = 166.67: remainders tie, p1 and p2 win.
	want := map[string]int{"p1": 417, "p2": 417, "p3": 166}
	for id, n := range want {
		if res.PerIdentity[id] != n {
			t.Fatalf("per identity = %v, want %v", res.PerIdentity, want)
		}
	}
	if res.Planned() != 1000 || len(res.Unplanned) != 0 {
		t.Fatalf("planned %d unplanned %d", res.Planned(), len(res.Unplanned))
	}
	for _, b := range res.Batches {
		if len(b.Jobs) > 50 {
			t.Fatalf("batch of %d jobs", len(b.Jobs))
		}
		for _, j := range b.Jobs {
			if j.IdentityID != b.IdentityID {
				t.Fatalf("job %s bound to %s in batch for %s", j.ID, j.IdentityID, b.IdentityID)
			}
		}
	}
	for _, id := range ids.list {
		if id.Remaining != 100000-int64(want[id.ID]) {
			t.Fatalf("%s remaining = %d", id.ID, id.Remaining)
		}
	}
}

func TestPlanSharesFollowThrottledRate(t *testing.T) {
	t.Parallel()
	ids := &fakeIDs{list: []delivery.Identity{
		{ID: "p1", Role: delivery.RolePrimary, PerSecond: 80, RatePerSecond: 80, Remaining: 100000},
		{ID: "p2", Role: delivery.RolePrimary, PerSecond: 80, RatePerSecond: 20, Remaining: 100000},
	}}
	p := New(Config{BatchSize: 50, Window: time.Minute}, ids, logx.Nop())

	res, err := p.Plan("c1", jobs(1000, basic))
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if res.PerIdentity["p1"] != 800 || res.PerIdentity["p2"] != 200 {
		t.Fatalf("per identity = %v, want LOW-rated p2 to take a quarter share", res.PerIdentity)
	}
}

func TestPlanTieBreaksToLowestID(t *testing.T) {
	t.Parallel()
	ids := &fakeIDs{list: []delivery.Identity{
		{ID: "b", Role: delivery.RolePrimary, PerSecond: 10, Remaining: 1000},
		{ID: "a", Role: delivery.RolePrimary, PerSecond: 10, Remaining: 1000},
	}}
	res, err := New(Config{}, ids, logx.Nop()).Plan("c1", jobs(3, basic))
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if res.PerIdentity["a"] != 2 || res.PerIdentity["b"] != 1 {
		t.Fatalf("per identity = %v", res.PerIdentity)
	}
}

func TestPlanBackupsTakeOnlyOverflow(t *testing.T) {
	t.Parallel()
	ids := &fakeIDs{list: []delivery.Identity{
		{ID: "p1", Role: delivery.RolePrimary, PerSecond: 100, Remaining: 60},
		{ID: "bk", Role: delivery.RoleBackup, PerSecond: 100, Remaining: 1000},
	}}
	res, err := New(Config{BatchSize: 25}, ids, logx.Nop()).Plan("c1", jobs(100, basic))
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if res.PerIdentity["p1"] != 60 || res.PerIdentity["bk"] != 40 {
		t.Fatalf("per identity = %v", res.PerIdentity)
	}

	only := &fakeIDs{list: []delivery.Identity{
		{ID: "p1", Role: delivery.RolePrimary, PerSecond: 100, Remaining: 1000},
		{ID: "bk", Role: delivery.RoleBackup, PerSecond: 100, Remaining: 1000},
	}}
	res, _ = New(Config{}, only, logx.Nop()).Plan("c1", jobs(100, basic))
	if res.PerIdentity["bk"] != 0 {
		t.Fatalf("backup used without overflow: %v", res.PerIdentity)
	}
}

func TestPlanCapacityExhaustedLeavesLowestTiersQueued(t *testing.T) {
	t.Parallel()
	ids := &fakeIDs{list: []delivery.Identity{
		{ID: "p1", Role: delivery.RolePrimary, PerSecond: 100, Remaining: 30},
	}}
	tiers := func(i int) delivery.Tier {
		switch {
		case i < 10:
			return delivery.TierBasic
		case i < 20:
			return delivery.TierPro
		default:
			return delivery.TierPremium
		}
	}
	res, err := New(Config{BatchSize: 10}, ids, logx.Nop()).Plan("c1", jobs(40, tiers))
	if !errors.Is(err, delivery.ErrCapacityExhausted) {
		t.Fatalf("err = %v", err)
	}
	if len(res.Unplanned) != 10 {
		t.Fatalf("unplanned = %d", len(res.Unplanned))
	}
	for _, j := range res.Unplanned {
		if j.Tier != delivery.TierBasic || j.IdentityID != "" {
			t.Fatalf("unplanned job %+v", j)
		}
	}
}

func TestPlanTierOrderWithinIdentity(t *testing.T) {
	t.Parallel()
	ids := &fakeIDs{list: []delivery.Identity{
		{ID: "p1", Role: delivery.RolePrimary, PerSecond: 10, Remaining: 1000},
		{ID: "p2", Role: delivery.RolePrimary, PerSecond: 10, Remaining: 1000},
	}}
	tiers := func(i int) delivery.Tier {
		if i%3 == 0 {
			return delivery.TierPremium
		}
		return delivery.TierBasic
	}
	res, err := New(Config{BatchSize: 5}, ids, logx.Nop()).Plan("c1", jobs(60, tiers))
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	last := map[string]int{}
	for _, b := range res.Batches {
		for _, j := range b.Jobs {
			if r := j.Tier.Rank(); r < last[b.IdentityID] {
				t.Fatalf("identity %s sends %s after a lower tier", b.IdentityID, j.Tier)
			}
			last[b.IdentityID] = j.Tier.Rank()
		}
	}
}

func TestPlanOffsets(t *testing.T) {
	t.Parallel()
	ids := &fakeIDs{list: []delivery.Identity{
		{ID: "p1", Role: delivery.RolePrimary, PerSecond: 50, Remaining: 1000},
		{ID: "p2", Role: delivery.RolePrimary, PerSecond: 50, Remaining: 1000},
	}}
	p := New(Config{BatchSize: 50, BatchDelay: 100 * time.Millisecond, GlobalPerSecond: 50}, ids, logx.Nop())
	res, err := p.Plan("c1", jobs(200, basic))
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	// Per identity: batch 0 at 0, batch 1 after 50 own sends (1s) and 100
	// global sends (2s at 50/s).
	for _, b := range res.Batches {
		want := time.Duration(b.Index) * 2 * time.Second
		if b.Offset != want {
			t.Fatalf("batch %s/%d offset = %s, want %s", b.IdentityID, b.Index, b.Offset, want)
		}
	}
	for i := 1; i < len(res.Batches); i++ {
		if res.Batches[i].Offset < res.Batches[i-1].Offset {
			t.Fatal("batches not ordered by offset")
		}
	}
}

func TestPlanReservationFallsBack(t *testing.T) {
	t.Parallel()
	ids := &racyIDs{fakeIDs: fakeIDs{list: []delivery.Identity{
		{ID: "p1", Role: delivery.RolePrimary, PerSecond: 100, Remaining: 100},
		{ID: "p2", Role: delivery.RolePrimary, PerSecond: 100, Remaining: 100},
	}}, steal: "p1"}
	res, err := New(Config{BatchSize: 10}, ids, logx.Nop()).Plan("c1", jobs(10, basic))
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if res.PerIdentity["p2"] != 10 {
		t.Fatalf("per identity = %v", res.PerIdentity)
	}
}

// racyIDs loses all of one identity's capacity between listing and reserving.
type racyIDs struct {
	fakeIDs
	steal string
	once  sync.Once
}

func (r *racyIDs) ReserveCapacity(id string, n int64) error {
	r.once.Do(func() {
		r.mu.Lock()
		for i := range r.list {
			if r.list[i].ID == r.steal {
				r.list[i].Remaining = 0
			}
		}
		r.mu.Unlock()
	})
	return r.fakeIDs.ReserveCapacity(id, n)
}
