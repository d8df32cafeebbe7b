// Package planner partitions a cycle's jobs into identity-bound batches.
//
// Jobs are ordered by strict tier priority, then split across identities in
// proportion to each identity's capacity for the cycle window. Primaries take
// as much as they can; backups only receive the overflow. Each batch carries a
// send-time offset that keeps it behind both the identity's and the global
// rate, but the offset is only a lower bound: pacing is enforced per send by
// the identity registry.
package planner

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"deliveryd/internal/delivery"
	"deliveryd/pkg/logx"
)

type Config struct {
	BatchSize  int
	BatchDelay time.Duration
	// Window is the length of the cycle's send window. It bounds how much of
	// an identity's per-second rate can be used in one plan.
	Window time.Duration
	// RateWindow is the interval PerSecond caps refer to.
	RateWindow      time.Duration
	GlobalPerSecond int
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.BatchDelay < 0 {
		c.BatchDelay = 0
	}
	if c.Window <= 0 {
		c.Window = 5 * time.Minute
	}
	if c.RateWindow <= 0 {
		c.RateWindow = time.Second
	}
	return c
}

// Identities is the part of the identity registry the planner needs.
type Identities interface {
	ListEligible(role delivery.Role) []delivery.Identity
	ReserveCapacity(id string, n int64) error
}

// Result is one plan.
type Result struct {
	Batches []delivery.Batch
	// Unplanned jobs found no capacity. They stay Queued.
	Unplanned   []*delivery.Job
	PerIdentity map[string]int
}

func (r Result) Planned() int {
	n := 0
	for _, b := range r.Batches {
		n += len(b.Jobs)
	}
	return n
}

type Planner struct {
	cfg Config
	ids Identities
	log logx.Logger
}

func New(cfg Config, ids Identities, log logx.Logger) *Planner {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Planner{cfg: cfg.withDefaults(), ids: ids, log: log.With(logx.String("comp", "planner"))}
}

func (p *Planner) Config() Config { return p.cfg }

// SortByTier orders jobs PREMIUM, PRO, BASIC, then by subscriber id.
func SortByTier(jobs []*delivery.Job) {
	sort.SliceStable(jobs, func(i, j int) bool {
		ri, rj := jobs[i].Tier.Rank(), jobs[j].Tier.Rank()
		if ri != rj {
			return ri < rj
		}
		return jobs[i].SubscriberID < jobs[j].SubscriberID
	})
}

type slot struct {
	id       delivery.Identity
	capacity int64
	quota    int64
	jobs     []*delivery.Job
}

// capacity is min(remaining daily, rate x window). The rate is the identity's
// rating-scaled limit.
func (p *Planner) capacity(id delivery.Identity) int64 {
	c := id.Remaining
	if rate := id.Rate(); rate > 0 {
		perWindow := int64(rate) * int64(p.cfg.Window/p.cfg.RateWindow)
		if perWindow < c {
			c = perWindow
		}
	}
	if c < 0 {
		return 0
	}
	return c
}

// Plan assigns jobs to identities and reserves daily capacity per batch.
// Assigned jobs get IdentityID set. When some jobs cannot be placed the
// returned error wraps delivery.ErrCapacityExhausted and the result is still
// usable.
func (p *Planner) Plan(cycleID string, jobs []*delivery.Job) (Result, error) {
	res := Result{PerIdentity: map[string]int{}}
	if len(jobs) == 0 {
		return res, nil
	}
	ordered := append([]*delivery.Job(nil), jobs...)
	SortByTier(ordered)

	var slots []*slot
	remaining := int64(len(ordered))
	for _, role := range []delivery.Role{delivery.RolePrimary, delivery.RoleBackup} {
		var tier []*slot
		for _, id := range p.ids.ListEligible(role) {
			if c := p.capacity(id); c > 0 {
				tier = append(tier, &slot{id: id, capacity: c})
			}
		}
		take := apportion(tier, remaining)
		remaining -= take
		slots = append(slots, tier...)
	}

	assign(ordered, slots)

	var unplanned []*delivery.Job
	for _, s := range slots {
		for i, b := range p.batches(cycleID, s, slots) {
			if err := p.reserve(&b); err != nil {
				p.log.Warn("batch capacity unavailable", logx.Cycle(cycleID), logx.Identity(s.id.ID), logx.Int("batch", i), logx.Int("jobs", len(b.Jobs)))
				unplanned = append(unplanned, b.Jobs...)
				continue
			}
			for _, j := range b.Jobs {
				j.IdentityID = b.IdentityID
			}
			res.PerIdentity[b.IdentityID] += len(b.Jobs)
			res.Batches = append(res.Batches, b)
		}
	}
	// Whatever no slot took.
	placed := map[*delivery.Job]bool{}
	for _, s := range slots {
		for _, j := range s.jobs {
			placed[j] = true
		}
	}
	for _, j := range ordered {
		if !placed[j] {
			unplanned = append(unplanned, j)
		}
	}
	SortByTier(unplanned)
	res.Unplanned = unplanned

	// Interleave batches by start time so a single consumer feeds them in order.
	sort.SliceStable(res.Batches, func(i, j int) bool {
		if res.Batches[i].Offset != res.Batches[j].Offset {
			return res.Batches[i].Offset < res.Batches[j].Offset
		}
		return res.Batches[i].IdentityID < res.Batches[j].IdentityID
	})

	if len(unplanned) > 0 {
		return res, fmt.Errorf("plan %s: %d of %d jobs unplanned: %w", cycleID, len(unplanned), len(jobs), delivery.ErrCapacityExhausted)
	}
	return res, nil
}

// apportion spreads up to want jobs over slots proportionally to capacity,
// using largest-remainder rounding with ties to the lowest identity id.
// It returns how many jobs were apportioned.
func apportion(slots []*slot, want int64) int64 {
	if len(slots) == 0 || want <= 0 {
		return 0
	}
	var total int64
	for _, s := range slots {
		total += s.capacity
	}
	take := want
	if total < take {
		take = total
	}
	type rem struct {
		s    *slot
		frac int64
	}
	var assigned int64
	rems := make([]rem, 0, len(slots))
	for _, s := range slots {
		q := take * s.capacity / total
		if q > s.capacity {
			q = s.capacity
		}
		s.quota = q
		assigned += q
		rems = append(rems, rem{s: s, frac: take * s.capacity % total})
	}
	sort.SliceStable(rems, func(i, j int) bool {
		if rems[i].frac != rems[j].frac {
			return rems[i].frac > rems[j].frac
		}
		return rems[i].s.id.ID < rems[j].s.id.ID
	})
	for i := 0; assigned < take && i < len(rems)*2; i++ {
		s := rems[i%len(rems)].s
		if s.quota < s.capacity {
			s.quota++
			assigned++
		}
	}
	return assigned
}

// assign deals jobs out in order, always to the slot furthest behind its
// quota, so every identity starts with the highest tiers.
func assign(jobs []*delivery.Job, slots []*slot) {
	for _, j := range jobs {
		var best *slot
		bestFill := math.Inf(1)
		for _, s := range slots {
			if int64(len(s.jobs)) >= s.quota {
				continue
			}
			fill := float64(len(s.jobs)) / float64(s.quota)
			if fill < bestFill {
				best, bestFill = s, fill
			}
		}
		if best == nil {
			return
		}
		best.jobs = append(best.jobs, j)
	}
}

func (p *Planner) batches(cycleID string, s *slot, all []*slot) []delivery.Batch {
	size := p.cfg.BatchSize
	var out []delivery.Batch
	for i := 0; i*size < len(s.jobs); i++ {
		end := (i + 1) * size
		if end > len(s.jobs) {
			end = len(s.jobs)
		}
		out = append(out, delivery.Batch{
			CycleID:    cycleID,
			Index:      i,
			IdentityID: s.id.ID,
			Offset:     p.offset(s.id.Rate(), i, globalBefore(all, i*size)),
			Jobs:       s.jobs[i*size : end],
		})
	}
	return out
}

// globalBefore counts jobs in all identities' batches preceding position n.
func globalBefore(all []*slot, n int) int {
	total := 0
	for _, s := range all {
		if len(s.jobs) < n {
			total += len(s.jobs)
		} else {
			total += n
		}
	}
	return total
}

// offset is max(identity pace, global pace, index x batch delay) for batch i.
func (p *Planner) offset(perSecond, i, before int) time.Duration {
	own := float64(i * p.cfg.BatchSize)
	var off time.Duration
	if perSecond > 0 {
		off = time.Duration(own / float64(perSecond) * float64(p.cfg.RateWindow))
	}
	if p.cfg.GlobalPerSecond > 0 {
		if g := time.Duration(float64(before) / float64(p.cfg.GlobalPerSecond) * float64(p.cfg.RateWindow)); g > off {
			off = g
		}
	}
	if d := time.Duration(i) * p.cfg.BatchDelay; d > off {
		off = d
	}
	return off
}

// reserve takes capacity for b on its identity, falling back to any other
// eligible identity in role order. b.IdentityID is updated on fallback.
func (p *Planner) reserve(b *delivery.Batch) error {
	n := int64(len(b.Jobs))
	err := p.ids.ReserveCapacity(b.IdentityID, n)
	if err == nil {
		return nil
	}
	if !errors.Is(err, delivery.ErrCapacityExhausted) && !errors.Is(err, delivery.ErrUnknownIdentity) {
		return err
	}
	for _, role := range []delivery.Role{delivery.RolePrimary, delivery.RoleBackup} {
		for _, id := range p.ids.ListEligible(role) {
			if id.ID == b.IdentityID {
				continue
			}
			if p.ids.ReserveCapacity(id.ID, n) == nil {
				p.log.Info("batch moved to another identity", logx.String("from", b.IdentityID), logx.String("to", id.ID), logx.Int("jobs", len(b.Jobs)))
				b.IdentityID = id.ID
				return nil
			}
		}
	}
	return err
}
