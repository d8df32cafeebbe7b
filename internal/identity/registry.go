package identity

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"deliveryd/internal/delivery"
	"deliveryd/internal/eventbus"
	"deliveryd/internal/storage"
	"deliveryd/pkg/logx"
)

// Config is the immutable registry configuration.
type Config struct {
	Identities      []delivery.Identity
	GlobalPerSecond int
	// Window is the rate window length. Default 1s.
	Window time.Duration

	// CircuitFailures opens an identity's circuit after N consecutive transient
	// failures. 0 disables the breaker.
	CircuitFailures int
	CircuitCooldown time.Duration

	// RatingScale scales an identity's per-second limit by its current quality
	// rating. Missing ratings use DefaultRatingScale. A scale of 0 pauses the
	// identity: it is not eligible and AcquireSlot refuses it.
	RatingScale map[delivery.Rating]float64
}

// DefaultRatingScale mirrors the provider's tiers of 80, 50 and 20 sends per
// second for HIGH, MEDIUM and LOW. FLAGGED identities are paused.
var DefaultRatingScale = map[delivery.Rating]float64{
	delivery.RatingHigh:    1,
	delivery.RatingMedium:  0.625,
	delivery.RatingLow:     0.25,
	delivery.RatingFlagged: 0,
}

// QualitySink receives quality signals forwarded by RecordQualitySignal.
type QualitySink interface {
	Record(sig delivery.QualitySignal)
}

type entry struct {
	id            string
	phoneNumberID string
	priority      int
	dailyCap      int64
	perSecond     int

	role      atomic.Int32 // 0 primary, 1 backup
	enabled   atomic.Bool
	remaining atomic.Int64
	sent      atomic.Int64
	quality   atomic.Uint64 // math.Float64bits

	mu     sync.Mutex
	reason string

	window  *slidingWindow
	circuit circuitState
}

func (e *entry) roleValue() delivery.Role {
	if e.role.Load() == 0 {
		return delivery.RolePrimary
	}
	return delivery.RoleBackup
}

func (e *entry) qualityValue() float64 { return math.Float64frombits(e.quality.Load()) }

// rateLimit is the per-second limit at the identity's current rating. 0 with
// paused=true means no sends are admitted. A zero perSecond stays unlimited.
func (e *entry) rateLimit(scale map[delivery.Rating]float64) (limit int, paused bool) {
	f := scale[delivery.RatingFor(e.qualityValue())]
	if f <= 0 {
		return 0, true
	}
	if e.perSecond <= 0 || f >= 1 {
		return e.perSecond, false
	}
	limit = int(math.Ceil(float64(e.perSecond) * f))
	if limit < 1 {
		limit = 1
	}
	return limit, false
}

func (e *entry) load() float64 {
	if e.dailyCap <= 0 {
		return 0
	}
	return float64(e.sent.Load()) / float64(e.dailyCap)
}

func (e *entry) snapshot(scale map[delivery.Rating]float64) delivery.Identity {
	e.mu.Lock()
	reason := e.reason
	e.mu.Unlock()
	q := e.qualityValue()
	limit, _ := e.rateLimit(scale)
	return delivery.Identity{
		ID:             e.id,
		PhoneNumberID:  e.phoneNumberID,
		Role:           e.roleValue(),
		Priority:       e.priority,
		DailyCap:       e.dailyCap,
		PerSecond:      e.perSecond,
		RatePerSecond:  limit,
		Enabled:        e.enabled.Load(),
		DisabledReason: reason,
		Quality:        q,
		Rating:         delivery.RatingFor(q),
		SentToday:      e.sent.Load(),
		Remaining:      e.remaining.Load(),
	}
}

// Registry owns the pool of sending identities. Remaining capacity and quality
// score are mutated only through compare-and-swap.
type Registry struct {
	log     logx.Logger
	bus     eventbus.Bus
	persist storage.IdentityStore
	audit   storage.AuditLog

	byID   map[string]*entry
	global *slidingWindow
	cc     circuitCfg
	scale  map[delivery.Rating]float64

	sinkMu sync.RWMutex
	sink   QualitySink

	now func() time.Time
}

type Option func(*Registry)

func WithBus(b eventbus.Bus) Option { return func(r *Registry) { r.bus = b } }

// WithStore persists identity state changes and audits admin operations.
func WithStore(st interface {
	storage.IdentityStore
	storage.AuditLog
}) Option {
	return func(r *Registry) {
		r.persist = st
		r.audit = st
	}
}

func New(cfg Config, log logx.Logger, opts ...Option) *Registry {
	if log.IsZero() {
		log = logx.Nop()
	}
	win := cfg.Window
	if win <= 0 {
		win = time.Second
	}
	cooldown := cfg.CircuitCooldown
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	r := &Registry{
		log:    log.With(logx.String("comp", "identity")),
		byID:   make(map[string]*entry, len(cfg.Identities)),
		global: newSlidingWindow(cfg.GlobalPerSecond, win),
		cc:     circuitCfg{trip: cfg.CircuitFailures, baseDelay: cooldown, maxDelay: 10 * cooldown},
		scale:  make(map[delivery.Rating]float64, len(DefaultRatingScale)),
		now:    time.Now,
	}
	for k, v := range DefaultRatingScale {
		r.scale[k] = v
	}
	for k, v := range cfg.RatingScale {
		r.scale[k] = v
	}
	for _, o := range opts {
		o(r)
	}
	for _, id := range cfg.Identities {
		e := &entry{
			id:            id.ID,
			phoneNumberID: id.PhoneNumberID,
			priority:      id.Priority,
			dailyCap:      id.DailyCap,
			perSecond:     id.PerSecond,
			window:        newSlidingWindow(id.PerSecond, win),
			reason:        id.DisabledReason,
		}
		if id.Role == delivery.RoleBackup {
			e.role.Store(1)
		}
		e.enabled.Store(id.Enabled)
		e.remaining.Store(id.DailyCap)
		q := id.Quality
		if q <= 0 {
			q = 1
		}
		e.quality.Store(math.Float64bits(q))
		r.byID[id.ID] = e
	}
	return r
}

// SetQualitySink wires the quality governor. Signals recorded before it is set are dropped.
func (r *Registry) SetQualitySink(s QualitySink) {
	r.sinkMu.Lock()
	r.sink = s
	r.sinkMu.Unlock()
}

// Restore applies persisted enable/role/quality state over the configured pool.
func (r *Registry) Restore(ctx context.Context) error {
	if r.persist == nil {
		return nil
	}
	rows, err := r.persist.ListIdentities(ctx)
	if err != nil {
		return err
	}
	for _, row := range rows {
		e := r.byID[row.ID]
		if e == nil {
			continue
		}
		e.enabled.Store(row.Enabled)
		e.mu.Lock()
		e.reason = row.DisabledReason
		e.mu.Unlock()
		if row.Role == delivery.RoleBackup {
			e.role.Store(1)
		} else {
			e.role.Store(0)
		}
		if row.Quality > 0 {
			e.quality.Store(math.Float64bits(row.Quality))
		}
	}
	return nil
}

func (r *Registry) Get(id string) (delivery.Identity, bool) {
	e := r.byID[id]
	if e == nil {
		return delivery.Identity{}, false
	}
	return e.snapshot(r.scale), true
}

// All returns every identity ordered by id.
func (r *Registry) All() []delivery.Identity {
	out := make([]delivery.Identity, 0, len(r.byID))
	for _, e := range r.byID {
		out = append(out, e.snapshot(r.scale))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *Registry) eligible(e *entry, now time.Time) bool {
	if !e.enabled.Load() || e.remaining.Load() <= 0 || e.circuit.isOpen(now) {
		return false
	}
	_, paused := e.rateLimit(r.scale)
	return !paused
}

// ListEligible returns enabled identities with remaining daily capacity,
// primary before backup, then by ascending load, then by id. An empty role
// means any role.
func (r *Registry) ListEligible(role delivery.Role) []delivery.Identity {
	now := r.now()
	type cand struct {
		id   delivery.Identity
		load float64
	}
	cands := make([]cand, 0, len(r.byID))
	for _, e := range r.byID {
		if !r.eligible(e, now) {
			continue
		}
		if role != "" && e.roleValue() != role {
			continue
		}
		cands = append(cands, cand{id: e.snapshot(r.scale), load: e.load()})
	}
	sort.Slice(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		if a.id.Role.Rank() != b.id.Role.Rank() {
			return a.id.Role.Rank() < b.id.Role.Rank()
		}
		if a.load != b.load {
			return a.load < b.load
		}
		return a.id.ID < b.id.ID
	})
	out := make([]delivery.Identity, len(cands))
	for i, c := range cands {
		out[i] = c.id
	}
	return out
}

// Eligible reports whether id could take a send right now.
func (r *Registry) Eligible(id string) bool {
	e := r.byID[id]
	return e != nil && r.eligible(e, r.now())
}

// ReserveCapacity takes n sends from id's remaining daily capacity.
func (r *Registry) ReserveCapacity(id string, n int64) error {
	e := r.byID[id]
	if e == nil {
		return delivery.ErrUnknownIdentity
	}
	if n <= 0 {
		return nil
	}
	for {
		cur := e.remaining.Load()
		if cur < n {
			return delivery.ErrCapacityExhausted
		}
		if e.remaining.CompareAndSwap(cur, cur-n) {
			e.sent.Add(n)
			return nil
		}
	}
}

// ReleaseCapacity returns n unused sends (e.g. jobs cancelled before dispatch).
func (r *Registry) ReleaseCapacity(id string, n int64) {
	e := r.byID[id]
	if e == nil || n <= 0 {
		return
	}
	for {
		cur := e.remaining.Load()
		next := cur + n
		if next > e.dailyCap {
			next = e.dailyCap
		}
		if e.remaining.CompareAndSwap(cur, next) {
			e.sent.Add(-(next - cur))
			return
		}
	}
}

// AcquireSlot blocks until both id's and the global rate windows admit one
// more send, and returns the admission time. Fresh and retry sends both pass
// here. The identity's limit follows its quality rating at every attempt; a
// paused identity fails with ErrIdentityPaused.
func (r *Registry) AcquireSlot(ctx context.Context, id string) (time.Time, error) {
	e := r.byID[id]
	if e == nil {
		return time.Time{}, delivery.ErrUnknownIdentity
	}
	for {
		limit, paused := e.rateLimit(r.scale)
		if paused {
			return time.Time{}, fmt.Errorf("identity %s rated %s: %w", id, delivery.RatingFor(e.qualityValue()), delivery.ErrIdentityPaused)
		}
		now := r.now()
		wait := acquirePair(now, e.window, limit, r.global)
		if wait == 0 {
			return now, nil
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return time.Time{}, ctx.Err()
		case <-t.C:
		}
	}
}

// RecordQualitySignal forwards sig to the quality governor.
func (r *Registry) RecordQualitySignal(id string, sig delivery.QualitySignal) {
	sig.IdentityID = id
	if sig.At.IsZero() {
		sig.At = r.now()
	}
	r.sinkMu.RLock()
	s := r.sink
	r.sinkMu.RUnlock()
	if s != nil {
		s.Record(sig)
	}
}

// RecordTransport feeds the transport circuit breaker. transient=false resets it.
func (r *Registry) RecordTransport(id string, transient bool) {
	e := r.byID[id]
	if e == nil {
		return
	}
	if e.circuit.record(r.now(), r.cc, transient) {
		r.log.Warn("identity circuit opened", logx.Identity(id))
	}
}

// Quality returns id's current quality score (1 = perfect).
func (r *Registry) Quality(id string) float64 {
	e := r.byID[id]
	if e == nil {
		return 0
	}
	return e.qualityValue()
}

// SetQuality stores a new quality score and returns the previous one.
func (r *Registry) SetQuality(id string, score float64) float64 {
	e := r.byID[id]
	if e == nil {
		return 0
	}
	nb := math.Float64bits(score)
	for {
		old := e.quality.Load()
		if e.quality.CompareAndSwap(old, nb) {
			return math.Float64frombits(old)
		}
	}
}

// Disable turns id off. It reports whether the state changed.
func (r *Registry) Disable(ctx context.Context, id, reason, actor string) (bool, error) {
	e := r.byID[id]
	if e == nil {
		return false, delivery.ErrUnknownIdentity
	}
	if !e.enabled.CompareAndSwap(true, false) {
		return false, nil
	}
	e.mu.Lock()
	e.reason = reason
	e.mu.Unlock()
	r.log.Warn("identity disabled", logx.Identity(id), logx.String("reason", reason), logx.String("actor", actor))
	r.changed(ctx, e, eventbus.IdentityDisabled, "disabled: "+reason, actor)
	return true, nil
}

// Enable turns id back on. It reports whether the state changed.
func (r *Registry) Enable(ctx context.Context, id, actor string) (bool, error) {
	e := r.byID[id]
	if e == nil {
		return false, delivery.ErrUnknownIdentity
	}
	if !e.enabled.CompareAndSwap(false, true) {
		return false, nil
	}
	e.mu.Lock()
	e.reason = ""
	e.mu.Unlock()
	r.log.Info("identity enabled", logx.Identity(id), logx.String("actor", actor))
	r.changed(ctx, e, eventbus.IdentityEnabled, "enabled", actor)
	return true, nil
}

// Demote moves a primary identity to the backup role.
func (r *Registry) Demote(ctx context.Context, id, reason, actor string) (bool, error) {
	e := r.byID[id]
	if e == nil {
		return false, delivery.ErrUnknownIdentity
	}
	if !e.role.CompareAndSwap(0, 1) {
		return false, nil
	}
	r.log.Warn("identity demoted", logx.Identity(id), logx.String("reason", reason))
	r.changed(ctx, e, eventbus.IdentityDemoted, "demoted: "+reason, actor)
	return true, nil
}

// ResetDay restores every identity's daily capacity. Called at the day boundary.
func (r *Registry) ResetDay() {
	for _, e := range r.byID {
		e.remaining.Store(e.dailyCap)
		e.sent.Store(0)
	}
	r.log.Info("daily capacity reset", logx.Int("identities", len(r.byID)))
}

func (r *Registry) changed(ctx context.Context, e *entry, evType, reason, actor string) {
	snap := e.snapshot(r.scale)
	if r.persist != nil {
		if err := r.persist.SaveIdentity(ctx, snap); err != nil {
			r.log.Error("persist identity failed", logx.Identity(e.id), logx.Err(err))
		}
	}
	if r.audit != nil {
		err := r.audit.AppendAudit(ctx, delivery.AuditEntry{
			Time:       r.now(),
			Kind:       delivery.AuditIdentity,
			IdentityID: e.id,
			Reason:     reason,
			Actor:      actor,
		})
		if err != nil {
			r.log.Error("audit identity change failed", logx.Identity(e.id), logx.Err(err))
		}
	}
	if r.bus != nil {
		r.bus.Publish(eventbus.Event{Type: evType, Data: snap})
	}
}
