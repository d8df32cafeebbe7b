package sla

import (
	"context"
	"sort"
	"sync"
	"time"

	"deliveryd/internal/delivery"
	"deliveryd/internal/eventbus"
	"deliveryd/pkg/logx"
)

type Config struct {
	Target float64
	Warn   float64
	// MinSample is the number of finished jobs needed before an at-risk alert.
	MinSample int64
}

type Status string

const (
	StatusIdle     Status = "idle"
	StatusOK       Status = "ok"
	StatusAtRisk   Status = "at_risk"
	StatusViolated Status = "violated"
)

// Snapshot is the point-in-time SLA view of one cycle. Past the cutoff the
// rate is DeliveredByCutoff/Scheduled; deliveries reported later do not count.
type Snapshot struct {
	CycleID           string    `json:"cycle_id"`
	Start             time.Time `json:"start"`
	Cutoff            time.Time `json:"cutoff"`
	Scheduled         int64     `json:"scheduled"`
	Pending           int64     `json:"pending"`
	Delivered         int64     `json:"delivered"`
	DeliveredByCutoff int64     `json:"delivered_by_cutoff"`
	Failed            int64     `json:"failed"`
	Abandoned         int64     `json:"abandoned"`
	Rate              float64   `json:"rate"`
	Target            float64   `json:"target"`
	Warn              float64   `json:"warn"`
	AvgLatencyMS      float64   `json:"avg_delivery_latency_ms"`
	InFlight          int64     `json:"in_flight"`
	PeakInFlight      int64     `json:"peak_in_flight"`
	Status            Status    `json:"status"`
	PastCutoff        bool      `json:"past_cutoff"`
	EvaluatedAt       time.Time `json:"evaluated_at"`
}

// Alert is published once per cycle per kind.
type Alert struct {
	Kind      string    `json:"kind"` // sla.risk | sla.violation
	CycleID   string    `json:"cycle_id"`
	Rate      float64   `json:"rate"`
	Target    float64   `json:"target"`
	Delivered int64     `json:"delivered"`
	Scheduled int64     `json:"scheduled"`
	Cutoff    time.Time `json:"cutoff"`
}

// Monitor counts applied job transitions per cycle and compares each
// cycle's delivery rate to the target. Several cycles (one per content
// stream) may run on the same day; each keeps its own counters and alerts.
type Monitor struct {
	cfg Config
	log logx.Logger
	bus eventbus.Bus

	mu      sync.Mutex
	cycles  map[string]*cycleStats
	current string

	now func() time.Time
}

type cycleStats struct {
	cycle        delivery.Cycle
	scheduled    int64
	pending      int64
	delivered    int64
	onTime       int64
	failed       int64
	abandoned    int64
	inFlight     int64
	peakInFlight int64
	latencySum   time.Duration
	latencyN     int64
	riskSent     bool
	violSent     bool
	violated     bool
	cutoffSeen   bool
}

// retention bounds how long a finished cycle stays queryable.
const retention = 48 * time.Hour

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Monitor {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.Target <= 0 {
		cfg.Target = 0.99
	}
	if cfg.Warn <= 0 {
		cfg.Warn = 0.97
	}
	return &Monitor{
		cfg:    cfg,
		log:    log.With(logx.String("comp", "sla")),
		bus:    bus,
		cycles: map[string]*cycleStats{},
		now:    time.Now,
	}
}

// SetConfig swaps thresholds; alerts already raised stay latched.
func (m *Monitor) SetConfig(cfg Config) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cfg.Target > 0 {
		m.cfg.Target = cfg.Target
	}
	if cfg.Warn > 0 {
		m.cfg.Warn = cfg.Warn
	}
	m.cfg.MinSample = cfg.MinSample
}

// StartCycle begins tracking c and makes it the current cycle. Starting a
// cycle that is already tracked only makes it current.
func (m *Monitor) StartCycle(c delivery.Cycle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current = c.ID
	if _, ok := m.cycles[c.ID]; ok {
		return
	}
	m.cycles[c.ID] = &cycleStats{cycle: c}
	now := m.now()
	for id, st := range m.cycles {
		if id != c.ID && !st.cycle.Cutoff.IsZero() && now.Sub(st.cycle.Cutoff) > retention {
			delete(m.cycles, id)
		}
	}
	m.log.Info("sla cycle started", logx.Cycle(c.ID), logx.Time("cutoff", c.Cutoff), logx.Int("tracked", len(m.cycles)))
}

// Cycle returns the current cycle.
func (m *Monitor) Cycle() (delivery.Cycle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.cycles[m.current]
	if !ok {
		return delivery.Cycle{}, false
	}
	return st.cycle, true
}

// JobCreated counts a newly scheduled job.
func (m *Monitor) JobCreated(j *delivery.Job) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.cycles[j.CycleID]; ok {
		st.scheduled++
		st.pending++
	}
}

// Observe counts one applied transition. Duplicate and stale transitions must
// not be passed in.
func (m *Monitor) Observe(j *delivery.Job, from, to delivery.State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.cycles[j.CycleID]
	if !ok {
		return
	}
	before := from == delivery.StateDispatched || from == delivery.StateSent
	after := to == delivery.StateDispatched || to == delivery.StateSent
	switch {
	case !before && after:
		st.inFlight++
		if st.inFlight > st.peakInFlight {
			st.peakInFlight = st.inFlight
		}
	case before && !after:
		st.inFlight--
	}

	switch to {
	case delivery.StateDelivered, delivery.StateRead:
		if from == delivery.StateDelivered {
			return
		}
		st.delivered++
		st.pending--
		at := m.now()
		if j.DeliveredAt != nil {
			at = *j.DeliveredAt
		}
		if st.cycle.Cutoff.IsZero() || !at.After(st.cycle.Cutoff) {
			st.onTime++
		}
		if j.DeliveredAt != nil && !j.CreatedAt.IsZero() {
			if d := j.DeliveredAt.Sub(j.CreatedAt); d >= 0 {
				st.latencySum += d
				st.latencyN++
			}
		}
	case delivery.StateFailed:
		if j.TerminalAt != nil {
			st.failed++
			st.pending--
		}
	case delivery.StateAbandoned:
		st.abandoned++
		st.pending--
	}
}

// snapshotLocked computes st's view at now. Once a cycle is seen violated it
// stays violated.
func (m *Monitor) snapshotLocked(st *cycleStats, now time.Time) Snapshot {
	s := Snapshot{
		CycleID:           st.cycle.ID,
		Start:             st.cycle.Start,
		Cutoff:            st.cycle.Cutoff,
		Scheduled:         st.scheduled,
		Pending:           st.pending,
		Delivered:         st.delivered,
		DeliveredByCutoff: st.onTime,
		Failed:            st.failed,
		Abandoned:         st.abandoned,
		Target:            m.cfg.Target,
		Warn:              m.cfg.Warn,
		InFlight:          st.inFlight,
		PeakInFlight:      st.peakInFlight,
		EvaluatedAt:       now,
	}
	if st.latencyN > 0 {
		s.AvgLatencyMS = float64(st.latencySum/time.Duration(st.latencyN)) / float64(time.Millisecond)
	}
	s.PastCutoff = !st.cycle.Cutoff.IsZero() && !now.Before(st.cycle.Cutoff)
	var num, denom int64
	if s.PastCutoff {
		// Anything not delivered by the cutoff is a miss.
		num, denom = st.onTime, st.scheduled
	} else {
		num, denom = st.delivered, st.delivered+st.failed+st.abandoned
	}
	s.Rate = 1
	if denom > 0 {
		s.Rate = float64(num) / float64(denom)
	}
	switch {
	case st.violated || (s.PastCutoff && s.Rate < m.cfg.Target):
		st.violated = true
		s.Status = StatusViolated
	case !s.PastCutoff && s.Rate < m.cfg.Warn && denom >= m.cfg.MinSample:
		s.Status = StatusAtRisk
	default:
		s.Status = StatusOK
	}
	return s
}

// Snapshot returns the current cycle's metrics without raising alerts.
func (m *Monitor) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.cycles[m.current]
	if !ok {
		return Snapshot{Status: StatusIdle, Target: m.cfg.Target, Warn: m.cfg.Warn, EvaluatedAt: m.now()}
	}
	return m.snapshotLocked(st, m.now())
}

// SnapshotOf returns the metrics of a tracked cycle.
func (m *Monitor) SnapshotOf(cycleID string) (Snapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.cycles[cycleID]
	if !ok {
		return Snapshot{}, false
	}
	return m.snapshotLocked(st, m.now()), true
}

// Snapshots returns every tracked cycle, oldest start first.
func (m *Monitor) Snapshots() []Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	out := make([]Snapshot, 0, len(m.cycles))
	for _, st := range m.cycles {
		out = append(out, m.snapshotLocked(st, now))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Start.Equal(out[j].Start) {
			return out[i].Start.Before(out[j].Start)
		}
		return out[i].CycleID < out[j].CycleID
	})
	return out
}

// Evaluate checks every tracked cycle and publishes at most one at-risk and
// one violation alert per cycle. It returns the current cycle's snapshot.
func (m *Monitor) Evaluate() Snapshot {
	now := m.now()
	var alerts []Alert
	m.mu.Lock()
	cur := Snapshot{Status: StatusIdle, Target: m.cfg.Target, Warn: m.cfg.Warn, EvaluatedAt: now}
	for id, st := range m.cycles {
		s := m.snapshotLocked(st, now)
		if s.PastCutoff {
			st.cutoffSeen = true
		}
		if id == m.current {
			cur = s
		}
		kind := ""
		switch s.Status {
		case StatusAtRisk:
			if !st.riskSent {
				st.riskSent = true
				kind = eventbus.SLARisk
			}
		case StatusViolated:
			if !st.violSent {
				st.violSent = true
				kind = eventbus.SLAViolation
			}
		}
		if kind != "" {
			alerts = append(alerts, Alert{
				Kind:      kind,
				CycleID:   s.CycleID,
				Rate:      s.Rate,
				Target:    s.Target,
				Delivered: s.DeliveredByCutoff,
				Scheduled: s.Scheduled,
				Cutoff:    s.Cutoff,
			})
		}
	}
	m.mu.Unlock()

	for _, a := range alerts {
		m.log.Warn("sla alert",
			logx.String("kind", a.Kind),
			logx.Cycle(a.CycleID),
			logx.Float64("rate", a.Rate),
			logx.Float64("target", a.Target),
			logx.Int64("delivered", a.Delivered),
			logx.Int64("scheduled", a.Scheduled),
		)
		if m.bus != nil {
			m.bus.Publish(eventbus.Event{Type: a.Kind, Data: a})
		}
	}
	return cur
}

// nextCutoff is the earliest cutoff not yet evaluated.
func (m *Monitor) nextCutoff() (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var next time.Time
	for _, st := range m.cycles {
		c := st.cycle.Cutoff
		if st.cutoffSeen || c.IsZero() {
			continue
		}
		if next.IsZero() || c.Before(next) {
			next = c
		}
	}
	return next, !next.IsZero()
}

// Run evaluates every interval and once more at each cycle cutoff.
func (m *Monitor) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	var cutoffTimer *time.Timer
	var cutoffC <-chan time.Time
	var armed time.Time
	defer func() {
		if cutoffTimer != nil {
			cutoffTimer.Stop()
		}
	}()
	for {
		if next, ok := m.nextCutoff(); ok && !next.Equal(armed) {
			armed = next
			if cutoffTimer != nil {
				cutoffTimer.Stop()
			}
			cutoffTimer = time.NewTimer(time.Until(next))
			cutoffC = cutoffTimer.C
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			m.Evaluate()
		case <-cutoffC:
			cutoffC = nil
			armed = time.Time{}
			m.Evaluate()
		}
	}
}
