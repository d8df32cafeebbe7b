package sla

import (
	"fmt"
	"testing"
	"time"

	"deliveryd/internal/delivery"
	"deliveryd/internal/eventbus"
	"deliveryd/pkg/logx"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func newMonitor(t *testing.T, cfg Config, bus eventbus.Bus) (*Monitor, *clock, delivery.Cycle) {
	t.Helper()
	start := time.Date(2026, 10, 16, 6, 0, 0, 0, time.UTC)
	c := &clock{t: start}
	m := New(cfg, logx.Nop(), bus)
	m.now = c.now
	cycle := delivery.Cycle{ID: "2026-10-16/c1", Start: start, Cutoff: start.Add(5 * time.Minute)}
	m.StartCycle(cycle)
	return m, c, cycle
}

func deliver(m *Monitor, j *delivery.Job, at time.Time) {
	m.Observe(j, delivery.StateQueued, delivery.StateDispatched)
	m.Observe(j, delivery.StateDispatched, delivery.StateSent)
	j.DeliveredAt = &at
	m.Observe(j, delivery.StateSent, delivery.StateDelivered)
}

func TestViolationAlertRaisedExactlyOnce(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(64, eventbus.SLAViolation, eventbus.SLARisk)
	defer unsub()
	m, clk, cycle := newMonitor(t, Config{Target: 0.99, Warn: 0.97, MinSample: 100}, bus)

	jobs := make([]*delivery.Job, 10000)
	for i := range jobs {
		jobs[i] = &delivery.Job{ID: fmt.Sprintf("j%05d", i), CycleID: cycle.ID, CreatedAt: cycle.Start}
		m.JobCreated(jobs[i])
	}
	for i := 0; i < 9850; i++ {
		deliver(m, jobs[i], cycle.Start.Add(2*time.Minute))
	}

	clk.t = cycle.Start.Add(4 * time.Minute)
	if s := m.Evaluate(); s.Status != StatusOK || s.Rate != 1 {
		t.Fatalf("before cutoff = %+v", s)
	}

	clk.t = cycle.Cutoff
	var s Snapshot
	for i := 0; i < 150; i++ {
		s = m.Evaluate()
		clk.t = clk.t.Add(time.Second)
	}
	if s.Status != StatusViolated {
		t.Fatalf("status = %s", s.Status)
	}
	if s.Rate != 0.985 {
		t.Fatalf("rate = %v, want 0.985", s.Rate)
	}
	if s.Scheduled != 10000 || s.Delivered != 9850 || s.Pending != 150 {
		t.Fatalf("snapshot = %+v", s)
	}
	if s.AvgLatencyMS != 120000 {
		t.Fatalf("avg latency = %vms", s.AvgLatencyMS)
	}

	var alerts []Alert
	for {
		select {
		case ev := <-ch:
			alerts = append(alerts, ev.Data.(Alert))
			continue
		default:
		}
		break
	}
	if len(alerts) != 1 || alerts[0].Kind != eventbus.SLAViolation || alerts[0].Rate != 0.985 {
		t.Fatalf("alerts = %+v", alerts)
	}
}

func TestAtRiskAlertBeforeCutoff(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(8, eventbus.SLARisk)
	defer unsub()
	m, clk, cycle := newMonitor(t, Config{Target: 0.99, Warn: 0.97, MinSample: 10}, bus)

	now := cycle.Start.Add(time.Minute)
	clk.t = now
	for i := 0; i < 20; i++ {
		j := &delivery.Job{ID: fmt.Sprintf("j%d", i), CycleID: cycle.ID, CreatedAt: cycle.Start}
		m.JobCreated(j)
		if i < 18 {
			deliver(m, j, now)
			continue
		}
		m.Observe(j, delivery.StateQueued, delivery.StateDispatched)
		j.TerminalAt = &now
		m.Observe(j, delivery.StateDispatched, delivery.StateFailed)
	}
	s := m.Evaluate()
	if s.Status != StatusAtRisk || s.Rate != 0.9 {
		t.Fatalf("snapshot = %+v", s)
	}
	m.Evaluate()
	if len(ch) != 1 {
		t.Fatalf("risk alerts = %d, want 1", len(ch))
	}
}

func TestObserveCountsOnlyOwnCycleAndTerminalFailures(t *testing.T) {
	t.Parallel()
	m, _, cycle := newMonitor(t, Config{}, nil)

	other := &delivery.Job{ID: "x", CycleID: "2026-10-15/c1"}
	m.JobCreated(other)
	m.Observe(other, delivery.StateQueued, delivery.StateDispatched)

	j := &delivery.Job{ID: "a", CycleID: cycle.ID}
	m.JobCreated(j)
	m.Observe(j, delivery.StateQueued, delivery.StateDispatched)
	// Retryable failure: not terminal, not counted.
	m.Observe(j, delivery.StateDispatched, delivery.StateFailed)
	m.Observe(j, delivery.StateFailed, delivery.StateQueued)
	m.Observe(j, delivery.StateQueued, delivery.StateDispatched)
	m.Observe(j, delivery.StateDispatched, delivery.StateSent)

	s := m.Snapshot()
	if s.Scheduled != 1 || s.Failed != 0 || s.Pending != 1 || s.InFlight != 1 || s.PeakInFlight != 1 {
		t.Fatalf("snapshot = %+v", s)
	}

	k := &delivery.Job{ID: "b", CycleID: cycle.ID}
	m.JobCreated(k)
	m.Observe(k, delivery.StateQueued, delivery.StateAbandoned)
	s = m.Snapshot()
	if s.Abandoned != 1 || s.Pending != 1 {
		t.Fatalf("snapshot = %+v", s)
	}
}

func TestReadAfterDeliveredCountsOnce(t *testing.T) {
	t.Parallel()
	m, _, cycle := newMonitor(t, Config{}, nil)
	j := &delivery.Job{ID: "a", CycleID: cycle.ID, CreatedAt: cycle.Start}
	m.JobCreated(j)
	deliver(m, j, cycle.Start.Add(time.Second))
	m.Observe(j, delivery.StateDelivered, delivery.StateRead)
	if s := m.Snapshot(); s.Delivered != 1 || s.InFlight != 0 {
		t.Fatalf("snapshot = %+v", s)
	}
}

func TestLateDeliveriesDoNotClearViolation(t *testing.T) {
	t.Parallel()
	m, clk, cycle := newMonitor(t, Config{Target: 0.99, Warn: 0.97}, nil)
	jobs := make([]*delivery.Job, 100)
	for i := range jobs {
		jobs[i] = &delivery.Job{ID: fmt.Sprintf("j%03d", i), CycleID: cycle.ID, CreatedAt: cycle.Start}
		m.JobCreated(jobs[i])
	}
	for i := 0; i < 98; i++ {
		deliver(m, jobs[i], cycle.Start.Add(time.Minute))
	}

	clk.t = cycle.Cutoff
	if s := m.Evaluate(); s.Status != StatusViolated || s.Rate != 0.98 {
		t.Fatalf("at cutoff = %+v", s)
	}

	clk.t = cycle.Cutoff.Add(time.Second)
	for i := 98; i < 100; i++ {
		deliver(m, jobs[i], clk.t)
	}
	s := m.Snapshot()
	if s.Status != StatusViolated || s.Rate != 0.98 {
		t.Fatalf("after late deliveries = %+v", s)
	}
	if s.Delivered != 100 || s.DeliveredByCutoff != 98 {
		t.Fatalf("counts = %+v", s)
	}

	// Relaxing the target afterwards does not clear it either.
	m.SetConfig(Config{Target: 0.95, Warn: 0.9})
	if s := m.Snapshot(); s.Status != StatusViolated {
		t.Fatalf("violation not latched: %+v", s)
	}
}

func TestViolationFoundByLateEvaluation(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(4, eventbus.SLAViolation)
	defer unsub()
	m, clk, cycle := newMonitor(t, Config{Target: 0.99, Warn: 0.97}, bus)
	for i := 0; i < 100; i++ {
		j := &delivery.Job{ID: fmt.Sprintf("j%03d", i), CycleID: cycle.ID, CreatedAt: cycle.Start}
		m.JobCreated(j)
		at := cycle.Start.Add(time.Minute)
		if i >= 97 {
			at = cycle.Cutoff.Add(30 * time.Second)
		}
		clk.t = at
		deliver(m, j, at)
	}

	// First evaluation happens well after the cutoff.
	clk.t = cycle.Cutoff.Add(time.Minute)
	s := m.Evaluate()
	if s.Status != StatusViolated || s.Rate != 0.97 {
		t.Fatalf("snapshot = %+v", s)
	}
	select {
	case ev := <-ch:
		if a := ev.Data.(Alert); a.Delivered != 97 || a.Scheduled != 100 {
			t.Fatalf("alert = %+v", a)
		}
	default:
		t.Fatal("no violation alert")
	}
}

func TestCyclesOnSameDayKeepSeparateCounters(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(8, eventbus.SLAViolation)
	defer unsub()
	m, clk, first := newMonitor(t, Config{Target: 0.99, Warn: 0.97}, bus)
	second := delivery.Cycle{ID: "2026-10-16/c2", Start: first.Start, Cutoff: first.Cutoff}

	add := func(c delivery.Cycle, n, delivered int) {
		for i := 0; i < n; i++ {
			j := &delivery.Job{ID: fmt.Sprintf("%s-%d", c.ID, i), CycleID: c.ID, CreatedAt: c.Start}
			m.JobCreated(j)
			if i < delivered {
				deliver(m, j, c.Start.Add(time.Minute))
			}
		}
	}
	add(first, 10, 10)
	m.StartCycle(second)
	add(second, 10, 5)
	// Restarting a tracked cycle must not reset it.
	m.StartCycle(first)
	m.StartCycle(second)

	clk.t = first.Cutoff
	if s := m.Evaluate(); s.CycleID != second.ID || s.Status != StatusViolated {
		t.Fatalf("current = %+v", s)
	}
	if s, ok := m.SnapshotOf(first.ID); !ok || s.Status != StatusOK || s.Scheduled != 10 || s.Delivered != 10 {
		t.Fatalf("first = %+v ok=%v", s, ok)
	}
	if all := m.Snapshots(); len(all) != 2 || all[0].CycleID != first.ID {
		t.Fatalf("snapshots = %+v", all)
	}
	m.Evaluate()
	if len(ch) != 1 {
		t.Fatalf("violation alerts = %d, want 1", len(ch))
	}
	if a := (<-ch).Data.(Alert); a.CycleID != second.ID {
		t.Fatalf("alert = %+v", a)
	}
}
