package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"deliveryd/internal/dispatch"
	"deliveryd/pkg/logx"
)

func TestParseScheduleVariants(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		raw    string
		kind   SpecKind
		source string
		cron   string
		every  time.Duration
	}{
		{name: "cron", raw: "*/5 * * * *", kind: SpecCron, source: "cron", cron: "*/5 * * * *"},
		{name: "prefixed cron", raw: "cron:0 0 * * *", kind: SpecCron, source: "cron", cron: "0 0 * * *"},
		{name: "descriptor", raw: "@hourly", kind: SpecCron, source: "cron", cron: "@hourly"},
		{name: "clock", raw: "06:00", kind: SpecCron, source: "daily", cron: "0 6 * * *"},
		{name: "prefixed clock", raw: "daily:23:15", kind: SpecCron, source: "daily", cron: "15 23 * * *"},
		{name: "duration", raw: "10m", kind: SpecInterval, source: "interval", every: 10 * time.Minute},
		{name: "prefixed interval", raw: "every:45s", kind: SpecInterval, source: "interval", every: 45 * time.Second},
		{name: "at every", raw: "@every 30s", kind: SpecInterval, source: "interval", every: 30 * time.Second},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := ParseSchedule(tt.raw)
			if err != nil {
				t.Fatalf("ParseSchedule(%q) error: %v", tt.raw, err)
			}
			if got.Kind != tt.kind || got.Source != tt.source {
				t.Fatalf("got %+v", got)
			}
			if tt.kind == SpecCron && got.Cron != tt.cron {
				t.Fatalf("Cron = %q, want %q", got.Cron, tt.cron)
			}
			if tt.kind == SpecInterval && got.Every != tt.every {
				t.Fatalf("Every = %v, want %v", got.Every, tt.every)
			}
		})
	}
}

func TestParseScheduleInvalid(t *testing.T) {
	t.Parallel()
	for _, raw := range []string{"", "not-a-schedule", "24:00", "06:60", "every:-1s", "daily:6"} {
		if _, err := ParseSchedule(raw); err == nil {
			t.Fatalf("ParseSchedule(%q) should fail", raw)
		}
	}
}

func newPool(t *testing.T) *dispatch.Pool {
	t.Helper()
	p := dispatch.NewPool(dispatch.Config{Name: "jobs", Workers: 2, QueueSize: 8}, logx.Nop(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	p.Start(ctx)
	t.Cleanup(func() {
		cancel()
		stop, done := context.WithTimeout(context.Background(), time.Second)
		defer done()
		p.Stop(stop)
	})
	return p
}

func TestCronScheduleFires(t *testing.T) {
	t.Parallel()
	s := New(Config{Timezone: "Asia/Kolkata"}, newPool(t), logx.Nop())
	var runs atomic.Int32
	if err := s.Add("tick", "* * * * * *", time.Second, func(context.Context) error {
		runs.Add(1)
		return nil
	}); err != nil {
		t.Fatalf("add: %v", err)
	}
	s.Start(context.Background())
	defer s.Stop(context.Background())

	deadline := time.Now().Add(3 * time.Second)
	for runs.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("schedule never fired")
		}
		time.Sleep(10 * time.Millisecond)
	}
	snap := s.Snapshot()
	if snap.Timezone != "Asia/Kolkata" || !snap.Started || len(snap.Schedules) != 1 {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestRunNowSkipsOverlap(t *testing.T) {
	t.Parallel()
	s := New(Config{}, newPool(t), logx.Nop())
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	if err := s.Add("sweep", "1h", 0, func(ctx context.Context) error {
		started <- struct{}{}
		<-release
		return errors.New("boom")
	}); err != nil {
		t.Fatalf("add: %v", err)
	}

	if err := s.RunNow("sweep"); err != nil {
		t.Fatalf("first run: %v", err)
	}
	<-started
	if err := s.RunNow("sweep"); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("second run err = %v", err)
	}
	close(release)

	deadline := time.Now().Add(2 * time.Second)
	for {
		info := s.Snapshot().Schedules[0]
		if info.Runs == 1 && !info.Running {
			if info.Skipped != 1 || info.LastError != "boom" {
				t.Fatalf("info = %+v", info)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("run did not finish: %+v", info)
		}
		time.Sleep(5 * time.Millisecond)
	}
	if err := s.RunNow("missing"); !errors.Is(err, ErrUnknownSchedule) {
		t.Fatalf("unknown err = %v", err)
	}
}

func TestAddReplacesAndRemove(t *testing.T) {
	t.Parallel()
	s := New(Config{}, newPool(t), logx.Nop())
	s.Start(context.Background())
	defer s.Stop(context.Background())
	noop := func(context.Context) error { return nil }

	if err := s.Add("cycle", "06:00", 0, noop); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := s.Add("cycle", "07:30", 0, noop); err != nil {
		t.Fatalf("re-add: %v", err)
	}
	snap := s.Snapshot()
	if len(snap.Schedules) != 1 || snap.Schedules[0].Spec != "30 7 * * *" {
		t.Fatalf("schedules = %+v", snap.Schedules)
	}
	if err := s.Add("bad", "61 * * * *", 0, noop); err == nil {
		t.Fatal("invalid cron accepted")
	}
	if !s.Remove("cycle") || s.Remove("cycle") {
		t.Fatal("remove should succeed exactly once")
	}
}

func TestApplyTimezoneRestartsWithSchedules(t *testing.T) {
	t.Parallel()
	s := New(Config{Timezone: "UTC"}, newPool(t), logx.Nop())
	if err := s.Add("cycle", "06:00", 0, func(context.Context) error { return nil }); err != nil {
		t.Fatalf("add: %v", err)
	}
	s.Start(context.Background())
	defer s.Stop(context.Background())

	s.Apply(Config{Timezone: "Asia/Kolkata"})
	if loc := s.Location().String(); loc != "Asia/Kolkata" {
		t.Fatalf("location = %s", loc)
	}
	snap := s.Snapshot()
	if len(snap.Schedules) != 1 {
		t.Fatalf("schedules = %+v", snap.Schedules)
	}
	if next := snap.Schedules[0].Next; next.IsZero() {
		t.Fatal("schedule not registered after restart")
	} else if h, m, _ := next.In(s.Location()).Clock(); h != 6 || m != 0 {
		t.Fatalf("next run = %s", next)
	}
}
