package dispatch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"deliveryd/internal/eventbus"
	"deliveryd/pkg/logx"
)

func TestPoolRunsTasksWithBoundedConcurrency(t *testing.T) {
	t.Parallel()
	p := NewPool(Config{Name: "bulk", Workers: 3, QueueSize: 64}, logx.Nop(), nil)
	p.Start(context.Background())
	defer p.Stop(context.Background())

	var cur, peak atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 30; i++ {
		wg.Add(1)
		err := p.Submit(context.Background(), Task{Name: "send", Run: func(ctx context.Context) error {
			defer wg.Done()
			n := cur.Add(1)
			for {
				old := peak.Load()
				if n <= old || peak.CompareAndSwap(old, n) {
					break
				}
			}
			time.Sleep(2 * time.Millisecond)
			cur.Add(-1)
			return nil
		}})
		if err != nil {
			t.Fatalf("submit: %v", err)
		}
	}
	wg.Wait()
	if peak.Load() > 3 {
		t.Fatalf("peak concurrency %d > 3 workers", peak.Load())
	}
	deadline := time.Now().Add(time.Second)
	for p.Snapshot().Completed != 30 {
		if time.Now().After(deadline) {
			t.Fatalf("completed = %d", p.Snapshot().Completed)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestPoolRecoversPanicsAndReportsFailures(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(8, eventbus.TaskFailed)
	defer unsub()

	p := NewPool(Config{Name: "retry", Workers: 1}, logx.Nop(), bus)
	p.Start(context.Background())
	defer p.Stop(context.Background())

	_ = p.Submit(context.Background(), Task{Name: "boom", Run: func(context.Context) error { panic("bad") }})
	done := make(chan struct{})
	_ = p.Submit(context.Background(), Task{Name: "after", Run: func(context.Context) error { close(done); return nil }})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not survive the panic")
	}
	select {
	case ev := <-ch:
		if ev.Data.(TaskEvent).Name != "boom" {
			t.Fatalf("event = %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("no failure event")
	}
	if s := p.Snapshot(); s.Panics != 1 || s.Failed != 1 {
		t.Fatalf("snapshot = %+v", s)
	}
}

func TestEnqueueDropsWhenFull(t *testing.T) {
	t.Parallel()
	p := NewPool(Config{Name: "bulk", Workers: 1, QueueSize: 1}, logx.Nop(), nil)
	p.Start(context.Background())
	defer p.Stop(context.Background())

	block := make(chan struct{})
	started := make(chan struct{})
	_ = p.Submit(context.Background(), Task{Name: "hold", Run: func(context.Context) error {
		close(started)
		<-block
		return nil
	}})
	<-started
	if err := p.Enqueue(Task{Name: "fill", Run: func(context.Context) error { return nil }}); err != nil {
		t.Fatalf("fill: %v", err)
	}
	if err := p.Enqueue(Task{Name: "over", Run: func(context.Context) error { return nil }}); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("err = %v, want ErrQueueFull", err)
	}
	close(block)
	if p.Snapshot().Dropped != 1 {
		t.Fatalf("dropped = %d", p.Snapshot().Dropped)
	}
}

func TestSubmitAfterStop(t *testing.T) {
	t.Parallel()
	p := NewPool(Config{Workers: 1}, logx.Nop(), nil)
	if err := p.Submit(context.Background(), Task{Run: func(context.Context) error { return nil }}); !errors.Is(err, ErrStopped) {
		t.Fatalf("err = %v", err)
	}
}

func TestPoolRateLimitsPickup(t *testing.T) {
	t.Parallel()
	p := NewPool(Config{Name: "batch", Workers: 4, RatePerSec: 20}, logx.Nop(), nil)
	p.Start(context.Background())
	defer p.Stop(context.Background())

	var wg sync.WaitGroup
	start := time.Now()
	// Burst of 20, then 10 more at 20/s needs roughly 450ms.
	for i := 0; i < 30; i++ {
		wg.Add(1)
		_ = p.Submit(context.Background(), Task{Run: func(context.Context) error { wg.Done(); return nil }})
	}
	wg.Wait()
	if el := time.Since(start); el < 400*time.Millisecond {
		t.Fatalf("30 tasks at 20/s took %s", el)
	}
}
