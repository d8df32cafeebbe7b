package dispatch

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"deliveryd/internal/eventbus"
	rtsup "deliveryd/internal/runtime/supervisor"
	"deliveryd/pkg/logx"
)

const warnThrottleEvery = 5 * time.Second

// Pool is a bounded worker pool with its own queue and admission limiter.
// Pools never share workers, so congestion in one cannot starve another.
type Pool struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger
	bus eventbus.Bus

	q       chan Task
	limiter *rate.Limiter

	sup      *rtsup.Supervisor
	stopCh   chan struct{}
	stopDone chan struct{}

	idSeq     uint64
	inFlight  int32
	completed uint64
	failed    uint64
	dropped   uint64
	panics    uint64

	lastQueueFullWarnAt int64
}

func NewPool(cfg Config, log logx.Logger, bus eventbus.Bus) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = cfg.Workers * 64
	}
	if strings.TrimSpace(cfg.Name) == "" {
		cfg.Name = "pool"
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	p := &Pool{
		cfg: cfg,
		log: log.With(logx.String("comp", "dispatch"), logx.String("pool", cfg.Name)),
		bus: bus,
	}
	if cfg.RatePerSec > 0 {
		p.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	}
	return p
}

func (p *Pool) Name() string { return p.cfg.Name }

// Supervisor returns the pool's supervisor (nil if not started).
func (p *Pool) Supervisor() *rtsup.Supervisor {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sup
}

// Start launches the workers. It is idempotent.
func (p *Pool) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	p.mu.Lock()
	if p.stopCh != nil {
		p.mu.Unlock()
		return
	}
	cfg := p.cfg
	p.q = make(chan Task, cfg.QueueSize)
	p.stopCh = make(chan struct{})
	p.stopDone = nil
	stopCh := p.stopCh
	queue := p.q
	p.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(p.log),
		rtsup.WithCancelOnError(false),
	)
	sup := p.sup
	p.mu.Unlock()

	for i := 0; i < cfg.Workers; i++ {
		idx := i
		sup.GoRestart(fmt.Sprintf("%s.worker.%d", cfg.Name, idx), func(c context.Context) error {
			p.worker(c, stopCh, queue)
			select {
			case <-stopCh:
				return context.Canceled
			default:
			}
			if c.Err() != nil {
				return c.Err()
			}
			return errors.New("worker exited unexpectedly")
		},
			rtsup.WithPublishFirstError(true),
		)
	}
	p.log.Info("dispatch pool started", logx.Int("workers", cfg.Workers), logx.Int("queue", cap(queue)), logx.Int("rate_per_sec", cfg.RatePerSec))
}

// Stop cancels the workers and waits for them (bounded by ctx). Queued tasks
// that never ran are discarded.
func (p *Pool) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	p.mu.Lock()
	if p.stopCh == nil {
		p.mu.Unlock()
		return
	}
	if p.stopDone != nil {
		done := p.stopDone
		p.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	p.stopDone = done
	close(p.stopCh)
	sup := p.sup
	p.mu.Unlock()

	sup.Cancel()
	go func() {
		_ = sup.Wait(context.Background())
		p.mu.Lock()
		p.q = nil
		p.stopCh = nil
		p.stopDone = nil
		p.sup = nil
		p.mu.Unlock()
		close(done)
	}()

	select {
	case <-done:
		p.log.Info("dispatch pool stopped")
	case <-ctx.Done():
		p.log.Warn("dispatch pool stop timed out", logx.Err(ctx.Err()))
	}
}

// Enqueue adds t without blocking; a full queue drops it with ErrQueueFull.
func (p *Pool) Enqueue(t Task) error {
	return p.enqueue(context.Background(), t, false)
}

// Submit adds t, blocking until there is room, ctx ends or the pool stops.
func (p *Pool) Submit(ctx context.Context, t Task) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return p.enqueue(ctx, t, true)
}

func (p *Pool) enqueue(ctx context.Context, t Task, block bool) error {
	if t.Run == nil {
		return fmt.Errorf("task Run is nil")
	}
	if strings.TrimSpace(t.ID) == "" {
		t.ID = fmt.Sprintf("%s-%x", p.cfg.Name, atomic.AddUint64(&p.idSeq, 1))
	}

	p.mu.Lock()
	q := p.q
	stopCh := p.stopCh
	stopping := p.stopDone != nil
	p.mu.Unlock()

	if q == nil || stopCh == nil {
		return ErrStopped
	}
	if stopping {
		return ErrStopping
	}

	if !block {
		select {
		case q <- t:
			return nil
		default:
			p.onQueueFull(t, q)
			return ErrQueueFull
		}
	}
	select {
	case q <- t:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-stopCh:
		return ErrStopping
	}
}

func (p *Pool) Snapshot() Snapshot {
	p.mu.Lock()
	q := p.q
	cfg := p.cfg
	p.mu.Unlock()
	s := Snapshot{
		Name:      cfg.Name,
		Workers:   cfg.Workers,
		InFlight:  int(atomic.LoadInt32(&p.inFlight)),
		Completed: atomic.LoadUint64(&p.completed),
		Failed:    atomic.LoadUint64(&p.failed),
		Dropped:   atomic.LoadUint64(&p.dropped),
		Panics:    atomic.LoadUint64(&p.panics),
	}
	if q != nil {
		s.QueueLen = len(q)
		s.QueueCap = cap(q)
	}
	return s
}

func (p *Pool) worker(ctx context.Context, stopCh <-chan struct{}, queue chan Task) {
	for {
		// Fast-exit check so a closed stopCh wins over queued work.
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case t := <-queue:
			if p.limiter != nil {
				if err := p.limiter.Wait(ctx); err != nil {
					return
				}
			}
			atomic.AddInt32(&p.inFlight, 1)
			p.execOne(ctx, t)
			atomic.AddInt32(&p.inFlight, -1)
		}
	}
}

func (p *Pool) execOne(ctx context.Context, t Task) {
	start := time.Now()
	runCtx := ctx
	var cancel context.CancelFunc
	if p.cfg.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, p.cfg.Timeout)
	}
	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				atomic.AddUint64(&p.panics, 1)
				err = fmt.Errorf("panic: %v", r)
				p.log.Error("task panicked", logx.String("task", t.Name), logx.String("id", t.ID), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			}
		}()
		err = t.Run(runCtx)
	}()
	if cancel != nil {
		cancel()
	}

	dur := time.Since(start)
	if err == nil || (errors.Is(err, context.Canceled) && ctx.Err() != nil) {
		atomic.AddUint64(&p.completed, 1)
		p.log.Trace("task completed", logx.String("task", t.Name), logx.String("id", t.ID), logx.Duration("dur", dur))
		return
	}
	atomic.AddUint64(&p.failed, 1)
	p.log.Warn("task failed", logx.String("task", t.Name), logx.String("id", t.ID), logx.Duration("dur", dur), logx.Err(err))
	if p.bus != nil {
		p.bus.Publish(eventbus.Event{Type: eventbus.TaskFailed, Data: TaskEvent{Pool: p.cfg.Name, ID: t.ID, Name: t.Name, Duration: dur, Error: err.Error()}})
	}
}

func (p *Pool) onQueueFull(t Task, q chan Task) {
	n := atomic.AddUint64(&p.dropped, 1)
	now := time.Now().UnixNano()
	prev := atomic.LoadInt64(&p.lastQueueFullWarnAt)
	if prev != 0 && now-prev < int64(warnThrottleEvery) {
		return
	}
	if !atomic.CompareAndSwapInt64(&p.lastQueueFullWarnAt, prev, now) {
		return
	}
	p.log.Warn("task dropped: queue full",
		logx.String("task", t.Name),
		logx.String("id", t.ID),
		logx.Int("queue_len", len(q)),
		logx.Int("queue_cap", cap(q)),
		logx.Uint64("dropped", n),
	)
}
