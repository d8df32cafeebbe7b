package alert

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"deliveryd/internal/eventbus"
	rtsup "deliveryd/internal/runtime/supervisor"
	"deliveryd/pkg/logx"
)

var (
	ErrDisabled  = errors.New("alerts disabled")
	ErrQueueFull = errors.New("alert queue full")
	ErrStopped   = errors.New("alert service stopped")
)

// Topics are the bus events turned into alerts.
var Topics = []string{
	eventbus.SLARisk,
	eventbus.SLAViolation,
	eventbus.CapacityShortage,
	eventbus.NoTemplate,
	eventbus.TemplateRotated,
	eventbus.IdentityDemoted,
	eventbus.IdentityDisabled,
	eventbus.IdentityEnabled,
	eventbus.TaskFailed,
	eventbus.CycleStarted,
	eventbus.CyclePlanned,
}

type job struct {
	a   Alert
	key string
}

// Service is an async alert pipeline: queue + workers + rate limit + retry +
// dedup. It is safe for concurrent use.
type Service struct {
	mu sync.Mutex

	log   logx.Logger
	bus   eventbus.Bus
	sinks []Sink

	cfg     Config
	limiter *rate.Limiter

	accepting bool
	sendWG    sync.WaitGroup
	queue     chan job
	sup       *rtsup.Supervisor
	unsub     func()

	dmu   sync.Mutex
	dedup map[string]time.Time

	hmu     sync.Mutex
	history []Alert

	queued, sent, deduped, dropped, failed, suppressed atomic.Uint64
}

func New(cfg Config, sinks []Sink, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		log:   log.With(logx.String("comp", "alert")),
		bus:   bus,
		sinks: sinks,
		dedup: map[string]time.Time{},
	}
	s.applyLocked(cfg, sinks)
	return s
}

// Apply swaps config and sinks. Worker count and queue size take effect on
// the next Start.
func (s *Service) Apply(cfg Config, sinks []Sink) {
	s.mu.Lock()
	s.applyLocked(cfg, sinks)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config, sinks []Sink) {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 3
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 10 * time.Second
	}
	if cfg.DedupWindow < 0 {
		cfg.DedupWindow = 0
	}
	if cfg.DedupMaxEntries <= 0 {
		cfg.DedupMaxEntries = 2000
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}
	s.cfg = cfg
	s.sinks = sinks
	// Burst = rate per sec, so short spikes don't block too hard.
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup
}

// Start subscribes to the bus and starts workers. It is idempotent.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.queue != nil || !s.cfg.Enabled {
		s.mu.Unlock()
		return
	}
	s.queue = make(chan job, s.cfg.QueueSize)
	s.accepting = true
	s.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(s.log), rtsup.WithCancelOnError(false))
	sup, q, workers := s.sup, s.queue, s.cfg.Workers

	var events <-chan eventbus.Event
	if s.bus != nil {
		events, s.unsub = s.bus.Subscribe(256, Topics...)
	}
	s.mu.Unlock()

	if events != nil {
		sup.Go0("alert.events", func(c context.Context) {
			for {
				select {
				case <-c.Done():
					return
				case ev, ok := <-events:
					if !ok {
						return
					}
					if a, ok := FromEvent(ev); ok {
						if err := s.Notify(c, a); err != nil && !errors.Is(err, ErrStopped) {
							s.log.Warn("alert not queued", logx.String("kind", a.Kind), logx.Err(err))
						}
					}
				}
			}
		})
	}
	for i := 0; i < workers; i++ {
		sup.GoRestart(fmt.Sprintf("alert.worker.%d", i), func(c context.Context) error {
			s.workerLoop(c, q)
			if c.Err() != nil {
				return c.Err()
			}
			s.mu.Lock()
			stopping := !s.accepting
			s.mu.Unlock()
			if stopping {
				return context.Canceled
			}
			return errors.New("alert worker exited unexpectedly")
		}, rtsup.WithPublishFirstError(true))
	}
	s.log.Info("alerts started", logx.Int("sinks", len(s.sinks)), logx.Int("workers", workers))
}

// Stop stops intake and drains the queue until ctx is done.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	q, sup, unsub := s.queue, s.sup, s.unsub
	if q == nil {
		s.mu.Unlock()
		return
	}
	s.accepting = false
	s.unsub = nil
	s.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.sendWG.Wait()
		close(q)
		_ = sup.Wait(context.Background())
		sup.Cancel()
	}()
	select {
	case <-done:
	case <-ctx.Done():
		sup.Cancel()
		<-done
	}
	s.mu.Lock()
	s.queue = nil
	s.sup = nil
	s.mu.Unlock()
}

// Notify queues a for delivery unless it is below the minimum severity or
// duplicates an alert sent inside the dedup window.
func (s *Service) Notify(ctx context.Context, a Alert) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	if !s.cfg.Enabled {
		s.mu.Unlock()
		return ErrDisabled
	}
	if !s.accepting || s.queue == nil {
		s.mu.Unlock()
		return ErrStopped
	}
	q := s.queue
	cfg := s.cfg
	s.sendWG.Add(1)
	s.mu.Unlock()
	defer s.sendWG.Done()

	if a.At.IsZero() {
		a.At = time.Now()
	}
	a.Level = a.Severity.String()
	if a.Severity < cfg.MinSeverity {
		s.suppressed.Add(1)
		return nil
	}
	key := dedupKey(a)
	if cfg.DedupWindow > 0 && !s.dedupAllow(key, cfg.DedupWindow, cfg.DedupMaxEntries) {
		s.deduped.Add(1)
		return nil
	}
	select {
	case q <- job{a: a, key: key}:
		s.queued.Add(1)
		return nil
	default:
		s.dropped.Add(1)
		return ErrQueueFull
	}
}

func (s *Service) Stats() Stats {
	return Stats{
		Queued:     s.queued.Load(),
		Sent:       s.sent.Load(),
		Deduped:    s.deduped.Load(),
		Dropped:    s.dropped.Load(),
		Failed:     s.failed.Load(),
		Suppressed: s.suppressed.Load(),
	}
}

// History returns recently delivered alerts, oldest first.
func (s *Service) History() []Alert {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	return append([]Alert(nil), s.history...)
}

func (s *Service) appendHistory(a Alert) {
	s.hmu.Lock()
	s.history = append(s.history, a)
	if len(s.history) > 300 {
		s.history = s.history[len(s.history)-300:]
	}
	s.hmu.Unlock()
}

func (s *Service) workerLoop(ctx context.Context, q <-chan job) {
	for {
		select {
		case <-ctx.Done():
			return
		case j, ok := <-q:
			if !ok {
				return
			}
			s.deliver(ctx, j)
		}
	}
}

func (s *Service) deliver(ctx context.Context, j job) {
	s.mu.Lock()
	cfg, lim, sinks := s.cfg, s.limiter, s.sinks
	s.mu.Unlock()

	if err := lim.Wait(ctx); err != nil {
		return
	}
	ok := true
	for _, sink := range sinks {
		if err := s.sendWithRetry(ctx, cfg, sink, j.a); err != nil {
			ok = false
			s.log.Warn("alert sink failed", logx.String("sink", sink.Name()), logx.String("kind", j.a.Kind), logx.Err(err))
		}
	}
	if ok {
		s.sent.Add(1)
		s.appendHistory(j.a)
	} else {
		s.failed.Add(1)
	}
}

func (s *Service) sendWithRetry(ctx context.Context, cfg Config, sink Sink, a Alert) error {
	var lastErr error
	for attempt := 1; attempt <= 1+cfg.RetryMax; attempt++ {
		cctx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
		lastErr = sink.Send(cctx, a)
		cancel()
		if lastErr == nil {
			return nil
		}
		if attempt > cfg.RetryMax {
			break
		}
		t := time.NewTimer(retryDelay(cfg, attempt))
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		}
	}
	return lastErr
}

func dedupKey(a Alert) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(a.Kind))
	_, _ = h.Write([]byte("|"))
	if a.Key != "" {
		_, _ = h.Write([]byte(a.Key))
	} else {
		_, _ = h.Write([]byte(a.Text))
	}
	return fmt.Sprintf("%x", h.Sum64())
}

func (s *Service) dedupAllow(key string, window time.Duration, max int) bool {
	now := time.Now()
	s.dmu.Lock()
	defer s.dmu.Unlock()
	if until, ok := s.dedup[key]; ok && now.Before(until) {
		return false
	}
	s.dedup[key] = now.Add(window)

	for k, until := range s.dedup {
		if !now.Before(until) {
			delete(s.dedup, k)
		}
	}
	// Evict earliest expiry until within cap.
	for max > 0 && len(s.dedup) > max {
		var minKey string
		var minT time.Time
		for k, t := range s.dedup {
			if minKey == "" || t.Before(minT) {
				minKey, minT = k, t
			}
		}
		delete(s.dedup, minKey)
	}
	return true
}

func retryDelay(cfg Config, attempt int) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= cfg.RetryMaxDelay {
			d = cfg.RetryMaxDelay
			break
		}
	}
	// Jitter 0.7..1.3
	d = time.Duration(float64(d) * (0.7 + rand.Float64()*0.6))
	if d > cfg.RetryMaxDelay {
		d = cfg.RetryMaxDelay
	}
	return d
}
