package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"deliveryd/internal/delivery"
	rtsup "deliveryd/internal/runtime/supervisor"
	"deliveryd/pkg/logx"
)

// ErrQueueFull is returned when the ingestion queue cannot take more events.
var ErrQueueFull = errors.New("ingest queue full")

// Applier advances job state from a status event. It returns
// delivery.ErrNotFound when no job owns the provider message id.
type Applier interface {
	ApplyStatus(ctx context.Context, ev Event) error
}

// ReplayGuard remembers events already applied, possibly across instances.
type ReplayGuard interface {
	// FirstSeen reports whether key was not seen before, and marks it seen.
	FirstSeen(ctx context.Context, key string) (bool, error)
	// Forget unmarks key so a redelivery is applied again.
	Forget(ctx context.Context, key string) error
}

type Config struct {
	QueueSize int
	Workers   int
	// GraceDelay is how long an event for an unknown message id waits before
	// its single re-check. The send response and its first callback may race.
	GraceDelay time.Duration
}

type item struct {
	ev      Event
	recheck bool
}

// Stats counts what the queue did with events.
type Stats struct {
	QueueLen  int    `json:"queue_len"`
	QueueCap  int    `json:"queue_cap"`
	Accepted  uint64 `json:"accepted"`
	Applied   uint64 `json:"applied"`
	Replayed  uint64 `json:"replayed"`
	Unknown   uint64 `json:"unknown"`
	Rejected  uint64 `json:"rejected"`
	Errors    uint64 `json:"errors"`
	Rechecked uint64 `json:"rechecked"`
}

// Queue decouples the webhook handler from state updates: the handler only
// verifies and enqueues, workers apply.
type Queue struct {
	cfg   Config
	app   Applier
	guard ReplayGuard
	log   logx.Logger

	q chan item

	mu  sync.Mutex
	sup *rtsup.Supervisor
	ctx context.Context

	accepted, applied, replayed, unknown, rejected, errs, rechecked atomic.Uint64
}

func NewQueue(cfg Config, app Applier, guard ReplayGuard, log logx.Logger) *Queue {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 10000
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.GraceDelay <= 0 {
		cfg.GraceDelay = 2 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Queue{
		cfg:   cfg,
		app:   app,
		guard: guard,
		log:   log.With(logx.String("comp", "ingest")),
		q:     make(chan item, cfg.QueueSize),
		ctx:   context.Background(),
	}
}

// Enqueue adds events without blocking. If any does not fit, ErrQueueFull is
// returned; events enqueued before it stay queued.
func (q *Queue) Enqueue(evs ...Event) error {
	for _, ev := range evs {
		select {
		case q.q <- item{ev: ev}:
			q.accepted.Add(1)
		default:
			q.rejected.Add(1)
			return ErrQueueFull
		}
	}
	return nil
}

func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.sup != nil {
		return
	}
	q.ctx = ctx
	q.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(q.log))
	for i := 0; i < q.cfg.Workers; i++ {
		q.sup.GoRestart(fmt.Sprintf("ingest.worker.%d", i), func(c context.Context) error {
			q.worker(c)
			return c.Err()
		}, rtsup.WithPublishFirstError(true))
	}
	q.log.Info("status ingestion started", logx.Int("workers", q.cfg.Workers), logx.Int("queue", cap(q.q)))
}

func (q *Queue) Stop(ctx context.Context) error {
	q.mu.Lock()
	sup := q.sup
	q.sup = nil
	q.mu.Unlock()
	if sup == nil {
		return nil
	}
	return sup.Stop(ctx)
}

func (q *Queue) Supervisor() *rtsup.Supervisor {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.sup
}

func (q *Queue) Stats() Stats {
	return Stats{
		QueueLen:  len(q.q),
		QueueCap:  cap(q.q),
		Accepted:  q.accepted.Load(),
		Applied:   q.applied.Load(),
		Replayed:  q.replayed.Load(),
		Unknown:   q.unknown.Load(),
		Rejected:  q.rejected.Load(),
		Errors:    q.errs.Load(),
		Rechecked: q.rechecked.Load(),
	}
}

func (q *Queue) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case it := <-q.q:
			q.handle(ctx, it)
		}
	}
}

func (q *Queue) handle(ctx context.Context, it item) {
	ev := it.ev
	if !it.recheck && q.guard != nil {
		first, err := q.guard.FirstSeen(ctx, ev.Key())
		if err != nil {
			// The guard is an optimisation; the state machine is idempotent anyway.
			q.log.Warn("replay guard unavailable", logx.String("msg", ev.MessageID), logx.Err(err))
		} else if !first {
			q.replayed.Add(1)
			q.log.Debug("status replay ignored", logx.String("msg", ev.MessageID), logx.String("status", ev.Status))
			return
		}
	}

	err := q.app.ApplyStatus(ctx, ev)
	switch {
	case err == nil:
		q.applied.Add(1)
	case errors.Is(err, delivery.ErrNotFound):
		if it.recheck {
			q.unknown.Add(1)
			q.log.Info("status for unknown message discarded", logx.String("msg", ev.MessageID), logx.String("status", ev.Status))
			return
		}
		q.rechecked.Add(1)
		time.AfterFunc(q.cfg.GraceDelay, func() {
			if ctx.Err() != nil {
				return
			}
			select {
			case q.q <- item{ev: ev, recheck: true}:
			default:
				q.unknown.Add(1)
				q.log.Warn("status re-check dropped: queue full", logx.String("msg", ev.MessageID))
			}
		})
	default:
		if q.guard != nil && !it.recheck {
			if ferr := q.guard.Forget(ctx, ev.Key()); ferr != nil {
				q.log.Warn("replay guard forget failed", logx.String("msg", ev.MessageID), logx.Err(ferr))
			}
		}
		q.errs.Add(1)
		q.log.Error("apply status failed", logx.String("msg", ev.MessageID), logx.String("status", ev.Status), logx.Err(err))
	}
}
