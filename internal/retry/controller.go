package retry

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"deliveryd/internal/delivery"
	"deliveryd/internal/dispatch"
	"deliveryd/internal/eventbus"
	"deliveryd/pkg/logx"
)

// ErrExhausted is returned by Schedule when the job has no retries left.
var ErrExhausted = errors.New("retries exhausted")

// Identities is the part of the identity registry the controller needs.
type Identities interface {
	Get(id string) (delivery.Identity, bool)
	Eligible(id string) bool
	ListEligible(role delivery.Role) []delivery.Identity
}

// Submitter is the retry dispatch pool.
type Submitter interface {
	Submit(ctx context.Context, t dispatch.Task) error
}

// Handler performs the job-side effects of a retry decision.
type Handler interface {
	// Resend moves a failed job back to Queued on identityID and sends it
	// through the same reservation path as a fresh send.
	Resend(ctx context.Context, jobID, identityID string) error
	// Abandon moves the job to its terminal Abandoned state.
	Abandon(ctx context.Context, jobID, reason string) error
}

// Risk is the payload of an sla.risk event raised on retry exhaustion.
type Risk struct {
	JobID    string `json:"job_id"`
	CycleID  string `json:"cycle_id"`
	Attempts int    `json:"attempts"`
	Reason   string `json:"reason"`
}

type Config struct {
	Policy Policy
	// DegradedTolerance is how far an identity's quality may drop below the
	// score seen at the last attempt before the job is re-routed.
	DegradedTolerance float64
}

// Controller re-queues retryable failures after a backoff delay.
type Controller struct {
	cfg  Config
	ids  Identities
	pool Submitter
	h    Handler
	log  logx.Logger
	bus  eventbus.Bus

	rngMu sync.Mutex
	rng   *rand.Rand

	mu      sync.Mutex
	ctx     context.Context
	pending map[string]*time.Timer
}

func New(cfg Config, ids Identities, pool Submitter, h Handler, log logx.Logger, bus eventbus.Bus) *Controller {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg.Policy = cfg.Policy.withDefaults()
	return &Controller{
		cfg:     cfg,
		ids:     ids,
		pool:    pool,
		h:       h,
		log:     log.With(logx.String("comp", "retry")),
		bus:     bus,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
		ctx:     context.Background(),
		pending: map[string]*time.Timer{},
	}
}

// Start binds scheduled retries to ctx.
func (c *Controller) Start(ctx context.Context) {
	c.mu.Lock()
	c.ctx = ctx
	c.mu.Unlock()
}

// Stop cancels every pending retry timer.
func (c *Controller) Stop() {
	c.mu.Lock()
	for id, t := range c.pending {
		t.Stop()
		delete(c.pending, id)
	}
	c.mu.Unlock()
}

func (c *Controller) Policy() Policy { return c.cfg.Policy }

// Pending returns the number of retries waiting for their backoff to elapse.
func (c *Controller) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Cancel drops a pending retry for jobID. It reports whether one was pending.
func (c *Controller) Cancel(jobID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.pending[jobID]
	if ok {
		t.Stop()
		delete(c.pending, jobID)
	}
	return ok
}

// Schedule arranges the next attempt for a job that just failed with a
// retryable error. A job without retries left is abandoned and ErrExhausted
// returned.
func (c *Controller) Schedule(ctx context.Context, job *delivery.Job, cause error) (time.Duration, error) {
	if !job.RetriesLeft() {
		reason := "retries_exhausted"
		if err := c.h.Abandon(ctx, job.ID, reason); err != nil {
			return 0, err
		}
		c.log.Warn("job abandoned", logx.Job(job.ID), logx.Cycle(job.CycleID), logx.Int("attempts", job.Attempts), logx.String("last_error", delivery.Reason(cause)))
		if c.bus != nil {
			c.bus.Publish(eventbus.Event{Type: eventbus.SLARisk, Data: Risk{JobID: job.ID, CycleID: job.CycleID, Attempts: job.Attempts, Reason: reason}})
		}
		return 0, ErrExhausted
	}

	c.rngMu.Lock()
	delay := c.cfg.Policy.Delay(job.Attempts, delivery.RetryHint(cause), c.rng)
	c.rngMu.Unlock()

	jobID := job.ID
	target := c.Route(job)

	c.mu.Lock()
	if old, ok := c.pending[jobID]; ok {
		old.Stop()
	}
	runCtx := c.ctx
	c.pending[jobID] = time.AfterFunc(delay, func() { c.fire(runCtx, jobID, target) })
	c.mu.Unlock()

	c.log.Debug("retry scheduled",
		logx.Job(jobID),
		logx.Int("attempt", job.Attempts+1),
		logx.Duration("delay", delay),
		logx.Identity(target),
		logx.String("cause", delivery.Reason(cause)),
	)
	return delay, nil
}

func (c *Controller) fire(ctx context.Context, jobID, identityID string) {
	c.mu.Lock()
	if _, ok := c.pending[jobID]; !ok {
		c.mu.Unlock()
		return
	}
	delete(c.pending, jobID)
	c.mu.Unlock()

	if ctx.Err() != nil {
		return
	}
	err := c.pool.Submit(ctx, dispatch.Task{
		ID:   "retry-" + jobID,
		Name: "retry",
		Run: func(ctx context.Context) error {
			return c.h.Resend(ctx, jobID, identityID)
		},
	})
	if err != nil {
		c.log.Warn("retry submit failed", logx.Job(jobID), logx.Err(err))
	}
}

// Route returns the identity the next attempt should use: the original one
// unless it is no longer eligible or its quality dropped since the last
// attempt, in which case the best other eligible identity.
func (c *Controller) Route(job *delivery.Job) string {
	orig := job.IdentityID
	id, ok := c.ids.Get(orig)
	degraded := !ok || !c.ids.Eligible(orig)
	if ok && job.QualityAtAttempt > 0 && id.Quality < job.QualityAtAttempt-c.cfg.DegradedTolerance {
		degraded = true
	}
	if !degraded {
		return orig
	}
	for _, cand := range c.ids.ListEligible("") {
		if cand.ID != orig {
			c.log.Info("retry re-routed", logx.Job(job.ID), logx.String("from", orig), logx.String("to", cand.ID))
			return cand.ID
		}
	}
	return orig
}
