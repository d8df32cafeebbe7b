// Package engine runs delivery cycles end to end.
//
// It creates one job per consenting subscriber, hands the queued jobs to the
// planner, feeds planned batches through the dispatch pools and owns every
// job state change after that: the synchronous send path, status callbacks,
// retries, cancellation and the watchdog sweep. All job mutations for one id
// are serialized through striped locks, and every applied transition is
// persisted, audited and observed by the SLA monitor exactly once.
package engine

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"deliveryd/internal/delivery"
	"deliveryd/internal/dispatch"
	"deliveryd/internal/eventbus"
	"deliveryd/internal/planner"
	"deliveryd/internal/provider"
	"deliveryd/internal/retry"
	"deliveryd/internal/sla"
	"deliveryd/internal/storage"
	"deliveryd/pkg/logx"
)

// Identities is the identity registry as seen by the engine.
type Identities interface {
	Get(id string) (delivery.Identity, bool)
	Eligible(id string) bool
	ListEligible(role delivery.Role) []delivery.Identity
	ReserveCapacity(id string, n int64) error
	ReleaseCapacity(id string, n int64)
	AcquireSlot(ctx context.Context, id string) (time.Time, error)
	RecordQualitySignal(id string, sig delivery.QualitySignal)
	RecordTransport(id string, transient bool)
	Quality(id string) float64
}

// Templates is the template selector as seen by the engine.
type Templates interface {
	Select(category, language string) (delivery.Template, error)
	MarkRejected(ctx context.Context, id string, code int)
	ResetCycle(ctx context.Context)
}

// CycleResetter is reset when a new cycle starts.
type CycleResetter interface{ ResetCycle() }

type Config struct {
	Location *time.Location
	// Window is the cycle's send window; the SLA cutoff is start + Window.
	Window time.Duration
	// SendTimeout bounds one provider call.
	SendTimeout time.Duration
	// WatchdogMultiple x SendTimeout is how long a job may stay Dispatched.
	WatchdogMultiple int
	LockStripes      int
	DefaultLanguage  string
	Retry            retry.Config
}

func (c Config) withDefaults() Config {
	if c.Location == nil {
		c.Location = time.UTC
	}
	if c.Window <= 0 {
		c.Window = 5 * time.Minute
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 10 * time.Second
	}
	if c.WatchdogMultiple <= 0 {
		c.WatchdogMultiple = 3
	}
	if c.LockStripes <= 0 {
		c.LockStripes = 256
	}
	if c.DefaultLanguage == "" {
		c.DefaultLanguage = "en"
	}
	return c
}

type Deps struct {
	Store      storage.Store
	Identities Identities
	Templates  Templates
	Planner    *planner.Planner
	Pools      *dispatch.Pools
	Sender     provider.Sender
	SLA        *sla.Monitor
	// Quality is reset at cycle start. Optional.
	Quality CycleResetter
	Bus     eventbus.Bus
}

type Engine struct {
	cfg   Config
	store storage.Store
	ids   Identities
	tpl   Templates
	plan  *planner.Planner
	pools *dispatch.Pools
	send  provider.Sender
	sla   *sla.Monitor
	qual  CycleResetter
	bus   eventbus.Bus
	retry *retry.Controller
	log   logx.Logger

	locks []sync.Mutex

	mu     sync.Mutex
	cycles map[string]delivery.Cycle
	// owned maps Queued jobs that hold reserved capacity to that identity.
	// Whoever removes an entry settles the reservation.
	owned map[string]string
	// noTemplate remembers (cycle, category, language) already alerted.
	noTemplate map[string]bool

	now func() time.Time
}

func New(cfg Config, d Deps, log logx.Logger) *Engine {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.withDefaults()
	e := &Engine{
		cfg:        cfg,
		store:      d.Store,
		ids:        d.Identities,
		tpl:        d.Templates,
		plan:       d.Planner,
		pools:      d.Pools,
		send:       d.Sender,
		sla:        d.SLA,
		qual:       d.Quality,
		bus:        d.Bus,
		log:        log.With(logx.String("comp", "engine")),
		locks:      make([]sync.Mutex, cfg.LockStripes),
		cycles:     map[string]delivery.Cycle{},
		owned:      map[string]string{},
		noTemplate: map[string]bool{},
		now:        time.Now,
	}
	e.retry = retry.New(cfg.Retry, d.Identities, d.Pools.Retry, e, log, d.Bus)
	return e
}

// Retry exposes the retry controller.
func (e *Engine) Retry() *retry.Controller { return e.retry }

func (e *Engine) Start(ctx context.Context) {
	e.retry.Start(ctx)
}

func (e *Engine) Stop() {
	e.retry.Stop()
}

func (e *Engine) lock(jobID string) func() {
	h := fnv.New32a()
	_, _ = h.Write([]byte(jobID))
	m := &e.locks[h.Sum32()%uint32(len(e.locks))]
	m.Lock()
	return m.Unlock
}

func (e *Engine) own(jobID, identityID string) {
	e.mu.Lock()
	e.owned[jobID] = identityID
	e.mu.Unlock()
}

// disown removes jobID's reservation record and returns its identity.
func (e *Engine) disown(jobID string) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	id, ok := e.owned[jobID]
	if ok {
		delete(e.owned, jobID)
	}
	return id, ok
}

func (e *Engine) isOwned(jobID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.owned[jobID]
	return ok
}

// release gives back jobID's reserved capacity, if it still holds any.
func (e *Engine) release(jobID string) {
	if id, ok := e.disown(jobID); ok {
		e.ids.ReleaseCapacity(id, 1)
	}
}

// Owned returns how many queued jobs currently hold reserved capacity.
func (e *Engine) Owned() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.owned)
}

func (e *Engine) cycle(id string) (delivery.Cycle, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.cycles[id]
	return c, ok
}

// Cycles returns the cycles known since the last day reset.
func (e *Engine) Cycles() []delivery.Cycle {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]delivery.Cycle, 0, len(e.cycles))
	for _, c := range e.cycles {
		out = append(out, c)
	}
	return out
}

// ResetDay forgets cycles that started before the current local day.
func (e *Engine) ResetDay() {
	day := e.now().In(e.cfg.Location).Format("2006-01-02")
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, c := range e.cycles {
		if c.Start.In(e.cfg.Location).Format("2006-01-02") != day {
			delete(e.cycles, id)
		}
	}
	for k := range e.noTemplate {
		delete(e.noTemplate, k)
	}
}

func (e *Engine) publish(typ string, data any) {
	if e.bus != nil {
		e.bus.Publish(eventbus.Event{Type: typ, Time: e.now(), Data: data})
	}
}
