// Package app wires deliveryd's components from configuration and runs them.
package app

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"deliveryd/internal/alert"
	"deliveryd/internal/api"
	"deliveryd/internal/cache"
	"deliveryd/internal/config"
	"deliveryd/internal/dispatch"
	"deliveryd/internal/engine"
	"deliveryd/internal/eventbus"
	"deliveryd/internal/identity"
	"deliveryd/internal/ingest"
	"deliveryd/internal/observability/pprof"
	"deliveryd/internal/planner"
	"deliveryd/internal/provider"
	"deliveryd/internal/quality"
	rtsup "deliveryd/internal/runtime/supervisor"
	"deliveryd/internal/scheduler"
	"deliveryd/internal/sla"
	"deliveryd/internal/storage"
	"deliveryd/internal/template"
	"deliveryd/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store  storage.Store
	ids    *identity.Registry
	tpl    *template.Selector
	gov    *quality.Governor
	pools  *dispatch.Pools
	maint  *dispatch.Pool
	sla    *sla.Monitor
	eng    *engine.Engine
	ingq   *ingest.Queue
	guard  *cache.ReplayGuard
	alerts *alert.Service
	sched  *scheduler.Service
	api    *api.Server
	pprof  *pprof.Service

	slaEvery time.Duration
	sup      *rtsup.Supervisor
}

// New loads cfgPath (and a .env file in the working directory, if present)
// and builds every component. Nothing runs until Start.
func New(cfgPath string) (*App, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	cfgm := config.NewManager(cfgPath)
	cfgm.SetValidator(validate)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogging(cfg))
	a := &App{cfgm: cfgm, logs: logSvc, log: log.With(logx.String("comp", "app")), bus: eventbus.New()}
	if err := a.build(context.Background(), cfg, log); err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context, cfg *config.Config, log logx.Logger) error {
	sc, _ := mapStorageConfig(cfg)
	st, err := storage.Open(sc, log)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	a.store = st

	ic, _ := mapIdentityConfig(cfg)
	a.ids = identity.New(ic, log, identity.WithBus(a.bus), identity.WithStore(st))
	if err := a.ids.Restore(ctx); err != nil {
		return fmt.Errorf("restore identities: %w", err)
	}

	templates, _ := mapTemplates(cfg)
	qc, tc, _ := mapQualityConfig(cfg)
	a.tpl = template.New(templates, tc, log, template.WithBus(a.bus), template.WithStore(st))
	if err := a.tpl.Restore(ctx); err != nil {
		return fmt.Errorf("restore templates: %w", err)
	}
	a.gov = quality.New(qc, a.ids, a.tpl, log)
	a.ids.SetQualitySink(a.gov)

	pc, _ := mapPlannerConfig(cfg, ic)
	plan := planner.New(pc, a.ids, log)

	bulk, batch, rtry, _ := mapPoolConfigs(cfg)
	a.pools = dispatch.NewPools(bulk, batch, rtry, log, a.bus)
	a.maint = dispatch.NewPool(dispatch.Config{Name: "scheduler", Workers: 2, QueueSize: 16}, log, a.bus)

	prov, _ := mapProviderConfig(cfg)
	slaCfg, every, _ := mapSLAConfig(cfg)
	a.sla = sla.New(slaCfg, log, a.bus)
	a.slaEvery = every

	rc, _ := mapRetryConfig(cfg)
	ec, _ := mapEngineConfig(cfg, pc, rc, prov.Timeout)
	a.eng = engine.New(ec, engine.Deps{
		Store:      st,
		Identities: a.ids,
		Templates:  a.tpl,
		Planner:    plan,
		Pools:      a.pools,
		Sender:     provider.NewClient(prov),
		SLA:        a.sla,
		Quality:    a.gov,
		Bus:        a.bus,
	}, log)

	qcfg, ttl, _ := mapIngestConfig(cfg)
	var guard ingest.ReplayGuard
	if cfg.Redis != nil && cfg.Redis.Addr != "" {
		a.guard = cache.NewReplayGuard(redis.NewClient(cache.Options(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)), ttl, cfg.Redis.Prefix)
		pctx, cancel := context.WithTimeout(ctx, 3*time.Second)
		err := a.guard.Ping(pctx)
		cancel()
		if err != nil {
			// Duplicates are still no-ops in the state machine.
			a.log.Warn("redis unreachable, replay guard disabled", logx.String("addr", cfg.Redis.Addr), logx.Err(err))
			_ = a.guard.Close()
			a.guard = nil
		} else {
			guard = a.guard
		}
	}
	a.ingq = ingest.NewQueue(qcfg, a.eng, guard, log)

	acfg, sinks, err := mapAlertConfig(cfg, log)
	if err != nil {
		return err
	}
	a.alerts = alert.New(acfg, sinks, log, a.bus)

	a.sched = scheduler.New(scheduler.Config{Timezone: ec.Location.String()}, a.maint, log)
	if err := a.registerSchedules(cfg); err != nil {
		return err
	}

	apiCfg, _ := mapAPIConfig(cfg)
	a.api = api.NewServer(apiCfg, api.Deps{
		SLA:        a.sla,
		Identities: a.ids,
		Templates:  a.tpl,
		Engine:     a.eng,
		Webhook: &ingest.Handler{
			AppSecret:   cfg.Provider.AppSecret,
			VerifyToken: cfg.Provider.VerifyToken,
			Queue:       a.ingq,
			Log:         log,
		},
		Status: a.status,
	}, log)
	if cfg.Provider.AppSecret == "" {
		a.log.Warn("provider app secret not set, every status callback will be rejected")
	}

	ppc, _ := mapPprofConfig(cfg)
	a.pprof = pprof.New(ppc, log)
	return nil
}

// Engine exposes the cycle orchestrator (used by tests and embedding callers).
func (a *App) Engine() *engine.Engine { return a.eng }

// API exposes the HTTP server.
func (a *App) API() *api.Server { return a.api }

// Done is closed when the app supervisor is cancelled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	run := a.sup.Context()

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))

	a.alerts.Start(run)
	a.pools.Start(run)
	a.maint.Start(run)
	a.eng.Start(run)
	a.ingq.Start(run)
	a.sched.Start(run)
	a.api.Start(run)
	if a.pprof.Enabled() {
		a.pprof.Start(run)
	}

	a.sup.Go("sla.monitor", func(c context.Context) error {
		if err := a.sla.Run(c, a.slaEvery); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	a.sup.Go0("config.reload", a.reloadLoop)
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})
	a.sup.Go0("eventbus.log", a.logEvents)
	a.notifySystemd()

	a.log.Info("deliveryd started",
		logx.Int("identities", len(a.ids.All())),
		logx.Int("templates", len(a.tpl.All())),
		logx.Bool("replay_guard", a.guard != nil),
	)
	return nil
}

func (a *App) logEvents(c context.Context) {
	events, unsub := a.bus.Subscribe(256)
	defer unsub()
	for {
		select {
		case <-c.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
		}
	}
}

// status feeds /healthz.
func (a *App) status() map[string]any {
	out := map[string]any{
		"pools":     append(a.pools.Snapshot(), a.maint.Snapshot()),
		"ingest":    a.ingq.Stats(),
		"scheduler": a.sched.Snapshot(),
		"alerts":    a.alerts.Stats(),
		"owned":     a.eng.Owned(),
		"bus_drops": a.bus.Dropped(),
	}
	if a.sup != nil {
		out["supervisor"] = a.sup.Snapshot()
	}
	return out
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	notifyStopping()

	a.sup.Cancel()

	// Stop order: triggers and inbound first, then the send path, then storage.
	a.step(ctx, "api", 3*time.Second, func(c context.Context) error { a.api.Stop(c); return nil })
	a.step(ctx, "scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	a.step(ctx, "ingest", 3*time.Second, a.ingq.Stop)
	a.step(ctx, "engine", time.Second, func(context.Context) error { a.eng.Stop(); return nil })
	a.step(ctx, "pools", 5*time.Second, func(c context.Context) error {
		a.pools.Stop(c)
		a.maint.Stop(c)
		return nil
	})
	a.step(ctx, "alerts", 2*time.Second, func(c context.Context) error { a.alerts.Stop(c); return nil })
	a.step(ctx, "pprof", time.Second, func(c context.Context) error { a.pprof.Stop(c); return nil })
	a.step(ctx, "supervisor", 2*time.Second, a.sup.Wait)
	a.step(ctx, "storage", time.Second, func(context.Context) error {
		if a.guard != nil {
			_ = a.guard.Close()
		}
		return a.store.Close()
	})

	a.log.Info("stopped")
	return a.logs.Close()
}

// step runs one shutdown step bounded by max and the caller's deadline, so a
// stuck component cannot stall the whole stop.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	stepCtx, cancel := context.WithTimeout(ctx, max)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil && !errors.Is(err, context.Canceled) {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		go func() {
			<-done
			a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", time.Since(start)))
		}()
	}
}
