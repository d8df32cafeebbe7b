package app

import (
	"fmt"
	"net"
	"strings"
	"time"

	"deliveryd/internal/alert"
	"deliveryd/internal/api"
	"deliveryd/internal/config"
	"deliveryd/internal/delivery"
	"deliveryd/internal/dispatch"
	"deliveryd/internal/engine"
	"deliveryd/internal/identity"
	"deliveryd/internal/ingest"
	"deliveryd/internal/observability/pprof"
	"deliveryd/internal/planner"
	"deliveryd/internal/provider"
	"deliveryd/internal/quality"
	"deliveryd/internal/retry"
	"deliveryd/internal/sla"
	"deliveryd/internal/storage"
	"deliveryd/internal/template"
	"deliveryd/pkg/logx"
)

func mapLogging(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		JSON:    cfg.Logging.JSON,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	if cfg.Storage == nil {
		return storage.Config{Driver: "memory"}, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	switch driver {
	case "", "memory":
		return storage.Config{Driver: "memory", AuditPath: strings.TrimSpace(sc.AuditPath)}, nil
	case "sqlite", "sqlite3":
		path := strings.TrimSpace(sc.Path)
		if path == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.Duration("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapIdentities(cfg *config.Config) ([]delivery.Identity, error) {
	if len(cfg.Identities) == 0 {
		return nil, fmt.Errorf("identities: at least one sending identity is required")
	}
	seen := map[string]bool{}
	out := make([]delivery.Identity, 0, len(cfg.Identities))
	for i, ic := range cfg.Identities {
		id := strings.TrimSpace(ic.ID)
		if id == "" {
			return nil, fmt.Errorf("identities[%d].id is empty", i)
		}
		if seen[id] {
			return nil, fmt.Errorf("identities: duplicate id %q", id)
		}
		seen[id] = true
		if ic.DailyLimit <= 0 || ic.PerSecond <= 0 {
			return nil, fmt.Errorf("identities[%s]: daily_limit and per_second must be > 0", id)
		}
		role := delivery.Role(strings.ToLower(strings.TrimSpace(ic.Role)))
		switch role {
		case "":
			role = delivery.RolePrimary
		case delivery.RolePrimary, delivery.RoleBackup:
		default:
			return nil, fmt.Errorf("identities[%s].role: unknown %q", id, ic.Role)
		}
		out = append(out, delivery.Identity{
			ID:            id,
			PhoneNumberID: strings.TrimSpace(ic.PhoneNumberID),
			Role:          role,
			Priority:      ic.Priority,
			DailyCap:      ic.DailyLimit,
			PerSecond:     ic.PerSecond,
			Enabled:       !ic.Disabled,
		})
	}
	return out, nil
}

func mapIdentityConfig(cfg *config.Config) (identity.Config, error) {
	ids, err := mapIdentities(cfg)
	if err != nil {
		return identity.Config{}, err
	}
	global := cfg.Rate.GlobalPerSecond
	if global <= 0 {
		global = 200
	}
	cooldown, err := config.Duration("rate.circuit_cooldown", cfg.Rate.CircuitCooldown, 30*time.Second)
	if err != nil {
		return identity.Config{}, err
	}
	scale, err := mapRatingScale(cfg.Rate.RatingScale)
	if err != nil {
		return identity.Config{}, err
	}
	return identity.Config{
		Identities:      ids,
		GlobalPerSecond: global,
		Window:          time.Second,
		CircuitFailures: cfg.Rate.CircuitFailures,
		CircuitCooldown: cooldown,
		RatingScale:     scale,
	}, nil
}

func mapRatingScale(in map[string]float64) (map[delivery.Rating]float64, error) {
	if len(in) == 0 {
		return nil, nil
	}
	out := make(map[delivery.Rating]float64, len(in))
	for k, v := range in {
		r := delivery.Rating(strings.ToUpper(strings.TrimSpace(k)))
		if _, ok := identity.DefaultRatingScale[r]; !ok {
			return nil, fmt.Errorf("rate.rating_scale: unknown rating %q", k)
		}
		if v < 0 || v > 1 {
			return nil, fmt.Errorf("rate.rating_scale.%s: %v not in [0, 1]", r, v)
		}
		out[r] = v
	}
	return out, nil
}

func mapTemplates(cfg *config.Config) ([]delivery.Template, error) {
	seen := map[string]bool{}
	out := make([]delivery.Template, 0, len(cfg.Templates))
	for i, tc := range cfg.Templates {
		id := strings.TrimSpace(tc.ID)
		if id == "" {
			return nil, fmt.Errorf("templates[%d].id is empty", i)
		}
		if seen[id] {
			return nil, fmt.Errorf("templates: duplicate id %q", id)
		}
		seen[id] = true
		status := delivery.TemplateStatus(strings.ToUpper(strings.TrimSpace(tc.Status)))
		switch status {
		case "":
			status = delivery.TemplatePending
		case delivery.TemplateApproved, delivery.TemplatePending, delivery.TemplateRejected, delivery.TemplatePaused:
		default:
			return nil, fmt.Errorf("templates[%s].status: unknown %q", id, tc.Status)
		}
		name := strings.TrimSpace(tc.Name)
		if name == "" {
			name = id
		}
		prio := tc.Priority
		if prio <= 0 {
			prio = 1
		}
		out = append(out, delivery.Template{
			ID:       id,
			Name:     name,
			Category: strings.ToUpper(strings.TrimSpace(tc.Category)),
			Language: strings.TrimSpace(tc.Language),
			Status:   status,
			Priority: prio,
		})
	}
	return out, nil
}

func mapQualityConfig(cfg *config.Config) (quality.Config, template.Config, error) {
	qc := cfg.Quality
	win, err := config.Duration("quality.window", qc.Window, 24*time.Hour)
	if err != nil {
		return quality.Config{}, template.Config{}, err
	}
	out := quality.Config{Window: win, MinSample: int64(orInt(qc.MinSample, 100)), DisableBackups: true}
	for _, r := range []struct {
		path string
		v    float64
		def  float64
		dst  *float64
	}{
		{"quality.block_rate", qc.BlockRate, 0.02, &out.BlockRate},
		{"quality.report_rate", qc.ReportRate, 0.01, &out.ReportRate},
		{"quality.template_rotation", qc.TemplateRotation, 0.02, &out.TemplateRotation},
	} {
		if *r.dst, err = config.Ratio(r.path, r.v, r.def); err != nil {
			return quality.Config{}, template.Config{}, err
		}
	}
	if _, err := config.Ratio("quality.degraded_tolerance", qc.DegradedTolerance, 0); err != nil {
		return quality.Config{}, template.Config{}, err
	}
	if qc.DisableBackups != nil {
		out.DisableBackups = *qc.DisableBackups
	}
	return out, template.Config{Threshold: out.TemplateRotation, MinSample: out.MinSample}, nil
}

func mapPlannerConfig(cfg *config.Config, ic identity.Config) (planner.Config, error) {
	window, err := config.Duration("cycle.window", cfg.Cycle.Window, 5*time.Minute)
	if err != nil {
		return planner.Config{}, err
	}
	delay, err := config.Duration("cycle.batch_delay", cfg.Cycle.BatchDelay, 500*time.Millisecond)
	if err != nil {
		return planner.Config{}, err
	}
	if cfg.Cycle.BatchSize < 0 {
		return planner.Config{}, fmt.Errorf("cycle.batch_size must be >= 0")
	}
	return planner.Config{
		BatchSize:       orInt(cfg.Cycle.BatchSize, 50),
		BatchDelay:      delay,
		Window:          window,
		RateWindow:      ic.Window,
		GlobalPerSecond: ic.GlobalPerSecond,
	}, nil
}

// mapPoolConfigs returns the bulk, batch and retry pool configs. No pool sets
// a task timeout: batch tasks sleep until their offset, send tasks wait in
// AcquireSlot, and the provider call carries its own deadline.
func mapPoolConfigs(cfg *config.Config) (bulk, batch, rtry dispatch.Config, err error) {
	pc := cfg.Pools
	for name, p := range map[string]config.PoolConfig{"bulk": pc.Bulk, "batch": pc.Batch, "retry": pc.Retry} {
		if p.Workers < 0 || p.QueueSize < 0 || p.RatePerSec < 0 {
			return bulk, batch, rtry, fmt.Errorf("pools.%s: values must be >= 0", name)
		}
	}
	bulk = dispatch.Config{
		Name:       "bulk",
		Workers:    orInt(pc.Bulk.Workers, 50),
		QueueSize:  orInt(pc.Bulk.QueueSize, 4096),
		RatePerSec: orInt(pc.Bulk.RatePerSec, 100),
	}
	batch = dispatch.Config{
		Name:       "batch",
		Workers:    orInt(pc.Batch.Workers, 10),
		QueueSize:  orInt(pc.Batch.QueueSize, 1024),
		RatePerSec: orInt(pc.Batch.RatePerSec, 50),
	}
	rtry = dispatch.Config{
		Name:       "retry",
		Workers:    orInt(pc.Retry.Workers, 5),
		QueueSize:  orInt(pc.Retry.QueueSize, 1024),
		RatePerSec: orInt(pc.Retry.RatePerSec, 20),
	}
	return bulk, batch, rtry, nil
}

func mapRetryConfig(cfg *config.Config) (retry.Config, error) {
	rc := cfg.Retry
	if rc.MaxRetries < 0 {
		return retry.Config{}, fmt.Errorf("retry.max_retries must be >= 0")
	}
	base, err := config.Duration("retry.base_delay", rc.BaseDelay, 5*time.Second)
	if err != nil {
		return retry.Config{}, err
	}
	maxDelay, err := config.Duration("retry.max_delay", rc.MaxDelay, 0)
	if err != nil {
		return retry.Config{}, err
	}
	jitter, err := config.Duration("retry.jitter", rc.Jitter, 0)
	if err != nil {
		return retry.Config{}, err
	}
	mult := rc.Multiplier
	if mult == 0 {
		mult = 2
	}
	if mult < 1 {
		return retry.Config{}, fmt.Errorf("retry.multiplier must be >= 1")
	}
	maxRetries := rc.MaxRetries
	if maxRetries == 0 {
		maxRetries = 3
	}
	var tiers map[delivery.Tier]int
	if len(rc.TierOverrides) > 0 {
		tiers = make(map[delivery.Tier]int, len(rc.TierOverrides))
		for k, v := range rc.TierOverrides {
			t := delivery.Tier(strings.ToUpper(strings.TrimSpace(k)))
			switch t {
			case delivery.TierPremium, delivery.TierPro, delivery.TierBasic:
			default:
				return retry.Config{}, fmt.Errorf("retry.tier_overrides: unknown tier %q", k)
			}
			if v < 0 {
				return retry.Config{}, fmt.Errorf("retry.tier_overrides.%s must be >= 0", k)
			}
			tiers[t] = v
		}
	}
	return retry.Config{
		Policy: retry.Policy{
			MaxRetries:     maxRetries,
			Base:           base,
			Multiplier:     mult,
			MaxDelay:       maxDelay,
			Jitter:         jitter,
			TierMaxRetries: tiers,
		},
		DegradedTolerance: cfg.Quality.DegradedTolerance,
	}, nil
}

func mapProviderConfig(cfg *config.Config) (provider.Config, error) {
	pc := cfg.Provider
	if strings.TrimSpace(pc.BaseURL) == "" {
		return provider.Config{}, fmt.Errorf("provider.base_url is required")
	}
	timeout, err := config.Duration("provider.timeout", pc.Timeout, 10*time.Second)
	if err != nil {
		return provider.Config{}, err
	}
	cc := strings.TrimPrefix(strings.TrimSpace(pc.CountryCode), "+")
	if cc == "" {
		cc = "91"
	}
	if strings.Trim(cc, "0123456789") != "" || len(cc) > 3 {
		return provider.Config{}, fmt.Errorf("provider.country_code: invalid %q", pc.CountryCode)
	}
	return provider.Config{
		BaseURL:     strings.TrimRight(strings.TrimSpace(pc.BaseURL), "/"),
		APIVersion:  strings.TrimSpace(pc.APIVersion),
		AccessToken: pc.AccessToken,
		Timeout:     timeout,
		CountryCode: cc,
	}, nil
}

func mapEngineConfig(cfg *config.Config, pc planner.Config, rc retry.Config, sendTimeout time.Duration) (engine.Config, error) {
	tz := strings.TrimSpace(cfg.Cycle.Timezone)
	if tz == "" {
		tz = "Asia/Kolkata"
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return engine.Config{}, fmt.Errorf("cycle.timezone: invalid %q: %w", tz, err)
	}
	if cfg.Cycle.WatchdogMultiple < 0 {
		return engine.Config{}, fmt.Errorf("cycle.watchdog_multiple must be >= 0")
	}
	return engine.Config{
		Location:         loc,
		Window:           pc.Window,
		SendTimeout:      sendTimeout,
		WatchdogMultiple: orInt(cfg.Cycle.WatchdogMultiple, 3),
		DefaultLanguage:  orString(cfg.Cycle.Language, "en"),
		Retry:            rc,
	}, nil
}

func mapIngestConfig(cfg *config.Config) (ingest.Config, time.Duration, error) {
	ic := cfg.Ingest
	if ic.QueueSize < 0 || ic.Workers < 0 {
		return ingest.Config{}, 0, fmt.Errorf("ingest: queue_size and workers must be >= 0")
	}
	grace, err := config.Duration("ingest.grace_delay", ic.GraceDelay, 2*time.Second)
	if err != nil {
		return ingest.Config{}, 0, err
	}
	ttl, err := config.Duration("ingest.replay_ttl", ic.ReplayTTL, 48*time.Hour)
	if err != nil {
		return ingest.Config{}, 0, err
	}
	return ingest.Config{
		QueueSize:  orInt(ic.QueueSize, 10000),
		Workers:    orInt(ic.Workers, 8),
		GraceDelay: grace,
	}, ttl, nil
}

func mapSLAConfig(cfg *config.Config) (sla.Config, time.Duration, error) {
	sc := cfg.SLA
	target, err := config.Ratio("sla.target", sc.Target, 0.99)
	if err != nil {
		return sla.Config{}, 0, err
	}
	warn, err := config.Ratio("sla.warn", sc.Warn, 0.97)
	if err != nil {
		return sla.Config{}, 0, err
	}
	if warn > target {
		return sla.Config{}, 0, fmt.Errorf("sla.warn (%v) must not exceed sla.target (%v)", warn, target)
	}
	every, err := config.Duration("sla.eval_interval", sc.EvalInterval, 10*time.Second)
	if err != nil {
		return sla.Config{}, 0, err
	}
	return sla.Config{Target: target, Warn: warn, MinSample: int64(orInt(sc.MinSample, 100))}, every, nil
}

// mapAlertConfig builds the alert service config and its sinks. The log sink
// is always present.
func mapAlertConfig(cfg *config.Config, log logx.Logger) (alert.Config, []alert.Sink, error) {
	out := alert.Config{Enabled: true, MinSeverity: alert.Info, RetryMax: 3}
	sinks := []alert.Sink{alert.LogSink{Log: log}}
	ac := cfg.Alerts
	if ac == nil {
		return out, sinks, nil
	}
	if ac.RatePerSec < 0 {
		return out, nil, fmt.Errorf("alerts.rate_per_sec must be >= 0")
	}
	out.RatePerSec = ac.RatePerSec
	dedup, err := config.Duration("alerts.dedup_window", ac.DedupWindow, 10*time.Minute)
	if err != nil {
		return out, nil, err
	}
	out.DedupWindow = dedup

	if tc := ac.Telegram; tc != nil && tc.Enabled {
		tg, err := alert.NewTelegramSink(alert.TelegramConfig{Token: tc.Token, ChatID: tc.ChatID, ThreadID: tc.ThreadID})
		if err != nil {
			return out, nil, fmt.Errorf("alerts.telegram: %w", err)
		}
		sinks = append(sinks, alert.MinSeverity(tg, alert.ParseSeverity(tc.MinSeverity)))
	}
	if wc := ac.Webhook; wc != nil && wc.Enabled {
		if strings.TrimSpace(wc.URL) == "" {
			return out, nil, fmt.Errorf("alerts.webhook.url is required when enabled")
		}
		timeout, err := config.Duration("alerts.webhook.timeout", wc.Timeout, 5*time.Second)
		if err != nil {
			return out, nil, err
		}
		sinks = append(sinks, alert.MinSeverity(alert.NewWebhookSink(wc.URL, timeout), alert.ParseSeverity(wc.MinSeverity)))
	}
	return out, sinks, nil
}

func mapAPIConfig(cfg *config.Config) (api.Config, error) {
	hc := cfg.HTTP
	addr := orString(hc.Addr, "127.0.0.1:8080")
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return api.Config{}, fmt.Errorf("http.addr: invalid %q (expected host:port): %w", addr, err)
	}
	read, err := config.Duration("http.read_timeout", hc.ReadTimeout, 10*time.Second)
	if err != nil {
		return api.Config{}, err
	}
	write, err := config.Duration("http.write_timeout", hc.WriteTimeout, 30*time.Second)
	if err != nil {
		return api.Config{}, err
	}
	return api.Config{Addr: addr, AdminToken: hc.AdminToken, ReadTimeout: read, WriteTimeout: write}, nil
}

// mapPprofConfig validates the pprof section. It never starts the server.
func mapPprofConfig(cfg *config.Config) (pprof.Config, error) {
	pc := cfg.Pprof
	out := pprof.Config{
		Enabled:       pc.Enabled,
		Addr:          orString(pc.Addr, "127.0.0.1:6060"),
		Prefix:        strings.TrimSpace(pc.Prefix),
		Token:         strings.TrimSpace(pc.Token),
		AllowInsecure: pc.AllowInsecure,
	}
	if !out.Enabled {
		return out, nil
	}
	if _, _, err := net.SplitHostPort(out.Addr); err != nil {
		return out, fmt.Errorf("pprof.addr: invalid %q (expected host:port): %w", out.Addr, err)
	}
	if !out.AllowInsecure && out.Token == "" && !pprof.IsLoopbackAddr(out.Addr) {
		return out, fmt.Errorf("pprof: binding to non-loopback addr requires token or allow_insecure=true")
	}
	return out, nil
}

// validate maps every section once; hot reloads that fail here are rejected
// before they are committed.
func validate(cfg *config.Config) error {
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	ic, err := mapIdentityConfig(cfg)
	if err != nil {
		return err
	}
	if _, err := mapTemplates(cfg); err != nil {
		return err
	}
	if _, _, err := mapQualityConfig(cfg); err != nil {
		return err
	}
	pc, err := mapPlannerConfig(cfg, ic)
	if err != nil {
		return err
	}
	prov, err := mapProviderConfig(cfg)
	if err != nil {
		return err
	}
	if _, _, _, err := mapPoolConfigs(cfg); err != nil {
		return err
	}
	rc, err := mapRetryConfig(cfg)
	if err != nil {
		return err
	}
	if _, err := mapEngineConfig(cfg, pc, rc, prov.Timeout); err != nil {
		return err
	}
	if _, _, err := mapIngestConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapSLAConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapAlertConfig(cfg, logx.Nop()); err != nil {
		return err
	}
	if _, err := mapAPIConfig(cfg); err != nil {
		return err
	}
	if _, err := mapPprofConfig(cfg); err != nil {
		return err
	}
	if _, err := config.Duration("cycle.watchdog_interval", cfg.Cycle.WatchdogInterval, 0); err != nil {
		return err
	}
	return nil
}

func orInt(v, def int) int {
	if v == 0 {
		return def
	}
	return v
}

func orString(v, def string) string {
	if s := strings.TrimSpace(v); s != "" {
		return s
	}
	return def
}
