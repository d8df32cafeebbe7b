package quality

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"deliveryd/internal/delivery"
	"deliveryd/pkg/logx"
)

// Config holds every threshold the governor acts on.
type Config struct {
	Window  time.Duration
	Buckets int

	BlockRate        float64
	ReportRate       float64
	TemplateRotation float64
	MinSample        int64

	// DisableBackups disables a backup identity over threshold (it cannot be
	// demoted any further).
	DisableBackups bool

	BlockWeight  float64
	ReportWeight float64
	FailWeight   float64
}

func (c Config) withDefaults() Config {
	if c.Window <= 0 {
		c.Window = 24 * time.Hour
	}
	if c.Buckets <= 0 {
		c.Buckets = 24
	}
	if c.BlockRate <= 0 {
		c.BlockRate = 0.02
	}
	if c.ReportRate <= 0 {
		c.ReportRate = 0.01
	}
	if c.TemplateRotation <= 0 {
		c.TemplateRotation = 0.02
	}
	if c.MinSample <= 0 {
		c.MinSample = 100
	}
	if c.BlockWeight <= 0 {
		c.BlockWeight = 10
	}
	if c.ReportWeight <= 0 {
		c.ReportWeight = 10
	}
	if c.FailWeight <= 0 {
		c.FailWeight = 1
	}
	return c
}

// Registry is the identity side of the governor's actions.
type Registry interface {
	Get(id string) (delivery.Identity, bool)
	SetQuality(id string, score float64) float64
	Demote(ctx context.Context, id, reason, actor string) (bool, error)
	Disable(ctx context.Context, id, reason, actor string) (bool, error)
}

// Templates is the template side of the governor's actions.
type Templates interface {
	Rotate(ctx context.Context, id, reason, actor string) (bool, error)
	RecordOutcome(id string, kind delivery.SignalKind)
}

// Stats is the governor's view of one identity or template.
type Stats struct {
	ID         string  `json:"id"`
	Counts     Counts  `json:"counts"`
	BlockRate  float64 `json:"block_rate"`
	ReportRate float64 `json:"report_rate"`
	FailRate   float64 `json:"fail_rate"`
	Score      float64 `json:"score"`
}

type action struct {
	kind   string // demote | disable | rotate
	id     string
	reason string
}

const actor = "governor"

// Governor is the single quality policy object: it aggregates signals per
// identity and per template over a rolling window and decides demotions,
// disables and template rotations. Decisions are made synchronously in
// Record, before the next send can pick the offender.
type Governor struct {
	cfg       Config
	reg       Registry
	templates Templates
	log       logx.Logger

	mu       sync.Mutex
	identity map[string]*rollingWindow
	template map[string]*rollingWindow
	usedBy   map[string]map[string]struct{} // identity -> templates
	now      func() time.Time
}

func New(cfg Config, reg Registry, templates Templates, log logx.Logger) *Governor {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Governor{
		cfg:       cfg.withDefaults(),
		reg:       reg,
		templates: templates,
		log:       log.With(logx.String("comp", "quality")),
		identity:  map[string]*rollingWindow{},
		template:  map[string]*rollingWindow{},
		usedBy:    map[string]map[string]struct{}{},
		now:       time.Now,
	}
}

func (g *Governor) Config() Config { return g.cfg }

func countsFor(kind delivery.SignalKind) Counts {
	switch kind {
	case delivery.SignalSent:
		return Counts{Sent: 1}
	case delivery.SignalDelivered:
		return Counts{Delivered: 1}
	case delivery.SignalFailed:
		return Counts{Failed: 1}
	case delivery.SignalBlocked:
		return Counts{Blocked: 1}
	case delivery.SignalReported:
		return Counts{Reported: 1}
	}
	return Counts{}
}

func (g *Governor) windowFor(m map[string]*rollingWindow, key string) *rollingWindow {
	w := m[key]
	if w == nil {
		w = newRollingWindow(g.cfg.Window, g.cfg.Buckets)
		m[key] = w
	}
	return w
}

// Score turns window counts into a quality score in [0, 1].
func (g *Governor) Score(c Counts) float64 {
	s := 1 - (c.BlockRate()*g.cfg.BlockWeight + c.ReportRate()*g.cfg.ReportWeight + c.FailRate()*g.cfg.FailWeight)
	if s < 0 {
		return 0
	}
	if s > 1 {
		return 1
	}
	return s
}

// Record ingests one signal and applies any resulting policy action.
func (g *Governor) Record(sig delivery.QualitySignal) {
	at := sig.At
	if at.IsZero() {
		at = g.now()
	}
	c := countsFor(sig.Kind)
	if sig.TemplateID != "" && g.templates != nil {
		g.templates.RecordOutcome(sig.TemplateID, sig.Kind)
	}

	var acts []action
	var score float64
	scored := false

	g.mu.Lock()
	if sig.IdentityID != "" {
		w := g.windowFor(g.identity, sig.IdentityID)
		w.add(at, c)
		if sig.TemplateID != "" {
			set := g.usedBy[sig.IdentityID]
			if set == nil {
				set = map[string]struct{}{}
				g.usedBy[sig.IdentityID] = set
			}
			set[sig.TemplateID] = struct{}{}
		}
		ic := w.sum(at)
		if ic.Sent >= g.cfg.MinSample {
			score, scored = g.Score(ic), true
			if reason, bad := g.identityBreach(ic); bad {
				acts = append(acts, g.identityActions(sig.IdentityID, reason, at)...)
			}
		}
	}
	if sig.TemplateID != "" {
		w := g.windowFor(g.template, sig.TemplateID)
		w.add(at, c)
		tc := w.sum(at)
		if tc.Sent >= g.cfg.MinSample && tc.BlockRate() > g.cfg.TemplateRotation {
			acts = append(acts, action{kind: "rotate", id: sig.TemplateID, reason: fmt.Sprintf("block_rate %.4f > %.4f", tc.BlockRate(), g.cfg.TemplateRotation)})
		}
	}
	g.mu.Unlock()

	if scored && g.reg != nil {
		if prev := g.reg.SetQuality(sig.IdentityID, score); prev != score && delivery.RatingFor(prev) != delivery.RatingFor(score) {
			g.log.Info("identity rating changed",
				logx.Identity(sig.IdentityID),
				logx.String("from", string(delivery.RatingFor(prev))),
				logx.String("to", string(delivery.RatingFor(score))),
				logx.Float64("score", score),
			)
		}
	}
	g.apply(acts)
}

func (g *Governor) identityBreach(c Counts) (string, bool) {
	if br := c.BlockRate(); br > g.cfg.BlockRate {
		return fmt.Sprintf("block_rate %.4f > %.4f", br, g.cfg.BlockRate), true
	}
	if rr := c.ReportRate(); rr > g.cfg.ReportRate {
		return fmt.Sprintf("report_rate %.4f > %.4f", rr, g.cfg.ReportRate), true
	}
	return "", false
}

// identityActions is called with g.mu held.
func (g *Governor) identityActions(id, reason string, at time.Time) []action {
	var acts []action
	if g.reg != nil {
		if cur, ok := g.reg.Get(id); ok {
			switch {
			case cur.Role == delivery.RolePrimary:
				acts = append(acts, action{kind: "demote", id: id, reason: reason})
			case g.cfg.DisableBackups && cur.Enabled:
				acts = append(acts, action{kind: "disable", id: id, reason: reason})
			}
		}
	}
	// Rotate the identity's worst template that has enough traffic of its own.
	worst, worstRate := "", 0.0
	for tid := range g.usedBy[id] {
		w := g.template[tid]
		if w == nil {
			continue
		}
		tc := w.sum(at)
		if tc.Sent == 0 {
			continue
		}
		if r := tc.BlockRate() + tc.ReportRate(); r > worstRate || (r == worstRate && worst != "" && tid < worst) {
			worst, worstRate = tid, r
		}
	}
	if worst != "" && worstRate > 0 {
		acts = append(acts, action{kind: "rotate", id: worst, reason: "identity " + id + " " + reason})
	}
	return acts
}

func (g *Governor) apply(acts []action) {
	ctx := context.Background()
	for _, a := range acts {
		var changed bool
		var err error
		switch a.kind {
		case "demote":
			changed, err = g.reg.Demote(ctx, a.id, a.reason, actor)
		case "disable":
			changed, err = g.reg.Disable(ctx, a.id, a.reason, actor)
		case "rotate":
			if g.templates != nil {
				changed, err = g.templates.Rotate(ctx, a.id, a.reason, actor)
			}
		}
		if err != nil {
			g.log.Error("quality action failed", logx.String("action", a.kind), logx.String("id", a.id), logx.Err(err))
			continue
		}
		if changed {
			g.log.Warn("quality action applied", logx.String("action", a.kind), logx.String("id", a.id), logx.String("reason", a.reason))
		}
	}
}

func (g *Governor) stats(m map[string]*rollingWindow, now time.Time) []Stats {
	out := make([]Stats, 0, len(m))
	for id, w := range m {
		c := w.sum(now)
		out = append(out, Stats{ID: id, Counts: c, BlockRate: c.BlockRate(), ReportRate: c.ReportRate(), FailRate: c.FailRate(), Score: g.Score(c)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// IdentityStats returns window stats per identity, ordered by id.
func (g *Governor) IdentityStats() []Stats {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.stats(g.identity, g.now())
}

// TemplateStats returns window stats per template, ordered by id.
func (g *Governor) TemplateStats() []Stats {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.stats(g.template, g.now())
}

// ResetCycle forgets which templates each identity used. Windows keep
// rolling, so a template rotated yesterday is rotated again on its first
// signal if its window is still over threshold.
func (g *Governor) ResetCycle() {
	g.mu.Lock()
	g.usedBy = map[string]map[string]struct{}{}
	g.mu.Unlock()
}
