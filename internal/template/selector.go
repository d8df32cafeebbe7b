package template

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"deliveryd/internal/delivery"
	"deliveryd/internal/eventbus"
	"deliveryd/internal/storage"
	"deliveryd/pkg/logx"
)

type Config struct {
	// Threshold is the block rate above which an incumbent is skipped.
	Threshold float64
	// MinSample is the number of sends before the block rate is trusted.
	MinSample int64
}

// Rotation describes one template being taken out of selection.
type Rotation struct {
	TemplateID string `json:"template_id"`
	Category   string `json:"category"`
	Language   string `json:"language"`
	Reason     string `json:"reason"`
	Actor      string `json:"actor"`
}

type Store interface {
	storage.TemplateStore
	storage.AuditLog
}

// Selector picks approved template variants and rotates them out when they
// perform badly. Rotations last until ResetCycle.
type Selector struct {
	cfg   Config
	log   logx.Logger
	bus   eventbus.Bus
	store Store

	mu      sync.Mutex
	byID    map[string]*delivery.Template
	rotated map[string]string // id -> reason
	now     func() time.Time
}

type Option func(*Selector)

func WithBus(b eventbus.Bus) Option { return func(s *Selector) { s.bus = b } }

func WithStore(st Store) Option { return func(s *Selector) { s.store = st } }

func New(templates []delivery.Template, cfg Config, log logx.Logger, opts ...Option) *Selector {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = 0.02
	}
	s := &Selector{
		cfg:     cfg,
		log:     log.With(logx.String("comp", "template")),
		byID:    make(map[string]*delivery.Template, len(templates)),
		rotated: map[string]string{},
		now:     time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	for _, t := range templates {
		cp := t
		cp.Status = delivery.TemplateStatus(strings.ToUpper(string(cp.Status)))
		s.byID[t.ID] = &cp
	}
	return s
}

// Restore loads persisted status and counters for configured templates.
func (s *Selector) Restore(ctx context.Context) error {
	if s.store == nil {
		return nil
	}
	rows, err := s.store.ListTemplates(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, row := range rows {
		t := s.byID[row.ID]
		if t == nil {
			continue
		}
		t.Status = row.Status
		t.Sends, t.Blocks, t.Failures = row.Sends, row.Blocks, row.Failures
	}
	return nil
}

func (s *Selector) overThreshold(t *delivery.Template) bool {
	return t.Sends >= s.cfg.MinSample && t.Sends > 0 && t.BlockRate() > s.cfg.Threshold
}

// Select returns the highest-priority APPROVED template for the pair that has
// not been rotated out and whose block rate is below the threshold. Skipping
// an incumbent over the threshold rotates it.
func (s *Selector) Select(category, language string) (delivery.Template, error) {
	var rotations []Rotation
	s.mu.Lock()
	cands := make([]*delivery.Template, 0, 4)
	for _, t := range s.byID {
		if t.Status != delivery.TemplateApproved {
			continue
		}
		if !strings.EqualFold(t.Category, category) || !strings.EqualFold(t.Language, language) {
			continue
		}
		cands = append(cands, t)
	}
	sort.Slice(cands, func(i, j int) bool {
		if cands[i].Priority != cands[j].Priority {
			return cands[i].Priority < cands[j].Priority
		}
		return cands[i].ID < cands[j].ID
	})
	var picked *delivery.Template
	for _, t := range cands {
		if _, out := s.rotated[t.ID]; out {
			continue
		}
		if s.overThreshold(t) {
			s.rotated[t.ID] = "block_rate"
			rotations = append(rotations, Rotation{TemplateID: t.ID, Category: t.Category, Language: t.Language, Reason: "block_rate", Actor: "selector"})
			continue
		}
		picked = t
		break
	}
	var out delivery.Template
	if picked != nil {
		out = *picked
	}
	s.mu.Unlock()

	for _, r := range rotations {
		s.announce(context.Background(), r)
	}
	if picked == nil {
		return delivery.Template{}, delivery.ErrNoApprovedTemplate
	}
	return out, nil
}

// Rotate takes id out of selection for the rest of the cycle. It reports
// whether the template was newly rotated.
func (s *Selector) Rotate(ctx context.Context, id, reason, actor string) (bool, error) {
	s.mu.Lock()
	t := s.byID[id]
	if t == nil {
		s.mu.Unlock()
		return false, delivery.ErrNotFound
	}
	if _, out := s.rotated[id]; out {
		s.mu.Unlock()
		return false, nil
	}
	s.rotated[id] = reason
	r := Rotation{TemplateID: id, Category: t.Category, Language: t.Language, Reason: reason, Actor: actor}
	s.mu.Unlock()

	s.announce(ctx, r)
	return true, nil
}

// MarkRejected records that the provider refused the template. It stays out of
// selection until its status is changed again.
func (s *Selector) MarkRejected(ctx context.Context, id string, code int) {
	s.mu.Lock()
	t := s.byID[id]
	if t == nil || t.Status == delivery.TemplateRejected {
		s.mu.Unlock()
		return
	}
	t.Status = delivery.TemplateRejected
	snap := *t
	s.mu.Unlock()

	s.log.Error("template rejected by provider", logx.Template(id), logx.Int("code", code))
	s.persist(ctx, snap)
	s.audit(ctx, delivery.AuditEntry{Kind: delivery.AuditTemplate, TemplateID: id, Reason: "rejected", Code: code, Actor: "provider"})
}

// RecordOutcome updates the cycle counters of a template.
func (s *Selector) RecordOutcome(id string, kind delivery.SignalKind) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.byID[id]
	if t == nil {
		return
	}
	switch kind {
	case delivery.SignalSent:
		t.Sends++
	case delivery.SignalBlocked:
		t.Blocks++
	case delivery.SignalFailed:
		t.Failures++
	}
}

// Rotated reports whether id is currently out of selection.
func (s *Selector) Rotated(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, out := s.rotated[id]
	return out
}

// ResetCycle brings rotated templates back and clears the cycle counters.
func (s *Selector) ResetCycle(ctx context.Context) {
	s.mu.Lock()
	s.rotated = map[string]string{}
	snaps := make([]delivery.Template, 0, len(s.byID))
	for _, t := range s.byID {
		t.Sends, t.Blocks, t.Failures = 0, 0, 0
		snaps = append(snaps, *t)
	}
	s.mu.Unlock()
	for _, t := range snaps {
		s.persist(ctx, t)
	}
}

func (s *Selector) Get(id string) (delivery.Template, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.byID[id]
	if t == nil {
		return delivery.Template{}, false
	}
	return *t, true
}

// All returns every template ordered by category, language, priority.
func (s *Selector) All() []delivery.Template {
	s.mu.Lock()
	out := make([]delivery.Template, 0, len(s.byID))
	for _, t := range s.byID {
		out = append(out, *t)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Category != b.Category {
			return a.Category < b.Category
		}
		if a.Language != b.Language {
			return a.Language < b.Language
		}
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		return a.ID < b.ID
	})
	return out
}

func (s *Selector) announce(ctx context.Context, r Rotation) {
	s.log.Warn("template rotated",
		logx.Template(r.TemplateID),
		logx.String("category", r.Category),
		logx.String("language", r.Language),
		logx.String("reason", r.Reason),
		logx.String("actor", r.Actor),
	)
	s.audit(ctx, delivery.AuditEntry{Kind: delivery.AuditTemplate, TemplateID: r.TemplateID, Reason: "rotated: " + r.Reason, Actor: r.Actor})
	if t, ok := s.Get(r.TemplateID); ok {
		s.persist(ctx, t)
	}
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.TemplateRotated, Data: r})
	}
}

func (s *Selector) audit(ctx context.Context, e delivery.AuditEntry) {
	if s.store == nil {
		return
	}
	e.Time = s.now()
	if err := s.store.AppendAudit(ctx, e); err != nil {
		s.log.Error("audit template change failed", logx.Template(e.TemplateID), logx.Err(err))
	}
}

func (s *Selector) persist(ctx context.Context, t delivery.Template) {
	if s.store == nil {
		return
	}
	if err := s.store.SaveTemplate(ctx, t); err != nil {
		s.log.Error("persist template failed", logx.Template(t.ID), logx.Err(err))
	}
}
