package storage

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"deliveryd/internal/delivery"
	"deliveryd/pkg/logx"
)

type memoryStore struct {
	log logx.Logger

	mu          sync.RWMutex
	jobs        map[string]*delivery.Job
	bySub       map[string]string // cycle|subscriber -> job id
	byMsg       map[string]string // provider message id -> job id
	subscribers map[string]delivery.Subscriber
	identities  map[string]delivery.Identity
	templates   map[string]delivery.Template
	audit       []delivery.AuditEntry

	journal *journal
}

// OpenMemory returns a process-local store. When auditPath is set every audit
// entry is also appended to a JSONL journal at that path.
func OpenMemory(auditPath string, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &memoryStore{
		log:         log,
		jobs:        map[string]*delivery.Job{},
		bySub:       map[string]string{},
		byMsg:       map[string]string{},
		subscribers: map[string]delivery.Subscriber{},
		identities:  map[string]delivery.Identity{},
		templates:   map[string]delivery.Template{},
	}
	if p := strings.TrimSpace(auditPath); p != "" {
		j, err := openJournal(p)
		if err != nil {
			return nil, err
		}
		s.journal = j
	}
	return s, nil
}

// NewMemory is OpenMemory without a journal; it cannot fail.
func NewMemory() Store {
	s, _ := OpenMemory("", logx.Nop())
	return s
}

func subKey(cycleID, subscriberID string) string { return cycleID + "|" + subscriberID }

func (s *memoryStore) CreateJob(ctx context.Context, j *delivery.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := subKey(j.CycleID, j.SubscriberID)
	if _, ok := s.bySub[k]; ok {
		return ErrDuplicate
	}
	s.jobs[j.ID] = j.Clone()
	s.bySub[k] = j.ID
	if j.ProviderMessageID != "" {
		s.byMsg[j.ProviderMessageID] = j.ID
	}
	return nil
}

func (s *memoryStore) UpdateJob(ctx context.Context, j *delivery.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[j.ID]; !ok {
		return delivery.ErrNotFound
	}
	s.jobs[j.ID] = j.Clone()
	if j.ProviderMessageID != "" {
		s.byMsg[j.ProviderMessageID] = j.ID
	}
	return nil
}

func (s *memoryStore) GetJob(ctx context.Context, id string) (*delivery.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, delivery.ErrNotFound
	}
	return j.Clone(), nil
}

func (s *memoryStore) JobForSubscriber(ctx context.Context, cycleID, subscriberID string) (*delivery.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.bySub[subKey(cycleID, subscriberID)]
	if !ok {
		return nil, delivery.ErrNotFound
	}
	return s.jobs[id].Clone(), nil
}

func (s *memoryStore) JobByProviderMessageID(ctx context.Context, msgID string) (*delivery.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byMsg[msgID]
	if !ok {
		return nil, delivery.ErrNotFound
	}
	return s.jobs[id].Clone(), nil
}

func (s *memoryStore) ListJobs(ctx context.Context, f JobFilter) ([]*delivery.Job, error) {
	s.mu.RLock()
	out := make([]*delivery.Job, 0, 64)
	for _, j := range s.jobs {
		if f.match(j) {
			out = append(out, j.Clone())
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(a, b int) bool {
		if !out[a].CreatedAt.Equal(out[b].CreatedAt) {
			return out[a].CreatedAt.Before(out[b].CreatedAt)
		}
		return out[a].ID < out[b].ID
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *memoryStore) UpsertSubscriber(ctx context.Context, sub delivery.Subscriber) error {
	if sub.UpdatedAt.IsZero() {
		sub.UpdatedAt = time.Now()
	}
	s.mu.Lock()
	s.subscribers[sub.ID] = sub
	s.mu.Unlock()
	return nil
}

func (s *memoryStore) GetSubscriber(ctx context.Context, id string) (delivery.Subscriber, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sub, ok := s.subscribers[id]
	if !ok {
		return delivery.Subscriber{}, delivery.ErrNotFound
	}
	return sub, nil
}

func (s *memoryStore) ListSubscribers(ctx context.Context) ([]delivery.Subscriber, error) {
	s.mu.RLock()
	out := make([]delivery.Subscriber, 0, len(s.subscribers))
	for _, sub := range s.subscribers {
		out = append(out, sub)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memoryStore) SaveIdentity(ctx context.Context, id delivery.Identity) error {
	s.mu.Lock()
	s.identities[id.ID] = id
	s.mu.Unlock()
	return nil
}

func (s *memoryStore) ListIdentities(ctx context.Context) ([]delivery.Identity, error) {
	s.mu.RLock()
	out := make([]delivery.Identity, 0, len(s.identities))
	for _, id := range s.identities {
		out = append(out, id)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memoryStore) SaveTemplate(ctx context.Context, t delivery.Template) error {
	s.mu.Lock()
	s.templates[t.ID] = t
	s.mu.Unlock()
	return nil
}

func (s *memoryStore) ListTemplates(ctx context.Context) ([]delivery.Template, error) {
	s.mu.RLock()
	out := make([]delivery.Template, 0, len(s.templates))
	for _, t := range s.templates {
		out = append(out, t)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memoryStore) AppendAudit(ctx context.Context, e delivery.AuditEntry) error {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	s.mu.Lock()
	s.audit = append(s.audit, e)
	s.mu.Unlock()
	if s.journal != nil {
		return s.journal.append(e)
	}
	return nil
}

func (s *memoryStore) ListAudit(ctx context.Context, jobID string) ([]delivery.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []delivery.AuditEntry
	for _, e := range s.audit {
		if e.JobID == jobID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *memoryStore) Close() error {
	if s.journal != nil {
		return s.journal.close()
	}
	return nil
}
