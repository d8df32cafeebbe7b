package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"deliveryd/internal/delivery"
	"deliveryd/pkg/logx"
)

// ErrDuplicate is returned by CreateJob when a job already exists for the
// (cycle, subscriber) pair.
var ErrDuplicate = errors.New("storage: duplicate job for cycle and subscriber")

// Config configures storage.
type Config struct {
	Driver      string
	Path        string
	AuditPath   string        // memory driver: JSONL journal, optional
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// JobFilter selects jobs. Zero fields match everything.
type JobFilter struct {
	CycleID string
	States  []delivery.State
	// LastAttemptBefore keeps jobs whose last attempt is older than this instant.
	LastAttemptBefore time.Time
	SubscriberID      string
	Limit             int
}

func (f JobFilter) match(j *delivery.Job) bool {
	if f.CycleID != "" && j.CycleID != f.CycleID {
		return false
	}
	if f.SubscriberID != "" && j.SubscriberID != f.SubscriberID {
		return false
	}
	if len(f.States) > 0 {
		ok := false
		for _, s := range f.States {
			if j.State == s {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if !f.LastAttemptBefore.IsZero() && !j.LastAttemptAt.Before(f.LastAttemptBefore) {
		return false
	}
	return true
}

type JobStore interface {
	// CreateJob inserts j or fails with ErrDuplicate.
	CreateJob(ctx context.Context, j *delivery.Job) error
	UpdateJob(ctx context.Context, j *delivery.Job) error
	GetJob(ctx context.Context, id string) (*delivery.Job, error)
	JobForSubscriber(ctx context.Context, cycleID, subscriberID string) (*delivery.Job, error)
	JobByProviderMessageID(ctx context.Context, msgID string) (*delivery.Job, error)
	ListJobs(ctx context.Context, f JobFilter) ([]*delivery.Job, error)
}

type SubscriberStore interface {
	UpsertSubscriber(ctx context.Context, s delivery.Subscriber) error
	GetSubscriber(ctx context.Context, id string) (delivery.Subscriber, error)
	ListSubscribers(ctx context.Context) ([]delivery.Subscriber, error)
}

type IdentityStore interface {
	SaveIdentity(ctx context.Context, id delivery.Identity) error
	ListIdentities(ctx context.Context) ([]delivery.Identity, error)
}

type TemplateStore interface {
	SaveTemplate(ctx context.Context, t delivery.Template) error
	ListTemplates(ctx context.Context) ([]delivery.Template, error)
}

type AuditLog interface {
	AppendAudit(ctx context.Context, e delivery.AuditEntry) error
	// ListAudit returns entries for jobID in append order.
	ListAudit(ctx context.Context, jobID string) ([]delivery.AuditEntry, error)
}

// Store is the persistence API used by the engine.
type Store interface {
	JobStore
	SubscriberStore
	IdentityStore
	TemplateStore
	AuditLog
	Close() error
}

// Open initializes the configured store. An empty driver means "memory".
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "memory":
		return OpenMemory(cfg.AuditPath, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, fmt.Errorf("unknown storage driver: %s", driver)
	}
}
