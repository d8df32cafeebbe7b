package delivery

import (
	"strings"
	"time"
)

// Tier is a subscription tier. Lower rank is served first.
type Tier string

const (
	TierPremium Tier = "PREMIUM"
	TierPro     Tier = "PRO"
	TierBasic   Tier = "BASIC"
)

func (t Tier) Rank() int {
	switch Tier(strings.ToUpper(string(t))) {
	case TierPremium:
		return 1
	case TierPro:
		return 2
	default:
		return 3
	}
}

type Subscriber struct {
	ID         string     `json:"id"`
	Phone      string     `json:"phone"`
	Language   string     `json:"language"`
	Tier       Tier       `json:"tier"`
	Consent    bool       `json:"consent"`
	OptedOutAt *time.Time `json:"opted_out_at,omitempty"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// Eligible reports whether a job may be created for s.
func (s Subscriber) Eligible() bool { return s.Consent && s.OptedOutAt == nil }

type Role string

const (
	RolePrimary Role = "primary"
	RoleBackup  Role = "backup"
)

func (r Role) Rank() int {
	if r == RolePrimary {
		return 0
	}
	return 1
}

// Rating is the coarse quality band the provider shows for an identity.
type Rating string

const (
	RatingHigh    Rating = "HIGH"
	RatingMedium  Rating = "MEDIUM"
	RatingLow     Rating = "LOW"
	RatingFlagged Rating = "FLAGGED"
)

func RatingFor(score float64) Rating {
	switch {
	case score >= 0.9:
		return RatingHigh
	case score >= 0.75:
		return RatingMedium
	case score >= 0.5:
		return RatingLow
	default:
		return RatingFlagged
	}
}

// Identity is the persisted view of one sending identity.
// Live counters are owned by the identity registry.
type Identity struct {
	ID             string  `json:"id"`
	PhoneNumberID  string  `json:"phone_number_id"`
	Role           Role    `json:"role"`
	Priority       int     `json:"priority"`
	DailyCap       int64   `json:"daily_cap"`
	PerSecond      int     `json:"per_second"`
	RatePerSecond  int     `json:"rate_per_second"` // PerSecond scaled by Rating
	Enabled        bool    `json:"enabled"`
	DisabledReason string  `json:"disabled_reason,omitempty"`
	Quality        float64 `json:"quality"`
	Rating         Rating  `json:"rating"`
	SentToday      int64   `json:"sent_today"`
	Remaining      int64   `json:"remaining"`
}

// Rate is the per-second limit currently in force: RatePerSecond when the
// registry has filled it in, the configured PerSecond otherwise.
func (id Identity) Rate() int {
	if id.RatePerSecond > 0 {
		return id.RatePerSecond
	}
	return id.PerSecond
}

type TemplateStatus string

const (
	TemplateApproved TemplateStatus = "APPROVED"
	TemplatePending  TemplateStatus = "PENDING"
	TemplateRejected TemplateStatus = "REJECTED"
	TemplatePaused   TemplateStatus = "PAUSED"
)

type Template struct {
	ID       string         `json:"id"`
	Name     string         `json:"name"`
	Category string         `json:"category"`
	Language string         `json:"language"`
	Status   TemplateStatus `json:"status"`
	Priority int            `json:"priority"`

	Sends    int64 `json:"sends"`
	Blocks   int64 `json:"blocks"`
	Failures int64 `json:"failures"`
}

func (t Template) BlockRate() float64 {
	if t.Sends <= 0 {
		return 0
	}
	return float64(t.Blocks) / float64(t.Sends)
}

func (t Template) FailureRate() float64 {
	if t.Sends <= 0 {
		return 0
	}
	return float64(t.Failures) / float64(t.Sends)
}

// Content is produced by the content source; the engine never inspects Body.
type Content struct {
	ID       string   `json:"id"`
	Category string   `json:"category"`
	Language string   `json:"language"`
	Body     string   `json:"body"`
	Params   []string `json:"params,omitempty"`
}

// Cycle is one daily delivery run measured against a cutoff.
type Cycle struct {
	ID      string    `json:"id"`
	Content Content   `json:"content"`
	Start   time.Time `json:"start"`
	Cutoff  time.Time `json:"cutoff"`
}

// CycleID derives the cycle key from the local day and content id.
func CycleID(day time.Time, contentID string) string {
	return day.Format("2006-01-02") + "/" + contentID
}

type Job struct {
	ID           string `json:"id"`
	CycleID      string `json:"cycle_id"`
	SubscriberID string `json:"subscriber_id"`
	Phone        string `json:"phone"`
	Language     string `json:"language"`
	Tier         Tier   `json:"tier"`
	ContentID    string `json:"content_id"`
	Category     string `json:"category"`

	TemplateID string `json:"template_id,omitempty"`
	IdentityID string `json:"identity_id,omitempty"`
	State      State  `json:"state"`
	Attempts   int    `json:"attempts"`
	MaxRetries int    `json:"max_retries"`

	CreatedAt     time.Time  `json:"created_at"`
	LastAttemptAt time.Time  `json:"last_attempt_at,omitempty"`
	DeliveredAt   *time.Time `json:"delivered_at,omitempty"`
	TerminalAt    *time.Time `json:"terminal_at,omitempty"`

	FailureReason     string `json:"failure_reason,omitempty"`
	FailureCode       int    `json:"failure_code,omitempty"`
	ProviderMessageID string `json:"provider_message_id,omitempty"`

	// QualityAtAttempt is the identity quality score when the last attempt was made.
	QualityAtAttempt float64 `json:"quality_at_attempt,omitempty"`
}

// Terminal reports whether no further transition is expected.
func (j *Job) Terminal() bool {
	switch j.State {
	case StateDelivered, StateRead, StateAbandoned:
		return true
	case StateFailed:
		return j.TerminalAt != nil
	}
	return false
}

// RetriesLeft reports whether another attempt is allowed.
func (j *Job) RetriesLeft() bool { return j.Attempts <= j.MaxRetries }

func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	cp := *j
	if j.DeliveredAt != nil {
		t := *j.DeliveredAt
		cp.DeliveredAt = &t
	}
	if j.TerminalAt != nil {
		t := *j.TerminalAt
		cp.TerminalAt = &t
	}
	return &cp
}

// Batch is an ephemeral group of jobs bound to one identity and send slot.
type Batch struct {
	CycleID    string        `json:"cycle_id"`
	Index      int           `json:"index"`
	IdentityID string        `json:"identity_id"`
	Offset     time.Duration `json:"offset"`
	Jobs       []*Job        `json:"-"`
}

// AuditEntry is one line of the append-only compliance log.
type AuditEntry struct {
	Time       time.Time `json:"time"`
	Kind       string    `json:"kind"`
	JobID      string    `json:"job_id,omitempty"`
	CycleID    string    `json:"cycle_id,omitempty"`
	From       State     `json:"from,omitempty"`
	To         State     `json:"to,omitempty"`
	IdentityID string    `json:"identity_id,omitempty"`
	TemplateID string    `json:"template_id,omitempty"`
	Attempt    int       `json:"attempt,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	Code       int       `json:"code,omitempty"`
	Actor      string    `json:"actor,omitempty"`
}

// Audit kinds.
const (
	AuditTransition = "transition"
	AuditOutcome    = "outcome"
	AuditIdentity   = "identity"
	AuditTemplate   = "template"
	AuditBatch      = "batch"
)

// SignalKind classifies a quality observation.
type SignalKind string

const (
	SignalSent      SignalKind = "sent"
	SignalDelivered SignalKind = "delivered"
	SignalFailed    SignalKind = "failed"
	SignalBlocked   SignalKind = "blocked"
	SignalReported  SignalKind = "reported"
)

// QualitySignal is one observation about how recipients react to an identity
// and template pair.
type QualitySignal struct {
	IdentityID string     `json:"identity_id"`
	TemplateID string     `json:"template_id,omitempty"`
	Kind       SignalKind `json:"kind"`
	Code       int        `json:"code,omitempty"`
	At         time.Time  `json:"at"`
}
