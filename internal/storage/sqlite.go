package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"deliveryd/internal/delivery"
	"deliveryd/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

const jobColumns = `id, cycle_id, subscriber_id, phone, language, tier, content_id, category,
	template_id, identity_id, state, attempts, max_retries, created_at, last_attempt_at,
	delivered_at, terminal_at, failure_reason, failure_code, provider_message_id, quality_at_attempt`

func jobArgs(j *delivery.Job) []any {
	return []any{
		j.ID, j.CycleID, j.SubscriberID, j.Phone, j.Language, string(j.Tier), j.ContentID, j.Category,
		nullStr(j.TemplateID), nullStr(j.IdentityID), string(j.State), j.Attempts, j.MaxRetries,
		fmtTime(j.CreatedAt), nullTime(j.LastAttemptAt), nullTimePtr(j.DeliveredAt), nullTimePtr(j.TerminalAt),
		nullStr(j.FailureReason), j.FailureCode, nullStr(j.ProviderMessageID), j.QualityAtAttempt,
	}
}

func (s *sqliteStore) CreateJob(ctx context.Context, j *delivery.Job) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs(`+jobColumns+`) VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		jobArgs(j)...,
	)
	if err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return ErrDuplicate
	}
	return err
}

func (s *sqliteStore) UpdateJob(ctx context.Context, j *delivery.Job) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET template_id=?, identity_id=?, state=?, attempts=?, max_retries=?,
		 last_attempt_at=?, delivered_at=?, terminal_at=?, failure_reason=?, failure_code=?,
		 provider_message_id=?, quality_at_attempt=? WHERE id=?`,
		nullStr(j.TemplateID), nullStr(j.IdentityID), string(j.State), j.Attempts, j.MaxRetries,
		nullTime(j.LastAttemptAt), nullTimePtr(j.DeliveredAt), nullTimePtr(j.TerminalAt),
		nullStr(j.FailureReason), j.FailureCode, nullStr(j.ProviderMessageID), j.QualityAtAttempt, j.ID,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return delivery.ErrNotFound
	}
	return nil
}

func (s *sqliteStore) GetJob(ctx context.Context, id string) (*delivery.Job, error) {
	return s.queryJob(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
}

func (s *sqliteStore) JobForSubscriber(ctx context.Context, cycleID, subscriberID string) (*delivery.Job, error) {
	return s.queryJob(ctx, `SELECT `+jobColumns+` FROM jobs WHERE cycle_id = ? AND subscriber_id = ?`, cycleID, subscriberID)
}

func (s *sqliteStore) JobByProviderMessageID(ctx context.Context, msgID string) (*delivery.Job, error) {
	return s.queryJob(ctx, `SELECT `+jobColumns+` FROM jobs WHERE provider_message_id = ?`, msgID)
}

func (s *sqliteStore) queryJob(ctx context.Context, q string, args ...any) (*delivery.Job, error) {
	j, err := scanJob(s.db.QueryRowContext(ctx, q, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, delivery.ErrNotFound
	}
	return j, err
}

func (s *sqliteStore) ListJobs(ctx context.Context, f JobFilter) ([]*delivery.Job, error) {
	var (
		where []string
		args  []any
	)
	if f.CycleID != "" {
		where = append(where, "cycle_id = ?")
		args = append(args, f.CycleID)
	}
	if f.SubscriberID != "" {
		where = append(where, "subscriber_id = ?")
		args = append(args, f.SubscriberID)
	}
	if len(f.States) > 0 {
		ph := make([]string, len(f.States))
		for i, st := range f.States {
			ph[i] = "?"
			args = append(args, string(st))
		}
		where = append(where, "state IN ("+strings.Join(ph, ",")+")")
	}
	if !f.LastAttemptBefore.IsZero() {
		where = append(where, "last_attempt_at IS NOT NULL AND last_attempt_at < ?")
		args = append(args, fmtTime(f.LastAttemptBefore))
	}
	q := `SELECT ` + jobColumns + ` FROM jobs`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at, id"
	if f.Limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*delivery.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(r rowScanner) (*delivery.Job, error) {
	var (
		j                                     delivery.Job
		tier, state                           string
		templateID, identityID, reason, msgID sql.NullString
		createdAt                             string
		lastAttempt, deliveredAt, terminalAt  sql.NullString
	)
	err := r.Scan(&j.ID, &j.CycleID, &j.SubscriberID, &j.Phone, &j.Language, &tier, &j.ContentID, &j.Category,
		&templateID, &identityID, &state, &j.Attempts, &j.MaxRetries, &createdAt, &lastAttempt,
		&deliveredAt, &terminalAt, &reason, &j.FailureCode, &msgID, &j.QualityAtAttempt)
	if err != nil {
		return nil, err
	}
	j.Tier = delivery.Tier(tier)
	j.State = delivery.State(state)
	j.TemplateID = templateID.String
	j.IdentityID = identityID.String
	j.FailureReason = reason.String
	j.ProviderMessageID = msgID.String
	j.CreatedAt = parseTime(createdAt)
	j.LastAttemptAt = parseTime(lastAttempt.String)
	j.DeliveredAt = parseTimePtr(deliveredAt)
	j.TerminalAt = parseTimePtr(terminalAt)
	return &j, nil
}

func (s *sqliteStore) UpsertSubscriber(ctx context.Context, sub delivery.Subscriber) error {
	if sub.UpdatedAt.IsZero() {
		sub.UpdatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO subscribers(id, phone, language, tier, consent, opted_out_at, updated_at)
		 VALUES(?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET phone=excluded.phone, language=excluded.language, tier=excluded.tier,
		 consent=excluded.consent, opted_out_at=excluded.opted_out_at, updated_at=excluded.updated_at`,
		sub.ID, sub.Phone, sub.Language, string(sub.Tier), boolInt(sub.Consent), nullTimePtr(sub.OptedOutAt), fmtTime(sub.UpdatedAt),
	)
	return err
}

const subscriberColumns = `id, phone, language, tier, consent, opted_out_at, updated_at`

func scanSubscriber(r rowScanner) (delivery.Subscriber, error) {
	var (
		sub       delivery.Subscriber
		tier      string
		consent   int
		optedOut  sql.NullString
		updatedAt string
	)
	if err := r.Scan(&sub.ID, &sub.Phone, &sub.Language, &tier, &consent, &optedOut, &updatedAt); err != nil {
		return delivery.Subscriber{}, err
	}
	sub.Tier = delivery.Tier(tier)
	sub.Consent = consent != 0
	sub.OptedOutAt = parseTimePtr(optedOut)
	sub.UpdatedAt = parseTime(updatedAt)
	return sub, nil
}

func (s *sqliteStore) GetSubscriber(ctx context.Context, id string) (delivery.Subscriber, error) {
	sub, err := scanSubscriber(s.db.QueryRowContext(ctx, `SELECT `+subscriberColumns+` FROM subscribers WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return delivery.Subscriber{}, delivery.ErrNotFound
	}
	return sub, err
}

func (s *sqliteStore) ListSubscribers(ctx context.Context) ([]delivery.Subscriber, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+subscriberColumns+` FROM subscribers ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []delivery.Subscriber
	for rows.Next() {
		sub, err := scanSubscriber(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

func (s *sqliteStore) SaveIdentity(ctx context.Context, id delivery.Identity) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO identities(id, phone_number_id, role, priority, daily_cap, per_second, enabled, disabled_reason, quality, rating, sent_today, remaining)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET phone_number_id=excluded.phone_number_id, role=excluded.role,
		 priority=excluded.priority, daily_cap=excluded.daily_cap, per_second=excluded.per_second,
		 enabled=excluded.enabled, disabled_reason=excluded.disabled_reason, quality=excluded.quality,
		 rating=excluded.rating, sent_today=excluded.sent_today, remaining=excluded.remaining`,
		id.ID, id.PhoneNumberID, string(id.Role), id.Priority, id.DailyCap, id.PerSecond, boolInt(id.Enabled),
		nullStr(id.DisabledReason), id.Quality, string(id.Rating), id.SentToday, id.Remaining,
	)
	return err
}

func (s *sqliteStore) ListIdentities(ctx context.Context) ([]delivery.Identity, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, phone_number_id, role, priority, daily_cap, per_second, enabled, disabled_reason, quality, rating, sent_today, remaining
		 FROM identities ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []delivery.Identity
	for rows.Next() {
		var (
			id           delivery.Identity
			role, rating string
			enabled      int
			reason       sql.NullString
		)
		if err := rows.Scan(&id.ID, &id.PhoneNumberID, &role, &id.Priority, &id.DailyCap, &id.PerSecond, &enabled,
			&reason, &id.Quality, &rating, &id.SentToday, &id.Remaining); err != nil {
			return nil, err
		}
		id.Role = delivery.Role(role)
		id.Rating = delivery.Rating(rating)
		id.Enabled = enabled != 0
		id.DisabledReason = reason.String
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *sqliteStore) SaveTemplate(ctx context.Context, t delivery.Template) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO templates(id, name, category, language, status, priority, sends, blocks, failures)
		 VALUES(?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET name=excluded.name, category=excluded.category, language=excluded.language,
		 status=excluded.status, priority=excluded.priority, sends=excluded.sends, blocks=excluded.blocks,
		 failures=excluded.failures`,
		t.ID, t.Name, t.Category, t.Language, string(t.Status), t.Priority, t.Sends, t.Blocks, t.Failures,
	)
	return err
}

func (s *sqliteStore) ListTemplates(ctx context.Context) ([]delivery.Template, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, category, language, status, priority, sends, blocks, failures FROM templates ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []delivery.Template
	for rows.Next() {
		var (
			t      delivery.Template
			status string
		)
		if err := rows.Scan(&t.ID, &t.Name, &t.Category, &t.Language, &status, &t.Priority, &t.Sends, &t.Blocks, &t.Failures); err != nil {
			return nil, err
		}
		t.Status = delivery.TemplateStatus(status)
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *sqliteStore) AppendAudit(ctx context.Context, e delivery.AuditEntry) error {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit(at, kind, job_id, cycle_id, from_state, to_state, identity_id, template_id, attempt, reason, code, actor)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?)`,
		fmtTime(e.Time), e.Kind, nullStr(e.JobID), nullStr(e.CycleID), nullStr(string(e.From)), nullStr(string(e.To)),
		nullStr(e.IdentityID), nullStr(e.TemplateID), e.Attempt, nullStr(e.Reason), e.Code, nullStr(e.Actor),
	)
	return err
}

func (s *sqliteStore) ListAudit(ctx context.Context, jobID string) ([]delivery.AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT at, kind, job_id, cycle_id, from_state, to_state, identity_id, template_id, attempt, reason, code, actor
		 FROM audit WHERE job_id = ? ORDER BY seq`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []delivery.AuditEntry
	for rows.Next() {
		var (
			e                                             delivery.AuditEntry
			at                                            string
			job, cycle, from, to, ident, tmpl, why, actor sql.NullString
		)
		if err := rows.Scan(&at, &e.Kind, &job, &cycle, &from, &to, &ident, &tmpl, &e.Attempt, &why, &e.Code, &actor); err != nil {
			return nil, err
		}
		e.Time = parseTime(at)
		e.JobID = job.String
		e.CycleID = cycle.String
		e.From = delivery.State(from.String)
		e.To = delivery.State(to.String)
		e.IdentityID = ident.String
		e.TemplateID = tmpl.String
		e.Reason = why.String
		e.Actor = actor.String
		out = append(out, e)
	}
	return out, rows.Err()
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// timeLayout is fixed-width so stored timestamps compare correctly as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func fmtTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return fmtTime(t)
}

func nullTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return nullTime(*t)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func parseTimePtr(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t := parseTime(ns.String)
	return &t
}
