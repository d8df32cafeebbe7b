package engine

import (
	"context"

	"deliveryd/internal/delivery"
	"deliveryd/pkg/logx"
)

// transition moves j (freshly loaded, lock held) to state to. On Applied the
// change is persisted, audited and counted by the SLA monitor; j is updated
// in place. Illegal transitions return a *delivery.TransitionError.
func (e *Engine) transition(ctx context.Context, j *delivery.Job, to delivery.State, reason string, mutate func(*delivery.Job)) (delivery.Outcome, error) {
	from := j.State
	out := delivery.Classify(from, to)
	switch out {
	case delivery.Applied:
	case delivery.Illegal:
		e.log.Warn("illegal transition rejected", logx.Job(j.ID), logx.String("from", string(from)), logx.String("to", string(to)), logx.String("reason", reason))
		return out, &delivery.TransitionError{JobID: j.ID, From: from, To: to}
	default:
		return out, nil
	}

	next := j.Clone()
	next.State = to
	if mutate != nil {
		mutate(next)
	}
	if err := e.store.UpdateJob(ctx, next); err != nil {
		return out, err
	}
	*j = *next

	e.audit(ctx, delivery.AuditEntry{
		Kind:       delivery.AuditTransition,
		JobID:      j.ID,
		CycleID:    j.CycleID,
		From:       from,
		To:         to,
		IdentityID: j.IdentityID,
		TemplateID: j.TemplateID,
		Attempt:    j.Attempts,
		Reason:     reason,
		Code:       j.FailureCode,
	})
	if e.sla != nil {
		e.sla.Observe(j, from, to)
	}
	e.log.Debug("job transition", logx.Job(j.ID), logx.String("from", string(from)), logx.String("to", string(to)), logx.String("reason", reason))
	return out, nil
}

func (e *Engine) audit(ctx context.Context, a delivery.AuditEntry) {
	if a.Time.IsZero() {
		a.Time = e.now()
	}
	if err := e.store.AppendAudit(ctx, a); err != nil {
		e.log.Error("audit append failed", logx.Job(a.JobID), logx.String("kind", a.Kind), logx.Err(err))
	}
}

// withJob loads jobID under its stripe lock and runs fn.
func (e *Engine) withJob(ctx context.Context, jobID string, fn func(j *delivery.Job) error) error {
	unlock := e.lock(jobID)
	defer unlock()
	j, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	return fn(j)
}
