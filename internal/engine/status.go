package engine

import (
	"context"
	"errors"
	"fmt"

	"deliveryd/internal/delivery"
	"deliveryd/internal/ingest"
	"deliveryd/internal/provider"
	"deliveryd/pkg/logx"
)

// ApplyStatus advances the job owning ev.MessageID. Replays and
// out-of-order callbacks are no-ops; an unknown message id returns
// delivery.ErrNotFound so the ingest queue can re-check it later.
func (e *Engine) ApplyStatus(ctx context.Context, ev ingest.Event) error {
	to, ok := ev.State()
	if !ok {
		e.log.Debug("status ignored", logx.String("message", ev.MessageID), logx.String("status", ev.Status))
		return nil
	}
	found, err := e.store.JobByProviderMessageID(ctx, ev.MessageID)
	if err != nil {
		return err
	}

	at := ev.Timestamp
	if at.IsZero() {
		at = e.now()
	}
	var cause error
	if to == delivery.StateFailed {
		cause = fmt.Errorf("status %s: %w", ev.ErrorTitle, provider.Classify(ev.ErrorCode, 0))
	}

	var applied *delivery.Job
	err = e.withJob(ctx, found.ID, func(j *delivery.Job) error {
		out, err := e.transition(ctx, j, to, "status_"+ev.Status, func(n *delivery.Job) {
			switch to {
			case delivery.StateDelivered:
				n.DeliveredAt = &at
			case delivery.StateRead:
				if n.DeliveredAt == nil {
					n.DeliveredAt = &at
				}
			case delivery.StateFailed:
				n.FailureReason = delivery.Reason(cause)
				n.FailureCode = ev.ErrorCode
				if !delivery.Retryable(cause) {
					n.TerminalAt = &at
				}
			}
		})
		if out == delivery.Applied {
			applied = j
		}
		return err
	})
	var te *delivery.TransitionError
	if errors.As(err, &te) {
		// Logged by transition; the callback itself was fine.
		return nil
	}
	if err != nil || applied == nil {
		return err
	}

	switch to {
	case delivery.StateDelivered:
		e.ids.RecordQualitySignal(applied.IdentityID, delivery.QualitySignal{TemplateID: applied.TemplateID, Kind: delivery.SignalDelivered})
		e.audit(ctx, delivery.AuditEntry{Kind: delivery.AuditOutcome, JobID: applied.ID, CycleID: applied.CycleID, IdentityID: applied.IdentityID, TemplateID: applied.TemplateID, Attempt: applied.Attempts, Reason: "delivered"})
	case delivery.StateFailed:
		e.log.Info("async delivery failure", logx.Job(applied.ID), logx.Identity(applied.IdentityID), logx.Int("code", ev.ErrorCode), logx.String("reason", applied.FailureReason))
		e.audit(ctx, delivery.AuditEntry{Kind: delivery.AuditOutcome, JobID: applied.ID, CycleID: applied.CycleID, IdentityID: applied.IdentityID, TemplateID: applied.TemplateID, Attempt: applied.Attempts, Reason: applied.FailureReason, Code: ev.ErrorCode})
		e.afterFailure(ctx, applied, cause, ev.ErrorCode)
	}
	return nil
}
