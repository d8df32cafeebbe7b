package engine

import (
	"context"
	"errors"
	"fmt"

	"deliveryd/internal/delivery"
	"deliveryd/internal/eventbus"
	"deliveryd/internal/provider"
	"deliveryd/internal/retry"
	"deliveryd/pkg/logx"
)

// sendOne runs the send path for a queued job holding reserved capacity:
// select template, wait for a rate slot, mark Dispatched, call the provider
// and record Sent or the classified failure.
func (e *Engine) sendOne(ctx context.Context, jobID string) error {
	e.mu.Lock()
	identityID, ok := e.owned[jobID]
	e.mu.Unlock()
	if !ok {
		// Cancelled (and settled) while waiting in the queue.
		return nil
	}

	j, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		e.release(jobID)
		return err
	}
	if j.State != delivery.StateQueued {
		e.release(jobID)
		return nil
	}
	if ok, err := e.stillConsented(ctx, j.SubscriberID); err != nil {
		e.release(jobID)
		return err
	} else if !ok {
		e.log.Info("consent withdrawn before dispatch", logx.Job(jobID), logx.String("subscriber", j.SubscriberID))
		return e.abandon(ctx, jobID, "opted_out")
	}

	tpl, err := e.tpl.Select(j.Category, j.Language)
	if err != nil {
		e.release(jobID)
		if errors.Is(err, delivery.ErrNoApprovedTemplate) {
			e.deferNoTemplate(j)
			return nil
		}
		return err
	}

	if _, err := e.ids.AcquireSlot(ctx, identityID); err != nil {
		e.release(jobID)
		if errors.Is(err, delivery.ErrIdentityPaused) {
			// Left queued without capacity; Replan moves it to an eligible identity.
			e.log.Warn("identity paused, job left queued", logx.Job(jobID), logx.Identity(identityID))
			return nil
		}
		return err
	}

	out := delivery.Stale
	err = e.withJob(ctx, jobID, func(cur *delivery.Job) error {
		if cur.State != delivery.StateQueued {
			return nil
		}
		now := e.now()
		o, terr := e.transition(ctx, cur, delivery.StateDispatched, "dispatch", func(n *delivery.Job) {
			n.Attempts++
			n.IdentityID = identityID
			n.TemplateID = tpl.ID
			n.LastAttemptAt = now
			n.QualityAtAttempt = e.ids.Quality(identityID)
			n.FailureReason, n.FailureCode = "", 0
		})
		out, j = o, cur
		return terr
	})
	if err != nil || out != delivery.Applied {
		e.release(jobID)
		return err
	}
	// The reservation is spent from here on.
	e.disown(jobID)

	msg := provider.Message{To: j.Phone, Template: tpl.Name, Language: tpl.Language}
	if id, ok := e.ids.Get(identityID); ok {
		msg.PhoneNumberID = id.PhoneNumberID
	}
	if c, ok := e.cycle(j.CycleID); ok {
		msg.Params = c.Content.Params
	}

	sendCtx, cancel := context.WithTimeout(ctx, e.cfg.SendTimeout)
	msgID, sendErr := e.send.SendTemplate(sendCtx, msg)
	cancel()

	e.ids.RecordTransport(identityID, errors.Is(sendErr, delivery.ErrTransientNetwork))
	if sendErr == nil {
		return e.markSent(ctx, jobID, msgID)
	}
	return e.markSendFailed(ctx, jobID, sendErr)
}

// stillConsented re-reads the subscriber; a deleted subscriber counts as
// withdrawn consent.
func (e *Engine) stillConsented(ctx context.Context, subscriberID string) (bool, error) {
	sub, err := e.store.GetSubscriber(ctx, subscriberID)
	if errors.Is(err, delivery.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return sub.Eligible(), nil
}

func (e *Engine) markSent(ctx context.Context, jobID, msgID string) error {
	var sent *delivery.Job
	err := e.withJob(ctx, jobID, func(j *delivery.Job) error {
		out, err := e.transition(ctx, j, delivery.StateSent, "provider_accepted", func(n *delivery.Job) {
			n.ProviderMessageID = msgID
		})
		if out == delivery.Applied {
			sent = j
		}
		return err
	})
	if err != nil {
		return err
	}
	if sent != nil {
		e.ids.RecordQualitySignal(sent.IdentityID, delivery.QualitySignal{TemplateID: sent.TemplateID, Kind: delivery.SignalSent})
		e.audit(ctx, delivery.AuditEntry{Kind: delivery.AuditOutcome, JobID: sent.ID, CycleID: sent.CycleID, IdentityID: sent.IdentityID, TemplateID: sent.TemplateID, Attempt: sent.Attempts, Reason: "sent"})
	}
	return nil
}

// markSendFailed records a synchronous send error on a Dispatched job.
func (e *Engine) markSendFailed(ctx context.Context, jobID string, sendErr error) error {
	code := provider.ErrorCode(sendErr)
	retryable := delivery.Retryable(sendErr)
	var failed *delivery.Job
	err := e.withJob(ctx, jobID, func(j *delivery.Job) error {
		out, err := e.transition(ctx, j, delivery.StateFailed, delivery.Reason(sendErr), func(n *delivery.Job) {
			n.FailureReason = delivery.Reason(sendErr)
			n.FailureCode = code
			if !retryable {
				t := e.now()
				n.TerminalAt = &t
			}
		})
		if out == delivery.Applied {
			failed = j
		}
		return err
	})
	if err != nil {
		return err
	}
	if failed == nil {
		return nil
	}
	e.log.Info("send failed", logx.Job(failed.ID), logx.Identity(failed.IdentityID), logx.String("reason", failed.FailureReason), logx.Int("code", code), logx.Bool("retryable", retryable), logx.Err(sendErr))
	e.audit(ctx, delivery.AuditEntry{Kind: delivery.AuditOutcome, JobID: failed.ID, CycleID: failed.CycleID, IdentityID: failed.IdentityID, TemplateID: failed.TemplateID, Attempt: failed.Attempts, Reason: failed.FailureReason, Code: code})
	e.afterFailure(ctx, failed, sendErr, code)
	return nil
}

// afterFailure applies the side effects of a job that just entered Failed:
// quality signals, template rejection and the retry decision.
func (e *Engine) afterFailure(ctx context.Context, j *delivery.Job, cause error, code int) {
	e.signalFailure(j, code)
	if errors.Is(cause, delivery.ErrTemplateRejected) && j.TemplateID != "" {
		e.tpl.MarkRejected(ctx, j.TemplateID, code)
	}
	if j.TerminalAt != nil {
		return
	}
	if _, err := e.retry.Schedule(ctx, j, cause); err != nil && !errors.Is(err, retry.ErrExhausted) {
		e.log.Error("retry scheduling failed", logx.Job(j.ID), logx.Err(err))
	}
}

func (e *Engine) signalFailure(j *delivery.Job, code int) {
	if j.IdentityID == "" {
		return
	}
	e.ids.RecordQualitySignal(j.IdentityID, delivery.QualitySignal{TemplateID: j.TemplateID, Kind: delivery.SignalFailed, Code: code})
	switch {
	case provider.IsBlockSignal(code):
		e.ids.RecordQualitySignal(j.IdentityID, delivery.QualitySignal{TemplateID: j.TemplateID, Kind: delivery.SignalBlocked, Code: code})
	case provider.IsReportSignal(code):
		e.ids.RecordQualitySignal(j.IdentityID, delivery.QualitySignal{TemplateID: j.TemplateID, Kind: delivery.SignalReported, Code: code})
	}
}

func (e *Engine) deferNoTemplate(j *delivery.Job) {
	key := j.CycleID + "|" + j.Category + "|" + j.Language
	e.mu.Lock()
	seen := e.noTemplate[key]
	e.noTemplate[key] = true
	e.mu.Unlock()
	if seen {
		return
	}
	e.log.Error("no approved template, jobs deferred", logx.Cycle(j.CycleID), logx.String("category", j.Category), logx.String("language", j.Language))
	e.publish(eventbus.NoTemplate, TemplateEvent{CycleID: j.CycleID, Category: j.Category, Language: j.Language})
}

// Resend implements retry.Handler: the failed job is re-queued on identityID
// (or another identity with capacity) and sent through the normal path.
func (e *Engine) Resend(ctx context.Context, jobID, identityID string) error {
	target, err := e.reserveFor(identityID)
	if err != nil {
		// Re-queued without capacity; the replan sweep picks it up.
		e.log.Warn("retry has no capacity, left queued", logx.Job(jobID), logx.Err(err))
	} else {
		e.own(jobID, target)
	}

	out := delivery.Stale
	terr := e.withJob(ctx, jobID, func(j *delivery.Job) error {
		if j.Terminal() {
			return nil
		}
		var err error
		out, err = e.transition(ctx, j, delivery.StateQueued, "retry", func(n *delivery.Job) {
			if target != "" {
				n.IdentityID = target
			}
		})
		return err
	})
	if terr != nil || out != delivery.Applied {
		e.release(jobID)
		return terr
	}
	if target == "" {
		return nil
	}
	return e.sendOne(ctx, jobID)
}

// reserveFor takes one unit of capacity on preferred, or on the first other
// eligible identity.
func (e *Engine) reserveFor(preferred string) (string, error) {
	err := e.ids.ReserveCapacity(preferred, 1)
	if err == nil && e.ids.Eligible(preferred) {
		return preferred, nil
	}
	if err == nil {
		e.ids.ReleaseCapacity(preferred, 1)
		err = fmt.Errorf("identity %s not eligible: %w", preferred, delivery.ErrCapacityExhausted)
	}
	for _, id := range e.ids.ListEligible("") {
		if id.ID == preferred {
			continue
		}
		if e.ids.ReserveCapacity(id.ID, 1) == nil {
			return id.ID, nil
		}
	}
	return "", err
}

// Abandon implements retry.Handler.
func (e *Engine) Abandon(ctx context.Context, jobID, reason string) error {
	return e.abandon(ctx, jobID, reason)
}

func (e *Engine) abandon(ctx context.Context, jobID, reason string) error {
	var done *delivery.Job
	err := e.withJob(ctx, jobID, func(j *delivery.Job) error {
		out, err := e.transition(ctx, j, delivery.StateAbandoned, reason, func(n *delivery.Job) {
			t := e.now()
			n.TerminalAt = &t
			n.FailureReason = reason
		})
		if out == delivery.Applied {
			done = j
		}
		return err
	})
	e.release(jobID)
	if err != nil {
		return err
	}
	if done != nil {
		e.publish(eventbus.JobAbandoned, AbandonEvent{JobID: done.ID, CycleID: done.CycleID, Reason: reason})
	}
	return nil
}
