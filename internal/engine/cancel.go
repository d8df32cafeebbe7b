package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"deliveryd/internal/delivery"
	"deliveryd/internal/retry"
	"deliveryd/internal/storage"
	"deliveryd/pkg/logx"
)

// CancelReport lists what an opt-out did to the subscriber's open jobs.
type CancelReport struct {
	SubscriberID string   `json:"subscriber_id"`
	Cancelled    []string `json:"cancelled"`
	// InFlight jobs were already handed to the provider and cannot be recalled.
	InFlight []string `json:"in_flight"`
}

// OptOut withdraws a subscriber's consent and abandons every job of theirs
// that has not reached the provider yet.
func (e *Engine) OptOut(ctx context.Context, subscriberID, actor string) (CancelReport, error) {
	rep := CancelReport{SubscriberID: subscriberID}
	sub, err := e.store.GetSubscriber(ctx, subscriberID)
	if err != nil {
		return rep, err
	}
	if sub.OptedOutAt == nil {
		t := e.now()
		sub.OptedOutAt = &t
		if err := e.store.UpsertSubscriber(ctx, sub); err != nil {
			return rep, fmt.Errorf("save opt-out: %w", err)
		}
	}

	jobs, err := e.store.ListJobs(ctx, storage.JobFilter{SubscriberID: subscriberID})
	if err != nil {
		return rep, err
	}
	for _, j := range jobs {
		switch {
		case j.Terminal():
			continue
		case j.State == delivery.StateDispatched || j.State == delivery.StateSent:
			rep.InFlight = append(rep.InFlight, j.ID)
			continue
		}
		// Queued, or Failed with a retry pending.
		e.retry.Cancel(j.ID)
		if err := e.abandon(ctx, j.ID, "opted_out"); err != nil {
			e.log.Error("opt-out cancel failed", logx.Job(j.ID), logx.Err(err))
			continue
		}
		rep.Cancelled = append(rep.Cancelled, j.ID)
	}
	e.audit(ctx, delivery.AuditEntry{Kind: delivery.AuditOutcome, Reason: fmt.Sprintf("subscriber %s opted out, %d jobs cancelled", subscriberID, len(rep.Cancelled)), Actor: actor})
	e.log.Info("subscriber opted out", logx.String("subscriber", subscriberID), logx.Int("cancelled", len(rep.Cancelled)), logx.Int("in_flight", len(rep.InFlight)), logx.String("actor", actor))
	return rep, nil
}

// SweepReport summarizes one watchdog pass.
type SweepReport struct {
	Stuck     int `json:"stuck"`
	Replanned int `json:"replanned"`
}

// Sweep fails jobs stuck in Dispatched longer than the watchdog timeout
// (their outcome is unknown, so they are retried as transient failures) and
// replans queued jobs that hold no capacity.
func (e *Engine) Sweep(ctx context.Context) (SweepReport, error) {
	var rep SweepReport
	limit := time.Duration(e.cfg.WatchdogMultiple) * e.cfg.SendTimeout
	cutoff := e.now().Add(-limit)
	stuck, err := e.store.ListJobs(ctx, storage.JobFilter{States: []delivery.State{delivery.StateDispatched}, LastAttemptBefore: cutoff})
	if err != nil {
		return rep, err
	}
	cause := fmt.Errorf("%w: no provider response within %s", delivery.ErrTransientNetwork, limit)
	for _, s := range stuck {
		var failed *delivery.Job
		err := e.withJob(ctx, s.ID, func(j *delivery.Job) error {
			if j.State != delivery.StateDispatched || !j.LastAttemptAt.Before(cutoff) {
				return nil
			}
			out, err := e.transition(ctx, j, delivery.StateFailed, "watchdog_timeout", func(n *delivery.Job) {
				n.FailureReason = "watchdog_timeout"
				n.FailureCode = 0
			})
			if out == delivery.Applied {
				failed = j
			}
			return err
		})
		if err != nil {
			e.log.Error("watchdog transition failed", logx.Job(s.ID), logx.Err(err))
			continue
		}
		if failed == nil {
			continue
		}
		rep.Stuck++
		e.log.Warn("job stuck in dispatched", logx.Job(failed.ID), logx.Identity(failed.IdentityID), logx.Time("last_attempt", failed.LastAttemptAt))
		e.ids.RecordTransport(failed.IdentityID, true)
		if _, err := e.retry.Schedule(ctx, failed, cause); err != nil && !errors.Is(err, retry.ErrExhausted) {
			e.log.Error("retry scheduling failed", logx.Job(failed.ID), logx.Err(err))
		}
	}

	n, err := e.Replan(ctx)
	rep.Replanned = n
	if err != nil {
		return rep, fmt.Errorf("replan: %w", err)
	}
	return rep, nil
}
