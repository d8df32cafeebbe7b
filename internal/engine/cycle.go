package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"deliveryd/internal/delivery"
	"deliveryd/internal/dispatch"
	"deliveryd/internal/eventbus"
	"deliveryd/internal/storage"
	"deliveryd/pkg/logx"
)

// RunCycle creates the jobs of content's cycle for every consenting
// subscriber and dispatches them. Running the same cycle again only plans
// jobs still queued; delivered subscribers are never sent to twice.
func (e *Engine) RunCycle(ctx context.Context, content delivery.Content) (CycleEvent, error) {
	if strings.TrimSpace(content.ID) == "" {
		return CycleEvent{}, errors.New("content id is empty")
	}
	c, fresh := e.startCycle(ctx, content)
	rep := CycleEvent{CycleID: c.ID}
	if fresh {
		e.publish(eventbus.CycleStarted, rep)
	}

	subs, err := e.store.ListSubscribers(ctx)
	if err != nil {
		return rep, fmt.Errorf("list subscribers: %w", err)
	}
	rep.Subscribers = len(subs)

	var queued []*delivery.Job
	for _, s := range subs {
		j, created, err := e.CreateJob(ctx, c, s.ID)
		switch {
		case errors.Is(err, delivery.ErrNoConsent):
			rep.SkippedNoConsent++
			continue
		case errors.Is(err, delivery.ErrAlreadyDelivered):
			rep.AlreadyDelivered++
			if fresh {
				e.rehydrate(j)
			}
			continue
		case err != nil:
			// One bad row never aborts the cycle.
			e.log.Error("job creation failed", logx.Cycle(c.ID), logx.String("subscriber", s.ID), logx.Err(err))
			continue
		}
		if created {
			rep.Created++
		} else if fresh {
			e.rehydrate(j)
		}
		if j.State == delivery.StateQueued && !e.isOwned(j.ID) {
			queued = append(queued, j)
		}
	}

	planned, unplanned, batches := e.dispatch(ctx, c, queued)
	rep.Planned, rep.Unplanned, rep.Batches = planned, unplanned, batches
	e.publish(eventbus.CyclePlanned, rep)
	e.log.Info("cycle planned",
		logx.Cycle(c.ID),
		logx.Int("subscribers", rep.Subscribers),
		logx.Int("created", rep.Created),
		logx.Int("planned", planned),
		logx.Int("unplanned", unplanned),
		logx.Int("batches", batches),
		logx.Int("no_consent", rep.SkippedNoConsent),
		logx.Int("already_delivered", rep.AlreadyDelivered),
	)
	return rep, nil
}

func (e *Engine) startCycle(ctx context.Context, content delivery.Content) (delivery.Cycle, bool) {
	now := e.now()
	id := delivery.CycleID(now.In(e.cfg.Location), content.ID)

	e.mu.Lock()
	c, ok := e.cycles[id]
	if !ok {
		c = delivery.Cycle{ID: id, Content: content, Start: now, Cutoff: now.Add(e.cfg.Window)}
		e.cycles[id] = c
	}
	e.mu.Unlock()
	if ok {
		return c, false
	}

	if e.sla != nil {
		e.sla.StartCycle(c)
	}
	if e.tpl != nil {
		e.tpl.ResetCycle(ctx)
	}
	if e.qual != nil {
		e.qual.ResetCycle()
	}
	return c, true
}

// rehydrate counts a job that existed before this process saw its cycle.
func (e *Engine) rehydrate(j *delivery.Job) {
	if e.sla == nil || j == nil {
		return
	}
	e.sla.JobCreated(j)
	if j.State != delivery.StateQueued {
		e.sla.Observe(j, delivery.StateQueued, j.State)
	}
}

// CreateJob returns the job of subscriberID in cycle c, creating it when
// absent. Consent is re-read from the store at this point. The returned bool
// reports whether the job was created by this call.
func (e *Engine) CreateJob(ctx context.Context, c delivery.Cycle, subscriberID string) (*delivery.Job, bool, error) {
	sub, err := e.store.GetSubscriber(ctx, subscriberID)
	if err != nil {
		return nil, false, err
	}
	existing, err := e.store.JobForSubscriber(ctx, c.ID, sub.ID)
	switch {
	case err == nil:
		return e.existing(ctx, existing, sub)
	case !errors.Is(err, delivery.ErrNotFound):
		return nil, false, err
	}
	if !sub.Eligible() {
		return nil, false, delivery.ErrNoConsent
	}

	lang := sub.Language
	if lang == "" {
		lang = c.Content.Language
	}
	if lang == "" {
		lang = e.cfg.DefaultLanguage
	}
	now := e.now()
	j := &delivery.Job{
		ID:           uuid.NewString(),
		CycleID:      c.ID,
		SubscriberID: sub.ID,
		Phone:        sub.Phone,
		Language:     lang,
		Tier:         sub.Tier,
		ContentID:    c.Content.ID,
		Category:     c.Content.Category,
		State:        delivery.StateQueued,
		MaxRetries:   e.retry.Policy().MaxRetriesFor(sub.Tier),
		CreatedAt:    now,
	}
	if err := e.store.CreateJob(ctx, j); err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			// Lost a race with a concurrent run of the same cycle.
			if existing, gerr := e.store.JobForSubscriber(ctx, c.ID, sub.ID); gerr == nil {
				return e.existing(ctx, existing, sub)
			}
		}
		return nil, false, err
	}
	e.audit(ctx, delivery.AuditEntry{Time: now, Kind: delivery.AuditTransition, JobID: j.ID, CycleID: c.ID, To: delivery.StateQueued, Reason: "created"})
	if e.sla != nil {
		e.sla.JobCreated(j)
	}
	return j, true, nil
}

// existing re-checks consent for a job created by an earlier run. Work that
// has not reached the provider is abandoned once consent is gone.
func (e *Engine) existing(ctx context.Context, j *delivery.Job, sub delivery.Subscriber) (*delivery.Job, bool, error) {
	if j.State.IsSuccess() {
		return j, false, delivery.ErrAlreadyDelivered
	}
	if sub.Eligible() {
		return j, false, nil
	}
	if !j.Terminal() && (j.State == delivery.StateQueued || j.State == delivery.StateFailed) {
		e.retry.Cancel(j.ID)
		if err := e.abandon(ctx, j.ID, "opted_out"); err != nil {
			return j, false, err
		}
	}
	return j, false, delivery.ErrNoConsent
}

// dispatch plans queued jobs and submits the batches. Jobs the planner could
// not place stay Queued for the next sweep.
func (e *Engine) dispatch(ctx context.Context, c delivery.Cycle, jobs []*delivery.Job) (planned, unplanned, batches int) {
	if len(jobs) == 0 {
		return 0, 0, 0
	}
	res, err := e.plan.Plan(c.ID, jobs)
	if err != nil && !errors.Is(err, delivery.ErrCapacityExhausted) {
		e.log.Error("planning failed", logx.Cycle(c.ID), logx.Err(err))
		return 0, len(jobs), 0
	}
	if n := len(res.Unplanned); n > 0 {
		e.log.Warn("capacity exhausted", logx.Cycle(c.ID), logx.Int("unplanned", n))
		e.publish(eventbus.CapacityShortage, CapacityEvent{CycleID: c.ID, Jobs: n})
	}

	start := e.now()
	for _, b := range res.Batches {
		for _, j := range b.Jobs {
			e.own(j.ID, b.IdentityID)
		}
		e.audit(ctx, delivery.AuditEntry{
			Kind:       delivery.AuditBatch,
			CycleID:    c.ID,
			IdentityID: b.IdentityID,
			Attempt:    b.Index,
			Reason:     fmt.Sprintf("%d jobs at +%s", len(b.Jobs), b.Offset),
		})
		if err := e.pools.Batch.Submit(ctx, e.batchTask(start, b)); err != nil {
			e.log.Error("batch submit failed", logx.Cycle(c.ID), logx.Identity(b.IdentityID), logx.Int("batch", b.Index), logx.Err(err))
			for _, j := range b.Jobs {
				e.release(j.ID)
			}
			unplanned += len(b.Jobs)
			continue
		}
		planned += len(b.Jobs)
		batches++
	}
	return planned, unplanned + len(res.Unplanned), batches
}

// batchTask waits for the batch's offset, then feeds its jobs in order into
// the bulk pool.
func (e *Engine) batchTask(start time.Time, b delivery.Batch) dispatch.Task {
	ids := make([]string, len(b.Jobs))
	for i, j := range b.Jobs {
		ids[i] = j.ID
	}
	return dispatch.Task{
		ID:   fmt.Sprintf("batch/%s/%s/%d", b.CycleID, b.IdentityID, b.Index),
		Name: "batch",
		Run: func(ctx context.Context) error {
			if wait := start.Add(b.Offset).Sub(e.now()); wait > 0 {
				t := time.NewTimer(wait)
				select {
				case <-ctx.Done():
					t.Stop()
					e.releaseAll(ids)
					return ctx.Err()
				case <-t.C:
				}
			}
			for i, id := range ids {
				if err := e.pools.Bulk.Submit(ctx, e.sendTask(id)); err != nil {
					e.releaseAll(ids[i:])
					return fmt.Errorf("feed bulk pool: %w", err)
				}
			}
			return nil
		},
	}
}

func (e *Engine) releaseAll(ids []string) {
	for _, id := range ids {
		e.release(id)
	}
}

func (e *Engine) sendTask(jobID string) dispatch.Task {
	return dispatch.Task{
		ID:   "send/" + jobID,
		Name: "send",
		Run: func(ctx context.Context) error {
			return e.sendOne(ctx, jobID)
		},
	}
}

// Replan dispatches queued jobs of known cycles that hold no capacity: jobs
// left over by a capacity shortage, a deferred template or a paused identity.
func (e *Engine) Replan(ctx context.Context) (int, error) {
	total := 0
	for _, c := range e.Cycles() {
		jobs, err := e.store.ListJobs(ctx, storage.JobFilter{CycleID: c.ID, States: []delivery.State{delivery.StateQueued}})
		if err != nil {
			return total, err
		}
		var todo []*delivery.Job
		for _, j := range jobs {
			if e.isOwned(j.ID) {
				continue
			}
			if _, err := e.tpl.Select(j.Category, j.Language); err != nil {
				continue
			}
			todo = append(todo, j)
		}
		if len(todo) == 0 {
			continue
		}
		planned, unplanned, _ := e.dispatch(ctx, c, todo)
		e.log.Info("replanned queued jobs", logx.Cycle(c.ID), logx.Int("planned", planned), logx.Int("unplanned", unplanned))
		total += planned
	}
	return total, nil
}
