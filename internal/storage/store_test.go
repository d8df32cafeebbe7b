package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"deliveryd/internal/delivery"
	"deliveryd/pkg/logx"
)

func openDrivers(t *testing.T) map[string]Store {
	t.Helper()
	dir := t.TempDir()
	mem, err := Open(Config{Driver: "memory", AuditPath: filepath.Join(dir, "audit.jsonl")}, logx.Nop())
	if err != nil {
		t.Fatalf("open memory: %v", err)
	}
	lite, err := Open(Config{Driver: "sqlite", Path: filepath.Join(dir, "deliveryd.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() {
		_ = mem.Close()
		_ = lite.Close()
	})
	return map[string]Store{"memory": mem, "sqlite": lite}
}

func sampleJob(id, sub string) *delivery.Job {
	return &delivery.Job{
		ID:           id,
		CycleID:      "2026-10-16/c1",
		SubscriberID: sub,
		Phone:        "+910000000" + sub,
		Language:     "en_US",
		Tier:         delivery.TierPro,
		ContentID:    "c1",
		Category:     "daily_update",
		State:        delivery.StateQueued,
		MaxRetries:   3,
		CreatedAt:    time.Date(2026, 10, 16, 0, 30, 0, 0, time.UTC),
	}
}

func TestJobLifecycle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	for name, st := range openDrivers(t) {
		st := st
		t.Run(name, func(t *testing.T) {
			j := sampleJob("job-1", "s1")
			if err := st.CreateJob(ctx, j); err != nil {
				t.Fatalf("CreateJob: %v", err)
			}
			if err := st.CreateJob(ctx, sampleJob("job-2", "s1")); !errors.Is(err, ErrDuplicate) {
				t.Fatalf("second CreateJob err = %v, want ErrDuplicate", err)
			}

			j.State = delivery.StateSent
			j.Attempts = 1
			j.IdentityID = "primary_1"
			j.ProviderMessageID = "wamid.1"
			j.LastAttemptAt = j.CreatedAt.Add(time.Second)
			if err := st.UpdateJob(ctx, j); err != nil {
				t.Fatalf("UpdateJob: %v", err)
			}

			got, err := st.JobByProviderMessageID(ctx, "wamid.1")
			if err != nil {
				t.Fatalf("JobByProviderMessageID: %v", err)
			}
			if got.State != delivery.StateSent || got.Attempts != 1 || got.IdentityID != "primary_1" {
				t.Fatalf("unexpected job %+v", got)
			}
			if !got.LastAttemptAt.Equal(j.LastAttemptAt) {
				t.Fatalf("last attempt = %v, want %v", got.LastAttemptAt, j.LastAttemptAt)
			}

			bySub, err := st.JobForSubscriber(ctx, j.CycleID, "s1")
			if err != nil || bySub.ID != "job-1" {
				t.Fatalf("JobForSubscriber = %v, %v", bySub, err)
			}
			if _, err := st.GetJob(ctx, "missing"); !errors.Is(err, delivery.ErrNotFound) {
				t.Fatalf("GetJob missing err = %v", err)
			}

			stuck, err := st.ListJobs(ctx, JobFilter{
				CycleID:           j.CycleID,
				States:            []delivery.State{delivery.StateSent},
				LastAttemptBefore: j.CreatedAt.Add(time.Minute),
			})
			if err != nil || len(stuck) != 1 {
				t.Fatalf("ListJobs = %d, %v", len(stuck), err)
			}
		})
	}
}

func TestReferenceData(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	for name, st := range openDrivers(t) {
		st := st
		t.Run(name, func(t *testing.T) {
			out := time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC)
			subs := []delivery.Subscriber{
				{ID: "s1", Phone: "+911", Language: "en_US", Tier: delivery.TierPremium, Consent: true},
				{ID: "s2", Phone: "+912", Language: "hi_IN", Tier: delivery.TierBasic, Consent: false, OptedOutAt: &out},
			}
			for _, s := range subs {
				if err := st.UpsertSubscriber(ctx, s); err != nil {
					t.Fatalf("UpsertSubscriber: %v", err)
				}
			}
			list, err := st.ListSubscribers(ctx)
			if err != nil || len(list) != 2 {
				t.Fatalf("ListSubscribers = %v, %v", list, err)
			}
			s2, err := st.GetSubscriber(ctx, "s2")
			if err != nil || s2.Eligible() || s2.OptedOutAt == nil || !s2.OptedOutAt.Equal(out) {
				t.Fatalf("GetSubscriber s2 = %+v, %v", s2, err)
			}

			id := delivery.Identity{ID: "primary_1", PhoneNumberID: "1001", Role: delivery.RolePrimary, DailyCap: 100, PerSecond: 80, Enabled: true, Quality: 1, Rating: delivery.RatingHigh}
			if err := st.SaveIdentity(ctx, id); err != nil {
				t.Fatalf("SaveIdentity: %v", err)
			}
			id.Enabled = false
			id.DisabledReason = "block rate"
			if err := st.SaveIdentity(ctx, id); err != nil {
				t.Fatalf("SaveIdentity update: %v", err)
			}
			ids, err := st.ListIdentities(ctx)
			if err != nil || len(ids) != 1 || ids[0].Enabled || ids[0].DisabledReason != "block rate" {
				t.Fatalf("ListIdentities = %+v, %v", ids, err)
			}

			tpl := delivery.Template{ID: "t1", Name: "daily_update_v1", Category: "daily_update", Language: "en_US", Status: delivery.TemplateApproved, Priority: 1, Sends: 10, Blocks: 1}
			if err := st.SaveTemplate(ctx, tpl); err != nil {
				t.Fatalf("SaveTemplate: %v", err)
			}
			tpls, err := st.ListTemplates(ctx)
			if err != nil || len(tpls) != 1 || tpls[0].Blocks != 1 {
				t.Fatalf("ListTemplates = %+v, %v", tpls, err)
			}
		})
	}
}

func TestAuditAppendOnly(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	for name, st := range openDrivers(t) {
		st := st
		t.Run(name, func(t *testing.T) {
			steps := []delivery.State{delivery.StateQueued, delivery.StateDispatched, delivery.StateSent}
			for i := 1; i < len(steps); i++ {
				err := st.AppendAudit(ctx, delivery.AuditEntry{Kind: delivery.AuditTransition, JobID: "job-9", From: steps[i-1], To: steps[i], Attempt: 1})
				if err != nil {
					t.Fatalf("AppendAudit: %v", err)
				}
			}
			entries, err := st.ListAudit(ctx, "job-9")
			if err != nil || len(entries) != 2 {
				t.Fatalf("ListAudit = %v, %v", entries, err)
			}
			if entries[1].To != delivery.StateSent || entries[0].Time.IsZero() {
				t.Fatalf("unexpected order %+v", entries)
			}
		})
	}
}

func TestJournalReplay(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	st, err := OpenMemory(path, logx.Nop())
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	_ = st.AppendAudit(context.Background(), delivery.AuditEntry{Kind: delivery.AuditIdentity, IdentityID: "backup_1", Reason: "disabled", Actor: "admin"})
	if err := st.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	entries, err := ReadJournal(path)
	if err != nil || len(entries) != 1 || entries[0].IdentityID != "backup_1" {
		t.Fatalf("ReadJournal = %+v, %v", entries, err)
	}
}
