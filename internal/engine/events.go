package engine

import "fmt"

// CycleEvent is published when a cycle starts and when it has been planned.
type CycleEvent struct {
	CycleID          string `json:"cycle_id"`
	Subscribers      int    `json:"subscribers"`
	Created          int    `json:"created"`
	Planned          int    `json:"planned"`
	Unplanned        int    `json:"unplanned"`
	Batches          int    `json:"batches"`
	SkippedNoConsent int    `json:"skipped_no_consent"`
	AlreadyDelivered int    `json:"already_delivered"`
}

func (c CycleEvent) String() string {
	return fmt.Sprintf("cycle %s: %d subscribers, %d jobs created, %d planned in %d batches, %d unplanned",
		c.CycleID, c.Subscribers, c.Created, c.Planned, c.Batches, c.Unplanned)
}

// CapacityEvent reports queued jobs no identity could take.
type CapacityEvent struct {
	CycleID string `json:"cycle_id"`
	Jobs    int    `json:"jobs"`
}

func (c CapacityEvent) String() string {
	return fmt.Sprintf("cycle %s: %d jobs left queued, no sending identity has capacity", c.CycleID, c.Jobs)
}

// TemplateEvent reports a (category, language) pair with no approved template.
type TemplateEvent struct {
	CycleID  string `json:"cycle_id"`
	Category string `json:"category"`
	Language string `json:"language"`
}

func (t TemplateEvent) String() string {
	return fmt.Sprintf("cycle %s: no approved template for %s/%s, jobs deferred", t.CycleID, t.Category, t.Language)
}

// AbandonEvent is published for every abandoned job.
type AbandonEvent struct {
	JobID   string `json:"job_id"`
	CycleID string `json:"cycle_id"`
	Reason  string `json:"reason"`
}

func (a AbandonEvent) String() string {
	return fmt.Sprintf("job %s (cycle %s) abandoned: %s", a.JobID, a.CycleID, a.Reason)
}
