package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"deliveryd/internal/dispatch"
)

type Config struct {
	// Timezone is an IANA name, e.g. "Asia/Kolkata". Empty means UTC.
	Timezone string
}

// Submitter runs scheduled jobs.
type Submitter interface {
	Submit(ctx context.Context, t dispatch.Task) error
}

// Job is one scheduled unit of work.
type Job func(ctx context.Context) error

type scheduleDef struct {
	name          string
	spec          string // cron spec or @every
	timeout       time.Duration
	job           Job
	entryID       cron.EntryID
	startupSpread time.Duration

	running atomic.Bool

	mu      sync.Mutex
	runs    uint64
	skipped uint64
	lastRun time.Time
	lastDur time.Duration
	lastErr string
}

type ScheduleInfo struct {
	Name      string        `json:"name"`
	Spec      string        `json:"spec"`
	Timeout   time.Duration `json:"timeout"`
	Next      time.Time     `json:"next"`
	Prev      time.Time     `json:"prev"`
	Runs      uint64        `json:"runs"`
	Skipped   uint64        `json:"skipped"`
	LastRun   time.Time     `json:"last_run"`
	LastDur   time.Duration `json:"last_duration"`
	LastError string        `json:"last_error,omitempty"`
	Running   bool          `json:"running"`
}

type Snapshot struct {
	Timezone  string         `json:"timezone"`
	Started   bool           `json:"started"`
	Schedules []ScheduleInfo `json:"schedules"`
}
