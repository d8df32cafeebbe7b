package dispatch

import (
	"context"
	"time"
)

// Config sizes one pool.
type Config struct {
	Name      string
	Workers   int
	QueueSize int
	// RatePerSec throttles how fast workers pick up tasks. 0 = unlimited.
	RatePerSec int
	// Timeout bounds a single task run. 0 = no bound beyond the pool context.
	Timeout time.Duration
}

// Task is a unit of work run by a pool worker.
type Task struct {
	ID   string
	Name string
	Run  func(ctx context.Context) error
}

// Snapshot is a point-in-time view of one pool.
type Snapshot struct {
	Name      string `json:"name"`
	Workers   int    `json:"workers"`
	QueueLen  int    `json:"queue_len"`
	QueueCap  int    `json:"queue_cap"`
	InFlight  int    `json:"in_flight"`
	Completed uint64 `json:"completed"`
	Failed    uint64 `json:"failed"`
	Dropped   uint64 `json:"dropped"`
	Panics    uint64 `json:"panics"`
}

// TaskEvent is published on the bus when a task fails.
type TaskEvent struct {
	Pool     string        `json:"pool"`
	ID       string        `json:"id"`
	Name     string        `json:"name"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}
