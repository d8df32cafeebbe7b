package alert

import (
	"context"
	"strings"
	"time"
)

type Severity int

const (
	Info Severity = iota
	Warning
	Critical
)

func (s Severity) String() string {
	switch s {
	case Critical:
		return "critical"
	case Warning:
		return "warning"
	default:
		return "info"
	}
}

func ParseSeverity(s string) Severity {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "critical", "crit":
		return Critical
	case "warning", "warn":
		return Warning
	default:
		return Info
	}
}

type Alert struct {
	Kind     string    `json:"kind"`
	Severity Severity  `json:"-"`
	Level    string    `json:"severity"`
	Title    string    `json:"title"`
	Text     string    `json:"text"`
	At       time.Time `json:"at"`
	// Key collapses repeats inside the dedup window. Empty means Kind+Text.
	Key string `json:"-"`
}

// Sink delivers one alert somewhere operators look.
type Sink interface {
	Name() string
	Send(ctx context.Context, a Alert) error
}

type Config struct {
	Enabled         bool
	MinSeverity     Severity
	Workers         int
	QueueSize       int
	RatePerSec      int
	RetryMax        int
	RetryBase       time.Duration
	RetryMaxDelay   time.Duration
	DedupWindow     time.Duration
	DedupMaxEntries int
	SendTimeout     time.Duration
}

// Stats counts alert outcomes since start.
type Stats struct {
	Queued     uint64 `json:"queued"`
	Sent       uint64 `json:"sent"`
	Deduped    uint64 `json:"deduped"`
	Dropped    uint64 `json:"dropped"`
	Failed     uint64 `json:"failed"`
	Suppressed uint64 `json:"suppressed"`
}
