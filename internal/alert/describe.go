package alert

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"

	"deliveryd/internal/delivery"
	"deliveryd/internal/dispatch"
	"deliveryd/internal/eventbus"
	"deliveryd/internal/retry"
	"deliveryd/internal/sla"
	"deliveryd/internal/template"
)

// FromEvent turns a bus event into an alert. Events that operators do not
// need to see return false.
func FromEvent(ev eventbus.Event) (Alert, bool) {
	a := Alert{Kind: ev.Type, At: ev.Time}
	if a.At.IsZero() {
		a.At = time.Now()
	}
	switch d := ev.Data.(type) {
	case sla.Alert:
		pct := fmt.Sprintf("%.2f%%", d.Rate*100)
		target := fmt.Sprintf("%.2f%%", d.Target*100)
		if ev.Type == eventbus.SLAViolation {
			a.Severity = Critical
			a.Title = "SLA violated"
			a.Text = fmt.Sprintf("cycle %s delivered %s at cutoff (%s of %s), target %s",
				d.CycleID, pct, humanize.Comma(d.Delivered), humanize.Comma(d.Scheduled), target)
		} else {
			a.Severity = Warning
			a.Title = "SLA at risk"
			a.Text = fmt.Sprintf("cycle %s running at %s (%s of %s delivered), target %s, cutoff %s",
				d.CycleID, pct, humanize.Comma(d.Delivered), humanize.Comma(d.Scheduled), target, humanize.Time(d.Cutoff))
		}
		a.Key = ev.Type + "/" + d.CycleID
	case retry.Risk:
		a.Severity = Warning
		a.Title = "retries exhausted"
		a.Text = fmt.Sprintf("job %s abandoned after %d attempts (%s)", d.JobID, d.Attempts, d.Reason)
		// One per cycle inside the dedup window; the rest show up in stats.
		a.Key = "retry.exhausted/" + d.CycleID
	case template.Rotation:
		a.Severity = Info
		a.Title = "template rotated"
		a.Text = fmt.Sprintf("%s (%s/%s) rotated out by %s: %s", d.TemplateID, d.Category, d.Language, d.Actor, d.Reason)
	case delivery.Identity:
		switch ev.Type {
		case eventbus.IdentityDisabled:
			a.Severity = Warning
			a.Title = "identity disabled"
		case eventbus.IdentityDemoted:
			a.Severity = Warning
			a.Title = "identity demoted"
		default:
			a.Severity = Info
			a.Title = "identity enabled"
		}
		a.Text = fmt.Sprintf("%s role=%s quality=%.3f (%s) sent today %s of %s",
			d.ID, d.Role, d.Quality, d.Rating, humanize.Comma(d.SentToday), humanize.Comma(d.DailyCap))
		if d.DisabledReason != "" {
			a.Text += ": " + d.DisabledReason
		}
	case dispatch.TaskEvent:
		a.Severity = Warning
		a.Title = "dispatch task failed"
		a.Text = fmt.Sprintf("pool %s task %s failed after %s: %s", d.Pool, d.Name, d.Duration.Round(time.Millisecond), d.Error)
		a.Key = ev.Type + "/" + d.Pool + "/" + d.Name
	case fmt.Stringer:
		a.Text = d.String()
		switch ev.Type {
		case eventbus.CapacityShortage:
			a.Severity, a.Title = Critical, "sending capacity exhausted"
		case eventbus.NoTemplate:
			a.Severity, a.Title = Critical, "no approved template"
		case eventbus.CycleStarted:
			a.Severity, a.Title = Info, "cycle started"
		case eventbus.CyclePlanned:
			a.Severity, a.Title = Info, "cycle planned"
		default:
			a.Severity, a.Title = Info, ev.Type
		}
	default:
		return Alert{}, false
	}
	a.Level = a.Severity.String()
	return a, true
}

// Format renders a as plain text for chat sinks.
func Format(a Alert) string {
	prefix := ""
	switch a.Severity {
	case Critical:
		prefix = "🚨 "
	case Warning:
		prefix = "⚠️ "
	}
	return fmt.Sprintf("%s[%s] %s\n%s", prefix, a.Severity, a.Title, a.Text)
}
