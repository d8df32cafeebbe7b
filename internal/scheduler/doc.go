// Package scheduler fires the engine's periodic work on cron schedules in the
// delivery timezone: the daily cycle, the day reset, the watchdog sweep and
// SLA evaluation.
//
// The scheduler only triggers. Each run is submitted as a task to a dispatch
// pool, and a schedule whose previous run has not finished is skipped.
package scheduler
