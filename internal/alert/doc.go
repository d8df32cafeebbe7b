// Package alert fans operator alerts out to sinks.
//
// Alerts come from two places: domain events on the bus (SLA risk and
// violation, capacity shortage, missing templates, identity changes) and
// direct Notify calls. Delivery is asynchronous through a bounded queue with
// a shared rate limit, per-sink retries and a dedup window, so a burst of
// identical alerts during an incident reaches operators once.
package alert
