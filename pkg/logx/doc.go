// Package logx is deliveryd's structured logger, a thin layer over zerolog.
//
// Every component logs through a Logger derived from one Service. The
// Service owns the sinks (console, JSON lines, log file) and swaps them when
// the logging section of the config is reloaded. Job, cycle, identity and
// template ids go through the typed field helpers so log queries can rely on
// the same keys everywhere.
package logx
