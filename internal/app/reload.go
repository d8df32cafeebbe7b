package app

import (
	"context"
	"strings"

	"deliveryd/internal/config"
	"deliveryd/internal/eventbus"
	"deliveryd/pkg/logx"
)

// reloadLoop applies each accepted config change. Hot sections (log sinks,
// alert sinks, SLA thresholds, pprof) are swapped in place. Cold sections
// are logged; running components keep the config they were built with.
func (a *App) reloadLoop(c context.Context) {
	for {
		select {
		case <-c.Done():
			return
		case ch := <-a.cfgm.Changes():
			a.applyReload(c, ch)
		}
	}
}

// ReloadConfig re-reads the config file now, as on SIGHUP.
func (a *App) ReloadConfig() error {
	ch, err := a.cfgm.Reload()
	if err != nil {
		a.log.Warn("config reload rejected", logx.Err(err))
		return err
	}
	if ch.Empty() {
		a.log.Info("config reloaded (no changes)")
	}
	return nil
}

func (a *App) applyReload(c context.Context, ch config.Change) {
	next := ch.Next
	if ch.Has("logging") {
		a.logs.Apply(mapLogging(next))
	}
	if ch.Has("alerts") {
		if acfg, sinks, err := mapAlertConfig(next, a.log); err != nil {
			a.log.Warn("invalid alerts config; keeping previous", logx.Err(err))
		} else {
			a.alerts.Apply(acfg, sinks)
		}
	}
	if ch.Has("sla") {
		if scfg, _, err := mapSLAConfig(next); err != nil {
			a.log.Warn("invalid sla config; keeping previous", logx.Err(err))
		} else {
			a.sla.SetConfig(scfg)
		}
	}
	if ch.Has("pprof") {
		if ppc, err := mapPprofConfig(next); err != nil {
			a.log.Warn("invalid pprof config; keeping previous", logx.Err(err))
		} else {
			a.pprof.Reconfigure(c, ppc)
		}
	}

	if len(ch.Cold) > 0 {
		a.log.Warn("config sections changed that need a restart", logx.String("sections", strings.Join(ch.Cold, ",")))
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(ch.Sections, ","))}, ch.Fields...)
	a.log.Info("config reloaded", fields...)
	a.bus.Publish(eventbus.Event{Type: eventbus.ConfigReloaded, Data: ch.Sections})
}
