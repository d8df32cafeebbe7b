package app

import (
	"context"
	"strings"
	"time"

	"deliveryd/internal/config"
	"deliveryd/internal/delivery"
	"deliveryd/pkg/logx"
)

const (
	scheduleCycle    = "cycle.daily"
	scheduleDayReset = "day.reset"
	scheduleWatchdog = "watchdog.sweep"
)

// scheduledContent is the content the daily trigger runs when nothing is
// pushed through the API. Its id is the lowercased category, so the cycle id
// for a day is stable across restarts.
func scheduledContent(cfg *config.Config) (delivery.Content, bool) {
	cat := strings.ToUpper(strings.TrimSpace(cfg.Cycle.Category))
	if cat == "" {
		return delivery.Content{}, false
	}
	return delivery.Content{
		ID:       strings.ToLower(cat),
		Category: cat,
		Language: orString(cfg.Cycle.Language, "en"),
	}, true
}

func (a *App) registerSchedules(cfg *config.Config) error {
	if content, ok := scheduledContent(cfg); ok {
		spec := orString(cfg.Cycle.Schedule, "daily:06:00")
		err := a.sched.Add(scheduleCycle, spec, 0, func(ctx context.Context) error {
			rep, err := a.eng.RunCycle(ctx, content)
			if err != nil {
				return err
			}
			a.log.Info("scheduled cycle dispatched", logx.Cycle(rep.CycleID), logx.Int("created", rep.Created))
			return nil
		})
		if err != nil {
			return err
		}
	} else {
		a.log.Info("cycle.category not set, daily cycles run only through POST /v1/cycles")
	}

	err := a.sched.Add(scheduleDayReset, "daily:00:00", 30*time.Second, func(context.Context) error {
		a.ids.ResetDay()
		a.eng.ResetDay()
		return nil
	})
	if err != nil {
		return err
	}

	every, _ := config.Duration("cycle.watchdog_interval", cfg.Cycle.WatchdogInterval, 30*time.Second)
	return a.sched.Add(scheduleWatchdog, "every:"+every.String(), time.Minute, func(ctx context.Context) error {
		rep, err := a.eng.Sweep(ctx)
		if err != nil {
			return err
		}
		if rep.Stuck > 0 || rep.Replanned > 0 {
			a.log.Info("watchdog sweep", logx.Int("stuck", rep.Stuck), logx.Int("replanned", rep.Replanned))
		}
		return nil
	})
}
