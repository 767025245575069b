package app

import (
	"context"
	"strings"
	"time"

	"threadcast/internal/alert"
	"threadcast/internal/broadcast"
	"threadcast/internal/config"
	rtsup "threadcast/internal/runtime/supervisor"
	"threadcast/internal/trigger"
	logx "threadcast/pkg/logx"
)

// reloadLoop applies committed configs. Sections that need a restart are
// only reported.
func (a *App) reloadLoop(ctx context.Context) {
	sub := a.cfgm.Subscribe(8)
	defer a.cfgm.Unsubscribe(sub)
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config.
		drain:
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					break drain
				}
			}
			a.applyConfig(ctx, lastApplied, newCfg)
			lastApplied = newCfg
		}
	}
}

func (a *App) applyConfig(ctx context.Context, old, cfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(old, cfg)
	if len(sections) == 0 {
		a.log.Debug("config reload received, but no effective changes detected")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config changed", fields...)
	if restart := config.RestartRequired(sections); len(restart) > 0 {
		a.log.Warn("restart required for some config changes", logx.String("sections", strings.Join(restart, ",")))
	}

	a.logs.Apply(mapLogging(cfg))

	// validateRuntime already accepted cfg, so mapping errors are not expected.
	if bc, err := mapBroadcast(cfg); err == nil {
		a.engine.Apply(bc)
	} else {
		a.log.Warn("invalid broadcast config; keeping previous", logx.Err(err))
	}
	if dc, err := mapDispatch(cfg); err == nil {
		a.dispatch.Apply(dc)
	} else {
		a.log.Warn("invalid dispatch config; keeping previous", logx.Err(err))
	}
	if tc, err := mapTrigger(cfg); err != nil {
		a.log.Warn("invalid trigger config; keeping previous", logx.Err(err))
	} else if err := a.trigger.Apply(tc); err != nil {
		a.log.Warn("trigger apply failed", logx.Err(err))
	}
	if ac, err := mapAlerts(cfg); err != nil {
		a.log.Warn("invalid alerts config; keeping previous", logx.Err(err))
	} else {
		a.alerts.Apply(ac)
		switch {
		case ac.Enabled && !a.alerts.Running():
			a.alerts.Start(a.sup.Context())
		case !ac.Enabled && a.alerts.Running():
			sctx, cancel := context.WithTimeout(ctx, 2*time.Second)
			a.alerts.Stop(sctx)
			cancel()
		}
	}
}

// Status is the payload of GET /api/status.
type Status struct {
	Version   string               `json:"version"`
	StartedAt time.Time            `json:"startedAt"`
	Uptime    string               `json:"uptime"`
	Trigger   trigger.Status       `json:"trigger"`
	Running   []broadcast.Progress `json:"running"`
	Alerts    alert.Counters       `json:"alerts"`
	Dropped   uint64               `json:"eventsDropped"`
	Tasks     []rtsup.Stats        `json:"tasks"`
	HTTPTasks []rtsup.Stats        `json:"httpTasks,omitempty"`
}

func (a *App) status(context.Context) any {
	st := Status{
		Version:   a.version,
		StartedAt: a.startedAt,
		Uptime:    time.Since(a.startedAt).Round(time.Second).String(),
		Trigger:   a.trigger.Status(),
		Running:   a.engine.Running(),
		Alerts:    a.alerts.Counters(),
		Dropped:   a.bus.Dropped(),
	}
	if st.Running == nil {
		st.Running = []broadcast.Progress{}
	}
	if a.sup != nil {
		st.Tasks = a.sup.Snapshot()
	}
	if sup := a.api.Supervisor(); sup != nil {
		st.HTTPTasks = sup.Snapshot()
	}
	return st
}
