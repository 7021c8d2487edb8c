package app

import (
	"context"
	"strings"

	"tempo/internal/config"
	logx "tempo/pkg/logx"
)

// reloadLoop applies published configs until ctx is done. Bursts are
// coalesced to the newest config.
func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
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
			a.apply(lastApplied, newCfg)
			lastApplied = newCfg
		}
	}
}

// apply makes the live-applicable parts of newCfg effective: logging, routes
// and rhythm definitions. Other sections take effect on restart.
func (a *App) apply(oldCfg, newCfg *config.Config) {
	sections, attrs, rhythms := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Debug("config reload received, but no effective changes detected")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config change summary", fields...)
	if !config.Live(sections) {
		a.log.Warn("some config changes need a restart to take effect", logx.Strings("sections", sections))
	}

	if err := a.logs.Apply(mapLogConfig(newCfg)); err != nil {
		a.log.Error("log file unavailable, using console", logx.Err(err))
	}

	if oldCfg != nil {
		for kind := range oldCfg.Routes {
			if _, ok := newCfg.Routes[kind]; !ok {
				a.node.SetRoute(kind, "")
			}
		}
	}
	for kind, target := range newCfg.Routes {
		a.node.SetRoute(kind, target)
	}

	if len(rhythms) == 0 {
		return
	}
	defs := make(map[string]config.RhythmConfig, len(newCfg.Rhythms))
	for _, r := range newCfg.Rhythms {
		defs[r.Name] = r
	}
	for _, name := range rhythms {
		r, ok := defs[name]
		if !ok {
			if a.node.Rhythms().Remove(name) {
				a.log.Info("rhythm removed", logx.String("rhythm", name))
			}
			continue
		}
		def, err := mapRhythmDef(r)
		if err != nil {
			a.log.Warn("rhythm config invalid; keeping previous", logx.String("rhythm", name), logx.Err(err))
			continue
		}
		if err := a.node.AddRhythm(def); err != nil {
			a.log.Warn("rhythm update failed", logx.String("rhythm", name), logx.Err(err))
			continue
		}
		a.log.Info("rhythm applied", logx.String("rhythm", name), logx.String("schedule", def.Schedule))
	}
}
