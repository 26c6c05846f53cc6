package app

import (
	"context"
	"slices"
	"strings"
	"time"

	"anidbsync/internal/command"
	"anidbsync/internal/config"
	logx "anidbsync/pkg/logx"
)

// reloadLoop applies published configs until ctx ends. Sections that need a
// restart are reported and otherwise left alone.
func (a *App) reloadLoop(ctx context.Context, sub <-chan *config.Config) {
	last := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case next, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config.
			for drained := false; !drained; {
				select {
				case newer := <-sub:
					if newer != nil {
						next = newer
					}
				default:
					drained = true
				}
			}
			a.applyConfig(ctx, last, next)
			last = next
		}
	}
}

func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	sections, attrs := config.SummarizeChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	restart := config.RestartRequired(sections)
	if slices.Contains(restart, "anidb") && credentialsOnly(prev.AniDB, next.AniDB) {
		restart = slices.DeleteFunc(restart, func(s string) bool { return s == "anidb" })
	}
	if len(restart) > 0 {
		a.log.Warn("config changed; restart required for changes to take effect",
			logx.String("sections", strings.Join(restart, ",")))
	}

	for _, s := range sections {
		switch s {
		case "anidb":
			if !sameCredentials(prev.AniDB, next.AniDB) {
				a.applyCredentials(next)
			}
		case "logging":
			a.logs.Apply(mapLogging(next))
		case "queue":
			qc, err := mapQueue(next)
			if err != nil {
				a.log.Warn("invalid queue config; keeping previous", logx.Err(err))
				continue
			}
			a.queue.Apply(qc)
		case "schedules":
			a.sched.Apply(mapSchedule(next))
			if err := a.applySchedules(next); err != nil {
				a.log.Warn("invalid schedules; keeping previous", logx.Err(err))
			}
		case "notify":
			a.applyNotify(ctx, next)
		case "debug":
			a.debug.Reconfigure(a.sup.Context(), mapDebug(next))
		}
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config applied", fields...)
}

// credentialsOnly reports whether two anidb sections differ only in the
// login credentials.
func credentialsOnly(prev, next config.AniDBConfig) bool {
	prev.User, prev.Password, prev.PasswordEnv = "", "", ""
	next.User, next.Password, next.PasswordEnv = "", "", ""
	return prev == next
}

func sameCredentials(prev, next config.AniDBConfig) bool {
	return prev.User == next.User && prev.Password == next.Password && prev.PasswordEnv == next.PasswordEnv
}

// applyCredentials hands new login credentials to the client. If the old
// ones had been rejected, the anidb class resumes right away.
func (a *App) applyCredentials(next *config.Config) {
	as, err := mapAniDB(next)
	if err != nil {
		a.log.Warn("invalid anidb config; keeping previous credentials", logx.Err(err))
		return
	}
	if a.client.SetAuth(as.Auth) {
		a.queue.EndPauseWindow(command.ClassAniDB)
	}
}

// applyNotify swaps the notify service when the sender changes and applies
// delivery settings in place otherwise.
func (a *App) applyNotify(ctx context.Context, next *config.Config) {
	ncfg, err := mapNotify(next)
	if err != nil {
		a.log.Warn("invalid notify config; keeping previous", logx.Err(err))
		return
	}

	a.nmu.Lock()
	defer a.nmu.Unlock()
	prev := a.notifCfg
	sameSender := prev.Enabled == ncfg.Enabled &&
		prev.Token == ncfg.Token &&
		prev.ChatID == ncfg.ChatID &&
		prev.ThreadID == ncfg.ThreadID
	if sameSender {
		a.notif.Apply(ncfg)
		a.notifCfg = ncfg
		return
	}

	svc, err := a.newNotifier(ncfg)
	if err != nil {
		a.log.Warn("notify sender not rebuilt; keeping previous", logx.Err(err))
		return
	}
	stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	a.notif.Stop(stopCtx)
	cancel()
	a.notif, a.notifCfg = svc, ncfg
	a.notif.Start(a.svcCtx)
	a.log.Info("notify restarted", logx.Bool("enabled", ncfg.Enabled), logx.Bool("telegram", ncfg.Token != ""))
}
