package config

import (
	"reflect"
	"strings"

	logx "anidbsync/pkg/logx"
)

// SummarizeChange lists the sections that differ between two configs plus
// log-safe fields describing the new values. Secrets are never included.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var (
		changed []string
		attrs   []logx.Field
	)

	oa, na := oldCfg.AniDB, newCfg.AniDB
	secretChanged := oa.Password != na.Password || oa.PasswordEnv != na.PasswordEnv
	oa.Password, na.Password, oa.PasswordEnv, na.PasswordEnv = "", "", "", ""
	if oa != na || secretChanged {
		changed = append(changed, "anidb")
		attrs = append(attrs,
			logx.String("anidb.server", strings.TrimSpace(na.Server)),
			logx.String("anidb.user", na.User),
			logx.Bool("anidb.password_changed", secretChanged),
			logx.String("anidb.min_interval", na.MinInterval),
		)
	}

	if !reflect.DeepEqual(oldCfg.Queue, newCfg.Queue) {
		changed = append(changed, "queue")
		attrs = append(attrs,
			logx.Int("queue.retry_max", newCfg.Queue.RetryMax),
			logx.String("queue.retry_base", newCfg.Queue.RetryBase),
			logx.Int("queue.classes", len(newCfg.Queue.Classes)),
		)
	}

	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", newCfg.Storage.Driver),
			logx.String("storage.path", newCfg.Storage.Path),
		)
	}

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Schedules, newCfg.Schedules) {
		changed = append(changed, "schedules")
		attrs = append(attrs,
			logx.String("schedules.timezone", newCfg.Schedules.Timezone),
			logx.String("schedules.keepalive", newCfg.Schedules.Keepalive),
			logx.String("schedules.scan_unlinked", newCfg.Schedules.ScanUnlinked),
		)
	}

	on, nn := NotifyOrDefault(oldCfg), NotifyOrDefault(newCfg)
	if on != nn {
		changed = append(changed, "notify")
		attrs = append(attrs,
			logx.Bool("notify.enabled", nn.Enabled),
			logx.Bool("notify.telegram", nn.TelegramToken != ""),
			logx.Bool("notify.token_changed", on.TelegramToken != nn.TelegramToken),
		)
	}
	od, nd := oldCfg.Debug, newCfg.Debug
	if od != nd {
		changed = append(changed, "debug")
		attrs = append(attrs,
			logx.Bool("debug.enabled", nd.Enabled),
			logx.String("debug.addr", nd.Addr),
			logx.Bool("debug.pprof", nd.Pprof),
			logx.Bool("debug.token_changed", od.Token != nd.Token),
		)
	}
	return changed, attrs
}

// NotifyOrDefault returns the notify section, enabled and log-only when the
// section is omitted.
func NotifyOrDefault(cfg *Config) NotifyConfig {
	if cfg == nil || cfg.Notify == nil {
		return NotifyConfig{Enabled: true}
	}
	return *cfg.Notify
}

// RestartRequired reports sections whose changes only apply after a restart.
func RestartRequired(changed []string) []string {
	var out []string
	for _, s := range changed {
		switch s {
		case "anidb", "storage":
			out = append(out, s)
		}
	}
	return out
}
