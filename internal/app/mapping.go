package app

import (
	"fmt"
	"os"
	"strings"
	"time"

	"anidbsync/internal/anidb"
	"anidbsync/internal/command"
	"anidbsync/internal/config"
	"anidbsync/internal/notify"
	"anidbsync/internal/observability/debughttp"
	"anidbsync/internal/queue"
	"anidbsync/internal/schedule"
	"anidbsync/internal/storage"
	logx "anidbsync/pkg/logx"
)

const defaultServer = "api.anidb.net:9000"

func mapLogging(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

// anidbSettings is the connection half of the anidb section.
type anidbSettings struct {
	Server    string
	LocalPort int
	Conn      anidb.Config
	Auth      anidb.Auth
}

func mapAniDB(cfg *config.Config) (anidbSettings, error) {
	a := cfg.AniDB
	out := anidbSettings{
		Server:    strings.TrimSpace(a.Server),
		LocalPort: a.LocalPort,
	}
	if out.Server == "" {
		out.Server = defaultServer
	}

	var err error
	c := &out.Conn
	if c.MinInterval, err = config.ParseDurationField("anidb.min_interval", a.MinInterval); err != nil {
		return out, err
	}
	if c.LongTermInterval, err = config.ParseDurationField("anidb.long_term_interval", a.LongTermInterval); err != nil {
		return out, err
	}
	if c.Timeout, err = config.ParseDurationField("anidb.timeout", a.Timeout); err != nil {
		return out, err
	}
	if c.BanPause, err = config.ParseDurationField("anidb.ban_pause", a.BanPause); err != nil {
		return out, err
	}
	if c.PauseBase, err = config.ParseDurationField("anidb.pause_base", a.PauseBase); err != nil {
		return out, err
	}
	if c.PauseMax, err = config.ParseDurationField("anidb.pause_max", a.PauseMax); err != nil {
		return out, err
	}
	if c.AuthPause, err = config.ParseDurationField("anidb.auth_pause", a.AuthPause); err != nil {
		return out, err
	}
	c.LongTermBurst = a.LongTermBurst
	c.Charset = mapCharset(a.Charset)

	password := a.Password
	if env := strings.TrimSpace(a.PasswordEnv); env != "" {
		v, ok := os.LookupEnv(env)
		if !ok || v == "" {
			return out, fmt.Errorf("anidb.password_env: %s is not set", env)
		}
		password = v
	}
	out.Auth = anidb.Auth{
		User:          strings.TrimSpace(a.User),
		Password:      password,
		Client:        strings.TrimSpace(a.Client),
		ClientVersion: a.ClientVersion,
		Charset:       c.Charset,
		Compression:   a.Compression,
	}
	return out, nil
}

func mapCharset(raw string) anidb.Charset {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "UTF16", "UTF-16":
		return anidb.CharsetUTF16
	default:
		return anidb.CharsetUTF8
	}
}

func mapQueue(cfg *config.Config) (queue.Config, error) {
	q := cfg.Queue
	out := queue.Config{
		RetryMax:    q.RetryMax,
		RetryJitter: q.RetryJitter,
		HistorySize: q.HistorySize,
	}
	if len(q.Classes) > 0 {
		out.Classes = make(map[command.Class]queue.ClassConfig, len(q.Classes))
		for name, cc := range q.Classes {
			out.Classes[command.Class(strings.ToLower(strings.TrimSpace(name)))] = queue.ClassConfig{
				Workers: cc.Workers,
				Paused:  cc.Paused,
			}
		}
	}
	var err error
	if out.RetryBase, err = config.ParseDurationField("queue.retry_base", q.RetryBase); err != nil {
		return out, err
	}
	if out.RetryMaxDelay, err = config.ParseDurationField("queue.retry_max_delay", q.RetryMaxDelay); err != nil {
		return out, err
	}
	if out.TaskTimeout, err = config.ParseDurationField("queue.task_timeout", q.TaskTimeout); err != nil {
		return out, err
	}
	if out.PollInterval, err = config.ParseDurationField("queue.poll_interval", q.PollInterval); err != nil {
		return out, err
	}
	return out, nil
}

func mapStorage(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)
	switch driver {
	case "", "sqlite", "sqlite3":
		if path == "" {
			path = "./data/anidbsync.db"
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, nil
	case "memory", "mem":
		return storage.Config{Driver: "memory"}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapNotify(cfg *config.Config) (notify.Config, error) {
	n := config.NotifyOrDefault(cfg)
	out := notify.Config{
		Enabled:    n.Enabled,
		Token:      strings.TrimSpace(n.TelegramToken),
		ChatID:     n.ChatID,
		ThreadID:   n.ThreadID,
		RatePerSec: n.RatePerSec,
		QueueSize:  n.QueueSize,
		RetryMax:   n.RetryMax,
	}
	var err error
	if out.RetryBase, err = config.ParseDurationField("notify.retry_base", n.RetryBase); err != nil {
		return out, err
	}
	if out.DedupWindow, err = config.ParseDurationOrDefault("notify.dedup_window", n.DedupWindow, 10*time.Minute); err != nil {
		return out, err
	}
	return out, nil
}

func mapSchedule(cfg *config.Config) schedule.Config {
	return schedule.Config{Timezone: strings.TrimSpace(cfg.Schedules.Timezone)}
}

func scanOnStart(cfg *config.Config) bool {
	if cfg.Schedules.ScanOnStart == nil {
		return true
	}
	return *cfg.Schedules.ScanOnStart
}

func mapDebug(cfg *config.Config) debughttp.Config {
	d := cfg.Debug
	return debughttp.Config{
		Enabled:       d.Enabled,
		Addr:          strings.TrimSpace(d.Addr),
		Token:         strings.TrimSpace(d.Token),
		AllowInsecure: d.AllowInsecure,
		Pprof:         d.Pprof,
	}
}
