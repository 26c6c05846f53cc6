package config

// Config is the daemon configuration file, JSON or YAML.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	AniDB     AniDBConfig     `json:"anidb"`
	Queue     QueueConfig     `json:"queue"`
	Storage   StorageConfig   `json:"storage"`
	Logging   LoggingConfig   `json:"logging"`
	Schedules SchedulesConfig `json:"schedules"`
	Notify    *NotifyConfig   `json:"notify,omitempty"`
	Debug     DebugConfig     `json:"debug"`
}

// AniDBConfig controls the UDP API connection.
//
// Defaults (when fields are omitted/zero):
//   - server: "api.anidb.net:9000"
//   - local_port: 0 (ephemeral; set a fixed port behind NAT port forwards)
//   - min_interval: "2s"
//   - long_term_interval: "0s" (disabled), long_term_burst: 60
//   - timeout: "20s"
//   - ban_pause: "30m", pause_base: "30s", pause_max: "30m"
//   - auth_pause: "6h" (after a rejected login; new credentials lift it)
//   - charset: "UTF8"
type AniDBConfig struct {
	Server    string `json:"server,omitempty"`
	LocalPort int    `json:"local_port,omitempty"`

	User     string `json:"user"`
	Password string `json:"password"` // never logged
	// PasswordEnv names an environment variable holding the password.
	PasswordEnv   string `json:"password_env,omitempty"`
	Client        string `json:"client"`
	ClientVersion int    `json:"client_version"`
	Charset       string `json:"charset,omitempty"`
	Compression   bool   `json:"compression,omitempty"`

	MinInterval      string `json:"min_interval,omitempty"`
	LongTermInterval string `json:"long_term_interval,omitempty"`
	LongTermBurst    int    `json:"long_term_burst,omitempty"`
	Timeout          string `json:"timeout,omitempty"`
	BanPause         string `json:"ban_pause,omitempty"`
	PauseBase        string `json:"pause_base,omitempty"`
	PauseMax         string `json:"pause_max,omitempty"`
	AuthPause        string `json:"auth_pause,omitempty"`
}

// QueueConfig controls the durable command queue.
//
// Defaults: retry_max 5, retry_base "30s", retry_max_delay "1h",
// retry_jitter 0.2, task_timeout "30m", poll_interval "5s", history_size 200.
// The anidb class always runs a single worker.
type QueueConfig struct {
	Classes map[string]QueueClassConfig `json:"classes,omitempty"`

	RetryMax      int     `json:"retry_max,omitempty"`
	RetryBase     string  `json:"retry_base,omitempty"`
	RetryMaxDelay string  `json:"retry_max_delay,omitempty"`
	RetryJitter   float64 `json:"retry_jitter,omitempty"`
	TaskTimeout   string  `json:"task_timeout,omitempty"`
	PollInterval  string  `json:"poll_interval,omitempty"`
	HistorySize   int     `json:"history_size,omitempty"`
}

type QueueClassConfig struct {
	Workers int  `json:"workers,omitempty"`
	Paused  bool `json:"paused,omitempty"`
}

// StorageConfig selects the record and media store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/anidbsync.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// SchedulesConfig controls periodic commands. Formats: cron ("0 */6 * * *"),
// duration ("5m") or HH:MM interval; "off" disables a trigger.
//
// Defaults: keepalive "5m", scan_unlinked "1h", scan_batch 500.
type SchedulesConfig struct {
	Timezone     string `json:"timezone,omitempty"`
	Keepalive    string `json:"keepalive,omitempty"`
	ScanUnlinked string `json:"scan_unlinked,omitempty"`
	ScanBatch    int    `json:"scan_batch,omitempty"`
	// ScanOnStart queues a ScanUnlinked run at startup (default true).
	ScanOnStart *bool `json:"scan_on_start,omitempty"`
}

// NotifyConfig controls operator notices. Without a telegram token notices
// are only logged.
type NotifyConfig struct {
	Enabled       bool   `json:"enabled"`
	TelegramToken string `json:"telegram_token,omitempty"` // never logged
	ChatID        int64  `json:"chat_id,omitempty"`
	ThreadID      int    `json:"thread_id,omitempty"`
	RatePerSec    int    `json:"rate_per_sec,omitempty"`
	QueueSize     int    `json:"queue_size,omitempty"`
	RetryMax      int    `json:"retry_max,omitempty"`
	RetryBase     string `json:"retry_base,omitempty"`
	DedupWindow   string `json:"dedup_window,omitempty"`
}

// DebugConfig controls the local HTTP listener for /healthz, /status and
// pprof. Default addr "127.0.0.1:6061"; other hosts need a token or
// allow_insecure.
type DebugConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"` // never logged
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`
}
