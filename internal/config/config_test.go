package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	logx "anidbsync/pkg/logx"
)

const validYAML = `
anidb:
  user: alice
  password: secret
  client: anidbsync
  client_version: 1
  min_interval: 4s
queue:
  retry_max: 3
  classes:
    general:
      workers: 4
storage:
  driver: sqlite
  path: ./data/anidbsync.db
logging:
  level: debug
  console: true
schedules:
  keepalive: 5m
  scan_unlinked: "0 */6 * * *"
`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	return path
}

func TestParseYAMLAndJSON(t *testing.T) {
	t.Parallel()

	cfg, err := ParseFile(writeFile(t, "c.yaml", validYAML))
	if err != nil {
		t.Fatalf("ParseFile yaml: %v", err)
	}
	if cfg.AniDB.User != "alice" || cfg.Queue.Classes["general"].Workers != 4 || cfg.Schedules.Keepalive != "5m" {
		t.Fatalf("yaml config = %+v", cfg)
	}
	if err := Validate(cfg); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	js := `{"anidb":{"user":"a","password":"p","client":"c","client_version":2},"storage":{"driver":"memory","path":""},"logging":{"level":"info","console":true,"file":{"enabled":false,"path":""}},"queue":{},"schedules":{}}`
	cfg, err = ParseFile(writeFile(t, "c.json", js))
	if err != nil || cfg.AniDB.ClientVersion != 2 {
		t.Fatalf("ParseFile json = %+v, %v", cfg, err)
	}
}

func TestParseRejectsUnknownAndTrailing(t *testing.T) {
	t.Parallel()
	tests := map[string]string{
		"unknown yaml key": "anidb:\n  user: a\n  passwd: typo\n",
		"unknown json key": `{"anidb":{"user":"a"},"extra":1}`,
		"trailing json":    `{"anidb":{"user":"a"}}{"anidb":{}}`,
	}
	for name, body := range tests {
		ext := ".json"
		if strings.Contains(name, "yaml") {
			ext = ".yaml"
		}
		if _, err := ParseBytes("c"+ext, []byte(body)); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	base := func() *Config {
		return &Config{AniDB: AniDBConfig{User: "u", Password: "p", Client: "c", ClientVersion: 1}}
	}
	if err := Validate(base()); err != nil {
		t.Fatalf("minimal config: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"no user", func(c *Config) { c.AniDB.User = "" }, "anidb.user"},
		{"no client", func(c *Config) { c.AniDB.ClientVersion = 0 }, "anidb.client"},
		{"bad duration", func(c *Config) { c.AniDB.Timeout = "soon" }, "anidb.timeout"},
		{"negative duration", func(c *Config) { c.Queue.RetryBase = "-1s" }, "queue.retry_base"},
		{"bad class", func(c *Config) { c.Queue.Classes = map[string]QueueClassConfig{"video": {}} }, "queue.classes.video"},
		{"bad driver", func(c *Config) { c.Storage.Driver = "file" }, "storage.driver"},
		{"bad charset", func(c *Config) { c.AniDB.Charset = "latin1" }, "anidb.charset"},
		{"password env", func(c *Config) {
			c.AniDB = AniDBConfig{User: "u", PasswordEnv: "ANIDB_PASSWORD", Client: "c", ClientVersion: 1}
		}, ""},
	}
	for _, tt := range tests {
		cfg := base()
		tt.mutate(cfg)
		err := Validate(cfg)
		if tt.want == "" {
			if err != nil {
				t.Fatalf("%s: unexpected error %v", tt.name, err)
			}
			continue
		}
		if err == nil || !strings.Contains(err.Error(), tt.want) {
			t.Fatalf("%s: err = %v, want mention of %s", tt.name, err, tt.want)
		}
	}
}

func TestParseDurationOrDefault(t *testing.T) {
	t.Parallel()
	if d, err := ParseDurationOrDefault("x", "", 3*time.Second); err != nil || d != 3*time.Second {
		t.Fatalf("empty = %v, %v", d, err)
	}
	if d, err := ParseDurationOrDefault("x", "90s", time.Second); err != nil || d != 90*time.Second {
		t.Fatalf("90s = %v, %v", d, err)
	}
	if _, err := ParseDurationOrDefault("x", "-1s", time.Second); err == nil {
		t.Fatalf("negative accepted")
	}
}

func TestSummarizeChangeHidesSecrets(t *testing.T) {
	t.Parallel()
	oldCfg := &Config{AniDB: AniDBConfig{User: "u", Password: "one"}}
	newCfg := &Config{AniDB: AniDBConfig{User: "u", Password: "two"}, Logging: LoggingConfig{Level: "debug"}}

	changed, attrs := SummarizeChange(oldCfg, newCfg)
	if strings.Join(changed, ",") != "anidb,logging" {
		t.Fatalf("changed = %v", changed)
	}
	if len(attrs) == 0 {
		t.Fatalf("no attrs")
	}
	if got := RestartRequired(changed); len(got) != 1 || got[0] != "anidb" {
		t.Fatalf("RestartRequired = %v", got)
	}

	newCfg.Debug = DebugConfig{Enabled: true, Token: "tok-123"}
	newCfg.Notify = &NotifyConfig{Enabled: true, TelegramToken: "bot-456", ChatID: 1}
	changed, attrs = SummarizeChange(oldCfg, newCfg)
	if strings.Join(changed, ",") != "anidb,logging,notify,debug" {
		t.Fatalf("changed = %v", changed)
	}
	var buf strings.Builder
	logx.NewWriter(&buf, "info").Info("config change", attrs...)
	for _, secret := range []string{"one", "two", "tok-123", "bot-456"} {
		if strings.Contains(buf.String(), `"`+secret+`"`) {
			t.Fatalf("summary leaks %q: %s", secret, buf.String())
		}
	}
}

func TestWatchPublishesValidChanges(t *testing.T) {
	t.Parallel()

	path := writeFile(t, "anidbsync.yaml", validYAML)
	m := NewManager(path, logx.Nop())
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	sub := m.Subscribe(1)
	defer m.Unsubscribe(sub)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Watch(ctx) }()
	time.Sleep(100 * time.Millisecond)

	// Invalid content is rejected and the old config stays current.
	if err := os.WriteFile(path, []byte("anidb:\n  user: \"\"\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	time.Sleep(600 * time.Millisecond)
	if m.Get().AniDB.User != "alice" {
		t.Fatalf("invalid config committed")
	}

	if err := os.WriteFile(path, []byte(strings.Replace(validYAML, "level: debug", "level: warn", 1)), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	select {
	case cfg := <-sub:
		if cfg.Logging.Level != "warn" {
			t.Fatalf("published level = %q", cfg.Logging.Level)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("no config published")
	}
}
