package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	yaml "go.yaml.in/yaml/v3"
)

// ParseFile reads path as JSON or, for .yaml/.yml, YAML. Unknown fields are
// rejected in both formats.
func ParseFile(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseBytes(path, b)
}

func ParseBytes(path string, data []byte) (*Config, error) {
	jb, err := toJSON(path, data)
	if err != nil {
		return nil, err
	}
	var cfg Config
	dec := json.NewDecoder(bytes.NewReader(jb))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("config %s: %w", filepath.Base(path), err)
	}
	// reject trailing tokens (e.g. concatenated JSON)
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return nil, fmt.Errorf("config %s: trailing data", filepath.Base(path))
		}
		return nil, err
	}
	return &cfg, nil
}

// toJSON converts YAML to JSON so one strict decoder serves both formats.
func toJSON(path string, data []byte) ([]byte, error) {
	ext := strings.ToLower(filepath.Ext(path))
	if ext != ".yaml" && ext != ".yml" {
		return data, nil
	}
	var v any
	if err := yaml.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("yaml unmarshal: %w", err)
	}
	j, err := json.Marshal(stringKeys(v))
	if err != nil {
		return nil, fmt.Errorf("yaml->json marshal: %w", err)
	}
	return j, nil
}

// stringKeys makes every map key a string so the value can be JSON-marshaled.
func stringKeys(in any) any {
	switch x := in.(type) {
	case map[any]any:
		m := make(map[string]any, len(x))
		for k, v := range x {
			m[fmt.Sprint(k)] = stringKeys(v)
		}
		return m
	case map[string]any:
		for k, v := range x {
			x[k] = stringKeys(v)
		}
		return x
	case []any:
		for i := range x {
			x[i] = stringKeys(x[i])
		}
		return x
	default:
		return in
	}
}

// Validate checks the fields the daemon cannot start without and every
// duration string.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	a := cfg.AniDB
	if strings.TrimSpace(a.User) == "" {
		errs = append(errs, errors.New("anidb.user: required"))
	}
	if a.Password == "" && strings.TrimSpace(a.PasswordEnv) == "" {
		errs = append(errs, errors.New("anidb.password or anidb.password_env: required"))
	}
	if strings.TrimSpace(a.Client) == "" || a.ClientVersion <= 0 {
		errs = append(errs, errors.New("anidb.client and anidb.client_version: required (register the client with AniDB)"))
	}
	switch strings.ToUpper(strings.TrimSpace(a.Charset)) {
	case "", "UTF8", "UTF-8", "UTF16", "UTF-16":
	default:
		errs = append(errs, fmt.Errorf("anidb.charset: unsupported %q", a.Charset))
	}
	if a.LocalPort < 0 || a.LocalPort > 65535 {
		errs = append(errs, fmt.Errorf("anidb.local_port: %d out of range", a.LocalPort))
	}

	var p durations
	for path, raw := range map[string]string{
		"anidb.min_interval":       a.MinInterval,
		"anidb.long_term_interval": a.LongTermInterval,
		"anidb.timeout":            a.Timeout,
		"anidb.ban_pause":          a.BanPause,
		"anidb.pause_base":         a.PauseBase,
		"anidb.pause_max":          a.PauseMax,
		"anidb.auth_pause":         a.AuthPause,
		"queue.retry_base":         cfg.Queue.RetryBase,
		"queue.retry_max_delay":    cfg.Queue.RetryMaxDelay,
		"queue.task_timeout":       cfg.Queue.TaskTimeout,
		"queue.poll_interval":      cfg.Queue.PollInterval,
		"storage.busy_timeout":     cfg.Storage.BusyTimeout,
	} {
		p.parse(path, raw)
	}
	if n := cfg.Notify; n != nil {
		p.parse("notify.retry_base", n.RetryBase)
		p.parse("notify.dedup_window", n.DedupWindow)
		if n.Enabled && n.TelegramToken != "" && n.ChatID == 0 {
			errs = append(errs, errors.New("notify.chat_id: required with telegram_token"))
		}
	}
	if p.err != nil {
		errs = append(errs, p.err)
	}
	if cfg.Queue.RetryJitter < 0 || cfg.Queue.RetryJitter > 1 {
		errs = append(errs, fmt.Errorf("queue.retry_jitter: %v not in [0,1]", cfg.Queue.RetryJitter))
	}
	for name, cc := range cfg.Queue.Classes {
		switch name {
		case "anidb", "hasher", "general":
		default:
			errs = append(errs, fmt.Errorf("queue.classes.%s: unknown class", name))
		}
		if cc.Workers < 0 {
			errs = append(errs, fmt.Errorf("queue.classes.%s.workers: must be >= 0", name))
		}
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "", "sqlite", "sqlite3", "memory", "mem":
	default:
		errs = append(errs, fmt.Errorf("storage.driver: unknown %q", cfg.Storage.Driver))
	}
	return errors.Join(errs...)
}
