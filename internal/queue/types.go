package queue

import (
	"context"
	"errors"
	"time"

	"anidbsync/internal/command"
	"anidbsync/internal/storage"
)

var ErrUnregistered = errors.New("queue: command type not registered")

// Config controls the command queue.
type Config struct {
	Classes map[command.Class]ClassConfig

	// RetryMax is how many transient failures are retried; the next one drops
	// the record.
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	RetryJitter   float64 // 0.2 = 20%

	// TaskTimeout bounds one execution. Hashing large files needs minutes.
	TaskTimeout time.Duration
	// PollInterval is how often idle workers look for records whose backoff expired.
	PollInterval time.Duration
	HistorySize  int
}

type ClassConfig struct {
	Workers int
	Paused  bool
}

func (c Config) withDefaults() Config {
	classes := make(map[command.Class]ClassConfig, len(command.Classes))
	for _, cl := range command.Classes {
		cc := c.Classes[cl]
		if cc.Workers <= 0 {
			cc.Workers = 1
			if cl == command.ClassGeneral {
				cc.Workers = 2
			}
		}
		classes[cl] = cc
	}
	for cl, cc := range c.Classes {
		if _, ok := classes[cl]; !ok {
			cc.Workers = max(cc.Workers, 1)
			classes[cl] = cc
		}
	}
	// The AniDB session allows one outstanding command.
	ac := classes[command.ClassAniDB]
	ac.Workers = 1
	classes[command.ClassAniDB] = ac
	c.Classes = classes

	if c.RetryMax < 0 {
		c.RetryMax = 0
	} else if c.RetryMax == 0 {
		c.RetryMax = 5
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 30 * time.Second
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = time.Hour
	}
	if c.RetryJitter <= 0 {
		c.RetryJitter = 0.2
	}
	if c.TaskTimeout <= 0 {
		c.TaskTimeout = 30 * time.Minute
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 200
	}
	return c
}

// Store is the record persistence the queue needs.
type Store interface {
	Insert(ctx context.Context, rec command.Record) (bool, error)
	Next(ctx context.Context, class command.Class, now time.Time) (command.Record, bool, error)
	Retire(ctx context.Context, id string) error
	Reschedule(ctx context.Context, rec command.Record) error
	Release(ctx context.Context, id string) error
	Drop(ctx context.Context, rec command.Record, reason string, at time.Time) error
	ResetInFlight(ctx context.Context) (int, error)
	Counts(ctx context.Context, now time.Time) (map[command.Class]storage.ClassCounts, error)
}

type SubmitOption func(*submitOptions)

type submitOptions struct {
	priority command.Priority
}

// WithPriority overrides the task's default priority.
func WithPriority(p command.Priority) SubmitOption {
	return func(o *submitOptions) { o.priority = p }
}

// CommandEvent is the payload of command.* bus events.
type CommandEvent struct {
	ID          string           `json:"id"`
	Type        command.Type     `json:"type"`
	Class       command.Class    `json:"class"`
	Priority    command.Priority `json:"priority"`
	Description string           `json:"description,omitempty"`
	Attempts    int              `json:"attempts"`
	Delay       time.Duration    `json:"delay,omitempty"`
	Error       string           `json:"error,omitempty"`
}

type HistoryItem struct {
	RunID       string        `json:"run_id"`
	ID          string        `json:"id"`
	Class       command.Class `json:"class"`
	Description string        `json:"description"`
	Started     time.Time     `json:"started"`
	Duration    time.Duration `json:"duration"`
	Outcome     string        `json:"outcome"`
	Error       string        `json:"error,omitempty"`
}

type ClassSnapshot struct {
	Class       command.Class         `json:"class"`
	Workers     int                   `json:"workers"`
	Paused      bool                  `json:"paused"`
	PausedUntil time.Time             `json:"paused_until,omitempty"`
	Counts      storage.ClassCounts   `json:"counts"`
	Running     []command.Description `json:"running,omitempty"`
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	Running  bool            `json:"running"`
	RetryMax int             `json:"retry_max"`
	Classes  []ClassSnapshot `json:"classes"`
	History  []HistoryItem   `json:"history"`
}
