// Package notify reports queue and AniDB incidents to an operator: dropped
// commands and AniDB bans or pauses. Notices always go to the log and,
// when configured, to a Telegram chat.
package notify

import (
	"context"
	"errors"
	"time"
)

var (
	ErrDisabled  = errors.New("notify: disabled")
	ErrQueueFull = errors.New("notify: queue full")
)

type Config struct {
	Enabled  bool
	Token    string
	ChatID   int64
	ThreadID int

	RatePerSec  int
	QueueSize   int
	RetryMax    int
	RetryBase   time.Duration
	DedupWindow time.Duration
}

func (c Config) withDefaults() Config {
	if c.RatePerSec <= 0 {
		c.RatePerSec = 1
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 128
	}
	if c.RetryMax < 0 {
		c.RetryMax = 0
	}
	if c.RetryBase <= 0 {
		c.RetryBase = time.Second
	}
	if c.DedupWindow < 0 {
		c.DedupWindow = 0
	}
	return c
}

// Sender delivers one notice.
type Sender interface {
	Send(ctx context.Context, text string) error
}

type HistoryItem struct {
	At    time.Time `json:"at"`
	Text  string    `json:"text"`
	Error string    `json:"error,omitempty"`
}
