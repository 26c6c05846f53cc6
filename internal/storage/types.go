package storage

import (
	"context"
	"errors"
	"time"

	"anidbsync/internal/command"
	"anidbsync/internal/media"
)

var ErrClosed = errors.New("storage closed")

// Config configures storage.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// ClassCounts is the queue depth of one class.
type ClassCounts struct {
	Pending  int `json:"pending"`
	Waiting  int `json:"waiting"` // pending but not yet eligible (backoff)
	InFlight int `json:"inflight"`
}

// DeadLetter is a dropped command kept for inspection.
type DeadLetter struct {
	Record    command.Record `json:"record"`
	Reason    string         `json:"reason"`
	DroppedAt time.Time      `json:"dropped_at"`
}

// Store is everything the daemon persists.
type Store interface {
	// Insert adds rec unless a record with the same ID exists.
	Insert(ctx context.Context, rec command.Record) (bool, error)
	// Next marks the most urgent eligible pending record of class in flight
	// and returns it.
	Next(ctx context.Context, class command.Class, now time.Time) (command.Record, bool, error)
	Retire(ctx context.Context, id string) error
	// Reschedule writes the retry bookkeeping of rec and makes it pending.
	Reschedule(ctx context.Context, rec command.Record) error
	// Release makes an in-flight record pending again without other changes.
	Release(ctx context.Context, id string) error
	// Drop removes rec from the queue and records it as a dead letter.
	Drop(ctx context.Context, rec command.Record, reason string, at time.Time) error
	// ResetInFlight returns records left in flight by a previous process to pending.
	ResetInFlight(ctx context.Context) (int, error)
	Counts(ctx context.Context, now time.Time) (map[command.Class]ClassCounts, error)
	DeadLetters(ctx context.Context, limit int) ([]DeadLetter, error)

	media.Store
	Close() error
}
