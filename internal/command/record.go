// Package command defines the durable queue record, the runtime task
// contract and the registry that turns one into the other.
package command

import (
	"encoding/json"
	"fmt"
	"time"
)

// Type tags the task implementation that owns a record.
type Type string

// Class names an independent queue with its own worker pool.
type Class string

const (
	// ClassAniDB tasks talk to the AniDB connection; exactly one worker.
	ClassAniDB   Class = "anidb"
	ClassHasher  Class = "hasher"
	ClassGeneral Class = "general"
)

// Classes lists the known queue classes in a stable order.
var Classes = []Class{ClassAniDB, ClassHasher, ClassGeneral}

// Priority orders records inside a class. Lower values run first.
type Priority int

const (
	Priority1 Priority = iota + 1
	Priority2
	Priority3
	Priority4
	Priority5
	Priority6
	Priority7
	Priority8
	Priority9
	Priority10
)

func (p Priority) Valid() bool { return p >= Priority1 && p <= Priority10 }

type State string

const (
	StatePending  State = "pending"
	StateInFlight State = "inflight"
)

// Record is the durable form of a queued task.
type Record struct {
	ID       string          `json:"id"`
	Type     Type            `json:"type"`
	Class    Class           `json:"class"`
	Priority Priority        `json:"priority"`
	Payload  json.RawMessage `json:"payload"`

	// UpdatedAt is set on insert and on every reschedule; it breaks
	// priority ties oldest first.
	UpdatedAt time.Time `json:"updated_at"`

	Attempts   int           `json:"attempts"`
	RetryDelay time.Duration `json:"retry_delay"`
	NotBefore  time.Time     `json:"not_before,omitempty"`
	State      State         `json:"state"`
	LastError  string        `json:"last_error,omitempty"`
}

// NewRecord builds the pending record for t.
func NewRecord(t Task, class Class, prio Priority, now time.Time) (Record, error) {
	payload, err := t.Payload()
	if err != nil {
		return Record{}, fmt.Errorf("command %s: encode payload: %w", t.ID(), err)
	}
	if !prio.Valid() {
		prio = t.DefaultPriority()
	}
	return Record{
		ID:        t.ID(),
		Type:      t.Type(),
		Class:     class,
		Priority:  prio,
		Payload:   payload,
		UpdatedAt: now,
		State:     StatePending,
	}, nil
}

// EncodePayload is the payload serializer shared by task implementations.
func EncodePayload(v any) ([]byte, error) { return json.Marshal(v) }

// DecodePayload fills v from rec. A payload that cannot be decoded will never
// decode, so the error is fatal.
func DecodePayload(rec Record, v any) error {
	if err := json.Unmarshal(rec.Payload, v); err != nil {
		return Fatal(fmt.Errorf("command %s: decode payload: %w", rec.ID, err))
	}
	return nil
}
