package command

import "context"

// Task is the runtime side of a record.
//
// ID must be a pure function of the task's defining fields so that
// resubmitting after a restart hits the record already stored.
type Task interface {
	ID() string
	Type() Type
	DefaultPriority() Priority
	Describe() Description
	Payload() ([]byte, error)
	Execute(ctx context.Context) error
}

// Description is the observability view of a task.
type Description struct {
	Kind    string `json:"kind"`
	Subject string `json:"subject"`
}

func (d Description) String() string {
	if d.Subject == "" {
		return d.Kind
	}
	return d.Kind + ": " + d.Subject
}
