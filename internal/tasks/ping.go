package tasks

import (
	"context"

	"anidbsync/internal/command"
	logx "anidbsync/pkg/logx"
)

// Ping keeps the session's NAT mapping alive. It does nothing while logged out.
type Ping struct {
	deps *Deps
}

func NewPing(d *Deps) *Ping { return &Ping{deps: d} }

func (t *Ping) ID() string                        { return string(TypePing) }
func (t *Ping) Type() command.Type                { return TypePing }
func (t *Ping) DefaultPriority() command.Priority { return command.Priority1 }
func (t *Ping) Payload() ([]byte, error)          { return []byte("{}"), nil }
func (t *Ping) Describe() command.Description     { return command.Description{Kind: "Ping"} }

func (t *Ping) Execute(ctx context.Context) error {
	if !t.deps.AniDB.LoggedIn() {
		return nil
	}
	res, err := t.deps.AniDB.Ping(ctx)
	if err != nil {
		return err
	}
	t.deps.logger().Debug("anidb pong", logx.String("comp", "task.ping"), logx.Int("port", res.Port))
	return nil
}
