package tasks

import (
	"context"
	"fmt"

	"anidbsync/internal/command"
	logx "anidbsync/pkg/logx"
)

// ScanUnlinked queues work for videos that have no AniDB file yet: HashFile
// when the hash is missing, GetFile otherwise.
type ScanUnlinked struct {
	deps *Deps
}

func NewScanUnlinked(d *Deps) *ScanUnlinked { return &ScanUnlinked{deps: d} }

func (t *ScanUnlinked) ID() string                        { return string(TypeScanUnlinked) }
func (t *ScanUnlinked) Type() command.Type                { return TypeScanUnlinked }
func (t *ScanUnlinked) DefaultPriority() command.Priority { return command.Priority8 }
func (t *ScanUnlinked) Payload() ([]byte, error)          { return []byte("{}"), nil }
func (t *ScanUnlinked) Describe() command.Description {
	return command.Description{Kind: "ScanUnlinked"}
}

func (t *ScanUnlinked) Execute(ctx context.Context) error {
	d := t.deps
	batch := d.ScanBatch
	if batch <= 0 {
		batch = 500
	}
	videos, err := d.Store.UnlinkedVideos(ctx, batch)
	if err != nil {
		return fmt.Errorf("list unlinked videos: %w", err)
	}

	var hashed, fetched int
	for _, v := range videos {
		var next command.Task = NewGetFile(d, v.ID, false)
		if !v.Hashed() {
			next = NewHashFile(d, v.ID)
		}
		added, err := d.Queue.Submit(ctx, next)
		if err != nil {
			return fmt.Errorf("queue %s: %w", next.ID(), err)
		}
		if !added {
			continue
		}
		if next.Type() == TypeHashFile {
			hashed++
		} else {
			fetched++
		}
	}
	if hashed+fetched > 0 {
		d.logger().Info("unlinked videos queued",
			logx.String("comp", "task.scan"),
			logx.Int("videos", len(videos)),
			logx.Int("hash", hashed),
			logx.Int("fetch", fetched),
		)
	}
	return nil
}
