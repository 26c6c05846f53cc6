package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"anidbsync/internal/command"
	"anidbsync/internal/config"
	"anidbsync/internal/media"
	"anidbsync/internal/queue"
	"anidbsync/internal/storage"
	"anidbsync/internal/tasks"
	logx "anidbsync/pkg/logx"
)

// Offline edits the queue and media tables without the AniDB connection.
// A running daemon picks the records up on its next poll.
type Offline struct {
	log   logx.Logger
	logs  *logx.Service
	store storage.Store
	deps  *tasks.Deps
	queue *queue.Service
}

func OpenOffline(cfgPath string) (*Offline, error) {
	cfg, err := config.ParseFile(cfgPath)
	if err != nil {
		return nil, err
	}
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	logSvc, log := logx.New(mapLogging(cfg))

	sc, err := mapStorage(cfg)
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	store, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	qc, err := mapQueue(cfg)
	if err != nil {
		_ = store.Close()
		_ = logSvc.Close()
		return nil, err
	}

	reg := command.NewRegistry()
	deps := &tasks.Deps{Store: store, Log: log, ScanBatch: cfg.Schedules.ScanBatch}
	tasks.Register(reg, deps)
	q := queue.New(qc, store, reg, log.With(logx.String("comp", "queue")), nil)
	deps.Queue = q

	return &Offline{log: log, logs: logSvc, store: store, deps: deps, queue: q}, nil
}

func (o *Offline) Close() error {
	err := o.store.Close()
	return errors.Join(err, o.logs.Close())
}

// AddVideo records a local file and queues its hashing.
func (o *Offline) AddVideo(ctx context.Context, path string) (media.VideoLocal, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return media.VideoLocal{}, err
	}
	st, err := os.Stat(abs)
	if err != nil {
		return media.VideoLocal{}, err
	}
	if st.IsDir() {
		return media.VideoLocal{}, fmt.Errorf("%s is a directory", abs)
	}
	v, err := o.store.SaveVideo(ctx, media.VideoLocal{
		FileName:  filepath.Base(abs),
		Path:      abs,
		UpdatedAt: time.Now(),
	})
	if err != nil {
		return media.VideoLocal{}, err
	}
	if _, err := o.queue.Submit(ctx, tasks.NewHashFile(o.deps, v.ID)); err != nil {
		return v, err
	}
	return v, nil
}

// EnqueueVideo queues the next step for one video: hashing when the hash is
// missing, the AniDB lookup otherwise.
func (o *Offline) EnqueueVideo(ctx context.Context, id int64, force bool) (command.Task, bool, error) {
	v, err := o.store.Video(ctx, id)
	if err != nil {
		return nil, false, fmt.Errorf("video %d: %w", id, err)
	}
	var t command.Task = tasks.NewGetFile(o.deps, v.ID, force)
	if !v.Hashed() {
		t = tasks.NewHashFile(o.deps, v.ID)
	}
	added, err := o.queue.Submit(ctx, t)
	return t, added, err
}

type offlineStatus struct {
	Queue       queue.Snapshot       `json:"queue"`
	DeadLetters []storage.DeadLetter `json:"dead_letters"`
}

// Status writes queue depth per class and recent dead letters as JSON.
func (o *Offline) Status(ctx context.Context, w io.Writer, deadLimit int) error {
	snap, err := o.queue.Snapshot(ctx)
	if err != nil {
		return err
	}
	dead, err := o.store.DeadLetters(ctx, deadLimit)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(offlineStatus{Queue: snap, DeadLetters: dead})
}
