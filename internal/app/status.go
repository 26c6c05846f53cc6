package app

import (
	"context"
	"time"

	"anidbsync/internal/notify"
	"anidbsync/internal/queue"
	rtsup "anidbsync/internal/runtime/supervisor"
	"anidbsync/internal/schedule"
	"anidbsync/internal/storage"
)

type anidbStatus struct {
	LoggedIn    bool      `json:"logged_in"`
	PausedUntil time.Time `json:"paused_until,omitempty"`
	PauseReason string    `json:"pause_reason,omitempty"`
}

// Status is the daemon view served on /status.
type Status struct {
	AniDB       anidbStatus          `json:"anidb"`
	Queue       queue.Snapshot       `json:"queue"`
	Schedules   []schedule.Info      `json:"schedules"`
	Notices     []notify.HistoryItem `json:"notices"`
	DeadLetters []storage.DeadLetter `json:"dead_letters"`
	Supervisor  rtsup.Snapshot       `json:"supervisor"`
}

func (a *App) Status(ctx context.Context) (Status, error) {
	var st Status
	var err error
	if st.Queue, err = a.queue.Snapshot(ctx); err != nil {
		return st, err
	}
	if st.DeadLetters, err = a.store.DeadLetters(ctx, 20); err != nil {
		return st, err
	}
	st.AniDB.LoggedIn = a.client.LoggedIn()
	if until, reason := a.conn.PausedUntil(); time.Now().Before(until) {
		st.AniDB.PausedUntil, st.AniDB.PauseReason = until, reason
	}
	st.Schedules = a.sched.Snapshot()
	a.nmu.Lock()
	st.Notices = a.notif.Snapshot()
	a.nmu.Unlock()
	if a.sup != nil {
		st.Supervisor = a.sup.Snapshot()
	}
	return st, nil
}

func (a *App) status(ctx context.Context) (any, error) { return a.Status(ctx) }
