package notify

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"anidbsync/internal/anidb"
	"anidbsync/internal/eventbus"
	"anidbsync/internal/queue"
	logx "anidbsync/pkg/logx"
)

type fakeSender struct {
	mu    sync.Mutex
	texts []string
	fails int
}

func (f *fakeSender) Send(_ context.Context, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fails > 0 {
		f.fails--
		return errors.New("telegram: 502")
	}
	f.texts = append(f.texts, text)
	return nil
}

func (f *fakeSender) sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.texts...)
}

func waitSent(t *testing.T, f *fakeSender, n int) []string {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if got := f.sent(); len(got) >= n {
			return got
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d notices, got %v", n, f.sent())
	return nil
}

func TestFormat(t *testing.T) {
	t.Parallel()
	until := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	tests := []struct {
		name string
		ev   eventbus.Event
		want string
	}{
		{
			name: "dropped",
			ev:   eventbus.Event{Type: eventbus.CommandDropped, Data: queue.CommandEvent{ID: "GetFile_7", Description: "GetFileInfo: ep7.mkv", Attempts: 5, Error: "retries exhausted"}},
			want: "Command dropped: GetFileInfo: ep7.mkv (GetFile_7) after 5 attempts: retries exhausted",
		},
		{
			name: "ban",
			ev:   eventbus.Event{Type: eventbus.AniDBPaused, Data: anidb.PauseInfo{Until: until, Reason: "BANNED", Code: anidb.CodeBanned}},
			want: "AniDB ban (555 BANNED): paused until 2026-01-02T03:04:05Z",
		},
		{
			name: "busy",
			ev:   eventbus.Event{Type: eventbus.AniDBPaused, Data: anidb.PauseInfo{Until: until, Reason: "SERVER BUSY", Code: anidb.CodeServerBusy}},
			want: "AniDB paused (602 SERVER BUSY) until 2026-01-02T03:04:05Z",
		},
		{
			name: "login rejected",
			ev:   eventbus.Event{Type: eventbus.AniDBPaused, Data: anidb.PauseInfo{Until: until, Reason: "LOGIN FAILED", Code: anidb.CodeLoginFailed}},
			want: "AniDB login rejected (500 LOGIN FAILED): paused until 2026-01-02T03:04:05Z or until the credentials change",
		},
		{name: "ignored", ev: eventbus.Event{Type: eventbus.CommandRetired}},
	}
	for _, tt := range tests {
		if got := format(tt.ev); got != tt.want {
			t.Fatalf("%s: format = %q, want %q", tt.name, got, tt.want)
		}
	}
}

func TestBusEventsAreDelivered(t *testing.T) {
	t.Parallel()

	bus := eventbus.New()
	f := &fakeSender{fails: 1}
	s := New(Config{Enabled: true, RatePerSec: 100, RetryMax: 2, RetryBase: time.Millisecond, DedupWindow: time.Minute}, f, logx.Nop(), bus)
	s.Start(context.Background())
	defer s.Stop(context.Background())

	ev := eventbus.Event{Type: eventbus.CommandDropped, Data: queue.CommandEvent{ID: "Ping", Description: "Ping", Error: "fatal"}}
	bus.Publish(ev)
	got := waitSent(t, f, 1)
	if !strings.Contains(got[0], "Command dropped: Ping") {
		t.Fatalf("sent = %v", got)
	}

	// Same text inside the dedup window is suppressed.
	bus.Publish(ev)
	bus.Publish(eventbus.Event{Type: eventbus.CommandDropped, Data: queue.CommandEvent{ID: "GetFile_1", Description: "GetFileInfo: 1"}})
	got = waitSent(t, f, 2)
	time.Sleep(20 * time.Millisecond)
	if got = f.sent(); len(got) != 2 || !strings.Contains(got[1], "GetFile_1") {
		t.Fatalf("sent = %v", got)
	}
}

func TestNotifyDisabled(t *testing.T) {
	t.Parallel()

	s := New(Config{}, &fakeSender{}, logx.Nop(), nil)
	s.Start(context.Background())
	if err := s.Notify("hello"); !errors.Is(err, ErrDisabled) {
		t.Fatalf("Notify err = %v, want ErrDisabled", err)
	}
}

func TestLogOnlyWithoutSender(t *testing.T) {
	t.Parallel()

	s := New(Config{Enabled: true}, nil, logx.Nop(), nil)
	s.Start(context.Background())
	if err := s.Notify("hello"); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	s.Stop(context.Background())
	if h := s.Snapshot(); len(h) != 1 || h[0].Text != "hello" || h[0].Error != "" {
		t.Fatalf("history = %+v", h)
	}
}
