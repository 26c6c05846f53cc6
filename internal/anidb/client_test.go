package anidb

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	logx "anidbsync/pkg/logx"
)

func TestSendLogsInOnDemand(t *testing.T) {
	t.Parallel()

	var auths atomic.Int32
	srv := newFakeServer(func(line, tag string) []string {
		if strings.HasPrefix(line, "AUTH ") {
			auths.Add(1)
			return []string{tag + " 200 sess123 LOGIN ACCEPTED\nimg.example.com"}
		}
		return []string{tag + " 320 NO SUCH FILE"}
	})
	cl := NewClient(NewConn(srv, fastConfig()), Auth{User: "u", Password: "p", Client: "anidbsync", ClientVersion: 1}, logx.Nop())

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := Send(context.Background(), cl, Request[FileInfo](File{Size: 10, ED2K: "ab"}))
			if KindOf(err) != KindNotFound {
				t.Errorf("err = %v, want not_found", err)
			}
		}()
	}
	wg.Wait()
	if n := auths.Load(); n != 1 {
		t.Fatalf("AUTH sent %d times, want 1", n)
	}
}

func TestSendReloginOnceOnExpiredSession(t *testing.T) {
	t.Parallel()

	var (
		auths atomic.Int32
		files atomic.Int32
	)
	srv := newFakeServer(func(line, tag string) []string {
		if strings.HasPrefix(line, "AUTH ") {
			n := auths.Add(1)
			if n == 1 {
				return []string{tag + " 200 old LOGIN ACCEPTED\nimg.example.com"}
			}
			return []string{tag + " 200 fresh LOGIN ACCEPTED\nimg.example.com"}
		}
		files.Add(1)
		if strings.Contains(line, "s=old") {
			return []string{tag + " 506 INVALID SESSION"}
		}
		return []string{tag + " 220 FILE\n7|1|2|3|1|10|ab|high|www|H264|640x480|mkv|japanese|english|60|a.mkv"}
	})
	cl := NewClient(NewConn(srv, fastConfig()), Auth{User: "u"}, logx.Nop())

	info, err := Send(context.Background(), cl, Request[FileInfo](File{Size: 10, ED2K: "ab"}))
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if info.FileID != 7 {
		t.Fatalf("file id = %d, want 7", info.FileID)
	}
	if auths.Load() != 2 || files.Load() != 2 {
		t.Fatalf("auths = %d files = %d, want 2 and 2", auths.Load(), files.Load())
	}
	if cl.Conn().Session() != "fresh" {
		t.Fatalf("session = %q, want fresh", cl.Conn().Session())
	}
}

func TestSendGivesUpAfterSecondSessionFailure(t *testing.T) {
	t.Parallel()

	var files atomic.Int32
	srv := newFakeServer(loginHandler(func(string) string {
		files.Add(1)
		return "501 LOGIN FIRST"
	}))
	cl := NewClient(NewConn(srv, fastConfig()), Auth{User: "u"}, logx.Nop())

	_, err := Send(context.Background(), cl, Request[FileInfo](File{Size: 10, ED2K: "ab"}))
	if !IsSessionError(err) {
		t.Fatalf("err = %v, want session error", err)
	}
	if n := files.Load(); n != 2 {
		t.Fatalf("FILE sent %d times, want 2", n)
	}
}

func TestLoginFailureIsAuthError(t *testing.T) {
	t.Parallel()

	srv := newFakeServer(func(_, tag string) []string { return []string{tag + " 500 LOGIN FAILED"} })
	cl := NewClient(NewConn(srv, fastConfig()), Auth{User: "u"}, logx.Nop())

	if err := cl.Login(context.Background()); KindOf(err) != KindAuth {
		t.Fatalf("err = %v, want auth", err)
	}
	if cl.LoggedIn() {
		t.Fatalf("logged in after LOGIN FAILED")
	}
}

func TestRejectedLoginPausesUntilCredentialsChange(t *testing.T) {
	t.Parallel()

	var auths atomic.Int32
	srv := newFakeServer(func(line, tag string) []string {
		if !strings.HasPrefix(line, "AUTH ") {
			return []string{tag + " 220 FILE\n1|2|3"}
		}
		auths.Add(1)
		if strings.Contains(line, "pass=good") {
			return []string{tag + " 200 sess123 LOGIN ACCEPTED\nimg.example.com"}
		}
		return []string{tag + " 500 LOGIN FAILED"}
	})
	conn := NewConn(srv, fastConfig())
	cl := NewClient(conn, Auth{User: "u", Password: "bad"}, logx.Nop())
	ctx := context.Background()

	_, err := Send(ctx, cl, Request[FileInfo](File{Size: 10, ED2K: "ab"}))
	var pe *ProtocolError
	if !errors.As(err, &pe) || pe.Kind != KindAuth || pe.RetryAfter() <= 0 {
		t.Fatalf("first err = %v, want auth error with pause", err)
	}
	for i := 0; i < 4; i++ {
		_, err := Send(ctx, cl, Request[FileInfo](File{Size: 10, ED2K: "ab"}))
		var te *ThrottledError
		if !errors.As(err, &te) {
			t.Fatalf("send %d err = %v, want throttled", i, err)
		}
	}
	if n := auths.Load(); n != 1 {
		t.Fatalf("AUTH sent %d times, want 1", n)
	}
	if until, _ := conn.PausedUntil(); until.IsZero() {
		t.Fatalf("connection not paused after rejected login")
	}

	if !cl.SetAuth(Auth{User: "u", Password: "good"}) {
		t.Fatalf("SetAuth did not lift the login pause")
	}
	if until, _ := conn.PausedUntil(); !until.IsZero() {
		t.Fatalf("pause kept after new credentials")
	}
	if err := cl.Login(ctx); err != nil || !cl.LoggedIn() {
		t.Fatalf("login with new credentials: %v", err)
	}
}

func TestSetAuthKeepsBanPause(t *testing.T) {
	t.Parallel()

	srv := newFakeServer(func(_, tag string) []string { return []string{tag + " 555 BANNED\nflood"} })
	conn := NewConn(srv, fastConfig())
	cl := NewClient(conn, Auth{User: "u"}, logx.Nop())

	if err := cl.Login(context.Background()); KindOf(err) != KindBanned {
		t.Fatalf("err = %v, want banned", err)
	}
	if cl.SetAuth(Auth{User: "v"}) {
		t.Fatalf("SetAuth reported a lifted pause during a ban")
	}
	if until, _ := conn.PausedUntil(); until.IsZero() {
		t.Fatalf("ban pause lifted by new credentials")
	}
}

func TestLogoutClearsSession(t *testing.T) {
	t.Parallel()

	srv := newFakeServer(loginHandler(func(string) string { return "203 LOGGED OUT" }))
	cl := NewClient(NewConn(srv, fastConfig()), Auth{User: "u"}, logx.Nop())

	if err := cl.Login(context.Background()); err != nil {
		t.Fatalf("login: %v", err)
	}
	if err := cl.Logout(context.Background()); err != nil {
		t.Fatalf("logout: %v", err)
	}
	if cl.LoggedIn() {
		t.Fatalf("still logged in")
	}
	if err := cl.Logout(context.Background()); err != nil {
		t.Fatalf("second logout: %v", err)
	}
}
