package anidb

import (
	"context"
	"sync"

	"golang.org/x/sync/singleflight"

	logx "anidbsync/pkg/logx"
)

// Client adds login handling to a Conn. It is safe for concurrent use;
// concurrent logins collapse into one AUTH exchange.
type Client struct {
	conn  *Conn
	log   logx.Logger
	group singleflight.Group

	amu  sync.Mutex
	auth Auth
}

func NewClient(conn *Conn, auth Auth, log logx.Logger) *Client {
	if auth.Charset == "" {
		auth.Charset = conn.cfg.Charset
	}
	return &Client{conn: conn, auth: auth, log: log}
}

// SetAuth replaces the credentials used by the next login. A pause left by
// a rejected login ends, so queued work can try the new credentials; the
// result reports whether one did.
func (c *Client) SetAuth(auth Auth) bool {
	if auth.Charset == "" {
		auth.Charset = c.conn.cfg.Charset
	}
	c.amu.Lock()
	c.auth = auth
	c.amu.Unlock()
	if !c.conn.resumeAfterLoginRejected() {
		return false
	}
	c.log.Info("anidb credentials replaced; login pause lifted", logx.String("user", auth.User))
	return true
}

func (c *Client) credentials() Auth {
	c.amu.Lock()
	defer c.amu.Unlock()
	return c.auth
}

func (c *Client) Conn() *Conn         { return c.conn }
func (c *Client) LoggedIn() bool      { return c.conn.LoggedIn() }
func (c *Client) ImageServer() string { return c.conn.ImageServer() }

// Login authenticates unless a session is already held.
func (c *Client) Login(ctx context.Context) error {
	_, err, _ := c.group.Do("login", func() (any, error) {
		if c.conn.LoggedIn() {
			return nil, nil
		}
		auth := c.credentials()
		res, err := Exchange(ctx, c.conn, Request[LoginResult](auth))
		if err != nil {
			c.log.Warn("anidb login failed", logx.String("user", auth.User), logx.Err(err))
			return nil, err
		}
		if res.NewVersion {
			c.log.Info("anidb reports a newer client version", logx.String("client", auth.Client))
		}
		return nil, nil
	})
	return err
}

// Logout ends the session if one is held. A server that already forgot the
// session counts as success.
func (c *Client) Logout(ctx context.Context) error {
	if !c.conn.LoggedIn() {
		return nil
	}
	_, err := Exchange(ctx, c.conn, Request[struct{}](Logout{}))
	if IsSessionError(err) {
		return nil
	}
	return err
}

// Ping checks reachability; it needs no session.
func (c *Client) Ping(ctx context.Context) (PingResult, error) {
	return Exchange(ctx, c.conn, Request[PingResult](Ping{}))
}

// Send runs req, logging in first when it needs a session. If the server
// reports the session invalid, Send logs in again and retries exactly once.
func Send[T any](ctx context.Context, c *Client, req Request[T]) (T, error) {
	var zero T
	if req.Session() && !c.conn.LoggedIn() {
		if err := c.Login(ctx); err != nil {
			return zero, err
		}
	}
	res, err := Exchange(ctx, c.conn, req)
	if err == nil || !req.Session() || !IsSessionError(err) {
		return res, err
	}

	c.log.Info("anidb session expired, logging in again", logx.String("cmd", req.Command()))
	if err := c.Login(ctx); err != nil {
		return zero, err
	}
	return Exchange(ctx, c.conn, req)
}

// File fetches AniDB file data for a local file.
func (c *Client) File(ctx context.Context, req File) (FileInfo, error) {
	return Send(ctx, c, Request[FileInfo](req))
}
