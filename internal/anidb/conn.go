package anidb

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"anidbsync/internal/eventbus"
	logx "anidbsync/pkg/logx"
)

// Config controls pacing and pause behavior of a Conn.
type Config struct {
	// MinInterval is the least time between two sends.
	MinInterval time.Duration
	// LongTermInterval and LongTermBurst bound the average rate over long
	// sessions. A zero interval disables the long-term limit.
	LongTermInterval time.Duration
	LongTermBurst    int
	// Timeout bounds one exchange from send to matching reply.
	Timeout time.Duration
	// BanPause is how long nothing is sent after a ban response.
	BanPause time.Duration
	// PauseBase and PauseMax bound the escalating pause after busy or
	// out-of-service replies: base, 2*base, 4*base ... up to max.
	PauseBase time.Duration
	PauseMax  time.Duration
	// AuthPause is how long nothing is sent after the server rejects the
	// login. New credentials lift it early.
	AuthPause time.Duration
	Charset   Charset
}

func (c Config) withDefaults() Config {
	if c.MinInterval <= 0 {
		c.MinInterval = 2 * time.Second
	}
	if c.LongTermBurst <= 0 {
		c.LongTermBurst = 60
	}
	if c.Timeout <= 0 {
		c.Timeout = 20 * time.Second
	}
	if c.BanPause <= 0 {
		c.BanPause = 30 * time.Minute
	}
	if c.PauseBase <= 0 {
		c.PauseBase = 30 * time.Second
	}
	if c.PauseMax < c.PauseBase {
		c.PauseMax = max(30*time.Minute, c.PauseBase)
	}
	if c.AuthPause <= 0 {
		c.AuthPause = 6 * time.Hour
	}
	if c.Charset == "" {
		c.Charset = CharsetUTF8
	}
	return c
}

type ConnOption func(*Conn)

func WithLogger(log logx.Logger) ConnOption { return func(c *Conn) { c.log = log } }
func WithBus(bus eventbus.Bus) ConnOption   { return func(c *Conn) { c.bus = bus } }

// Conn is the single connection to the API. It serializes exchanges, paces
// sends, owns the session key and decides when to stop talking to the server.
type Conn struct {
	cfg Config
	tr  Transport
	log logx.Logger
	bus eventbus.Bus

	// xmu is held for the whole of an exchange, so at most one request
	// is ever outstanding.
	xmu      sync.Mutex
	limiter  *rate.Limiter
	lastSent time.Time
	tagSeq   uint64

	mu          sync.Mutex
	session     string
	imageServer string
	pauseUntil  time.Time
	pauseReason string
	pauseCode   ReturnCode
	busyCount   int
}

func NewConn(tr Transport, cfg Config, opts ...ConnOption) *Conn {
	cfg = cfg.withDefaults()
	lim := rate.NewLimiter(rate.Inf, 0)
	if cfg.LongTermInterval > 0 {
		lim = rate.NewLimiter(rate.Every(cfg.LongTermInterval), cfg.LongTermBurst)
	}
	c := &Conn{cfg: cfg, tr: tr, limiter: lim}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Conn) Close() error { return c.tr.Close() }

func (c *Conn) Session() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

func (c *Conn) ImageServer() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.imageServer
}

func (c *Conn) LoggedIn() bool { return c.Session() != "" }

// PausedUntil returns the end of the current pause window (zero if none).
func (c *Conn) PausedUntil() (time.Time, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if time.Now().Before(c.pauseUntil) {
		return c.pauseUntil, c.pauseReason
	}
	return time.Time{}, ""
}

func (c *Conn) setSession(session, imageServer string) {
	c.mu.Lock()
	c.session, c.imageServer = session, imageServer
	c.mu.Unlock()
	c.log.Info("anidb login accepted", logx.String("image_server", imageServer))
	c.publish(eventbus.AniDBLogin, imageServer)
}

func (c *Conn) clearSession() {
	c.mu.Lock()
	had := c.session != ""
	c.session = ""
	c.mu.Unlock()
	if had {
		c.log.Debug("anidb session cleared")
	}
}

// PauseInfo is the payload of AniDBPaused events.
type PauseInfo struct {
	Until  time.Time
	Reason string
	Code   ReturnCode
}

func (c *Conn) pause(d time.Duration, code ReturnCode, reason string) time.Time {
	until := time.Now().Add(d)
	c.mu.Lock()
	if until.After(c.pauseUntil) {
		c.pauseUntil = until
		c.pauseReason = reason
		c.pauseCode = code
	} else {
		until = c.pauseUntil
	}
	c.mu.Unlock()
	c.log.Warn("anidb paused", logx.String("code", code.String()), logx.String("reason", reason), logx.Time("until", until))
	c.publish(eventbus.AniDBPaused, PauseInfo{Until: until, Reason: reason, Code: code})
	return until
}

// resumeAfterLoginRejected ends a pause caused by a rejected login. Other
// pause windows are left alone.
func (c *Conn) resumeAfterLoginRejected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !time.Now().Before(c.pauseUntil) || c.pauseCode.kind() != KindAuth {
		return false
	}
	c.pauseUntil, c.pauseReason, c.pauseCode = time.Time{}, "", 0
	return true
}

// escalate pauses for PauseBase * 2^(n-1), n being the number of busy
// replies since the last successful exchange.
func (c *Conn) escalate(code ReturnCode, reason string) time.Time {
	c.mu.Lock()
	c.busyCount++
	n := c.busyCount
	c.mu.Unlock()

	d := c.cfg.PauseBase
	for i := 1; i < n && d < c.cfg.PauseMax; i++ {
		d *= 2
	}
	return c.pause(min(d, c.cfg.PauseMax), code, reason)
}

func (c *Conn) succeeded() {
	c.mu.Lock()
	c.busyCount = 0
	c.mu.Unlock()
}

func (c *Conn) publish(typ string, data any) {
	if c.bus != nil {
		c.bus.Publish(eventbus.Event{Type: typ, Data: data})
	}
}

// Exchange sends req and returns its decoded result. Exchanges on one Conn
// run strictly one after another.
func Exchange[T any](ctx context.Context, c *Conn, req Request[T]) (T, error) {
	var zero T

	c.xmu.Lock()
	defer c.xmu.Unlock()

	if err := c.gate(ctx); err != nil {
		return zero, err
	}

	params := req.Params()
	if req.Session() {
		s := c.Session()
		if s == "" {
			return zero, &ProtocolError{Code: CodeLoginFirst, Kind: KindSession, Raw: "no session"}
		}
		params = params.With("s", s)
	}
	c.tagSeq++
	tag := "t" + strconv.FormatUint(c.tagSeq, 36)
	params = params.With("tag", tag)

	start := time.Now()
	raw, err := c.roundTrip(ctx, tag, Encode(req.Command(), params))
	if err != nil {
		c.log.Debug("anidb exchange failed", logx.String("cmd", req.Command()), logx.String("tag", tag), logx.Err(err))
		return zero, err
	}
	code, err := ParseStatus(raw)
	if err != nil {
		return zero, err
	}
	c.log.Debug("anidb exchange",
		logx.String("cmd", req.Command()),
		logx.String("tag", tag),
		logx.Int("code", int(code)),
		logx.Duration("rtt", time.Since(start)),
	)
	if err := c.classify(code, raw); err != nil {
		return zero, err
	}

	res, err := req.Parse(code, raw)
	if err != nil {
		return zero, err
	}
	c.succeeded()
	if h, ok := any(req).(sessionHook[T]); ok {
		h.applySession(c, res)
	}
	return res, nil
}

// gate fails fast inside a pause window, then waits for both the long-term
// limiter and the strict minimum gap since the previous send.
func (c *Conn) gate(ctx context.Context) error {
	if until, reason := c.PausedUntil(); !until.IsZero() {
		return &ThrottledError{Until: until, Reason: reason}
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("anidb: rate limiter: %w", err)
	}
	if c.lastSent.IsZero() {
		return nil
	}
	wait := time.Until(c.lastSent.Add(c.cfg.MinInterval))
	if wait <= 0 {
		return nil
	}
	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (c *Conn) roundTrip(ctx context.Context, tag, line string) (string, error) {
	payload, err := encodeDatagram(line, c.cfg.Charset)
	if err != nil {
		return "", fmt.Errorf("anidb: encode request: %w", err)
	}

	tctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	err = c.tr.Send(tctx, payload)
	c.lastSent = time.Now()
	if err != nil {
		return "", &TransportError{Op: "send", Err: err}
	}

	for {
		b, err := c.tr.Receive(tctx)
		if err != nil {
			if ctx.Err() == nil && tctx.Err() != nil {
				return "", &TransportError{Op: "receive", Err: ErrTimeout}
			}
			return "", &TransportError{Op: "receive", Err: err}
		}
		text, err := decodeDatagram(b, c.cfg.Charset)
		if err != nil {
			c.log.Warn("anidb: undecodable datagram dropped", logx.Err(err))
			continue
		}
		got, rest := splitTag(text)
		if got != "" && got != tag {
			c.log.Debug("anidb: stale reply discarded", logx.String("tag", got), logx.String("want", tag))
			continue
		}
		return rest, nil
	}
}

// classify handles the codes any request may receive.
func (c *Conn) classify(code ReturnCode, raw string) error {
	reason := firstLine(raw)
	switch code {
	case CodeBanned, CodeClientBanned:
		until := c.pause(c.cfg.BanPause, code, reason)
		c.clearSession()
		return &ProtocolError{Code: code, Kind: KindBanned, Raw: raw, Until: until}
	case CodeOutOfService, CodeServerBusy, CodeTimeoutResubmit:
		until := c.escalate(code, reason)
		return &ThrottledError{Until: until, Reason: reason}
	case CodeLoginFirst, CodeInvalidSession, CodeNotLoggedIn:
		c.clearSession()
		return &ProtocolError{Code: code, Kind: KindSession, Raw: raw}
	case CodeLoginFailed, CodeClientVersionOutdated:
		// Every later login would be refused the same way.
		until := c.pause(c.cfg.AuthPause, code, reason)
		c.clearSession()
		return &ProtocolError{Code: code, Kind: KindAuth, Raw: raw, Until: until}
	}
	return nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
