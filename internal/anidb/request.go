package anidb

// Request is one API command with its typed result.
//
// Parse receives the response with the tag removed but the status line
// intact, e.g. "200 sess LOGIN ACCEPTED\nimg.example.com". Codes every
// request shares (bans, flood control, expired sessions) are handled by the
// connection before Parse is called.
type Request[T any] interface {
	Command() string
	Params() Params
	// Session reports whether the request needs the session key attached.
	Session() bool
	Parse(code ReturnCode, raw string) (T, error)
}

// sessionHook is implemented by requests that change session state once
// their response has been decoded.
type sessionHook[T any] interface {
	applySession(c *Conn, res T)
}
