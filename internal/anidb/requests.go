package anidb

import (
	"strconv"
	"strings"
)

// ProtocolVersion is sent as protover on login.
const ProtocolVersion = 3

// ---- AUTH ----

// Auth logs in. A successful response installs the session key and the
// image server on the connection.
type Auth struct {
	User          string
	Password      string
	Client        string
	ClientVersion int
	Charset       Charset
	Compression   bool
}

type LoginResult struct {
	Session     string
	ImageServer string
	// NewVersion is set when the server reports a newer client version (201).
	NewVersion bool
}

func (Auth) Command() string { return "AUTH" }
func (Auth) Session() bool   { return false }

func (r Auth) Params() Params {
	p := Params{
		{"user", r.User},
		{"pass", r.Password},
		{"protover", strconv.Itoa(ProtocolVersion)},
		{"client", r.Client},
		{"clientver", strconv.Itoa(r.ClientVersion)},
		{"nat", "1"},
	}
	if r.Compression {
		p = append(p, Param{"comp", "1"})
	}
	p = append(p, Param{"imgserver", "1"})
	cs := r.Charset
	if cs == "" {
		cs = CharsetUTF8
	}
	return append(p, Param{"enc", string(cs)})
}

func (Auth) Parse(code ReturnCode, raw string) (LoginResult, error) {
	if code != CodeLoginAccepted && code != CodeLoginAcceptedNewVersion {
		return LoginResult{}, unexpected(code, raw)
	}
	return ParseLogin(code, raw)
}

func (Auth) applySession(c *Conn, res LoginResult) { c.setSession(res.Session, res.ImageServer) }

// ParseLogin decodes an accepted login. The session key is the token after
// the status code; the image server is the last non-empty line. The literal
// LOGIN marker must be present.
func ParseLogin(code ReturnCode, raw string) (LoginResult, error) {
	if !strings.Contains(raw, "LOGIN") {
		return LoginResult{}, malformed(code, raw, "missing LOGIN marker")
	}
	ls := lines(raw)
	tokens := strings.Fields(ls[0])
	if len(tokens) < 2 || tokens[1] == "LOGIN" {
		return LoginResult{}, malformed(code, raw, "missing session key")
	}
	if len(ls) < 2 {
		return LoginResult{}, malformed(code, raw, "missing image server")
	}
	return LoginResult{
		Session:     tokens[1],
		ImageServer: ls[len(ls)-1],
		NewVersion:  code == CodeLoginAcceptedNewVersion,
	}, nil
}

// ---- LOGOUT ----

// Logout ends the session. The session is dropped locally whatever the reply.
type Logout struct{}

func (Logout) Command() string { return "LOGOUT" }
func (Logout) Session() bool   { return true }
func (Logout) Params() Params  { return nil }

func (Logout) Parse(code ReturnCode, raw string) (struct{}, error) {
	if code != CodeLoggedOut {
		return struct{}{}, unexpected(code, raw)
	}
	return struct{}{}, nil
}

func (Logout) applySession(c *Conn, _ struct{}) { c.clearSession() }

// ---- PING ----

// Ping needs no session. With nat=1 the server echoes the source port it
// sees, which tells whether a NAT rewrote it.
type Ping struct{}

type PingResult struct {
	Port int
}

func (Ping) Command() string { return "PING" }
func (Ping) Session() bool   { return false }
func (Ping) Params() Params  { return Params{{"nat", "1"}} }

func (Ping) Parse(code ReturnCode, raw string) (PingResult, error) {
	if code != CodePong {
		return PingResult{}, unexpected(code, raw)
	}
	ls := lines(raw)
	if len(ls) < 2 {
		return PingResult{}, nil
	}
	port, err := strconv.Atoi(ls[1])
	if err != nil {
		return PingResult{}, malformed(code, raw, "port %q", ls[1])
	}
	return PingResult{Port: port}, nil
}

// ---- FILE ----

// File masks select the columns decoded into FileInfo, in this order:
// fid | aid eid gid state | size ed2k | quality source vcodec res ftype |
// dub sub length filename.
const (
	FileMask  = "71C0CBE100"
	AnimeMask = "00000000"
)

const fileFieldCount = 16

// File looks a local file up by size and ED2K hash.
type File struct {
	Size int64
	ED2K string
}

type FileInfo struct {
	FileID        int64
	AnimeID       int64
	EpisodeID     int64
	GroupID       int64
	State         int
	Size          int64
	ED2K          string
	Quality       string
	Source        string
	VideoCodec    string
	Resolution    string
	FileType      string
	DubLanguages  []string
	SubLanguages  []string
	LengthSeconds int
	FileName      string
}

func (File) Command() string { return "FILE" }
func (File) Session() bool   { return true }

func (r File) Params() Params {
	return Params{
		{"size", strconv.FormatInt(r.Size, 10)},
		{"ed2k", strings.ToLower(r.ED2K)},
		{"fmask", FileMask},
		{"amask", AnimeMask},
	}
}

func (File) Parse(code ReturnCode, raw string) (FileInfo, error) {
	if code != CodeFile {
		return FileInfo{}, unexpected(code, raw)
	}
	ls := lines(raw)
	if len(ls) < 2 {
		return FileInfo{}, malformed(code, raw, "missing data line")
	}
	f := splitFields(ls[1])
	if len(f) != fileFieldCount {
		return FileInfo{}, malformed(code, raw, "want %d fields, got %d", fileFieldCount, len(f))
	}

	var (
		info FileInfo
		bad  string
	)
	num := func(i int, name string) int64 {
		if f[i] == "" {
			return 0
		}
		n, err := strconv.ParseInt(f[i], 10, 64)
		if err != nil && bad == "" {
			bad = name
		}
		return n
	}
	info.FileID = num(0, "fid")
	info.AnimeID = num(1, "aid")
	info.EpisodeID = num(2, "eid")
	info.GroupID = num(3, "gid")
	info.State = int(num(4, "state"))
	info.Size = num(5, "size")
	info.ED2K = f[6]
	info.Quality = f[7]
	info.Source = f[8]
	info.VideoCodec = f[9]
	info.Resolution = f[10]
	info.FileType = f[11]
	info.DubLanguages = splitList(f[12])
	info.SubLanguages = splitList(f[13])
	info.LengthSeconds = int(num(14, "length"))
	info.FileName = f[15]
	if bad != "" {
		return FileInfo{}, malformed(code, raw, "field %s is not a number", bad)
	}
	if info.FileID == 0 {
		return FileInfo{}, malformed(code, raw, "missing file id")
	}
	return info, nil
}
