// Package anidb is a client for the AniDB UDP API.
//
// Conn owns the socket and all session state (session key, rate gate, pause
// window) and performs exactly one request/response exchange at a time.
// Requests are typed values (Auth, Logout, Ping, File) that encode their own
// parameters and decode their own responses. Client layers login handling on
// top: it logs in on demand and re-logs in once when the server reports an
// expired session.
package anidb
