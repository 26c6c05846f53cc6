package anidb

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// maxDatagram is larger than any reply the API sends (1400 bytes before inflation).
const maxDatagram = 64 * 1024

// Transport moves raw datagrams. Receive blocks until a datagram arrives or
// ctx is done; callers always pass a context with a deadline.
type Transport interface {
	Send(ctx context.Context, b []byte) error
	Receive(ctx context.Context) ([]byte, error)
	Close() error
}

// UDPTransport is a connected UDP socket to the API server.
type UDPTransport struct {
	conn *net.UDPConn
}

// DialUDP connects to server ("host:port") from localPort. AniDB identifies
// clients by source port, so localPort should stay fixed across restarts.
func DialUDP(ctx context.Context, server string, localPort int) (*UDPTransport, error) {
	var r net.Resolver
	host, port, err := net.SplitHostPort(server)
	if err != nil {
		return nil, fmt.Errorf("anidb: server address %q: %w", server, err)
	}
	addrs, err := r.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, fmt.Errorf("anidb: resolve %q: %w", host, err)
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("anidb: resolve %q: no addresses", host)
	}
	raddr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(addrs[0].IP.String(), port))
	if err != nil {
		return nil, fmt.Errorf("anidb: server address %q: %w", server, err)
	}
	var laddr *net.UDPAddr
	if localPort > 0 {
		laddr = &net.UDPAddr{Port: localPort}
	}
	conn, err := net.DialUDP("udp", laddr, raddr)
	if err != nil {
		return nil, fmt.Errorf("anidb: dial %s: %w", raddr, err)
	}
	return &UDPTransport{conn: conn}, nil
}

func (t *UDPTransport) Send(ctx context.Context, b []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if dl, ok := ctx.Deadline(); ok {
		_ = t.conn.SetWriteDeadline(dl)
	} else {
		_ = t.conn.SetWriteDeadline(time.Time{})
	}
	_, err := t.conn.Write(b)
	return err
}

func (t *UDPTransport) Receive(ctx context.Context) ([]byte, error) {
	if dl, ok := ctx.Deadline(); ok {
		_ = t.conn.SetReadDeadline(dl)
	} else {
		_ = t.conn.SetReadDeadline(time.Time{})
	}
	// Unblock the read on cancellation as well as on the deadline.
	stop := context.AfterFunc(ctx, func() { _ = t.conn.SetReadDeadline(time.Unix(1, 0)) })
	defer stop()

	buf := make([]byte, maxDatagram)
	n, err := t.conn.Read(buf)
	if err != nil {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() && ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	return buf[:n], nil
}

func (t *UDPTransport) Close() error { return t.conn.Close() }
