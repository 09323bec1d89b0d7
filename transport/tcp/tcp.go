// Copyright 2016 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause license that can be
// found in the LICENSE file.

// Package tcp implements the direct-TCP XMPP transport described by RFC
// 6120 §4: a socket carrying the raw XML stream, with SRV-aware connection
// setup and an in-place STARTTLS upgrade.
package tcp // import "mellium.im/xmppcore/transport/tcp"

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strconv"

	"mellium.im/xmppcore/internal/discover"
)

// ErrDeadSocket is wrapped into the error returned by RawRecv when a read
// returns no bytes together with an error (such as io.EOF on a closed
// socket). A read of zero bytes with no error is not reported as dead.
var ErrDeadSocket = errors.New("tcp: dead socket")

// Step reports the outcome of a single RawRecv step.
type Step int

const (
	// StepProgress means a full-sized read completed and the caller may
	// call RawRecv again immediately for more.
	StepProgress Step = iota
	// StepDone means a short read completed the message; stop calling
	// RawRecv until more data is expected.
	StepDone
)

// Dialer resolves and connects to an XMPP server over TCP. The zero value
// dials "xmpp-client" over SRV-discovered hosts, falling back to the
// supplied host and port on any resolution failure.
type Dialer struct {
	net.Dialer

	// Resolver performs the SRV lookup. Defaults to net.DefaultResolver.
	Resolver *net.Resolver

	// Service is the SRV service name, e.g. "xmpp-client" or
	// "xmpp-server". Defaults to "xmpp-client".
	Service string

	// NoLookup disables SRV discovery and dials host:port directly.
	NoLookup bool
}

// Connect resolves host (optionally via SRV) and returns a connected Conn.
// If port is 0, it is discovered via SRV or the platform's service
// database, falling back to the XMPP default for Service.
func (d *Dialer) Connect(ctx context.Context, host string, port uint16) (*Conn, error) {
	service := d.Service
	if service == "" {
		service = "xmpp-client"
	}

	if d.NoLookup {
		if port == 0 {
			p, err := discover.LookupPort("tcp", service)
			if err != nil {
				return nil, err
			}
			port = p
		}
		return d.connectHostPort(ctx, host, port)
	}

	addrs, err := discover.LookupService(ctx, d.Resolver, service, "tcp", host)
	if err != nil || len(addrs) == 0 {
		// Best-effort: any resolver failure (or empty result) falls back to
		// the supplied host/port unchanged.
		if port == 0 {
			port, _ = discover.LookupPort("tcp", service)
		}
		return d.connectHostPort(ctx, host, port)
	}

	var lastErr error
	for _, addr := range addrs {
		conn, dialErr := d.Dialer.DialContext(ctx, "tcp", net.JoinHostPort(addr.Target, strconv.FormatUint(uint64(addr.Port), 10)))
		if dialErr != nil {
			lastErr = dialErr
			continue
		}
		return newConn(conn), nil
	}
	return nil, lastErr
}

func (d *Dialer) connectHostPort(ctx context.Context, host string, port uint16) (*Conn, error) {
	conn, err := d.Dialer.DialContext(ctx, "tcp", net.JoinHostPort(host, strconv.FormatUint(uint64(port), 10)))
	if err != nil {
		return nil, err
	}
	return newConn(conn), nil
}

// Conn wraps a net.Conn with the buffered, step-driven recv semantics the
// stream/transport layer expects: the caller pulls bytes out with Recv
// only after driving RawRecv to completion (or partway, for partial
// messages), rather than blocking a goroutine on Read.
type Conn struct {
	conn net.Conn
	buf  []byte
}

func newConn(c net.Conn) *Conn {
	return &Conn{conn: c}
}

// Send writes b to the connection, propagating any socket error.
func (c *Conn) Send(b []byte) (int, error) {
	return c.conn.Write(b)
}

// RawRecv performs a single read of up to size bytes, appending whatever
// was received to the internal buffer. It reports StepDone on a short
// read (the XMPP framing convention for "no more data right now") and
// StepProgress when a full read suggests more may be waiting. Zero bytes
// read with no error is treated the same as a short read.
//
// Callers drive this in a loop, yielding between calls, rather than
// blocking: see the package doc and the concurrency model this transport
// is designed for.
func (c *Conn) RawRecv(size int) (Step, error) {
	b := make([]byte, size)
	n, err := c.conn.Read(b)
	if n == 0 && err != nil {
		return StepDone, fmt.Errorf("%w: %v", ErrDeadSocket, err)
	}
	c.buf = append(c.buf, b[:n]...)
	if n < size {
		return StepDone, nil
	}
	return StepProgress, nil
}

// Recv drains up to size bytes from the internal buffer accumulated by
// RawRecv.
func (c *Conn) Recv(size int) []byte {
	if size > len(c.buf) {
		size = len(c.buf)
	}
	b := c.buf[:size]
	c.buf = c.buf[size:]
	return b
}

// Disconnect closes the underlying socket.
func (c *Conn) Disconnect() error {
	return c.conn.Close()
}

// StartTLS replaces the underlying connection with a TLS client connection
// wrapping the same socket, preserving the Conn's identity from the
// caller's perspective (same *Conn, same buffered data, new transport
// underneath). It does not perform the XMPP-level <starttls/> negotiation;
// callers issue that over the stream and call StartTLS once <proceed/> is
// received.
func (c *Conn) StartTLS(cfg *tls.Config) {
	c.conn = tls.Client(c.conn, cfg)
}

// ReadyWrite reports whether the socket can currently accept a write
// without blocking. It delegates to the platform-specific readiness check
// in poll_*.go.
func (c *Conn) ReadyWrite() bool {
	return readyWrite(c.conn)
}

// ReadyRead reports whether the internal buffer has data ready to be
// drained by Recv. Unlike ReadyWrite, this never touches the socket: per
// the transport contract, readiness for reading is a property of what has
// already been pulled off the wire by RawRecv.
func (c *Conn) ReadyRead() bool {
	return len(c.buf) > 0
}

// LocalAddr returns the local network address.
func (c *Conn) LocalAddr() net.Addr { return c.conn.LocalAddr() }

// RemoteAddr returns the remote network address.
func (c *Conn) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }
