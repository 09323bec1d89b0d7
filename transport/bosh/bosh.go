// Copyright 2016 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause license that can be
// found in the LICENSE file.

// Package bosh implements the BOSH XMPP transport (XEP-0124, XEP-0206): the
// XML stream is carried as a sequence of HTTP POST exchanges rather than a
// raw socket, for clients behind networks that only permit HTTP traffic.
package bosh // import "mellium.im/xmppcore/transport/bosh"

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"
)

// ErrDisconnected is returned when the BOSH session must be considered
// terminated: an HTTP 4xx status, an unrecognized status, a non-<body/>
// root, or a <body type="terminate"/> from the connection manager.
var ErrDisconnected = errors.New("bosh: disconnected from server")

// ErrNoConnections is the error for a pool with no open connections. No
// function in this package returns it: Fileno panics on an empty pool, and
// RawRecv reports StepNone when no connection has a completed response.
var ErrNoConnections = errors.New("bosh: no open connections")

// Config configures a Transport. Endpoint is the only required field; the
// rest default to the values XEP-0124 recommends.
type Config struct {
	// Endpoint is the BOSH connection manager URL, e.g.
	// "https://example.com/http-bind".
	Endpoint string

	// Server, if set and different from the endpoint's host, is sent as
	// the "route" attribute on session creation (XEP-0124 §14).
	Server string
	Port   uint16

	// Wait is the greatest number of seconds the connection manager may
	// wait before responding to a request. Default 80.
	Wait int
	// Hold is the maximum number of requests the client may have waiting
	// at once. Default 4.
	Hold int
	// Requests is the maximum number of simultaneous requests. Default 5.
	Requests int
	// Polling is the minimum number of seconds between polling requests.
	// Default 10.
	Polling int
	// Pipeline, if true, reuses the first pooled connection unconditionally
	// instead of waiting for an idle one. Default false.
	Pipeline bool
	// GZIP advertises Accept-Encoding: gzip, deflate and transparently
	// decompresses gzip'd responses. Default true.
	GZIP bool

	// XMLLang is the xml:lang attribute value sent on every body. Default
	// "en".
	XMLLang string

	// Client is the underlying HTTP client used for every request. A zero
	// value uses http.DefaultClient.
	Client *http.Client
}

func (c *Config) withDefaults() Config {
	cfg := *c
	if cfg.Wait == 0 {
		cfg.Wait = 80
	}
	if cfg.Hold == 0 {
		cfg.Hold = 4
	}
	if cfg.Requests == 0 {
		cfg.Requests = 5
	}
	if cfg.Polling == 0 {
		cfg.Polling = 10
	}
	if cfg.XMLLang == "" {
		cfg.XMLLang = "en"
	}
	if cfg.Client == nil {
		cfg.Client = http.DefaultClient
	}
	return cfg
}

// connState is the BOSH pool analogue of httplib's _CS_IDLE/_CS_REQ_SENT.
type connState int

const (
	stateIdle connState = iota
	stateBusy
)

// pooledConn stands in for the socket-level "connection" the original
// transport pools and reconnects by file descriptor. Go's net/http does not
// expose the raw fd of a pooled connection, so a pooledConn is identified
// by a process-local, monotonically assigned id instead; Fileno returns
// these ids in place of real descriptors (see DESIGN.md).
type pooledConn struct {
	id    int
	state connState
}

type pendingRequest struct {
	connID int
	rid    string
	body   []byte
	result chan httpResult
}

type httpResult struct {
	status int
	header http.Header
	body   []byte
	err    error
}

// Transport is a BOSH-backed XMPP transport. The zero value is not usable;
// construct one with New.
type Transport struct {
	cfg Config

	httpHost string
	httpPath string

	mu       sync.Mutex
	conns    []*pooledConn
	nextConn int
	pending  map[int][]*pendingRequest

	sid      string
	authID   string
	bound    bool
	lastResp time.Time

	rid int

	recvBuf []byte
}

// New parses cfg.Endpoint and returns an unconnected Transport.
func New(cfg Config) (*Transport, error) {
	u, err := url.Parse(cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("bosh: invalid endpoint: %w", err)
	}
	t := &Transport{
		cfg:      cfg.withDefaults(),
		httpHost: u.Host,
		httpPath: u.Path,
		pending:  make(map[int][]*pendingRequest),
		rid:      -1,
	}
	return t, nil
}

// Connect opens one connection and adds it to the pool.
func (t *Transport) Connect() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.openConnLocked()
}

func (t *Transport) openConnLocked() *pooledConn {
	t.nextConn++
	c := &pooledConn{id: t.nextConn, state: stateIdle}
	t.conns = append(t.conns, c)
	return c
}

// connection returns a pooled connection in the idle state, per the BOSH
// pipelining policy: if Pipeline is set and any connection exists, the
// first one is reused unconditionally (forced idle); otherwise the first
// genuinely idle connection is reused, or a new one is opened.
func (t *Transport) connection() *pooledConn {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.cfg.Pipeline && len(t.conns) > 0 {
		t.conns[0].state = stateIdle
		return t.conns[0]
	}
	for _, c := range t.conns {
		if c.state == stateIdle {
			return c
		}
	}
	return t.openConnLocked()
}

// reconnect tears down and removes the pooled connection identified by id.
func (t *Transport) reconnect(id int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, c := range t.conns {
		if c.id == id {
			t.conns = append(t.conns[:i], t.conns[i+1:]...)
			break
		}
	}
	delete(t.pending, id)
}

// Bind installs server-negotiated session parameters and marks the
// transport bound, as reported by a BOSH session-creation response.
func (t *Transport) Bind(rid int, sid string, hold, wait, requests, polling int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rid = rid - 1
	t.sid = sid
	t.cfg.Hold = hold
	t.cfg.Wait = wait
	t.cfg.Requests = requests
	t.cfg.Polling = polling
	t.bound = true
}

// Bound reports whether Bind has been called.
func (t *Transport) Bound() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.bound
}

// SID returns the session id adopted from the connection manager, if any.
func (t *Transport) SID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sid
}

// nextRID returns the next rid to send, post-incrementing (or randomly
// seeding on first use) exactly like the property this is grounded on.
func (t *Transport) nextRID() string {
	if t.rid < 0 {
		t.rid = rand.Intn(10000000)
	} else {
		t.rid++
	}
	return strconv.Itoa(t.rid)
}

// SetRID primes the generator so that the next call to nextRID returns n.
func (t *Transport) SetRID(n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rid = n - 1
}

// Fileno returns the pool's connection ids (the fd substitute described on
// pooledConn). It asserts at least one connection is open, matching the
// source assertion this is grounded on.
func (t *Transport) Fileno() []int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.conns) == 0 {
		panic("bosh: Fileno called with no open connections")
	}
	ids := make([]int, len(t.conns))
	for i, c := range t.conns {
		ids[i] = c.id
	}
	return ids
}

// AcceptsMoreRequests reports whether the session is allowed to issue
// another request right now: false while unbound, while fewer than
// Polling seconds have elapsed since the last response, or when the
// number of outstanding requests is at or above Requests-1.
func (t *Transport) AcceptsMoreRequests() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.bound {
		return false
	}
	if !t.lastResp.IsZero() && time.Since(t.lastResp) < time.Duration(t.cfg.Polling)*time.Second {
		return false
	}
	outstanding := 0
	for _, q := range t.pending {
		outstanding += len(q)
	}
	return outstanding < t.cfg.Requests-1
}

// Recv drains up to size bytes from the internal buffer populated by
// RawRecv.
func (t *Transport) Recv(size int) []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	if size > len(t.recvBuf) {
		size = len(t.recvBuf)
	}
	b := t.recvBuf[:size]
	t.recvBuf = t.recvBuf[size:]
	return b
}

// Send translates raw into a BOSH body, issues it as a POST against a
// pooled connection, and queues the in-flight result for RawRecv to
// collect. It returns immediately; the request itself runs in the
// background the way the underlying transport's cooperative model expects
// RawRecv, not Send, to block on I/O.
func (t *Transport) Send(ctx context.Context, raw []byte, headers http.Header) (int, error) {
	body, rid := t.xmlstreamToBOSH(raw)

	c := t.connection()

	hdr := make(http.Header)
	hdr.Set("Content-Type", "text/xml; charset=utf-8")
	hdr.Set("Connection", "Keep-Alive")
	hdr.Set("Host", t.httpHost)
	hdr.Set("Content-Length", strconv.Itoa(len(body)))
	if t.cfg.GZIP {
		hdr.Set("Accept-Encoding", "gzip, deflate")
	}
	for k, vs := range headers {
		for _, v := range vs {
			hdr.Add(k, v)
		}
	}

	pr := &pendingRequest{connID: c.id, rid: rid, body: body, result: make(chan httpResult, 1)}

	t.mu.Lock()
	c.state = stateBusy
	t.pending[c.id] = append(t.pending[c.id], pr)
	t.mu.Unlock()

	t.doSend(ctx, pr, hdr)

	return len(raw), nil
}
