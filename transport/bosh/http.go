// Copyright 2016 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause license that can be
// found in the LICENSE file.

package bosh

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/net/context/ctxhttp"

	"mellium.im/xmppcore/xmlnode"
)

// Step reports what RawRecv accomplished on a single call.
type Step int

const (
	// StepNone means nothing was ready; call RawRecv again later.
	StepNone Step = iota
	// StepData means a fragment was appended to the receive buffer.
	StepData
	// StepResent means a dropped keep-alive was detected and its pending
	// bodies were resent on a fresh connection; no new inbound data yet.
	StepResent
)

func (t *Transport) doSend(ctx context.Context, pr *pendingRequest, hdr http.Header) {
	go func() {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.cfg.Endpoint, bytes.NewReader(pr.body))
		if err != nil {
			pr.result <- httpResult{err: err}
			return
		}
		req.Header = hdr

		resp, err := ctxhttp.Do(ctx, t.cfg.Client, req)
		if err != nil {
			pr.result <- httpResult{err: err}
			return
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(resp.Body)
		pr.result <- httpResult{status: resp.StatusCode, header: resp.Header, body: data, err: err}
	}()
}

// pendingData scans the pool in order for the first connection whose
// oldest pending request has already completed, standing in for a
// readiness poll over raw sockets (see pooledConn).
func (t *Transport) pendingData() (int, *pendingRequest, bool) {
	t.mu.Lock()
	conns := make([]*pooledConn, len(t.conns))
	copy(conns, t.conns)
	t.mu.Unlock()

	for _, c := range conns {
		t.mu.Lock()
		q := t.pending[c.id]
		t.mu.Unlock()
		if len(q) == 0 {
			continue
		}
		select {
		case res := <-q[0].result:
			// Stash the result back: the channel holds a single value,
			// and RawRecv receives it again after popping the request.
			q[0].result <- res
			return c.id, q[0], true
		default:
		}
	}
	return 0, nil, false
}

// RawRecv performs one receive step: find a connection pool entry with a
// completed response, pop its oldest pending request, and either append
// translated stream bytes to the receive buffer, recover from a dropped
// keep-alive by resending every pending body on that connection, or
// return ErrDisconnected for an unrecoverable condition.
func (t *Transport) RawRecv(ctx context.Context) (Step, error) {
	connID, pr, ok := t.pendingData()
	if !ok {
		return StepNone, nil
	}

	t.mu.Lock()
	q := t.pending[connID]
	if len(q) == 0 {
		t.mu.Unlock()
		return StepNone, nil
	}
	q = q[1:]
	t.pending[connID] = q
	t.mu.Unlock()

	res := <-pr.result

	if res.err != nil {
		if isDeadConnErr(res.err) {
			return t.recoverDeadConnection(ctx, connID, pr)
		}
		return StepNone, res.err
	}

	switch res.status {
	case http.StatusOK:
		body := res.body
		if res.header.Get("Content-Encoding") == "gzip" {
			gz, err := gzip.NewReader(bytes.NewReader(body))
			if err != nil {
				return StepNone, fmt.Errorf("bosh: gzip response: %w", err)
			}
			defer gz.Close()
			body, err = io.ReadAll(gz)
			if err != nil {
				return StepNone, fmt.Errorf("bosh: gzip response: %w", err)
			}
		}

		p := xmlnode.NewParser("bosh")
		if err := p.Feed(body); err != nil {
			return StepNone, fmt.Errorf("bosh: malformed body: %w", err)
		}
		node, ok := p.PopRoot()
		if !ok || node.Tag != "body" {
			return StepNone, ErrDisconnected
		}
		if typ, ok := node.Attr("type"); ok && typ == "terminate" {
			cond, _ := node.Attr("condition")
			return StepNone, fmt.Errorf("%w: terminated (%s)", ErrDisconnected, cond)
		}

		frag := t.boshToXMLStream(node)
		t.mu.Lock()
		t.lastResp = time.Now()
		t.markIdleLocked(connID)
		t.recvBuf = append(t.recvBuf, frag...)
		t.mu.Unlock()
		return StepData, nil

	case http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound:
		return StepNone, fmt.Errorf("%w: HTTP %d", ErrDisconnected, res.status)
	default:
		return StepNone, fmt.Errorf("%w: unexpected HTTP status %d", ErrDisconnected, res.status)
	}
}

func (t *Transport) markIdleLocked(connID int) {
	for _, c := range t.conns {
		if c.id == connID {
			c.state = stateIdle
			return
		}
	}
}

// recoverDeadConnection implements the dead-keep-alive recovery: tear down
// the connection, then resend the failed body and every body still pending
// on the same connection, in order, on fresh connections. Each body is
// resent verbatim with the rid it was first stamped with, and the rid
// generator is kept at or past each resent rid so later sends continue the
// sequence without reusing one.
func (t *Transport) recoverDeadConnection(ctx context.Context, connID int, first *pendingRequest) (Step, error) {
	t.mu.Lock()
	rest := t.pending[connID]
	delete(t.pending, connID)
	t.mu.Unlock()

	t.reconnect(connID)

	toResend := append([]*pendingRequest{first}, rest...)
	for _, pr := range toResend {
		t.mu.Lock()
		n, err := parseRID(pr.rid)
		if err == nil && n > t.rid {
			t.rid = n
		}
		t.mu.Unlock()

		c := t.connection()
		hdr := make(http.Header)
		hdr.Set("Content-Type", "text/xml; charset=utf-8")
		hdr.Set("Connection", "Keep-Alive")
		hdr.Set("Host", t.httpHost)

		npr := &pendingRequest{connID: c.id, rid: pr.rid, body: pr.body, result: make(chan httpResult, 1)}
		t.mu.Lock()
		c.state = stateBusy
		t.pending[c.id] = append(t.pending[c.id], npr)
		t.mu.Unlock()

		t.doSend(ctx, npr, hdr)
	}
	return StepResent, nil
}

func isDeadConnErr(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF)
}

func parseRID(s string) (int, error) {
	var n int
	_, err := fmt.Sscanf(s, "%d", &n)
	return n, err
}
