// Copyright 2016 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause license that can be
// found in the LICENSE file.

package bosh

import (
	"strconv"
	"strings"
	"testing"

	"mellium.im/xmppcore/xmlnode"
)

func newTestTransport(t *testing.T) *Transport {
	t.Helper()
	tr, err := New(Config{Endpoint: "https://www.orvant.com/http-bind"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return tr
}

func parseBody(t *testing.T, raw []byte) *xmlnode.Node {
	t.Helper()
	p := xmlnode.NewParser("test")
	if err := p.Feed(raw); err != nil {
		t.Fatalf("Feed: %v", err)
	}
	n, ok := p.PopRoot()
	if !ok {
		t.Fatal("expected a root node")
	}
	return n
}

// Scenario 4: BOSH session open.
func TestXMLStreamToBOSHSessionCreate(t *testing.T) {
	tr := newTestTransport(t)

	header := `<?xml version='1.0'?><stream:stream xmlns="jabber:client" from="dev.az.h4.cx" version="1.0" xmlns:stream="http://etherx.jabber.org/streams">`
	raw, rid := tr.xmlstreamToBOSH([]byte(header))
	if rid == "" {
		t.Fatal("expected a non-empty rid")
	}

	body := parseBody(t, raw)
	if body.Tag != "body" {
		t.Fatalf("got tag %q, want %q", body.Tag, "body")
	}
	want := map[string]string{
		"xmpp:version": "1.0",
		"wait":         "80",
		"hold":         "4",
		"xml:lang":     "en",
		"content":      "text/xml; charset=utf-8",
	}
	for k, v := range want {
		got, ok := body.Attr(k)
		if !ok {
			t.Errorf("missing attr %q", k)
			continue
		}
		if got != v {
			t.Errorf("attr %q: got %q, want %q", k, got, v)
		}
	}
	if _, ok := body.Attr("rid"); !ok {
		t.Error("missing rid attribute")
	}
}

// Scenario 5: BOSH restart envelope.
func TestXMLStreamToBOSHRestart(t *testing.T) {
	tr := newTestTransport(t)

	header := `<?xml version='1.0'?><stream:stream xmlns="jabber:client" from="dev.az.h4.cx" version="1.0" xmlns:stream="http://etherx.jabber.org/streams" id="sdfij">`
	raw, _ := tr.xmlstreamToBOSH([]byte(header))

	body := parseBody(t, raw)
	restart, ok := body.Attr("xmpp:restart")
	if !ok || restart != "true" {
		t.Fatalf("got xmpp:restart=%q,%v, want true", restart, ok)
	}
	for _, forbidden := range []string{"hold", "wait", "xmpp:version"} {
		if _, ok := body.Attr(forbidden); ok {
			t.Errorf("restart body must not set %q", forbidden)
		}
	}
}

// Scenario 6: BOSH session response adoption.
func TestBOSHToXMLStreamSessionResponse(t *testing.T) {
	tr := newTestTransport(t)

	in := xmlnode.New("body", []xmlnode.Attr{
		{Name: "sid", Value: "0209ce4ea..."},
		{Name: "wait", Value: "120"},
		{Name: "hold", Value: "5"},
		{Name: "requests", Value: "4"},
	})

	out := tr.boshToXMLStream(in)

	const wantPrefix = `<?xml version='1.0'?><stream:stream xmlns:stream="jabber:client" `
	if !strings.HasPrefix(string(out), wantPrefix) {
		t.Fatalf("got prefix %q, want prefix %q", string(out)[:len(wantPrefix)], wantPrefix)
	}

	if tr.cfg.Wait != 120 {
		t.Errorf("wait: got %d, want 120", tr.cfg.Wait)
	}
	if tr.cfg.Hold != 5 {
		t.Errorf("hold: got %d, want 5", tr.cfg.Hold)
	}
	if tr.cfg.Requests != 4 {
		t.Errorf("requests: got %d, want 4", tr.cfg.Requests)
	}
	if tr.sid != "0209ce4ea..." {
		t.Errorf("sid: got %q, want %q", tr.sid, "0209ce4ea...")
	}
}

// P5: rid values strictly increase across successive sends.
func TestRIDMonotonicity(t *testing.T) {
	tr := newTestTransport(t)

	_, rid1 := tr.xmlstreamToBOSH([]byte("<presence/>"))
	_, rid2 := tr.xmlstreamToBOSH([]byte("<presence/>"))

	n1, err := strconv.Atoi(rid1)
	if err != nil {
		t.Fatalf("rid1 not numeric: %v", err)
	}
	n2, err := strconv.Atoi(rid2)
	if err != nil {
		t.Fatalf("rid2 not numeric: %v", err)
	}
	if n2 <= n1 {
		t.Fatalf("rid did not increase: %d then %d", n1, n2)
	}
}

// P5: SetRID primes the generator so the next read returns exactly n.
func TestSetRIDPrimesNextRead(t *testing.T) {
	tr := newTestTransport(t)
	tr.SetRID(42)

	_, rid := tr.xmlstreamToBOSH([]byte("<presence/>"))
	if rid != "42" {
		t.Fatalf("got rid %q, want %q", rid, "42")
	}
}

func TestAcceptsMoreRequestsBeforeBind(t *testing.T) {
	tr := newTestTransport(t)
	if tr.AcceptsMoreRequests() {
		t.Fatal("an unbound session must not accept requests")
	}
}

func TestAcceptsMoreRequestsAfterBind(t *testing.T) {
	tr := newTestTransport(t)
	tr.Bind(1, "sid1", 4, 80, 5, 0)
	if !tr.AcceptsMoreRequests() {
		t.Fatal("a freshly bound session with no prior response should accept requests")
	}
}

func TestFilenoPanicsWithNoConnections(t *testing.T) {
	tr := newTestTransport(t)
	defer func() {
		if recover() == nil {
			t.Fatal("expected Fileno to panic with no open connections")
		}
	}()
	tr.Fileno()
}

func TestFilenoReturnsPoolIDs(t *testing.T) {
	tr := newTestTransport(t)
	tr.Connect()
	tr.Connect()
	ids := tr.Fileno()
	if len(ids) != 2 {
		t.Fatalf("got %d ids, want 2", len(ids))
	}
	if ids[0] == ids[1] {
		t.Fatalf("pool ids must be distinct, got %d twice", ids[0])
	}
}
