// Copyright 2020 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause license that can be
// found in the LICENSE file.

package stream_test

import (
	"strings"
	"testing"

	"mellium.im/xmppcore/stream"
	"mellium.im/xmppcore/xmlnode"
)

// Scenario 1: client-initiated open produces exactly one output entry
// containing the document head and opening tag.
func TestStartProducesHeader(t *testing.T) {
	s := stream.New(stream.To("orvant.com"), stream.From("agent@orvant.com"))
	if err := s.Start(); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}

	out, ok := s.GetOutput()
	if !ok {
		t.Fatal("expected one queued output entry")
	}
	got := string(out)
	for _, want := range []string{
		`<?xml version='1.0'?>`,
		`<stream:stream`,
		`to="orvant.com"`,
		`from="agent@orvant.com"`,
		`version="1.0"`,
		`xml:lang="en"`,
	} {
		if !strings.Contains(got, want) {
			t.Errorf("output %q missing %q", got, want)
		}
	}
	if strings.HasSuffix(strings.TrimSpace(got), "/>") {
		t.Errorf("header must not be self-closing: %q", got)
	}
	if _, ok := s.GetOutput(); ok {
		t.Fatal("expected only one queued output entry")
	}
}

// Scenario 2: a server response carrying <stream:features> with a
// <starttls/> child is delivered through RecvNode.
func TestParseDeliversFeatures(t *testing.T) {
	s := stream.New(stream.To("orvant.com"), stream.From("agent@orvant.com"))
	if err := s.Start(); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	s.GetOutput() // drain our own header

	in := `<?xml version='1.0'?><stream:stream xmlns="jabber:client" xmlns:stream="http://etherx.jabber.org/streams" to="agent@orvant.com" from="orvant.com" version="1.0" xml:lang="en"><stream:features><starttls xmlns='urn:ietf:params:xml:ns:xmpp-tls'/></stream:features>`
	if err := s.Parse([]byte(in)); err != nil {
		t.Fatalf("Parse error: %v", err)
	}

	n, ok := s.RecvNode()
	if !ok {
		t.Fatal("expected a queued stanza")
	}
	if n.Tag != "features" || n.Prefix != "stream" {
		t.Fatalf("got tag=%q prefix=%q", n.Tag, n.Prefix)
	}
	children := n.Children()
	if len(children) != 1 || children[0].Tag != "starttls" {
		t.Fatalf("unexpected children: %#v", children)
	}
}

// Scenario 3 / property P4: restart preserves (to, from, session_id) and
// re-sends a header that carries the preserved session id.
func TestRestartPreservesIdentity(t *testing.T) {
	s := stream.New(stream.To("orvant.com"), stream.From("agent@orvant.com"))
	if err := s.Start(); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	s.GetOutput()

	if err := s.Parse([]byte(`<?xml version='1.0'?><stream:stream xmlns="jabber:client" xmlns:stream="http://etherx.jabber.org/streams" id="sdf" to="agent@orvant.com" from="orvant.com" version="1.0">`)); err != nil {
		t.Fatalf("Parse error: %v", err)
	}
	if s.SessionID() != "sdf" {
		t.Fatalf("got session id %q", s.SessionID())
	}

	if err := s.Restart(); err != nil {
		t.Fatalf("Restart error: %v", err)
	}
	if s.To() != "orvant.com" || s.From() != "agent@orvant.com" || s.SessionID() != "sdf" {
		t.Fatalf("identity not preserved: to=%q from=%q sid=%q", s.To(), s.From(), s.SessionID())
	}

	out, ok := s.GetOutput()
	if !ok {
		t.Fatal("expected restart to re-send a header")
	}
	if !strings.Contains(string(out), `id="sdf"`) {
		t.Fatalf("restarted header should carry the preserved session id: %q", out)
	}
}

// Property P3 (via this package's wiring of idgen): successive outbound
// stanza ids strictly increase.
func TestSendNodeAssignsMonotonicIDs(t *testing.T) {
	s := stream.New(stream.To("example.net"))
	if err := s.Start(); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	s.GetOutput()

	id1, err := s.SendNode(xmlnode.New("message", nil))
	if err != nil {
		t.Fatalf("SendNode error: %v", err)
	}
	id2, err := s.SendNode(xmlnode.New("iq", []xmlnode.Attr{{Name: "type", Value: "get"}}))
	if err != nil {
		t.Fatalf("SendNode error: %v", err)
	}
	if id1 == "" || id2 == "" {
		t.Fatalf("expected non-empty ids, got %q and %q", id1, id2)
	}
	if id1 >= id2 {
		t.Fatalf("expected id1 < id2, got %q >= %q", id1, id2)
	}
}

// Property P6: inbound stanzas complete in FIFO order.
func TestRecvNodeFIFO(t *testing.T) {
	s := stream.New(stream.To("example.net"))
	if err := s.Parse([]byte(`<?xml version='1.0'?><stream:stream xmlns="jabber:client" xmlns:stream="http://etherx.jabber.org/streams"><presence/><message/><iq/>`)); err != nil {
		t.Fatalf("Parse error: %v", err)
	}
	want := []string{"presence", "message", "iq"}
	for _, tag := range want {
		n, ok := s.RecvNode()
		if !ok {
			t.Fatalf("expected a stanza %q", tag)
		}
		if n.Tag != tag {
			t.Fatalf("got %q, want %q", n.Tag, tag)
		}
	}
	if _, ok := s.RecvNode(); ok {
		t.Fatal("expected RecvNode to be empty")
	}
}

// Property P7: a header with an unsupported version is rejected.
func TestVersionEnforcement(t *testing.T) {
	s := stream.New(stream.To("example.net"))
	err := s.Parse([]byte(`<?xml version='1.0'?><stream:stream xmlns="jabber:client" xmlns:stream="http://etherx.jabber.org/streams" version="2.0">`))
	if err != stream.UnsupportedVersion {
		t.Fatalf("got %v, want stream.UnsupportedVersion", err)
	}
	// The parser is now considered dead; further Parse calls report the
	// same error without attempting further work.
	if err2 := s.Parse([]byte(`<a/>`)); err2 != stream.UnsupportedVersion {
		t.Fatalf("expected sticky error, got %v", err2)
	}
}

func TestStartRequiresTo(t *testing.T) {
	s := stream.New()
	if err := s.Start(); err != stream.ErrNoTo {
		t.Fatalf("got %v, want stream.ErrNoTo", err)
	}
}
