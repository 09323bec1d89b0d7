// Copyright 2020 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause license that can be
// found in the LICENSE file.

package stream

import (
	"errors"
	"log"

	"golang.org/x/text/language"

	"mellium.im/xmppcore/internal/decl"
	"mellium.im/xmppcore/internal/idgen"
	"mellium.im/xmppcore/internal/ns"
	"mellium.im/xmppcore/jid"
	"mellium.im/xmppcore/xmlnode"
)

// Started describes which phase of the opening handshake a Stream has
// reached.
type Started int

const (
	// NotStarted is the zero value: no header has been sent or received yet.
	NotStarted Started = iota
	// StartedAsTo means this side received a header addressed to it and has
	// adopted to/from/session id from the peer.
	StartedAsTo
	// StartedAsFrom means this side sent the initiating header.
	StartedAsFrom
)

// ErrNoTo is returned by Start when the stream has no destination address
// configured.
var ErrNoTo = errors.New("stream: Start requires To to be set")

// Option configures a Stream constructed with New.
type Option func(*Stream)

// To sets the stream's destination address. The address is run through
// jid.Parse for validation and normalized to its canonical string form;
// an address that fails to parse as a JID is kept as-is, since a bare
// hostname used for a component stream is a valid "to" even when it is
// not a well-formed JID.
func To(addr string) Option {
	return func(s *Stream) { s.to = normalizeAddr(addr) }
}

// From sets the stream's origin address. See To for the normalization
// rule applied.
func From(addr string) Option {
	return func(s *Stream) { s.from = normalizeAddr(addr) }
}

func normalizeAddr(addr string) string {
	j, err := jid.Parse(addr)
	if err != nil {
		return addr
	}
	return j.String()
}

// Lang sets the default xml:lang for the stream. Defaults to "en".
func Lang(l language.Tag) Option {
	return func(s *Stream) { s.xmlLang = l.String() }
}

// DefaultNS sets the stream's default content namespace, e.g. ns.Client or
// ns.Server. Defaults to ns.Client.
func DefaultNS(namespace string) Option {
	return func(s *Stream) { s.defaultNS = namespace }
}

// Logger sets the destination for diagnostic warnings (such as identity
// mismatches on restart). A nil Logger, the default, discards them.
func Logger(l *log.Logger) Option {
	return func(s *Stream) { s.log = l }
}

// Stream maintains the logical state of an XMPP XML stream: identity,
// session id, direction, and the started/restarting lifecycle described by
// RFC 6120 §4. It frames outbound stanzas through an output parser
// (round-tripping them for validation) and unframes inbound bytes through
// an input parser, publishing completed stanzas to a FIFO queue.
//
// A Stream does not own any transport; callers feed it bytes via Parse and
// drain serialized output via GetOutput, wiring it to a TCP or BOSH
// transport externally.
type Stream struct {
	to, from, sessionID string
	xmlLang             string
	defaultNS           string
	version             Version

	started Started
	bound   bool

	in  *xmlnode.Parser
	out *xmlnode.Parser

	inQueue  []*xmlnode.Node
	outQueue [][]byte

	inStartTok  int
	outStartTok int

	inErr  error
	outErr error

	log *log.Logger
}

// New returns a Stream configured by opts. The default xml:lang is "en",
// the default content namespace is ns.Client, and the version is always
// 1.0 per RFC 6120.
func New(opts ...Option) *Stream {
	s := &Stream{
		xmlLang:   "en",
		defaultNS: ns.Client,
		version:   Version{Major: 1, Minor: 0},
	}
	for _, o := range opts {
		o(s)
	}
	s.resetParsers()
	return s
}

func (s *Stream) logf(format string, v ...interface{}) {
	if s.log != nil {
		s.log.Printf(format, v...)
	}
}

func (s *Stream) resetParsers() {
	s.in = xmlnode.NewParser("in")
	s.out = xmlnode.NewParser("out")

	s.inStartTok = s.in.RegisterStart(s.onInputStart)
	s.in.RegisterEnd(s.onInputEnd)

	s.outStartTok = s.out.RegisterStart(s.onOutputStart)
	s.out.RegisterEnd(s.onOutputEnd)
}

// To returns the stream's destination address.
func (s *Stream) To() string { return s.to }

// From returns the stream's origin address.
func (s *Stream) From() string { return s.from }

// SessionID returns the session id adopted from the peer, or set locally.
func (s *Stream) SessionID() string { return s.sessionID }

// StartedState reports which phase of the handshake the stream has reached.
func (s *Stream) StartedState() Started { return s.started }

// Bound reports whether a higher layer has completed resource binding.
// Binding itself is out of scope for this package (see RFC 6120 §7); a
// caller that performs it calls SetBound to record the result.
func (s *Stream) Bound() bool { return s.bound }

// SetBound records whether resource binding has completed.
func (s *Stream) SetBound(b bool) { s.bound = b }

func (s *Stream) headerNode() *xmlnode.Node {
	attrs := []xmlnode.Attr{
		{Name: "xmlns", Value: s.defaultNS},
		{Name: "xmlns:stream", Value: ns.Stream},
	}
	if s.to != "" {
		attrs = append(attrs, xmlnode.Attr{Name: "to", Value: s.to})
	}
	if s.from != "" {
		attrs = append(attrs, xmlnode.Attr{Name: "from", Value: s.from})
	}
	if s.sessionID != "" {
		attrs = append(attrs, xmlnode.Attr{Name: "id", Value: s.sessionID})
	}
	attrs = append(attrs,
		xmlnode.Attr{Name: "version", Value: s.version.String()},
		xmlnode.Attr{Name: "xml:lang", Value: s.xmlLang},
	)
	return xmlnode.New("stream:stream", attrs)
}

// Header renders just the opening-header representation (document head
// plus opening tag) without sending it through the output parser.
func (s *Stream) Header() []byte {
	return []byte(decl.XMLHeader + s.headerNode().OpenTag())
}

// Start requires To to be set. It builds the opening <stream:stream> header
// and routes it through SendNode.
func (s *Stream) Start() error {
	if s.to == "" {
		return ErrNoTo
	}
	_, err := s.SendNode(s.headerNode())
	return err
}

// Restart discards both parsers, resets the started state, and issues
// Start again, preserving To, From, and SessionID (RFC 6120 prescribes
// clearing session state on restart, but the session id is intentionally
// retained here as an out-of-band signal to the transport that this is a
// restart, not a new session).
func (s *Stream) Restart() error {
	s.started = NotStarted
	s.inErr = nil
	s.outErr = nil
	s.inQueue = nil
	s.outQueue = nil
	s.resetParsers()
	return s.Start()
}

// stanzaTags lists the level-2 elements that are assigned a process-wide
// id when they don't already carry one.
var stanzaTags = map[string]bool{
	"message":  true,
	"presence": true,
	"iq":       true,
}

// SendNode serializes node and feeds it through the output parser, which
// materializes the document head and opening tag (level 1) or queues the
// serialized stanza (level 2) onto GetOutput. For message/presence/iq
// stanzas missing an "id" attribute, SendNode assigns one from the
// process-wide monotonic generator and returns it.
func (s *Stream) SendNode(n *xmlnode.Node) (id string, err error) {
	if stanzaTags[n.Tag] {
		if _, ok := n.Attr("id"); !ok {
			id = idgen.Next()
			n.SetAttr("id", id)
		} else {
			id, _ = n.Attr("id")
		}
	}

	var raw string
	if n.Tag == "stream" {
		raw = n.OpenTag()
	} else {
		raw = n.String()
	}
	if s.outErr != nil {
		return id, s.outErr
	}
	if err := s.out.Feed([]byte(raw)); err != nil {
		s.outErr = err
		return id, err
	}
	return id, s.outErr
}

// Parse feeds bytes into the input parser, driving the stream's
// input-side state machine and, for level-2 children, enqueuing completed
// stanzas for RecvNode.
func (s *Stream) Parse(data []byte) error {
	if s.inErr != nil {
		return s.inErr
	}
	if err := s.in.Feed(data); err != nil {
		s.inErr = err
		return err
	}
	return s.inErr
}

// RecvNode pops the oldest complete inbound stanza, or reports false if
// none is queued.
func (s *Stream) RecvNode() (*xmlnode.Node, bool) {
	if len(s.inQueue) == 0 {
		return nil, false
	}
	n := s.inQueue[0]
	s.inQueue = s.inQueue[1:]
	return n, true
}

// GetOutput pops the oldest queued outbound byte buffer, or reports false
// if none is queued.
func (s *Stream) GetOutput() ([]byte, bool) {
	if len(s.outQueue) == 0 {
		return nil, false
	}
	b := s.outQueue[0]
	s.outQueue = s.outQueue[1:]
	return b, true
}

// onOutputStart mirrors onInputStart for the header we send ourselves. In
// normal operation this only ever fires for our own headerNode (well-formed
// by construction), but it validates symmetrically with the input side so
// that an injected or hand-built header gets the same guarantees. Whichever
// of the two handlers observes s.started == NotStarted first "wins" the
// initial transition; since SendNode runs synchronously inside Start, the
// output side always wins that race for a locally-initiated stream.
func (s *Stream) onOutputStart(_ string, level int, n *xmlnode.Node) {
	if level != 1 {
		return
	}
	if n.Tag != "stream" {
		s.outErr = BadFormat
		return
	}
	if v, ok := n.Attr("version"); ok {
		if !isSupportedVersion(v) {
			s.outErr = UnsupportedVersion
			return
		}
	}

	if s.started == NotStarted {
		s.outQueue = append(s.outQueue, []byte(decl.XMLHeader+n.OpenTag()))
		s.started = StartedAsFrom
	} else if peerID, ok := n.Attr("id"); ok && s.sessionID == "" {
		s.sessionID = peerID
	}
	s.out.UnregisterStart(s.outStartTok)
}

func (s *Stream) onOutputEnd(_ string, level int, n *xmlnode.Node) {
	if level != 2 {
		return
	}
	s.outQueue = append(s.outQueue, []byte(n.String()))
}

// onInputStart implements the input-side state machine driven by the
// level-1 header: reject a non-"stream" root, enforce the version
// attribute when present, adopt identity on the first header to arrive
// while the stream is not yet started, and otherwise (a restart, or a
// locally-initiated stream that already transitioned via onOutputStart)
// adopt only the session id while logging identity mismatches. The handler
// unregisters itself only on success. A validation failure records a
// sticky error that Parse returns from then on; only Restart, which builds
// fresh parsers, clears it.
func (s *Stream) onInputStart(_ string, level int, n *xmlnode.Node) {
	if level != 1 {
		return
	}
	if n.Tag != "stream" {
		s.inErr = BadFormat
		return
	}
	if v, ok := n.Attr("version"); ok {
		if !isSupportedVersion(v) {
			s.inErr = UnsupportedVersion
			return
		}
	}

	peerTo, _ := n.Attr("to")
	peerFrom, _ := n.Attr("from")
	peerID, _ := n.Attr("id")

	if s.started == NotStarted {
		if s.to == "" {
			s.to = normalizeAddr(peerFrom)
		}
		if s.from == "" {
			s.from = normalizeAddr(peerTo)
		}
		if s.sessionID == "" {
			s.sessionID = peerID
		}
		s.started = StartedAsTo
	} else {
		if s.sessionID == "" {
			s.sessionID = peerID
		}
		if peerFrom != "" && s.to != "" && peerFrom != s.to {
			s.logf("stream: header 'from' %q does not match established 'to' %q", peerFrom, s.to)
		}
		if peerTo != "" && s.from != "" && peerTo != s.from {
			s.logf("stream: header 'to' %q does not match established 'from' %q", peerTo, s.from)
		}
	}
	s.in.UnregisterStart(s.inStartTok)
}

func isSupportedVersion(v string) bool {
	parsed, err := ParseVersion(v)
	return err == nil && parsed.Major == 1 && parsed.Minor == 0
}

func (s *Stream) onInputEnd(_ string, level int, n *xmlnode.Node) {
	if level != 2 {
		return
	}
	s.inQueue = append(s.inQueue, n)
}
