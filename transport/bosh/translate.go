// Copyright 2016 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause license that can be
// found in the LICENSE file.

package bosh

import (
	"strconv"
	"strings"

	"mellium.im/xmppcore/internal/decl"
	"mellium.im/xmppcore/internal/ns"
	"mellium.im/xmppcore/jid"
	"mellium.im/xmppcore/xmlnode"
)

// xmlstreamToBOSH translates a chunk of raw stream bytes (an opening
// header, or zero or more serialized stanzas) into a BOSH <body/> envelope,
// returning the serialized envelope and the rid it was stamped with. Only
// the first stanza is carried: when raw holds several, the rest are
// dropped, and a fragment that does not parse yields an empty body.
func (t *Transport) xmlstreamToBOSH(raw []byte) ([]byte, string) {
	s := string(raw)

	var body *xmlnode.Node
	if strings.HasPrefix(s, decl.XMLHeader) {
		body = t.streamHeaderToBody(s[len(decl.XMLHeader):])
	} else {
		body = xmlnode.New("body", nil)
		if frag := strings.TrimSpace(s); frag != "" {
			if n, err := parseFragment(frag); err == nil && n != nil {
				body.AddChild(n)
			}
		}
	}

	t.mu.Lock()
	body.SetAttr("xmlns", ns.HTTPBind)
	body.SetAttr("content", "text/xml; charset=utf-8")
	body.SetAttr("xml:lang", t.cfg.XMLLang)
	rid := t.nextRID()
	body.SetAttr("rid", rid)
	if t.sid != "" {
		body.SetAttr("sid", t.sid)
	}
	t.mu.Unlock()

	return []byte(body.String()), rid
}

// streamHeaderToBody builds either a restart body or a session-creation
// body from the opening <stream:stream ...> tag that follows the XML
// declaration. headerAndRest is everything after the declaration; only the
// first tag is consulted.
func (t *Transport) streamHeaderToBody(headerAndRest string) *xmlnode.Node {
	tag := normalizeToSelfClosing(headerAndRest)
	_, attrs, err := xmlnode.ParseStartTag([]byte(tag))
	attrVal := func(name string) (string, bool) {
		if err != nil {
			return "", false
		}
		for _, a := range attrs {
			if a.Name == name {
				return a.Value, true
			}
		}
		return "", false
	}

	body := xmlnode.New("body", nil)
	if id, ok := attrVal("id"); ok && id != "" {
		body.SetAttr("xmpp:restart", "true")
		body.SetAttr("xmlns:xmpp", ns.XBOSH)
		return body
	}

	t.mu.Lock()
	hold := t.cfg.Hold
	wait := t.cfg.Wait
	server := t.cfg.Server
	port := t.cfg.Port
	httpHost := t.httpHost
	t.mu.Unlock()

	body.SetAttr("hold", strconv.Itoa(hold))
	body.SetAttr("wait", strconv.Itoa(wait))
	body.SetAttr("ver", "1.6")
	if v, ok := attrVal("version"); ok {
		body.SetAttr("xmpp:version", v)
	}
	if to, ok := attrVal("to"); ok {
		body.SetAttr("to", normalizeJID(to))
	}
	body.SetAttr("xmlns:xmpp", ns.XBOSH)
	if server != "" && server != httpHost {
		route := server
		if port != 0 {
			route = server + ":" + strconv.Itoa(int(port))
		}
		body.SetAttr("route", route)
	}
	return body
}

// normalizeToSelfClosing turns the leading "<stream:stream ...>" open tag
// into a self-closed "<stream:stream .../>" so it can be parsed as a single
// complete tag with no matching close tag required, discarding everything
// from the first '>' onward exactly as the original prolog-stripping step
// does.
func normalizeToSelfClosing(s string) string {
	i := strings.IndexByte(s, '>')
	if i < 0 {
		return s
	}
	tag := s[:i]
	if strings.HasSuffix(strings.TrimRight(tag, " \t\r\n"), "/") {
		return tag + ">"
	}
	return tag + "/>"
}

// normalizeJID runs addr through jid.Parse and returns its canonical string
// form, or addr unchanged if it does not parse as a JID (a bare domain used
// on a component stream, for instance).
func normalizeJID(addr string) string {
	j, err := jid.Parse(addr)
	if err != nil {
		return addr
	}
	return j.String()
}

func parseFragment(s string) (*xmlnode.Node, error) {
	p := xmlnode.NewParser("fragment")
	if err := p.Feed([]byte(s)); err != nil {
		return nil, err
	}
	n, ok := p.PopRoot()
	if !ok {
		return nil, xmlnode.ErrMalformed
	}
	return n, nil
}

// boshToXMLStream translates an inbound <body/> into the stream-level
// bytes it represents: a session-establishment response synthesizes an
// opening <stream:stream> header (with its closing tag trimmed, document
// head prepended), while a body carrying stanzas concatenates their
// serializations. An empty, childless body with no sid translates to
// nothing.
func (t *Transport) boshToXMLStream(body *xmlnode.Node) []byte {
	if sid, ok := body.Attr("sid"); ok {
		t.mu.Lock()
		t.sid = sid
		if authID, ok := body.Attr("authid"); ok {
			t.authID = authID
		}
		t.cfg.Wait = intAttrOr(body, "wait", t.cfg.Wait)
		t.cfg.Hold = intAttrOr(body, "hold", t.cfg.Hold)
		t.cfg.Polling = intAttrOr(body, "polling", t.cfg.Polling)
		t.cfg.Requests = intAttrOr(body, "requests", t.cfg.Requests)
		t.mu.Unlock()

		// The reference implementation sets the synthesized stream node's
		// content namespace through the same property that maps a node's
		// prefix to its own xmlns declaration, which for a "stream:stream"
		// node means this renders as xmlns:stream="jabber:client" rather
		// than the xmlns="jabber:client" that was probably intended. That
		// quirk is preserved here rather than corrected (see DESIGN.md).
		stream := xmlnode.New("stream:stream", []xmlnode.Attr{
			{Name: "xmlns:stream", Value: ns.Client},
			{Name: "version", Value: "1.0"},
			{Name: "id", Value: sid},
		})
		// Any stanzas that rode along with the session-establishment
		// response become the synthesized stream's children, so the
		// trimmed-closing-tag trick below leaves a well-formed open tag
		// with its content intact.
		for _, c := range body.Children() {
			stream.AddChild(c)
		}
		rendered := stream.OpenTag()
		if len(stream.Payload) > 0 {
			rendered = strings.TrimSuffix(stream.String(), "</stream:stream>")
		}
		return []byte(decl.XMLHeader + rendered)
	}

	children := body.Children()
	if len(children) == 0 {
		return nil
	}
	var b strings.Builder
	for _, c := range children {
		b.WriteString(c.String())
	}
	return []byte(b.String())
}

func intAttrOr(n *xmlnode.Node, name string, fallback int) int {
	v, ok := n.Attr(name)
	if !ok {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}
