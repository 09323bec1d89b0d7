// Copyright 2020 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause license that can be
// found in the LICENSE file.

package xmlnode

import (
	"regexp"
	"strings"
)

// escapePairs is applied in order, matching the reference implementation's
// ESCAPECHARS table exactly, including its use of "&quote;" (not the
// standard "&quot;") for double quotes. That looks like a bug in the
// implementation this package is ported from, but per the "do not guess
// intent" rule for preserved oddities it is kept as-is; round-tripping
// works because the decoder in parser.go understands both spellings.
var escapePairs = []struct{ from, to string }{
	{"&", "&amp;"},
	{"<", "&lt;"},
	{">", "&gt;"},
	{`"`, "&quote;"},
	{"'", "&#39;"},
}

var isEscapedRE = regexp.MustCompile(`&amp;|&quote|&#39;|&gt;|&lt;|&#60;|&#62;|&#34;|&#38;|&apos;`)

// IsEscaped reports whether s already contains one of the recognized escape
// sequences, in which case Escape treats it as already-escaped and leaves
// it untouched.
func IsEscaped(s string) bool {
	return isEscapedRE.MatchString(s)
}

// Escape replaces &, <, >, ", and ' with their XML entity equivalents,
// unless s is already escaped (see IsEscaped), in which case it is returned
// unchanged. This makes Escape idempotent: Escape(Escape(s)) == Escape(s).
func Escape(s string) string {
	if IsEscaped(s) {
		return s
	}
	for _, p := range escapePairs {
		s = strings.ReplaceAll(s, p.from, p.to)
	}
	return s
}

// String renders the node as compact XML: no inter-tag whitespace beyond
// what already lives in the tree's text chunks.
func (n *Node) String() string {
	var b strings.Builder
	n.write(&b, 0, false)
	return strings.TrimSpace(b.String())
}

// PrettyString renders the node as indented XML: two spaces per nesting
// level and a trailing newline after every tag and text chunk.
func (n *Node) PrettyString() string {
	var b strings.Builder
	n.write(&b, 0, true)
	return strings.TrimSpace(b.String())
}

func (n *Node) write(b *strings.Builder, level int, pretty bool) {
	nl := ""
	if pretty {
		nl = "\n"
	}
	indent := strings.Repeat("  ", level)
	b.WriteString(indent)
	if n.Prefix != "" {
		b.WriteByte('<')
		b.WriteString(n.Prefix)
		b.WriteByte(':')
		b.WriteString(n.Tag)
	} else {
		b.WriteByte('<')
		b.WriteString(n.Tag)
	}
	for _, ns := range n.nsLocal {
		if ns.Name != "" {
			b.WriteString(` xmlns:`)
			b.WriteString(ns.Name)
			b.WriteString(`="`)
			b.WriteString(ns.Value)
			b.WriteByte('"')
		} else {
			b.WriteString(` xmlns="`)
			b.WriteString(ns.Value)
			b.WriteByte('"')
		}
	}
	for _, a := range n.attrs {
		b.WriteByte(' ')
		b.WriteString(a.Name)
		b.WriteString(`="`)
		b.WriteString(Escape(a.Value))
		b.WriteByte('"')
	}
	if len(n.Payload) > 0 {
		b.WriteByte('>')
		b.WriteString(nl)
		for _, p := range n.Payload {
			switch c := p.(type) {
			case *Node:
				if pretty {
					c.write(b, level+1, pretty)
				} else {
					c.write(b, 0, pretty)
				}
			case string:
				if pretty {
					b.WriteString(strings.Repeat("  ", level+1))
				}
				b.WriteString(Escape(c))
				b.WriteString(nl)
			}
		}
		b.WriteString(indent)
		if n.Prefix != "" {
			b.WriteString("</")
			b.WriteString(n.Prefix)
			b.WriteByte(':')
			b.WriteString(n.Tag)
			b.WriteByte('>')
		} else {
			b.WriteString("</")
			b.WriteString(n.Tag)
			b.WriteByte('>')
		}
		b.WriteString(nl)
	} else {
		b.WriteString("/>")
		b.WriteString(nl)
	}
}

// openTag renders only the start tag of n, always in open (non-self-closing)
// form, e.g. "<stream:stream xmlns=... to=...>". Used by the stream state
// machine for the opening header, which is never self-closing on the wire
// even when the tree built for it has no children.
func (n *Node) openTag() string {
	var b strings.Builder
	if n.Prefix != "" {
		b.WriteByte('<')
		b.WriteString(n.Prefix)
		b.WriteByte(':')
		b.WriteString(n.Tag)
	} else {
		b.WriteByte('<')
		b.WriteString(n.Tag)
	}
	for _, ns := range n.nsLocal {
		if ns.Name != "" {
			b.WriteString(` xmlns:`)
			b.WriteString(ns.Name)
			b.WriteString(`="`)
			b.WriteString(ns.Value)
			b.WriteByte('"')
		} else {
			b.WriteString(` xmlns="`)
			b.WriteString(ns.Value)
			b.WriteByte('"')
		}
	}
	for _, a := range n.attrs {
		b.WriteByte(' ')
		b.WriteString(a.Name)
		b.WriteString(`="`)
		b.WriteString(Escape(a.Value))
		b.WriteByte('"')
	}
	b.WriteByte('>')
	return b.String()
}

// OpenTag is the exported form of openTag, used by the stream package when
// framing the opening header.
func (n *Node) OpenTag() string { return n.openTag() }
