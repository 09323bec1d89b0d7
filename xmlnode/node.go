// Copyright 2020 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause license that can be
// found in the LICENSE file.

// Package xmlnode provides a namespace-prefix-aware XML tree, a compact and
// indented serializer, and an incremental push-parser suitable for framing
// an XMPP stream.
//
// Unlike encoding/xml, the parser in this package is built to be fed
// arbitrary byte slices as they arrive off the wire (a single TCP read may
// split a tag, an attribute, or a run of character data) and to deliver
// handler callbacks only once a complete token has been assembled. This
// mirrors how an expat-style push parser is used to frame a long-lived XML
// document such as an XMPP stream, something encoding/xml's pull-based
// Decoder cannot do without blocking a goroutine on a socket read.
package xmlnode // import "mellium.im/xmppcore/xmlnode"

import "strings"

// Attr is a single XML attribute. Unlike a map, a slice of Attr preserves
// the order in which attributes were set, which the serializer depends on
// for stable output.
type Attr struct {
	Name  string
	Value string
}

// Node is a tree element modeling a single XML element. Runs of character
// data are not Nodes: they are stored as strings in a parent's Payload.
type Node struct {
	// Tag is the element's unqualified local name.
	Tag string
	// Prefix is the element's namespace prefix, if any. A tag containing a
	// colon is split into (Prefix, Tag) at construction time.
	Prefix string

	attrs   []Attr
	nsLocal []Attr // nsmap declared at this node; key "" is the default namespace

	// Payload is the ordered list of children: each entry is either a *Node
	// or a string (trimmed of surrounding whitespace on insertion).
	Payload []interface{}

	// Parent is a non-owning back-reference to the containing node.
	Parent *Node
}

// New builds a Node from a tag name and an ordered attribute list. Any
// attribute whose name begins with "xmlns" is extracted into the node's
// local namespace map and will not appear in Attrs. A tag containing a
// colon is split into prefix and local name.
func New(tag string, attrs []Attr) *Node {
	n := &Node{}
	if i := strings.IndexByte(tag, ':'); i >= 0 {
		n.Prefix, n.Tag = tag[:i], tag[i+1:]
	} else {
		n.Tag = tag
	}
	for _, a := range attrs {
		n.setAttrOrNS(a.Name, a.Value)
	}
	return n
}

func (n *Node) setAttrOrNS(name, val string) {
	switch {
	case name == "xmlns":
		n.setNS("", val)
	case strings.HasPrefix(name, "xmlns:"):
		n.setNS(name[len("xmlns:"):], val)
	default:
		n.SetAttr(name, val)
	}
}

func (n *Node) setNS(prefix, uri string) {
	for i, a := range n.nsLocal {
		if a.Name == prefix {
			n.nsLocal[i].Value = uri
			return
		}
	}
	n.nsLocal = append(n.nsLocal, Attr{Name: prefix, Value: uri})
}

// Attrs returns the node's ordered attribute list, excluding the xmlns*
// declarations made through New or SetNS (which live in the namespace map
// instead).
func (n *Node) Attrs() []Attr {
	return n.attrs
}

// Attr returns the value of the named attribute and whether it was present.
func (n *Node) Attr(name string) (string, bool) {
	for _, a := range n.attrs {
		if a.Name == name {
			return a.Value, true
		}
	}
	return "", false
}

// SetAttr sets or replaces the named attribute. It does not treat "xmlns"
// or "xmlns:*" names specially: they are stored as ordinary attributes and
// returned by Attrs. New and SetNS put declarations in the namespace map.
func (n *Node) SetAttr(name, val string) {
	for i, a := range n.attrs {
		if a.Name == name {
			n.attrs[i].Value = val
			return
		}
	}
	n.attrs = append(n.attrs, Attr{Name: name, Value: val})
}

// SetNS declares a namespace at this node under the given prefix (use ""
// for the default namespace).
func (n *Node) SetNS(prefix, uri string) {
	n.setNS(prefix, uri)
}

// NSLocal returns the namespace declarations made directly at this node.
func (n *Node) NSLocal() []Attr {
	return n.nsLocal
}

// AddChild appends a child to the node's payload. A *Node child has its
// Parent set to n; a string child is trimmed of surrounding whitespace
// before being appended (matching the behavior of the reference
// implementation this package is ported from, which always inserts the
// trimmed chunk even when it is empty).
func (n *Node) AddChild(child interface{}) {
	switch c := child.(type) {
	case *Node:
		c.Parent = n
		n.Payload = append(n.Payload, c)
	case string:
		n.Payload = append(n.Payload, strings.TrimSpace(c))
	default:
		panic("xmlnode: AddChild accepts only *Node or string")
	}
}

// Children returns the *Node elements of Payload, skipping text chunks.
func (n *Node) Children() []*Node {
	var out []*Node
	for _, p := range n.Payload {
		if c, ok := p.(*Node); ok {
			out = append(out, c)
		}
	}
	return out
}

// Text concatenates the text chunks directly in Payload (not recursively).
func (n *Node) Text() string {
	var b strings.Builder
	for _, p := range n.Payload {
		if s, ok := p.(string); ok {
			b.WriteString(s)
		}
	}
	return b.String()
}

// Namespace resolves the namespace URI bound to this node's prefix,
// searching this node's local declarations first and then walking up the
// ancestor chain. It returns "" if the prefix is never declared.
func (n *Node) Namespace() string {
	for cur := n; cur != nil; cur = cur.Parent {
		for _, a := range cur.nsLocal {
			if a.Name == n.Prefix {
				return a.Value
			}
		}
	}
	return ""
}

// NSMap returns the composition of every ancestor's local namespace
// declarations overlaid with this node's own, nearest declaration wins.
func (n *Node) NSMap() map[string]string {
	var chain []*Node
	for cur := n; cur != nil; cur = cur.Parent {
		chain = append(chain, cur)
	}
	m := make(map[string]string)
	for i := len(chain) - 1; i >= 0; i-- {
		for _, a := range chain[i].nsLocal {
			m[a.Name] = a.Value
		}
	}
	return m
}

// Root walks up the Parent chain and returns the topmost ancestor.
func (n *Node) Root() *Node {
	cur := n
	for cur.Parent != nil {
		cur = cur.Parent
	}
	return cur
}

// Tags filters the node's direct children, returning those matching tag
// (ignored if empty), every key/value pair in attrs (all must match), and
// namespace (ignored if empty). If one is true, only the first match is
// returned (or nil if there is none); otherwise every match is returned.
//
// This is a convenience helper ported from the reference implementation's
// get_tags and is not required by any framing invariant; it exists to save
// callers that walk a <stream:features/> or similar container from
// hand-rolling the same loop.
func (n *Node) Tags(tag string, attrs map[string]string, namespace string, one bool) []*Node {
	var found []*Node
	for _, child := range n.Children() {
		if namespace != "" && namespace != child.Namespace() {
			continue
		}
		if tag != "" && child.Tag != tag {
			continue
		}
		matched := true
		for k, v := range attrs {
			if got, ok := child.Attr(k); !ok || got != v {
				matched = false
				break
			}
		}
		if !matched {
			continue
		}
		found = append(found, child)
		if one {
			return found
		}
	}
	return found
}
