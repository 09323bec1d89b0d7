// Copyright 2014 Sam Whited.
// Use of this source code is governed by the BSD 2-clause license that can be
// found in the LICENSE file.

// Package jid provides data structures for representing and manipulating
// XMPP addresses.
package jid // import "mellium.im/xmppcore/jid"

import (
	"encoding/xml"
	"errors"
	"net"
	"strings"
)

// JID represents an XMPP address ("Jabber ID") comprising a localpart,
// domainpart, and resourcepart.
//
// Unlike earlier revisions of this package, JID is a single concrete type:
// the stream and BOSH layers only need to carry, compare, and round-trip
// addresses, not apply Unicode normalization profiles, so the split between
// a "safe" and "unsafe" representation was dropped.
type JID struct {
	localpart    string
	domainpart   string
	resourcepart string
}

// Parse constructs a new JID from its string representation. The string may
// be any valid bare or full JID including raw domain names, IP literals, or
// hostnames.
func Parse(s string) (*JID, error) {
	localpart, domainpart, resourcepart, err := SplitString(s)
	if err != nil {
		return nil, err
	}
	return FromParts(localpart, domainpart, resourcepart)
}

// FromParts constructs a new JID from the given localpart, domainpart, and
// resourcepart. The only required part is the domainpart ('example.net' and
// 'hostname' are valid JIDs).
func FromParts(localpart, domainpart, resourcepart string) (*JID, error) {
	if err := commonChecks(localpart, domainpart, resourcepart); err != nil {
		return nil, err
	}
	return &JID{
		localpart:    localpart,
		domainpart:   domainpart,
		resourcepart: resourcepart,
	}, nil
}

// Localpart gets the localpart of a JID (eg "username").
func (j *JID) Localpart() string {
	if j == nil {
		return ""
	}
	return j.localpart
}

// Domainpart gets the domainpart of a JID (eg. "example.net").
func (j *JID) Domainpart() string {
	if j == nil {
		return ""
	}
	return j.domainpart
}

// Resourcepart gets the resourcepart of a JID (eg. "someclient-abc123").
func (j *JID) Resourcepart() string {
	if j == nil {
		return ""
	}
	return j.resourcepart
}

// Bare returns a copy of the JID without a resourcepart.
func (j *JID) Bare() *JID {
	return &JID{localpart: j.localpart, domainpart: j.domainpart}
}

// Copy returns a deep copy of j.
func (j *JID) Copy() *JID {
	cp := *j
	return &cp
}

// String converts a JID to its string representation.
func (j *JID) String() string {
	if j == nil {
		return ""
	}
	return stringify(j)
}

// Equal performs an octet-for-octet comparison with the given JID. Two nil
// JIDs are equal.
func (j *JID) Equal(j2 *JID) bool {
	if j == nil || j2 == nil {
		return j == j2
	}
	return j.localpart == j2.localpart &&
		j.domainpart == j2.domainpart &&
		j.resourcepart == j2.resourcepart
}

// MarshalXMLAttr satisfies the xml.MarshalerAttr interface and marshals the
// JID as an XML attribute.
func (j *JID) MarshalXMLAttr(name xml.Name) (xml.Attr, error) {
	return xml.Attr{Name: name, Value: j.String()}, nil
}

// UnmarshalXMLAttr satisfies the xml.UnmarshalerAttr interface and unmarshals
// an XML attribute into a valid JID (or returns an error).
func (j *JID) UnmarshalXMLAttr(attr xml.Attr) error {
	parsed, err := Parse(attr.Value)
	if err != nil {
		return err
	}
	*j = *parsed
	return nil
}

// SplitString splits out the localpart, domainpart, and resourcepart from a
// string representation of a JID. The parts are not guaranteed to be valid,
// and each part must be 1023 bytes or less.
func SplitString(s string) (localpart, domainpart, resourcepart string, err error) {
	// RFC 7622 §3.1 Fundamentals: match the separator characters '@' and '/'
	// before applying any transformation algorithms, which might decompose
	// certain Unicode code points to the separator characters.
	//
	// §3.2: the domainpart is what remains once any portion from the first
	// '/' character to the end of the string is removed.
	parts := strings.SplitAfterN(s, "/", 2)

	if strings.HasSuffix(parts[0], "/") {
		if len(parts) == 2 && parts[1] != "" {
			resourcepart = parts[1]
		} else {
			err = errors.New("jid: the resourcepart must be larger than 0 bytes")
			return
		}
	}

	norp := strings.TrimSuffix(parts[0], "/")

	// Remove any portion from the beginning of the string to the first '@'
	// character (if present).
	nolp := strings.SplitAfterN(norp, "@", 2)
	if nolp[0] == "@" {
		err = errors.New("jid: the localpart must be larger than 0 bytes")
		return
	}

	switch len(nolp) {
	case 1:
		domainpart = nolp[0]
	case 2:
		domainpart = nolp[1]
		localpart = strings.TrimSuffix(nolp[0], "@")
	}

	// Trailing dots on domainparts are ignored per RFC 1034 and MUST be
	// stripped before the domainpart is used for comparison or routing.
	domainpart = strings.TrimSuffix(domainpart, ".")

	return
}

func stringify(j *JID) string {
	s := j.Domainpart()
	if lp := j.Localpart(); lp != "" {
		s = lp + "@" + s
	}
	if rp := j.Resourcepart(); rp != "" {
		s = s + "/" + rp
	}
	return s
}

func checkIP6String(domainpart string) error {
	if l := len(domainpart); l > 2 && strings.HasPrefix(domainpart, "[") &&
		strings.HasSuffix(domainpart, "]") {
		if ip := net.ParseIP(domainpart[1 : l-1]); ip == nil || ip.To4() != nil {
			return errors.New("jid: domainpart is not a valid IPv6 address")
		}
	}
	return nil
}

func commonChecks(localpart, domainpart, resourcepart string) error {
	if len(localpart) > 1023 {
		return errors.New("jid: the localpart must be smaller than 1024 bytes")
	}

	// RFC 7622 §3.3.1 forbids a small set of characters in the localpart even
	// though the underlying identifier class otherwise allows them.
	if strings.ContainsAny(localpart, "\"&'/:<>@") {
		return errors.New("jid: localpart contains forbidden characters")
	}

	if len(resourcepart) > 1023 {
		return errors.New("jid: the resourcepart must be smaller than 1024 bytes")
	}

	if l := len(domainpart); l < 1 || l > 1023 {
		return errors.New("jid: the domainpart must be between 1 and 1023 bytes")
	}

	return checkIP6String(domainpart)
}
