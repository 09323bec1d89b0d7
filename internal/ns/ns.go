// Copyright 2016 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package ns provides namespace constants used throughout the engine.
package ns // import "mellium.im/xmppcore/internal/ns"

// List of commonly used namespaces.
const (
	Client   = "jabber:client"
	Server   = "jabber:server"
	Stream   = "http://etherx.jabber.org/streams"
	StartTLS = "urn:ietf:params:xml:ns:xmpp-tls"
	XML      = "http://www.w3.org/XML/1998/namespace"

	// Streams is the namespace of the condition elements nested inside a
	// <stream:error/>, e.g. <restricted-xml xmlns="urn:ietf:params:xml:ns:xmpp-streams"/>.
	Streams = "urn:ietf:params:xml:ns:xmpp-streams"

	// HTTPBind is the BOSH body element namespace (XEP-0124).
	HTTPBind = "http://jabber.org/protocol/httpbind"

	// XBOSH is the namespace used for BOSH-specific attributes layered over
	// the http://jabber.org/protocol/httpbind body, such as xmpp:version and
	// xmpp:restart (XEP-0206).
	XBOSH = "urn:xmpp:xbosh"
)
