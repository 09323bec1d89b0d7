// Copyright 2016 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package discover looks up XMPP services for a domain.
package discover // import "mellium.im/xmppcore/internal/discover"

import (
	"context"
	"errors"
	"net"
)

// ErrNoServiceAtAddress is returned when an SRV lookup unambiguously says a
// service does not exist at the given domain (RFC 2782's Target "." rule).
var ErrNoServiceAtAddress = errors.New("discover: no service advertised at this address")

// LookupService looks up SRV records for service (eg. "xmpp-client" or
// "xmpp-server") over network (eg. "tcp") at domain, returning records
// sorted by priority and weight the way net.LookupSRV already sorts them.
// A "not found" DNS error is not an error here: it is reported as a nil,
// nil result so the caller can fall back to the bare domain and port.
func LookupService(ctx context.Context, resolver *net.Resolver, service, network, domain string) ([]*net.SRV, error) {
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	_, addrs, err := resolver.LookupSRV(ctx, service, network, domain)
	if dnsErr, ok := err.(*net.DNSError); (ok && !dnsErr.IsNotFound) || (!ok && err != nil) {
		return nil, err
	}

	// RFC 6120 §3.2.1: a single SRV record with a Target of "." means the
	// service is decidedly not available at this domain, and SRV processing
	// must stop rather than fall back.
	if len(addrs) == 1 && addrs[0].Target == "." {
		return nil, ErrNoServiceAtAddress
	}

	return addrs, nil
}

// LookupPort returns the default port for service over network, falling
// back to the well-known XMPP ports when the host has no /etc/services (or
// equivalent) entry for it.
func LookupPort(network, service string) (uint16, error) {
	p, err := net.LookupPort(network, service)
	if err == nil {
		return uint16(p), nil
	}
	switch service {
	case "xmpp-client":
		return 5222, nil
	case "xmpp-server":
		return 5269, nil
	case "xmpp-bosh":
		return 5280, nil
	}
	return 0, err
}
