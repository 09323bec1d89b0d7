// Copyright 2016 Sam Whited.
// Use of this source code is governed by the BSD 2-clause license that can be
// found in the LICENSE file.

// Package idgen generates the opaque identifiers attached to outbound
// message, presence, and iq stanzas that don't already carry one.
//
// Unlike a typical nonce generator, the ids produced here are required to be
// strictly increasing across every Stream in the process (see spec P3), so a
// single process-wide counter is used instead of random bytes.
package idgen // import "mellium.im/xmppcore/internal/idgen"

import (
	"fmt"
	"sync/atomic"
)

// counter is shared by every Stream in the process; RFC 6120 does not
// require monotonicity, but this engine promises it so that ids can double
// as a coarse happens-before signal for callers that want one.
var counter uint64

// Next returns the next opaque, monotonically increasing stanza id. Ids are
// zero-padded to a fixed width of 20 digits, so comparing them as strings
// orders them the same way as they were issued. It is safe to call from
// multiple goroutines.
func Next() string {
	return fmt.Sprintf("%020d", atomic.AddUint64(&counter, 1))
}
