// Copyright 2016 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause license that can be
// found in the LICENSE file.

//go:build !unix

package tcp

import (
	"net"
	"time"
)

// readyWrite probes write-readiness with a zero-length write under an
// immediate deadline, the portable equivalent of a POLLOUT check: the
// write itself transfers nothing, but returning without a timeout error
// means the socket is writable.
func readyWrite(conn net.Conn) bool {
	type deadliner interface {
		SetWriteDeadline(t time.Time) error
	}
	d, ok := conn.(deadliner)
	if !ok {
		return true
	}
	if err := d.SetWriteDeadline(time.Now()); err != nil {
		return true
	}
	defer d.SetWriteDeadline(time.Time{})

	_, err := conn.Write(nil)
	if err == nil {
		return true
	}
	ne, ok := err.(net.Error)
	return !(ok && ne.Timeout())
}
