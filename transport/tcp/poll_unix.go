// Copyright 2016 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause license that can be
// found in the LICENSE file.

//go:build unix

package tcp

import (
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// readyWrite polls the connection's file descriptor for POLLOUT with a
// zero timeout, reporting whether a Write would currently proceed without
// blocking.
func readyWrite(conn net.Conn) bool {
	sck, ok := conn.(interface {
		SyscallConn() (syscall.RawConn, error)
	})
	if !ok {
		return true
	}
	raw, err := sck.SyscallConn()
	if err != nil {
		return true
	}

	var ready bool
	err = raw.Control(func(fd uintptr) {
		fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLOUT}}
		n, perr := unix.Poll(fds, 0)
		ready = perr == nil && n > 0 && fds[0].Revents&unix.POLLOUT != 0
	})
	if err != nil {
		return true
	}
	return ready
}
