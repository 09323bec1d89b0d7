// Copyright 2016 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package tcp

import (
	"net"
	"testing"
	"time"
)

func pipeConn(t *testing.T) (*Conn, net.Conn) {
	t.Helper()
	client, server := net.Pipe()
	return newConn(client), server
}

func TestSendWritesThroughToConn(t *testing.T) {
	c, server := pipeConn(t)
	defer c.Disconnect()

	done := make(chan []byte, 1)
	go func() {
		buf := make([]byte, 64)
		n, _ := server.Read(buf)
		done <- buf[:n]
	}()

	if _, err := c.Send([]byte("<stream:stream>")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	select {
	case got := <-done:
		if string(got) != "<stream:stream>" {
			t.Fatalf("got %q", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for server to see the write")
	}
}

func TestRawRecvShortReadYieldsDone(t *testing.T) {
	c, server := pipeConn(t)
	defer c.Disconnect()

	go func() {
		server.Write([]byte("ok"))
	}()

	step, err := c.RawRecv(1024)
	if err != nil {
		t.Fatalf("RawRecv: %v", err)
	}
	if step != StepDone {
		t.Fatalf("got step %v, want StepDone for a short read", step)
	}
	if got := string(c.Recv(1024)); got != "ok" {
		t.Fatalf("got %q, want %q", got, "ok")
	}
}

func TestRawRecvDeadSocket(t *testing.T) {
	c, server := pipeConn(t)
	server.Close()

	_, err := c.RawRecv(1024)
	if err == nil {
		t.Fatal("expected an error reading from a closed pipe")
	}
}

func TestRecvDrainsOnlyWhatsAvailable(t *testing.T) {
	c, server := pipeConn(t)
	defer c.Disconnect()

	go func() {
		server.Write([]byte("abcdef"))
	}()
	if _, err := c.RawRecv(1024); err != nil {
		t.Fatalf("RawRecv: %v", err)
	}

	if got := string(c.Recv(3)); got != "abc" {
		t.Fatalf("got %q, want %q", got, "abc")
	}
	if got := string(c.Recv(3)); got != "def" {
		t.Fatalf("got %q, want %q", got, "def")
	}
}
