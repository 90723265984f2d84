//go:build linux

package dispatcher_test

import (
	"crypto/tls"
	"net"
	"syscall"
	"testing"

	"github.com/1ureka/rtun/internal/dispatcher"
)

func noDelay(t *testing.T, c *net.TCPConn) bool {
	t.Helper()
	raw, err := c.SyscallConn()
	if err != nil {
		t.Fatalf("SyscallConn: %v", err)
	}
	var v int
	var serr error
	if err := raw.Control(func(fd uintptr) {
		v, serr = syscall.GetsockoptInt(int(fd), syscall.IPPROTO_TCP, syscall.TCP_NODELAY)
	}); err != nil {
		t.Fatalf("Control: %v", err)
	}
	if serr != nil {
		t.Fatalf("getsockopt: %v", serr)
	}
	return v != 0
}

func TestSetNoDelayThroughTLS(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go func() {
		if c, err := ln.Accept(); err == nil {
			defer c.Close()
			c.Read(make([]byte, 1))
		}
	}()

	raw, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	tcp := raw.(*net.TCPConn)
	s := dispatcher.NewStreamSocket(tls.Client(raw, &tls.Config{InsecureSkipVerify: true}))
	defer s.Close()

	// Go enables TCP_NODELAY on new connections.
	if err := s.SetNoDelay(false); err != nil {
		t.Fatalf("SetNoDelay(false): %v", err)
	}
	if noDelay(t, tcp) {
		t.Fatal("TCP_NODELAY still set under TLS")
	}
	if err := s.SetNoDelay(true); err != nil {
		t.Fatalf("SetNoDelay(true): %v", err)
	}
	if !noDelay(t, tcp) {
		t.Fatal("TCP_NODELAY not set under TLS")
	}
}
