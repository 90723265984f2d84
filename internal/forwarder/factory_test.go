package forwarder_test

import (
	"bufio"
	"crypto/tls"
	"crypto/x509"
	"io"
	"log"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/armon/go-socks5"

	"github.com/1ureka/rtun/internal/dispatcher"
	"github.com/1ureka/rtun/internal/forwarder"
)

// echoService echoes every connection and returns its address.
func echoService(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer c.Close()
				io.Copy(c, c)
			}()
		}
	}()
	return ln.Addr().String()
}

// socksProxy runs an in-process SOCKS5 server and returns its URL.
func socksProxy(t *testing.T) string {
	t.Helper()
	srv, err := socks5.New(&socks5.Config{Logger: log.New(io.Discard, "", 0)})
	if err != nil {
		t.Fatalf("socks5.New: %v", err)
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	go srv.Serve(ln)
	return "socks5://" + ln.Addr().String()
}

// roundTrip connects sock the way the dispatcher does and exchanges one
// message with an echo service.
func roundTrip(t *testing.T, sock dispatcher.Socket) {
	t.Helper()
	defer sock.Close()
	c, ok := sock.(dispatcher.Connector)
	if !ok {
		t.Fatalf("%T is not a Connector", sock)
	}
	if err := c.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := sock.Send(dispatcher.Message{Kind: dispatcher.KindData, Data: []byte("ping")}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	var got []byte
	buf := make([]byte, 64)
	for len(got) < 4 {
		msg, err := sock.Receive(buf)
		if err != nil {
			t.Fatalf("Receive: %v", err)
		}
		if msg.Kind != dispatcher.KindData {
			t.Fatalf("got %s message", msg.Kind)
		}
		got = append(got, msg.Data...)
	}
	if string(got) != "ping" {
		t.Fatalf("echo = %q", got)
	}
}

func TestDirectSocketFactory(t *testing.T) {
	addr := echoService(t)
	sock, err := (&forwarder.DirectSocketFactory{}).CreateSocket(addr)
	if err != nil {
		t.Fatalf("CreateSocket: %v", err)
	}
	roundTrip(t, sock)
}

func TestProxySocketFactory(t *testing.T) {
	addr := echoService(t)
	sf, err := forwarder.NewProxySocketFactory(socksProxy(t))
	if err != nil {
		t.Fatalf("NewProxySocketFactory: %v", err)
	}
	sock, err := sf.CreateSocket(addr)
	if err != nil {
		t.Fatalf("CreateSocket: %v", err)
	}
	roundTrip(t, sock)
}

func TestProxySocketFactoryBadURL(t *testing.T) {
	for _, raw := range []string{"ftp://127.0.0.1:21", "://nope"} {
		if _, err := forwarder.NewProxySocketFactory(raw); err == nil {
			t.Errorf("NewProxySocketFactory(%q) succeeded", raw)
		}
	}
}

func TestTLSSocketFactory(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "secure")
	}))
	t.Cleanup(srv.Close)

	pool := x509.NewCertPool()
	pool.AddCert(srv.Certificate())
	sf := &forwarder.TLSSocketFactory{Config: &tls.Config{RootCAs: pool, ServerName: "example.com"}}

	sock, err := sf.CreateSocket(srv.Listener.Addr().String())
	if err != nil {
		t.Fatalf("CreateSocket: %v", err)
	}
	defer sock.Close()
	if err := sock.(dispatcher.Connector).Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	req := "GET / HTTP/1.1\r\nHost: example.com\r\nConnection: close\r\n\r\n"
	if err := sock.Send(dispatcher.Message{Kind: dispatcher.KindData, Data: []byte(req)}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	conn := sock.(*dispatcher.StreamSocket).Conn()
	resp, err := http.ReadResponse(bufio.NewReader(conn), nil)
	if err != nil {
		t.Fatalf("ReadResponse: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "secure") {
		t.Fatalf("body = %q", body)
	}
}
