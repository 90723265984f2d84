package signaling

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
)

func TestGeneratePIN(t *testing.T) {
	pin := generatePIN(PINLength)
	if len(pin) != PINLength {
		t.Fatalf("len(pin) = %d", len(pin))
	}
	for _, c := range pin {
		if c < '0' || c > '9' {
			t.Fatalf("pin %q has non-digit %q", pin, c)
		}
	}
}

func TestNormalizeURL(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"example.devtunnels.ms", "wss://example.devtunnels.ms/ws"},
		{"https://example.devtunnels.ms/anything", "wss://example.devtunnels.ms/ws"},
		{"ws://127.0.0.1:8080", "ws://127.0.0.1:8080/ws"},
		{"http://127.0.0.1:8080/ws", "ws://127.0.0.1:8080/ws"},
	}
	for _, tt := range tests {
		got, err := NormalizeURL(tt.in)
		if err != nil {
			t.Errorf("NormalizeURL(%q): %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("NormalizeURL(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
	if _, err := NormalizeURL("wss://"); err == nil {
		t.Error("NormalizeURL accepted a URL without host")
	}
}

// startServer runs a signaling server on loopback and returns its URL.
func startServer(t *testing.T, pin string) (*server, string) {
	t.Helper()
	srv := newServer(pin)
	port, err := srv.start("127.0.0.1:0")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(srv.close)
	u, err := NormalizeURL("ws://127.0.0.1:" + strconv.Itoa(port))
	if err != nil {
		t.Fatalf("NormalizeURL: %v", err)
	}
	return srv, u
}

func TestServerRejectsWrongPIN(t *testing.T) {
	_, u := startServer(t, "123456")

	_, resp, err := websocket.DefaultDialer.Dial(u+"?pin=000000", nil)
	if err == nil {
		t.Fatal("dial with wrong PIN succeeded")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("response = %v, want 401", resp)
	}
}

func TestServerAcceptsFirstClientOnly(t *testing.T) {
	srv, u := startServer(t, "123456")
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	first, err := connect(ctx, u, "123456")
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer first.Close()

	conn, err := srv.waitForClient(ctx)
	if err != nil {
		t.Fatalf("waitForClient: %v", err)
	}
	defer conn.Close()

	second, err := connect(ctx, u, "123456")
	if err != nil {
		t.Fatalf("second connect: %v", err)
	}
	defer second.Close()
	second.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = second.ReadMessage()
	if !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
		t.Fatalf("second client got %v, want policy violation close", err)
	}
}

func TestWaitForClientCancelled(t *testing.T) {
	srv, _ := startServer(t, "123456")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := srv.waitForClient(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

// fakeSession records what signaling applies to it.
type fakeSession struct {
	sdp        string
	remote     chan webrtc.SessionDescription
	candidates chan webrtc.ICECandidateInit
}

func newFakeSession(sdp string) *fakeSession {
	return &fakeSession{
		sdp:        sdp,
		remote:     make(chan webrtc.SessionDescription, 4),
		candidates: make(chan webrtc.ICECandidateInit, 4),
	}
}

func (f *fakeSession) CreateOffer() (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: f.sdp}, nil
}

func (f *fakeSession) CreateAnswer() (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: f.sdp}, nil
}

func (f *fakeSession) SetLocalDescription(webrtc.SessionDescription) error { return nil }

func (f *fakeSession) SetRemoteDescription(sdp webrtc.SessionDescription) error {
	f.remote <- sdp
	return nil
}

func (f *fakeSession) AddICECandidate(c webrtc.ICECandidateInit) error {
	f.candidates <- c
	return nil
}

func TestOfferAnswerExchange(t *testing.T) {
	srv, u := startServer(t, "4242")
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	clientConn, err := connect(ctx, u, "4242")
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer clientConn.Close()
	hostConn, err := srv.waitForClient(ctx)
	if err != nil {
		t.Fatalf("waitForClient: %v", err)
	}
	defer hostConn.Close()

	host := newFakeSession("host-sdp")
	client := newFakeSession("client-sdp")

	hs := &sender{tr: host, conn: hostConn}
	cs := &sender{tr: client, conn: clientConn}
	go (&receiver{tr: host, conn: hostConn, sender: hs}).watch()
	go (&receiver{tr: client, conn: clientConn, sender: cs}).watch()

	if err := hs.sendOffer(); err != nil {
		t.Fatalf("sendOffer: %v", err)
	}
	expectSDP(t, client.remote, webrtc.SDPTypeOffer, "host-sdp")
	expectSDP(t, host.remote, webrtc.SDPTypeAnswer, "client-sdp")

	if err := cs.sendCandidate(`{"candidate":"candidate:1 1 udp 1 127.0.0.1 5000 typ host"}`); err != nil {
		t.Fatalf("sendCandidate: %v", err)
	}
	select {
	case c := <-host.candidates:
		if c.Candidate != "candidate:1 1 udp 1 127.0.0.1 5000 typ host" {
			t.Fatalf("candidate = %q", c.Candidate)
		}
	case <-ctx.Done():
		t.Fatal("candidate not applied")
	}
}

func expectSDP(t *testing.T, ch <-chan webrtc.SessionDescription, typ webrtc.SDPType, sdp string) {
	t.Helper()
	select {
	case got := <-ch:
		if got.Type != typ || got.SDP != sdp {
			t.Fatalf("got %s %q, want %s %q", got.Type, got.SDP, typ, sdp)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no %s applied", typ)
	}
}
