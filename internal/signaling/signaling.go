package signaling

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"github.com/pterm/pterm"

	"github.com/1ureka/rtun/internal/transport"
	"github.com/1ureka/rtun/internal/util"
)

// PINLength is the number of digits of the signaling PIN.
const PINLength = 6

// EstablishAsHost executes the host-side signaling flow:
//  1. Start a WS server on wsAddr and show its port and PIN
//  2. Wait for the client to connect
//  3. Send the offer and exchange ICE candidates
//  4. Return the DataChannel once it is open
//
// The WS server and connection are closed before returning.
func EstablishAsHost(ctx context.Context, wsAddr string) (*transport.DataChannel, error) {
	pin := generatePIN(PINLength)
	srv := newServer(pin)
	wsPort, err := srv.start(wsAddr)
	if err != nil {
		return nil, err
	}
	defer srv.close()

	pterm.DefaultBox.WithTitle("Signaling").Println(
		fmt.Sprintf("Port : %d\nPIN  : %s", wsPort, pin),
	)
	util.LogInfo("waiting for client on port %d", wsPort)

	wsConn, err := srv.waitForClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to wait for client: %w", err)
	}
	defer wsConn.Close()
	util.LogInfo("client connected from %s", wsConn.RemoteAddr())

	return exchange(ctx, wsConn, true)
}

// EstablishAsClient executes the client-side signaling flow: connect to the
// host's WS server with pin, answer its offer, and return the DataChannel
// once it is open.
func EstablishAsClient(ctx context.Context, wsURL, pin string) (*transport.DataChannel, error) {
	util.LogInfo("connecting to host %s", wsURL)
	wsConn, err := connect(ctx, wsURL, pin)
	if err != nil {
		return nil, err
	}
	defer wsConn.Close()

	return exchange(ctx, wsConn, false)
}

// exchange runs the SDP/ICE exchange over wsConn. The offering side sends
// the offer; the other side answers from the receiver loop.
func exchange(ctx context.Context, wsConn *websocket.Conn, offer bool) (*transport.DataChannel, error) {
	tr, err := transport.NewDataChannel()
	if err != nil {
		return nil, fmt.Errorf("failed to create DataChannel: %w", err)
	}

	s := &sender{tr: tr, conn: wsConn}
	r := &receiver{tr: tr, conn: wsConn, sender: s}

	tr.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		data, _ := json.Marshal(c.ToJSON())
		if err := s.sendCandidate(string(data)); err != nil {
			util.LogDebug("send ICE candidate: %v", err)
		}
	})

	// exits when wsConn is closed by the caller
	errCh := make(chan error, 1)
	go func() { errCh <- r.watch() }()

	if offer {
		if err := s.sendOffer(); err != nil {
			tr.Close()
			return nil, fmt.Errorf("failed to send offer: %w", err)
		}
	}

	select {
	case <-tr.Ready():
		util.LogInfo("WebRTC DataChannel established")
		return tr, nil

	case err := <-errCh:
		select {
		case <-tr.Ready():
			return tr, nil
		default:
		}
		tr.Close()
		return nil, fmt.Errorf("signaling failed: %w", err)

	case <-ctx.Done():
		tr.Close()
		return nil, ctx.Err()
	}
}
