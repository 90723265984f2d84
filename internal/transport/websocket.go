// Package transport presents the outer duplex connections the tunnel runs
// over (a WebSocket to the reflector, a WebRTC DataChannel to a peer) as
// dispatcher sockets carrying one protocol frame per message.
package transport

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/1ureka/rtun/internal/dispatcher"
)

const (
	writeWait      = 10 * time.Second // deadline for control frames
	maxMessageSize = 1 << 20
)

// WebSocket adapts a gorilla connection to dispatcher.Socket.
//
// Pongs are handled inside gorilla's read path and are reported through the
// control handler. Pings are answered by gorilla's default handler. A close
// frame from the peer is reported by Receive as KindClose and is not echoed;
// answering it is left to the owner of the socket.
type WebSocket struct {
	conn *websocket.Conn

	mu        sync.Mutex
	onControl func(dispatcher.Message)
}

// NewWebSocket wraps an established connection.
func NewWebSocket(conn *websocket.Conn) *WebSocket {
	ws := &WebSocket{conn: conn}
	conn.SetReadLimit(maxMessageSize)
	conn.SetPongHandler(func(data string) error {
		ws.control(dispatcher.Message{Kind: dispatcher.KindPong, Data: []byte(data)})
		return nil
	})
	conn.SetCloseHandler(func(code int, text string) error {
		return nil
	})
	return ws
}

// SetControlHandler implements dispatcher.ControlNotifier.
func (ws *WebSocket) SetControlHandler(fn func(dispatcher.Message)) {
	ws.mu.Lock()
	ws.onControl = fn
	ws.mu.Unlock()
}

func (ws *WebSocket) control(msg dispatcher.Message) {
	ws.mu.Lock()
	fn := ws.onControl
	ws.mu.Unlock()
	if fn != nil {
		fn(msg)
	}
}

// Subprotocol returns the subprotocol negotiated during the handshake.
func (ws *WebSocket) Subprotocol() string {
	return ws.conn.Subprotocol()
}

// Receive reads the next message. Binary messages are returned as data in
// buf when they fit and in a fresh slice otherwise.
func (ws *WebSocket) Receive(buf []byte) (dispatcher.Message, error) {
	mt, r, err := ws.conn.NextReader()
	if err != nil {
		return classifyReadError(err)
	}

	data, err := readMessage(buf, r)
	if err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return dispatcher.Message{Kind: dispatcher.KindEOF}, nil
		}
		return dispatcher.Message{}, err
	}

	if mt == websocket.BinaryMessage {
		return dispatcher.Message{Kind: dispatcher.KindData, Data: data}, nil
	}
	return dispatcher.Message{Kind: dispatcher.KindOther, Data: data}, nil
}

// classifyReadError separates an orderly close and a dropped connection from
// real failures.
func classifyReadError(err error) (dispatcher.Message, error) {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		if ce.Code == websocket.CloseAbnormalClosure {
			return dispatcher.Message{Kind: dispatcher.KindEOF}, nil
		}
		return dispatcher.Message{Kind: dispatcher.KindClose}, nil
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return dispatcher.Message{Kind: dispatcher.KindEOF}, nil
	}
	return dispatcher.Message{}, err
}

// readMessage reads r to the end, growing past buf if needed.
func readMessage(buf []byte, r io.Reader) ([]byte, error) {
	n := 0
	for {
		if n == len(buf) {
			grown := make([]byte, 2*len(buf)+512)
			copy(grown, buf[:n])
			buf = grown
		}
		m, err := r.Read(buf[n:])
		n += m
		if errors.Is(err, io.EOF) {
			return buf[:n], nil
		}
		if err != nil {
			return nil, err
		}
	}
}

// Send writes one message. Data goes out as a binary message; ping, pong and
// close become control frames, the latter with the normal-closure code.
func (ws *WebSocket) Send(msg dispatcher.Message) error {
	deadline := time.Now().Add(writeWait)
	switch msg.Kind {
	case dispatcher.KindData:
		return ws.conn.WriteMessage(websocket.BinaryMessage, msg.Data)
	case dispatcher.KindPing:
		return ws.conn.WriteControl(websocket.PingMessage, msg.Data, deadline)
	case dispatcher.KindPong:
		return ws.conn.WriteControl(websocket.PongMessage, msg.Data, deadline)
	case dispatcher.KindClose:
		payload := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		return ws.conn.WriteControl(websocket.CloseMessage, payload, deadline)
	default:
		return fmt.Errorf("transport: cannot send %s message over websocket", msg.Kind)
	}
}

type closeWriter interface {
	CloseWrite() error
}

// CloseWrite half-closes the underlying TCP or TLS connection.
func (ws *WebSocket) CloseWrite() error {
	if cw, ok := ws.conn.NetConn().(closeWriter); ok {
		return cw.CloseWrite()
	}
	return nil
}

// Close closes the underlying connection without a close handshake.
func (ws *WebSocket) Close() error {
	return ws.conn.Close()
}
