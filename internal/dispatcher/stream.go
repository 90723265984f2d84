package dispatcher

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
)

var errNotConnected = errors.New("dispatcher: stream socket not connected")

// DialFunc establishes the connection behind a StreamSocket.
type DialFunc func(ctx context.Context) (net.Conn, error)

// StreamSocket is a Socket backed by a net.Conn. It is either wrapped around
// an existing connection or created pending, in which case Connect dials.
type StreamSocket struct {
	mu     sync.Mutex
	conn   net.Conn
	dial   DialFunc
	ctx    context.Context
	cancel context.CancelFunc
	closed bool
}

// NewStreamSocket wraps an established connection.
func NewStreamSocket(conn net.Conn) *StreamSocket {
	ctx, cancel := context.WithCancel(context.Background())
	return &StreamSocket{conn: conn, ctx: ctx, cancel: cancel}
}

// NewPendingStreamSocket returns a socket that connects with dial when the
// dispatcher calls Connect. Closing the socket aborts a dial in progress.
func NewPendingStreamSocket(dial DialFunc) *StreamSocket {
	ctx, cancel := context.WithCancel(context.Background())
	return &StreamSocket{dial: dial, ctx: ctx, cancel: cancel}
}

// Connect implements Connector.
func (s *StreamSocket) Connect() error {
	s.mu.Lock()
	if s.conn != nil {
		s.mu.Unlock()
		return nil
	}
	if s.closed {
		s.mu.Unlock()
		return net.ErrClosed
	}
	dial := s.dial
	s.mu.Unlock()

	conn, err := dial(s.ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		conn.Close()
		return net.ErrClosed
	}
	s.conn = conn
	return nil
}

func (s *StreamSocket) netConn() (net.Conn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		if s.closed {
			return nil, net.ErrClosed
		}
		return nil, errNotConnected
	}
	return s.conn, nil
}

// Conn returns the underlying connection, or nil while still connecting.
func (s *StreamSocket) Conn() net.Conn {
	c, _ := s.netConn()
	return c
}

// Receive reads whatever is available into buf. A clean end of stream is
// reported as a KindEOF message rather than an error.
func (s *StreamSocket) Receive(buf []byte) (Message, error) {
	c, err := s.netConn()
	if err != nil {
		return Message{}, err
	}
	n, err := c.Read(buf)
	if n > 0 {
		// io.Reader may return data and an error together; the error
		// will be returned again by the next Read.
		return Message{Kind: KindData, Data: buf[:n]}, nil
	}
	if errors.Is(err, io.EOF) {
		return Message{Kind: KindEOF}, nil
	}
	if err != nil {
		return Message{}, err
	}
	// zero-byte read without error: nothing to report
	return Message{Kind: KindData, Data: buf[:0]}, nil
}

// Send writes the payload of a data message. Stream sockets carry no control
// messages, so anything else is an error.
func (s *StreamSocket) Send(msg Message) error {
	if msg.Kind != KindData {
		return fmt.Errorf("dispatcher: stream socket cannot send %s message", msg.Kind)
	}
	c, err := s.netConn()
	if err != nil {
		return err
	}
	_, err = c.Write(msg.Data)
	return err
}

type closeWriter interface {
	CloseWrite() error
}

// CloseWrite half-closes the connection when the transport supports it.
func (s *StreamSocket) CloseWrite() error {
	c, err := s.netConn()
	if err != nil {
		return err
	}
	if cw, ok := c.(closeWriter); ok {
		return cw.CloseWrite()
	}
	return fmt.Errorf("dispatcher: %T does not support half-close", c)
}

// SetNoDelay implements NoDelayer for TCP connections, including those
// wrapped in TLS, and is a no-op otherwise.
func (s *StreamSocket) SetNoDelay(noDelay bool) error {
	c, err := s.netConn()
	if err != nil {
		return err
	}
	if tlsConn, ok := c.(*tls.Conn); ok {
		c = tlsConn.NetConn()
	}
	if tc, ok := c.(*net.TCPConn); ok {
		return tc.SetNoDelay(noDelay)
	}
	return nil
}

// Close closes the connection, or cancels the dial if it is still pending.
// It is safe to call more than once.
func (s *StreamSocket) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	conn := s.conn
	s.mu.Unlock()

	s.cancel()
	if conn != nil {
		return conn.Close()
	}
	return nil
}
