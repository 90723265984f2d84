// Package tunnel implements the opening side of the channel protocol: local
// TCP connections are accepted, announced to the peer with OPEN_REQUEST, and
// relayed over the transport once the peer confirms.
package tunnel

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/1ureka/rtun/internal/dispatcher"
	"github.com/1ureka/rtun/internal/protocol"
	"github.com/1ureka/rtun/internal/util"
)

const closeTimeout = 500 * time.Millisecond

// ErrClosed is returned by Accept once the transport has closed.
var ErrClosed = errors.New("tunnel: closed")

// Options configures a Client.
type Options struct {
	// RemotePort is the port requested for every accepted connection. When
	// zero it must be set with SetRemotePort before connections are relayed.
	RemotePort uint16
	// IdleTimeout closes channels whose local connection has been idle this
	// long. Zero disables it.
	IdleTimeout time.Duration
}

// Client multiplexes accepted connections over one transport.
type Client struct {
	d           *dispatcher.Dispatcher
	transport   dispatcher.Socket
	remotePort  atomic.Uint32
	idleTimeout time.Duration

	mu     sync.Mutex
	routes map[uint16]*route
	nextID uint16
	closed bool

	onProps func(map[string]string)

	done      chan struct{}
	doneOnce  sync.Once
	closeOnce sync.Once
}

// NewClient registers transport with d and returns a client for it.
func NewClient(d *dispatcher.Dispatcher, transport dispatcher.Socket, opts Options) (*Client, error) {
	c := &Client{
		d:           d,
		transport:   transport,
		idleTimeout: opts.IdleTimeout,
		routes:      make(map[uint16]*route),
		done:        make(chan struct{}),
	}
	c.remotePort.Store(uint32(opts.RemotePort))
	if err := d.AddSocket(transport, &demultiplexer{c: c}, dispatcher.InterestRead, 0); err != nil {
		return nil, fmt.Errorf("tunnel: register transport: %w", err)
	}
	return c, nil
}

// OnProperties registers fn for property maps pushed by the peer. Call it
// before traffic starts.
func (c *Client) OnProperties(fn func(map[string]string)) {
	c.onProps = fn
}

// SetRemotePort changes the port requested for connections accepted from
// now on.
func (c *Client) SetRemotePort(port uint16) {
	c.remotePort.Store(uint32(port))
}

// Done is closed once the transport is gone.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Accept takes ownership of conn and opens a channel for it.
func (c *Client) Accept(conn net.Conn) error {
	port := uint16(c.remotePort.Load())
	if port == 0 {
		util.LogWarning("remote port unknown, rejecting %s", conn.RemoteAddr())
		conn.Close()
		return nil
	}
	sock := dispatcher.NewStreamSocket(conn)
	err := c.d.QueueTask(func(d *dispatcher.Dispatcher) {
		id, ok := c.addRoute(sock)
		if !ok {
			util.LogWarning("no free channel for %s", conn.RemoteAddr())
			sock.Close()
			return
		}
		if err := d.AddSocket(sock, &local{c: c, id: id}, dispatcher.InterestNone, 0); err != nil {
			c.dropRoute(id)
			sock.Close()
			return
		}
		util.LogDebug("[ch %d] new connection from %s", id, conn.RemoteAddr())
		c.send(protocol.ControlFrame(protocol.OpOpenRequest, id, port))
	})
	if err != nil {
		conn.Close()
		return ErrClosed
	}
	return nil
}

// Close closes the transport gracefully and waits briefly for the peer's
// answer. It is safe to call more than once.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		err := c.d.QueueTask(func(*dispatcher.Dispatcher) { c.shutdown(true) })
		if err == nil {
			select {
			case <-c.done:
			case <-time.After(closeTimeout):
			}
		}
		c.closeRoutes()
		c.d.RemoveSocket(c.transport)
		c.transport.Close()
		c.doneOnce.Do(func() { close(c.done) })
	})
}

// shutdown closes every channel and then the transport. With active set a
// close message is sent first and the peer's reply ends the transport.
// Runs on the loop.
func (c *Client) shutdown(active bool) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	c.closeRoutes()
	if active {
		c.d.SendBytes(c.transport, nil, dispatcher.KindClose)
		return
	}
	c.d.CloseSocket(c.transport)
	c.doneOnce.Do(func() { close(c.done) })
}

// send queues a frame on the transport.
func (c *Client) send(frame []byte) {
	if err := c.d.SendBytes(c.transport, frame, dispatcher.KindData); err != nil {
		util.LogDebug("frame not sent: %v", err)
	}
}
