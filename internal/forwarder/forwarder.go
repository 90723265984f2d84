// Package forwarder multiplexes connections to local TCP services over a
// single transport connection.
//
// The peer asks for a channel to one of the allowed ports with OPEN_REQUEST;
// the forwarder connects to host:port, confirms, and from then on relays
// bytes between the local socket and DATA frames on the transport. Either
// side may close its direction first; a channel is forgotten once both have.
//
// All protocol handling runs on the dispatcher loop. Administrative methods
// may be called from any goroutine.
package forwarder

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/1ureka/rtun/internal/dispatcher"
	"github.com/1ureka/rtun/internal/observability"
	"github.com/1ureka/rtun/internal/protocol"
	"github.com/1ureka/rtun/internal/util"
)

// Default timeouts.
const (
	DefaultConnectTimeout = 30 * time.Second
	DefaultLocalTimeout   = 2 * time.Hour
	DefaultCloseTimeout   = 30 * time.Second

	stopTimeout = 500 * time.Millisecond
)

// CloseReason tells subscribers why the transport closed.
type CloseReason int

const (
	CloseGraceful CloseReason = iota
	CloseError
	CloseTimeout
)

func (r CloseReason) String() string {
	switch r {
	case CloseGraceful:
		return "graceful"
	case CloseError:
		return "error"
	case CloseTimeout:
		return "timeout"
	default:
		return fmt.Sprintf("reason(%d)", int(r))
	}
}

// Options configures a Forwarder.
type Options struct {
	// Host is the address local connections are made to.
	Host string
	// Ports lists the destination ports the peer may open channels to.
	Ports []uint16
	// RemoteTimeout is the idle time after which the transport is probed
	// with a ping. It cannot be changed later.
	RemoteTimeout time.Duration
	// SocketFactory creates local sockets. Defaults to DirectSocketFactory.
	SocketFactory SocketFactory

	// Zero values select the defaults.
	ConnectTimeout time.Duration
	LocalTimeout   time.Duration
	CloseTimeout   time.Duration

	// StrictSecureShutdown reports a local TLS connection that ends without
	// close_notify as a socket error. By default it is treated as an
	// orderly close.
	StrictSecureShutdown bool
}

// Forwarder owns the transport connection and the channel table.
type Forwarder struct {
	d         *dispatcher.Dispatcher
	transport dispatcher.Socket

	host                 string
	ports                map[uint16]struct{}
	remoteTimeout        time.Duration
	factory              SocketFactory
	strictSecureShutdown bool

	connectTimeout atomic.Int64
	localTimeout   atomic.Int64
	closeTimeout   atomic.Int64

	mu       sync.Mutex
	channels map[uint16]*channel
	pending  map[uint16]dispatcher.Socket
	cleared  bool // set once the table is emptied on close

	// owned by the dispatcher loop
	transportFlags uint8
	timeoutCount   int
	frame          []byte

	closeMu     sync.Mutex
	subscribers []func(CloseReason)
	onProps     func(map[string]string)
	closed      bool
	reason      CloseReason

	done     chan struct{}
	doneOnce sync.Once
	stopOnce sync.Once
}

// New creates a forwarder for an established transport and registers the
// transport with d for reading.
func New(d *dispatcher.Dispatcher, transport dispatcher.Socket, opts Options) (*Forwarder, error) {
	if opts.Host == "" {
		return nil, errors.New("forwarder: target host is required")
	}
	if opts.SocketFactory == nil {
		opts.SocketFactory = &DirectSocketFactory{}
	}

	f := &Forwarder{
		d:                    d,
		transport:            transport,
		host:                 opts.Host,
		ports:                make(map[uint16]struct{}, len(opts.Ports)),
		remoteTimeout:        opts.RemoteTimeout,
		factory:              opts.SocketFactory,
		strictSecureShutdown: opts.StrictSecureShutdown,
		channels:             make(map[uint16]*channel),
		pending:              make(map[uint16]dispatcher.Socket),
		frame:                make([]byte, 0, protocol.HeaderSize+dispatcher.DefaultReadBufferSize),
		done:                 make(chan struct{}),
	}
	for _, p := range opts.Ports {
		f.ports[p] = struct{}{}
	}
	f.SetConnectTimeout(orDefault(opts.ConnectTimeout, DefaultConnectTimeout))
	f.SetLocalTimeout(orDefault(opts.LocalTimeout, DefaultLocalTimeout))
	f.SetCloseTimeout(orDefault(opts.CloseTimeout, DefaultCloseTimeout))

	if err := d.AddSocket(transport, &demultiplexer{f: f}, dispatcher.InterestRead, opts.RemoteTimeout); err != nil {
		return nil, fmt.Errorf("forwarder: register transport: %w", err)
	}
	return f, nil
}

func orDefault(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

// ---------------------------------------------------------------------------
// Timeouts
// ---------------------------------------------------------------------------

func (f *Forwarder) SetConnectTimeout(t time.Duration) { f.connectTimeout.Store(int64(t)) }
func (f *Forwarder) ConnectTimeout() time.Duration     { return time.Duration(f.connectTimeout.Load()) }
func (f *Forwarder) SetLocalTimeout(t time.Duration)   { f.localTimeout.Store(int64(t)) }
func (f *Forwarder) LocalTimeout() time.Duration       { return time.Duration(f.localTimeout.Load()) }
func (f *Forwarder) SetCloseTimeout(t time.Duration)   { f.closeTimeout.Store(int64(t)) }
func (f *Forwarder) CloseTimeout() time.Duration       { return time.Duration(f.closeTimeout.Load()) }

// RemoteTimeout is fixed at construction.
func (f *Forwarder) RemoteTimeout() time.Duration { return f.remoteTimeout }

// ---------------------------------------------------------------------------
// Close notification
// ---------------------------------------------------------------------------

// OnClose registers fn to be called once when the transport closes. fn runs
// on the dispatcher loop, or on the goroutine calling Stop when the peer did
// not answer in time. It must not block.
func (f *Forwarder) OnClose(fn func(CloseReason)) {
	f.closeMu.Lock()
	defer f.closeMu.Unlock()
	f.subscribers = append(f.subscribers, fn)
}

// OnProperties registers fn to receive property maps pushed by the peer.
func (f *Forwarder) OnProperties(fn func(map[string]string)) {
	f.closeMu.Lock()
	defer f.closeMu.Unlock()
	f.onProps = fn
}

// CloseReason returns the reason the transport closed and whether it has.
func (f *Forwarder) CloseReason() (CloseReason, bool) {
	f.closeMu.Lock()
	defer f.closeMu.Unlock()
	return f.reason, f.closed
}

// Done is closed once the transport has been deregistered.
func (f *Forwarder) Done() <-chan struct{} {
	return f.done
}

func (f *Forwarder) notifyClosed(reason CloseReason) {
	f.closeMu.Lock()
	if f.closed {
		f.closeMu.Unlock()
		return
	}
	f.closed = true
	f.reason = reason
	subs := append([]func(CloseReason){}, f.subscribers...)
	f.closeMu.Unlock()

	observability.TransportClosesTotal.WithLabelValues(reason.String()).Inc()
	for _, fn := range subs {
		fn(reason)
	}
}

// ---------------------------------------------------------------------------
// Administrative operations
// ---------------------------------------------------------------------------

// Stop closes the transport gracefully: the close runs on the dispatcher
// loop, and Stop waits a short while for the peer's closing handshake before
// deregistering the transport regardless. Calling Stop more than once is
// safe.
func (f *Forwarder) Stop() {
	f.stopOnce.Do(func() {
		if f.d.HasSocket(f.transport) {
			err := f.d.QueueTask(func(*dispatcher.Dispatcher) {
				f.closeTransport(CloseGraceful, true)
			})
			if err == nil {
				util.LogDebug("waiting for transport closing handshake")
				select {
				case <-f.done:
				case <-time.After(stopTimeout):
				}
			}
		}
		f.forceClose()
	})
}

// forceClose tears everything down without waiting for the peer.
func (f *Forwarder) forceClose() {
	select {
	case <-f.done:
		return
	default:
	}
	f.clearChannels()
	f.d.RemoveSocket(f.transport)
	if err := f.transport.Close(); err != nil {
		util.LogDebug("close transport: %v", err)
	}
	f.notifyClosed(CloseGraceful)
	f.doneOnce.Do(func() { close(f.done) })
}

// UpdateProperties pushes a property map to the peer. More than
// protocol.MaxProperties entries is a programming error and panics.
func (f *Forwarder) UpdateProperties(props map[string]string) {
	frame := protocol.PropertyFrame(props)
	if err := f.d.SendBytes(f.transport, frame, dispatcher.KindData); err != nil {
		util.LogWarning("property update not sent: %v", err)
		return
	}
	countFrame("out", protocol.OpPropUpdate)
}

func countFrame(direction string, op protocol.Opcode) {
	observability.FramesTotal.WithLabelValues(direction, op.String()).Inc()
}
