// Package dispatcher implements a single event loop that drives many sockets.
//
// Each registered socket has a handler, an interest mask and an idle timeout.
// Blocking reads and connects happen on helper goroutines, but their results
// are handed to the loop one at a time, so handlers observe the same
// sequential, readiness-driven model as a poll loop: a handler never runs
// concurrently with another handler, and a socket is only read again after
// its previous readable event has been handled.
package dispatcher

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/1ureka/rtun/internal/util"
)

var (
	// ErrAlreadyRegistered is returned by AddSocket for a socket that already
	// has a registration.
	ErrAlreadyRegistered = errors.New("dispatcher: socket already registered")

	// ErrNotRegistered is returned by operations that need a registration.
	ErrNotRegistered = errors.New("dispatcher: socket not registered")

	// ErrClosed is returned once the loop has stopped.
	ErrClosed = errors.New("dispatcher: closed")

	errRunning = errors.New("dispatcher: already running")
)

// Tuning defaults.
const (
	DefaultResolution     = 100 * time.Millisecond
	DefaultReadBufferSize = 16 * 1024
	eventQueueSize        = 256
)

// Config tunes a Dispatcher. Zero values select the defaults.
type Config struct {
	// Resolution is how often idle timeouts are checked.
	Resolution time.Duration
	// ReadBufferSize is the size of the buffer passed to Socket.Receive.
	ReadBufferSize int
}

type registration struct {
	sock       Socket
	handler    Handler
	interest   Interest
	timeout    time.Duration
	lastActive time.Time
	connecting bool
}

type eventKind uint8

const (
	evRead eventKind = iota
	evWritable
	evControl
	evError
)

type event struct {
	kind eventKind
	sock Socket
	reg  *registration // evWritable: the registration that started Connect
	rd   *reader       // evRead: the pump waiting for a go-ahead
	msg  Message
	err  error
}

// Dispatcher is the event loop. All exported methods are safe for concurrent
// use; handlers run on the goroutine that called Run.
type Dispatcher struct {
	resolution time.Duration
	bufSize    int

	mu      sync.Mutex
	regs    map[Socket]*registration
	readers map[Socket]*reader
	writers map[Socket]*writer

	events chan event
	tasks  *taskQueue

	running  atomic.Bool
	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}
}

// New creates a dispatcher. Call Run to start the loop.
func New(cfg Config) *Dispatcher {
	if cfg.Resolution <= 0 {
		cfg.Resolution = DefaultResolution
	}
	if cfg.ReadBufferSize <= 0 {
		cfg.ReadBufferSize = DefaultReadBufferSize
	}
	return &Dispatcher{
		resolution: cfg.Resolution,
		bufSize:    cfg.ReadBufferSize,
		regs:       make(map[Socket]*registration),
		readers:    make(map[Socket]*reader),
		writers:    make(map[Socket]*writer),
		events:     make(chan event, eventQueueSize),
		tasks:      newTaskQueue(),
		stopCh:     make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Done is closed when the loop has exited and every socket has been closed.
func (d *Dispatcher) Done() <-chan struct{} {
	return d.done
}

// closed reports whether the loop has exited. Callers hold d.mu.
func (d *Dispatcher) closed() bool {
	select {
	case <-d.done:
		return true
	default:
		return false
	}
}

// AddSocket registers s with handler h.
func (d *Dispatcher) AddSocket(s Socket, h Handler, interest Interest, timeout time.Duration) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed() {
		return ErrClosed
	}
	if _, ok := d.regs[s]; ok {
		return ErrAlreadyRegistered
	}

	r := &registration{
		sock:       s,
		handler:    h,
		interest:   interest,
		timeout:    timeout,
		lastActive: time.Now(),
	}
	d.regs[s] = r

	if cn, ok := s.(ControlNotifier); ok {
		cn.SetControlHandler(func(msg Message) {
			d.post(event{kind: evControl, sock: s, msg: msg})
		})
	}

	d.applyInterestLocked(r)
	return nil
}

// UpdateSocket changes the interest and timeout of a registration. It is a
// no-op for sockets that are not registered. The idle clock restarts.
func (d *Dispatcher) UpdateSocket(s Socket, interest Interest, timeout time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()

	r, ok := d.regs[s]
	if !ok {
		return
	}
	r.interest = interest
	r.timeout = timeout
	r.lastActive = time.Now()
	d.applyInterestLocked(r)
}

// applyInterestLocked starts the helpers an interest mask needs.
func (d *Dispatcher) applyInterestLocked(r *registration) {
	if r.interest&InterestRead != 0 {
		d.ensureReaderLocked(r.sock)
	}
	if r.interest&InterestWrite != 0 && !r.connecting {
		r.connecting = true
		go d.connect(r)
	}
}

// connect runs Connect for a registration with write interest and posts the
// outcome as a one-shot writable or error event.
func (d *Dispatcher) connect(r *registration) {
	var err error
	if c, ok := r.sock.(Connector); ok {
		err = c.Connect()
	}
	if err != nil {
		d.post(event{kind: evError, sock: r.sock, reg: r, err: err})
		return
	}
	d.post(event{kind: evWritable, sock: r.sock, reg: r})
}

// RemoveSocket drops the registration of s without closing it. A read that is
// already in progress completes; its result goes to whichever registration s
// has by then, or is discarded. Removing an unknown socket is a no-op.
func (d *Dispatcher) RemoveSocket(s Socket) {
	d.mu.Lock()
	d.removeLocked(s)
	d.mu.Unlock()
}

func (d *Dispatcher) removeLocked(s Socket) {
	delete(d.regs, s)
	if rd, ok := d.readers[s]; ok && rd.pending != nil {
		rd.pending = nil
		d.stopReaderLocked(s, rd)
	}
}

// CloseSocket removes the registration of s and closes it once all writes
// queued before the call have been flushed. Calling it twice is safe.
func (d *Dispatcher) CloseSocket(s Socket) {
	d.mu.Lock()
	d.removeLocked(s)
	d.mu.Unlock()
	_ = d.enqueue(s, writeOp{op: opClose})
}

// InterestOf returns the interest mask of the registration of s.
func (d *Dispatcher) InterestOf(s Socket) (Interest, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	r, ok := d.regs[s]
	if !ok {
		return InterestNone, ErrNotRegistered
	}
	return r.interest, nil
}

// HasSocket reports whether s is registered.
func (d *Dispatcher) HasSocket(s Socket) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.regs[s]
	return ok
}

// ShutdownSend half-closes s after the queued writes. The registration stays
// in place so the peer's remaining data can still be read.
func (d *Dispatcher) ShutdownSend(s Socket) {
	_ = d.enqueue(s, writeOp{op: opShutdown})
}

// SendBytes queues a copy of buf for writing to s as a message of the given
// kind. Writes to one socket are performed in order by a single goroutine.
// A failed write is reported to the socket's handler through OnError.
func (d *Dispatcher) SendBytes(s Socket, buf []byte, kind Kind) error {
	var data []byte
	if len(buf) > 0 {
		data = make([]byte, len(buf))
		copy(data, buf)
	}
	return d.enqueue(s, writeOp{op: opSend, msg: Message{Kind: kind, Data: data}})
}

// QueueTask schedules fn to run on the loop goroutine before the next event
// is handled. fn must not block.
func (d *Dispatcher) QueueTask(fn func(*Dispatcher)) error {
	d.mu.Lock()
	closed := d.closed()
	d.mu.Unlock()
	if closed {
		return ErrClosed
	}
	d.tasks.push(fn)
	return nil
}

// Stop makes Run return. It is safe to call more than once.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() { close(d.stopCh) })
}

// post hands an event to the loop unless the loop has exited.
func (d *Dispatcher) post(ev event) bool {
	select {
	case d.events <- ev:
		return true
	case <-d.done:
		return false
	}
}

// Run drives the loop until ctx is cancelled or Stop is called. On return
// every remaining socket has been closed.
func (d *Dispatcher) Run(ctx context.Context) error {
	if !d.running.CompareAndSwap(false, true) {
		return errRunning
	}
	defer d.shutdown()

	ticker := time.NewTicker(d.resolution)
	defer ticker.Stop()

	for {
		d.runTasks()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-d.stopCh:
			return nil
		case <-d.tasks.wake:
		case ev := <-d.events:
			d.handle(ev)
		case now := <-ticker.C:
			d.checkTimeouts(now)
		}
	}
}

func (d *Dispatcher) runTasks() {
	for _, fn := range d.tasks.drain() {
		fn(d)
	}
}

func (d *Dispatcher) handle(ev event) {
	switch ev.kind {
	case evRead:
		d.handleRead(ev)

	case evControl:
		r := d.touch(ev.sock)
		if r == nil {
			return
		}
		r.handler.OnReadable(d, ev.sock, ev.msg)

	case evWritable:
		d.mu.Lock()
		r, ok := d.regs[ev.sock]
		if !ok || r != ev.reg || r.interest&InterestWrite == 0 {
			d.mu.Unlock()
			return
		}
		r.lastActive = time.Now()
		d.mu.Unlock()
		r.handler.OnWritable(d, ev.sock)

	case evError:
		d.mu.Lock()
		r, ok := d.regs[ev.sock]
		if !ok || (ev.reg != nil && r != ev.reg) {
			d.mu.Unlock()
			return
		}
		d.mu.Unlock()
		r.handler.OnError(d, ev.sock, ev.err)
	}
}

// touch marks s active and returns its registration, or nil.
func (d *Dispatcher) touch(s Socket) *registration {
	d.mu.Lock()
	defer d.mu.Unlock()
	r, ok := d.regs[s]
	if !ok {
		return nil
	}
	r.lastActive = time.Now()
	return r
}

// checkTimeouts fires OnTimeout for every registration idle longer than its
// timeout and restarts its clock.
func (d *Dispatcher) checkTimeouts(now time.Time) {
	var expired []*registration

	d.mu.Lock()
	for _, r := range d.regs {
		if r.timeout > 0 && now.Sub(r.lastActive) >= r.timeout {
			r.lastActive = now
			expired = append(expired, r)
		}
	}
	d.mu.Unlock()

	for _, r := range expired {
		// an earlier handler in this batch may have dropped it
		d.mu.Lock()
		current := d.regs[r.sock] == r
		d.mu.Unlock()
		if current {
			r.handler.OnTimeout(d, r.sock)
		}
	}
}

// shutdown closes every socket the dispatcher still knows about.
func (d *Dispatcher) shutdown() {
	d.mu.Lock()
	close(d.done)
	socks := make(map[Socket]struct{}, len(d.regs)+len(d.writers))
	for s := range d.regs {
		socks[s] = struct{}{}
	}
	for s := range d.writers {
		socks[s] = struct{}{}
	}
	d.regs = make(map[Socket]*registration)
	d.mu.Unlock()

	for s := range socks {
		if err := s.Close(); err != nil {
			util.LogDebug("dispatcher: close on shutdown: %v", err)
		}
	}
}
