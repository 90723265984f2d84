package transport

import (
	"errors"
	"net"
	"sync"
	"sync/atomic"

	"github.com/1ureka/rtun/internal/dispatcher"
)

const pipeQueueSize = 1024

var errWriteClosed = errors.New("transport: write side closed")

// PipeEnd is one end of an in-memory message transport created by Pipe.
// It behaves like a WebSocket: messages keep their boundaries, pings are
// answered with pongs unless auto-pong is disabled, and Close without a prior
// close message looks like a dropped connection to the other end.
type PipeEnd struct {
	peer   *PipeEnd
	inbox  chan dispatcher.Message
	closed chan struct{}
	once   sync.Once

	wmu         sync.Mutex
	writeClosed bool

	autoPong  atomic.Bool
	cmu       sync.Mutex
	onControl func(dispatcher.Message)
}

// Pipe returns two connected ends.
func Pipe() (*PipeEnd, *PipeEnd) {
	a := newPipeEnd()
	b := newPipeEnd()
	a.peer, b.peer = b, a
	return a, b
}

func newPipeEnd() *PipeEnd {
	p := &PipeEnd{
		inbox:  make(chan dispatcher.Message, pipeQueueSize),
		closed: make(chan struct{}),
	}
	p.autoPong.Store(true)
	return p
}

// SetAutoPong controls whether pings arriving at this end are answered.
func (p *PipeEnd) SetAutoPong(on bool) {
	p.autoPong.Store(on)
}

// SetControlHandler implements dispatcher.ControlNotifier.
func (p *PipeEnd) SetControlHandler(fn func(dispatcher.Message)) {
	p.cmu.Lock()
	p.onControl = fn
	p.cmu.Unlock()
}

func (p *PipeEnd) control(msg dispatcher.Message) {
	p.cmu.Lock()
	fn := p.onControl
	p.cmu.Unlock()
	if fn != nil {
		fn(msg)
	}
}

// Receive returns the next message. Once the other end is closed and every
// queued message has been read, it reports KindEOF.
func (p *PipeEnd) Receive(buf []byte) (dispatcher.Message, error) {
	select {
	case msg := <-p.inbox:
		return p.deliver(buf, msg), nil
	default:
	}

	select {
	case msg := <-p.inbox:
		return p.deliver(buf, msg), nil
	case <-p.closed:
		return dispatcher.Message{}, net.ErrClosed
	case <-p.peer.closed:
		select {
		case msg := <-p.inbox:
			return p.deliver(buf, msg), nil
		default:
			return dispatcher.Message{Kind: dispatcher.KindEOF}, nil
		}
	}
}

func (p *PipeEnd) deliver(buf []byte, msg dispatcher.Message) dispatcher.Message {
	if msg.Kind == dispatcher.KindData && len(msg.Data) <= len(buf) {
		n := copy(buf, msg.Data)
		msg.Data = buf[:n]
	}
	return msg
}

// Send delivers a copy of msg to the other end.
func (p *PipeEnd) Send(msg dispatcher.Message) error {
	p.wmu.Lock()
	defer p.wmu.Unlock()
	if p.writeClosed {
		return errWriteClosed
	}
	select {
	case <-p.closed:
		return net.ErrClosed
	case <-p.peer.closed:
		return net.ErrClosed
	default:
	}

	msg.Data = append([]byte(nil), msg.Data...)
	switch msg.Kind {
	case dispatcher.KindPing:
		if p.peer.autoPong.Load() {
			p.control(dispatcher.Message{Kind: dispatcher.KindPong, Data: msg.Data})
		}
		return nil
	case dispatcher.KindPong:
		p.peer.control(msg)
		return nil
	}

	select {
	case p.peer.inbox <- msg:
		return nil
	case <-p.closed:
		return net.ErrClosed
	case <-p.peer.closed:
		return net.ErrClosed
	}
}

// CloseWrite refuses further sends from this end.
func (p *PipeEnd) CloseWrite() error {
	p.wmu.Lock()
	p.writeClosed = true
	p.wmu.Unlock()
	return nil
}

// Close closes this end. It is safe to call more than once.
func (p *PipeEnd) Close() error {
	p.once.Do(func() { close(p.closed) })
	return nil
}
