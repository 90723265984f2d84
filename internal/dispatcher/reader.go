package dispatcher

import "time"

// reader is the read pump of one socket. It performs one Receive at a time
// and waits for the loop's go-ahead before the next one, so a socket is never
// read while its previous message is still being handled.
//
// A reader belongs to the socket, not to a registration: a read in flight
// across RemoveSocket and AddSocket is delivered to the new registration.
type reader struct {
	ack     chan bool
	pending *event // result held back while the socket has no read interest
}

// ensureReaderLocked starts a pump for s, or re-delivers a result that
// arrived while read interest was off. Callers hold d.mu.
func (d *Dispatcher) ensureReaderLocked(s Socket) {
	if d.closed() {
		return
	}
	rd, ok := d.readers[s]
	if !ok {
		rd = &reader{ack: make(chan bool, 1)}
		d.readers[s] = rd
		go d.pump(s, rd)
		return
	}
	if ev := rd.pending; ev != nil {
		rd.pending = nil
		d.tasks.push(func(d *Dispatcher) { d.handleRead(*ev) })
	}
}

func (d *Dispatcher) pump(s Socket, rd *reader) {
	buf := make([]byte, d.bufSize)
	for {
		msg, err := s.Receive(buf)
		if !d.post(event{kind: evRead, sock: s, rd: rd, msg: msg, err: err}) {
			return
		}
		select {
		case more := <-rd.ack:
			if !more {
				return
			}
		case <-d.done:
			return
		}
	}
}

// stopReaderLocked tells the pump of s to exit. Callers hold d.mu.
func (d *Dispatcher) stopReaderLocked(s Socket, rd *reader) {
	if d.readers[s] == rd {
		delete(d.readers, s)
	}
	rd.ack <- false
}

// handleRead delivers one pump result to the current registration of its
// socket, then decides whether the pump may read again.
func (d *Dispatcher) handleRead(ev event) {
	d.mu.Lock()
	r, ok := d.regs[ev.sock]
	if !ok {
		d.stopReaderLocked(ev.sock, ev.rd)
		d.mu.Unlock()
		return
	}
	if r.interest&InterestRead == 0 {
		// keep the result until read interest comes back
		ev.rd.pending = &ev
		d.mu.Unlock()
		return
	}
	r.lastActive = time.Now()
	d.mu.Unlock()

	if ev.err != nil {
		r.handler.OnError(d, ev.sock, ev.err)
	} else {
		r.handler.OnReadable(d, ev.sock, ev.msg)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	cur, ok := d.regs[ev.sock]
	if ev.err != nil || ev.msg.terminal() || !ok || cur.interest&InterestRead == 0 {
		d.stopReaderLocked(ev.sock, ev.rd)
		return
	}
	ev.rd.ack <- true
}
