package dispatcher

import "github.com/1ureka/rtun/internal/util"

type opKind uint8

const (
	opSend opKind = iota
	opShutdown
	opClose
)

type writeOp struct {
	op  opKind
	msg Message
}

// writer serializes all output to one socket. Its goroutine is started on
// demand and exits when the queue runs dry, so idle sockets cost nothing.
type writer struct {
	sock    Socket
	queue   []writeOp
	running bool
	failed  bool // a send failed; later sends are dropped
}

// enqueue appends op to the writer of s, starting the writer if needed.
func (d *Dispatcher) enqueue(s Socket, op writeOp) error {
	d.mu.Lock()
	if d.closed() {
		d.mu.Unlock()
		if op.op == opClose {
			s.Close()
		}
		return ErrClosed
	}
	w, ok := d.writers[s]
	if !ok {
		w = &writer{sock: s}
		d.writers[s] = w
	}
	w.queue = append(w.queue, op)
	start := !w.running
	w.running = true
	d.mu.Unlock()

	if start {
		go d.drain(w)
	}
	return nil
}

// drain is the writer goroutine.
func (d *Dispatcher) drain(w *writer) {
	for {
		d.mu.Lock()
		if len(w.queue) == 0 || d.closed() {
			w.running = false
			if len(w.queue) == 0 && !w.failed && d.writers[w.sock] == w {
				delete(d.writers, w.sock)
			}
			d.mu.Unlock()
			return
		}
		op := w.queue[0]
		w.queue[0] = writeOp{}
		w.queue = w.queue[1:]
		failed := w.failed
		d.mu.Unlock()

		switch op.op {
		case opSend:
			if failed {
				continue
			}
			if err := w.sock.Send(op.msg); err != nil {
				d.mu.Lock()
				w.failed = true
				d.mu.Unlock()
				d.post(event{kind: evError, sock: w.sock, err: err})
			}

		case opShutdown:
			if failed {
				continue
			}
			if err := w.sock.CloseWrite(); err != nil {
				util.LogDebug("dispatcher: half-close: %v", err)
			}

		case opClose:
			if err := w.sock.Close(); err != nil {
				util.LogDebug("dispatcher: close: %v", err)
			}
			d.mu.Lock()
			w.queue = nil
			w.running = false
			if d.writers[w.sock] == w {
				delete(d.writers, w.sock)
			}
			d.mu.Unlock()
			return
		}
	}
}
