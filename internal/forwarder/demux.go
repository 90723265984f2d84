package forwarder

import (
	"net"
	"strconv"

	"github.com/1ureka/rtun/internal/dispatcher"
	"github.com/1ureka/rtun/internal/observability"
	"github.com/1ureka/rtun/internal/protocol"
	"github.com/1ureka/rtun/internal/util"
)

// demultiplexer handles the transport: frames from the peer are dispatched
// to channels, and the transport's own close and keepalive are driven here.
type demultiplexer struct {
	f *Forwarder
}

func (h *demultiplexer) OnReadable(d *dispatcher.Dispatcher, s dispatcher.Socket, msg dispatcher.Message) {
	f := h.f
	switch msg.Kind {
	case dispatcher.KindData:
		f.dispatchFrame(msg.Data)

	case dispatcher.KindPong:
		util.LogDebug("PONG received")
		f.timeoutCount = 0

	case dispatcher.KindEOF:
		if f.transportFlags&closedRemote == 0 {
			util.LogDebug("peer has dropped the transport")
		}
		f.transportFlags |= closedRemote
		if f.transportFlags&closedLocal != 0 {
			f.finishTransport()
		} else {
			f.closeTransport(CloseError, false)
		}

	case dispatcher.KindClose:
		util.LogDebug("peer has closed the transport")
		f.transportFlags |= closedRemote
		if f.transportFlags&closedLocal != 0 {
			f.finishTransport()
		} else {
			f.closeTransport(CloseGraceful, true)
		}

	default:
		util.LogDebug("ignoring %s message on transport", msg.Kind)
	}
}

func (h *demultiplexer) OnWritable(*dispatcher.Dispatcher, dispatcher.Socket) {}

func (h *demultiplexer) OnError(d *dispatcher.Dispatcher, s dispatcher.Socket, err error) {
	f := h.f
	if f.transportFlags&closedLocal != 0 {
		util.LogDebug("transport error while closing: %v", err)
		f.finishTransport()
		return
	}
	util.LogError("transport error: %v", err)
	f.closeTransport(CloseError, false)
}

func (h *demultiplexer) OnTimeout(d *dispatcher.Dispatcher, s dispatcher.Socket) {
	f := h.f
	if f.transportFlags&closedLocal != 0 {
		util.LogDebug("peer did not complete the closing handshake")
		f.finishTransport()
		return
	}
	if f.timeoutCount == 0 {
		f.timeoutCount = 1
		util.LogDebug("transport idle, sending PING")
		if err := d.SendBytes(s, nil, dispatcher.KindPing); err != nil {
			f.closeTransport(CloseError, false)
		}
		return
	}
	util.LogWarning("no answer to PING, closing transport")
	f.closeTransport(CloseTimeout, false)
}

// dispatchFrame routes one frame received from the peer.
func (f *Forwarder) dispatchFrame(frame []byte) {
	if len(frame) == 0 {
		return
	}
	hdr, n, err := protocol.ReadHeader(frame)
	if err != nil {
		util.LogWarning("dropping frame: %v", err)
		return
	}
	countFrame("in", hdr.Opcode)
	payload := frame[n:]

	switch hdr.Opcode {
	case protocol.OpData:
		f.forwardData(hdr.Channel, payload)

	case protocol.OpOpenRequest:
		f.openChannel(hdr.Channel, hdr.Optional)

	case protocol.OpClose:
		util.LogDebug("[ch %d] closed by peer", hdr.Channel)
		flags := f.setChannelFlag(hdr.Channel, closedRemote)
		if flags&closedLocal != 0 {
			util.LogDebug("[ch %d] also closed locally", hdr.Channel)
			f.removeChannel(hdr.Channel)
		} else if sock, ok := f.lookup(hdr.Channel); ok {
			f.d.ShutdownSend(sock)
		}

	case protocol.OpError:
		util.LogWarning("[ch %d] peer reported %s, closing channel", hdr.Channel, protocol.ErrorCode(hdr.Optional))
		f.removeChannel(hdr.Channel)

	case protocol.OpPropUpdate:
		f.receiveProperties(payload)

	default:
		util.LogError("[ch %d] invalid frame (opcode %s)", hdr.Channel, hdr.Opcode)
		f.sendResponse(hdr.Channel, protocol.OpError, protocol.ErrCodeProtocol)
	}
}

// forwardData writes a DATA payload to the channel's local socket.
func (f *Forwarder) forwardData(id uint16, payload []byte) {
	sock, ok := f.lookup(id)
	if !ok {
		util.LogDebug("[ch %d] data for unknown channel", id)
		f.sendResponse(id, protocol.OpError, protocol.ErrCodeBadChannel)
		return
	}
	if len(payload) == 0 {
		return
	}
	if err := f.d.SendBytes(sock, payload, dispatcher.KindData); err != nil {
		util.LogDebug("[ch %d] forward: %v", id, err)
		return
	}
	util.Stats.AddFromPeer(len(payload))
}

// openChannel starts connecting a new channel to host:port.
func (f *Forwarder) openChannel(id uint16, port uint16) {
	if _, ok := f.ports[port]; !ok {
		util.LogWarning("[ch %d] open request for port %d, which is not forwarded", id, port)
		f.sendResponse(id, protocol.OpOpenFault, protocol.ErrCodeNotForwarded)
		return
	}
	if f.inUse(id) {
		util.LogWarning("[ch %d] open request for a channel in use", id)
		f.sendResponse(id, protocol.OpOpenFault, protocol.ErrCodeChannelInUse)
		return
	}

	addr := net.JoinHostPort(f.host, strconv.Itoa(int(port)))
	sock, err := f.factory.CreateSocket(addr)
	if err != nil {
		util.LogError("[ch %d] create socket for %s: %v", id, addr, err)
		f.sendResponse(id, protocol.OpOpenFault, protocol.ErrCodeSocket)
		return
	}

	f.mu.Lock()
	f.pending[id] = sock
	f.mu.Unlock()

	util.LogDebug("[ch %d] connecting to %s", id, addr)
	err = f.d.AddSocket(sock, &connector{f: f, id: id}, dispatcher.InterestWrite, f.ConnectTimeout())
	if err != nil {
		f.takePending(id, sock)
		sock.Close()
		util.LogError("[ch %d] register socket: %v", id, err)
		f.sendResponse(id, protocol.OpOpenFault, protocol.ErrCodeSocket)
	}
}

func (f *Forwarder) receiveProperties(payload []byte) {
	props, err := protocol.DecodeProperties(payload)
	if err != nil {
		util.LogWarning("dropping property update: %v", err)
		return
	}
	f.closeMu.Lock()
	fn := f.onProps
	f.closeMu.Unlock()
	if fn == nil {
		util.LogDebug("property update from peer ignored (%d entries)", len(props))
		return
	}
	fn(props)
}

// sendResponse sends a header-only frame for channel id. Runs on the loop.
func (f *Forwarder) sendResponse(id uint16, op protocol.Opcode, code protocol.ErrorCode) {
	buf := f.frame[:protocol.HeaderSize]
	protocol.WriteHeader(buf, op, 0, id, uint16(code))
	if f.sendFrame(id, buf) && op == protocol.OpOpenFault {
		observability.OpenFaultsTotal.WithLabelValues(code.String()).Inc()
	}
}
