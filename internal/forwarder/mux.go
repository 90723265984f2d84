package forwarder

import (
	"errors"
	"io"

	"github.com/1ureka/rtun/internal/dispatcher"
	"github.com/1ureka/rtun/internal/protocol"
	"github.com/1ureka/rtun/internal/util"
)

// multiplexer handles the local socket of an open channel and frames what it
// reads for the peer.
type multiplexer struct {
	f  *Forwarder
	id uint16
}

func (h *multiplexer) OnReadable(d *dispatcher.Dispatcher, s dispatcher.Socket, msg dispatcher.Message) {
	f := h.f
	switch msg.Kind {
	case dispatcher.KindData:
		if len(msg.Data) == 0 {
			// readable without payload, seen with TLS records
			return
		}
		buf := f.frame[:protocol.HeaderSize]
		protocol.WriteHeader(buf, protocol.OpData, 0, h.id, 0)
		buf = append(buf, msg.Data...)
		f.frame = buf[:0]
		if f.sendFrame(h.id, buf) {
			util.Stats.AddToPeer(len(msg.Data))
		}

	case dispatcher.KindEOF:
		util.LogDebug("[ch %d] closing actively", h.id)
		d.UpdateSocket(s, dispatcher.InterestNone, f.CloseTimeout())
		if f.setChannelFlag(h.id, closedLocal)&closedRemote != 0 {
			util.LogDebug("[ch %d] also closed by peer", h.id)
			f.removeChannel(h.id)
		}
		f.sendResponse(h.id, protocol.OpClose, protocol.ErrCodeNone)
	}
}

func (h *multiplexer) OnWritable(*dispatcher.Dispatcher, dispatcher.Socket) {}

func (h *multiplexer) OnError(d *dispatcher.Dispatcher, s dispatcher.Socket, err error) {
	f := h.f
	f.removeChannel(h.id)
	if !f.strictSecureShutdown && errors.Is(err, io.ErrUnexpectedEOF) {
		util.LogDebug("[ch %d] local peer ended without orderly shutdown", h.id)
		f.sendResponse(h.id, protocol.OpClose, protocol.ErrCodeNone)
		return
	}
	util.LogError("[ch %d] local socket: %v", h.id, err)
	f.sendResponse(h.id, protocol.OpError, protocol.ErrCodeSocket)
}

func (h *multiplexer) OnTimeout(d *dispatcher.Dispatcher, s dispatcher.Socket) {
	f := h.f
	if f.channelFlags(h.id)&closedLocal == 0 {
		util.LogWarning("[ch %d] local socket idle, closing channel", h.id)
		f.sendResponse(h.id, protocol.OpError, protocol.ErrCodeTimeout)
	}
	f.removeChannel(h.id)
}

// sendFrame queues one frame on the transport, closing the transport if it
// can no longer be written to.
func (f *Forwarder) sendFrame(id uint16, frame []byte) bool {
	hdr, _, _ := protocol.ReadHeader(frame)
	if err := f.d.SendBytes(f.transport, frame, dispatcher.KindData); err != nil {
		util.LogError("[ch %d] send %s frame: %v", id, hdr.Opcode, err)
		f.closeTransport(CloseError, false)
		return false
	}
	countFrame("out", hdr.Opcode)
	return true
}
