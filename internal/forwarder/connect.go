package forwarder

import (
	"errors"
	"syscall"

	"github.com/1ureka/rtun/internal/dispatcher"
	"github.com/1ureka/rtun/internal/protocol"
	"github.com/1ureka/rtun/internal/util"
)

// connector handles a local socket while it connects. A channel only enters
// the table once its socket is connected and OPEN_CONFIRM has been sent.
type connector struct {
	f  *Forwarder
	id uint16
}

func (h *connector) OnReadable(*dispatcher.Dispatcher, dispatcher.Socket, dispatcher.Message) {}

func (h *connector) OnWritable(d *dispatcher.Dispatcher, s dispatcher.Socket) {
	f := h.f
	if !f.takePending(h.id, s) {
		d.CloseSocket(s)
		return
	}
	if nd, ok := s.(dispatcher.NoDelayer); ok {
		if err := nd.SetNoDelay(true); err != nil {
			util.LogDebug("[ch %d] set no delay: %v", h.id, err)
		}
	}

	d.RemoveSocket(s)
	if !f.insertChannel(h.id, s) {
		d.CloseSocket(s)
		return
	}
	f.sendResponse(h.id, protocol.OpOpenConfirm, protocol.ErrCodeNone)

	if err := d.AddSocket(s, &multiplexer{f: f, id: h.id}, dispatcher.InterestRead, f.LocalTimeout()); err != nil {
		util.LogError("[ch %d] register connected socket: %v", h.id, err)
		f.removeChannel(h.id)
		f.sendResponse(h.id, protocol.OpError, protocol.ErrCodeSocket)
		return
	}
	util.LogDebug("[ch %d] connected", h.id)
}

func (h *connector) OnError(d *dispatcher.Dispatcher, s dispatcher.Socket, err error) {
	f := h.f
	if !f.takePending(h.id, s) {
		d.CloseSocket(s)
		return
	}
	d.CloseSocket(s)

	code := protocol.ErrCodeSocket
	if errors.Is(err, syscall.ECONNREFUSED) {
		code = protocol.ErrCodeConnRefused
	}
	util.LogWarning("[ch %d] connect failed: %v", h.id, err)
	f.sendResponse(h.id, protocol.OpOpenFault, code)
}

func (h *connector) OnTimeout(d *dispatcher.Dispatcher, s dispatcher.Socket) {
	f := h.f
	if !f.takePending(h.id, s) {
		d.CloseSocket(s)
		return
	}
	d.CloseSocket(s)
	util.LogWarning("[ch %d] connect timed out", h.id)
	f.sendResponse(h.id, protocol.OpOpenFault, protocol.ErrCodeTimeout)
}
