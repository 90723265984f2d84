package tunnel

import (
	"github.com/1ureka/rtun/internal/dispatcher"
	"github.com/1ureka/rtun/internal/protocol"
	"github.com/1ureka/rtun/internal/util"
)

// ---------------------------------------------------------------------------
// Transport side
// ---------------------------------------------------------------------------

type demultiplexer struct {
	c *Client
}

func (h *demultiplexer) OnReadable(d *dispatcher.Dispatcher, s dispatcher.Socket, msg dispatcher.Message) {
	c := h.c
	switch msg.Kind {
	case dispatcher.KindData:
		c.dispatchFrame(msg.Data)

	case dispatcher.KindClose:
		c.mu.Lock()
		closing := c.closed
		c.mu.Unlock()
		if !closing {
			util.LogInfo("peer closed the tunnel")
			c.closeRoutes()
			d.SendBytes(s, nil, dispatcher.KindClose)
		}
		c.finish()

	case dispatcher.KindEOF:
		util.LogWarning("tunnel transport dropped")
		c.shutdown(false)
	}
}

func (h *demultiplexer) OnWritable(*dispatcher.Dispatcher, dispatcher.Socket) {}

func (h *demultiplexer) OnError(d *dispatcher.Dispatcher, s dispatcher.Socket, err error) {
	util.LogError("tunnel transport: %v", err)
	h.c.shutdown(false)
}

func (h *demultiplexer) OnTimeout(*dispatcher.Dispatcher, dispatcher.Socket) {}

// finish releases the transport after queued writes.
func (c *Client) finish() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.d.CloseSocket(c.transport)
	c.doneOnce.Do(func() { close(c.done) })
}

func (c *Client) dispatchFrame(frame []byte) {
	hdr, n, err := protocol.ReadHeader(frame)
	if err != nil {
		util.LogWarning("dropping frame: %v", err)
		return
	}
	payload := frame[n:]

	switch hdr.Opcode {
	case protocol.OpOpenConfirm:
		sock, ok := c.markOpen(hdr.Channel)
		if !ok {
			return
		}
		util.LogDebug("[ch %d] open", hdr.Channel)
		c.d.UpdateSocket(sock, dispatcher.InterestRead, c.idleTimeout)

	case protocol.OpOpenFault:
		util.LogWarning("[ch %d] peer refused channel: %s", hdr.Channel, protocol.ErrorCode(hdr.Optional))
		c.dropRoute(hdr.Channel)

	case protocol.OpData:
		r, ok := c.lookup(hdr.Channel)
		if !ok || !r.open {
			c.send(protocol.ControlFrame(protocol.OpError, hdr.Channel, uint16(protocol.ErrCodeBadChannel)))
			return
		}
		if len(payload) > 0 {
			c.d.SendBytes(r.sock, payload, dispatcher.KindData)
			util.Stats.AddFromPeer(len(payload))
		}

	case protocol.OpClose:
		flags := c.setFlag(hdr.Channel, closedRemote)
		if flags&closedLocal != 0 {
			c.dropRoute(hdr.Channel)
		} else if r, ok := c.lookup(hdr.Channel); ok {
			c.d.ShutdownSend(r.sock)
		}

	case protocol.OpError:
		util.LogWarning("[ch %d] peer reported %s", hdr.Channel, protocol.ErrorCode(hdr.Optional))
		c.dropRoute(hdr.Channel)

	case protocol.OpPropUpdate:
		props, err := protocol.DecodeProperties(payload)
		if err != nil {
			util.LogWarning("dropping property update: %v", err)
			return
		}
		if c.onProps != nil {
			c.onProps(props)
		}

	default:
		c.send(protocol.ControlFrame(protocol.OpError, hdr.Channel, uint16(protocol.ErrCodeProtocol)))
	}
}

// ---------------------------------------------------------------------------
// Local side
// ---------------------------------------------------------------------------

// local relays an accepted connection to its channel.
type local struct {
	c  *Client
	id uint16
}

func (h *local) OnReadable(d *dispatcher.Dispatcher, s dispatcher.Socket, msg dispatcher.Message) {
	c := h.c
	switch msg.Kind {
	case dispatcher.KindData:
		if len(msg.Data) == 0 {
			return
		}
		c.send(protocol.DataFrame(h.id, msg.Data))
		util.Stats.AddToPeer(len(msg.Data))

	case dispatcher.KindEOF:
		d.UpdateSocket(s, dispatcher.InterestNone, 0)
		c.send(protocol.ControlFrame(protocol.OpClose, h.id, 0))
		if c.setFlag(h.id, closedLocal)&closedRemote != 0 {
			c.dropRoute(h.id)
		}
	}
}

func (h *local) OnWritable(*dispatcher.Dispatcher, dispatcher.Socket) {}

func (h *local) OnError(d *dispatcher.Dispatcher, s dispatcher.Socket, err error) {
	util.LogDebug("[ch %d] local connection: %v", h.id, err)
	h.c.dropRoute(h.id)
	h.c.send(protocol.ControlFrame(protocol.OpError, h.id, uint16(protocol.ErrCodeSocket)))
}

func (h *local) OnTimeout(d *dispatcher.Dispatcher, s dispatcher.Socket) {
	util.LogDebug("[ch %d] idle", h.id)
	h.c.dropRoute(h.id)
	h.c.send(protocol.ControlFrame(protocol.OpError, h.id, uint16(protocol.ErrCodeTimeout)))
}
