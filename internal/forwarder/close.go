package forwarder

import (
	"github.com/1ureka/rtun/internal/dispatcher"
	"github.com/1ureka/rtun/internal/util"
)

// closeTransport closes every channel and the sending side of the transport.
// With active set a close message is sent first. The transport stays
// registered under the close timeout so the peer's closing handshake can be
// read; if the peer has already closed, it is released right away.
// Runs on the loop.
func (f *Forwarder) closeTransport(reason CloseReason, active bool) {
	if f.transportFlags&closedLocal != 0 {
		return
	}
	f.transportFlags |= closedLocal
	util.LogDebug("closing transport (%s)", reason)

	if active {
		if err := f.d.SendBytes(f.transport, nil, dispatcher.KindClose); err != nil {
			util.LogDebug("close message not sent: %v", err)
		}
	}
	f.clearChannels()
	f.notifyClosed(reason)

	if f.transportFlags&closedRemote != 0 {
		f.finishTransport()
		return
	}
	f.d.ShutdownSend(f.transport)
	f.d.UpdateSocket(f.transport, dispatcher.InterestRead, f.CloseTimeout())
}

// finishTransport deregisters the transport and closes it once queued
// writes have been flushed.
func (f *Forwarder) finishTransport() {
	f.d.CloseSocket(f.transport)
	f.doneOnce.Do(func() { close(f.done) })
	util.LogDebug("transport released")
}
