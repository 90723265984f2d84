package forwarder

import (
	"github.com/1ureka/rtun/internal/dispatcher"
	"github.com/1ureka/rtun/internal/observability"
	"github.com/1ureka/rtun/internal/util"
)

// Channel close flags. A channel leaves the table once both are set, or
// immediately on error.
const (
	closedLocal uint8 = 1 << iota
	closedRemote
)

// channel is one forwarded conversation bound to a local socket.
type channel struct {
	sock  dispatcher.Socket
	flags uint8
}

// The channel table is only mutated on the dispatcher loop, but accessors
// such as ChannelCount and forced shutdown read it from other goroutines, so
// every access takes f.mu. Nothing below calls back into the forwarder while
// holding it.

// lookup returns the local socket of an open channel.
func (f *Forwarder) lookup(id uint16) (dispatcher.Socket, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch, ok := f.channels[id]
	if !ok {
		return nil, false
	}
	return ch.sock, true
}

// inUse reports whether id is open or still connecting.
func (f *Forwarder) inUse(id uint16) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, open := f.channels[id]
	_, connecting := f.pending[id]
	return open || connecting
}

// setChannelFlag sets flag on channel id and returns the resulting flags,
// or 0 if the channel is unknown.
func (f *Forwarder) setChannelFlag(id uint16, flag uint8) uint8 {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch, ok := f.channels[id]
	if !ok {
		return 0
	}
	ch.flags |= flag
	return ch.flags
}

func (f *Forwarder) channelFlags(id uint16) uint8 {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ch, ok := f.channels[id]; ok {
		return ch.flags
	}
	return 0
}

// insertChannel moves a connected socket into the table. It returns false
// once the transport has closed and the table was cleared.
func (f *Forwarder) insertChannel(id uint16, sock dispatcher.Socket) bool {
	f.mu.Lock()
	if f.cleared {
		f.mu.Unlock()
		return false
	}
	f.channels[id] = &channel{sock: sock}
	f.mu.Unlock()

	observability.ChannelsOpen.Inc()
	observability.ChannelsOpenedTotal.Inc()
	util.Stats.ChannelOpened()
	return true
}

// removeChannel is the only way a channel leaves the table: the entry is
// erased and the dispatcher closes the socket after flushing queued writes.
func (f *Forwarder) removeChannel(id uint16) {
	f.mu.Lock()
	ch, ok := f.channels[id]
	if ok {
		delete(f.channels, id)
	}
	f.mu.Unlock()

	if !ok {
		return
	}
	f.d.CloseSocket(ch.sock)
	observability.ChannelsOpen.Dec()
	util.Stats.ChannelClosed()
	util.LogDebug("[ch %d] removed", id)
}

// takePending removes a connecting socket, returning false if id is no
// longer connecting with sock.
func (f *Forwarder) takePending(id uint16, sock dispatcher.Socket) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if cur, ok := f.pending[id]; !ok || cur != sock {
		return false
	}
	delete(f.pending, id)
	return true
}

// clearChannels closes every local socket, open or connecting, and empties
// the table.
func (f *Forwarder) clearChannels() {
	f.mu.Lock()
	channels := f.channels
	pending := f.pending
	f.channels = make(map[uint16]*channel)
	f.pending = make(map[uint16]dispatcher.Socket)
	f.cleared = true
	f.mu.Unlock()

	for _, ch := range channels {
		f.d.CloseSocket(ch.sock)
		observability.ChannelsOpen.Dec()
		util.Stats.ChannelClosed()
	}
	for _, sock := range pending {
		f.d.CloseSocket(sock)
	}
}

// ChannelCount returns the number of open channels.
func (f *Forwarder) ChannelCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.channels)
}

// HasChannel reports whether channel id is open.
func (f *Forwarder) HasChannel(id uint16) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.channels[id]
	return ok
}
