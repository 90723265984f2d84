package forwarder

import (
	"testing"

	"github.com/1ureka/rtun/internal/dispatcher"
)

func newTable() *Forwarder {
	return &Forwarder{
		channels: make(map[uint16]*channel),
		pending:  make(map[uint16]dispatcher.Socket),
	}
}

func TestInsertChannel(t *testing.T) {
	f := newTable()
	if !f.insertChannel(3, dispatcher.NewStreamSocket(nil)) {
		t.Fatal("insert into an open table refused")
	}
	if !f.HasChannel(3) || f.ChannelCount() != 1 {
		t.Fatalf("channel 3 not in table, count %d", f.ChannelCount())
	}
}

// A connect that finishes after the transport was torn down must not leave a
// channel behind.
func TestInsertChannelAfterClear(t *testing.T) {
	f := newTable()
	sock := dispatcher.NewStreamSocket(nil)
	f.pending[5] = sock

	if !f.takePending(5, sock) {
		t.Fatal("takePending(5) = false")
	}
	f.clearChannels()
	if f.insertChannel(5, sock) {
		t.Fatal("insert accepted after the table was cleared")
	}
	if f.ChannelCount() != 0 {
		t.Fatalf("ChannelCount = %d, want 0", f.ChannelCount())
	}
}
