package transport

import (
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/rtun/internal/dispatcher"
	"github.com/1ureka/rtun/internal/util"
)

const (
	highWaterMark = 256 * 1024 // pause sending when bufferedAmount exceeds this
	lowWaterMark  = 64 * 1024  // resume sending when bufferedAmount drops below this
	inboxSize     = 1024
)

// DataChannel is a dispatcher.Socket backed by a PeerConnection and its
// negotiated tunnel DataChannel.
//
// WebRTC has no ping frames of its own; SCTP heartbeats keep the association
// alive. A ping sent through the socket is therefore answered locally with a
// pong as long as the channel is open, and never reaches the peer. A stalled
// peer shows up as a failed PeerConnection or a closed channel, which closes
// Done and makes Receive report EOF.
type DataChannel struct {
	pc *webrtc.PeerConnection
	dc *webrtc.DataChannel

	inbox       chan dispatcher.Message
	openSignal  chan struct{}
	closeSignal chan struct{}
	drainSignal chan struct{}
	closeOnce   sync.Once

	mu        sync.Mutex
	pcState   webrtc.PeerConnectionState
	onControl func(dispatcher.Message)
}

// NewDataChannel creates a PeerConnection with the tunnel DataChannel. The
// caller performs signaling with the exposed methods and waits on Ready.
func NewDataChannel() (*DataChannel, error) {
	pc, err := newPeerConnection()
	if err != nil {
		return nil, err
	}

	dc, err := newDataChannel(pc)
	if err != nil {
		pc.Close()
		return nil, err
	}

	t := &DataChannel{
		pc:          pc,
		dc:          dc,
		inbox:       make(chan dispatcher.Message, inboxSize),
		openSignal:  make(chan struct{}),
		closeSignal: make(chan struct{}),
		drainSignal: make(chan struct{}, 1),
		pcState:     webrtc.PeerConnectionStateNew,
	}

	var openOnce sync.Once
	dc.OnOpen(func() {
		openOnce.Do(func() { close(t.openSignal) })
	})
	dc.OnClose(func() {
		util.LogDebug("DataChannel closed")
		t.markClosed()
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		kind := dispatcher.KindData
		if msg.IsString {
			kind = dispatcher.KindOther
		}
		select {
		case t.inbox <- dispatcher.Message{Kind: kind, Data: msg.Data}:
		case <-t.closeSignal:
		}
	})

	dc.SetBufferedAmountLowThreshold(uint64(lowWaterMark))
	dc.OnBufferedAmountLow(func() {
		select {
		case t.drainSignal <- struct{}{}:
		default:
		}
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		util.LogDebug("PeerConnection state: %s", state.String())
		t.mu.Lock()
		t.pcState = state
		t.mu.Unlock()
		if state == webrtc.PeerConnectionStateFailed || state == webrtc.PeerConnectionStateClosed {
			t.markClosed()
		}
	})

	return t, nil
}

func (t *DataChannel) markClosed() {
	t.closeOnce.Do(func() { close(t.closeSignal) })
}

// Ready is closed once the DataChannel is open.
func (t *DataChannel) Ready() <-chan struct{} {
	return t.openSignal
}

// Done is closed once the DataChannel or the PeerConnection has gone away.
func (t *DataChannel) Done() <-chan struct{} {
	return t.closeSignal
}

// ConnectionState returns the last observed PeerConnection state.
func (t *DataChannel) ConnectionState() webrtc.PeerConnectionState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pcState
}

// ---------------------------------------------------------------------------
// dispatcher.Socket
// ---------------------------------------------------------------------------

// SetControlHandler implements dispatcher.ControlNotifier.
func (t *DataChannel) SetControlHandler(fn func(dispatcher.Message)) {
	t.mu.Lock()
	t.onControl = fn
	t.mu.Unlock()
}

// Receive returns the next DataChannel message, or KindEOF once the channel
// has closed and the queue is drained.
func (t *DataChannel) Receive(buf []byte) (dispatcher.Message, error) {
	select {
	case msg := <-t.inbox:
		return msg, nil
	case <-t.closeSignal:
		select {
		case msg := <-t.inbox:
			return msg, nil
		default:
			return dispatcher.Message{Kind: dispatcher.KindEOF}, nil
		}
	}
}

// Send writes a data message, blocking while the SCTP send buffer is above
// the high-water mark.
func (t *DataChannel) Send(msg dispatcher.Message) error {
	switch msg.Kind {
	case dispatcher.KindData:
	case dispatcher.KindPing:
		return t.answerPing(msg)
	case dispatcher.KindClose:
		return t.dc.Close()
	default:
		return fmt.Errorf("transport: cannot send %s message over datachannel", msg.Kind)
	}

	if t.dc.BufferedAmount() > uint64(highWaterMark) {
		select {
		case <-t.drainSignal:
		case <-t.closeSignal:
			return net.ErrClosed
		}
	}
	return t.dc.Send(msg.Data)
}

func (t *DataChannel) answerPing(msg dispatcher.Message) error {
	if t.dc.ReadyState() != webrtc.DataChannelStateOpen {
		return errors.New("transport: datachannel not open")
	}
	t.mu.Lock()
	fn := t.onControl
	t.mu.Unlock()
	if fn != nil {
		fn(dispatcher.Message{Kind: dispatcher.KindPong, Data: msg.Data})
	}
	return nil
}

// CloseWrite is a no-op: DataChannels cannot be half-closed.
func (t *DataChannel) CloseWrite() error {
	return nil
}

// Close shuts down the DataChannel and the PeerConnection.
func (t *DataChannel) Close() error {
	t.markClosed()
	return errors.Join(t.dc.Close(), t.pc.Close())
}

// ---------------------------------------------------------------------------
// Signaling
// ---------------------------------------------------------------------------

// CreateOffer generates an SDP offer.
func (t *DataChannel) CreateOffer() (webrtc.SessionDescription, error) {
	return t.pc.CreateOffer(nil)
}

// CreateAnswer generates an SDP answer.
func (t *DataChannel) CreateAnswer() (webrtc.SessionDescription, error) {
	return t.pc.CreateAnswer(nil)
}

// SetLocalDescription applies the local SDP.
func (t *DataChannel) SetLocalDescription(sdp webrtc.SessionDescription) error {
	return t.pc.SetLocalDescription(sdp)
}

// SetRemoteDescription applies the remote SDP.
func (t *DataChannel) SetRemoteDescription(sdp webrtc.SessionDescription) error {
	return t.pc.SetRemoteDescription(sdp)
}

// OnICECandidate registers a callback invoked whenever a new local ICE
// candidate is gathered. A nil candidate signals the end of gathering.
func (t *DataChannel) OnICECandidate(fn func(*webrtc.ICECandidate)) {
	t.pc.OnICECandidate(fn)
}

// AddICECandidate adds a remote ICE candidate received through signaling.
func (t *DataChannel) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	return t.pc.AddICECandidate(candidate)
}
