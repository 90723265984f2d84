// Package signaling establishes the WebRTC DataChannel transport for direct
// peer-to-peer mode. The SDP offer/answer and trickled ICE candidates are
// exchanged over a short-lived WebSocket connection authenticated by a PIN.
package signaling

type messageType string

const (
	msgTypeOffer     messageType = "offer"
	msgTypeAnswer    messageType = "answer"
	msgTypeCandidate messageType = "candidate"
)

// message is the JSON structure exchanged over the WebSocket.
type message struct {
	Type      messageType `json:"type"`
	SDP       string      `json:"sdp,omitempty"`
	Candidate string      `json:"candidate,omitempty"` // JSON-encoded ICECandidateInit
}
