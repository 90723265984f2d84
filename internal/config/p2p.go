package config

// Role is the side a user takes in direct peer-to-peer mode.
type Role string

const (
	RoleHost   Role = "host"
	RoleClient Role = "client"
)

// P2P holds the parameters of a peer-to-peer session, gathered from flags
// or interactive prompts.
type P2P struct {
	Role       Role
	TargetPort uint16 // Host: the TCP service port to expose
	LocalPort  uint16 // Client: local port for the tunnelled service
	WSListen   string // Host: signaling listen address
	WSURL      string // Client: signaling URL to connect to
	PIN        string // Client: PIN shown by the host
}
