package app

import (
	"os"
	"strings"
)

// Status is the connection state of an agent.
type Status int

const (
	StatusDisconnected Status = iota
	StatusConnected
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnected:
		return "connected"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// Status returns the current state and the last error, if the state is
// StatusError.
func (a *Agent) Status() (Status, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.status, a.lastErr
}

func (a *Agent) setStatus(s Status, err error) {
	a.mu.Lock()
	a.status = s
	a.lastErr = err
	a.mu.Unlock()
}

// properties describes this agent to the reflector.
func (a *Agent) properties() map[string]string {
	ports := make([]string, len(a.cfg.Ports))
	for i, p := range a.cfg.Ports {
		ports[i] = p.String()
	}
	props := map[string]string{
		"version": Version,
		"session": a.sessionID,
		"ports":   strings.Join(ports, ","),
	}
	if a.cfg.DeviceID != "" {
		props["device_id"] = a.cfg.DeviceID
	}
	if host, err := os.Hostname(); err == nil {
		props["hostname"] = host
	}
	return props
}
