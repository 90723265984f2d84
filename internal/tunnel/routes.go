package tunnel

import (
	"github.com/1ureka/rtun/internal/dispatcher"
	"github.com/1ureka/rtun/internal/util"
)

const (
	closedLocal uint8 = 1 << iota
	closedRemote
)

// route binds a channel id to an accepted connection.
type route struct {
	sock  dispatcher.Socket
	open  bool // OPEN_CONFIRM received
	flags uint8
}

// addRoute allocates the next free channel id for sock. Channel 0 is
// reserved for connection-scoped frames.
func (c *Client) addRoute(sock dispatcher.Socket) (uint16, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, false
	}
	for range 1 << 16 {
		c.nextID++
		if c.nextID == 0 {
			continue
		}
		if _, used := c.routes[c.nextID]; !used {
			c.routes[c.nextID] = &route{sock: sock}
			return c.nextID, true
		}
	}
	return 0, false
}

// lookup returns the route of id.
func (c *Client) lookup(id uint16) (*route, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.routes[id]
	return r, ok
}

// markOpen records OPEN_CONFIRM for id.
func (c *Client) markOpen(id uint16) (dispatcher.Socket, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.routes[id]
	if !ok {
		return nil, false
	}
	r.open = true
	return r.sock, true
}

// setFlag sets flag on route id and returns the resulting flags, or 0 if
// the route is unknown.
func (c *Client) setFlag(id uint16, flag uint8) uint8 {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.routes[id]
	if !ok {
		return 0
	}
	r.flags |= flag
	return r.flags
}

// dropRoute removes id and closes its connection after queued writes.
func (c *Client) dropRoute(id uint16) {
	c.mu.Lock()
	r, ok := c.routes[id]
	delete(c.routes, id)
	c.mu.Unlock()
	if ok {
		c.d.CloseSocket(r.sock)
		util.LogDebug("[ch %d] closed", id)
	}
}

func (c *Client) closeRoutes() {
	c.mu.Lock()
	routes := c.routes
	c.routes = make(map[uint16]*route)
	c.mu.Unlock()
	for _, r := range routes {
		c.d.CloseSocket(r.sock)
	}
}

// RouteCount returns the number of channels, opening or open.
func (c *Client) RouteCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.routes)
}
