package tunnel

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/1ureka/rtun/internal/util"
)

// ListenAndServe accepts connections on addr and hands them to c until ctx
// is cancelled or the tunnel closes.
func ListenAndServe(ctx context.Context, addr string, c *Client) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	util.LogInfo("listening on %s", listener.Addr())
	return Serve(ctx, listener, c)
}

// Serve is ListenAndServe for an existing listener, which it closes.
func Serve(ctx context.Context, listener net.Listener, c *Client) error {
	// Close the listener when done so Accept() returns an error.
	go func() {
		select {
		case <-ctx.Done():
		case <-c.Done():
		}
		listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			case <-c.Done():
				return ErrClosed
			default:
				return fmt.Errorf("accept error: %w", err)
			}
		}
		if err := c.Accept(conn); errors.Is(err, ErrClosed) {
			return err
		}
	}
}
