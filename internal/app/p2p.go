package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/1ureka/rtun/internal/config"
	"github.com/1ureka/rtun/internal/forwarder"
	"github.com/1ureka/rtun/internal/signaling"
	"github.com/1ureka/rtun/internal/tunnel"
	"github.com/1ureka/rtun/internal/util"
)

// p2pKeepalive is the transport idle period before the host pings the
// DataChannel.
const p2pKeepalive = 30 * time.Second

// RunHost exposes 127.0.0.1:p.TargetPort to a single peer-to-peer client
// until ctx is cancelled or the client goes away.
func RunHost(ctx context.Context, p config.P2P) error {
	tr, err := signaling.EstablishAsHost(ctx, p.WSListen)
	if err != nil {
		return fmt.Errorf("failed to establish tunnel: %w", err)
	}
	defer tr.Close()

	d, wait := startDispatcher()
	defer wait()

	f, err := forwarder.New(d, tr, forwarder.Options{
		Host:          "127.0.0.1",
		Ports:         []uint16{p.TargetPort},
		RemoteTimeout: p2pKeepalive,
	})
	if err != nil {
		return err
	}
	// Tell the client which port to request.
	f.UpdateProperties(map[string]string{
		"version": Version,
		"ports":   config.Port{Port: p.TargetPort, Type: config.PortOther}.String(),
	})
	util.LogInfo("P2P tunnel established, forwarding traffic to 127.0.0.1:%d", p.TargetPort)

	select {
	case <-f.Done():
	case <-ctx.Done():
		f.Stop()
	}
	reason, _ := f.CloseReason()
	util.LogInfo("tunnel closed (%s)", reason)
	return nil
}

// RunClient connects to a host and serves its port on 127.0.0.1:p.LocalPort
// until ctx is cancelled or the host goes away.
func RunClient(ctx context.Context, p config.P2P) error {
	tr, err := signaling.EstablishAsClient(ctx, p.WSURL, p.PIN)
	if err != nil {
		return fmt.Errorf("failed to establish tunnel: %w", err)
	}
	defer tr.Close()

	d, wait := startDispatcher()
	defer wait()

	c, err := tunnel.NewClient(d, tr, tunnel.Options{})
	if err != nil {
		return err
	}
	defer c.Close()
	c.OnProperties(func(props map[string]string) {
		ports, err := config.ParsePorts(props["ports"])
		if err != nil || len(ports) == 0 {
			util.LogWarning("host announced no usable port: %q", props["ports"])
			return
		}
		util.LogDebug("host %s exposes %v", props["version"], ports)
		c.SetRemotePort(ports[0].Port)
	})

	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(int(p.LocalPort)))
	util.LogInfo("P2P tunnel established, serving the host's service on %s", addr)
	if err := tunnel.ListenAndServe(ctx, addr, c); err != nil && !errors.Is(err, tunnel.ErrClosed) {
		return err
	}
	util.LogInfo("tunnel closed")
	return nil
}
