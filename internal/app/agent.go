// Package app contains the top-level orchestration: the reflector agent and
// the host and client roles of peer-to-peer mode.
package app

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jpillora/backoff"

	"github.com/1ureka/rtun/internal/config"
	"github.com/1ureka/rtun/internal/dispatcher"
	"github.com/1ureka/rtun/internal/forwarder"
	"github.com/1ureka/rtun/internal/observability"
	"github.com/1ureka/rtun/internal/transport"
	"github.com/1ureka/rtun/internal/util"
)

// Version is reported to the reflector. It is set by the linker.
var Version = "dev"

// ErrRetryLimit is returned by Run when the configured number of
// consecutive failed connection attempts is reached.
var ErrRetryLimit = errors.New("app: retry limit reached")

// Agent keeps a forwarder connected to the reflector.
type Agent struct {
	cfg       *config.Config
	sessionID string
	factory   forwarder.SocketFactory

	// dial opens the transport; replaced in tests.
	dial    func(ctx context.Context) (dispatcher.Socket, error)
	backoff *backoff.Backoff

	mu      sync.Mutex
	status  Status
	lastErr error
	current *forwarder.Forwarder
}

// NewAgent validates cfg and prepares an agent for it.
func NewAgent(cfg *config.Config) (*Agent, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	factory, err := newSocketFactory(cfg)
	if err != nil {
		return nil, err
	}
	a := &Agent{
		cfg:       cfg,
		sessionID: uuid.NewString(),
		factory:   factory,
		backoff: &backoff.Backoff{
			Min:    time.Second,
			Max:    time.Minute,
			Factor: 2,
			Jitter: true,
		},
	}
	a.dial = a.dialReflector
	return a, nil
}

func newSocketFactory(cfg *config.Config) (forwarder.SocketFactory, error) {
	switch {
	case cfg.TargetProxy != "" && cfg.TLS.Local:
		return nil, errors.New("app: local TLS cannot be combined with a target proxy")
	case cfg.TargetProxy != "":
		return forwarder.NewProxySocketFactory(cfg.TargetProxy)
	case cfg.TLS.Local:
		// Local services commonly use self-signed certificates.
		return &forwarder.TLSSocketFactory{Config: &tls.Config{InsecureSkipVerify: true}}, nil
	default:
		return &forwarder.DirectSocketFactory{}, nil
	}
}

func (a *Agent) dialReflector(ctx context.Context) (dispatcher.Socket, error) {
	ws, err := transport.Dial(ctx, transport.DialConfig{
		URL:                a.cfg.Reflector,
		DeviceID:           a.cfg.DeviceID,
		Password:           a.cfg.Password,
		ProxyURL:           a.cfg.Proxy,
		InsecureSkipVerify: a.cfg.TLS.Insecure,
		CAFile:             a.cfg.TLS.CAFile,
		HandshakeTimeout:   a.cfg.Timeouts.Connect,
	})
	if err != nil {
		return nil, err
	}
	return ws, nil
}

// SessionID identifies this agent process to the reflector.
func (a *Agent) SessionID() string {
	return a.sessionID
}

// Run connects to the reflector and reconnects with exponential backoff
// whenever the transport closes, until ctx is cancelled or the retry limit
// is reached.
func (a *Agent) Run(ctx context.Context) error {
	d, wait := startDispatcher()
	defer wait()

	if a.cfg.MetricsAddr != "" {
		stop := a.serveMetrics()
		defer stop()
	}

	util.LogInfo("agent %s forwarding %s ports %v", a.sessionID, a.cfg.Host, a.cfg.Ports)

	for {
		connected, err := a.session(ctx, d)
		if ctx.Err() != nil {
			a.setStatus(StatusDisconnected, nil)
			return nil
		}
		if connected {
			a.backoff.Reset()
		}

		attempt := int(a.backoff.Attempt())
		if limit := a.cfg.RetryLimit; !connected && limit > 0 && attempt+1 >= limit {
			return fmt.Errorf("%w after %d attempts: %v", ErrRetryLimit, attempt+1, err)
		}
		delay := a.backoff.Duration()
		if err != nil {
			util.LogWarning("%v (attempt %d), retrying in %s", err, attempt+1, delay)
		} else {
			util.LogInfo("reconnecting in %s", delay)
		}

		select {
		case <-ctx.Done():
			a.setStatus(StatusDisconnected, nil)
			return nil
		case <-time.After(delay):
		}
	}
}

// session runs one connection to the reflector and reports whether the
// transport was established.
func (a *Agent) session(ctx context.Context, d *dispatcher.Dispatcher) (bool, error) {
	tr, err := a.dial(ctx)
	if err != nil {
		observability.ConnectAttemptsTotal.WithLabelValues("failure").Inc()
		a.setStatus(StatusError, err)
		return false, err
	}
	observability.ConnectAttemptsTotal.WithLabelValues("success").Inc()

	f, err := forwarder.New(d, tr, forwarder.Options{
		Host:                 a.cfg.Host,
		Ports:                a.cfg.PortNumbers(),
		RemoteTimeout:        a.cfg.Timeouts.Remote,
		SocketFactory:        a.factory,
		ConnectTimeout:       a.cfg.Timeouts.Connect,
		LocalTimeout:         a.cfg.Timeouts.Local,
		CloseTimeout:         a.cfg.Timeouts.Close,
		StrictSecureShutdown: a.cfg.TLS.Strict,
	})
	if err != nil {
		tr.Close()
		a.setStatus(StatusError, err)
		return false, err
	}
	f.OnProperties(func(props map[string]string) {
		util.LogDebug("reflector properties: %v", props)
	})

	a.mu.Lock()
	a.current = f
	a.mu.Unlock()
	a.setStatus(StatusConnected, nil)
	util.LogInfo("connected to %s", a.cfg.Reflector)

	f.UpdateProperties(a.properties())

	select {
	case <-f.Done():
	case <-ctx.Done():
		f.Stop()
	}

	a.mu.Lock()
	a.current = nil
	a.mu.Unlock()

	reason, _ := f.CloseReason()
	if reason == forwarder.CloseGraceful {
		a.setStatus(StatusDisconnected, nil)
		return true, nil
	}
	err = fmt.Errorf("transport closed: %s", reason)
	a.setStatus(StatusError, err)
	return true, err
}

// Forwarder returns the forwarder of the current connection, if any.
func (a *Agent) Forwarder() *forwarder.Forwarder {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.current
}

func (a *Agent) serveMetrics() (stop func()) {
	srv := observability.NewServer(a.cfg.MetricsAddr)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			util.LogError("metrics server: %v", err)
		}
	}()
	util.LogInfo("serving metrics on %s", a.cfg.MetricsAddr)
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	}
}

// startDispatcher runs a dispatcher loop until the returned function is
// called; the function waits for the loop to exit.
func startDispatcher() (*dispatcher.Dispatcher, func()) {
	d := dispatcher.New(dispatcher.Config{})
	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		if err := d.Run(context.Background()); err != nil {
			util.LogError("dispatcher: %v", err)
		}
	}()
	return d, func() {
		d.Stop()
		<-loopDone
	}
}
