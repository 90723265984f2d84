package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/gorilla/websocket"
)

// Subprotocol is the WebSocket subprotocol spoken by the reflector.
const Subprotocol = "webtunnel"

const defaultHandshakeTimeout = 45 * time.Second

// DialConfig describes how to reach the reflector.
type DialConfig struct {
	URL string

	// DeviceID and Password are sent as HTTP Basic credentials.
	DeviceID string
	Password string

	// ProxyURL routes the connection through an HTTP proxy. When empty the
	// proxy settings of the environment apply.
	ProxyURL string

	InsecureSkipVerify bool
	CAFile             string

	HandshakeTimeout time.Duration
}

func (c DialConfig) tlsConfig() (*tls.Config, error) {
	cfg := &tls.Config{InsecureSkipVerify: c.InsecureSkipVerify}
	if c.CAFile == "" {
		return cfg, nil
	}
	pem, err := os.ReadFile(c.CAFile)
	if err != nil {
		return nil, fmt.Errorf("read CA file: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("no certificates found in %s", c.CAFile)
	}
	cfg.RootCAs = pool
	return cfg, nil
}

// Dial opens the WebSocket to the reflector.
func Dial(ctx context.Context, cfg DialConfig) (*WebSocket, error) {
	tlsCfg, err := cfg.tlsConfig()
	if err != nil {
		return nil, err
	}

	timeout := cfg.HandshakeTimeout
	if timeout <= 0 {
		timeout = defaultHandshakeTimeout
	}
	d := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		TLSClientConfig:  tlsCfg,
		HandshakeTimeout: timeout,
		Subprotocols:     []string{Subprotocol},
	}
	if cfg.ProxyURL != "" {
		proxyURL, err := url.Parse(cfg.ProxyURL)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy URL: %w", err)
		}
		d.Proxy = http.ProxyURL(proxyURL)
	}

	header := http.Header{}
	if cfg.DeviceID != "" {
		cred := base64.StdEncoding.EncodeToString([]byte(cfg.DeviceID + ":" + cfg.Password))
		header.Set("Authorization", "Basic "+cred)
	}

	conn, resp, err := d.DialContext(ctx, cfg.URL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket handshake with %s: %s: %w", cfg.URL, resp.Status, err)
		}
		return nil, fmt.Errorf("websocket dial %s: %w", cfg.URL, err)
	}
	return NewWebSocket(conn), nil
}

var upgrader = websocket.Upgrader{
	Subprotocols: []string{Subprotocol},
	CheckOrigin:  func(r *http.Request) bool { return true },
}

// Upgrade accepts a tunnel WebSocket on the server side of an HTTP request.
func Upgrade(w http.ResponseWriter, r *http.Request) (*WebSocket, error) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	return NewWebSocket(conn), nil
}
