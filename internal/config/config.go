// Package config holds the agent configuration. Values come from a YAML
// file, then RTUN_* environment variables, then command line flags.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/1ureka/rtun/internal/forwarder"
)

var (
	ErrInvalidURI     = errors.New("config: invalid reflector uri")
	ErrInvalidPort    = errors.New("config: invalid port")
	ErrDuplicatePort  = errors.New("config: duplicate port")
	ErrInvalidType    = errors.New("config: unknown port type")
	ErrInvalidTimeout = errors.New("config: invalid timeout")
)

// DefaultRemoteTimeout is the transport idle period after which the agent
// pings the reflector.
const DefaultRemoteTimeout = 60 * time.Second

// PortType tells the reflector what kind of service a port exposes.
type PortType string

const (
	PortHTTP  PortType = "http"
	PortHTTPS PortType = "https"
	PortSSH   PortType = "ssh"
	PortVNC   PortType = "vnc"
	PortRDP   PortType = "rdp"
	PortApp   PortType = "app"
	PortOther PortType = "other"
)

func (t PortType) valid() bool {
	switch t {
	case PortHTTP, PortHTTPS, PortSSH, PortVNC, PortRDP, PortApp, PortOther:
		return true
	}
	return false
}

// Port is one forwarded port.
type Port struct {
	Port uint16   `yaml:"port"`
	Type PortType `yaml:"type"`
}

func (p Port) String() string {
	return strconv.Itoa(int(p.Port)) + ":" + string(p.Type)
}

type Timeouts struct {
	Connect time.Duration `yaml:"connect"`
	Remote  time.Duration `yaml:"remote"`
	Local   time.Duration `yaml:"local"`
	Close   time.Duration `yaml:"close"`
}

type TLS struct {
	// Insecure accepts reflector certificates that cannot be verified.
	Insecure bool   `yaml:"insecure"`
	CAFile   string `yaml:"ca_file"`
	// Local connects to the forwarded services over TLS.
	Local bool `yaml:"local"`
	// Strict reports abrupt TLS shutdowns of local services as errors.
	Strict bool `yaml:"strict"`
}

// Config is the agent configuration.
type Config struct {
	Reflector string `yaml:"reflector"`
	Host      string `yaml:"host"`
	DeviceID  string `yaml:"device_id"`
	Password  string `yaml:"password"`
	Ports     []Port `yaml:"ports"`

	Timeouts Timeouts `yaml:"timeouts"`
	TLS      TLS      `yaml:"tls"`

	// Proxy is an HTTP proxy for the reflector connection.
	Proxy string `yaml:"proxy"`
	// TargetProxy is a SOCKS5 proxy for connections to forwarded services.
	TargetProxy string `yaml:"target_proxy"`

	MetricsAddr string `yaml:"metrics_addr"`
	LogLevel    string `yaml:"log_level"`
	// RetryLimit bounds consecutive failed connection attempts; 0 retries
	// forever.
	RetryLimit int `yaml:"retry_limit"`
}

// Default returns a configuration with every optional value filled in.
func Default() *Config {
	return &Config{
		Host: "127.0.0.1",
		Timeouts: Timeouts{
			Connect: forwarder.DefaultConnectTimeout,
			Remote:  DefaultRemoteTimeout,
			Local:   forwarder.DefaultLocalTimeout,
			Close:   forwarder.DefaultCloseTimeout,
		},
		LogLevel: "info",
	}
}

// Load reads path (if not empty) over the defaults and applies the
// environment. The result is not validated.
func Load(path string) (*Config, error) {
	c := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := c.decode(data); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	if err := c.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) decode(data []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// ApplyEnv overlays RTUN_* variables found through lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	str("RTUN_REFLECTOR", &c.Reflector)
	str("RTUN_HOST", &c.Host)
	str("RTUN_DEVICE_ID", &c.DeviceID)
	str("RTUN_PASSWORD", &c.Password)
	str("RTUN_PROXY", &c.Proxy)
	str("RTUN_TARGET_PROXY", &c.TargetProxy)
	str("RTUN_METRICS_ADDR", &c.MetricsAddr)
	str("RTUN_LOG_LEVEL", &c.LogLevel)
	str("RTUN_CA_FILE", &c.TLS.CAFile)

	if v, ok := lookup("RTUN_PORTS"); ok && v != "" {
		ports, err := ParsePorts(v)
		if err != nil {
			return fmt.Errorf("RTUN_PORTS: %w", err)
		}
		c.Ports = ports
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"RTUN_CONNECT_TIMEOUT", &c.Timeouts.Connect},
		{"RTUN_REMOTE_TIMEOUT", &c.Timeouts.Remote},
		{"RTUN_LOCAL_TIMEOUT", &c.Timeouts.Local},
		{"RTUN_CLOSE_TIMEOUT", &c.Timeouts.Close},
	}
	for _, d := range durations {
		v, ok := lookup(d.key)
		if !ok || v == "" {
			continue
		}
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", d.key, err)
		}
		*d.dst = parsed
	}

	bools := []struct {
		key string
		dst *bool
	}{
		{"RTUN_INSECURE", &c.TLS.Insecure},
		{"RTUN_LOCAL_TLS", &c.TLS.Local},
		{"RTUN_STRICT_TLS", &c.TLS.Strict},
	}
	for _, b := range bools {
		if v, ok := lookup(b.key); ok {
			*b.dst = parseBool(v, *b.dst)
		}
	}

	if v, ok := lookup("RTUN_RETRY_LIMIT"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("RTUN_RETRY_LIMIT: %w", err)
		}
		c.RetryLimit = n
	}
	return nil
}

func parseBool(v string, def bool) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

// ParsePorts parses a list such as "80:http,22:ssh,8080". A port without a
// type is "other".
func ParsePorts(raw string) ([]Port, error) {
	var ports []Port
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		num, typ, _ := strings.Cut(part, ":")
		n, err := strconv.ParseUint(num, 10, 16)
		if err != nil || n == 0 {
			return nil, fmt.Errorf("%w: %q", ErrInvalidPort, part)
		}
		p := Port{Port: uint16(n), Type: PortType(strings.ToLower(typ))}
		if p.Type == "" {
			p.Type = PortOther
		}
		ports = append(ports, p)
	}
	return ports, nil
}

// Validate checks the configuration and fills in port types left empty.
func (c *Config) Validate() error {
	u, err := url.Parse(c.Reflector)
	if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
		return fmt.Errorf("%w: %q", ErrInvalidURI, c.Reflector)
	}
	if c.Host == "" {
		return errors.New("config: host is required")
	}
	if len(c.Ports) == 0 {
		return fmt.Errorf("%w: no ports configured", ErrInvalidPort)
	}

	seen := make(map[uint16]bool, len(c.Ports))
	for i := range c.Ports {
		p := &c.Ports[i]
		if p.Port == 0 {
			return fmt.Errorf("%w: 0", ErrInvalidPort)
		}
		if seen[p.Port] {
			return fmt.Errorf("%w: %d", ErrDuplicatePort, p.Port)
		}
		seen[p.Port] = true
		if p.Type == "" {
			p.Type = PortOther
		}
		if !p.Type.valid() {
			return fmt.Errorf("%w: %q", ErrInvalidType, p.Type)
		}
	}

	t := c.Timeouts
	if t.Connect < 0 || t.Remote < 0 || t.Local < 0 || t.Close < 0 {
		return ErrInvalidTimeout
	}
	if c.RetryLimit < 0 {
		return errors.New("config: retry limit must not be negative")
	}
	return nil
}

// PortNumbers returns the configured port numbers in order.
func (c *Config) PortNumbers() []uint16 {
	out := make([]uint16, len(c.Ports))
	for i, p := range c.Ports {
		out[i] = p.Port
	}
	return out
}
