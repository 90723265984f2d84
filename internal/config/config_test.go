package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func env(vars map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := vars[key]
		return v, ok
	}
}

func valid() *Config {
	c := Default()
	c.Reflector = "wss://reflector.example.com/agent"
	c.Ports = []Port{{Port: 80, Type: PortHTTP}, {Port: 22, Type: PortSSH}}
	return c
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rtun.yaml")
	data := `
reflector: wss://reflector.example.com/agent
device_id: dev-1
ports:
  - port: 80
    type: http
  - port: 3389
    type: rdp
timeouts:
  connect: 5s
  local: 10m
tls:
  insecure: true
retry_limit: 3
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}

	c, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.DeviceID != "dev-1" || c.RetryLimit != 3 || !c.TLS.Insecure {
		t.Fatalf("unexpected config: %+v", c)
	}
	if len(c.Ports) != 2 || c.Ports[1] != (Port{Port: 3389, Type: PortRDP}) {
		t.Fatalf("ports = %v", c.Ports)
	}
	if c.Timeouts.Connect != 5*time.Second || c.Timeouts.Local != 10*time.Minute {
		t.Fatalf("timeouts = %+v", c.Timeouts)
	}
	// Unset values keep their defaults.
	if c.Host != "127.0.0.1" || c.Timeouts.Remote != DefaultRemoteTimeout {
		t.Fatalf("defaults lost: %+v", c)
	}
	if err := c.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestLoadRejectsUnknownField(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rtun.yaml")
	if err := os.WriteFile(path, []byte("reflektor: wss://x\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("Load accepted an unknown field")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("Load succeeded for a missing file")
	}
}

func TestApplyEnv(t *testing.T) {
	c := valid()
	err := c.ApplyEnv(env(map[string]string{
		"RTUN_HOST":            "10.0.0.2",
		"RTUN_PORTS":           "8080:app, 5900:vnc",
		"RTUN_CONNECT_TIMEOUT": "2s",
		"RTUN_STRICT_TLS":      "yes",
		"RTUN_RETRY_LIMIT":     "7",
		"RTUN_PROXY":           "",
	}))
	if err != nil {
		t.Fatalf("ApplyEnv: %v", err)
	}
	if c.Host != "10.0.0.2" || c.RetryLimit != 7 || !c.TLS.Strict {
		t.Fatalf("unexpected config: %+v", c)
	}
	if c.Timeouts.Connect != 2*time.Second {
		t.Fatalf("connect timeout = %s", c.Timeouts.Connect)
	}
	want := []Port{{8080, PortApp}, {5900, PortVNC}}
	if len(c.Ports) != 2 || c.Ports[0] != want[0] || c.Ports[1] != want[1] {
		t.Fatalf("ports = %v", c.Ports)
	}
}

func TestApplyEnvErrors(t *testing.T) {
	for _, vars := range []map[string]string{
		{"RTUN_PORTS": "http"},
		{"RTUN_LOCAL_TIMEOUT": "soon"},
		{"RTUN_RETRY_LIMIT": "many"},
	} {
		if err := valid().ApplyEnv(env(vars)); err == nil {
			t.Errorf("ApplyEnv(%v) succeeded", vars)
		}
	}
}

func TestParsePorts(t *testing.T) {
	ports, err := ParsePorts("443:HTTPS,22,")
	if err != nil {
		t.Fatalf("ParsePorts: %v", err)
	}
	if len(ports) != 2 || ports[0] != (Port{443, PortHTTPS}) || ports[1] != (Port{22, PortOther}) {
		t.Fatalf("ports = %v", ports)
	}
	for _, raw := range []string{"0", "65536", "-1:ssh"} {
		if _, err := ParsePorts(raw); !errors.Is(err, ErrInvalidPort) {
			t.Errorf("ParsePorts(%q) = %v, want ErrInvalidPort", raw, err)
		}
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   error
	}{
		{"bad scheme", func(c *Config) { c.Reflector = "http://reflector" }, ErrInvalidURI},
		{"no host", func(c *Config) { c.Reflector = "wss://" }, ErrInvalidURI},
		{"no ports", func(c *Config) { c.Ports = nil }, ErrInvalidPort},
		{"zero port", func(c *Config) { c.Ports[0].Port = 0 }, ErrInvalidPort},
		{"duplicate", func(c *Config) { c.Ports[1].Port = 80 }, ErrDuplicatePort},
		{"bad type", func(c *Config) { c.Ports[0].Type = "ftp" }, ErrInvalidType},
		{"negative timeout", func(c *Config) { c.Timeouts.Close = -time.Second }, ErrInvalidTimeout},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(c)
			if err := c.Validate(); !errors.Is(err, tt.want) {
				t.Fatalf("Validate() = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestValidateFillsPortType(t *testing.T) {
	c := valid()
	c.Ports = append(c.Ports, Port{Port: 9000})
	if err := c.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if c.Ports[2].Type != PortOther {
		t.Fatalf("type = %q", c.Ports[2].Type)
	}
	if got := c.PortNumbers(); len(got) != 3 || got[2] != 9000 {
		t.Fatalf("PortNumbers = %v", got)
	}
}
