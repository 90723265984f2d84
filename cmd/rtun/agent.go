package main

import (
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/1ureka/rtun/internal/app"
	"github.com/1ureka/rtun/internal/config"
	"github.com/1ureka/rtun/internal/observability"
	"github.com/1ureka/rtun/internal/util"
)

// agentFlags mirrors the configuration keys that can be set on the command
// line. Only flags given explicitly override the file and environment.
type agentFlags struct {
	configPath  string
	reflector   string
	host        string
	deviceID    string
	password    string
	askPassword bool
	ports       string
	proxy       string
	targetProxy string
	metricsAddr string
	insecure    bool
	caFile      string
	localTLS    bool
	strictTLS   bool
	retryLimit  int
	connectTO   time.Duration
	remoteTO    time.Duration
	localTO     time.Duration
	closeTO     time.Duration
	statsEvery  time.Duration
}

func newAgentCmd() *cobra.Command {
	var f agentFlags
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Connect to a reflector and forward its channels to local ports",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(f.configPath)
			if err != nil {
				return err
			}
			if err := f.apply(cmd.Flags(), cfg); err != nil {
				return err
			}
			if f.askPassword {
				cfg.Password, _ = pterm.DefaultInteractiveTextInput.
					WithMask("*").
					WithDefaultText("Device password").
					Show()
				pterm.Println()
			}
			if !cmd.Flags().Changed("log-level") && cfg.LogLevel != "" {
				if err := util.SetLogLevel(cfg.LogLevel); err != nil {
					return err
				}
			}

			a, err := app.NewAgent(cfg)
			if err != nil {
				return err
			}

			banner()
			observability.MustRegister()
			util.StartStatsReporter(cmd.Context(), f.statsEvery)
			return a.Run(cmd.Context())
		},
	}

	fl := cmd.Flags()
	fl.StringVarP(&f.configPath, "config", "c", "", "YAML configuration file")
	fl.StringVar(&f.reflector, "reflector", "", "reflector URI (ws:// or wss://)")
	fl.StringVar(&f.host, "host", "", "host the forwarded ports live on")
	fl.StringVar(&f.deviceID, "device-id", "", "device id presented to the reflector")
	fl.StringVar(&f.password, "password", "", "device password")
	fl.BoolVar(&f.askPassword, "ask-password", false, "prompt for the device password")
	fl.StringVarP(&f.ports, "ports", "p", "", "forwarded ports, e.g. 80:http,22:ssh")
	fl.StringVar(&f.proxy, "proxy", "", "HTTP proxy for the reflector connection")
	fl.StringVar(&f.targetProxy, "target-proxy", "", "SOCKS5 proxy for connections to local services")
	fl.StringVar(&f.metricsAddr, "metrics", "", "serve Prometheus metrics on this address")
	fl.BoolVar(&f.insecure, "insecure", false, "accept unverified reflector certificates")
	fl.StringVar(&f.caFile, "ca-file", "", "CA bundle for the reflector certificate")
	fl.BoolVar(&f.localTLS, "local-tls", false, "connect to local services over TLS")
	fl.BoolVar(&f.strictTLS, "strict-tls", false, "report abrupt TLS shutdowns of local services as errors")
	fl.IntVar(&f.retryLimit, "retry-limit", 0, "give up after this many failed connection attempts (0 = never)")
	fl.DurationVar(&f.connectTO, "connect-timeout", 0, "timeout for connecting to reflector and local services")
	fl.DurationVar(&f.remoteTO, "remote-timeout", 0, "reflector idle period before a keepalive ping")
	fl.DurationVar(&f.localTO, "local-timeout", 0, "idle timeout of local connections")
	fl.DurationVar(&f.closeTO, "close-timeout", 0, "wait for half-closed connections to finish")
	fl.DurationVar(&f.statsEvery, "stats-interval", 10*time.Second, "traffic statistics log interval")
	return cmd
}

// apply overlays the flags that were set on cfg.
func (f *agentFlags) apply(fs *pflag.FlagSet, cfg *config.Config) error {
	set := fs.Changed
	if set("reflector") {
		cfg.Reflector = f.reflector
	}
	if set("host") {
		cfg.Host = f.host
	}
	if set("device-id") {
		cfg.DeviceID = f.deviceID
	}
	if set("password") {
		cfg.Password = f.password
	}
	if set("ports") {
		ports, err := config.ParsePorts(f.ports)
		if err != nil {
			return err
		}
		cfg.Ports = ports
	}
	if set("proxy") {
		cfg.Proxy = f.proxy
	}
	if set("target-proxy") {
		cfg.TargetProxy = f.targetProxy
	}
	if set("metrics") {
		cfg.MetricsAddr = f.metricsAddr
	}
	if set("insecure") {
		cfg.TLS.Insecure = f.insecure
	}
	if set("ca-file") {
		cfg.TLS.CAFile = f.caFile
	}
	if set("local-tls") {
		cfg.TLS.Local = f.localTLS
	}
	if set("strict-tls") {
		cfg.TLS.Strict = f.strictTLS
	}
	if set("retry-limit") {
		cfg.RetryLimit = f.retryLimit
	}
	if set("connect-timeout") {
		cfg.Timeouts.Connect = f.connectTO
	}
	if set("remote-timeout") {
		cfg.Timeouts.Remote = f.remoteTO
	}
	if set("local-timeout") {
		cfg.Timeouts.Local = f.localTO
	}
	if set("close-timeout") {
		cfg.Timeouts.Close = f.closeTO
	}
	return nil
}
