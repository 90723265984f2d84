package main

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/1ureka/rtun/internal/app"
	"github.com/1ureka/rtun/internal/config"
	"github.com/1ureka/rtun/internal/signaling"
	"github.com/1ureka/rtun/internal/util"
)

func newP2PCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "p2p",
		Short: "Tunnel one port directly between two machines over WebRTC",
		Long: "Without a subcommand the role and ports are asked interactively.\n" +
			"No relay is needed after the signaling phase, which uses a WebSocket.",
		RunE: func(cmd *cobra.Command, args []string) error {
			banner()
			return runInteractive(cmd)
		},
	}
	cmd.AddCommand(newHostCmd(), newClientCmd())
	return cmd
}

func newHostCmd() *cobra.Command {
	var (
		port     int
		wsPort   int
		wsListen bool
	)
	cmd := &cobra.Command{
		Use:   "host",
		Short: "Expose a local service",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := checkPort(port, "--port"); err != nil {
				return err
			}
			var wsAddr string
			switch {
			case wsListen:
				wsAddr = fmt.Sprintf(":%d", wsPort)
			case wsPort > 0:
				wsAddr = fmt.Sprintf("127.0.0.1:%d", wsPort)
			default:
				wsAddr = ":0"
			}
			banner()
			return runHost(cmd, config.P2P{Role: config.RoleHost, TargetPort: uint16(port), WSListen: wsAddr})
		},
	}
	cmd.Flags().IntVar(&port, "port", 0, "target port to expose, 1~65535")
	cmd.Flags().IntVar(&wsPort, "ws-port", 0, "signaling server port (default: random)")
	cmd.Flags().BoolVar(&wsListen, "ws-listen", false, "listen on all network interfaces, for LAN access")
	return cmd
}

func newClientCmd() *cobra.Command {
	var (
		port  int
		wsURL string
		pin   string
	)
	cmd := &cobra.Command{
		Use:   "client",
		Short: "Connect to a remote host",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := checkPort(port, "--port"); err != nil {
				return err
			}
			if wsURL == "" {
				return errors.New("missing --ws-url")
			}
			u, err := signaling.NormalizeURL(wsURL)
			if err != nil {
				return err
			}
			banner()
			if pin == "" {
				pin = askPIN()
			}
			return runClient(cmd, config.P2P{Role: config.RoleClient, LocalPort: uint16(port), WSURL: u, PIN: pin})
		},
	}
	cmd.Flags().IntVar(&port, "port", 0, "local port for the tunnelled service, 1~65535")
	cmd.Flags().StringVar(&wsURL, "ws-url", "", "signaling URL shown by the host")
	cmd.Flags().StringVar(&pin, "pin", "", "PIN shown by the host (asked when omitted)")
	return cmd
}

// ---------------------------------------------------------------------------
// Run modes
// ---------------------------------------------------------------------------

var roleOptions = []string{
	"Host: Expose a local service",
	"Client: Connect to a remote host",
}

// runInteractive asks for the role and its parameters.
func runInteractive(cmd *cobra.Command) error {
	role, _ := pterm.DefaultInteractiveSelect.
		WithOptions(roleOptions).
		WithDefaultText("Select your role").
		Show()

	pterm.Println()

	if isHostRole(role) {
		port := askPort("Target port to forward (1 ~ 65535)")
		return runHost(cmd, config.P2P{Role: config.RoleHost, TargetPort: port, WSListen: ":0"})
	}
	wsURL := askURL()
	pin := askPIN()
	port := askPort("Local port for virtual service (1 ~ 65535)")
	return runClient(cmd, config.P2P{Role: config.RoleClient, LocalPort: port, WSURL: wsURL, PIN: pin})
}

func runHost(cmd *cobra.Command, p config.P2P) error {
	util.StartStatsReporter(cmd.Context(), 0)
	if err := app.RunHost(cmd.Context(), p); err != nil {
		return err
	}
	util.LogInfo("successfully closed tunnel connection")
	return nil
}

func runClient(cmd *cobra.Command, p config.P2P) error {
	util.StartStatsReporter(cmd.Context(), 0)
	if err := app.RunClient(cmd.Context(), p); err != nil {
		return err
	}
	util.LogInfo("successfully closed tunnel connection")
	return nil
}

// ---------------------------------------------------------------------------
// Helper Functions
// ---------------------------------------------------------------------------

func isHostRole(option string) bool {
	return strings.HasPrefix(option, "Host")
}

func checkPort(port int, flag string) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("invalid or missing %s (must be 1~65535)", flag)
	}
	return nil
}

// askPort prompts the user for a port number until a valid one is entered.
func askPort(prompt string) uint16 {
	for {
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText(prompt).
			Show()

		port, err := strconv.Atoi(strings.TrimSpace(raw))
		if err == nil && checkPort(port, "port") == nil {
			pterm.Println()
			return uint16(port)
		}

		util.LogWarning("invalid port number: must be 1 ~ 65535")
		pterm.Println()
	}
}

// askURL prompts the user for a valid WebSocket URL until one is entered.
func askURL() string {
	for {
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText("WebSocket URL (e.g. wss://***.asse.devtunnels.ms/ws)").
			Show()

		wsURL, err := signaling.NormalizeURL(raw)
		if err == nil {
			pterm.Println()
			return wsURL
		}

		pterm.Println()
		util.LogWarning("invalid input: please enter a valid host or URL")
	}
}

func askPIN() string {
	for {
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText("PIN shown by the host").
			Show()

		pin := strings.TrimSpace(raw)
		if len(pin) == signaling.PINLength {
			pterm.Println()
			return pin
		}

		pterm.Println()
		util.LogWarning("invalid PIN: must be %d digits", signaling.PINLength)
	}
}
