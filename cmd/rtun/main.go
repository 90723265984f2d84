// Command rtun is the reverse tunnel agent.
//
// The agent subcommand keeps the configured local ports reachable through a
// reflector: the reflector opens channels over one outbound WebSocket and the
// agent connects each of them to a local service. The p2p subcommands do the
// same between two machines over a WebRTC DataChannel, with a short-lived
// WebSocket for signaling.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/1ureka/rtun/internal/app"
	"github.com/1ureka/rtun/internal/util"
)

func main() {
	// Root context, cancelled on Ctrl+C.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		debug    bool
		logLevel string
	)
	root := &cobra.Command{
		Use:           "rtun",
		Short:         "Reverse tunnel agent",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := util.SetLogLevel(logLevel); err != nil {
				return err
			}
			if debug {
				util.EnableDebug()
			}
			return nil
		},
	}
	root.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn or error")

	root.AddCommand(newAgentCmd(), newP2PCmd(), newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), app.Version)
		},
	}
}

func banner() {
	pterm.Info.Println(bannerText())
	pterm.Println()
}

func bannerText() string {
	return fmt.Sprintf("rtun - v%s", app.Version)
}
