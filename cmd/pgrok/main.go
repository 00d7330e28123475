package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/pgourlain/PGrok/internal/client"
	"github.com/pgourlain/PGrok/internal/config"
	"github.com/pgourlain/PGrok/internal/logging"
	"github.com/pgourlain/PGrok/internal/server"
	"github.com/pgourlain/PGrok/internal/tui"
	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "pgrok",
	Short: "Expose local services through a public relay",
	Long: `pgrok tunnels HTTP requests and raw TCP connections from a public
server to services running on your machine.

Run 'pgrok start-server' somewhere reachable, then 'pgrok start' locally.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: false,
}

var serverCmd = &cobra.Command{
	Use:   "start-server",
	Short: "Run the public relay server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		defer log.Close()

		applyIntFlag(cmd, "port", &cfg.Server.Port)
		applyBoolFlag(cmd, "localhost", &cfg.Server.Localhost)
		applyBoolFlag(cmd, "singleTunnel", &cfg.Server.SingleTunnel)
		applyIntFlag(cmd, "tcpPort", &cfg.Server.TCPPort)
		if cmd.Flags().Changed("proxyPort") {
			log.Warn("--proxyPort applies to client commands and is ignored by the server")
		}

		if err := cfg.Server.Validate(); err != nil {
			return err
		}

		srvCfg := server.Config{
			Addr:         cfg.Server.BindAddr(cfg.Server.Port),
			SingleTunnel: cfg.Server.SingleTunnel,
		}
		if cfg.Server.TCPPort > 0 {
			srvCfg.TCPAddr = cfg.Server.BindAddr(cfg.Server.TCPPort)
		}

		return server.New(srvCfg, log).Run(signalContext())
	},
}

var clientCmd = &cobra.Command{
	Use:   "start",
	Short: "Connect a local HTTP service to the relay",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runClient(cmd, client.ModeHTTP)
	},
}

var tcpClientCmd = &cobra.Command{
	Use:   "start-tcp",
	Short: "Connect a local TCP service to the relay",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runClient(cmd, client.ModeTCP)
	},
}

func runClient(cmd *cobra.Command, mode client.Mode) error {
	cfg, log, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	defer log.Close()

	applyStringFlag(cmd, "tunnelId", &cfg.Client.TunnelID)
	applyStringFlag(cmd, "serverAddress", &cfg.Client.ServerAddress)
	applyStringFlag(cmd, "localAddress", &cfg.Client.LocalAddress)
	applyIntFlag(cmd, "proxyPort", &cfg.Client.ProxyPort)
	applyBoolFlag(cmd, "tui", &cfg.Client.TUI)

	if err := cfg.Client.Validate(); err != nil {
		return err
	}

	c := client.New(client.Config{
		ServerAddress: cfg.Client.ServerAddress,
		TunnelID:      cfg.Client.TunnelID,
		LocalAddress:  cfg.Client.LocalAddress,
		ProxyPort:     cfg.Client.ProxyPort,
		Mode:          mode,
		TUIMode:       cfg.Client.TUI,
	}, log)

	ctx := signalContext()
	if cfg.Client.TUI && mode == client.ModeHTTP {
		return runWithTUI(ctx, c)
	}
	return c.Run(ctx)
}

// runWithTUI runs the client alongside the request feed; quitting the feed
// stops the client and vice versa.
func runWithTUI(ctx context.Context, c *client.Client) error {
	model := tui.NewModel()
	c.SetTUIChannels(model.RequestChannel(), model.ConnectionChannel())

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	program := tea.NewProgram(model, tea.WithAltScreen())
	errCh := make(chan error, 1)
	go func() {
		errCh <- c.Run(ctx)
		program.Quit()
	}()
	go func() {
		<-ctx.Done()
		program.Quit()
	}()

	if _, err := program.Run(); err != nil {
		return err
	}
	cancel()
	return <-errCh
}

// loadConfig reads the config file and PGROK_* environment overrides and
// builds the logger.
func loadConfig(cmd *cobra.Command) (*config.Config, *logging.Logger, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, err
	}

	applyStringFlag(cmd, "logLevel", &cfg.Log.Level)
	applyStringFlag(cmd, "logFile", &cfg.Log.File)

	log, err := logging.New(logging.Options{
		Level: logging.ParseLevel(cfg.Log.Level),
		File:  cfg.Log.File,
	})
	if err != nil {
		return nil, nil, err
	}
	return cfg, log, nil
}

// Flags beat PGROK_* environment variables, which beat the config file.
func applyStringFlag(cmd *cobra.Command, name string, dst *string) {
	if cmd.Flags().Changed(name) {
		*dst, _ = cmd.Flags().GetString(name)
	}
}

func applyIntFlag(cmd *cobra.Command, name string, dst *int) {
	if cmd.Flags().Changed(name) {
		*dst, _ = cmd.Flags().GetInt(name)
	}
}

func applyBoolFlag(cmd *cobra.Command, name string, dst *bool) {
	if cmd.Flags().Changed(name) {
		*dst, _ = cmd.Flags().GetBool(name)
	}
}

func signalContext() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Fprintln(os.Stderr, "\nShutting down...")
		cancel()
	}()
	return ctx
}

func init() {
	for _, cmd := range []*cobra.Command{serverCmd, clientCmd, tcpClientCmd} {
		cmd.Flags().String("config", "", "Path to a pgrok.yaml config file")
		cmd.Flags().String("logLevel", "", "Log level (debug, info, warn, error)")
		cmd.Flags().String("logFile", "", "Log file path (rotated)")
	}

	serverCmd.Flags().IntP("port", "p", 8080, "HTTP port to listen on (PGROK_PORT)")
	serverCmd.Flags().Bool("localhost", false, "Bind to 127.0.0.1 only (PGROK_LOCALHOST)")
	serverCmd.Flags().Bool("singleTunnel", false, "Admit a single tunnel and serve all paths from it (PGROK_SINGLE_TUNNEL)")
	serverCmd.Flags().Int("tcpPort", 0, "Also relay raw TCP on this port (PGROK_TCPPORT)")
	serverCmd.Flags().Int("proxyPort", 0, "Unused on the server (PGROK_PROXYPORT)")

	for _, cmd := range []*cobra.Command{clientCmd, tcpClientCmd} {
		cmd.Flags().String("tunnelId", "", "Tunnel id to register (server mints one when empty)")
		cmd.Flags().StringP("serverAddress", "s", "", "Relay server URL, e.g. https://relay.example.com")
		cmd.Flags().Int("proxyPort", 0, "Local reverse-proxy port for cross-tunnel dispatch (PGROK_PROXYPORT)")
	}
	clientCmd.Flags().StringP("localAddress", "l", "", "Local HTTP service base URL, e.g. http://127.0.0.1:5000")
	clientCmd.Flags().Bool("tui", false, "Show the interactive request feed")
	tcpClientCmd.Flags().StringP("localAddress", "l", "", "Local TCP service address, e.g. 127.0.0.1:9000")

	rootCmd.AddCommand(serverCmd)
	rootCmd.AddCommand(clientCmd)
	rootCmd.AddCommand(tcpClientCmd)
}
