package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/YuminosukeSato/framegate/pkg/framegate"
)

var version = "0.1.0"

var rootCmd = &cobra.Command{
	Use:   "framegate",
	Short: "framegate - length-prefixed TCP frame gateway",
	Long: `framegate accepts long-lived TCP connections speaking a length-prefixed
binary protocol, authenticates peers, and forwards their payloads to a
downstream sink (log, pubsub topic, or Redis stream).`,
	Version: version,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the gateway",
	Long:  `Loads configuration from file and FRAMEGATE_* environment variables and serves until SIGINT or SIGTERM.`,
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

var probeCmd = &cobra.Command{
	Use:   "probe [address]",
	Short: "Check a running gateway",
	Long:  `Connects to a gateway, optionally authenticates, sends heartbeats and reports round-trip times.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runProbe,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "framegate %s (json engine: %s)\n", version, framegate.GetJSONCodecType())
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(probeCmd)
	rootCmd.AddCommand(versionCmd)

	serveCmd.Flags().StringP("config", "c", "", "Path to config file (default: ./config.yaml)")
	serveCmd.Flags().Int("port", 0, "Override server.port")

	probeCmd.Flags().String("token", "", "Credentials sent in the AUTH frame")
	probeCmd.Flags().Bool("hex", false, "Treat --token as hex")
	probeCmd.Flags().Int("count", 3, "Number of heartbeats")
	probeCmd.Flags().Duration("timeout", 5*time.Second, "Per-request timeout")
	probeCmd.Flags().String("data", "", "Send one DATA frame after authenticating and wait for the ack")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	port, _ := cmd.Flags().GetInt("port")

	cfg, err := framegate.LoadConfig(configPath)
	if err != nil {
		return err
	}
	if port > 0 {
		cfg.Server.Port = port
	}

	logger := framegate.NewLogger(cfg.Logging)
	srv, err := framegate.NewServer(*cfg, framegate.WithLogger(logger))
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("starting framegate", "version", version, "addr", cfg.Server.Addr())
	return srv.Run(ctx)
}

func runProbe(cmd *cobra.Command, args []string) error {
	token, _ := cmd.Flags().GetString("token")
	isHex, _ := cmd.Flags().GetBool("hex")
	count, _ := cmd.Flags().GetInt("count")
	timeout, _ := cmd.Flags().GetDuration("timeout")
	data, _ := cmd.Flags().GetString("data")
	out := cmd.OutOrStdout()

	client, err := framegate.Dial(cmd.Context(), framegate.ClientConfig{
		Address:     args[0],
		DialTimeout: timeout,
	})
	if err != nil {
		return err
	}
	defer client.Close()

	call := func() (context.Context, context.CancelFunc) {
		return context.WithTimeout(cmd.Context(), timeout)
	}

	if token != "" {
		cred := []byte(token)
		if isHex {
			if cred, err = hex.DecodeString(token); err != nil {
				return fmt.Errorf("invalid hex token: %w", err)
			}
		}
		ctx, cancel := call()
		ok, err := client.Authenticate(ctx, cred)
		cancel()
		if err != nil {
			return fmt.Errorf("auth: %w", err)
		}
		if !ok {
			return fmt.Errorf("auth rejected")
		}
		fmt.Fprintln(out, "auth ok")
	}

	for i := 0; i < count; i++ {
		ctx, cancel := call()
		rtt, err := client.Heartbeat(ctx, []byte(fmt.Sprintf("probe-%d", i)))
		cancel()
		if err != nil {
			return fmt.Errorf("heartbeat %d: %w", i, err)
		}
		fmt.Fprintf(out, "heartbeat %d: %v\n", i, rtt)
	}

	if data != "" {
		ctx, cancel := call()
		err := client.SendAcked(ctx, []byte(data))
		cancel()
		if err != nil {
			return fmt.Errorf("data: %w", err)
		}
		fmt.Fprintln(out, "data acked")
	}
	return nil
}
