package wssip

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const envPrefix = "WSSIP"

// CLI represents the command-line interface for wssip
type CLI struct {
	rootCmd *cobra.Command
	v       *viper.Viper
}

// NewCLI creates a new CLI instance
func NewCLI() *CLI {
	cli := &CLI{v: viper.New()}
	cli.v.SetEnvPrefix(envPrefix)
	cli.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	cli.v.AutomaticEnv()
	cli.initCommands()
	return cli
}

// Execute runs the CLI application
func (cli *CLI) Execute() error {
	return cli.rootCmd.Execute()
}

// initCommands initializes all CLI commands and flags
func (cli *CLI) initCommands() {
	cli.rootCmd = &cobra.Command{
		Use:               "wssip",
		Short:             "WebSocket to SIP over TCP gateway",
		SilenceUsage:      true,
		PersistentPreRunE: cli.loadEnv,
	}
	cli.rootCmd.PersistentFlags().String("env-file", "", "Load environment variables from this file (default .env if present)")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the version number",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("wssip version %s %s\n", Version, Platform)
		},
	}

	serverCmd := &cobra.Command{
		Use:          "server",
		Short:        "Start the WebSocket to SIP gateway",
		RunE:         cli.runServer,
		SilenceUsage: true,
	}

	probeCmd := &cobra.Command{
		Use:          "probe <target>",
		Short:        "Send a SIP OPTIONS request through a gateway and print the reply",
		Args:         cobra.ExactArgs(1),
		RunE:         cli.runProbe,
		SilenceUsage: true,
	}

	def := DefaultGatewayOption()
	serverCmd.Flags().StringP("host", "H", def.Host, "WebSocket listen address")
	serverCmd.Flags().IntP("port", "P", def.Port, "WebSocket listen port")
	serverCmd.Flags().String("path", def.Path, "HTTP path WebSocket clients connect to")
	serverCmd.Flags().Int("sip-port", def.PortSIP, "SIP server TCP port")
	serverCmd.Flags().String("sip-host", "", "Static SIP server host, overrides the request target")
	serverCmd.Flags().Bool("honor-target-port", false, "Dial the port given in the request target instead of --sip-port")
	serverCmd.Flags().Duration("timeout", def.Timeout, "Backend inactivity timeout, 0 disables it")
	serverCmd.Flags().Duration("connect-timeout", def.ConnectTimeout, "Backend connect timeout")
	serverCmd.Flags().Duration("write-timeout", def.WriteTimeout, "Timeout for each write to a client, 0 disables it")
	serverCmd.Flags().Int("max-listeners", def.MaxListeners, "Maximum close listeners per backend stream")
	serverCmd.Flags().Int("queue-size", def.OutboundQueueSize, "Backend chunks buffered per client before reading pauses")
	serverCmd.Flags().String("frame-type", string(def.FrameType), "Message type for backend data: auto, text or binary")
	serverCmd.Flags().String("ssl-cert", "", "TLS certificate file, enables wss")
	serverCmd.Flags().String("ssl-key", "", "TLS private key file")
	serverCmd.Flags().String("metrics-path", "", "Expose Prometheus metrics on this path, e.g. /metrics")
	serverCmd.Flags().CountP("debug", "d", "Show debug logs (use -dd for trace logs)")

	probeCmd.Flags().StringP("url", "u", "ws://localhost:8088", "Gateway WebSocket URL")
	probeCmd.Flags().StringSlice("subprotocol", []string{SubprotocolSIP}, "Subprotocols to offer")
	probeCmd.Flags().Duration("timeout", 5*time.Second, "Probe timeout")
	probeCmd.Flags().BoolP("insecure", "k", false, "Skip TLS certificate verification")
	probeCmd.Flags().Bool("binary", false, "Send the request as a binary message")
	probeCmd.Flags().CountP("debug", "d", "Show debug logs (use -dd for trace logs)")

	for _, cmd := range []*cobra.Command{serverCmd, probeCmd} {
		cmd.Flags().VisitAll(func(f *pflag.Flag) {
			if f.Name != "debug" {
				f.Usage += fmt.Sprintf(" (env: %s_%s)", envPrefix, strings.ToUpper(strings.ReplaceAll(f.Name, "-", "_")))
			}
		})
	}

	cli.rootCmd.AddCommand(serverCmd, probeCmd, versionCmd)
}

// loadEnv reads the env file into the process environment before flags
// are resolved. A missing default .env is not an error.
func (cli *CLI) loadEnv(cmd *cobra.Command, args []string) error {
	envFile, _ := cmd.Flags().GetString("env-file")
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return fmt.Errorf("load env file %s: %w", envFile, err)
		}
		return nil
	}
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}
	return nil
}

func (cli *CLI) bind(cmd *cobra.Command) error {
	if err := cli.v.BindPFlags(cmd.Flags()); err != nil {
		return fmt.Errorf("bind flags: %w", err)
	}
	return nil
}

func (cli *CLI) runServer(cmd *cobra.Command, args []string) error {
	if err := cli.bind(cmd); err != nil {
		return err
	}
	v := cli.v

	debug, _ := cmd.Flags().GetCount("debug")
	logger := cli.initLogging(debug)

	frameType, err := ParseFrameType(v.GetString("frame-type"))
	if err != nil {
		return err
	}

	opt := DefaultGatewayOption().
		WithTimeout(disableOnZero(v.GetDuration("timeout"))).
		WithWriteTimeout(disableOnZero(v.GetDuration("write-timeout"))).
		WithHost(v.GetString("host")).
		WithPort(v.GetInt("port")).
		WithPath(v.GetString("path")).
		WithPortSIP(v.GetInt("sip-port")).
		WithHostSIP(v.GetString("sip-host")).
		WithHonorTargetPort(v.GetBool("honor-target-port")).
		WithConnectTimeout(v.GetDuration("connect-timeout")).
		WithMaxListeners(v.GetInt("max-listeners")).
		WithOutboundQueueSize(v.GetInt("queue-size")).
		WithFrameType(frameType).
		WithMetrics(v.GetString("metrics-path")).
		WithLogger(logger)

	cert, key := v.GetString("ssl-cert"), v.GetString("ssl-key")
	if (cert == "") != (key == "") {
		return fmt.Errorf("--ssl-cert and --ssl-key must be given together")
	}
	if cert != "" {
		opt.WithTLS(cert, key)
	}

	logger.Info().Msg("Configuration:")
	if opt.HostSIP != "" {
		logger.Info().Msgf("  SIP server: %s:%d (static)", opt.HostSIP, opt.PortSIP)
	} else {
		logger.Info().Msgf("  SIP server: request target, port %d", opt.PortSIP)
	}
	if opt.Timeout > 0 {
		logger.Info().Msgf("  Inactivity timeout: %s", opt.Timeout)
	} else {
		logger.Info().Msg("  Inactivity timeout: disabled")
	}
	if opt.MetricsPath != "" {
		logger.Info().Msgf("  Metrics: %s", opt.MetricsPath)
	}

	gateway := NewGateway(opt)
	if err := gateway.WaitReady(cmd.Context(), 0); err != nil {
		return err
	}

	// Wait for either gateway error or context cancellation
	select {
	case <-cmd.Context().Done():
		gateway.Close()
		return cmd.Context().Err()
	case err := <-gateway.Errors():
		return err
	}
}

func (cli *CLI) runProbe(cmd *cobra.Command, args []string) error {
	if err := cli.bind(cmd); err != nil {
		return err
	}
	v := cli.v

	debug, _ := cmd.Flags().GetCount("debug")
	logger := cli.initLogging(debug)

	request, err := BuildOptionsRequest(args[0])
	if err != nil {
		return err
	}

	opt := DefaultProbeOption().
		WithURL(v.GetString("url")).
		WithSubprotocols(v.GetStringSlice("subprotocol")...).
		WithTimeout(v.GetDuration("timeout")).
		WithInsecure(v.GetBool("insecure")).
		WithBinary(v.GetBool("binary")).
		WithLogger(logger)

	reply, err := Probe(cmd.Context(), opt, request)
	if err != nil {
		return err
	}
	fmt.Fprint(cmd.OutOrStdout(), string(reply))
	return nil
}

// disableOnZero maps the command line's 0 to the negative value that
// disables a timeout in GatewayOption.
func disableOnZero(d time.Duration) time.Duration {
	if d == 0 {
		return -1
	}
	return d
}

// initLogging sets up zerolog with appropriate level
func (cli *CLI) initLogging(debug int) zerolog.Logger {
	switch debug {
	case 0:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case 1:
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.TraceLevel)
	}

	output := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	return zerolog.New(output).With().Timestamp().Logger()
}

// ExecuteContext runs the CLI application with ctx as the command context
func (cli *CLI) ExecuteContext(ctx context.Context) error {
	return cli.rootCmd.ExecuteContext(ctx)
}
