// Shipping Agent Server
//
// Conversational order-service agent: verifies an order from its id and
// email, then stages and applies delivery-date and address changes.
// Serves the task protocol over JSON-RPC/HTTP and gRPC.
//
// Usage:
//
//	shippingagent serve                     # HTTP :8080, gRPC :50051
//	shippingagent serve --config agent.yaml
//	shippingagent seed                      # load the demo orders
//	shippingagent orders                    # print the order table
//	shippingagent send "Order 3DV7KU4PK54 cworshall0@flavors.me"
package main

import (
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jeeves-cluster-organization/shippingagent/coreengine/config"
)

const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "shippingagent"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// globalFlags are shared by every subcommand.
type globalFlags struct {
	configPath string
	envFile    string
	logLevel   string
}

func rootCmd() *cobra.Command {
	flags := &globalFlags{}

	cmd := &cobra.Command{
		Use:           appName,
		Short:         "Conversational order-service agent",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "Config file path (YAML)")
	cmd.PersistentFlags().StringVar(&flags.envFile, "env-file", ".env", "Dotenv file (ignored when missing)")
	cmd.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "Log level override (debug, info, warn, error)")

	cmd.AddCommand(
		serveCmd(flags),
		seedCmd(flags),
		ordersCmd(flags),
		sendCmd(),
		&cobra.Command{
			Use:   "version",
			Short: "Print version information",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "%s version %s (build: %s)\n", appName, Version, BuildTime)
			},
		},
	)

	return cmd
}

// load reads the configuration and installs it as the process config.
func (f *globalFlags) load() (*config.AgentConfig, error) {
	cfg, err := config.Load(f.configPath, f.envFile)
	if err != nil {
		return nil, err
	}
	if f.logLevel != "" {
		cfg.LogLevel = f.logLevel
	}
	config.SetAgentConfig(cfg)
	return cfg, nil
}

// newLogger builds the process logger. *slog.Logger satisfies every
// package's Logger interface.
func newLogger(cfg *config.AgentConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.LogLevel)}
	var handler slog.Handler
	if strings.EqualFold(cfg.LogFormat, "text") {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	return slog.New(handler).With("service", cfg.AppName)
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
