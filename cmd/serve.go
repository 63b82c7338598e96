package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	grpclib "google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"

	"github.com/jeeves-cluster-organization/shippingagent/commbus"
	"github.com/jeeves-cluster-organization/shippingagent/coreengine/agent"
	"github.com/jeeves-cluster-organization/shippingagent/coreengine/auth"
	"github.com/jeeves-cluster-organization/shippingagent/coreengine/config"
	"github.com/jeeves-cluster-organization/shippingagent/coreengine/grpc"
	"github.com/jeeves-cluster-organization/shippingagent/coreengine/jsonrpc"
	"github.com/jeeves-cluster-organization/shippingagent/coreengine/kernel"
	"github.com/jeeves-cluster-organization/shippingagent/coreengine/llm"
	"github.com/jeeves-cluster-organization/shippingagent/coreengine/observability"
	"github.com/jeeves-cluster-organization/shippingagent/coreengine/orders"
)

// =============================================================================
// serve
// =============================================================================

func serveCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the JSON-RPC and gRPC servers",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.load()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
}

func serve(ctx context.Context, cfg *config.AgentConfig) error {
	logger := newLogger(cfg)
	logger.Info("shippingagent_starting", "version", Version, "http_addr", cfg.HTTPAddr, "grpc_addr", cfg.GRPCAddr)

	if cfg.TracingEnabled {
		shutdown, err := observability.InitTracer(observability.TracerConfig{
			ServiceName:    cfg.AppName,
			ServiceVersion: Version,
			Endpoint:       cfg.TracingEndpoint,
		})
		if err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdown(shutdownCtx)
		}()
	}

	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	// Bus: completion queries go through a circuit breaker so a dead model
	// endpoint fails fast into the fallback replies.
	bus := commbus.NewInMemoryCommBus(time.Duration(cfg.LLMTimeout)*time.Second, commbus.WithLogger(logger))
	bus.AddMiddleware(commbus.NewLoggingMiddleware(logger))
	bus.AddMiddleware(commbus.NewCircuitBreakerMiddleware(5, 30*time.Second, nil, commbus.WithBreakerLogger(logger)))
	defer agent.SubscribeMetrics(bus)()

	k := kernel.NewKernel(logger, kernelConfig(cfg), kernel.WithBus(bus))

	opts := []agent.Option{agent.WithBus(bus), agent.WithLogger(logger)}
	if cfg.LLMEnabled {
		client := llm.NewOpenAIClient(llmConfig(cfg), llm.WithLogger(logger))
		if err := agent.RegisterCompletionHandler(bus, client); err != nil {
			return err
		}
		opts = append(opts, agent.WithCompleter(client))
	}
	shipping := agent.NewShippingAgent(agent.Config{
		BrandName:     cfg.BrandName,
		BrandTone:     cfg.BrandTone,
		LLMEnabled:    cfg.LLMEnabled,
		HistoryWindow: cfg.HistoryWindow,
	}, store, opts...)
	if err := shipping.RegisterCommandHandlers(bus); err != nil {
		return err
	}

	sessions := auth.NewSessionManager()
	var validator auth.Validator
	httpOpts := []jsonrpc.Option{
		jsonrpc.WithLogger(logger),
		jsonrpc.WithSessions(sessions),
		jsonrpc.WithOrderStore(store),
		jsonrpc.WithAgentCard(jsonrpc.DefaultAgentCard(cfg.BrandName, "", Version)),
	}
	if cfg.AuthEnabled {
		ims := auth.NewIMSValidator(auth.Config{
			BaseURL:  cfg.AuthBaseURL,
			ClientID: cfg.AuthClientID,
			CacheTTL: time.Duration(cfg.AuthCacheTTL) * time.Second,
			Timeout:  10 * time.Second,
		}, auth.WithLogger(logger))
		k.AddCleanupHook("auth_cache", ims.CleanupExpired)
		validator = ims
		httpOpts = append(httpOpts, jsonrpc.WithValidator(ims))
	}

	cleanup := kernelConfig(cfg).Cleanup
	k.AddCleanupHook("sessions", sessions.CleanupExpired)
	k.AddCleanupHook("conversations", func() int {
		return shipping.States().CleanupIdle(cleanup.TaskRetention)
	})
	defer k.StartCleanupLoop(cleanup)()

	httpServer := jsonrpc.NewServer(k, shipping, httpOpts...)
	grpcServer := grpc.NewGracefulServer(
		grpc.NewTaskServer(logger, k, shipping, sessions),
		cfg.GRPCAddr,
		grpc.ServerOptions(logger, validator)...,
	)

	// A failing listener cancels runCtx, which stops the other one.
	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	errCh := make(chan error, 2)
	go func() { errCh <- httpServer.ListenAndServe(runCtx, cfg.HTTPAddr) }()
	go func() { errCh <- grpcServer.Start(runCtx) }()

	var firstErr error
	for i := 0; i < 2; i++ {
		err := <-errCh
		if err != nil && !errors.Is(err, context.Canceled) && firstErr == nil {
			logger.Error("listener_failed", "error", err.Error())
			firstErr = err
		}
		cancelRun()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := k.Shutdown(shutdownCtx); err != nil {
		logger.Warn("kernel_shutdown_errors", "error", err.Error())
	}
	logger.Info("shippingagent_stopped")
	return firstErr
}

func openStore(ctx context.Context, cfg *config.AgentConfig, logger orders.Logger) (*orders.SQLiteStore, error) {
	store, err := orders.OpenSQLite(cfg.DBPath, orders.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	if cfg.SeedOnStart {
		if _, err := store.SeedIfEmpty(ctx, orders.SeedOrders()); err != nil {
			_ = store.Close()
			return nil, err
		}
	}
	return store, nil
}

func kernelConfig(cfg *config.AgentConfig) *kernel.KernelConfig {
	return &kernel.KernelConfig{
		DefaultRateLimit: &kernel.RateLimitConfig{
			RequestsPerMinute: cfg.RateLimitPerMinute,
			RequestsPerHour:   cfg.RateLimitPerHour,
			RequestsPerDay:    cfg.RateLimitPerDay,
			BurstSize:         cfg.RateLimitBurst,
		},
		Cleanup: kernel.CleanupConfig{
			Interval:      time.Duration(cfg.CleanupInterval) * time.Second,
			TaskRetention: time.Duration(cfg.TaskRetention) * time.Second,
		},
	}
}

func llmConfig(cfg *config.AgentConfig) llm.Config {
	c := llm.DefaultConfig()
	c.BaseURL = cfg.LLMBaseURL
	c.Model = cfg.LLMModel
	c.APIKey = cfg.LLMAPIKey
	c.Temperature = float32(cfg.LLMTemperature)
	c.MaxTokens = cfg.LLMMaxTokens
	c.Timeout = time.Duration(cfg.LLMTimeout) * time.Second
	return c
}

// =============================================================================
// seed / orders
// =============================================================================

func seedCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "seed",
		Short: "Load the demo orders into an empty database",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.load()
			if err != nil {
				return err
			}
			store, err := orders.OpenSQLite(cfg.DBPath, orders.WithLogger(newLogger(cfg)))
			if err != nil {
				return err
			}
			defer store.Close()

			n, err := store.SeedIfEmpty(cmd.Context(), orders.SeedOrders())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "seeded %d orders into %s\n", n, cfg.DBPath)
			return nil
		},
	}
}

func ordersCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "orders",
		Short: "Print the order table",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.load()
			if err != nil {
				return err
			}
			store, err := orders.OpenSQLite(cfg.DBPath)
			if err != nil {
				return err
			}
			defer store.Close()
			return printOrders(cmd.Context(), cmd.OutOrStdout(), store)
		},
	}
}

// printOrders writes every order as a table, marking the most recently
// updated one with "*".
func printOrders(ctx context.Context, out io.Writer, store orders.Store) error {
	list, err := store.List(ctx)
	if err != nil {
		return err
	}
	latest, err := store.LatestUpdatedID(ctx)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "\tORDER\tEMAIL\tDELIVERY\tADDRESS")
	for _, o := range list {
		mark := ""
		if o.OrderID == latest {
			mark = "*"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", mark, o.OrderID, o.Email, o.DeliveryDate, o.Address())
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(out, "%d orders\n", len(list))
	return nil
}

// =============================================================================
// send
// =============================================================================

func sendCmd() *cobra.Command {
	var (
		addr      string
		contextID string
		token     string
	)

	cmd := &cobra.Command{
		Use:   "send MESSAGE",
		Short: "Send one message to a running server over gRPC and stream the reply",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := grpclib.NewClient(addr, grpclib.WithTransportCredentials(insecure.NewCredentials()))
			if err != nil {
				return err
			}
			defer conn.Close()

			ctx := cmd.Context()
			if token != "" {
				ctx = metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+token)
			}

			out := cmd.OutOrStdout()
			task, err := grpc.NewTaskClient(conn).StreamMessage(ctx,
				&grpc.SendMessageRequest{Text: args[0], ContextID: contextID},
				func(chunk string) { fmt.Fprint(out, chunk) },
			)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "\n[task %s %s, context %s]\n", task.ID, task.Status.State, task.ContextID)
			return nil
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "localhost:50051", "gRPC server address")
	cmd.Flags().StringVar(&contextID, "context", "", "Conversation context id")
	cmd.Flags().StringVar(&token, "token", "", "Bearer token")
	return cmd
}
