package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"bookrelay/internal/config"
	"bookrelay/internal/factory"
	"bookrelay/internal/logger"
	"bookrelay/internal/metrics"
	"bookrelay/internal/orderbook"
	"bookrelay/internal/trace"
	"bookrelay/internal/websocket"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func main() {
	// .env is optional
	_ = godotenv.Load()

	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

type globalFlags struct {
	configPath string
	logLevel   string
}

func rootCmd() *cobra.Command {
	flags := &globalFlags{}

	root := &cobra.Command{
		Use:           "bookrelay",
		Short:         "Real-time order book relay",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVar(&flags.configPath, "config", os.Getenv("BOOKRELAY_CONFIG"), "path to YAML config")
	root.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "log level override (debug, info, warn, error)")

	root.AddCommand(serveCmd(flags))
	root.AddCommand(bookCmd(flags))
	return root
}

// loadConfig loads the config file and applies flag overrides, then sets up logging
func loadConfig(flags *globalFlags) (config.Config, error) {
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return cfg, err
	}
	if flags.logLevel != "" {
		cfg.Log.Level = flags.logLevel
	}
	logger.Init(cfg.Log)
	return cfg, nil
}

func serveCmd(flags *globalFlags) *cobra.Command {
	var (
		addr          string
		statsInterval time.Duration
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the relay server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}
			return serve(cfg, statsInterval)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address override")
	cmd.Flags().DurationVar(&statsInterval, "stats-interval", time.Minute, "interval for logging session stats (0 disables)")
	return cmd
}

func serve(cfg config.Config, statsInterval time.Duration) error {
	if err := trace.Init(cfg.Tracing.Enabled); err != nil {
		log.Warn().Err(err).Msg("tracing disabled")
	}

	feed, err := factory.NewFeed(cfg.Upstream)
	if err != nil {
		return err
	}
	fallback, err := factory.NewSnapshotSource(cfg.Upstream, cfg.Fallback)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	server := websocket.NewServer(cfg, websocket.Options{
		Feed:     feed,
		Fallback: fallback,
		Metrics:  m,
		Gatherer: reg,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	log.Info().
		Str("exchange", string(feed.GetName())).
		Str("ws_url", cfg.Upstream.WSURL).
		Int("max_retries", cfg.Reconnect.MaxRetries).
		Msg("relay ready")

	if statsInterval > 0 {
		go logStats(ctx, server, statsInterval)
	}

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("relay server error: %w", err)
		}
	case <-ctx.Done():
		log.Info().Msg("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("server shutdown")
	}
	if err := trace.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("trace shutdown")
	}
	return nil
}

func logStats(ctx context.Context, server *websocket.Server, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			log.Info().Int("sessions", server.SessionCount()).Msg("relay stats")
		}
	}
}

func bookCmd(flags *globalFlags) *cobra.Command {
	var depth int

	cmd := &cobra.Command{
		Use:   "book <asset-id>",
		Short: "Fetch a one-shot book from the REST fallback and print it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			cfg.Fallback.Enabled = true

			source, err := factory.NewSnapshotSource(cfg.Upstream, cfg.Fallback)
			if err != nil {
				return err
			}

			timeout := cfg.Fallback.Timeout
			if timeout <= 0 {
				timeout = 10 * time.Second
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			snap, err := source.GetSnapshot(ctx, args[0])
			if err != nil {
				return fmt.Errorf("fetch book: %w", err)
			}

			ob := orderbook.New(args[0])
			ob.ApplySnapshot(snap.Bids, snap.Asks, snap.Timestamp)
			printBook(os.Stdout, ob, depth)
			return nil
		},
	}
	cmd.Flags().IntVar(&depth, "depth", 10, "levels per side to print")
	return cmd
}
