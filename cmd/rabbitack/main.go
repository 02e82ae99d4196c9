package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/glimte/rabbitack"
	"github.com/glimte/rabbitack/config"
	"github.com/glimte/rabbitack/contracts"
	"github.com/glimte/rabbitack/health"
	"github.com/glimte/rabbitack/messaging"
	"github.com/glimte/rabbitack/metrics"
	"github.com/glimte/rabbitack/serialization"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var (
	// Version information
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

// invalidMarker in a body marks the message structurally invalid
const invalidMarker = "invalid"

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

type globalFlags struct {
	logLevel  string
	logFormat string
	envFiles  []string
}

// load reads the configuration and lets explicit flags override it
func (f *globalFlags) load(cmd *cobra.Command) (config.Config, *slog.Logger, error) {
	if cmd.Flags().Changed("log-level") {
		os.Setenv(config.EnvPrefix+"LOG_LEVEL", f.logLevel)
	}
	if cmd.Flags().Changed("log-format") {
		os.Setenv(config.EnvPrefix+"LOG_FORMAT", f.logFormat)
	}

	cfg, err := config.Load(f.envFiles...)
	if err != nil {
		return cfg, nil, err
	}
	return cfg, cfg.NewLogger(os.Stderr), nil
}

func newRootCommand() *cobra.Command {
	flags := &globalFlags{}

	rootCmd := &cobra.Command{
		Use:   "rabbitack",
		Short: "Publish and consume RabbitMQ messages with confirms and manual acknowledgment",
		Long: `rabbitack sends messages with publisher confirms and consumes them with
manual acknowledgment, bounded redelivery and an optional parking lot.
Settings come from RABBITACK_* environment variables and env files.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	rootCmd.PersistentFlags().StringVar(&flags.logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&flags.logFormat, "log-format", "text", "Log format (text, json)")
	rootCmd.PersistentFlags().StringSliceVar(&flags.envFiles, "env-file", []string{".env"}, "Env files to load before reading the environment")

	rootCmd.AddCommand(newPublishCommand(flags), newConsumeCommand(flags))

	return rootCmd
}

func newPublishCommand(flags *globalFlags) *cobra.Command {
	var (
		body    string
		headers []string
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Send one message and wait for the broker's confirmation",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := flags.load(cmd)
			if err != nil {
				return err
			}

			table, err := parseHeaders(headers)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			client, err := rabbitack.NewClient(ctx, cfg, rabbitack.WithLogger(logger))
			if err != nil {
				return err
			}
			defer client.Close()

			runCtx, cancel := context.WithCancel(ctx)
			g, runCtx := errgroup.WithContext(runCtx)
			g.Go(func() error {
				return client.Run(runCtx, "", nil)
			})

			var options []messaging.SendOption
			if timeout > 0 {
				options = append(options, messaging.WithTimeout(timeout))
			}
			result := client.Publisher().Send(runCtx, []byte(body), table, options...)

			cancel()
			if err := g.Wait(); err != nil {
				logger.Warn("client stopped with error", "error", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", result.Outcome, result.CorrelationID)
			return result.Err()
		},
	}

	cmd.Flags().StringVarP(&body, "body", "b", "", "Message body")
	cmd.Flags().StringArrayVarP(&headers, "header", "H", nil, "Message header as key=value (repeatable)")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Confirmation timeout (defaults to RABBITACK_CONFIRM_TIMEOUT)")
	cmd.MarkFlagRequired("body")

	return cmd
}

func newConsumeCommand(flags *globalFlags) *cobra.Command {
	var (
		queue       string
		failPattern string
	)

	cmd := &cobra.Command{
		Use:   "consume",
		Short: "Consume a queue with manual acknowledgment until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := flags.load(cmd)
			if err != nil {
				return err
			}
			if queue != "" {
				cfg.Queue = queue
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			registry := prometheus.NewRegistry()
			collector := metrics.NewPrometheusCollector(registry)

			client, err := rabbitack.NewClient(ctx, cfg,
				rabbitack.WithLogger(logger),
				rabbitack.WithMetrics(collector),
			)
			if err != nil {
				return err
			}
			defer client.Close()

			consumer, err := rabbitack.Consume[[]byte](client, loggingProcessor(logger, failPattern), serialization.RawCodec{})
			if err != nil {
				return err
			}

			server := &http.Server{
				Addr:              cfg.MetricsAddr,
				Handler:           opsHandler(registry, client.Health()),
				ReadHeaderTimeout: 5 * time.Second,
			}

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				logger.Info("serving metrics and health", "addr", cfg.MetricsAddr)
				if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return fmt.Errorf("metrics server: %w", err)
				}
				return nil
			})
			g.Go(func() error {
				<-gctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return server.Shutdown(shutdownCtx)
			})
			g.Go(func() error {
				return client.Run(gctx, cfg.Queue, consumer)
			})

			fmt.Fprintf(cmd.OutOrStdout(), "Consuming %s... Press Ctrl+C to stop\n", cfg.Queue)
			return g.Wait()
		},
	}

	cmd.Flags().StringVarP(&queue, "queue", "q", "", "Queue to consume (defaults to RABBITACK_QUEUE)")
	cmd.Flags().StringVar(&failPattern, "fail-pattern", "", "Fail messages whose body contains this text")

	return cmd
}

func opsHandler(registry *prometheus.Registry, checks *health.Registry) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	mux.Handle("/healthz", health.NewHandler(checks, 5*time.Second))
	mux.Handle("/livez", health.LivenessHandler())
	return mux
}

// loggingProcessor logs each message. Bodies containing failPattern fail
// transiently and bodies containing "invalid" are rejected as malformed.
func loggingProcessor(logger *slog.Logger, failPattern string) messaging.Processor[[]byte] {
	return messaging.ProcessorFunc[[]byte](func(ctx context.Context, body []byte) error {
		text := string(body)
		if strings.Contains(text, invalidMarker) {
			return contracts.NewInvalidMessageError("body is marked invalid", nil)
		}
		if failPattern != "" && strings.Contains(text, failPattern) {
			return fmt.Errorf("body matches fail pattern %q", failPattern)
		}
		logger.Info("message processed", "bytes", len(body), "body", text)
		return nil
	})
}

func parseHeaders(pairs []string) (map[string]interface{}, error) {
	headers := make(map[string]interface{}, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid header %q, expected key=value", pair)
		}
		headers[key] = value
	}
	return headers, nil
}
