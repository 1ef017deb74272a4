package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"mirrord/cmd/mirrord/ui"
	"mirrord/config"
	"mirrord/internal/daemon"
	"mirrord/internal/logging"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
)

// version is set at link time.
var version = "dev"

type globalFlags struct {
	configPath string
	debug      bool
	noColor    bool
}

func (g *globalFlags) load() (*config.Config, error) {
	return config.Load(config.Path(g.configPath))
}

func main() {
	if err := logging.Configure(logging.LevelInfo); err != nil {
		_, _ = os.Stderr.WriteString("configure logger: " + err.Error() + "\n")
		os.Exit(1)
	}

	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, ui.ErrorMsg("%v", err))
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		g            globalFlags
		otlpEndpoint string
		metricsAddr  string
	)

	cmd := &cobra.Command{
		Use:           "mirrord",
		Short:         "Mirror images from peer clusters into the local cluster",
		Version:       version,
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			ui.ConfigureColor(g.noColor)
			level := logging.LevelInfo
			if g.debug {
				level = logging.LevelDebug
			}
			return logging.Configure(level)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.load()
			if err != nil {
				return err
			}
			if !g.debug && cfg.LogLevel != "" {
				if err := logging.Configure(cfg.LogLevel); err != nil {
					return err
				}
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			tracing, err := setupTracing(ctx, otlpEndpoint)
			if err != nil {
				return err
			}
			defer tracing.Shutdown()

			opts := []daemon.Option{
				daemon.WithLogger(slog.Default()),
				daemon.WithTracer(tracing.Tracer("mirrord")),
				daemon.WithMetrics(prometheus.NewRegistry(), metricsAddr),
			}
			return daemon.Run(ctx, cfg, opts...)
		},
	}

	cmd.PersistentFlags().StringVar(&g.configPath, "config", "", "Config file (default $"+config.PathEnv+" or "+config.DefaultPath+")")
	cmd.PersistentFlags().BoolVar(&g.debug, "debug", false, "Enable debug logging")
	cmd.PersistentFlags().BoolVar(&g.noColor, "no-color", false, "Disable colored output")
	cmd.Flags().StringVar(&otlpEndpoint, "otlp-endpoint", "", "Export traces over OTLP/HTTP to host:port")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")

	cmd.AddCommand(peersCmd(&g))
	cmd.AddCommand(imagesCmd(&g))
	cmd.AddCommand(catalogCmd(&g))
	return cmd
}
