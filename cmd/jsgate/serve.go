package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/cryguy/jsgate"
	"github.com/cryguy/jsgate/internal/core"
	"github.com/cryguy/jsgate/internal/host"
	"github.com/cryguy/jsgate/internal/logging"
	"github.com/cryguy/jsgate/internal/metrics"
	"github.com/cryguy/jsgate/internal/notify"
	"github.com/spf13/cobra"
)

func serveCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP gateway",
		Long: `Load the configuration, bootstrap the engine and serve requests until
interrupted. On SIGINT or SIGTERM the listener stops, buffered requests are
drained by the engine and the script's shutdown export runs.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := core.LoadConfig(configPath)
			if err != nil {
				return err
			}
			logger, closer, err := logging.New(cfg.Logging)
			if err != nil {
				return err
			}
			defer closer.Close()
			slog.SetDefault(logger)

			m := metrics.New()
			conns := host.NewConns(logger, m)
			delivery, reactor, cleanup, err := setupDelivery(cfg, conns, logger)
			if err != nil {
				return err
			}
			defer cleanup()

			gw, err := jsgate.InitializeConfig(delivery, cfg, jsgate.WithLogger(logger), jsgate.WithMetrics(m))
			if err != nil {
				return err
			}
			defer gw.Shutdown()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			srv := host.New(cfg.Server, gw, conns, m, logger)
			return srv.ListenAndServe(ctx, reactor)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "conf/jsgate.yaml", "Path to the configuration file")

	return cmd
}

// setupDelivery installs the configured delivery strategy. Pipe delivery
// falls back to direct delivery where the reactor is unavailable.
func setupDelivery(cfg *core.Config, conns *host.Conns, logger *slog.Logger) (core.Delivery, host.Runner, func(), error) {
	noop := func() {}
	if cfg.Delivery.Mode != core.DeliveryModePipe {
		return conns.Direct(), nil, noop, nil
	}

	reactor, err := notify.NewReactor(logger)
	if errors.Is(err, notify.ErrUnsupported) {
		logger.Warn("pipe delivery is not supported on this platform, using direct delivery")
		return conns.Direct(), nil, noop, nil
	}
	if err != nil {
		return nil, nil, nil, fmt.Errorf("creating reactor: %w", err)
	}
	pipe := conns.Pipe()
	bridge, err := notify.NewBridge(reactor, pipe.Wake, logger)
	if err != nil {
		_ = reactor.Close()
		return nil, nil, nil, fmt.Errorf("creating notification bridge: %w", err)
	}
	pipe.Bind(bridge)

	cleanup := func() {
		_ = bridge.Close()
		_ = reactor.Close()
	}
	return pipe, reactor, cleanup, nil
}
