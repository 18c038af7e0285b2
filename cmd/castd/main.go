package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/danmuck/castline/internal/broadcast"
	"github.com/danmuck/castline/internal/logging"
	"github.com/danmuck/castline/internal/observability"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "castd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var metricsAddr string
	cmd := &cobra.Command{
		Use:           "castd [config.toml]",
		Short:         "Broadcast server handing out writable channels over a unix socket",
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			logging.ConfigureRuntime()
			path := ""
			if len(args) > 0 {
				path = args[0]
			}
			cfg, err := loadDaemonConfig(path)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("metrics") {
				cfg.MetricsAddr = metricsAddr
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg)
		},
	}
	cmd.Flags().StringVarP(&metricsAddr, "metrics", "m", "", "address for the prometheus /metrics endpoint (empty disables)")
	return cmd
}

func run(ctx context.Context, cfg daemonConfig) error {
	if cfg.Service.Redis.Enabled() {
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		pinger := broadcast.NewRedisSink(cfg.Service.Redis)
		if err := pinger.Ping(pingCtx); err != nil {
			log.Warn().Err(err).Str("addr", cfg.Service.Redis.Addr).Msg("castd.run redis sink unreachable")
		}
		_ = pinger.Close()
		cancel()
	}
	if cfg.MetricsAddr != "" {
		go func() {
			if err := observability.ServeMetrics(ctx, cfg.MetricsAddr); err != nil {
				log.Error().Err(err).Str("addr", cfg.MetricsAddr).Msg("castd.run metrics endpoint stopped")
			}
		}()
	}
	svc := broadcast.NewServiceWithConfig(cfg.Service)
	return svc.RunContext(ctx)
}
