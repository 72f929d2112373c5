package main

import (
	"context"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/ipfs/go-datastore"
	dssync "github.com/ipfs/go-datastore/sync"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/outofforest/logger"
	"github.com/outofforest/parallel"
	"github.com/outofforest/peerlink"
	"github.com/outofforest/peerlink/api"
	"github.com/outofforest/peerlink/config"
	"github.com/outofforest/peerlink/directory"
	"github.com/outofforest/peerlink/metrics"
	"github.com/outofforest/peerlink/router"
)

const flagConfig = "config"

func main() {
	log := logger.New(logger.DefaultConfig)
	ctx, cancel := signal.NotifyContext(logger.WithLogger(context.Background(), log), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	rootCmd := &cobra.Command{
		Use:          "peerlink",
		Short:        "Peer bootstrap and settlement negotiation for payment routing nodes",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().String(flagConfig, "", "path to the YAML config file")
	rootCmd.AddCommand(relayCmd(), nodeCmd())

	if err := rootCmd.ExecuteContext(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("Application failed", zap.Error(err))
		os.Exit(1)
	}
}

func loadConfig(cmd *cobra.Command) (config.Config, error) {
	path, err := cmd.Flags().GetString(flagConfig)
	if err != nil {
		return config.Config{}, errors.WithStack(err)
	}
	return config.Load(path)
}

func relayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "relay",
		Short: "Run directory relay",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			ls, err := net.Listen("tcp", cfg.RelayListenAddress)
			if err != nil {
				return errors.WithStack(err)
			}

			logger.Get(cmd.Context()).Info("Relay started", zap.Stringer("address", ls.Addr()))
			return directory.RunRelay(cmd.Context(), ls, directory.RelayConfig{
				Peers:          cfg.RelayPeers,
				MaxMessageSize: cfg.MaxMessageSize,
			})
		},
	}
}

func nodeCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "node",
		Aliases: []string{"run", "start"},
		Short:   "Run peerlink node",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if cfg.RouterURL == "" {
				return errors.New("router url is not set")
			}

			reg := prometheus.NewRegistry()
			reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
			m, err := metrics.PrometheusMetrics(reg)
			if err != nil {
				return err
			}

			admin := router.NewHTTPAdmin(cfg.RouterURL, cfg.RouterTimeout)
			node, err := peerlink.NewNode(cfg, peerlink.Dependencies{
				Router:  admin,
				Admin:   admin,
				Nonces:  admin,
				Store:   dssync.MutexWrap(datastore.NewMapDatastore()),
				Metrics: m,
			})
			if err != nil {
				return err
			}

			ls, err := net.Listen("tcp", cfg.HTTPListenAddress)
			if err != nil {
				return errors.WithStack(err)
			}

			return parallel.Run(cmd.Context(), func(ctx context.Context, spawn parallel.SpawnFn) error {
				spawn("node", parallel.Fail, node.Run)
				spawn("api", parallel.Fail, func(ctx context.Context) error {
					return api.Run(ctx, ls, api.NewHandler(ctx, node, reg))
				})
				return nil
			})
		},
	}
}
