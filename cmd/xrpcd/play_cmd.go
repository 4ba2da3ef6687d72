package main

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/iota-uz/xrpcd/pkg/logging"
	"github.com/iota-uz/xrpcd/pkg/metrics"
	"github.com/iota-uz/xrpcd/pkg/xrpc"
)

type playOptions struct {
	once   bool
	daemon bool
}

func newPlayCmd(root *rootOptions) *cobra.Command {
	var opts playOptions

	cmd := &cobra.Command{
		Use:   "play",
		Short: "Start calling remote procedures",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPlay(cmd.Context(), root, opts)
		},
	}
	cmd.Flags().BoolVar(&opts.once, "once", false, "Process at most one batch and exit")
	cmd.Flags().BoolVar(&opts.daemon, "daemon", false, "Run unattended; disables grouped log output")
	return cmd
}

func runPlay(ctx context.Context, root *rootOptions, opts playOptions) error {
	a, err := root.setup(opts.daemon)
	if err != nil {
		return err
	}
	defer a.close()

	cfg := a.cfg
	if err := cfg.ValidatePlay(); err != nil {
		return withCode(exitConfig, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	log := a.entry("xrpc").WithField("run_id", uuid.NewString())

	if cfg.OpenTelemetry.Enabled {
		shutdown := logging.SetupTracing(ctx, cfg.OpenTelemetry.ServiceName, cfg.OpenTelemetry.TempoURL, a.entry("tracing"))
		defer shutdown()
	}
	if cfg.Prometheus.Enabled {
		go func() {
			if err := metrics.Serve(ctx, cfg.Prometheus.Addr, cfg.Prometheus.Path, log); err != nil {
				log.WithError(err).Error("metrics: server failed")
			}
		}()
	}

	pool, err := connectSource(ctx, cfg)
	if err != nil {
		return withCode(exitDB, err)
	}
	defer pool.Close()

	consumer, err := newConsumer(pool, a)
	if err != nil {
		return withCode(exitConfig, err)
	}
	dests, err := newDestinations(cfg)
	if err != nil {
		return withCode(exitConfig, err)
	}
	defer func() { _ = dests.Close() }()

	mode, err := xrpc.ParseConsistencyMode(cfg.XRPC.ConsistencyMode)
	if err != nil {
		return withCode(exitConfig, err)
	}
	dispatcher, err := xrpc.NewDispatcher(dests, xrpc.DispatcherOptions{
		Source:      cfg.XRPC.Source,
		Queue:       cfg.XRPC.Queue,
		Schema:      cfg.XRPC.Schema,
		SortFields:  cfg.XRPC.SortFields,
		ChunkBytes:  cfg.XRPC.ChunkBytes,
		Consistency: mode,
		Gate:        a.gate,
		Logger:      log,
	})
	if err != nil {
		return withCode(exitConfig, err)
	}
	player, err := xrpc.NewPlayer(xrpc.PgqQueue{Consumer: consumer}, dispatcher, dests, xrpc.PlayerOptions{
		LoopDelay:    cfg.XRPC.LoopDelay,
		MaxBackoff:   cfg.XRPC.MaxBackoff,
		SingleActive: cfg.XRPC.SingleActive,
		Once:         opts.once,
		Logger:       log,
	})
	if err != nil {
		return withCode(exitConfig, err)
	}

	log.WithField("consumer", cfg.XRPC.Consumer).Info("xrpc: player started")
	err = player.Run(ctx)
	if errors.Is(err, context.Canceled) {
		log.Info("xrpc: player stopped")
		return nil
	}
	return err
}
