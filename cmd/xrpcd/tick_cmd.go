package main

import (
	"context"

	"github.com/spf13/cobra"
)

type tickOptions struct {
	runTicker bool
}

func newTickCmd(root *rootOptions) *cobra.Command {
	var opts tickOptions

	cmd := &cobra.Command{
		Use:   "tick",
		Short: "Force a tick on the configured queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTick(cmd.Context(), root, opts)
		},
	}
	cmd.Flags().BoolVar(&opts.runTicker, "run-ticker", false, "Also run one ticker pass instead of waiting for pgqd")
	return cmd
}

func runTick(ctx context.Context, root *rootOptions, opts tickOptions) error {
	a, err := root.setup(false)
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.cfg.ValidateQueue(); err != nil {
		return withCode(exitConfig, err)
	}

	pool, err := connectSource(ctx, a.cfg)
	if err != nil {
		return withCode(exitDB, err)
	}
	defer pool.Close()

	consumer, err := newConsumer(pool, a)
	if err != nil {
		return withCode(exitConfig, err)
	}

	log := a.entry("tick")
	last, err := consumer.ForceTick(ctx)
	if err != nil {
		return withCode(exitDB, err)
	}
	log.WithField("last_tick_id", last).Info("xrpc: tick forced")

	if opts.runTicker {
		tick, err := consumer.Ticker(ctx)
		if err != nil {
			return withCode(exitDB, err)
		}
		log.WithField("tick_id", tick).Info("xrpc: ticker ran")
	}
	return nil
}
