package main

import (
	"context"
	"database/sql"

	"github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/cobra"

	"github.com/iota-uz/xrpcd/pkg/xrpc"
)

type installOptions struct {
	destination string
}

func newInstallCmd(root *rootOptions) *cobra.Command {
	var opts installOptions

	cmd := &cobra.Command{
		Use:   "install",
		Short: "Install xrpc functions and tables into the source or a destination database",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInstall(cmd.Context(), root, opts)
		},
	}
	cmd.Flags().StringVar(&opts.destination, "destination", "", "Install into this destination instead of the source database")
	return cmd
}

func runInstall(ctx context.Context, root *rootOptions, opts installOptions) error {
	a, err := root.setup(false)
	if err != nil {
		return err
	}
	defer a.close()

	cfg := a.cfg
	if err := cfg.ValidateInstall(opts.destination); err != nil {
		return withCode(exitConfig, err)
	}

	log := a.entry("install")
	params := xrpc.InstallParams{
		Schema:          cfg.XRPC.Schema,
		CurrentDatabase: cfg.XRPC.ProviderDBName,
	}

	var db *sql.DB
	if opts.destination == "" {
		params.Queue = cfg.XRPC.Queue

		pool, err := connectSource(ctx, cfg)
		if err != nil {
			return withCode(exitDB, err)
		}
		defer pool.Close()

		db = stdlib.OpenDBFromPool(pool)
		defer func() { _ = db.Close() }()
	} else {
		dests, err := newDestinations(cfg)
		if err != nil {
			return withCode(exitConfig, err)
		}
		defer func() { _ = dests.Close() }()

		db, err = dests.DB(opts.destination)
		if err != nil {
			return withCode(exitDB, err)
		}
		log = log.WithField("destination", opts.destination)
	}

	if err := xrpc.Install(ctx, db, params, log); err != nil {
		log.WithError(err).Error("xrpc: got error while installing schema, functions and tables")
		return withCode(exitDB, err)
	}
	return nil
}
