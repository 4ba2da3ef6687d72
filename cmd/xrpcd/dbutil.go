package main

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/iota-uz/xrpcd/pkg/configuration"
	"github.com/iota-uz/xrpcd/pkg/pgq"
	"github.com/iota-uz/xrpcd/pkg/xrpc"
)

func connectSource(ctx context.Context, cfg *configuration.Configuration) (*pgxpool.Pool, error) {
	ctx, cancel := context.WithTimeout(ctx, cfg.XRPC.ConnectTimeout)
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.Database.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("db connect failed: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("db connect failed: %w", err)
	}
	return pool, nil
}

func newDestinations(cfg *configuration.Configuration) (*xrpc.Destinations, error) {
	return xrpc.NewDestinations(cfg.XRPC.DSNTemplate, xrpc.DestinationsOptions{
		Driver:  cfg.XRPC.DestinationDriver,
		MaxIdle: cfg.XRPC.DestinationMaxIdle,
	})
}

func newConsumer(pool *pgxpool.Pool, a *app) (*pgq.Consumer, error) {
	return pgq.NewConsumer(pool, a.cfg.XRPC.Queue, a.cfg.XRPC.Consumer, pgq.ConsumerOptions{
		Logger: a.entry("pgq"),
	})
}
