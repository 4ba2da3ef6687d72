package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/iota-uz/xrpcd/pkg/pgq"
	"github.com/iota-uz/xrpcd/pkg/xrpc"
)

type callOptions struct {
	destination string
	procedure   string
	args        string
	eventType   string
}

func newCallCmd(root *rootOptions) *cobra.Command {
	var opts callOptions

	cmd := &cobra.Command{
		Use:   "call",
		Short: "Enqueue one remote call",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCall(cmd.Context(), root, opts)
		},
	}
	cmd.Flags().StringVar(&opts.destination, "destination", "", "Destination database id (required)")
	cmd.Flags().StringVar(&opts.procedure, "func", "", "Procedure to call on the destination (required)")
	cmd.Flags().StringVar(&opts.args, "args", "", `Call arguments in hstore text form, e.g. '"user_id"=>"1"'`)
	cmd.Flags().StringVar(&opts.eventType, "type", "xrpc", "Event type")

	_ = cmd.MarkFlagRequired("destination")
	_ = cmd.MarkFlagRequired("func")
	return cmd
}

// newCallEvent validates args by decoding them the way the player will.
func newCallEvent(source string, opts callOptions) (pgq.NewEvent, error) {
	if strings.TrimSpace(opts.destination) == "" || strings.TrimSpace(opts.procedure) == "" {
		return pgq.NewEvent{}, errors.New("--destination and --func are required")
	}
	raw := opts.args
	call := xrpc.Decode(xrpc.Event{Destination: opts.destination, Procedure: opts.procedure, RawArgs: &raw}, nil)
	if call.Args.Failed() {
		return pgq.NewEvent{}, fmt.Errorf("invalid --args: %w", call.Args.Err())
	}

	ev := pgq.NewEvent{
		Type:   opts.eventType,
		Extra1: &opts.destination,
		Extra2: &opts.procedure,
		Extra3: &raw,
	}
	if source != "" {
		ev.Extra4 = &source
	}
	return ev, nil
}

func runCall(ctx context.Context, root *rootOptions, opts callOptions) error {
	a, err := root.setup(false)
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.cfg.ValidateQueue(); err != nil {
		return withCode(exitConfig, err)
	}

	ev, err := newCallEvent(a.cfg.XRPC.Source, opts)
	if err != nil {
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
	id, err := consumer.InsertEvent(ctx, ev)
	if err != nil {
		return withCode(exitDB, err)
	}
	a.entry("call").WithFields(map[string]any{
		"event_id":    id,
		"destination": opts.destination,
		"func":        opts.procedure,
	}).Info("xrpc: call enqueued")
	return nil
}
