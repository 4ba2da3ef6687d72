package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/iota-uz/xrpcd/pkg/configuration"
	"github.com/iota-uz/xrpcd/pkg/logging"
)

type rootOptions struct {
	configFile string
	envFiles   []string
}

func newRootCmd() *cobra.Command {
	var opts rootOptions

	cmd := &cobra.Command{
		Use:           "xrpcd",
		Short:         "Replays queued remote procedure calls on destination databases",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&opts.configFile, "config", "", "Config file (.toml, .yaml); keys are environment variable names")
	cmd.PersistentFlags().StringSliceVar(&opts.envFiles, "env-file", configuration.DefaultEnvFiles, "Env files loaded when present")

	cmd.AddCommand(newInstallCmd(&opts))
	cmd.AddCommand(newPlayCmd(&opts))
	cmd.AddCommand(newTickCmd(&opts))
	cmd.AddCommand(newCallCmd(&opts))
	return cmd
}

func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(exitCode(err))
	}
}

type app struct {
	cfg    *configuration.Configuration
	logger *logrus.Logger
	router *logging.Router
	gate   *logging.Gate
}

func (o *rootOptions) setup(daemon bool) (*app, error) {
	cfg, err := configuration.Load(configuration.LoadOptions{
		EnvFiles:   o.envFiles,
		ConfigFile: o.configFile,
	})
	if err != nil {
		return nil, withCode(exitConfig, err)
	}
	if daemon {
		cfg.XRPC.Daemon = true
	}

	logger, router, err := logging.New(logging.Options{
		Level:        cfg.LogrusLogLevel(),
		LogPath:      cfg.LogPath,
		ErrorLogPath: cfg.ErrorLogPath,
	})
	if err != nil {
		return nil, withCode(exitConfig, err)
	}

	return &app{
		cfg:    cfg,
		logger: logger,
		router: router,
		gate:   logging.NewGate(router, cfg.XRPC.Daemon),
	}, nil
}

func (a *app) entry(component string) *logrus.Entry {
	return a.logger.WithFields(logrus.Fields{
		"component": component,
		"queue":     a.cfg.XRPC.Queue,
	})
}

func (a *app) close() {
	if err := a.router.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to close log sinks: %v\n", err)
	}
}
