// controlbus runs the command broker next to a host window: external
// scripts submit commands over HTTP, the window's agent polls for them and
// posts results back.
//
// The HTTP API only starts with --control-bus or when ENABLE_CONTROL_BUS is
// set. A positional argument names a document to open at startup.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/withmartian/ares/controlbus/internal/broker"
	"github.com/withmartian/ares/controlbus/internal/config"
	"github.com/withmartian/ares/controlbus/internal/host"
	"github.com/withmartian/ares/controlbus/internal/logging"
	"github.com/withmartian/ares/controlbus/internal/server"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	cfg, err := config.Load(args)
	if errors.Is(err, pflag.ErrHelp) {
		fmt.Fprintf(os.Stderr, "Usage: controlbus [flags] [document]\n\n%s", config.FlagSet().FlagUsages())
		return nil
	}
	if err != nil {
		return err
	}

	_, closeLog := logging.Setup(cfg.Log, os.Stderr)
	defer closeLog()

	window := &host.LogWindow{}
	ctx, stop := host.CloseOnSignal(context.Background(), window, syscall.SIGTERM, syscall.SIGINT, syscall.SIGQUIT)
	defer stop()

	if cwd, err := os.Getwd(); err == nil {
		if path, ok := host.ResolveInitialDocument(cfg.Args, cwd); ok {
			go func() {
				if err := host.NotifyInitialDocument(ctx, window, path, cfg.InitialFileDelay); err != nil && !errors.Is(err, context.Canceled) {
					slog.Warn("failed to announce initial document", "path", path, "error", err)
				}
			}()
		}
	}

	if !cfg.Enabled {
		slog.Info("control bus disabled; pass --control-bus or set " + config.EnableEnv)
		<-ctx.Done()
		return nil
	}

	b, err := broker.New(
		broker.WithPickupTimeout(cfg.PickupTimeout),
		broker.WithExecutionTimeout(cfg.ExecutionTimeout),
		broker.WithPollParams(cfg.PollIncludeParams),
	)
	if err != nil {
		return err
	}
	defer b.Close()

	slog.Info("control bus HTTP API enabled",
		"addr", cfg.Addr,
		"pickup_timeout", cfg.PickupTimeout,
		"execution_timeout", cfg.ExecutionTimeout,
	)
	slog.Debug("control bus auth token", "token", cfg.Token)

	srv := server.New(b, cfg.Token)
	srv.OnShutdown(b.Close)
	return srv.ListenAndServe(ctx, cfg.Addr)
}
