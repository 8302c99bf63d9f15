// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"

	"github.com/hxrts/aura-sub026/cmd/aura-node/cli"
	"github.com/hxrts/aura-sub026/lib/version"
	"github.com/hxrts/aura-sub026/node"
)

type runParams struct {
	configFlags
	LogLevel    string
	LogFormat   string
	MetricsAddr string
}

func runCommand() *cli.Command {
	var params runParams

	return &cli.Command{
		Name:    "run",
		Summary: "Run an enrolled device until interrupted",
		Description: `Start the device in the configured state directory: open the
ledger, listen for peers, announce on the LAN, take part in consensus
and anti-entropy, and instigate consensus for queued intents.

SIGINT or SIGTERM stops the device cleanly.`,
		Usage: "aura-node run [--config FILE] [--state-dir DIR] [flags]",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("run", pflag.ContinueOnError)
			params.configFlags.register(flagSet)
			flagSet.StringVar(&params.LogLevel, "log-level", "info", "debug, info, warn or error")
			flagSet.StringVar(&params.LogFormat, "log-format", string(cli.LogAuto), "auto, text or json")
			flagSet.StringVar(&params.MetricsAddr, "metrics-addr", "", "serve Prometheus metrics on this host:port")
			return flagSet
		},
		Run: func(args []string) error {
			if len(args) > 0 {
				return fmt.Errorf("unexpected argument %q", args[0])
			}
			level, err := cli.ParseLevel(params.LogLevel)
			if err != nil {
				return err
			}
			logger, err := cli.NewLogger(os.Stderr, cli.LogFormat(params.LogFormat), level)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runNode(ctx, params, logger)
		},
	}
}

func runNode(ctx context.Context, params runParams, logger *slog.Logger) error {
	cfg, err := params.load()
	if err != nil {
		return err
	}
	if err := cfg.EnsurePaths(); err != nil {
		return err
	}
	enrollment, err := node.LoadEnrollment(cfg.Storage.StateDir)
	if err != nil {
		return err
	}
	defer enrollment.Close()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	n, err := node.New(ctx, node.Options{
		Config:     cfg,
		Enrollment: enrollment,
		Logger:     logger,
		Registerer: registry,
	})
	if err != nil {
		return err
	}

	if params.MetricsAddr != "" {
		stopMetrics, err := serveMetrics(params.MetricsAddr, registry, logger)
		if err != nil {
			n.Close()
			return err
		}
		defer stopMetrics()
	}

	self := enrollment.Profile.Self()
	logger.Info("device starting",
		"name", self.Name,
		"device", self.Device,
		"account", enrollment.Profile.Account(),
		"address", n.Address(),
		"version", version.Short(),
	)
	err = n.Run(ctx)
	logger.Info("device stopped")
	return err
}

// serveMetrics exposes registry over HTTP until the returned function
// is called.
func serveMetrics(address string, registry *prometheus.Registry, logger *slog.Logger) (func(), error) {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("metrics listener: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))
	server := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "error", err)
		}
	}()
	logger.Info("serving metrics", "address", listener.Addr().String())
	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}, nil
}
