// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

//go:build linux

// Command fiberecho is a TCP echo server running every connection as a fiber
// on an io manager, with blocking-style socket calls made through the hook
// package.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joeycumines/go-fiberio/config"
	"github.com/joeycumines/go-fiberio/fiberlog"
	"github.com/joeycumines/go-fiberio/hook"
	"github.com/joeycumines/go-fiberio/iomanager"
	"github.com/joeycumines/go-fiberio/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "fiberecho:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var path string
	d := config.Default()
	root := &cobra.Command{
		Use:           "fiberecho",
		Short:         "TCP echo server built on fibers and hooked syscalls",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig(cmd, path)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg, cmd.ErrOrStderr())
		},
	}

	f := root.Flags()
	f.StringVarP(&path, "config", "c", "", "Config file (.toml, .yaml, .yml or .json), flags override it")
	f.String("listen", d.Listen, "Echo listen address")
	f.String("metrics-addr", d.MetricsAddr, "Metrics listen address, empty disables")
	f.Int("threads", d.Threads, "IO manager worker threads")
	f.Int("max-poll-timeout-ms", d.MaxPollTimeoutMS, "Upper bound of a single epoll wait")
	f.Int("read-timeout-ms", d.ReadTimeoutMS, "Close connections idle for this long, 0 disables")
	f.String("log-level", d.LogLevel, "Log level: trace|debug|info|notice|warn|error|crit|off")
	f.String("log-format", d.LogFormat, "Log format: json|zerolog")
	f.String("namespace", d.Namespace, "Prometheus metric namespace")
	return root
}

// resolveConfig loads path (if any) then applies explicitly set flags.
func resolveConfig(cmd *cobra.Command, path string) (config.Config, error) {
	cfg := config.Default()
	if path != "" {
		var err error
		if cfg, err = config.Load(path); err != nil {
			return cfg, err
		}
	}

	f := cmd.Flags()
	var err error
	for name, dst := range map[string]*string{
		"listen":       &cfg.Listen,
		"metrics-addr": &cfg.MetricsAddr,
		"log-level":    &cfg.LogLevel,
		"log-format":   &cfg.LogFormat,
		"namespace":    &cfg.Namespace,
	} {
		if f.Changed(name) && err == nil {
			*dst, err = f.GetString(name)
		}
	}
	for name, dst := range map[string]*int{
		"threads":             &cfg.Threads,
		"max-poll-timeout-ms": &cfg.MaxPollTimeoutMS,
		"read-timeout-ms":     &cfg.ReadTimeoutMS,
	} {
		if f.Changed(name) && err == nil {
			*dst, err = f.GetInt(name)
		}
	}
	if err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

func newLogger(cfg config.Config, w io.Writer) *fiberlog.Logger {
	level, _ := fiberlog.ParseLevel(cfg.LogLevel)
	if cfg.LogFormat == config.FormatZerolog {
		return fiberlog.NewZerolog(zerolog.New(w).With().Timestamp().Logger(), level)
	}
	return fiberlog.NewJSON(w, level)
}

// run serves until ctx is canceled, then drains every connection.
func run(ctx context.Context, cfg config.Config, logOut io.Writer) error {
	logger := newLogger(cfg, logOut)
	fiberlog.SetDefault(logger)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	mt := metrics.New(cfg.Namespace)
	if err := mt.Register(reg); err != nil {
		return err
	}

	lfd, err := listen(cfg.Listen)
	if err != nil {
		return err
	}

	iom, err := iomanager.New(cfg.Threads, false, "fiberecho",
		iomanager.WithLogger(logger),
		iomanager.WithMetrics(mt),
		iomanager.WithMaxPollTimeout(time.Duration(cfg.MaxPollTimeoutMS)*time.Millisecond),
	)
	if err != nil {
		_ = hook.Close(lfd)
		return err
	}

	srv := newServer(iom, logger, lfd, time.Duration(cfg.ReadTimeoutMS)*time.Millisecond, cfg.Namespace)
	reg.MustRegister(srv.collectors()...)
	if err := srv.start(); err != nil {
		_ = hook.Close(lfd)
		return errors.Join(err, iom.Close())
	}
	logger.Info().
		Str(`listen`, cfg.Listen).
		Str(`metrics_addr`, cfg.MetricsAddr).
		Int(`threads`, cfg.Threads).
		Log(`fiberecho started`)

	g, gctx := errgroup.WithContext(ctx)
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		hs := &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		g.Go(func() error {
			if err := hs.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return hs.Shutdown(sctx)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Log(`fiberecho shutting down`)
		srv.shutdown()
		<-srv.done
		return nil
	})

	err = g.Wait()
	return errors.Join(err, iom.Close())
}
