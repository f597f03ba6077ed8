package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/vani-protocol/vani-gateway/pkg/backends"
	"github.com/vani-protocol/vani-gateway/pkg/core"
	"github.com/vani-protocol/vani-gateway/pkg/gateway/audit"
	"github.com/vani-protocol/vani-gateway/pkg/gateway/config"
	"github.com/vani-protocol/vani-gateway/pkg/gateway/registry"
	gatewayserver "github.com/vani-protocol/vani-gateway/pkg/gateway/server"
)

type serveDeps struct {
	signalNotify func(chan<- os.Signal, ...os.Signal)
	signalStop   func(chan<- os.Signal)
}

func defaultServeDeps() serveDeps {
	return serveDeps{
		signalNotify: func(c chan<- os.Signal, sig ...os.Signal) {
			signal.Notify(c, sig...)
		},
		signalStop: signal.Stop,
	}
}

func newServeCmd(opts *globalOptions) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Addr = addr
			}
			logger := newLogger(cmd.ErrOrStderr(), cfg.LogLevel, cfg.LogFormat)
			return runServe(cmd.Context(), cfg, logger, defaultServeDeps())
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default $VANI_ADDR)")
	return cmd
}

// buildRegistry loads the catalog and constructs every backend it declares.
func buildRegistry(cfg config.Config) (*registry.Registry, error) {
	cat, err := registry.LoadCatalog(cfg.CatalogFile)
	if err != nil {
		return nil, err
	}
	reg := registry.New()
	factory := backends.Factory{Client: gatewayserver.NewBackendClient(cfg)}
	if err := cat.Apply(reg, factory.Build); err != nil {
		return nil, fmt.Errorf("catalog %s: %w", cfg.CatalogFile, err)
	}
	return reg, nil
}

func runServe(ctx context.Context, cfg config.Config, logger *slog.Logger, deps serveDeps) error {
	if deps.signalNotify == nil || deps.signalStop == nil {
		return errors.New("missing signal dependency")
	}

	reg, err := buildRegistry(cfg)
	if err != nil {
		return err
	}

	var sink core.AnomalySink = audit.LogSink{Logger: logger}
	var recorder *audit.Recorder
	if cfg.AuditDBPath != "" {
		store, err := audit.Open(cfg.AuditDBPath)
		if err != nil {
			return err
		}
		defer store.Close()
		recorder = audit.NewRecorder(store, audit.RecorderConfig{
			BufferSize:    cfg.AuditBufferSize,
			FlushInterval: cfg.AuditFlushInterval,
			Logger:        logger,
		})
		sink = recorder
	}

	gw := gatewayserver.New(cfg, reg, sink, logger)
	httpSrv := gw.HTTPServer()

	bgCtx, bgCancel := context.WithCancel(context.Background())
	defer bgCancel()
	g, gctx := errgroup.WithContext(bgCtx)
	g.Go(func() error { return gw.RunReaper(gctx) })
	g.Go(func() error {
		return reg.RunProber(gctx, registry.ProberConfig{
			Interval: cfg.ProbeInterval,
			Logger:   logger,
			OnResult: gw.Metrics().RecordProbe,
		})
	})
	if recorder != nil {
		g.Go(func() error { return recorder.Run(gctx) })
	}

	logger.Info("starting gateway",
		"addr", cfg.Addr,
		"auth_mode", cfg.AuthMode,
		"catalog", cfg.CatalogFile,
		"backends", len(reg.Snapshot().All()),
		"audit_db", cfg.AuditDBPath != "",
	)

	listenErrCh := make(chan error, 1)
	go func() {
		err := httpSrv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			listenErrCh <- err
			return
		}
		listenErrCh <- nil
	}()

	sigCh := make(chan os.Signal, 1)
	deps.signalNotify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer deps.signalStop(sigCh)

	select {
	case err := <-listenErrCh:
		bgCancel()
		_ = g.Wait()
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
		logger.Info("context canceled, shutting down")
	case <-gctx.Done():
		logger.Error("background task failed, shutting down", "error", context.Cause(gctx))
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "signal", sig.String())
	}

	gw.SetDraining()
	warned := gw.WarnLiveSessionsDraining()
	logger.Info("draining", "live_sessions", warned)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", "error", err)
	}

	// Hijacked connections are not tracked by Shutdown.
	waitCtx, waitCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer waitCancel()
	if !gw.WaitLiveSessions(waitCtx) {
		logger.Warn("grace period elapsed, canceling live sessions", "canceled", gw.CancelLiveSessions())
	}

	bgCancel()
	bgErr := g.Wait()
	if err := <-listenErrCh; err != nil {
		return fmt.Errorf("serve: %w", err)
	}
	if bgErr != nil {
		return fmt.Errorf("background task: %w", bgErr)
	}
	if recorder != nil && recorder.Dropped() > 0 {
		logger.Warn("anomalies dropped during run", "count", recorder.Dropped())
	}
	logger.Info("gateway stopped")
	return nil
}
