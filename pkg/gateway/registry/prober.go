package registry

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vani-protocol/vani-gateway/pkg/core"
)

type ProberConfig struct {
	Interval    time.Duration
	Timeout     time.Duration
	Concurrency int
	Logger      *slog.Logger
	// OnResult is called after every probe.
	OnResult func(id string, reachable bool, latency time.Duration)
}

// ProbeOnce pings every backend that implements core.Pinger and records reachability.
func (r *Registry) ProbeOnce(ctx context.Context, cfg ProberConfig) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	limit := cfg.Concurrency
	if limit <= 0 {
		limit = 4
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for _, b := range r.Snapshot().All() {
		pinger, ok := b.(core.Pinger)
		if !ok {
			continue
		}
		id := b.Describe().ID
		g.Go(func() error {
			pctx, cancel := context.WithTimeout(gctx, timeout)
			defer cancel()
			start := time.Now()
			err := pinger.Ping(pctx)
			latency := time.Since(start)
			if gctx.Err() != nil {
				return nil
			}
			reachable := err == nil
			if !reachable {
				logger.Warn("backend probe failed", "backend", id, "error", err)
			}
			r.SetReachable(id, reachable)
			if cfg.OnResult != nil {
				cfg.OnResult(id, reachable, latency)
			}
			return nil
		})
	}
	_ = g.Wait()
}

// RunProber probes immediately and then every interval until ctx is done.
func (r *Registry) RunProber(ctx context.Context, cfg ProberConfig) error {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	r.ProbeOnce(ctx, cfg)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.ProbeOnce(ctx, cfg)
		}
	}
}
