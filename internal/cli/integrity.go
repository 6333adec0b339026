// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-devicevault.
//
// go-devicevault is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/jeremyhahn/go-devicevault/pkg/adapters/logger"
	"github.com/jeremyhahn/go-devicevault/pkg/integrity"
	"github.com/jeremyhahn/go-devicevault/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// ErrCompromised is returned by integrity scan when a finding marks the
// device compromised.
var ErrCompromised = errors.New("device integrity compromised")

func newIntegrityCommand(opts *Options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "integrity",
		Short: "Runtime integrity checks",
	}
	cmd.AddCommand(newIntegrityScanCommand(opts), newIntegrityWatchCommand(opts))
	return cmd
}

func newIntegrityScanCommand(opts *Options) *cobra.Command {
	return &cobra.Command{
		Use:   "scan",
		Short: "Run every integrity detector once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withVault(cmd, opts, func(ctx context.Context, v *vault) error {
				report, err := v.svc.ScanIntegrity(ctx)
				if err != nil {
					return err
				}
				if err := printerFor(cmd, opts).PrintScan(report); err != nil {
					return err
				}
				if report.Compromised() {
					return ErrCompromised
				}
				return nil
			})
		},
	}
}

func newIntegrityWatchCommand(opts *Options) *cobra.Command {
	var (
		metricsAddr string
		duration    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Scan periodically until interrupted",
		Long: `Run the integrity monitor in the foreground. With --metrics-addr the
Prometheus metrics are served on that address while watching.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withVault(cmd, opts, func(ctx context.Context, v *vault) error {
				addr := metricsAddr
				if addr == "" && v.cfg.Metrics.Enabled {
					addr = v.cfg.Metrics.Addr
				}
				if duration > 0 {
					var cancel context.CancelFunc
					ctx, cancel = context.WithTimeout(ctx, duration)
					defer cancel()
				}
				if err := watch(ctx, v, addr); err != nil {
					return err
				}
				report, ok := v.svc.LastScan()
				if !ok {
					return printerFor(cmd, opts).PrintSuccess("No scan completed")
				}
				return printerFor(cmd, opts).PrintScan(report)
			})
		},
	}
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address (host:port)")
	cmd.Flags().DurationVar(&duration, "duration", 0, "stop after this long (0 runs until interrupted)")
	return cmd
}

// watch runs the monitor, and the metrics endpoint when addr is set,
// until ctx is done.
func watch(ctx context.Context, v *vault, addr string) error {
	if err := v.svc.StartMonitor(ctx); err != nil {
		return err
	}
	defer v.svc.StopMonitor()

	interval := v.cfg.Integrity.Interval
	if interval <= 0 {
		interval = integrity.DefaultInterval
	}
	collector := metrics.StartResourceCollector(ctx, interval)
	defer collector.Stop()

	g, ctx := errgroup.WithContext(ctx)
	if addr != "" {
		srv, ln, err := metricsServer(addr, v.cfg.Metrics.Path)
		if err != nil {
			return err
		}
		v.log.Info("Starting metrics server",
			logger.String("address", ln.Addr().String()),
			logger.String("path", v.cfg.Metrics.Path))
		g.Go(func() error {
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}
	g.Go(func() error {
		<-ctx.Done()
		return nil
	})
	return g.Wait()
}

func metricsServer(addr, path string) (*http.Server, net.Listener, error) {
	if path == "" {
		path = "/metrics"
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, nil, fmt.Errorf("metrics server: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle(path, promhttp.Handler())
	return &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}, ln, nil
}
