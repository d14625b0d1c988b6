package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"taskcal/internal/config"
	"taskcal/internal/deliver"
	appLog "taskcal/internal/log"
	"taskcal/internal/registry"
	"taskcal/internal/scheduler"
	"taskcal/internal/store"
	"taskcal/internal/web"
)

// daemon is everything the poll loop needs, built from config.
type daemon struct {
	store    *store.FileStore
	registry *registry.Registry
	service  *scheduler.Service
}

func newDaemon(ctx context.Context, cfg *config.Config, tm config.Timings) (*daemon, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.StorePath), 0o755); err != nil {
		return nil, fmt.Errorf("task store directory: %w", err)
	}
	st := store.NewFileStore(cfg.StorePath)

	reg, err := registry.Open(ctx, cfg.Registry.Driver, cfg.Registry.Path)
	if err != nil {
		return nil, err
	}

	client := deliver.New(cfg.InjectURL, deliver.Options{
		Timeout:    tm.RequestTimeout,
		RatePerSec: cfg.DeliveryRatePerSec,
	})

	svc := scheduler.NewService(st, client, reg, scheduler.Options{
		Poll:             tm.Poll,
		CatchUp:          tm.CatchUp,
		Grace:            tm.Grace,
		Concurrency:      cfg.DeliveryConcurrency,
		ArchiveExhausted: cfg.ArchiveExhausted,
	})

	return &daemon{store: st, registry: reg, service: svc}, nil
}

func (d *daemon) Close() {
	if err := d.registry.Close(); err != nil {
		appLog.Error("registry close failed", err)
	}
}

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler daemon and the operator HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			cfg, tm, err := loadConfig(opts)
			if err != nil {
				return err
			}
			appLog.Info("taskcal starting",
				"version", version,
				"store", cfg.StorePath,
				"inject_url", cfg.InjectURL,
				"listen", cfg.Listen,
				"registry", cfg.Registry.Driver,
			)

			d, err := newDaemon(ctx, cfg, tm)
			if err != nil {
				return err
			}
			defer d.Close()

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error { return d.service.Run(gctx) })

			if cfg.Listen != "" {
				srv := web.NewServer(cfg, d.store)
				g.Go(func() error { return srv.ListenAndServe(gctx) })
			}

			if cfg.WatchEnabled() {
				g.Go(func() error {
					err := d.store.Watch(gctx, store.DefaultWatchDebounce, d.service.Wake)
					if err != nil {
						// The loop still polls; only early wake-ups are lost.
						appLog.Warn("store watch disabled", "err", err.Error())
					}
					return nil
				})
			}

			err = g.Wait()
			appLog.Info("taskcal exiting")
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
}

func newOnceCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "once",
		Short: "Run a single poll cycle and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			cfg, tm, err := loadConfig(opts)
			if err != nil {
				return err
			}
			d, err := newDaemon(ctx, cfg, tm)
			if err != nil {
				return err
			}
			defer d.Close()

			res, err := d.service.RunCycle(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "tasks=%d due=%d delivered=%d failed=%d skipped=%d archived=%d\n",
				res.Tasks, res.Due, res.Delivered, res.Failed, res.Skipped, res.Archived)
			if res.Failed > 0 {
				return fmt.Errorf("%d deliveries failed", res.Failed)
			}
			return nil
		},
	}
}
