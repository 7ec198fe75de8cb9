package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/juju/clock"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mmcdole/citypack/internal/catalog"
	"github.com/mmcdole/citypack/internal/channel"
	"github.com/mmcdole/citypack/internal/config"
	"github.com/mmcdole/citypack/internal/connectivity"
	"github.com/mmcdole/citypack/internal/discover"
	"github.com/mmcdole/citypack/internal/events"
	"github.com/mmcdole/citypack/internal/outbox"
	"github.com/mmcdole/citypack/internal/store"
	"github.com/mmcdole/citypack/internal/syncer"
	"github.com/mmcdole/citypack/internal/updates"
	"github.com/mmcdole/citypack/internal/worker"
)

// app holds the client-side components of one CLI invocation.
type app struct {
	cfg    *config.Config
	origin string
	logger *slog.Logger
	out    io.Writer

	client   *http.Client
	store    *store.Store
	bus      *events.Bus
	metrics  *prometheus.Registry
	registry *worker.Registry
	engine   *syncer.Engine
	queue    *outbox.Queue
	checker  *updates.Checker
	monitor  *connectivity.Monitor
	catalog  *catalog.Catalog
}

func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger, out io.Writer) (*app, error) {
	st, err := store.Open(cfg.StorePath())
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	origin := strings.TrimRight(cfg.Server.Origin, "/")
	client := &http.Client{Timeout: 30 * time.Second}
	bus := events.NewBus(logger)
	promReg := prometheus.NewRegistry()

	registry := worker.NewRegistry(worker.Deps{
		Storage:             st,
		Tags:                st,
		Client:              client,
		Bus:                 bus,
		Metrics:             worker.NewMetrics(promReg),
		Clock:               clock.WallClock,
		Logger:              logger,
		DownloadConcurrency: cfg.Cache.DownloadConcurrency,
	})

	discoverer, err := discover.New(origin, client, cfg.Cache.MaxAssets, logger)
	if err != nil {
		st.Close()
		return nil, err
	}

	queue := outbox.NewQueue(st, outbox.Policy{
		MinDelay:    cfg.Outbox.MinDelay,
		MaxDelay:    cfg.Outbox.MaxDelay,
		MaxAttempts: cfg.Outbox.MaxAttempts,
	}, clock.WallClock, logger)

	engine := syncer.New(syncer.Config{
		Origin:        origin,
		Discoverer:    discoverer,
		Storage:       st,
		Meta:          st,
		Workers:       registry,
		Client:        client,
		Bus:           bus,
		SchemaVersion: cfg.Cache.SchemaVersion,
		OnSyncFailed:  syncer.RetryOnFailure(queue, registry, logger),
		Logger:        logger,
	})

	monitor := connectivity.New(connectivity.Config{
		Origin:   origin,
		Bus:      bus,
		Interval: cfg.Connectivity.ProbeInterval,
		Logger:   logger,
	})

	a := &app{
		cfg:      cfg,
		origin:   origin,
		logger:   logger,
		out:      out,
		client:   client,
		store:    st,
		bus:      bus,
		metrics:  promReg,
		registry: registry,
		engine:   engine,
		queue:    queue,
		monitor:  monitor,
		catalog:  catalog.MustLoad(),
	}
	a.checker = updates.New(updates.Config{
		Origin: origin,
		Client: client,
		Meta:   st,
		Sync:   a.retrySync,
		Bus:    bus,
		Online: monitor.Online,
		Logger: logger,
	})

	registry.OnNotification(func(env channel.Envelope) {
		go engine.HandleNotification(ctx, env)
	})
	return a, nil
}

func (a *app) Close() {
	a.registry.Close()
	if err := a.store.Close(); err != nil {
		a.logger.Warn("failed to close store", "error", err)
	}
}

// retrySync syncs without queueing another retry on failure.
func (a *app) retrySync(ctx context.Context, id string) error {
	return a.engine.Sync(ctx, id, syncer.WithOnSyncFailed(nil))
}

// restoreWorkers re-registers the workers of downloaded cities, the way
// registrations outlive page loads.
func (a *app) restoreWorkers(ctx context.Context) {
	meta, err := a.engine.Downloaded()
	if err != nil {
		a.logger.Warn("failed to read downloaded cities", "error", err)
		return
	}
	for _, id := range meta.DownloadedIDs {
		if _, err := a.registry.RegisterCity(ctx, a.origin, id, a.cfg.Cache.SchemaVersion); err != nil {
			a.logger.Warn("failed to restore worker", "slug", id, "error", err)
		}
	}
}

// registerGlobal installs the app-scope worker, which precaches the
// shell and the core cities.
func (a *app) registerGlobal(ctx context.Context) error {
	cfg, err := worker.GlobalConfig(a.origin)
	if err != nil {
		return err
	}
	_, err = a.registry.Register(ctx, cfg)
	return err
}
