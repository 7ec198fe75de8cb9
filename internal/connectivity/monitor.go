// Package connectivity tracks whether the origin is reachable and
// publishes online/offline transitions on the event bus.
package connectivity

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/juju/clock"

	"github.com/mmcdole/citypack/internal/domain"
	"github.com/mmcdole/citypack/internal/events"
	"github.com/mmcdole/citypack/internal/fetch"
)

// DefaultProbeInterval is how often the origin is probed.
const DefaultProbeInterval = 30 * time.Second

// Config wires a Monitor.
type Config struct {
	Origin   string
	Client   fetch.Doer
	Bus      *events.Bus
	Clock    clock.Clock
	Interval time.Duration
	Logger   *slog.Logger
}

// Monitor probes the origin's version endpoint. Any HTTP response counts
// as online; transport errors count as offline.
type Monitor struct {
	origin   string
	client   fetch.Doer
	bus      *events.Bus
	clock    clock.Clock
	interval time.Duration
	logger   *slog.Logger

	mu      sync.RWMutex
	online  bool
	checked bool
}

func New(cfg Config) *Monitor {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultProbeInterval
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: 5 * time.Second}
	}
	return &Monitor{
		origin:   strings.TrimRight(cfg.Origin, "/"),
		client:   cfg.Client,
		bus:      cfg.Bus,
		clock:    cfg.Clock,
		interval: cfg.Interval,
		logger:   cfg.Logger.With("component", "connectivity"),
	}
}

// Online reports the last probe result. Before the first probe it
// assumes online.
func (m *Monitor) Online() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return !m.checked || m.online
}

// Probe checks the origin once and publishes a transition if the state
// changed. The first probe publishes only when offline.
func (m *Monitor) Probe(ctx context.Context) bool {
	_, err := fetch.Get(ctx, m.client, m.origin+domain.VersionCheckPath, fetch.Internal())
	online := err == nil

	m.mu.Lock()
	prev, checked := m.online, m.checked
	m.online, m.checked = online, true
	m.mu.Unlock()

	switch {
	case checked && prev == online:
	case online && checked:
		m.logger.Info("origin reachable")
		m.bus.Publish(events.TopicOnline, nil)
	case !online:
		m.logger.Warn("origin unreachable", "error", err)
		m.bus.Publish(events.TopicOffline, nil)
	}
	return online
}

// Run probes immediately and then every interval until ctx ends.
func (m *Monitor) Run(ctx context.Context) error {
	for {
		m.Probe(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-m.clock.After(m.interval):
		}
	}
}
