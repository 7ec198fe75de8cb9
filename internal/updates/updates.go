// Package updates detects newer content for downloaded cities.
package updates

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mmcdole/citypack/internal/domain"
	"github.com/mmcdole/citypack/internal/events"
	"github.com/mmcdole/citypack/internal/fetch"
)

// Candidate is a downloaded city with newer content on the server.
type Candidate struct {
	ID          string
	Name        string
	LastUpdated string
}

// SyncFunc re-downloads a city.
type SyncFunc func(ctx context.Context, id string) error

// Config wires a Checker.
type Config struct {
	Origin string
	Client fetch.Doer
	Meta   domain.MetaStore
	Sync   SyncFunc
	Bus    *events.Bus
	// Online reports current connectivity. Nil means always online.
	Online func() bool
	Logger *slog.Logger
}

// Checker polls the version manifest and tracks pending updates.
type Checker struct {
	origin string
	client fetch.Doer
	meta   domain.MetaStore
	sync   SyncFunc
	bus    *events.Bus
	online func() bool
	logger *slog.Logger

	mu      sync.Mutex
	pending []Candidate
	server  map[string]domain.VersionInfo
}

func New(cfg Config) *Checker {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Online == nil {
		cfg.Online = func() bool { return true }
	}
	return &Checker{
		origin: strings.TrimRight(cfg.Origin, "/"),
		client: cfg.Client,
		meta:   cfg.Meta,
		sync:   cfg.Sync,
		bus:    cfg.Bus,
		online: cfg.Online,
		logger: cfg.Logger.With("component", "updates"),
	}
}

// Check fetches the version manifest and recomputes the pending list.
func (c *Checker) Check(ctx context.Context) ([]Candidate, error) {
	versions, err := c.fetchVersions(ctx)
	if err != nil {
		return nil, err
	}

	meta, err := c.meta.PackMeta()
	if err != nil {
		return nil, fmt.Errorf("failed to read pack metadata: %w", err)
	}

	var candidates []Candidate
	for _, id := range meta.DownloadedIDs {
		local, ok := meta.LastUpdated[id]
		if !ok || local == "" {
			continue
		}
		remote, ok := versions[id]
		if !ok {
			continue
		}
		if Newer(remote.LastUpdated, local) {
			candidates = append(candidates, Candidate{ID: id, Name: remote.Name, LastUpdated: remote.LastUpdated})
		}
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].ID < candidates[j].ID })

	c.mu.Lock()
	c.pending = candidates
	c.server = versions
	c.mu.Unlock()

	if len(candidates) > 0 {
		c.logger.Info("updates available", "count", len(candidates))
	}
	return append([]Candidate(nil), candidates...), nil
}

func (c *Checker) fetchVersions(ctx context.Context) (map[string]domain.VersionInfo, error) {
	resp, err := fetch.Get(ctx, c.client, c.origin+domain.VersionCheckPath)
	if err != nil {
		return nil, fmt.Errorf("version check failed: %w", err)
	}
	if !resp.OK() {
		return nil, fmt.Errorf("version check failed: status %d", resp.Status)
	}
	var versions map[string]domain.VersionInfo
	if err := json.Unmarshal(resp.Body, &versions); err != nil {
		return nil, fmt.Errorf("failed to decode version check: %w", err)
	}
	return versions, nil
}

// Pending returns the result of the last check, minus applied or
// dismissed entries.
func (c *Checker) Pending() []Candidate {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Candidate(nil), c.pending...)
}

// Apply re-syncs id. On success it leaves the pending list and the local
// record is at least the server's timestamp from the last check.
func (c *Checker) Apply(ctx context.Context, id string) error {
	if c.sync == nil {
		return fmt.Errorf("no sync configured")
	}
	if err := c.sync(ctx, id); err != nil {
		return fmt.Errorf("update %s: %w", id, err)
	}

	c.mu.Lock()
	remote, known := c.server[id]
	for i, cand := range c.pending {
		if cand.ID == id {
			c.pending = append(c.pending[:i:i], c.pending[i+1:]...)
			break
		}
	}
	c.mu.Unlock()

	if !known || remote.LastUpdated == "" {
		return nil
	}
	meta, err := c.meta.PackMeta()
	if err != nil {
		return fmt.Errorf("failed to read pack metadata: %w", err)
	}
	// The sync may have recorded a newer timestamp than the last check saw.
	if local := meta.LastUpdated[id]; local != "" && !Newer(remote.LastUpdated, local) {
		return nil
	}
	if err := c.meta.MarkDownloaded(id, remote.LastUpdated); err != nil {
		return fmt.Errorf("failed to record update: %w", err)
	}
	return nil
}

// ApplyAll applies every pending update and returns the first error.
func (c *Checker) ApplyAll(ctx context.Context) error {
	var firstErr error
	for _, cand := range c.Pending() {
		if err := c.Apply(ctx, cand.ID); err != nil {
			c.logger.Warn("update failed", "id", cand.ID, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// Dismiss clears the pending list until the next check.
func (c *Checker) Dismiss() {
	c.mu.Lock()
	c.pending = nil
	c.mu.Unlock()
}

// Run checks once if online and again on every online transition, until
// ctx ends.
func (c *Checker) Run(ctx context.Context) error {
	online := make(chan struct{}, 1)
	unsub := c.bus.Subscribe(events.TopicOnline, func(string, interface{}) {
		select {
		case online <- struct{}{}:
		default:
		}
	})
	defer unsub()

	if c.online() {
		c.checkLogged(ctx)
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-online:
			c.checkLogged(ctx)
		}
	}
}

func (c *Checker) checkLogged(ctx context.Context) {
	if _, err := c.Check(ctx); err != nil {
		c.logger.Warn("update check failed", "error", err)
	}
}

// Newer reports whether remote is strictly newer than local. Timestamps
// are compared as RFC 3339 times when both parse, otherwise as strings.
func Newer(remote, local string) bool {
	rt, rerr := time.Parse(time.RFC3339, remote)
	lt, lerr := time.Parse(time.RFC3339, local)
	if rerr == nil && lerr == nil {
		return rt.After(lt)
	}
	return remote > local
}
