// Package discover builds the complete offline asset set of a city.
package discover

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/mmcdole/citypack/internal/domain"
	"github.com/mmcdole/citypack/internal/fetch"
)

// DefaultMaxAssets bounds the URL list of one city.
const DefaultMaxAssets = 256

// AssetSet is the ordered URL list of a city plus the phase-1 responses
// fetched while discovering it.
type AssetSet struct {
	Slug        string
	DocumentURL string
	DataURL     string
	ManifestURL string
	DownloadURL string

	// URLs starts with DocumentURL and DataURL, has no duplicates and
	// holds at most the configured budget of discovered URLs.
	URLs []string

	Document    *domain.StoredResponse
	Data        *domain.StoredResponse
	LastUpdated string

	// Dropped counts discovered URLs cut by the budget.
	Dropped int
}

// Remaining returns the URLs after the two phase-1 entries.
func (a *AssetSet) Remaining() []string {
	if len(a.URLs) <= 2 {
		return nil
	}
	return a.URLs[2:]
}

// Discoverer resolves city slugs to asset sets against one origin.
type Discoverer struct {
	origin    *url.URL
	client    fetch.Doer
	maxAssets int
	logger    *slog.Logger
}

// New creates a Discoverer. maxAssets <= 0 selects DefaultMaxAssets.
func New(origin string, client fetch.Doer, maxAssets int, logger *slog.Logger) (*Discoverer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	u, err := url.Parse(origin)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("invalid origin %q", origin)
	}
	if maxAssets <= 0 {
		maxAssets = DefaultMaxAssets
	}
	return &Discoverer{
		origin:    &url.URL{Scheme: u.Scheme, Host: u.Host},
		client:    client,
		maxAssets: maxAssets,
		logger:    logger,
	}, nil
}

// Origin returns the scheme://host the discoverer resolves against.
func (d *Discoverer) Origin() string {
	return d.origin.String()
}

func (d *Discoverer) abs(path string) string {
	return d.origin.String() + path
}

// Discover fetches the city document and data concurrently and collects
// every URL they reference.
func (d *Discoverer) Discover(ctx context.Context, slug string) (*AssetSet, error) {
	if err := domain.ValidateSlug(slug); err != nil {
		return nil, err
	}

	set := &AssetSet{
		Slug:        slug,
		DocumentURL: d.abs(domain.CityPath(slug)),
		DataURL:     d.abs(domain.DataPath(slug)),
		ManifestURL: d.abs(domain.ManifestPath(slug)),
		DownloadURL: d.abs(domain.DownloadPath(slug)),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		resp, err := d.fetchPhaseOne(gctx, set.DocumentURL)
		set.Document = resp
		return err
	})
	g.Go(func() error {
		resp, err := d.fetchPhaseOne(gctx, set.DataURL)
		set.Data = resp
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	docURL, _ := url.Parse(set.DocumentURL)
	discovered := ExtractFromHTML(bytes.NewReader(set.Document.Body), docURL)

	var payload interface{}
	if err := json.Unmarshal(set.Data.Body, &payload); err != nil {
		d.logger.Warn("city data is not valid json", "slug", slug, "error", err)
	} else {
		discovered = append(discovered, ExtractFromJSON(payload, d.origin)...)
		if m, ok := payload.(map[string]interface{}); ok {
			set.LastUpdated, _ = m["lastUpdated"].(string)
		}
	}

	unconditional := []string{set.DocumentURL, set.DataURL, set.ManifestURL, set.DownloadURL}
	set.URLs, set.Dropped = budget(unconditional, discovered, d.maxAssets)
	if set.Dropped > 0 {
		d.logger.Warn("asset budget exceeded", "slug", slug, "max", d.maxAssets, "dropped", set.Dropped)
	}

	d.logger.Debug("discovered city assets", "slug", slug, "count", len(set.URLs))
	return set, nil
}

func (d *Discoverer) fetchPhaseOne(ctx context.Context, u string) (*domain.StoredResponse, error) {
	resp, err := fetch.Get(ctx, d.client, u)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", domain.ErrDiscoveryFailed, u, err)
	}
	if !resp.OK() {
		return nil, fmt.Errorf("%w: %s returned %d", domain.ErrDiscoveryFailed, u, resp.Status)
	}
	return resp, nil
}

// budget dedupes unconditional then discovered URLs, keeping every
// unconditional URL and at most max URLs overall.
func budget(unconditional, discovered []string, max int) ([]string, int) {
	seen := make(map[string]bool, len(unconditional)+len(discovered))
	urls := make([]string, 0, len(unconditional)+len(discovered))
	for _, u := range unconditional {
		if !seen[u] {
			seen[u] = true
			urls = append(urls, u)
		}
	}

	dropped := 0
	for _, u := range discovered {
		if seen[u] {
			continue
		}
		seen[u] = true
		if len(urls) >= max {
			dropped++
			continue
		}
		urls = append(urls, u)
	}
	return urls, dropped
}

func isHTTP(u *url.URL) bool {
	return u != nil && (u.Scheme == "http" || u.Scheme == "https")
}

func isOriginRelative(s string) bool {
	return strings.HasPrefix(s, "/") && !strings.HasPrefix(s, "//")
}
