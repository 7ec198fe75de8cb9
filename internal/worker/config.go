package worker

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/mmcdole/citypack/internal/domain"
)

// Shared path prefixes intercepted by city workers.
var (
	StaticPrefixes = []string{"/_next/static/", "/static/"}
	DataPrefixes   = []string{"/_next/data/"}
)

// Runtime partitions of the app-scope worker.
const (
	PartitionCityJSON = "city-pack-json"
	PartitionUIAssets = "city-ui-assets"
	PartitionUIImages = "city-ui-images"
	PartitionAppShell = "city-app-shell"
)

// CoreCities are precached by the app-scope worker on install.
var CoreCities = []string{
	"tokyo", "paris", "london", "bangkok", "dubai",
	"istanbul", "singapore", "new-york", "hong-kong", "seoul",
}

// Strategy selects how a runtime rule answers a request.
type Strategy string

const (
	CacheFirst           Strategy = "cache-first"
	StaleWhileRevalidate Strategy = "stale-while-revalidate"
	NetworkFirst         Strategy = "network-first"
)

// Rule is a runtime caching route of the app-scope worker.
type Rule struct {
	Name       string                  `json:"name"`
	PathPrefix string                  `json:"pathPrefix"`
	Exact      bool                    `json:"exact,omitempty"`
	Query      string                  `json:"query,omitempty"` // required query key
	Strategy   Strategy                `json:"strategy"`
	Partition  string                  `json:"partition"`
	Expiration domain.ExpirationPolicy `json:"expiration"`
}

// Matches reports whether u is routed to the rule.
func (r Rule) Matches(u *url.URL) bool {
	if r.Exact {
		if u.Path != r.PathPrefix {
			return false
		}
	} else if !strings.HasPrefix(u.Path, r.PathPrefix) {
		return false
	}
	if r.Query != "" && !u.Query().Has(r.Query) {
		return false
	}
	return true
}

// Config is the complete parameter set of one worker. City workers set
// Slug and CacheName; the app-scope worker sets Rules and Precache.
type Config struct {
	Slug          string   `json:"slug,omitempty"`
	CacheName     string   `json:"cacheName,omitempty"`
	SchemaVersion int      `json:"schemaVersion,omitempty"`
	Scope         string   `json:"scope"`
	Origin        string   `json:"origin"`
	PagePath      string   `json:"pagePath,omitempty"`
	StaticPrefix  []string `json:"staticPrefixes,omitempty"`
	DataPrefix    []string `json:"dataPrefixes,omitempty"`
	Endpoints     []string `json:"endpoints,omitempty"`
	Rules         []Rule   `json:"rules,omitempty"`
	Precache      []string `json:"precache,omitempty"`
}

// ConfigFor builds the worker record of a city.
func ConfigFor(origin, slug string, schemaVersion int) (Config, error) {
	if err := domain.ValidateSlug(slug); err != nil {
		return Config{}, err
	}
	o, err := normalizeOrigin(origin)
	if err != nil {
		return Config{}, err
	}
	if schemaVersion <= 0 {
		schemaVersion = 1
	}
	return Config{
		Slug:          slug,
		CacheName:     domain.PartitionName(slug, schemaVersion),
		SchemaVersion: schemaVersion,
		Scope:         domain.ScopePath(slug),
		Origin:        o,
		PagePath:      domain.CityPath(slug),
		StaticPrefix:  StaticPrefixes,
		DataPrefix:    DataPrefixes,
		Endpoints: []string{
			domain.DataPath(slug),
			domain.ManifestPath(slug),
			"/api/download-city",
		},
	}, nil
}

// GlobalConfig builds the app-scope worker record.
func GlobalConfig(origin string) (Config, error) {
	o, err := normalizeOrigin(origin)
	if err != nil {
		return Config{}, err
	}
	precache := []string{"/"}
	for _, slug := range CoreCities {
		precache = append(precache, domain.DownloadPath(slug))
	}
	return Config{
		Scope:  "/",
		Origin: o,
		Rules: []Rule{
			{
				Name:       "city-json",
				PathPrefix: "/api/download-city",
				Query:      "slug",
				Strategy:   CacheFirst,
				Partition:  PartitionCityJSON,
				Expiration: domain.ExpirationPolicy{MaxEntries: 64, MaxAge: 30 * 24 * time.Hour, FromLastUsed: true},
			},
			{
				Name:       "next-static",
				PathPrefix: "/_next/static/",
				Strategy:   StaleWhileRevalidate,
				Partition:  PartitionUIAssets,
				Expiration: domain.ExpirationPolicy{MaxEntries: 128, MaxAge: 30 * 24 * time.Hour},
			},
			{
				Name:       "static",
				PathPrefix: "/static/",
				Strategy:   StaleWhileRevalidate,
				Partition:  PartitionUIAssets,
				Expiration: domain.ExpirationPolicy{MaxEntries: 128, MaxAge: 30 * 24 * time.Hour},
			},
			{
				Name:       "next-image",
				PathPrefix: "/_next/image",
				Query:      "url",
				Strategy:   StaleWhileRevalidate,
				Partition:  PartitionUIImages,
				Expiration: domain.ExpirationPolicy{MaxEntries: 64, MaxAge: 7 * 24 * time.Hour},
			},
			{
				Name:       "app-shell",
				PathPrefix: "/",
				Exact:      true,
				Strategy:   NetworkFirst,
				Partition:  PartitionAppShell,
			},
		},
		Precache: precache,
	}, nil
}

func normalizeOrigin(origin string) (string, error) {
	u, err := url.Parse(origin)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", fmt.Errorf("invalid origin %q", origin)
	}
	return u.Scheme + "://" + u.Host, nil
}

// IsCity reports whether the config is bound to a single city.
func (c Config) IsCity() bool {
	return c.Slug != ""
}

// ScopeURL is the absolute scope of the worker.
func (c Config) ScopeURL() string {
	return c.Origin + c.Scope
}

// SameOrigin reports whether u belongs to the worker's origin.
func (c Config) SameOrigin(u *url.URL) bool {
	return u.Scheme+"://"+u.Host == c.Origin
}

// InScope reports whether a city worker intercepts u. The page path,
// shared static and data prefixes, and this city's endpoints are in scope.
func (c Config) InScope(u *url.URL) bool {
	if !c.SameOrigin(u) {
		return false
	}
	p := u.Path
	if c.PagePath != "" && (p == c.PagePath || strings.HasPrefix(p, c.PagePath+"/")) {
		return true
	}
	for _, prefix := range c.StaticPrefix {
		if strings.HasPrefix(p, prefix) {
			return true
		}
	}
	for _, prefix := range c.DataPrefix {
		if strings.HasPrefix(p, prefix) {
			return true
		}
	}
	for _, ep := range c.Endpoints {
		if p == ep || p == ep+".json" {
			if ep == "/api/download-city" {
				return u.Query().Get("slug") == c.Slug
			}
			return true
		}
	}
	return false
}

// RuleFor returns the first app-scope rule routing u.
func (c Config) RuleFor(u *url.URL) (Rule, bool) {
	if !c.SameOrigin(u) {
		return Rule{}, false
	}
	for _, r := range c.Rules {
		if r.Matches(u) {
			return r, true
		}
	}
	return Rule{}, false
}
