// Package catalog is the read-only city content store, embedded in the
// binary.
package catalog

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/sahilm/fuzzy"

	"github.com/mmcdole/citypack/internal/domain"
)

//go:embed cities.json
var citiesJSON []byte

// Catalog looks up cities by slug. It is safe for concurrent reads.
type Catalog struct {
	cities []domain.City
	bySlug map[string]int
	index  *nameIndex
}

// Load parses the embedded city data.
func Load() (*Catalog, error) {
	return Parse(citiesJSON)
}

// MustLoad is Load for package-level initialization.
func MustLoad() *Catalog {
	c, err := Load()
	if err != nil {
		panic(err)
	}
	return c
}

// Parse builds a catalog from a JSON array of cities.
func Parse(data []byte) (*Catalog, error) {
	var cities []domain.City
	if err := json.Unmarshal(data, &cities); err != nil {
		return nil, fmt.Errorf("failed to parse cities: %w", err)
	}

	c := &Catalog{
		cities: cities,
		bySlug: make(map[string]int, len(cities)),
		index:  &nameIndex{keys: make([]string, len(cities))},
	}
	for i, city := range cities {
		if err := domain.ValidateSlug(city.Slug); err != nil {
			return nil, err
		}
		if _, dup := c.bySlug[city.Slug]; dup {
			return nil, fmt.Errorf("duplicate city slug %q", city.Slug)
		}
		c.bySlug[city.Slug] = i
		c.index.keys[i] = strings.ToLower(city.Name + " " + city.Country + " " + city.Slug)
	}
	return c, nil
}

// BySlug returns the city or ErrCityNotFound.
func (c *Catalog) BySlug(slug string) (domain.City, error) {
	i, ok := c.bySlug[slug]
	if !ok {
		return domain.City{}, fmt.Errorf("%w: %s", domain.ErrCityNotFound, slug)
	}
	return c.cities[i], nil
}

// All returns every city in catalogue order.
func (c *Catalog) All() []domain.City {
	return append([]domain.City(nil), c.cities...)
}

// Slugs returns every slug, sorted.
func (c *Catalog) Slugs() []string {
	slugs := make([]string, 0, len(c.cities))
	for _, city := range c.cities {
		slugs = append(slugs, city.Slug)
	}
	sort.Strings(slugs)
	return slugs
}

// Versions returns the version-check payload.
func (c *Catalog) Versions() map[string]domain.VersionInfo {
	out := make(map[string]domain.VersionInfo, len(c.cities))
	for _, city := range c.cities {
		out[city.ID] = domain.VersionInfo{LastUpdated: city.LastUpdated, Name: city.Name}
	}
	return out
}

// Search ranks cities by fuzzy match of query against name, country and
// slug. An empty query returns all cities.
func (c *Catalog) Search(query string) []domain.City {
	query = strings.TrimSpace(query)
	if query == "" {
		return c.All()
	}
	matches := fuzzy.FindFrom(strings.ToLower(query), c.index)
	out := make([]domain.City, 0, len(matches))
	for _, m := range matches {
		out = append(out, c.cities[m.Index])
	}
	return out
}

// nameIndex implements fuzzy.Source over precomputed lowercase keys.
type nameIndex struct {
	keys []string
}

func (idx *nameIndex) String(i int) string { return idx.keys[i] }

func (idx *nameIndex) Len() int { return len(idx.keys) }
