package catalog

import (
	"errors"
	"testing"

	"github.com/mmcdole/citypack/internal/domain"
)

func TestLoadEmbedded(t *testing.T) {
	c, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(c.All()) != 10 {
		t.Fatalf("expected 10 cities, got %d", len(c.All()))
	}
	for _, city := range c.All() {
		if city.ID != city.Slug {
			t.Fatalf("expected id to equal slug, got %q %q", city.ID, city.Slug)
		}
		if city.LastUpdated == "" {
			t.Fatalf("expected lastUpdated for %s", city.Slug)
		}
	}
}

func TestBySlug(t *testing.T) {
	c := MustLoad()

	city, err := c.BySlug("tokyo")
	if err != nil || city.Name != "Tokyo" {
		t.Fatalf("expected Tokyo, got %+v %v", city, err)
	}

	if _, err := c.BySlug("atlantis"); !errors.Is(err, domain.ErrCityNotFound) {
		t.Fatalf("expected ErrCityNotFound, got %v", err)
	}
}

func TestSearch(t *testing.T) {
	c := MustLoad()

	got := c.Search("tky")
	if len(got) == 0 || got[0].Slug != "tokyo" {
		t.Fatalf("expected tokyo first, got %+v", got)
	}

	got = c.Search("korea")
	if len(got) == 0 || got[0].Slug != "seoul" {
		t.Fatalf("expected seoul for country match, got %+v", got)
	}

	if len(c.Search("")) != 10 {
		t.Fatal("expected empty query to return all cities")
	}
	if len(c.Search("zzzz")) != 0 {
		t.Fatal("expected no matches")
	}
}

func TestVersions(t *testing.T) {
	v := MustLoad().Versions()
	if v["paris"].Name != "Paris" || v["paris"].LastUpdated == "" {
		t.Fatalf("unexpected paris entry %+v", v["paris"])
	}
}

func TestParseRejectsBadData(t *testing.T) {
	if _, err := Parse([]byte(`[{"id":"X","slug":"Bad Slug"}]`)); !errors.Is(err, domain.ErrInvalidSlug) {
		t.Fatalf("expected ErrInvalidSlug, got %v", err)
	}
	if _, err := Parse([]byte(`[{"slug":"a"},{"slug":"a"}]`)); err == nil {
		t.Fatal("expected duplicate slug error")
	}
}
