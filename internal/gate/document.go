package gate

import (
	"bytes"
	"strings"
	"sync"

	"golang.org/x/net/html"

	"github.com/mmcdole/citypack/internal/domain"
	"github.com/mmcdole/citypack/internal/events"
)

// DefaultManifestHref is the app-wide manifest linked before a city
// manifest is swapped in.
const DefaultManifestHref = "/manifest.webmanifest"

// Document holds the page's manifest link.
type Document struct {
	bus *events.Bus

	mu   sync.RWMutex
	href string
}

// NewDocument creates a document linking href (DefaultManifestHref if empty).
func NewDocument(href string, bus *events.Bus) *Document {
	if href == "" {
		href = DefaultManifestHref
	}
	return &Document{href: href, bus: bus}
}

// ManifestHref returns the current manifest link.
func (d *Document) ManifestHref() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.href
}

// SetManifestHref replaces the manifest link.
func (d *Document) SetManifestHref(href string) {
	d.mu.Lock()
	changed := d.href != href
	d.href = href
	d.mu.Unlock()
	if changed {
		d.bus.Publish(events.TopicManifestSwap, events.ManifestSwap{Href: href})
	}
}

// SwapManifest points the manifest link at slug's manifest.
func (d *Document) SwapManifest(slug string) {
	d.SetManifestHref(domain.ManifestPath(slug))
}

// ManifestLink returns the href of the first <link rel="manifest"> in page,
// or "" if there is none.
func ManifestLink(page []byte) string {
	z := html.NewTokenizer(bytes.NewReader(page))
	for {
		switch z.Next() {
		case html.ErrorToken:
			return ""
		case html.StartTagToken, html.SelfClosingTagToken:
			tok := z.Token()
			if tok.Data != "link" {
				continue
			}
			var rel, href string
			for _, a := range tok.Attr {
				switch a.Key {
				case "rel":
					rel = a.Val
				case "href":
					href = a.Val
				}
			}
			for _, r := range strings.Fields(strings.ToLower(rel)) {
				if r == "manifest" {
					return href
				}
			}
		}
	}
}
