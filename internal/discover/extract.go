package discover

import (
	"io"
	"net/url"
	"regexp"
	"sort"
	"strings"

	"golang.org/x/net/html"
)

var absoluteURLPattern = regexp.MustCompile(`https?://[^\s"'<>]+`)

// linkRels are the <link rel> values whose href is part of a city pack.
var linkRels = map[string]bool{
	"stylesheet":       true,
	"preload":          true,
	"modulepreload":    true,
	"icon":             true,
	"apple-touch-icon": true,
	"manifest":         true,
}

// normalizeURL returns the canonical form of an absolute URL: lowercase
// host, no default port, "/" for an empty path. It returns "" if raw does
// not parse.
func normalizeURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return ""
	}
	host := strings.ToLower(u.Host)
	switch {
	case u.Scheme == "http" && strings.HasSuffix(host, ":80"):
		host = strings.TrimSuffix(host, ":80")
	case u.Scheme == "https" && strings.HasSuffix(host, ":443"):
		host = strings.TrimSuffix(host, ":443")
	}
	u.Host = host
	if u.Path == "" && u.RawPath == "" {
		u.Path = "/"
	}
	return u.String()
}

// ExtractFromHTML returns script sources and pack-relevant link hrefs in
// document order, resolved against base. Only http(s) URLs are kept.
func ExtractFromHTML(r io.Reader, base *url.URL) []string {
	var urls []string
	z := html.NewTokenizer(r)
	for {
		tt := z.Next()
		switch tt {
		case html.ErrorToken:
			return urls
		case html.StartTagToken, html.SelfClosingTagToken:
			tok := z.Token()
			var ref string
			switch tok.Data {
			case "script":
				ref = attr(tok, "src")
			case "link":
				if relevantRel(attr(tok, "rel")) {
					ref = attr(tok, "href")
				}
			}
			if ref == "" {
				continue
			}
			if u := resolve(base, ref); u != "" {
				urls = append(urls, u)
			}
		}
	}
}

func attr(tok html.Token, name string) string {
	for _, a := range tok.Attr {
		if a.Key == name {
			return strings.TrimSpace(a.Val)
		}
	}
	return ""
}

// relevantRel matches any token of a space separated rel list, so
// "shortcut icon" counts as an icon.
func relevantRel(rel string) bool {
	for _, r := range strings.Fields(strings.ToLower(rel)) {
		if linkRels[r] {
			return true
		}
	}
	return false
}

func resolve(base *url.URL, ref string) string {
	u, err := base.Parse(ref)
	if err != nil || !isHTTP(u) {
		return ""
	}
	u.Fragment = ""
	return u.String()
}

// ExtractFromJSON walks a decoded JSON value depth-first. Absolute http(s)
// URLs anywhere inside a string are collected, and strings that are
// origin-relative paths are resolved against origin. Object keys are
// visited in sorted order.
func ExtractFromJSON(v interface{}, origin *url.URL) []string {
	var urls []string
	var walk func(v interface{})
	walk = func(v interface{}) {
		switch val := v.(type) {
		case string:
			for _, m := range absoluteURLPattern.FindAllString(val, -1) {
				if u := normalizeURL(m); u != "" {
					urls = append(urls, u)
				}
			}
			if isOriginRelative(val) {
				if u := resolve(origin, val); u != "" {
					urls = append(urls, u)
				}
			}
		case []interface{}:
			for _, item := range val {
				walk(item)
			}
		case map[string]interface{}:
			keys := make([]string, 0, len(val))
			for k := range val {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				walk(val[k])
			}
		}
	}
	walk(v)
	return urls
}
