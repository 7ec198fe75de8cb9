package domain

import (
	"fmt"
	"regexp"
	"strconv"
)

// InternalHeader marks requests issued by a worker itself so that
// interception skips them.
const InternalHeader = "X-City-Pack-Internal"

// VersionCheckPath is the origin path of the version manifest.
const VersionCheckPath = "/api/version-check"

// PartitionPrefix is shared by every city-scoped cache partition.
const PartitionPrefix = "city-pack-"

var (
	slugPattern      = regexp.MustCompile(`^[a-z0-9-]+$`)
	partitionPattern = regexp.MustCompile(`^city-pack-([a-z0-9-]+)-v([0-9]+)$`)
)

// ValidateSlug returns ErrInvalidSlug unless slug matches ^[a-z0-9-]+$.
func ValidateSlug(slug string) error {
	if !slugPattern.MatchString(slug) {
		return fmt.Errorf("%w: %q", ErrInvalidSlug, slug)
	}
	return nil
}

// PartitionName returns city-pack-{slug}-v{version}.
func PartitionName(slug string, schemaVersion int) string {
	return fmt.Sprintf("%s%s-v%d", PartitionPrefix, slug, schemaVersion)
}

// ParsePartitionName splits a city partition name into slug and schema version.
// Shared runtime partitions such as city-pack-json do not parse.
func ParsePartitionName(name string) (slug string, schemaVersion int, ok bool) {
	m := partitionPattern.FindStringSubmatch(name)
	if m == nil {
		return "", 0, false
	}
	v, err := strconv.Atoi(m[2])
	if err != nil {
		return "", 0, false
	}
	return m[1], v, true
}

// CityPath is the page path of a city document.
func CityPath(slug string) string { return "/city/" + slug }

// ScopePath is the worker scope and manifest start_url of a city.
func ScopePath(slug string) string { return "/city/" + slug + "/" }

// DataPath is the city JSON endpoint.
func DataPath(slug string) string { return "/api/cities/" + slug }

// ManifestPath is the per-city web app manifest endpoint.
func ManifestPath(slug string) string { return "/api/manifest/" + slug }

// DownloadPath is the raw city JSON download endpoint.
func DownloadPath(slug string) string { return "/api/download-city?slug=" + slug }

// WorkerConfigPath serves the worker record for a city under its scope.
func WorkerConfigPath(slug string) string { return "/city/" + slug + "/worker.json" }

// SyncTag is the background sync tag registered for a city.
func SyncTag(slug string) string { return "city-sync-" + slug }
