package domain

import "errors"

// Sentinel errors for city pack operations
var (
	// ErrInvalidSlug indicates a city slug outside [a-z0-9-]
	ErrInvalidSlug = errors.New("invalid city slug")

	// ErrDiscoveryFailed indicates the city document or data could not be fetched
	ErrDiscoveryFailed = errors.New("asset discovery failed")

	// ErrAssetFetchFailed indicates a single discovered asset could not be fetched
	ErrAssetFetchFailed = errors.New("asset fetch failed")

	// ErrWorkerDelegationFailed indicates the worker replied with an error or the channel broke
	ErrWorkerDelegationFailed = errors.New("worker delegation failed")

	// ErrCacheUnsupported indicates no cache storage is available
	ErrCacheUnsupported = errors.New("cache storage is unavailable")

	// ErrCityNotFound indicates the requested city does not exist
	ErrCityNotFound = errors.New("city not found")

	// ErrPartitionNotFound indicates the named cache partition does not exist
	ErrPartitionNotFound = errors.New("cache partition not found")

	// ErrWorkerNotActive indicates the worker is not in the active state
	ErrWorkerNotActive = errors.New("worker is not active")
)
