package domain

import (
	"net/http"
	"time"
)

// StoredResponse is a fully buffered GET response kept in a cache partition.
type StoredResponse struct {
	URL      string      `json:"url"`
	Status   int         `json:"status"`
	Header   http.Header `json:"header,omitempty"`
	Body     []byte      `json:"body"`
	StoredAt time.Time   `json:"storedAt"`
	LastUsed time.Time   `json:"lastUsed"`
}

// OK reports a 2xx status.
func (r *StoredResponse) OK() bool {
	return r != nil && r.Status >= 200 && r.Status < 300
}

// ExpirationPolicy bounds a runtime partition.
// Zero fields disable the corresponding limit.
type ExpirationPolicy struct {
	MaxEntries   int
	MaxAge       time.Duration
	FromLastUsed bool // age is measured from LastUsed instead of StoredAt
}

// CacheStorage is the named-partition response store.
// Partitions are keyed by absolute request URL.
type CacheStorage interface {
	// Open returns the partition, creating it if needed.
	Open(name string) (Partition, error)
	// Lookup returns an existing partition without creating it.
	Lookup(name string) (Partition, bool)
	// Delete removes a partition and reports whether it existed.
	Delete(name string) (bool, error)
	// Names lists every partition.
	Names() ([]string, error)
	// Match searches every partition for url.
	Match(url string) (*StoredResponse, bool)
}

// Partition is a single named cache.
type Partition interface {
	Name() string
	Match(url string) (*StoredResponse, bool)
	Put(resp *StoredResponse) error
	Delete(url string) error
	Keys() ([]string, error)
	// Touch records a use of url at now.
	Touch(url string, now time.Time) error
	// Expire applies policy and returns the number of evicted entries.
	Expire(policy ExpirationPolicy, now time.Time) (int, error)
}
