package domain

import "time"

// PackMeta records which cities are downloaded and at which content version.
type PackMeta struct {
	DownloadedIDs []string          `json:"downloadedIds"`
	LastUpdated   map[string]string `json:"lastUpdated"`
}

// Has reports whether id is recorded as downloaded.
func (m PackMeta) Has(id string) bool {
	for _, d := range m.DownloadedIDs {
		if d == id {
			return true
		}
	}
	return false
}

// MetaStore persists the downloaded-cities record.
type MetaStore interface {
	PackMeta() (PackMeta, error)
	MarkDownloaded(id, lastUpdated string) error
	RemoveDownloaded(id string) error
}

// RetryIntent is a durable request to re-run a failed city sync.
type RetryIntent struct {
	ID          string    `json:"id"`
	CityID      string    `json:"cityId"`
	Reason      string    `json:"reason"`
	Attempts    int       `json:"attempts"`
	CreatedAt   time.Time `json:"createdAt"`
	NextAttempt time.Time `json:"nextAttempt"`
}

// RetryStore persists retry intents.
type RetryStore interface {
	SaveRetryIntent(intent RetryIntent) error
	DeleteRetryIntent(id string) error
	RetryIntents() ([]RetryIntent, error)
}

// SyncTagStore persists background sync tags per worker scope.
type SyncTagStore interface {
	AddSyncTag(scope, tag string) error
	RemoveSyncTag(scope, tag string) error
	SyncTags(scope string) ([]string, error)
}

// WorkerRegistration describes a registered worker as seen by clients.
type WorkerRegistration struct {
	Scope string
	State string
}

// Active reports whether the registration's worker answers requests.
func (r WorkerRegistration) Active() bool { return r.State == "active" }
