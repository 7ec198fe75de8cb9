package domain

// SyncStatus is the lifecycle position of a city sync attempt.
type SyncStatus string

const (
	StatusIdle    SyncStatus = "idle"
	StatusSyncing SyncStatus = "syncing"
	StatusReady   SyncStatus = "ready"
	StatusError   SyncStatus = "error"
)

// SyncState is the in-memory progress record for one city.
// Progress is a percentage in [0,100].
type SyncState struct {
	Slug     string
	Status   SyncStatus
	Progress int
	Error    string
}

// Done reports whether the attempt has finished, successfully or not.
func (s SyncState) Done() bool {
	return s.Status == StatusReady || s.Status == StatusError
}

// SyncObserver receives state updates during sync operations.
type SyncObserver interface {
	OnProgress(state SyncState)
}

// ObserverFunc adapts a function to SyncObserver.
type ObserverFunc func(state SyncState)

func (f ObserverFunc) OnProgress(state SyncState) { f(state) }

// NoOpObserver discards progress updates (for testing/batch operations).
type NoOpObserver struct{}

func (NoOpObserver) OnProgress(SyncState) {}
