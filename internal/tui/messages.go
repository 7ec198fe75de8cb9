package tui

import "github.com/mmcdole/citypack/internal/domain"

// SyncStateMsg carries one observed sync state
type SyncStateMsg struct {
	State domain.SyncState
}

// SyncFinishedMsg is sent when a city's sync call returns
type SyncFinishedMsg struct {
	Slug string
	Err  error
}

// channelClosedMsg is sent when every sync has finished
type channelClosedMsg struct{}
