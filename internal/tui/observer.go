package tui

import "github.com/mmcdole/citypack/internal/domain"

// ChannelObserver adapts domain.SyncObserver to a channel for Bubble Tea.
type ChannelObserver struct {
	ch chan<- domain.SyncState
}

// NewChannelObserver creates a new channel-based observer.
func NewChannelObserver(ch chan<- domain.SyncState) *ChannelObserver {
	return &ChannelObserver{ch: ch}
}

// OnProgress sends progress to the channel. Intermediate states are
// dropped when the channel is full; terminal states always arrive.
func (o *ChannelObserver) OnProgress(state domain.SyncState) {
	if state.Done() {
		o.ch <- state
		return
	}
	select {
	case o.ch <- state:
	default: // Non-blocking if channel full
	}
}
