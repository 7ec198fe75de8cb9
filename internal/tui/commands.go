package tui

import (
	"context"
	"sync"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/mmcdole/citypack/internal/domain"
)

// SyncFunc runs one city sync, reporting through observer.
type SyncFunc func(ctx context.Context, slug string, observer domain.SyncObserver) error

// startSyncs runs every sync concurrently and funnels their progress and
// results into one message channel. The last message is channelClosedMsg.
// Once ctx is done, messages nobody reads are dropped.
func startSyncs(ctx context.Context, slugs []string, run SyncFunc) <-chan tea.Msg {
	msgs := make(chan tea.Msg, 64)
	states := make(chan domain.SyncState, 64)
	finished := make(chan SyncFinishedMsg, len(slugs))
	observer := NewChannelObserver(states)

	var wg sync.WaitGroup
	for _, slug := range slugs {
		wg.Add(1)
		go func(slug string) {
			defer wg.Done()
			finished <- SyncFinishedMsg{Slug: slug, Err: run(ctx, slug, observer)}
		}(slug)
	}
	go func() {
		wg.Wait()
		close(states)
		close(finished)
	}()

	go func() {
		send := func(msg tea.Msg) {
			select {
			case msgs <- msg:
			case <-ctx.Done():
			}
		}
		var pending []SyncFinishedMsg
		stateCh, finCh := (<-chan domain.SyncState)(states), (<-chan SyncFinishedMsg)(finished)
		for stateCh != nil || finCh != nil {
			select {
			case state, ok := <-stateCh:
				if !ok {
					stateCh = nil
					continue
				}
				send(SyncStateMsg{State: state})
			case msg, ok := <-finCh:
				if !ok {
					finCh = nil
					continue
				}
				pending = append(pending, msg)
			}
		}
		// Results go out after the last state so a late progress update
		// never overwrites a final one.
		for _, msg := range pending {
			send(msg)
		}
		send(channelClosedMsg{})
	}()
	return msgs
}

// listenCmd reads the next message from the sync channel
func listenCmd(msgs <-chan tea.Msg) tea.Cmd {
	return func() tea.Msg {
		return <-msgs
	}
}
