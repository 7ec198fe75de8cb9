package tui

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/mmcdole/citypack/internal/domain"
)

func TestChannelObserverDropsOnlyIntermediateStates(t *testing.T) {
	ch := make(chan domain.SyncState, 1)
	o := NewChannelObserver(ch)

	o.OnProgress(domain.SyncState{Slug: "tokyo", Status: domain.StatusSyncing, Progress: 10})
	o.OnProgress(domain.SyncState{Slug: "tokyo", Status: domain.StatusSyncing, Progress: 20})

	if got := <-ch; got.Progress != 10 {
		t.Fatalf("expected first state kept, got %+v", got)
	}

	done := make(chan struct{})
	go func() {
		o.OnProgress(domain.SyncState{Slug: "tokyo", Status: domain.StatusReady, Progress: 100})
		close(done)
	}()
	if got := <-ch; got.Status != domain.StatusReady {
		t.Fatalf("expected terminal state delivered, got %+v", got)
	}
	<-done
}

func TestSyncModelUpdates(t *testing.T) {
	msgs := make(chan tea.Msg)
	m := NewSyncModel([]string{"tokyo", "paris"}, msgs, nil)

	next, _ := m.Update(SyncStateMsg{State: domain.SyncState{Slug: "tokyo", Status: domain.StatusSyncing, Progress: 43}})
	m = next.(SyncModel)
	if !strings.Contains(m.View(), " 43%") {
		t.Fatalf("expected 43%% in view, got:\n%s", m.View())
	}

	next, _ = m.Update(SyncFinishedMsg{Slug: "paris", Err: domain.ErrDiscoveryFailed})
	m = next.(SyncModel)
	if !strings.Contains(m.View(), domain.ErrDiscoveryFailed.Error()) {
		t.Fatalf("expected error in view, got:\n%s", m.View())
	}

	next, _ = m.Update(SyncFinishedMsg{Slug: "tokyo"})
	m = next.(SyncModel)
	next, _ = m.Update(SyncStateMsg{State: domain.SyncState{Slug: "tokyo", Status: domain.StatusSyncing, Progress: 57}})
	m = next.(SyncModel)
	if !strings.Contains(m.View(), "100%") {
		t.Fatalf("expected finished city to stay at 100%%, got:\n%s", m.View())
	}

	_, cmd := m.Update(channelClosedMsg{})
	if cmd == nil {
		t.Fatal("expected quit command")
	}
	if _, ok := cmd().(tea.QuitMsg); !ok {
		t.Fatal("expected tea.QuitMsg")
	}

	errs := m.Errors()
	if len(errs) != 1 || !errors.Is(errs["paris"], domain.ErrDiscoveryFailed) {
		t.Fatalf("unexpected errors %v", errs)
	}
	if m.Cancelled() {
		t.Fatal("expected not cancelled")
	}
}

func TestQuitCancels(t *testing.T) {
	cancelled := false
	m := NewSyncModel([]string{"tokyo"}, make(chan tea.Msg), func() { cancelled = true })

	next, cmd := m.Update(tea.KeyMsg{Type: tea.KeyCtrlC})
	if !cancelled || cmd == nil {
		t.Fatal("expected ctrl+c to cancel and quit")
	}
	if !next.(SyncModel).Cancelled() {
		t.Fatal("expected unfinished sync reported as cancelled")
	}
}

func TestStartSyncsOrdersResultsAfterStates(t *testing.T) {
	run := func(ctx context.Context, slug string, o domain.SyncObserver) error {
		o.OnProgress(domain.SyncState{Slug: slug, Status: domain.StatusSyncing, Progress: 0})
		o.OnProgress(domain.SyncState{Slug: slug, Status: domain.StatusReady, Progress: 100})
		if slug == "paris" {
			return domain.ErrDiscoveryFailed
		}
		return nil
	}

	msgs := startSyncs(context.Background(), []string{"tokyo", "paris"}, run)

	var states, finished int
	timeout := time.After(2 * time.Second)
	for {
		select {
		case msg := <-msgs:
			switch msg := msg.(type) {
			case SyncStateMsg:
				if finished > 0 {
					t.Fatalf("state %+v arrived after a result", msg.State)
				}
				states++
			case SyncFinishedMsg:
				finished++
			case channelClosedMsg:
				if states != 4 || finished != 2 {
					t.Fatalf("expected 4 states and 2 results, got %d and %d", states, finished)
				}
				return
			}
		case <-timeout:
			t.Fatal("timed out waiting for sync messages")
		}
	}
}
