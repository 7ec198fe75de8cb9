package outbox

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/juju/clock/testclock"

	"github.com/mmcdole/citypack/internal/store"
)

func newTestQueue(t *testing.T, policy Policy) (*Queue, *testclock.Clock) {
	t.Helper()
	st, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	clk := testclock.NewClock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	return NewQueue(st, policy, clk, nil), clk
}

func TestEnqueueDedupesByCity(t *testing.T) {
	q, _ := newTestQueue(t, Policy{})

	first, err := q.Enqueue("tokyo", "offline")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	second, _ := q.Enqueue("tokyo", "still offline")
	if first.ID != second.ID || second.Reason != "still offline" {
		t.Fatalf("expected one intent updated in place, got %+v %+v", first, second)
	}

	pending, _ := q.Pending()
	if len(pending) != 1 {
		t.Fatalf("expected 1 pending intent, got %d", len(pending))
	}

	if _, err := q.Enqueue("Bad!", "x"); err == nil {
		t.Fatal("expected invalid slug rejected")
	}
}

func TestDrainWaitsForNextAttempt(t *testing.T) {
	q, clk := newTestQueue(t, Policy{MinDelay: time.Minute, MaxDelay: time.Hour, MaxAttempts: 3})
	q.Enqueue("tokyo", "offline")

	calls := 0
	sync := func(ctx context.Context, id string) error {
		calls++
		return nil
	}

	n, _ := q.Drain(context.Background(), sync)
	if n != 0 || calls != 0 {
		t.Fatalf("expected nothing due yet, got %d succeeded, %d calls", n, calls)
	}

	clk.Advance(time.Minute)
	n, err := q.Drain(context.Background(), sync)
	if err != nil || n != 1 {
		t.Fatalf("expected 1 success, got %d %v", n, err)
	}
	pending, _ := q.Pending()
	if len(pending) != 0 {
		t.Fatalf("expected queue empty, got %v", pending)
	}
}

func TestDrainReschedulesAndAbandons(t *testing.T) {
	q, clk := newTestQueue(t, Policy{MinDelay: time.Minute, MaxDelay: 10 * time.Minute, MaxAttempts: 2})
	q.Enqueue("paris", "offline")
	fail := func(ctx context.Context, id string) error { return errors.New("still offline") }

	clk.Advance(time.Minute)
	q.Drain(context.Background(), fail)

	pending, _ := q.Pending()
	if len(pending) != 1 || pending[0].Attempts != 1 {
		t.Fatalf("expected 1 attempt recorded, got %+v", pending)
	}
	next := pending[0].NextAttempt
	if !next.After(clk.Now()) || next.Sub(clk.Now()) > 10*time.Minute {
		t.Fatalf("expected backoff within max delay, got %v from %v", next, clk.Now())
	}
	if pending[0].Reason != "still offline" {
		t.Fatalf("expected reason updated, got %q", pending[0].Reason)
	}

	clk.Advance(10 * time.Minute)
	q.Drain(context.Background(), fail)
	pending, _ = q.Pending()
	if len(pending) != 0 {
		t.Fatalf("expected intent abandoned after max attempts, got %+v", pending)
	}
}

func TestRemove(t *testing.T) {
	q, _ := newTestQueue(t, Policy{})
	q.Enqueue("seoul", "x")
	if err := q.Remove("seoul"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := q.Remove("seoul"); err != nil {
		t.Fatalf("remove missing: %v", err)
	}
	pending, _ := q.Pending()
	if len(pending) != 0 {
		t.Fatalf("expected empty queue, got %v", pending)
	}
}
