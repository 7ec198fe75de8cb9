// Package outbox keeps durable retry intents for failed city syncs and
// replays them with exponential backoff.
package outbox

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"
	"github.com/juju/retry"

	"github.com/mmcdole/citypack/internal/domain"
)

// Policy bounds retries.
type Policy struct {
	MinDelay    time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
}

// DefaultPolicy retries for roughly a day before giving up.
var DefaultPolicy = Policy{
	MinDelay:    30 * time.Second,
	MaxDelay:    30 * time.Minute,
	MaxAttempts: 12,
}

// SyncFunc re-runs the sync of one city.
type SyncFunc func(ctx context.Context, cityID string) error

// Queue is the durable retry outbox.
type Queue struct {
	store   domain.RetryStore
	policy  Policy
	backoff func(time.Duration, int) time.Duration
	clock   clock.Clock
	logger  *slog.Logger
}

// NewQueue creates a queue over store. Zero policy fields take defaults.
func NewQueue(store domain.RetryStore, policy Policy, clk clock.Clock, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	if clk == nil {
		clk = clock.WallClock
	}
	if policy.MinDelay <= 0 {
		policy.MinDelay = DefaultPolicy.MinDelay
	}
	if policy.MaxDelay < policy.MinDelay {
		policy.MaxDelay = DefaultPolicy.MaxDelay
		if policy.MaxDelay < policy.MinDelay {
			policy.MaxDelay = policy.MinDelay
		}
	}
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = DefaultPolicy.MaxAttempts
	}
	return &Queue{
		store:   store,
		policy:  policy,
		backoff: retry.ExpBackoff(policy.MinDelay, policy.MaxDelay, 1.5, false),
		clock:   clk,
		logger:  logger,
	}
}

// Enqueue records a retry for cityID. A city has at most one intent; an
// existing one keeps its attempt count and takes the new reason.
func (q *Queue) Enqueue(cityID, reason string) (domain.RetryIntent, error) {
	if err := domain.ValidateSlug(cityID); err != nil {
		return domain.RetryIntent{}, err
	}
	now := q.clock.Now()

	intent, ok, err := q.find(cityID)
	if err != nil {
		return domain.RetryIntent{}, err
	}
	if !ok {
		intent = domain.RetryIntent{
			ID:          uuid.NewString(),
			CityID:      cityID,
			CreatedAt:   now,
			NextAttempt: now.Add(q.policy.MinDelay),
		}
	}
	intent.Reason = reason

	if err := q.store.SaveRetryIntent(intent); err != nil {
		return domain.RetryIntent{}, fmt.Errorf("save retry intent: %w", err)
	}
	q.logger.Info("retry enqueued", "city", cityID, "next", intent.NextAttempt, "reason", reason)
	return intent, nil
}

func (q *Queue) find(cityID string) (domain.RetryIntent, bool, error) {
	intents, err := q.store.RetryIntents()
	if err != nil {
		return domain.RetryIntent{}, false, err
	}
	for _, in := range intents {
		if in.CityID == cityID {
			return in, true, nil
		}
	}
	return domain.RetryIntent{}, false, nil
}

// Pending lists every intent, oldest first.
func (q *Queue) Pending() ([]domain.RetryIntent, error) {
	return q.store.RetryIntents()
}

// Due lists the intents whose next attempt has passed.
func (q *Queue) Due() ([]domain.RetryIntent, error) {
	intents, err := q.store.RetryIntents()
	if err != nil {
		return nil, err
	}
	now := q.clock.Now()
	var due []domain.RetryIntent
	for _, in := range intents {
		if !in.NextAttempt.After(now) {
			due = append(due, in)
		}
	}
	return due, nil
}

// Remove drops the intent of cityID, if any.
func (q *Queue) Remove(cityID string) error {
	intent, ok, err := q.find(cityID)
	if err != nil || !ok {
		return err
	}
	return q.store.DeleteRetryIntent(intent.ID)
}

// Drain runs sync for every due intent. Successes are removed; failures
// are rescheduled with backoff until MaxAttempts, then dropped. It
// returns the number of successful retries.
func (q *Queue) Drain(ctx context.Context, sync SyncFunc) (int, error) {
	due, err := q.Due()
	if err != nil {
		return 0, err
	}

	succeeded := 0
	for _, intent := range due {
		if err := ctx.Err(); err != nil {
			return succeeded, err
		}

		err := sync(ctx, intent.CityID)
		if err == nil {
			if derr := q.store.DeleteRetryIntent(intent.ID); derr != nil {
				q.logger.Error("failed to delete retry intent", "city", intent.CityID, "error", derr)
			}
			succeeded++
			q.logger.Info("retry succeeded", "city", intent.CityID, "attempts", intent.Attempts+1)
			continue
		}

		intent.Attempts++
		intent.Reason = err.Error()
		if intent.Attempts >= q.policy.MaxAttempts {
			q.logger.Warn("retry abandoned", "city", intent.CityID, "attempts", intent.Attempts, "error", err)
			q.store.DeleteRetryIntent(intent.ID)
			continue
		}
		intent.NextAttempt = q.clock.Now().Add(q.backoff(0, intent.Attempts))
		if serr := q.store.SaveRetryIntent(intent); serr != nil {
			q.logger.Error("failed to reschedule retry", "city", intent.CityID, "error", serr)
		}
		q.logger.Warn("retry failed", "city", intent.CityID, "attempts", intent.Attempts, "next", intent.NextAttempt, "error", err)
	}
	return succeeded, nil
}

// Run drains the queue every interval until ctx ends.
func (q *Queue) Run(ctx context.Context, interval time.Duration, sync SyncFunc) error {
	if interval <= 0 {
		interval = q.policy.MinDelay
	}
	for {
		if _, err := q.Drain(ctx, sync); err != nil && ctx.Err() == nil {
			q.logger.Error("outbox drain failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-q.clock.After(interval):
		}
	}
}
