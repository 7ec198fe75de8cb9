package syncer

import (
	"context"
	"log/slog"
	"time"

	"github.com/mmcdole/citypack/internal/channel"
	"github.com/mmcdole/citypack/internal/domain"
)

// Enqueuer records a durable retry intent.
type Enqueuer interface {
	Enqueue(cityID, reason string) (domain.RetryIntent, error)
}

// ControllerLocator finds the worker that should own a background sync tag.
type ControllerLocator interface {
	Controller(slug string) (*channel.Client, bool)
}

const registerTimeout = 2 * time.Second

// RetryOnFailure is the default failure callback: it writes an outbox
// entry and registers a background sync tag with the controlling worker.
func RetryOnFailure(queue Enqueuer, controllers ControllerLocator, logger *slog.Logger) func(slug string, err error) {
	if logger == nil {
		logger = slog.Default()
	}
	return func(slug string, err error) {
		if queue != nil {
			if _, qerr := queue.Enqueue(slug, err.Error()); qerr != nil {
				logger.Error("failed to enqueue retry", "slug", slug, "error", qerr)
			}
		}
		if controllers == nil {
			return
		}
		client, ok := controllers.Controller(slug)
		if !ok {
			logger.Debug("no worker to register sync", "slug", slug)
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), registerTimeout)
		defer cancel()
		if perr := client.Post(ctx, channel.Envelope{Type: channel.TypeRegisterSync, ID: slug}); perr != nil {
			logger.Warn("failed to register sync", "slug", slug, "error", perr)
		}
	}
}

// ListenRetries runs Sync for every RETRY_SYNC notification until ctx ends.
func (e *Engine) ListenRetries(ctx context.Context, notifications <-chan channel.Envelope) {
	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-notifications:
			if !ok {
				return
			}
			e.HandleNotification(ctx, env)
		}
	}
}

// HandleNotification reacts to one worker notification.
func (e *Engine) HandleNotification(ctx context.Context, env channel.Envelope) {
	if env.Type != channel.TypeRetrySync || env.ID == "" {
		return
	}
	e.logger.Info("retrying sync", "slug", env.ID)
	if err := e.Sync(ctx, env.ID); err != nil {
		e.logger.Warn("retry sync failed", "slug", env.ID, "error", err)
	}
}
