// Package events is the in-process notification bus shared by the worker
// registry, the readiness gate, the connectivity monitor and the update
// checker.
package events

import (
	"fmt"
	"log/slog"

	"github.com/juju/pubsub/v2"
)

// Topics
const (
	TopicWorkerActivated = "worker.activated"
	TopicCacheWrite      = "cache.write"
	TopicManifestSwap    = "manifest.swap"
	TopicOnline          = "connectivity.online"
	TopicOffline         = "connectivity.offline"
)

// WorkerActivated is published when a worker claims its clients.
// Slug is empty for the app-scope worker.
type WorkerActivated struct {
	Slug  string
	Scope string
}

// CacheWrite is published after a response is stored in a partition.
type CacheWrite struct {
	Partition string
	URL       string
}

// ManifestSwap is published when the document's manifest link changes.
type ManifestSwap struct {
	Href string
}

// Bus wraps a pubsub.SimpleHub. A nil *Bus drops publishes and never
// delivers, so components can run without one.
type Bus struct {
	hub *pubsub.SimpleHub
}

// NewBus creates a bus logging hub diagnostics through logger.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	hub := pubsub.NewSimpleHub(&pubsub.SimpleHubConfig{
		Logger: hubLogger{logger: logger.With("component", "events")},
	})
	return &Bus{hub: hub}
}

// Publish delivers data to the topic's subscribers asynchronously.
func (b *Bus) Publish(topic string, data interface{}) {
	if b == nil {
		return
	}
	b.hub.Publish(topic, data)
}

// Subscribe registers handler for topic and returns the unsubscribe func.
func (b *Bus) Subscribe(topic string, handler func(topic string, data interface{})) func() {
	if b == nil {
		return func() {}
	}
	return b.hub.Subscribe(topic, handler)
}

// hubLogger adapts slog to the hub's printf-style logger.
type hubLogger struct {
	logger *slog.Logger
}

func (l hubLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l hubLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l hubLogger) Infof(format string, args ...interface{}) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l hubLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l hubLogger) Tracef(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}
