package channel

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

const notificationBuffer = 16

// Client multiplexes request/response pairs and unsolicited notifications
// over one Transport. Each correlation id resolves at most once.
type Client struct {
	t      Transport
	logger *slog.Logger

	mu      sync.Mutex
	pending map[string]chan Envelope
	closed  bool

	notifications chan Envelope
	done          chan struct{}
}

// NewClient starts reading from t.
func NewClient(t Transport, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		t:             t,
		logger:        logger,
		pending:       make(map[string]chan Envelope),
		notifications: make(chan Envelope, notificationBuffer),
		done:          make(chan struct{}),
	}
	go c.readLoop()
	return c
}

func (c *Client) readLoop() {
	defer close(c.done)
	defer close(c.notifications)
	for {
		env, err := c.t.Receive(context.Background())
		if err != nil {
			c.failPending()
			return
		}

		if env.ReplyTo == "" {
			select {
			case c.notifications <- env:
			default:
				c.logger.Warn("dropping notification", "type", env.Type)
			}
			continue
		}

		c.mu.Lock()
		ch, ok := c.pending[env.ReplyTo]
		delete(c.pending, env.ReplyTo)
		c.mu.Unlock()
		if !ok {
			c.logger.Debug("reply without pending request", "replyTo", env.ReplyTo)
			continue
		}
		ch <- env
	}
}

func (c *Client) failPending() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
}

// Request sends env with a fresh correlation id and waits for the reply.
// Cancelling ctx drops the pending entry; a late reply is discarded.
func (c *Client) Request(ctx context.Context, env Envelope) (Envelope, error) {
	env.CorrelationID = uuid.NewString()
	ch := make(chan Envelope, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return Envelope{}, ErrClosed
	}
	c.pending[env.CorrelationID] = ch
	c.mu.Unlock()

	if err := c.t.Send(ctx, env); err != nil {
		c.drop(env.CorrelationID)
		return Envelope{}, fmt.Errorf("send %s: %w", env.Type, err)
	}

	select {
	case reply, ok := <-ch:
		if !ok {
			return Envelope{}, ErrClosed
		}
		return reply, nil
	case <-ctx.Done():
		c.drop(env.CorrelationID)
		return Envelope{}, ctx.Err()
	}
}

func (c *Client) drop(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// Post sends env without waiting for a reply.
func (c *Client) Post(ctx context.Context, env Envelope) error {
	return c.t.Send(ctx, env)
}

// Notifications delivers envelopes that are not replies. It is closed
// when the transport fails or closes.
func (c *Client) Notifications() <-chan Envelope {
	return c.notifications
}

// Close closes the transport and waits for the reader to exit.
func (c *Client) Close() error {
	err := c.t.Close()
	<-c.done
	return err
}
