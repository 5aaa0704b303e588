package sessions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/ggoodman/mcp-engine-go/internal/jsonrpc"
)

// ErrChannelClosed is returned when enqueueing on a closed session.
var ErrChannelClosed = errors.New("notification channel closed")

// Channel is a session's ordered outbound notification queue. Producers are
// serialized at Enqueue, so events reach every stream in enqueue order.
type Channel struct {
	sessionID string
	host      NotificationHost

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

func newChannel(sessionID string, host NotificationHost) *Channel {
	return &Channel{sessionID: sessionID, host: host, done: make(chan struct{})}
}

// Enqueue appends a raw JSON-RPC message and returns its event id.
func (c *Channel) Enqueue(ctx context.Context, msg jsonrpc.Message) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return "", ErrChannelClosed
	}
	id, err := c.host.PublishSession(ctx, c.sessionID, msg)
	if err != nil {
		return "", fmt.Errorf("publish to session %s: %w", c.sessionID, err)
	}
	return id, nil
}

// Notify enqueues a JSON-RPC notification with the given method and params.
func (c *Channel) Notify(ctx context.Context, method string, params any) (string, error) {
	n, err := jsonrpc.NewNotification(method, params)
	if err != nil {
		return "", err
	}
	b, err := json.Marshal(n)
	if err != nil {
		return "", fmt.Errorf("marshal notification: %w", err)
	}
	return c.Enqueue(ctx, b)
}

// Stream delivers queued events to fn in order until ctx ends or the session
// is closed. Closing the session ends the stream with a nil error.
func (c *Channel) Stream(ctx context.Context, lastEventID string, fn MessageHandlerFunction) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-c.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	err := c.host.SubscribeSession(ctx, c.sessionID, lastEventID, fn)
	select {
	case <-c.done:
		return nil
	default:
		return err
	}
}

// Done is closed when the session is closed.
func (c *Channel) Done() <-chan struct{} { return c.done }

func (c *Channel) close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.done)
	c.mu.Unlock()
	return c.host.CleanupSession(ctx, c.sessionID)
}
