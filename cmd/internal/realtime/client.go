package realtime

import (
	"sync"

	v1 "roomrelay/shared/contracts/chat/v1"
)

// Client is one live websocket connection as seen by fan-out.
//
// Send is never closed by the server; done is closed once on shutdown so
// concurrent broadcasters can enqueue without panicking.
type Client struct {
	ConnID string
	Send   chan v1.ServerEvent

	done      chan struct{}
	closeOnce sync.Once
}

// NewClient constructs a Client with a bounded send queue.
func NewClient(connID string, sendQueueSize int) *Client {
	if sendQueueSize <= 0 {
		sendQueueSize = defaultSendQueueSize
	}
	return &Client{
		ConnID: connID,
		Send:   make(chan v1.ServerEvent, sendQueueSize),
		done:   make(chan struct{}),
	}
}

// Done returns a channel that is closed when the client is shutting down.
func (c *Client) Done() <-chan struct{} {
	if c == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return c.done
}

// Enqueue offers ev to the client without blocking. It reports false when the
// client is closing or its queue is full.
func (c *Client) Enqueue(ev v1.ServerEvent) bool {
	if c == nil || ev == nil {
		return false
	}
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.Send <- ev:
		return true
	default:
		return false
	}
}

// Close signals the client goroutines to stop (idempotent).
func (c *Client) Close() {
	if c == nil {
		return
	}
	c.closeOnce.Do(func() {
		close(c.done)
	})
}
