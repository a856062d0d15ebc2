package realtime

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

const natsFlushTimeout = 5 * time.Second

// NATSChannel is a Channel over a core NATS subject.
type NATSChannel struct {
	nc      *nats.Conn
	subject string
}

// NewNATSChannel constructs a Channel publishing on subject.
func NewNATSChannel(nc *nats.Conn, subject string) (*NATSChannel, error) {
	if nc == nil {
		return nil, errors.New("realtime: nil nats connection")
	}
	if subject == "" {
		subject = DefaultChannelName
	}
	return &NATSChannel{nc: nc, subject: subject}, nil
}

// Publish sends payload on the subject.
func (c *NATSChannel) Publish(ctx context.Context, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.nc.Publish(c.subject, payload)
}

// Subscribe forwards subject messages until ctx is done or the subscription
// ends. Reconnects are handled by nats.Conn; a drained or closed connection
// ends the subscription for good, so the returned channel is closed and the
// caller resubscribes.
func (c *NATSChannel) Subscribe(ctx context.Context) (<-chan []byte, error) {
	in := make(chan *nats.Msg, subscriberBuffer)
	sub, err := c.nc.ChanSubscribe(c.subject, in)
	if err != nil {
		return nil, err
	}

	ended := make(chan struct{})
	var endOnce sync.Once
	sub.SetClosedHandler(func(string) {
		endOnce.Do(func() { close(ended) })
	})
	if !sub.IsValid() {
		return nil, nats.ErrBadSubscription
	}
	if err := c.nc.FlushTimeout(natsFlushTimeout); err != nil {
		_ = sub.Unsubscribe()
		return nil, err
	}

	out := make(chan []byte, subscriberBuffer)
	go func() {
		defer close(out)
		defer func() { _ = sub.Unsubscribe() }()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ended:
				return
			case msg := <-in:
				select {
				case out <- msg.Data:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
