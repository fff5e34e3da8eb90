package nats

import (
	"context"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/plaenen/commandcore/pkg/domain"
)

// Consumer delivers outcomes from every partition to one handler. Each
// partition gets its own durable consumer named <durable>-<partition>, so
// outcomes of one aggregate arrive in commit order.
type Consumer struct {
	pub     *Publisher
	durable string
	handler func(*domain.OutcomeEvent) error
	subs    []*nats.Subscription
}

// NewConsumer creates a consumer over pub's stream.
func NewConsumer(pub *Publisher, durable string, handler func(*domain.OutcomeEvent) error) *Consumer {
	return &Consumer{pub: pub, durable: durable, handler: handler}
}

func (c *Consumer) Name() string {
	return "outcome-consumer"
}

// Start subscribes to all partitions.
func (c *Consumer) Start(context.Context) error {
	for p := 0; p < c.pub.cfg.ProducerCount; p++ {
		sub, err := c.pub.Subscribe(p, fmt.Sprintf("%s-%d", c.durable, p), c.handler)
		if err != nil {
			_ = c.unsubscribe()
			return err
		}
		c.subs = append(c.subs, sub)
	}
	return nil
}

// Stop drains the subscriptions. Durable state stays on the server.
func (c *Consumer) Stop(context.Context) error {
	return c.unsubscribe()
}

func (c *Consumer) unsubscribe() error {
	var errs []error
	for _, sub := range c.subs {
		if err := sub.Drain(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
			errs = append(errs, err)
		}
	}
	c.subs = nil
	return errors.Join(errs...)
}
