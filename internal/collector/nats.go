package collector

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"
)

// Subscriber is the subset of *nats.Conn the ingest collector needs
type Subscriber interface {
	Subscribe(subject string, cb nats.MsgHandler) (*nats.Subscription, error)
}

// NATSCollector feeds observations published by remote sensors
type NATSCollector struct {
	logger    *slog.Logger
	sub       Subscriber
	subject   string
	validator *Validator
	onInvalid func(error)
}

// NewNATSCollector creates an ingest collector on subject
func NewNATSCollector(logger *slog.Logger, sub Subscriber, subject string, validator *Validator) *NATSCollector {
	return &NATSCollector{
		logger:    logger,
		sub:       sub,
		subject:   subject,
		validator: validator,
	}
}

// OnInvalid registers a hook for rejected messages
func (c *NATSCollector) OnInvalid(fn func(error)) {
	c.onInvalid = fn
}

// Name returns the collector name
func (c *NATSCollector) Name() string {
	return "nats:" + c.subject
}

// Run subscribes and delivers until ctx is cancelled
func (c *NATSCollector) Run(ctx context.Context, sink Sink) error {
	subscription, err := c.sub.Subscribe(c.subject, func(msg *nats.Msg) {
		c.handle(msg.Data, sink)
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", c.subject, err)
	}
	c.logger.Info("Subscribed to observations", "subject", c.subject)

	<-ctx.Done()
	_ = subscription.Unsubscribe()
	return nil
}

func (c *NATSCollector) handle(data []byte, sink Sink) {
	obs, err := c.validator.Decode(data)
	if err != nil {
		c.logger.Warn("Rejected observation", "subject", c.subject, "error", err)
		if c.onInvalid != nil {
			c.onInvalid(err)
		}
		return
	}
	sink(obs)
}
