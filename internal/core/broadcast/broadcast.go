// Package broadcast delivers finished risk events to the security_events
// channel (§6): Redis pub/sub as the primary fan-out, with an optional
// NATS publish mirroring the teacher's NATSPublisher for a second class of
// downstream subscriber.
package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/sentrycore/vms-core/internal/core/analyzer"
	"github.com/sentrycore/vms-core/internal/core/kvstore"
)

// Channel is the canonical pub-sub channel name (§4.1/§6).
const Channel = "security_events"

// Publisher delivers analyzer's event envelope on the Redis pub-sub channel
// and, when a NATS connection is configured, mirrors it to NATS.
type Publisher struct {
	store      kvstore.Store
	nats       *nats.Conn
	subject    string
	maxRetries int
}

// Option configures an optional NATS fan-out leg.
type Option func(*Publisher)

// WithNATS mirrors internal/nvr's NATSPublisher: the same connection,
// subject, and bounded-retry-with-backoff publish loop, reused here for
// the security_events envelope instead of NVR VmsEvents.
func WithNATS(conn *nats.Conn, subject string, maxRetries int) Option {
	return func(p *Publisher) {
		p.nats = conn
		p.subject = subject
		p.maxRetries = maxRetries
	}
}

// New builds a Publisher over the shared kvstore.Store, optionally mirroring
// to NATS.
func New(store kvstore.Store, opts ...Option) *Publisher {
	p := &Publisher{store: store, subject: Channel, maxRetries: 3}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// BroadcastEvent implements analyzer.Broadcaster: publishes env as JSON to
// the Redis security_events channel, then mirrors to NATS if configured.
// A NATS failure is logged, not returned — Redis pub/sub delivery is the
// contract §6 guarantees; NATS is a secondary fan-out leg.
func (p *Publisher) BroadcastEvent(ctx context.Context, env analyzer.EventEnvelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("broadcast: marshal envelope: %w", err)
	}

	if err := p.store.Publish(ctx, Channel, string(payload)); err != nil {
		return fmt.Errorf("broadcast: publish to %s: %w", Channel, err)
	}

	if p.nats != nil {
		if err := p.publishNATS(payload); err != nil {
			log.Printf("broadcast: nats mirror failed: %v", err)
		}
	}
	return nil
}

func (p *Publisher) publishNATS(payload []byte) error {
	var err error
	for i := 0; i <= p.maxRetries; i++ {
		err = p.nats.Publish(p.subject, payload)
		if err == nil {
			return nil
		}
		time.Sleep(time.Duration(i*100) * time.Millisecond)
	}
	return fmt.Errorf("publish failed after %d retries: %w", p.maxRetries, err)
}
