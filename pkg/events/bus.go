// Package events implements the fleet's event bus: a thin
// publish-only bridge that turns state transitions into JSON envelopes on
// named pub/sub channels. Subscribers (WebSocket bridges, operator tools)
// live outside this package; delivery is best-effort and fire-and-forget —
// a missed delivery is acceptable because readers reconcile from the store.
package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"
)

// Envelope is the wire shape of every event published on the bus.
type Envelope struct {
	Type      string         `json:"type"`
	Data      map[string]any `json:"data"`
	Timestamp time.Time      `json:"timestamp"`
	Channel   string         `json:"-"`
}

// Publisher is the subset of store.Store the bus needs. Kept narrow so
// callers can pass a store.Store or a test double with equal ease.
type Publisher interface {
	Publish(ctx context.Context, channel, payload string) error
}

// Bus publishes typed events to named channels.
type Bus struct {
	pub    Publisher
	logger *slog.Logger
}

// New creates an event Bus backed by pub.
func New(pub Publisher, logger *slog.Logger) *Bus {
	return &Bus{pub: pub, logger: logger}
}

// Publish encodes the envelope as JSON and publishes it to channel. Errors
// are logged, never returned: the bus is fire-and-forget, and a
// publish failure must never abort the state transition that triggered it.
func (b *Bus) Publish(ctx context.Context, channel, eventType string, data map[string]any) {
	env := Envelope{Type: eventType, Data: data, Timestamp: time.Now().UTC()}
	payload, err := json.Marshal(env)
	if err != nil {
		b.logger.Error("encoding event envelope", "channel", channel, "type", eventType, "error", err)
		return
	}
	if err := b.pub.Publish(ctx, channel, string(payload)); err != nil {
		b.logger.Warn("publishing event", "channel", channel, "type", eventType, "error", err)
	}
}
