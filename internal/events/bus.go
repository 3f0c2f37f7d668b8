// Pairwatch - Connection Health Supervisor for Device-Paired Messaging
// Copyright 2026 Pairwatch Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pairwatch/pairwatch

// Package events provides the in-process signal bus for supervisor events.
//
// The health checker publishes a Signal for every externally observable
// event (health checks, state transitions, skips, errors). Consumers such
// as dashboards or log shippers subscribe through Bus.Subscribe; the
// decision logic itself never depends on who is listening.
package events

import (
	"context"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/pairwatch/pairwatch/internal/logging"
)

// SignalTopic is the Watermill topic all supervisor signals are published on.
const SignalTopic = "supervisor.signals"

// Signal kinds emitted by the health checker.
const (
	KindHealthCheck      = "health_check"
	KindHealthy          = "healthy"
	KindUnhealthy        = "unhealthy"
	KindPairingRequested = "pairing_requested"
	KindNotificationSent = "pairing_notification_sent"
	KindPairingSkipped   = "pairing_skipped"
	KindError            = "error"
)

// Signal is the wire form of a supervisor event.
type Signal struct {
	Kind   string         `json:"kind"`
	At     time.Time      `json:"at"`
	Fields map[string]any `json:"fields,omitempty"`
}

// Bus is a GoChannel-backed pub/sub for supervisor signals.
// Publishing is best-effort: a publish failure is logged and never
// propagated to the caller, so a slow or absent consumer cannot stall
// a health-check tick.
type Bus struct {
	pubSub *gochannel.GoChannel
}

// NewBus creates a signal bus with a bounded per-subscriber buffer.
func NewBus() *Bus {
	return &Bus{
		pubSub: gochannel.NewGoChannel(
			gochannel.Config{OutputChannelBuffer: 256},
			watermill.NopLogger{},
		),
	}
}

// Publish emits a signal to all current subscribers.
func (b *Bus) Publish(kind string, fields map[string]any) {
	sig := Signal{Kind: kind, At: time.Now().UTC(), Fields: fields}

	payload, err := json.Marshal(sig)
	if err != nil {
		logging.Warn().Err(err).Str("kind", kind).Msg("failed to marshal signal")
		return
	}

	msg := message.NewMessage(uuid.NewString(), payload)
	if err := b.pubSub.Publish(SignalTopic, msg); err != nil {
		logging.Warn().Err(err).Str("kind", kind).Msg("failed to publish signal")
	}
}

// Subscribe returns a channel of raw signal messages. The subscription ends
// when ctx is canceled. Use DecodeSignal to unmarshal payloads.
func (b *Bus) Subscribe(ctx context.Context) (<-chan *message.Message, error) {
	return b.pubSub.Subscribe(ctx, SignalTopic)
}

// Close shuts down the bus and closes all subscriber channels.
func (b *Bus) Close() error {
	return b.pubSub.Close()
}

// DecodeSignal unmarshals a bus message into a Signal.
func DecodeSignal(msg *message.Message) (Signal, error) {
	var sig Signal
	err := json.Unmarshal(msg.Payload, &sig)
	return sig, err
}
