// Pairwatch - Connection Health Supervisor for Device-Paired Messaging
// Copyright 2026 Pairwatch Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pairwatch/pairwatch

// Package notify delivers pairing codes to the operator channel.
//
// Delivery is strictly best-effort: every failure is logged and reported
// as a boolean so the recovery bookkeeping never rolls back because the
// operator could not be reached. A circuit breaker shields the messaging
// channel from repeated attempts while it is broken, and a rate limiter
// caps outbound sends independently of the supervisor's cooldown policy.
package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"github.com/pairwatch/pairwatch/internal/logging"
)

// Channel is the transport that reaches the operator, typically the same
// messaging gateway the supervisor watches.
type Channel interface {
	OpenConversation(ctx context.Context, target string) (string, error)
	PostMessage(ctx context.Context, handle, text string) error
}

// Notifier posts pairing-code alerts to a single operator target.
type Notifier struct {
	channel Channel
	breaker *gobreaker.CircuitBreaker[any]
	limiter *rate.Limiter

	mu      sync.Mutex
	handles map[string]string // target -> open conversation handle
}

// NewNotifier creates a notifier over the given channel.
func NewNotifier(channel Channel) *Notifier {
	settings := gobreaker.Settings{
		Name:    "operator-notify",
		Timeout: 5 * time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	}

	return &Notifier{
		channel: channel,
		breaker: gobreaker.NewCircuitBreaker[any](settings),
		limiter: rate.NewLimiter(rate.Every(time.Minute), 1),
		handles: make(map[string]string),
	}
}

// Notify posts the pairing code and waiting window to target. Returns true
// only when the message was accepted by the channel. Never returns an
// error; failures are logged.
func (n *Notifier) Notify(ctx context.Context, target, code string, waitWindow time.Duration) bool {
	if !n.limiter.Allow() {
		logging.Warn().Str("target", target).Msg("notification rate limit exceeded, dropping")
		return false
	}

	text := formatMessage(code, waitWindow)

	_, err := n.breaker.Execute(func() (any, error) {
		handle, err := n.conversation(ctx, target)
		if err != nil {
			return nil, err
		}

		if err := n.channel.PostMessage(ctx, handle, text); err != nil {
			// The cached handle may be stale; drop it so the next attempt
			// reopens the conversation.
			n.forget(target)
			return nil, fmt.Errorf("post message: %w", err)
		}
		return nil, nil
	})

	if err != nil {
		logging.Error().Err(err).Str("target", target).Msg("operator notification failed")
		return false
	}

	logging.Info().Str("target", target).Msg("operator notified of pairing code")
	return true
}

// conversation returns a cached conversation handle for target, opening a
// new one if needed.
func (n *Notifier) conversation(ctx context.Context, target string) (string, error) {
	n.mu.Lock()
	handle, ok := n.handles[target]
	n.mu.Unlock()
	if ok {
		return handle, nil
	}

	handle, err := n.channel.OpenConversation(ctx, target)
	if err != nil {
		return "", fmt.Errorf("open conversation: %w", err)
	}

	n.mu.Lock()
	n.handles[target] = handle
	n.mu.Unlock()
	return handle, nil
}

// forget drops the cached conversation handle for target.
func (n *Notifier) forget(target string) {
	n.mu.Lock()
	delete(n.handles, target)
	n.mu.Unlock()
}

// formatMessage renders the operator-facing alert text.
func formatMessage(code string, waitWindow time.Duration) string {
	return fmt.Sprintf(
		"Pairwatch: the messaging connection is down and needs re-pairing.\n\n"+
			"Pairing code: %s\n\n"+
			"On the paired phone, open the messaging app, choose \"Link a device\", "+
			"and enter the code. If pairing is not completed within %s, a fresh "+
			"code will be requested automatically.",
		code, humanDuration(waitWindow),
	)
}

// humanDuration renders a duration in operator-friendly units.
func humanDuration(d time.Duration) string {
	switch {
	case d >= time.Hour:
		hours := int(d / time.Hour)
		mins := int((d % time.Hour) / time.Minute)
		if mins == 0 {
			return fmt.Sprintf("%d %s", hours, plural("hour", hours))
		}
		return fmt.Sprintf("%d %s %d %s", hours, plural("hour", hours), mins, plural("minute", mins))
	case d >= time.Minute:
		mins := int(d / time.Minute)
		return fmt.Sprintf("%d %s", mins, plural("minute", mins))
	default:
		secs := int(d / time.Second)
		return fmt.Sprintf("%d %s", secs, plural("second", secs))
	}
}

// plural appends "s" for counts other than one.
func plural(unit string, n int) string {
	if n == 1 {
		return unit
	}
	return unit + "s"
}
