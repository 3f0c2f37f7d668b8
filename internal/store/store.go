// Pairwatch - Connection Health Supervisor for Device-Paired Messaging
// Copyright 2026 Pairwatch Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pairwatch/pairwatch

// Package store provides the persistence gateway for supervisor state.
//
// The supervisor persists three small string values (pairing state, last
// pairing request time, consecutive failure count). The gateway is a flat
// key/value contract so state survives process restarts without imposing
// any schema on callers.
package store

import "context"

// Store is the durable key/value contract used by the health checker.
//
// Get returns (value, true, nil) when the key exists and ("", false, nil)
// when it does not; the error return is reserved for storage faults.
type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
}
