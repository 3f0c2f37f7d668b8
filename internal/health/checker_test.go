// Pairwatch - Connection Health Supervisor for Device-Paired Messaging
// Copyright 2026 Pairwatch Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pairwatch/pairwatch

package health

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/thejerf/suture/v4"

	"github.com/pairwatch/pairwatch/internal/config"
	"github.com/pairwatch/pairwatch/internal/events"
	"github.com/pairwatch/pairwatch/internal/store"
)

// fakeConn is a scriptable watched connection.
type fakeConn struct {
	mu sync.Mutex

	ready    bool
	readyErr error

	disconnectErr error
	connectErr    error
	pairCode      string
	pairErr       error

	disconnects int
	connects    int
	pairs       int
}

func (f *fakeConn) IsReady(context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ready, f.readyErr
}

func (f *fakeConn) Disconnect(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects++
	return f.disconnectErr
}

func (f *fakeConn) Connect(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	return f.connectErr
}

func (f *fakeConn) RequestPairingCode(context.Context, string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pairs++
	return f.pairCode, f.pairErr
}

func (f *fakeConn) setReady(ready bool) {
	f.mu.Lock()
	f.ready = ready
	f.mu.Unlock()
}

func (f *fakeConn) pairCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pairs
}

// fakeNotifier records notifications.
type fakeNotifier struct {
	mu     sync.Mutex
	ok     bool
	calls  int
	codes  []string
	target string
}

func (f *fakeNotifier) Notify(_ context.Context, target, code string, _ time.Duration) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.codes = append(f.codes, code)
	f.target = target
	return f.ok
}

func (f *fakeNotifier) notifyCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// failingStore errors on every operation.
type failingStore struct{}

func (failingStore) Get(context.Context, string) (string, bool, error) {
	return "", false, errors.New("disk on fire")
}
func (failingStore) Set(context.Context, string, string) error { return errors.New("disk on fire") }
func (failingStore) Delete(context.Context, string) error      { return errors.New("disk on fire") }

// testClock is a manually advanced clock.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func testConfig() config.SupervisorConfig {
	return config.SupervisorConfig{
		Enabled:          true,
		CheckInterval:    5 * time.Minute,
		FailureThreshold: 2,
		Cooldown:         4 * time.Hour,
		MaxPairingWait:   8 * time.Hour,
		NotifyTarget:     "operator@c.us",
		RecoveryIdentity: "15551234567",
	}
}

// newTestChecker builds a checker with zeroed grace periods and a manual
// clock.
func newTestChecker(cfg config.SupervisorConfig, conn *fakeConn, n *fakeNotifier, st store.Store) (*Checker, *testClock) {
	bus := events.NewBus()
	c := NewChecker(cfg, conn, n, st, bus)
	c.teardownGrace = 0
	c.reinitGrace = 0
	c.initialDelay = 0

	clock := &testClock{now: time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)}
	c.now = clock.Now
	return c, clock
}

// Scenario A: two consecutive unhealthy ticks with threshold 2 move the
// state to pairing_requested, with exactly one recovery and one
// notification.
func TestTwoUnhealthyTicksTriggerOneRecovery(t *testing.T) {
	conn := &fakeConn{ready: false, pairCode: "ABCDEFGH"}
	notifier := &fakeNotifier{ok: true}
	c, _ := newTestChecker(testConfig(), conn, notifier, store.NewMemStore())
	ctx := context.Background()

	status := c.ForceCheck(ctx)
	if status.PairingState != PairingIdle || status.ConsecutiveFailures != 1 {
		t.Fatalf("after tick 1: %+v", status)
	}
	if conn.pairCalls() != 0 {
		t.Fatal("recovery must not run below threshold")
	}

	status = c.ForceCheck(ctx)
	if status.PairingState != PairingRequested {
		t.Fatalf("after tick 2: state = %q, want pairing_requested", status.PairingState)
	}
	if conn.pairCalls() != 1 {
		t.Errorf("pair calls = %d, want 1", conn.pairCalls())
	}
	if notifier.notifyCalls() != 1 {
		t.Errorf("notify calls = %d, want 1", notifier.notifyCalls())
	}

	notifier.mu.Lock()
	code, target := notifier.codes[0], notifier.target
	notifier.mu.Unlock()
	if code != "ABCD-EFGH" {
		t.Errorf("notified code = %q, want formatted ABCD-EFGH", code)
	}
	if target != "operator@c.us" {
		t.Errorf("notify target = %q", target)
	}
}

// Scenario B: a failing credential request moves the state to cooldown and
// a tick shortly after is skipped without another attempt.
func TestFailedRecoveryEntersCooldown(t *testing.T) {
	conn := &fakeConn{ready: false, pairErr: errors.New("pair rejected")}
	notifier := &fakeNotifier{ok: true}
	c, clock := newTestChecker(testConfig(), conn, notifier, store.NewMemStore())
	ctx := context.Background()

	c.ForceCheck(ctx)
	status := c.ForceCheck(ctx)
	if status.PairingState != PairingCooldown {
		t.Fatalf("state = %q, want cooldown", status.PairingState)
	}
	if notifier.notifyCalls() != 0 {
		t.Error("no notification may be sent for a failed attempt")
	}

	clock.Advance(time.Minute)
	status = c.ForceCheck(ctx)
	if status.PairingState != PairingCooldown {
		t.Errorf("state = %q, want cooldown to hold", status.PairingState)
	}
	if conn.pairCalls() != 1 {
		t.Errorf("pair calls = %d, want 1 (second attempt blocked by cooldown)", conn.pairCalls())
	}
	if status.CooldownRemainingMs <= 0 {
		t.Errorf("CooldownRemainingMs = %d, want positive", status.CooldownRemainingMs)
	}
}

// Scenario C: a stale pairing_requested state past the wait window resets
// to idle even though the connection is still unhealthy.
func TestPairingWaitTimeoutResetsToIdle(t *testing.T) {
	conn := &fakeConn{ready: false, pairCode: "ABCDEFGH"}
	notifier := &fakeNotifier{ok: true}
	c, clock := newTestChecker(testConfig(), conn, notifier, store.NewMemStore())
	ctx := context.Background()

	c.ForceCheck(ctx)
	c.ForceCheck(ctx) // enters pairing_requested

	clock.Advance(9 * time.Hour)
	status := c.ForceCheck(ctx)
	if status.PairingState != PairingIdle {
		t.Errorf("state = %q, want idle after wait timeout", status.PairingState)
	}
	if status.LastPairingRequest != nil {
		t.Error("LastPairingRequest should be cleared on timeout")
	}
}

// Scenario D: ForcePairing bypasses the threshold and cooldown.
func TestForcePairingBypassesThresholdAndCooldown(t *testing.T) {
	conn := &fakeConn{ready: false, pairErr: errors.New("pair rejected")}
	notifier := &fakeNotifier{ok: true}
	c, _ := newTestChecker(testConfig(), conn, notifier, store.NewMemStore())
	ctx := context.Background()

	// Drive into cooldown, then clear the scripted failure.
	c.ForceCheck(ctx)
	c.ForceCheck(ctx)
	if c.Status().PairingState != PairingCooldown {
		t.Fatal("setup: expected cooldown")
	}
	conn.mu.Lock()
	conn.pairErr = nil
	conn.pairCode = "WXYZABCD"
	conn.mu.Unlock()

	if err := c.ForcePairing(ctx); err != nil {
		t.Fatalf("ForcePairing: %v", err)
	}

	status := c.Status()
	if status.PairingState != PairingRequested {
		t.Errorf("state = %q, want pairing_requested", status.PairingState)
	}
	if conn.pairCalls() != 2 {
		t.Errorf("pair calls = %d, want 2", conn.pairCalls())
	}
	if notifier.notifyCalls() != 1 {
		t.Errorf("notify calls = %d, want 1", notifier.notifyCalls())
	}
}

// Single-flight: while pairing_requested, unhealthy ticks skip and never
// re-invoke the orchestrator.
func TestWaitingForUserSkipsFurtherRecovery(t *testing.T) {
	conn := &fakeConn{ready: false, pairCode: "ABCDEFGH"}
	notifier := &fakeNotifier{ok: true}
	c, clock := newTestChecker(testConfig(), conn, notifier, store.NewMemStore())
	ctx := context.Background()

	bus := c.bus
	subCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	msgs, err := bus.Subscribe(subCtx)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	c.ForceCheck(ctx)
	c.ForceCheck(ctx) // enters pairing_requested

	fails := c.Status().ConsecutiveFailures
	for i := 0; i < 3; i++ {
		clock.Advance(5 * time.Minute)
		status := c.ForceCheck(ctx)
		if status.PairingState != PairingRequested {
			t.Fatalf("tick %d: state = %q", i, status.PairingState)
		}
		if status.ConsecutiveFailures != fails {
			t.Errorf("tick %d: failures = %d, want unchanged %d", i, status.ConsecutiveFailures, fails)
		}
	}
	if conn.pairCalls() != 1 {
		t.Errorf("pair calls = %d, want 1", conn.pairCalls())
	}

	// The skip reason must be surfaced on the signal bus.
	sawSkip := false
	deadline := time.After(2 * time.Second)
	for !sawSkip {
		select {
		case msg := <-msgs:
			sig, err := events.DecodeSignal(msg)
			if err != nil {
				t.Fatalf("DecodeSignal: %v", err)
			}
			msg.Ack()
			if sig.Kind == events.KindPairingSkipped && sig.Fields["reason"] == ReasonWaitingForUser {
				sawSkip = true
			}
		case <-deadline:
			t.Fatal("never saw pairing_skipped(waiting_for_user) signal")
		}
	}
}

// Liveness wins: a healthy read resets from cooldown on the next tick.
func TestHealthyReadResetsFromCooldown(t *testing.T) {
	conn := &fakeConn{ready: false, pairErr: errors.New("boom")}
	notifier := &fakeNotifier{ok: true}
	c, clock := newTestChecker(testConfig(), conn, notifier, store.NewMemStore())
	ctx := context.Background()

	c.ForceCheck(ctx)
	c.ForceCheck(ctx) // cooldown

	conn.setReady(true)
	clock.Advance(time.Minute)
	status := c.ForceCheck(ctx)

	if status.PairingState != PairingIdle {
		t.Errorf("state = %q, want idle", status.PairingState)
	}
	if status.ConsecutiveFailures != 0 {
		t.Errorf("failures = %d, want 0", status.ConsecutiveFailures)
	}
	if !status.IsHealthy {
		t.Error("IsHealthy should be true")
	}
}

// Liveness read errors count as unhealthy, never abort the loop.
func TestLivenessErrorCountsAsUnhealthy(t *testing.T) {
	conn := &fakeConn{readyErr: errors.New("socket gone")}
	notifier := &fakeNotifier{ok: true}
	c, _ := newTestChecker(testConfig(), conn, notifier, store.NewMemStore())

	status := c.ForceCheck(context.Background())
	if status.IsHealthy {
		t.Error("IsHealthy should be false on read error")
	}
	if status.ConsecutiveFailures != 1 {
		t.Errorf("failures = %d, want 1", status.ConsecutiveFailures)
	}
}

// Persistence round-trip: a fresh checker over the same store hydrates an
// equal state.
func TestPersistenceRoundTrip(t *testing.T) {
	mem := store.NewMemStore()
	conn := &fakeConn{ready: false, pairCode: "ABCDEFGH"}
	notifier := &fakeNotifier{ok: true}
	c1, _ := newTestChecker(testConfig(), conn, notifier, mem)
	ctx := context.Background()

	c1.ForceCheck(ctx)
	c1.ForceCheck(ctx) // pairing_requested, LastPairingRequest stamped
	want := c1.Status()

	c2, _ := newTestChecker(testConfig(), &fakeConn{}, &fakeNotifier{}, mem)
	c2.hydrate(ctx)
	got := c2.Status()

	if got.PairingState != want.PairingState {
		t.Errorf("PairingState = %q, want %q", got.PairingState, want.PairingState)
	}
	if got.ConsecutiveFailures != want.ConsecutiveFailures {
		t.Errorf("ConsecutiveFailures = %d, want %d", got.ConsecutiveFailures, want.ConsecutiveFailures)
	}
	if got.LastPairingRequest == nil || want.LastPairingRequest == nil {
		t.Fatalf("LastPairingRequest missing: got %v, want %v", got.LastPairingRequest, want.LastPairingRequest)
	}
	if !got.LastPairingRequest.Equal(*want.LastPairingRequest) {
		t.Errorf("LastPairingRequest = %v, want %v", got.LastPairingRequest, want.LastPairingRequest)
	}
}

// Best-effort persistence: a store that cannot be read falls back to
// defaults and never fails startup.
func TestHydrateFallsBackToDefaultsOnReadFailure(t *testing.T) {
	conn := &fakeConn{ready: true}
	notifier := &fakeNotifier{ok: true}
	c, _ := newTestChecker(testConfig(), conn, notifier, failingStore{})

	c.hydrate(context.Background())

	status := c.Status()
	if status.PairingState != PairingIdle {
		t.Errorf("state = %q, want idle defaults", status.PairingState)
	}
	if status.ConsecutiveFailures != 0 {
		t.Errorf("failures = %d, want 0", status.ConsecutiveFailures)
	}

	// Ticks keep working from memory despite write failures.
	s := c.ForceCheck(context.Background())
	if !s.IsHealthy {
		t.Error("tick should succeed against a failing store")
	}
}

// Reset restores defaults without running recovery.
func TestReset(t *testing.T) {
	conn := &fakeConn{ready: false, pairCode: "ABCDEFGH"}
	notifier := &fakeNotifier{ok: true}
	c, _ := newTestChecker(testConfig(), conn, notifier, store.NewMemStore())
	ctx := context.Background()

	c.ForceCheck(ctx)
	c.ForceCheck(ctx)
	pairsBefore := conn.pairCalls()

	c.Reset(ctx)

	status := c.Status()
	if status.PairingState != PairingIdle || status.ConsecutiveFailures != 0 {
		t.Errorf("after reset: %+v", status)
	}
	if conn.pairCalls() != pairsBefore {
		t.Error("Reset must not run recovery")
	}
}

// readOnlyStore serves reads from the wrapped store but rejects writes,
// simulating a degraded disk.
type readOnlyStore struct {
	store.Store
}

func (readOnlyStore) Set(context.Context, string, string) error { return errors.New("read-only") }
func (readOnlyStore) Delete(context.Context, string) error      { return errors.New("read-only") }

// Once settled, in-memory state stays authoritative: an explicit Reset whose
// persist fails must not be undone by a later entry point re-reading the
// stale pre-reset state from the store.
func TestResetSurvivesPersistFailure(t *testing.T) {
	mem := store.NewMemStore()
	conn := &fakeConn{ready: false, pairCode: "ABCDEFGH"}
	c, _ := newTestChecker(testConfig(), conn, &fakeNotifier{ok: true}, mem)
	ctx := context.Background()

	// Two unhealthy ticks: recovery runs, pairing_requested/2 is persisted.
	c.ForceCheck(ctx)
	c.ForceCheck(ctx)
	if got := c.Status().PairingState; got != PairingRequested {
		t.Fatalf("setup state = %q, want pairing_requested", got)
	}

	// The store degrades: reads still return the stale snapshot, writes fail.
	c.store = readOnlyStore{Store: mem}
	c.Reset(ctx)

	status := c.ForceCheck(ctx)
	if status.PairingState != PairingIdle {
		t.Errorf("state = %q, want idle: reset was undone by re-hydration", status.PairingState)
	}
	if status.ConsecutiveFailures != 1 {
		t.Errorf("failures = %d, want 1 (one unhealthy tick after reset)", status.ConsecutiveFailures)
	}
}

// Status is a pure projection: reading it performs no writes.
func TestStatusDoesNotWrite(t *testing.T) {
	mem := store.NewMemStore()
	writes := &countingStore{Store: mem}
	conn := &fakeConn{ready: true}
	c, _ := newTestChecker(testConfig(), conn, &fakeNotifier{ok: true}, writes)

	c.ForceCheck(context.Background())
	before := writes.writeCount()

	for i := 0; i < 5; i++ {
		c.Status()
	}

	if after := writes.writeCount(); after != before {
		t.Errorf("Status caused %d writes", after-before)
	}
}

// countingStore counts mutating operations.
type countingStore struct {
	store.Store
	mu     sync.Mutex
	writes int
}

func (c *countingStore) Set(ctx context.Context, key, value string) error {
	c.mu.Lock()
	c.writes++
	c.mu.Unlock()
	return c.Store.Set(ctx, key, value)
}

func (c *countingStore) Delete(ctx context.Context, key string) error {
	c.mu.Lock()
	c.writes++
	c.mu.Unlock()
	return c.Store.Delete(ctx, key)
}

func (c *countingStore) writeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writes
}

// Non-overlap: concurrent administrative checks serialize on the run guard,
// so the watched connection never sees two liveness reads at once.
func TestTicksNeverOverlap(t *testing.T) {
	conn := &overlapConn{delay: 20 * time.Millisecond}
	bus := events.NewBus()
	c := NewChecker(testConfig(), conn, &fakeNotifier{ok: true}, store.NewMemStore(), bus)
	c.teardownGrace = 0
	c.reinitGrace = 0

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.ForceCheck(context.Background())
		}()
	}
	wg.Wait()

	if max := atomic.LoadInt32(&conn.maxInFlight); max > 1 {
		t.Errorf("observed %d concurrent liveness reads, want at most 1", max)
	}
}

// overlapConn tracks concurrent IsReady calls.
type overlapConn struct {
	delay       time.Duration
	inFlight    int32
	maxInFlight int32
}

func (o *overlapConn) IsReady(context.Context) (bool, error) {
	cur := atomic.AddInt32(&o.inFlight, 1)
	for {
		prev := atomic.LoadInt32(&o.maxInFlight)
		if cur <= prev || atomic.CompareAndSwapInt32(&o.maxInFlight, prev, cur) {
			break
		}
	}
	time.Sleep(o.delay)
	atomic.AddInt32(&o.inFlight, -1)
	return true, nil
}

func (o *overlapConn) Disconnect(context.Context) error { return nil }
func (o *overlapConn) Connect(context.Context) error    { return nil }
func (o *overlapConn) RequestPairingCode(context.Context, string) (string, error) {
	return "ABCDEFGH", nil
}

// Disabled checkers never schedule.
func TestDisabledCheckerServeReturnsImmediately(t *testing.T) {
	cfg := testConfig()
	cfg.Enabled = false
	c, _ := newTestChecker(cfg, &fakeConn{}, &fakeNotifier{}, store.NewMemStore())

	done := make(chan error, 1)
	go func() { done <- c.Serve(context.Background()) }()

	select {
	case err := <-done:
		if !errors.Is(err, suture.ErrDoNotRestart) {
			t.Errorf("disabled Serve returned %v, want suture.ErrDoNotRestart", err)
		}
	case <-time.After(time.Second):
		t.Fatal("disabled Serve should return immediately")
	}
}

// Start/Stop lifecycle is idempotent and drives real ticks.
func TestStartStopLifecycle(t *testing.T) {
	cfg := testConfig()
	cfg.CheckInterval = 10 * time.Millisecond
	conn := &fakeConn{ready: true}
	c, _ := newTestChecker(cfg, conn, &fakeNotifier{ok: true}, store.NewMemStore())
	c.now = time.Now // real clock for the loop

	c.Start()
	c.Start() // no-op

	deadline := time.Now().Add(2 * time.Second)
	for c.Status().LastCheck == nil {
		if time.Now().After(deadline) {
			t.Fatal("no tick observed after Start")
		}
		time.Sleep(5 * time.Millisecond)
	}

	c.Stop()
	c.Stop() // idempotent
}
