package component

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/giantswarm/celixdm/internal/cmerrors"
	"github.com/giantswarm/celixdm/internal/dependency"
	"github.com/giantswarm/celixdm/pkg/registry"
)

// counters tallies lifecycle callback invocations for assertions.
type counters struct {
	init, start, stop, deinit atomic.Int64
}

func (c *counters) callbacks() Callbacks {
	return Callbacks{
		Init:   func() { c.init.Add(1) },
		Start:  func() { c.start.Add(1) },
		Stop:   func() { c.stop.Add(1) },
		Deinit: func() { c.deinit.Add(1) },
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

// TestS1SimpleLifecycleNoDeps reproduces scenario S1.
func TestS1SimpleLifecycleNoDeps(t *testing.T) {
	reg := registry.New()
	cm := New(reg, "A", nil)
	var c counters
	cm.SetCallbacks(c.callbacks())

	if err := cm.Enable(); err != nil {
		t.Fatalf("enable: %v", err)
	}
	if cm.State() != Started {
		t.Fatalf("state after enable = %v, want Started", cm.State())
	}

	if err := cm.Disable(); err != nil {
		t.Fatalf("disable: %v", err)
	}

	if got := c.init.Load(); got != 1 {
		t.Errorf("init = %d, want 1", got)
	}
	if got := c.start.Load(); got != 1 {
		t.Errorf("start = %d, want 1", got)
	}
	if got := c.stop.Load(); got != 1 {
		t.Errorf("stop = %d, want 1", got)
	}
	if got := c.deinit.Load(); got != 1 {
		t.Errorf("deinit = %d, want 1", got)
	}
	if cm.State() != Disabled {
		t.Errorf("final state = %v, want Disabled", cm.State())
	}
}

// TestS2RequiredDepArrivesLate reproduces scenario S2.
func TestS2RequiredDepArrivesLate(t *testing.T) {
	reg := registry.New()
	cm := New(reg, "B", nil)
	var c counters
	cm.SetCallbacks(c.callbacks())

	sd := cm.AddServiceDependency("I")
	sd.SetRequired(true)

	if err := cm.Enable(); err != nil {
		t.Fatalf("enable: %v", err)
	}
	if cm.State() != Uninitialized {
		t.Fatalf("state after enable = %v, want Uninitialized", cm.State())
	}
	if c.init.Load() != 0 {
		t.Fatalf("init = %d, want 0", c.init.Load())
	}

	if _, err := reg.Register("I", "svc", registry.Properties{registry.ServiceRanking: 0}); err != nil {
		t.Fatalf("register: %v", err)
	}

	waitFor(t, time.Second, func() bool { return cm.State() == Started })
	if c.init.Load() != 1 || c.start.Load() != 1 {
		t.Errorf("init=%d start=%d, want 1,1", c.init.Load(), c.start.Load())
	}
}

// TestS3ResolutionIndependentOfRanking relates to scenario S3, exercised directly against
// the tracker package's own test (see internal/tracker); here we only
// confirm the component manager resolves once any match exists regardless
// of which one is currently top-ranked.
func TestS3ResolutionIndependentOfRanking(t *testing.T) {
	reg := registry.New()
	cm := New(reg, "C", nil)
	sd := cm.AddServiceDependency("I")
	sd.SetRequired(true)

	if err := cm.Enable(); err != nil {
		t.Fatalf("enable: %v", err)
	}

	reg.Register("I", "svc1", registry.Properties{registry.ServiceRanking: 0})
	waitFor(t, time.Second, func() bool { return cm.State() == Started })
}

// TestS4LoseRequiredDepWhileStarted reproduces scenario S4.
func TestS4LoseRequiredDepWhileStarted(t *testing.T) {
	reg := registry.New()
	cm := New(reg, "D", nil)
	var c counters
	cm.SetCallbacks(c.callbacks())

	sd := cm.AddServiceDependency("I")
	sd.SetRequired(true)

	if err := cm.Enable(); err != nil {
		t.Fatalf("enable: %v", err)
	}
	id, err := reg.Register("I", "svc", nil)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	waitFor(t, time.Second, func() bool { return cm.State() == Started })

	if err := reg.Unregister(id); err != nil {
		t.Fatalf("unregister: %v", err)
	}
	waitFor(t, time.Second, func() bool { return cm.State() == Uninitialized })

	if c.stop.Load() != 1 {
		t.Errorf("stop = %d, want 1", c.stop.Load())
	}
	if c.deinit.Load() != 1 {
		t.Errorf("deinit = %d, want 1", c.deinit.Load())
	}
	if !cm.IsEnabled() {
		t.Error("expected component manager to remain enabled")
	}
}

// TestS5PanicInStartThenRetry reproduces scenario S5.
func TestS5PanicInStartThenRetry(t *testing.T) {
	reg := registry.New()
	cm := New(reg, "E", nil)

	var startCalls atomic.Int64
	cm.SetCallbacks(Callbacks{
		Start: func() {
			if startCalls.Add(1) == 1 {
				panic("first start fails")
			}
		},
	})

	sd := cm.AddServiceDependency("I")
	sd.SetRequired(true)
	if _, err := reg.Register("I", "svc", nil); err != nil {
		t.Fatalf("register: %v", err)
	}

	if err := cm.Enable(); err != nil {
		t.Fatalf("enable: %v", err)
	}
	waitFor(t, time.Second, func() bool { return startCalls.Load() == 1 })
	// Give the abandoned transition a moment to settle; state must not
	// advance past Initialized after the panic.
	time.Sleep(20 * time.Millisecond)
	if cm.State() != Initialized {
		t.Fatalf("state after panicking start = %v, want Initialized", cm.State())
	}

	// A no-op Enable() re-triggers update_state; the retried start succeeds.
	if err := cm.Enable(); err != nil {
		t.Fatalf("second enable: %v", err)
	}
	waitFor(t, time.Second, func() bool { return cm.State() == Started })
}

// TestS6ReentrantDisable reproduces scenario S6.
func TestS6ReentrantDisable(t *testing.T) {
	reg := registry.New()
	cm := New(reg, "F", nil)

	var reentrantErr error
	cm.SetCallbacks(Callbacks{
		Start: func() {
			reentrantErr = cm.Disable()
		},
	})

	if err := cm.Enable(); err != nil {
		t.Fatalf("enable: %v", err)
	}

	if reentrantErr == nil {
		t.Fatal("expected reentrant disable to return an error")
	}
	if !cmerrors.IsReentrant(reentrantErr) {
		t.Errorf("error = %v, want ReentrantError", reentrantErr)
	}
	if cm.State() != Started {
		t.Errorf("state = %v, want Started (user must disable from outside)", cm.State())
	}

	if err := cm.Disable(); err != nil {
		t.Fatalf("external disable: %v", err)
	}
	if cm.State() != Disabled {
		t.Errorf("state after external disable = %v, want Disabled", cm.State())
	}
}

// TestB1ZeroRequiredDepsStartsImmediately covers B1.
func TestB1ZeroRequiredDepsStartsImmediately(t *testing.T) {
	reg := registry.New()
	cm := New(reg, "G", nil)
	if !cm.IsResolved() {
		t.Fatal("expected zero-dependency component to be resolved")
	}
	if err := cm.Enable(); err != nil {
		t.Fatalf("enable: %v", err)
	}
	if cm.State() != Started {
		t.Fatalf("state = %v, want Started", cm.State())
	}
}

// TestB2RemovingLastRequiredDepCyclesThroughUninitialized covers B2.
func TestB2RemovingLastRequiredDepCyclesThroughUninitialized(t *testing.T) {
	reg := registry.New()
	cm := New(reg, "H", nil)
	var c counters
	cm.SetCallbacks(c.callbacks())

	sd := cm.AddServiceDependency("I")
	sd.SetRequired(true)
	if _, err := reg.Register("I", "svc", nil); err != nil {
		t.Fatalf("register: %v", err)
	}

	if err := cm.Enable(); err != nil {
		t.Fatalf("enable: %v", err)
	}
	waitFor(t, time.Second, func() bool { return cm.State() == Started })

	if err := cm.RemoveServiceDependency(sd.UUID()); err != nil {
		t.Fatalf("remove dependency: %v", err)
	}

	if cm.State() != Started {
		t.Fatalf("state after removing last required dep = %v, want Started", cm.State())
	}
	if c.stop.Load() < 1 || c.deinit.Load() < 1 {
		t.Errorf("expected a stop/deinit cycle, got stop=%d deinit=%d", c.stop.Load(), c.deinit.Load())
	}
	if c.start.Load() < 2 || c.init.Load() < 2 {
		t.Errorf("expected a re-init/re-start, got init=%d start=%d", c.init.Load(), c.start.Load())
	}
}

// TestB3PanicLeavesStatePreCallback covers B3 directly (see also S5).
func TestB3PanicLeavesStatePreCallback(t *testing.T) {
	reg := registry.New()
	cm := New(reg, "J", nil)
	cm.SetCallbacks(Callbacks{Init: func() { panic("boom") }})

	if err := cm.Enable(); err != nil {
		t.Fatalf("enable: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if cm.State() != Uninitialized {
		t.Fatalf("state after panicking init = %v, want Uninitialized (pre-callback value)", cm.State())
	}
}

// TestR1EnableIdempotent covers R1: enable(); enable() produces no extra
// callbacks relative to a single enable().
func TestR1EnableIdempotent(t *testing.T) {
	reg := registry.New()
	cm := New(reg, "K", nil)
	var c counters
	cm.SetCallbacks(c.callbacks())

	if err := cm.Enable(); err != nil {
		t.Fatalf("enable: %v", err)
	}
	if err := cm.Enable(); err != nil {
		t.Fatalf("second enable: %v", err)
	}
	if c.init.Load() != 1 || c.start.Load() != 1 {
		t.Errorf("init=%d start=%d after double enable, want 1,1", c.init.Load(), c.start.Load())
	}
}

// TestR2EnableDisableRoundTrip covers R2.
func TestR2EnableDisableRoundTrip(t *testing.T) {
	reg := registry.New()
	cm := New(reg, "L", nil)
	var c counters
	cm.SetCallbacks(c.callbacks())

	if err := cm.Enable(); err != nil {
		t.Fatalf("enable: %v", err)
	}
	if err := cm.Disable(); err != nil {
		t.Fatalf("disable: %v", err)
	}
	if cm.State() != Disabled {
		t.Fatalf("state = %v, want Disabled", cm.State())
	}
	if c.init.Load() != c.deinit.Load() {
		t.Errorf("unmatched init/deinit: %d vs %d", c.init.Load(), c.deinit.Load())
	}
	if c.start.Load() != c.stop.Load() {
		t.Errorf("unmatched start/stop: %d vs %d", c.start.Load(), c.stop.Load())
	}
}

// TestP1CallbackPairingUnderConcurrentDependencyChurn covers P1: across a
// finite history, #init-#deinit and #start-#stop never drift outside {0,1}.
func TestP1CallbackPairingUnderConcurrentDependencyChurn(t *testing.T) {
	reg := registry.New()
	cm := New(reg, "M", nil)

	var mu sync.Mutex
	var initN, startN, stopN, deinitN int64
	maxDrift := func(a, b int64) int64 {
		d := a - b
		if d < 0 {
			d = -d
		}
		return d
	}

	cm.SetCallbacks(Callbacks{
		Init:   func() { mu.Lock(); initN++; d := maxDrift(initN, deinitN); mu.Unlock(); checkDrift(t, d) },
		Start:  func() { mu.Lock(); startN++; d := maxDrift(startN, stopN); mu.Unlock(); checkDrift(t, d) },
		Stop:   func() { mu.Lock(); stopN++; mu.Unlock() },
		Deinit: func() { mu.Lock(); deinitN++; mu.Unlock() },
	})

	sd := cm.AddServiceDependency("I")
	sd.SetRequired(true)
	if err := cm.Enable(); err != nil {
		t.Fatalf("enable: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, err := reg.Register("I", "svc", nil)
			if err != nil {
				return
			}
			time.Sleep(time.Millisecond)
			reg.Unregister(id)
		}()
	}
	wg.Wait()
	time.Sleep(50 * time.Millisecond)

	cm.Disable()

	mu.Lock()
	defer mu.Unlock()
	if maxDrift(initN, deinitN) > 1 {
		t.Errorf("final init/deinit drift %d exceeds 1", maxDrift(initN, deinitN))
	}
	if maxDrift(startN, stopN) > 1 {
		t.Errorf("final start/stop drift %d exceeds 1", maxDrift(startN, stopN))
	}
}

func checkDrift(t *testing.T, d int64) {
	t.Helper()
	if d > 1 {
		t.Errorf("callback pairing drift %d exceeds 1", d)
	}
}

// TestLockingStrategySerializesAgainstLifecycleCallback covers the
// callbackGate wiring: a StrategyLocking dependency callback must never
// overlap an in-flight lifecycle callback on the same Manager.
func TestLockingStrategySerializesAgainstLifecycleCallback(t *testing.T) {
	reg := registry.New()
	cm := New(reg, "O", nil)

	var mu sync.Mutex
	var inLifecycle, overlapDetected bool

	cm.SetCallbacks(Callbacks{
		Start: func() {
			mu.Lock()
			inLifecycle = true
			mu.Unlock()
			time.Sleep(20 * time.Millisecond)
			mu.Lock()
			inLifecycle = false
			mu.Unlock()
		},
	})

	sd := cm.AddServiceDependency("I")
	sd.SetRequired(true)
	if err := sd.SetStrategy(dependency.StrategyLocking); err != nil {
		t.Fatalf("SetStrategy: %v", err)
	}
	sd.SetCallbacks(dependency.Callbacks{
		OnAdd: func(dependency.Service) {
			mu.Lock()
			if inLifecycle {
				overlapDetected = true
			}
			mu.Unlock()
		},
	})

	if _, err := reg.Register("I", "svc", nil); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := cm.Enable(); err != nil {
		t.Fatalf("enable: %v", err)
	}
	waitFor(t, time.Second, func() bool { return cm.State() == Started })

	mu.Lock()
	defer mu.Unlock()
	if overlapDetected {
		t.Error("StrategyLocking dependency callback observed an in-flight lifecycle callback")
	}
}

// TestReentrantRemoveServiceDependency exercises the reentrant guard on
// RemoveServiceDependency analogous to S6 for Disable.
func TestReentrantRemoveServiceDependency(t *testing.T) {
	reg := registry.New()
	cm := New(reg, "N", nil)
	sd := cm.AddServiceDependency("I")

	var err error
	cm.SetCallbacks(Callbacks{
		Start: func() { err = cm.RemoveServiceDependency(sd.UUID()) },
	})

	if enableErr := cm.Enable(); enableErr != nil {
		t.Fatalf("enable: %v", enableErr)
	}
	if err == nil || !cmerrors.IsReentrant(err) {
		t.Errorf("expected ReentrantError, got %v", err)
	}
}
