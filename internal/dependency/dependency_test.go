package dependency

import (
	"sync"
	"testing"
	"time"

	"github.com/giantswarm/celixdm/internal/cmerrors"
	"github.com/giantswarm/celixdm/pkg/registry"
)

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

func TestMutatorsRejectedWhileEnabled(t *testing.T) {
	reg := registry.New()
	d := New(reg, "I")

	if err := d.Enable(); err != nil {
		t.Fatalf("enable: %v", err)
	}
	defer d.Disable()

	if err := d.SetFilter("x=y"); !cmerrors.IsInvalidState(err) {
		t.Errorf("SetFilter while enabled: got %v, want InvalidStateError", err)
	}
	if err := d.SetRequired(true); !cmerrors.IsInvalidState(err) {
		t.Errorf("SetRequired while enabled: got %v, want InvalidStateError", err)
	}
	if err := d.SetCardinality(Many); !cmerrors.IsInvalidState(err) {
		t.Errorf("SetCardinality while enabled: got %v, want InvalidStateError", err)
	}
	if err := d.SetCallbacks(Callbacks{}); !cmerrors.IsInvalidState(err) {
		t.Errorf("SetCallbacks while enabled: got %v, want InvalidStateError", err)
	}
}

func TestEnableIdempotent(t *testing.T) {
	reg := registry.New()
	d := New(reg, "I")

	if err := d.Enable(); err != nil {
		t.Fatalf("enable: %v", err)
	}
	if err := d.Enable(); err != nil {
		t.Fatalf("second enable: %v", err)
	}
	if !d.IsEnabled() {
		t.Error("expected dependency to be enabled")
	}
	d.Disable()
	if d.IsEnabled() {
		t.Error("expected dependency to be disabled")
	}
	d.Disable() // idempotent, must not panic
}

func TestRequiredOneResolvesOnMatch(t *testing.T) {
	reg := registry.New()
	d := New(reg, "I")
	d.SetRequired(true)

	if err := d.Enable(); err != nil {
		t.Fatalf("enable: %v", err)
	}
	defer d.Disable()

	if d.IsResolved() {
		t.Fatal("expected unresolved before any match")
	}

	if _, err := reg.Register("I", "svc", nil); err != nil {
		t.Fatalf("register: %v", err)
	}
	waitFor(t, time.Second, d.IsResolved)
}

func TestManyNotRequiredResolvedWhenEmpty(t *testing.T) {
	reg := registry.New()
	d := New(reg, "I")
	d.SetCardinality(Many)
	d.SetRequired(false)

	if err := d.Enable(); err != nil {
		t.Fatalf("enable: %v", err)
	}
	defer d.Disable()

	waitFor(t, time.Second, d.IsResolved)
}

func TestManyRequiredNotResolvedWhenEmpty(t *testing.T) {
	reg := registry.New()
	d := New(reg, "I")
	d.SetCardinality(Many)
	d.SetRequired(true)

	if err := d.Enable(); err != nil {
		t.Fatalf("enable: %v", err)
	}
	defer d.Disable()

	time.Sleep(20 * time.Millisecond)
	if d.IsResolved() {
		t.Error("expected unresolved: Many+required with no matches")
	}
}

func TestStateChangedFiresAfterEachTrackerEvent(t *testing.T) {
	reg := registry.New()
	d := New(reg, "I")

	var mu sync.Mutex
	var calls int
	d.SetStateChangedCallback(func() {
		mu.Lock()
		calls++
		mu.Unlock()
	})

	if err := d.Enable(); err != nil {
		t.Fatalf("enable: %v", err)
	}
	defer d.Disable()

	id, _ := reg.Register("I", "svc", nil)
	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls >= 1
	})

	reg.Unregister(id)
	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls >= 2
	})
}

func TestGetStrategyReflectsSetStrategy(t *testing.T) {
	reg := registry.New()
	d := New(reg, "I")

	if got := d.GetStrategy(); got != StrategySuspend {
		t.Fatalf("default strategy = %v, want StrategySuspend", got)
	}
	if err := d.SetStrategy(StrategyLocking); err != nil {
		t.Fatalf("SetStrategy: %v", err)
	}
	if got := d.GetStrategy(); got != StrategyLocking {
		t.Fatalf("strategy after SetStrategy(StrategyLocking) = %v, want StrategyLocking", got)
	}
}

func TestSetSimpleCallbacksAdaptsToInstance(t *testing.T) {
	reg := registry.New()
	d := New(reg, "I")

	var mu sync.Mutex
	var added, removed any
	var setPresent bool
	var updated []any

	err := d.SetSimpleCallbacks(SimpleCallbacks{
		OnAdd: func(svc any) {
			mu.Lock()
			added = svc
			mu.Unlock()
		},
		OnRemove: func(svc any) {
			mu.Lock()
			removed = svc
			mu.Unlock()
		},
		OnSet: func(svc any, present bool) {
			mu.Lock()
			setPresent = present
			mu.Unlock()
		},
		OnUpdate: func(ranked []any) {
			mu.Lock()
			updated = ranked
			mu.Unlock()
		},
	})
	if err != nil {
		t.Fatalf("SetSimpleCallbacks: %v", err)
	}

	if err := d.Enable(); err != nil {
		t.Fatalf("enable: %v", err)
	}
	defer d.Disable()

	id, err := reg.Register("I", "svc-instance", nil)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return added != nil && setPresent && len(updated) == 1
	})
	mu.Lock()
	if added != "svc-instance" {
		t.Errorf("OnAdd received %v, want %q", added, "svc-instance")
	}
	if updated[0] != "svc-instance" {
		t.Errorf("OnUpdate received %v, want [%q]", updated, "svc-instance")
	}
	mu.Unlock()

	reg.Unregister(id)
	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return removed != nil
	})
	mu.Lock()
	if removed != "svc-instance" {
		t.Errorf("OnRemove received %v, want %q", removed, "svc-instance")
	}
	mu.Unlock()
}

func TestCallbackGateCrossedPerStrategy(t *testing.T) {
	reg := registry.New()
	d := New(reg, "I")
	if err := d.SetStrategy(StrategyLocking); err != nil {
		t.Fatalf("SetStrategy: %v", err)
	}

	var gateCalls int
	var gotStrategy Strategy
	d.SetCallbackGate(func(strategy Strategy, fn func()) {
		gateCalls++
		gotStrategy = strategy
		fn()
	})
	d.SetCallbacks(Callbacks{OnAdd: func(Service) {}})

	if err := d.Enable(); err != nil {
		t.Fatalf("enable: %v", err)
	}
	defer d.Disable()

	if _, err := reg.Register("I", "svc", nil); err != nil {
		t.Fatalf("register: %v", err)
	}
	waitFor(t, time.Second, func() bool { return gateCalls > 0 })
	if gotStrategy != StrategyLocking {
		t.Errorf("gate saw strategy %v, want StrategyLocking", gotStrategy)
	}
}

func TestCallbackPanicDoesNotCorruptDependency(t *testing.T) {
	reg := registry.New()
	d := New(reg, "I")
	d.SetCallbacks(Callbacks{
		OnAdd: func(Service) { panic("boom") },
	})

	if err := d.Enable(); err != nil {
		t.Fatalf("enable: %v", err)
	}
	defer d.Disable()

	if _, err := reg.Register("I", "svc", nil); err != nil {
		t.Fatalf("register: %v", err)
	}
	waitFor(t, time.Second, d.IsResolved)
}
