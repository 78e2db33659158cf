// Package dependency implements the Service Dependency: one declared
// requirement of a component. It wraps a tracker, forwards its events to
// the owning component, and reports a boolean resolved signal.
package dependency

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/giantswarm/celixdm/internal/cmerrors"
	"github.com/giantswarm/celixdm/internal/tracker"
	"github.com/giantswarm/celixdm/pkg/logging"
	"github.com/giantswarm/celixdm/pkg/registry"
)

const subsystem = "ServiceDependency"

// Cardinality and its values are re-exported from tracker so callers of
// this package never need to import it directly.
type Cardinality = tracker.Cardinality

const (
	One  = tracker.One
	Many = tracker.Many
)

// Strategy selects which per-component gate a dependency callback must
// cross before running user code. The gate itself is a per-Component
// Manager reader/writer lock installed via SetCallbackGate: lifecycle
// callbacks always take the writer side; StrategySuspend dependency
// callbacks take the reader side (so they may run concurrently with other
// StrategySuspend callbacks but never with a lifecycle callback);
// StrategyLocking dependency callbacks take the writer side, fully
// serializing them with lifecycle callbacks and with each other.
type Strategy int

const (
	// StrategySuspend lets dependency callbacks run concurrently with each
	// other as readers, only waiting out an in-flight lifecycle callback.
	StrategySuspend Strategy = iota
	// StrategyLocking fully serializes dependency callbacks with lifecycle
	// callbacks and with each other.
	StrategyLocking
)

// CallbackGate is the hook a Component Manager installs (via
// SetCallbackGate) on every Dependency it owns, used to serialize delivered
// callbacks against the Manager's own lifecycle callbacks per the
// configured Strategy. It must invoke fn exactly once.
type CallbackGate func(strategy Strategy, fn func())

// Service is a resolved, ranked view of one matching registration.
type Service = tracker.Service

// Callbacks are the richer callback form carrying properties, matching the
// Celix C++ original's setFunctionCallbacks signatures (owner-bundle is
// dropped: this module has no bundle loader for it to carry).
type Callbacks struct {
	OnSet    func(svc Service, present bool)
	OnAdd    func(svc Service)
	OnRemove func(svc Service)
	OnUpdate func(ranked []Service)
}

// SimpleCallbacks is the plain (svc) callback form the core specification
// describes; Properties are available on Service itself for callers that
// want them without switching to Callbacks.
type SimpleCallbacks struct {
	OnSet    func(svc any, present bool)
	OnAdd    func(svc any)
	OnRemove func(svc any)
	OnUpdate func(ranked []any)
}

// Dependency is one declared service requirement of a component.
type Dependency struct {
	uuid        string
	serviceType string
	reg         registry.Registry

	mu          sync.Mutex
	filter      string
	required    bool
	cardinality Cardinality
	strategy    Strategy
	callbacks   Callbacks
	trk         *tracker.Tracker
	gate        CallbackGate

	stateChanged func()
}

// New constructs a disabled Dependency for serviceType against reg.
func New(reg registry.Registry, serviceType string) *Dependency {
	return &Dependency{
		uuid:        uuid.NewString(),
		serviceType: serviceType,
		reg:         reg,
		cardinality: One,
	}
}

// UUID returns the dependency's stable identity.
func (d *Dependency) UUID() string { return d.uuid }

// ServiceType returns the configured service type.
func (d *Dependency) ServiceType() string { return d.serviceType }

func (d *Dependency) invalidState(reason string) error {
	return fmt.Errorf("dependency: %w", &cmerrors.InvalidStateError{Component: "ServiceDependency", UUID: d.uuid, Reason: reason})
}

// SetFilter sets the filter expression. Valid only while disabled.
func (d *Dependency) SetFilter(filter string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.trk != nil {
		return d.invalidState("cannot set filter while enabled")
	}
	d.filter = filter
	return nil
}

// SetRequired sets whether absence of this dependency blocks the owning
// component from reaching Started. Valid only while disabled.
func (d *Dependency) SetRequired(required bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.trk != nil {
		return d.invalidState("cannot set required while enabled")
	}
	d.required = required
	return nil
}

// SetCardinality sets One or Many. Valid only while disabled.
func (d *Dependency) SetCardinality(c Cardinality) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.trk != nil {
		return d.invalidState("cannot set cardinality while enabled")
	}
	d.cardinality = c
	return nil
}

// SetStrategy sets the locking strategy. Valid only while disabled.
func (d *Dependency) SetStrategy(s Strategy) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.trk != nil {
		return d.invalidState("cannot set strategy while enabled")
	}
	d.strategy = s
	return nil
}

// GetStrategy returns the configured locking strategy.
func (d *Dependency) GetStrategy() Strategy {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.strategy
}

// SetCallbacks installs the richer (svc, Properties)-carrying callback
// form. Valid only while disabled.
func (d *Dependency) SetCallbacks(cb Callbacks) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.trk != nil {
		return d.invalidState("cannot set callbacks while enabled")
	}
	d.callbacks = cb
	return nil
}

// SetSimpleCallbacks installs the plain (svc) callback form, adapting each
// call into the richer form.
func (d *Dependency) SetSimpleCallbacks(cb SimpleCallbacks) error {
	return d.SetCallbacks(Callbacks{
		OnSet: func(svc Service, present bool) {
			if cb.OnSet != nil {
				cb.OnSet(svc.Instance, present)
			}
		},
		OnAdd: func(svc Service) {
			if cb.OnAdd != nil {
				cb.OnAdd(svc.Instance)
			}
		},
		OnRemove: func(svc Service) {
			if cb.OnRemove != nil {
				cb.OnRemove(svc.Instance)
			}
		},
		OnUpdate: func(ranked []Service) {
			if cb.OnUpdate != nil {
				instances := make([]any, len(ranked))
				for i, s := range ranked {
					instances[i] = s.Instance
				}
				cb.OnUpdate(instances)
			}
		},
	})
}

// SetCallbackGate installs the hook invoked around every delivered
// callback, used by component.Manager to serialize dependency callbacks
// against its own lifecycle callbacks per the configured Strategy. A
// Dependency with no gate installed (e.g. one exercised directly, outside
// a Component Manager) invokes callbacks with no additional
// synchronization.
func (d *Dependency) SetCallbackGate(gate CallbackGate) {
	d.mu.Lock()
	d.gate = gate
	d.mu.Unlock()
}

// SetStateChangedCallback registers the function the Dependency invokes
// after it has processed each tracker event, so the owning component can
// re-evaluate its target state.
func (d *Dependency) SetStateChangedCallback(cb func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stateChanged = cb
}

// IsEnabled reports whether the dependency currently has an open tracker.
func (d *Dependency) IsEnabled() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.trk != nil
}

// IsRequired reports the configured required flag.
func (d *Dependency) IsRequired() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.required
}

// Filter returns the configured filter expression.
func (d *Dependency) Filter() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.filter
}

// GetCardinality returns the configured cardinality.
func (d *Dependency) GetCardinality() Cardinality {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cardinality
}

// IsResolved reports whether this dependency currently satisfies its
// resolution rule (D2): tracker present and, for cardinality One, at least
// one match; for Many, at least one match if required, otherwise resolved
// regardless of count.
func (d *Dependency) IsResolved() bool {
	d.mu.Lock()
	trk := d.trk
	card := d.cardinality
	required := d.required
	d.mu.Unlock()

	if trk == nil {
		return false
	}
	count := trk.TrackedCount()
	if card == One {
		return count >= 1
	}
	if required {
		return count >= 1
	}
	return true
}

// Enable creates and opens the tracker. Idempotent: calling Enable on an
// already-enabled dependency is a no-op. On subscribe failure the
// dependency remains configured but unresolved and is retried on the next
// Enable call.
func (d *Dependency) Enable() error {
	d.mu.Lock()
	if d.trk != nil {
		d.mu.Unlock()
		return nil
	}
	serviceType := d.serviceType
	filter := d.filter
	card := d.cardinality
	trk := tracker.New(d.reg, serviceType, filter, card, tracker.Callbacks{
		OnAdd:    d.deliverAdd,
		OnRemove: d.deliverRemove,
		OnSet:    d.deliverSet,
		OnUpdate: d.deliverUpdate,
	})
	d.mu.Unlock()

	if err := trk.Open(); err != nil {
		logging.Warn(subsystem, "enable %s: registry unavailable: %v", d.uuid, err)
		return fmt.Errorf("dependency: %w", &cmerrors.RegistryUnavailableError{Component: "ServiceDependency", UUID: d.uuid, Err: err})
	}

	d.mu.Lock()
	d.trk = trk
	d.mu.Unlock()
	return nil
}

// Disable closes and drops the tracker. Idempotent.
func (d *Dependency) Disable() {
	d.mu.Lock()
	trk := d.trk
	d.trk = nil
	d.mu.Unlock()

	if trk != nil {
		trk.Close()
	}
}

func (d *Dependency) deliverAdd(svc Service) {
	d.mu.Lock()
	cb := d.callbacks.OnAdd
	gate, strategy := d.gate, d.strategy
	d.mu.Unlock()
	if cb != nil {
		d.runGated(gate, strategy, "add", func() { cb(svc) })
	}
}

func (d *Dependency) deliverRemove(svc Service) {
	d.mu.Lock()
	cb := d.callbacks.OnRemove
	gate, strategy := d.gate, d.strategy
	d.mu.Unlock()
	if cb != nil {
		d.runGated(gate, strategy, "remove", func() { cb(svc) })
	}
}

func (d *Dependency) deliverSet(svc Service, present bool) {
	d.mu.Lock()
	cb := d.callbacks.OnSet
	gate, strategy := d.gate, d.strategy
	d.mu.Unlock()
	if cb != nil {
		d.runGated(gate, strategy, "set", func() { cb(svc, present) })
	}
}

func (d *Dependency) deliverUpdate(ranked []Service) {
	d.mu.Lock()
	cb := d.callbacks.OnUpdate
	gate, strategy := d.gate, d.strategy
	onStateChanged := d.stateChanged
	d.mu.Unlock()
	if cb != nil {
		d.runGated(gate, strategy, "update", func() { cb(ranked) })
	}
	// The dependency notifies its owner after every processed tracker event,
	// so the component manager can re-evaluate its target state. This runs
	// outside the gate: updateState may itself invoke a lifecycle callback
	// on this same goroutine, which needs the writer side of the very same
	// lock a gated call above might still be holding.
	if onStateChanged != nil {
		onStateChanged()
	}
}

// runGated invokes f, first crossing the installed gate (if any) per
// strategy, then recovering any panic at the dependency boundary. Holding
// the gate only around f, rather than around safeCall's recover as well,
// would be equivalent; it is structured this way so a gate is free to wrap
// arbitrary non-panicking bookkeeping around the call if ever needed.
func (d *Dependency) runGated(gate CallbackGate, strategy Strategy, phase string, f func()) {
	body := func() { safeCall(d.uuid, phase, f) }
	if gate == nil {
		body()
		return
	}
	gate(strategy, body)
}

// safeCall invokes f, recovering a panic at the dependency boundary per the
// propagation policy: it must not corrupt dependency state and must not
// propagate past this call.
func safeCall(uuid, phase string, f func()) {
	defer func() {
		if r := recover(); r != nil {
			err := &cmerrors.CallbackPanicError{Component: "ServiceDependency", UUID: uuid, Phase: phase, Recovered: r}
			logging.Error(subsystem, err, "recovered panic in dependency callback")
		}
	}()
	f()
}
