// Package component implements the Component Manager: the state machine
// that owns a user instance, a set of service dependencies, and a set of
// lifecycle callbacks, and drives the instance through
// Disabled→Uninitialized→Initialized→Started (and back) as dependencies
// resolve and release.
package component

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/giantswarm/celixdm/internal/cmerrors"
	"github.com/giantswarm/celixdm/internal/dependency"
	"github.com/giantswarm/celixdm/pkg/logging"
	"github.com/giantswarm/celixdm/pkg/registry"
)

const subsystem = "ComponentManager"

// Callbacks are the four optional, no-argument lifecycle functions bound to
// the owned instance. A callback signals failure by panicking; the
// Component Manager recovers the panic at its boundary.
type Callbacks struct {
	Init   func()
	Start  func()
	Stop   func()
	Deinit func()
}

// DependencySnapshot is an introspection view of one owned dependency.
type DependencySnapshot struct {
	UUID        string
	ServiceType string
	Filter      string
	Required    bool
	Cardinality dependency.Cardinality
	Resolved    bool
}

// Snapshot is an introspection view of a Component Manager.
type Snapshot struct {
	UUID         string
	Name         string
	State        State
	Enabled      bool
	Resolved     bool
	Dependencies []DependencySnapshot
}

// Manager is a Component Manager (CM).
type Manager struct {
	uuid     string
	name     string
	instance any
	reg      registry.Registry

	callbacksMu sync.Mutex // leaf: guards the four lifecycle callback slots
	callbacks   Callbacks

	depsMu sync.Mutex // guards the dependency map
	deps   map[string]*dependency.Dependency

	stateMu         sync.Mutex // guards {state, enabled, initialized, transitionQueue}
	state           State
	enabled         bool
	initialized     bool
	transitionQueue []State

	drainMu sync.Mutex // single-drainer discipline (§9 transition scheduling)

	// callbackGate is the reader/writer lock dependency.Strategy selects
	// between: lifecycle callbacks (invoke) always take the writer side;
	// a dependency callback takes the reader side for StrategySuspend or
	// the writer side for StrategyLocking (see dependencyGate).
	callbackGate sync.RWMutex

	callbackGoroutine atomic.Uint64 // 0 means no lifecycle callback in flight

	onStateChange func(old, new State)
}

// New constructs a disabled Component Manager named name, owning instance,
// and resolving its dependencies against reg.
func New(reg registry.Registry, name string, instance any) *Manager {
	return &Manager{
		uuid:     uuid.NewString(),
		name:     name,
		instance: instance,
		reg:      reg,
		deps:     make(map[string]*dependency.Dependency),
		state:    Disabled,
	}
}

// UUID returns the component manager's stable identity.
func (m *Manager) UUID() string { return m.uuid }

// Name returns the component manager's human label.
func (m *Manager) Name() string { return m.name }

// Instance returns the owned, opaque user object.
func (m *Manager) Instance() any { return m.instance }

// SetCallbacks installs the four lifecycle callbacks. Returns the receiver
// for builder-style chaining.
func (m *Manager) SetCallbacks(cb Callbacks) *Manager {
	m.callbacksMu.Lock()
	m.callbacks = cb
	m.callbacksMu.Unlock()
	return m
}

// SetStateChangeCallback installs a diagnostic hook invoked, with no
// Manager lock held, whenever the published state changes. Intended for
// introspection (the cmd package), not for lifecycle correctness. It runs
// outside invoke, so callbackGoroutine is unset during the call: it must
// not call back into this Manager (Disable, RemoveServiceDependency,
// updateStateSync, ...) on the drainer goroutine, since that reentrancy
// would go undetected and deadlock on drainMu.
func (m *Manager) SetStateChangeCallback(cb func(old, new State)) *Manager {
	m.stateMu.Lock()
	m.onStateChange = cb
	m.stateMu.Unlock()
	return m
}

func (m *Manager) getCallbacks() Callbacks {
	m.callbacksMu.Lock()
	defer m.callbacksMu.Unlock()
	return m.callbacks
}

// AddServiceDependency declares a new requirement of service type
// serviceType and returns a handle usable until RemoveServiceDependency is
// called with its UUID.
func (m *Manager) AddServiceDependency(serviceType string) *dependency.Dependency {
	d := dependency.New(m.reg, serviceType)
	d.SetStateChangedCallback(m.updateState)
	d.SetCallbackGate(m.dependencyGate)

	m.depsMu.Lock()
	m.deps[d.UUID()] = d
	m.depsMu.Unlock()
	return d
}

// FindServiceDependency looks up a previously added dependency by UUID.
func (m *Manager) FindServiceDependency(depUUID string) (*dependency.Dependency, bool) {
	m.depsMu.Lock()
	defer m.depsMu.Unlock()
	d, ok := m.deps[depUUID]
	return d, ok
}

// RemoveServiceDependency disables and drops a dependency, then
// synchronously re-evaluates the target state: removing the last required
// dependency while Started, for example, may let the CM step up again if
// the remaining dependencies are now sufficient.
func (m *Manager) RemoveServiceDependency(depUUID string) error {
	if err := m.checkReentrant("remove_service_dependency"); err != nil {
		return err
	}

	m.depsMu.Lock()
	d, ok := m.deps[depUUID]
	m.depsMu.Unlock()
	if !ok {
		return fmt.Errorf("component: %w", &cmerrors.InvalidStateError{Component: "ComponentManager", UUID: m.uuid, Reason: "unknown dependency uuid " + depUUID})
	}

	// Disable the dependency (dropping its tracker, so it reads as
	// unresolved) before removing it from the map: if it was required and
	// resolved, this forces the running instance through stop/deinit rather
	// than silently yanking a live dependency out from under it. Only once
	// that settles do we drop it from the map and re-evaluate, which may
	// step the manager back up if the remaining dependencies now resolve.
	d.Disable()
	m.updateStateSync()

	m.depsMu.Lock()
	delete(m.deps, depUUID)
	m.depsMu.Unlock()

	m.updateStateSync()
	return nil
}

// Enable marks the component manager enabled, enables every owned
// dependency, and synchronously drives the state machine as far as current
// resolution allows. Idempotent.
func (m *Manager) Enable() error {
	m.stateMu.Lock()
	m.enabled = true
	m.stateMu.Unlock()

	for _, d := range m.snapshotDeps() {
		if err := d.Enable(); err != nil {
			logging.Warn(subsystem, "component %s (%s): dependency %s: %v", m.name, m.uuid, d.UUID(), err)
		}
	}
	m.updateStateSync()
	return nil
}

// Disable marks the component manager disabled, disables every owned
// dependency, and synchronously waits for the state machine to settle at
// Disabled, including any in-flight lifecycle callback. Idempotent.
// Returns a *cmerrors.ReentrantError if called from within one of this
// manager's own lifecycle callbacks.
func (m *Manager) Disable() error {
	if err := m.checkReentrant("disable"); err != nil {
		return err
	}

	m.stateMu.Lock()
	m.enabled = false
	m.stateMu.Unlock()

	for _, d := range m.snapshotDeps() {
		d.Disable()
	}
	m.updateStateSync()
	return nil
}

func (m *Manager) checkReentrant(op string) error {
	gid := currentGoroutineID()
	if gid != 0 && m.callbackGoroutine.Load() == gid {
		return fmt.Errorf("component: %w", &cmerrors.ReentrantError{Component: "ComponentManager", UUID: m.uuid, Operation: op})
	}
	return nil
}

// dependencyGate is the dependency.CallbackGate installed on every owned
// dependency: it is what makes Strategy do something, rather than merely
// being a stored, inert value. StrategyLocking callbacks take the writer
// side of callbackGate, fully serializing with lifecycle callbacks and with
// every other gated callback on this Manager; StrategySuspend callbacks
// take the reader side, so they can run concurrently with one another but
// never overlap an in-flight lifecycle callback (invoke holds the writer
// side for the duration of init/start/stop/deinit).
func (m *Manager) dependencyGate(strategy dependency.Strategy, fn func()) {
	if strategy == dependency.StrategyLocking {
		m.callbackGate.Lock()
		defer m.callbackGate.Unlock()
	} else {
		m.callbackGate.RLock()
		defer m.callbackGate.RUnlock()
	}
	fn()
}

func (m *Manager) snapshotDeps() []*dependency.Dependency {
	m.depsMu.Lock()
	defer m.depsMu.Unlock()
	out := make([]*dependency.Dependency, 0, len(m.deps))
	for _, d := range m.deps {
		out = append(out, d)
	}
	return out
}

// allRequiredResolved reports whether every required dependency currently
// resolves. Non-required dependencies never block resolution.
func (m *Manager) allRequiredResolved() bool {
	for _, d := range m.snapshotDeps() {
		if d.IsRequired() && !d.IsResolved() {
			return false
		}
	}
	return true
}

// State returns the last published lifecycle state.
func (m *Manager) State() State {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	return m.state
}

// IsEnabled reports the enabled flag.
func (m *Manager) IsEnabled() bool {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	return m.enabled
}

// IsResolved reports whether every required dependency currently resolves.
func (m *Manager) IsResolved() bool {
	return m.allRequiredResolved()
}

// Snapshot returns an introspection view of the component manager and its
// dependencies.
func (m *Manager) Snapshot() Snapshot {
	m.depsMu.Lock()
	deps := make([]DependencySnapshot, 0, len(m.deps))
	for _, d := range m.deps {
		deps = append(deps, DependencySnapshot{
			UUID:        d.UUID(),
			ServiceType: d.ServiceType(),
			Filter:      d.Filter(),
			Required:    d.IsRequired(),
			Cardinality: d.GetCardinality(),
			Resolved:    d.IsResolved(),
		})
	}
	m.depsMu.Unlock()

	return Snapshot{
		UUID:         m.uuid,
		Name:         m.name,
		State:        m.State(),
		Enabled:      m.IsEnabled(),
		Resolved:     m.IsResolved(),
		Dependencies: deps,
	}
}

// updateState recomputes the target state and, if it differs from the
// current state, enqueues it and attempts to become the drainer. It never
// blocks: if another goroutine is already draining (including this same
// goroutine, reentered from inside a user callback), it simply leaves the
// new entry on the queue for that drainer's loop to pick up. This is the
// callback registered on every owned dependency, so dependency-triggered
// re-evaluation can never deadlock against an in-flight lifecycle callback.
func (m *Manager) updateState() {
	m.enqueueIfNeeded()
	m.tryDrain()
}

// updateStateSync is updateState plus a synchronous wait for the resulting
// drain (whoever performs it) to finish, used by the public Enable/Disable/
// RemoveServiceDependency operations so they observe a settled state before
// returning.
func (m *Manager) updateStateSync() {
	m.updateState()

	// If this call was itself made from inside one of this Manager's own
	// lifecycle callbacks (e.g. a reentrant Enable from within init), the
	// active drain loop further up this same goroutine's stack already owns
	// drainMu; blocking here would deadlock against ourselves. That loop
	// rechecks the queue after every step, so the enqueue above is enough.
	gid := currentGoroutineID()
	if gid != 0 && m.callbackGoroutine.Load() == gid {
		return
	}

	// The lock/unlock below is a barrier, not a guarantee: it waits for
	// whichever drainer holds drainMu right now to finish, but that drainer
	// may have made its final empty-queue check (and so decided to exit and
	// release drainMu) before our updateState above enqueued anything. In
	// that race the enqueued transition is stranded with no drainer running.
	// Loop while a transition is left on the queue, retrying the drain.
	for {
		m.drainMu.Lock()
		m.drainMu.Unlock() //nolint:staticcheck // intentional: block until the active drainer finishes

		if m.settled() {
			return
		}
		// An empty queue with the state off target means nothing was
		// stranded: either the last transition was abandoned after a
		// callback panic (tryDrain clears the queue, and the next state
		// change retries it) or an input changed whose own updateState call
		// drives it.
		m.stateMu.Lock()
		pending := len(m.transitionQueue) > 0
		m.stateMu.Unlock()
		if !pending {
			return
		}
		m.updateState()
	}
}

// settled reports whether there is nothing left to drain: the transition
// queue is empty and the published state already matches the target implied
// by the current enabled/initialized/resolved inputs.
func (m *Manager) settled() bool {
	resolved := m.allRequiredResolved()

	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	return len(m.transitionQueue) == 0 && targetState(m.enabled, m.initialized, resolved) == m.state
}

func (m *Manager) enqueueIfNeeded() {
	resolved := m.allRequiredResolved()

	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	target := targetState(m.enabled, m.initialized, resolved)
	if target != m.state {
		m.transitionQueue = append(m.transitionQueue, target)
	}
}

func (m *Manager) tryDrain() {
	if !m.drainMu.TryLock() {
		return
	}
	defer m.drainMu.Unlock()

	for {
		m.stateMu.Lock()
		if len(m.transitionQueue) == 0 {
			m.stateMu.Unlock()
			return
		}
		target := m.transitionQueue[0]
		m.transitionQueue = m.transitionQueue[1:]
		current := m.state
		m.stateMu.Unlock()

		if !m.step(current, target) {
			// Callback panicked; the transition is abandoned and state is
			// left at its pre-callback value. Stale queue entries computed
			// against the old target no longer apply — a subsequent
			// updateState call will recompute and re-enqueue correctly.
			m.stateMu.Lock()
			m.transitionQueue = nil
			m.stateMu.Unlock()
			return
		}

		m.enqueueIfNeeded()
	}
}

func (m *Manager) setState(s State) {
	m.stateMu.Lock()
	old := m.state
	m.state = s
	cb := m.onStateChange
	m.stateMu.Unlock()

	logging.Debug(subsystem, "component %s (%s) transitioned %s -> %s", m.name, m.uuid, old, s)
	if cb != nil && old != s {
		cb(old, s)
	}
}

func (m *Manager) setInitialized(v bool) {
	m.stateMu.Lock()
	m.initialized = v
	m.stateMu.Unlock()
}

// step executes exactly one action of the transition table for the
// (current, target) pair and updates state accordingly, mirroring the
// Apache Celix C++ original's ComponentManager::transition(): at most one
// lifecycle callback runs per call, so Disabled→Started always passes
// through and publishes the intermediate Initialized state. Returns false
// if the callback it invoked panicked, in which case state is left exactly
// as it was before the call.
func (m *Manager) step(current, target State) bool {
	cb := m.getCallbacks()

	switch target {
	case Disabled:
		switch current {
		case Disabled:
		case Uninitialized:
			m.setState(Disabled)
		case Initialized:
			if !m.invoke("deinit", cb.Deinit) {
				return false
			}
			m.setInitialized(false)
			m.setState(Uninitialized)
		case Started:
			if !m.invoke("stop", cb.Stop) {
				return false
			}
			m.setState(Initialized)
		}
	case Uninitialized:
		switch current {
		case Disabled:
			m.setState(Uninitialized)
		case Uninitialized:
		case Initialized:
			if !m.invoke("deinit", cb.Deinit) {
				return false
			}
			m.setInitialized(false)
			m.setState(Uninitialized)
		case Started:
			if !m.invoke("stop", cb.Stop) {
				return false
			}
			m.setState(Initialized)
		}
	case Initialized:
		switch current {
		case Disabled:
			m.setState(Uninitialized)
		case Uninitialized:
			if !m.invoke("init", cb.Init) {
				return false
			}
			m.setInitialized(true)
			m.setState(Initialized)
		case Initialized:
		case Started:
			if !m.invoke("stop", cb.Stop) {
				return false
			}
			m.setState(Initialized)
		}
	case Started:
		switch current {
		case Disabled:
			m.setState(Uninitialized)
		case Uninitialized:
			if !m.invoke("init", cb.Init) {
				return false
			}
			m.setInitialized(true)
			m.setState(Initialized)
		case Initialized:
			if !m.invoke("start", cb.Start) {
				return false
			}
			m.setState(Started)
		case Started:
		}
	default:
		logging.Error(subsystem, fmt.Errorf("unexpected target state %v", target), "component %s (%s)", m.name, m.uuid)
	}
	return true
}

// invoke runs a lifecycle callback with no Manager lock held, recovering
// any panic at the Manager boundary per the propagation policy: callback
// failures must never escape to the caller of Enable/Disable. It marks the
// calling goroutine as "running a lifecycle callback of this Manager" for
// the duration of the call, which is how Disable and
// RemoveServiceDependency detect a reentrant call from inside that very
// callback.
func (m *Manager) invoke(phase string, fn func()) bool {
	if fn == nil {
		return true
	}
	gid := currentGoroutineID()
	m.callbackGoroutine.Store(gid)
	defer m.callbackGoroutine.Store(0)

	// Lifecycle callbacks always take the writer side of callbackGate, so
	// they never overlap a StrategySuspend (reader side) or StrategyLocking
	// (writer side) dependency callback. invoke is only ever reached through
	// a single active tryDrain loop per Manager, never nested on the same
	// goroutine, so this Lock can never double-acquire against itself.
	m.callbackGate.Lock()
	defer m.callbackGate.Unlock()

	ok := true
	func() {
		defer func() {
			if r := recover(); r != nil {
				ok = false
				err := &cmerrors.CallbackPanicError{Component: "ComponentManager", UUID: m.uuid, Phase: phase, Recovered: r}
				logging.Error(subsystem, err, "component %s (%s): recovered panic, transition abandoned", m.name, m.uuid)
			}
		}()
		fn()
	}()
	return ok
}
