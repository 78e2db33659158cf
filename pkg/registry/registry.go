// Package registry implements the process-wide service registry consumed by
// the tracker and dependency packages. It is out of scope per the core
// specification but a concrete contract and in-memory implementation are
// needed so trackers have something real to subscribe to.
package registry

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/singleflight"

	"github.com/giantswarm/celixdm/pkg/logging"
)

const subsystem = "Registry"

// Reserved property keys understood by the registry itself.
const (
	ObjectClass    = "objectClass"
	ServiceID      = "service.id"
	ServiceRanking = "service.ranking"
	ServiceLang    = "service.lang"
	ServiceVersion = "service.version"
)

// Properties is a case-sensitive property bag attached to a registered
// service. Values are scalars (strings, ints, bools); the registry assigns
// and owns the "service.id" (ServiceID) key and defaults "service.ranking"
// to 0 when absent.
type Properties map[string]any

// Clone returns a shallow copy, safe to hand to callers without risking a
// caller mutating registry-owned state.
func (p Properties) Clone() Properties {
	out := make(Properties, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// ID identifies a single registration. IDs are monotonically increasing and
// never reused.
type ID int64

// EventKind enumerates the three notifications a Subscription delivers.
type EventKind int

const (
	Registered EventKind = iota
	Modified
	Unregistering
)

func (k EventKind) String() string {
	switch k {
	case Registered:
		return "Registered"
	case Modified:
		return "Modified"
	case Unregistering:
		return "Unregistering"
	default:
		return "Unknown"
	}
}

// Event is a single change notification delivered to a Subscription, in the
// order the registry applied it.
type Event struct {
	Kind        EventKind
	ID          ID
	ServiceType string
	Service     any
	Properties  Properties
}

// Subscription is a live view onto the registry for one (serviceType,
// filter) pair. Events arrive in registration order on Events(); an initial
// batch covering already-registered matches is delivered before any
// incremental event. Close unsubscribes: no new event is queued after Close
// returns, while events already queued are still delivered before the
// Events() channel is closed.
type Subscription interface {
	Events() <-chan Event
	Close()
}

// Registry is the contract a Service Tracker consumes. The core
// specification treats this as an external collaborator; this package
// supplies a reference in-memory implementation.
type Registry interface {
	Register(serviceType string, svc any, props Properties) (ID, error)
	Unregister(id ID) error
	Modify(id ID, props Properties) error
	Subscribe(serviceType string, filter string) (Subscription, error)
}

type entry struct {
	id          ID
	serviceType string
	svc         any
	props       Properties
}

// registryImpl is the in-memory reference implementation of Registry.
type registryImpl struct {
	mu            sync.RWMutex
	nextID        int64
	entries       map[ID]*entry
	subscriptions map[string][]*subscription // keyed by serviceType

	filterGroup singleflight.Group
	filterCache sync.Map // string -> matcher
}

// New returns an empty, ready-to-use in-memory Registry.
func New() Registry {
	return &registryImpl{
		entries:       make(map[ID]*entry),
		subscriptions: make(map[string][]*subscription),
	}
}

func (r *registryImpl) Register(serviceType string, svc any, props Properties) (ID, error) {
	if serviceType == "" {
		return 0, fmt.Errorf("registry: %w", ErrEmptyServiceType)
	}
	if svc == nil {
		return 0, fmt.Errorf("registry: %w", ErrNilService)
	}

	id := ID(atomic.AddInt64(&r.nextID, 1))
	p := props.Clone()
	if p == nil {
		p = Properties{}
	}
	p[ObjectClass] = serviceType
	p[ServiceID] = id
	if _, ok := p[ServiceRanking]; !ok {
		p[ServiceRanking] = 0
	}

	r.mu.Lock()
	r.entries[id] = &entry{id: id, serviceType: serviceType, svc: svc, props: p}
	subs := append([]*subscription(nil), r.subscriptions[serviceType]...)
	r.mu.Unlock()

	for _, sub := range subs {
		if sub.matches(p) {
			sub.push(Event{Kind: Registered, ID: id, ServiceType: serviceType, Service: svc, Properties: p})
		}
	}
	logging.Debug(subsystem, "registered service id=%d type=%s", id, serviceType)
	return id, nil
}

func (r *registryImpl) Unregister(id ID) error {
	r.mu.Lock()
	e, ok := r.entries[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("registry: %w", &NotFoundError{ID: id})
	}
	delete(r.entries, id)
	subs := append([]*subscription(nil), r.subscriptions[e.serviceType]...)
	r.mu.Unlock()

	for _, sub := range subs {
		if sub.matches(e.props) {
			sub.push(Event{Kind: Unregistering, ID: id, ServiceType: e.serviceType, Service: e.svc, Properties: e.props})
		}
	}
	logging.Debug(subsystem, "unregistered service id=%d type=%s", id, e.serviceType)
	return nil
}

func (r *registryImpl) Modify(id ID, props Properties) error {
	r.mu.Lock()
	e, ok := r.entries[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("registry: %w", &NotFoundError{ID: id})
	}
	oldProps := e.props
	newProps := props.Clone()
	if newProps == nil {
		newProps = Properties{}
	}
	newProps[ObjectClass] = e.serviceType
	newProps[ServiceID] = id
	if _, ok := newProps[ServiceRanking]; !ok {
		newProps[ServiceRanking] = 0
	}
	e.props = newProps
	subs := append([]*subscription(nil), r.subscriptions[e.serviceType]...)
	r.mu.Unlock()

	for _, sub := range subs {
		oldMatch := sub.matches(oldProps)
		newMatch := sub.matches(newProps)
		switch {
		case oldMatch && newMatch:
			sub.push(Event{Kind: Modified, ID: id, ServiceType: e.serviceType, Service: e.svc, Properties: newProps})
		case !oldMatch && newMatch:
			sub.push(Event{Kind: Registered, ID: id, ServiceType: e.serviceType, Service: e.svc, Properties: newProps})
		case oldMatch && !newMatch:
			sub.push(Event{Kind: Unregistering, ID: id, ServiceType: e.serviceType, Service: e.svc, Properties: oldProps})
		}
	}
	return nil
}

func (r *registryImpl) Subscribe(serviceType string, filter string) (Subscription, error) {
	if serviceType == "" {
		return nil, fmt.Errorf("registry: %w", ErrEmptyServiceType)
	}
	sel, err := r.compileFilter(filter)
	if err != nil {
		return nil, fmt.Errorf("registry: invalid filter %q: %w", filter, err)
	}

	sub := newSubscription(sel, func(s *subscription) { r.removeSubscription(serviceType, s) })

	r.mu.Lock()
	r.subscriptions[serviceType] = append(r.subscriptions[serviceType], sub)
	snapshot := r.sortedSnapshot(serviceType)
	r.mu.Unlock()

	for _, e := range snapshot {
		if sub.matches(e.props) {
			sub.push(Event{Kind: Registered, ID: e.id, ServiceType: e.serviceType, Service: e.svc, Properties: e.props})
		}
	}
	return sub, nil
}

// sortedSnapshot returns entries of serviceType ordered by ascending ID
// (registration order), for initial-batch delivery. Must be called with r.mu
// held.
func (r *registryImpl) sortedSnapshot(serviceType string) []*entry {
	var out []*entry
	for _, e := range r.entries {
		if e.serviceType == serviceType {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

func (r *registryImpl) removeSubscription(serviceType string, sub *subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()
	subs := r.subscriptions[serviceType]
	for i, s := range subs {
		if s == sub {
			r.subscriptions[serviceType] = append(subs[:i], subs[i+1:]...)
			return
		}
	}
}

// compileFilter parses filter into a matcher, deduplicating concurrent
// compiles of an identical filter string via singleflight.
func (r *registryImpl) compileFilter(filter string) (matcher, error) {
	if cached, ok := r.filterCache.Load(filter); ok {
		return cached.(matcher), nil
	}
	v, err, _ := r.filterGroup.Do(filter, func() (interface{}, error) {
		m, err := newMatcher(filter)
		if err != nil {
			return nil, err
		}
		r.filterCache.Store(filter, m)
		return m, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(matcher), nil
}
