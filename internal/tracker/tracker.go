// Package tracker implements the Service Tracker: for one (service type,
// filter) pair it maintains a ranked view of matching services and emits
// add/remove/set/update events to a single consumer, in order, from a
// single goroutine.
package tracker

import (
	"fmt"
	"sort"
	"sync"

	"github.com/giantswarm/celixdm/pkg/logging"
	"github.com/giantswarm/celixdm/pkg/registry"
)

const subsystem = "Tracker"

// Cardinality selects whether a tracker's owner wants the single
// best-ranked service (One) or the full matching set (Many).
type Cardinality int

const (
	One Cardinality = iota
	Many
)

func (c Cardinality) String() string {
	if c == Many {
		return "Many"
	}
	return "One"
}

// Service is a ranked, resolved view of one matching registration.
type Service struct {
	ID         registry.ID
	Ranking    int
	Instance   any
	Properties registry.Properties
}

// Callbacks are invoked sequentially, from a single goroutine, for every
// registry event the tracker processes. Any of them may be nil, in which
// case that event kind is silently dropped.
type Callbacks struct {
	OnAdd    func(Service)
	OnRemove func(Service)
	OnSet    func(svc Service, present bool)
	OnUpdate func([]Service)
}

// Tracker is a live, ranked subscription onto a Registry.
type Tracker struct {
	reg         registry.Registry
	serviceType string
	filter      string
	cardinality Cardinality
	callbacks   Callbacks

	mu     sync.Mutex
	known  map[registry.ID]Service
	ranked []Service
	sub    registry.Subscription
	closed bool
	done   chan struct{}
}

// New constructs a Tracker. It does not subscribe to the registry until
// Open is called.
func New(reg registry.Registry, serviceType, filter string, cardinality Cardinality, cb Callbacks) *Tracker {
	return &Tracker{
		reg:         reg,
		serviceType: serviceType,
		filter:      filter,
		cardinality: cardinality,
		callbacks:   cb,
		known:       make(map[registry.ID]Service),
	}
}

// Open subscribes to the registry and begins delivering events, starting
// with an initial batch covering already-registered matches.
func (t *Tracker) Open() error {
	sub, err := t.reg.Subscribe(t.serviceType, t.filter)
	if err != nil {
		return fmt.Errorf("tracker: open %s %q: %w", t.serviceType, t.filter, err)
	}

	t.mu.Lock()
	t.sub = sub
	t.done = make(chan struct{})
	t.mu.Unlock()

	go t.run(sub, t.done)
	return nil
}

// Close unsubscribes and waits for the processing goroutine to drain; no
// event is delivered to the callbacks after Close returns.
func (t *Tracker) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	sub := t.sub
	done := t.done
	t.mu.Unlock()

	if sub == nil {
		return
	}
	sub.Close()
	if done != nil {
		<-done
	}
}

// TrackedCount returns the number currently matched.
func (t *Tracker) TrackedCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.ranked)
}

// Snapshot returns a copy of the current ranked sequence.
func (t *Tracker) Snapshot() []Service {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Service, len(t.ranked))
	copy(out, t.ranked)
	return out
}

func (t *Tracker) run(sub registry.Subscription, done chan struct{}) {
	defer close(done)
	for ev := range sub.Events() {
		t.process(ev)
	}
}

func (t *Tracker) process(ev registry.Event) {
	t.mu.Lock()

	oldRanked := t.ranked

	switch ev.Kind {
	case registry.Registered, registry.Modified:
		t.known[ev.ID] = Service{ID: ev.ID, Ranking: rankingOf(ev.Properties), Instance: ev.Service, Properties: ev.Properties}
	case registry.Unregistering:
		delete(t.known, ev.ID)
	}

	newRanked := rank(t.known)
	t.ranked = newRanked

	removed, added := diff(oldRanked, newRanked)
	oldTop, oldHasTop := topOf(oldRanked)
	newTop, newHasTop := topOf(newRanked)

	cb := t.callbacks
	t.mu.Unlock()

	for _, svc := range removed {
		if cb.OnRemove != nil {
			safeCall(func() { cb.OnRemove(svc) })
		}
	}
	for _, svc := range added {
		if cb.OnAdd != nil {
			safeCall(func() { cb.OnAdd(svc) })
		}
	}
	if t.cardinality == One {
		topChanged := oldHasTop != newHasTop || (oldHasTop && newHasTop && oldTop.ID != newTop.ID)
		if topChanged && cb.OnSet != nil {
			safeCall(func() { cb.OnSet(newTop, newHasTop) })
		}
	}
	if cb.OnUpdate != nil {
		out := make([]Service, len(newRanked))
		copy(out, newRanked)
		safeCall(func() { cb.OnUpdate(out) })
	}
}

func safeCall(f func()) {
	defer func() {
		if r := recover(); r != nil {
			logging.Error(subsystem, fmt.Errorf("%v", r), "tracker callback panicked, recovering")
		}
	}()
	f()
}

func rankingOf(p registry.Properties) int {
	v, ok := p[registry.ServiceRanking]
	if !ok {
		return 0
	}
	switch n := v.(type) {
	case int:
		return n
	case int32:
		return int(n)
	case int64:
		return int(n)
	default:
		return 0
	}
}

// rank returns known sorted by descending Ranking, ascending ID.
func rank(known map[registry.ID]Service) []Service {
	out := make([]Service, 0, len(known))
	for _, svc := range known {
		out = append(out, svc)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Ranking != out[j].Ranking {
			return out[i].Ranking > out[j].Ranking
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func topOf(ranked []Service) (Service, bool) {
	if len(ranked) == 0 {
		return Service{}, false
	}
	return ranked[0], true
}

// diff reports services present in oldRanked but not newRanked (removed)
// and vice versa (added), by identity.
func diff(oldRanked, newRanked []Service) (removed, added []Service) {
	oldSet := make(map[registry.ID]Service, len(oldRanked))
	for _, s := range oldRanked {
		oldSet[s.ID] = s
	}
	newSet := make(map[registry.ID]Service, len(newRanked))
	for _, s := range newRanked {
		newSet[s.ID] = s
	}
	for _, s := range oldRanked {
		if _, ok := newSet[s.ID]; !ok {
			removed = append(removed, s)
		}
	}
	for _, s := range newRanked {
		if _, ok := oldSet[s.ID]; !ok {
			added = append(added, s)
		}
	}
	return removed, added
}
