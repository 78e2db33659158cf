// Package dm implements the Dependency Manager: a container of Component
// Managers scoped to a bundle context. Its lifecycle is coupled to the
// bundle's: stopping it synchronously disables every Component Manager it
// owns before dropping them, so a bundle's code is never unloaded while one
// of its components is still Initialized or Started.
package dm

import (
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/giantswarm/celixdm/internal/component"
	"github.com/giantswarm/celixdm/internal/cmerrors"
	"github.com/giantswarm/celixdm/pkg/logging"
	"github.com/giantswarm/celixdm/pkg/registry"
)

const subsystem = "DependencyManager"

// Manager owns the Component Managers created within one bundle context.
type Manager struct {
	bundleName string
	reg        registry.Registry

	mu  sync.Mutex
	cms map[string]*component.Manager
}

// New constructs an empty Manager for the named bundle, resolving every
// component it creates against reg.
func New(bundleName string, reg registry.Registry) *Manager {
	return &Manager{
		bundleName: bundleName,
		reg:        reg,
		cms:        make(map[string]*component.Manager),
	}
}

// CreateComponentManager constructs a new, disabled Component Manager owned
// by this Manager.
func (m *Manager) CreateComponentManager(name string, instance any) *component.Manager {
	cm := component.New(m.reg, name, instance)

	m.mu.Lock()
	m.cms[cm.UUID()] = cm
	m.mu.Unlock()

	logging.Debug(subsystem, "bundle %s: created component %s (%s)", m.bundleName, name, cm.UUID())
	return cm
}

// FindComponentManager looks up an owned Component Manager by UUID.
func (m *Manager) FindComponentManager(cmUUID string) (*component.Manager, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cm, ok := m.cms[cmUUID]
	return cm, ok
}

// RemoveComponentManager disables and drops an owned Component Manager.
func (m *Manager) RemoveComponentManager(cmUUID string) error {
	m.mu.Lock()
	cm, ok := m.cms[cmUUID]
	if ok {
		delete(m.cms, cmUUID)
	}
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("dm: %w", &cmerrors.InvalidStateError{Component: "DependencyManager", UUID: m.bundleName, Reason: "unknown component manager uuid " + cmUUID})
	}
	return cm.Disable()
}

// Snapshot returns an introspection view of every owned Component Manager.
func (m *Manager) Snapshot() []component.Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]component.Snapshot, 0, len(m.cms))
	for _, cm := range m.cms {
		out = append(out, cm.Snapshot())
	}
	return out
}

// Stop disables every owned Component Manager concurrently and drops them.
// It is the lifecycle hook a bundle context invokes on bundle stop: by the
// time it returns, stop/deinit have run (if applicable) for every
// Started/Initialized component, and removeServiceDependency or any other
// Reentrant-guarded call from within a callback cannot interfere with it
// since it targets components from their own goroutines, not a callback's.
func (m *Manager) Stop() error {
	m.mu.Lock()
	cms := make([]*component.Manager, 0, len(m.cms))
	for _, cm := range m.cms {
		cms = append(cms, cm)
	}
	m.cms = make(map[string]*component.Manager)
	m.mu.Unlock()

	var g errgroup.Group
	for _, cm := range cms {
		cm := cm
		g.Go(func() error {
			if err := cm.Disable(); err != nil {
				logging.Error(subsystem, err, "bundle %s: disabling component %s (%s) on stop", m.bundleName, cm.Name(), cm.UUID())
				return err
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("dm: stopping bundle %s: %w", m.bundleName, err)
	}
	logging.Info(subsystem, "bundle %s stopped, %d component(s) disabled", m.bundleName, len(cms))
	return nil
}
