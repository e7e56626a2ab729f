package lifecycle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/moolen/retrace/internal/logging"
)

// DefaultShutdownTimeout is the per-component grace period on Stop.
const DefaultShutdownTimeout = 30 * time.Second

// Manager registers components with their dependencies, starts them in
// topological order, and stops them in reverse start order. A failed start
// rolls back everything already started.
type Manager struct {
	// mu serializes Register/Start/Stop; stateMu guards the running map so
	// IsRunning stays callable while a component is mid-start.
	mu              sync.Mutex
	stateMu         sync.RWMutex
	components      []Component
	dependencies    map[Component][]Component
	started         []Component
	running         map[Component]bool
	shutdownTimeout time.Duration
	logger          *logging.Logger
}

// NewManager creates an empty manager with the default shutdown timeout.
func NewManager() *Manager {
	return &Manager{
		dependencies:    make(map[Component][]Component),
		running:         make(map[Component]bool),
		shutdownTimeout: DefaultShutdownTimeout,
		logger:          logging.GetLogger("lifecycle"),
	}
}

// Register adds a component. Dependencies must already be registered; the
// component starts only after all of them and stops before any of them.
// Duplicate registrations and dependency cycles are rejected.
func (m *Manager) Register(component Component, dependsOn ...Component) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if component == nil {
		return fmt.Errorf("cannot register nil component")
	}
	if component.Name() == "" {
		return fmt.Errorf("component must have a non-empty name")
	}
	for _, c := range m.components {
		if c == component {
			return fmt.Errorf("component %s is already registered", component.Name())
		}
	}
	for _, dep := range dependsOn {
		if !m.isRegistered(dep) {
			return fmt.Errorf("dependency %s of %s is not registered", dep.Name(), component.Name())
		}
	}
	if m.reaches(component, dependsOn) {
		return fmt.Errorf("registering %s would create a dependency cycle", component.Name())
	}

	m.components = append(m.components, component)
	m.dependencies[component] = dependsOn
	m.logger.Debug("registered %s (%d dependencies)", component.Name(), len(dependsOn))
	return nil
}

func (m *Manager) isRegistered(c Component) bool {
	for _, registered := range m.components {
		if registered == c {
			return true
		}
	}
	return false
}

// reaches reports whether target is reachable by walking deps transitively.
func (m *Manager) reaches(target Component, deps []Component) bool {
	for _, dep := range deps {
		if dep == target {
			return true
		}
		if m.reaches(target, m.dependencies[dep]) {
			return true
		}
	}
	return false
}

// Start brings every registered component up in dependency order. When one
// fails, the already-started components are stopped in reverse order and
// the failure is returned.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.started = nil
	for _, component := range m.startOrder() {
		m.logger.Info("starting %s", component.Name())
		begin := time.Now()

		if err := component.Start(ctx); err != nil {
			m.logger.Error("failed to start %s: %v", component.Name(), err)
			m.rollback()
			return fmt.Errorf("starting %s: %w", component.Name(), err)
		}

		m.setRunning(component, true)
		m.started = append(m.started, component)
		m.logger.Info("%s started in %dms", component.Name(), time.Since(begin).Milliseconds())
	}
	return nil
}

// startOrder sorts components so every dependency precedes its dependents.
func (m *Manager) startOrder() []Component {
	visited := make(map[Component]bool)
	var sorted []Component
	var visit func(Component)
	visit = func(c Component) {
		if visited[c] {
			return
		}
		visited[c] = true
		for _, dep := range m.dependencies[c] {
			visit(dep)
		}
		sorted = append(sorted, c)
	}
	for _, c := range m.components {
		visit(c)
	}
	return sorted
}

// rollback stops the components started so far, newest first. Callers hold
// the manager lock.
func (m *Manager) rollback() {
	for i := len(m.started) - 1; i >= 0; i-- {
		component := m.started[i]
		m.logger.Debug("rolling back %s", component.Name())

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := component.Stop(ctx); err != nil {
			m.logger.Warn("error stopping %s during rollback: %v", component.Name(), err)
		}
		cancel()
		m.setRunning(component, false)
	}
	m.started = nil
}

// Stop shuts components down in reverse start order. Each component gets
// its own grace period; errors are logged, never returned, so one slow
// component cannot keep the rest from stopping.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := len(m.started) - 1; i >= 0; i-- {
		component := m.started[i]
		if !m.IsRunning(component) {
			continue
		}

		m.logger.Info("stopping %s", component.Name())
		begin := time.Now()

		componentCtx, cancel := context.WithTimeout(ctx, m.shutdownTimeout)
		err := component.Stop(componentCtx)
		cancel()

		switch {
		case err == context.DeadlineExceeded:
			m.logger.Warn("%s exceeded the %dms grace period", component.Name(), m.shutdownTimeout.Milliseconds())
		case err != nil:
			m.logger.Error("error stopping %s: %v", component.Name(), err)
		default:
			m.logger.Info("%s stopped in %dms", component.Name(), time.Since(begin).Milliseconds())
		}
		m.setRunning(component, false)
	}
	m.started = nil
	return nil
}

func (m *Manager) setRunning(c Component, v bool) {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	m.running[c] = v
}

// IsRunning reports whether the component started and has not stopped.
func (m *Manager) IsRunning(component Component) bool {
	m.stateMu.RLock()
	defer m.stateMu.RUnlock()
	return m.running[component]
}

// SetShutdownTimeout overrides the per-component grace period.
func (m *Manager) SetShutdownTimeout(timeout time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shutdownTimeout = timeout
}
