package tenant

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/lantern/internal/platform/notification"
)

// Timer cadences for the background sweeps.
const (
	capacityInterval  = 30 * time.Second
	heartbeatInterval = 2 * time.Second
)

// Manager is the process-wide tenant registry. Tenants register before the
// listener accepts its first request; teardown stops the timers. Notification
// sends already in flight are not awaited.
type Manager struct {
	mu      sync.RWMutex
	tenants map[string]*Engine

	log        zerolog.Logger
	dispatcher notification.Dispatcher

	cancel context.CancelFunc
	done   chan struct{}
}

// NewManager builds an empty manager wired to a dispatcher.
func NewManager(log zerolog.Logger, dispatcher notification.Dispatcher) *Manager {
	return &Manager{
		tenants:    map[string]*Engine{},
		log:        log,
		dispatcher: dispatcher,
	}
}

// AddTenant constructs and registers a tenant engine, loading its startup
// content when a load directory is configured.
func (m *Manager) AddTenant(cfg Config) (*Engine, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("tenant requires a name")
	}
	m.mu.Lock()
	if _, exists := m.tenants[cfg.Name]; exists {
		m.mu.Unlock()
		return nil, fmt.Errorf("tenant %q already registered", cfg.Name)
	}
	engine := NewEngine(cfg, m.log, m.dispatcher)
	m.tenants[cfg.Name] = engine
	m.mu.Unlock()

	if cfg.LoadDir != "" {
		if _, err := engine.LoadDirectory(cfg.LoadDir, cfg.ProtectLoaded); err != nil {
			return nil, err
		}
	}
	return engine, nil
}

// Tenant returns a registered engine by name, or nil.
func (m *Manager) Tenant(name string) *Engine {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tenants[name]
}

// Tenants returns every registered engine.
func (m *Manager) Tenants() []*Engine {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Engine, 0, len(m.tenants))
	for _, e := range m.tenants {
		out = append(out, e)
	}
	return out
}

// Start launches the capacity and heartbeat timers. Idempotent per process;
// call Stop to halt.
func (m *Manager) Start() {
	if m.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.done = make(chan struct{})
	go m.run(ctx)
}

func (m *Manager) run(ctx context.Context) {
	defer close(m.done)
	capacity := time.NewTicker(capacityInterval)
	heartbeat := time.NewTicker(heartbeatInterval)
	defer capacity.Stop()
	defer heartbeat.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-capacity.C:
			for _, e := range m.Tenants() {
				e.CheckUsage()
			}
		case now := <-heartbeat.C:
			for _, e := range m.Tenants() {
				e.Evaluator().HeartbeatTick(now.UTC())
			}
		}
	}
}

// Stop halts the timers and waits for the timer loop to exit. In-flight
// notification sends finish on their own goroutines; their failures are
// recorded per subscription, never surfaced here.
func (m *Manager) Stop() {
	if m.cancel == nil {
		return
	}
	m.cancel()
	<-m.done
	m.cancel = nil
	m.log.Info().Msg("tenant timers stopped")
}
