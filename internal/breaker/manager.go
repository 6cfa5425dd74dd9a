package breaker

import "sync"

// Manager lazily creates and memoizes one breaker per provider name.
type Manager struct {
	cfg Config

	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
}

func NewManager(cfg Config) *Manager {
	return &Manager{
		cfg:      cfg.withDefaults(),
		breakers: make(map[string]*CircuitBreaker),
	}
}

// Get returns the breaker for name, creating it on first use.
func (m *Manager) Get(name string) *CircuitBreaker {
	m.mu.Lock()
	defer m.mu.Unlock()

	cb, ok := m.breakers[name]
	if !ok {
		cb = New(name, m.cfg)
		m.breakers[name] = cb
	}
	return cb
}

// AllStats snapshots every known breaker for diagnostics.
func (m *Manager) AllStats() map[string]Stats {
	m.mu.Lock()
	breakers := make([]*CircuitBreaker, 0, len(m.breakers))
	for _, cb := range m.breakers {
		breakers = append(breakers, cb)
	}
	m.mu.Unlock()

	stats := make(map[string]Stats, len(breakers))
	for _, cb := range breakers {
		stats[cb.Name()] = cb.Stats()
	}
	return stats
}

// ResetAll resets every known breaker to closed.
func (m *Manager) ResetAll() {
	m.mu.Lock()
	breakers := make([]*CircuitBreaker, 0, len(m.breakers))
	for _, cb := range m.breakers {
		breakers = append(breakers, cb)
	}
	m.mu.Unlock()

	for _, cb := range breakers {
		cb.Reset()
	}
}
