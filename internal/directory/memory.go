package directory

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Memory is the in-process Directory used by tests and single-node
// deployments.
type Memory struct {
	mu      sync.RWMutex
	tenants map[string]*Tenant
	fleets  map[string]*Fleet
	squads  map[string]*Squad
	agents  map[string]map[string]*Agent // fleetID -> agentID -> agent
	keys    map[string]*APIKey           // keyID -> key
}

// NewMemory creates an empty in-memory directory.
func NewMemory() *Memory {
	return &Memory{
		tenants: make(map[string]*Tenant),
		fleets:  make(map[string]*Fleet),
		squads:  make(map[string]*Squad),
		agents:  make(map[string]map[string]*Agent),
		keys:    make(map[string]*APIKey),
	}
}

func (m *Memory) CreateTenant(_ context.Context, t *Tenant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	cp := *t
	m.tenants[t.ID] = &cp
	return nil
}

func (m *Memory) GetTenant(_ context.Context, id string) (*Tenant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tenants[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *Memory) CreateFleet(_ context.Context, f *Fleet) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now()
	}
	cp := *f
	m.fleets[f.ID] = &cp
	return nil
}

func (m *Memory) GetFleet(_ context.Context, id string) (*Fleet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	f, ok := m.fleets[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *f
	return &cp, nil
}

func (m *Memory) ListFleets(_ context.Context, tenantID string) ([]*Fleet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Fleet
	for _, f := range m.fleets {
		if f.TenantID == tenantID {
			cp := *f
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) CreateSquad(_ context.Context, s *Squad) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	m.squads[s.ID] = &cp
	return nil
}

func (m *Memory) GetSquad(_ context.Context, id string) (*Squad, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.squads[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *Memory) UpsertAgent(_ context.Context, a *Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	fleet, ok := m.agents[a.FleetID]
	if !ok {
		fleet = make(map[string]*Agent)
		m.agents[a.FleetID] = fleet
	}
	if existing, ok := fleet[a.AgentID]; ok && a.CreatedAt.IsZero() {
		a.CreatedAt = existing.CreatedAt
	} else if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	cp := *a
	fleet[a.AgentID] = &cp
	return nil
}

func (m *Memory) GetAgent(_ context.Context, fleetID, agentID string) (*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.agents[fleetID][agentID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *Memory) FindAgent(_ context.Context, agentID string) (*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, fleet := range m.agents {
		if a, ok := fleet[agentID]; ok {
			cp := *a
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) ListAgents(_ context.Context, fleetID string) ([]*Agent, error) {
	return m.listAgents(fleetID, func(*Agent) bool { return true })
}

func (m *Memory) ListSquadAgents(_ context.Context, fleetID, squadID string) ([]*Agent, error) {
	return m.listAgents(fleetID, func(a *Agent) bool { return a.SquadID == squadID && squadID != "" })
}

func (m *Memory) ListAgentsByRole(_ context.Context, fleetID, roleSlug string) ([]*Agent, error) {
	return m.listAgents(fleetID, func(a *Agent) bool { return a.RoleSlug == roleSlug })
}

func (m *Memory) listAgents(fleetID string, keep func(*Agent) bool) ([]*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Agent
	for _, a := range m.agents[fleetID] {
		if keep(a) {
			cp := *a
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out, nil
}

func (m *Memory) CreateAPIKey(_ context.Context, fleetID, keyType string) (*APIKey, string, error) {
	key, full, err := newAPIKey(fleetID, keyType)
	if err != nil {
		return nil, "", err
	}
	key.CreatedAt = time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *key
	m.keys[key.ID] = &cp
	return key, full, nil
}

func (m *Memory) ValidateKey(_ context.Context, rawKey string) (*APIKey, error) {
	_, keyID, secret, err := parseKey(rawKey)
	if err != nil {
		return nil, err
	}

	m.mu.RLock()
	key, ok := m.keys[keyID]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrInvalidKey
	}
	if err := checkSecret(key, secret); err != nil {
		return nil, err
	}
	cp := *key
	return &cp, nil
}

func (m *Memory) RevokeKey(_ context.Context, keyID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key, ok := m.keys[keyID]
	if !ok {
		return ErrNotFound
	}
	key.Revoked = true
	return nil
}

func (m *Memory) CanonicalLiveKey(_ context.Context, fleetID string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var canonical *APIKey
	for _, key := range m.keys {
		if key.FleetID != fleetID || key.Type != KeyTypeLive || key.Revoked {
			continue
		}
		if canonical == nil || key.CreatedAt.Before(canonical.CreatedAt) {
			canonical = key
		}
	}
	if canonical == nil {
		return "", ErrNotFound
	}
	return canonical.RawKey(), nil
}
