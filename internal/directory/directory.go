// Package directory manages the control-plane entities: tenants, fleets,
// agents, squads, and API keys. The fleet is the isolation boundary — no
// lookup here ever crosses fleets.
package directory

import (
	"context"
	"errors"
	"time"
)

// Key type prefixes. Admin keys grant HTTP control-plane access; live keys
// authenticate agents on the channel gateway.
const (
	KeyTypeAdmin = "admin"
	KeyTypeLive  = "live"

	adminKeyPrefix = "rf_admin_"
	liveKeyPrefix  = "rf_live_"
)

var (
	ErrNotFound   = errors.New("directory: not found")
	ErrInvalidKey = errors.New("directory: invalid api key")
	ErrKeyRevoked = errors.New("directory: api key revoked")
)

// Tenant owns fleets.
type Tenant struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Plan      string    `json:"plan"`
	CreatedAt time.Time `json:"created_at"`
}

// Fleet is the tenant-scoped isolation boundary. It owns agents, rules,
// and keys.
type Fleet struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenant_id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// Squad is a subset of a fleet. An agent belongs to at most one squad.
type Squad struct {
	ID      string `json:"id"`
	FleetID string `json:"fleet_id"`
	Name    string `json:"name"`
}

// RoleTemplate names a role. Tier is a pure function of the slug (see the
// access package).
type RoleTemplate struct {
	ID   string `json:"id"`
	Slug string `json:"slug"`
}

// Agent is an authenticated client process. Created on first successful
// key-authenticated join; persists afterwards.
type Agent struct {
	AgentID     string                 `json:"agent_id"`
	FleetID     string                 `json:"fleet_id"`
	SquadID     string                 `json:"squad_id,omitempty"`
	Name        string                 `json:"name"`
	DisplayName string                 `json:"display_name,omitempty"`
	RoleSlug    string                 `json:"role_slug,omitempty"`
	ContextTier string                 `json:"context_tier,omitempty"` // tier0..tier3
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt   time.Time              `json:"created_at"`
}

// FleetAdmin reports whether the agent's metadata marks it as a fleet admin,
// which grants tier 0.
func (a *Agent) FleetAdmin() bool {
	if a.Metadata == nil {
		return false
	}
	v, ok := a.Metadata["fleet_admin"]
	if !ok {
		return false
	}
	b, ok := v.(bool)
	return ok && b
}

// Capabilities returns the capability slugs from the agent's profile
// metadata. Accepts both []string and the []interface{} a JSON round trip
// produces.
func (a *Agent) Capabilities() []string {
	if a.Metadata == nil {
		return nil
	}
	switch v := a.Metadata["capabilities"].(type) {
	case []string:
		return v
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// APIKey is a fleet credential. The raw secret of live keys is retained so
// the hub can derive the fleet's message keys; admin secrets are stored only
// as bcrypt hashes.
type APIKey struct {
	ID         string    `json:"id"`
	FleetID    string    `json:"fleet_id"`
	Type       string    `json:"type"` // admin | live
	SecretHash string    `json:"-"`    // bcrypt, admin keys
	RawSecret  string    `json:"-"`    // live keys only, needed for key derivation
	Revoked    bool      `json:"revoked"`
	CreatedAt  time.Time `json:"created_at"`
}

// Directory is the storage abstraction for control-plane entities. The
// memory implementation backs tests and single-node deployments; the
// Postgres implementation backs clustered ones.
type Directory interface {
	CreateTenant(ctx context.Context, t *Tenant) error
	GetTenant(ctx context.Context, id string) (*Tenant, error)

	CreateFleet(ctx context.Context, f *Fleet) error
	GetFleet(ctx context.Context, id string) (*Fleet, error)
	ListFleets(ctx context.Context, tenantID string) ([]*Fleet, error)

	CreateSquad(ctx context.Context, s *Squad) error
	GetSquad(ctx context.Context, id string) (*Squad, error)

	UpsertAgent(ctx context.Context, a *Agent) error
	GetAgent(ctx context.Context, fleetID, agentID string) (*Agent, error)
	// FindAgent looks an agent up across fleets; the router uses it to tell
	// a wrong-fleet target apart from a missing one.
	FindAgent(ctx context.Context, agentID string) (*Agent, error)
	ListAgents(ctx context.Context, fleetID string) ([]*Agent, error)
	ListSquadAgents(ctx context.Context, fleetID, squadID string) ([]*Agent, error)
	ListAgentsByRole(ctx context.Context, fleetID, roleSlug string) ([]*Agent, error)

	// CreateAPIKey mints a key and returns the full raw key exactly once.
	CreateAPIKey(ctx context.Context, fleetID, keyType string) (*APIKey, string, error)
	// ValidateKey resolves a raw bearer key to its record.
	ValidateKey(ctx context.Context, rawKey string) (*APIKey, error)
	RevokeKey(ctx context.Context, keyID string) error
	// CanonicalLiveKey returns the raw form of the fleet's canonical live
	// key: the oldest non-revoked one. Fleet message keys derive from it.
	CanonicalLiveKey(ctx context.Context, fleetID string) (string, error)
}
