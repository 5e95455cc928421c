package directory

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq" // postgres driver
)

// Postgres is the clustered Directory, shared by all hub nodes through a
// single database. Only the fields the messaging core consumes are modeled.
type Postgres struct {
	db *sql.DB
}

// OpenPostgres connects using a DATABASE_URL-style DSN and verifies
// connectivity.
func OpenPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetConnMaxIdleTime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	return &Postgres{db: db}, nil
}

// Close releases the connection pool.
func (p *Postgres) Close() error { return p.db.Close() }

func (p *Postgres) CreateTenant(ctx context.Context, t *Tenant) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO tenants (id, name, plan, created_at) VALUES ($1, $2, $3, now())
		 ON CONFLICT (id) DO UPDATE SET name = $2, plan = $3`,
		t.ID, t.Name, t.Plan)
	return err
}

func (p *Postgres) GetTenant(ctx context.Context, id string) (*Tenant, error) {
	t := &Tenant{}
	err := p.db.QueryRowContext(ctx,
		`SELECT id, name, plan, created_at FROM tenants WHERE id = $1`, id).
		Scan(&t.ID, &t.Name, &t.Plan, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return t, err
}

func (p *Postgres) CreateFleet(ctx context.Context, f *Fleet) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO fleets (id, tenant_id, name, created_at) VALUES ($1, $2, $3, now())
		 ON CONFLICT (id) DO UPDATE SET name = $3`,
		f.ID, f.TenantID, f.Name)
	return err
}

func (p *Postgres) GetFleet(ctx context.Context, id string) (*Fleet, error) {
	f := &Fleet{}
	err := p.db.QueryRowContext(ctx,
		`SELECT id, tenant_id, name, created_at FROM fleets WHERE id = $1`, id).
		Scan(&f.ID, &f.TenantID, &f.Name, &f.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return f, err
}

func (p *Postgres) ListFleets(ctx context.Context, tenantID string) ([]*Fleet, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT id, tenant_id, name, created_at FROM fleets WHERE tenant_id = $1 ORDER BY id`,
		tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Fleet
	for rows.Next() {
		f := &Fleet{}
		if err := rows.Scan(&f.ID, &f.TenantID, &f.Name, &f.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func (p *Postgres) CreateSquad(ctx context.Context, s *Squad) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO squads (id, fleet_id, name) VALUES ($1, $2, $3)
		 ON CONFLICT (id) DO UPDATE SET name = $3`,
		s.ID, s.FleetID, s.Name)
	return err
}

func (p *Postgres) GetSquad(ctx context.Context, id string) (*Squad, error) {
	s := &Squad{}
	err := p.db.QueryRowContext(ctx,
		`SELECT id, fleet_id, name FROM squads WHERE id = $1`, id).
		Scan(&s.ID, &s.FleetID, &s.Name)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return s, err
}

func (p *Postgres) UpsertAgent(ctx context.Context, a *Agent) error {
	meta, err := json.Marshal(a.Metadata)
	if err != nil {
		return fmt.Errorf("marshal agent metadata: %w", err)
	}
	_, err = p.db.ExecContext(ctx,
		`INSERT INTO agents (agent_id, fleet_id, squad_id, name, display_name, role_slug, context_tier, metadata, created_at)
		 VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, $7, $8, now())
		 ON CONFLICT (fleet_id, agent_id) DO UPDATE SET
		   squad_id = NULLIF($3, ''), name = $4, display_name = $5,
		   role_slug = $6, context_tier = $7, metadata = $8`,
		a.AgentID, a.FleetID, a.SquadID, a.Name, a.DisplayName, a.RoleSlug, a.ContextTier, meta)
	return err
}

func (p *Postgres) GetAgent(ctx context.Context, fleetID, agentID string) (*Agent, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT agent_id, fleet_id, COALESCE(squad_id, ''), name, COALESCE(display_name, ''),
		        COALESCE(role_slug, ''), COALESCE(context_tier, ''), metadata, created_at
		 FROM agents WHERE fleet_id = $1 AND agent_id = $2`, fleetID, agentID)
	a, err := scanAgent(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return a, err
}

func (p *Postgres) FindAgent(ctx context.Context, agentID string) (*Agent, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT agent_id, fleet_id, COALESCE(squad_id, ''), name, COALESCE(display_name, ''),
		        COALESCE(role_slug, ''), COALESCE(context_tier, ''), metadata, created_at
		 FROM agents WHERE agent_id = $1 LIMIT 1`, agentID)
	a, err := scanAgent(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return a, err
}

func (p *Postgres) ListAgents(ctx context.Context, fleetID string) ([]*Agent, error) {
	return p.queryAgents(ctx,
		`SELECT agent_id, fleet_id, COALESCE(squad_id, ''), name, COALESCE(display_name, ''),
		        COALESCE(role_slug, ''), COALESCE(context_tier, ''), metadata, created_at
		 FROM agents WHERE fleet_id = $1 ORDER BY agent_id`, fleetID)
}

func (p *Postgres) ListSquadAgents(ctx context.Context, fleetID, squadID string) ([]*Agent, error) {
	if squadID == "" {
		return nil, nil
	}
	return p.queryAgents(ctx,
		`SELECT agent_id, fleet_id, COALESCE(squad_id, ''), name, COALESCE(display_name, ''),
		        COALESCE(role_slug, ''), COALESCE(context_tier, ''), metadata, created_at
		 FROM agents WHERE fleet_id = $1 AND squad_id = $2 ORDER BY agent_id`, fleetID, squadID)
}

func (p *Postgres) ListAgentsByRole(ctx context.Context, fleetID, roleSlug string) ([]*Agent, error) {
	return p.queryAgents(ctx,
		`SELECT agent_id, fleet_id, COALESCE(squad_id, ''), name, COALESCE(display_name, ''),
		        COALESCE(role_slug, ''), COALESCE(context_tier, ''), metadata, created_at
		 FROM agents WHERE fleet_id = $1 AND role_slug = $2 ORDER BY agent_id`, fleetID, roleSlug)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAgent(row rowScanner) (*Agent, error) {
	a := &Agent{}
	var meta []byte
	if err := row.Scan(&a.AgentID, &a.FleetID, &a.SquadID, &a.Name, &a.DisplayName,
		&a.RoleSlug, &a.ContextTier, &meta, &a.CreatedAt); err != nil {
		return nil, err
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &a.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal agent metadata: %w", err)
		}
	}
	return a, nil
}

func (p *Postgres) queryAgents(ctx context.Context, query string, args ...interface{}) ([]*Agent, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (p *Postgres) CreateAPIKey(ctx context.Context, fleetID, keyType string) (*APIKey, string, error) {
	key, full, err := newAPIKey(fleetID, keyType)
	if err != nil {
		return nil, "", err
	}
	err = p.db.QueryRowContext(ctx,
		`INSERT INTO api_keys (id, fleet_id, type, secret_hash, raw_secret, revoked, created_at)
		 VALUES ($1, $2, $3, $4, $5, false, now()) RETURNING created_at`,
		key.ID, key.FleetID, key.Type, key.SecretHash, key.RawSecret).
		Scan(&key.CreatedAt)
	if err != nil {
		return nil, "", err
	}
	return key, full, nil
}

func (p *Postgres) ValidateKey(ctx context.Context, rawKey string) (*APIKey, error) {
	_, keyID, secret, err := parseKey(rawKey)
	if err != nil {
		return nil, err
	}
	key := &APIKey{}
	err = p.db.QueryRowContext(ctx,
		`SELECT id, fleet_id, type, COALESCE(secret_hash, ''), COALESCE(raw_secret, ''), revoked, created_at
		 FROM api_keys WHERE id = $1`, keyID).
		Scan(&key.ID, &key.FleetID, &key.Type, &key.SecretHash, &key.RawSecret, &key.Revoked, &key.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrInvalidKey
	}
	if err != nil {
		return nil, err
	}
	if err := checkSecret(key, secret); err != nil {
		return nil, err
	}
	return key, nil
}

func (p *Postgres) RevokeKey(ctx context.Context, keyID string) error {
	res, err := p.db.ExecContext(ctx, `UPDATE api_keys SET revoked = true WHERE id = $1`, keyID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) CanonicalLiveKey(ctx context.Context, fleetID string) (string, error) {
	key := &APIKey{Type: KeyTypeLive}
	err := p.db.QueryRowContext(ctx,
		`SELECT id, raw_secret FROM api_keys
		 WHERE fleet_id = $1 AND type = 'live' AND NOT revoked
		 ORDER BY created_at ASC LIMIT 1`, fleetID).
		Scan(&key.ID, &key.RawSecret)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return key.RawKey(), nil
}
