package risk

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// PostgresStore persists risk profiles and incidents in PostgreSQL.
// Concurrency control is optimistic: every UPDATE carries a version
// predicate, so lost races surface as ErrConflict for the engine to retry.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed risk store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the risk tables if they don't exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS risk_profiles (
			entity_type        VARCHAR(16) NOT NULL CHECK (entity_type IN ('user', 'sender', 'campaign')),
			entity_id          VARCHAR(64) NOT NULL,
			klien_id           VARCHAR(64) NOT NULL DEFAULT '',
			score              NUMERIC(5,2) NOT NULL CHECK (score >= 0 AND score <= 100),
			level              VARCHAR(12) NOT NULL CHECK (level IN ('safe', 'warning', 'high_risk', 'critical')),
			factor_scores      JSONB NOT NULL DEFAULT '{}',
			score_24h_ago      NUMERIC(5,2) NOT NULL DEFAULT 0,
			score_7d_ago       NUMERIC(5,2) NOT NULL DEFAULT 0,
			snapshot_24h_at    TIMESTAMPTZ NOT NULL,
			snapshot_7d_at     TIMESTAMPTZ NOT NULL,
			trend              VARCHAR(12) NOT NULL DEFAULT 'stable',
			incidents_total    INTEGER NOT NULL DEFAULT 0,
			incidents_24h      INTEGER NOT NULL DEFAULT 0,
			incidents_7d       INTEGER NOT NULL DEFAULT 0,
			window_24h_start   TIMESTAMPTZ NOT NULL,
			window_7d_start    TIMESTAMPTZ NOT NULL,
			enforcement_action VARCHAR(32) NOT NULL DEFAULT '',
			action_expires_at  TIMESTAMPTZ,
			whitelisted        BOOLEAN NOT NULL DEFAULT FALSE,
			blacklisted        BOOLEAN NOT NULL DEFAULT FALSE,
			safe_days          INTEGER NOT NULL DEFAULT 0,
			last_incident_at   TIMESTAMPTZ,
			last_decay_at      TIMESTAMPTZ NOT NULL,
			version            BIGINT NOT NULL DEFAULT 1,
			created_at         TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at         TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (entity_type, entity_id)
		);

		CREATE INDEX IF NOT EXISTS idx_risk_profiles_decay
			ON risk_profiles (last_decay_at) WHERE score > 0;

		CREATE TABLE IF NOT EXISTS risk_incidents (
			id           VARCHAR(40) PRIMARY KEY,
			entity_type  VARCHAR(16) NOT NULL,
			entity_id    VARCHAR(64) NOT NULL,
			severity     NUMERIC(5,2) NOT NULL,
			category     VARCHAR(64) NOT NULL DEFAULT '',
			detail       TEXT NOT NULL DEFAULT '',
			occurred_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_risk_incidents_entity
			ON risk_incidents (entity_type, entity_id, occurred_at DESC);
	`)
	return err
}

const profileColumns = `entity_type, entity_id, klien_id, score, level, factor_scores,
		score_24h_ago, score_7d_ago, snapshot_24h_at, snapshot_7d_at, trend,
		incidents_total, incidents_24h, incidents_7d, window_24h_start, window_7d_start,
		enforcement_action, action_expires_at, whitelisted, blacklisted,
		safe_days, last_incident_at, last_decay_at, version, created_at, updated_at`

func (s *PostgresStore) Get(ctx context.Context, typ EntityType, id string) (*Profile, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+profileColumns+`
		FROM risk_profiles
		WHERE entity_type = $1 AND entity_id = $2
	`, string(typ), id)
	return scanProfile(row)
}

func (s *PostgresStore) Create(ctx context.Context, p *Profile) (*Profile, error) {
	factorsJSON, err := json.Marshal(p.FactorScores)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal factor scores: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO risk_profiles (
			entity_type, entity_id, klien_id, score, level, factor_scores,
			score_24h_ago, score_7d_ago, snapshot_24h_at, snapshot_7d_at, trend,
			incidents_total, incidents_24h, incidents_7d, window_24h_start, window_7d_start,
			enforcement_action, action_expires_at, whitelisted, blacklisted,
			safe_days, last_incident_at, last_decay_at, version, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14,
			$15, $16, $17, $18, $19, $20, $21, $22, $23, 1, $24, $25)
		ON CONFLICT (entity_type, entity_id) DO NOTHING
	`,
		string(p.EntityType), p.EntityID, p.KlienID, p.Score, string(p.Level), factorsJSON,
		p.Score24hAgo, p.Score7dAgo, p.Snapshot24hAt, p.Snapshot7dAt, string(p.Trend),
		p.IncidentsTotal, p.Incidents24h, p.Incidents7d, p.Window24hStart, p.Window7dStart,
		p.EnforcementAction, nullTime(p.ActionExpiresAt), p.Whitelisted, p.Blacklisted,
		p.SafeDays, nullTime(p.LastIncidentAt), p.LastDecayAt, p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create risk profile: %w", err)
	}

	// Re-read: either our row or the one that won the insert race.
	return s.Get(ctx, p.EntityType, p.EntityID)
}

func (s *PostgresStore) UpdateCAS(ctx context.Context, p *Profile) error {
	factorsJSON, err := json.Marshal(p.FactorScores)
	if err != nil {
		return fmt.Errorf("failed to marshal factor scores: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE risk_profiles SET
			klien_id = $3, score = $4, level = $5, factor_scores = $6,
			score_24h_ago = $7, score_7d_ago = $8, snapshot_24h_at = $9, snapshot_7d_at = $10,
			trend = $11, incidents_total = $12, incidents_24h = $13, incidents_7d = $14,
			window_24h_start = $15, window_7d_start = $16,
			enforcement_action = $17, action_expires_at = $18,
			whitelisted = $19, blacklisted = $20, safe_days = $21,
			last_incident_at = $22, last_decay_at = $23,
			version = version + 1, updated_at = $24
		WHERE entity_type = $1 AND entity_id = $2 AND version = $25
	`,
		string(p.EntityType), p.EntityID, p.KlienID, p.Score, string(p.Level), factorsJSON,
		p.Score24hAgo, p.Score7dAgo, p.Snapshot24hAt, p.Snapshot7dAt,
		string(p.Trend), p.IncidentsTotal, p.Incidents24h, p.Incidents7d,
		p.Window24hStart, p.Window7dStart,
		p.EnforcementAction, nullTime(p.ActionExpiresAt),
		p.Whitelisted, p.Blacklisted, p.SafeDays,
		nullTime(p.LastIncidentAt), p.LastDecayAt,
		p.UpdatedAt, p.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to update risk profile: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := s.Get(ctx, p.EntityType, p.EntityID); errors.Is(err, ErrNotFound) {
			return ErrNotFound
		}
		return ErrConflict
	}
	p.Version++
	return nil
}

func (s *PostgresStore) ListDecayDue(ctx context.Context, before time.Time, limit int) ([]*Profile, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+profileColumns+`
		FROM risk_profiles
		WHERE score > 0 AND last_decay_at < $1
		ORDER BY last_decay_at ASC
		LIMIT $2
	`, before, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list decay-due profiles: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*Profile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, p)
	}
	return result, rows.Err()
}

func (s *PostgresStore) RecordIncident(ctx context.Context, inc *Incident) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO risk_incidents (id, entity_type, entity_id, severity, category, detail, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, inc.ID, string(inc.EntityType), inc.EntityID, inc.Severity, inc.Category, inc.Detail, inc.OccurredAt)
	if err != nil {
		return fmt.Errorf("failed to record incident: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListIncidents(ctx context.Context, typ EntityType, id string, limit int) ([]*Incident, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, entity_type, entity_id, severity, category, detail, occurred_at
		FROM risk_incidents
		WHERE entity_type = $1 AND entity_id = $2
		ORDER BY occurred_at DESC
		LIMIT $3
	`, string(typ), id, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list incidents: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*Incident
	for rows.Next() {
		var inc Incident
		if err := rows.Scan(&inc.ID, &inc.EntityType, &inc.EntityID, &inc.Severity,
			&inc.Category, &inc.Detail, &inc.OccurredAt); err != nil {
			return nil, err
		}
		result = append(result, &inc)
	}
	return result, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProfile(row rowScanner) (*Profile, error) {
	var p Profile
	var factorsJSON []byte
	var actionExpires, lastIncident sql.NullTime

	err := row.Scan(
		&p.EntityType, &p.EntityID, &p.KlienID, &p.Score, &p.Level, &factorsJSON,
		&p.Score24hAgo, &p.Score7dAgo, &p.Snapshot24hAt, &p.Snapshot7dAt, &p.Trend,
		&p.IncidentsTotal, &p.Incidents24h, &p.Incidents7d, &p.Window24hStart, &p.Window7dStart,
		&p.EnforcementAction, &actionExpires, &p.Whitelisted, &p.Blacklisted,
		&p.SafeDays, &lastIncident, &p.LastDecayAt, &p.Version, &p.CreatedAt, &p.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan risk profile: %w", err)
	}
	if actionExpires.Valid {
		p.ActionExpiresAt = actionExpires.Time
	}
	if lastIncident.Valid {
		p.LastIncidentAt = lastIncident.Time
	}
	if len(factorsJSON) > 0 {
		p.FactorScores = make(map[string]float64)
		_ = json.Unmarshal(factorsJSON, &p.FactorScores)
		if len(p.FactorScores) == 0 {
			p.FactorScores = nil
		}
	}
	return &p, nil
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t, Valid: true}
}
