package restriction

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// PostgresStore persists restriction records in PostgreSQL with
// optimistic version checks on every update.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed restriction store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the restriction tables if they don't exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS restriction_records (
			klien_id            VARCHAR(64) PRIMARY KEY,
			tier                VARCHAR(16) NOT NULL CHECK (tier IN ('umkm', 'corporate', 'enterprise')),
			status              VARCHAR(12) NOT NULL CHECK (status IN ('active', 'warned', 'throttled', 'paused', 'suspended', 'restored')),
			previous_status     VARCHAR(12) NOT NULL DEFAULT '',
			status_changed_at   TIMESTAMPTZ NOT NULL,
			status_reason       TEXT NOT NULL DEFAULT '',
			abuse_points        NUMERIC(10,2) NOT NULL DEFAULT 0,
			active_abuse_points NUMERIC(10,2) NOT NULL DEFAULT 0,
			incidents_30d       INTEGER NOT NULL DEFAULT 0,
			warning_count       INTEGER NOT NULL DEFAULT 0,
			suspension_count    INTEGER NOT NULL DEFAULT 0,
			clean_days          INTEGER NOT NULL DEFAULT 0,
			can_send            BOOLEAN NOT NULL,
			can_create_campaign BOOLEAN NOT NULL,
			throttle_multiplier NUMERIC(3,2) NOT NULL CHECK (throttle_multiplier >= 0 AND throttle_multiplier <= 1),
			restricted_until    TIMESTAMPTZ,
			last_maintained_at  TIMESTAMPTZ,
			override_type       VARCHAR(32) NOT NULL DEFAULT '',
			override_by         VARCHAR(64) NOT NULL DEFAULT '',
			override_reason     TEXT NOT NULL DEFAULT '',
			override_expires_at TIMESTAMPTZ,
			version             BIGINT NOT NULL DEFAULT 1,
			created_at          TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at          TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE TABLE IF NOT EXISTS restriction_transitions (
			id          VARCHAR(40) PRIMARY KEY,
			klien_id    VARCHAR(64) NOT NULL,
			from_status VARCHAR(12) NOT NULL,
			to_status   VARCHAR(12) NOT NULL,
			reason      TEXT NOT NULL DEFAULT '',
			forced      BOOLEAN NOT NULL DEFAULT FALSE,
			occurred_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_restriction_transitions_klien
			ON restriction_transitions (klien_id, occurred_at DESC);

		CREATE INDEX IF NOT EXISTS idx_restriction_records_maintenance
			ON restriction_records (last_maintained_at);
	`)
	return err
}

const recordColumns = `klien_id, tier, status, previous_status, status_changed_at, status_reason,
		abuse_points, active_abuse_points, incidents_30d, warning_count, suspension_count, clean_days,
		can_send, can_create_campaign, throttle_multiplier, restricted_until, last_maintained_at,
		override_type, override_by, override_reason, override_expires_at,
		version, created_at, updated_at`

func (s *PostgresStore) Get(ctx context.Context, klienID string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+recordColumns+`
		FROM restriction_records
		WHERE klien_id = $1
	`, klienID)
	return scanRecord(row)
}

func (s *PostgresStore) Create(ctx context.Context, r *Record) (*Record, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO restriction_records (
			klien_id, tier, status, previous_status, status_changed_at, status_reason,
			abuse_points, active_abuse_points, incidents_30d, warning_count, suspension_count, clean_days,
			can_send, can_create_campaign, throttle_multiplier, restricted_until, last_maintained_at,
			override_type, override_by, override_reason, override_expires_at,
			version, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12,
			$13, $14, $15, $16, $17, $18, $19, $20, $21, 1, $22, $23)
		ON CONFLICT (klien_id) DO NOTHING
	`,
		r.KlienID, string(r.Tier), string(r.Status), string(r.PreviousStatus), r.StatusChangedAt, r.StatusReason,
		r.AbusePoints, r.ActiveAbusePoints, r.Incidents30d, r.WarningCount, r.SuspensionCount, r.CleanDays,
		r.CanSend, r.CanCreateCampaign, r.ThrottleMultiplier, nullTime(r.RestrictedUntil), nullTime(r.LastMaintainedAt),
		r.OverrideType, r.OverrideBy, r.OverrideReason, nullTime(r.OverrideExpiresAt),
		r.CreatedAt, r.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create restriction record: %w", err)
	}

	// Re-read: either our row or the one that won the insert race.
	return s.Get(ctx, r.KlienID)
}

func (s *PostgresStore) UpdateCAS(ctx context.Context, r *Record) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE restriction_records SET
			tier = $2, status = $3, previous_status = $4, status_changed_at = $5, status_reason = $6,
			abuse_points = $7, active_abuse_points = $8, incidents_30d = $9,
			warning_count = $10, suspension_count = $11, clean_days = $12,
			can_send = $13, can_create_campaign = $14, throttle_multiplier = $15,
			restricted_until = $16, last_maintained_at = $17,
			override_type = $18, override_by = $19, override_reason = $20, override_expires_at = $21,
			version = version + 1, updated_at = $22
		WHERE klien_id = $1 AND version = $23
	`,
		r.KlienID, string(r.Tier), string(r.Status), string(r.PreviousStatus), r.StatusChangedAt, r.StatusReason,
		r.AbusePoints, r.ActiveAbusePoints, r.Incidents30d,
		r.WarningCount, r.SuspensionCount, r.CleanDays,
		r.CanSend, r.CanCreateCampaign, r.ThrottleMultiplier,
		nullTime(r.RestrictedUntil), nullTime(r.LastMaintainedAt),
		r.OverrideType, r.OverrideBy, r.OverrideReason, nullTime(r.OverrideExpiresAt),
		r.UpdatedAt, r.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to update restriction record: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := s.Get(ctx, r.KlienID); errors.Is(err, ErrNotFound) {
			return ErrNotFound
		}
		return ErrConflict
	}
	r.Version++
	return nil
}

func (s *PostgresStore) ListMaintenanceDue(ctx context.Context, before time.Time, limit int) ([]*Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+recordColumns+`
		FROM restriction_records
		WHERE last_maintained_at IS NULL OR last_maintained_at < $1
		ORDER BY last_maintained_at ASC NULLS FIRST
		LIMIT $2
	`, before, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list maintenance-due records: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

func (s *PostgresStore) RecordTransition(ctx context.Context, tr *Transition) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO restriction_transitions (id, klien_id, from_status, to_status, reason, forced, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, tr.ID, tr.KlienID, string(tr.FromStatus), string(tr.ToStatus), tr.Reason, tr.Forced, tr.OccurredAt)
	if err != nil {
		return fmt.Errorf("failed to record transition: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListTransitions(ctx context.Context, klienID string, limit int) ([]*Transition, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, klien_id, from_status, to_status, reason, forced, occurred_at
		FROM restriction_transitions
		WHERE klien_id = $1
		ORDER BY occurred_at DESC
		LIMIT $2
	`, klienID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list transitions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*Transition
	for rows.Next() {
		var tr Transition
		if err := rows.Scan(&tr.ID, &tr.KlienID, &tr.FromStatus, &tr.ToStatus,
			&tr.Reason, &tr.Forced, &tr.OccurredAt); err != nil {
			return nil, err
		}
		result = append(result, &tr)
	}
	return result, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var r Record
	var restrictedUntil, lastMaintained, overrideExpires sql.NullTime

	err := row.Scan(
		&r.KlienID, &r.Tier, &r.Status, &r.PreviousStatus, &r.StatusChangedAt, &r.StatusReason,
		&r.AbusePoints, &r.ActiveAbusePoints, &r.Incidents30d, &r.WarningCount, &r.SuspensionCount, &r.CleanDays,
		&r.CanSend, &r.CanCreateCampaign, &r.ThrottleMultiplier, &restrictedUntil, &lastMaintained,
		&r.OverrideType, &r.OverrideBy, &r.OverrideReason, &overrideExpires,
		&r.Version, &r.CreatedAt, &r.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan restriction record: %w", err)
	}
	if restrictedUntil.Valid {
		r.RestrictedUntil = restrictedUntil.Time
	}
	if lastMaintained.Valid {
		r.LastMaintainedAt = lastMaintained.Time
	}
	if overrideExpires.Valid {
		r.OverrideExpiresAt = overrideExpires.Time
	}
	return &r, nil
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t, Valid: true}
}
