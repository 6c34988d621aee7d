package delivery

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists message statuses and delivery events in
// PostgreSQL. Status writes are conditional on the last-read status and
// processed events are guarded by a unique index, so processors on
// separate nodes cannot clobber each other.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed delivery store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the delivery tables if they don't exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS message_statuses (
			provider_message_id VARCHAR(128) PRIMARY KEY,
			provider            VARCHAR(32) NOT NULL DEFAULT '',
			klien_id            VARCHAR(64) NOT NULL DEFAULT '',
			sender_id           VARCHAR(64) NOT NULL DEFAULT '',
			current_type        VARCHAR(12) NOT NULL,
			status_timestamp  TIMESTAMPTZ NOT NULL,
			updated_at          TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE TABLE IF NOT EXISTS delivery_events (
			id                  VARCHAR(40) PRIMARY KEY,
			provider_message_id VARCHAR(128) NOT NULL,
			provider            VARCHAR(32) NOT NULL DEFAULT '',
			event_type          VARCHAR(12) NOT NULL,
			event_timestamp     TIMESTAMPTZ NOT NULL,
			status_before       VARCHAR(12) NOT NULL DEFAULT '',
			status_after        VARCHAR(12) NOT NULL DEFAULT '',
			error_code          VARCHAR(64) NOT NULL DEFAULT '',
			error_class         VARCHAR(12) NOT NULL DEFAULT '',
			phone_number        VARCHAR(32) NOT NULL DEFAULT '',
			klien_id            VARCHAR(64) NOT NULL DEFAULT '',
			is_duplicate        BOOLEAN NOT NULL DEFAULT FALSE,
			is_out_of_order     BOOLEAN NOT NULL DEFAULT FALSE,
			process_result      VARCHAR(12) NOT NULL,
			received_at         TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_delivery_events_message
			ON delivery_events (provider_message_id, received_at DESC);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_delivery_events_dedup
			ON delivery_events (provider_message_id, event_type, event_timestamp)
			WHERE process_result = 'processed';

		CREATE INDEX IF NOT EXISTS idx_delivery_events_klien
			ON delivery_events (klien_id, received_at DESC, id DESC);
	`)
	return err
}

func (s *PostgresStore) GetMessage(ctx context.Context, providerMessageID string) (*MessageStatus, error) {
	var m MessageStatus
	err := s.db.QueryRowContext(ctx, `
		SELECT provider_message_id, provider, klien_id, sender_id, current_type, status_timestamp, updated_at
		FROM message_statuses
		WHERE provider_message_id = $1
	`, providerMessageID).Scan(
		&m.ProviderMessageID, &m.Provider, &m.KlienID, &m.SenderID,
		&m.CurrentType, &m.CurrentTimestamp, &m.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get message status: %w", err)
	}
	return &m, nil
}

func (s *PostgresStore) UpsertMessage(ctx context.Context, m *MessageStatus, expected EventType) error {
	var (
		res sql.Result
		err error
	)
	if expected == "" {
		res, err = s.db.ExecContext(ctx, `
			INSERT INTO message_statuses (provider_message_id, provider, klien_id, sender_id, current_type, status_timestamp, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (provider_message_id) DO NOTHING
		`, m.ProviderMessageID, m.Provider, m.KlienID, m.SenderID, string(m.CurrentType), m.CurrentTimestamp, m.UpdatedAt)
	} else {
		res, err = s.db.ExecContext(ctx, `
			UPDATE message_statuses SET
				current_type = $2,
				status_timestamp = $3,
				klien_id = CASE WHEN klien_id = '' THEN $4 ELSE klien_id END,
				sender_id = CASE WHEN sender_id = '' THEN $5 ELSE sender_id END,
				updated_at = $6
			WHERE provider_message_id = $1 AND current_type = $7
		`, m.ProviderMessageID, string(m.CurrentType), m.CurrentTimestamp, m.KlienID, m.SenderID, m.UpdatedAt, string(expected))
	}
	if err != nil {
		return fmt.Errorf("failed to upsert message status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to upsert message status: %w", err)
	}
	if n == 0 {
		return ErrStatusConflict
	}
	return nil
}

func (s *PostgresStore) HasEvent(ctx context.Context, providerMessageID string, t EventType, ts time.Time) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM delivery_events
			WHERE provider_message_id = $1 AND event_type = $2 AND event_timestamp = $3
			  AND NOT is_duplicate
		)
	`, providerMessageID, string(t), ts).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check event existence: %w", err)
	}
	return exists, nil
}

func (s *PostgresStore) AppendEvent(ctx context.Context, ev *DeliveryEvent) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO delivery_events (
			id, provider_message_id, provider, event_type, event_timestamp,
			status_before, status_after, error_code, error_class, phone_number,
			klien_id, is_duplicate, is_out_of_order, process_result, received_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`,
		ev.ID, ev.ProviderMessageID, ev.Provider, string(ev.Type), ev.Timestamp,
		string(ev.StatusBefore), string(ev.StatusAfter), ev.ErrorCode, string(ev.ErrorClass), ev.PhoneNumber,
		ev.KlienID, ev.IsDuplicate, ev.IsOutOfOrder, string(ev.ProcessResult), ev.ReceivedAt,
	)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return ErrDuplicateEvent
	}
	if err != nil {
		return fmt.Errorf("failed to append delivery event: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListEvents(ctx context.Context, providerMessageID string, limit, offset int) ([]*DeliveryEvent, int, error) {
	var total int
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM delivery_events WHERE provider_message_id = $1
	`, providerMessageID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count delivery events: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, provider_message_id, provider, event_type, event_timestamp,
			status_before, status_after, error_code, error_class, phone_number,
			klien_id, is_duplicate, is_out_of_order, process_result, received_at
		FROM delivery_events
		WHERE provider_message_id = $1
		ORDER BY received_at DESC
		LIMIT $2 OFFSET $3
	`, providerMessageID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list delivery events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	result, err := scanEvents(rows)
	if err != nil {
		return nil, 0, err
	}
	return result, total, nil
}

func (s *PostgresStore) ListKlienEvents(ctx context.Context, klienID string, before time.Time, beforeID string, limit int) ([]*DeliveryEvent, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if before.IsZero() {
		rows, err = s.db.QueryContext(ctx, `
			SELECT id, provider_message_id, provider, event_type, event_timestamp,
				status_before, status_after, error_code, error_class, phone_number,
				klien_id, is_duplicate, is_out_of_order, process_result, received_at
			FROM delivery_events
			WHERE klien_id = $1
			ORDER BY received_at DESC, id DESC
			LIMIT $2
		`, klienID, limit)
	} else {
		rows, err = s.db.QueryContext(ctx, `
			SELECT id, provider_message_id, provider, event_type, event_timestamp,
				status_before, status_after, error_code, error_class, phone_number,
				klien_id, is_duplicate, is_out_of_order, process_result, received_at
			FROM delivery_events
			WHERE klien_id = $1 AND (received_at, id) < ($2, $3)
			ORDER BY received_at DESC, id DESC
			LIMIT $4
		`, klienID, before, beforeID, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list klien delivery events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]*DeliveryEvent, error) {
	var result []*DeliveryEvent
	for rows.Next() {
		var ev DeliveryEvent
		if err := rows.Scan(
			&ev.ID, &ev.ProviderMessageID, &ev.Provider, &ev.Type, &ev.Timestamp,
			&ev.StatusBefore, &ev.StatusAfter, &ev.ErrorCode, &ev.ErrorClass, &ev.PhoneNumber,
			&ev.KlienID, &ev.IsDuplicate, &ev.IsOutOfOrder, &ev.ProcessResult, &ev.ReceivedAt,
		); err != nil {
			return nil, err
		}
		result = append(result, &ev)
	}
	return result, rows.Err()
}
