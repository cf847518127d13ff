// Package store provides storage backends for ScanPipe.
//
// This file implements a PostgreSQL-backed conversation store.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/ScanPipe/internal/models"
	_ "github.com/lib/pq"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

// Compile-time check that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("PostgresStore.NewPostgresStore: creating Postgres store", "DSN_set", cfg.DSN != "")
	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, ErrDSNNotSet
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}
	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		_ = db.Close()
		return nil, err
	}
	slog.Debug("Postgres ping successful")

	slog.Debug("Running Postgres migrations")
	if err := runMigrations("postgres", dsn, DSNTypePostgres); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		_ = db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return newPostgresStoreWithDB(db), nil
}

func newPostgresStoreWithDB(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) GetConversation(ctx context.Context, patientID string) (*models.ConversationRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT patient_id, conversation_id, stage, patient_name, proposed_date, created_at, updated_at
		 FROM conversations WHERE patient_id = $1`, patientID)
	rec, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetConversation failed", "error", err, "patient_id", patientID)
		return nil, fmt.Errorf("failed to get conversation for %s: %w", patientID, err)
	}
	return rec, nil
}

func (s *PostgresStore) SaveConversation(ctx context.Context, rec models.ConversationRecord) error {
	if rec.PatientID == "" {
		return ErrEmptyPatientID
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (patient_id, conversation_id, stage, patient_name, proposed_date, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (patient_id) DO UPDATE SET
		   conversation_id = EXCLUDED.conversation_id,
		   stage = EXCLUDED.stage,
		   patient_name = EXCLUDED.patient_name,
		   proposed_date = EXCLUDED.proposed_date,
		   created_at = EXCLUDED.created_at,
		   updated_at = EXCLUDED.updated_at`,
		rec.PatientID, rec.ConversationID, string(rec.Stage), rec.PatientName, rec.ProposedDate, rec.CreatedAt, rec.UpdatedAt)
	if err != nil {
		slog.Error("PostgresStore SaveConversation failed", "error", err, "patient_id", rec.PatientID)
		return fmt.Errorf("failed to save conversation for %s: %w", rec.PatientID, err)
	}
	slog.Debug("PostgresStore SaveConversation succeeded", "patient_id", rec.PatientID, "stage", rec.Stage)
	return nil
}

func (s *PostgresStore) DeleteConversation(ctx context.Context, patientID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM conversations WHERE patient_id = $1`, patientID); err != nil {
		slog.Error("PostgresStore DeleteConversation failed", "error", err, "patient_id", patientID)
		return fmt.Errorf("failed to delete conversation for %s: %w", patientID, err)
	}
	return nil
}

func (s *PostgresStore) ListConversations(ctx context.Context) ([]models.ConversationRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT patient_id, conversation_id, stage, patient_name, proposed_date, created_at, updated_at
		 FROM conversations ORDER BY patient_id`)
	if err != nil {
		slog.Error("PostgresStore ListConversations query failed", "error", err)
		return nil, fmt.Errorf("failed to query conversations: %w", err)
	}
	defer rows.Close()
	return collectConversations(rows)
}

func (s *PostgresStore) IsProcessed(ctx context.Context, messageID string) (bool, error) {
	var processedAt sql.NullTime
	err := s.db.QueryRowContext(ctx, `SELECT processed_at FROM inbound_dedup WHERE message_id = $1`, messageID).Scan(&processedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("dedup check failed: %w", err)
	}
	return processedAt.Valid, nil
}

func (s *PostgresStore) RecordInbound(ctx context.Context, messageID, patientID string) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO inbound_dedup (message_id, patient_id, received_at) VALUES ($1, $2, $3) ON CONFLICT (message_id) DO NOTHING`,
		messageID, patientID, time.Now(),
	)
	if err != nil {
		return false, fmt.Errorf("record inbound failed: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("dedup rows affected check failed: %w", err)
	}
	return n > 0, nil
}

func (s *PostgresStore) MarkProcessed(ctx context.Context, messageID string) error {
	now := time.Now()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO inbound_dedup (message_id, patient_id, received_at, processed_at) VALUES ($1, '', $2, $2)
		 ON CONFLICT (message_id) DO UPDATE SET processed_at = EXCLUDED.processed_at`,
		messageID, now,
	)
	if err != nil {
		return fmt.Errorf("mark processed failed: %w", err)
	}
	return nil
}

// Close closes the Postgres database connection.
func (s *PostgresStore) Close() error {
	slog.Debug("Closing Postgres database connection")
	return s.db.Close()
}
