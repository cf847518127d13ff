// Package store provides storage backends for ScanPipe.
//
// This file implements an SQLite-backed conversation store.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/BTreeMap/ScanPipe/internal/models"
	_ "github.com/mattn/go-sqlite3"
)

// Constants for SQLite store configuration
const (
	// DefaultDirPermissions defines the default permissions for database directories
	DefaultDirPermissions = 0755
)

// Compile-time check that SQLiteStore implements Store.
var _ Store = (*SQLiteStore)(nil)

type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN should be a file path to the SQLite database file.
// If the directory doesn't exist, it will be created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, ErrDSNNotSet
	}

	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	slog.Debug("Running SQLite migrations")
	if err := runMigrations("sqlite3", dsn, DSNTypeSQLite); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}
	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		_ = db.Close()
		return nil, err
	}
	// SQLite serializes writers; one connection avoids SQLITE_BUSY under concurrent turns.
	db.SetMaxOpenConns(1)
	slog.Debug("SQLite store ready", "dir", dir)

	return newSQLiteStoreWithDB(db), nil
}

func newSQLiteStoreWithDB(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

func (s *SQLiteStore) GetConversation(ctx context.Context, patientID string) (*models.ConversationRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT patient_id, conversation_id, stage, patient_name, proposed_date, created_at, updated_at
		 FROM conversations WHERE patient_id = ?`, patientID)
	rec, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetConversation failed", "error", err, "patient_id", patientID)
		return nil, fmt.Errorf("failed to get conversation for %s: %w", patientID, err)
	}
	return rec, nil
}

func (s *SQLiteStore) SaveConversation(ctx context.Context, rec models.ConversationRecord) error {
	if rec.PatientID == "" {
		return ErrEmptyPatientID
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (patient_id, conversation_id, stage, patient_name, proposed_date, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(patient_id) DO UPDATE SET
		   conversation_id = excluded.conversation_id,
		   stage = excluded.stage,
		   patient_name = excluded.patient_name,
		   proposed_date = excluded.proposed_date,
		   created_at = excluded.created_at,
		   updated_at = excluded.updated_at`,
		rec.PatientID, rec.ConversationID, string(rec.Stage), rec.PatientName, rec.ProposedDate, rec.CreatedAt.UTC(), rec.UpdatedAt.UTC())
	if err != nil {
		slog.Error("SQLiteStore SaveConversation failed", "error", err, "patient_id", rec.PatientID)
		return fmt.Errorf("failed to save conversation for %s: %w", rec.PatientID, err)
	}
	slog.Debug("SQLiteStore SaveConversation succeeded", "patient_id", rec.PatientID, "stage", rec.Stage)
	return nil
}

func (s *SQLiteStore) DeleteConversation(ctx context.Context, patientID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM conversations WHERE patient_id = ?`, patientID); err != nil {
		slog.Error("SQLiteStore DeleteConversation failed", "error", err, "patient_id", patientID)
		return fmt.Errorf("failed to delete conversation for %s: %w", patientID, err)
	}
	return nil
}

func (s *SQLiteStore) ListConversations(ctx context.Context) ([]models.ConversationRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT patient_id, conversation_id, stage, patient_name, proposed_date, created_at, updated_at
		 FROM conversations ORDER BY patient_id`)
	if err != nil {
		slog.Error("SQLiteStore ListConversations query failed", "error", err)
		return nil, fmt.Errorf("failed to query conversations: %w", err)
	}
	defer rows.Close()
	return collectConversations(rows)
}

func (s *SQLiteStore) IsProcessed(ctx context.Context, messageID string) (bool, error) {
	var processedAt sql.NullTime
	err := s.db.QueryRowContext(ctx, `SELECT processed_at FROM inbound_dedup WHERE message_id = ?`, messageID).Scan(&processedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("dedup check failed: %w", err)
	}
	return processedAt.Valid, nil
}

func (s *SQLiteStore) RecordInbound(ctx context.Context, messageID, patientID string) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO inbound_dedup (message_id, patient_id, received_at) VALUES (?, ?, ?)`,
		messageID, patientID, time.Now().UTC(),
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

func (s *SQLiteStore) MarkProcessed(ctx context.Context, messageID string) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO inbound_dedup (message_id, patient_id, received_at, processed_at) VALUES (?, '', ?, ?)
		 ON CONFLICT(message_id) DO UPDATE SET processed_at = excluded.processed_at`,
		messageID, now, now,
	)
	if err != nil {
		return fmt.Errorf("mark processed failed: %w", err)
	}
	return nil
}

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	slog.Debug("Closing SQLite database connection")
	return s.db.Close()
}
