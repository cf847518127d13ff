package store

import (
	"database/sql"
	"fmt"

	"github.com/BTreeMap/ScanPipe/internal/models"
)

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// scanConversation reads one conversations row in column order
// patient_id, conversation_id, stage, patient_name, proposed_date, created_at, updated_at.
func scanConversation(row rowScanner) (*models.ConversationRecord, error) {
	var (
		rec   models.ConversationRecord
		stage string
	)
	if err := row.Scan(&rec.PatientID, &rec.ConversationID, &stage, &rec.PatientName, &rec.ProposedDate, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		return nil, err
	}
	rec.Stage = models.Stage(stage)
	return &rec, nil
}

func collectConversations(rows *sql.Rows) ([]models.ConversationRecord, error) {
	out := []models.ConversationRecord{}
	for rows.Next() {
		rec, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan conversation row: %w", err)
		}
		out = append(out, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate conversation rows: %w", err)
	}
	return out, nil
}
