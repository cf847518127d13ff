// Package models defines conversation state structures for ScanPipe.
package models

import "time"

// Stage is the position of a patient's conversation in the scripted dialogue.
// A concluded conversation has no stage: its record is removed.
type Stage string

const (
	// StageAwaitingYesNo is entered as soon as the reminder has been delivered.
	StageAwaitingYesNo Stage = "awaiting_yes_no"
	// StageAwaitingNoReason waits for the reason the scan has not been done.
	StageAwaitingNoReason Stage = "awaiting_no_reason"
)

// IsValid reports whether s is one of the active stages.
func (s Stage) IsValid() bool {
	switch s {
	case StageAwaitingYesNo, StageAwaitingNoReason:
		return true
	default:
		return false
	}
}

// ConversationRecord is the per-patient state kept while a conversation is active.
type ConversationRecord struct {
	PatientID      string    `json:"patient_id"`
	ConversationID string    `json:"conversation_id"`
	Stage          Stage     `json:"stage"`
	PatientName    string    `json:"patient_name,omitempty"`
	ProposedDate   string    `json:"proposed_date,omitempty"` // date the patient mentioned when pushing the scan back
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}
