package models

import (
	"time"
)

// Merge is the immutable record of one consolidation. Reverting never
// deletes the row; it only flags it and restores the losing entity.
type Merge struct {
	ID           string     `json:"id" db:"id"`
	Kind         EntityKind `json:"kind" db:"kind"`
	FromEntityID string     `json:"from_entity_id" db:"from_entity_id"`
	IntoEntityID string     `json:"into_entity_id" db:"into_entity_id"`
	CandidateID  *string    `json:"candidate_id,omitempty" db:"candidate_id"`
	Rule         string     `json:"rule" db:"rule"`
	MatchScore   float64    `json:"match_score" db:"match_score"`
	Actor        string     `json:"actor" db:"actor"`
	Note         *string    `json:"note,omitempty" db:"note"`
	MergedAt     time.Time  `json:"merged_at" db:"merged_at"`
	IsReverted   bool       `json:"is_reverted" db:"is_reverted"`
	RevertedAt   *time.Time `json:"reverted_at,omitempty" db:"reverted_at"`
	RevertedBy   *string    `json:"reverted_by,omitempty" db:"reverted_by"`
	RevertNote   *string    `json:"revert_note,omitempty" db:"revert_note"`
}

// RevertMergeRequest is the request body for reverting a merge.
type RevertMergeRequest struct {
	Actor string `json:"actor" validate:"omitempty,max=200"`
	Note  string `json:"note" validate:"omitempty,max=2000"`
}

// Decision is the immutable record of one human action on a candidate,
// written whether or not the action led to a merge.
type Decision struct {
	ID          string         `json:"id" db:"id"`
	CandidateID string         `json:"candidate_id" db:"candidate_id"`
	Action      DecisionAction `json:"action" db:"action"`
	Actor       string         `json:"actor" db:"actor"`
	Note        *string        `json:"note,omitempty" db:"note"`
	DecidedAt   time.Time      `json:"decided_at" db:"decided_at"`
}
