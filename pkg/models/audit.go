package models

import (
	"time"

	"github.com/Ramsey-B/atlas/pkg/database"
)

// AuditEventType names the kinds of events recorded in the audit log.
type AuditEventType string

const (
	AuditEventCandidateCreated AuditEventType = "candidate.created"
	AuditEventCandidateScored  AuditEventType = "candidate.scored"
	AuditEventStatusChanged    AuditEventType = "candidate.status_changed"
	AuditEventMergeExecuted    AuditEventType = "merge.executed"
	AuditEventMergeReverted    AuditEventType = "merge.reverted"
)

// AuditDetail is the structured payload of an audit entry.
type AuditDetail struct {
	FromStatus   string  `json:"from_status,omitempty"`
	ToStatus     string  `json:"to_status,omitempty"`
	Score        float64 `json:"score,omitempty"`
	FromEntityID string  `json:"from_entity_id,omitempty"`
	IntoEntityID string  `json:"into_entity_id,omitempty"`
	MergeID      string  `json:"merge_id,omitempty"`
	Note         string  `json:"note,omitempty"`
	Conflict     bool    `json:"conflict,omitempty"`
}

// AuditEntry is one append-only audit log row. SubjectID is the candidate,
// merge, or entity the event is about.
type AuditEntry struct {
	ID         string                      `json:"id" db:"id"`
	EventType  AuditEventType              `json:"event_type" db:"event_type"`
	EntityKind EntityKind                  `json:"entity_kind" db:"entity_kind"`
	SubjectID  string                      `json:"subject_id" db:"subject_id"`
	Actor      string                      `json:"actor" db:"actor"`
	Rule       string                      `json:"rule" db:"rule"`
	Score      float64                     `json:"score" db:"score"`
	Detail     database.JSONB[AuditDetail] `json:"detail" db:"detail"`
	CreatedAt  time.Time                   `json:"created_at" db:"created_at"`
}
