package models

import (
	"time"

	"github.com/Ramsey-B/atlas/pkg/database"
)

// CandidateStatus is the review state of a match candidate pair.
type CandidateStatus string

const (
	// CandidateStatusOpen means the pair awaits an automatic or human decision
	CandidateStatusOpen CandidateStatus = "open"
	// CandidateStatusAutoMerged means the pair cleared the threshold and was merged automatically
	CandidateStatusAutoMerged CandidateStatus = "auto_merged"
	// CandidateStatusAccepted means a human approved the merge
	CandidateStatusAccepted CandidateStatus = "accepted"
	// CandidateStatusRejected means the current candidate instance was dismissed
	CandidateStatusRejected CandidateStatus = "rejected"
	// CandidateStatusBlocked means the pair must never be auto-considered again
	CandidateStatusBlocked CandidateStatus = "blocked"
)

// ValidCandidateStatus reports whether the given status is known.
func ValidCandidateStatus(s CandidateStatus) bool {
	switch s {
	case CandidateStatusOpen, CandidateStatusAutoMerged, CandidateStatusAccepted, CandidateStatusRejected, CandidateStatusBlocked:
		return true
	}
	return false
}

// ScoreBreakdown records how a match score was composed so reviewers can see
// which signals fired.
type ScoreBreakdown struct {
	NameSimilarity    float64  `json:"name_similarity"`
	IdentifierOverlap float64  `json:"identifier_overlap"`
	ContextBoost      float64  `json:"context_boost"`
	SharedIdentifiers []string `json:"shared_identifiers,omitempty"`
	BestAliasA        string   `json:"best_alias_a,omitempty"`
	BestAliasB        string   `json:"best_alias_b,omitempty"`
}

// MatchCandidate is one unordered entity pair proposed for merging.
// EntityAID < EntityBID is enforced before every write so the unique pair
// constraint holds regardless of discovery order.
type MatchCandidate struct {
	ID         string                           `json:"id" db:"id"`
	Kind       EntityKind                       `json:"kind" db:"kind"`
	EntityAID  string                           `json:"entity_a_id" db:"entity_a_id"`
	EntityBID  string                           `json:"entity_b_id" db:"entity_b_id"`
	MatchScore float64                          `json:"match_score" db:"match_score"`
	Status     CandidateStatus                  `json:"status" db:"status"`
	Rule       string                           `json:"rule" db:"rule"`
	Details    database.JSONB[ScoreBreakdown]   `json:"details" db:"details"`
	CreatedAt  time.Time                        `json:"created_at" db:"created_at"`
	UpdatedAt  time.Time                        `json:"updated_at" db:"updated_at"`
	DecidedAt  *time.Time                       `json:"decided_at,omitempty" db:"decided_at"`
	DecidedBy  *string                          `json:"decided_by,omitempty" db:"decided_by"`
}

// OrderPair returns the two ids in ascending order.
func OrderPair(a, b string) (string, string) {
	if a < b {
		return a, b
	}
	return b, a
}

// DecisionAction is a human review action on a candidate.
type DecisionAction string

const (
	// DecisionActionMerge approves the pair and merges it
	DecisionActionMerge DecisionAction = "merge"
	// DecisionActionReject closes the current candidate without merging
	DecisionActionReject DecisionAction = "reject"
	// DecisionActionBlock permanently forbids the pair
	DecisionActionBlock DecisionAction = "block"
)

// DecideCandidateRequest is the request body for deciding a candidate.
type DecideCandidateRequest struct {
	Action DecisionAction `json:"action" validate:"required,oneof=merge reject block"`
	Actor  string         `json:"actor" validate:"omitempty,max=200"`
	Note   string         `json:"note" validate:"omitempty,max=2000"`
}

// DecideCandidateResponse reports the outcome of a decision.
type DecideCandidateResponse struct {
	Candidate *MatchCandidate `json:"candidate"`
	Merge     *Merge          `json:"merge,omitempty"`
}

// MatchCandidateListResponse is the response for listing candidates.
type MatchCandidateListResponse struct {
	Items      []MatchCandidate `json:"items"`
	TotalCount int              `json:"total_count"`
	Page       int              `json:"page"`
	PageSize   int              `json:"page_size"`
}
