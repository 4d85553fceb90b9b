package decisionlog

import (
	"context"
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/Ramsey-B/atlas/pkg/database"
	"github.com/Ramsey-B/atlas/pkg/tracing"
	"github.com/google/uuid"
	"github.com/huandu/go-sqlbuilder"

	"github.com/Ramsey-B/atlas/pkg/models"
)

// Repository handles human decision persistence
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

// NewRepository creates a new decision repository
func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// Create inserts a decision record
func (r *Repository) Create(ctx context.Context, decision *models.Decision) error {
	ctx, span := tracing.StartSpan(ctx, "decisionlog.Repository.Create")
	defer span.End()

	if decision.ID == "" {
		decision.ID = uuid.New().String()
	}

	sb := sqlbuilder.PostgreSQL.NewInsertBuilder()
	sb.InsertInto("decisions")
	sb.Cols("id", "candidate_id", "action", "actor", "note", "decided_at")
	sb.Values(decision.ID, decision.CandidateID, decision.Action, decision.Actor, decision.Note, decision.DecidedAt)

	query, args := sb.Build()
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"candidate_id": decision.CandidateID}).Error("Failed to create decision")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to create decision")
	}

	return nil
}

// ListByCandidate retrieves the decisions made on a candidate, oldest first
func (r *Repository) ListByCandidate(ctx context.Context, candidateID string) ([]models.Decision, error) {
	ctx, span := tracing.StartSpan(ctx, "decisionlog.Repository.ListByCandidate")
	defer span.End()

	query := "SELECT id, candidate_id, action, actor, note, decided_at FROM decisions WHERE candidate_id = $1 ORDER BY decided_at"
	var decisions []models.Decision
	if err := r.db.SelectContext(ctx, &decisions, query, candidateID); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to list decisions")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list decisions")
	}

	return decisions, nil
}
