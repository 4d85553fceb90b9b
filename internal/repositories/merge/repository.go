package merge

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/Ramsey-B/atlas/pkg/database"
	"github.com/Ramsey-B/atlas/pkg/tracing"
	"github.com/google/uuid"
	"github.com/huandu/go-sqlbuilder"

	"github.com/Ramsey-B/atlas/pkg/models"
)

const columns = "id, kind, from_entity_id, into_entity_id, candidate_id, rule, match_score, actor, note, merged_at, is_reverted, reverted_at, reverted_by, revert_note"

// Repository handles merge record persistence
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

// NewRepository creates a new merge repository
func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// Create inserts a merge record
func (r *Repository) Create(ctx context.Context, merge *models.Merge) error {
	ctx, span := tracing.StartSpan(ctx, "merge.Repository.Create")
	defer span.End()

	if merge.ID == "" {
		merge.ID = uuid.New().String()
	}

	sb := sqlbuilder.PostgreSQL.NewInsertBuilder()
	sb.InsertInto("merges")
	sb.Cols("id", "kind", "from_entity_id", "into_entity_id", "candidate_id", "rule", "match_score", "actor", "note", "merged_at", "is_reverted")
	sb.Values(merge.ID, merge.Kind, merge.FromEntityID, merge.IntoEntityID, merge.CandidateID, merge.Rule, merge.MatchScore, merge.Actor, merge.Note, merge.MergedAt, merge.IsReverted)

	query, args := sb.Build()
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"merge_id": merge.ID}).Error("Failed to create merge record")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to create merge record")
	}

	return nil
}

// Get retrieves a merge by ID
func (r *Repository) Get(ctx context.Context, id string) (*models.Merge, error) {
	ctx, span := tracing.StartSpan(ctx, "merge.Repository.Get")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(columns)
	sb.From("merges")
	sb.Where(sb.Equal("id", id))

	query, args := sb.Build()
	var merge models.Merge
	if err := r.db.GetContext(ctx, &merge, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, httperror.NewHTTPError(http.StatusNotFound, fmt.Sprintf("merge %s not found", id))
		}
		r.logger.WithContext(ctx).WithError(err).Error("Failed to get merge")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get merge")
	}

	return &merge, nil
}

// MarkReverted flags the merge reverted with actor and note. Fails with a
// conflict when the merge was already reverted.
func (r *Repository) MarkReverted(ctx context.Context, id, actor, note string, at time.Time) error {
	ctx, span := tracing.StartSpan(ctx, "merge.Repository.MarkReverted")
	defer span.End()

	var notePtr *string
	if note != "" {
		notePtr = &note
	}

	query := `
		UPDATE merges
		SET is_reverted = TRUE, reverted_at = $1, reverted_by = $2, revert_note = $3
		WHERE id = $4 AND is_reverted = FALSE
	`
	result, err := r.db.ExecContext(ctx, query, at, actor, notePtr, id)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"merge_id": id}).Error("Failed to mark merge reverted")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to mark merge reverted")
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return httperror.NewHTTPError(http.StatusConflict, fmt.Sprintf("merge %s is already reverted", id))
	}

	return nil
}

// ListByEntity retrieves merges involving an entity, newest first
func (r *Repository) ListByEntity(ctx context.Context, entityID string) ([]models.Merge, error) {
	ctx, span := tracing.StartSpan(ctx, "merge.Repository.ListByEntity")
	defer span.End()

	query := "SELECT " + columns + " FROM merges WHERE from_entity_id = $1 OR into_entity_id = $1 ORDER BY merged_at DESC"
	var merges []models.Merge
	if err := r.db.SelectContext(ctx, &merges, query, entityID); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to list merges")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list merges")
	}

	return merges, nil
}
