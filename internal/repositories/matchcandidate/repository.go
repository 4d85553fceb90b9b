package matchcandidate

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

const columns = "id, kind, entity_a_id, entity_b_id, match_score, status, rule, details, created_at, updated_at, decided_at, decided_by"

// Repository handles match candidate persistence
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

// NewRepository creates a new match candidate repository
func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// Upsert inserts the pair as open or refreshes score and details on an
// existing open row. Closed rows are left untouched and returned as-is, so
// re-running the generator never regresses a decided pair.
func (r *Repository) Upsert(ctx context.Context, candidate *models.MatchCandidate) (*models.MatchCandidate, error) {
	ctx, span := tracing.StartSpan(ctx, "matchcandidate.Repository.Upsert")
	defer span.End()

	if candidate.ID == "" {
		candidate.ID = uuid.New().String()
	}
	candidate.EntityAID, candidate.EntityBID = models.OrderPair(candidate.EntityAID, candidate.EntityBID)

	query := `
		INSERT INTO match_candidates (id, kind, entity_a_id, entity_b_id, match_score, status, rule, details, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, 'open', $6, $7, $8, $9)
		ON CONFLICT (entity_a_id, entity_b_id)
		DO UPDATE SET
			match_score = EXCLUDED.match_score,
			rule = EXCLUDED.rule,
			details = EXCLUDED.details,
			updated_at = EXCLUDED.updated_at
		WHERE match_candidates.status = 'open'
		RETURNING ` + columns

	var updated models.MatchCandidate
	err := r.db.GetContext(ctx, &updated, query,
		candidate.ID, candidate.Kind, candidate.EntityAID, candidate.EntityBID,
		candidate.MatchScore, candidate.Rule, candidate.Details, candidate.CreatedAt, candidate.UpdatedAt)
	if err == nil {
		return &updated, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"entity_a": candidate.EntityAID,
			"entity_b": candidate.EntityBID,
		}).Error("Failed to upsert match candidate")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to upsert match candidate")
	}

	// Conflict on a closed row: return it unchanged.
	return r.GetByPair(ctx, candidate.EntityAID, candidate.EntityBID)
}

// Get retrieves a match candidate by ID
func (r *Repository) Get(ctx context.Context, id string) (*models.MatchCandidate, error) {
	ctx, span := tracing.StartSpan(ctx, "matchcandidate.Repository.Get")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(columns)
	sb.From("match_candidates")
	sb.Where(sb.Equal("id", id))

	query, args := sb.Build()
	var candidate models.MatchCandidate
	if err := r.db.GetContext(ctx, &candidate, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, httperror.NewHTTPError(http.StatusNotFound, fmt.Sprintf("match candidate %s not found", id))
		}
		r.logger.WithContext(ctx).WithError(err).Error("Failed to get match candidate")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get match candidate")
	}

	return &candidate, nil
}

// GetByPair retrieves the candidate for an unordered entity pair
func (r *Repository) GetByPair(ctx context.Context, entityA, entityB string) (*models.MatchCandidate, error) {
	ctx, span := tracing.StartSpan(ctx, "matchcandidate.Repository.GetByPair")
	defer span.End()

	a, b := models.OrderPair(entityA, entityB)

	query := "SELECT " + columns + " FROM match_candidates WHERE entity_a_id = $1 AND entity_b_id = $2"
	var candidate models.MatchCandidate
	if err := r.db.GetContext(ctx, &candidate, query, a, b); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, httperror.NewHTTPError(http.StatusNotFound, fmt.Sprintf("no candidate for pair %s/%s", a, b))
		}
		r.logger.WithContext(ctx).WithError(err).Error("Failed to get match candidate by pair")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get match candidate")
	}

	return &candidate, nil
}

// List retrieves candidates filtered by kind and status, newest first.
// Filters are restricted to known enum values; page size is clamped.
func (r *Repository) List(ctx context.Context, kind models.EntityKind, status models.CandidateStatus, page, pageSize int) (*models.MatchCandidateListResponse, error) {
	ctx, span := tracing.StartSpan(ctx, "matchcandidate.Repository.List")
	defer span.End()

	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 500 {
		pageSize = 100
	}

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(columns)
	sb.From("match_candidates")

	var where []string
	if kind != "" {
		if !models.ValidEntityKind(kind) {
			return nil, httperror.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("unknown kind %q", kind))
		}
		where = append(where, sb.Equal("kind", kind))
	}
	if status != "" {
		if !models.ValidCandidateStatus(status) {
			return nil, httperror.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("unknown status %q", status))
		}
		where = append(where, sb.Equal("status", status))
	}
	if len(where) > 0 {
		sb.Where(where...)
	}
	sb.OrderBy("match_score DESC", "created_at DESC")
	sb.Limit(pageSize)
	sb.Offset((page - 1) * pageSize)

	query, args := sb.Build()
	var candidates []models.MatchCandidate
	if err := r.db.SelectContext(ctx, &candidates, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to list match candidates")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list match candidates")
	}

	count, err := r.count(ctx, kind, status)
	if err != nil {
		return nil, err
	}

	return &models.MatchCandidateListResponse{
		Items:      candidates,
		TotalCount: count,
		Page:       page,
		PageSize:   pageSize,
	}, nil
}

func (r *Repository) count(ctx context.Context, kind models.EntityKind, status models.CandidateStatus) (int, error) {
	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select("COUNT(*)")
	sb.From("match_candidates")

	var where []string
	if kind != "" {
		where = append(where, sb.Equal("kind", kind))
	}
	if status != "" {
		where = append(where, sb.Equal("status", status))
	}
	if len(where) > 0 {
		sb.Where(where...)
	}

	query, args := sb.Build()
	var count int
	if err := r.db.GetContext(ctx, &count, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to count match candidates")
		return 0, httperror.NewHTTPError(http.StatusInternalServerError, "failed to count match candidates")
	}

	return count, nil
}

// Close moves an open candidate to a closed status. Fails with a conflict
// when the candidate is no longer open.
func (r *Repository) Close(ctx context.Context, id string, to models.CandidateStatus, decidedBy string, at time.Time) error {
	ctx, span := tracing.StartSpan(ctx, "matchcandidate.Repository.Close")
	defer span.End()

	query := `
		UPDATE match_candidates
		SET status = $1, decided_at = $2, decided_by = $3, updated_at = $2
		WHERE id = $4 AND status = 'open'
	`
	result, err := r.db.ExecContext(ctx, query, to, at, decidedBy, id)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"candidate_id": id}).Error("Failed to close match candidate")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to close match candidate")
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return httperror.NewHTTPError(http.StatusConflict, fmt.Sprintf("candidate %s is not open", id))
	}

	return nil
}

// Reopen moves an auto_merged candidate back to open after a revert
func (r *Repository) Reopen(ctx context.Context, id string, at time.Time) error {
	ctx, span := tracing.StartSpan(ctx, "matchcandidate.Repository.Reopen")
	defer span.End()

	query := `
		UPDATE match_candidates
		SET status = 'open', decided_at = NULL, decided_by = NULL, updated_at = $1
		WHERE id = $2 AND status IN ('auto_merged', 'accepted')
	`
	result, err := r.db.ExecContext(ctx, query, at, id)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"candidate_id": id}).Error("Failed to reopen match candidate")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to reopen match candidate")
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		r.logger.WithContext(ctx).WithFields(map[string]any{"candidate_id": id}).Warn("Reopen skipped: candidate not in a merged status")
	}

	return nil
}
