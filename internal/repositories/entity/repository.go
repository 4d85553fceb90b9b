package entity

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

const columns = "id, kind, display_name, merged_into, created_at, updated_at"

// Repository handles entity persistence
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

// NewRepository creates a new entity repository
func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// DB exposes the underlying database handle for transactional operations.
func (r *Repository) DB() database.DB {
	return r.db
}

// Create inserts a new entity
func (r *Repository) Create(ctx context.Context, entity *models.Entity) error {
	ctx, span := tracing.StartSpan(ctx, "entity.Repository.Create")
	defer span.End()

	if entity.ID == "" {
		entity.ID = uuid.New().String()
	}
	if entity.CreatedAt.IsZero() {
		entity.CreatedAt = time.Now().UTC()
	}
	entity.UpdatedAt = entity.CreatedAt

	sb := sqlbuilder.PostgreSQL.NewInsertBuilder()
	sb.InsertInto("entities")
	sb.Cols("id", "kind", "display_name", "merged_into", "created_at", "updated_at")
	sb.Values(entity.ID, entity.Kind, entity.DisplayName, entity.MergedInto, entity.CreatedAt, entity.UpdatedAt)

	query, args := sb.Build()
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"entity_id": entity.ID}).Error("Failed to create entity")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to create entity")
	}

	return nil
}

// Get retrieves an entity by ID
func (r *Repository) Get(ctx context.Context, id string) (*models.Entity, error) {
	ctx, span := tracing.StartSpan(ctx, "entity.Repository.Get")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(columns)
	sb.From("entities")
	sb.Where(sb.Equal("id", id))

	query, args := sb.Build()
	var entity models.Entity
	if err := r.db.GetContext(ctx, &entity, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, httperror.NewHTTPError(http.StatusNotFound, fmt.Sprintf("entity %s not found", id))
		}
		r.logger.WithContext(ctx).WithError(err).Error("Failed to get entity")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get entity")
	}

	return &entity, nil
}

// GetForUpdate locks the entity row for the duration of the transaction.
// Must be called with an open transaction on the context.
func (r *Repository) GetForUpdate(ctx context.Context, id string) (*models.Entity, error) {
	ctx, span := tracing.StartSpan(ctx, "entity.Repository.GetForUpdate")
	defer span.End()

	query := "SELECT " + columns + " FROM entities WHERE id = $1 FOR UPDATE"

	var entity models.Entity
	if err := r.db.GetContext(ctx, &entity, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, httperror.NewHTTPError(http.StatusNotFound, fmt.Sprintf("entity %s not found", id))
		}
		r.logger.WithContext(ctx).WithError(err).Error("Failed to lock entity")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to lock entity")
	}

	return &entity, nil
}

// SetMergedInto sets or clears the redirect pointer
func (r *Repository) SetMergedInto(ctx context.Context, id string, into *string) error {
	ctx, span := tracing.StartSpan(ctx, "entity.Repository.SetMergedInto")
	defer span.End()

	query := "UPDATE entities SET merged_into = $1, updated_at = $2 WHERE id = $3"
	result, err := r.db.ExecContext(ctx, query, into, time.Now().UTC(), id)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"entity_id": id}).Error("Failed to set merged_into")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to update entity redirect")
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return httperror.NewHTTPError(http.StatusNotFound, fmt.Sprintf("entity %s not found", id))
	}

	return nil
}

// ListMergedInto returns the ids of entities merged directly into the given
// entity.
func (r *Repository) ListMergedInto(ctx context.Context, id string) ([]string, error) {
	ctx, span := tracing.StartSpan(ctx, "entity.Repository.ListMergedInto")
	defer span.End()

	var ids []string
	if err := r.db.SelectContext(ctx, &ids, "SELECT id FROM entities WHERE merged_into = $1", id); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to list merged entities")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list merged entities")
	}

	return ids, nil
}
