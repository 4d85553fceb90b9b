package alias

import (
	"context"
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/Ramsey-B/atlas/pkg/database"
	"github.com/Ramsey-B/atlas/pkg/tracing"
	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/Ramsey-B/atlas/pkg/models"
)

// Repository handles alias persistence
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

// NewRepository creates a new alias repository
func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// Upsert inserts the alias or bumps last_seen_at when (entity, normalized
// name, source) was already recorded.
func (r *Repository) Upsert(ctx context.Context, alias *models.Alias) error {
	ctx, span := tracing.StartSpan(ctx, "alias.Repository.Upsert")
	defer span.End()

	if alias.ID == "" {
		alias.ID = uuid.New().String()
	}

	query := `
		INSERT INTO aliases (id, entity_id, raw_name, normalized_name, source, first_seen_at, last_seen_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (entity_id, normalized_name, source)
		DO UPDATE SET last_seen_at = GREATEST(aliases.last_seen_at, EXCLUDED.last_seen_at)
	`

	if _, err := r.db.ExecContext(ctx, query, alias.ID, alias.EntityID, alias.RawName, alias.NormalizedName, alias.Source, alias.FirstSeenAt, alias.LastSeenAt); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"entity_id": alias.EntityID}).Error("Failed to upsert alias")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to upsert alias")
	}

	return nil
}

// ListByEntities retrieves the aliases owned by any of the given entities
func (r *Repository) ListByEntities(ctx context.Context, entityIDs []string) ([]models.Alias, error) {
	ctx, span := tracing.StartSpan(ctx, "alias.Repository.ListByEntities")
	defer span.End()

	if len(entityIDs) == 0 {
		return nil, nil
	}

	query := `
		SELECT id, entity_id, raw_name, normalized_name, source, first_seen_at, last_seen_at
		FROM aliases
		WHERE entity_id = ANY($1)
		ORDER BY first_seen_at
	`

	var aliases []models.Alias
	if err := r.db.SelectContext(ctx, &aliases, query, pq.Array(entityIDs)); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to list aliases")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list aliases")
	}

	return aliases, nil
}
