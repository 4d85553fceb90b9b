package identifier

import (
	"context"
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/Ramsey-B/atlas/pkg/database"
	"github.com/Ramsey-B/atlas/pkg/matching"
	"github.com/Ramsey-B/atlas/pkg/tracing"
	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/Ramsey-B/atlas/pkg/models"
)

// Repository handles identifier persistence
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

// NewRepository creates a new identifier repository
func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// Upsert inserts the identifier or bumps last_seen_at on (entity, type,
// normalized value). A higher-confidence sighting upgrades the tier; a
// lower one never downgrades it.
func (r *Repository) Upsert(ctx context.Context, identifier *models.Identifier) error {
	ctx, span := tracing.StartSpan(ctx, "identifier.Repository.Upsert")
	defer span.End()

	if identifier.ID == "" {
		identifier.ID = uuid.New().String()
	}

	query := `
		INSERT INTO identifiers (id, entity_id, id_type, raw_value, normalized_value, confidence, source, first_seen_at, last_seen_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (entity_id, id_type, normalized_value)
		DO UPDATE SET
			last_seen_at = GREATEST(identifiers.last_seen_at, EXCLUDED.last_seen_at),
			confidence = CASE
				WHEN (CASE EXCLUDED.confidence WHEN 'high' THEN 3 WHEN 'medium' THEN 2 ELSE 1 END) >
				     (CASE identifiers.confidence WHEN 'high' THEN 3 WHEN 'medium' THEN 2 ELSE 1 END)
				THEN EXCLUDED.confidence
				ELSE identifiers.confidence
			END
	`

	if _, err := r.db.ExecContext(ctx, query, identifier.ID, identifier.EntityID, identifier.IDType, identifier.RawValue, identifier.NormalizedValue, identifier.Confidence, identifier.Source, identifier.FirstSeenAt, identifier.LastSeenAt); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"entity_id": identifier.EntityID}).Error("Failed to upsert identifier")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to upsert identifier")
	}

	return nil
}

// ListByEntities retrieves the identifiers owned by any of the given entities
func (r *Repository) ListByEntities(ctx context.Context, entityIDs []string) ([]models.Identifier, error) {
	ctx, span := tracing.StartSpan(ctx, "identifier.Repository.ListByEntities")
	defer span.End()

	if len(entityIDs) == 0 {
		return nil, nil
	}

	query := `
		SELECT id, entity_id, id_type, raw_value, normalized_value, confidence, source, first_seen_at, last_seen_at
		FROM identifiers
		WHERE entity_id = ANY($1)
		ORDER BY first_seen_at
	`

	var identifiers []models.Identifier
	if err := r.db.SelectContext(ctx, &identifiers, query, pq.Array(entityIDs)); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to list identifiers")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list identifiers")
	}

	return identifiers, nil
}

type groupRow struct {
	IDType          models.IdentifierType `db:"id_type"`
	NormalizedValue string                `db:"normalized_value"`
	EntityIDs       pq.StringArray        `db:"entity_ids"`
}

// ListSharedGroups returns normalized identifier values held by two or more
// live entities of the kind. These groups seed the candidate generator.
func (r *Repository) ListSharedGroups(ctx context.Context, kind models.EntityKind) ([]matching.IdentifierGroup, error) {
	ctx, span := tracing.StartSpan(ctx, "identifier.Repository.ListSharedGroups")
	defer span.End()

	query := `
		SELECT i.id_type, i.normalized_value, array_agg(DISTINCT i.entity_id) AS entity_ids
		FROM identifiers i
		JOIN entities e ON e.id = i.entity_id
		WHERE e.kind = $1 AND e.merged_into IS NULL
		GROUP BY i.id_type, i.normalized_value
		HAVING COUNT(DISTINCT i.entity_id) >= 2
	`

	var rows []groupRow
	if err := r.db.SelectContext(ctx, &rows, query, kind); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to list shared identifier groups")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list shared identifier groups")
	}

	groups := make([]matching.IdentifierGroup, 0, len(rows))
	for _, row := range rows {
		groups = append(groups, matching.IdentifierGroup{
			IDType:          row.IDType,
			NormalizedValue: row.NormalizedValue,
			EntityIDs:       row.EntityIDs,
		})
	}

	return groups, nil
}
