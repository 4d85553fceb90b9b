package reference

import (
	"context"
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/Ramsey-B/atlas/pkg/database"
	"github.com/Ramsey-B/atlas/pkg/tracing"

	"github.com/Ramsey-B/atlas/pkg/models"
)

// fkTarget is one foreign-key column that must follow an entity on merge.
type fkTarget struct {
	table  string
	column string
}

// referenceTargets enumerates, per kind, every column pointing at an entity.
// A merge repoints all of them; adding a table means adding a row here.
var referenceTargets = map[models.EntityKind][]fkTarget{
	models.EntityKindPerson: {
		{table: "relationships", column: "from_entity_id"},
		{table: "relationships", column: "to_entity_id"},
		{table: "intake_requests", column: "person_id"},
	},
	models.EntityKindCat: {
		{table: "relationships", column: "from_entity_id"},
		{table: "relationships", column: "to_entity_id"},
		{table: "procedures", column: "cat_id"},
	},
	models.EntityKindPlace: {
		{table: "relationships", column: "from_entity_id"},
		{table: "relationships", column: "to_entity_id"},
		{table: "intake_requests", column: "place_id"},
	},
}

// Repository repoints foreign-key references during merges
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

// NewRepository creates a new reference repository
func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// Repoint moves every reference to fromID onto intoID for the kind. Must
// run inside the merge transaction.
func (r *Repository) Repoint(ctx context.Context, kind models.EntityKind, fromID, intoID string) error {
	ctx, span := tracing.StartSpan(ctx, "reference.Repository.Repoint")
	defer span.End()

	for _, target := range referenceTargets[kind] {
		query := "UPDATE " + target.table + " SET " + target.column + " = $1 WHERE " + target.column + " = $2"
		result, err := r.db.ExecContext(ctx, query, intoID, fromID)
		if err != nil {
			r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
				"table":  target.table,
				"column": target.column,
				"from":   fromID,
			}).Error("Failed to repoint references")
			return httperror.NewHTTPError(http.StatusInternalServerError, "failed to repoint references")
		}
		if rows, _ := result.RowsAffected(); rows > 0 {
			r.logger.WithContext(ctx).WithFields(map[string]any{
				"table":  target.table,
				"column": target.column,
				"rows":   rows,
			}).Debug("Repointed references")
		}
	}

	return nil
}
