package auditlog

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

// Repository is the append-only audit log writer. Rows are never updated
// or deleted.
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

// NewRepository creates a new audit log repository
func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// Append writes one audit entry
func (r *Repository) Append(ctx context.Context, entry *models.AuditEntry) error {
	ctx, span := tracing.StartSpan(ctx, "auditlog.Repository.Append")
	defer span.End()

	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}

	sb := sqlbuilder.PostgreSQL.NewInsertBuilder()
	sb.InsertInto("audit_log")
	sb.Cols("id", "event_type", "entity_kind", "subject_id", "actor", "rule", "score", "detail", "created_at")
	sb.Values(entry.ID, entry.EventType, entry.EntityKind, entry.SubjectID, entry.Actor, entry.Rule, entry.Score, entry.Detail, entry.CreatedAt)

	query, args := sb.Build()
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"subject_id": entry.SubjectID}).Error("Failed to append audit entry")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to append audit entry")
	}

	return nil
}

// ListBySubject retrieves the audit trail for one subject, oldest first
func (r *Repository) ListBySubject(ctx context.Context, subjectID string) ([]models.AuditEntry, error) {
	ctx, span := tracing.StartSpan(ctx, "auditlog.Repository.ListBySubject")
	defer span.End()

	query := "SELECT id, event_type, entity_kind, subject_id, actor, rule, score, detail, created_at FROM audit_log WHERE subject_id = $1 ORDER BY created_at"
	var entries []models.AuditEntry
	if err := r.db.SelectContext(ctx, &entries, query, subjectID); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to list audit entries")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list audit entries")
	}

	return entries, nil
}
