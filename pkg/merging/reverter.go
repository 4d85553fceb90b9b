package merging

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/Ramsey-B/atlas/pkg/models"
	"github.com/Ramsey-B/atlas/pkg/tracing"
	"github.com/google/uuid"
)

// Reverter undoes a merge. The losing entity is restored as a live identity
// going forward, but foreign keys moved during the merge stay on the
// winner: data may have accumulated under the canonical id since, and
// moving it back would risk loss. That asymmetry is intentional.
type Reverter struct {
	store  Store
	events EventEmitter
	graph  GraphProjector
	logger ectologger.Logger
}

func NewReverter(store Store, events EventEmitter, graph GraphProjector, logger ectologger.Logger) *Reverter {
	return &Reverter{
		store:  store,
		events: events,
		graph:  graph,
		logger: logger,
	}
}

// Revert clears the redirect for the given merge and flags it reverted.
// Returns ErrAlreadyReverted on a second attempt.
func (r *Reverter) Revert(ctx context.Context, mergeID, actor, note string) (*models.Merge, error) {
	ctx, span := tracing.StartSpan(ctx, "merging.Reverter.Revert")
	defer span.End()

	ctxTx, tx, err := r.store.DB().GetTx(ctx, &sql.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	merge, err := r.store.GetMerge(ctxTx, mergeID)
	if err != nil {
		return nil, err
	}
	if merge.IsReverted {
		return nil, fmt.Errorf("%w: merge %s", ErrAlreadyReverted, mergeID)
	}

	// Lock the losing entity before touching its redirect.
	from, err := r.store.GetEntityForUpdate(ctxTx, merge.FromEntityID)
	if err != nil {
		return nil, err
	}

	if err := r.store.SetMergedInto(ctxTx, from.ID, nil); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	if err := r.store.MarkMergeReverted(ctxTx, merge.ID, actor, note, now); err != nil {
		return nil, err
	}

	if merge.CandidateID != nil {
		if err := r.store.ReopenCandidate(ctxTx, *merge.CandidateID, now); err != nil {
			return nil, err
		}
	}

	audit := &models.AuditEntry{
		ID:         uuid.New().String(),
		EventType:  models.AuditEventMergeReverted,
		EntityKind: merge.Kind,
		SubjectID:  merge.ID,
		Actor:      actor,
		Rule:       merge.Rule,
		Score:      merge.MatchScore,
		CreatedAt:  now,
	}
	audit.Detail.Data = models.AuditDetail{
		FromEntityID: merge.FromEntityID,
		IntoEntityID: merge.IntoEntityID,
		MergeID:      merge.ID,
		Note:         note,
	}
	if err := r.store.InsertAudit(ctxTx, audit); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctxTx); err != nil {
		return nil, err
	}

	merge.IsReverted = true
	merge.RevertedAt = &now
	merge.RevertedBy = &actor
	if note != "" {
		merge.RevertNote = &note
	}

	r.afterCommit(ctx, merge)

	r.logger.WithContext(ctx).WithFields(map[string]interface{}{
		"merge_id": merge.ID,
		"from":     merge.FromEntityID,
		"into":     merge.IntoEntityID,
		"actor":    actor,
	}).Info("merge reverted")

	return merge, nil
}

func (r *Reverter) afterCommit(ctx context.Context, merge *models.Merge) {
	if r.events != nil {
		if err := r.events.MergeReverted(ctx, merge); err != nil {
			r.logger.WithContext(ctx).WithError(err).WithField("merge_id", merge.ID).Warn("failed to emit revert event")
		}
	}
	if r.graph != nil {
		if err := r.graph.RestoreEntity(ctx, merge.Kind, merge.FromEntityID); err != nil {
			r.logger.WithContext(ctx).WithError(err).WithField("merge_id", merge.ID).Warn("failed to restore graph projection")
		}
	}
}
