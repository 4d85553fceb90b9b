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

// MergeRequest describes one consolidation to perform. When CandidateID is
// set, the candidate is closed to CandidateStatus in the same transaction
// so a failed merge never leaves a stale status behind.
type MergeRequest struct {
	Kind            models.EntityKind
	FromEntityID    string
	IntoEntityID    string
	CandidateID     *string
	CandidateStatus models.CandidateStatus
	Rule            string
	MatchScore      float64
	Actor           string
	Note            *string
}

// Executor performs merges. Both entity rows are locked in deterministic id
// order and preconditions are re-validated after the locks are held, so two
// concurrent merges can never repoint the same entity inconsistently.
type Executor struct {
	store    Store
	events   EventEmitter
	graph    GraphProjector
	logger   ectologger.Logger
	maxSteps int
}

func NewExecutor(store Store, events EventEmitter, graph GraphProjector, logger ectologger.Logger) *Executor {
	return &Executor{
		store:    store,
		events:   events,
		graph:    graph,
		logger:   logger,
		maxSteps: 32,
	}
}

// Execute runs one merge transaction and returns the merge record.
func (e *Executor) Execute(ctx context.Context, req MergeRequest) (*models.Merge, error) {
	ctx, span := tracing.StartSpan(ctx, "merging.Executor.Execute")
	defer span.End()

	if req.FromEntityID == req.IntoEntityID {
		return nil, fmt.Errorf("%w: entity %s cannot merge into itself", ErrInvalidMergeCycle, req.FromEntityID)
	}

	ctxTx, tx, err := e.store.DB().GetTx(ctx, &sql.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	from, into, err := e.lockPair(ctxTx, req.FromEntityID, req.IntoEntityID)
	if err != nil {
		return nil, err
	}

	if err := e.validate(ctxTx, req.Kind, from, into); err != nil {
		return nil, err
	}

	if err := e.store.RepointReferences(ctxTx, req.Kind, from.ID, into.ID); err != nil {
		return nil, err
	}

	if err := e.store.SetMergedInto(ctxTx, from.ID, &into.ID); err != nil {
		return nil, err
	}

	merge := &models.Merge{
		ID:           uuid.New().String(),
		Kind:         req.Kind,
		FromEntityID: from.ID,
		IntoEntityID: into.ID,
		CandidateID:  req.CandidateID,
		Rule:         req.Rule,
		MatchScore:   req.MatchScore,
		Actor:        req.Actor,
		Note:         req.Note,
		MergedAt:     time.Now().UTC(),
	}
	if err := e.store.InsertMerge(ctxTx, merge); err != nil {
		return nil, err
	}

	if req.CandidateID != nil {
		if err := e.store.CloseCandidate(ctxTx, *req.CandidateID, req.CandidateStatus, req.Actor, merge.MergedAt); err != nil {
			return nil, err
		}
	}

	audit := &models.AuditEntry{
		ID:         uuid.New().String(),
		EventType:  models.AuditEventMergeExecuted,
		EntityKind: req.Kind,
		SubjectID:  merge.ID,
		Actor:      req.Actor,
		Rule:       req.Rule,
		Score:      req.MatchScore,
		CreatedAt:  merge.MergedAt,
	}
	audit.Detail.Data = models.AuditDetail{
		FromEntityID: from.ID,
		IntoEntityID: into.ID,
		MergeID:      merge.ID,
		Score:        req.MatchScore,
	}
	if err := e.store.InsertAudit(ctxTx, audit); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctxTx); err != nil {
		return nil, err
	}

	e.afterCommit(ctx, merge)

	e.logger.WithContext(ctx).WithFields(map[string]interface{}{
		"merge_id": merge.ID,
		"from":     from.ID,
		"into":     into.ID,
		"rule":     req.Rule,
	}).Info("merge executed")

	return merge, nil
}

// lockPair acquires FOR UPDATE locks on both rows in ascending id order so
// concurrent merges touching the same entities cannot deadlock.
func (e *Executor) lockPair(ctx context.Context, fromID, intoID string) (from, into *models.Entity, err error) {
	firstID, secondID := models.OrderPair(fromID, intoID)

	first, err := e.store.GetEntityForUpdate(ctx, firstID)
	if err != nil {
		return nil, nil, err
	}
	second, err := e.store.GetEntityForUpdate(ctx, secondID)
	if err != nil {
		return nil, nil, err
	}

	if first.ID == fromID {
		return first, second, nil
	}
	return second, first, nil
}

// validate re-checks preconditions under lock. The graph may have changed
// between the decision and the lock acquisition.
func (e *Executor) validate(ctx context.Context, kind models.EntityKind, from, into *models.Entity) error {
	if from.Kind != kind || into.Kind != kind {
		return fmt.Errorf("%w: entities %s and %s are not both %s", ErrInvalidMergeCycle, from.ID, into.ID, kind)
	}
	if from.IsMerged() {
		return fmt.Errorf("%w: source entity %s is already merged", ErrInvalidMergeCycle, from.ID)
	}

	// Walk the target's redirect chain; reaching the source would close a
	// cycle. A merged target is otherwise fine, the chain just grows by one
	// hop and resolution follows it to the live entity.
	current := into
	for step := 0; current.IsMerged(); step++ {
		if step >= e.maxSteps {
			return fmt.Errorf("%w: redirect chain from %s exceeds %d steps", ErrInvalidMergeCycle, into.ID, e.maxSteps)
		}
		if *current.MergedInto == from.ID {
			return fmt.Errorf("%w: target %s resolves into source %s", ErrInvalidMergeCycle, into.ID, from.ID)
		}
		next, err := e.store.GetEntity(ctx, *current.MergedInto)
		if err != nil {
			return err
		}
		current = next
	}

	return nil
}

// afterCommit fans the merge out to the event stream and graph projection.
// Failures here are logged, not surfaced: the merge is already durable.
func (e *Executor) afterCommit(ctx context.Context, merge *models.Merge) {
	if e.events != nil {
		if err := e.events.EntityMerged(ctx, merge); err != nil {
			e.logger.WithContext(ctx).WithError(err).WithField("merge_id", merge.ID).Warn("failed to emit merge event")
		}
	}
	if e.graph != nil {
		if err := e.graph.RepointEntity(ctx, merge.Kind, merge.FromEntityID, merge.IntoEntityID); err != nil {
			e.logger.WithContext(ctx).WithError(err).WithField("merge_id", merge.ID).Warn("failed to repoint graph projection")
		}
	}
}
