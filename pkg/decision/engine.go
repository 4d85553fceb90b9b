// Package decision applies score thresholds, conflict flags, and human
// review actions to match candidates. Candidate state machine:
// open -> {auto_merged, accepted, rejected, blocked}; auto_merged -> open
// (revert only). Every transition writes an audit entry.
package decision

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/Ramsey-B/atlas/pkg/conflict"
	"github.com/Ramsey-B/atlas/pkg/database"
	"github.com/Ramsey-B/atlas/pkg/merging"
	"github.com/Ramsey-B/atlas/pkg/models"
	"github.com/Ramsey-B/atlas/pkg/tracing"
	"github.com/google/uuid"
)

// SystemActor is the actor recorded for automatic transitions.
const SystemActor = "system:auto-merge"

// Store is the persistence surface of the decision engine.
type Store interface {
	DB() database.DB
	GetCandidate(ctx context.Context, id string) (*models.MatchCandidate, error)
	GetEntity(ctx context.Context, id string) (*models.Entity, error)
	// ListGroupIdentifiers returns the identifiers visible through the
	// entity's redirect group.
	ListGroupIdentifiers(ctx context.Context, entityID string) ([]models.Identifier, error)
	CloseCandidate(ctx context.Context, candidateID string, to models.CandidateStatus, decidedBy string, at time.Time) error
	InsertDecision(ctx context.Context, decision *models.Decision) error
	InsertAudit(ctx context.Context, entry *models.AuditEntry) error
}

// Engine resolves candidate statuses.
type Engine struct {
	store     Store
	detector  *conflict.Detector
	executor  *merging.Executor
	logger    ectologger.Logger
	threshold float64
}

func NewEngine(store Store, detector *conflict.Detector, executor *merging.Executor, logger ectologger.Logger, autoMergeThreshold float64) *Engine {
	return &Engine{
		store:     store,
		detector:  detector,
		executor:  executor,
		logger:    logger,
		threshold: autoMergeThreshold,
	}
}

// Evaluate applies the automatic rules to one open candidate. Conflicted
// pairs stay open for human review regardless of score; clean pairs at or
// above the threshold auto-merge synchronously.
func (e *Engine) Evaluate(ctx context.Context, candidate *models.MatchCandidate) (*models.MatchCandidate, *models.Merge, error) {
	ctx, span := tracing.StartSpan(ctx, "decision.Engine.Evaluate")
	defer span.End()

	if candidate.Status != models.CandidateStatusOpen {
		return candidate, nil, nil
	}

	// Conflicts are computed fresh: identifiers may have changed since the
	// candidate was scored.
	conflicted, err := e.pairConflicted(ctx, candidate)
	if err != nil {
		return nil, nil, err
	}
	if conflicted {
		e.audit(ctx, candidate, models.AuditEventStatusChanged, SystemActor, models.AuditDetail{
			FromStatus: string(models.CandidateStatusOpen),
			ToStatus:   string(models.CandidateStatusOpen),
			Score:      candidate.MatchScore,
			Conflict:   true,
		})
		return candidate, nil, nil
	}

	if candidate.MatchScore < e.threshold {
		return candidate, nil, nil
	}

	merge, err := e.merge(ctx, candidate, models.CandidateStatusAutoMerged, SystemActor, nil)
	if err != nil {
		return nil, nil, err
	}

	now := time.Now().UTC()
	candidate.Status = models.CandidateStatusAutoMerged
	candidate.DecidedAt = &now
	decidedBy := SystemActor
	candidate.DecidedBy = &decidedBy

	e.audit(ctx, candidate, models.AuditEventStatusChanged, SystemActor, models.AuditDetail{
		FromStatus: string(models.CandidateStatusOpen),
		ToStatus:   string(models.CandidateStatusAutoMerged),
		Score:      candidate.MatchScore,
		MergeID:    merge.ID,
	})

	return candidate, merge, nil
}

// EvaluateAll runs Evaluate over a batch, isolating per-candidate failures.
func (e *Engine) EvaluateAll(ctx context.Context, candidates []models.MatchCandidate) {
	for i := range candidates {
		if _, _, err := e.Evaluate(ctx, &candidates[i]); err != nil {
			e.logger.WithContext(ctx).WithError(err).WithField("candidate_id", candidates[i].ID).Warn("candidate evaluation failed")
		}
	}
}

// Decide applies a human action to an open candidate.
func (e *Engine) Decide(ctx context.Context, candidateID string, action models.DecisionAction, actor, note string) (*models.DecideCandidateResponse, error) {
	ctx, span := tracing.StartSpan(ctx, "decision.Engine.Decide")
	defer span.End()

	candidate, err := e.store.GetCandidate(ctx, candidateID)
	if err != nil {
		return nil, err
	}
	if candidate.Status != models.CandidateStatusOpen {
		return nil, httperror.NewHTTPError(http.StatusConflict, fmt.Sprintf("candidate %s is %s, not open", candidateID, candidate.Status))
	}

	switch action {
	case models.DecisionActionMerge:
		return e.decideMerge(ctx, candidate, actor, note)
	case models.DecisionActionReject:
		return e.decideClose(ctx, candidate, models.CandidateStatusRejected, actor, note)
	case models.DecisionActionBlock:
		return e.decideClose(ctx, candidate, models.CandidateStatusBlocked, actor, note)
	default:
		return nil, httperror.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("unknown action %q", action))
	}
}

func (e *Engine) decideMerge(ctx context.Context, candidate *models.MatchCandidate, actor, note string) (*models.DecideCandidateResponse, error) {
	var notePtr *string
	if note != "" {
		notePtr = &note
	}

	merge, err := e.merge(ctx, candidate, models.CandidateStatusAccepted, actor, notePtr)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	candidate.Status = models.CandidateStatusAccepted
	candidate.DecidedAt = &now
	candidate.DecidedBy = &actor

	e.recordDecision(ctx, candidate, models.DecisionActionMerge, actor, notePtr, now)
	e.audit(ctx, candidate, models.AuditEventStatusChanged, actor, models.AuditDetail{
		FromStatus: string(models.CandidateStatusOpen),
		ToStatus:   string(models.CandidateStatusAccepted),
		Score:      candidate.MatchScore,
		MergeID:    merge.ID,
		Note:       note,
	})

	return &models.DecideCandidateResponse{Candidate: candidate, Merge: merge}, nil
}

func (e *Engine) decideClose(ctx context.Context, candidate *models.MatchCandidate, to models.CandidateStatus, actor, note string) (*models.DecideCandidateResponse, error) {
	var notePtr *string
	if note != "" {
		notePtr = &note
	}
	now := time.Now().UTC()

	ctxTx, tx, err := e.store.DB().GetTx(ctx, &sql.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	if err := e.store.CloseCandidate(ctxTx, candidate.ID, to, actor, now); err != nil {
		return nil, err
	}

	decision := &models.Decision{
		ID:          uuid.New().String(),
		CandidateID: candidate.ID,
		Action:      actionForStatus(to),
		Actor:       actor,
		Note:        notePtr,
		DecidedAt:   now,
	}
	if err := e.store.InsertDecision(ctxTx, decision); err != nil {
		return nil, err
	}

	audit := e.buildAudit(candidate, models.AuditEventStatusChanged, actor, models.AuditDetail{
		FromStatus: string(models.CandidateStatusOpen),
		ToStatus:   string(to),
		Score:      candidate.MatchScore,
		Note:       note,
	})
	if err := e.store.InsertAudit(ctxTx, audit); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctxTx); err != nil {
		return nil, err
	}

	candidate.Status = to
	candidate.DecidedAt = &now
	candidate.DecidedBy = &actor

	return &models.DecideCandidateResponse{Candidate: candidate}, nil
}

// merge guards the transition with a fresh conflict check, then lets the
// executor close the candidate and merge in one transaction. The older
// entity survives as the canonical id.
func (e *Engine) merge(ctx context.Context, candidate *models.MatchCandidate, to models.CandidateStatus, actor string, note *string) (*models.Merge, error) {
	conflicted, err := e.pairConflicted(ctx, candidate)
	if err != nil {
		return nil, err
	}
	if conflicted && to == models.CandidateStatusAutoMerged {
		return nil, fmt.Errorf("conflicted pair cannot auto-merge: candidate %s", candidate.ID)
	}

	from, into := candidate.EntityAID, candidate.EntityBID
	older, err := e.olderEntity(ctx, from, into)
	if err != nil {
		return nil, err
	}
	if older == from {
		from, into = into, from
	}

	return e.executor.Execute(ctx, merging.MergeRequest{
		Kind:            candidate.Kind,
		FromEntityID:    from,
		IntoEntityID:    into,
		CandidateID:     &candidate.ID,
		CandidateStatus: to,
		Rule:            candidate.Rule,
		MatchScore:      candidate.MatchScore,
		Actor:           actor,
		Note:            note,
	})
}

func (e *Engine) pairConflicted(ctx context.Context, candidate *models.MatchCandidate) (bool, error) {
	identifiersA, err := e.store.ListGroupIdentifiers(ctx, candidate.EntityAID)
	if err != nil {
		return false, err
	}
	identifiersB, err := e.store.ListGroupIdentifiers(ctx, candidate.EntityBID)
	if err != nil {
		return false, err
	}
	return e.detector.HasConflict(identifiersA, identifiersB), nil
}

// olderEntity returns the id with the earliest created_at, breaking ties by
// id so the choice is deterministic.
func (e *Engine) olderEntity(ctx context.Context, a, b string) (string, error) {
	entityA, err := e.store.GetEntity(ctx, a)
	if err != nil {
		return "", err
	}
	entityB, err := e.store.GetEntity(ctx, b)
	if err != nil {
		return "", err
	}
	if entityA.CreatedAt.Before(entityB.CreatedAt) {
		return entityA.ID, nil
	}
	if entityB.CreatedAt.Before(entityA.CreatedAt) {
		return entityB.ID, nil
	}
	older, _ := models.OrderPair(entityA.ID, entityB.ID)
	return older, nil
}

func (e *Engine) recordDecision(ctx context.Context, candidate *models.MatchCandidate, action models.DecisionAction, actor string, note *string, at time.Time) {
	decision := &models.Decision{
		ID:          uuid.New().String(),
		CandidateID: candidate.ID,
		Action:      action,
		Actor:       actor,
		Note:        note,
		DecidedAt:   at,
	}
	if err := e.store.InsertDecision(ctx, decision); err != nil {
		e.logger.WithContext(ctx).WithError(err).WithField("candidate_id", candidate.ID).Warn("failed to record decision")
	}
}

func (e *Engine) audit(ctx context.Context, candidate *models.MatchCandidate, eventType models.AuditEventType, actor string, detail models.AuditDetail) {
	entry := e.buildAudit(candidate, eventType, actor, detail)
	if err := e.store.InsertAudit(ctx, entry); err != nil {
		e.logger.WithContext(ctx).WithError(err).WithField("candidate_id", candidate.ID).Warn("failed to write audit entry")
	}
}

func (e *Engine) buildAudit(candidate *models.MatchCandidate, eventType models.AuditEventType, actor string, detail models.AuditDetail) *models.AuditEntry {
	entry := &models.AuditEntry{
		ID:         uuid.New().String(),
		EventType:  eventType,
		EntityKind: candidate.Kind,
		SubjectID:  candidate.ID,
		Actor:      actor,
		Rule:       candidate.Rule,
		Score:      candidate.MatchScore,
		CreatedAt:  time.Now().UTC(),
	}
	entry.Detail.Data = detail
	return entry
}

func actionForStatus(status models.CandidateStatus) models.DecisionAction {
	if status == models.CandidateStatusBlocked {
		return models.DecisionActionBlock
	}
	return models.DecisionActionReject
}
