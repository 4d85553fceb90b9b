// Package merging executes and reverts entity consolidations. A merge is
// all-or-nothing: reference repointing, the redirect pointer, and the merge
// record commit together or not at all.
package merging

import (
	"context"
	"errors"
	"time"

	"github.com/Ramsey-B/atlas/pkg/database"
	"github.com/Ramsey-B/atlas/pkg/models"
)

// ErrInvalidMergeCycle indicates the merge would corrupt the redirect
// forest: the source is already merged, the target is not live, or the
// target resolves back into the source.
var ErrInvalidMergeCycle = errors.New("invalid merge")

// ErrAlreadyReverted indicates a second revert of the same merge. Callers
// treat it as a no-op signal, not a retryable failure.
var ErrAlreadyReverted = errors.New("merge already reverted")

// Store is the persistence surface shared by the executor and reverter.
// Methods called between GetTx and Commit run on that transaction.
type Store interface {
	DB() database.DB
	GetEntity(ctx context.Context, id string) (*models.Entity, error)
	// GetEntityForUpdate locks the entity row for the transaction.
	GetEntityForUpdate(ctx context.Context, id string) (*models.Entity, error)
	SetMergedInto(ctx context.Context, id string, into *string) error
	// RepointReferences moves every per-kind foreign key from one entity
	// onto another.
	RepointReferences(ctx context.Context, kind models.EntityKind, fromID, intoID string) error
	InsertMerge(ctx context.Context, merge *models.Merge) error
	GetMerge(ctx context.Context, id string) (*models.Merge, error)
	MarkMergeReverted(ctx context.Context, id, actor, note string, at time.Time) error
	// CloseCandidate moves an open candidate to a closed status.
	CloseCandidate(ctx context.Context, candidateID string, to models.CandidateStatus, decidedBy string, at time.Time) error
	// ReopenCandidate moves an auto_merged candidate back to open.
	ReopenCandidate(ctx context.Context, candidateID string, at time.Time) error
	InsertAudit(ctx context.Context, entry *models.AuditEntry) error
}

// EventEmitter publishes merge lifecycle events after commit.
type EventEmitter interface {
	EntityMerged(ctx context.Context, merge *models.Merge) error
	MergeReverted(ctx context.Context, merge *models.Merge) error
}

// GraphProjector mirrors merges into the graph read model after commit.
type GraphProjector interface {
	RepointEntity(ctx context.Context, kind models.EntityKind, fromID, intoID string) error
	RestoreEntity(ctx context.Context, kind models.EntityKind, id string) error
}
