// Package store composes the table repositories into the persistence
// surfaces the engines consume. Engines depend on their own narrow
// interfaces; this is the Postgres implementation of all of them.
package store

import (
	"context"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/Ramsey-B/atlas/internal/repositories/alias"
	"github.com/Ramsey-B/atlas/internal/repositories/auditlog"
	"github.com/Ramsey-B/atlas/internal/repositories/decisionlog"
	"github.com/Ramsey-B/atlas/internal/repositories/entity"
	"github.com/Ramsey-B/atlas/internal/repositories/identifier"
	"github.com/Ramsey-B/atlas/internal/repositories/matchcandidate"
	"github.com/Ramsey-B/atlas/internal/repositories/merge"
	"github.com/Ramsey-B/atlas/internal/repositories/reference"
	"github.com/Ramsey-B/atlas/pkg/canonical"
	"github.com/Ramsey-B/atlas/pkg/database"
	"github.com/Ramsey-B/atlas/pkg/matching"
	"github.com/Ramsey-B/atlas/pkg/models"
)

// Store is the Postgres persistence layer for the resolution engines.
type Store struct {
	db          database.DB
	entities    *entity.Repository
	aliases     *alias.Repository
	identifiers *identifier.Repository
	candidates  *matchcandidate.Repository
	merges      *merge.Repository
	decisions   *decisionlog.Repository
	audit       *auditlog.Repository
	references  *reference.Repository
	resolver    *canonical.Resolver
}

func New(db database.DB, logger ectologger.Logger) *Store {
	s := &Store{
		db:          db,
		entities:    entity.NewRepository(db, logger),
		aliases:     alias.NewRepository(db, logger),
		identifiers: identifier.NewRepository(db, logger),
		candidates:  matchcandidate.NewRepository(db, logger),
		merges:      merge.NewRepository(db, logger),
		decisions:   decisionlog.NewRepository(db, logger),
		audit:       auditlog.NewRepository(db, logger),
		references:  reference.NewRepository(db, logger),
	}
	s.resolver = canonical.NewResolver(s)
	return s
}

func (s *Store) DB() database.DB {
	return s.db
}

// Resolver returns the canonical resolver backed by this store.
func (s *Store) Resolver() *canonical.Resolver {
	return s.resolver
}

// Candidates exposes the candidate repository for the review API.
func (s *Store) Candidates() *matchcandidate.Repository {
	return s.candidates
}

// Merges exposes the merge repository for the review API.
func (s *Store) Merges() *merge.Repository {
	return s.merges
}

// Audit exposes the audit repository for the review API.
func (s *Store) Audit() *auditlog.Repository {
	return s.audit
}

// GetEntity implements canonical.EntityGetter.
func (s *Store) GetEntity(ctx context.Context, id string) (*models.Entity, error) {
	return s.entities.Get(ctx, id)
}

// ListMergedInto implements canonical.GroupLister.
func (s *Store) ListMergedInto(ctx context.Context, id string) ([]string, error) {
	return s.entities.ListMergedInto(ctx, id)
}

// CreateEntity implements ingest.Store.
func (s *Store) CreateEntity(ctx context.Context, e *models.Entity) error {
	return s.entities.Create(ctx, e)
}

// UpsertAlias implements ingest.Store.
func (s *Store) UpsertAlias(ctx context.Context, a *models.Alias) error {
	return s.aliases.Upsert(ctx, a)
}

// UpsertIdentifier implements ingest.Store.
func (s *Store) UpsertIdentifier(ctx context.Context, i *models.Identifier) error {
	return s.identifiers.Upsert(ctx, i)
}

// ListIdentifierGroups implements matching.Store.
func (s *Store) ListIdentifierGroups(ctx context.Context, kind models.EntityKind) ([]matching.IdentifierGroup, error) {
	return s.identifiers.ListSharedGroups(ctx, kind)
}

// GetProfile implements matching.Store: the canonical view of an entity,
// aliases and identifiers gathered across its whole redirect group.
func (s *Store) GetProfile(ctx context.Context, entityID string) (*matching.EntityProfile, error) {
	groupIDs, err := s.resolver.GroupIDs(ctx, s, entityID)
	if err != nil {
		return nil, err
	}

	e, err := s.entities.Get(ctx, groupIDs[0])
	if err != nil {
		return nil, err
	}
	aliases, err := s.aliases.ListByEntities(ctx, groupIDs)
	if err != nil {
		return nil, err
	}
	identifiers, err := s.identifiers.ListByEntities(ctx, groupIDs)
	if err != nil {
		return nil, err
	}

	return &matching.EntityProfile{
		Entity:      *e,
		Aliases:     aliases,
		Identifiers: identifiers,
	}, nil
}

// UpsertCandidate implements matching.Store.
func (s *Store) UpsertCandidate(ctx context.Context, candidate *models.MatchCandidate) (*models.MatchCandidate, error) {
	return s.candidates.Upsert(ctx, candidate)
}

// GetCandidate implements decision.Store.
func (s *Store) GetCandidate(ctx context.Context, id string) (*models.MatchCandidate, error) {
	return s.candidates.Get(ctx, id)
}

// ListGroupIdentifiers implements decision.Store.
func (s *Store) ListGroupIdentifiers(ctx context.Context, entityID string) ([]models.Identifier, error) {
	groupIDs, err := s.resolver.GroupIDs(ctx, s, entityID)
	if err != nil {
		return nil, err
	}
	return s.identifiers.ListByEntities(ctx, groupIDs)
}

// CloseCandidate implements decision.Store and merging.Store.
func (s *Store) CloseCandidate(ctx context.Context, candidateID string, to models.CandidateStatus, decidedBy string, at time.Time) error {
	return s.candidates.Close(ctx, candidateID, to, decidedBy, at)
}

// ReopenCandidate implements merging.Store.
func (s *Store) ReopenCandidate(ctx context.Context, candidateID string, at time.Time) error {
	return s.candidates.Reopen(ctx, candidateID, at)
}

// InsertDecision implements decision.Store.
func (s *Store) InsertDecision(ctx context.Context, d *models.Decision) error {
	return s.decisions.Create(ctx, d)
}

// InsertAudit implements decision.Store and merging.Store.
func (s *Store) InsertAudit(ctx context.Context, entry *models.AuditEntry) error {
	return s.audit.Append(ctx, entry)
}

// GetEntityForUpdate implements merging.Store.
func (s *Store) GetEntityForUpdate(ctx context.Context, id string) (*models.Entity, error) {
	return s.entities.GetForUpdate(ctx, id)
}

// SetMergedInto implements merging.Store.
func (s *Store) SetMergedInto(ctx context.Context, id string, into *string) error {
	return s.entities.SetMergedInto(ctx, id, into)
}

// RepointReferences implements merging.Store.
func (s *Store) RepointReferences(ctx context.Context, kind models.EntityKind, fromID, intoID string) error {
	return s.references.Repoint(ctx, kind, fromID, intoID)
}

// InsertMerge implements merging.Store.
func (s *Store) InsertMerge(ctx context.Context, m *models.Merge) error {
	return s.merges.Create(ctx, m)
}

// GetMerge implements merging.Store.
func (s *Store) GetMerge(ctx context.Context, id string) (*models.Merge, error) {
	return s.merges.Get(ctx, id)
}

// MarkMergeReverted implements merging.Store.
func (s *Store) MarkMergeReverted(ctx context.Context, id, actor, note string, at time.Time) error {
	return s.merges.MarkReverted(ctx, id, actor, note, at)
}

// EntityView assembles the canonical read model for one entity.
func (s *Store) EntityView(ctx context.Context, id string) (*models.EntityView, error) {
	e, err := s.entities.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	profile, err := s.GetProfile(ctx, id)
	if err != nil {
		return nil, err
	}

	return &models.EntityView{
		Entity:      *e,
		CanonicalID: profile.Entity.ID,
		Aliases:     profile.Aliases,
		Identifiers: profile.Identifiers,
	}, nil
}
