package integration

import (
	"context"
	"database/sql"
	"net/http"
	"sort"
	"testing"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger/zapadapter"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Ramsey-B/atlas/pkg/canonical"
	"github.com/Ramsey-B/atlas/pkg/conflict"
	"github.com/Ramsey-B/atlas/pkg/database"
	"github.com/Ramsey-B/atlas/pkg/decision"
	"github.com/Ramsey-B/atlas/pkg/ingest"
	"github.com/Ramsey-B/atlas/pkg/matching"
	"github.com/Ramsey-B/atlas/pkg/merging"
	"github.com/Ramsey-B/atlas/pkg/models"
	"github.com/Ramsey-B/atlas/pkg/normalize"
)

// memStore is a full in-memory backend wired behind every engine so the
// ingest -> match -> decide -> merge -> revert path runs without Postgres.
type memStore struct {
	entities    map[string]*models.Entity
	aliases     map[string][]models.Alias
	identifiers map[string][]models.Identifier
	candidates  map[string]*models.MatchCandidate
	pairIndex   map[string]string
	merges      map[string]*models.Merge
	decisions   []models.Decision
	audit       []models.AuditEntry
	repoints    []string
	resolver    *canonical.Resolver
}

func newMemStore() *memStore {
	return &memStore{
		entities:    make(map[string]*models.Entity),
		aliases:     make(map[string][]models.Alias),
		identifiers: make(map[string][]models.Identifier),
		candidates:  make(map[string]*models.MatchCandidate),
		pairIndex:   make(map[string]string),
		merges:      make(map[string]*models.Merge),
	}
}

func (m *memStore) GetEntity(_ context.Context, id string) (*models.Entity, error) {
	e, ok := m.entities[id]
	if !ok {
		return nil, httperror.NewHTTPError(http.StatusNotFound, "entity not found")
	}
	copied := *e
	return &copied, nil
}

func (m *memStore) ListMergedInto(_ context.Context, id string) ([]string, error) {
	var ids []string
	for _, e := range m.entities {
		if e.MergedInto != nil && *e.MergedInto == id {
			ids = append(ids, e.ID)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *memStore) CreateEntity(_ context.Context, entity *models.Entity) error {
	copied := *entity
	m.entities[entity.ID] = &copied
	return nil
}

func (m *memStore) UpsertAlias(_ context.Context, alias *models.Alias) error {
	existing := m.aliases[alias.EntityID]
	for i := range existing {
		if existing[i].NormalizedName == alias.NormalizedName && existing[i].Source == alias.Source {
			existing[i].LastSeenAt = alias.LastSeenAt
			return nil
		}
	}
	m.aliases[alias.EntityID] = append(existing, *alias)
	return nil
}

func (m *memStore) UpsertIdentifier(_ context.Context, identifier *models.Identifier) error {
	existing := m.identifiers[identifier.EntityID]
	for i := range existing {
		if existing[i].IDType == identifier.IDType && existing[i].NormalizedValue == identifier.NormalizedValue {
			existing[i].LastSeenAt = identifier.LastSeenAt
			return nil
		}
	}
	m.identifiers[identifier.EntityID] = append(existing, *identifier)
	return nil
}

func (m *memStore) ListIdentifierGroups(_ context.Context, kind models.EntityKind) ([]matching.IdentifierGroup, error) {
	byKey := make(map[string]*matching.IdentifierGroup)
	var keys []string
	for entityID, ids := range m.identifiers {
		entity, ok := m.entities[entityID]
		if !ok || entity.Kind != kind || entity.IsMerged() {
			continue
		}
		for _, identifier := range ids {
			key := string(identifier.IDType) + "|" + identifier.NormalizedValue
			group, ok := byKey[key]
			if !ok {
				group = &matching.IdentifierGroup{
					IDType:          identifier.IDType,
					NormalizedValue: identifier.NormalizedValue,
				}
				byKey[key] = group
				keys = append(keys, key)
			}
			group.EntityIDs = append(group.EntityIDs, entityID)
		}
	}

	sort.Strings(keys)
	var groups []matching.IdentifierGroup
	for _, key := range keys {
		group := byKey[key]
		if len(group.EntityIDs) < 2 {
			continue
		}
		sort.Strings(group.EntityIDs)
		groups = append(groups, *group)
	}
	return groups, nil
}

func (m *memStore) GetProfile(ctx context.Context, entityID string) (*matching.EntityProfile, error) {
	canonicalEntity, err := m.resolver.Resolve(ctx, entityID)
	if err != nil {
		return nil, err
	}
	groupIDs, err := m.resolver.GroupIDs(ctx, m, canonicalEntity.ID)
	if err != nil {
		return nil, err
	}

	profile := &matching.EntityProfile{Entity: *canonicalEntity}
	for _, id := range groupIDs {
		profile.Aliases = append(profile.Aliases, m.aliases[id]...)
		profile.Identifiers = append(profile.Identifiers, m.identifiers[id]...)
	}
	return profile, nil
}

func (m *memStore) UpsertCandidate(_ context.Context, candidate *models.MatchCandidate) (*models.MatchCandidate, error) {
	pairKey := candidate.EntityAID + "|" + candidate.EntityBID
	if existingID, ok := m.pairIndex[pairKey]; ok {
		existing := m.candidates[existingID]
		if existing.Status == models.CandidateStatusOpen {
			existing.MatchScore = candidate.MatchScore
			existing.Details = candidate.Details
			existing.Rule = candidate.Rule
			existing.UpdatedAt = candidate.UpdatedAt
		}
		copied := *existing
		return &copied, nil
	}

	copied := *candidate
	m.candidates[candidate.ID] = &copied
	m.pairIndex[pairKey] = candidate.ID
	returned := copied
	return &returned, nil
}

func (m *memStore) GetCandidate(_ context.Context, id string) (*models.MatchCandidate, error) {
	c, ok := m.candidates[id]
	if !ok {
		return nil, httperror.NewHTTPError(http.StatusNotFound, "candidate not found")
	}
	copied := *c
	return &copied, nil
}

func (m *memStore) ListGroupIdentifiers(ctx context.Context, entityID string) ([]models.Identifier, error) {
	groupIDs, err := m.resolver.GroupIDs(ctx, m, entityID)
	if err != nil {
		return nil, err
	}
	var out []models.Identifier
	for _, id := range groupIDs {
		out = append(out, m.identifiers[id]...)
	}
	return out, nil
}

func (m *memStore) CloseCandidate(_ context.Context, candidateID string, to models.CandidateStatus, decidedBy string, at time.Time) error {
	c, ok := m.candidates[candidateID]
	if !ok {
		return httperror.NewHTTPError(http.StatusNotFound, "candidate not found")
	}
	if c.Status != models.CandidateStatusOpen {
		return httperror.NewHTTPError(http.StatusConflict, "candidate is not open")
	}
	c.Status = to
	c.DecidedAt = &at
	c.DecidedBy = &decidedBy
	return nil
}

func (m *memStore) ReopenCandidate(_ context.Context, candidateID string, _ time.Time) error {
	c, ok := m.candidates[candidateID]
	if !ok {
		return nil
	}
	if c.Status == models.CandidateStatusAutoMerged || c.Status == models.CandidateStatusAccepted {
		c.Status = models.CandidateStatusOpen
		c.DecidedAt = nil
		c.DecidedBy = nil
	}
	return nil
}

func (m *memStore) InsertDecision(_ context.Context, decision *models.Decision) error {
	m.decisions = append(m.decisions, *decision)
	return nil
}

func (m *memStore) InsertAudit(_ context.Context, entry *models.AuditEntry) error {
	m.audit = append(m.audit, *entry)
	return nil
}

func (m *memStore) DB() database.DB { return &memDB{} }

func (m *memStore) GetEntityForUpdate(ctx context.Context, id string) (*models.Entity, error) {
	return m.GetEntity(ctx, id)
}

func (m *memStore) SetMergedInto(_ context.Context, id string, into *string) error {
	e, ok := m.entities[id]
	if !ok {
		return httperror.NewHTTPError(http.StatusNotFound, "entity not found")
	}
	e.MergedInto = into
	return nil
}

func (m *memStore) RepointReferences(_ context.Context, _ models.EntityKind, fromID, intoID string) error {
	m.repoints = append(m.repoints, fromID+"->"+intoID)
	return nil
}

func (m *memStore) InsertMerge(_ context.Context, merge *models.Merge) error {
	copied := *merge
	m.merges[merge.ID] = &copied
	return nil
}

func (m *memStore) GetMerge(_ context.Context, id string) (*models.Merge, error) {
	merge, ok := m.merges[id]
	if !ok {
		return nil, httperror.NewHTTPError(http.StatusNotFound, "merge not found")
	}
	copied := *merge
	return &copied, nil
}

func (m *memStore) MarkMergeReverted(_ context.Context, id, actor, note string, at time.Time) error {
	merge, ok := m.merges[id]
	if !ok {
		return httperror.NewHTTPError(http.StatusNotFound, "merge not found")
	}
	merge.IsReverted = true
	merge.RevertedAt = &at
	merge.RevertedBy = &actor
	if note != "" {
		merge.RevertNote = &note
	}
	return nil
}

func (m *memStore) openCandidates() []*models.MatchCandidate {
	var open []*models.MatchCandidate
	for _, c := range m.candidates {
		if c.Status == models.CandidateStatusOpen {
			open = append(open, c)
		}
	}
	return open
}

func (m *memStore) singleMerge(t *testing.T) *models.Merge {
	t.Helper()
	require.Len(t, m.merges, 1)
	for _, merge := range m.merges {
		return merge
	}
	return nil
}

type memDB struct {
	database.DB
}

func (db *memDB) GetTx(ctx context.Context, _ *sql.TxOptions) (context.Context, database.Tx, error) {
	return ctx, &memTx{}, nil
}

type memTx struct {
	database.Tx
	closed bool
}

func (t *memTx) IsOpen() bool { return !t.closed }

func (t *memTx) Commit(context.Context) error {
	t.closed = true
	return nil
}

func (t *memTx) Rollback(context.Context) error {
	t.closed = true
	return nil
}

// pipeline wires every engine against one memStore the way main does
// against Postgres.
type pipeline struct {
	store     *memStore
	resolver  *canonical.Resolver
	processor *ingest.Processor
	generator *matching.Generator
	engine    *decision.Engine
	reverter  *merging.Reverter
	ctx       context.Context
}

func newPipeline(t *testing.T) *pipeline {
	t.Helper()

	store := newMemStore()
	resolver := canonical.NewResolver(store)
	store.resolver = resolver

	logger := zapadapter.NewZapEctoLogger(zap.NewNop(), nil)
	weights := matching.Weights{Identifier: 0.45, Name: 0.40, Context: 0.15}
	require.NoError(t, weights.Validate())

	generator := matching.NewGenerator(store, matching.NewScorer(weights), resolver, logger, 0.30)
	executor := merging.NewExecutor(store, nil, nil, logger)
	engine := decision.NewEngine(store, conflict.NewDetector(), executor, logger, 0.80)
	reverter := merging.NewReverter(store, nil, nil, logger)

	sourceTiers := map[string]models.ConfidenceTier{
		"clinic":   models.ConfidenceHigh,
		"shelter":  models.ConfidenceHigh,
		"web_form": models.ConfidenceLow,
	}
	processor := ingest.NewProcessor(store, resolver, normalize.NewHashingCanonicalizer(), normalize.Chain("nname"), generator, engine, logger, sourceTiers)

	return &pipeline{
		store:     store,
		resolver:  resolver,
		processor: processor,
		generator: generator,
		engine:    engine,
		reverter:  reverter,
		ctx:       context.Background(),
	}
}

func observation(kind models.EntityKind, name, source string, identifiers ...models.ObservedIdentifier) models.Observation {
	return models.Observation{
		Kind:        kind,
		RawName:     name,
		Source:      source,
		Identifiers: identifiers,
		ObservedAt:  time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestIngestCreatesEntitiesAndDropsBadIdentifiers(t *testing.T) {
	p := newPipeline(t)

	resp := p.processor.ProcessBatch(p.ctx, []models.Observation{
		observation(models.EntityKindPerson, "Jon Smith", "clinic",
			models.ObservedIdentifier{IDType: models.IdentifierTypeEmail, RawValue: "  Jon.Smith@Example.COM "},
			models.ObservedIdentifier{IDType: models.IdentifierTypePhone, RawValue: "not-a-phone"},
		),
		{Kind: models.EntityKind("dog"), RawName: "Rex", Source: "clinic"},
	})

	assert.Equal(t, 1, resp.Accepted)
	assert.Equal(t, 1, resp.Dropped)
	require.Len(t, resp.Errors, 1)
	assert.Contains(t, resp.Errors[0], "dog")

	require.Len(t, p.store.entities, 1)
	for id := range p.store.entities {
		require.Len(t, p.store.aliases[id], 1)
		assert.Equal(t, "jon smith", p.store.aliases[id][0].NormalizedName)

		// the malformed phone is dropped, the email survives normalized
		require.Len(t, p.store.identifiers[id], 1)
		assert.Equal(t, "jon.smith@example.com", p.store.identifiers[id][0].NormalizedValue)
		assert.Equal(t, models.ConfidenceHigh, p.store.identifiers[id][0].Confidence)
	}
}

func TestSharedPhoneSimilarNameAutoMerges(t *testing.T) {
	p := newPipeline(t)

	phone := models.ObservedIdentifier{IDType: models.IdentifierTypePhone, RawValue: "(555) 123-4567"}
	resp := p.processor.ProcessBatch(p.ctx, []models.Observation{
		observation(models.EntityKindPerson, "Jon Smith", "clinic", phone),
		observation(models.EntityKindPerson, "Jonathan Smith", "web_form", phone),
	})
	assert.Equal(t, 2, resp.Accepted)

	require.Len(t, p.store.candidates, 1)
	var candidate *models.MatchCandidate
	for _, c := range p.store.candidates {
		candidate = c
	}
	assert.Equal(t, models.CandidateStatusAutoMerged, candidate.Status)
	assert.Equal(t, "shared_phone", candidate.Rule)
	assert.Greater(t, candidate.MatchScore, 0.80)

	merge := p.store.singleMerge(t)
	assert.Equal(t, "shared_phone", merge.Rule)

	same, err := p.resolver.SameGroup(p.ctx, merge.FromEntityID, merge.IntoEntityID)
	require.NoError(t, err)
	assert.True(t, same)

	// the survivor holds the group view: both aliases, one phone
	view, err := p.store.GetProfile(p.ctx, merge.FromEntityID)
	require.NoError(t, err)
	assert.Equal(t, merge.IntoEntityID, view.Entity.ID)
	assert.Len(t, view.Aliases, 2)
}

func TestSharedAddressAloneStaysOpen(t *testing.T) {
	p := newPipeline(t)

	obsA := observation(models.EntityKindPerson, "Jon Smith", "web_form")
	obsA.RawAddress = "123 Main Street, Apt 4"
	obsB := observation(models.EntityKindPerson, "Jon Doe", "web_form")
	obsB.RawAddress = "123 Main St Apt #4"

	resp := p.processor.ProcessBatch(p.ctx, []models.Observation{obsA, obsB})
	assert.Equal(t, 2, resp.Accepted)

	// the shared token "jon" lets the address block propose the pair, but a
	// shared address never auto-merges on its own
	require.Len(t, p.store.candidates, 1)
	for _, c := range p.store.candidates {
		assert.Equal(t, models.CandidateStatusOpen, c.Status)
		assert.Equal(t, "shared_address_block", c.Rule)
		assert.Less(t, c.MatchScore, 0.80)
	}
	assert.Empty(t, p.store.merges)
}

func TestConflictingIdentifiersBlockAutoMerge(t *testing.T) {
	p := newPipeline(t)

	phone := models.ObservedIdentifier{IDType: models.IdentifierTypePhone, RawValue: "555-123-4567"}
	resp := p.processor.ProcessBatch(p.ctx, []models.Observation{
		observation(models.EntityKindPerson, "Jon Smith", "clinic", phone,
			models.ObservedIdentifier{IDType: models.IdentifierTypeEmail, RawValue: "jon@x.com"}),
		observation(models.EntityKindPerson, "Jonathan Smith", "clinic", phone,
			models.ObservedIdentifier{IDType: models.IdentifierTypeEmail, RawValue: "jonathan@y.com"}),
	})
	assert.Equal(t, 2, resp.Accepted)

	// score clears the threshold but the disjoint high-confidence emails
	// hold the pair open for a human
	require.Len(t, p.store.candidates, 1)
	for _, c := range p.store.candidates {
		assert.Equal(t, models.CandidateStatusOpen, c.Status)
		assert.Greater(t, c.MatchScore, 0.80)
	}
	assert.Empty(t, p.store.merges)

	var conflictAudits int
	for _, entry := range p.store.audit {
		if entry.EventType == models.AuditEventStatusChanged && entry.Detail.Data.Conflict {
			conflictAudits++
		}
	}
	assert.Equal(t, 1, conflictAudits)
}

func TestHumanDecideMergeThenRevert(t *testing.T) {
	p := newPipeline(t)

	phone := models.ObservedIdentifier{IDType: models.IdentifierTypePhone, RawValue: "555-123-4567"}
	p.processor.ProcessBatch(p.ctx, []models.Observation{
		observation(models.EntityKindPerson, "Jon Smith", "clinic", phone,
			models.ObservedIdentifier{IDType: models.IdentifierTypeEmail, RawValue: "jon@x.com"}),
		observation(models.EntityKindPerson, "Jonathan Smith", "clinic", phone,
			models.ObservedIdentifier{IDType: models.IdentifierTypeEmail, RawValue: "jonathan@y.com"}),
	})

	open := p.store.openCandidates()
	require.Len(t, open, 1)

	result, err := p.engine.Decide(p.ctx, open[0].ID, models.DecisionActionMerge, "reviewer@example.com", "verified by phone call")
	require.NoError(t, err)
	require.NotNil(t, result.Merge)
	assert.Equal(t, models.CandidateStatusAccepted, result.Candidate.Status)

	from := result.Merge.FromEntityID
	canonicalID, err := p.resolver.ResolveID(p.ctx, from)
	require.NoError(t, err)
	assert.Equal(t, result.Merge.IntoEntityID, canonicalID)

	reverted, err := p.reverter.Revert(p.ctx, result.Merge.ID, "ops@example.com", "wrong person")
	require.NoError(t, err)
	assert.True(t, reverted.IsReverted)

	// the losing entity stands alone again and the candidate is reviewable
	canonicalID, err = p.resolver.ResolveID(p.ctx, from)
	require.NoError(t, err)
	assert.Equal(t, from, canonicalID)
	assert.Equal(t, models.CandidateStatusOpen, p.store.candidates[open[0].ID].Status)

	_, err = p.reverter.Revert(p.ctx, result.Merge.ID, "ops@example.com", "")
	assert.ErrorIs(t, err, merging.ErrAlreadyReverted)
}

func TestTransitiveChainResolvesAndRejectsCycles(t *testing.T) {
	p := newPipeline(t)

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"a", "b", "c"} {
		require.NoError(t, p.store.CreateEntity(p.ctx, &models.Entity{
			ID:        id,
			Kind:      models.EntityKindCat,
			CreatedAt: base.Add(time.Duration(i) * time.Hour),
		}))
	}

	executor := merging.NewExecutor(p.store, nil, nil, zapadapter.NewZapEctoLogger(zap.NewNop(), nil))
	_, err := executor.Execute(p.ctx, merging.MergeRequest{
		Kind: models.EntityKindCat, FromEntityID: "b", IntoEntityID: "a", Actor: "tester",
	})
	require.NoError(t, err)
	_, err = executor.Execute(p.ctx, merging.MergeRequest{
		Kind: models.EntityKindCat, FromEntityID: "c", IntoEntityID: "b", Actor: "tester",
	})
	require.NoError(t, err)

	// c -> b -> a resolves through the chain
	canonicalID, err := p.resolver.ResolveID(p.ctx, "c")
	require.NoError(t, err)
	assert.Equal(t, "a", canonicalID)

	// merging the chain head into a tombstone would close a loop
	_, err = executor.Execute(p.ctx, merging.MergeRequest{
		Kind: models.EntityKindCat, FromEntityID: "a", IntoEntityID: "c", Actor: "tester",
	})
	assert.ErrorIs(t, err, merging.ErrInvalidMergeCycle)
}

func TestGeneratorPassIsIdempotent(t *testing.T) {
	p := newPipeline(t)

	chip := models.ObservedIdentifier{IDType: models.IdentifierTypeMicrochip, RawValue: "985112345678903"}
	p.processor.ProcessBatch(p.ctx, []models.Observation{
		observation(models.EntityKindCat, "Whiskers", "web_form", chip),
		observation(models.EntityKindCat, "Mr Whiskers", "web_form", chip),
	})

	// the ingest pass may already have merged the pair; what matters is that
	// repeated passes never mint a second candidate row
	firstCount := len(p.store.candidates)
	require.Equal(t, 1, firstCount)

	_, err := p.generator.Run(p.ctx, models.EntityKindCat)
	require.NoError(t, err)
	_, err = p.generator.Run(p.ctx, models.EntityKindCat)
	require.NoError(t, err)

	assert.Len(t, p.store.candidates, 1)
	assert.Len(t, p.store.merges, 1)
}
