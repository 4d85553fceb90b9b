package decision

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/Gobusters/ectologger/zapadapter"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Ramsey-B/atlas/pkg/conflict"
	"github.com/Ramsey-B/atlas/pkg/database"
	"github.com/Ramsey-B/atlas/pkg/merging"
	"github.com/Ramsey-B/atlas/pkg/models"
)

func testLogger() ectologger.Logger {
	return zapadapter.NewZapEctoLogger(zap.NewNop(), nil)
}

// memStore backs both the decision engine and the merge executor in tests.
type memStore struct {
	entities    map[string]*models.Entity
	identifiers map[string][]models.Identifier
	candidates  map[string]*models.MatchCandidate
	merges      map[string]*models.Merge
	decisions   []models.Decision
	audit       []models.AuditEntry
}

func newMemStore() *memStore {
	return &memStore{
		entities:    make(map[string]*models.Entity),
		identifiers: make(map[string][]models.Identifier),
		candidates:  make(map[string]*models.MatchCandidate),
		merges:      make(map[string]*models.Merge),
	}
}

func (m *memStore) addEntity(id string, createdAt time.Time) {
	m.entities[id] = &models.Entity{
		ID:          id,
		Kind:        models.EntityKindPerson,
		DisplayName: id,
		CreatedAt:   createdAt,
	}
}

func (m *memStore) addIdentifier(entityID string, idType models.IdentifierType, value string, tier models.ConfidenceTier) {
	m.identifiers[entityID] = append(m.identifiers[entityID], models.Identifier{
		EntityID:        entityID,
		IDType:          idType,
		NormalizedValue: value,
		Confidence:      tier,
	})
}

func (m *memStore) addCandidate(id, a, b string, score float64) *models.MatchCandidate {
	c := &models.MatchCandidate{
		ID:         id,
		Kind:       models.EntityKindPerson,
		EntityAID:  a,
		EntityBID:  b,
		MatchScore: score,
		Status:     models.CandidateStatusOpen,
		Rule:       "shared_phone",
	}
	m.candidates[id] = c
	return c
}

func (m *memStore) DB() database.DB { return &memDB{} }

func (m *memStore) GetCandidate(_ context.Context, id string) (*models.MatchCandidate, error) {
	c, ok := m.candidates[id]
	if !ok {
		return nil, fmt.Errorf("candidate %s not found", id)
	}
	copied := *c
	return &copied, nil
}

func (m *memStore) GetEntity(_ context.Context, id string) (*models.Entity, error) {
	e, ok := m.entities[id]
	if !ok {
		return nil, fmt.Errorf("entity %s not found", id)
	}
	copied := *e
	return &copied, nil
}

func (m *memStore) GetEntityForUpdate(ctx context.Context, id string) (*models.Entity, error) {
	return m.GetEntity(ctx, id)
}

func (m *memStore) SetMergedInto(_ context.Context, id string, into *string) error {
	e, ok := m.entities[id]
	if !ok {
		return fmt.Errorf("entity %s not found", id)
	}
	e.MergedInto = into
	return nil
}

func (m *memStore) RepointReferences(context.Context, models.EntityKind, string, string) error {
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
		return nil, fmt.Errorf("merge %s not found", id)
	}
	copied := *merge
	return &copied, nil
}

func (m *memStore) MarkMergeReverted(_ context.Context, id, actor, note string, at time.Time) error {
	merge, ok := m.merges[id]
	if !ok {
		return fmt.Errorf("merge %s not found", id)
	}
	merge.IsReverted = true
	merge.RevertedAt = &at
	merge.RevertedBy = &actor
	return nil
}

func (m *memStore) ListGroupIdentifiers(_ context.Context, entityID string) ([]models.Identifier, error) {
	return m.identifiers[entityID], nil
}

func (m *memStore) CloseCandidate(_ context.Context, candidateID string, to models.CandidateStatus, decidedBy string, at time.Time) error {
	c, ok := m.candidates[candidateID]
	if !ok {
		return fmt.Errorf("candidate %s not found", candidateID)
	}
	if c.Status != models.CandidateStatusOpen {
		return fmt.Errorf("candidate %s is not open", candidateID)
	}
	c.Status = to
	c.DecidedAt = &at
	c.DecidedBy = &decidedBy
	return nil
}

func (m *memStore) ReopenCandidate(_ context.Context, candidateID string, _ time.Time) error {
	if c, ok := m.candidates[candidateID]; ok {
		c.Status = models.CandidateStatusOpen
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

func newEngine(store *memStore) *Engine {
	executor := merging.NewExecutor(store, nil, nil, testLogger())
	return NewEngine(store, conflict.NewDetector(), executor, testLogger(), 0.80)
}

func TestEvaluateAutoMergesAboveThreshold(t *testing.T) {
	store := newMemStore()
	base := time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC)
	store.addEntity("older", base)
	store.addEntity("newer", base.Add(time.Hour))
	candidate := store.addCandidate("cand-1", "newer", "older", 0.85)

	engine := newEngine(store)
	updated, merge, err := engine.Evaluate(context.Background(), candidate)
	require.NoError(t, err)
	require.NotNil(t, merge)

	assert.Equal(t, models.CandidateStatusAutoMerged, updated.Status)
	require.NotNil(t, updated.DecidedBy)
	assert.Equal(t, SystemActor, *updated.DecidedBy)

	// the older entity survives as the canonical id
	assert.Equal(t, "newer", merge.FromEntityID)
	assert.Equal(t, "older", merge.IntoEntityID)
	require.NotNil(t, store.entities["newer"].MergedInto)
	assert.Equal(t, "older", *store.entities["newer"].MergedInto)
	assert.Nil(t, store.entities["older"].MergedInto)

	assert.Equal(t, models.CandidateStatusAutoMerged, store.candidates["cand-1"].Status)
}

func TestEvaluateBelowThresholdStaysOpen(t *testing.T) {
	store := newMemStore()
	now := time.Now().UTC()
	store.addEntity("a", now)
	store.addEntity("b", now)
	candidate := store.addCandidate("cand-1", "a", "b", 0.55)

	engine := newEngine(store)
	updated, merge, err := engine.Evaluate(context.Background(), candidate)
	require.NoError(t, err)

	assert.Nil(t, merge)
	assert.Equal(t, models.CandidateStatusOpen, updated.Status)
	assert.Empty(t, store.merges)
}

func TestEvaluateConflictBlocksAutoMerge(t *testing.T) {
	store := newMemStore()
	now := time.Now().UTC()
	store.addEntity("a", now)
	store.addEntity("b", now.Add(time.Minute))
	store.addIdentifier("a", models.IdentifierTypeEmail, "jon@x.com", models.ConfidenceHigh)
	store.addIdentifier("b", models.IdentifierTypeEmail, "other@y.com", models.ConfidenceHigh)
	candidate := store.addCandidate("cand-1", "a", "b", 0.95)

	engine := newEngine(store)
	updated, merge, err := engine.Evaluate(context.Background(), candidate)
	require.NoError(t, err)

	assert.Nil(t, merge)
	assert.Equal(t, models.CandidateStatusOpen, updated.Status)
	assert.Empty(t, store.merges)

	// the skip is audited with the conflict flag
	require.Len(t, store.audit, 1)
	assert.Equal(t, models.AuditEventStatusChanged, store.audit[0].EventType)
	assert.True(t, store.audit[0].Detail.Data.Conflict)
}

func TestEvaluateSkipsClosedCandidate(t *testing.T) {
	store := newMemStore()
	now := time.Now().UTC()
	store.addEntity("a", now)
	store.addEntity("b", now)
	candidate := store.addCandidate("cand-1", "a", "b", 0.99)
	candidate.Status = models.CandidateStatusRejected

	engine := newEngine(store)
	_, merge, err := engine.Evaluate(context.Background(), candidate)
	require.NoError(t, err)
	assert.Nil(t, merge)
	assert.Empty(t, store.merges)
}

func TestDecideMerge(t *testing.T) {
	store := newMemStore()
	base := time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC)
	store.addEntity("older", base)
	store.addEntity("newer", base.Add(time.Hour))
	store.addCandidate("cand-1", "older", "newer", 0.65)

	engine := newEngine(store)
	result, err := engine.Decide(context.Background(), "cand-1", models.DecisionActionMerge, "reviewer@example.com", "same person")
	require.NoError(t, err)
	require.NotNil(t, result.Merge)

	assert.Equal(t, models.CandidateStatusAccepted, result.Candidate.Status)
	assert.Equal(t, "older", result.Merge.IntoEntityID)
	assert.Equal(t, "reviewer@example.com", result.Merge.Actor)

	require.Len(t, store.decisions, 1)
	assert.Equal(t, models.DecisionActionMerge, store.decisions[0].Action)
}

func TestDecideRejectAndBlock(t *testing.T) {
	tests := []struct {
		action models.DecisionAction
		status models.CandidateStatus
	}{
		{action: models.DecisionActionReject, status: models.CandidateStatusRejected},
		{action: models.DecisionActionBlock, status: models.CandidateStatusBlocked},
	}

	for _, tt := range tests {
		t.Run(string(tt.action), func(t *testing.T) {
			store := newMemStore()
			now := time.Now().UTC()
			store.addEntity("a", now)
			store.addEntity("b", now)
			store.addCandidate("cand-1", "a", "b", 0.65)

			engine := newEngine(store)
			result, err := engine.Decide(context.Background(), "cand-1", tt.action, "reviewer@example.com", "")
			require.NoError(t, err)

			assert.Equal(t, tt.status, result.Candidate.Status)
			assert.Nil(t, result.Merge)
			assert.Empty(t, store.merges)

			require.Len(t, store.decisions, 1)
			assert.Equal(t, tt.action, store.decisions[0].Action)
		})
	}
}

func TestDecideClosedCandidateConflicts(t *testing.T) {
	store := newMemStore()
	now := time.Now().UTC()
	store.addEntity("a", now)
	store.addEntity("b", now)
	candidate := store.addCandidate("cand-1", "a", "b", 0.65)
	candidate.Status = models.CandidateStatusBlocked

	engine := newEngine(store)
	_, err := engine.Decide(context.Background(), "cand-1", models.DecisionActionMerge, "reviewer@example.com", "")
	require.Error(t, err)
	assert.Equal(t, 409, httperror.GetStatusCode(err))
}

func TestDecideUnknownAction(t *testing.T) {
	store := newMemStore()
	now := time.Now().UTC()
	store.addEntity("a", now)
	store.addEntity("b", now)
	store.addCandidate("cand-1", "a", "b", 0.65)

	engine := newEngine(store)
	_, err := engine.Decide(context.Background(), "cand-1", models.DecisionAction("defer"), "reviewer@example.com", "")
	require.Error(t, err)
	assert.Equal(t, 400, httperror.GetStatusCode(err))
}

func TestDecideMergeAllowedDespiteConflict(t *testing.T) {
	// humans can override a conflict; only the automatic path is gated
	store := newMemStore()
	base := time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC)
	store.addEntity("a", base)
	store.addEntity("b", base.Add(time.Hour))
	store.addIdentifier("a", models.IdentifierTypeEmail, "jon@x.com", models.ConfidenceHigh)
	store.addIdentifier("b", models.IdentifierTypeEmail, "other@y.com", models.ConfidenceHigh)
	store.addCandidate("cand-1", "a", "b", 0.95)

	engine := newEngine(store)
	result, err := engine.Decide(context.Background(), "cand-1", models.DecisionActionMerge, "reviewer@example.com", "verified in person")
	require.NoError(t, err)
	require.NotNil(t, result.Merge)
	assert.Equal(t, models.CandidateStatusAccepted, result.Candidate.Status)
}
