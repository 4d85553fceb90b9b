package merging

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/Gobusters/ectologger/zapadapter"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Ramsey-B/atlas/pkg/database"
	"github.com/Ramsey-B/atlas/pkg/models"
)

func testLogger() ectologger.Logger {
	return zapadapter.NewZapEctoLogger(zap.NewNop(), nil)
}

// memStore is an in-memory Store for executor and reverter tests.
type memStore struct {
	entities   map[string]*models.Entity
	merges     map[string]*models.Merge
	candidates map[string]*models.MatchCandidate
	audit      []models.AuditEntry
	repoints   []string
	committed  bool
	rolledBack bool
}

func newMemStore() *memStore {
	return &memStore{
		entities:   make(map[string]*models.Entity),
		merges:     make(map[string]*models.Merge),
		candidates: make(map[string]*models.MatchCandidate),
	}
}

func (m *memStore) addEntity(id string, kind models.EntityKind, mergedInto string) *models.Entity {
	e := &models.Entity{
		ID:          id,
		Kind:        kind,
		DisplayName: id,
		CreatedAt:   time.Now().UTC(),
	}
	if mergedInto != "" {
		e.MergedInto = &mergedInto
	}
	m.entities[id] = e
	return e
}

func (m *memStore) DB() database.DB { return &memDB{store: m} }

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
	if merge.IsReverted {
		return fmt.Errorf("merge %s is already reverted", id)
	}
	merge.IsReverted = true
	merge.RevertedAt = &at
	merge.RevertedBy = &actor
	if note != "" {
		merge.RevertNote = &note
	}
	return nil
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

func (m *memStore) InsertAudit(_ context.Context, entry *models.AuditEntry) error {
	m.audit = append(m.audit, *entry)
	return nil
}

// memDB satisfies database.DB for engines that only need GetTx.
type memDB struct {
	database.DB
	store *memStore
}

func (db *memDB) GetTx(ctx context.Context, _ *sql.TxOptions) (context.Context, database.Tx, error) {
	return ctx, &memTx{store: db.store}, nil
}

type memTx struct {
	database.Tx
	store  *memStore
	closed bool
}

func (t *memTx) IsOpen() bool { return !t.closed }

func (t *memTx) Commit(_ context.Context) error {
	if !t.closed {
		t.closed = true
		t.store.committed = true
	}
	return nil
}

func (t *memTx) Rollback(_ context.Context) error {
	if !t.closed {
		t.closed = true
		t.store.rolledBack = true
	}
	return nil
}

func TestExecuteMergesAndClosesCandidate(t *testing.T) {
	store := newMemStore()
	store.addEntity("a", models.EntityKindPerson, "")
	store.addEntity("b", models.EntityKindPerson, "")
	candidateID := "cand-1"
	store.candidates[candidateID] = &models.MatchCandidate{
		ID:     candidateID,
		Kind:   models.EntityKindPerson,
		Status: models.CandidateStatusOpen,
	}

	executor := NewExecutor(store, nil, nil, testLogger())
	merge, err := executor.Execute(context.Background(), MergeRequest{
		Kind:            models.EntityKindPerson,
		FromEntityID:    "b",
		IntoEntityID:    "a",
		CandidateID:     &candidateID,
		CandidateStatus: models.CandidateStatusAutoMerged,
		Rule:            "shared_phone",
		MatchScore:      0.85,
		Actor:           "system:auto-merge",
	})
	require.NoError(t, err)

	assert.Equal(t, "b", merge.FromEntityID)
	assert.Equal(t, "a", merge.IntoEntityID)
	require.NotNil(t, store.entities["b"].MergedInto)
	assert.Equal(t, "a", *store.entities["b"].MergedInto)
	assert.Nil(t, store.entities["a"].MergedInto)

	assert.Equal(t, models.CandidateStatusAutoMerged, store.candidates[candidateID].Status)
	assert.Equal(t, []string{"b->a"}, store.repoints)
	assert.True(t, store.committed)

	require.Len(t, store.audit, 1)
	assert.Equal(t, models.AuditEventMergeExecuted, store.audit[0].EventType)
	assert.Equal(t, merge.ID, store.audit[0].SubjectID)
}

func TestExecuteSelfMergeFails(t *testing.T) {
	store := newMemStore()
	store.addEntity("a", models.EntityKindPerson, "")

	executor := NewExecutor(store, nil, nil, testLogger())
	_, err := executor.Execute(context.Background(), MergeRequest{
		Kind:         models.EntityKindPerson,
		FromEntityID: "a",
		IntoEntityID: "a",
		Actor:        "tester",
	})
	assert.ErrorIs(t, err, ErrInvalidMergeCycle)
}

func TestExecuteSourceAlreadyMergedFails(t *testing.T) {
	store := newMemStore()
	store.addEntity("a", models.EntityKindPerson, "")
	store.addEntity("b", models.EntityKindPerson, "a")
	store.addEntity("c", models.EntityKindPerson, "")

	executor := NewExecutor(store, nil, nil, testLogger())
	_, err := executor.Execute(context.Background(), MergeRequest{
		Kind:         models.EntityKindPerson,
		FromEntityID: "b",
		IntoEntityID: "c",
		Actor:        "tester",
	})
	assert.ErrorIs(t, err, ErrInvalidMergeCycle)
	assert.True(t, store.rolledBack)
}

func TestExecuteCycleFails(t *testing.T) {
	store := newMemStore()
	// b already merged into a; merging a into b would close a cycle
	store.addEntity("a", models.EntityKindPerson, "")
	store.addEntity("b", models.EntityKindPerson, "a")

	executor := NewExecutor(store, nil, nil, testLogger())
	_, err := executor.Execute(context.Background(), MergeRequest{
		Kind:         models.EntityKindPerson,
		FromEntityID: "a",
		IntoEntityID: "b",
		Actor:        "tester",
	})
	assert.ErrorIs(t, err, ErrInvalidMergeCycle)
}

func TestExecuteIntoMergedTargetExtendsChain(t *testing.T) {
	store := newMemStore()
	// b is already merged into a; merging c into b is legal and just adds a
	// hop to the redirect chain
	store.addEntity("a", models.EntityKindPerson, "")
	store.addEntity("b", models.EntityKindPerson, "a")
	store.addEntity("c", models.EntityKindPerson, "")

	executor := NewExecutor(store, nil, nil, testLogger())
	merge, err := executor.Execute(context.Background(), MergeRequest{
		Kind:         models.EntityKindPerson,
		FromEntityID: "c",
		IntoEntityID: "b",
		Actor:        "tester",
	})
	require.NoError(t, err)

	assert.Equal(t, "b", merge.IntoEntityID)
	require.NotNil(t, store.entities["c"].MergedInto)
	assert.Equal(t, "b", *store.entities["c"].MergedInto)
	assert.True(t, store.committed)

	// closing the loop from the chain head is still rejected
	_, err = executor.Execute(context.Background(), MergeRequest{
		Kind:         models.EntityKindPerson,
		FromEntityID: "a",
		IntoEntityID: "c",
		Actor:        "tester",
	})
	assert.ErrorIs(t, err, ErrInvalidMergeCycle)
}

func TestExecuteKindMismatchFails(t *testing.T) {
	store := newMemStore()
	store.addEntity("a", models.EntityKindPerson, "")
	store.addEntity("b", models.EntityKindCat, "")

	executor := NewExecutor(store, nil, nil, testLogger())
	_, err := executor.Execute(context.Background(), MergeRequest{
		Kind:         models.EntityKindPerson,
		FromEntityID: "b",
		IntoEntityID: "a",
		Actor:        "tester",
	})
	assert.ErrorIs(t, err, ErrInvalidMergeCycle)
}

func TestRevertRestoresEntity(t *testing.T) {
	store := newMemStore()
	store.addEntity("a", models.EntityKindPerson, "")
	store.addEntity("b", models.EntityKindPerson, "")
	candidateID := "cand-1"
	store.candidates[candidateID] = &models.MatchCandidate{
		ID:     candidateID,
		Kind:   models.EntityKindPerson,
		Status: models.CandidateStatusOpen,
	}

	executor := NewExecutor(store, nil, nil, testLogger())
	merge, err := executor.Execute(context.Background(), MergeRequest{
		Kind:            models.EntityKindPerson,
		FromEntityID:    "b",
		IntoEntityID:    "a",
		CandidateID:     &candidateID,
		CandidateStatus: models.CandidateStatusAutoMerged,
		Actor:           "system:auto-merge",
	})
	require.NoError(t, err)

	reverter := NewReverter(store, nil, nil, testLogger())
	reverted, err := reverter.Revert(context.Background(), merge.ID, "ops@example.com", "wrong match")
	require.NoError(t, err)

	assert.True(t, reverted.IsReverted)
	require.NotNil(t, reverted.RevertedBy)
	assert.Equal(t, "ops@example.com", *reverted.RevertedBy)

	// the losing entity is live again and the candidate is back open
	assert.Nil(t, store.entities["b"].MergedInto)
	assert.Equal(t, models.CandidateStatusOpen, store.candidates[candidateID].Status)

	// revert writes its own audit entry after the merge entry
	require.Len(t, store.audit, 2)
	assert.Equal(t, models.AuditEventMergeReverted, store.audit[1].EventType)
}

func TestRevertTwiceFails(t *testing.T) {
	store := newMemStore()
	store.addEntity("a", models.EntityKindPerson, "")
	store.addEntity("b", models.EntityKindPerson, "")

	executor := NewExecutor(store, nil, nil, testLogger())
	merge, err := executor.Execute(context.Background(), MergeRequest{
		Kind:         models.EntityKindPerson,
		FromEntityID: "b",
		IntoEntityID: "a",
		Actor:        "tester",
	})
	require.NoError(t, err)

	reverter := NewReverter(store, nil, nil, testLogger())
	_, err = reverter.Revert(context.Background(), merge.ID, "tester", "")
	require.NoError(t, err)

	_, err = reverter.Revert(context.Background(), merge.ID, "tester", "")
	assert.ErrorIs(t, err, ErrAlreadyReverted)
}
