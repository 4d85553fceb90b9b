package canonical

import (
	"context"
	"net/http"
	"testing"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/atlas/pkg/models"
)

// fakeStore is an in-memory entity forest for resolver tests.
type fakeStore struct {
	entities map[string]*models.Entity
}

func newFakeStore() *fakeStore {
	return &fakeStore{entities: make(map[string]*models.Entity)}
}

func (f *fakeStore) add(id string, mergedInto string) {
	e := &models.Entity{ID: id, Kind: models.EntityKindCat, DisplayName: id}
	if mergedInto != "" {
		e.MergedInto = &mergedInto
	}
	f.entities[id] = e
}

func (f *fakeStore) GetEntity(_ context.Context, id string) (*models.Entity, error) {
	e, ok := f.entities[id]
	if !ok {
		return nil, httperror.NewHTTPError(http.StatusNotFound, "entity not found")
	}
	copied := *e
	return &copied, nil
}

func (f *fakeStore) ListMergedInto(_ context.Context, id string) ([]string, error) {
	var ids []string
	for _, e := range f.entities {
		if e.MergedInto != nil && *e.MergedInto == id {
			ids = append(ids, e.ID)
		}
	}
	return ids, nil
}

func TestResolveLiveEntity(t *testing.T) {
	store := newFakeStore()
	store.add("a", "")

	r := NewResolver(store)
	entity, err := r.Resolve(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, "a", entity.ID)
}

func TestResolveFollowsChain(t *testing.T) {
	store := newFakeStore()
	store.add("c", "")
	store.add("b", "c")
	store.add("a", "b")

	r := NewResolver(store)

	id, err := r.ResolveID(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, "c", id)

	id, err = r.ResolveID(context.Background(), "b")
	require.NoError(t, err)
	assert.Equal(t, "c", id)
}

func TestResolveCycleFails(t *testing.T) {
	store := newFakeStore()
	store.add("a", "b")
	store.add("b", "a")

	r := NewResolver(store)
	_, err := r.Resolve(context.Background(), "a")
	assert.ErrorIs(t, err, ErrResolutionCycle)
}

func TestResolveUnknownEntity(t *testing.T) {
	store := newFakeStore()

	r := NewResolver(store)
	_, err := r.Resolve(context.Background(), "missing")
	assert.Error(t, err)
}

func TestSameGroup(t *testing.T) {
	store := newFakeStore()
	store.add("c", "")
	store.add("b", "c")
	store.add("a", "b")
	store.add("x", "")

	r := NewResolver(store)

	same, err := r.SameGroup(context.Background(), "a", "b")
	require.NoError(t, err)
	assert.True(t, same)

	same, err = r.SameGroup(context.Background(), "a", "x")
	require.NoError(t, err)
	assert.False(t, same)

	same, err = r.SameGroup(context.Background(), "a", "a")
	require.NoError(t, err)
	assert.True(t, same)
}

func TestGroupIDs(t *testing.T) {
	store := newFakeStore()
	store.add("c", "")
	store.add("b", "c")
	store.add("a", "b")
	store.add("d", "c")
	store.add("x", "")

	r := NewResolver(store)

	ids, err := r.GroupIDs(context.Background(), store, "a")
	require.NoError(t, err)
	assert.Equal(t, "c", ids[0], "canonical id comes first")
	assert.ElementsMatch(t, []string{"a", "b", "c", "d"}, ids)

	ids, err = r.GroupIDs(context.Background(), store, "x")
	require.NoError(t, err)
	assert.Equal(t, []string{"x"}, ids)
}
