// Package canonical resolves any entity id to its live canonical id by
// following merged_into redirect pointers.
package canonical

import (
	"context"
	"errors"
	"fmt"

	"github.com/Ramsey-B/atlas/pkg/models"
	"github.com/Ramsey-B/atlas/pkg/tracing"
)

// ErrResolutionCycle indicates the redirect forest is corrupt. This is a
// data-integrity bug and is fatal to the calling operation.
var ErrResolutionCycle = errors.New("canonical resolution exceeded step limit")

// DefaultMaxSteps bounds redirect chain traversal. Real chains are short;
// hitting the limit means the forest invariant is broken.
const DefaultMaxSteps = 32

// EntityGetter is the storage access the resolver needs.
type EntityGetter interface {
	GetEntity(ctx context.Context, id string) (*models.Entity, error)
}

// Resolver follows merged_into pointers to the terminal entity.
type Resolver struct {
	entities EntityGetter
	maxSteps int
}

func NewResolver(entities EntityGetter) *Resolver {
	return &Resolver{
		entities: entities,
		maxSteps: DefaultMaxSteps,
	}
}

// Resolve returns the canonical entity for the given id.
func (r *Resolver) Resolve(ctx context.Context, id string) (*models.Entity, error) {
	ctx, span := tracing.StartSpan(ctx, "canonical.Resolver.Resolve")
	defer span.End()

	current, err := r.entities.GetEntity(ctx, id)
	if err != nil {
		return nil, err
	}

	for step := 0; current.IsMerged(); step++ {
		if step >= r.maxSteps {
			return nil, fmt.Errorf("%w: entity %s", ErrResolutionCycle, id)
		}
		current, err = r.entities.GetEntity(ctx, *current.MergedInto)
		if err != nil {
			return nil, err
		}
	}

	return current, nil
}

// ResolveID is Resolve returning just the canonical id.
func (r *Resolver) ResolveID(ctx context.Context, id string) (string, error) {
	entity, err := r.Resolve(ctx, id)
	if err != nil {
		return "", err
	}
	return entity.ID, nil
}

// SameGroup reports whether two ids resolve to the same canonical entity.
func (r *Resolver) SameGroup(ctx context.Context, a, b string) (bool, error) {
	if a == b {
		return true, nil
	}
	canonicalA, err := r.ResolveID(ctx, a)
	if err != nil {
		return false, err
	}
	canonicalB, err := r.ResolveID(ctx, b)
	if err != nil {
		return false, err
	}
	return canonicalA == canonicalB, nil
}

// GroupIDs returns every entity id in the redirect group of the given id,
// canonical id first. Used to assemble the canonical view of aliases and
// identifiers without copying rows on merge.
func (r *Resolver) GroupIDs(ctx context.Context, lister GroupLister, id string) ([]string, error) {
	canonicalID, err := r.ResolveID(ctx, id)
	if err != nil {
		return nil, err
	}
	members, err := lister.ListMergedInto(ctx, canonicalID)
	if err != nil {
		return nil, err
	}

	ids := []string{canonicalID}
	seen := map[string]bool{canonicalID: true}
	queue := members
	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]
		if seen[next] {
			continue
		}
		seen[next] = true
		ids = append(ids, next)

		children, err := lister.ListMergedInto(ctx, next)
		if err != nil {
			return nil, err
		}
		queue = append(queue, children...)
	}

	return ids, nil
}

// GroupLister lists entities merged directly into a given entity.
type GroupLister interface {
	ListMergedInto(ctx context.Context, id string) ([]string, error)
}
