package matching

import (
	"context"
	"strings"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/Ramsey-B/atlas/pkg/canonical"
	"github.com/Ramsey-B/atlas/pkg/models"
	"github.com/Ramsey-B/atlas/pkg/tracing"
	"github.com/google/uuid"
)

// IdentifierGroup is one normalized identifier value and the entities
// holding it. Groups with two or more entities propose candidate pairs.
type IdentifierGroup struct {
	IDType          models.IdentifierType
	NormalizedValue string
	EntityIDs       []string
}

// Store is the persistence surface the generator needs.
type Store interface {
	// ListIdentifierGroups returns normalized identifier values held by two
	// or more live entities of the kind.
	ListIdentifierGroups(ctx context.Context, kind models.EntityKind) ([]IdentifierGroup, error)
	// GetProfile returns the canonical view (entity + aliases + identifiers
	// visible through its redirect group) for scoring.
	GetProfile(ctx context.Context, entityID string) (*EntityProfile, error)
	// UpsertCandidate inserts the pair or refreshes score/details on an
	// existing open row. Closed rows (rejected, blocked, auto_merged,
	// accepted) are returned unchanged and never regress to open.
	UpsertCandidate(ctx context.Context, candidate *models.MatchCandidate) (*models.MatchCandidate, error)
}

// Generator runs the batch candidate pass: shared identifiers and
// address+name blocking keys propose pairs, the scorer prices them, and
// open candidates are upserted idempotently.
type Generator struct {
	store    Store
	scorer   *Scorer
	resolver *canonical.Resolver
	logger   ectologger.Logger
	minScore float64
}

func NewGenerator(store Store, scorer *Scorer, resolver *canonical.Resolver, logger ectologger.Logger, minScore float64) *Generator {
	return &Generator{
		store:    store,
		scorer:   scorer,
		resolver: resolver,
		logger:   logger,
		minScore: minScore,
	}
}

// Run executes one batch pass for a kind and returns the candidates that
// are open after the pass (new or re-scored). Per-pair failures are logged
// and skipped; they never abort the batch.
func (g *Generator) Run(ctx context.Context, kind models.EntityKind) ([]models.MatchCandidate, error) {
	ctx, span := tracing.StartSpan(ctx, "matching.Generator.Run")
	defer span.End()

	groups, err := g.store.ListIdentifierGroups(ctx, kind)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	var open []models.MatchCandidate

	for _, group := range groups {
		rule := ruleForGroup(group)
		for i := 0; i < len(group.EntityIDs); i++ {
			for j := i + 1; j < len(group.EntityIDs); j++ {
				candidate, err := g.processPair(ctx, kind, group.EntityIDs[i], group.EntityIDs[j], group, rule, seen)
				if err != nil {
					g.logger.WithContext(ctx).WithError(err).WithFields(map[string]interface{}{
						"entity_a": group.EntityIDs[i],
						"entity_b": group.EntityIDs[j],
						"rule":     rule,
					}).Warn("skipping candidate pair")
					continue
				}
				if candidate != nil && candidate.Status == models.CandidateStatusOpen {
					open = append(open, *candidate)
				}
			}
		}
	}

	g.logger.WithContext(ctx).WithFields(map[string]interface{}{
		"kind":       kind,
		"groups":     len(groups),
		"open_pairs": len(open),
	}).Info("candidate generation pass complete")

	return open, nil
}

// processPair resolves, scores, and upserts one proposed pair. Returns nil
// when the pair is skipped (self pair, same canonical group, weak address
// block, below minimum score, already handled this pass).
func (g *Generator) processPair(ctx context.Context, kind models.EntityKind, rawA, rawB string, group IdentifierGroup, rule string, seen map[string]bool) (*models.MatchCandidate, error) {
	idA, err := g.resolver.ResolveID(ctx, rawA)
	if err != nil {
		return nil, err
	}
	idB, err := g.resolver.ResolveID(ctx, rawB)
	if err != nil {
		return nil, err
	}
	if idA == idB {
		return nil, nil // already in the same canonical group
	}

	idA, idB = models.OrderPair(idA, idB)
	pairKey := idA + "|" + idB
	if seen[pairKey] {
		return nil, nil
	}
	seen[pairKey] = true

	profileA, err := g.store.GetProfile(ctx, idA)
	if err != nil {
		return nil, err
	}
	profileB, err := g.store.GetProfile(ctx, idB)
	if err != nil {
		return nil, err
	}

	// Address hashes are a weak block on their own; require overlapping
	// name tokens before proposing the pair.
	if group.IDType == models.IdentifierTypeAddressHash && !hasTokenOverlap(profileA.Aliases, profileB.Aliases) {
		return nil, nil
	}

	score, breakdown := g.scorer.Score(*profileA, *profileB)
	if score < g.minScore {
		return nil, nil
	}

	now := time.Now().UTC()
	candidate := &models.MatchCandidate{
		ID:         uuid.New().String(),
		Kind:       kind,
		EntityAID:  idA,
		EntityBID:  idB,
		MatchScore: score,
		Status:     models.CandidateStatusOpen,
		Rule:       rule,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	candidate.Details.Data = breakdown

	return g.store.UpsertCandidate(ctx, candidate)
}

func ruleForGroup(group IdentifierGroup) string {
	if group.IDType == models.IdentifierTypeAddressHash {
		return "shared_address_block"
	}
	return "shared_" + string(group.IDType)
}

// hasTokenOverlap reports whether any normalized name token appears on both
// sides.
func hasTokenOverlap(a, b []models.Alias) bool {
	tokens := make(map[string]bool)
	for _, alias := range a {
		for _, token := range strings.Fields(alias.NormalizedName) {
			tokens[token] = true
		}
	}
	for _, alias := range b {
		for _, token := range strings.Fields(alias.NormalizedName) {
			if tokens[token] {
				return true
			}
		}
	}
	return false
}
