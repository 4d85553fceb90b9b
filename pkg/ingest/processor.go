// Package ingest turns typed observations into entities, aliases, and
// identifiers, then kicks the matching pass for the kinds it touched.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/Ramsey-B/atlas/pkg/canonical"
	"github.com/Ramsey-B/atlas/pkg/models"
	"github.com/Ramsey-B/atlas/pkg/normalize"
	"github.com/Ramsey-B/atlas/pkg/tracing"
	"github.com/google/uuid"
)

// Store is the persistence surface for ingestion writes.
type Store interface {
	CreateEntity(ctx context.Context, entity *models.Entity) error
	// UpsertAlias inserts or bumps last_seen_at on (entity, normalized name,
	// source).
	UpsertAlias(ctx context.Context, alias *models.Alias) error
	// UpsertIdentifier inserts or bumps last_seen_at on (entity, type,
	// normalized value).
	UpsertIdentifier(ctx context.Context, identifier *models.Identifier) error
}

// Matcher runs a candidate generation pass for one kind.
type Matcher interface {
	Run(ctx context.Context, kind models.EntityKind) ([]models.MatchCandidate, error)
}

// Evaluator applies automatic decisions to freshly generated candidates.
type Evaluator interface {
	EvaluateAll(ctx context.Context, candidates []models.MatchCandidate)
}

// Processor handles observation batches from both the Kafka consumer and
// the synchronous HTTP path.
type Processor struct {
	store          Store
	resolver       *canonical.Resolver
	canonicalizer  normalize.AddressCanonicalizer
	nameNormalizer normalize.Normalizer
	matcher        Matcher
	evaluator      Evaluator
	logger         ectologger.Logger
	sourceTiers    map[string]models.ConfidenceTier
	defaultTier    models.ConfidenceTier
}

// NewProcessor builds a Processor. A nil nameNormalizer falls back to
// normalize.NormalizeName; deployments override it with a registry chain.
func NewProcessor(
	store Store,
	resolver *canonical.Resolver,
	canonicalizer normalize.AddressCanonicalizer,
	nameNormalizer normalize.Normalizer,
	matcher Matcher,
	evaluator Evaluator,
	logger ectologger.Logger,
	sourceTiers map[string]models.ConfidenceTier,
) *Processor {
	if nameNormalizer == nil {
		nameNormalizer = normalize.NormalizeName
	}
	return &Processor{
		store:          store,
		resolver:       resolver,
		canonicalizer:  canonicalizer,
		nameNormalizer: nameNormalizer,
		matcher:        matcher,
		evaluator:      evaluator,
		logger:         logger,
		sourceTiers:    sourceTiers,
		defaultTier:    models.ConfidenceMedium,
	}
}

// ProcessBatch ingests a batch of observations. Per-observation failures
// are logged and counted, never fatal to the batch. After the writes, a
// matching pass runs for every kind the batch touched.
func (p *Processor) ProcessBatch(ctx context.Context, observations []models.Observation) *models.ObservationBatchResponse {
	ctx, span := tracing.StartSpan(ctx, "ingest.Processor.ProcessBatch")
	defer span.End()

	response := &models.ObservationBatchResponse{}
	kinds := make(map[models.EntityKind]bool)

	for i := range observations {
		if err := p.processObservation(ctx, &observations[i]); err != nil {
			response.Dropped++
			response.Errors = append(response.Errors, err.Error())
			p.logger.WithContext(ctx).WithError(err).WithFields(map[string]interface{}{
				"kind":   observations[i].Kind,
				"source": observations[i].Source,
			}).Warn("observation dropped")
			continue
		}
		response.Accepted++
		kinds[observations[i].Kind] = true
	}

	for kind := range kinds {
		p.runMatching(ctx, kind)
	}

	return response
}

func (p *Processor) processObservation(ctx context.Context, obs *models.Observation) error {
	if !models.ValidEntityKind(obs.Kind) {
		return fmt.Errorf("unknown entity kind %q", obs.Kind)
	}

	observedAt := obs.ObservedAt
	if observedAt.IsZero() {
		observedAt = time.Now().UTC()
	}

	entityID, err := p.targetEntity(ctx, obs, observedAt)
	if err != nil {
		return err
	}

	normalizedName := p.nameNormalizer(obs.RawName)
	if normalizedName != "" {
		alias := &models.Alias{
			ID:             uuid.New().String(),
			EntityID:       entityID,
			RawName:        obs.RawName,
			NormalizedName: normalizedName,
			Source:         obs.Source,
			FirstSeenAt:    observedAt,
			LastSeenAt:     observedAt,
		}
		if err := p.store.UpsertAlias(ctx, alias); err != nil {
			return err
		}
	}

	tier := p.tierForSource(obs.Source)

	for _, observed := range obs.Identifiers {
		normalized, err := normalize.Identifier(observed.IDType, observed.RawValue)
		if err != nil {
			// Malformed identifiers are dropped, not fatal.
			if errors.Is(err, normalize.ErrUnnormalizable) {
				p.logger.WithContext(ctx).WithError(err).WithField("id_type", observed.IDType).Debug("dropping unnormalizable identifier")
				continue
			}
			return err
		}
		if err := p.upsertIdentifier(ctx, entityID, observed.IDType, observed.RawValue, normalized, tier, obs.Source, observedAt); err != nil {
			return err
		}
	}

	if obs.RawAddress != "" {
		hash, err := p.canonicalizer.Canonicalize(obs.RawAddress)
		if err != nil {
			if errors.Is(err, normalize.ErrUnnormalizable) {
				p.logger.WithContext(ctx).WithError(err).Debug("dropping unnormalizable address")
				return nil
			}
			return err
		}
		if err := p.upsertIdentifier(ctx, entityID, models.IdentifierTypeAddressHash, obs.RawAddress, hash, tier, obs.Source, observedAt); err != nil {
			return err
		}
	}

	return nil
}

// targetEntity resolves the observation's entity through the redirect
// forest, or creates a fresh entity when none was named.
func (p *Processor) targetEntity(ctx context.Context, obs *models.Observation, observedAt time.Time) (string, error) {
	if obs.EntityID != "" {
		return p.resolver.ResolveID(ctx, obs.EntityID)
	}

	entity := &models.Entity{
		ID:          uuid.New().String(),
		Kind:        obs.Kind,
		DisplayName: obs.RawName,
		CreatedAt:   observedAt,
		UpdatedAt:   observedAt,
	}
	if err := p.store.CreateEntity(ctx, entity); err != nil {
		return "", err
	}
	return entity.ID, nil
}

func (p *Processor) upsertIdentifier(ctx context.Context, entityID string, idType models.IdentifierType, raw, normalized string, tier models.ConfidenceTier, source string, observedAt time.Time) error {
	identifier := &models.Identifier{
		ID:              uuid.New().String(),
		EntityID:        entityID,
		IDType:          idType,
		RawValue:        raw,
		NormalizedValue: normalized,
		Confidence:      tier,
		Source:          source,
		FirstSeenAt:     observedAt,
		LastSeenAt:      observedAt,
	}
	return p.store.UpsertIdentifier(ctx, identifier)
}

func (p *Processor) tierForSource(source string) models.ConfidenceTier {
	if tier, ok := p.sourceTiers[source]; ok {
		return tier
	}
	return p.defaultTier
}

func (p *Processor) runMatching(ctx context.Context, kind models.EntityKind) {
	if p.matcher == nil {
		return
	}
	open, err := p.matcher.Run(ctx, kind)
	if err != nil {
		p.logger.WithContext(ctx).WithError(err).WithField("kind", kind).Error("matching pass failed")
		return
	}
	if p.evaluator != nil {
		p.evaluator.EvaluateAll(ctx, open)
	}
}
