package graph

import (
	"context"

	"github.com/Gobusters/ectologger"
	"github.com/Ramsey-B/atlas/pkg/models"
	"github.com/Ramsey-B/atlas/pkg/tracing"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

// Projection maintains the canonical read model: one node per live entity,
// relationship edges between canonical ids. Merges tombstone the losing
// node and repoint its edges; reverts bring the node back. The projection
// is read-only for consumers and rebuildable from Postgres.
type Projection struct {
	client *Client
	logger ectologger.Logger
}

func NewProjection(client *Client, logger ectologger.Logger) *Projection {
	return &Projection{
		client: client,
		logger: logger,
	}
}

// nodeLabel maps an entity kind to its node label.
func nodeLabel(kind models.EntityKind) string {
	switch kind {
	case models.EntityKindPerson:
		return "Person"
	case models.EntityKindCat:
		return "Cat"
	case models.EntityKindPlace:
		return "Place"
	}
	return "Entity"
}

// UpsertEntity creates or refreshes the node for a live entity.
func (p *Projection) UpsertEntity(ctx context.Context, entity *models.Entity) error {
	ctx, span := tracing.StartSpan(ctx, "graph.Projection.UpsertEntity")
	defer span.End()

	cypher := `
		MERGE (e:` + nodeLabel(entity.Kind) + ` {id: $id})
		SET e.display_name = $display_name,
		    e.merged = false,
		    e.updated_at = $updated_at`

	_, err := p.client.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		return tx.Run(ctx, cypher, map[string]any{
			"id":           entity.ID,
			"display_name": entity.DisplayName,
			"updated_at":   entity.UpdatedAt.UTC().Format("2006-01-02T15:04:05Z"),
		})
	})
	if err != nil {
		p.logger.WithContext(ctx).WithError(err).WithField("entity_id", entity.ID).Error("Failed to upsert graph node")
		return err
	}
	return nil
}

// RepointEntity tombstones the losing node and moves its edges onto the
// winner. Satisfies the merge executor's projector hook.
func (p *Projection) RepointEntity(ctx context.Context, kind models.EntityKind, fromID, intoID string) error {
	ctx, span := tracing.StartSpan(ctx, "graph.Projection.RepointEntity")
	defer span.End()

	label := nodeLabel(kind)
	cypher := `
		MATCH (from:` + label + ` {id: $from_id})
		MATCH (into:` + label + ` {id: $into_id})
		SET from.merged = true, from.merged_into = $into_id
		WITH from, into
		OPTIONAL MATCH (from)-[r:RELATES_TO]->(other)
		WHERE other.id <> $into_id
		FOREACH (_ IN CASE WHEN r IS NULL THEN [] ELSE [1] END |
			MERGE (into)-[nr:RELATES_TO {type: r.type}]->(other)
			DELETE r
		)`

	_, err := p.client.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		return tx.Run(ctx, cypher, map[string]any{
			"from_id": fromID,
			"into_id": intoID,
		})
	})
	if err != nil {
		p.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"from": fromID,
			"into": intoID,
		}).Error("Failed to repoint graph node")
		return err
	}
	return nil
}

// RestoreEntity clears the tombstone after a revert. Edges stay where the
// merge moved them, mirroring the relational revert semantics.
func (p *Projection) RestoreEntity(ctx context.Context, kind models.EntityKind, id string) error {
	ctx, span := tracing.StartSpan(ctx, "graph.Projection.RestoreEntity")
	defer span.End()

	cypher := `
		MATCH (e:` + nodeLabel(kind) + ` {id: $id})
		SET e.merged = false
		REMOVE e.merged_into`

	_, err := p.client.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		return tx.Run(ctx, cypher, map[string]any{"id": id})
	})
	if err != nil {
		p.logger.WithContext(ctx).WithError(err).WithField("entity_id", id).Error("Failed to restore graph node")
		return err
	}
	return nil
}

// LinkEntities creates a relationship edge between two canonical entities.
func (p *Projection) LinkEntities(ctx context.Context, kind models.EntityKind, fromID, toID, relType string) error {
	ctx, span := tracing.StartSpan(ctx, "graph.Projection.LinkEntities")
	defer span.End()

	label := nodeLabel(kind)
	cypher := `
		MATCH (from:` + label + ` {id: $from_id})
		MATCH (to {id: $to_id})
		MERGE (from)-[:RELATES_TO {type: $type}]->(to)`

	_, err := p.client.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		return tx.Run(ctx, cypher, map[string]any{
			"from_id": fromID,
			"to_id":   toID,
			"type":    relType,
		})
	})
	if err != nil {
		p.logger.WithContext(ctx).WithError(err).Error("Failed to link graph nodes")
		return err
	}
	return nil
}
