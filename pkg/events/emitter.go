// Package events handles event emission for merge lifecycle changes
package events

import (
	"context"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/Ramsey-B/atlas/pkg/kafka"
	"github.com/Ramsey-B/atlas/pkg/models"
	"github.com/Ramsey-B/atlas/pkg/tracing"
)

// SchemaVersion is the current event schema version
const SchemaVersion = "1.0"

// MergeEvent is the payload published for entity.merged and merge.reverted.
// Downstream consumers use it to invalidate cached canonical ids.
type MergeEvent struct {
	EventType     string            `json:"event_type"`
	SchemaVersion string            `json:"schema_version"`
	MergeID       string            `json:"merge_id"`
	Kind          models.EntityKind `json:"kind"`
	FromEntityID  string            `json:"from_entity_id"`
	IntoEntityID  string            `json:"into_entity_id"`
	Rule          string            `json:"rule"`
	MatchScore    float64           `json:"match_score"`
	Actor         string            `json:"actor"`
	Timestamp     time.Time         `json:"timestamp"`
}

// Emitter publishes merge lifecycle events
type Emitter struct {
	producer *kafka.Producer
	logger   ectologger.Logger
}

// NewEmitter creates a new event emitter
func NewEmitter(producer *kafka.Producer, logger ectologger.Logger) *Emitter {
	return &Emitter{
		producer: producer,
		logger:   logger,
	}
}

// EntityMerged emits an entity.merged event
func (e *Emitter) EntityMerged(ctx context.Context, merge *models.Merge) error {
	ctx, span := tracing.StartSpan(ctx, "events.Emitter.EntityMerged")
	defer span.End()

	event := e.buildEvent("entity.merged", merge, merge.Actor, merge.MergedAt)
	if err := e.producer.Publish(ctx, merge.IntoEntityID, event.EventType, event); err != nil {
		e.logger.WithContext(ctx).WithError(err).Error("Failed to emit entity.merged event")
		return err
	}
	return nil
}

// MergeReverted emits a merge.reverted event
func (e *Emitter) MergeReverted(ctx context.Context, merge *models.Merge) error {
	ctx, span := tracing.StartSpan(ctx, "events.Emitter.MergeReverted")
	defer span.End()

	actor := merge.Actor
	at := time.Now().UTC()
	if merge.RevertedBy != nil {
		actor = *merge.RevertedBy
	}
	if merge.RevertedAt != nil {
		at = *merge.RevertedAt
	}

	event := e.buildEvent("merge.reverted", merge, actor, at)
	if err := e.producer.Publish(ctx, merge.FromEntityID, event.EventType, event); err != nil {
		e.logger.WithContext(ctx).WithError(err).Error("Failed to emit merge.reverted event")
		return err
	}
	return nil
}

func (e *Emitter) buildEvent(eventType string, merge *models.Merge, actor string, at time.Time) *MergeEvent {
	return &MergeEvent{
		EventType:     eventType,
		SchemaVersion: SchemaVersion,
		MergeID:       merge.ID,
		Kind:          merge.Kind,
		FromEntityID:  merge.FromEntityID,
		IntoEntityID:  merge.IntoEntityID,
		Rule:          merge.Rule,
		MatchScore:    merge.MatchScore,
		Actor:         actor,
		Timestamp:     at,
	}
}
