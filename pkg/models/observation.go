package models

import (
	"time"
)

// ObservedIdentifier is one raw identifier value as seen at the source,
// before normalization.
type ObservedIdentifier struct {
	IDType   IdentifierType `json:"id_type" validate:"required,oneof=email phone microchip address_hash"`
	RawValue string         `json:"raw_value" validate:"required"`
}

// Observation is the strongly-typed intermediate representation for one
// ingested record. Fuzzy source payloads are mapped into this shape before
// anything downstream touches them, so schema drift stays at the edge.
type Observation struct {
	Kind        EntityKind           `json:"kind" validate:"required,oneof=person cat place"`
	EntityID    string               `json:"entity_id" validate:"omitempty,uuid"`
	RawName     string               `json:"raw_name" validate:"required"`
	Identifiers []ObservedIdentifier `json:"identifiers" validate:"dive"`
	RawAddress  string               `json:"raw_address,omitempty"`
	Source      string               `json:"source" validate:"required"`
	ObservedAt  time.Time            `json:"observed_at"`
}

// ObservationBatchRequest is the synchronous ingestion request body. The
// Kafka path decodes into the same Observation shape.
type ObservationBatchRequest struct {
	Observations []Observation `json:"observations" validate:"required,min=1,dive"`
}

// ObservationBatchResponse reports per-batch ingestion counts.
type ObservationBatchResponse struct {
	Accepted int      `json:"accepted"`
	Dropped  int      `json:"dropped"`
	Errors   []string `json:"errors,omitempty"`
}

// CanonicalResponse is the resolveCanonical response payload.
type CanonicalResponse struct {
	RequestedID string     `json:"requested_id"`
	CanonicalID string     `json:"canonical_id"`
	Kind        EntityKind `json:"kind"`
}
