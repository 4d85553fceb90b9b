package models

import (
	"time"
)

// EntityKind identifies which real-world population an entity belongs to.
// Entities only ever merge within a kind.
type EntityKind string

const (
	EntityKindPerson EntityKind = "person"
	EntityKindCat    EntityKind = "cat"
	EntityKindPlace  EntityKind = "place"
)

// ValidEntityKind reports whether the given kind is one we store.
func ValidEntityKind(kind EntityKind) bool {
	switch kind {
	case EntityKindPerson, EntityKindCat, EntityKindPlace:
		return true
	}
	return false
}

// Entity is a person, cat, or place record subject to deduplication.
// MergedInto forms a forest: following it always terminates at a live
// canonical entity. Merged entities are tombstones, never deleted.
type Entity struct {
	ID          string     `json:"id" db:"id"`
	Kind        EntityKind `json:"kind" db:"kind"`
	DisplayName string     `json:"display_name" db:"display_name"`
	MergedInto  *string    `json:"merged_into,omitempty" db:"merged_into"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at" db:"updated_at"`
}

// IsMerged returns true if this entity has been merged away into another.
func (e *Entity) IsMerged() bool {
	return e.MergedInto != nil && *e.MergedInto != ""
}

// Alias is one raw name string observed for an entity, with its normalized
// comparison key. Ownership never transfers on merge.
type Alias struct {
	ID             string    `json:"id" db:"id"`
	EntityID       string    `json:"entity_id" db:"entity_id"`
	RawName        string    `json:"raw_name" db:"raw_name"`
	NormalizedName string    `json:"normalized_name" db:"normalized_name"`
	Source         string    `json:"source" db:"source"`
	FirstSeenAt    time.Time `json:"first_seen_at" db:"first_seen_at"`
	LastSeenAt     time.Time `json:"last_seen_at" db:"last_seen_at"`
}

// IdentifierType is the kind of external identifier attached to an entity.
type IdentifierType string

const (
	IdentifierTypeEmail       IdentifierType = "email"
	IdentifierTypePhone       IdentifierType = "phone"
	IdentifierTypeMicrochip   IdentifierType = "microchip"
	IdentifierTypeAddressHash IdentifierType = "address_hash"
)

// ValidIdentifierType reports whether the given type is one we normalize.
func ValidIdentifierType(t IdentifierType) bool {
	switch t {
	case IdentifierTypeEmail, IdentifierTypePhone, IdentifierTypeMicrochip, IdentifierTypeAddressHash:
		return true
	}
	return false
}

// ConfidenceTier expresses how much we trust an identifier, inherited from
// the source that supplied it.
type ConfidenceTier string

const (
	ConfidenceHigh   ConfidenceTier = "high"
	ConfidenceMedium ConfidenceTier = "medium"
	ConfidenceLow    ConfidenceTier = "low"
)

// Identifier is a typed, normalized external identifier owned by one entity.
// Two entities holding same-type, different-value identifiers at high
// confidence are in conflict and must never auto-merge.
type Identifier struct {
	ID              string         `json:"id" db:"id"`
	EntityID        string         `json:"entity_id" db:"entity_id"`
	IDType          IdentifierType `json:"id_type" db:"id_type"`
	RawValue        string         `json:"raw_value" db:"raw_value"`
	NormalizedValue string         `json:"normalized_value" db:"normalized_value"`
	Confidence      ConfidenceTier `json:"confidence" db:"confidence"`
	Source          string         `json:"source" db:"source"`
	FirstSeenAt     time.Time      `json:"first_seen_at" db:"first_seen_at"`
	LastSeenAt      time.Time      `json:"last_seen_at" db:"last_seen_at"`
}

// EntityView is the canonical read model for an entity: the entity itself
// plus every alias and identifier visible through its redirect group.
type EntityView struct {
	Entity      Entity       `json:"entity"`
	CanonicalID string       `json:"canonical_id"`
	Aliases     []Alias      `json:"aliases"`
	Identifiers []Identifier `json:"identifiers"`
}
