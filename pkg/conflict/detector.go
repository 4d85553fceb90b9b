// Package conflict detects hard conflicts between candidate pairs: same-type
// high-confidence identifiers with disjoint values forbid auto-merge.
package conflict

import (
	"github.com/Ramsey-B/atlas/pkg/models"
)

// Conflict describes one conflicting identifier type between a pair.
type Conflict struct {
	IDType  models.IdentifierType `json:"id_type"`
	ValuesA []string              `json:"values_a"`
	ValuesB []string              `json:"values_b"`
}

// Detector computes conflicts fresh at decision time. Results are never
// cached; identifiers may have changed since the candidate was scored.
type Detector struct{}

func NewDetector() *Detector {
	return &Detector{}
}

// Detect returns the hard conflicts between two identifier sets. A type is
// in conflict when both sides hold high-confidence identifiers of that type
// and the two high-confidence value sets are disjoint. The rule is scoped
// per type: differing emails alone never conflict with matching phones.
func (d *Detector) Detect(a, b []models.Identifier) []Conflict {
	highA := highConfidenceByType(a)
	highB := highConfidenceByType(b)

	var conflicts []Conflict
	for idType, valuesA := range highA {
		valuesB, ok := highB[idType]
		if !ok {
			continue
		}
		if intersects(valuesA, valuesB) {
			continue
		}
		conflicts = append(conflicts, Conflict{
			IDType:  idType,
			ValuesA: keys(valuesA),
			ValuesB: keys(valuesB),
		})
	}

	return conflicts
}

// HasConflict reports whether any identifier type is in hard conflict.
func (d *Detector) HasConflict(a, b []models.Identifier) bool {
	return len(d.Detect(a, b)) > 0
}

func highConfidenceByType(identifiers []models.Identifier) map[models.IdentifierType]map[string]bool {
	result := make(map[models.IdentifierType]map[string]bool)
	for _, id := range identifiers {
		if id.Confidence != models.ConfidenceHigh {
			continue
		}
		if result[id.IDType] == nil {
			result[id.IDType] = make(map[string]bool)
		}
		result[id.IDType][id.NormalizedValue] = true
	}
	return result
}

func intersects(a, b map[string]bool) bool {
	for v := range a {
		if b[v] {
			return true
		}
	}
	return false
}

func keys(m map[string]bool) []string {
	result := make([]string, 0, len(m))
	for v := range m {
		result = append(result, v)
	}
	return result
}
