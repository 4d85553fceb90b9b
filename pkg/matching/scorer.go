package matching

import (
	"fmt"
	"math"

	"github.com/Ramsey-B/atlas/pkg/models"
)

// Weights configures the composite score. The three weights must sum to 1.0
// so the maximum achievable score is exactly 1.0.
type Weights struct {
	Identifier float64
	Name       float64
	Context    float64
}

// Validate checks the weights sum to 1.0 within floating point tolerance.
func (w Weights) Validate() error {
	sum := w.Identifier + w.Name + w.Context
	if math.Abs(sum-1.0) > 1e-9 {
		return fmt.Errorf("score weights must sum to 1.0, got %f", sum)
	}
	if w.Identifier < 0 || w.Name < 0 || w.Context < 0 {
		return fmt.Errorf("score weights must be non-negative")
	}
	return nil
}

// EntityProfile is everything the scorer needs about one side of a pair.
type EntityProfile struct {
	Entity      models.Entity
	Aliases     []models.Alias
	Identifiers []models.Identifier
}

// Scorer computes the composite match score for a candidate pair.
type Scorer struct {
	weights Weights
}

func NewScorer(weights Weights) *Scorer {
	return &Scorer{weights: weights}
}

// Score combines identifier agreement, best-pair name similarity, and the
// shared-address context boost. Returns the score and its breakdown.
func (s *Scorer) Score(a, b EntityProfile) (float64, models.ScoreBreakdown) {
	breakdown := models.ScoreBreakdown{}

	shared, sharedAddress := sharedIdentifiers(a.Identifiers, b.Identifiers)
	if len(shared) > 0 {
		breakdown.IdentifierOverlap = 1.0
		breakdown.SharedIdentifiers = shared
	}
	if sharedAddress {
		breakdown.ContextBoost = 1.0
	}

	breakdown.NameSimilarity, breakdown.BestAliasA, breakdown.BestAliasB = bestAliasPair(a.Aliases, b.Aliases)

	score := s.weights.Identifier*breakdown.IdentifierOverlap +
		s.weights.Name*breakdown.NameSimilarity +
		s.weights.Context*breakdown.ContextBoost

	return score, breakdown
}

// sharedIdentifiers returns the "type:value" keys present on both sides.
// Address hashes corroborate identity but do not identify it, so they count
// toward the context boost instead of identifier agreement.
func sharedIdentifiers(a, b []models.Identifier) ([]string, bool) {
	byKey := make(map[string]bool, len(a))
	addressesA := make(map[string]bool)
	for _, id := range a {
		if id.IDType == models.IdentifierTypeAddressHash {
			addressesA[id.NormalizedValue] = true
			continue
		}
		byKey[string(id.IDType)+":"+id.NormalizedValue] = true
	}

	var shared []string
	sharedAddress := false
	for _, id := range b {
		if id.IDType == models.IdentifierTypeAddressHash {
			if addressesA[id.NormalizedValue] {
				sharedAddress = true
			}
			continue
		}
		key := string(id.IDType) + ":" + id.NormalizedValue
		if byKey[key] {
			shared = append(shared, key)
			byKey[key] = false // report each shared key once
		}
	}

	return shared, sharedAddress
}

// bestAliasPair scores every alias pair and returns the best similarity
// with the raw names that produced it.
func bestAliasPair(a, b []models.Alias) (float64, string, string) {
	best := 0.0
	var bestA, bestB string
	for _, aliasA := range a {
		for _, aliasB := range b {
			score := NameSimilarity(aliasA.NormalizedName, aliasB.NormalizedName)
			if score > best {
				best = score
				bestA = aliasA.RawName
				bestB = aliasB.RawName
			}
		}
	}
	return best, bestA, bestB
}
