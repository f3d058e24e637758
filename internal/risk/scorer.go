// Package risk implements the broker's pure, deterministic risk
// scorer (spec.md C5): cartridge-supplied risk inputs map to a
// numeric score, a category, and a human-readable factor list for the
// decision trace.
package risk

import "github.com/execguard/broker/internal/store"

// Category is the closed set of risk categories the scorer emits.
type Category string

const (
	CategoryLow      Category = "low"
	CategoryMedium   Category = "medium"
	CategoryHigh     Category = "high"
	CategoryCritical Category = "critical"
)

// Input mirrors the cartridge-supplied risk input (spec.md §4.5/§6).
type Input struct {
	BaseRisk      string // none | low | medium | high | critical
	DollarsAtRisk float64
	BlastRadius   int
	Reversibility string // full | partial | none
	EntityVolatile   bool
	LearningPhase    bool
	RecentlyModified bool
}

// Factor is one weighted contribution to the final score.
type Factor struct {
	Name        string
	Contribution float64
}

// Output is the scorer's result (spec.md §4.5).
type Output struct {
	RawScore float64
	Category Category
	Factors  []Factor
}

// Weights configures the scorer; defaults are seeded by NewWeights.
type Weights struct {
	BaseRisk      map[string]float64
	DollarsAtRiskPerUnit float64 // points per unit of DollarsAtRisk, pre-clamped
	DollarsAtRiskCap     float64 // max contribution from DollarsAtRisk
	BlastRadiusPerUnit   float64
	BlastRadiusCap       float64
	Reversibility map[string]float64
	EntityVolatile   float64
	LearningPhase    float64
	RecentlyModified float64

	// Category cut points: score < LowMax -> low, < MediumMax -> medium,
	// < HighMax -> high, else critical.
	LowMax    float64
	MediumMax float64
	HighMax   float64
}

// DefaultWeights is calibrated so a {baseRisk:low, exposure:{10,1},
// reversibility:full} input lands in "low" (scenario S1) and a
// {baseRisk:high, exposure:{10,1}, reversibility:full} input lands
// near a score of 56 in "medium" (scenario S2). Category boundaries
// are a fixed monotone cut, per spec.md §4.5 — the specific numbers
// are this deployment's choice, not a mandated constant.
func DefaultWeights() Weights {
	return Weights{
		BaseRisk: map[string]float64{
			"none": 0, "low": 15, "medium": 35, "high": 56, "critical": 78,
		},
		DollarsAtRiskPerUnit: 0.01,
		DollarsAtRiskCap:     20,
		BlastRadiusPerUnit:   2,
		BlastRadiusCap:       10,
		Reversibility: map[string]float64{
			"full": 0, "partial": 8, "none": 15,
		},
		EntityVolatile:   5,
		LearningPhase:    5,
		RecentlyModified: 5,
		LowMax:           20,
		MediumMax:        60,
		HighMax:          80,
	}
}

// Scorer computes Score given a fixed Weights config; it is pure and
// deterministic (spec.md §4.5).
type Scorer struct {
	weights Weights
}

func NewScorer(weights Weights) *Scorer { return &Scorer{weights: weights} }

func NewDefaultScorer() *Scorer { return &Scorer{weights: DefaultWeights()} }

// Score maps in to a numeric score, category, and factor breakdown.
func (s *Scorer) Score(in Input) Output {
	var factors []Factor
	var total float64

	base := s.weights.BaseRisk[in.BaseRisk]
	factors = append(factors, Factor{Name: "baseRisk:" + in.BaseRisk, Contribution: base})
	total += base

	dollars := in.DollarsAtRisk * s.weights.DollarsAtRiskPerUnit
	if dollars > s.weights.DollarsAtRiskCap {
		dollars = s.weights.DollarsAtRiskCap
	}
	factors = append(factors, Factor{Name: "exposure.dollarsAtRisk", Contribution: dollars})
	total += dollars

	blast := float64(in.BlastRadius) * s.weights.BlastRadiusPerUnit
	if blast > s.weights.BlastRadiusCap {
		blast = s.weights.BlastRadiusCap
	}
	factors = append(factors, Factor{Name: "exposure.blastRadius", Contribution: blast})
	total += blast

	rev := s.weights.Reversibility[in.Reversibility]
	factors = append(factors, Factor{Name: "reversibility:" + in.Reversibility, Contribution: rev})
	total += rev

	if in.EntityVolatile {
		factors = append(factors, Factor{Name: "sensitivity.entityVolatile", Contribution: s.weights.EntityVolatile})
		total += s.weights.EntityVolatile
	}
	if in.LearningPhase {
		factors = append(factors, Factor{Name: "sensitivity.learningPhase", Contribution: s.weights.LearningPhase})
		total += s.weights.LearningPhase
	}
	if in.RecentlyModified {
		factors = append(factors, Factor{Name: "sensitivity.recentlyModified", Contribution: s.weights.RecentlyModified})
		total += s.weights.RecentlyModified
	}

	if total > 100 {
		total = 100
	}
	if total < 0 {
		total = 0
	}

	return Output{RawScore: total, Category: s.categoryFor(total), Factors: factors}
}

func (s *Scorer) categoryFor(score float64) Category {
	switch {
	case score < s.weights.LowMax:
		return CategoryLow
	case score < s.weights.MediumMax:
		return CategoryMedium
	case score < s.weights.HighMax:
		return CategoryHigh
	default:
		return CategoryCritical
	}
}

// FromCartridgeInput adapts the store-level RiskInput (as returned by
// a Cartridge's GetRiskInput) to this package's Input.
func FromCartridgeInput(ri store.RiskInput) Input {
	return Input{
		BaseRisk:         ri.BaseRisk,
		DollarsAtRisk:    ri.DollarsAtRisk,
		BlastRadius:      ri.BlastRadius,
		Reversibility:    ri.Reversibility,
		EntityVolatile:   ri.EntityVolatile,
		LearningPhase:    ri.LearningPhase,
		RecentlyModified: ri.RecentlyModified,
	}
}
