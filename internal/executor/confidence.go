package executor

import (
	"math"

	"github.com/imkarma/autofix/internal/store"
)

// DefaultConfidenceThreshold is the score below which a successful fix is
// routed to human review.
const DefaultConfidenceThreshold = 0.7

var classBase = map[store.Classification]float64{
	store.ClassSyntax:  0.95,
	store.ClassLogic:   0.75,
	store.ClassUnknown: 0.5,
}

var complexityFactor = map[store.Complexity]float64{
	store.ComplexitySimple:  1.0,
	store.ComplexityMedium:  0.8,
	store.ComplexityComplex: 0.6,
}

// ConfidenceScore estimates how likely a fix is correct. Each extra file
// touched costs 0.15 of the score. The result is in [0, 1], rounded to two
// decimals.
func ConfidenceScore(class store.Classification, complexity store.Complexity, files int) float64 {
	base, ok := classBase[class]
	if !ok {
		base = classBase[store.ClassUnknown]
	}
	cf, ok := complexityFactor[complexity]
	if !ok {
		cf = complexityFactor[store.ComplexityComplex]
	}
	if files < 1 {
		files = 1
	}
	ff := math.Max(0, 1-0.15*float64(files-1))

	score := math.Min(1, math.Max(0, base*cf*ff))
	return math.Round(score*100) / 100
}

// RequiresHumanReview reports whether a successful fix needs a human.
func RequiresHumanReview(score, threshold float64, files int) bool {
	return score < threshold || files > 1
}
