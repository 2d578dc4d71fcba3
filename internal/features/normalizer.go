package features

import "math"

// minScale guards against division by a degenerate, near-constant feature.
// A feature with training variance below this is treated as scale 1 and
// contributes a pure offset.
const minScale = 1e-9

// Normalizer applies per-feature z-scoring: (x - mean) / scale. One-hot
// fields carry mean 0 and scale 1 and therefore pass through unchanged.
type Normalizer struct {
	Means  []float64
	Scales []float64
}

// NewNormalizer wraps statistics previously fitted and stored in a profile.
func NewNormalizer(means, scales []float64) *Normalizer {
	return &Normalizer{Means: means, Scales: scales}
}

// Fit computes mean and scale over the training matrix for the given
// continuous feature indices. All other indices get mean 0, scale 1.
func Fit(matrix [][]float64, continuous []int) *Normalizer {
	if len(matrix) == 0 {
		return &Normalizer{}
	}
	width := len(matrix[0])
	means := make([]float64, width)
	scales := make([]float64, width)
	for i := range scales {
		scales[i] = 1
	}

	n := float64(len(matrix))
	for _, idx := range continuous {
		var sum float64
		for _, row := range matrix {
			sum += row[idx]
		}
		mean := sum / n

		var varSum float64
		for _, row := range matrix {
			d := row[idx] - mean
			varSum += d * d
		}
		scale := math.Sqrt(varSum / n)
		if scale < minScale {
			scale = 1
		}

		means[idx] = mean
		scales[idx] = scale
	}

	return &Normalizer{Means: means, Scales: scales}
}

// Apply rescales a vector in place-safe fashion and returns the result.
func (no *Normalizer) Apply(v []float64) []float64 {
	if len(no.Means) != len(v) {
		// Width mismatch means the caller paired a vector with statistics
		// from a different profile version; pass through untouched.
		return v
	}
	out := make([]float64, len(v))
	for i := range v {
		out[i] = (v[i] - no.Means[i]) / no.Scales[i]
	}
	return out
}
