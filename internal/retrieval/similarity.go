package retrieval

import "math"

// Cosine returns the cosine similarity of a and b in [-1, 1]. It is symmetric,
// scores identical non-zero vectors 1.0, and returns 0 for mismatched
// dimensions or a zero-norm input.
func Cosine(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, aSq, bSq float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		aSq += float64(a[i]) * float64(a[i])
		bSq += float64(b[i]) * float64(b[i])
	}
	if aSq == 0 || bSq == 0 {
		return 0
	}
	return clamp(dot / (math.Sqrt(aSq) * math.Sqrt(bSq)))
}

func clamp(s float64) float32 {
	return float32(math.Max(-1, math.Min(1, s)))
}

// norm returns the L2 norm of a vector. Search precomputes it once per query.
func norm(v []float32) float32 {
	var sum float64
	for _, f := range v {
		sum += float64(f) * float64(f)
	}
	return float32(math.Sqrt(sum))
}

// dotProduct computes cosine similarity as dot(a,b) / (aNorm * bNorm), clamped
// to [-1, 1] against float rounding. aNorm is the precomputed L2 norm of a.
func dotProduct(a, b []float32, aNorm float32) float32 {
	if len(a) != len(b) || aNorm == 0 {
		return 0
	}
	var dot float64
	var bNormSq float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		bNormSq += float64(b[i]) * float64(b[i])
	}
	bNorm := math.Sqrt(bNormSq)
	if bNorm == 0 {
		return 0
	}
	return clamp(dot / (float64(aNorm) * bNorm))
}
