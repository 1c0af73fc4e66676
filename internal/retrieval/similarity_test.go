package retrieval

import (
	"math"
	"math/rand/v2"
	"testing"
)

func TestCosine_Basics(t *testing.T) {
	tests := []struct {
		name string
		a, b []float32
		want float32
	}{
		{"identical", []float32{1, 2, 3}, []float32{1, 2, 3}, 1},
		{"opposite", []float32{1, 2, 3}, []float32{-1, -2, -3}, -1},
		{"orthogonal", []float32{1, 0}, []float32{0, 1}, 0},
		{"zero vector", []float32{0, 0}, []float32{1, 1}, 0},
		{"dimension mismatch", []float32{1, 2}, []float32{1, 2, 3}, 0},
		{"empty", nil, nil, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Cosine(tt.a, tt.b)
			if math.Abs(float64(got-tt.want)) > 1e-6 {
				t.Errorf("Cosine = %v, want %v", got, tt.want)
			}
		})
	}
}

// TestCosine_SymmetricAndBounded checks symmetry and the [-1, 1] range over
// random vectors.
func TestCosine_SymmetricAndBounded(t *testing.T) {
	rng := rand.New(rand.NewPCG(7, 11))
	for i := 0; i < 1000; i++ {
		dim := 1 + rng.IntN(64)
		a := make([]float32, dim)
		b := make([]float32, dim)
		for j := range a {
			a[j] = float32(rng.NormFloat64() * 10)
			b[j] = float32(rng.NormFloat64() * 10)
		}
		ab, ba := Cosine(a, b), Cosine(b, a)
		if ab != ba {
			t.Fatalf("Cosine not symmetric: %v vs %v", ab, ba)
		}
		if ab < -1 || ab > 1 {
			t.Fatalf("Cosine out of range: %v", ab)
		}
		if self := Cosine(a, a); math.Abs(float64(self-1)) > 1e-6 {
			t.Fatalf("Cosine(a, a) = %v, want 1", self)
		}
	}
}

func TestDotProductMatchesCosine(t *testing.T) {
	a := []float32{0.3, -0.2, 0.9}
	b := []float32{0.1, 0.4, 0.7}
	got := dotProduct(a, b, norm(a))
	if math.Abs(float64(got-Cosine(a, b))) > 1e-6 {
		t.Errorf("dotProduct = %v, Cosine = %v", got, Cosine(a, b))
	}
}
