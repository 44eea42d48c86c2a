// Package distance provides the vector distance metrics supported by the
// engine. Every metric is exposed as a function where a smaller result means
// a closer match, so index traversal and result merging never branch on the
// metric.
package distance

import (
	"fmt"
	"math"
	"slices"
)

// Metric identifies the distance function of a namespace. It is fixed at
// namespace creation and persisted in the manifest.
type Metric uint8

const (
	// MetricL2 is squared Euclidean distance.
	MetricL2 Metric = iota
	// MetricCosine is cosine distance (1 - cosine similarity). Vectors are
	// L2-normalized on write and query so the kernel reduces to a dot
	// product.
	MetricCosine
	// MetricDot is negated inner product, for maximum inner product search.
	MetricDot
)

func (m Metric) String() string {
	switch m {
	case MetricL2:
		return "L2"
	case MetricCosine:
		return "Cosine"
	case MetricDot:
		return "Dot"
	default:
		return fmt.Sprintf("Unknown(%d)", uint8(m))
	}
}

// Valid reports whether m is a known metric.
func (m Metric) Valid() bool {
	return m <= MetricDot
}

// RequiresNormalization reports whether vectors must be L2-normalized before
// they are stored or compared under this metric.
func (m Metric) RequiresNormalization() bool {
	return m == MetricCosine
}

// Func computes the distance between two equal-length vectors. Smaller is
// closer for every metric.
type Func func(a, b []float32) float32

// Provider returns the distance function for the given metric.
func Provider(m Metric) (Func, error) {
	switch m {
	case MetricL2:
		return SquaredL2, nil
	case MetricCosine:
		return CosineDistance, nil
	case MetricDot:
		return NegativeDot, nil
	default:
		return nil, fmt.Errorf("unsupported metric: %v", m)
	}
}

// Dot calculates the dot product of two vectors.
// Assumes vectors are the same length (caller's responsibility).
func Dot(a, b []float32) float32 {
	var s0, s1, s2, s3 float32
	n := len(a) &^ 3
	for i := 0; i < n; i += 4 {
		s0 += a[i] * b[i]
		s1 += a[i+1] * b[i+1]
		s2 += a[i+2] * b[i+2]
		s3 += a[i+3] * b[i+3]
	}
	sum := s0 + s1 + s2 + s3
	for i := n; i < len(a); i++ {
		sum += a[i] * b[i]
	}
	return sum
}

// SquaredL2 calculates the squared L2 (Euclidean) distance between two
// vectors. Assumes vectors are the same length (caller's responsibility).
func SquaredL2(a, b []float32) float32 {
	var s0, s1, s2, s3 float32
	n := len(a) &^ 3
	for i := 0; i < n; i += 4 {
		d0 := a[i] - b[i]
		d1 := a[i+1] - b[i+1]
		d2 := a[i+2] - b[i+2]
		d3 := a[i+3] - b[i+3]
		s0 += d0 * d0
		s1 += d1 * d1
		s2 += d2 * d2
		s3 += d3 * d3
	}
	sum := s0 + s1 + s2 + s3
	for i := n; i < len(a); i++ {
		d := a[i] - b[i]
		sum += d * d
	}
	return sum
}

// CosineDistance returns 1 minus the cosine similarity of two vectors that
// are already L2-normalized.
func CosineDistance(a, b []float32) float32 {
	return 1 - Dot(a, b)
}

// NegativeDot returns the negated inner product, turning maximum inner
// product search into a minimization problem.
func NegativeDot(a, b []float32) float32 {
	return -Dot(a, b)
}

// Norm returns the L2 norm of v.
func Norm(v []float32) float32 {
	return float32(math.Sqrt(float64(Dot(v, v))))
}

// NormalizeL2InPlace L2-normalizes v in place.
// Returns false if v has zero L2 norm.
func NormalizeL2InPlace(v []float32) bool {
	if len(v) == 0 {
		return false
	}
	norm2 := Dot(v, v)
	if norm2 == 0 {
		return false
	}
	inv := 1 / float32(math.Sqrt(float64(norm2)))
	for i := range v {
		v[i] *= inv
	}
	return true
}

// NormalizeL2Copy returns a normalized copy of src.
// Returns false if src has zero L2 norm.
func NormalizeL2Copy(src []float32) ([]float32, bool) {
	dst := slices.Clone(src)
	if !NormalizeL2InPlace(dst) {
		return nil, false
	}
	return dst, true
}
