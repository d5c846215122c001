package distance

import (
	"fmt"
	"math"
	"strings"

	"github.com/viterin/vek/vek32"
)

// Func returns the distance between two equal-length vectors. Smaller is
// closer.
type Func func(a, b []float32) float32

func Dot(a, b []float32) float32 {
	if len(a) == 0 {
		return 0
	}
	return vek32.Dot(a, b)
}

// Euclidean is the L2 distance.
func Euclidean(a, b []float32) float32 {
	if len(a) == 0 {
		return 0
	}
	return vek32.Distance(a, b)
}

// SquaredL2 orders like Euclidean without the square root.
func SquaredL2(a, b []float32) float32 {
	var sum float32
	for i, x := range a {
		d := x - b[i]
		sum += d * d
	}
	return sum
}

// Cosine returns 1 - cos(a, b), clamped at 0. A zero vector is orthogonal
// to everything.
func Cosine(a, b []float32) float32 {
	if len(a) == 0 {
		return 1
	}
	sim := vek32.CosineSimilarity(a, b)
	if math.IsNaN(float64(sim)) {
		return 1
	}
	return max(0, 1-sim)
}

// NegativeDot is -dot(a, b), so larger inner products rank closer. It is
// not a metric: results are negative whenever the inner product is
// positive, and there is no zero floor, so an exact match does not score 0.
// The triangle inequality does not hold either. Results rank by cosine
// only for unit vectors.
func NegativeDot(a, b []float32) float32 {
	return -Dot(a, b)
}

// Metric names a built-in distance.
type Metric int

const (
	MetricL2 Metric = iota
	MetricSquaredL2
	MetricCosine
	MetricDot
)

type metricInfo struct {
	name    string
	aliases []string
	fn      Func
}

var metrics = [...]metricInfo{
	MetricL2:        {"l2", []string{"euclidean", ""}, Euclidean},
	MetricSquaredL2: {"squared_l2", []string{"l2sq"}, SquaredL2},
	MetricCosine:    {"cosine", nil, Cosine},
	MetricDot:       {"dot", []string{"ip"}, NegativeDot},
}

func (m Metric) valid() bool { return m >= 0 && int(m) < len(metrics) }

func (m Metric) String() string {
	if !m.valid() {
		return fmt.Sprintf("unknown(%d)", int(m))
	}
	return metrics[m].name
}

// ParseMetric accepts the names produced by String plus a few aliases.
// The empty string selects MetricL2.
func ParseMetric(s string) (Metric, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for i, info := range metrics {
		if s == info.name {
			return Metric(i), nil
		}
		for _, a := range info.aliases {
			if s == a {
				return Metric(i), nil
			}
		}
	}
	return 0, fmt.Errorf("unknown metric %q", s)
}

func (m Metric) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

func (m *Metric) UnmarshalText(b []byte) error {
	v, err := ParseMetric(string(b))
	if err != nil {
		return err
	}
	*m = v
	return nil
}

// Provider returns the Func for m.
func Provider(m Metric) (Func, error) {
	if !m.valid() {
		return nil, fmt.Errorf("unsupported metric: %v", m)
	}
	return metrics[m].fn, nil
}
