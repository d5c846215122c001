// Package distance provides vector distance strategies.
//
// The index never hardcodes a metric: callers pick a [Func] (directly or via
// [Provider]) and inject it. Kernels are backed by github.com/viterin/vek,
// which dispatches to AVX2 where available and pure Go elsewhere.
//
// # Supported Metrics
//
//   - MetricL2: Euclidean distance (default)
//   - MetricSquaredL2: Squared Euclidean distance
//   - MetricCosine: 1 - cosine similarity
//   - MetricDot: negated dot product (normalized inputs only)
//
// # Usage
//
//	fn, _ := distance.Provider(distance.MetricL2)
//	d := fn(a, b)
package distance
