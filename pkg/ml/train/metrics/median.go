// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package metrics

import (
	"math/rand/v2"
	"slices"

	"github.com/gomlx/trainkit/pkg/core/tensors"
)

// StreamingMedianMetric implements a metric that keeps an approximate median of the per-example
// values, using reservoir sampling.
type StreamingMedianMetric struct {
	baseMetric
	maxNumSamples, samplesSeen int
	samples                    []float64
	rng                        *rand.Rand
}

// NewMedianMetric creates a streaming median metric from any BatchMetricFn.
//
// `prettyPrintFn` can be left as nil, and a default will be used.
func NewMedianMetric(name, shortName, metricType string, metricFn BatchMetricFn, prettyPrintFn PrettyPrintFn) *StreamingMedianMetric {
	return &StreamingMedianMetric{
		baseMetric: baseMetric{
			name:       name,
			shortName:  shortName,
			metricType: metricType,
			metricFn:   metricFn,
			pPrintFn:   prettyPrintFn,
		},
		maxNumSamples: 10_001,
		rng:           rand.New(rand.NewPCG(uint64(len(name)), 0x6d656469616e)),
	}
}

// WithSampleSize configures the default number of random samples to keep to estimate the median.
func (m *StreamingMedianMetric) WithSampleSize(n int) *StreamingMedianMetric {
	m.maxNumSamples = n
	return m
}

// Update implements Interface.
func (m *StreamingMedianMetric) Update(predictions, labels *tensors.Tensor) error {
	values, err := m.values(predictions, labels)
	if err != nil {
		return err
	}
	for _, x := range values {
		m.samplesSeen++

		// Simple case: we have space to simply store the new sampled x.
		if len(m.samples) < m.maxNumSamples {
			m.samples = append(m.samples, x)
			continue
		}

		// We must decide whether to keep x:
		if m.rng.Float64() >= float64(m.maxNumSamples)/float64(m.samplesSeen) {
			continue
		}
		// We replace the new sampled x in a random position.
		m.samples[m.rng.IntN(m.maxNumSamples)] = x
	}
	return nil
}

// Result implements Interface. It returns 0 if no samples were seen.
func (m *StreamingMedianMetric) Result() float64 {
	if len(m.samples) == 0 {
		return 0
	}
	sorted := slices.Clone(m.samples)
	slices.Sort(sorted)
	return sorted[len(sorted)/2]
}

// Reset implements Interface.
func (m *StreamingMedianMetric) Reset() {
	m.samples = m.samples[:0]
	m.samplesSeen = 0
}
