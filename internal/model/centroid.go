package model

import (
	"fmt"
	"math"
	"sort"
	"sync"

	"gonum.org/v1/gonum/floats"

	apperrors "go-wanglab/internal/errors"
)

// NearestCentroid assigns the label whose class mean is closest. It can
// learn incrementally through PartialFit.
type NearestCentroid struct {
	mu        sync.RWMutex
	labels    []string
	centroids [][]float64
	counts    []int
	dim       int
}

func NewNearestCentroid() *NearestCentroid {
	return &NearestCentroid{}
}

func (m *NearestCentroid) Name() string { return "nearest_centroid" }

func (m *NearestCentroid) Fitted() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.centroids) > 0
}

// Fit discards any previous state and learns from X alone.
func (m *NearestCentroid) Fit(X [][]float64, labels []string) error {
	if err := validateLabelled(X, labels); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.labels, m.centroids, m.counts, m.dim = nil, nil, nil, len(X[0])
	m.update(X, labels)
	return nil
}

// PartialFit folds X into the running class means.
func (m *NearestCentroid) PartialFit(X [][]float64, labels []string) error {
	if err := validateLabelled(X, labels); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.centroids) == 0 {
		m.dim = len(X[0])
	} else if len(X[0]) != m.dim {
		return apperrors.NewValidationError(fmt.Sprintf("samples have %d features, model has %d", len(X[0]), m.dim), nil)
	}
	m.update(X, labels)
	return nil
}

func validateLabelled(X [][]float64, labels []string) error {
	if _, err := checkMatrix(X); err != nil {
		return err
	}
	return checkLabels(X, labels)
}

func (m *NearestCentroid) update(X [][]float64, labels []string) {
	for i, row := range X {
		c := sort.SearchStrings(m.labels, labels[i])
		if c == len(m.labels) || m.labels[c] != labels[i] {
			m.labels = append(m.labels, "")
			copy(m.labels[c+1:], m.labels[c:])
			m.labels[c] = labels[i]
			m.centroids = append(m.centroids, nil)
			copy(m.centroids[c+1:], m.centroids[c:])
			m.centroids[c] = make([]float64, m.dim)
			m.counts = append(m.counts, 0)
			copy(m.counts[c+1:], m.counts[c:])
			m.counts[c] = 0
		}
		m.counts[c]++
		n := float64(m.counts[c])
		for j, v := range row {
			m.centroids[c][j] += (v - m.centroids[c][j]) / n
		}
	}
}

// Centroid returns a copy of the mean for label.
func (m *NearestCentroid) Centroid(label string) ([]float64, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c := sort.SearchStrings(m.labels, label)
	if c == len(m.labels) || m.labels[c] != label {
		return nil, false
	}
	return append([]float64(nil), m.centroids[c]...), true
}

func (m *NearestCentroid) Predict(X [][]float64) ([]Prediction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if len(m.centroids) == 0 {
		return nil, unfitted(m.Name())
	}
	if err := checkInput(X, m.dim); err != nil {
		return nil, err
	}

	out := make([]Prediction, len(X))
	parallelRows(len(X), func(i int) {
		best, bestDist := 0, math.Inf(1)
		for c, centroid := range m.centroids {
			if d := floats.Distance(X[i], centroid, 2); d < bestDist {
				best, bestDist = c, d
			}
		}
		out[i] = Prediction{Label: m.labels[best], Cluster: NoCluster, Score: bestDist}
	})
	return out, nil
}
