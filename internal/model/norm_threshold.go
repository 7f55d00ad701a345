package model

import (
	"fmt"
	"sync"

	"gonum.org/v1/gonum/floats"

	apperrors "go-wanglab/internal/errors"
)

// NormThreshold labels a vector Below when its Euclidean norm is under
// Threshold and Above otherwise. It is usable as soon as it is built.
type NormThreshold struct {
	mu        sync.RWMutex
	threshold float64
	below     string
	above     string
}

// NewNormThreshold creates a ready-to-use rule classifier.
func NewNormThreshold(threshold float64, below, above string) *NormThreshold {
	return &NormThreshold{threshold: threshold, below: below, above: above}
}

func (m *NormThreshold) Name() string { return "norm_threshold" }

func (m *NormThreshold) Fitted() bool { return true }

// Threshold returns the current decision boundary.
func (m *NormThreshold) Threshold() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.threshold
}

// Fit learns the boundary from two labelled groups: the group with the
// smaller mean norm becomes Below and the threshold sits halfway between
// the two means.
func (m *NormThreshold) Fit(X [][]float64, labels []string) error {
	if _, err := checkMatrix(X); err != nil {
		return err
	}
	if err := checkLabels(X, labels); err != nil {
		return err
	}

	sums := map[string]float64{}
	counts := map[string]int{}
	var order []string
	for i, row := range X {
		if _, ok := counts[labels[i]]; !ok {
			order = append(order, labels[i])
		}
		sums[labels[i]] += floats.Norm(row, 2)
		counts[labels[i]]++
	}
	if len(order) != 2 {
		return apperrors.NewValidationError(fmt.Sprintf("norm threshold needs exactly 2 labels, got %d", len(order)), nil)
	}

	a, b := order[0], order[1]
	meanA, meanB := sums[a]/float64(counts[a]), sums[b]/float64(counts[b])
	if meanB < meanA {
		a, b = b, a
		meanA, meanB = meanB, meanA
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.below, m.above = a, b
	m.threshold = (meanA + meanB) / 2
	return nil
}

func (m *NormThreshold) Predict(X [][]float64) ([]Prediction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Prediction, len(X))
	for i, row := range X {
		norm := floats.Norm(row, 2)
		label := m.above
		if norm < m.threshold {
			label = m.below
		}
		out[i] = Prediction{Label: label, Cluster: NoCluster, Score: norm}
	}
	return out, nil
}
