package model

import (
	"sort"
	"sync"

	"gonum.org/v1/gonum/floats"

	apperrors "go-wanglab/internal/errors"
)

// KNN is a k-nearest-neighbour classifier over string labels.
type KNN struct {
	mu     sync.RWMutex
	k      int
	x      [][]float64
	labels []string
	dim    int
}

// NewKNN creates an unfitted classifier voting over k neighbours.
func NewKNN(k int) (*KNN, error) {
	if k < 1 {
		return nil, apperrors.NewInvalidConfigError("knn needs k >= 1", nil)
	}
	return &KNN{k: k}, nil
}

func (m *KNN) Name() string { return "knn" }

func (m *KNN) Fitted() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.x != nil
}

// Fit stores a copy of the training set.
func (m *KNN) Fit(X [][]float64, labels []string) error {
	d, err := checkMatrix(X)
	if err != nil {
		return err
	}
	if err := checkLabels(X, labels); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.x = cloneMatrix(X)
	m.labels = append([]string(nil), labels...)
	m.dim = d
	return nil
}

func (m *KNN) Predict(X [][]float64) ([]Prediction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.x == nil {
		return nil, unfitted(m.Name())
	}
	if err := checkInput(X, m.dim); err != nil {
		return nil, err
	}

	out := make([]Prediction, len(X))
	parallelRows(len(X), func(i int) {
		out[i] = m.predictOne(X[i])
	})
	return out, nil
}

type neighbour struct {
	dist  float64
	index int
}

// predictOne takes a majority vote over the k nearest samples. Ties go to
// the label whose nearest member is closest.
func (m *KNN) predictOne(xi []float64) Prediction {
	nbrs := make([]neighbour, len(m.x))
	for j, xj := range m.x {
		nbrs[j] = neighbour{dist: floats.Distance(xi, xj, 2), index: j}
	}
	sort.Slice(nbrs, func(a, b int) bool {
		if nbrs[a].dist != nbrs[b].dist {
			return nbrs[a].dist < nbrs[b].dist
		}
		return nbrs[a].index < nbrs[b].index
	})
	k := min(m.k, len(nbrs))

	votes := map[string]int{}
	first := map[string]int{}
	for rank, n := range nbrs[:k] {
		l := m.labels[n.index]
		if _, seen := votes[l]; !seen {
			first[l] = rank
		}
		votes[l]++
	}

	best := ""
	for l, v := range votes {
		if best == "" || v > votes[best] || (v == votes[best] && first[l] < first[best]) {
			best = l
		}
	}
	return Prediction{Label: best, Cluster: NoCluster, Score: float64(votes[best]) / float64(k)}
}
