package model

import (
	"fmt"
	"math"
	"math/rand/v2"
	"sync"

	"gonum.org/v1/gonum/floats"

	apperrors "go-wanglab/internal/errors"
)

// KMeans partitions vectors into k clusters with Lloyd iterations seeded by
// k-means++. A fixed seed makes fitting reproducible.
type KMeans struct {
	mu        sync.RWMutex
	k         int
	maxIter   int
	seed      uint64
	centroids [][]float64
	inertia   float64
}

// NewKMeans creates an unfitted clusterer.
func NewKMeans(k, maxIter int, seed uint64) (*KMeans, error) {
	if k < 1 {
		return nil, apperrors.NewInvalidConfigError("kmeans needs k >= 1", nil)
	}
	if maxIter < 1 {
		return nil, apperrors.NewInvalidConfigError("kmeans needs max_iter >= 1", nil)
	}
	return &KMeans{k: k, maxIter: maxIter, seed: seed}, nil
}

func (m *KMeans) Name() string { return "kmeans" }

func (m *KMeans) Fitted() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.centroids != nil
}

// Inertia is the sum of squared distances to the nearest centroid after
// the last Fit.
func (m *KMeans) Inertia() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.inertia
}

// Fit ignores labels.
func (m *KMeans) Fit(X [][]float64, _ []string) error {
	if _, err := checkMatrix(X); err != nil {
		return err
	}
	if len(X) < m.k {
		return apperrors.NewValidationError(fmt.Sprintf("kmeans needs at least %d samples, got %d", m.k, len(X)), nil)
	}

	centroids := m.initCenters(X)
	assign := make([]int, len(X))
	for i := range assign {
		assign[i] = -1
	}

	for it := 0; it < m.maxIter; it++ {
		var changed bool
		var mu sync.Mutex
		parallelRows(len(X), func(i int) {
			best, _ := nearest(X[i], centroids)
			if assign[i] != best {
				assign[i] = best
				mu.Lock()
				changed = true
				mu.Unlock()
			}
		})

		sums := make([][]float64, m.k)
		counts := make([]int, m.k)
		for c := range sums {
			sums[c] = make([]float64, len(X[0]))
		}
		for i, row := range X {
			floats.Add(sums[assign[i]], row)
			counts[assign[i]]++
		}
		for c := range centroids {
			if counts[c] == 0 {
				continue
			}
			floats.ScaleTo(centroids[c], 1/float64(counts[c]), sums[c])
		}

		if !changed {
			break
		}
	}

	var inertia float64
	for i, row := range X {
		d := floats.Distance(row, centroids[assign[i]], 2)
		inertia += d * d
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.centroids = centroids
	m.inertia = inertia
	return nil
}

// initCenters picks k starting centroids with k-means++ weighting.
func (m *KMeans) initCenters(X [][]float64) [][]float64 {
	rng := rand.New(rand.NewPCG(m.seed, m.seed^0x9e3779b97f4a7c15))
	centroids := [][]float64{append([]float64(nil), X[rng.IntN(len(X))]...)}

	dist := make([]float64, len(X))
	for len(centroids) < m.k {
		var total float64
		for i, row := range X {
			_, d := nearest(row, centroids)
			dist[i] = d * d
			total += dist[i]
		}

		next := len(X) - 1
		if total > 0 {
			target := rng.Float64() * total
			for i, d := range dist {
				target -= d
				if target < 0 {
					next = i
					break
				}
			}
		} else {
			next = rng.IntN(len(X))
		}
		centroids = append(centroids, append([]float64(nil), X[next]...))
	}
	return centroids
}

func nearest(x []float64, centroids [][]float64) (int, float64) {
	best, bestDist := 0, math.Inf(1)
	for c, centroid := range centroids {
		if d := floats.Distance(x, centroid, 2); d < bestDist {
			best, bestDist = c, d
		}
	}
	return best, bestDist
}

// Predict labels each vector "cluster-N" for its nearest centroid and
// scores it with the distance to that centroid.
func (m *KMeans) Predict(X [][]float64) ([]Prediction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.centroids == nil {
		return nil, unfitted(m.Name())
	}
	if err := checkInput(X, len(m.centroids[0])); err != nil {
		return nil, err
	}

	out := make([]Prediction, len(X))
	parallelRows(len(X), func(i int) {
		c, d := nearest(X[i], m.centroids)
		out[i] = Prediction{Label: fmt.Sprintf("cluster-%d", c), Cluster: c, Score: d}
	})
	return out, nil
}
