package model

import (
	"fmt"
	"sync"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	apperrors "go-wanglab/internal/errors"
)

// PCA projects vectors onto their leading principal components.
type PCA struct {
	mu         sync.RWMutex
	components int
	mean       []float64
	basis      *mat.Dense // d x components
	variances  []float64
}

// NewPCA creates an unfitted reducer keeping n components.
func NewPCA(n int) (*PCA, error) {
	if n < 1 {
		return nil, apperrors.NewInvalidConfigError("pca needs components >= 1", nil)
	}
	return &PCA{components: n}, nil
}

func (m *PCA) Name() string { return "pca" }

func (m *PCA) Fitted() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.basis != nil
}

// Fit ignores labels.
func (m *PCA) Fit(X [][]float64, _ []string) error {
	d, err := checkMatrix(X)
	if err != nil {
		return err
	}
	n := len(X)
	if n < 2 {
		return apperrors.NewValidationError("pca needs at least 2 samples", nil)
	}
	if m.components > min(n, d) {
		return apperrors.NewValidationError(fmt.Sprintf("pca cannot keep %d components from %d samples of %d features", m.components, n, d), nil)
	}

	data := mat.NewDense(n, d, nil)
	for i, row := range X {
		data.SetRow(i, row)
	}

	var pc stat.PC
	if !pc.PrincipalComponents(data, nil) {
		return apperrors.NewInternalError("principal component decomposition failed", nil)
	}
	var vecs mat.Dense
	pc.VectorsTo(&vecs)
	vars := pc.VarsTo(nil)

	mean := make([]float64, d)
	col := make([]float64, n)
	for j := range mean {
		mat.Col(col, j, data)
		mean[j] = stat.Mean(col, nil)
	}

	basis := mat.DenseCopyOf(vecs.Slice(0, d, 0, m.components))

	m.mu.Lock()
	defer m.mu.Unlock()
	m.mean = mean
	m.basis = basis
	m.variances = vars[:m.components]
	return nil
}

// ExplainedVariance returns the variance along each kept component.
func (m *PCA) ExplainedVariance() []float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]float64(nil), m.variances...)
}

// Transform projects X onto the fitted components.
func (m *PCA) Transform(X [][]float64) ([][]float64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.basis == nil {
		return nil, unfitted(m.Name())
	}
	if err := checkInput(X, len(m.mean)); err != nil {
		return nil, err
	}

	out := make([][]float64, len(X))
	parallelRows(len(X), func(i int) {
		centered := floats.SubTo(make([]float64, len(m.mean)), X[i], m.mean)
		var proj mat.VecDense
		proj.MulVec(m.basis.T(), mat.NewVecDense(len(centered), centered))
		out[i] = append([]float64(nil), proj.RawVector().Data...)
	})
	return out, nil
}

// Predict returns each embedding with its norm as the score.
func (m *PCA) Predict(X [][]float64) ([]Prediction, error) {
	emb, err := m.Transform(X)
	if err != nil {
		return nil, err
	}
	out := make([]Prediction, len(emb))
	for i, e := range emb {
		out[i] = Prediction{Cluster: NoCluster, Score: floats.Norm(e, 2), Embedding: e}
	}
	return out, nil
}
