// Package model adapts classification, clustering and dimensionality
// reduction backends to one fit/predict contract.
package model

import (
	"fmt"
	"math"
	"runtime"
	"sync"

	apperrors "go-wanglab/internal/errors"
)

// NoCluster marks predictions from models that do not cluster.
const NoCluster = -1

// Prediction is the model output for one feature vector.
type Prediction struct {
	Label     string    `json:"label,omitempty"`
	Cluster   int       `json:"cluster"`
	Score     float64   `json:"score"`
	Embedding []float64 `json:"embedding,omitempty"`
}

// Model is the capability every backend provides. Predict fails with an
// UnfittedModelError until Fit succeeds; a later Fit replaces all learned
// parameters. Predict is safe for concurrent use; Fit must not overlap it.
type Model interface {
	Name() string
	Fitted() bool
	Fit(X [][]float64, labels []string) error
	Predict(X [][]float64) ([]Prediction, error)
}

// PartialFitter is implemented by models that can learn incrementally.
type PartialFitter interface {
	Model
	PartialFit(X [][]float64, labels []string) error
}

// Transformer is implemented by dimensionality reducers.
type Transformer interface {
	Model
	Transform(X [][]float64) ([][]float64, error)
}

func unfitted(name string) error {
	return apperrors.NewUnfittedModelError(fmt.Sprintf("model %s has not been fitted", name), nil)
}

// checkMatrix verifies X is non-empty, rectangular and finite, and returns
// its column count.
func checkMatrix(X [][]float64) (int, error) {
	if len(X) == 0 {
		return 0, apperrors.NewValidationError("no samples", nil)
	}
	d := len(X[0])
	if d == 0 {
		return 0, apperrors.NewValidationError("samples have no features", nil)
	}
	for i, row := range X {
		if len(row) != d {
			return 0, apperrors.NewValidationError(fmt.Sprintf("sample %d has %d features, want %d", i, len(row), d), nil)
		}
		for _, v := range row {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return 0, apperrors.NewValidationError(fmt.Sprintf("sample %d has a non-finite feature", i), nil)
			}
		}
	}
	return d, nil
}

func checkLabels(X [][]float64, labels []string) error {
	if len(labels) != len(X) {
		return apperrors.NewValidationError(fmt.Sprintf("%d labels for %d samples", len(labels), len(X)), nil)
	}
	for i, l := range labels {
		if l == "" {
			return apperrors.NewValidationError(fmt.Sprintf("sample %d has an empty label", i), nil)
		}
	}
	return nil
}

// checkInput validates prediction input against the fitted width.
func checkInput(X [][]float64, d int) error {
	for i, row := range X {
		if len(row) != d {
			return apperrors.NewPredictionError(fmt.Sprintf("sample %d has %d features, model expects %d", i, len(row), d), nil)
		}
	}
	return nil
}

func cloneMatrix(X [][]float64) [][]float64 {
	out := make([][]float64, len(X))
	for i, row := range X {
		out[i] = append([]float64(nil), row...)
	}
	return out
}

// parallelRows splits [0, n) into one chunk per CPU.
func parallelRows(n int, fn func(i int)) {
	workers := runtime.GOMAXPROCS(0)
	if n < 64 || workers == 1 {
		for i := 0; i < n; i++ {
			fn(i)
		}
		return
	}
	per := (n + workers - 1) / workers
	var wg sync.WaitGroup
	for start := 0; start < n; start += per {
		end := min(start+per, n)
		wg.Add(1)
		go func(s, e int) {
			defer wg.Done()
			for i := s; i < e; i++ {
				fn(i)
			}
		}(start, end)
	}
	wg.Wait()
}
