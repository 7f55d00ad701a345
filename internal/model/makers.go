package model

import (
	"fmt"
	"math"
	"slices"
	"sort"
	"strings"

	apperrors "go-wanglab/internal/errors"
)

// Spec declares a model by kind. Labels is only read by norm_threshold,
// as [below, above].
type Spec struct {
	Kind   string             `json:"kind"`
	Params map[string]float64 `json:"params,omitempty"`
	Labels []string           `json:"labels,omitempty"`
}

type maker struct {
	params []string
	build  func(p map[string]float64, labels []string) (Model, error)
}

// makers is read-only after package init.
var makers = map[string]maker{
	"norm_threshold": {
		params: []string{"threshold"},
		build: func(p map[string]float64, labels []string) (Model, error) {
			below, above := "below", "above"
			if len(labels) > 0 {
				if len(labels) != 2 || labels[0] == "" || labels[1] == "" {
					return nil, apperrors.NewInvalidConfigError("norm_threshold labels must be [below, above]", nil)
				}
				below, above = labels[0], labels[1]
			}
			return NewNormThreshold(param(p, "threshold", 1), below, above), nil
		},
	},
	"knn": {
		params: []string{"k"},
		build: func(p map[string]float64, _ []string) (Model, error) {
			k, err := intParam(p, "k", 3)
			if err != nil {
				return nil, err
			}
			return NewKNN(k)
		},
	},
	"nearest_centroid": {
		build: func(map[string]float64, []string) (Model, error) {
			return NewNearestCentroid(), nil
		},
	},
	"kmeans": {
		params: []string{"k", "max_iter", "seed"},
		build: func(p map[string]float64, _ []string) (Model, error) {
			k, err := intParam(p, "k", 2)
			if err != nil {
				return nil, err
			}
			iter, err := intParam(p, "max_iter", 100)
			if err != nil {
				return nil, err
			}
			seed, err := intParam(p, "seed", 1)
			if err != nil {
				return nil, err
			}
			if seed < 0 {
				return nil, apperrors.NewInvalidConfigError("seed must not be negative", nil)
			}
			return NewKMeans(k, iter, uint64(seed))
		},
	},
	"pca": {
		params: []string{"components"},
		build: func(p map[string]float64, _ []string) (Model, error) {
			n, err := intParam(p, "components", 2)
			if err != nil {
				return nil, err
			}
			return NewPCA(n)
		},
	},
}

// New builds an unfitted (or, for norm_threshold, ready) model from spec.
func New(spec Spec) (Model, error) {
	mk, ok := makers[spec.Kind]
	if !ok {
		return nil, apperrors.NewInvalidConfigError(
			fmt.Sprintf("unknown model kind %q (known: %s)", spec.Kind, strings.Join(Kinds(), ", ")), nil)
	}
	for name := range spec.Params {
		if !slices.Contains(mk.params, name) {
			return nil, apperrors.NewInvalidConfigError(fmt.Sprintf("model %s has no parameter %q", spec.Kind, name), nil)
		}
	}
	return mk.build(spec.Params, spec.Labels)
}

// Kinds lists the registered model kinds in sorted order.
func Kinds() []string {
	kinds := make([]string, 0, len(makers))
	for k := range makers {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// Params lists the parameters a kind accepts.
func Params(kind string) ([]string, bool) {
	mk, ok := makers[kind]
	if !ok {
		return nil, false
	}
	return append([]string(nil), mk.params...), true
}

func param(p map[string]float64, name string, def float64) float64 {
	if v, ok := p[name]; ok {
		return v
	}
	return def
}

func intParam(p map[string]float64, name string, def int) (int, error) {
	v := param(p, name, float64(def))
	if v != math.Trunc(v) || math.Abs(v) > 1<<31 {
		return 0, apperrors.NewInvalidConfigError(fmt.Sprintf("parameter %s must be an integer, got %g", name, v), nil)
	}
	return int(v), nil
}
