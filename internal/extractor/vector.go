package extractor

import (
	"fmt"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// FeatureVector is the numeric summary of one image under one config.
type FeatureVector struct {
	ImageID    string    `json:"image_id"`
	ConfigHash string    `json:"config_hash"`
	Values     []float64 `json:"values"`
}

func (v *FeatureVector) Len() int { return len(v.Values) }

// Norm is the Euclidean norm of the values.
func (v *FeatureVector) Norm() float64 {
	return floats.Norm(v.Values, 2)
}

// Summary is a short human-readable description used in exports.
func (v *FeatureVector) Summary() string {
	if v == nil {
		return ""
	}
	if len(v.Values) == 0 {
		return "len=0"
	}
	return fmt.Sprintf("len=%d min=%.4g max=%.4g mean=%.4g norm=%.4g",
		len(v.Values), floats.Min(v.Values), floats.Max(v.Values), stat.Mean(v.Values, nil), v.Norm())
}
