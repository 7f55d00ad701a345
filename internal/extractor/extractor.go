package extractor

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	apperrors "go-wanglab/internal/errors"
	"go-wanglab/internal/logger"
	"go-wanglab/pkg/imaging"
	"go-wanglab/pkg/validation"
)

// Version tags persisted feature vectors. Bump it whenever a kernel changes
// numerically so stale records are recomputed.
const Version = "wlfe-1"

// Extractor turns an image into a feature vector by running a
// PipelineConfig. It holds no per-call state and is safe for concurrent use.
type Extractor struct {
	validator   *validation.QualityValidator
	log         *logrus.Entry
	invocations atomic.Int64
}

// New creates an extractor that validates inputs with default thresholds.
func New() *Extractor {
	return NewWithValidator(validation.NewQualityValidator())
}

// NewWithValidator creates an extractor using a custom input validator.
func NewWithValidator(v *validation.QualityValidator) *Extractor {
	return &Extractor{
		validator: v,
		log:       logger.Component("extractor"),
	}
}

// Invocations is the number of step kernels run so far.
func (e *Extractor) Invocations() int64 {
	return e.invocations.Load()
}

// Extract runs every step of cfg in order on img. The input image is never
// modified. The result depends only on the image content and the config.
func (e *Extractor) Extract(ctx context.Context, img *imaging.Image, cfg *PipelineConfig) (*FeatureVector, error) {
	if cfg == nil {
		return nil, apperrors.NewInvalidConfigError("nil pipeline config", nil)
	}
	if img == nil {
		return nil, apperrors.NewMalformedInputError("nil image", nil)
	}
	if err := e.validator.Check(img); err != nil {
		return nil, err
	}

	key := img.Key()
	cur := img
	for i, st := range cfg.steps {
		if err := ctx.Err(); err != nil {
			return nil, apperrors.NewCancelledError(fmt.Sprintf("extraction of %s stopped before step %d", key, i), err)
		}
		if err := st.spec.check(cur); err != nil {
			return nil, apperrors.NewMalformedInputError(fmt.Sprintf("image %s at step %d", key, i), err)
		}

		e.invocations.Add(1)
		if st.spec.Kind == KindMeasure {
			values, err := st.spec.measure(cur, st.params)
			if err != nil {
				return nil, apperrors.NewTransformError(fmt.Sprintf("image %s: step %d (%s) failed", key, i, st.name), err)
			}
			roundTo(values, cfg.precision)
			return &FeatureVector{ImageID: key, ConfigHash: cfg.hash, Values: values}, nil
		}

		next, err := st.spec.transform(cur, st.params)
		if err != nil {
			return nil, apperrors.NewTransformError(fmt.Sprintf("image %s: step %d (%s) failed", key, i, st.name), err)
		}
		roundTo(next.Data, cfg.precision)
		cur = next
	}

	e.log.WithFields(logrus.Fields{
		"image_id": key,
		"steps":    len(cfg.steps),
	}).Debug("Extracted flattened features")

	return &FeatureVector{
		ImageID:    key,
		ConfigHash: cfg.hash,
		Values:     append([]float64(nil), cur.Data...),
	}, nil
}

func roundTo(values []float64, p Precision) {
	if p != PrecisionFloat32 {
		return
	}
	for i, v := range values {
		values[i] = float64(float32(v))
	}
}
