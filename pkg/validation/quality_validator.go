package validation

import (
	"fmt"
	"math"
	"strings"

	apperrors "go-wanglab/internal/errors"
	"go-wanglab/pkg/imaging"
)

// QualityThresholds defines configurable thresholds for input validation
type QualityThresholds struct {
	// Resolution thresholds
	MinWidth  int
	MinHeight int
	MaxPixels int

	// Fraction of pixels at the dtype's full-scale value above which the
	// detector is considered saturated.
	MaxSaturatedFraction float64

	// Images whose max-min range is at or below this are flagged as flat.
	MinDynamicRange float64
}

// DefaultQualityThresholds returns the default quality thresholds
func DefaultQualityThresholds() QualityThresholds {
	return QualityThresholds{
		MinWidth:             1,
		MinHeight:            1,
		MaxPixels:            64 * 1024 * 1024,
		MaxSaturatedFraction: 0.05,
		MinDynamicRange:      0,
	}
}

// QualityValidator checks images before they enter a pipeline
type QualityValidator struct {
	thresholds QualityThresholds
}

// NewQualityValidator creates a new quality validator with default thresholds
func NewQualityValidator() *QualityValidator {
	return &QualityValidator{
		thresholds: DefaultQualityThresholds(),
	}
}

// NewQualityValidatorWithThresholds creates a quality validator with custom thresholds
func NewQualityValidatorWithThresholds(thresholds QualityThresholds) *QualityValidator {
	return &QualityValidator{
		thresholds: thresholds,
	}
}

// QualityIssue represents a quality validation issue
type QualityIssue struct {
	Type        string  `json:"type"`
	Message     string  `json:"message"`
	Severity    string  `json:"severity"` // "error", "warning"
	ActualValue float64 `json:"actual_value,omitempty"`
	Threshold   float64 `json:"threshold,omitempty"`
}

// Validate returns every structural and quality issue found on img.
// Errors make the image unusable; warnings are informational.
func (qv *QualityValidator) Validate(img *imaging.Image) []QualityIssue {
	var issues []QualityIssue

	if img == nil || len(img.Data) == 0 {
		return append(issues, QualityIssue{
			Type:     "empty",
			Message:  "Image has no pixel data.",
			Severity: "error",
		})
	}

	// 1. Structure
	if !img.DType.Valid() {
		issues = append(issues, QualityIssue{
			Type:     "dtype",
			Message:  fmt.Sprintf("Unknown dtype %q.", img.DType),
			Severity: "error",
		})
	}
	if img.Rank() != 2 && img.Rank() != 3 {
		return append(issues, QualityIssue{
			Type:        "rank",
			Message:     "Image must be 2D (H x W) or 3D (H x W x C).",
			Severity:    "error",
			ActualValue: float64(img.Rank()),
		})
	}
	expected := 1
	for _, s := range img.Shape {
		expected *= s
	}
	if expected != len(img.Data) || expected <= 0 {
		return append(issues, QualityIssue{
			Type:        "shape_mismatch",
			Message:     fmt.Sprintf("Shape %v does not match %d values.", img.Shape, len(img.Data)),
			Severity:    "error",
			ActualValue: float64(len(img.Data)),
			Threshold:   float64(expected),
		})
	}

	// 2. Resolution
	if img.Width() < qv.thresholds.MinWidth || img.Height() < qv.thresholds.MinHeight {
		issues = append(issues, QualityIssue{
			Type:        "low_resolution",
			Message:     "Image is smaller than the minimum size.",
			Severity:    "error",
			ActualValue: float64(img.Width() * img.Height()),
			Threshold:   float64(qv.thresholds.MinWidth * qv.thresholds.MinHeight),
		})
	}
	if qv.thresholds.MaxPixels > 0 && len(img.Data) > qv.thresholds.MaxPixels {
		issues = append(issues, QualityIssue{
			Type:        "too_large",
			Message:     "Image exceeds the maximum number of values.",
			Severity:    "error",
			ActualValue: float64(len(img.Data)),
			Threshold:   float64(qv.thresholds.MaxPixels),
		})
	}

	// 3. Values
	minV, maxV := math.Inf(1), math.Inf(-1)
	saturated, nonFinite := 0, 0
	full := img.DType.MaxValue()
	for _, v := range img.Data {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			nonFinite++
			continue
		}
		if v < minV {
			minV = v
		}
		if v > maxV {
			maxV = v
		}
		if img.DType.Numeric() && v >= full {
			saturated++
		}
	}
	if nonFinite > 0 {
		issues = append(issues, QualityIssue{
			Type:        "non_finite",
			Message:     "Image contains NaN or infinite values.",
			Severity:    "error",
			ActualValue: float64(nonFinite),
		})
		return issues
	}

	if frac := float64(saturated) / float64(len(img.Data)); frac > qv.thresholds.MaxSaturatedFraction {
		issues = append(issues, QualityIssue{
			Type:        "saturation",
			Message:     "Too many pixels at full scale. Reduce exposure.",
			Severity:    "warning",
			ActualValue: frac,
			Threshold:   qv.thresholds.MaxSaturatedFraction,
		})
	}
	if maxV-minV <= qv.thresholds.MinDynamicRange {
		issues = append(issues, QualityIssue{
			Type:        "flat",
			Message:     "Image has no contrast.",
			Severity:    "warning",
			ActualValue: maxV - minV,
			Threshold:   qv.thresholds.MinDynamicRange,
		})
	}

	return issues
}

// Check validates img and converts critical issues into a MalformedInputError.
func (qv *QualityValidator) Check(img *imaging.Image) error {
	issues := qv.Validate(img)
	if !qv.HasCriticalIssues(issues) {
		return nil
	}
	var msgs []string
	for _, issue := range issues {
		if issue.Severity == "error" {
			msgs = append(msgs, issue.Message)
		}
	}
	return apperrors.NewMalformedInputError(strings.Join(msgs, " "), nil)
}

// ConvertIssuesToMessages converts quality issues to simple messages
func (qv *QualityValidator) ConvertIssuesToMessages(issues []QualityIssue) []string {
	var messages []string
	for _, issue := range issues {
		messages = append(messages, issue.Message)
	}
	return messages
}

// HasCriticalIssues checks if there are any critical (error severity) issues
func (qv *QualityValidator) HasCriticalIssues(issues []QualityIssue) bool {
	for _, issue := range issues {
		if issue.Severity == "error" {
			return true
		}
	}
	return false
}
