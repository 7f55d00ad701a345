package extractor

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"strings"

	gojson "github.com/goccy/go-json"

	apperrors "go-wanglab/internal/errors"
	"go-wanglab/pkg/imaging"
)

// Precision is the float width intermediate arrays are rounded to.
type Precision string

const (
	PrecisionFloat32 Precision = "float32"
	PrecisionFloat64 Precision = "float64"
)

// Step names a registered step and overrides some of its parameters.
type Step struct {
	Name   string             `json:"name"`
	Params map[string]float64 `json:"params,omitempty"`
}

// S is shorthand for building a Step from name/value pairs. Values must be
// int or float64; anything else panics.
func S(name string, kv ...any) Step {
	st := Step{Name: name}
	if len(kv) > 0 {
		st.Params = make(map[string]float64, len(kv)/2)
	}
	for i := 0; i+1 < len(kv); i += 2 {
		key, _ := kv[i].(string)
		switch v := kv[i+1].(type) {
		case int:
			st.Params[key] = float64(v)
		case float64:
			st.Params[key] = v
		default:
			panic(fmt.Sprintf("extractor.S: parameter %q has type %T", key, kv[i+1]))
		}
	}
	return st
}

type boundStep struct {
	name   string
	params Params
	spec   *StepSpec
}

// PipelineConfig is a validated, immutable, ordered list of steps. Every
// parameter carries an explicit value, so configs that differ only by
// spelling out a default are equal.
type PipelineConfig struct {
	precision Precision
	steps     []boundStep
	hash      string
	outLen    int
}

// NewPipelineConfig validates steps against the step registry and fills in
// defaults. Any problem is reported as an invalid_config error.
func NewPipelineConfig(precision Precision, steps ...Step) (*PipelineConfig, error) {
	if precision == "" {
		precision = PrecisionFloat64
	}
	if precision != PrecisionFloat32 && precision != PrecisionFloat64 {
		return nil, apperrors.NewInvalidConfigError(fmt.Sprintf("unknown precision %q", precision), nil)
	}
	if len(steps) == 0 {
		return nil, apperrors.NewInvalidConfigError("pipeline needs at least one step", nil)
	}

	cfg := &PipelineConfig{precision: precision, outLen: -1}

	// Track what is statically known about the array flowing between steps.
	// An empty dtype or zero rank means it depends on the input image.
	var curDType imaging.DType
	curRank := 0

	for i, st := range steps {
		spec, ok := Lookup(st.Name)
		if !ok {
			msg := fmt.Sprintf("step %d: unknown step %q", i, st.Name)
			if s := suggest(st.Name, stepNames()); s != "" {
				msg += fmt.Sprintf(" (did you mean %q?)", s)
			}
			return nil, apperrors.NewInvalidConfigError(msg, nil)
		}

		params := make(Params, len(spec.Params))
		for _, ps := range spec.Params {
			params[ps.Name] = ps.Default
		}
		for name, v := range st.Params {
			ps, ok := spec.param(name)
			if !ok {
				return nil, apperrors.NewInvalidConfigError(
					fmt.Sprintf("step %d: step %q has no parameter %q", i, st.Name, name), nil)
			}
			if err := ps.check(st.Name, v); err != nil {
				return nil, apperrors.NewInvalidConfigError(fmt.Sprintf("step %d", i), err)
			}
			params[name] = v
		}
		if spec.Name == "histogram" && params["max"] != 0 && params["max"] <= params["min"] {
			return nil, apperrors.NewInvalidConfigError(
				fmt.Sprintf("step %d: histogram max must exceed min", i), nil)
		}

		if spec.Kind == KindMeasure && i != len(steps)-1 {
			return nil, apperrors.NewInvalidConfigError(
				fmt.Sprintf("step %d: measurement %q must be the last step", i, st.Name), nil)
		}
		if curDType != "" && !spec.acceptsDType(curDType) {
			return nil, apperrors.NewInvalidConfigError(
				fmt.Sprintf("step %d: %q does not accept %s output of the previous step", i, st.Name, curDType), nil)
		}
		if curRank != 0 && !spec.acceptsRank(curRank) {
			return nil, apperrors.NewInvalidConfigError(
				fmt.Sprintf("step %d: %q does not accept rank %d output of the previous step", i, st.Name, curRank), nil)
		}
		if spec.Produces != "" {
			curDType = spec.Produces
		}
		if spec.OutRank != 0 {
			curRank = spec.OutRank
		}

		if spec.Kind == KindMeasure {
			cfg.outLen = spec.width(params)
		}
		cfg.steps = append(cfg.steps, boundStep{name: spec.Name, params: params, spec: spec})
	}

	cfg.hash = cfg.computeHash()
	return cfg, nil
}

type configDoc struct {
	Precision Precision `json:"precision,omitempty"`
	Steps     []Step    `json:"steps"`
}

// ParseConfig decodes and validates a declarative config:
//
//	{"precision": "float64", "steps": [{"name": "gaussian", "params": {"sigma": 2}}]}
func ParseConfig(data []byte) (*PipelineConfig, error) {
	var doc configDoc
	if err := gojson.Unmarshal(data, &doc); err != nil {
		return nil, apperrors.NewInvalidConfigError("config is not valid JSON", err)
	}
	return NewPipelineConfig(doc.Precision, doc.Steps...)
}

// MarshalJSON emits the config with every parameter explicit.
func (c *PipelineConfig) MarshalJSON() ([]byte, error) {
	return gojson.Marshal(configDoc{Precision: c.precision, Steps: c.Steps()})
}

func (c *PipelineConfig) Precision() Precision { return c.precision }

// Steps returns a copy of the resolved steps.
func (c *PipelineConfig) Steps() []Step {
	out := make([]Step, len(c.steps))
	for i, b := range c.steps {
		params := make(map[string]float64, len(b.params))
		for k, v := range b.params {
			params[k] = v
		}
		out[i] = Step{Name: b.name, Params: params}
	}
	return out
}

// Len is the number of steps.
func (c *PipelineConfig) Len() int { return len(c.steps) }

// OutputLen is the fixed feature length declared by a terminal
// measurement, or -1 when it depends on the input size.
func (c *PipelineConfig) OutputLen() int { return c.outLen }

// Hash identifies the config: precision, step order, names and parameters.
func (c *PipelineConfig) Hash() string { return c.hash }

// Equal reports whether both configs describe the same computation.
func (c *PipelineConfig) Equal(other *PipelineConfig) bool {
	if c == nil || other == nil {
		return c == other
	}
	return c.hash == other.hash
}

func (c *PipelineConfig) String() string {
	return c.canonical()
}

func (c *PipelineConfig) canonical() string {
	var b strings.Builder
	b.WriteString("precision=")
	b.WriteString(string(c.precision))
	for _, st := range c.steps {
		b.WriteString(";")
		b.WriteString(st.name)
		b.WriteString("(")
		keys := make([]string, 0, len(st.params))
		for k := range st.params {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for i, k := range keys {
			if i > 0 {
				b.WriteString(",")
			}
			v := st.params[k]
			if v == 0 {
				v = 0 // -0 and 0 hash alike
			}
			b.WriteString(k)
			b.WriteString("=")
			b.WriteString(strconv.FormatFloat(v, 'g', -1, 64))
		}
		b.WriteString(")")
	}
	return b.String()
}

func (c *PipelineConfig) computeHash() string {
	sum := sha256.Sum256([]byte(c.canonical()))
	return hex.EncodeToString(sum[:])
}

// NPStructsConfig is the nanoparticle-structure pipeline: rolling-ball
// background removal, repeated smoothing, a second background pass,
// intensity scaling and thresholding, then structure finding (edges,
// dilation, small-object removal, hole filling, erosion, small-object
// removal, labeling) summarised by region statistics.
func NPStructsConfig(ballSize int, sigma float64, times int, scale, thresh float64,
	dilation, erosion, minStructSize int) (*PipelineConfig, error) {
	return NewPipelineConfig(PrecisionFloat64,
		S("background_subtract", "ball_size", ballSize),
		S("gaussian", "sigma", sigma, "times", times),
		S("background_subtract", "ball_size", ballSize),
		S("scale", "factor", scale),
		S("threshold", "value", thresh),
		S("edges"),
		S("dilate", "size", dilation),
		S("remove_small_objects", "min_size", minStructSize),
		S("fill_holes"),
		S("erode", "size", erosion),
		S("remove_small_objects", "min_size", minStructSize),
		S("label"),
		S("region_stats", "min_regions", 0),
	)
}

// DefaultNPStructsConfig uses the structure-finding defaults: ball 9,
// sigma 1 twice, scale 1e5, threshold 180, dilation 3, erosion 4, minimum
// structure size 32.
func DefaultNPStructsConfig() *PipelineConfig {
	return mustNPStructs(9, 1, 2, 1e5, 180, 3, 4, 32)
}

// BatchNPStructsConfig matches the per-frame defaults used when locating
// structures across many frames: the same preprocessing with dilation 1
// and erosion 5.
func BatchNPStructsConfig() *PipelineConfig {
	return mustNPStructs(9, 1, 2, 1e5, 180, 1, 5, 32)
}

func mustNPStructs(ballSize int, sigma float64, times int, scale, thresh float64, dilation, erosion, minStructSize int) *PipelineConfig {
	cfg, err := NPStructsConfig(ballSize, sigma, times, scale, thresh, dilation, erosion, minStructSize)
	if err != nil {
		panic(err)
	}
	return cfg
}
