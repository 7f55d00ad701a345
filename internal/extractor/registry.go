package extractor

import (
	"fmt"
	"math"
	"sort"

	"github.com/arbovm/levenshtein"

	"go-wanglab/pkg/imaging"
)

// StepKind separates array-to-array transforms from terminal measurements.
type StepKind string

const (
	KindTransform StepKind = "transform"
	KindMeasure   StepKind = "measure"
)

// ParamSpec describes one numeric step parameter.
type ParamSpec struct {
	Name    string  `json:"name"`
	Default float64 `json:"default"`
	Min     float64 `json:"min"`
	Max     float64 `json:"max"`
	Integer bool    `json:"integer,omitempty"`
	Doc     string  `json:"doc,omitempty"`
}

func (p ParamSpec) check(step string, v float64) error {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return fmt.Errorf("step %q: parameter %q must be finite", step, p.Name)
	}
	if v < p.Min || v > p.Max {
		return fmt.Errorf("step %q: parameter %q=%g outside [%g, %g]", step, p.Name, v, p.Min, p.Max)
	}
	if p.Integer && v != math.Trunc(v) {
		return fmt.Errorf("step %q: parameter %q=%g must be an integer", step, p.Name, v)
	}
	return nil
}

type transformFunc func(img *imaging.Image, p Params) (*imaging.Image, error)
type measureFunc func(img *imaging.Image, p Params) ([]float64, error)

// StepSpec is a registered step: its contract and its kernel.
type StepSpec struct {
	Name string   `json:"name"`
	Kind StepKind `json:"kind"`
	Doc  string   `json:"doc"`

	// Accepts lists the input dtypes; empty means any.
	Accepts []imaging.DType `json:"accepts,omitempty"`
	// Ranks lists the accepted input ranks; empty means 2 or 3.
	Ranks []int `json:"ranks,omitempty"`
	// Produces is the output dtype of a transform; empty keeps the input dtype.
	Produces imaging.DType `json:"produces,omitempty"`
	// OutRank is the output rank of a transform; zero keeps the input rank.
	OutRank int `json:"-"`

	Params []ParamSpec `json:"params,omitempty"`

	transform transformFunc
	measure   measureFunc
	// width returns the fixed output length of a measurement, or -1.
	width func(p Params) int
}

func (s *StepSpec) param(name string) (ParamSpec, bool) {
	for _, p := range s.Params {
		if p.Name == name {
			return p, true
		}
	}
	return ParamSpec{}, false
}

func (s *StepSpec) acceptsDType(d imaging.DType) bool {
	if len(s.Accepts) == 0 {
		return true
	}
	for _, a := range s.Accepts {
		if a == d {
			return true
		}
	}
	return false
}

func (s *StepSpec) acceptsRank(r int) bool {
	if len(s.Ranks) == 0 {
		return r == 2 || r == 3
	}
	for _, a := range s.Ranks {
		if a == r {
			return true
		}
	}
	return false
}

// check verifies that img can be fed to this step.
func (s *StepSpec) check(img *imaging.Image) error {
	if !s.acceptsRank(img.Rank()) {
		return fmt.Errorf("step %q does not accept rank %d input", s.Name, img.Rank())
	}
	if !s.acceptsDType(img.DType) {
		return fmt.Errorf("step %q does not accept %s input (accepts %v)", s.Name, img.DType, s.Accepts)
	}
	return nil
}

// Params holds resolved parameter values for a step.
type Params map[string]float64

// Float returns the parameter value.
func (p Params) Float(name string) float64 { return p[name] }

// Int returns the parameter value as an int.
func (p Params) Int(name string) int { return int(p[name]) }

var (
	registry = map[string]*StepSpec{}
	sealed   bool
)

var (
	numeric = []imaging.DType{imaging.Uint8, imaging.Uint16, imaging.Float32, imaging.Float64}
	spatial = []int{2}
)

func register(s *StepSpec) {
	if sealed {
		panic("extractor: step registry is sealed")
	}
	if _, dup := registry[s.Name]; dup {
		panic("extractor: duplicate step " + s.Name)
	}
	if (s.transform == nil) == (s.measure == nil) {
		panic("extractor: step " + s.Name + " must have exactly one kernel")
	}
	registry[s.Name] = s
}

func init() {
	register(&StepSpec{
		Name:      "grayscale",
		Kind:      KindTransform,
		Doc:       "Collapse channels to one plane (ITU-R 709 luma for RGB, channel mean otherwise).",
		Accepts:   numeric,
		Ranks:     []int{3},
		OutRank:   2,
		transform: grayscale,
	})
	register(&StepSpec{
		Name:     "normalize",
		Kind:     KindTransform,
		Doc:      "Divide by scale, or by the dtype full-scale value when scale is 0.",
		Accepts:  numeric,
		Produces: imaging.Float64,
		Params: []ParamSpec{
			{Name: "scale", Default: 0, Min: 0, Max: 1e12, Doc: "divisor; 0 means dtype max"},
		},
		transform: normalize,
	})
	register(&StepSpec{
		Name:    "scale",
		Kind:    KindTransform,
		Doc:     "Multiply intensities by factor.",
		Accepts: numeric,
		Params: []ParamSpec{
			{Name: "factor", Default: 1, Min: -1e12, Max: 1e12},
		},
		transform: scaleIntensity,
	})
	register(&StepSpec{
		Name:     "gaussian",
		Kind:     KindTransform,
		Doc:      "Gaussian smoothing applied times times. Integer input is first mapped to [0, 1].",
		Accepts:  numeric,
		Ranks:    spatial,
		Produces: imaging.Float64,
		Params: []ParamSpec{
			{Name: "sigma", Default: 1, Min: 0.1, Max: 50},
			{Name: "times", Default: 1, Min: 1, Max: 20, Integer: true},
		},
		transform: gaussian,
	})
	register(&StepSpec{
		Name:    "background_subtract",
		Kind:    KindTransform,
		Doc:     "Rolling-ball background removal as a white top-hat with a disk of radius ball_size.",
		Accepts: numeric,
		Ranks:   spatial,
		Params: []ParamSpec{
			{Name: "ball_size", Default: 9, Min: 1, Max: 256, Integer: true},
		},
		transform: backgroundSubtract,
	})
	register(&StepSpec{
		Name:     "threshold",
		Kind:     KindTransform,
		Doc:      "Binary mask of pixels >= value.",
		Accepts:  numeric,
		Produces: imaging.Binary,
		Params: []ParamSpec{
			{Name: "value", Default: 180, Min: -1e12, Max: 1e12},
		},
		transform: threshold,
	})
	register(&StepSpec{
		Name:      "sobel",
		Kind:      KindTransform,
		Doc:       "Sobel edge magnitude; the one-pixel border is zero.",
		Accepts:   append(append([]imaging.DType{}, numeric...), imaging.Binary),
		Ranks:     spatial,
		Produces:  imaging.Float64,
		transform: sobel,
	})
	register(&StepSpec{
		Name:     "edges",
		Kind:     KindTransform,
		Doc:      "Binary mask of Sobel magnitude > min.",
		Accepts:  append(append([]imaging.DType{}, numeric...), imaging.Binary),
		Ranks:    spatial,
		Produces: imaging.Binary,
		Params: []ParamSpec{
			{Name: "min", Default: 0, Min: 0, Max: 1e12},
		},
		transform: edges,
	})
	register(&StepSpec{
		Name:    "dilate",
		Kind:    KindTransform,
		Doc:     "Binary dilation with a size x size square.",
		Accepts: []imaging.DType{imaging.Binary},
		Ranks:   spatial,
		Params: []ParamSpec{
			{Name: "size", Default: 3, Min: 1, Max: 99, Integer: true},
		},
		transform: dilate,
	})
	register(&StepSpec{
		Name:    "erode",
		Kind:    KindTransform,
		Doc:     "Binary erosion with a size x size square.",
		Accepts: []imaging.DType{imaging.Binary},
		Ranks:   spatial,
		Params: []ParamSpec{
			{Name: "size", Default: 4, Min: 1, Max: 99, Integer: true},
		},
		transform: erode,
	})
	register(&StepSpec{
		Name:      "fill_holes",
		Kind:      KindTransform,
		Doc:       "Flood the region connected to the top-left pixel and invert it, filling closed outlines.",
		Accepts:   []imaging.DType{imaging.Binary},
		Ranks:     spatial,
		transform: fillHoles,
	})
	register(&StepSpec{
		Name:    "remove_small_objects",
		Kind:    KindTransform,
		Doc:     "Clear connected foreground components smaller than min_size pixels.",
		Accepts: []imaging.DType{imaging.Binary},
		Ranks:   spatial,
		Params: []ParamSpec{
			{Name: "min_size", Default: 32, Min: 0, Max: 1e9, Integer: true},
			{Name: "connectivity", Default: 1, Min: 1, Max: 2, Integer: true, Doc: "1 = 4-neighbourhood, 2 = 8-neighbourhood"},
		},
		transform: removeSmallObjects,
	})
	register(&StepSpec{
		Name:     "label",
		Kind:     KindTransform,
		Doc:      "Label connected foreground components 1..n in raster order.",
		Accepts:  []imaging.DType{imaging.Binary},
		Ranks:    spatial,
		Produces: imaging.Labels,
		Params: []ParamSpec{
			{Name: "connectivity", Default: 1, Min: 1, Max: 2, Integer: true, Doc: "1 = 4-neighbourhood, 2 = 8-neighbourhood"},
		},
		transform: label,
	})

	register(&StepSpec{
		Name:    "intensity_stats",
		Kind:    KindMeasure,
		Doc:     "mean, standard deviation, min, max.",
		Accepts: numeric,
		measure: intensityStats,
		width:   func(Params) int { return 4 },
	})
	register(&StepSpec{
		Name:    "histogram",
		Kind:    KindMeasure,
		Doc:     "Fraction of values per bin over [min, max]; out-of-range values are clipped. max 0 means dtype max.",
		Accepts: append(append([]imaging.DType{}, numeric...), imaging.Binary),
		Params: []ParamSpec{
			{Name: "bins", Default: 16, Min: 1, Max: 4096, Integer: true},
			{Name: "min", Default: 0, Min: -1e12, Max: 1e12},
			{Name: "max", Default: 0, Min: -1e12, Max: 1e12},
		},
		measure: histogram,
		width:   func(p Params) int { return p.Int("bins") },
	})
	register(&StepSpec{
		Name:    "region_stats",
		Kind:    KindMeasure,
		Doc:     "count, mean area, total area, mean centroid row, mean centroid column of labelled regions.",
		Accepts: []imaging.DType{imaging.Labels},
		Ranks:   spatial,
		Params: []ParamSpec{
			{Name: "min_regions", Default: 1, Min: 0, Max: 1e6, Integer: true},
		},
		measure: regionStats,
		width:   func(Params) int { return 5 },
	})
	register(&StepSpec{
		Name:    "flatten",
		Kind:    KindMeasure,
		Doc:     "The array itself in row-major order.",
		measure: flatten,
		width:   func(Params) int { return -1 },
	})

	sealed = true
}

// Lookup returns the registered step with the given name.
func Lookup(name string) (*StepSpec, bool) {
	s, ok := registry[name]
	return s, ok
}

// Steps lists the registered steps sorted by name.
func Steps() []StepSpec {
	out := make([]StepSpec, 0, len(registry))
	for _, s := range registry {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// suggest returns the closest registered name to an unknown one, or "".
func suggest(name string, candidates []string) string {
	best, bestDist := "", -1
	for _, c := range candidates {
		d := levenshtein.Distance(name, c)
		if bestDist < 0 || d < bestDist || (d == bestDist && c < best) {
			best, bestDist = c, d
		}
	}
	limit := len(name) / 3
	if limit < 2 {
		limit = 2
	}
	if bestDist < 0 || bestDist > limit {
		return ""
	}
	return best
}

func stepNames() []string {
	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
