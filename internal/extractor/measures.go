package extractor

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"go-wanglab/pkg/imaging"
)

func intensityStats(img *imaging.Image, _ Params) ([]float64, error) {
	mean, std := stat.PopMeanStdDev(img.Data, nil)
	return []float64{mean, std, floats.Min(img.Data), floats.Max(img.Data)}, nil
}

func histogram(img *imaging.Image, p Params) ([]float64, error) {
	bins := p.Int("bins")
	lo, hi := p.Float("min"), p.Float("max")
	if hi == 0 {
		hi = img.DType.MaxValue()
	}
	if !(hi > lo) {
		return nil, fmt.Errorf("histogram range [%g, %g] is empty", lo, hi)
	}

	dividers := floats.Span(make([]float64, bins+1), lo, hi)
	// values equal to hi belong to the last bin
	dividers[bins] = math.Nextafter(hi, math.Inf(1))

	x := make([]float64, len(img.Data))
	for i, v := range img.Data {
		x[i] = math.Min(math.Max(v, lo), hi)
	}
	sort.Float64s(x)

	counts := stat.Histogram(nil, dividers, x, nil)
	floats.Scale(1/float64(len(x)), counts)
	return counts, nil
}

// Region summarises one labelled structure.
type Region struct {
	Label int     `json:"label"`
	Area  int     `json:"area"`
	Row   float64 `json:"row"`
	Col   float64 `json:"col"`
}

// Regions returns the pixel area and centroid of every non-zero label in a
// label image, ordered by label.
func Regions(img *imaging.Image) ([]Region, error) {
	if img == nil || img.DType != imaging.Labels || img.Rank() != 2 {
		return nil, fmt.Errorf("regions need a rank-2 label image")
	}
	w := img.Width()
	byLabel := map[int]*Region{}
	for i, v := range img.Data {
		if v == 0 {
			continue
		}
		id := int(v)
		r, ok := byLabel[id]
		if !ok {
			r = &Region{Label: id}
			byLabel[id] = r
		}
		r.Area++
		r.Row += float64(i / w)
		r.Col += float64(i % w)
	}

	out := make([]Region, 0, len(byLabel))
	for _, r := range byLabel {
		r.Row /= float64(r.Area)
		r.Col /= float64(r.Area)
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Label < out[j].Label })
	return out, nil
}

func regionStats(img *imaging.Image, p Params) ([]float64, error) {
	regions, err := Regions(img)
	if err != nil {
		return nil, err
	}
	if n := p.Int("min_regions"); len(regions) < n {
		return nil, fmt.Errorf("found %d regions, need at least %d", len(regions), n)
	}
	if len(regions) == 0 {
		return make([]float64, 5), nil
	}

	var total int
	var rows, cols float64
	for _, r := range regions {
		total += r.Area
		rows += r.Row
		cols += r.Col
	}
	n := float64(len(regions))
	return []float64{n, float64(total) / n, float64(total), rows / n, cols / n}, nil
}

func flatten(img *imaging.Image, _ Params) ([]float64, error) {
	return append([]float64(nil), img.Data...), nil
}
