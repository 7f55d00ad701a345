package extractor

import (
	"fmt"
	"math"
	"runtime"
	"sync"

	"github.com/bits-and-blooms/bitset"

	"go-wanglab/pkg/imaging"
)

// Images smaller than this are processed on the calling goroutine.
const parallelThreshold = 1 << 16

// parallelRows processes an h x w image in horizontal strips, one per CPU,
// for better cache locality. fn must only write rows [r0, r1).
func parallelRows(h, w int, fn func(r0, r1 int)) {
	workers := runtime.GOMAXPROCS(0)
	if h*w < parallelThreshold || workers < 2 || h < 2 {
		fn(0, h)
		return
	}
	if workers > h {
		workers = h
	}
	rowsPerWorker := (h + workers - 1) / workers // ceil division

	var wg sync.WaitGroup
	for r0 := 0; r0 < h; r0 += rowsPerWorker {
		r1 := min(r0+rowsPerWorker, h)
		wg.Add(1)
		go func(r0, r1 int) {
			defer wg.Done()
			fn(r0, r1)
		}(r0, r1)
	}
	wg.Wait()
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// asFloat maps integer intensities to [0, 1] and returns a float64 copy.
func asFloat(img *imaging.Image) *imaging.Image {
	out := img.Like(imaging.Float64)
	div := 1.0
	if img.DType == imaging.Uint8 || img.DType == imaging.Uint16 {
		div = img.DType.MaxValue()
	}
	for i, v := range img.Data {
		out.Data[i] = v / div
	}
	return out
}

func grayscale(img *imaging.Image, _ Params) (*imaging.Image, error) {
	h, w, c := img.Height(), img.Width(), img.Channels()
	out := imaging.Zeros(h, w, img.DType)
	out.ID = img.ID

	weights := make([]float64, c)
	if c >= 3 {
		weights[0], weights[1], weights[2] = 0.2125, 0.7154, 0.0721
	} else {
		for k := range weights {
			weights[k] = 1 / float64(c)
		}
	}
	for i := 0; i < h*w; i++ {
		var s float64
		px := img.Data[i*c : (i+1)*c]
		for k, v := range px {
			s += weights[k] * v
		}
		out.Data[i] = s
	}
	return out, nil
}

func normalize(img *imaging.Image, p Params) (*imaging.Image, error) {
	div := p.Float("scale")
	if div == 0 {
		div = img.DType.MaxValue()
	}
	out := img.Like(imaging.Float64)
	for i, v := range img.Data {
		out.Data[i] = v / div
	}
	return out, nil
}

func scaleIntensity(img *imaging.Image, p Params) (*imaging.Image, error) {
	factor := p.Float("factor")
	out := img.Like(img.DType)
	for i, v := range img.Data {
		out.Data[i] = v * factor
	}
	return out, nil
}

func gaussianKernel(sigma float64) []float64 {
	radius := int(4*sigma + 0.5)
	k := make([]float64, 2*radius+1)
	var sum float64
	for i := range k {
		x := float64(i - radius)
		k[i] = math.Exp(-x * x / (2 * sigma * sigma))
		sum += k[i]
	}
	for i := range k {
		k[i] /= sum
	}
	return k
}

func gaussian(img *imaging.Image, p Params) (*imaging.Image, error) {
	kernel := gaussianKernel(p.Float("sigma"))
	cur := asFloat(img)
	for t := 0; t < p.Int("times"); t++ {
		cur = convolveSeparable(cur, kernel)
	}
	return cur, nil
}

// convolveSeparable applies k along rows then columns, repeating edge pixels.
func convolveSeparable(src *imaging.Image, k []float64) *imaging.Image {
	h, w := src.Height(), src.Width()
	r := len(k) / 2
	tmp := make([]float64, h*w)

	parallelRows(h, w, func(r0, r1 int) {
		for y := r0; y < r1; y++ {
			row := src.Data[y*w : (y+1)*w]
			for x := 0; x < w; x++ {
				var s float64
				for j, kv := range k {
					s += kv * row[clamp(x+j-r, 0, w-1)]
				}
				tmp[y*w+x] = s
			}
		}
	})

	out := src.Like(imaging.Float64)
	parallelRows(h, w, func(r0, r1 int) {
		for y := r0; y < r1; y++ {
			for x := 0; x < w; x++ {
				var s float64
				for j, kv := range k {
					s += kv * tmp[clamp(y+j-r, 0, h-1)*w+x]
				}
				out.Data[y*w+x] = s
			}
		}
	})
	return out
}

type offset struct{ dy, dx int }

func diskOffsets(radius int) []offset {
	var offs []offset
	for dy := -radius; dy <= radius; dy++ {
		for dx := -radius; dx <= radius; dx++ {
			if dy*dy+dx*dx <= radius*radius {
				offs = append(offs, offset{dy, dx})
			}
		}
	}
	return offs
}

// greyMorph computes the min (erode) or max (dilate) over a footprint.
// Footprint positions outside the image are ignored.
func greyMorph(src *imaging.Image, offs []offset, erode bool) *imaging.Image {
	h, w := src.Height(), src.Width()
	out := src.Like(src.DType)
	parallelRows(h, w, func(r0, r1 int) {
		for y := r0; y < r1; y++ {
			for x := 0; x < w; x++ {
				acc := math.Inf(1)
				if !erode {
					acc = math.Inf(-1)
				}
				for _, o := range offs {
					yy, xx := y+o.dy, x+o.dx
					if yy < 0 || yy >= h || xx < 0 || xx >= w {
						continue
					}
					v := src.Data[yy*w+xx]
					if erode && v < acc || !erode && v > acc {
						acc = v
					}
				}
				out.Data[y*w+x] = acc
			}
		}
	})
	return out
}

// backgroundSubtract is a white top-hat: the image minus its opening.
func backgroundSubtract(img *imaging.Image, p Params) (*imaging.Image, error) {
	disk := diskOffsets(p.Int("ball_size"))
	opened := greyMorph(greyMorph(img, disk, true), disk, false)
	out := img.Like(img.DType)
	for i, v := range img.Data {
		out.Data[i] = v - opened.Data[i]
	}
	return out, nil
}

func threshold(img *imaging.Image, p Params) (*imaging.Image, error) {
	t := p.Float("value")
	out := img.Like(imaging.Binary)
	for i, v := range img.Data {
		if v >= t {
			out.Data[i] = 1
		}
	}
	return out, nil
}

func sobelMagnitude(img *imaging.Image) *imaging.Image {
	h, w := img.Height(), img.Width()
	out := img.Like(imaging.Float64)
	if h < 3 || w < 3 {
		return out
	}
	d := img.Data
	norm := 4 * math.Sqrt2
	parallelRows(h, w, func(r0, r1 int) {
		for y := max(r0, 1); y < min(r1, h-1); y++ {
			up, mid, down := (y-1)*w, y*w, (y+1)*w
			for x := 1; x < w-1; x++ {
				gx := d[up+x-1] + 2*d[mid+x-1] + d[down+x-1] - d[up+x+1] - 2*d[mid+x+1] - d[down+x+1]
				gy := d[up+x-1] + 2*d[up+x] + d[up+x+1] - d[down+x-1] - 2*d[down+x] - d[down+x+1]
				out.Data[mid+x] = math.Sqrt(gx*gx+gy*gy) / norm
			}
		}
	})
	return out
}

func sobel(img *imaging.Image, _ Params) (*imaging.Image, error) {
	return sobelMagnitude(img), nil
}

func edges(img *imaging.Image, p Params) (*imaging.Image, error) {
	limit := p.Float("min")
	mag := sobelMagnitude(img)
	out := img.Like(imaging.Binary)
	for i, v := range mag.Data {
		if v > limit {
			out.Data[i] = 1
		}
	}
	return out, nil
}

// binaryMorph applies a size x size square in two separable passes. Even
// sizes are anchored like scipy.ndimage: the centre sits at index size/2.
func binaryMorph(src *imaging.Image, size int, erode bool) *imaging.Image {
	h, w := src.Height(), src.Width()
	lo, hi := -(size / 2), size-1-size/2
	if !erode {
		lo, hi = -hi, -lo
	}
	reduce := func(acc, v float64) float64 {
		if erode {
			return math.Min(acc, v)
		}
		return math.Max(acc, v)
	}
	start := 0.0
	if erode {
		start = 1
	}

	tmp := make([]float64, h*w)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			acc := start
			for dx := lo; dx <= hi; dx++ {
				if xx := x + dx; xx >= 0 && xx < w {
					acc = reduce(acc, src.Data[y*w+xx])
				}
			}
			tmp[y*w+x] = acc
		}
	}
	out := src.Like(imaging.Binary)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			acc := start
			for dy := lo; dy <= hi; dy++ {
				if yy := y + dy; yy >= 0 && yy < h {
					acc = reduce(acc, tmp[yy*w+x])
				}
			}
			out.Data[y*w+x] = acc
		}
	}
	return out
}

func dilate(img *imaging.Image, p Params) (*imaging.Image, error) {
	return binaryMorph(img, p.Int("size"), false), nil
}

func erode(img *imaging.Image, p Params) (*imaging.Image, error) {
	return binaryMorph(img, p.Int("size"), true), nil
}

var (
	neighbours4 = []offset{{-1, 0}, {0, -1}, {0, 1}, {1, 0}}
	neighbours8 = []offset{{-1, -1}, {-1, 0}, {-1, 1}, {0, -1}, {0, 1}, {1, -1}, {1, 0}, {1, 1}}
)

func neighbourhood(connectivity int) []offset {
	if connectivity >= 2 {
		return neighbours8
	}
	return neighbours4
}

// floodRegion marks every pixel reachable from seed through pixels whose
// value equals the seed's.
func floodRegion(img *imaging.Image, seed int, nb []offset) *bitset.BitSet {
	h, w := img.Height(), img.Width()
	want := img.Data[seed]
	visited := bitset.New(uint(h * w))
	visited.Set(uint(seed))
	stack := []int{seed}
	for len(stack) > 0 {
		p := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		y, x := p/w, p%w
		for _, o := range nb {
			yy, xx := y+o.dy, x+o.dx
			if yy < 0 || yy >= h || xx < 0 || xx >= w {
				continue
			}
			q := yy*w + xx
			if img.Data[q] == want && !visited.Test(uint(q)) {
				visited.Set(uint(q))
				stack = append(stack, q)
			}
		}
	}
	return visited
}

func fillHoles(img *imaging.Image, _ Params) (*imaging.Image, error) {
	flooded := floodRegion(img, 0, neighbours8)
	out := img.Like(imaging.Binary)
	for i := range out.Data {
		if !flooded.Test(uint(i)) {
			out.Data[i] = 1
		}
	}
	return out, nil
}

// labelComponents labels non-zero pixels 1..n in raster order of each
// component's first pixel. sizes[id] is the pixel count of component id;
// sizes[0] is unused.
func labelComponents(img *imaging.Image, connectivity int) (labels []int, sizes []int) {
	h, w := img.Height(), img.Width()
	nb := neighbourhood(connectivity)
	labels = make([]int, h*w)
	sizes = []int{0}
	visited := bitset.New(uint(h * w))
	var stack []int

	for i, v := range img.Data {
		if v == 0 || visited.Test(uint(i)) {
			continue
		}
		id := len(sizes)
		sizes = append(sizes, 0)
		visited.Set(uint(i))
		stack = append(stack[:0], i)
		for len(stack) > 0 {
			p := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			labels[p] = id
			sizes[id]++
			y, x := p/w, p%w
			for _, o := range nb {
				yy, xx := y+o.dy, x+o.dx
				if yy < 0 || yy >= h || xx < 0 || xx >= w {
					continue
				}
				q := yy*w + xx
				if img.Data[q] != 0 && !visited.Test(uint(q)) {
					visited.Set(uint(q))
					stack = append(stack, q)
				}
			}
		}
	}
	return labels, sizes
}

func removeSmallObjects(img *imaging.Image, p Params) (*imaging.Image, error) {
	minSize := p.Int("min_size")
	labels, sizes := labelComponents(img, p.Int("connectivity"))
	out := img.Like(imaging.Binary)
	for i, id := range labels {
		if id != 0 && sizes[id] >= minSize {
			out.Data[i] = 1
		}
	}
	return out, nil
}

func label(img *imaging.Image, p Params) (*imaging.Image, error) {
	labels, sizes := labelComponents(img, p.Int("connectivity"))
	// label ids must survive float32 rounding
	if len(sizes)-1 > 1<<24 {
		return nil, fmt.Errorf("too many components to label exactly: %d", len(sizes)-1)
	}
	out := img.Like(imaging.Labels)
	for i, id := range labels {
		out.Data[i] = float64(id)
	}
	return out, nil
}
