package imaging

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"image"
	"image/color"
	"math"
)

// DType is the nominal element type of an image array. Pixel values are
// always held as float64; the dtype records the range they came from.
type DType string

const (
	Uint8   DType = "uint8"
	Uint16  DType = "uint16"
	Float32 DType = "float32"
	Float64 DType = "float64"
	Binary  DType = "binary"
	Labels  DType = "labels"
)

// Valid reports whether d is a known dtype.
func (d DType) Valid() bool {
	switch d {
	case Uint8, Uint16, Float32, Float64, Binary, Labels:
		return true
	}
	return false
}

// Numeric reports whether d is an intensity dtype.
func (d DType) Numeric() bool {
	switch d {
	case Uint8, Uint16, Float32, Float64:
		return true
	}
	return false
}

// MaxValue returns the nominal full-scale value for the dtype.
func (d DType) MaxValue() float64 {
	switch d {
	case Uint8:
		return 255
	case Uint16:
		return 65535
	case Labels:
		return math.Inf(1)
	default:
		return 1
	}
}

// Image is a dense rank-2 (H x W) or rank-3 (H x W x C) array in row-major order.
type Image struct {
	ID    string    `json:"id,omitempty"`
	Shape []int     `json:"shape"`
	DType DType     `json:"dtype"`
	Data  []float64 `json:"data"`
}

// New builds an image after checking that data matches shape. The caller's
// slices are copied.
func New(id string, shape []int, dtype DType, data []float64) (*Image, error) {
	if !dtype.Valid() {
		return nil, fmt.Errorf("unknown dtype %q", dtype)
	}
	if len(shape) != 2 && len(shape) != 3 {
		return nil, fmt.Errorf("image rank must be 2 or 3, got %d", len(shape))
	}
	n := 1
	for _, s := range shape {
		if s <= 0 {
			return nil, fmt.Errorf("shape %v has non-positive dimension", shape)
		}
		n *= s
	}
	if len(data) != n {
		return nil, fmt.Errorf("shape %v needs %d values, got %d", shape, n, len(data))
	}
	return &Image{
		ID:    id,
		Shape: append([]int(nil), shape...),
		DType: dtype,
		Data:  append([]float64(nil), data...),
	}, nil
}

// Zeros allocates an H x W image of the given dtype.
func Zeros(h, w int, dtype DType) *Image {
	return &Image{Shape: []int{h, w}, DType: dtype, Data: make([]float64, h*w)}
}

func (im *Image) Rank() int { return len(im.Shape) }
func (im *Image) Height() int { return im.Shape[0] }
func (im *Image) Width() int { return im.Shape[1] }
func (im *Image) Len() int { return len(im.Data) }

// Channels returns 1 for rank-2 images.
func (im *Image) Channels() int {
	if len(im.Shape) == 3 {
		return im.Shape[2]
	}
	return 1
}

// At returns the value at (r, c) of a rank-2 image.
func (im *Image) At(r, c int) float64 {
	return im.Data[r*im.Shape[1]+c]
}

// Set writes the value at (r, c) of a rank-2 image.
func (im *Image) Set(r, c int, v float64) {
	im.Data[r*im.Shape[1]+c] = v
}

// Like returns a zeroed image with the same shape and the given dtype.
func (im *Image) Like(dtype DType) *Image {
	return &Image{
		ID:    im.ID,
		Shape: append([]int(nil), im.Shape...),
		DType: dtype,
		Data:  make([]float64, len(im.Data)),
	}
}

// Clone deep-copies the image.
func (im *Image) Clone() *Image {
	return &Image{
		ID:    im.ID,
		Shape: append([]int(nil), im.Shape...),
		DType: im.DType,
		Data:  append([]float64(nil), im.Data...),
	}
}

// Max returns the largest pixel value, or -Inf for an empty image.
func (im *Image) Max() float64 {
	m := math.Inf(-1)
	for _, v := range im.Data {
		if v > m {
			m = v
		}
	}
	return m
}

// Fingerprint is a content hash over dtype, shape and pixel values. Two
// images with identical content share a fingerprint regardless of ID.
func (im *Image) Fingerprint() string {
	h := sha256.New()
	h.Write([]byte(im.DType))
	var buf [8]byte
	for _, s := range im.Shape {
		binary.LittleEndian.PutUint64(buf[:], uint64(s))
		h.Write(buf[:])
	}
	for _, v := range im.Data {
		binary.LittleEndian.PutUint64(buf[:], math.Float64bits(v))
		h.Write(buf[:])
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Key is the identity used for caching: the explicit ID when present,
// otherwise the content fingerprint.
func (im *Image) Key() string {
	if im.ID != "" {
		return im.ID
	}
	return im.Fingerprint()
}

// FromImage converts a decoded image. Gray and Gray16 sources become rank-2
// images; everything else becomes an H x W x 3 RGB image (alpha dropped).
func FromImage(id string, src image.Image) *Image {
	b := src.Bounds()
	h, w := b.Dy(), b.Dx()

	switch g := src.(type) {
	case *image.Gray:
		out := &Image{ID: id, Shape: []int{h, w}, DType: Uint8, Data: make([]float64, h*w)}
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				out.Data[y*w+x] = float64(g.GrayAt(b.Min.X+x, b.Min.Y+y).Y)
			}
		}
		return out
	case *image.Gray16:
		out := &Image{ID: id, Shape: []int{h, w}, DType: Uint16, Data: make([]float64, h*w)}
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				out.Data[y*w+x] = float64(g.Gray16At(b.Min.X+x, b.Min.Y+y).Y)
			}
		}
		return out
	}

	out := &Image{ID: id, Shape: []int{h, w, 3}, DType: Uint8, Data: make([]float64, h*w*3)}
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			c := color.NRGBAModel.Convert(src.At(b.Min.X+x, b.Min.Y+y)).(color.NRGBA)
			i := (y*w + x) * 3
			out.Data[i] = float64(c.R)
			out.Data[i+1] = float64(c.G)
			out.Data[i+2] = float64(c.B)
		}
	}
	return out
}

// StartingFrame returns the index of the first frame whose maximum reaches
// threshold while the previous frame's maximum stayed below it, i.e. the
// frame at which the shutter opened. ok is false when the stack has no such
// transition.
func StartingFrame(frames []*Image, threshold float64) (index int, ok bool) {
	for i := 0; i+1 < len(frames); i++ {
		if frames[i] == nil || frames[i+1] == nil {
			continue
		}
		if frames[i].Max() < threshold && frames[i+1].Max() >= threshold {
			return i + 1, true
		}
	}
	return -1, false
}
