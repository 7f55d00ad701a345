package imaging

import (
	"image"
	"image/color"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_Validation(t *testing.T) {
	_, err := New("a", []int{2, 2}, Uint8, []float64{1, 2, 3})
	assert.Error(t, err, "data length mismatch")

	_, err = New("a", []int{4}, Uint8, []float64{1, 2, 3, 4})
	assert.Error(t, err, "rank 1")

	_, err = New("a", []int{2, 0}, Uint8, nil)
	assert.Error(t, err, "zero dimension")

	_, err = New("a", []int{1, 1}, DType("int8"), []float64{1})
	assert.Error(t, err, "unknown dtype")

	img, err := New("a", []int{1, 2, 3}, Float32, make([]float64, 6))
	require.NoError(t, err)
	assert.Equal(t, 3, img.Rank())
	assert.Equal(t, 3, img.Channels())
}

func TestNew_CopiesCallerSlices(t *testing.T) {
	data := []float64{1, 2, 3, 4}
	shape := []int{2, 2}
	img, err := New("a", shape, Uint8, data)
	require.NoError(t, err)

	data[0] = 99
	shape[0] = 7
	assert.Equal(t, 1.0, img.At(0, 0))
	assert.Equal(t, 2, img.Height())
}

func TestFingerprint(t *testing.T) {
	a, _ := New("a", []int{2, 2}, Uint8, []float64{1, 2, 3, 4})
	b, _ := New("b", []int{2, 2}, Uint8, []float64{1, 2, 3, 4})
	c, _ := New("c", []int{2, 2}, Uint16, []float64{1, 2, 3, 4})
	d, _ := New("d", []int{1, 4}, Uint8, []float64{1, 2, 3, 4})

	assert.Equal(t, a.Fingerprint(), b.Fingerprint(), "content hash ignores id")
	assert.NotEqual(t, a.Fingerprint(), c.Fingerprint(), "dtype is part of identity")
	assert.NotEqual(t, a.Fingerprint(), d.Fingerprint(), "shape is part of identity")

	assert.Equal(t, "a", a.Key())
	anon := a.Clone()
	anon.ID = ""
	assert.Equal(t, a.Fingerprint(), anon.Key())
}

func TestClone_Independent(t *testing.T) {
	a, _ := New("a", []int{1, 2}, Float64, []float64{0.5, 0.25})
	b := a.Clone()
	b.Data[0] = 1
	assert.Equal(t, 0.5, a.Data[0])
}

func TestDType(t *testing.T) {
	assert.Equal(t, 255.0, Uint8.MaxValue())
	assert.Equal(t, 65535.0, Uint16.MaxValue())
	assert.Equal(t, 1.0, Float64.MaxValue())
	assert.True(t, math.IsInf(Labels.MaxValue(), 1))
	assert.True(t, Float32.Numeric())
	assert.False(t, Binary.Numeric())
}

func TestFromImage(t *testing.T) {
	gray := image.NewGray(image.Rect(0, 0, 3, 2))
	gray.SetGray(2, 1, color.Gray{Y: 200})
	g := FromImage("g", gray)
	assert.Equal(t, []int{2, 3}, g.Shape)
	assert.Equal(t, Uint8, g.DType)
	assert.Equal(t, 200.0, g.At(1, 2))

	g16 := image.NewGray16(image.Rect(0, 0, 1, 1))
	g16.SetGray16(0, 0, color.Gray16{Y: 40000})
	assert.Equal(t, 40000.0, FromImage("g16", g16).Data[0])

	rgba := image.NewRGBA(image.Rect(0, 0, 2, 1))
	rgba.Set(1, 0, color.RGBA{R: 10, G: 20, B: 30, A: 255})
	rgb := FromImage("rgb", rgba)
	assert.Equal(t, []int{1, 2, 3}, rgb.Shape)
	assert.Equal(t, []float64{10, 20, 30}, rgb.Data[3:6])
}

func TestStartingFrame(t *testing.T) {
	dark := Zeros(2, 2, Uint16)
	lit := Zeros(2, 2, Uint16)
	lit.Set(1, 1, 900)

	idx, ok := StartingFrame([]*Image{dark, dark, lit, dark}, 500)
	assert.True(t, ok)
	assert.Equal(t, 2, idx)

	_, ok = StartingFrame([]*Image{dark}, 500)
	assert.False(t, ok)

	// already open on the first frame: no transition
	_, ok = StartingFrame([]*Image{lit, lit}, 500)
	assert.False(t, ok)

	edge := Zeros(1, 1, Uint16)
	edge.Set(0, 0, 500)
	idx, ok = StartingFrame([]*Image{dark, edge}, 500)
	assert.True(t, ok)
	assert.Equal(t, 1, idx)
}
