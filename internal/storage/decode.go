package storage

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"

	apperrors "go-wanglab/internal/errors"
)

const (
	// MaxImageBytes caps how much of a source is read.
	MaxImageBytes = 256 << 20

	// MaxImagePixels caps the declared width x height of an image. The
	// header is checked before any pixel buffer is allocated.
	MaxImagePixels = 1 << 26
)

// ImageFetcher loads and decodes one image from a source reference.
type ImageFetcher interface {
	FetchImage(ctx context.Context, ref string) (image.Image, error)
}

// decodeImage decodes any registered format: PNG (8 and 16 bit), TIFF,
// JPEG, GIF and BMP.
func decodeImage(r io.Reader, ref string) (image.Image, error) {
	data, err := io.ReadAll(io.LimitReader(r, MaxImageBytes+1))
	if err != nil {
		return nil, apperrors.NewNetworkError(fmt.Sprintf("failed to read image %s", ref), err)
	}
	if len(data) > MaxImageBytes {
		return nil, apperrors.NewMalformedInputError(fmt.Sprintf("image %s exceeds %d bytes", ref, MaxImageBytes), nil)
	}

	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, apperrors.NewMalformedInputError(fmt.Sprintf("failed to decode image %s", ref), err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 || int64(cfg.Width)*int64(cfg.Height) > MaxImagePixels {
		return nil, apperrors.NewMalformedInputError(fmt.Sprintf("image %s declares %dx%d pixels, limit is %d", ref, cfg.Width, cfg.Height, MaxImagePixels), nil)
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, apperrors.NewMalformedInputError(fmt.Sprintf("failed to decode image %s", ref), err)
	}
	return img, nil
}
