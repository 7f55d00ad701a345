package repository

import (
	"context"

	"go-wanglab/pkg/imaging"
)

// ImageRepository defines the interface for image data access operations
type ImageRepository interface {
	// FetchImage loads the image at imageURL and names it id. An empty id
	// falls back to the URL.
	FetchImage(ctx context.Context, id, imageURL string) (*imaging.Image, error)

	// ValidateImageURL validates if the provided URL is acceptable
	ValidateImageURL(imageURL string) error

	// Schemes lists the URL schemes with a configured source.
	Schemes() []string
}
