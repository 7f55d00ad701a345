package repository

import "errors"

var (
	// ErrInvalidImageURL indicates an invalid image URL
	ErrInvalidImageURL = errors.New("invalid image URL")

	// ErrImageNotFound indicates the image was not found
	ErrImageNotFound = errors.New("image not found")

	// ErrSourceUnavailable indicates no source is configured for a URL scheme
	ErrSourceUnavailable = errors.New("image source unavailable")
)
