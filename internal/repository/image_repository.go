package repository

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"time"

	apperrors "go-wanglab/internal/errors"
	"go-wanglab/internal/observer"
	"go-wanglab/internal/storage"
	"go-wanglab/pkg/imaging"
	"go-wanglab/pkg/validation"
)

// SchemeRepository implements ImageRepository by routing each URL to the
// source registered for its scheme.
type SchemeRepository struct {
	sources   map[string]storage.ImageFetcher
	validator *validation.URLValidator
	events    observer.Subject
}

// NewSchemeRepository creates a repository over sources keyed by URL
// scheme (http, https, azure, file). events may be nil.
func NewSchemeRepository(sources map[string]storage.ImageFetcher, events observer.Subject) *SchemeRepository {
	r := &SchemeRepository{
		sources: make(map[string]storage.ImageFetcher, len(sources)),
		events:  events,
	}
	for scheme, src := range sources {
		if src != nil {
			r.sources[scheme] = src
		}
	}
	r.validator = validation.NewURLValidatorWithOptions(r.Schemes(), nil)
	return r
}

// Schemes lists the configured schemes in order.
func (r *SchemeRepository) Schemes() []string {
	out := make([]string, 0, len(r.sources))
	for s := range r.sources {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// ValidateImageURL validates if the provided URL is acceptable
func (r *SchemeRepository) ValidateImageURL(imageURL string) error {
	if err := r.validator.ValidateImageURL(imageURL); err != nil {
		return apperrors.NewValidationError(fmt.Sprintf("image URL %q rejected", imageURL), fmt.Errorf("%w: %w", ErrInvalidImageURL, err))
	}
	return nil
}

// FetchImage retrieves and converts the image at imageURL.
func (r *SchemeRepository) FetchImage(ctx context.Context, id, imageURL string) (*imaging.Image, error) {
	start := time.Now()
	img, err := r.fetch(ctx, id, imageURL)

	ev := observer.Event{
		EventType: observer.ImageFetched,
		ImageID:   id,
		Duration:  time.Since(start),
		Success:   err == nil,
		Metadata:  map[string]interface{}{"url": imageURL},
	}
	if img != nil {
		ev.ImageID = img.Key()
	}
	if err != nil {
		ev.EventType = observer.ImageFetchFailed
		ev.ErrorKind = string(apperrors.TypeOf(err))
		ev.ErrorMessage = err.Error()
	}
	if r.events != nil {
		r.events.NotifyObservers(ctx, ev)
	}
	return img, err
}

func (r *SchemeRepository) fetch(ctx context.Context, id, imageURL string) (*imaging.Image, error) {
	if err := r.ValidateImageURL(imageURL); err != nil {
		return nil, err
	}
	u, err := url.Parse(imageURL)
	if err != nil {
		return nil, apperrors.NewValidationError("invalid image URL", fmt.Errorf("%w: %w", ErrInvalidImageURL, err))
	}
	src, ok := r.sources[u.Scheme]
	if !ok {
		return nil, apperrors.NewValidationError(fmt.Sprintf("no source for scheme %q", u.Scheme), ErrSourceUnavailable)
	}

	decoded, err := src.FetchImage(ctx, imageURL)
	if err != nil {
		if apperrors.IsType(err, apperrors.ErrorTypeNotFound) {
			return nil, apperrors.NewNotFoundError(fmt.Sprintf("image %s not found", imageURL), fmt.Errorf("%w: %w", ErrImageNotFound, err))
		}
		return nil, err
	}

	// Without a caller ID the image is known by its content fingerprint,
	// so changed content at the same URL never reuses cached features.
	return imaging.FromImage(id, decoded), nil
}
