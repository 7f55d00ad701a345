package validation

import (
	"net/url"
	"slices"
	"strings"

	apperrors "go-wanglab/internal/errors"
)

// URLValidator checks image references before they reach an image source.
// Scheme and host comparisons are case-insensitive.
type URLValidator struct {
	allowedSchemes []string
	allowedHosts   []string
}

// NewURLValidator accepts http and https references on any host.
func NewURLValidator() *URLValidator {
	return NewURLValidatorWithOptions([]string{"http", "https"}, nil)
}

// NewURLValidatorWithOptions restricts references to schemes and, when
// hosts is non-empty, to those hosts.
func NewURLValidatorWithOptions(schemes []string, hosts []string) *URLValidator {
	return &URLValidator{
		allowedSchemes: lower(schemes),
		allowedHosts:   lower(hosts),
	}
}

// WithSchemes returns a copy that also accepts the given schemes.
func (v *URLValidator) WithSchemes(schemes ...string) *URLValidator {
	return &URLValidator{
		allowedSchemes: append(slices.Clone(v.allowedSchemes), lower(schemes)...),
		allowedHosts:   v.allowedHosts,
	}
}

// ValidateImageURL reports a validation error when imageURL cannot name an
// image in any allowed source. file references need a path and no host;
// every other scheme needs a host (the container for azure).
func (v *URLValidator) ValidateImageURL(imageURL string) error {
	if strings.TrimSpace(imageURL) == "" {
		return apperrors.NewValidationError("URL cannot be empty", nil)
	}

	u, err := url.Parse(imageURL)
	if err != nil {
		return apperrors.NewValidationError("Invalid URL format", err)
	}

	scheme := strings.ToLower(u.Scheme)
	if !slices.Contains(v.allowedSchemes, scheme) {
		return apperrors.NewValidationError("URL scheme not allowed: "+u.Scheme, nil)
	}

	if scheme == "file" {
		if strings.Trim(u.Path, "/") == "" {
			return apperrors.NewValidationError("URL must have a path", nil)
		}
		return nil
	}

	if u.Host == "" {
		return apperrors.NewValidationError("URL must have a valid host", nil)
	}
	if len(v.allowedHosts) > 0 && !slices.Contains(v.allowedHosts, strings.ToLower(u.Hostname())) {
		return apperrors.NewValidationError("URL host not allowed: "+u.Hostname(), nil)
	}
	return nil
}

func lower(in []string) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = strings.ToLower(s)
	}
	return out
}
