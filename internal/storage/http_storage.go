package storage

import (
	"context"
	"fmt"
	"image"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	apperrors "go-wanglab/internal/errors"
)

const defaultAttempts = 3

// HTTPImageFetcher downloads images over HTTP(S) with retries and an
// optional request rate limit.
type HTTPImageFetcher struct {
	client   *http.Client
	limiter  *rate.Limiter
	attempts int
	backoff  time.Duration
}

// HTTPOption configures an HTTPImageFetcher.
type HTTPOption func(*HTTPImageFetcher)

// WithRateLimit caps outgoing requests per second. Zero disables the limit.
func WithRateLimit(perSecond float64, burst int) HTTPOption {
	return func(h *HTTPImageFetcher) {
		if perSecond <= 0 {
			h.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		h.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) HTTPOption {
	return func(h *HTTPImageFetcher) { h.client.Timeout = d }
}

// WithBackoff sets the base delay between attempts; attempt n waits n*d.
func WithBackoff(d time.Duration) HTTPOption {
	return func(h *HTTPImageFetcher) { h.backoff = d }
}

// NewHTTPImageFetcher creates an HTTP image fetcher
func NewHTTPImageFetcher(opts ...HTTPOption) *HTTPImageFetcher {
	transport := &http.Transport{
		MaxIdleConns:        32,
		MaxIdleConnsPerHost: 8,
		IdleConnTimeout:     30 * time.Second,

		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,

		MaxResponseHeaderBytes: 4096,
	}

	h := &HTTPImageFetcher{
		client: &http.Client{
			Transport: transport,
			Timeout:   30 * time.Second,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 3 {
					return fmt.Errorf("too many redirects (limit: 3)")
				}
				return nil
			},
		},
		attempts: defaultAttempts,
		backoff:  time.Second,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// FetchImage downloads and decodes imageURL. Network errors and 5xx
// responses are retried; 4xx responses are not.
func (h *HTTPImageFetcher) FetchImage(ctx context.Context, imageURL string) (image.Image, error) {
	var lastErr error

	for attempt := 0; attempt < h.attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, apperrors.NewCancelledError("image fetch cancelled", ctx.Err())
			case <-time.After(time.Duration(attempt) * h.backoff):
			}
		}
		if h.limiter != nil {
			if err := h.limiter.Wait(ctx); err != nil {
				return nil, apperrors.NewCancelledError("image fetch cancelled while rate limited", err)
			}
		}

		img, retry, err := h.fetchOnce(ctx, imageURL)
		if err == nil {
			return img, nil
		}
		lastErr = err
		if !retry {
			return nil, err
		}
	}

	return nil, apperrors.NewNetworkError(fmt.Sprintf("failed to fetch image after %d attempts", h.attempts), lastErr)
}

// fetchOnce performs one request and reports whether a failure may be
// retried.
func (h *HTTPImageFetcher) fetchOnce(ctx context.Context, imageURL string) (image.Image, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, imageURL, nil)
	if err != nil {
		return nil, false, apperrors.NewValidationError("invalid URL", err)
	}
	req.Header.Set("Accept", "image/png, image/tiff, image/jpeg, image/gif, image/bmp, */*")
	req.Header.Set("User-Agent", "go-wanglab/1.0")

	resp, err := h.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, false, apperrors.NewCancelledError("image fetch cancelled", ctx.Err())
		}
		return nil, true, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		img, err := decodeImage(resp.Body, imageURL)
		return img, false, err
	case resp.StatusCode == http.StatusNotFound:
		return nil, false, apperrors.NewNotFoundError(fmt.Sprintf("client error: status code %d", resp.StatusCode), nil)
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return nil, false, apperrors.NewValidationError(fmt.Sprintf("client error: status code %d", resp.StatusCode), nil)
	default:
		return nil, true, fmt.Errorf("server error: status code %d", resp.StatusCode)
	}
}
