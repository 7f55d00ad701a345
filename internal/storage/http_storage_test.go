package storage

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	apperrors "go-wanglab/internal/errors"
)

func pngBytes(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func gray16(w, h int) *image.Gray16 {
	img := image.NewGray16(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetGray16(x, y, color.Gray16{Y: uint16(1000*y + x)})
		}
	}
	return img
}

func TestHTTPImageFetcher_RetryLogic(t *testing.T) {
	tests := []struct {
		name          string
		responses     []int // Status codes to return in sequence
		expectRetries int   // Expected number of requests
		expectError   bool
		errorType     apperrors.ErrorType
		errorContains string
	}{
		{
			name:          "Success on first attempt",
			responses:     []int{200},
			expectRetries: 1,
		},
		{
			name:          "Success on second attempt after 5xx",
			responses:     []int{500, 200},
			expectRetries: 2,
		},
		{
			name:          "404 - no retry",
			responses:     []int{404},
			expectRetries: 1,
			expectError:   true,
			errorType:     apperrors.ErrorTypeNotFound,
			errorContains: "client error: status code 404",
		},
		{
			name:          "4xx after 5xx - should retry until 4xx then stop",
			responses:     []int{500, 403},
			expectRetries: 2,
			expectError:   true,
			errorType:     apperrors.ErrorTypeValidation,
			errorContains: "client error: status code 403",
		},
		{
			name:          "All 5xx errors - retry all attempts",
			responses:     []int{500, 502, 503},
			expectRetries: 3,
			expectError:   true,
			errorType:     apperrors.ErrorTypeNetwork,
			errorContains: "server error: status code 503",
		},
	}

	payload := pngBytes(t, gray16(3, 2))

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var requestCount atomic.Int64

			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				i := int(requestCount.Add(1)) - 1
				if i >= len(tt.responses) {
					w.WriteHeader(http.StatusInternalServerError)
					return
				}
				if tt.responses[i] == http.StatusOK {
					w.Header().Set("Content-Type", "image/png")
					w.Write(payload)
					return
				}
				w.WriteHeader(tt.responses[i])
			}))
			defer server.Close()

			fetcher := NewHTTPImageFetcher(WithBackoff(time.Millisecond))
			img, err := fetcher.FetchImage(context.Background(), server.URL)

			if got := int(requestCount.Load()); got != tt.expectRetries {
				t.Errorf("Expected %d requests, got %d", tt.expectRetries, got)
			}

			if !tt.expectError {
				if err != nil {
					t.Fatalf("Expected no error, got: %v", err)
				}
				if img.Bounds().Dx() != 3 || img.Bounds().Dy() != 2 {
					t.Errorf("Expected 3x2 image, got %v", img.Bounds())
				}
				return
			}
			if err == nil {
				t.Fatal("Expected error, but got none")
			}
			if !apperrors.IsType(err, tt.errorType) {
				t.Errorf("Expected %s error, got %v", tt.errorType, err)
			}
			if !strings.Contains(err.Error(), tt.errorContains) {
				t.Errorf("Expected error to contain %q, got: %s", tt.errorContains, err.Error())
			}
		})
	}
}

func TestHTTPImageFetcher_NetworkError_Retry(t *testing.T) {
	var requestCount atomic.Int64
	payload := pngBytes(t, gray16(1, 1))

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if requestCount.Add(1) < 3 {
			// Simulate network error by closing connection
			if hj, ok := w.(http.Hijacker); ok {
				conn, _, _ := hj.Hijack()
				conn.Close()
			}
			return
		}
		w.Write(payload)
	}))
	defer server.Close()

	fetcher := NewHTTPImageFetcher(WithBackoff(20 * time.Millisecond))

	start := time.Now()
	_, err := fetcher.FetchImage(context.Background(), server.URL)
	duration := time.Since(start)

	if err != nil {
		t.Errorf("Expected success after retries, got error: %s", err.Error())
	}
	if requestCount.Load() != 3 {
		t.Errorf("Expected 3 requests, got %d", requestCount.Load())
	}
	// 1x + 2x backoff
	if duration < 60*time.Millisecond {
		t.Errorf("Expected at least 60ms due to backoff, took %v", duration)
	}
}

func TestHTTPImageFetcher_UndecodableBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("not an image"))
	}))
	defer server.Close()

	_, err := NewHTTPImageFetcher().FetchImage(context.Background(), server.URL)
	if !apperrors.IsType(err, apperrors.ErrorTypeMalformedInput) {
		t.Errorf("Expected malformed input error, got %v", err)
	}
}

func TestHTTPImageFetcher_RateLimit(t *testing.T) {
	payload := pngBytes(t, gray16(1, 1))
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(payload)
	}))
	defer server.Close()

	fetcher := NewHTTPImageFetcher(WithRateLimit(20, 1))
	start := time.Now()
	for i := 0; i < 3; i++ {
		if _, err := fetcher.FetchImage(context.Background(), server.URL); err != nil {
			t.Fatalf("fetch %d: %v", i, err)
		}
	}
	// burst 1 at 20/s: the 2nd and 3rd requests each wait ~50ms
	if elapsed := time.Since(start); elapsed < 90*time.Millisecond {
		t.Errorf("Expected rate limiting to slow requests, took %v", elapsed)
	}
}

func TestHTTPImageFetcher_CancelledDuringBackoff(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := NewHTTPImageFetcher(WithBackoff(time.Hour)).FetchImage(ctx, server.URL)
	if !apperrors.IsType(err, apperrors.ErrorTypeCancelled) {
		t.Errorf("Expected cancelled error, got %v", err)
	}
}

func TestLocalStorage(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "run-7"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "run-7", "frame.png"), pngBytes(t, gray16(4, 3)), 0o644); err != nil {
		t.Fatal(err)
	}

	s, err := NewLocalStorage(root)
	if err != nil {
		t.Fatalf("NewLocalStorage: %v", err)
	}

	tests := []struct {
		name    string
		ref     string
		errType apperrors.ErrorType
	}{
		{"relative path", "run-7/frame.png", ""},
		{"file url", "file:///run-7/frame.png", ""},
		{"missing", "run-7/nope.png", apperrors.ErrorTypeNotFound},
		{"escape", "../outside.png", apperrors.ErrorTypeValidation},
		{"escape via url", "file:///../../etc/passwd", apperrors.ErrorTypeValidation},
		{"root itself", "file:///", apperrors.ErrorTypeValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			img, err := s.FetchImage(context.Background(), tt.ref)
			if tt.errType == "" {
				if err != nil {
					t.Fatalf("Expected no error, got %v", err)
				}
				if _, ok := img.(*image.Gray16); !ok {
					t.Errorf("Expected 16-bit gray image, got %T", img)
				}
				return
			}
			if !apperrors.IsType(err, tt.errType) {
				t.Errorf("Expected %s error, got %v", tt.errType, err)
			}
		})
	}

	if _, err := NewLocalStorage(filepath.Join(root, "missing")); err == nil {
		t.Error("Expected error for missing root")
	}
}

func TestParseBlobURL(t *testing.T) {
	tests := []struct {
		url       string
		container string
		blob      string
		wantErr   bool
	}{
		{"azure://frames/run-7/frame-0001.png", "frames", "run-7/frame-0001.png", false},
		{"https://acct.blob.core.windows.net/frames/a.tif", "frames", "a.tif", false},
		{"azure:///blob.png", "", "", true},
		{"azure://frames/", "", "", true},
		{"https://acct.blob.core.windows.net/frames", "", "", true},
		{"ftp://frames/a.png", "", "", true},
	}
	for _, tt := range tests {
		c, b, err := parseBlobURL(tt.url)
		if tt.wantErr {
			if err == nil {
				t.Errorf("%s: expected error", tt.url)
			}
			continue
		}
		if err != nil || c != tt.container || b != tt.blob {
			t.Errorf("%s: got (%q, %q, %v), want (%q, %q)", tt.url, c, b, err, tt.container, tt.blob)
		}
	}
}

// gifHeader is a GIF whose screen descriptor declares w x h pixels and
// nothing else.
func gifHeader(w, h uint16) []byte {
	return []byte{'G', 'I', 'F', '8', '9', 'a', byte(w), byte(w >> 8), byte(h), byte(h >> 8), 0, 0, 0}
}

func TestDecodeImage_Limits(t *testing.T) {
	tests := []struct {
		name    string
		data    []byte
		wantErr bool
		errMsg  string
	}{
		{name: "small png", data: pngBytes(t, gray16(3, 2))},
		{name: "huge declared dimensions", data: gifHeader(65535, 65535), wantErr: true, errMsg: "declares 65535x65535 pixels"},
		{name: "not an image", data: []byte("hello"), wantErr: true, errMsg: "failed to decode"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			img, err := decodeImage(bytes.NewReader(tt.data), "ref")
			if !tt.wantErr {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				if img.Bounds().Dx() != 3 || img.Bounds().Dy() != 2 {
					t.Errorf("bounds = %v", img.Bounds())
				}
				return
			}
			if !apperrors.IsType(err, apperrors.ErrorTypeMalformedInput) {
				t.Fatalf("expected malformed input error, got %v", err)
			}
			if !strings.Contains(err.Error(), tt.errMsg) {
				t.Errorf("error %q does not mention %q", err.Error(), tt.errMsg)
			}
		})
	}
}
