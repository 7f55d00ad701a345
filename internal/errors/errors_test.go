package errors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestConstructors(t *testing.T) {
	tests := []struct {
		name       string
		err        *AppError
		wantType   ErrorType
		wantStatus int
	}{
		{"malformed input", NewMalformedInputError("rank 4", nil), ErrorTypeMalformedInput, http.StatusUnprocessableEntity},
		{"transform", NewTransformError("no regions", nil), ErrorTypeTransform, http.StatusUnprocessableEntity},
		{"cache corruption", NewCacheCorruptionError("bad crc", nil), ErrorTypeCacheCorruption, http.StatusInternalServerError},
		{"invalid config", NewInvalidConfigError("unknown step", nil), ErrorTypeInvalidConfig, http.StatusBadRequest},
		{"unfitted model", NewUnfittedModelError("knn", nil), ErrorTypeUnfittedModel, http.StatusConflict},
		{"cancelled", NewCancelledError("run cancelled", nil), ErrorTypeCancelled, http.StatusServiceUnavailable},
		{"not found", NewNotFoundError("missing", nil), ErrorTypeNotFound, http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.err.Type != tt.wantType {
				t.Errorf("Expected type %s, got %s", tt.wantType, tt.err.Type)
			}
			if GetStatusCode(tt.err) != tt.wantStatus {
				t.Errorf("Expected status %d, got %d", tt.wantStatus, GetStatusCode(tt.err))
			}
		})
	}
}

func TestIsType_Wrapped(t *testing.T) {
	base := NewTransformError("label produced zero regions", nil)
	wrapped := fmt.Errorf("item img2: %w", base)

	if !IsType(wrapped, ErrorTypeTransform) {
		t.Error("Expected wrapped error to match transform type")
	}
	if IsType(wrapped, ErrorTypeMalformedInput) {
		t.Error("Did not expect wrapped error to match malformed_input")
	}
	if TypeOf(wrapped) != ErrorTypeTransform {
		t.Errorf("Expected TypeOf transform, got %s", TypeOf(wrapped))
	}
}

func TestIsType_Cause(t *testing.T) {
	corruption := NewCacheCorruptionError("crc mismatch", nil)
	err := NewTransformError("recompute failed", corruption)

	if !IsType(err, ErrorTypeCacheCorruption) {
		t.Error("Expected corruption cause to be visible through IsType")
	}
	if TypeOf(err) != ErrorTypeTransform {
		t.Errorf("Expected outermost type transform, got %s", TypeOf(err))
	}
}

func TestIsType_Joined(t *testing.T) {
	err := errors.Join(NewTransformError("recompute failed", nil), NewCacheCorruptionError("bad magic", nil))

	if !IsType(err, ErrorTypeCacheCorruption) {
		t.Error("Expected joined corruption to be visible through IsType")
	}
	if !IsType(err, ErrorTypeTransform) {
		t.Error("Expected joined transform to be visible through IsType")
	}
	if IsType(nil, ErrorTypeTransform) {
		t.Error("nil never matches")
	}
}

func TestIsSystemic(t *testing.T) {
	if !IsSystemic(NewInvalidConfigError("x", nil)) {
		t.Error("invalid config must be systemic")
	}
	if !IsSystemic(NewUnfittedModelError("x", nil)) {
		t.Error("unfitted model must be systemic")
	}
	if IsSystemic(NewMalformedInputError("x", nil)) {
		t.Error("malformed input must not be systemic")
	}
	if IsSystemic(errors.New("plain")) {
		t.Error("plain errors must not be systemic")
	}
}

func TestError_Message(t *testing.T) {
	err := NewNetworkError("failed to fetch image", errors.New("connection refused"))
	want := "network: failed to fetch image (caused by: connection refused)"
	if err.Error() != want {
		t.Errorf("Expected %q, got %q", want, err.Error())
	}
	if !errors.Is(err, err.Cause) {
		t.Error("Expected Unwrap to expose the cause")
	}
}

func TestGetStatusCode_PlainError(t *testing.T) {
	if GetStatusCode(errors.New("boom")) != http.StatusInternalServerError {
		t.Error("Expected 500 for plain errors")
	}
}

func TestMessageOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, ""},
		{"plain", errors.New("boom"), "boom"},
		{"app error", NewMalformedInputError("rank 4", nil), "rank 4"},
		{"app error with cause", NewNetworkError("fetch failed", errors.New("connection refused")), "fetch failed: connection refused"},
		{"wrapped keeps context", fmt.Errorf("item 2: %w", NewTransformError("no regions", nil)), "item 2: transform: no regions"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := MessageOf(tt.err); got != tt.want {
				t.Errorf("MessageOf() = %q, want %q", got, tt.want)
			}
		})
	}
}
