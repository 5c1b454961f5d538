package errors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestConstructorsCarryStatus(t *testing.T) {
	tests := []struct {
		name     string
		err      *AppError
		status   int
		code     string
		sentinel error
	}{
		{"not found", NotFound("user", "42"), http.StatusNotFound, "NOT_FOUND", ErrNotFound},
		{"not found message", NotFoundMessage("Doctor not found"), http.StatusNotFound, "NOT_FOUND", ErrNotFound},
		{"unauthorized", Unauthorized("no token"), http.StatusUnauthorized, "UNAUTHORIZED", ErrUnauthorized},
		{"forbidden", Forbidden("nope"), http.StatusForbidden, "FORBIDDEN", ErrForbidden},
		{"bad request", BadRequest("bad"), http.StatusBadRequest, "BAD_REQUEST", ErrBadRequest},
		{"conflict", Conflict("dup"), http.StatusConflict, "CONFLICT", ErrConflict},
		{"rate limited", TooManyRequests("slow down"), http.StatusTooManyRequests, "RATE_LIMITED", ErrTooManyRequests},
		{"unavailable", Unavailable("AI service not configured"), http.StatusServiceUnavailable, "SERVICE_UNAVAILABLE", ErrUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.err.HTTPStatus != tt.status {
				t.Errorf("Expected status %d, got %d", tt.status, tt.err.HTTPStatus)
			}
			if tt.err.Code != tt.code {
				t.Errorf("Expected code %s, got %s", tt.code, tt.err.Code)
			}
			if !errors.Is(tt.err, tt.sentinel) {
				t.Errorf("Expected error to wrap %v", tt.sentinel)
			}
		})
	}
}

func TestWrapKeepsAppError(t *testing.T) {
	base := NotFound("document", "abc")
	wrapped := Wrap(fmt.Errorf("outer: %w", base), "load failed")

	if wrapped.HTTPStatus != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", wrapped.HTTPStatus)
	}
	if !IsNotFound(wrapped) {
		t.Error("Expected IsNotFound to be true")
	}
}

func TestWrapPlainError(t *testing.T) {
	wrapped := Wrap(errors.New("boom"), "save failed")

	if wrapped.HTTPStatus != http.StatusInternalServerError {
		t.Errorf("Expected status 500, got %d", wrapped.HTTPStatus)
	}
	if wrapped.Error() != "save failed: boom" {
		t.Errorf("Expected 'save failed: boom', got %q", wrapped.Error())
	}
}

func TestWithDetail(t *testing.T) {
	err := Conflict("Already connected to this doctor").WithDetail("is_connected", true)

	if err.Details["is_connected"] != true {
		t.Errorf("Expected is_connected detail, got %v", err.Details)
	}
}

func TestStatusOf(t *testing.T) {
	if got := StatusOf(Forbidden("x")); got != http.StatusForbidden {
		t.Errorf("Expected 403, got %d", got)
	}
	if got := StatusOf(errors.New("plain")); got != http.StatusInternalServerError {
		t.Errorf("Expected 500, got %d", got)
	}
}
