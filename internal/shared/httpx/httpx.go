// Package httpx holds the JSON response helpers shared by the API handlers.
package httpx

import (
	"encoding/json"
	stderrors "errors"
	"io"
	"net/http"

	"github.com/healthnexus/platform/internal/shared/errors"
	"go.uber.org/zap"
)

// JSON writes data with the given status.
func JSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// Error writes err as {"error", "code", "details"}. Detail keys are also
// copied to the top level, where the web client reads flags like isNewUser.
func Error(w http.ResponseWriter, err error) {
	var appErr *errors.AppError
	if !stderrors.As(err, &appErr) {
		JSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}

	body := map[string]any{
		"error": appErr.Message,
		"code":  appErr.Code,
	}
	if len(appErr.Details) > 0 {
		body["details"] = appErr.Details
		for k, v := range appErr.Details {
			if _, taken := body[k]; !taken {
				body[k] = v
			}
		}
	}
	JSON(w, appErr.HTTPStatus, body)
}

// Fail logs server-side failures and writes the error response.
func Fail(w http.ResponseWriter, r *http.Request, log *zap.Logger, err error) {
	if errors.StatusOf(err) >= http.StatusInternalServerError && log != nil {
		log.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
	}
	Error(w, err)
}

// Decode reads a JSON request body into dst. An empty body leaves dst untouched.
func Decode(r *http.Request, dst any) error {
	if r.Body == nil {
		return nil
	}
	err := json.NewDecoder(r.Body).Decode(dst)
	if err == nil || stderrors.Is(err, io.EOF) {
		return nil
	}
	return errors.BadRequest("invalid request body")
}
