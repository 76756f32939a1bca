package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"atlaslibrary/internal/util"
	"atlaslibrary/services/library/internal/app"
)

const maxBodyBytes = 1 << 20

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

type errorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	Details   any    `json:"details,omitempty"`
	RequestID string `json:"requestId,omitempty"`
}

func writeError(w http.ResponseWriter, status int, code, msg string, details any) {
	writeJSON(w, status, errorResponse{
		Error:     msg,
		Code:      code,
		Details:   details,
		RequestID: strings.TrimSpace(w.Header().Get("X-Request-Id")),
	})
}

// writeAppError maps business errors to their status and hides everything
// else behind a 500.
func writeAppError(w http.ResponseWriter, r *http.Request, err error) {
	var appErr *app.Error
	if !errors.As(err, &appErr) {
		util.LoggerFromContext(r.Context()).Error("request failed", "err", err, "path", r.URL.Path, "method", r.Method)
		writeError(w, http.StatusInternalServerError, "SYSTEM_INTERNAL_ERROR", "internal error", nil)
		return
	}
	status, code := statusForKind(appErr.Kind)
	writeError(w, status, code, appErr.Message, appErr.Details)
}

func statusForKind(kind app.Kind) (int, string) {
	switch kind {
	case app.KindBadRequest:
		return http.StatusBadRequest, "LIBRARY_BAD_REQUEST"
	case app.KindConflict:
		return http.StatusConflict, "LIBRARY_CONFLICT"
	case app.KindNotFound:
		return http.StatusNotFound, "LIBRARY_NOT_FOUND"
	case app.KindUnauthorized:
		return http.StatusUnauthorized, "AUTH_INVALID_TOKEN"
	default:
		return http.StatusInternalServerError, "SYSTEM_INTERNAL_ERROR"
	}
}

func writeForbidden(w http.ResponseWriter) {
	writeError(w, http.StatusForbidden, "AUTH_FORBIDDEN", "You do not have permission to access this resource", nil)
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "SYSTEM_METHOD_NOT_ALLOWED", "method not allowed", nil)
}

func notFound(w http.ResponseWriter) {
	writeError(w, http.StatusNotFound, "SYSTEM_NOT_FOUND", "not found", nil)
}

// decode reads a JSON body into dst and runs struct validation. It writes
// the 400 itself and reports whether the handler should continue.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			writeAppError(w, r, app.BadRequest("Missing request body. Please provide the necessary data in the request body", nil))
			return false
		}
		writeAppError(w, r, app.BadRequest("invalid JSON body", err.Error()))
		return false
	}
	if err := s.validate.Struct(dst); err != nil {
		writeAppError(w, r, app.BadRequest("validation error", validationDetails(err)))
		return false
	}
	return true
}

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// validationDetails flattens validator errors into field -> rule pairs.
func validationDetails(err error) map[string]string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return map[string]string{"body": err.Error()}
	}
	out := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		rule := fe.Tag()
		if fe.Param() != "" {
			rule = fmt.Sprintf("%s=%s", rule, fe.Param())
		}
		out[fe.Field()] = rule
	}
	return out
}

// listResponse wraps collections the same way across endpoints.
func listResponse[T any](items []T) map[string]any {
	return map[string]any{
		"items": items,
		"count": len(items),
	}
}
