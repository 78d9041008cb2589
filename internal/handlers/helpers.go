package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/pixcrawler/pixcrawler/internal/common"
	"github.com/pixcrawler/pixcrawler/internal/faults"
)

var validate = newValidator()

// newValidator builds the request validator, reporting fields by their
// JSON names so wire errors match the payload the caller sent.
func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

type contextKey string

const (
	userIDKey    contextKey = "user_id"
	requestIDKey contextKey = "request_id"
)

// WithUserID attaches the authenticated user id to the request context.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

// UserIDFrom returns the authenticated user id, or "" when the request
// was not authenticated.
func UserIDFrom(ctx context.Context) string {
	userID, _ := ctx.Value(userIDKey).(string)
	return userID
}

// WithRequestID attaches the per-request id to the request context.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestIDFrom returns the per-request id, generating one if the
// middleware did not run (tests hitting handlers directly).
func RequestIDFrom(ctx context.Context) string {
	if requestID, ok := ctx.Value(requestIDKey).(string); ok {
		return requestID
	}
	return common.NewRequestID()
}

// RequireMethod validates that the request uses the given method.
// Returns true if it matches; otherwise writes a 405 with the Allow
// header and the wire error shape, and returns false.
func RequireMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method != method {
		w.Header().Set("Allow", method)
		message := fmt.Sprintf("method %s not allowed", r.Method)
		writeJSON(w, http.StatusMethodNotAllowed, map[string]interface{}{
			"message":    message,
			"details":    []ErrorDetail{{Detail: message, ErrorCode: "method_not_allowed"}},
			"request_id": RequestIDFrom(r.Context()),
		})
		return false
	}
	return true
}

// Meta carries collection pagination metadata.
type Meta struct {
	Total int `json:"total"`
	Page  int `json:"page"`
	Limit int `json:"limit"`
	Pages int `json:"pages"`
}

// WriteData writes a single-entity envelope {"data": ...}.
func WriteData(w http.ResponseWriter, statusCode int, data interface{}) {
	writeJSON(w, statusCode, map[string]interface{}{"data": data})
}

// WriteCollection writes a collection envelope with pagination meta.
func WriteCollection(w http.ResponseWriter, data interface{}, total, page, limit int) {
	pages := 0
	if limit > 0 {
		pages = (total + limit - 1) / limit
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": data,
		"meta": Meta{Total: total, Page: page, Limit: limit, Pages: pages},
	})
}

// ErrorDetail is one entry of an error response's details list.
type ErrorDetail struct {
	Detail    string `json:"detail"`
	ErrorCode string `json:"error_code"`
	Field     string `json:"field,omitempty"`
}

// WriteFault translates a taxonomy error into the wire error shape
// {"message", "details", "request_id"} with the status code mapped from
// the fault kind.
func WriteFault(w http.ResponseWriter, r *http.Request, err error) {
	kind := faults.KindOf(err)
	detail := ErrorDetail{Detail: err.Error(), ErrorCode: string(kind)}

	var f *faults.Fault
	if errors.As(err, &f) {
		detail.Detail = f.Message
		detail.Field = f.Field
	}

	status := faults.HTTPStatus(kind)
	if status == http.StatusInternalServerError {
		// Internal causes stay in the logs, not on the wire.
		detail.Detail = "internal error"
	}

	if wait := faults.RetryAfterOf(err); wait > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(int(wait.Seconds())))
	}

	writeJSON(w, status, map[string]interface{}{
		"message":    detail.Detail,
		"details":    []ErrorDetail{detail},
		"request_id": RequestIDFrom(r.Context()),
	})
}

// DecodeBody decodes a JSON request body into dst. Returns false after
// writing a bad-request error when the body is malformed.
func DecodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(dst); err != nil {
		WriteFault(w, r, faults.Wrap(faults.KindBadRequest, err, "malformed JSON body"))
		return false
	}
	return true
}

// DecodeValidBody decodes a JSON request body and checks its validate
// tags. Binding failures are 422 validation faults naming the field.
func DecodeValidBody(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if !DecodeBody(w, r, dst) {
		return false
	}
	if err := validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			first := verrs[0]
			WriteFault(w, r, faults.Validationf(first.Field(), "failed %q constraint", first.Tag()))
			return false
		}
		WriteFault(w, r, faults.Wrap(faults.KindValidation, err, "invalid request body"))
		return false
	}
	return true
}

// PathSegment returns the path segment at the given index after prefix,
// or "". PathSegment("/api/v1/jobs/job_1/start", "/api/v1/jobs/", 0)
// returns "job_1".
func PathSegment(path, prefix string, index int) string {
	if !strings.HasPrefix(path, prefix) {
		return ""
	}
	parts := strings.Split(strings.Trim(path[len(prefix):], "/"), "/")
	if index >= len(parts) {
		return ""
	}
	return parts[index]
}

// PaginationParams extracts 1-based page and limit query parameters.
// Defaults: page 1, limit 20, limit capped at 100.
func PaginationParams(r *http.Request) (page, limit int) {
	page = 1
	limit = 20

	if pageStr := r.URL.Query().Get("page"); pageStr != "" {
		if p, err := strconv.Atoi(pageStr); err == nil && p > 0 {
			page = p
		}
	}
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 && l <= 100 {
			limit = l
		}
	}
	return page, limit
}

func writeJSON(w http.ResponseWriter, statusCode int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(body)
}
