// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"grimm.is/flymesh/internal/errors"
	"grimm.is/flymesh/internal/logging"
)

// Common error messages, deduplicated across handlers.
const (
	ErrInvalidBody  = "Invalid request body"
	ErrHubOffline   = "Hub agent not connected"
	ErrUnauthorized = "Unauthorized"
)

// WriteJSON writes v as the JSON response body with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Error("Failed to encode response", "error", err)
	}
}

// WriteError writes a plain error envelope.
func WriteError(w http.ResponseWriter, status int, msg string) {
	WriteJSON(w, status, map[string]any{"error": msg})
}

// WriteErrorCode writes an error envelope carrying a stable error_code
// clients can branch on.
func WriteErrorCode(w http.ResponseWriter, status int, code, msg string) {
	WriteJSON(w, status, map[string]any{"error": msg, "error_code": code})
}

// WriteDomainError translates a kind-carrying error into the HTTP
// surface: status from the kind, error_code when one was attached.
func WriteDomainError(w http.ResponseWriter, err error) {
	status := statusForKind(errors.GetKind(err))
	if code := errors.Code(err); code != "" {
		WriteErrorCode(w, status, code, err.Error())
		return
	}
	WriteError(w, status, err.Error())
}

func statusForKind(k errors.Kind) int {
	switch k {
	case errors.KindValidation:
		return http.StatusBadRequest
	case errors.KindUnauthorized:
		return http.StatusUnauthorized
	case errors.KindNotFound:
		return http.StatusNotFound
	case errors.KindConflict:
		return http.StatusConflict
	case errors.KindDisconnected, errors.KindUnavailable:
		return http.StatusServiceUnavailable
	case errors.KindTimeout:
		return http.StatusGatewayTimeout
	case errors.KindCanceled:
		// The caller gave up; 499 in the nginx numbering.
		return 499
	default:
		// Internal, Unknown and PoolExhausted all surface as 500.
		return http.StatusInternalServerError
	}
}

// BindJSON decodes the request body into dest, rejecting unknown
// fields. Returns false after writing the 400 response.
func BindJSON[T any](w http.ResponseWriter, r *http.Request, dest *T) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dest); err != nil {
		WriteError(w, http.StatusBadRequest, ErrInvalidBody)
		return false
	}
	return true
}

// BindJSONLenient decodes allowing unknown fields, for endpoints where
// callers send extra metadata.
func BindJSONLenient[T any](w http.ResponseWriter, r *http.Request, dest *T) bool {
	if err := json.NewDecoder(r.Body).Decode(dest); err != nil {
		WriteError(w, http.StatusBadRequest, ErrInvalidBody)
		return false
	}
	return true
}

// pathID parses a numeric path segment registered as {name}. Returns
// false after writing the 400 response.
func pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue(name), 10, 64)
	if err != nil || id <= 0 {
		WriteError(w, http.StatusBadRequest, "Invalid "+name)
		return 0, false
	}
	return id, true
}

// queryInt parses an optional integer query parameter.
func queryInt(r *http.Request, name string, def int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
