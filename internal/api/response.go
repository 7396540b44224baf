// Package api implements the HTTP REST layer. Chi is the router and all
// resources live under /api/v1. Authentication accepts a JWT Bearer token
// or an X-API-Key header; role checks are applied per route group via
// RequireRole.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/sceneforge-io/sceneforge/server/internal/db"
	"github.com/sceneforge-io/sceneforge/server/internal/repositories"
)

// envelope is the standard JSON wrapper. Success responses carry "data"
// (and "total" for paginated lists); errors carry an "error" object with
// a machine-readable kind and a human message.
type envelope map[string]any

// JSON writes a JSON-encoded response with the given status code.
func JSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// Ok writes 200 with {"data": payload}.
func Ok(w http.ResponseWriter, payload any) {
	JSON(w, http.StatusOK, envelope{"data": payload})
}

// OkList writes 200 with {"data": payload, "total": total} for paginated
// collections.
func OkList(w http.ResponseWriter, payload any, total int64) {
	JSON(w, http.StatusOK, envelope{"data": payload, "total": total})
}

// Created writes 201 with {"data": payload}.
func Created(w http.ResponseWriter, payload any) {
	JSON(w, http.StatusCreated, envelope{"data": payload})
}

// NoContent writes 204 with no body.
func NoContent(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}

// errorResponse is the body of every error reply. Kind is the stable
// machine-readable taxonomy (validation, unauthorized, forbidden,
// not_found, conflict, bad_request, rate_limited, internal); Details
// carries optional structured context.
type errorResponse struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

func errJSON(w http.ResponseWriter, status int, kind, message string) {
	JSON(w, status, envelope{"error": errorResponse{Kind: kind, Message: message}})
}

func ErrBadRequest(w http.ResponseWriter, message string) {
	errJSON(w, http.StatusBadRequest, "bad_request", message)
}

func ErrUnauthorized(w http.ResponseWriter) {
	errJSON(w, http.StatusUnauthorized, "unauthorized", "authentication required")
}

func ErrForbidden(w http.ResponseWriter) {
	errJSON(w, http.StatusForbidden, "forbidden", "insufficient permissions")
}

// ErrForbiddenMsg is ErrForbidden with a caller-supplied message, for the
// cases where the reason is deliberately disclosed (locked or deactivated
// accounts).
func ErrForbiddenMsg(w http.ResponseWriter, message string) {
	errJSON(w, http.StatusForbidden, "forbidden", message)
}

func ErrNotFound(w http.ResponseWriter) {
	errJSON(w, http.StatusNotFound, "not_found", "resource not found")
}

func ErrConflict(w http.ResponseWriter, message string) {
	errJSON(w, http.StatusConflict, "conflict", message)
}

// ErrUnprocessable is used when the request is well-formed but fails
// business validation, e.g. an illegal job transition.
func ErrUnprocessable(w http.ResponseWriter, message string) {
	errJSON(w, http.StatusUnprocessableEntity, "validation", message)
}

func ErrTooManyRequests(w http.ResponseWriter) {
	errJSON(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded")
}

// ErrInternal deliberately hides the error detail from the client.
func ErrInternal(w http.ResponseWriter) {
	errJSON(w, http.StatusInternalServerError, "internal", "an internal error occurred")
}

// repoErr maps common repository errors onto responses; returns true if
// it wrote one, so callers can fall through to ErrInternal themselves.
func repoErr(w http.ResponseWriter, err error) bool {
	switch {
	case errors.Is(err, repositories.ErrNotFound):
		ErrNotFound(w)
		return true
	case errors.Is(err, repositories.ErrConflict):
		ErrConflict(w, "resource already exists")
		return true
	}
	return false
}

// decodeJSON decodes the request body into dst, writing a 400 and
// returning false on failure so callers can early-return.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		ErrBadRequest(w, "invalid request body: "+err.Error())
		return false
	}
	return true
}

// idParam parses the {id} URL parameter. Writes a 400 and returns false
// on garbage.
func idParam(w http.ResponseWriter, r *http.Request) (db.ID, bool) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		ErrBadRequest(w, "invalid id")
		return 0, false
	}
	return id, true
}

// parseIDQuery parses a positive integer query parameter.
func parseIDQuery(r *http.Request, name string) (db.ID, error) {
	id, err := strconv.ParseInt(r.URL.Query().Get(name), 10, 64)
	if err != nil || id <= 0 {
		return 0, errors.New("invalid " + name)
	}
	return id, nil
}

const (
	defaultPageSize = 50
	maxPageSize     = 200
)

// pageOpts reads limit/offset query parameters with sane bounds.
func pageOpts(r *http.Request) repositories.ListOptions {
	opts := repositories.ListOptions{Limit: defaultPageSize}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			if n > maxPageSize {
				n = maxPageSize
			}
			opts.Limit = n
		}
	}
	if raw := r.URL.Query().Get("offset"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n >= 0 {
			opts.Offset = n
		}
	}
	return opts
}
