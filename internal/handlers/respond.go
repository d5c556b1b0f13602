package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/filmgen/backend/internal/apperr"
	"github.com/filmgen/backend/internal/logger"
	"github.com/filmgen/backend/internal/middleware"
)

const maxBodyBytes = 1 << 20

type errorBody struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}

// WriteJSON writes v with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

// WriteError maps an *apperr.Error onto its status and code. Anything else
// is logged and reported as a generic 500.
func WriteError(w http.ResponseWriter, log *slog.Logger, err error) {
	if e, ok := apperr.As(err); ok {
		WriteJSON(w, e.Status, errorBody{Error: e.Message, Code: e.Code, Details: e.Details})
		return
	}
	logger.OrDefault(log).Error("request failed", "error", err)
	WriteJSON(w, http.StatusInternalServerError, errorBody{Error: "internal error"})
}

// Decode reads a JSON body into dst. An empty body leaves dst untouched.
func Decode(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		return apperr.Invalid("invalid JSON body")
	}
	return nil
}

// PathUUID parses a {name} path segment.
func PathUUID(r *http.Request, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(r.PathValue(name))
	if err != nil {
		return uuid.Nil, apperr.Invalid("invalid " + name)
	}
	return id, nil
}

// RequireUser returns the authenticated user or writes a 401.
func RequireUser(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id := middleware.UserIDFromCtx(r.Context())
	if id == uuid.Nil {
		WriteJSON(w, http.StatusUnauthorized, errorBody{Error: "unauthorized"})
		return uuid.Nil, false
	}
	return id, true
}

// Page reads limit and offset query parameters.
func Page(r *http.Request, defaultLimit, maxLimit int) (limit, offset int) {
	limit = defaultLimit
	if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && v > 0 {
		limit = min(v, maxLimit)
	}
	if v, err := strconv.Atoi(r.URL.Query().Get("offset")); err == nil && v > 0 {
		offset = v
	}
	return limit, offset
}
