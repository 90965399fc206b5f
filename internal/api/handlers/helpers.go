// Package handlers translates HTTP requests into domain service calls and maps
// domain errors to HTTP responses.
package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/matiasleandrokruk/toolforge/internal/api/ctxkeys"
	"github.com/matiasleandrokruk/toolforge/internal/api/middleware"
	"github.com/matiasleandrokruk/toolforge/internal/domain/apperror"
	"github.com/matiasleandrokruk/toolforge/internal/domain/audit"
	"github.com/matiasleandrokruk/toolforge/internal/domain/record"
)

// maxBodyBytes caps request bodies; schema documents are the largest payloads.
const maxBodyBytes = 2 << 20

// ErrorBody is the shape of every error response.
type ErrorBody struct {
	Error   string              `json:"error"`
	Code    apperror.Kind       `json:"code"`
	Details map[string][]string `json:"details,omitempty"`
}

// Responder writes JSON responses. ExposeInternal puts internal error details in
// the response body and is meant for development only.
type Responder struct {
	ExposeInternal bool
}

// JSON writes v with the given status.
func (rs *Responder) JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error":"failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error maps err to its status and writes an ErrorBody. Internal errors are
// logged with the request id and masked.
func (rs *Responder) Error(w http.ResponseWriter, r *http.Request, err error) {
	var ae *apperror.Error
	if !errors.As(err, &ae) {
		ae = apperror.Internal("unexpected error", err)
	}

	body := ErrorBody{Error: ae.Message, Code: ae.Kind, Details: ae.Fields}
	if ae.Kind == apperror.KindInternal {
		middleware.Logger(r.Context()).ErrorContext(r.Context(), "request failed",
			"method", r.Method, "path", r.URL.Path, "error", err)
		body.Error = "internal server error"
		if rs.ExposeInternal {
			body.Error = err.Error()
		}
	}
	rs.JSON(w, apperror.HTTPStatus(ae.Kind), body)
}

// writeError writes an ErrorBody without going through apperror.
func (rs *Responder) writeError(w http.ResponseWriter, status int, kind apperror.Kind, message string) {
	rs.JSON(w, status, ErrorBody{Error: message, Code: kind})
}

// decodeJSON reads a JSON body into v. Unknown fields are allowed so clients
// can echo back server-provided objects.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return apperror.Validation("invalid request body", map[string][]string{"body": {err.Error()}})
	}
	return nil
}

func readBody(r *http.Request) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return nil, apperror.Validation("invalid request body", map[string][]string{"body": {err.Error()}})
	}
	return data, nil
}

// actorFrom returns the authenticated actor with the client's address and agent.
// Auth middleware guarantees presence on protected routes.
func actorFrom(r *http.Request) (audit.Actor, error) {
	actor, ok := ctxkeys.Actor(r.Context())
	if !ok {
		return audit.Actor{}, apperror.Unauthenticated("authentication required")
	}
	actor.IP = r.RemoteAddr
	actor.UserAgent = r.UserAgent()
	return actor, nil
}

// queryInt parses an optional positive integer query parameter.
func queryInt(r *http.Request, key string) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, apperror.Validation("invalid query parameter", map[string][]string{key: {"must be a non-negative integer"}})
	}
	return n, nil
}

// expectedVersion reads the optimistic concurrency token from If-Match, the
// version query parameter, or the _version key of the body, in that order.
// Zero means the client did not send one.
func expectedVersion(r *http.Request, body map[string]any) (int, error) {
	if v := r.Header.Get("If-Match"); v != "" {
		return parseVersion(trimETag(v))
	}
	if v := r.URL.Query().Get("version"); v != "" {
		return parseVersion(v)
	}
	if v, ok := body[record.KeyVersion].(float64); ok {
		return int(v), nil
	}
	return 0, nil
}

func parseVersion(s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 {
		return 0, apperror.Validation("invalid version", map[string][]string{"version": {"must be a positive integer"}})
	}
	return n, nil
}

func trimETag(v string) string {
	if len(v) >= 2 && v[0] == '"' && v[len(v)-1] == '"' {
		return v[1 : len(v)-1]
	}
	return v
}
