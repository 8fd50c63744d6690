package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/aristath/finagent/internal/errs"
	"github.com/aristath/finagent/internal/observability"
)

// traceMiddleware stamps every request with a trace id (honoring an incoming
// x-trace-id header) and writes request.start/end rows to the structured log.
func (s *Server) traceMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceID := r.Header.Get("X-Trace-Id")
		if traceID == "" {
			traceID = observability.NewTraceID()
		}
		ctx := observability.WithTraceID(r.Context(), traceID)
		w.Header().Set("X-Trace-Id", traceID)

		s.structuredAppend(ctx, map[string]interface{}{
			"event":  "request.start",
			"method": r.Method,
			"path":   r.URL.Path,
		})

		wrapped := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		started := time.Now()
		next.ServeHTTP(wrapped, r.WithContext(ctx))

		s.structuredAppend(ctx, map[string]interface{}{
			"event":       "request.end",
			"method":      r.Method,
			"path":        r.URL.Path,
			"status_code": wrapped.Status(),
			"duration_ms": float64(time.Since(started).Microseconds()) / 1000.0,
		})
	})
}

func (s *Server) structuredAppend(ctx context.Context, record map[string]interface{}) {
	if s.deps.Structured != nil {
		s.deps.Structured.Append(ctx, record)
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.log.Error().Err(err).Msg("Failed to encode response")
	}
}

// writeError maps a typed module error onto the wire shape
// {code, detail, remediation?} plus retry_after_seconds for 429s.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := errs.HTTPStatus(err)
	body := map[string]interface{}{
		"code":   string(errs.KindOf(err)),
		"detail": err.Error(),
	}
	if remediation := errs.RemediationOf(err); remediation != "" {
		body["remediation"] = remediation
	}
	var typed *errs.Error
	if errors.As(err, &typed) && typed.RetryAfterSeconds > 0 {
		body["retry_after_seconds"] = typed.RetryAfterSeconds
		w.Header().Set("Retry-After", strconv.Itoa(int(typed.RetryAfterSeconds+0.999)))
	}

	if status >= http.StatusInternalServerError {
		s.structuredAppend(r.Context(), map[string]interface{}{
			"event":       "request.error",
			"method":      r.Method,
			"path":        r.URL.Path,
			"error":       err.Error(),
			"remediation": "check structured.log with same trace_id and inspect failing endpoint payload",
		})
	}
	s.writeJSON(w, status, body)
}

// decodeJSON strictly parses the request body into dst.
func (s *Server) decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		s.writeError(w, r, errs.Invalid("invalid request body: %v", err))
		return false
	}
	return true
}

// queryInt reads an integer query parameter with a default; values that
// fail to parse or violate positivity are an Invalid error.
func queryInt(r *http.Request, name string, fallback int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errs.Invalid("%s must be an integer: %s", name, raw)
	}
	return value, nil
}

// legacyEndpoint returns a handler emitting the 410 contract for removed
// intent/manual strategy flow routes.
func (s *Server) legacyEndpoint(path string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.writeJSON(w, http.StatusGone, map[string]interface{}{
			"error":  "legacy_endpoint_disabled",
			"path":   path,
			"reason": "legacy intent/manual strategy flow has been removed",
			"remediation": map[string]interface{}{
				"required_flow": []string{
					"code_strategy_validate",
					"preflight_custom_code",
					"code_strategy_run_sandbox",
					"code_strategy_backtest",
					"code_strategy_analyze",
					"code_strategy_save",
				},
				"message": "Use agent-generated strategy code and code-strategy tools only.",
			},
		})
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
