package server

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	_ "modernc.org/sqlite"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/finagent/internal/config"
	"github.com/aristath/finagent/internal/database"
	"github.com/aristath/finagent/internal/modules/audit"
	"github.com/aristath/finagent/internal/observability"
	"github.com/aristath/finagent/internal/modules/jobs"
	"github.com/aristath/finagent/internal/modules/strategy"
)

func newTestServer(t *testing.T, mutate func(*Deps)) *Server {
	t.Helper()
	deps := Deps{
		Config: &config.Config{Port: 0},
		Log:    zerolog.Nop(),
	}
	if mutate != nil {
		mutate(&deps)
	}
	return New(deps)
}

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func doJSON(t *testing.T, s *Server, method, path string, body interface{}) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	decoded := map[string]interface{}{}
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &decoded),
			"response was not JSON: %s", rec.Body.String())
	}
	return rec, decoded
}

func TestHealthAndTraceHeader(t *testing.T) {
	s := newTestServer(t, nil)

	rec, body := doJSON(t, s, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", body["status"])
	assert.NotEmpty(t, rec.Header().Get("X-Trace-Id"))
}

func TestTraceHeaderIsEchoed(t *testing.T) {
	s := newTestServer(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Trace-Id", "trace-abc")
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	assert.Equal(t, "trace-abc", rec.Header().Get("X-Trace-Id"))
}

func TestLegacyEndpointsReturnGone(t *testing.T) {
	s := newTestServer(t, nil)

	for _, path := range []string{
		"/v1/strategy/from-intent",
		"/v1/backtests/run",
		"/v1/backtests/run-async",
		"/v1/preflight/backtest",
	} {
		rec, body := doJSON(t, s, http.MethodPost, path, map[string]interface{}{})
		assert.Equal(t, http.StatusGone, rec.Code, path)
		assert.Equal(t, "legacy_endpoint_disabled", body["error"], path)
		remediation, ok := body["remediation"].(map[string]interface{})
		require.True(t, ok, path)
		assert.NotEmpty(t, remediation["required_flow"], path)
	}
}

const validStrategySource = `package strategy

func Prepare(bundle map[string]interface{}, context map[string]interface{}) map[string]interface{} {
	return map[string]interface{}{"ready": true}
}

func GenerateSignals(frame []map[string]interface{}, state map[string]interface{}, context map[string]interface{}) []map[string]interface{} {
	signals := []map[string]interface{}{}
	for _, row := range frame {
		signals = append(signals, map[string]interface{}{"symbol": row["symbol"], "signal": "buy"})
	}
	return signals
}

func RiskRules(positions []map[string]interface{}, context map[string]interface{}) map[string]interface{} {
	return map[string]interface{}{"max_positions": 3}
}
`

func TestCodeStrategyValidate(t *testing.T) {
	s := newTestServer(t, nil)

	rec, body := doJSON(t, s, http.MethodPost, "/v1/code-strategy/validate", map[string]interface{}{
		"strategy_name": "momentum",
		"source_code":   validStrategySource,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	validation, ok := body["validation"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, true, validation["valid"])

	rec, body = doJSON(t, s, http.MethodPost, "/v1/code-strategy/validate", map[string]interface{}{
		"strategy_name": "net-caller",
		"source_code":   "package strategy\n\nimport \"net/http\"\n\nvar client = http.DefaultClient",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "sandbox_policy", body["code"])
	assert.Contains(t, body["detail"], "import not allowed")
}

func TestInvalidJSONBody(t *testing.T) {
	s := newTestServer(t, nil)

	req := httptest.NewRequest(http.MethodPost, "/v1/code-strategy/validate", bytes.NewReader([]byte("{not json")))
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	body := map[string]interface{}{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "invalid", body["code"])
	assert.Contains(t, body["detail"], "invalid request body")
}

func TestJobStatusNotFound(t *testing.T) {
	db := openTestDB(t)
	jobsRepo, err := jobs.NewRepository(db, zerolog.Nop())
	require.NoError(t, err)
	s := newTestServer(t, func(d *Deps) { d.JobEvents = jobsRepo })

	rec, body := doJSON(t, s, http.MethodGet, "/v1/jobs/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", body["code"])
	assert.Contains(t, body["detail"], "job not found: missing")
}

func TestAuditEventsTail(t *testing.T) {
	db := openTestDB(t)
	auditRepo, err := audit.NewRepository(db, zerolog.Nop())
	require.NoError(t, err)
	s := newTestServer(t, func(d *Deps) { d.Audit = auditRepo })

	ctx := context.Background()
	for _, name := range []string{"first", "second", "third"} {
		require.NoError(t, auditRepo.Append(ctx, "screener.run", map[string]interface{}{"name": name}))
	}

	rec, body := doJSON(t, s, http.MethodGet, "/v1/audit/events?limit=2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 2, body["count"])
	events, ok := body["events"].([]interface{})
	require.True(t, ok)
	require.Len(t, events, 2)
	last := events[1].(map[string]interface{})["payload"].(map[string]interface{})
	assert.Equal(t, "third", last["name"])

	rec, body = doJSON(t, s, http.MethodGet, "/v1/audit/events?limit=0", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, body["detail"], "limit must be positive")
}

func TestCodeStrategiesListAndVersions(t *testing.T) {
	db := openTestDB(t)
	strategies, err := strategy.NewRepository(db, zerolog.Nop())
	require.NoError(t, err)
	s := newTestServer(t, func(d *Deps) { d.Strategies = strategies })

	validation := &strategy.Validation{Valid: true, RequiredFunctions: []string{"GenerateSignals", "Prepare", "RiskRules"}}
	saved, err := strategies.SaveCodeVersion(context.Background(), "momentum", validStrategySource, validation)
	require.NoError(t, err)

	rec, body := doJSON(t, s, http.MethodGet, "/v1/code-strategies", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, body["count"])

	rec, body = doJSON(t, s, http.MethodGet, "/v1/code-strategies/"+saved.StrategyID+"/versions", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, saved.StrategyID, body["strategy_id"])
	assert.EqualValues(t, 1, body["count"])
}

func TestSessionDiffRequiresSessionID(t *testing.T) {
	s := newTestServer(t, nil)

	rec, body := doJSON(t, s, http.MethodGet, "/v1/session/diff", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, body["detail"], "session_id is required")
}

func TestObservabilityMetricsIncludesDatabaseStats(t *testing.T) {
	root := t.TempDir()
	stateDB, err := database.New(database.Config{
		Path:    filepath.Join(root, "state.db"),
		Profile: database.ProfileState,
		Name:    "state",
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = stateDB.Close() })

	s := newTestServer(t, func(d *Deps) {
		d.Structured = observability.NewStructuredLog(filepath.Join(root, "structured.jsonl"), zerolog.Nop())
		d.Databases = map[string]*database.DB{"state": stateDB}
	})

	rec, body := doJSON(t, s, http.MethodGet, "/v1/observability/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	databases, ok := body["databases"].(map[string]interface{})
	require.True(t, ok)
	state, ok := databases["state"].(map[string]interface{})
	require.True(t, ok)
	assert.Greater(t, state["page_size"], float64(0))
}

func TestAnalysisDeepDiveRequiresRunID(t *testing.T) {
	s := newTestServer(t, nil)

	rec, body := doJSON(t, s, http.MethodPost, "/v1/analysis/deep-dive", map[string]interface{}{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, body["detail"], "run_id is required")
}

func TestDiagnosticsReadiness(t *testing.T) {
	root := t.TempDir()
	cfg := &config.Config{
		Port: 0,
		Paths: config.RuntimePaths{
			Root:         root,
			ArtifactsDir: filepath.Join(root, "artifacts"),
			LogsDir:      filepath.Join(root, "logs"),
		},
	}
	require.NoError(t, cfg.Paths.Ensure())
	s := newTestServer(t, func(d *Deps) { d.Config = cfg })

	rec, body := doJSON(t, s, http.MethodGet, "/v1/diagnostics/readiness", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	// no broker env and no encryption key in tests, so overall not ready
	assert.Equal(t, false, body["ready"])

	checks, ok := body["checks"].([]interface{})
	require.True(t, ok)
	byName := map[string]map[string]interface{}{}
	for _, raw := range checks {
		check := raw.(map[string]interface{})
		byName[check["name"].(string)] = check
	}
	require.Contains(t, byName, "runtime_paths_writable")
	assert.Equal(t, true, byName["runtime_paths_writable"]["ok"])
	require.Contains(t, byName, "encryption_key_configured")
	assert.Equal(t, false, byName["encryption_key_configured"]["ok"])
	require.Contains(t, byName, "kite_env_configured")
	require.Contains(t, byName, "memory_headroom")
}

func TestArtifactsListAndFetch(t *testing.T) {
	root := t.TempDir()
	artifactsDir := filepath.Join(root, "artifacts")
	require.NoError(t, os.MkdirAll(filepath.Join(artifactsDir, "runs"), 0o755))
	artifactPath := filepath.Join(artifactsDir, "runs", "equity_curve.json")
	require.NoError(t, os.WriteFile(artifactPath, []byte(`{"points":[]}`), 0o644))

	cfg := &config.Config{
		Port:  0,
		Paths: config.RuntimePaths{Root: root, ArtifactsDir: artifactsDir, LogsDir: filepath.Join(root, "logs")},
	}
	s := newTestServer(t, func(d *Deps) { d.Config = cfg })

	rec, body := doJSON(t, s, http.MethodGet, "/v1/artifacts", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, body["count"])
	artifacts := body["artifacts"].([]interface{})
	assert.Equal(t, artifactPath, artifacts[0])

	req := httptest.NewRequest(http.MethodGet, "/v1/artifacts/file?path="+artifactPath, nil)
	fileRec := httptest.NewRecorder()
	s.Router().ServeHTTP(fileRec, req)
	assert.Equal(t, http.StatusOK, fileRec.Code)
	assert.Contains(t, fileRec.Body.String(), "points")

	rec, body = doJSON(t, s, http.MethodGet, "/v1/artifacts/file?path=/etc/passwd", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, body["detail"], "inside the artifacts directory")

	rec, body = doJSON(t, s, http.MethodGet,
		"/v1/artifacts/file?path="+filepath.Join(artifactsDir, "missing.json"), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, body["detail"], "artifact not found")
}

func TestJobEventsSSEStreamsExistingEvents(t *testing.T) {
	db := openTestDB(t)
	jobsRepo, err := jobs.NewRepository(db, zerolog.Nop())
	require.NoError(t, err)
	s := newTestServer(t, func(d *Deps) { d.JobEvents = jobsRepo })

	ctx := context.Background()
	jobID, err := jobsRepo.Create(ctx, "tuning.run", map[string]interface{}{})
	require.NoError(t, err)
	require.NoError(t, jobsRepo.AppendEvent(ctx, jobID, "job.queued", map[string]interface{}{"status": "queued"}))
	require.NoError(t, jobsRepo.AppendEvent(ctx, jobID, "job.completed", map[string]interface{}{"status": "completed"}))

	reqCtx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	req := httptest.NewRequest(http.MethodGet, "/v1/events/jobs", nil).WithContext(reqCtx)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	streamed := rec.Body.String()
	assert.Contains(t, streamed, "event: job_event")
	assert.Contains(t, streamed, "job.queued")
	assert.Contains(t, streamed, "job.completed")
	assert.Contains(t, streamed, jobID)
	assert.Contains(t, streamed, `"payload":{"status":"queued"}`)
}

func TestJobEventsSSERejectsBadCursor(t *testing.T) {
	s := newTestServer(t, nil)

	rec, body := doJSON(t, s, http.MethodGet, "/v1/events/jobs?last_event_id=abc", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, body["detail"], "last_event_id must be an integer")
}
