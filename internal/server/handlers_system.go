package server

import (
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/aristath/finagent/internal/config"
	"github.com/aristath/finagent/internal/errs"
)

func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	job, err := s.deps.JobEvents.Get(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, job)
}

// handleAuditEvents returns the most recent events in chronological order.
func (s *Server) handleAuditEvents(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 100)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if limit <= 0 {
		s.writeError(w, r, errs.Invalid("limit must be positive"))
		return
	}
	events, err := s.deps.Audit.List(r.Context(), r.URL.Query().Get("event_type"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if len(events) > limit {
		events = events[len(events)-limit:]
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"events": events,
		"count":  len(events),
	})
}

func (s *Server) handleObservabilityMetrics(w http.ResponseWriter, r *http.Request) {
	stats, err := s.deps.Structured.ReadStats()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	databases := map[string]interface{}{}
	for name, db := range s.deps.Databases {
		dbStats, err := db.GetStats()
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		databases[name] = map[string]interface{}{
			"size_bytes":     dbStats.SizeBytes,
			"wal_size_bytes": dbStats.WALSizeBytes,
			"page_count":     dbStats.PageCount,
			"page_size":      dbStats.PageSize,
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"metrics":            stats,
		"databases":          databases,
		"encryption_enabled": s.deps.Config.EncryptionEnabled(),
	})
}

type readinessCheck struct {
	Name        string `json:"name"`
	OK          bool   `json:"ok"`
	Remediation string `json:"remediation,omitempty"`
}

// handleDiagnosticsReadiness runs the startup checks on demand: runtime paths
// writable, broker env present, encryption key set and memory headroom left.
func (s *Server) handleDiagnosticsReadiness(w http.ResponseWriter, r *http.Request) {
	checks := []readinessCheck{
		s.checkRuntimePaths(),
		s.checkKiteEnv(),
		s.checkEncryptionKey(),
		s.checkMemoryHeadroom(),
	}
	ready := true
	for _, check := range checks {
		if !check.OK {
			ready = false
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"ready":  ready,
		"checks": checks,
	})
}

func (s *Server) checkRuntimePaths() readinessCheck {
	check := readinessCheck{Name: "runtime_paths_writable", OK: true}
	paths := s.deps.Config.Paths
	for _, dir := range []string{paths.Root, paths.ArtifactsDir, paths.LogsDir} {
		info, err := os.Stat(dir)
		if err != nil || !info.IsDir() {
			check.OK = false
			check.Remediation = "create the runtime directory tree or point FIN_AGENT_RUNTIME_DIR at a writable location"
			break
		}
	}
	return check
}

func (s *Server) checkKiteEnv() readinessCheck {
	check := readinessCheck{Name: "kite_env_configured", OK: true}
	if _, err := config.LoadKiteConfig(); err != nil {
		check.OK = false
		check.Remediation = err.Error()
	}
	return check
}

func (s *Server) checkEncryptionKey() readinessCheck {
	check := readinessCheck{Name: "encryption_key_configured", OK: s.deps.Config.EncryptionEnabled()}
	if !check.OK {
		check.Remediation = "set FIN_AGENT_ENCRYPTION_KEY to a url-safe base64 32-byte key to encrypt stored connector tokens"
	}
	return check
}

func (s *Server) checkMemoryHeadroom() readinessCheck {
	check := readinessCheck{Name: "memory_headroom", OK: true}
	vm, err := mem.VirtualMemory()
	if err != nil {
		check.OK = false
		check.Remediation = "memory stats unavailable: " + err.Error()
		return check
	}
	if vm.UsedPercent > 95 {
		check.OK = false
		check.Remediation = "system memory is nearly exhausted; free memory before running sandboxed strategies"
	}
	return check
}

func (s *Server) handleArtifactsList(w http.ResponseWriter, r *http.Request) {
	root := s.deps.Config.Paths.ArtifactsDir
	artifacts := []string{}
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			artifacts = append(artifacts, path)
		}
		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		s.writeError(w, r, errs.Wrap(errs.KindInternal, err))
		return
	}
	sort.Strings(artifacts)
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"artifacts": artifacts,
		"count":     len(artifacts),
	})
}

// handleArtifactFile serves one artifact; the path must stay inside the
// artifacts directory.
func (s *Server) handleArtifactFile(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("path")
	if raw == "" {
		s.writeError(w, r, errs.Invalid("path is required"))
		return
	}
	root, err := filepath.Abs(s.deps.Config.Paths.ArtifactsDir)
	if err != nil {
		s.writeError(w, r, errs.Wrap(errs.KindInternal, err))
		return
	}
	resolved, err := filepath.Abs(raw)
	if err != nil {
		s.writeError(w, r, errs.Invalid("invalid artifact path: %s", raw))
		return
	}
	if resolved != root && !strings.HasPrefix(resolved, root+string(os.PathSeparator)) {
		s.writeError(w, r, errs.Invalid("path must be inside the artifacts directory"))
		return
	}
	info, err := os.Stat(resolved)
	if err != nil || info.IsDir() {
		s.writeError(w, r, errs.NotFound("artifact not found: %s", raw))
		return
	}
	http.ServeFile(w, r, resolved)
}
