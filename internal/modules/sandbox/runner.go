// Package sandbox executes untrusted strategy code in a separate worker
// process with CPU, memory and wall-clock limits and a write jail confined
// to the run's artifact directory.
package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/aristath/finagent/internal/config"
	"github.com/aristath/finagent/internal/errs"
)

// Env variable names shared between the runner and the worker binary.
const (
	EnvArtifactDir  = "FIN_AGENT_ARTIFACT_DIR"
	EnvStrategyPath = "FIN_AGENT_STRATEGY_PATH"
	EnvInputPath    = "FIN_AGENT_INPUT_PATH"
	EnvCPUSeconds   = "FIN_AGENT_CPU_SECONDS"
	EnvMemoryMB     = "FIN_AGENT_MEMORY_MB"
)

// Request describes one sandboxed strategy execution.
type Request struct {
	SourceCode     string                   `json:"source_code"`
	TimeoutSeconds int                      `json:"timeout_seconds"`
	MemoryMB       int                      `json:"memory_mb"`
	CPUSeconds     int                      `json:"cpu_seconds"`
	DataBundle     map[string]interface{}   `json:"data_bundle"`
	Frame          []map[string]interface{} `json:"frame"`
	Context        map[string]interface{}   `json:"context"`
}

// Result is the parent-side view of a completed run.
type Result struct {
	Status     string                 `json:"status"`
	RunID      string                 `json:"run_id"`
	ResultPath string                 `json:"result_path"`
	Outputs    map[string]interface{} `json:"outputs"`
}

// workerInput is the JSON handed to the worker process.
type workerInput struct {
	DataBundle map[string]interface{}   `json:"data_bundle"`
	Frame      []map[string]interface{} `json:"frame"`
	Context    map[string]interface{}   `json:"context"`
}

// Runner launches sandbox workers.
type Runner struct {
	paths     config.RuntimePaths
	workerBin string
	log       zerolog.Logger
}

// NewRunner creates a runner using the configured worker binary.
func NewRunner(paths config.RuntimePaths, workerBin string, log zerolog.Logger) *Runner {
	return &Runner{paths: paths, workerBin: workerBin, log: log.With().Str("module", "sandbox").Logger()}
}

// Run executes the request and returns the parsed result artifact.
func (r *Runner) Run(ctx context.Context, req *Request) (*Result, error) {
	if req.TimeoutSeconds <= 0 {
		return nil, errs.Invalid("timeout_seconds must be positive")
	}
	if req.MemoryMB <= 0 {
		return nil, errs.Invalid("memory_mb must be positive")
	}
	if req.CPUSeconds <= 0 {
		return nil, errs.Invalid("cpu_seconds must be positive")
	}
	if strings.TrimSpace(req.SourceCode) == "" {
		return nil, errs.Invalid("source_code is required")
	}

	runID := strings.ReplaceAll(uuid.New().String(), "-", "")
	artifactDir := filepath.Join(r.paths.CodeRunsDir(), runID)
	if err := os.MkdirAll(artifactDir, 0o755); err != nil {
		return nil, errs.Wrap(errs.KindInternal, err)
	}
	resultPath := filepath.Join(artifactDir, "result.json")

	sandboxDir, err := os.MkdirTemp("", "finagent-code-sandbox-")
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, err)
	}
	defer os.RemoveAll(sandboxDir)

	strategyPath := filepath.Join(sandboxDir, "user_strategy.go")
	if err := os.WriteFile(strategyPath, []byte(req.SourceCode), 0o644); err != nil {
		return nil, errs.Wrap(errs.KindInternal, err)
	}

	input := workerInput{DataBundle: req.DataBundle, Frame: req.Frame, Context: req.Context}
	if input.DataBundle == nil {
		input.DataBundle = map[string]interface{}{}
	}
	if input.Frame == nil {
		input.Frame = []map[string]interface{}{}
	}
	if input.Context == nil {
		input.Context = map[string]interface{}{}
	}
	inputJSON, err := json.Marshal(input)
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, err)
	}
	inputPath := filepath.Join(sandboxDir, "input.json")
	if err := os.WriteFile(inputPath, inputJSON, 0o644); err != nil {
		return nil, errs.Wrap(errs.KindInternal, err)
	}

	runCtx, cancel := context.WithTimeout(ctx, time.Duration(req.TimeoutSeconds)*time.Second)
	defer cancel()

	cmd := exec.CommandContext(runCtx, r.workerBin)
	cmd.Dir = sandboxDir
	cmd.Env = append(scrubbedEnv(),
		EnvArtifactDir+"="+artifactDir,
		EnvStrategyPath+"="+strategyPath,
		EnvInputPath+"="+inputPath,
		EnvCPUSeconds+"="+strconv.Itoa(req.CPUSeconds),
		EnvMemoryMB+"="+strconv.Itoa(req.MemoryMB),
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	if runCtx.Err() == context.DeadlineExceeded {
		return nil, errs.Newf(errs.KindSandboxTimeout,
			"sandbox timeout exceeded after %ds", req.TimeoutSeconds).
			WithRemediation("optimize strategy or increase timeout")
	}
	if runErr != nil {
		detail := strings.TrimSpace(stderr.String())
		exitCode := -1
		if exitErr, ok := runErr.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		}
		if detail == "" {
			detail = fmt.Sprintf("exit_code=%d", exitCode)
		}
		if exitCode < 0 {
			return nil, errs.Newf(errs.KindSandboxResourceExceeded,
				"sandbox timeout or resource limit exceeded: %s", detail).
				WithRemediation("optimize strategy or increase limits")
		}
		if strings.Contains(detail, "outside artifact dir blocked") {
			return nil, errs.Newf(errs.KindSandboxPolicy,
				"sandbox blocked write outside artifact dir: %s", detail).
				WithRemediation("write outputs only under artifact dir")
		}
		return nil, errs.Newf(errs.KindSandboxPolicy, "sandbox execution failed: %s", detail)
	}

	payload, err := os.ReadFile(resultPath)
	if err != nil {
		return nil, errs.New(errs.KindSandboxPolicy, "sandbox execution failed: result artifact missing")
	}
	var outputs map[string]interface{}
	if err := json.Unmarshal(payload, &outputs); err != nil {
		return nil, errs.Wrap(errs.KindInternal, err)
	}

	r.log.Debug().Str("run_id", runID).Msg("Sandbox run completed")
	return &Result{Status: "completed", RunID: runID, ResultPath: resultPath, Outputs: outputs}, nil
}

// scrubbedEnv strips variables that could widen the worker's reach.
func scrubbedEnv() []string {
	var env []string
	for _, entry := range os.Environ() {
		key := strings.SplitN(entry, "=", 2)[0]
		switch key {
		case "GOPATH", "GOFLAGS", EnvArtifactDir, EnvStrategyPath, EnvInputPath, EnvCPUSeconds, EnvMemoryMB:
			continue
		}
		env = append(env, entry)
	}
	return env
}
