// Command sandbox-worker executes one strategy inside resource limits. It is
// only ever launched by the sandbox runner; all of its inputs arrive through
// environment variables and files prepared by the parent process.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/aristath/finagent/internal/modules/sandbox"
	"github.com/aristath/finagent/internal/modules/strategy"
)

type input struct {
	DataBundle map[string]interface{}   `json:"data_bundle"`
	Frame      []map[string]interface{} `json:"frame"`
	Context    map[string]interface{}   `json:"context"`
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	artifactDir := os.Getenv(sandbox.EnvArtifactDir)
	strategyPath := os.Getenv(sandbox.EnvStrategyPath)
	inputPath := os.Getenv(sandbox.EnvInputPath)
	if artifactDir == "" || strategyPath == "" || inputPath == "" {
		return fmt.Errorf("sandbox worker requires %s, %s and %s",
			sandbox.EnvArtifactDir, sandbox.EnvStrategyPath, sandbox.EnvInputPath)
	}
	if err := applyLimits(); err != nil {
		return err
	}

	source, err := os.ReadFile(strategyPath)
	if err != nil {
		return fmt.Errorf("read strategy source: %w", err)
	}
	rawInput, err := os.ReadFile(inputPath)
	if err != nil {
		return fmt.Errorf("read input payload: %w", err)
	}
	var payload input
	if err := json.Unmarshal(rawInput, &payload); err != nil {
		return fmt.Errorf("decode input payload: %w", err)
	}
	if payload.DataBundle == nil {
		payload.DataBundle = map[string]interface{}{}
	}
	if payload.Context == nil {
		payload.Context = map[string]interface{}{}
	}

	program, err := strategy.LoadProgram(string(source))
	if err != nil {
		return err
	}

	var prepared map[string]interface{}
	if err := guard("Prepare", func() {
		prepared = program.Prepare(payload.DataBundle, payload.Context)
	}); err != nil {
		return err
	}
	if prepared == nil {
		prepared = map[string]interface{}{}
	}

	var signals []map[string]interface{}
	if err := guard("GenerateSignals", func() {
		signals = program.GenerateSignals(payload.Frame, prepared, payload.Context)
	}); err != nil {
		return err
	}
	if signals == nil {
		signals = []map[string]interface{}{}
	}

	var risk map[string]interface{}
	if err := guard("RiskRules", func() {
		risk = program.RiskRules([]map[string]interface{}{}, payload.Context)
	}); err != nil {
		return err
	}
	if risk == nil {
		risk = map[string]interface{}{}
	}

	if err := writeStrategyArtifacts(artifactDir, prepared); err != nil {
		return err
	}
	if err := writeStrategyArtifacts(artifactDir, risk); err != nil {
		return err
	}

	result := map[string]interface{}{
		"prepare_type":  fmt.Sprintf("%T", prepared),
		"signals_type":  fmt.Sprintf("%T", signals),
		"signals_count": len(signals),
		"risk_type":     fmt.Sprintf("%T", risk),
		"prepared":      prepared,
		"signals":       signals,
		"risk":          risk,
	}
	encoded, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	resultPath := filepath.Join(artifactDir, "result.json")
	if err := os.WriteFile(resultPath, encoded, 0o644); err != nil {
		return fmt.Errorf("write result artifact: %w", err)
	}
	fmt.Println(resultPath)
	return nil
}

func guard(name string, fn func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s panicked: %v", name, r)
		}
	}()
	fn()
	return nil
}

func applyLimits() error {
	cpuSeconds, err := strconv.Atoi(os.Getenv(sandbox.EnvCPUSeconds))
	if err != nil || cpuSeconds <= 0 {
		return fmt.Errorf("invalid %s", sandbox.EnvCPUSeconds)
	}
	memoryMB, err := strconv.Atoi(os.Getenv(sandbox.EnvMemoryMB))
	if err != nil || memoryMB <= 0 {
		return fmt.Errorf("invalid %s", sandbox.EnvMemoryMB)
	}

	cpu := &unix.Rlimit{Cur: uint64(cpuSeconds), Max: uint64(cpuSeconds)}
	if err := unix.Setrlimit(unix.RLIMIT_CPU, cpu); err != nil {
		return fmt.Errorf("set cpu limit: %w", err)
	}
	memBytes := uint64(memoryMB) * 1024 * 1024
	mem := &unix.Rlimit{Cur: memBytes, Max: memBytes}
	if err := unix.Setrlimit(unix.RLIMIT_AS, mem); err != nil {
		return fmt.Errorf("set memory limit: %w", err)
	}
	return nil
}

// writeStrategyArtifacts persists files requested under the reserved
// "artifacts" key, refusing any path that escapes the artifact directory.
func writeStrategyArtifacts(artifactDir string, output map[string]interface{}) error {
	raw, ok := output["artifacts"].(map[string]interface{})
	if !ok {
		return nil
	}
	root, err := filepath.Abs(artifactDir)
	if err != nil {
		return err
	}
	for name, value := range raw {
		content, ok := value.(string)
		if !ok {
			continue
		}
		candidate := name
		if !filepath.IsAbs(candidate) {
			candidate = filepath.Join(root, candidate)
		}
		candidate = filepath.Clean(candidate)
		rel, err := filepath.Rel(root, candidate)
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return fmt.Errorf("write outside artifact dir blocked: %s", candidate)
		}
		if err := os.MkdirAll(filepath.Dir(candidate), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(candidate, []byte(content), 0o644); err != nil {
			return err
		}
	}
	return nil
}
