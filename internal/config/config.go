// Package config provides configuration management functionality.
package config

import (
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// RuntimePaths describes the filesystem layout under the fin-agent home
// directory. Created once at startup and never mutated.
type RuntimePaths struct {
	Root            string
	StateDBPath     string
	AnalyticsDBPath string
	ArtifactsDir    string
	LogsDir         string
}

// StructuredLogPath returns the JSONL structured log file path.
func (p RuntimePaths) StructuredLogPath() string {
	return filepath.Join(p.LogsDir, "structured.log")
}

// CodeRunsDir returns the per-run sandbox artifact root.
func (p RuntimePaths) CodeRunsDir() string {
	return filepath.Join(p.ArtifactsDir, "code-runs")
}

// CodeBacktestsDir returns the code-strategy backtest artifact dir.
func (p RuntimePaths) CodeBacktestsDir() string {
	return filepath.Join(p.ArtifactsDir, "code-backtests")
}

// RunsDir returns the classic backtest artifact dir.
func (p RuntimePaths) RunsDir() string {
	return filepath.Join(p.ArtifactsDir, "runs")
}

// BoundaryDir returns the boundary chart artifact dir.
func (p RuntimePaths) BoundaryDir() string {
	return filepath.Join(p.ArtifactsDir, "boundary")
}

// Ensure creates every runtime directory.
func (p RuntimePaths) Ensure() error {
	dirs := []string{
		p.Root,
		p.ArtifactsDir,
		p.LogsDir,
		p.CodeRunsDir(),
		p.CodeBacktestsDir(),
		p.RunsDir(),
		p.BoundaryDir(),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create runtime directory %s: %w", dir, err)
		}
	}
	return nil
}

// ProviderLimit holds one provider's sliding-window rate-limit settings.
type ProviderLimit struct {
	MaxRequests   int
	WindowSeconds float64
}

// SandboxDefaults holds default resource limits for sandbox runs.
type SandboxDefaults struct {
	TimeoutSeconds float64
	MemoryMB       int
	CPUSeconds     int
	WorkerBinary   string // path to the sandbox-worker binary
}

// BackupConfig holds the optional S3-compatible backup settings.
type BackupConfig struct {
	Enabled         bool
	Bucket          string
	Endpoint        string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	Schedule        string // cron expression
	RetentionDays   int
}

// KiteConfig holds broker OAuth credentials read from the environment.
type KiteConfig struct {
	APIKey      string
	APISecret   string
	RedirectURI string
}

// Config holds application configuration.
type Config struct {
	Paths    RuntimePaths
	Port     int
	LogLevel string
	DevMode  bool

	MaxBacktestSeconds   float64
	MaxWorldStateSeconds float64

	EncryptionKey string // URL-safe base64, 32 bytes decoded; empty disables encryption

	RateLimits map[string]ProviderLimit
	Sandbox    SandboxDefaults
	Backup     BackupConfig

	LiveRefreshSchedule string // cron expression for the live snapshot refresh

	TradingViewSessionID string
}

// Load reads configuration from the environment (plus .env if present).
func Load() (*Config, error) {
	_ = godotenv.Load()

	root := getEnv("FIN_AGENT_HOME", "")
	if root == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to resolve home directory: %w", err)
		}
		root = filepath.Join(home, ".finagent")
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve fin-agent home path: %w", err)
	}

	paths := RuntimePaths{
		Root:            absRoot,
		StateDBPath:     filepath.Join(absRoot, "state.db"),
		AnalyticsDBPath: filepath.Join(absRoot, "analytics.db"),
		ArtifactsDir:    filepath.Join(absRoot, "artifacts"),
		LogsDir:         filepath.Join(absRoot, "logs"),
	}
	if err := paths.Ensure(); err != nil {
		return nil, err
	}

	cfg := &Config{
		Paths:                paths,
		Port:                 getEnvAsInt("FIN_AGENT_PORT", 8000),
		LogLevel:             getEnv("LOG_LEVEL", "info"),
		DevMode:              getEnvAsBool("DEV_MODE", false),
		MaxBacktestSeconds:   getEnvAsFloat("FIN_AGENT_MAX_BACKTEST_SECONDS", 30.0),
		MaxWorldStateSeconds: getEnvAsFloat("FIN_AGENT_MAX_WORLD_STATE_SECONDS", 20.0),
		EncryptionKey:        getEnv("FIN_AGENT_ENCRYPTION_KEY", ""),
		RateLimits:           loadRateLimits(),
		Sandbox: SandboxDefaults{
			TimeoutSeconds: getEnvAsFloat("FIN_AGENT_SANDBOX_TIMEOUT_SECONDS", 10.0),
			MemoryMB:       getEnvAsInt("FIN_AGENT_SANDBOX_MEMORY_MB", 512),
			CPUSeconds:     getEnvAsInt("FIN_AGENT_SANDBOX_CPU_SECONDS", 10),
			WorkerBinary:   getEnv("FIN_AGENT_SANDBOX_WORKER", defaultWorkerBinary()),
		},
		Backup:               loadBackupConfig(),
		LiveRefreshSchedule:  getEnv("FIN_AGENT_LIVE_REFRESH_SCHEDULE", ""),
		TradingViewSessionID: getEnv("FIN_AGENT_TRADINGVIEW_SESSIONID", ""),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadKiteConfig reads Kite credentials from the environment. All three
// variables are required together.
func LoadKiteConfig() (*KiteConfig, error) {
	apiKey := strings.TrimSpace(os.Getenv("FIN_AGENT_KITE_API_KEY"))
	apiSecret := strings.TrimSpace(os.Getenv("FIN_AGENT_KITE_API_SECRET"))
	redirect := strings.TrimSpace(os.Getenv("FIN_AGENT_KITE_REDIRECT_URI"))
	if apiKey == "" || apiSecret == "" || redirect == "" {
		return nil, fmt.Errorf(
			"kite connector is not configured: set FIN_AGENT_KITE_API_KEY, FIN_AGENT_KITE_API_SECRET, FIN_AGENT_KITE_REDIRECT_URI")
	}
	return &KiteConfig{APIKey: apiKey, APISecret: apiSecret, RedirectURI: redirect}, nil
}

// Validate checks if required configuration is present and sane.
func (c *Config) Validate() error {
	if c.MaxBacktestSeconds <= 0 {
		return fmt.Errorf("FIN_AGENT_MAX_BACKTEST_SECONDS must be positive, got %v", c.MaxBacktestSeconds)
	}
	if c.MaxWorldStateSeconds <= 0 {
		return fmt.Errorf("FIN_AGENT_MAX_WORLD_STATE_SECONDS must be positive, got %v", c.MaxWorldStateSeconds)
	}
	if c.EncryptionKey != "" {
		raw, err := base64.URLEncoding.DecodeString(c.EncryptionKey)
		if err != nil {
			return fmt.Errorf("FIN_AGENT_ENCRYPTION_KEY must be URL-safe base64: %w", err)
		}
		if len(raw) != 32 {
			return fmt.Errorf("FIN_AGENT_ENCRYPTION_KEY must decode to 32 bytes, got %d", len(raw))
		}
	}
	for provider, limit := range c.RateLimits {
		if limit.MaxRequests <= 0 || limit.WindowSeconds <= 0 {
			return fmt.Errorf("rate limit for provider %s must be positive", provider)
		}
	}
	return nil
}

// EncryptionEnabled reports whether at-rest secret encryption is configured.
func (c *Config) EncryptionEnabled() bool {
	return c.EncryptionKey != ""
}

// defaultProviderLimits mirrors the documented provider defaults.
var defaultProviderLimits = map[string]ProviderLimit{
	"kite":        {MaxRequests: 20, WindowSeconds: 1.0},
	"nse":         {MaxRequests: 10, WindowSeconds: 1.0},
	"tradingview": {MaxRequests: 5, WindowSeconds: 1.0},
}

func loadRateLimits() map[string]ProviderLimit {
	limits := make(map[string]ProviderLimit, len(defaultProviderLimits))
	for provider, fallback := range defaultProviderLimits {
		upper := strings.ToUpper(provider)
		limits[provider] = ProviderLimit{
			MaxRequests:   getEnvAsInt("FIN_AGENT_RATE_LIMIT_"+upper+"_MAX_REQUESTS", fallback.MaxRequests),
			WindowSeconds: getEnvAsFloat("FIN_AGENT_RATE_LIMIT_"+upper+"_WINDOW_SECONDS", fallback.WindowSeconds),
		}
	}
	return limits
}

func loadBackupConfig() BackupConfig {
	return BackupConfig{
		Enabled:         getEnvAsBool("FIN_AGENT_BACKUP_ENABLED", false),
		Bucket:          getEnv("FIN_AGENT_BACKUP_BUCKET", ""),
		Endpoint:        getEnv("FIN_AGENT_BACKUP_ENDPOINT", ""),
		Region:          getEnv("FIN_AGENT_BACKUP_REGION", "auto"),
		AccessKeyID:     getEnv("FIN_AGENT_BACKUP_ACCESS_KEY_ID", ""),
		SecretAccessKey: getEnv("FIN_AGENT_BACKUP_SECRET_ACCESS_KEY", ""),
		Schedule:        getEnv("FIN_AGENT_BACKUP_SCHEDULE", "0 0 2 * * *"),
		RetentionDays:   getEnvAsInt("FIN_AGENT_BACKUP_RETENTION_DAYS", 30),
	}
}

func defaultWorkerBinary() string {
	exe, err := os.Executable()
	if err != nil {
		return "fin-agent-sandbox-worker"
	}
	return filepath.Join(filepath.Dir(exe), "fin-agent-sandbox-worker")
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}
