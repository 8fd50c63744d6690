package di

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/finagent/internal/config"
	"github.com/aristath/finagent/internal/modules/jobs"
	"github.com/aristath/finagent/internal/server"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	root := t.TempDir()
	cfg := &config.Config{
		Paths: config.RuntimePaths{
			Root:            root,
			StateDBPath:     filepath.Join(root, "state.db"),
			AnalyticsDBPath: filepath.Join(root, "analytics.db"),
			ArtifactsDir:    filepath.Join(root, "artifacts"),
			LogsDir:         filepath.Join(root, "logs"),
		},
		Port:                 8000,
		MaxBacktestSeconds:   30,
		MaxWorldStateSeconds: 20,
		RateLimits: map[string]config.ProviderLimit{
			"kite":        {MaxRequests: 20, WindowSeconds: 1},
			"nse":         {MaxRequests: 10, WindowSeconds: 1},
			"tradingview": {MaxRequests: 5, WindowSeconds: 1},
		},
	}
	require.NoError(t, cfg.Paths.Ensure())
	return cfg
}

func TestWireBuildsFullContainer(t *testing.T) {
	c, err := Wire(testConfig(t), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(c.Close)

	assert.NotNil(t, c.StateDB)
	assert.NotNil(t, c.AnalyticsDB)
	assert.NotNil(t, c.Market)
	assert.NotNil(t, c.World)
	assert.NotNil(t, c.Backtests)
	assert.NotNil(t, c.Tuning)
	assert.NotNil(t, c.Live)
	assert.NotNil(t, c.Providers)
	assert.NotNil(t, c.Jobs)
	assert.NotNil(t, c.Sandbox)
	assert.NotNil(t, c.Backup)

	deps := c.ServerDeps()
	assert.NotNil(t, deps.Config)
	assert.NotNil(t, deps.Structured)
	assert.NotNil(t, deps.Jobs)
	assert.NotNil(t, deps.JobEvents)
	assert.NotNil(t, deps.Audit)
}

func TestTuningJobTypeIsRegistered(t *testing.T) {
	c, err := Wire(testConfig(t), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(c.Close)

	// an empty payload fails validation inside the engine, but submission
	// itself succeeds because the job type is registered
	jobID, err := c.Jobs.Submit(context.Background(), server.TuningJobType, map[string]interface{}{})
	require.NoError(t, err)
	c.Jobs.Wait()

	job, err := c.JobStore.Get(context.Background(), jobID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusFailed, job.Status)
	assert.Contains(t, job.ErrorText, "strategy_name is required")
}

func TestWireUnknownJobTypeRejected(t *testing.T) {
	c, err := Wire(testConfig(t), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(c.Close)

	_, err = c.Jobs.Submit(context.Background(), "no.such.job", map[string]interface{}{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown job_type")
}

func TestStartBackgroundWithoutSchedules(t *testing.T) {
	c, err := Wire(testConfig(t), zerolog.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, c.StartBackground(ctx))
	c.Close()
}
