package di

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aristath/finagent/internal/errs"
	"github.com/aristath/finagent/internal/modules/tuning"
	"github.com/aristath/finagent/internal/scheduler"
	"github.com/aristath/finagent/internal/server"
)

const liveRefreshBatchSize = 50

// registerJobs binds async job types to the manager.
func (c *Container) registerJobs() error {
	c.Jobs.Register(server.TuningJobType, c.runTuningJob)
	return nil
}

// runTuningJob executes one layered tuning run, forwarding engine events to
// the job event stream so clients can follow progress over SSE.
func (c *Container) runTuningJob(ctx context.Context, jobID string, payload map[string]interface{}) (map[string]interface{}, error) {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, err)
	}
	req := &tuning.TuneRequest{}
	if err := json.Unmarshal(encoded, req); err != nil {
		return nil, errs.Invalid("invalid tuning payload: %v", err)
	}
	req.Events = func(event map[string]interface{}) {
		c.Jobs.Progress(ctx, jobID, server.TuningJobType, event)
	}
	return c.Tuning.Tune(ctx, req)
}

func (c *Container) scheduleLiveRefresh() error {
	schedule := c.Config.LiveRefreshSchedule
	if schedule == "" {
		return nil
	}
	return c.Scheduler.AddJob(schedule, scheduler.JobFunc{
		JobName: "live_refresh",
		Fn: func() error {
			refreshed, err := c.Live.RefreshActive(context.Background(), liveRefreshBatchSize)
			if err != nil {
				return err
			}
			c.Log.Info().Int("refreshed", refreshed).Msg("Live snapshots refreshed")
			return nil
		},
	})
}

func (c *Container) scheduleBackups() error {
	backup := c.Config.Backup
	if err := c.Scheduler.AddJob(backup.Schedule, scheduler.JobFunc{
		JobName: "nightly_backup",
		Fn: func() error {
			ctx := context.Background()
			if err := c.Backup.CreateAndUploadBackup(ctx); err != nil {
				return fmt.Errorf("backup failed: %w", err)
			}
			return c.Backup.RotateOldBackups(ctx, backup.RetentionDays)
		},
	}); err != nil {
		return fmt.Errorf("failed to schedule backups: %w", err)
	}
	return nil
}
