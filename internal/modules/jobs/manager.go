package jobs

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/aristath/finagent/internal/errs"
	"github.com/aristath/finagent/internal/events"
)

// JobFunc executes one job. The returned map becomes the job's result row.
type JobFunc func(ctx context.Context, jobID string, payload map[string]interface{}) (map[string]interface{}, error)

// Manager dispatches submitted jobs to registered functions, one goroutine
// per job, recording lifecycle transitions on the repository and mirroring
// them onto the event bus.
type Manager struct {
	repo *Repository
	bus  *events.Bus
	log  zerolog.Logger

	mu    sync.RWMutex
	funcs map[string]JobFunc
	wg    sync.WaitGroup
}

// NewManager creates an empty manager.
func NewManager(repo *Repository, bus *events.Bus, log zerolog.Logger) *Manager {
	return &Manager{
		repo:  repo,
		bus:   bus,
		log:   log.With().Str("module", "jobs").Logger(),
		funcs: make(map[string]JobFunc),
	}
}

// Register binds a job type to its function. Later registrations replace
// earlier ones.
func (m *Manager) Register(jobType string, fn JobFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.funcs[jobType] = fn
}

// Submit queues a job and starts it in the background, returning the job id
// immediately.
func (m *Manager) Submit(ctx context.Context, jobType string, payload map[string]interface{}) (string, error) {
	m.mu.RLock()
	fn, ok := m.funcs[jobType]
	m.mu.RUnlock()
	if !ok {
		return "", errs.Invalid("unknown job_type: %s", jobType)
	}

	jobID, err := m.repo.Create(ctx, jobType, payload)
	if err != nil {
		return "", err
	}
	m.emit(ctx, jobID, jobType, events.JobQueued, map[string]interface{}{"status": StatusQueued})

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		// the submitting request may be gone before the job finishes
		m.execute(context.Background(), jobID, jobType, payload, fn)
	}()
	return jobID, nil
}

func (m *Manager) execute(ctx context.Context, jobID, jobType string, payload map[string]interface{}, fn JobFunc) {
	if err := m.repo.UpdateStatus(ctx, jobID, StatusRunning, nil, "", ""); err != nil {
		m.log.Error().Err(err).Str("job_id", jobID).Msg("Failed to mark job running")
		return
	}
	m.emit(ctx, jobID, jobType, events.JobStarted, map[string]interface{}{"status": StatusRunning})

	result, err := fn(ctx, jobID, payload)
	if err != nil {
		if updateErr := m.repo.UpdateStatus(ctx, jobID, StatusFailed, nil, err.Error(), ""); updateErr != nil {
			m.log.Error().Err(updateErr).Str("job_id", jobID).Msg("Failed to mark job failed")
		}
		m.emit(ctx, jobID, jobType, events.JobFailed, map[string]interface{}{
			"status": StatusFailed,
			"error":  err.Error(),
		})
		return
	}

	if err := m.repo.UpdateStatus(ctx, jobID, StatusCompleted, result, "", ""); err != nil {
		m.log.Error().Err(err).Str("job_id", jobID).Msg("Failed to mark job completed")
	}
	m.emit(ctx, jobID, jobType, events.JobCompleted, map[string]interface{}{"status": StatusCompleted})
}

// Progress publishes an intermediate event for a running job. Job functions
// call this to surface stages without touching the job row.
func (m *Manager) Progress(ctx context.Context, jobID, jobType string, payload map[string]interface{}) {
	m.emit(ctx, jobID, jobType, events.JobProgress, payload)
}

// Wait blocks until every in-flight job has finished.
func (m *Manager) Wait() {
	m.wg.Wait()
}

func (m *Manager) emit(ctx context.Context, jobID, jobType string, eventType events.EventType, payload map[string]interface{}) {
	if err := m.repo.AppendEvent(ctx, jobID, string(eventType), payload); err != nil {
		m.log.Warn().Err(err).Str("job_id", jobID).Msg("Failed to append job event")
	}
	if m.bus != nil {
		m.bus.PublishJobEvent(eventType, jobID, jobType, payload)
	}
}
