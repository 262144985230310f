package biz

import (
	"context"
	"fmt"
	"sync"
	"time"

	"Atelier/internal/model"
	"Atelier/pkg/comfy"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	// pendingJobMaxAge is the local descriptor retention window; descriptors
	// older than this are considered abandoned and pruned.
	pendingJobMaxAge = 10 * time.Minute

	// terminalDeleteGrace is how long a terminal persisted record is kept
	// around so late status polls can still observe the outcome.
	terminalDeleteGrace = 60 * time.Second

	// terminalCacheSize bounds the in-memory cache of terminal outcomes.
	terminalCacheSize = 256

	// terminalCacheTTL matches the expectation that interest in a finished
	// job fades quickly.
	terminalCacheTTL = 10 * time.Minute
)

// JobStateRepo is the durable job-state store consumed by the runner.
// Implemented by the data layer on Redis.
type JobStateRepo interface {
	SaveJobState(ctx context.Context, state *model.JobState) error
	GetJobState(ctx context.Context, promptID string) (*model.JobState, error)
	UpdateJobState(ctx context.Context, promptID string, update model.JobStateUpdate) error
	DeleteJobState(ctx context.Context, promptID string) error
	RecoverActiveJobs(ctx context.Context) ([]*model.JobState, error)
	CleanupStaleJobs(ctx context.Context) (int, error)
	IsAvailable(ctx context.Context) bool
}

// JobArchiver receives terminal job states for long-term archival.
// Archival is fire-and-forget; implementations must not block.
type JobArchiver interface {
	ArchiveJob(state *model.JobState)
}

// JobRunner orchestrates generation jobs against the remote worker: it
// submits workflows, tracks an in-memory pending set, persists progress for
// crash recovery, and reconciles status on poll.
//
// Job tracking here is a best-effort convenience layer over the worker, which
// is the actual system of record; persistence and bookkeeping failures
// degrade gracefully instead of failing submissions.
type JobRunner struct {
	worker     comfy.Client
	store      JobStateRepo   // nil disables persistence
	supervisor *JobSupervisor // nil disables supervised execution
	archiver   JobArchiver    // nil disables archival
	logger     *log.Helper

	mu      sync.Mutex
	pending map[string]*model.PendingJob

	// terminal caches outcomes of finished jobs so polls arriving after the
	// persisted record's grace deletion still see the terminal state.
	terminal *expirable.LRU[string, *model.JobOutcome]

	// graceDelay is terminalDeleteGrace, shortened in tests.
	graceDelay time.Duration
}

// NewJobRunner creates a runner and recovers pending jobs from the store.
//
// Recovered jobs are adopted for bookkeeping and cleanup only: progress
// streaming and any live connection to the worker are not re-established.
// Recovery is advisory, not a lease; two instances recovering the same record
// both adopt it, which duplicates bookkeeping but not execution.
func NewJobRunner(worker comfy.Client, store JobStateRepo, supervisor *JobSupervisor, archiver JobArchiver, logger log.Logger) *JobRunner {
	r := &JobRunner{
		worker:     worker,
		store:      store,
		supervisor: supervisor,
		archiver:   archiver,
		logger:     log.NewHelper(logger),
		pending:    make(map[string]*model.PendingJob),
		terminal:   expirable.NewLRU[string, *model.JobOutcome](terminalCacheSize, nil, terminalCacheTTL),
		graceDelay: terminalDeleteGrace,
	}

	r.recoverPendingJobs()

	return r
}

func (r *JobRunner) recoverPendingJobs() {
	if r.store == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if !r.store.IsAvailable(ctx) {
		r.logger.Warn("job state store unavailable, skipping recovery")
		return
	}

	states, err := r.store.RecoverActiveJobs(ctx)
	if err != nil {
		r.logger.Warnw("msg", "job recovery failed", "error", err.Error())
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, state := range states {
		r.pending[state.PromptID] = &model.PendingJob{
			PromptID:  state.PromptID,
			Type:      recoveredJobType(state.Type),
			StartedAt: time.UnixMilli(state.StartedAt),
		}
	}

	if len(states) > 0 {
		r.logger.Infow("msg", "recovered active jobs from store", "count", len(states))
	}
}

// recoveredJobType maps persisted job kinds onto the runner's narrower
// vocabulary; unknown kinds degrade to base image.
func recoveredJobType(t model.JobType) model.JobType {
	switch t {
	case model.JobTypeBaseImage, model.JobTypeVariation, model.JobTypeUpscale:
		return t
	case model.JobTypeCharacter, model.JobTypeBackground:
		return model.JobTypeBaseImage
	default:
		return model.JobTypeBaseImage
	}
}

// SubmitBaseImage builds a workflow from input and submits it to the worker.
// With a progress callback it executes synchronously and streams progress;
// without one it queues asynchronously and returns the prompt id immediately.
func (r *JobRunner) SubmitBaseImage(ctx context.Context, input comfy.GenerationInput, userID string, onProgress comfy.ProgressFunc) (string, error) {
	nodes, err := r.worker.GetAvailableNodes(ctx)
	if err != nil {
		// Capability discovery is an optimization; fall back to the base
		// workflow variant.
		r.logger.Warnw("msg", "node discovery failed, using base workflow",
			"error", err.Error())
		nodes = nil
	}

	wf, err := comfy.BuildBaseImageWorkflow(input, nodes)
	if err != nil {
		return "", err
	}

	if onProgress != nil {
		return r.submitSync(ctx, wf, userID, onProgress)
	}
	return r.submitAsync(ctx, wf, userID, input)
}

func (r *JobRunner) submitSync(ctx context.Context, wf *comfy.Workflow, userID string, onProgress comfy.ProgressFunc) (string, error) {
	op := func(ctx context.Context) (interface{}, error) {
		return r.worker.ExecuteWorkflow(ctx, wf, 0, onProgress)
	}

	var (
		result interface{}
		err    error
	)
	if r.supervisor != nil {
		result, err = r.supervisor.Execute(ctx, execID("sync"), op, nil)
	} else {
		result, err = op(ctx)
	}
	if err != nil {
		return "", fmt.Errorf("workflow execution failed: %w", err)
	}

	execResult := result.(*comfy.ExecuteResult)
	r.terminal.Add(execResult.PromptID, &model.JobOutcome{
		PromptID: execResult.PromptID,
		Status:   model.RunnerStatusCompleted,
		Progress: 100,
		Images:   execResult.Images,
	})

	r.logger.Infow("msg", "workflow executed",
		"prompt_id", execResult.PromptID,
		"user_id", userID,
		"images", len(execResult.Images))

	return execResult.PromptID, nil
}

func (r *JobRunner) submitAsync(ctx context.Context, wf *comfy.Workflow, userID string, input comfy.GenerationInput) (string, error) {
	op := func(ctx context.Context) (interface{}, error) {
		return r.worker.QueueWorkflow(ctx, wf)
	}

	var (
		result interface{}
		err    error
	)
	if r.supervisor != nil {
		result, err = r.supervisor.Execute(ctx, execID("queue"), op, nil)
	} else {
		result, err = op(ctx)
	}
	if err != nil {
		return "", fmt.Errorf("workflow submission failed: %w", err)
	}
	promptID := result.(string)

	now := time.Now()
	r.mu.Lock()
	r.pending[promptID] = &model.PendingJob{
		PromptID:   promptID,
		Type:       model.JobTypeBaseImage,
		WorkflowID: wf.ID,
		StartedAt:  now,
	}
	r.mu.Unlock()

	if r.store != nil {
		state := &model.JobState{
			PromptID:  promptID,
			Type:      model.JobTypeBaseImage,
			UserID:    userID,
			Status:    model.JobStatusQueued,
			Progress:  0,
			StartedAt: now.UnixMilli(),
			ServerURL: r.worker.BaseURL(),
		}
		if err := r.store.SaveJobState(ctx, state); err != nil {
			// Persistence is best effort; the job is already queued.
			r.logger.Warnw("msg", "failed to persist job state",
				"prompt_id", promptID,
				"error", err.Error())
		}
	}

	r.logger.Infow("msg", "job queued",
		"prompt_id", promptID,
		"user_id", userID,
		"workflow", wf.ID,
		"prompt", input.Prompt)

	return promptID, nil
}

// execID builds a supervisor execution id for a submission attempt.
func execID(kind string) string {
	return fmt.Sprintf("%s-%d", kind, time.Now().UnixNano())
}

// JobStatus polls the worker for a job's status and reconciles the persisted
// record. Remote call failures are mapped to a FAILED outcome rather than
// propagated.
func (r *JobRunner) JobStatus(ctx context.Context, promptID string) *model.JobOutcome {
	if cached, ok := r.terminal.Get(promptID); ok {
		return cached
	}

	status, err := r.worker.GetJobStatus(ctx, promptID)
	if err != nil {
		r.logger.Warnw("msg", "status poll failed",
			"prompt_id", promptID,
			"error", err.Error())
		return &model.JobOutcome{
			PromptID: promptID,
			Status:   model.RunnerStatusFailed,
			Error:    err.Error(),
		}
	}

	switch status.Status {
	case "queued":
		return &model.JobOutcome{PromptID: promptID, Status: model.RunnerStatusInQueue}
	case "processing":
		r.updateProgress(ctx, promptID, status.Progress)
		return &model.JobOutcome{
			PromptID: promptID,
			Status:   model.RunnerStatusInProgress,
			Progress: status.Progress,
		}
	case "completed":
		r.MarkJobCompleted(ctx, promptID, status.Images)
		return &model.JobOutcome{
			PromptID: promptID,
			Status:   model.RunnerStatusCompleted,
			Progress: 100,
			Images:   status.Images,
		}
	case "failed":
		r.MarkJobFailed(ctx, promptID, status.Error)
		return &model.JobOutcome{
			PromptID: promptID,
			Status:   model.RunnerStatusFailed,
			Error:    status.Error,
		}
	default:
		return &model.JobOutcome{
			PromptID: promptID,
			Status:   model.RunnerStatusFailed,
			Error:    fmt.Sprintf("unknown worker status %q", status.Status),
		}
	}
}

func (r *JobRunner) updateProgress(ctx context.Context, promptID string, progress int) {
	if r.store == nil {
		return
	}
	processing := model.JobStatusProcessing
	update := model.JobStateUpdate{Status: &processing, Progress: &progress}
	if err := r.store.UpdateJobState(ctx, promptID, update); err != nil {
		r.logger.Warnw("msg", "failed to update job progress",
			"prompt_id", promptID,
			"error", err.Error())
	}
}

// MarkJobCompleted records a terminal success: the persisted record is
// updated, the outcome cached, the job archived, and the record scheduled for
// deletion after a grace delay so late polls still observe the terminal state.
func (r *JobRunner) MarkJobCompleted(ctx context.Context, promptID string, images []string) {
	r.terminal.Add(promptID, &model.JobOutcome{
		PromptID: promptID,
		Status:   model.RunnerStatusCompleted,
		Progress: 100,
		Images:   images,
	})
	r.finalize(ctx, promptID, model.JobStatusCompleted, "")
}

// MarkJobFailed records a terminal failure.
func (r *JobRunner) MarkJobFailed(ctx context.Context, promptID string, errMsg string) {
	r.terminal.Add(promptID, &model.JobOutcome{
		PromptID: promptID,
		Status:   model.RunnerStatusFailed,
		Error:    errMsg,
	})
	r.finalize(ctx, promptID, model.JobStatusFailed, errMsg)
}

func (r *JobRunner) finalize(ctx context.Context, promptID string, status model.JobStatus, errMsg string) {
	r.mu.Lock()
	delete(r.pending, promptID)
	r.mu.Unlock()

	if r.store == nil {
		return
	}

	update := model.JobStateUpdate{Status: &status}
	if status == model.JobStatusCompleted {
		progress := 100
		update.Progress = &progress
	}
	if errMsg != "" {
		update.Error = &errMsg
	}
	if err := r.store.UpdateJobState(ctx, promptID, update); err != nil {
		r.logger.Warnw("msg", "failed to update terminal job state",
			"prompt_id", promptID,
			"error", err.Error())
	}

	if r.archiver != nil {
		if state, err := r.store.GetJobState(ctx, promptID); err == nil && state != nil {
			r.archiver.ArchiveJob(state)
		}
	}

	// Delayed deletion lets late status polls observe the terminal state
	// before the record disappears.
	time.AfterFunc(r.graceDelay, func() {
		cleanupCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := r.store.DeleteJobState(cleanupCtx, promptID); err != nil {
			r.logger.Warnw("msg", "failed to delete terminal job state",
				"prompt_id", promptID,
				"error", err.Error())
		}
	})
}

// CleanupStaleJobs prunes local descriptors older than the retention window
// and best-effort deletes their persisted records. It returns how many
// descriptors were removed.
func (r *JobRunner) CleanupStaleJobs(ctx context.Context) int {
	cutoff := time.Now().Add(-pendingJobMaxAge)

	r.mu.Lock()
	var stale []string
	for id, job := range r.pending {
		if job.StartedAt.Before(cutoff) {
			stale = append(stale, id)
			delete(r.pending, id)
		}
	}
	r.mu.Unlock()

	for _, id := range stale {
		if r.store != nil {
			if err := r.store.DeleteJobState(ctx, id); err != nil {
				r.logger.Warnw("msg", "failed to delete stale job state",
					"prompt_id", id,
					"error", err.Error())
			}
		}
	}

	if len(stale) > 0 {
		r.logger.Infow("msg", "pruned stale pending jobs", "count", len(stale))
	}
	return len(stale)
}

// PendingJobs returns snapshots of the tracked pending descriptors.
func (r *JobRunner) PendingJobs() []*model.PendingJob {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*model.PendingJob, 0, len(r.pending))
	for _, job := range r.pending {
		snapshot := *job
		out = append(out, &snapshot)
	}
	return out
}

// Healthy reports whether the remote worker answers its health endpoint.
func (r *JobRunner) Healthy(ctx context.Context) bool {
	return r.worker.HealthCheck(ctx)
}
