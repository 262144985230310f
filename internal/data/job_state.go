package data

import (
	"context"
	"fmt"
	"time"

	"Atelier/internal/conf"
	"Atelier/internal/model"

	"github.com/go-kratos/kratos/v2/log"
)

// JobStateRepo persists job progress snapshots in Redis as JSON with a TTL.
// Records expire on their own; deletion is an optimization, not a correctness
// requirement. All operations degrade gracefully when Redis is unreachable.
type JobStateRepo struct {
	cache          CacheClient
	keyPrefix      string
	ttl            time.Duration
	maxRecoveryAge time.Duration
	logger         *log.Helper
}

// NewJobStateRepo creates a job-state repository over the cache client.
func NewJobStateRepo(data *Data, c *conf.Jobs, logger log.Logger) *JobStateRepo {
	return &JobStateRepo{
		cache:          data.GetCache(),
		keyPrefix:      c.KeyPrefix,
		ttl:            c.TTL.AsDuration(),
		maxRecoveryAge: c.MaxRecoveryAge.AsDuration(),
		logger:         log.NewHelper(logger),
	}
}

func (r *JobStateRepo) key(promptID string) string {
	return r.keyPrefix + promptID
}

// SaveJobState writes the full record under {keyPrefix}{promptID} with the
// configured TTL.
func (r *JobStateRepo) SaveJobState(ctx context.Context, state *model.JobState) error {
	if err := r.cache.Set(ctx, r.key(state.PromptID), state, r.ttl); err != nil {
		return fmt.Errorf("save job state %s: %w", state.PromptID, err)
	}
	return nil
}

// GetJobState returns the stored record, or (nil, nil) when none exists.
func (r *JobStateRepo) GetJobState(ctx context.Context, promptID string) (*model.JobState, error) {
	var state model.JobState
	err := r.cache.Get(ctx, r.key(promptID), &state)
	if err == ErrCacheNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job state %s: %w", promptID, err)
	}
	return &state, nil
}

// UpdateJobState applies a partial update to an existing record and rewrites
// it with a fresh TTL. Updating a missing record is a no-op.
func (r *JobStateRepo) UpdateJobState(ctx context.Context, promptID string, update model.JobStateUpdate) error {
	state, err := r.GetJobState(ctx, promptID)
	if err != nil {
		return err
	}
	if state == nil {
		r.logger.Warnw("msg", "job state update skipped, record missing",
			"prompt_id", promptID)
		return nil
	}

	if update.Status != nil {
		state.Status = *update.Status
	}
	if update.Progress != nil {
		state.Progress = *update.Progress
	}
	if update.ClientID != nil {
		state.ClientID = *update.ClientID
	}
	if update.Error != nil {
		state.Error = *update.Error
	}

	return r.SaveJobState(ctx, state)
}

// DeleteJobState removes the record. Deleting a missing record is not an
// error.
func (r *JobStateRepo) DeleteJobState(ctx context.Context, promptID string) error {
	return r.cache.Delete(ctx, r.key(promptID))
}

// RecoverActiveJobs scans for persisted records that are still active and
// recent enough to be worth re-adopting after a restart. Records that fail to
// parse are logged and skipped, never fatal.
func (r *JobStateRepo) RecoverActiveJobs(ctx context.Context) ([]*model.JobState, error) {
	keys, err := r.cache.Keys(ctx, r.keyPrefix+"*")
	if err != nil {
		return nil, fmt.Errorf("recover active jobs: %w", err)
	}

	now := time.Now()
	var recovered []*model.JobState
	for _, key := range keys {
		var state model.JobState
		if err := r.cache.Get(ctx, key, &state); err != nil {
			// Expired between scan and read, or corrupt.
			r.logger.Warnw("msg", "skipping unreadable job record",
				"key", key,
				"error", err.Error())
			continue
		}
		if !state.Status.IsActive() {
			continue
		}
		if state.Age(now) > r.maxRecoveryAge {
			continue
		}
		recovered = append(recovered, &state)
	}

	return recovered, nil
}

// CleanupStaleJobs deletes records older than the configured TTL regardless
// of status. Redis expiry normally handles this; the sweep is a backstop for
// records whose TTL was refreshed by updates long after the job was
// abandoned. It returns how many were removed.
func (r *JobStateRepo) CleanupStaleJobs(ctx context.Context) (int, error) {
	keys, err := r.cache.Keys(ctx, r.keyPrefix+"*")
	if err != nil {
		return 0, fmt.Errorf("cleanup stale jobs: %w", err)
	}

	now := time.Now()
	removed := 0
	for _, key := range keys {
		var state model.JobState
		if err := r.cache.Get(ctx, key, &state); err != nil {
			continue
		}
		if state.Age(now) <= r.ttl {
			continue
		}
		if err := r.cache.Delete(ctx, key); err != nil {
			r.logger.Warnw("msg", "failed to delete stale job record",
				"key", key,
				"error", err.Error())
			continue
		}
		removed++
	}

	if removed > 0 {
		r.logger.Infow("msg", "removed stale job records", "count", removed)
	}
	return removed, nil
}

// IsAvailable reports whether the backing Redis answers a ping.
func (r *JobStateRepo) IsAvailable(ctx context.Context) bool {
	return r.cache.Ping(ctx) == nil
}
