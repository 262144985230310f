package data

import (
	"context"
	"time"

	"Atelier/internal/model"
	pkgerrors "Atelier/pkg/errors"

	"github.com/go-kratos/kratos/v2/log"
	"gorm.io/gorm"
)

// JobHistory is the GORM model for the job_history table. It is the durable
// archive of terminal jobs, written after the Redis record is finalized.
type JobHistory struct {
	ID          int64     `gorm:"primaryKey;column:id"`
	PromptID    string    `gorm:"column:prompt_id;type:varchar(64);not null;uniqueIndex"`
	Type        string    `gorm:"column:type;type:varchar(32);not null"`
	UserID      string    `gorm:"column:user_id;type:varchar(64);index"`
	CharacterID string    `gorm:"column:character_id;type:varchar(64)"`
	Status      string    `gorm:"column:status;type:varchar(16);not null"`
	Progress    int       `gorm:"column:progress"`
	StartedAt   time.Time `gorm:"column:started_at"`
	Error       string    `gorm:"column:error;type:text"`
	CreatedAt   time.Time `gorm:"column:created_at;autoCreateTime"`
}

// TableName specifies the table name for GORM
func (JobHistory) TableName() string {
	return "job_history"
}

// JobHistoryArchiver implements biz.JobArchiver: terminal job states are
// queued on a buffered channel and written to MySQL by a background
// goroutine. With no database configured it silently drops events.
type JobHistoryArchiver struct {
	db      *gorm.DB
	archive chan *JobHistory
	logger  *log.Helper
}

// NewJobHistoryArchiver creates an archiver with an async write channel.
func NewJobHistoryArchiver(db *gorm.DB, logger log.Logger) *JobHistoryArchiver {
	a := &JobHistoryArchiver{
		db:      db,
		archive: make(chan *JobHistory, 1000), // Buffer to prevent blocking callers
		logger:  log.NewHelper(logger),
	}

	if db != nil {
		go a.start()
	}

	return a
}

// start drains archive events and writes them to MySQL.
func (a *JobHistoryArchiver) start() {
	for record := range a.archive {
		ctx := context.Background()
		if err := a.db.WithContext(ctx).Create(record).Error; err != nil {
			// Duplicate archives happen when recovery replays a terminal
			// transition; they are not worth alerting on.
			if pkgerrors.IsDuplicateKey(err) {
				a.logger.Debugw("msg", "job history already archived",
					"prompt_id", record.PromptID)
				continue
			}
			a.logger.Errorw("msg", "failed to archive job history",
				"prompt_id", record.PromptID,
				"status", record.Status,
				"error", pkgerrors.ClassifyDBError(err))
		} else {
			a.logger.Debugw("msg", "job history archived",
				"prompt_id", record.PromptID,
				"status", record.Status)
		}
	}
}

// ArchiveJob queues a terminal job state for archival. Non-blocking: when the
// channel is full or no database is configured the event is dropped.
func (a *JobHistoryArchiver) ArchiveJob(state *model.JobState) {
	if a.db == nil {
		return
	}

	record := &JobHistory{
		PromptID:    state.PromptID,
		Type:        string(state.Type),
		UserID:      state.UserID,
		CharacterID: state.CharacterID,
		Status:      string(state.Status),
		Progress:    state.Progress,
		StartedAt:   time.UnixMilli(state.StartedAt),
		Error:       state.Error,
	}

	select {
	case a.archive <- record:
	default:
		a.logger.Warnw("msg", "job history channel full, dropping event",
			"prompt_id", state.PromptID)
	}
}
