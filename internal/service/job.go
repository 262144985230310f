// Package service implements the HTTP-facing application services.
package service

import (
	"context"
	"time"

	"Atelier/internal/biz"
	"Atelier/internal/model"
	"Atelier/pkg/comfy"
	pkgerrors "Atelier/pkg/errors"
	pkglog "Atelier/pkg/log"

	"github.com/go-kratos/kratos/v2/errors"
	"github.com/go-kratos/kratos/v2/log"
)

// SubmitJobRequest is the payload for job submission.
type SubmitJobRequest struct {
	Prompt         string  `json:"prompt"`
	NegativePrompt string  `json:"negativePrompt,omitempty"`
	Width          int     `json:"width,omitempty"`
	Height         int     `json:"height,omitempty"`
	Steps          int     `json:"steps,omitempty"`
	Seed           int64   `json:"seed,omitempty"`
	CFGScale       float64 `json:"cfgScale,omitempty"`
	UserID         string  `json:"userId,omitempty"`
}

// SubmitJobReply carries the queued job's id.
type SubmitJobReply struct {
	PromptID string `json:"promptId"`
	Status   string `json:"status"`
}

// StatsReply is the operational snapshot exposed on the stats endpoint.
type StatsReply struct {
	Supervisor biz.SupervisorMetrics `json:"supervisor"`
	Breakers   []biz.BreakerStats    `json:"breakers"`
	Pending    int                   `json:"pendingJobs"`
	Uptime     string                `json:"uptime"`
}

// JobService exposes job submission and status over HTTP.
type JobService struct {
	runner     *biz.JobRunner
	supervisor *biz.JobSupervisor
	logger     *log.Helper
	startedAt  time.Time
}

// NewJobService creates the job service.
func NewJobService(runner *biz.JobRunner, supervisor *biz.JobSupervisor, logger log.Logger) *JobService {
	return &JobService{
		runner:     runner,
		supervisor: supervisor,
		logger:     log.NewHelper(logger),
		startedAt:  time.Now(),
	}
}

// SubmitJob queues a base image generation job and returns its prompt id.
func (s *JobService) SubmitJob(ctx context.Context, req *SubmitJobRequest) (*SubmitJobReply, error) {
	input := comfy.GenerationInput{
		Prompt:         req.Prompt,
		NegativePrompt: req.NegativePrompt,
		Width:          req.Width,
		Height:         req.Height,
		Steps:          req.Steps,
		Seed:           req.Seed,
		CFGScale:       req.CFGScale,
	}

	promptID, err := s.runner.SubmitBaseImage(ctx, input, req.UserID, nil)
	if err != nil {
		return nil, s.toHTTPError(err)
	}
	pkglog.SetPromptID(ctx, promptID)

	return &SubmitJobReply{
		PromptID: promptID,
		Status:   string(model.RunnerStatusInQueue),
	}, nil
}

// GetJobStatus reports the current outcome of a job.
func (s *JobService) GetJobStatus(ctx context.Context, promptID string) (*model.JobOutcome, error) {
	if promptID == "" {
		return nil, errors.BadRequest("MISSING_PROMPT_ID", "promptId is required")
	}
	pkglog.SetPromptID(ctx, promptID)
	return s.runner.JobStatus(ctx, promptID), nil
}

// Stats returns supervisor and breaker metrics.
func (s *JobService) Stats(ctx context.Context) *StatsReply {
	return &StatsReply{
		Supervisor: s.supervisor.Metrics(),
		Breakers:   s.supervisor.BreakerStats(),
		Pending:    len(s.runner.PendingJobs()),
		Uptime:     time.Since(s.startedAt).Round(time.Second).String(),
	}
}

// Healthy reports whether the remote worker is reachable.
func (s *JobService) Healthy(ctx context.Context) bool {
	return s.runner.Healthy(ctx)
}

// toHTTPError maps domain error kinds onto Kratos HTTP errors.
func (s *JobService) toHTTPError(err error) error {
	switch pkgerrors.ClassifyJobError(err) {
	case pkgerrors.KindValidation, pkgerrors.KindInvalidInput, pkgerrors.KindBadRequest:
		return errors.BadRequest("INVALID_INPUT", err.Error())
	case pkgerrors.KindNotFound:
		return errors.NotFound("NOT_FOUND", err.Error())
	case pkgerrors.KindUnauthorized:
		return errors.Unauthorized("UNAUTHORIZED", err.Error())
	case pkgerrors.KindForbidden:
		return errors.Forbidden("FORBIDDEN", err.Error())
	case pkgerrors.KindTimeout:
		return errors.GatewayTimeout("WORKER_TIMEOUT", err.Error())
	case pkgerrors.KindCircuitOpen:
		return errors.ServiceUnavailable("CIRCUIT_OPEN", err.Error())
	default:
		return errors.InternalServer("SUBMIT_FAILED", err.Error())
	}
}
