package main

import (
	"context"
	"fmt"
	"time"

	"Atelier/internal/biz"
	"Atelier/internal/conf"
	"Atelier/internal/data"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/robfig/cron/v3"
)

// supervisorRetention is how long finished supervisor executions stay
// queryable before cleanup removes them.
const supervisorRetention = time.Hour

// maintenanceCron periodically prunes stale job bookkeeping: the runner's
// local descriptors, abandoned persisted records, and finished supervisor
// executions.
type maintenanceCron struct {
	cron       *cron.Cron
	interval   time.Duration
	runner     *biz.JobRunner
	repo       *data.JobStateRepo
	supervisor *biz.JobSupervisor
	helper     *log.Helper
}

func newMaintenanceCron(c *conf.Jobs, runner *biz.JobRunner, repo *data.JobStateRepo, supervisor *biz.JobSupervisor, logger log.Logger) *maintenanceCron {
	interval := c.CleanupInterval.AsDuration()
	if interval <= 0 {
		interval = time.Minute
	}

	return &maintenanceCron{
		cron:       cron.New(),
		interval:   interval,
		runner:     runner,
		repo:       repo,
		supervisor: supervisor,
		helper:     log.NewHelper(logger),
	}
}

// Start registers and starts the cleanup schedule.
func (m *maintenanceCron) Start() {
	spec := fmt.Sprintf("@every %s", m.interval)
	_, err := m.cron.AddFunc(spec, m.run)
	if err != nil {
		m.helper.Errorw("msg", "failed to register maintenance cron", "error", err)
		return
	}

	m.cron.Start()
	m.helper.Infow("msg", "maintenance cron started", "interval", m.interval.String())
}

// Stop halts the schedule and waits for a running job to finish.
func (m *maintenanceCron) Stop() {
	<-m.cron.Stop().Done()
}

func (m *maintenanceCron) run() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pruned := m.runner.CleanupStaleJobs(ctx)

	removed, err := m.repo.CleanupStaleJobs(ctx)
	if err != nil {
		m.helper.Warnw("msg", "stale record cleanup failed", "error", err.Error())
	}

	finished := m.supervisor.Cleanup(supervisorRetention)

	if pruned > 0 || removed > 0 || finished > 0 {
		m.helper.Infow("msg", "maintenance pass completed",
			"pruned_descriptors", pruned,
			"removed_records", removed,
			"cleaned_executions", finished)
	}
}
