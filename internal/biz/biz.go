// Package biz contains business logic layer implementations.
// This layer holds the job supervision and orchestration rules.
package biz

import (
	"Atelier/internal/data"

	"github.com/google/wire"
)

// ProviderSet is biz providers.
var ProviderSet = wire.NewSet(
	NewJobSupervisorFromConf,
	NewJobRunner,
	// Import data layer providers
	data.NewJobStateRepo,
	data.NewJobHistoryArchiver,
	// Bind data layer implementations to biz layer interfaces
	wire.Bind(new(JobStateRepo), new(*data.JobStateRepo)),
	wire.Bind(new(JobArchiver), new(*data.JobHistoryArchiver)),
)
