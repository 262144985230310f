//go:build wireinject
// +build wireinject

// The build tag makes sure the stub is not built in the final build.

package main

import (
	"Atelier/internal/biz"
	"Atelier/internal/conf"
	"Atelier/internal/data"
	"Atelier/internal/server"
	"Atelier/internal/service"

	"github.com/go-kratos/kratos/v2"
	"github.com/go-kratos/kratos/v2/log"
	"github.com/google/wire"
)

// wireApp init kratos application.
func wireApp(*conf.Server, *conf.Data, *conf.Worker, *conf.Jobs, *conf.Supervisor, *conf.Breaker, log.Logger) (*kratos.App, func(), error) {
	panic(wire.Build(
		data.ProviderSet,
		biz.ProviderSet,
		service.ProviderSet,
		server.ProviderSet,
		newMaintenanceCron,
		newApp,
	))
}
