// Package server wires the HTTP transport.
package server

import (
	"context"
	stdhttp "net/http"

	"Atelier/internal/conf"
	"Atelier/internal/server/middleware"
	"Atelier/internal/service"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/go-kratos/kratos/v2/middleware/recovery"
	"github.com/go-kratos/kratos/v2/transport/http"
)

// NewHTTPServer new an HTTP server.
func NewHTTPServer(c *conf.Server, jobService *service.JobService, logger log.Logger) *http.Server {
	var opts = []http.ServerOption{
		http.Middleware(
			recovery.Recovery(),
			middleware.Logging(logger),
		),
	}
	if c.Http.Network != "" {
		opts = append(opts, http.Network(c.Http.Network))
	}
	if c.Http.Addr != "" {
		opts = append(opts, http.Address(c.Http.Addr))
	}
	if c.Http.Timeout != nil {
		opts = append(opts, http.Timeout(c.Http.Timeout.AsDuration()))
	}
	srv := http.NewServer(opts...)

	registerRoutes(srv, jobService)

	return srv
}

func registerRoutes(srv *http.Server, svc *service.JobService) {
	r := srv.Route("/api/v1")

	r.POST("/jobs", func(ctx http.Context) error {
		var req service.SubmitJobRequest
		if err := ctx.Bind(&req); err != nil {
			return err
		}
		http.SetOperation(ctx, "/api.v1.JobService/SubmitJob")
		h := ctx.Middleware(func(c context.Context, req interface{}) (interface{}, error) {
			return svc.SubmitJob(c, req.(*service.SubmitJobRequest))
		})
		reply, err := h(ctx, &req)
		if err != nil {
			return err
		}
		return ctx.Result(stdhttp.StatusOK, reply)
	})

	r.GET("/jobs/{promptId}", func(ctx http.Context) error {
		promptID := ctx.Vars().Get("promptId")
		http.SetOperation(ctx, "/api.v1.JobService/GetJobStatus")
		h := ctx.Middleware(func(c context.Context, _ interface{}) (interface{}, error) {
			return svc.GetJobStatus(c, promptID)
		})
		reply, err := h(ctx, nil)
		if err != nil {
			return err
		}
		return ctx.Result(stdhttp.StatusOK, reply)
	})

	r.GET("/stats", func(ctx http.Context) error {
		http.SetOperation(ctx, "/api.v1.JobService/Stats")
		h := ctx.Middleware(func(c context.Context, _ interface{}) (interface{}, error) {
			return svc.Stats(c), nil
		})
		reply, err := h(ctx, nil)
		if err != nil {
			return err
		}
		return ctx.Result(stdhttp.StatusOK, reply)
	})

	r.GET("/healthz", func(ctx http.Context) error {
		http.SetOperation(ctx, "/api.v1.JobService/Health")
		h := ctx.Middleware(func(c context.Context, _ interface{}) (interface{}, error) {
			if !svc.Healthy(c) {
				return map[string]string{"status": "degraded"}, nil
			}
			return map[string]string{"status": "ok"}, nil
		})
		reply, err := h(ctx, nil)
		if err != nil {
			return err
		}
		return ctx.Result(stdhttp.StatusOK, reply)
	})
}
