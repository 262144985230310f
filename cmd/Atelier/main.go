// Package main is the entry point of the Atelier service.
// It initializes the Kratos application with the HTTP server and the
// maintenance cron.
package main

import (
	"flag"
	"os"

	"Atelier/internal/conf"
	zapLogger "Atelier/pkg/log"

	"github.com/go-kratos/kratos/v2"
	"github.com/go-kratos/kratos/v2/log"
	"github.com/go-kratos/kratos/v2/transport/http"

	_ "go.uber.org/automaxprocs"
)

// go build -ldflags "-X main.Version=x.y.z"
var (
	// Name is the name of the compiled software.
	Name = "Atelier"
	// Version is the version of the compiled software.
	Version string
	// flagconf is the config flag.
	flagconf string

	id, _ = os.Hostname()
)

func init() {
	flag.StringVar(&flagconf, "conf", "../../configs/config.yaml", "config path, eg: -conf config.yaml")
}

func newApp(logger log.Logger, hs *http.Server, maintenance *maintenanceCron) *kratos.App {
	maintenance.Start()

	return kratos.New(
		kratos.ID(id),
		kratos.Name(Name),
		kratos.Version(Version),
		kratos.Metadata(map[string]string{}),
		kratos.Logger(logger),
		kratos.Server(
			hs,
		),
	)
}

func main() {
	flag.Parse()

	// Load configuration using Viper with environment variable and CLI flag support
	bc, err := conf.NewBootstrap(flagconf)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	// Initialize Zap logger from configuration
	zapLog, err := zapLogger.NewZapLogger(bc.Log)
	if err != nil {
		log.Fatalf("failed to initialize zap logger: %v", err)
	}
	defer zapLog.Sync()

	// Create Kratos adapter for Zap logger
	logger := zapLogger.NewKratosAdapter(zapLog)

	logger = log.With(logger,
		"service.id", id,
		"service.name", Name,
		"service.version", Version,
	)

	log.NewHelper(logger).Infow(
		"msg", "Atelier service starting",
		"worker.base_url", bc.Worker.BaseURL,
		"log.level", bc.Log.Level,
		"log.format", bc.Log.Format,
	)

	app, cleanup, err := wireApp(bc.Server, bc.Data, bc.Worker, bc.Jobs, bc.Supervisor, bc.Breaker, logger)
	if err != nil {
		panic(err)
	}
	defer cleanup()

	// start and wait for stop signal
	if err := app.Run(); err != nil {
		panic(err)
	}
}
